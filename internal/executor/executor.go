// Package executor holds the payload execution boundary: the AI completion
// provider, the payment rail, and identity resolution are external
// collaborators reached over HTTP; the engine only sees these interfaces.
package executor

import (
	"context"
	"errors"
)

var (
	// ErrUnknownIdentity is returned when a handle has no linked wallet.
	ErrUnknownIdentity = errors.New("executor: unknown identity")
	// ErrUnknownToken is returned when a token symbol cannot be resolved.
	ErrUnknownToken = errors.New("executor: unknown token")
)

// MessageRequest asks the AI provider to generate a reply for a group.
type MessageRequest struct {
	GroupID  int64  `json:"group_id"`
	Prompt   string `json:"prompt"`
	ImageURL string `json:"image_url,omitempty"`
}

// MessageResult is a generated reply plus resource usage for billing.
type MessageResult struct {
	Text        string `json:"text"`
	ImageURL    string `json:"image_url,omitempty"`
	TotalTokens int    `json:"total_tokens"`
}

type MessageExecutor interface {
	Complete(ctx context.Context, req MessageRequest) (*MessageResult, error)
}

// PaymentRequest submits a transfer in the token's smallest units.
type PaymentRequest struct {
	GroupID          int64  `json:"group_id"`
	RecipientAddress string `json:"recipient_address"`
	TokenType        string `json:"token_type"`
	AmountUnits      uint64 `json:"amount_units"`
}

type PaymentResult struct {
	TxHash string `json:"tx_hash"`
}

type PaymentExecutor interface {
	Transfer(ctx context.Context, req PaymentRequest) (*PaymentResult, error)
}

// Identity maps a chat handle to a wallet address.
type Identity struct {
	Username string `json:"username"`
	Address  string `json:"address"`
}

type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, username string) (*Identity, error)
}

// TokenInfo describes a transferable token.
type TokenInfo struct {
	Symbol    string `json:"symbol"`
	TokenType string `json:"token_type"`
	Decimals  int    `json:"decimals"`
}

type TokenResolver interface {
	ResolveToken(ctx context.Context, symbol string) (*TokenInfo, error)
}
