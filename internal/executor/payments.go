package executor

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	logx "tickbot/pkg/logx"
)

// PaymentsConfig points at the payment rail.
type PaymentsConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// PaymentsClient talks to the payment rail over HTTP. It also serves
// identity and token resolution, which live on the same service.
type PaymentsClient struct {
	api apiClient
	log logx.Logger
}

func NewPaymentsClient(cfg PaymentsConfig, log logx.Logger) (*PaymentsClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("payments base_url is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &PaymentsClient{api: newAPIClient(cfg.BaseURL, cfg.APIKey, cfg.Timeout), log: log}, nil
}

func (c *PaymentsClient) Transfer(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	var res PaymentResult
	if err := c.api.do(ctx, "POST", "/v1/transfers", req, &res); err != nil {
		return nil, err
	}
	c.log.Info("transfer submitted",
		logx.Int64("group", req.GroupID),
		logx.String("token", req.TokenType),
		logx.Uint64("units", req.AmountUnits),
		logx.String("tx", res.TxHash))
	return &res, nil
}

func (c *PaymentsClient) ResolveIdentity(ctx context.Context, username string) (*Identity, error) {
	username = strings.TrimPrefix(strings.TrimSpace(username), "@")
	if username == "" {
		return nil, ErrUnknownIdentity
	}
	var id Identity
	err := c.api.do(ctx, "GET", "/v1/identities/"+pathEscape(username), nil, &id)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, ErrUnknownIdentity
		}
		return nil, err
	}
	if id.Address == "" {
		return nil, ErrUnknownIdentity
	}
	return &id, nil
}

func (c *PaymentsClient) ResolveToken(ctx context.Context, symbol string) (*TokenInfo, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return nil, ErrUnknownToken
	}
	var tok TokenInfo
	err := c.api.do(ctx, "GET", "/v1/tokens/"+pathEscape(symbol), nil, &tok)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, ErrUnknownToken
		}
		return nil, err
	}
	if tok.TokenType == "" {
		return nil, ErrUnknownToken
	}
	return &tok, nil
}
