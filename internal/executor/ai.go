package executor

import (
	"context"
	"errors"
	"time"

	logx "tickbot/pkg/logx"
)

// AIConfig points at the AI completion provider.
type AIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// AIClient talks to the completion provider over HTTP.
type AIClient struct {
	cfg AIConfig
	api apiClient
	log logx.Logger
}

func NewAIClient(cfg AIConfig, log logx.Logger) (*AIClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("ai base_url is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &AIClient{cfg: cfg, api: newAPIClient(cfg.BaseURL, cfg.APIKey, cfg.Timeout), log: log}, nil
}

func (c *AIClient) Complete(ctx context.Context, req MessageRequest) (*MessageResult, error) {
	body := struct {
		MessageRequest
		Model string `json:"model,omitempty"`
	}{MessageRequest: req, Model: c.cfg.Model}

	var res MessageResult
	if err := c.api.do(ctx, "POST", "/v1/completions", body, &res); err != nil {
		return nil, err
	}
	c.log.Debug("completion finished",
		logx.Int64("group", req.GroupID), logx.Int("total_tokens", res.TotalTokens))
	return &res, nil
}
