package executor

import (
	"context"
	"fmt"

	"tickbot/internal/schedule"
	kit "tickbot/internal/transport"
	logx "tickbot/pkg/logx"
)

// Dispatcher executes a due record's payload and posts the result into the
// owning group. It is what the runner sees; one call per claimed occurrence.
type Dispatcher struct {
	messages MessageExecutor
	payments PaymentExecutor
	sender   kit.Adapter
	log      logx.Logger
}

func NewDispatcher(messages MessageExecutor, payments PaymentExecutor, sender kit.Adapter, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{messages: messages, payments: payments, sender: sender, log: log}
}

// Execute runs the record's payload. The returned status is a short
// human-readable outcome stored on the record; err is non-nil on failure.
func (d *Dispatcher) Execute(ctx context.Context, rec *schedule.Record) (string, error) {
	switch rec.Kind {
	case schedule.KindMessage:
		return d.executeMessage(ctx, rec)
	case schedule.KindPayment:
		return d.executePayment(ctx, rec)
	default:
		return "", fmt.Errorf("unknown schedule kind %q", rec.Kind)
	}
}

func (d *Dispatcher) executeMessage(ctx context.Context, rec *schedule.Record) (string, error) {
	if rec.Message == nil {
		return "", fmt.Errorf("record %s has no message payload", rec.ID)
	}
	res, err := d.messages.Complete(ctx, MessageRequest{
		GroupID:  rec.GroupID,
		Prompt:   rec.Message.Prompt,
		ImageURL: rec.Message.ImageURL,
	})
	if err != nil {
		return "", fmt.Errorf("completion: %w", err)
	}

	to := kit.ChatTarget{ChatID: rec.GroupID, ThreadID: rec.ThreadID}
	if res.ImageURL != "" {
		if _, err := d.sender.SendPhoto(ctx, to, res.ImageURL, res.Text, nil); err != nil {
			return "", fmt.Errorf("send photo: %w", err)
		}
	} else if res.Text != "" {
		if _, err := d.sender.SendText(ctx, to, res.Text, &kit.SendOptions{DisablePreview: true}); err != nil {
			return "", fmt.Errorf("send reply: %w", err)
		}
	}
	return fmt.Sprintf("ok (%d tokens)", res.TotalTokens), nil
}

func (d *Dispatcher) executePayment(ctx context.Context, rec *schedule.Record) (string, error) {
	p := rec.Payment
	if p == nil {
		return "", fmt.Errorf("record %s has no payment payload", rec.ID)
	}
	res, err := d.payments.Transfer(ctx, PaymentRequest{
		GroupID:          rec.GroupID,
		RecipientAddress: p.RecipientAddress,
		TokenType:        p.TokenType,
		AmountUnits:      p.AmountUnits,
	})
	to := kit.ChatTarget{ChatID: rec.GroupID, ThreadID: rec.ThreadID}
	if err != nil {
		if rec.NotifyOnFailure {
			text := fmt.Sprintf("❌ Scheduled payment to @%s failed: %v", p.RecipientUsername, err)
			if _, serr := d.sender.SendText(ctx, to, text, nil); serr != nil {
				d.log.Warn("failure notice not delivered", logx.String("id", rec.ID), logx.Err(serr))
			}
		}
		return "", fmt.Errorf("transfer: %w", err)
	}
	if rec.NotifyOnSuccess {
		text := fmt.Sprintf("✅ Sent %.4f %s to @%s", p.DisplayAmount(), p.Symbol, p.RecipientUsername)
		if _, serr := d.sender.SendText(ctx, to, text, nil); serr != nil {
			d.log.Warn("success notice not delivered", logx.String("id", rec.ID), logx.Err(serr))
		}
	}
	return "ok tx=" + res.TxHash, nil
}
