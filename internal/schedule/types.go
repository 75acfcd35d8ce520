package schedule

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// Kind selects the payload variant of a schedule record.
type Kind string

const (
	KindMessage Kind = "message"
	KindPayment Kind = "payment"
)

// Per-group ceilings for active records, per kind. Message schedules are
// expensive (AI completion per run) so the cap is much lower.
const (
	MaxActiveMessageSchedules = 10
	MaxActivePaymentSchedules = 50
)

// GroupQuota returns the active-record ceiling for a kind.
func GroupQuota(kind Kind) int {
	if kind == KindPayment {
		return MaxActivePaymentSchedules
	}
	return MaxActiveMessageSchedules
}

// MessagePayload describes an AI-generated message action.
type MessagePayload struct {
	Prompt   string `json:"prompt"`
	ImageURL string `json:"image_url,omitempty"`
}

// PaymentPayload describes a token transfer action. Amounts are stored in the
// token's smallest units; Decimals converts back to the display amount.
type PaymentPayload struct {
	RecipientUsername string `json:"recipient_username"`
	RecipientAddress  string `json:"recipient_address"`
	Symbol            string `json:"symbol"`
	TokenType         string `json:"token_type"`
	Decimals          int    `json:"decimals"`
	AmountUnits       uint64 `json:"amount_units"`
}

// DisplayAmount converts smallest units back to a human amount.
func (p *PaymentPayload) DisplayAmount() float64 {
	scale := 1.0
	for i := 0; i < p.Decimals; i++ {
		scale *= 10
	}
	return float64(p.AmountUnits) / scale
}

// Record is the durable unit of automation.
//
// Exactly one of Message/Payment is set, matching Kind. Timing fields are UTC.
// Records are never hard-deleted; delete sets Active=false.
type Record struct {
	ID              string `json:"id"`
	GroupID         int64  `json:"group_id"`
	ThreadID        int    `json:"thread_id,omitempty"`
	CreatorID       int64  `json:"creator_id"`
	CreatorUsername string `json:"creator_username"`

	Kind    Kind            `json:"kind"`
	Message *MessagePayload `json:"message,omitempty"`
	Payment *PaymentPayload `json:"payment,omitempty"`

	// Anchor is the first intended UTC occurrence.
	Anchor time.Time `json:"anchor"`
	Repeat Repeat    `json:"repeat"`

	Active    bool       `json:"active"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	RunCount  uint64     `json:"run_count"`

	// LockedUntil is the execution lease: the record is eligible to fire only
	// if NextRunAt <= now and (LockedUntil is unset or expired).
	LockedUntil *time.Time `json:"locked_until,omitempty"`

	// JobHandle identifies the registered timer job; replaced on edit so that
	// exactly one live timer exists per active record.
	JobHandle string `json:"job_handle,omitempty"`

	LastError         string `json:"last_error,omitempty"`
	LastAttemptStatus string `json:"last_attempt_status,omitempty"`

	NotifyOnSuccess bool `json:"notify_on_success"`
	NotifyOnFailure bool `json:"notify_on_failure"`

	// Version increments on every wizard confirm; stale in-flight executions
	// re-read by id so they can never resurrect overwritten fields.
	Version uint64 `json:"version"`
}

// Eligible reports whether the record may fire at now.
func (r *Record) Eligible(now time.Time) bool {
	if !r.Active || r.NextRunAt == nil || r.NextRunAt.After(now) {
		return false
	}
	return r.LockedUntil == nil || !r.LockedUntil.After(now)
}

// Title returns a one-line description for list views.
func (r *Record) Title() string {
	next := "n/a"
	if r.NextRunAt != nil {
		next = r.NextRunAt.UTC().Format("2006-01-02 15:04")
	}
	switch r.Kind {
	case KindPayment:
		p := r.Payment
		if p == nil {
			return fmt.Sprintf("⏰ %s — (empty payment)", next)
		}
		return fmt.Sprintf("⏰ %s — @%s — %.4f %s — %s", next, p.RecipientUsername, p.DisplayAmount(), p.Symbol, r.Repeat.Label())
	default:
		prompt := ""
		if r.Message != nil {
			prompt = r.Message.Prompt
		}
		prompt = Ellipsize(prompt, 180)
		return fmt.Sprintf("⏰ %02d:%02d UTC — %s\n\n%s", r.Anchor.UTC().Hour(), r.Anchor.UTC().Minute(), r.Repeat.Label(), prompt)
	}
}

// Ellipsize shortens s to at most max runes plus an ellipsis, cutting on a
// rune boundary so multi-byte text is never split mid-sequence.
func Ellipsize(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max]) + "…"
}
