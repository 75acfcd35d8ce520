package schedule

// Step is a wizard position. Message-kind sessions walk
// Content → Media → Hour → Minute → Repeat → Confirm; payment-kind sessions
// walk Recipient → Token → Amount → Date → Hour → Minute → Repeat → Confirm.
type Step string

const (
	StepContent   Step = "content"
	StepMedia     Step = "media"
	StepRecipient Step = "recipient"
	StepToken     Step = "token"
	StepAmount    Step = "amount"
	StepDate      Step = "date"
	StepHour      Step = "hour"
	StepMinute    Step = "minute"
	StepRepeat    Step = "repeat"
	StepConfirm   Step = "confirm"
)

// Session is an in-progress wizard dialogue, one per (group, user).
// Fields accumulate as steps complete; Back clears downstream fields.
type Session struct {
	GroupID         int64  `json:"group_id"`
	CreatorID       int64  `json:"creator_id"`
	CreatorUsername string `json:"creator_username"`
	ThreadID        int    `json:"thread_id,omitempty"`

	Kind Kind `json:"kind"`
	Step Step `json:"step"`

	// ScheduleID is set when the session edits an existing record.
	ScheduleID string `json:"schedule_id,omitempty"`

	// Message-kind fields.
	Prompt   string `json:"prompt,omitempty"`
	ImageURL string `json:"image_url,omitempty"`

	// Payment-kind fields.
	RecipientUsername string  `json:"recipient_username,omitempty"`
	RecipientAddress  string  `json:"recipient_address,omitempty"`
	Symbol            string  `json:"symbol,omitempty"`
	TokenType         string  `json:"token_type,omitempty"`
	Decimals          int     `json:"decimals,omitempty"`
	AmountDisplay     float64 `json:"amount_display,omitempty"`
	Date              string  `json:"date,omitempty"` // YYYY-MM-DD, UTC

	// Shared timing tail.
	Hour   *int    `json:"hour,omitempty"`
	Minute *int    `json:"minute,omitempty"`
	Repeat *Repeat `json:"repeat,omitempty"`

	// Conversation hygiene only: the currently displayed prompt message and
	// transient user inputs, deleted before each new prompt. Not load-bearing.
	PromptMessageID int   `json:"prompt_message_id,omitempty"`
	UserMessageIDs  []int `json:"user_message_ids,omitempty"`
}

// Steps returns the ordered step sequence for a payload kind.
func Steps(kind Kind) []Step {
	if kind == KindPayment {
		return []Step{StepRecipient, StepToken, StepAmount, StepDate, StepHour, StepMinute, StepRepeat, StepConfirm}
	}
	return []Step{StepContent, StepMedia, StepHour, StepMinute, StepRepeat, StepConfirm}
}

// PrevStep returns the predecessor of step for the session's kind,
// or "" when step is the first one.
func (s *Session) PrevStep() Step {
	steps := Steps(s.Kind)
	for i, st := range steps {
		if st == s.Step {
			if i == 0 {
				return ""
			}
			return steps[i-1]
		}
	}
	return ""
}

// ClearFrom resets every field collected at step or later. An earlier choice
// (recipient, token) can invalidate downstream values, so Back must drop them.
func (s *Session) ClearFrom(step Step) {
	steps := Steps(s.Kind)
	from := -1
	for i, st := range steps {
		if st == step {
			from = i
			break
		}
	}
	if from < 0 {
		return
	}
	for _, st := range steps[from:] {
		switch st {
		case StepContent:
			s.Prompt = ""
		case StepMedia:
			s.ImageURL = ""
		case StepRecipient:
			s.RecipientUsername = ""
			s.RecipientAddress = ""
		case StepToken:
			s.Symbol = ""
			s.TokenType = ""
			s.Decimals = 0
		case StepAmount:
			s.AmountDisplay = 0
		case StepDate:
			s.Date = ""
		case StepHour:
			s.Hour = nil
		case StepMinute:
			s.Minute = nil
		case StepRepeat:
			s.Repeat = nil
		}
	}
}
