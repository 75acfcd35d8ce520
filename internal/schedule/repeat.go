package schedule

import (
	"fmt"
	"time"
)

// RepeatKind enumerates repeat policies.
type RepeatKind string

const (
	RepeatNone     RepeatKind = "none"
	RepeatInterval RepeatKind = "interval"
	RepeatDaily    RepeatKind = "daily"
	RepeatWeekly   RepeatKind = "weekly"
	RepeatMonthly  RepeatKind = "monthly"
)

// Repeat is a tagged repeat policy. Every is set for interval policies;
// Weeks is the week multiplier for weekly policies (0 means 1).
type Repeat struct {
	Kind  RepeatKind    `json:"kind"`
	Every time.Duration `json:"every,omitempty"`
	Weeks int           `json:"weeks,omitempty"`
}

// Preset callback codes, in keyboard order. The interval presets match the
// fixed menu offered by the wizard; ParseRepeatCode also accepts them.
var repeatPresets = []struct {
	Code  string
	Label string
	Rep   Repeat
}{
	{"none", "No repeat", Repeat{Kind: RepeatNone}},
	{"5m", "Every 5 min", Repeat{Kind: RepeatInterval, Every: 5 * time.Minute}},
	{"15m", "Every 15 min", Repeat{Kind: RepeatInterval, Every: 15 * time.Minute}},
	{"30m", "Every 30 min", Repeat{Kind: RepeatInterval, Every: 30 * time.Minute}},
	{"45m", "Every 45 min", Repeat{Kind: RepeatInterval, Every: 45 * time.Minute}},
	{"1h", "Every 1 hour", Repeat{Kind: RepeatInterval, Every: time.Hour}},
	{"3h", "Every 3 hours", Repeat{Kind: RepeatInterval, Every: 3 * time.Hour}},
	{"6h", "Every 6 hours", Repeat{Kind: RepeatInterval, Every: 6 * time.Hour}},
	{"12h", "Every 12 hours", Repeat{Kind: RepeatInterval, Every: 12 * time.Hour}},
	{"1d", "Daily", Repeat{Kind: RepeatDaily}},
	{"1w", "Weekly", Repeat{Kind: RepeatWeekly, Weeks: 1}},
	{"2w", "2-Weekly", Repeat{Kind: RepeatWeekly, Weeks: 2}},
	{"4w", "4-Weekly", Repeat{Kind: RepeatWeekly, Weeks: 4}},
	{"1mo", "Monthly", Repeat{Kind: RepeatMonthly}},
}

// ParseRepeatCode maps a keyboard callback code to its policy.
func ParseRepeatCode(code string) (Repeat, error) {
	for _, p := range repeatPresets {
		if p.Code == code {
			return p.Rep, nil
		}
	}
	return Repeat{}, fmt.Errorf("unknown repeat code %q", code)
}

// RepeatCodes returns the preset codes with labels, in keyboard order.
// The message wizard shows all of them; the payment wizard only the calendar
// presets (skip sub-daily intervals for recurring payments).
func RepeatCodes(kind Kind) [][2]string {
	out := make([][2]string, 0, len(repeatPresets))
	for _, p := range repeatPresets {
		if kind == KindPayment && p.Rep.Kind == RepeatInterval {
			continue
		}
		out = append(out, [2]string{p.Code, p.Label})
	}
	return out
}

// Label returns the human-readable policy name.
func (r Repeat) Label() string {
	switch r.Kind {
	case RepeatNone:
		return "No repeat"
	case RepeatInterval:
		for _, p := range repeatPresets {
			if p.Rep.Kind == RepeatInterval && p.Rep.Every == r.Every {
				return p.Label
			}
		}
		return "Every " + r.Every.String()
	case RepeatDaily:
		return "Daily"
	case RepeatWeekly:
		switch r.weeks() {
		case 1:
			return "Weekly"
		default:
			return fmt.Sprintf("%d-Weekly", r.weeks())
		}
	case RepeatMonthly:
		return "Monthly"
	default:
		return string(r.Kind)
	}
}

func (r Repeat) weeks() int {
	if r.Weeks <= 0 {
		return 1
	}
	return r.Weeks
}
