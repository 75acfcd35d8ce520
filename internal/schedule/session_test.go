package schedule

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestStepsPerKind(t *testing.T) {
	t.Parallel()
	msg := Steps(KindMessage)
	if msg[0] != StepContent || msg[len(msg)-1] != StepConfirm {
		t.Errorf("message steps = %v", msg)
	}
	pay := Steps(KindPayment)
	if pay[0] != StepRecipient || pay[len(pay)-1] != StepConfirm {
		t.Errorf("payment steps = %v", pay)
	}
	for _, st := range pay {
		if st == StepContent || st == StepMedia {
			t.Errorf("payment flow must not contain %s", st)
		}
	}
}

func TestPrevStep(t *testing.T) {
	t.Parallel()
	s := &Session{Kind: KindMessage, Step: StepContent}
	if got := s.PrevStep(); got != "" {
		t.Errorf("PrevStep at first = %q, want empty", got)
	}
	s.Step = StepMinute
	if got := s.PrevStep(); got != StepHour {
		t.Errorf("PrevStep(minute) = %q, want hour", got)
	}
}

func TestClearFromDropsDownstreamOnly(t *testing.T) {
	t.Parallel()
	h, m := 9, 30
	s := &Session{
		Kind:              KindPayment,
		RecipientUsername: "bob",
		RecipientAddress:  "0x1",
		Symbol:            "USDT",
		TokenType:         "erc20:usdt",
		Decimals:          6,
		AmountDisplay:     4.2,
		Date:              "2026-09-10",
		Hour:              &h,
		Minute:            &m,
		Repeat:            &Repeat{Kind: RepeatWeekly, Weeks: 2},
	}
	s.ClearFrom(StepToken)
	if s.RecipientUsername != "bob" || s.RecipientAddress != "0x1" {
		t.Error("recipient is upstream of token and must survive")
	}
	if s.Symbol != "" || s.TokenType != "" || s.Decimals != 0 {
		t.Error("token fields should be cleared")
	}
	if s.AmountDisplay != 0 || s.Date != "" || s.Hour != nil || s.Minute != nil || s.Repeat != nil {
		t.Error("everything downstream of token should be cleared")
	}
}

func TestParseRepeatCode(t *testing.T) {
	t.Parallel()
	cases := []struct {
		code string
		want Repeat
	}{
		{"none", Repeat{Kind: RepeatNone}},
		{"30m", Repeat{Kind: RepeatInterval, Every: 30 * time.Minute}},
		{"1d", Repeat{Kind: RepeatDaily}},
		{"2w", Repeat{Kind: RepeatWeekly, Weeks: 2}},
		{"1mo", Repeat{Kind: RepeatMonthly}},
	}
	for _, tc := range cases {
		got, err := ParseRepeatCode(tc.code)
		if err != nil || got != tc.want {
			t.Errorf("ParseRepeatCode(%q) = %+v, %v; want %+v", tc.code, got, err, tc.want)
		}
	}
	if _, err := ParseRepeatCode("fortnightly"); err == nil {
		t.Error("unknown code should error")
	}
}

func TestRepeatCodesHideIntervalsForPayments(t *testing.T) {
	t.Parallel()
	for _, c := range RepeatCodes(KindPayment) {
		rep, err := ParseRepeatCode(c[0])
		if err != nil {
			t.Fatalf("preset %q unparsable: %v", c[0], err)
		}
		if rep.Kind == RepeatInterval {
			t.Errorf("payment presets must not offer %q", c[0])
		}
	}
	// The message wizard keeps the sub-daily presets.
	var hasInterval bool
	for _, c := range RepeatCodes(KindMessage) {
		if rep, _ := ParseRepeatCode(c[0]); rep.Kind == RepeatInterval {
			hasInterval = true
		}
	}
	if !hasInterval {
		t.Error("message presets should include interval options")
	}
}

func TestGroupQuota(t *testing.T) {
	t.Parallel()
	if GroupQuota(KindMessage) != MaxActiveMessageSchedules {
		t.Error("message quota mismatch")
	}
	if GroupQuota(KindPayment) != MaxActivePaymentSchedules {
		t.Error("payment quota mismatch")
	}
}

func TestEligible(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	due := now.Add(-time.Minute)
	future := now.Add(time.Minute)
	expired := now.Add(-time.Second)

	cases := []struct {
		name string
		rec  Record
		want bool
	}{
		{"due and unlocked", Record{Active: true, NextRunAt: &due}, true},
		{"not yet due", Record{Active: true, NextRunAt: &future}, false},
		{"paused", Record{Active: false, NextRunAt: &due}, false},
		{"no next run", Record{Active: true}, false},
		{"lease held", Record{Active: true, NextRunAt: &due, LockedUntil: &future}, false},
		{"lease expired", Record{Active: true, NextRunAt: &due, LockedUntil: &expired}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.rec.Eligible(now); got != tc.want {
				t.Errorf("Eligible = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEllipsizeCutsOnRuneBoundary(t *testing.T) {
	t.Parallel()
	short := "hello"
	if got := Ellipsize(short, 10); got != short {
		t.Errorf("Ellipsize(%q, 10) = %q, want unchanged", short, got)
	}

	long := strings.Repeat("héllo wörld ", 40)
	got := Ellipsize(long, 180)
	if !utf8.ValidString(got) {
		t.Fatalf("result is not valid UTF-8: %q", got[len(got)-8:])
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("result should end with an ellipsis: %q", got[len(got)-8:])
	}
	if n := utf8.RuneCountInString(got); n != 181 {
		t.Errorf("rune count = %d, want 181 (180 + ellipsis)", n)
	}
}
