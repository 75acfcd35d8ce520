package wizard

import (
	"fmt"

	tele "gopkg.in/telebot.v4"

	"tickbot/internal/schedule"
	"tickbot/pkg/tgui"
)

// Callback scope for every wizard keyboard. Payloads ride in the third
// segment of "wiz:<action>:<payload>".
const Scope = "wiz"

func navRow(s *schedule.Session) []tele.Btn {
	var row []tele.Btn
	if s.PrevStep() != "" {
		row = append(row, tgui.Btn("« Back", tgui.Data(Scope, "back", "")))
	}
	row = append(row, tgui.Btn("✖ Cancel", tgui.Data(Scope, "cancel", "")))
	return row
}

// newNavOnly is the keyboard for free-text steps: just Back/Cancel.
func newNavOnly(s *schedule.Session) *tele.ReplyMarkup {
	return tgui.NewInline().Row(navRow(s)...).Markup()
}

func mediaKeyboard(s *schedule.Session) *tele.ReplyMarkup {
	kb := tgui.NewInline().
		Row(tgui.Btn("Skip", tgui.Data(Scope, "skip", "")))
	return kb.Row(navRow(s)...).Markup()
}

func hourKeyboard(s *schedule.Session) *tele.ReplyMarkup {
	btns := make([]tele.Btn, 0, 24)
	for h := 0; h < 24; h++ {
		btns = append(btns, tgui.Btn(fmt.Sprintf("%02d", h), tgui.Data(Scope, "hour", fmt.Sprintf("%d", h))))
	}
	return tgui.NewInline().Grid(6, btns...).Row(navRow(s)...).Markup()
}

func minuteKeyboard(s *schedule.Session) *tele.ReplyMarkup {
	btns := make([]tele.Btn, 0, 12)
	for m := 0; m < 60; m += 5 {
		btns = append(btns, tgui.Btn(fmt.Sprintf(":%02d", m), tgui.Data(Scope, "minute", fmt.Sprintf("%d", m))))
	}
	return tgui.NewInline().Grid(6, btns...).Row(navRow(s)...).Markup()
}

func repeatKeyboard(s *schedule.Session) *tele.ReplyMarkup {
	codes := schedule.RepeatCodes(s.Kind)
	btns := make([]tele.Btn, 0, len(codes))
	for _, c := range codes {
		btns = append(btns, tgui.Btn(c[1], tgui.Data(Scope, "rep", c[0])))
	}
	return tgui.NewInline().Grid(2, btns...).Row(navRow(s)...).Markup()
}

func confirmKeyboard(s *schedule.Session) *tele.ReplyMarkup {
	kb := tgui.NewInline().
		Row(tgui.Btn("✅ Confirm", tgui.Data(Scope, "confirm", "")))
	if s.ScheduleID != "" {
		// Edit sessions jump straight to one field and come back to confirm.
		kb.Grid(3, editFieldButtons(s.Kind)...)
	}
	return kb.Row(navRow(s)...).Markup()
}

func editFieldButtons(kind schedule.Kind) []tele.Btn {
	field := func(label string, step schedule.Step) tele.Btn {
		return tgui.Btn(label, tgui.Data(Scope, "goto", string(step)))
	}
	if kind == schedule.KindPayment {
		return []tele.Btn{
			field("Recipient", schedule.StepRecipient),
			field("Token", schedule.StepToken),
			field("Amount", schedule.StepAmount),
			field("Date", schedule.StepDate),
			field("Time", schedule.StepHour),
			field("Repeat", schedule.StepRepeat),
		}
	}
	return []tele.Btn{
		field("Prompt", schedule.StepContent),
		field("Image", schedule.StepMedia),
		field("Time", schedule.StepHour),
		field("Repeat", schedule.StepRepeat),
	}
}
