// Package wizard drives the multi-turn schedule setup dialogue. One session
// exists per (group, user); sessions persist across restarts and every input
// is validated before the wizard advances.
package wizard

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	tele "gopkg.in/telebot.v4"

	"tickbot/internal/executor"
	"tickbot/internal/schedule"
	"tickbot/internal/storage"
	kit "tickbot/internal/transport"
	logx "tickbot/pkg/logx"
)

// Registrar arms a timer for a persisted record. Satisfied by the runner.
type Registrar interface {
	Register(ctx context.Context, rec *schedule.Record) error
}

type Service struct {
	schedules  storage.ScheduleStore
	sessions   storage.WizardStore
	registrar  Registrar
	sender     kit.Adapter
	identities executor.IdentityResolver
	tokens     executor.TokenResolver
	log        logx.Logger
}

func New(
	schedules storage.ScheduleStore,
	sessions storage.WizardStore,
	registrar Registrar,
	sender kit.Adapter,
	identities executor.IdentityResolver,
	tokens executor.TokenResolver,
	log logx.Logger,
) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		schedules:  schedules,
		sessions:   sessions,
		registrar:  registrar,
		sender:     sender,
		identities: identities,
		tokens:     tokens,
		log:        log,
	}
}

// Start opens a fresh session for the command message's author. Any previous
// session for the same (group, user) is replaced.
func (s *Service) Start(ctx context.Context, msg *kit.Message, kind schedule.Kind) error {
	if msg.FromUsername == "" {
		_, err := s.sender.SendText(ctx, target(msg.ChatID, msg.ThreadID),
			"Please set a Telegram username first, it is needed to attribute the schedule.", nil)
		return err
	}
	sess := &schedule.Session{
		GroupID:         msg.ChatID,
		CreatorID:       msg.FromID,
		CreatorUsername: msg.FromUsername,
		ThreadID:        msg.ThreadID,
		Kind:            kind,
		Step:            schedule.Steps(kind)[0],
		UserMessageIDs:  []int{msg.ID},
	}
	return s.prompt(ctx, sess, "")
}

// StartEdit opens a session prefilled from an existing record, landing on the
// confirm step so the creator can walk back only to the fields they want to
// change. Confirm replaces the record in place (same id, bumped version).
func (s *Service) StartEdit(ctx context.Context, msg *kit.Message, rec *schedule.Record) error {
	sess := &schedule.Session{
		GroupID:         rec.GroupID,
		CreatorID:       msg.FromID,
		CreatorUsername: msg.FromUsername,
		ThreadID:        rec.ThreadID,
		Kind:            rec.Kind,
		Step:            schedule.StepConfirm,
		ScheduleID:      rec.ID,
	}
	anchor := rec.Anchor.UTC()
	h, m := anchor.Hour(), anchor.Minute()
	sess.Hour, sess.Minute = &h, &m
	rep := rec.Repeat
	sess.Repeat = &rep
	switch rec.Kind {
	case schedule.KindPayment:
		if p := rec.Payment; p != nil {
			sess.RecipientUsername = p.RecipientUsername
			sess.RecipientAddress = p.RecipientAddress
			sess.Symbol = p.Symbol
			sess.TokenType = p.TokenType
			sess.Decimals = p.Decimals
			sess.AmountDisplay = p.DisplayAmount()
		}
		sess.Date = anchor.Format("2006-01-02")
	default:
		if mp := rec.Message; mp != nil {
			sess.Prompt = mp.Prompt
			sess.ImageURL = mp.ImageURL
		}
	}
	return s.prompt(ctx, sess, "")
}

// HandleMessage feeds a group message into the author's session, if one
// exists. Returns false when no session wants the message.
func (s *Service) HandleMessage(ctx context.Context, msg *kit.Message) (bool, error) {
	sess, err := s.sessions.Get(ctx, msg.ChatID, msg.FromID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	sess.UserMessageIDs = append(sess.UserMessageIDs, msg.ID)

	text := strings.TrimSpace(msg.TextOrCaption())
	switch sess.Step {
	case schedule.StepContent:
		if text == "" {
			return true, s.prompt(ctx, sess, "The prompt cannot be empty.")
		}
		sess.Prompt = text
		return true, s.advance(ctx, sess)

	case schedule.StepMedia:
		switch {
		case msg.PhotoFileID != "":
			u, err := s.sender.FileURL(ctx, msg.PhotoFileID)
			if err != nil {
				s.log.Warn("photo url resolution failed", logx.Int64("group", msg.ChatID), logx.Err(err))
				return true, s.prompt(ctx, sess, "Could not read that photo, try again or skip.")
			}
			sess.ImageURL = u
		case strings.HasPrefix(text, "http://") || strings.HasPrefix(text, "https://"):
			sess.ImageURL = text
		default:
			return true, s.prompt(ctx, sess, "Send a photo, paste an image URL, or tap Skip.")
		}
		return true, s.advance(ctx, sess)

	case schedule.StepRecipient:
		ident, err := s.identities.ResolveIdentity(ctx, text)
		if errors.Is(err, executor.ErrUnknownIdentity) {
			return true, s.prompt(ctx, sess, fmt.Sprintf("@%s has no linked wallet.", strings.TrimPrefix(text, "@")))
		}
		if err != nil {
			return true, s.prompt(ctx, sess, "Lookup failed, please try again.")
		}
		sess.RecipientUsername = ident.Username
		sess.RecipientAddress = ident.Address
		return true, s.advance(ctx, sess)

	case schedule.StepToken:
		tok, err := s.tokens.ResolveToken(ctx, text)
		if errors.Is(err, executor.ErrUnknownToken) {
			return true, s.prompt(ctx, sess, fmt.Sprintf("Unknown token %q.", text))
		}
		if err != nil {
			return true, s.prompt(ctx, sess, "Lookup failed, please try again.")
		}
		sess.Symbol = tok.Symbol
		sess.TokenType = tok.TokenType
		sess.Decimals = tok.Decimals
		return true, s.advance(ctx, sess)

	case schedule.StepAmount:
		amount, err := parseAmount(text)
		if err != nil {
			return true, s.prompt(ctx, sess, err.Error())
		}
		sess.AmountDisplay = amount
		return true, s.advance(ctx, sess)

	case schedule.StepDate:
		if err := validateDate(text, time.Now().UTC()); err != nil {
			return true, s.prompt(ctx, sess, err.Error())
		}
		sess.Date = text
		return true, s.advance(ctx, sess)

	default:
		// Steps driven by inline buttons; remind and re-prompt.
		return true, s.prompt(ctx, sess, "Please use the buttons below.")
	}
}

// HandleCallback feeds a wizard-scoped callback into the presser's session.
func (s *Service) HandleCallback(ctx context.Context, cb *kit.Callback, action, payload string) error {
	sess, err := s.sessions.Get(ctx, cb.ChatID, cb.FromID)
	if errors.Is(err, storage.ErrNotFound) {
		return s.sender.AnswerCallback(ctx, cb.ID, "No setup in progress.")
	}
	if err != nil {
		return err
	}

	switch action {
	case "cancel":
		if err := s.abort(ctx, sess); err != nil {
			return err
		}
		return s.sender.AnswerCallback(ctx, cb.ID, "Cancelled")

	case "back":
		prev := sess.PrevStep()
		if prev == "" {
			return s.sender.AnswerCallback(ctx, cb.ID, "Already at the first step.")
		}
		sess.ClearFrom(prev)
		sess.Step = prev
		if err := s.prompt(ctx, sess, ""); err != nil {
			return err
		}
		return s.sender.AnswerCallback(ctx, cb.ID, "")

	case "skip":
		if sess.Step != schedule.StepMedia {
			return s.sender.AnswerCallback(ctx, cb.ID, "")
		}
		sess.ImageURL = ""
		if err := s.advance(ctx, sess); err != nil {
			return err
		}
		return s.sender.AnswerCallback(ctx, cb.ID, "")

	case "hour":
		h, err := strconv.Atoi(payload)
		if sess.Step != schedule.StepHour || err != nil || h < 0 || h > 23 {
			return s.sender.AnswerCallback(ctx, cb.ID, "")
		}
		sess.Hour = &h
		if err := s.advance(ctx, sess); err != nil {
			return err
		}
		return s.sender.AnswerCallback(ctx, cb.ID, "")

	case "minute":
		m, err := strconv.Atoi(payload)
		if sess.Step != schedule.StepMinute || err != nil || m < 0 || m > 59 {
			return s.sender.AnswerCallback(ctx, cb.ID, "")
		}
		sess.Minute = &m
		if err := s.advance(ctx, sess); err != nil {
			return err
		}
		return s.sender.AnswerCallback(ctx, cb.ID, "")

	case "rep":
		rep, err := schedule.ParseRepeatCode(payload)
		if sess.Step != schedule.StepRepeat || err != nil {
			return s.sender.AnswerCallback(ctx, cb.ID, "")
		}
		sess.Repeat = &rep
		if err := s.advance(ctx, sess); err != nil {
			return err
		}
		return s.sender.AnswerCallback(ctx, cb.ID, "")

	case "goto":
		st := schedule.Step(payload)
		valid := false
		for _, known := range schedule.Steps(sess.Kind) {
			if known == st && st != schedule.StepConfirm {
				valid = true
				break
			}
		}
		if sess.ScheduleID == "" || sess.Step != schedule.StepConfirm || !valid {
			return s.sender.AnswerCallback(ctx, cb.ID, "")
		}
		sess.Step = st
		if err := s.prompt(ctx, sess, ""); err != nil {
			return err
		}
		return s.sender.AnswerCallback(ctx, cb.ID, "")

	case "confirm":
		if sess.Step != schedule.StepConfirm {
			return s.sender.AnswerCallback(ctx, cb.ID, "")
		}
		note, err := s.confirm(ctx, sess)
		if err != nil {
			return err
		}
		return s.sender.AnswerCallback(ctx, cb.ID, note)

	default:
		return s.sender.AnswerCallback(ctx, cb.ID, "")
	}
}

func (s *Service) advance(ctx context.Context, sess *schedule.Session) error {
	// Edit sessions hop to one field and return to the summary. The hour step
	// still chains into minute so "Time" edits both halves.
	if sess.ScheduleID != "" {
		if sess.Step == schedule.StepHour {
			sess.Step = schedule.StepMinute
		} else {
			sess.Step = schedule.StepConfirm
		}
		return s.prompt(ctx, sess, "")
	}
	steps := schedule.Steps(sess.Kind)
	for i, st := range steps {
		if st == sess.Step && i+1 < len(steps) {
			sess.Step = steps[i+1]
			break
		}
	}
	return s.prompt(ctx, sess, "")
}

// prompt replaces the on-screen dialogue: transient user inputs and the
// previous prompt are deleted, the new step prompt is sent, and the session
// is persisted with the new prompt's message id.
func (s *Service) prompt(ctx context.Context, sess *schedule.Session, note string) error {
	s.cleanupMessages(ctx, sess)

	text, markup := s.stepPrompt(sess)
	if note != "" {
		text = "⚠️ " + note + "\n\n" + text
	}
	opt := &kit.SendOptions{DisablePreview: true}
	if markup != nil {
		opt.ReplyMarkupAdapter = markup
	}
	ref, err := s.sender.SendText(ctx, target(sess.GroupID, sess.ThreadID), text, opt)
	if err != nil {
		return err
	}
	sess.PromptMessageID = ref.MessageID
	sess.UserMessageIDs = nil
	return s.sessions.Put(ctx, sess)
}

func (s *Service) cleanupMessages(ctx context.Context, sess *schedule.Session) {
	if sess.PromptMessageID != 0 {
		_ = s.sender.DeleteMessage(ctx, kit.MessageRef{ChatID: sess.GroupID, ThreadID: sess.ThreadID, MessageID: sess.PromptMessageID})
		sess.PromptMessageID = 0
	}
	for _, id := range sess.UserMessageIDs {
		_ = s.sender.DeleteMessage(ctx, kit.MessageRef{ChatID: sess.GroupID, ThreadID: sess.ThreadID, MessageID: id})
	}
	sess.UserMessageIDs = nil
}

func (s *Service) stepPrompt(sess *schedule.Session) (string, *tele.ReplyMarkup) {
	switch sess.Step {
	case schedule.StepContent:
		return "📝 What should the scheduled message say?\nReply with the prompt text.", newNavOnly(sess)
	case schedule.StepMedia:
		return "🖼 Attach a photo for context, paste an image URL, or skip.", mediaKeyboard(sess)
	case schedule.StepRecipient:
		return "💸 Who receives the payment?\nReply with their @username.", newNavOnly(sess)
	case schedule.StepToken:
		return "🪙 Which token? Reply with the symbol, e.g. USDT.", newNavOnly(sess)
	case schedule.StepAmount:
		return fmt.Sprintf("🔢 How much %s? Reply with the amount.", sess.Symbol), newNavOnly(sess)
	case schedule.StepDate:
		return "📅 First payment date?\nReply as YYYY-MM-DD (UTC).", newNavOnly(sess)
	case schedule.StepHour:
		return "🕐 Pick the hour (UTC).", hourKeyboard(sess)
	case schedule.StepMinute:
		return "🕐 Pick the minute.", minuteKeyboard(sess)
	case schedule.StepRepeat:
		return "🔁 How often should it repeat?", repeatKeyboard(sess)
	case schedule.StepConfirm:
		return s.summarize(sess), confirmKeyboard(sess)
	default:
		return "Something went wrong, use ✖ Cancel and start over.", newNavOnly(sess)
	}
}

func (s *Service) summarize(sess *schedule.Session) string {
	var b strings.Builder
	rep := schedule.Repeat{Kind: schedule.RepeatNone}
	if sess.Repeat != nil {
		rep = *sess.Repeat
	}
	h, m := 0, 0
	if sess.Hour != nil {
		h = *sess.Hour
	}
	if sess.Minute != nil {
		m = *sess.Minute
	}
	if sess.Kind == schedule.KindPayment {
		b.WriteString("💸 Scheduled payment\n\n")
		fmt.Fprintf(&b, "To: @%s\n", sess.RecipientUsername)
		fmt.Fprintf(&b, "Amount: %.4f %s\n", sess.AmountDisplay, sess.Symbol)
		fmt.Fprintf(&b, "First run: %s %02d:%02d UTC\n", sess.Date, h, m)
	} else {
		b.WriteString("📝 Scheduled message\n\n")
		fmt.Fprintf(&b, "Prompt: %s\n", schedule.Ellipsize(sess.Prompt, 300))
		if sess.ImageURL != "" {
			b.WriteString("Image: attached\n")
		}
		fmt.Fprintf(&b, "Time: %02d:%02d UTC\n", h, m)
	}
	fmt.Fprintf(&b, "Repeat: %s\n\nConfirm to schedule.", rep.Label())
	return b.String()
}

// confirm validates quota and timing, persists the record and arms its timer.
// Returns the short callback answer text.
func (s *Service) confirm(ctx context.Context, sess *schedule.Session) (string, error) {
	if sess.Hour == nil || sess.Minute == nil || sess.Repeat == nil {
		return "", s.prompt(ctx, sess, "Setup is incomplete, walk back and fill the missing step.")
	}

	if sess.ScheduleID == "" {
		active, err := s.schedules.ListGroup(ctx, sess.GroupID, sess.Kind, true)
		if err != nil {
			return "", err
		}
		if quota := schedule.GroupQuota(sess.Kind); len(active) >= quota {
			if err := s.abort(ctx, sess); err != nil {
				return "", err
			}
			_, err := s.sender.SendText(ctx, target(sess.GroupID, sess.ThreadID),
				fmt.Sprintf("⚠️ This group already has %d active schedules of this type (limit %d). Remove one first.", len(active), quota), nil)
			return "Limit reached", err
		}
	}

	anchor, err := buildAnchor(sess, time.Now().UTC())
	if err != nil {
		return "", s.prompt(ctx, sess, err.Error())
	}

	now := time.Now().UTC()
	var rec *schedule.Record
	if sess.ScheduleID != "" {
		rec, err = s.schedules.Get(ctx, sess.ScheduleID)
		if err != nil {
			return "", err
		}
	} else {
		rec = &schedule.Record{
			ID:        uuid.NewString(),
			GroupID:   sess.GroupID,
			ThreadID:  sess.ThreadID,
			CreatorID: sess.CreatorID,
			CreatedAt: now,
		}
		if sess.Kind == schedule.KindPayment {
			rec.NotifyOnSuccess = true
			rec.NotifyOnFailure = true
		}
	}
	rec.CreatorUsername = sess.CreatorUsername
	rec.Kind = sess.Kind
	rec.Anchor = anchor
	rec.Repeat = *sess.Repeat
	rec.Active = true
	rec.Version++
	if sess.Kind == schedule.KindPayment {
		rec.Message = nil
		rec.Payment = &schedule.PaymentPayload{
			RecipientUsername: sess.RecipientUsername,
			RecipientAddress:  sess.RecipientAddress,
			Symbol:            sess.Symbol,
			TokenType:         sess.TokenType,
			Decimals:          sess.Decimals,
			AmountUnits:       toUnits(sess.AmountDisplay, sess.Decimals),
		}
	} else {
		rec.Payment = nil
		rec.Message = &schedule.MessagePayload{Prompt: sess.Prompt, ImageURL: sess.ImageURL}
	}

	next := anchor
	if !next.After(now) {
		n, ok := schedule.NextOccurrence(rec.Anchor, rec.Repeat, now)
		if !ok {
			return "", s.prompt(ctx, sess, "That time is already past, pick a later one.")
		}
		next = n
	}
	rec.NextRunAt = &next
	rec.LockedUntil = nil

	if err := s.registrar.Register(ctx, rec); err != nil {
		s.log.Error("schedule registration failed", logx.String("id", rec.ID), logx.Err(err))
		return "", s.prompt(ctx, sess, "Saving the schedule failed, please try again.")
	}

	s.cleanupMessages(ctx, sess)
	if err := s.sessions.Delete(ctx, sess.GroupID, sess.CreatorID); err != nil {
		return "", err
	}

	verb := "created"
	if sess.ScheduleID != "" {
		verb = "updated"
	}
	text := fmt.Sprintf("✅ Schedule %s.\n\n%s", verb, rec.Title())
	if _, err := s.sender.SendText(ctx, target(sess.GroupID, sess.ThreadID), text, &kit.SendOptions{DisablePreview: true}); err != nil {
		return "", err
	}
	s.log.Info("schedule confirmed",
		logx.String("id", rec.ID), logx.String("kind", string(rec.Kind)),
		logx.Int64("group", rec.GroupID), logx.Time("next", next))
	return "Scheduled", nil
}

func (s *Service) abort(ctx context.Context, sess *schedule.Session) error {
	s.cleanupMessages(ctx, sess)
	if err := s.sessions.Delete(ctx, sess.GroupID, sess.CreatorID); err != nil {
		return err
	}
	_, err := s.sender.SendText(ctx, target(sess.GroupID, sess.ThreadID), "Setup cancelled.", nil)
	return err
}

// buildAnchor derives the first intended UTC occurrence from the collected
// fields. A message schedule with no explicit date means "today at HH:MM";
// when that is already past, a one-shot slides to tomorrow and a recurring
// policy lets the recurrence rule advance from today's slot.
func buildAnchor(sess *schedule.Session, now time.Time) (time.Time, error) {
	h, m := *sess.Hour, *sess.Minute
	if sess.Kind == schedule.KindPayment {
		d, err := time.Parse("2006-01-02", sess.Date)
		if err != nil {
			return time.Time{}, errors.New("the date got lost, walk back and re-enter it")
		}
		anchor := time.Date(d.Year(), d.Month(), d.Day(), h, m, 0, 0, time.UTC)
		if sess.Repeat.Kind == schedule.RepeatNone && !anchor.After(now) {
			return time.Time{}, errors.New("that time is already past, pick a later one")
		}
		return anchor, nil
	}
	anchor := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, time.UTC)
	if sess.Repeat.Kind == schedule.RepeatNone && !anchor.After(now) {
		anchor = anchor.Add(24 * time.Hour)
	}
	return anchor, nil
}

func parseAmount(text string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.New("that is not a number, try e.g. 1.5")
	}
	if v <= 0 {
		return 0, errors.New("the amount must be positive")
	}
	if v > 1e12 {
		return 0, errors.New("that amount is implausibly large")
	}
	return v, nil
}

func toUnits(amount float64, decimals int) uint64 {
	scale := 1.0
	for i := 0; i < decimals; i++ {
		scale *= 10
	}
	return uint64(math.Round(amount * scale))
}

func validateDate(text string, now time.Time) error {
	d, err := time.Parse("2006-01-02", strings.TrimSpace(text))
	if err != nil {
		return errors.New("use the YYYY-MM-DD format, e.g. 2026-09-01")
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if d.Before(today) {
		return errors.New("the date is in the past")
	}
	return nil
}

func target(chatID int64, threadID int) kit.ChatTarget {
	return kit.ChatTarget{ChatID: chatID, ThreadID: threadID}
}
