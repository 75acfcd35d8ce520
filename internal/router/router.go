// Package router turns incoming chat updates into engine actions: commands
// open wizards or list views, free text feeds the author's session, and
// callbacks drive wizard steps and per-record controls.
//
// Authorization is enforced here, server-side, on every update: schedule
// commands need group admin rights, and per-record controls are allowed only
// to the record's creator. Button presses are re-validated even though the
// buttons were only shown to authorized users.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"tickbot/internal/schedule"
	"tickbot/internal/storage"
	kit "tickbot/internal/transport"
	logx "tickbot/pkg/logx"
	"tickbot/pkg/tgui"
)

// Callback scope for per-record control buttons.
const recordScope = "sched"

// Wizard is what the router needs from the setup dialogue service.
type Wizard interface {
	Start(ctx context.Context, msg *kit.Message, kind schedule.Kind) error
	StartEdit(ctx context.Context, msg *kit.Message, rec *schedule.Record) error
	HandleMessage(ctx context.Context, msg *kit.Message) (bool, error)
	HandleCallback(ctx context.Context, cb *kit.Callback, action, payload string) error
}

// Runner is what the router needs from the timer service.
type Runner interface {
	RunNow(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

const adminCacheTTL = 2 * time.Minute

type adminEntry struct {
	ids     map[int64]struct{}
	expires time.Time
}

type Router struct {
	sender    kit.Adapter
	schedules storage.ScheduleStore
	wiz       Wizard
	run       Runner
	log       logx.Logger

	adminMu sync.Mutex
	admins  map[int64]adminEntry
}

func New(sender kit.Adapter, schedules storage.ScheduleStore, wiz Wizard, run Runner, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		sender:    sender,
		schedules: schedules,
		wiz:       wiz,
		run:       run,
		log:       log,
		admins:    map[int64]adminEntry{},
	}
}

// Commands returns the bot command menu entries.
func Commands() []kit.BotCommand {
	return []kit.BotCommand{
		{Command: "scheduleprompt", Description: "Schedule an AI message (admins)"},
		{Command: "schedulepayment", Description: "Schedule a token payment (admins)"},
		{Command: "listscheduled", Description: "List scheduled messages"},
		{Command: "listscheduledpayments", Description: "List scheduled payments"},
	}
}

// Dispatch routes one update. Errors are logged, never propagated: a bad
// update must not take down the consumer loop.
func (r *Router) Dispatch(ctx context.Context, up kit.Update) {
	var err error
	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message != nil {
			err = r.onMessage(ctx, up.Message)
		}
	case kit.UpdateCallback:
		if up.Callback != nil {
			err = r.onCallback(ctx, up.Callback)
		}
	}
	if err != nil {
		r.log.Error("update handling failed", logx.String("kind", string(up.Kind)), logx.Err(err))
	}
}

func (r *Router) onMessage(ctx context.Context, m *kit.Message) error {
	cmd := parseCommand(m.Text)
	if cmd == "" {
		if !m.IsGroup {
			return nil
		}
		_, err := r.wiz.HandleMessage(ctx, m)
		return err
	}

	if !m.IsGroup {
		_, err := r.sender.SendText(ctx, target(m), "This bot works inside groups. Add it to a group and try there.", nil)
		return err
	}

	switch cmd {
	case "scheduleprompt":
		if ok, err := r.requireAdmin(ctx, m); !ok {
			return err
		}
		return r.wiz.Start(ctx, m, schedule.KindMessage)
	case "schedulepayment":
		if ok, err := r.requireAdmin(ctx, m); !ok {
			return err
		}
		return r.wiz.Start(ctx, m, schedule.KindPayment)
	case "listscheduled":
		if ok, err := r.requireAdmin(ctx, m); !ok {
			return err
		}
		return r.list(ctx, m, schedule.KindMessage)
	case "listscheduledpayments":
		if ok, err := r.requireAdmin(ctx, m); !ok {
			return err
		}
		return r.list(ctx, m, schedule.KindPayment)
	default:
		return nil // not ours
	}
}

// listDisplayCap bounds how many per-record messages one command produces.
const listDisplayCap = 25

func (r *Router) list(ctx context.Context, m *kit.Message, kind schedule.Kind) error {
	recs, err := r.schedules.ListGroup(ctx, m.ChatID, kind, false)
	if err != nil {
		return err
	}
	visible := recs[:0]
	for _, rec := range recs {
		if rec.DeletedAt == nil {
			visible = append(visible, rec)
		}
	}

	noun := "scheduled messages"
	if kind == schedule.KindPayment {
		noun = "scheduled payments"
	}
	if len(visible) == 0 {
		_, err := r.sender.SendText(ctx, target(m), "No "+noun+" in this group.", nil)
		return err
	}

	header := fmt.Sprintf("%d %s:", len(visible), noun)
	if len(visible) > listDisplayCap {
		header = fmt.Sprintf("%d %s (showing first %d):", len(visible), noun, listDisplayCap)
		visible = visible[:listDisplayCap]
	}
	if _, err := r.sender.SendText(ctx, target(m), header, nil); err != nil {
		return err
	}
	for _, rec := range visible {
		opt := &kit.SendOptions{DisablePreview: true, ReplyMarkupAdapter: recordKeyboard(rec)}
		if _, err := r.sender.SendText(ctx, target(m), renderRecord(rec), opt); err != nil {
			return err
		}
	}
	return nil
}

func renderRecord(rec *schedule.Record) string {
	state := ""
	if !rec.Active {
		state = "⏸ paused\n"
	}
	line := state + rec.Title()
	if rec.LastError != "" {
		line += "\n⚠️ last run: " + rec.LastError
	}
	return line
}

func recordKeyboard(rec *schedule.Record) *tele.ReplyMarkup {
	toggle := "⏸ Pause"
	if !rec.Active {
		toggle = "▶️ Resume"
	}
	return tgui.NewInline().
		Row(
			tgui.Btn("✏️ Edit", tgui.Data(recordScope, "edit", rec.ID)),
			tgui.Btn(toggle, tgui.Data(recordScope, "toggle", rec.ID)),
		).
		Row(
			tgui.Btn("🚀 Run now", tgui.Data(recordScope, "run", rec.ID)),
			tgui.Btn("🗑 Delete", tgui.Data(recordScope, "del", rec.ID)),
		).
		Row(tgui.Btn("✖ Close", tgui.Data(recordScope, "close", rec.ID))).
		Markup()
}

func (r *Router) onCallback(ctx context.Context, cb *kit.Callback) error {
	scope, action, payload := tgui.Split(cb.Data)
	switch scope {
	case "wiz":
		return r.wiz.HandleCallback(ctx, cb, action, payload)
	case recordScope:
		return r.onRecordAction(ctx, cb, action, payload)
	default:
		return nil
	}
}

func (r *Router) onRecordAction(ctx context.Context, cb *kit.Callback, action, id string) error {
	rec, err := r.schedules.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		if action == "close" {
			// Stale list entry pointing at nothing; just clean it up.
			_ = r.sender.DeleteMessage(ctx, kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID})
			return r.sender.AnswerCallback(ctx, cb.ID, "")
		}
		return r.sender.AnswerCallback(ctx, cb.ID, "This schedule no longer exists.")
	}
	if err != nil {
		return err
	}
	if ok, err := r.mayControl(ctx, cb, rec); err != nil || !ok {
		return err
	}

	switch action {
	case "close":
		_ = r.sender.DeleteMessage(ctx, kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID})
		return r.sender.AnswerCallback(ctx, cb.ID, "")

	case "edit":
		msg := &kit.Message{
			ChatID:       cb.ChatID,
			ThreadID:     cb.ThreadID,
			FromID:       cb.FromID,
			FromUsername: cb.FromUsername,
			IsGroup:      true,
		}
		if err := r.wiz.StartEdit(ctx, msg, rec); err != nil {
			return err
		}
		return r.sender.AnswerCallback(ctx, cb.ID, "")

	case "toggle":
		note := "Paused"
		if rec.Active {
			if err := r.run.Pause(ctx, rec.ID); err != nil {
				return err
			}
			rec.Active = false
		} else {
			if err := r.run.Resume(ctx, rec.ID); err != nil {
				return r.sender.AnswerCallback(ctx, cb.ID, "Cannot resume: "+err.Error())
			}
			rec.Active = true
			note = "Resumed"
		}
		if fresh, err := r.schedules.Get(ctx, rec.ID); err == nil {
			rec = fresh
		}
		ref := kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}
		opt := &kit.SendOptions{DisablePreview: true, ReplyMarkupAdapter: recordKeyboard(rec)}
		if err := r.sender.EditText(ctx, ref, renderRecord(rec), opt); err != nil {
			r.log.Debug("list entry refresh failed", logx.String("id", rec.ID), logx.Err(err))
		}
		return r.sender.AnswerCallback(ctx, cb.ID, note)

	case "run":
		if err := r.run.RunNow(ctx, rec.ID); err != nil {
			return r.sender.AnswerCallback(ctx, cb.ID, "Cannot run: "+err.Error())
		}
		return r.sender.AnswerCallback(ctx, cb.ID, "Running…")

	case "del":
		if err := r.run.Delete(ctx, rec.ID); err != nil {
			return err
		}
		_ = r.sender.DeleteMessage(ctx, kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID})
		return r.sender.AnswerCallback(ctx, cb.ID, "Deleted")

	default:
		return r.sender.AnswerCallback(ctx, cb.ID, "")
	}
}

func (r *Router) requireAdmin(ctx context.Context, m *kit.Message) (bool, error) {
	ok, err := r.isAdmin(ctx, m.ChatID, m.FromID)
	if err != nil {
		r.log.Warn("admin lookup failed", logx.Int64("group", m.ChatID), logx.Err(err))
		_, serr := r.sender.SendText(ctx, target(m), "Could not verify admin rights, try again.", nil)
		return false, serr
	}
	if !ok {
		_, serr := r.sender.SendText(ctx, target(m), "Only group admins can manage schedules.", nil)
		return false, serr
	}
	return true, nil
}

// mayControl authorizes a per-record control press. Only the creator may
// touch their record; admin rights alone are not enough.
func (r *Router) mayControl(ctx context.Context, cb *kit.Callback, rec *schedule.Record) (bool, error) {
	if cb.FromID == rec.CreatorID {
		return true, nil
	}
	return false, r.sender.AnswerCallback(ctx, cb.ID, "Only the creator can do that.")
}

func (r *Router) isAdmin(ctx context.Context, chatID, userID int64) (bool, error) {
	now := time.Now()
	r.adminMu.Lock()
	e, ok := r.admins[chatID]
	r.adminMu.Unlock()
	if !ok || now.After(e.expires) {
		ids, err := r.sender.ChatAdmins(ctx, chatID)
		if err != nil {
			return false, err
		}
		set := make(map[int64]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		e = adminEntry{ids: set, expires: now.Add(adminCacheTTL)}
		r.adminMu.Lock()
		r.admins[chatID] = e
		r.adminMu.Unlock()
	}
	_, isAdm := e.ids[userID]
	return isAdm, nil
}

// parseCommand extracts a bot command name from message text: "/cmd@bot arg"
// yields "cmd". Returns "" for non-command text.
func parseCommand(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	first := strings.Fields(text)[0]
	first = strings.TrimPrefix(first, "/")
	if at := strings.IndexByte(first, '@'); at >= 0 {
		first = first[:at]
	}
	return strings.ToLower(first)
}

func target(m *kit.Message) kit.ChatTarget {
	return kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
}
