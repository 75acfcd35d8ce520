package router

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"tickbot/internal/schedule"
	"tickbot/internal/storage"
	kit "tickbot/internal/transport"
	logx "tickbot/pkg/logx"
	"tickbot/pkg/tgui"
)

const (
	groupID   int64 = -1009998887
	adminID   int64 = 11
	creatorID int64 = 22
	randomID  int64 = 33
)

type fakeSender struct {
	mu          sync.Mutex
	texts       []string
	answers     []string
	adminCalls  int
	adminIDs    []int64
	deletedRefs []kit.MessageRef
	nextID      int
}

func (f *fakeSender) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeSender) Stop(context.Context) error                     { return nil }

func (f *fakeSender) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	f.nextID++
	return kit.MessageRef{MessageID: f.nextID}, nil
}

func (f *fakeSender) SendPhoto(_ context.Context, _ kit.ChatTarget, _, caption string, _ *kit.SendOptions) (kit.MessageRef, error) {
	return f.SendText(context.Background(), kit.ChatTarget{}, caption, nil)
}

func (f *fakeSender) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}

func (f *fakeSender) DeleteMessage(_ context.Context, ref kit.MessageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedRefs = append(f.deletedRefs, ref)
	return nil
}

func (f *fakeSender) AnswerCallback(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, text)
	return nil
}

func (f *fakeSender) ChatAdmins(context.Context, int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adminCalls++
	return f.adminIDs, nil
}

func (f *fakeSender) FileURL(context.Context, string) (string, error) { return "", nil }

func (f *fakeSender) lastText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) == 0 {
		return ""
	}
	return f.texts[len(f.texts)-1]
}

func (f *fakeSender) lastAnswer() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.answers) == 0 {
		return ""
	}
	return f.answers[len(f.answers)-1]
}

type fakeWizard struct {
	started   []schedule.Kind
	edits     []string
	messages  int
	callbacks []string
}

func (w *fakeWizard) Start(_ context.Context, _ *kit.Message, kind schedule.Kind) error {
	w.started = append(w.started, kind)
	return nil
}

func (w *fakeWizard) StartEdit(_ context.Context, _ *kit.Message, rec *schedule.Record) error {
	w.edits = append(w.edits, rec.ID)
	return nil
}

func (w *fakeWizard) HandleMessage(context.Context, *kit.Message) (bool, error) {
	w.messages++
	return true, nil
}

func (w *fakeWizard) HandleCallback(_ context.Context, _ *kit.Callback, action, payload string) error {
	w.callbacks = append(w.callbacks, action+":"+payload)
	return nil
}

type fakeRunner struct {
	paused, resumed, ran, deleted []string
}

func (r *fakeRunner) RunNow(_ context.Context, id string) error { r.ran = append(r.ran, id); return nil }
func (r *fakeRunner) Pause(_ context.Context, id string) error {
	r.paused = append(r.paused, id)
	return nil
}
func (r *fakeRunner) Resume(_ context.Context, id string) error {
	r.resumed = append(r.resumed, id)
	return nil
}
func (r *fakeRunner) Delete(_ context.Context, id string) error {
	r.deleted = append(r.deleted, id)
	return nil
}

func newTestRouter(t *testing.T) (*Router, *fakeSender, *fakeWizard, *fakeRunner, storage.ScheduleStore) {
	t.Helper()
	sender := &fakeSender{adminIDs: []int64{adminID}}
	wiz := &fakeWizard{}
	run := &fakeRunner{}
	store := storage.NewMemory().Schedules()
	return New(sender, store, wiz, run, logx.Nop()), sender, wiz, run, store
}

func groupMsg(from int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ID: 1, ChatID: groupID, FromID: from, FromUsername: "someone", Text: text, IsGroup: true,
	}}
}

func recordPress(from int64, action, id string) kit.Update {
	return kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{
		ID: "cb", ChatID: groupID, FromID: from, FromUsername: "someone",
		MessageID: 9, Data: tgui.Data("sched", action, id),
	}}
}

func seedRecord(t *testing.T, store storage.ScheduleStore, id string, active bool) *schedule.Record {
	t.Helper()
	now := time.Now().UTC()
	next := now.Add(time.Hour)
	rec := &schedule.Record{
		ID:        id,
		GroupID:   groupID,
		CreatorID: creatorID,
		Kind:      schedule.KindMessage,
		Message:   &schedule.MessagePayload{Prompt: "hello"},
		Anchor:    now,
		Repeat:    schedule.Repeat{Kind: schedule.RepeatDaily},
		Active:    active,
		CreatedAt: now,
		NextRunAt: &next,
	}
	if err := store.Put(context.Background(), rec); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return rec
}

func TestScheduleCommandRequiresAdmin(t *testing.T) {
	t.Parallel()
	r, sender, wiz, _, _ := newTestRouter(t)

	r.Dispatch(context.Background(), groupMsg(randomID, "/scheduleprompt"))
	if len(wiz.started) != 0 {
		t.Error("wizard should not start for a non-admin")
	}
	if !strings.Contains(sender.lastText(), "admins") {
		t.Errorf("reply = %q", sender.lastText())
	}

	r.Dispatch(context.Background(), groupMsg(adminID, "/scheduleprompt"))
	if len(wiz.started) != 1 || wiz.started[0] != schedule.KindMessage {
		t.Errorf("started = %v, want [message]", wiz.started)
	}
}

func TestCommandNameParsing(t *testing.T) {
	t.Parallel()
	cases := []struct {
		text string
		want string
	}{
		{"/scheduleprompt", "scheduleprompt"},
		{"/SchedulePayment@tickbot arg", "schedulepayment"},
		{"  /listscheduled  ", "listscheduled"},
		{"hello there", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := parseCommand(tc.text); got != tc.want {
			t.Errorf("parseCommand(%q) = %q, want %q", tc.text, got, tc.want)
		}
	}
}

func TestCommandsRejectedInPrivateChat(t *testing.T) {
	t.Parallel()
	r, sender, wiz, _, _ := newTestRouter(t)

	up := kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ID: 1, ChatID: 555, FromID: adminID, Text: "/scheduleprompt", IsGroup: false,
	}}
	r.Dispatch(context.Background(), up)
	if len(wiz.started) != 0 {
		t.Error("wizard should not start outside groups")
	}
	if !strings.Contains(sender.lastText(), "groups") {
		t.Errorf("reply = %q", sender.lastText())
	}
}

func TestFreeTextGoesToWizard(t *testing.T) {
	t.Parallel()
	r, _, wiz, _, _ := newTestRouter(t)

	r.Dispatch(context.Background(), groupMsg(randomID, "some wizard input"))
	if wiz.messages != 1 {
		t.Errorf("wizard messages = %d, want 1", wiz.messages)
	}
}

func TestListSkipsDeletedRecords(t *testing.T) {
	t.Parallel()
	r, sender, _, _, store := newTestRouter(t)

	seedRecord(t, store, "live", true)
	seedRecord(t, store, "paused", false)
	gone := seedRecord(t, store, "gone", false)
	now := time.Now().UTC()
	gone.DeletedAt = &now
	if err := store.Put(context.Background(), gone); err != nil {
		t.Fatalf("put: %v", err)
	}

	r.Dispatch(context.Background(), groupMsg(adminID, "/listscheduled"))

	sender.mu.Lock()
	texts := append([]string(nil), sender.texts...)
	sender.mu.Unlock()
	// Header plus one message per non-deleted record.
	if len(texts) != 3 {
		t.Fatalf("messages = %d (%q), want 3", len(texts), texts)
	}
	if !strings.HasPrefix(texts[0], "2 scheduled messages") {
		t.Errorf("header = %q", texts[0])
	}
	joined := strings.Join(texts[1:], "\n---\n")
	if !strings.Contains(joined, "paused") {
		t.Error("paused record should be listed with its state")
	}
}

func TestWizardCallbackRouted(t *testing.T) {
	t.Parallel()
	r, _, wiz, _, _ := newTestRouter(t)

	up := kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{
		ID: "cb", ChatID: groupID, FromID: randomID, Data: tgui.Data("wiz", "hour", "9"),
	}}
	r.Dispatch(context.Background(), up)
	if len(wiz.callbacks) != 1 || wiz.callbacks[0] != "hour:9" {
		t.Errorf("callbacks = %v", wiz.callbacks)
	}
}

func TestRecordControlsAuthorization(t *testing.T) {
	t.Parallel()
	r, sender, _, run, store := newTestRouter(t)
	seedRecord(t, store, "rec-1", true)

	r.Dispatch(context.Background(), recordPress(randomID, "run", "rec-1"))
	if len(run.ran) != 0 {
		t.Error("stranger must not trigger run-now")
	}
	if !strings.Contains(sender.lastAnswer(), "creator") {
		t.Errorf("answer = %q", sender.lastAnswer())
	}

	r.Dispatch(context.Background(), recordPress(creatorID, "run", "rec-1"))
	if len(run.ran) != 1 || run.ran[0] != "rec-1" {
		t.Errorf("ran = %v, want [rec-1]", run.ran)
	}
}

func TestNonCreatorAdminCannotControlRecord(t *testing.T) {
	t.Parallel()
	r, sender, wiz, run, store := newTestRouter(t)
	seedRecord(t, store, "rec-a", true)

	for _, action := range []string{"run", "del", "edit", "toggle", "close"} {
		r.Dispatch(context.Background(), recordPress(adminID, action, "rec-a"))
		if !strings.Contains(sender.lastAnswer(), "creator") {
			t.Errorf("%s: answer = %q, want creator-only rejection", action, sender.lastAnswer())
		}
	}
	if len(run.ran)+len(run.deleted)+len(run.paused)+len(run.resumed) != 0 {
		t.Errorf("admin press mutated the record: %+v", run)
	}
	if len(wiz.edits) != 0 {
		t.Errorf("admin press opened the edit wizard: %v", wiz.edits)
	}
	sender.mu.Lock()
	deleted := len(sender.deletedRefs)
	sender.mu.Unlock()
	if deleted != 0 {
		t.Errorf("admin close removed the list entry; deletions = %d", deleted)
	}

	r.Dispatch(context.Background(), recordPress(creatorID, "del", "rec-a"))
	if len(run.deleted) != 1 || run.deleted[0] != "rec-a" {
		t.Errorf("creator delete: deleted = %v, want [rec-a]", run.deleted)
	}
}

func TestToggleAndDelete(t *testing.T) {
	t.Parallel()
	r, sender, _, run, store := newTestRouter(t)
	seedRecord(t, store, "rec-t", true)

	r.Dispatch(context.Background(), recordPress(creatorID, "toggle", "rec-t"))
	if len(run.paused) != 1 {
		t.Fatalf("paused = %v", run.paused)
	}

	// Store still says active (fake runner does not mutate), flip it manually
	// to exercise the resume leg.
	rec, _ := store.Get(context.Background(), "rec-t")
	rec.Active = false
	_ = store.Put(context.Background(), rec)

	r.Dispatch(context.Background(), recordPress(creatorID, "toggle", "rec-t"))
	if len(run.resumed) != 1 {
		t.Fatalf("resumed = %v", run.resumed)
	}

	r.Dispatch(context.Background(), recordPress(creatorID, "del", "rec-t"))
	if len(run.deleted) != 1 {
		t.Fatalf("deleted = %v", run.deleted)
	}
	sender.mu.Lock()
	deleted := len(sender.deletedRefs)
	sender.mu.Unlock()
	if deleted != 1 {
		t.Errorf("list entry message should be removed; deletions = %d", deleted)
	}
}

func TestEditPressStartsPrefilledWizard(t *testing.T) {
	t.Parallel()
	r, _, wiz, _, store := newTestRouter(t)
	seedRecord(t, store, "rec-e", true)

	r.Dispatch(context.Background(), recordPress(creatorID, "edit", "rec-e"))
	if len(wiz.edits) != 1 || wiz.edits[0] != "rec-e" {
		t.Errorf("edits = %v, want [rec-e]", wiz.edits)
	}
}

func TestVanishedRecordAnswersGracefully(t *testing.T) {
	t.Parallel()
	r, sender, _, run, _ := newTestRouter(t)

	r.Dispatch(context.Background(), recordPress(creatorID, "run", "nope"))
	if len(run.ran) != 0 {
		t.Error("nothing should run")
	}
	if !strings.Contains(sender.lastAnswer(), "no longer exists") {
		t.Errorf("answer = %q", sender.lastAnswer())
	}
}

func TestAdminListIsCached(t *testing.T) {
	t.Parallel()
	r, sender, _, _, _ := newTestRouter(t)

	r.Dispatch(context.Background(), groupMsg(adminID, "/listscheduled"))
	r.Dispatch(context.Background(), groupMsg(adminID, "/listscheduled"))

	sender.mu.Lock()
	calls := sender.adminCalls
	sender.mu.Unlock()
	if calls != 1 {
		t.Errorf("ChatAdmins calls = %d, want 1 (cached)", calls)
	}
}
