package wizard

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"tickbot/internal/executor"
	"tickbot/internal/schedule"
	"tickbot/internal/storage"
	kit "tickbot/internal/transport"
	logx "tickbot/pkg/logx"
)

type fakeSender struct {
	mu     sync.Mutex
	texts  []string
	nextID int
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
	return f.SendText(nil, kit.ChatTarget{}, caption, nil)
}

func (f *fakeSender) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}
func (f *fakeSender) DeleteMessage(context.Context, kit.MessageRef) error { return nil }
func (f *fakeSender) AnswerCallback(context.Context, string, string) error {
	return nil
}
func (f *fakeSender) ChatAdmins(context.Context, int64) ([]int64, error) { return nil, nil }
func (f *fakeSender) FileURL(_ context.Context, fileID string) (string, error) {
	return "https://files.example/" + fileID, nil
}

func (f *fakeSender) lastText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) == 0 {
		return ""
	}
	return f.texts[len(f.texts)-1]
}

type fakeRegistrar struct {
	store storage.ScheduleStore
	count int
}

func (r *fakeRegistrar) Register(ctx context.Context, rec *schedule.Record) error {
	r.count++
	rec.JobHandle = fmt.Sprintf("%s#%d", rec.ID, r.count)
	return r.store.Put(ctx, rec)
}

type fakeResolvers struct{}

func (fakeResolvers) ResolveIdentity(_ context.Context, username string) (*executor.Identity, error) {
	u := strings.TrimPrefix(username, "@")
	if u == "ghost" {
		return nil, executor.ErrUnknownIdentity
	}
	return &executor.Identity{Username: u, Address: "0xabc" + u}, nil
}

func (fakeResolvers) ResolveToken(_ context.Context, symbol string) (*executor.TokenInfo, error) {
	if strings.EqualFold(symbol, "USDT") {
		return &executor.TokenInfo{Symbol: "USDT", TokenType: "erc20:usdt", Decimals: 6}, nil
	}
	return nil, executor.ErrUnknownToken
}

const (
	testGroup int64 = -1002003004
	testUser  int64 = 777
)

func newTestWizard(t *testing.T) (*Service, storage.Store, *fakeSender, *fakeRegistrar) {
	t.Helper()
	store := storage.NewMemory()
	sender := &fakeSender{}
	reg := &fakeRegistrar{store: store.Schedules()}
	svc := New(store.Schedules(), store.Wizards(), reg, sender, fakeResolvers{}, fakeResolvers{}, logx.Nop())
	return svc, store, sender, reg
}

func userMsg(id int, text string) *kit.Message {
	return &kit.Message{
		ID:           id,
		ChatID:       testGroup,
		FromID:       testUser,
		FromUsername: "alice",
		Text:         text,
		IsGroup:      true,
	}
}

func press(t *testing.T, svc *Service, action, payload string) {
	t.Helper()
	cb := &kit.Callback{ID: "cb", FromID: testUser, ChatID: testGroup, MessageID: 1, Data: action}
	if err := svc.HandleCallback(context.Background(), cb, action, payload); err != nil {
		t.Fatalf("callback %s:%s: %v", action, payload, err)
	}
}

func feed(t *testing.T, svc *Service, id int, text string) {
	t.Helper()
	handled, err := svc.HandleMessage(context.Background(), userMsg(id, text))
	if err != nil {
		t.Fatalf("message %q: %v", text, err)
	}
	if !handled {
		t.Fatalf("message %q not handled; no session?", text)
	}
}

func sessionStep(t *testing.T, store storage.Store) schedule.Step {
	t.Helper()
	sess, err := store.Wizards().Get(context.Background(), testGroup, testUser)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	return sess.Step
}

func TestMessageWizardFullWalk(t *testing.T) {
	ctx := context.Background()
	svc, store, _, reg := newTestWizard(t)

	if err := svc.Start(ctx, userMsg(1, "/scheduleprompt"), schedule.KindMessage); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := sessionStep(t, store); got != schedule.StepContent {
		t.Fatalf("step = %s, want content", got)
	}

	feed(t, svc, 2, "post a daily market digest")
	press(t, svc, "skip", "")
	press(t, svc, "hour", "9")
	press(t, svc, "minute", "30")
	press(t, svc, "rep", "1d")
	if got := sessionStep(t, store); got != schedule.StepConfirm {
		t.Fatalf("step = %s, want confirm", got)
	}
	press(t, svc, "confirm", "")

	if reg.count != 1 {
		t.Fatalf("registrar calls = %d, want 1", reg.count)
	}
	recs, err := store.Schedules().ListGroup(ctx, testGroup, schedule.KindMessage, true)
	if err != nil || len(recs) != 1 {
		t.Fatalf("records = %d (%v), want 1", len(recs), err)
	}
	rec := recs[0]
	if rec.Message == nil || rec.Message.Prompt != "post a daily market digest" {
		t.Errorf("payload = %+v", rec.Message)
	}
	if rec.Anchor.Hour() != 9 || rec.Anchor.Minute() != 30 {
		t.Errorf("anchor = %v, want 09:30 UTC", rec.Anchor)
	}
	if rec.Repeat.Kind != schedule.RepeatDaily {
		t.Errorf("repeat = %+v, want daily", rec.Repeat)
	}
	if rec.NextRunAt == nil || !rec.NextRunAt.After(time.Now().UTC().Add(-time.Second)) {
		t.Errorf("NextRunAt = %v", rec.NextRunAt)
	}
	if rec.Version != 1 {
		t.Errorf("Version = %d, want 1", rec.Version)
	}
	if _, err := store.Wizards().Get(ctx, testGroup, testUser); err == nil {
		t.Error("session should be gone after confirm")
	}
}

func TestPaymentWizardFullWalk(t *testing.T) {
	ctx := context.Background()
	svc, store, _, _ := newTestWizard(t)

	if err := svc.Start(ctx, userMsg(1, "/schedulepayment"), schedule.KindPayment); err != nil {
		t.Fatalf("start: %v", err)
	}
	feed(t, svc, 2, "@bob")
	feed(t, svc, 3, "usdt")
	feed(t, svc, 4, "12.5")
	date := time.Now().UTC().Add(48 * time.Hour).Format("2006-01-02")
	feed(t, svc, 5, date)
	press(t, svc, "hour", "8")
	press(t, svc, "minute", "0")
	press(t, svc, "rep", "1w")
	press(t, svc, "confirm", "")

	recs, err := store.Schedules().ListGroup(ctx, testGroup, schedule.KindPayment, true)
	if err != nil || len(recs) != 1 {
		t.Fatalf("records = %d (%v), want 1", len(recs), err)
	}
	p := recs[0].Payment
	if p == nil {
		t.Fatal("payment payload missing")
	}
	if p.RecipientUsername != "bob" || p.RecipientAddress != "0xabcbob" {
		t.Errorf("recipient = %+v", p)
	}
	if p.Symbol != "USDT" || p.Decimals != 6 {
		t.Errorf("token = %+v", p)
	}
	if p.AmountUnits != 12_500_000 {
		t.Errorf("AmountUnits = %d, want 12500000", p.AmountUnits)
	}
	if !recs[0].NotifyOnFailure || !recs[0].NotifyOnSuccess {
		t.Error("payment notices should default on")
	}
}

func TestInvalidInputDoesNotAdvance(t *testing.T) {
	ctx := context.Background()
	svc, store, sender, _ := newTestWizard(t)

	if err := svc.Start(ctx, userMsg(1, "/schedulepayment"), schedule.KindPayment); err != nil {
		t.Fatalf("start: %v", err)
	}
	feed(t, svc, 2, "@bob")
	feed(t, svc, 3, "usdt")

	feed(t, svc, 4, "not a number")
	if got := sessionStep(t, store); got != schedule.StepAmount {
		t.Errorf("step = %s, want to stay on amount", got)
	}
	feed(t, svc, 5, "-3")
	if got := sessionStep(t, store); got != schedule.StepAmount {
		t.Errorf("step = %s, want to stay on amount", got)
	}
	if !strings.Contains(sender.lastText(), "positive") {
		t.Errorf("prompt = %q, want validation note", sender.lastText())
	}

	feed(t, svc, 6, "5")
	feed(t, svc, 7, "31-12-2026")
	if got := sessionStep(t, store); got != schedule.StepDate {
		t.Errorf("step = %s, want to stay on date", got)
	}
}

func TestUnknownRecipientReprompts(t *testing.T) {
	ctx := context.Background()
	svc, store, sender, _ := newTestWizard(t)

	if err := svc.Start(ctx, userMsg(1, "/schedulepayment"), schedule.KindPayment); err != nil {
		t.Fatalf("start: %v", err)
	}
	feed(t, svc, 2, "@ghost")
	if got := sessionStep(t, store); got != schedule.StepRecipient {
		t.Errorf("step = %s, want to stay on recipient", got)
	}
	if !strings.Contains(sender.lastText(), "no linked wallet") {
		t.Errorf("prompt = %q", sender.lastText())
	}
}

func TestBackClearsDownstreamFields(t *testing.T) {
	ctx := context.Background()
	svc, store, _, _ := newTestWizard(t)

	if err := svc.Start(ctx, userMsg(1, "/scheduleprompt"), schedule.KindMessage); err != nil {
		t.Fatalf("start: %v", err)
	}
	feed(t, svc, 2, "summarize the week")
	press(t, svc, "skip", "")
	press(t, svc, "hour", "14")
	press(t, svc, "minute", "15")

	// Back from repeat to minute, then re-pick; hour must survive, minute not.
	press(t, svc, "back", "")
	sess, err := store.Wizards().Get(ctx, testGroup, testUser)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if sess.Step != schedule.StepMinute {
		t.Fatalf("step = %s, want minute", sess.Step)
	}
	if sess.Minute != nil {
		t.Error("minute should be cleared by Back")
	}
	if sess.Hour == nil || *sess.Hour != 14 {
		t.Error("hour should survive Back to minute")
	}
	if sess.Prompt != "summarize the week" {
		t.Error("content should survive Back")
	}
}

func TestCancelLeavesNoRecord(t *testing.T) {
	ctx := context.Background()
	svc, store, _, reg := newTestWizard(t)

	if err := svc.Start(ctx, userMsg(1, "/scheduleprompt"), schedule.KindMessage); err != nil {
		t.Fatalf("start: %v", err)
	}
	feed(t, svc, 2, "never mind")
	press(t, svc, "cancel", "")

	if _, err := store.Wizards().Get(ctx, testGroup, testUser); err == nil {
		t.Error("session should be deleted on cancel")
	}
	recs, _ := store.Schedules().ListGroup(ctx, testGroup, schedule.KindMessage, false)
	if len(recs) != 0 || reg.count != 0 {
		t.Errorf("records = %d, registrations = %d; want none", len(recs), reg.count)
	}
}

func TestQuotaRejectedAtConfirm(t *testing.T) {
	ctx := context.Background()
	svc, store, sender, reg := newTestWizard(t)

	for i := 0; i < schedule.MaxActiveMessageSchedules; i++ {
		rec := &schedule.Record{
			ID:      fmt.Sprintf("existing-%d", i),
			GroupID: testGroup,
			Kind:    schedule.KindMessage,
			Message: &schedule.MessagePayload{Prompt: "x"},
			Anchor:  time.Now().UTC(),
			Repeat:  schedule.Repeat{Kind: schedule.RepeatDaily},
			Active:  true,
		}
		if err := store.Schedules().Put(ctx, rec); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	if err := svc.Start(ctx, userMsg(1, "/scheduleprompt"), schedule.KindMessage); err != nil {
		t.Fatalf("start: %v", err)
	}
	feed(t, svc, 2, "one too many")
	press(t, svc, "skip", "")
	press(t, svc, "hour", "10")
	press(t, svc, "minute", "0")
	press(t, svc, "rep", "1d")
	press(t, svc, "confirm", "")

	if reg.count != 0 {
		t.Errorf("registrations = %d, want 0", reg.count)
	}
	recs, _ := store.Schedules().ListGroup(ctx, testGroup, schedule.KindMessage, true)
	if len(recs) != schedule.MaxActiveMessageSchedules {
		t.Errorf("active records = %d, want %d", len(recs), schedule.MaxActiveMessageSchedules)
	}
	if !strings.Contains(sender.lastText(), "limit") {
		t.Errorf("last message = %q, want quota notice", sender.lastText())
	}
}

func TestEditKeepsIdentityBumpsVersion(t *testing.T) {
	ctx := context.Background()
	svc, store, _, _ := newTestWizard(t)

	created := time.Now().UTC().Add(-24 * time.Hour)
	orig := &schedule.Record{
		ID:        "edit-me",
		GroupID:   testGroup,
		CreatorID: testUser,
		Kind:      schedule.KindMessage,
		Message:   &schedule.MessagePayload{Prompt: "old prompt"},
		Anchor:    time.Date(2026, 9, 1, 7, 0, 0, 0, time.UTC),
		Repeat:    schedule.Repeat{Kind: schedule.RepeatDaily},
		Active:    true,
		CreatedAt: created,
		RunCount:  5,
		Version:   3,
	}
	if err := store.Schedules().Put(ctx, orig); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := svc.StartEdit(ctx, userMsg(1, "/edit"), orig); err != nil {
		t.Fatalf("start edit: %v", err)
	}
	if got := sessionStep(t, store); got != schedule.StepConfirm {
		t.Fatalf("step = %s, want confirm (prefilled)", got)
	}
	press(t, svc, "confirm", "")

	got, err := store.Schedules().Get(ctx, "edit-me")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 4 {
		t.Errorf("Version = %d, want 4", got.Version)
	}
	if got.RunCount != 5 || !got.CreatedAt.Equal(created) {
		t.Error("edit should preserve run history and creation time")
	}
	recs, _ := store.Schedules().ListGroup(ctx, testGroup, schedule.KindMessage, false)
	if len(recs) != 1 {
		t.Errorf("records = %d, want the single edited one", len(recs))
	}
}

func TestEditGotoChangesOneFieldAndReturns(t *testing.T) {
	ctx := context.Background()
	svc, store, _, _ := newTestWizard(t)

	orig := &schedule.Record{
		ID:        "goto-me",
		GroupID:   testGroup,
		CreatorID: testUser,
		Kind:      schedule.KindMessage,
		Message:   &schedule.MessagePayload{Prompt: "old prompt"},
		Anchor:    time.Date(2026, 9, 1, 7, 0, 0, 0, time.UTC),
		Repeat:    schedule.Repeat{Kind: schedule.RepeatDaily},
		Active:    true,
		CreatedAt: time.Now().UTC(),
		Version:   1,
	}
	if err := store.Schedules().Put(ctx, orig); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := svc.StartEdit(ctx, userMsg(1, "/edit"), orig); err != nil {
		t.Fatalf("start edit: %v", err)
	}
	press(t, svc, "goto", string(schedule.StepContent))
	if got := sessionStep(t, store); got != schedule.StepContent {
		t.Fatalf("step = %s, want content", got)
	}
	feed(t, svc, 2, "new prompt")
	// Edit sessions return straight to the summary, no media step walk.
	if got := sessionStep(t, store); got != schedule.StepConfirm {
		t.Fatalf("step = %s, want confirm", got)
	}
	press(t, svc, "confirm", "")

	got, err := store.Schedules().Get(ctx, "goto-me")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Message == nil || got.Message.Prompt != "new prompt" {
		t.Errorf("prompt = %+v, want updated", got.Message)
	}
	if got.Repeat.Kind != schedule.RepeatDaily {
		t.Error("untouched fields must survive a single-field edit")
	}
	if got.Version != 2 {
		t.Errorf("Version = %d, want 2", got.Version)
	}
}

func TestStartRequiresUsername(t *testing.T) {
	ctx := context.Background()
	svc, store, sender, _ := newTestWizard(t)

	msg := userMsg(1, "/scheduleprompt")
	msg.FromUsername = ""
	if err := svc.Start(ctx, msg, schedule.KindMessage); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := store.Wizards().Get(ctx, testGroup, testUser); err == nil {
		t.Error("no session should be created without a username")
	}
	if !strings.Contains(sender.lastText(), "username") {
		t.Errorf("message = %q", sender.lastText())
	}
}
