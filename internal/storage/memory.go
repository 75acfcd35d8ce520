package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"tickbot/internal/schedule"
)

// memoryStore keeps records as marshaled JSON under a mutex. Values are
// encoded on Put and decoded on Get so callers observe the same
// whole-record-replacement semantics as the sqlite driver.
type memoryStore struct {
	mu        sync.Mutex
	schedules map[string][]byte
	sessions  map[wizardKey][]byte
}

type wizardKey struct {
	group int64
	user  int64
}

// NewMemory returns a process-local store for tests and dry runs.
func NewMemory() Store {
	return &memoryStore{
		schedules: map[string][]byte{},
		sessions:  map[wizardKey][]byte{},
	}
}

func (m *memoryStore) Schedules() ScheduleStore { return memSchedules{m} }
func (m *memoryStore) Wizards() WizardStore     { return memWizards{m} }
func (m *memoryStore) Close() error             { return nil }

type memSchedules struct{ m *memoryStore }

func (t memSchedules) Put(_ context.Context, rec *schedule.Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	t.m.mu.Lock()
	t.m.schedules[rec.ID] = b
	t.m.mu.Unlock()
	return nil
}

func (t memSchedules) Get(_ context.Context, id string) (*schedule.Record, error) {
	t.m.mu.Lock()
	b, ok := t.m.schedules[id]
	t.m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	var rec schedule.Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("decode schedule %s: %w", id, err)
	}
	return &rec, nil
}

func (t memSchedules) ListGroup(ctx context.Context, groupID int64, kind schedule.Kind, activeOnly bool) ([]*schedule.Record, error) {
	return t.list(func(r *schedule.Record) bool {
		if r.GroupID != groupID || r.Kind != kind {
			return false
		}
		return !activeOnly || r.Active
	})
}

func (t memSchedules) ListActive(context.Context) ([]*schedule.Record, error) {
	return t.list(func(r *schedule.Record) bool { return r.Active })
}

func (t memSchedules) list(keep func(*schedule.Record) bool) ([]*schedule.Record, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	var out []*schedule.Record
	for _, b := range t.m.schedules {
		var rec schedule.Record
		if err := json.Unmarshal(b, &rec); err != nil {
			continue // corrupt entries are skipped, as in the sqlite driver
		}
		if keep(&rec) {
			out = append(out, &rec)
		}
	}
	return out, nil
}

func (t memSchedules) ClaimLock(_ context.Context, id string, now, until time.Time) (bool, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	b, ok := t.m.schedules[id]
	if !ok {
		return false, ErrNotFound
	}
	var rec schedule.Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return false, err
	}
	if !rec.Eligible(now) {
		return false, nil
	}
	u := until.UTC()
	rec.LockedUntil = &u
	nb, err := json.Marshal(&rec)
	if err != nil {
		return false, err
	}
	t.m.schedules[id] = nb
	return true, nil
}

type memWizards struct{ m *memoryStore }

func (t memWizards) Put(_ context.Context, s *schedule.Session) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	t.m.mu.Lock()
	t.m.sessions[wizardKey{s.GroupID, s.CreatorID}] = b
	t.m.mu.Unlock()
	return nil
}

func (t memWizards) Get(_ context.Context, groupID, userID int64) (*schedule.Session, error) {
	t.m.mu.Lock()
	b, ok := t.m.sessions[wizardKey{groupID, userID}]
	t.m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	var s schedule.Session
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (t memWizards) Delete(_ context.Context, groupID, userID int64) error {
	t.m.mu.Lock()
	delete(t.m.sessions, wizardKey{groupID, userID})
	t.m.mu.Unlock()
	return nil
}
