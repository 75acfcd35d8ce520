// Package runner bridges persisted schedule records to process-local timers
// and executes them at most once per due occurrence.
//
// Registrations are one-shot: each fire re-registers the next occurrence.
// A per-id version counter invalidates stale timers after edits, and the
// store's conditional lock claim serializes occurrences of one record.
package runner

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tickbot/internal/schedule"
	"tickbot/internal/storage"
	logx "tickbot/pkg/logx"
)

// Executor runs one due record's payload.
type Executor interface {
	Execute(ctx context.Context, rec *schedule.Record) (status string, err error)
}

type Config struct {
	LockLease        time.Duration // execution lease (default 2m)
	SweepInterval    time.Duration // catch-up sweep period (default 1m)
	ExecutionTimeout time.Duration // per-payload budget (default 5m)
	BootstrapRate    int           // registrations/sec at recovery (default 20)
	BootstrapJitter  time.Duration // max extra delay for due-now records (default 15s)
}

func (c Config) withDefaults() Config {
	if c.LockLease <= 0 {
		c.LockLease = 2 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = 5 * time.Minute
	}
	if c.BootstrapRate <= 0 {
		c.BootstrapRate = 20
	}
	if c.BootstrapJitter <= 0 {
		c.BootstrapJitter = 15 * time.Second
	}
	return c
}

type Service struct {
	cfg   Config
	store storage.ScheduleStore
	exec  Executor
	log   logx.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	vers   map[string]uint64

	runCtx    context.Context
	runCancel context.CancelFunc

	c  *cron.Cron
	wg sync.WaitGroup
}

func New(cfg Config, store storage.ScheduleStore, exec Executor, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		store:  store,
		exec:   exec,
		log:    log,
		timers: map[string]*time.Timer{},
		vers:   map[string]uint64{},
		runCtx: context.Background(),
	}
}

// Start launches the catch-up sweep. Timer registrations work before Start,
// so Bootstrap can run first.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	s.c = cron.New()
	spec := "@every " + s.cfg.SweepInterval.String()
	if _, err := s.c.AddFunc(spec, s.sweep); err != nil {
		s.c = nil
		return fmt.Errorf("add sweep job: %w", err)
	}
	s.c.Start()
	s.log.Info("runner started", logx.Duration("sweep", s.cfg.SweepInterval), logx.Duration("lease", s.cfg.LockLease))
	return nil
}

// Stop cancels in-flight contexts, stops timers and waits (bounded by ctx)
// for running executions to finish.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	// Cancel under the lock: fire gates its wg.Add on runCtx while holding
	// the same lock, so every execution past the gate is waited for below.
	if s.runCancel != nil {
		s.runCancel()
		s.runCancel = nil
	}
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Register arms a one-shot timer for the record's next run and stores the
// resulting job handle on the record. Any previous timer for the same id is
// replaced, so exactly one timer is ever live per record.
func (s *Service) Register(ctx context.Context, rec *schedule.Record) error {
	return s.register(ctx, rec, 0)
}

func (s *Service) register(ctx context.Context, rec *schedule.Record, dueJitter time.Duration) error {
	now := time.Now().UTC()
	if rec.NextRunAt == nil {
		next, ok := schedule.NextOccurrence(rec.Anchor, rec.Repeat, now)
		if !ok {
			rec.Active = false
			rec.JobHandle = ""
			return s.store.Put(ctx, rec)
		}
		rec.NextRunAt = &next
	}

	delay := time.Until(*rec.NextRunAt)
	if delay < 0 {
		delay = 0
	}
	if delay == 0 && dueJitter > 0 {
		delay = time.Duration(rand.Int63n(int64(dueJitter)))
	}

	s.mu.Lock()
	if old, ok := s.timers[rec.ID]; ok {
		old.Stop()
	}
	v := s.vers[rec.ID] + 1
	s.vers[rec.ID] = v
	id := rec.ID
	s.timers[id] = time.AfterFunc(delay, func() { s.fire(id, v) })
	s.mu.Unlock()

	rec.JobHandle = rec.ID + "#" + strconv.FormatUint(v, 10)
	if err := s.store.Put(ctx, rec); err != nil {
		return err
	}
	s.log.Debug("schedule registered",
		logx.String("id", rec.ID), logx.String("handle", rec.JobHandle),
		logx.Time("next", *rec.NextRunAt), logx.Duration("delay", delay))
	return nil
}

// Cancel stops the live timer for a record id, best-effort.
func (s *Service) Cancel(id string) {
	s.mu.Lock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	s.vers[id]++ // invalidate any in-flight fire for the old handle
	s.mu.Unlock()
}

// HasTimer reports whether a live timer exists for the record id.
func (s *Service) HasTimer(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[id]
	return ok
}

// fire is the timer callback. It always re-reads the current persisted
// record (the closure state may be stale after edits) and goes through the
// lock claim before touching the executor.
func (s *Service) fire(id string, v uint64) {
	s.mu.Lock()
	if s.vers[id] != v {
		s.mu.Unlock()
		return // superseded by edit/cancel
	}
	s.vers[id] = v + 1 // consume: any duplicate invocation is now stale
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	ctx := s.runCtx
	if ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in schedule execution",
				logx.String("id", id), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()

	now := time.Now().UTC()
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		s.log.Error("schedule load failed at fire time", logx.String("id", id), logx.Err(err))
		return
	}
	if !rec.Active {
		s.log.Debug("schedule inactive at fire time; skipping", logx.String("id", id))
		return
	}
	if rec.NextRunAt == nil {
		return
	}
	if rec.NextRunAt.After(now) {
		// Edited to a later slot since this timer was armed; re-arm.
		if err := s.register(ctx, rec, 0); err != nil {
			s.log.Error("re-arm failed", logx.String("id", id), logx.Err(err))
		}
		return
	}

	claimed, err := s.store.ClaimLock(ctx, id, now, now.Add(s.cfg.LockLease))
	if err != nil {
		s.log.Error("lock claim failed", logx.String("id", id), logx.Err(err))
		return
	}
	if !claimed {
		// Another firing (or a run-now poke) won the lease; it will
		// reschedule. The sweep covers the pathological case.
		s.log.Debug("lease held elsewhere; skipping", logx.String("id", id))
		return
	}

	execCtx, cancel := context.WithTimeout(ctx, s.cfg.ExecutionTimeout)
	status, execErr := s.exec.Execute(execCtx, rec)
	cancel()

	s.finish(ctx, id, now, status, execErr)
}

// finish records the attempt outcome, advances the schedule and re-registers
// (or deactivates an exhausted one-shot). It works on a fresh read so that
// edits made during a long execution are not clobbered.
func (s *Service) finish(ctx context.Context, id string, startedAt time.Time, status string, execErr error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		s.log.Error("schedule reload failed after execution", logx.String("id", id), logx.Err(err))
		return
	}

	now := time.Now().UTC()
	rec.LastRunAt = &startedAt
	rec.RunCount++
	rec.LockedUntil = nil
	if execErr != nil {
		rec.LastError = execErr.Error()
		rec.LastAttemptStatus = "failed"
		s.log.Warn("schedule execution failed",
			logx.String("id", id), logx.String("kind", string(rec.Kind)), logx.Err(execErr))
	} else {
		rec.LastError = ""
		rec.LastAttemptStatus = status
		s.log.Info("schedule executed",
			logx.String("id", id), logx.String("kind", string(rec.Kind)),
			logx.Uint64("run_count", rec.RunCount), logx.String("status", status))
	}

	// A failing occurrence is consumed either way: recurring schedules wait
	// for the next slot, one-shots deactivate.
	next, ok := schedule.NextOccurrence(rec.Anchor, rec.Repeat, now)
	if !ok {
		rec.Active = false
		rec.NextRunAt = nil
		rec.JobHandle = ""
		if err := s.store.Put(ctx, rec); err != nil {
			s.log.Error("schedule finalize failed", logx.String("id", id), logx.Err(err))
		}
		return
	}

	rec.NextRunAt = &next
	if !rec.Active {
		// Paused mid-execution: keep bookkeeping but don't re-arm.
		if err := s.store.Put(ctx, rec); err != nil {
			s.log.Error("schedule update failed", logx.String("id", id), logx.Err(err))
		}
		return
	}
	if err := s.register(ctx, rec, 0); err != nil {
		s.log.Error("reschedule failed", logx.String("id", id), logx.Err(err))
	}
}

// RunNow marks the record due immediately and pokes the runner. The firing
// still goes through the normal eligibility/locking path, so a race with a
// natural tick resolves to a single execution.
func (s *Service) RunNow(ctx context.Context, id string) error {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !rec.Active {
		return errors.New("schedule is paused")
	}
	now := time.Now().UTC()
	rec.NextRunAt = &now
	return s.register(ctx, rec, 0)
}

// Pause deactivates the record. The armed timer is left alone: it observes
// Active=false at fire time and no-ops. In-flight executions are unaffected.
func (s *Service) Pause(ctx context.Context, id string) error {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	rec.Active = false
	return s.store.Put(ctx, rec)
}

// Resume reactivates a paused record and re-arms its timer, advancing past
// any occurrences missed while paused.
func (s *Service) Resume(ctx context.Context, id string) error {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.DeletedAt != nil {
		return errors.New("schedule was deleted")
	}
	now := time.Now().UTC()
	if rec.NextRunAt == nil || !rec.NextRunAt.After(now) {
		next, ok := schedule.NextOccurrence(rec.Anchor, rec.Repeat, now)
		if !ok {
			return errors.New("schedule has no future occurrence")
		}
		rec.NextRunAt = &next
	}
	rec.Active = true
	return s.register(ctx, rec, 0)
}

// Delete soft-deletes the record and best-effort cancels its timer. The row
// stays for audit; the tombstone keeps it out of list views.
func (s *Service) Delete(ctx context.Context, id string) error {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	rec.Active = false
	rec.DeletedAt = &now
	rec.JobHandle = ""
	if err := s.store.Put(ctx, rec); err != nil {
		return err
	}
	s.Cancel(id)
	return nil
}

// sweep re-arms any active due record that lost its timer (process hiccup,
// lost claim race, clock jumps). Runs on the cron schedule.
func (s *Service) sweep() {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	recs, err := s.store.ListActive(ctx)
	if err != nil {
		s.log.Error("sweep enumeration failed", logx.Err(err))
		return
	}
	now := time.Now().UTC()
	rearmed := 0
	for _, rec := range recs {
		if rec.NextRunAt == nil || rec.NextRunAt.After(now) {
			continue
		}
		if s.HasTimer(rec.ID) {
			continue
		}
		if err := s.register(ctx, rec, 0); err != nil {
			s.log.Error("sweep re-arm failed", logx.String("id", rec.ID), logx.Err(err))
			continue
		}
		rearmed++
	}
	if rearmed > 0 {
		s.log.Info("sweep re-armed due schedules", logx.Int("count", rearmed))
	}
}
