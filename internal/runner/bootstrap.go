package runner

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"tickbot/internal/schedule"
	logx "tickbot/pkg/logx"
)

// Bootstrap re-arms every active schedule after a restart. It must complete
// before updates are served so that list/edit handlers see live handles.
//
// Registrations are paced with a token bucket, and records already overdue
// get a random delay so a large backlog does not fire as one thundering
// herd. A record that fails to register is logged and skipped; recovery of
// the rest proceeds.
func (s *Service) Bootstrap(ctx context.Context) error {
	started := time.Now()
	recs, err := s.store.ListActive(ctx)
	if err != nil {
		return err
	}

	lim := rate.NewLimiter(rate.Limit(s.cfg.BootstrapRate), s.cfg.BootstrapRate)
	now := time.Now().UTC()
	registered, expired, failed := 0, 0, 0

	for _, rec := range recs {
		if err := lim.Wait(ctx); err != nil {
			return err
		}

		if rec.NextRunAt == nil {
			// Older rows may predate the denormalized column; recompute.
			next, ok := schedule.NextOccurrence(rec.Anchor, rec.Repeat, now)
			if !ok {
				rec.Active = false
				rec.JobHandle = ""
				if err := s.store.Put(ctx, rec); err != nil {
					s.log.Error("expired schedule not finalized", logx.String("id", rec.ID), logx.Err(err))
					failed++
					continue
				}
				expired++
				continue
			}
			rec.NextRunAt = &next
		}

		if err := s.register(ctx, rec, s.cfg.BootstrapJitter); err != nil {
			s.log.Error("schedule not recovered", logx.String("id", rec.ID), logx.Err(err))
			failed++
			continue
		}
		registered++
	}

	s.log.Info("bootstrap finished",
		logx.Int("registered", registered),
		logx.Int("expired", expired),
		logx.Int("failed", failed),
		logx.Duration("took", time.Since(started)))
	return nil
}
