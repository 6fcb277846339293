// Package squareoff runs the periodic sweep that force-closes overdue
// leveraged positions. One Scheduler instance serves one ledger; the
// primary and event ledgers each run their own.
package squareoff

import (
	"context"
	"time"

	"papertrade/internal/ledger"
	"papertrade/internal/metrics"
	"papertrade/internal/types"

	"go.uber.org/zap"
)

// MaxAttempts caps retries of a failed square-off. Beyond it the position
// stays FAILED for manual intervention; it is never silently dropped.
const MaxAttempts = 5

const sweepBatch = 500

// staleClaim is how long a position may sit IN_PROGRESS before the sweep
// treats the claim as dead (closer crashed or was cancelled mid-close) and
// resets it to FAILED for retry accounting.
const staleClaim = 10 * time.Minute

// Closer is the forced-sell path, implemented by the engine.
type Closer interface {
	ForceClose(ctx context.Context, positionID string) error
}

// Scheduler is an explicit, injectable service with its own lifecycle —
// no process-wide cron state. The sweep loop is sequential, so a sweep can
// never overlap itself.
type Scheduler struct {
	store    ledger.Store
	closer   Closer
	interval time.Duration
	log      *zap.Logger
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func New(store ledger.Store, closer Closer, interval time.Duration, log *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		store:    store,
		closer:   closer,
		interval: interval,
		log:      log,
		now:      time.Now,
	}
}

func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx)
	s.log.Info("square-off scheduler started",
		zap.String("ledger", s.store.Name()),
		zap.Duration("interval", s.interval))
}

func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.log.Info("square-off scheduler stopped", zap.String("ledger", s.store.Name()))
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

type Stats struct {
	Due       int
	Closed    int
	Failed    int
	Skipped   int
	Recovered int
}

// Sweep claims and force-closes every due position. One position's failure
// is recorded on that position and never blocks the rest of the sweep.
// Stale IN_PROGRESS claims from a crashed closer are reset to FAILED first,
// so they re-enter the due set instead of being orphaned.
func (s *Scheduler) Sweep(ctx context.Context) Stats {
	start := s.now()
	var st Stats

	st.Recovered = s.recoverStale(ctx)

	due, err := s.store.ListDueSquareOffs(ctx, start, MaxAttempts, sweepBatch)
	if err != nil {
		s.log.Error("square-off sweep query failed",
			zap.String("ledger", s.store.Name()), zap.Error(err))
		return st
	}
	st.Due = len(due)

	for _, pos := range due {
		claimed, err := s.claim(ctx, pos.ID)
		if err != nil {
			st.Failed++
			s.log.Error("square-off claim failed",
				zap.String("position_id", pos.ID), zap.Error(err))
			continue
		}
		if !claimed {
			st.Skipped++
			continue
		}

		if err := s.closer.ForceClose(ctx, pos.ID); err != nil {
			st.Failed++
			metrics.SquareOffsTotal.WithLabelValues(s.store.Name(), "failed").Inc()
			s.log.Error("square-off failed",
				zap.String("ledger", s.store.Name()),
				zap.String("position_id", pos.ID),
				zap.Error(err))
			s.markFailed(ctx, pos.ID, err)
			continue
		}
		st.Closed++
		metrics.SquareOffsTotal.WithLabelValues(s.store.Name(), "completed").Inc()
	}

	metrics.SweepDuration.WithLabelValues(s.store.Name()).Observe(s.now().Sub(start).Seconds())
	if st.Due > 0 {
		s.log.Info("square-off sweep finished",
			zap.String("ledger", s.store.Name()),
			zap.Int("due", st.Due), zap.Int("closed", st.Closed),
			zap.Int("failed", st.Failed), zap.Int("skipped", st.Skipped))
	}
	return st
}

// recoverStale flips positions stuck IN_PROGRESS past the staleClaim window
// back to FAILED. The attempt counter was already incremented when they were
// claimed, so retry accounting stays correct; once attempts hit the cap the
// position stays FAILED for manual intervention.
func (s *Scheduler) recoverStale(ctx context.Context) int {
	cutoff := s.now().Add(-staleClaim)
	stale, err := s.store.ListStaleSquareOffs(ctx, cutoff, sweepBatch)
	if err != nil {
		s.log.Error("stale square-off query failed",
			zap.String("ledger", s.store.Name()), zap.Error(err))
		return 0
	}
	recovered := 0
	for _, pos := range stale {
		flipped := false
		err := s.store.InTx(ctx, func(tx ledger.Tx) error {
			p, err := tx.PositionForUpdate(ctx, pos.ID)
			if err != nil {
				return err
			}
			if p.SquareOffStatus != types.SquareOffInProgress || p.UpdatedAt.After(cutoff) {
				return nil
			}
			p.SquareOffStatus = types.SquareOffFailed
			p.SquareOffError = "square-off interrupted before completion"
			if err := tx.UpdatePosition(ctx, p); err != nil {
				return err
			}
			flipped = true
			return nil
		})
		if err != nil {
			s.log.Error("stale square-off recovery failed",
				zap.String("position_id", pos.ID), zap.Error(err))
			continue
		}
		if flipped {
			recovered++
			s.log.Warn("recovered stale square-off claim",
				zap.String("ledger", s.store.Name()),
				zap.String("position_id", pos.ID),
				zap.Int("attempts", pos.SquareOffAttempts))
		}
	}
	return recovered
}

// claim re-checks eligibility under the row lock and transitions the
// position to IN_PROGRESS, incrementing its attempt counter. Returns false
// when the position is no longer due — a completed or concurrently claimed
// position makes the sweep a no-op for it.
func (s *Scheduler) claim(ctx context.Context, positionID string) (bool, error) {
	claimed := false
	err := s.store.InTx(ctx, func(tx ledger.Tx) error {
		pos, err := tx.PositionForUpdate(ctx, positionID)
		if err != nil {
			return err
		}
		if !pos.IsOpen || pos.Qty <= 0 || pos.SquareOffAt == nil || pos.SquareOffAt.After(s.now()) {
			return nil
		}
		eligible := pos.SquareOffStatus == types.SquareOffPending ||
			(pos.SquareOffStatus == types.SquareOffFailed && pos.SquareOffAttempts < MaxAttempts)
		if !eligible {
			return nil
		}
		pos.SquareOffStatus = types.SquareOffInProgress
		pos.SquareOffAttempts++
		if err := tx.UpdatePosition(ctx, pos); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	return claimed, err
}

func (s *Scheduler) markFailed(ctx context.Context, positionID string, cause error) {
	err := s.store.InTx(ctx, func(tx ledger.Tx) error {
		pos, err := tx.PositionForUpdate(ctx, positionID)
		if err != nil {
			return err
		}
		pos.SquareOffStatus = types.SquareOffFailed
		pos.SquareOffError = cause.Error()
		return tx.UpdatePosition(ctx, pos)
	})
	if err != nil {
		s.log.Error("recording square-off failure failed",
			zap.String("position_id", positionID), zap.Error(err))
	}
}
