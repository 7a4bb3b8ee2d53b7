package syncx

import (
	"context"
	"errors"
	"time"

	"github.com/Swappnil85/Drishti-V2-sub002/internal/common"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/logging"
)

// Scheduler runs sync cycles on an interval as a cancellable background
// task. Transport failures stretch the next attempt with exponential
// backoff; success resets it.
type Scheduler struct {
	manager  *Manager
	log      logging.Logger
	interval time.Duration

	trigger chan struct{}
}

// NewScheduler constructs a scheduler around the sync manager.
func NewScheduler(manager *Manager, log logging.Logger, interval time.Duration) *Scheduler {
	return &Scheduler{
		manager:  manager,
		log:      log,
		interval: interval,
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger requests an immediate cycle. Coalesces when one is already
// queued.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run loops until ctx is cancelled. Cancellation takes effect between
// cycles; an in-progress cycle stops at its next entity boundary.
func (s *Scheduler) Run(ctx context.Context) {
	backoff := s.interval
	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		triggered := false
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-s.trigger:
			triggered = true
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		var (
			status Status
			err    error
		)
		if triggered {
			// Triggered cycles are opportunistic: when a rotation holds the
			// slot they skip instead of queueing behind it.
			var ran bool
			status, ran, err = s.manager.RunCycleIfIdle(ctx)
			if !ran {
				timer.Reset(backoff)
				continue
			}
		} else {
			status, err = s.manager.RunCycle(ctx)
		}
		switch {
		case err == nil:
			backoff = s.interval
		case errors.Is(err, context.Canceled):
			return
		case errors.Is(err, common.ErrSyncInProgress):
			// Another trigger raced; keep the regular cadence.
		case status.Retryable:
			backoff = min(backoff*2, 10*s.interval)
			s.log.Warn(ctx, "sync failed, backing off", "next_attempt_in", backoff, "error", err)
		default:
			backoff = s.interval
			s.log.Error(ctx, "sync failed", "error", err)
		}

		timer.Reset(backoff)
	}
}
