package poller

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/argus-sec/argus/internal/telemetry"
)

// Scheduler fires the poller on a fixed cadence. Ticks never overlap: when
// a run is still going at the next tick, the tick is skipped and the
// overrun is observable in logs and metrics.
type Scheduler struct {
	poller      *Poller
	interval    time.Duration
	tickTimeout time.Duration // 0 disables the tick-wide deadline
	running     atomic.Bool
}

// NewScheduler builds a scheduler around a poller. interval must be
// positive; tickTimeout of zero disables the per-tick deadline.
func NewScheduler(p *Poller, interval, tickTimeout time.Duration) *Scheduler {
	return &Scheduler{
		poller:      p,
		interval:    interval,
		tickTimeout: tickTimeout,
	}
}

// Running reports whether a run is currently in flight.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start runs the schedule loop until ctx is cancelled. The first run fires
// immediately.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Dur("interval", s.interval).Msg("Scheduler started")

	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		telemetry.TicksSkipped.Inc()
		log.Warn().Msg("Previous run still in progress, skipping tick")
		return
	}
	defer s.running.Store(false)

	runCtx := ctx
	if s.tickTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.tickTimeout)
		defer cancel()
	}

	if err := s.poller.Run(runCtx); err != nil {
		log.Error().Err(err).Msg("Polling run failed")
	}
}
