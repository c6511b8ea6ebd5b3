package scheduler

import (
	"context"
	"time"
)

// Run recovers interrupted jobs and then drives the tick loop until ctx is
// cancelled. wake may be nil; when it delivers, the next tick starts
// without waiting out the poll interval.
func (s *Scheduler) Run(ctx context.Context, wake <-chan struct{}) error {
	if err := s.layout.EnsureLayout(); err != nil {
		return err
	}
	s.Recover()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	var janitorLast time.Time
	for {
		// Directories may disappear under a live orchestrator (operator
		// cleanup, remounts); recreate them before every pass.
		if err := s.layout.EnsureLayout(); err != nil {
			s.log.WithError(err).Error("ensure layout failed")
		}
		s.Tick()

		if now := time.Now(); now.Sub(janitorLast) > janitorInterval {
			s.runJanitor()
			janitorLast = now
		}

		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		case <-wake:
		}
	}
}
