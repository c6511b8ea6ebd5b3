package scheduler

import (
	"fmt"
	"os"
	"time"

	"github.com/ppiankov/comicwatch/internal/config"
	"github.com/ppiankov/comicwatch/internal/observe"
	"github.com/ppiankov/comicwatch/internal/store"
)

// IsHeartbeatStale reports whether a worker heartbeat file is too old.
//
// A present file is stale once its modification time is strictly more than
// timeout in the past. An absent file has no age to measure, so it only
// counts as stale when absentTimeout is zero; callers pass a positive
// absentTimeout to tolerate the window between submission and the worker's
// first touch.
func IsHeartbeatStale(path string, timeout, absentTimeout time.Duration, now time.Time) bool {
	info, err := os.Stat(path)
	if err != nil {
		return absentTimeout == 0
	}
	return now.Sub(info.ModTime()) > timeout
}

// checkHeartbeats demotes running jobs whose heartbeat went stale back to
// their retry stage. Attempt limits are not enforced here; the next
// scheduling pass retires exhausted jobs.
func (s *Scheduler) checkHeartbeats(rt config.Values) {
	timeout := time.Duration(rt.JobTimeoutS) * time.Second
	absent := 2 * timeout
	now := s.now()

	for _, k := range s.flightKeys() {
		f, ok := s.flight(k)
		if !ok {
			continue
		}
		switch f.Stage {
		case StagePrepRunning:
			if IsHeartbeatStale(s.layout.PrepHeartbeat(k), timeout, absent, now) {
				s.demoteStale(k, f, store.StatePrepTimeout, StagePrepRetry, "prep", rt.JobTimeoutS)
			}
		case StageOcrRunning:
			if IsHeartbeatStale(s.layout.OcrHeartbeat(k), timeout, absent, now) {
				s.demoteStale(k, f, store.StateOcrTimeout, StageOcrRetry, "ocr", rt.JobTimeoutS)
			}
		}
	}
}

func (s *Scheduler) demoteStale(k string, f Flight, state, stage, workerName string, timeoutS int) {
	if err := s.store.UpdateState(k, map[string]any{
		"state":   state,
		"message": fmt.Sprintf("heartbeat stale after %ds", timeoutS),
	}); err != nil {
		s.log.WithError(err).WithField("jobKey", k).Error("persist timeout failed")
	}
	f.Stage = stage
	s.storeFlight(k, f)
	observe.CountOutcome(workerName, "timeout")
	s.log.WithField("jobKey", k).Warnf("%s heartbeat stale, will retry", workerName)
}
