package scheduler

import (
	"path/filepath"
	"sort"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/ppiankov/comicwatch/internal/store"
)

// Recover re-adopts jobs that were running when the previous orchestrator
// stopped. The index is the source of truth: only PREP_RUNNING and
// OCR_RUNNING entries are considered, work/ is never scanned. Each job's
// state.json supplies the real attempt counts and input path; when it is
// absent or corrupt the interrupted run counts as one attempt and the
// input path falls back to work/<jobKey>/<inputName>. Jobs already at
// their attempt limit go straight to ERROR instead of being retried.
// Returns the number of jobs put back in flight.
func (s *Scheduler) Recover() int {
	recovered := 0
	for _, k := range indexKeys(s.index) {
		entry := s.index.Jobs[k]
		if entry.State != store.StatePrepRunning && entry.State != store.StateOcrRunning {
			continue
		}
		inputName := entry.InputName
		if inputName == "" {
			inputName = "unknown"
		}

		var attemptPrep, attemptOcr int
		inputPath := filepath.Join(s.layout.JobDir(k), inputName)
		doc, ok, _ := s.store.ReadState(k)
		if ok {
			attemptPrep = docInt(doc, "attemptPrep", 1)
			attemptOcr = docInt(doc, "attemptOcr", 0)
			if input, _ := doc["input"].(map[string]any); input != nil {
				if p, _ := input["path"].(string); p != "" {
					inputPath = p
				}
			}
		} else {
			// The interrupted run counts as one attempt.
			if entry.State == store.StatePrepRunning {
				attemptPrep, attemptOcr = 1, 0
			} else {
				attemptPrep, attemptOcr = 0, 1
			}
		}

		f := Flight{
			InputName:   inputName,
			InputPath:   inputPath,
			AttemptPrep: attemptPrep,
			AttemptOcr:  attemptOcr,
		}
		if entry.State == store.StatePrepRunning {
			if attemptPrep >= s.maxAttemptsPrep {
				s.retireAfterRestart(k, store.StepPrep, store.StateErrorPrep)
				continue
			}
			f.Stage = StagePrepRetry
		} else {
			if attemptOcr >= s.maxAttemptsOcr {
				s.retireAfterRestart(k, store.StepOcr, store.StateErrorOcr)
				continue
			}
			f.Stage = StageOcrRetry
			f.RawPdf = s.layout.RawPDFPath(k)
			if ok {
				if raw, _ := doc["rawPdf"].(string); raw != "" {
					f.RawPdf = raw
				}
			}
		}

		s.storeFlight(k, f)
		s.log.WithFields(logrus.Fields{
			"jobKey":      k,
			"stage":       f.Stage,
			"attemptPrep": attemptPrep,
			"attemptOcr":  attemptOcr,
		}).Info("recovered job")
		recovered++
	}

	if recovered > 0 {
		s.log.Infof("recovered %d job(s) after restart", recovered)
	}
	return recovered
}

func (s *Scheduler) retireAfterRestart(k, step, indexState string) {
	s.log.WithFields(logrus.Fields{"jobKey": k, "step": step}).Warn("attempt limit reached before restart")
	if err := s.store.UpdateState(k, map[string]any{
		"state":   store.StateError,
		"step":    step,
		"message": "max_attempts_after_restart",
	}); err != nil {
		s.log.WithError(err).WithField("jobKey", k).Error("persist failure failed")
	}
	s.setIndexState(k, indexState)
	s.saveIndex()
}

func indexKeys(idx *store.Index) []string {
	keys := make([]string, 0, len(idx.Jobs))
	for k := range idx.Jobs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// docInt reads an integer field from a decoded state document. A zero,
// missing, or unparseable value yields def, matching how interrupted runs
// are counted.
func docInt(doc map[string]any, key string, def int) int {
	n := 0
	switch v := doc[key].(type) {
	case float64:
		n = int(v)
	case int:
		n = v
	case string:
		if p, err := strconv.Atoi(v); err == nil {
			n = p
		}
	default:
		return def
	}
	if n == 0 {
		return def
	}
	return n
}
