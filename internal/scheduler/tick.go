package scheduler

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/ppiankov/comicwatch/internal/config"
	"github.com/ppiankov/comicwatch/internal/fsio"
	"github.com/ppiankov/comicwatch/internal/guard"
	"github.com/ppiankov/comicwatch/internal/layout"
	"github.com/ppiankov/comicwatch/internal/observe"
	"github.com/ppiankov/comicwatch/internal/profile"
	"github.com/ppiankov/comicwatch/internal/store"
	"github.com/ppiankov/comicwatch/internal/worker"
)

// Tick runs one bounded scheduling cycle:
//
//  1. apply duplicate decisions
//  2. discover at most one new file
//  3. schedule PREP submissions
//  4. poll PREP jobs
//  5. schedule OCR submissions
//  6. poll OCR jobs and finalize
//  7. check heartbeats
//  8. persist metrics
//
// Every phase is independently resilient: one job's failure is logged and
// the cycle moves on.
func (s *Scheduler) Tick() {
	started := time.Now()
	rt := s.runtime.Snapshot()

	s.step("duplicates", func() { s.applyDuplicateDecisions() })
	s.step("discover", func() { s.discoverOne() })
	s.step("schedule_prep", func() { s.schedulePrep(rt) })
	s.step("poll_prep", func() { s.pollPrep() })
	s.step("schedule_ocr", func() { s.scheduleOcr(rt) })
	s.step("poll_ocr", func() { s.pollOcr() })
	s.step("heartbeats", func() { s.checkHeartbeats(rt) })
	s.step("metrics", func() { s.writeMetrics() })

	observe.ObserveTick(time.Since(started))
	observe.SetJobsInFlight(s.FlightCount())
}

// step converts a panic in one tick phase into a logged error so a single
// job's failure cannot take the loop down.
func (s *Scheduler) step(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("step", name).Errorf("recovered: %v", r)
		}
	}()
	fn()
}

func (s *Scheduler) applyDuplicateDecisions() {
	if n := s.dups.ApplyDecisions(s.index); n > 0 {
		s.log.Infof("applied %d duplicate decision(s)", n)
	}
}

// discoverOne admits at most one new archive per tick. Each candidate is
// claimed by renaming it into staging; a failed rename means another actor
// got there first and is not an error.
func (s *Scheduler) discoverOne() {
	if s.FlightCount() >= s.maxJobsInFlight {
		return
	}
	entries, err := os.ReadDir(s.layout.InDir())
	if err != nil {
		s.log.WithError(err).Warn("scan watch folder failed")
		return
	}

	for _, e := range entries {
		if e.IsDir() || !isArchiveName(e.Name()) {
			continue
		}
		originalName := e.Name()
		src := filepath.Join(s.layout.InDir(), originalName)
		stagingPath := filepath.Join(s.layout.StagingDir(), layout.Stamp(s.now())+"_"+originalName)
		if err := fsio.MoveAtomic(src, stagingPath); err != nil {
			continue
		}

		if !guard.CheckInputSize(stagingPath, s.maxInputSizeMB) {
			s.rejectInput(stagingPath, "input_rejected_size", "file exceeds max input size")
			continue
		}
		if !guard.CheckFileSignature(stagingPath) {
			s.rejectInput(stagingPath, "input_rejected_signature", "not a ZIP or RAR archive")
			continue
		}
		var inputSize int64
		if info, err := os.Stat(stagingPath); err == nil {
			inputSize = info.Size()
		}
		if !guard.CheckDiskSpace(s.layout.WorkDir(), inputSize, s.diskFreeFactor) {
			s.rejectInput(stagingPath, "disk_error", "insufficient free disk space")
			continue
		}

		fileHash, err := fsio.SHA256File(stagingPath)
		if err != nil {
			s.log.WithError(err).Error("hash input failed")
			s.rejectInput(stagingPath, "", "unreadable input")
			continue
		}
		// A forced rerun must get a fresh jobKey even though the bytes are
		// unchanged, so the force marker is folded into the hash.
		if token := forceToken(originalName); token != "" {
			fileHash = profile.SHA256String(fileHash + "__force-" + token)
		}
		profileHash, jobKey, err := profile.MakeJobKey(fileHash, s.profile)
		if err != nil {
			s.log.WithError(err).Error("job key derivation failed")
			s.rejectInput(stagingPath, "", "profile not serializable")
			continue
		}

		if existing := s.index.Jobs[jobKey]; existing != nil {
			if err := s.dups.Quarantine(jobKey, stagingPath, existing, s.profile); err != nil {
				s.log.WithError(err).WithField("jobKey", jobKey).Error("quarantine failed")
			} else {
				s.log.WithField("jobKey", jobKey).Info("duplicate held for decision")
			}
			continue
		}

		inputPath := filepath.Join(s.layout.JobDir(jobKey), originalName)
		if err := fsio.MoveAtomic(stagingPath, inputPath); err != nil {
			s.log.WithError(err).Error("claim input into work dir failed")
			s.rejectInput(stagingPath, "", "work dir not writable")
			continue
		}

		if err := s.store.UpdateState(jobKey, map[string]any{
			"state":       store.StateDiscovered,
			"profile":     s.profile,
			"fileHash":    fileHash,
			"profileHash": profileHash,
			"input":       map[string]any{"name": originalName, "path": inputPath},
		}); err != nil {
			s.log.WithError(err).WithField("jobKey", jobKey).Error("persist discovery failed")
		}
		s.index.Jobs[jobKey] = &store.IndexEntry{
			JobKey:    jobKey,
			State:     store.StateDiscovered,
			InputName: originalName,
			UpdatedAt: store.NowISO(),
		}
		s.saveIndex()
		s.storeFlight(jobKey, Flight{
			Stage:     StageDiscovered,
			InputName: originalName,
			InputPath: inputPath,
		})
		s.metrics.Update("queued")
		s.log.WithFields(logrus.Fields{
			"jobKey": jobKey,
			"input":  originalName,
			"size":   humanize.IBytes(uint64(inputSize)),
		}).Info("job admitted")
		return // one admission per tick
	}
}

// rejectInput moves a staged file to error/ and bumps the given counter
// (empty counter means none applies).
func (s *Scheduler) rejectInput(stagingPath, counter, why string) {
	dst := filepath.Join(s.layout.ErrorDir(), filepath.Base(stagingPath))
	if err := fsio.MoveAtomic(stagingPath, dst); err != nil {
		s.log.WithError(err).Warn("move rejected input failed")
	}
	if counter != "" {
		s.metrics.Update(counter)
	}
	s.log.WithFields(logrus.Fields{"input": filepath.Base(stagingPath), "reason": why}).Warn("input rejected")
}

func (s *Scheduler) schedulePrep(rt config.Values) {
	slots := rt.PrepConcurrency - s.countStage(StagePrepRunning)
	if slots < 0 {
		slots = 0
	}
	for _, k := range s.flightKeys() {
		if slots <= 0 {
			break
		}
		f, ok := s.flight(k)
		if !ok || (f.Stage != StageDiscovered && f.Stage != StagePrepRetry) {
			continue
		}

		if f.AttemptPrep >= s.maxAttemptsPrep {
			s.failJob(k, f, store.StepPrep, "max attempts reached")
			continue
		}

		f.AttemptPrep++
		if err := s.store.UpdateState(k, map[string]any{
			"state":       store.StatePrepSubmitted,
			"step":        store.StepPrep,
			"attempt":     f.AttemptPrep,
			"attemptPrep": f.AttemptPrep,
			"attemptOcr":  f.AttemptOcr,
		}); err != nil {
			s.log.WithError(err).WithField("jobKey", k).Error("persist submission failed")
		}
		if err := s.prep.SubmitPrep(k, f.InputPath); err != nil {
			s.log.WithError(err).WithField("jobKey", k).Warn("prep submit failed")
			if uerr := s.store.UpdateState(k, map[string]any{
				"state": store.StateError, "step": store.StepPrep, "message": err.Error(),
			}); uerr != nil {
				s.log.WithError(uerr).WithField("jobKey", k).Error("persist submit error failed")
			}
			f.Stage = StagePrepRetry
			s.storeFlight(k, f)
			observe.CountOutcome("prep", "retry")
			continue
		}
		f.Stage = StagePrepRunning
		s.storeFlight(k, f)
		s.setIndexState(k, store.StatePrepRunning)
		s.saveIndex()
		s.metrics.Update("running")
		observe.CountSubmission("prep")
		slots--
	}
}

func (s *Scheduler) pollPrep() {
	for _, k := range s.flightKeys() {
		f, ok := s.flight(k)
		if !ok || f.Stage != StagePrepRunning {
			continue
		}
		st, err := s.prep.Poll(k)
		if err != nil {
			// Transient by definition; the next tick asks again.
			s.log.WithError(err).WithField("jobKey", k).Debug("prep poll failed")
			continue
		}
		switch st.State {
		case worker.StateDone:
			rawPdf := st.Artifacts["rawPdf"]
			if rawPdf == "" {
				rawPdf = s.layout.RawPDFPath(k)
			}
			if err := s.store.UpdateState(k, map[string]any{
				"state": store.StatePrepDone, "step": store.StepPrep, "rawPdf": rawPdf,
			}); err != nil {
				s.log.WithError(err).WithField("jobKey", k).Error("persist prep result failed")
			}
			f.RawPdf = rawPdf
			f.Stage = StagePrepDone
			s.storeFlight(k, f)
			s.setIndexState(k, store.StatePrepDone)
			s.saveIndex()
			observe.CountOutcome("prep", "done")
		case worker.StateError:
			if err := s.store.UpdateState(k, map[string]any{
				"state": store.StatePrepError, "step": store.StepPrep, "message": st.Message,
			}); err != nil {
				s.log.WithError(err).WithField("jobKey", k).Error("persist prep error failed")
			}
			f.Stage = StagePrepRetry
			s.storeFlight(k, f)
			observe.CountOutcome("prep", "retry")
		}
	}
}

func (s *Scheduler) scheduleOcr(rt config.Values) {
	slots := rt.OcrConcurrency - s.countStage(StageOcrRunning)
	if slots < 0 {
		slots = 0
	}
	for _, k := range s.flightKeys() {
		if slots <= 0 {
			break
		}
		f, ok := s.flight(k)
		if !ok || (f.Stage != StagePrepDone && f.Stage != StageOcrRetry) {
			continue
		}

		if f.AttemptOcr >= s.maxAttemptsOcr {
			s.failJob(k, f, store.StepOcr, "max attempts reached")
			continue
		}

		f.AttemptOcr++
		rawPdf := f.RawPdf
		if rawPdf == "" {
			rawPdf = s.layout.RawPDFPath(k)
		}
		if err := s.store.UpdateState(k, map[string]any{
			"state":       store.StateOcrSubmitted,
			"step":        store.StepOcr,
			"attempt":     f.AttemptOcr,
			"attemptPrep": f.AttemptPrep,
			"attemptOcr":  f.AttemptOcr,
			"rawPdf":      rawPdf,
		}); err != nil {
			s.log.WithError(err).WithField("jobKey", k).Error("persist submission failed")
		}
		if err := s.ocr.SubmitOcr(k, rawPdf, rt.DefaultOcrLang); err != nil {
			s.log.WithError(err).WithField("jobKey", k).Warn("ocr submit failed")
			if uerr := s.store.UpdateState(k, map[string]any{
				"state": store.StateError, "step": store.StepOcr, "message": err.Error(),
			}); uerr != nil {
				s.log.WithError(uerr).WithField("jobKey", k).Error("persist submit error failed")
			}
			f.Stage = StageOcrRetry
			s.storeFlight(k, f)
			observe.CountOutcome("ocr", "retry")
			continue
		}
		f.Stage = StageOcrRunning
		s.storeFlight(k, f)
		s.setIndexState(k, store.StateOcrRunning)
		s.saveIndex()
		observe.CountSubmission("ocr")
		slots--
	}
}

func (s *Scheduler) pollOcr() {
	for _, k := range s.flightKeys() {
		f, ok := s.flight(k)
		if !ok || f.Stage != StageOcrRunning {
			continue
		}
		st, err := s.ocr.Poll(k)
		if err != nil {
			s.log.WithError(err).WithField("jobKey", k).Debug("ocr poll failed")
			continue
		}
		switch st.State {
		case worker.StateDone:
			s.finalize(k, f, st)
		case worker.StateError:
			if err := s.store.UpdateState(k, map[string]any{
				"state": store.StateOcrError, "step": store.StepOcr, "message": st.Message,
			}); err != nil {
				s.log.WithError(err).WithField("jobKey", k).Error("persist ocr error failed")
			}
			f.Stage = StageOcrRetry
			s.storeFlight(k, f)
			observe.CountOutcome("ocr", "retry")
		}
	}
}

// finalize validates the final PDF, publishes it under out/, archives the
// input, and drops the job from the in-flight set.
func (s *Scheduler) finalize(k string, f Flight, st worker.Status) {
	finalPdf := st.Artifacts["finalPdf"]
	if finalPdf == "" {
		finalPdf = s.layout.FinalPDFPath(k)
	}

	if !guard.ValidatePDF(finalPdf, s.minPdfSizeBytes) {
		s.log.WithField("jobKey", k).Error("final pdf invalid")
		if err := s.store.UpdateState(k, map[string]any{
			"state": store.StateOcrError, "step": store.StepOcr, "message": "pdf_invalid",
		}); err != nil {
			s.log.WithError(err).WithField("jobKey", k).Error("persist pdf error failed")
		}
		f.Stage = StageOcrRetry
		s.storeFlight(k, f)
		s.metrics.Update("pdf_invalid")
		observe.CountOutcome("ocr", "pdf_invalid")
		return
	}

	outPdf := s.layout.OutputPathFor(f.InputName, k)
	if err := fsio.MoveAtomic(finalPdf, outPdf); err != nil {
		// The artifact stays put and the job stays OCR_RUNNING; the next
		// poll sees DONE again and retries the publish.
		s.log.WithError(err).WithField("jobKey", k).Error("publish final pdf failed")
		return
	}

	if err := s.store.UpdateState(k, map[string]any{
		"state": store.StateDone, "step": store.StepOcr, "finalPdf": outPdf,
	}); err != nil {
		s.log.WithError(err).WithField("jobKey", k).Error("persist done failed")
	}
	if e := s.index.Jobs[k]; e != nil {
		e.State = store.StateDone
		e.OutPdf = &outPdf
		e.UpdatedAt = store.NowISO()
	}
	s.saveIndex()

	if s.keepWorkDirDays == 0 {
		_ = os.RemoveAll(s.layout.JobDir(k))
	}
	if err := fsio.MoveAtomic(f.InputPath, filepath.Join(s.layout.ArchiveDir(), filepath.Base(f.InputPath))); err != nil {
		s.log.WithError(err).WithField("jobKey", k).Debug("archive input failed")
	}
	s.removeFlight(k)
	s.metrics.Update("done")
	observe.CountOutcome("ocr", "done")
	s.log.WithFields(logrus.Fields{"jobKey": k, "outPdf": outPdf}).Info("job done")
}

// failJob retires a job that exhausted its attempts for the given step.
// A PREP failure moves the input to error/ for inspection; an OCR failure
// leaves it in the work dir, where the raw artifacts give more context.
func (s *Scheduler) failJob(k string, f Flight, step, message string) {
	if err := s.store.UpdateState(k, map[string]any{
		"state": store.StateError, "step": step, "message": message,
	}); err != nil {
		s.log.WithError(err).WithField("jobKey", k).Error("persist failure failed")
	}
	indexState := store.StateErrorOcr
	stage := "ocr"
	if step == store.StepPrep {
		indexState = store.StateErrorPrep
		stage = "prep"
	}
	s.setIndexState(k, indexState)
	s.saveIndex()
	if step == store.StepPrep {
		dst := filepath.Join(s.layout.ErrorDir(), filepath.Base(f.InputPath))
		if err := fsio.MoveAtomic(f.InputPath, dst); err != nil {
			s.log.WithError(err).WithField("jobKey", k).Debug("move failed input failed")
		}
	}
	s.removeFlight(k)
	s.metrics.Update("error")
	observe.CountOutcome(stage, "error")
	s.log.WithFields(logrus.Fields{"jobKey": k, "step": step}).Error("job failed permanently")
}

func (s *Scheduler) writeMetrics() {
	if err := s.metrics.Write(s.layout.IndexDir()); err != nil {
		s.log.WithError(err).Error("persist metrics failed")
	}
}

// isArchiveName reports whether name is a comic archive the pipeline
// accepts. Partial uploads (.part) fail the suffix check by construction.
func isArchiveName(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".cbz") || strings.HasSuffix(lower, ".cbr")
}

// forceToken extracts the nonce from a "__force-<nonce>" rename marker,
// "" when the name carries none.
func forceToken(name string) string {
	base := layout.BaseName(name)
	i := strings.LastIndex(base, "__force-")
	if i < 0 {
		return ""
	}
	return base[i+len("__force-"):]
}
