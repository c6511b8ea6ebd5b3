package scheduler

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ppiankov/comicwatch/internal/config"
	"github.com/ppiankov/comicwatch/internal/fsio"
	"github.com/ppiankov/comicwatch/internal/layout"
	"github.com/ppiankov/comicwatch/internal/logging"
	"github.com/ppiankov/comicwatch/internal/profile"
	"github.com/ppiankov/comicwatch/internal/store"
	"github.com/ppiankov/comicwatch/internal/worker"
)

// fakeWorker stands in for a stage service. A submission matures after
// pollsToDone polls and then reports DONE, writing the artifact where the
// real worker would.
type fakeWorker struct {
	t           *testing.T
	lay         layout.Layout
	stage       string
	pollsToDone int
	submitErrs  int            // first N submissions are refused
	failRuns    map[string]int // jobKey -> runs that end in ERROR
	badPdf      bool           // ocr only: produce an invalid final pdf

	pending   map[string]int
	submits   int
	active    int
	maxActive int
	langs     []string
}

func newFakeWorker(t *testing.T, lay layout.Layout, stage string) *fakeWorker {
	return &fakeWorker{
		t: t, lay: lay, stage: stage, pollsToDone: 1,
		pending: map[string]int{}, failRuns: map[string]int{},
	}
}

func (w *fakeWorker) start(jobKey string) error {
	if w.submitErrs > 0 {
		w.submitErrs--
		return errors.New("service unavailable")
	}
	w.submits++
	w.active++
	if w.active > w.maxActive {
		w.maxActive = w.active
	}
	w.pending[jobKey] = w.pollsToDone
	return nil
}

func (w *fakeWorker) SubmitPrep(jobKey, inputPath string) error {
	if inputPath == "" {
		w.t.Errorf("SubmitPrep(%s): empty inputPath", jobKey)
	}
	return w.start(jobKey)
}

func (w *fakeWorker) SubmitOcr(jobKey, rawPdf, lang string) error {
	if rawPdf == "" {
		w.t.Errorf("SubmitOcr(%s): empty rawPdf", jobKey)
	}
	w.langs = append(w.langs, lang)
	return w.start(jobKey)
}

func (w *fakeWorker) Poll(jobKey string) (worker.Status, error) {
	n, ok := w.pending[jobKey]
	if !ok {
		return worker.Status{}, errors.New("unknown job")
	}
	if n > 1 {
		w.pending[jobKey] = n - 1
		return worker.Status{State: worker.StateRunning}, nil
	}
	delete(w.pending, jobKey)
	w.active--
	if w.failRuns[jobKey] > 0 {
		w.failRuns[jobKey]--
		return worker.Status{State: worker.StateError, Message: "boom"}, nil
	}
	if w.stage == "prep" {
		raw := w.lay.RawPDFPath(jobKey)
		writePdf(w.t, raw, false)
		return worker.Status{State: worker.StateDone, Artifacts: map[string]string{"rawPdf": raw}}, nil
	}
	final := w.lay.FinalPDFPath(jobKey)
	writePdf(w.t, final, w.badPdf)
	return worker.Status{State: worker.StateDone, Artifacts: map[string]string{"finalPdf": final}}, nil
}

type env struct {
	t    *testing.T
	lay  layout.Layout
	s    *Scheduler
	prep *fakeWorker
	ocr  *fakeWorker
	met  *store.Metrics
	prof profile.Profile
}

func newEnv(t *testing.T, mut func(*config.Settings)) *env {
	t.Helper()
	set := config.Default()
	set.DataDir = t.TempDir()
	set.PrepConcurrency = 2
	set.OcrConcurrency = 1
	set.MaxJobsInFlight = 3
	if mut != nil {
		mut(&set)
	}

	lay := layout.New(set.DataDir)
	if err := lay.EnsureLayout(); err != nil {
		t.Fatal(err)
	}
	st := store.New(lay, nil)
	met := store.NewMetrics()
	prof := profile.Canonical(
		map[string]string{"prep-service": "1.0"},
		map[string]string{"ocr-service": "1.0"},
		set.OcrLang,
	)
	prep := newFakeWorker(t, lay, "prep")
	ocr := newFakeWorker(t, lay, "ocr")

	s, err := New(Config{
		Layout:          lay,
		Store:           st,
		Metrics:         met,
		Runtime:         config.NewRuntime(set),
		Prep:            prep,
		Ocr:             ocr,
		Profile:         prof,
		MaxJobsInFlight: set.MaxJobsInFlight,
		MaxAttemptsPrep: set.MaxAttemptsPrep,
		MaxAttemptsOcr:  set.MaxAttemptsOcr,
		KeepWorkDirDays: set.KeepWorkDirDays,
		MinPdfSizeBytes: set.MinPdfSizeBytes,
		DiskFreeFactor:  set.DiskFreeFactor,
		MaxInputSizeMB:  set.MaxInputSizeMB,
		Log:             logging.NewNop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return &env{t: t, lay: lay, s: s, prep: prep, ocr: ocr, met: met, prof: prof}
}

// dropArchive places a synthetic CBZ in the watch folder and returns its
// content for job key derivation.
func (e *env) dropArchive(name string, seed byte) []byte {
	e.t.Helper()
	content := append([]byte{0x50, 0x4B, 0x03, 0x04}, bytes.Repeat([]byte{seed}, 64)...)
	if err := os.WriteFile(filepath.Join(e.lay.InDir(), name), content, 0o644); err != nil {
		e.t.Fatal(err)
	}
	return content
}

func (e *env) jobKeyFor(content []byte, forceNonce string) string {
	e.t.Helper()
	fileHash := profile.SHA256String(string(content))
	if forceNonce != "" {
		fileHash = profile.SHA256String(fileHash + "__force-" + forceNonce)
	}
	_, key, err := profile.MakeJobKey(fileHash, e.prof)
	if err != nil {
		e.t.Fatal(err)
	}
	return key
}

// runUntilDone ticks until the done counter reaches want, failing after
// maxTicks.
func (e *env) runUntilDone(want int64, maxTicks int) {
	e.t.Helper()
	for i := 0; i < maxTicks; i++ {
		e.s.Tick()
		if e.met.Get("done") >= want {
			return
		}
	}
	e.t.Fatalf("done=%d after %d ticks, want %d", e.met.Get("done"), maxTicks, want)
}

func writePdf(t *testing.T, path string, invalid bool) {
	t.Helper()
	if err := fsio.EnsureDir(filepath.Dir(path)); err != nil {
		t.Fatal(err)
	}
	data := append([]byte("%PDF-1.4\n"), bytes.Repeat([]byte{'x'}, 2048)...)
	if invalid {
		data = []byte("mangled")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func listNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestPipelineDrainsTenJobs(t *testing.T) {
	e := newEnv(t, nil)
	e.prep.pollsToDone = 3
	e.ocr.pollsToDone = 3
	for i := 0; i < 10; i++ {
		e.dropArchive(string(rune('a'+i))+".cbz", byte(i))
	}

	for i := 0; i < 60; i++ {
		e.s.Tick()
		if n := e.s.FlightCount(); n > 3 {
			t.Fatalf("tick %d: %d jobs in flight, cap is 3", i, n)
		}
		if e.met.Get("done") == 10 {
			break
		}
	}

	if got := e.met.Get("done"); got != 10 {
		t.Fatalf("done = %d, want 10", got)
	}
	if got := e.met.Get("queued"); got != 10 {
		t.Errorf("queued = %d, want 10", got)
	}
	if got := e.met.Get("error"); got != 0 {
		t.Errorf("error = %d, want 0", got)
	}
	if e.prep.maxActive > 2 {
		t.Errorf("prep concurrency peaked at %d, cap is 2", e.prep.maxActive)
	}
	if e.ocr.maxActive > 1 {
		t.Errorf("ocr concurrency peaked at %d, cap is 1", e.ocr.maxActive)
	}
	if got := len(listNames(t, e.lay.OutDir())); got != 10 {
		t.Errorf("out dir holds %d files, want 10", got)
	}
	if got := len(listNames(t, e.lay.ArchiveDir())); got != 10 {
		t.Errorf("archive dir holds %d files, want 10", got)
	}
	if got := len(listNames(t, e.lay.InDir())); got != 0 {
		t.Errorf("watch folder still holds %d files", got)
	}
	for _, lang := range e.ocr.langs {
		if lang != "fra+eng" {
			t.Fatalf("ocr submitted with lang %q", lang)
		}
	}
	for k, entry := range e.s.index.Jobs {
		if entry.State != store.StateDone {
			t.Errorf("index entry %s = %s, want DONE", k, entry.State)
		}
		if entry.OutPdf == nil {
			t.Errorf("index entry %s has no outPdf", k)
		}
	}
}

func TestDuplicateInputIsQuarantined(t *testing.T) {
	e := newEnv(t, nil)
	content := e.dropArchive("vol1.cbz", 7)
	key := e.jobKeyFor(content, "")
	out := e.lay.OutputPathFor("vol1.cbz", key)
	e.s.index.Jobs[key] = &store.IndexEntry{
		JobKey: key, State: store.StateDone, InputName: "vol1.cbz", OutPdf: &out,
	}

	e.s.Tick()

	if n := e.s.FlightCount(); n != 0 {
		t.Fatalf("duplicate was admitted, %d in flight", n)
	}
	held := listNames(t, e.lay.HoldDir(key))
	var archives, statuses int
	for _, name := range held {
		switch {
		case name == "status.json":
			statuses++
		case filepath.Ext(name) == ".cbz":
			archives++
		}
	}
	if archives != 1 || statuses != 1 {
		t.Fatalf("hold dir = %v, want one archive and one status.json", held)
	}
	if _, err := os.Stat(e.lay.ReportPath(key)); err != nil {
		t.Fatalf("duplicate report missing: %v", err)
	}
	doc, ok, reason := fsio.SafeLoadJSON(filepath.Join(e.lay.HoldDir(key), "status.json"))
	if !ok {
		t.Fatalf("status.json unreadable: %s", reason)
	}
	if doc["state"] != store.StateDuplicatePending {
		t.Fatalf("status state = %v, want %s", doc["state"], store.StateDuplicatePending)
	}
	if got := len(listNames(t, e.lay.InDir())); got != 0 {
		t.Errorf("watch folder still holds %d files", got)
	}
}

func TestForceMarkerCreatesFreshJob(t *testing.T) {
	e := newEnv(t, nil)
	content := e.dropArchive("vol1.cbz", 9)
	key1 := e.jobKeyFor(content, "")
	e.runUntilDone(1, 20)

	// Same bytes under a force marker must run again under a new key.
	if err := os.WriteFile(filepath.Join(e.lay.InDir(), "vol1__force-cafe1234.cbz"), content, 0o644); err != nil {
		t.Fatal(err)
	}
	e.runUntilDone(2, 20)

	key2 := e.jobKeyFor(content, "cafe1234")
	if key1 == key2 {
		t.Fatal("force marker did not change the job key")
	}
	entry := e.s.index.Jobs[key2]
	if entry == nil || entry.State != store.StateDone {
		t.Fatalf("forced job entry = %+v, want DONE", entry)
	}
	if entry.OutPdf == nil {
		t.Fatal("forced job has no outPdf")
	}
	if _, err := os.Stat(*entry.OutPdf); err != nil {
		t.Fatalf("forced job output missing: %v", err)
	}
}

func TestPrepSubmitFailureRetriesNextTick(t *testing.T) {
	e := newEnv(t, nil)
	e.prep.submitErrs = 1
	content := e.dropArchive("vol1.cbz", 3)
	key := e.jobKeyFor(content, "")

	e.s.Tick()
	f, ok := e.s.flight(key)
	if !ok || f.Stage != StagePrepRetry {
		t.Fatalf("after refused submit: stage = %q, want %s", f.Stage, StagePrepRetry)
	}
	if f.AttemptPrep != 1 {
		t.Fatalf("attemptPrep = %d, want 1", f.AttemptPrep)
	}
	doc, ok, reason := e.s.store.ReadState(key)
	if !ok {
		t.Fatalf("state unreadable: %s", reason)
	}
	if doc["state"] != store.StateError || doc["step"] != store.StepPrep {
		t.Fatalf("state doc = %v/%v, want ERROR/PREP", doc["state"], doc["step"])
	}

	e.s.Tick()
	f, _ = e.s.flight(key)
	if f.Stage != StagePrepRunning {
		t.Fatalf("after retry: stage = %q, want %s", f.Stage, StagePrepRunning)
	}
	if f.AttemptPrep != 2 {
		t.Fatalf("attemptPrep = %d, want 2", f.AttemptPrep)
	}
}

func TestPrepAttemptsExhaustedMovesInputToError(t *testing.T) {
	e := newEnv(t, func(set *config.Settings) { set.MaxAttemptsPrep = 2 })
	e.prep.submitErrs = 99
	content := e.dropArchive("vol1.cbz", 4)
	key := e.jobKeyFor(content, "")

	for i := 0; i < 3; i++ {
		e.s.Tick()
	}

	if _, ok := e.s.flight(key); ok {
		t.Fatal("exhausted job still in flight")
	}
	if entry := e.s.index.Jobs[key]; entry == nil || entry.State != store.StateErrorPrep {
		t.Fatalf("index entry = %+v, want %s", entry, store.StateErrorPrep)
	}
	if _, err := os.Stat(filepath.Join(e.lay.ErrorDir(), "vol1.cbz")); err != nil {
		t.Fatalf("input not moved to error dir: %v", err)
	}
	if got := e.met.Get("error"); got != 1 {
		t.Errorf("error = %d, want 1", got)
	}
	doc, _, _ := e.s.store.ReadState(key)
	if doc["state"] != store.StateError || doc["message"] != "max attempts reached" {
		t.Fatalf("state doc = %v/%v", doc["state"], doc["message"])
	}
}

func TestOcrAttemptsExhaustedKeepsInputInWork(t *testing.T) {
	e := newEnv(t, func(set *config.Settings) { set.MaxAttemptsOcr = 1 })
	e.ocr.submitErrs = 99
	content := e.dropArchive("vol1.cbz", 5)
	key := e.jobKeyFor(content, "")

	for i := 0; i < 3; i++ {
		e.s.Tick()
	}

	if _, ok := e.s.flight(key); ok {
		t.Fatal("exhausted job still in flight")
	}
	if entry := e.s.index.Jobs[key]; entry == nil || entry.State != store.StateErrorOcr {
		t.Fatalf("index entry = %+v, want %s", entry, store.StateErrorOcr)
	}
	// The input stays next to the raw artifacts for inspection.
	if _, err := os.Stat(filepath.Join(e.lay.JobDir(key), "vol1.cbz")); err != nil {
		t.Fatalf("input missing from work dir: %v", err)
	}
	if got := len(listNames(t, e.lay.ErrorDir())); got != 0 {
		t.Errorf("error dir holds %d files, want 0", got)
	}
	if got := e.met.Get("error"); got != 1 {
		t.Errorf("error = %d, want 1", got)
	}
}

func TestInvalidFinalPdfRetriesUntilValid(t *testing.T) {
	e := newEnv(t, nil)
	e.ocr.badPdf = true
	content := e.dropArchive("vol1.cbz", 6)
	key := e.jobKeyFor(content, "")

	e.s.Tick()
	f, ok := e.s.flight(key)
	if !ok || f.Stage != StageOcrRetry {
		t.Fatalf("after invalid pdf: stage = %q, want %s", f.Stage, StageOcrRetry)
	}
	if got := e.met.Get("pdf_invalid"); got != 1 {
		t.Fatalf("pdf_invalid = %d, want 1", got)
	}
	doc, _, _ := e.s.store.ReadState(key)
	if doc["state"] != store.StateOcrError || doc["message"] != "pdf_invalid" {
		t.Fatalf("state doc = %v/%v", doc["state"], doc["message"])
	}

	e.ocr.badPdf = false
	e.runUntilDone(1, 10)
	entry := e.s.index.Jobs[key]
	if entry == nil || entry.State != store.StateDone {
		t.Fatalf("index entry = %+v, want DONE", entry)
	}
}

func TestOversizeInputRejected(t *testing.T) {
	e := newEnv(t, func(set *config.Settings) { set.MaxInputSizeMB = 0.00001 })
	e.dropArchive("huge.cbz", 1)

	e.s.Tick()

	if n := e.s.FlightCount(); n != 0 {
		t.Fatalf("oversize input admitted, %d in flight", n)
	}
	if got := e.met.Get("input_rejected_size"); got != 1 {
		t.Errorf("input_rejected_size = %d, want 1", got)
	}
	if got := len(listNames(t, e.lay.ErrorDir())); got != 1 {
		t.Errorf("error dir holds %d files, want 1", got)
	}
}

func TestNonArchiveSignatureRejected(t *testing.T) {
	e := newEnv(t, nil)
	if err := os.WriteFile(filepath.Join(e.lay.InDir(), "fake.cbz"), []byte("plain text"), 0o644); err != nil {
		t.Fatal(err)
	}

	e.s.Tick()

	if got := e.met.Get("input_rejected_signature"); got != 1 {
		t.Errorf("input_rejected_signature = %d, want 1", got)
	}
	if n := e.s.FlightCount(); n != 0 {
		t.Fatalf("bad signature admitted, %d in flight", n)
	}
}

func TestDiscoveryAdmitsOnePerTick(t *testing.T) {
	e := newEnv(t, nil)
	e.prep.pollsToDone = 10
	e.dropArchive("a.cbz", 1)
	e.dropArchive("b.cbz", 2)

	e.s.Tick()
	if n := e.s.FlightCount(); n != 1 {
		t.Fatalf("first tick admitted %d jobs, want 1", n)
	}
	e.s.Tick()
	if n := e.s.FlightCount(); n != 2 {
		t.Fatalf("second tick left %d jobs, want 2", n)
	}
}

func TestForceTokenExtraction(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"vol1.cbz", ""},
		{"vol1__force-abc123.cbz", "abc123"},
		{"weird__force-a__force-b.cbr", "b"},
		{"__force-.cbz", ""},
	}
	for _, c := range cases {
		if got := forceToken(c.name); got != c.want {
			t.Errorf("forceToken(%q) = %q, want %q", c.name, got, c.want)
		}
	}
}
