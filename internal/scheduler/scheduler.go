// Package scheduler drives jobs through the two-stage pipeline: discover an
// archive, run it through PREP, run the result through OCR, publish the
// final PDF. All work happens inside a bounded tick so a single pass never
// processes an unbounded amount of work.
package scheduler

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ppiankov/comicwatch/internal/config"
	"github.com/ppiankov/comicwatch/internal/dup"
	"github.com/ppiankov/comicwatch/internal/layout"
	"github.com/ppiankov/comicwatch/internal/profile"
	"github.com/ppiankov/comicwatch/internal/store"
	"github.com/ppiankov/comicwatch/internal/worker"
)

// In-memory stages of the tick loop. The *_RETRY markers never reach
// state.json; they mean "resubmit on the next scheduling pass".
const (
	StageDiscovered  = "DISCOVERED"
	StagePrepRetry   = "PREP_RETRY"
	StagePrepRunning = "PREP_RUNNING"
	StagePrepDone    = "PREP_DONE"
	StageOcrRetry    = "OCR_RETRY"
	StageOcrRunning  = "OCR_RUNNING"
)

// PrepClient drives the PREP worker.
type PrepClient interface {
	SubmitPrep(jobKey, inputPath string) error
	Poll(jobKey string) (worker.Status, error)
}

// OcrClient drives the OCR worker.
type OcrClient interface {
	SubmitOcr(jobKey, rawPdf, lang string) error
	Poll(jobKey string) (worker.Status, error)
}

// Flight tracks one in-flight job between ticks.
type Flight struct {
	Stage       string
	InputName   string
	InputPath   string
	AttemptPrep int
	AttemptOcr  int
	RawPdf      string
}

// Config wires a scheduler's collaborators and limits.
type Config struct {
	Layout  layout.Layout
	Store   *store.Store
	Metrics *store.Metrics
	Runtime *config.Runtime
	Prep    PrepClient
	Ocr     OcrClient
	Profile profile.Profile

	MaxJobsInFlight int
	MaxAttemptsPrep int
	MaxAttemptsOcr  int
	KeepWorkDirDays int
	MinPdfSizeBytes int64
	DiskFreeFactor  float64
	MaxInputSizeMB  float64
	PollInterval    time.Duration

	Log *logrus.Entry
	Now func() time.Time
}

// Scheduler owns the in-flight set and the index. It is the only writer of
// both; the observability server reads through snapshot methods.
type Scheduler struct {
	layout  layout.Layout
	store   *store.Store
	metrics *store.Metrics
	runtime *config.Runtime
	prep    PrepClient
	ocr     OcrClient
	profile profile.Profile
	dups    *dup.Manager
	log     *logrus.Entry
	now     func() time.Time

	maxJobsInFlight int
	maxAttemptsPrep int
	maxAttemptsOcr  int
	keepWorkDirDays int
	minPdfSizeBytes int64
	diskFreeFactor  float64
	maxInputSizeMB  float64
	pollInterval    time.Duration

	mu       sync.Mutex
	inFlight map[string]Flight

	index *store.Index
}

// New builds a scheduler. The index is loaded from disk; a corrupt index is
// logged and replaced by an empty one so the orchestrator always starts.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, errors.New("scheduler: store is required")
	}
	if cfg.Prep == nil || cfg.Ocr == nil {
		return nil, errors.New("scheduler: both stage clients are required")
	}
	if cfg.Runtime == nil {
		return nil, errors.New("scheduler: runtime config is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = store.NewMetrics()
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}

	idx, err := cfg.Store.LoadIndex()
	if err != nil {
		cfg.Log.WithError(err).Warn("index load failed")
	}

	return &Scheduler{
		layout:          cfg.Layout,
		store:           cfg.Store,
		metrics:         cfg.Metrics,
		runtime:         cfg.Runtime,
		prep:            cfg.Prep,
		ocr:             cfg.Ocr,
		profile:         cfg.Profile,
		dups:            dup.NewManager(cfg.Layout, cfg.Log),
		log:             cfg.Log,
		now:             cfg.Now,
		maxJobsInFlight: cfg.MaxJobsInFlight,
		maxAttemptsPrep: cfg.MaxAttemptsPrep,
		maxAttemptsOcr:  cfg.MaxAttemptsOcr,
		keepWorkDirDays: cfg.KeepWorkDirDays,
		minPdfSizeBytes: cfg.MinPdfSizeBytes,
		diskFreeFactor:  cfg.DiskFreeFactor,
		maxInputSizeMB:  cfg.MaxInputSizeMB,
		pollInterval:    cfg.PollInterval,
		inFlight:        map[string]Flight{},
		index:           idx,
	}, nil
}

// flight returns a copy. The scheduler is the only writer, so
// read-modify-write without holding the lock across I/O is safe.
func (s *Scheduler) flight(k string) (Flight, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.inFlight[k]
	return f, ok
}

func (s *Scheduler) storeFlight(k string, f Flight) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight[k] = f
}

func (s *Scheduler) removeFlight(k string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, k)
}

// flightKeys returns the tracked job keys in a stable order.
func (s *Scheduler) flightKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.inFlight))
	for k := range s.inFlight {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Scheduler) countStage(stage string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.inFlight {
		if f.Stage == stage {
			n++
		}
	}
	return n
}

// FlightCount returns the size of the in-flight set.
func (s *Scheduler) FlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

// SnapshotFlights deep-copies the in-flight set for the observability API.
func (s *Scheduler) SnapshotFlights() map[string]Flight {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Flight, len(s.inFlight))
	for k, f := range s.inFlight {
		out[k] = f
	}
	return out
}

// setIndexState updates one index entry's state and stamps it. The caller
// persists with saveIndex once the related state.json write is done.
func (s *Scheduler) setIndexState(k, state string) {
	if e := s.index.Jobs[k]; e != nil {
		e.State = state
		e.UpdatedAt = store.NowISO()
	}
}

func (s *Scheduler) saveIndex() {
	if err := s.store.SaveIndex(s.index); err != nil {
		s.log.WithError(err).Error("index save failed")
	}
}
