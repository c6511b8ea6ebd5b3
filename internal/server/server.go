// Package server exposes the orchestrator's observability API: metrics,
// job listings, per-job state and history, and runtime config updates.
// Everything it serves is a snapshot; the scheduler stays the only writer.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/ppiankov/comicwatch/internal/config"
	"github.com/ppiankov/comicwatch/internal/fsio"
	"github.com/ppiankov/comicwatch/internal/history"
	"github.com/ppiankov/comicwatch/internal/layout"
	"github.com/ppiankov/comicwatch/internal/observe"
	"github.com/ppiankov/comicwatch/internal/scheduler"
	"github.com/ppiankov/comicwatch/internal/store"
)

// Config holds observability server configuration.
type Config struct {
	Bind string
	Port int

	Layout   layout.Layout
	Metrics  *store.Metrics
	Runtime  *config.Runtime
	Settings config.Settings
	Flights  func() map[string]scheduler.Flight
	Ledger   *history.Ledger // nil when history is disabled

	Log *logrus.Entry
}

// Server serves the observability API over plain HTTP.
type Server struct {
	cfg  Config
	log  *logrus.Entry
	prom http.Handler
	srv  *http.Server
}

// New builds the server. Call Start to listen.
func New(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Flights == nil {
		cfg.Flights = func() map[string]scheduler.Flight { return nil }
	}
	s := &Server{cfg: cfg, log: cfg.Log, prom: promhttp.Handler()}
	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Bind, cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until the context is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.srv.Addr, err)
	}
	s.log.Infof("observability API on %s", s.srv.Addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	}()

	err = s.srv.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.srv.Addr
}

// Handler returns the route table. Exposed so tests can drive it through
// httptest without a listener.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.route)
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimRight(r.URL.Path, "/")
	if path == "" {
		path = "/"
	}

	pattern, h := s.match(path, r)

	reqID := uuid.NewString()[:8]
	tw := observe.NewTraceResponseWriter(w)
	start := time.Now()
	observe.InstrumentHandler(pattern, h)(tw, r)
	s.log.WithFields(logrus.Fields{
		"reqId":    reqID,
		"method":   r.Method,
		"path":     r.URL.Path,
		"status":   tw.StatusCode,
		"duration": time.Since(start).String(),
	}).Debug("http request")
}

// match resolves a trimmed path to its handler and the pattern used as the
// metric label.
func (s *Server) match(path string, r *http.Request) (string, http.HandlerFunc) {
	switch {
	case path == "/healthz":
		return "/healthz", get(s.handleHealthz)
	case path == "/metrics":
		return "/metrics", get(s.handleMetrics)
	case path == "/metrics/prom":
		return "/metrics/prom", get(s.prom.ServeHTTP)
	case path == "/jobs":
		return "/jobs", get(s.handleJobsList)
	case strings.HasPrefix(path, "/jobs/"):
		rest := strings.TrimPrefix(path, "/jobs/")
		if key, ok := strings.CutSuffix(rest, "/events"); ok {
			return "/jobs/{jobKey}/events", get(func(w http.ResponseWriter, r *http.Request) {
				s.handleJobEvents(w, key)
			})
		}
		return "/jobs/{jobKey}", get(func(w http.ResponseWriter, r *http.Request) {
			s.handleJob(w, rest)
		})
	case path == "/config":
		if r.Method == http.MethodPost {
			return "/config", s.handleConfigUpdate
		}
		return "/config", get(s.handleConfigView)
	default:
		return "default", func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("unknown route: %s", path))
		}
	}
}

// get rejects everything but GET before calling h.
func get(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h(w, r)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Metrics.Snapshot())
}

// jobRow is one line of GET /jobs: the persisted index entry merged with
// live in-flight detail when the job is currently tracked.
type jobRow struct {
	JobKey    string  `json:"jobKey"`
	State     string  `json:"state"`
	Stage     string  `json:"stage"`
	Attempt   int     `json:"attempt"`
	UpdatedAt string  `json:"updatedAt"`
	InputName string  `json:"inputName"`
	OutPdf    *string `json:"outPdf"`
}

func (s *Server) handleJobsList(w http.ResponseWriter, _ *http.Request) {
	var idx store.Index
	if ok, err := fsio.ReadJSON(s.cfg.Layout.IndexPath(), &idx); err != nil || !ok {
		if err != nil {
			s.log.WithError(err).Warn("index unreadable")
		}
		idx.Jobs = map[string]*store.IndexEntry{}
	}
	flights := s.cfg.Flights()

	rows := make([]jobRow, 0, len(idx.Jobs))
	for key, entry := range idx.Jobs {
		row := jobRow{
			JobKey:    key,
			State:     entry.State,
			Stage:     entry.State,
			UpdatedAt: entry.UpdatedAt,
			InputName: entry.InputName,
			OutPdf:    entry.OutPdf,
		}
		if row.State == "" {
			row.State = "UNKNOWN"
		}
		if f, ok := flights[key]; ok {
			row.Stage = f.Stage
			row.Attempt = f.AttemptPrep
			if f.AttemptOcr > row.Attempt {
				row.Attempt = f.AttemptOcr
			}
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].JobKey < rows[j].JobKey })
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleJob(w http.ResponseWriter, jobKey string) {
	if jobKey == "" {
		writeError(w, http.StatusBadRequest, "missing jobKey in URL")
		return
	}
	doc, ok, _ := fsio.SafeLoadJSON(s.cfg.Layout.StatePath(jobKey))
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown job: %s", jobKey))
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleJobEvents(w http.ResponseWriter, jobKey string) {
	if jobKey == "" {
		writeError(w, http.StatusBadRequest, "missing jobKey in URL")
		return
	}
	if s.cfg.Ledger == nil {
		writeError(w, http.StatusNotFound, "history unavailable")
		return
	}
	events, err := s.cfg.Ledger.Events(jobKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// handleConfigView reports the effective runtime configuration: the boot
// settings overlaid with everything changed through POST /config.
func (s *Server) handleConfigView(w http.ResponseWriter, _ *http.Request) {
	rt := s.cfg.Runtime.Snapshot()
	set := s.cfg.Settings
	writeJSON(w, http.StatusOK, map[string]any{
		"data_dir":           set.DataDir,
		"prep_url":           set.PrepURL,
		"ocr_url":            set.OcrURL,
		"poll_interval_ms":   set.PollIntervalMS,
		"prep_concurrency":   rt.PrepConcurrency,
		"ocr_concurrency":    rt.OcrConcurrency,
		"max_jobs_in_flight": set.MaxJobsInFlight,
		"max_attempts_prep":  set.MaxAttemptsPrep,
		"max_attempts_ocr":   set.MaxAttemptsOcr,
		"default_ocr_lang":   rt.DefaultOcrLang,
		"job_timeout_s":      rt.JobTimeoutS,
		"keep_work_dir_days": set.KeepWorkDirDays,
		"min_pdf_size_bytes": set.MinPdfSizeBytes,
		"disk_free_factor":   set.DiskFreeFactor,
		"max_input_size_mb":  set.MaxInputSizeMB,
	})
}

func (s *Server) handleConfigUpdate(w http.ResponseWriter, r *http.Request) {
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil || patch == nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON object")
		return
	}
	applied := s.cfg.Runtime.Apply(patch)
	if len(applied) > 0 {
		s.log.WithField("applied", applied).Info("runtime config updated")
	}
	writeJSON(w, http.StatusOK, map[string]any{"applied": applied})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message, "status": status})
}
