// fakeworker is a stand-in for the PREP and OCR services, for running the
// pipeline locally without the real converters. One process serves one
// role:
//
//	FAKEWORKER_ROLE=prep FAKEWORKER_ADDR=:8081 fakeworker
//	FAKEWORKER_ROLE=ocr  FAKEWORKER_ADDR=:8082 fakeworker
//
// It honors the full worker contract: /info, job submission, polling,
// artifacts, and heartbeat files under the shared work directory.
package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const version = "0.3.0"

type jobStatus struct {
	State     string            `json:"state"`
	Message   string            `json:"message,omitempty"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
	UpdatedAt string            `json:"updatedAt,omitempty"`
}

type submission struct {
	JobID      string `json:"jobId"`
	InputPath  string `json:"inputPath"`
	RawPdfPath string `json:"rawPdfPath"`
	WorkDir    string `json:"workDir"`
	Lang       string `json:"lang"`
}

type fakeWorker struct {
	role     string
	latency  time.Duration
	failRate float64
	log      *logrus.Entry

	mu   sync.Mutex
	jobs map[string]*jobStatus
}

func main() {
	role := envOr("FAKEWORKER_ROLE", "prep")
	if role != "prep" && role != "ocr" {
		fmt.Fprintf(os.Stderr, "FAKEWORKER_ROLE must be prep or ocr, got %q\n", role)
		os.Exit(2)
	}
	addr := envOr("FAKEWORKER_ADDR", ":8081")

	latencyMS, _ := strconv.Atoi(envOr("FAKEWORKER_LATENCY_MS", "3000"))
	failRate, _ := strconv.ParseFloat(envOr("FAKEWORKER_FAIL_RATE", "0"), 64)

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log := logrus.WithField("component", "fake-"+role)

	w := &fakeWorker{
		role:     role,
		latency:  time.Duration(latencyMS) * time.Millisecond,
		failRate: failRate,
		log:      log,
		jobs:     map[string]*jobStatus{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/info", w.handleInfo)
	mux.HandleFunc("/jobs/prep", w.handleSubmit)
	mux.HandleFunc("/jobs/ocr", w.handleSubmit)
	mux.HandleFunc("/jobs/", w.handleStatus)

	log.WithFields(logrus.Fields{
		"addr":       addr,
		"latency_ms": latencyMS,
		"fail_rate":  failRate,
	}).Info("fake worker listening")

	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Fatal("listen failed")
	}
}

func (w *fakeWorker) handleInfo(rw http.ResponseWriter, _ *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{
		"service": "fake-" + w.role,
		"versions": map[string]string{
			w.role:       "0.0.0-fake",
			"fakeworker": version,
		},
	})
}

func (w *fakeWorker) handleSubmit(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(rw, "POST only", http.StatusMethodNotAllowed)
		return
	}
	if !strings.HasSuffix(r.URL.Path, "/"+w.role) {
		http.Error(rw, fmt.Sprintf("this worker only does %s", w.role), http.StatusNotFound)
		return
	}

	var sub submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil || sub.JobID == "" || sub.WorkDir == "" {
		http.Error(rw, "bad submission", http.StatusBadRequest)
		return
	}

	w.mu.Lock()
	w.jobs[sub.JobID] = &jobStatus{State: "QUEUED", UpdatedAt: nowISO()}
	w.mu.Unlock()

	go w.run(sub)

	w.log.WithField("job", sub.JobID).Info("job accepted")
	writeJSON(rw, http.StatusAccepted, map[string]string{"accepted": sub.JobID})
}

func (w *fakeWorker) handleStatus(rw http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/jobs/")
	w.mu.Lock()
	st, ok := w.jobs[key]
	var snapshot jobStatus
	if ok {
		snapshot = *st
	}
	w.mu.Unlock()
	if !ok {
		http.Error(rw, "unknown job", http.StatusNotFound)
		return
	}
	writeJSON(rw, http.StatusOK, snapshot)
}

// run simulates the conversion: heartbeats while "working", then either a
// plausible artifact or a simulated failure.
func (w *fakeWorker) run(sub submission) {
	w.setState(sub.JobID, "RUNNING", "", nil)

	jobDir := filepath.Join(sub.WorkDir, sub.JobID)
	os.MkdirAll(jobDir, 0o755)
	heartbeat := filepath.Join(jobDir, w.role+".heartbeat")

	stop := make(chan struct{})
	go func() {
		tick := time.NewTicker(2 * time.Second)
		defer tick.Stop()
		for {
			os.WriteFile(heartbeat, []byte(nowISO()+"\n"), 0o644)
			select {
			case <-stop:
				return
			case <-tick.C:
			}
		}
	}()

	time.Sleep(w.latency)
	close(stop)

	if rand.Float64() < w.failRate {
		w.setState(sub.JobID, "ERROR", "simulated failure", nil)
		w.log.WithField("job", sub.JobID).Warn("job failed (simulated)")
		return
	}

	var artifact, name string
	switch w.role {
	case "prep":
		artifact = filepath.Join(jobDir, "raw.pdf")
		name = "rawPdf"
	case "ocr":
		artifact = filepath.Join(jobDir, "final.pdf")
		name = "finalPdf"
	}

	if err := writeFakePDF(artifact, sub, w.role); err != nil {
		w.setState(sub.JobID, "ERROR", err.Error(), nil)
		w.log.WithField("job", sub.JobID).WithError(err).Warn("artifact write failed")
		return
	}

	w.setState(sub.JobID, "DONE", "", map[string]string{name: artifact})
	w.log.WithField("job", sub.JobID).Info("job done")
}

func (w *fakeWorker) setState(jobID, state, message string, artifacts map[string]string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.jobs[jobID] = &jobStatus{
		State:     state,
		Message:   message,
		Artifacts: artifacts,
		UpdatedAt: nowISO(),
	}
}

// writeFakePDF emits a file that passes the orchestrator's PDF validation:
// a %PDF- header and enough body to clear the minimum size check.
func writeFakePDF(path string, sub submission, role string) error {
	var body strings.Builder
	body.WriteString("%PDF-1.4\n")
	fmt.Fprintf(&body, "%% fake %s output for %s\n", role, sub.JobID)
	if role == "ocr" {
		fmt.Fprintf(&body, "%% ocr lang: %s, source: %s\n", sub.Lang, sub.RawPdfPath)
	} else {
		fmt.Fprintf(&body, "%% source archive: %s\n", sub.InputPath)
	}
	body.WriteString(strings.Repeat("% padding\n", 200))
	body.WriteString("%%EOF\n")
	return os.WriteFile(path, []byte(body.String()), 0o644)
}

func writeJSON(rw http.ResponseWriter, code int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	json.NewEncoder(rw).Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}
