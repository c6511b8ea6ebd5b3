package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ppiankov/comicwatch/internal/config"
	"github.com/ppiankov/comicwatch/internal/history"
	"github.com/ppiankov/comicwatch/internal/layout"
	"github.com/ppiankov/comicwatch/internal/logging"
	"github.com/ppiankov/comicwatch/internal/scheduler"
	"github.com/ppiankov/comicwatch/internal/store"
)

type srvEnv struct {
	t   *testing.T
	lay layout.Layout
	st  *store.Store
	met *store.Metrics
	rt  *config.Runtime
	fl  map[string]scheduler.Flight
	h   http.Handler
}

func newSrvEnv(t *testing.T, ledger *history.Ledger) *srvEnv {
	t.Helper()
	set := config.Default()
	set.DataDir = t.TempDir()
	lay := layout.New(set.DataDir)
	if err := lay.EnsureLayout(); err != nil {
		t.Fatal(err)
	}

	var rec store.Recorder
	if ledger != nil {
		rec = ledger
	}
	e := &srvEnv{
		t:   t,
		lay: lay,
		st:  store.New(lay, rec),
		met: store.NewMetrics(),
		rt:  config.NewRuntime(set),
		fl:  map[string]scheduler.Flight{},
	}
	srv := New(Config{
		Bind:     "127.0.0.1",
		Port:     0,
		Layout:   lay,
		Metrics:  e.met,
		Runtime:  e.rt,
		Settings: set,
		Flights:  func() map[string]scheduler.Flight { return e.fl },
		Ledger:   ledger,
		Log:      logging.NewNop(),
	})
	e.h = srv.Handler()
	return e
}

func (e *srvEnv) do(method, target, body string) *httptest.ResponseRecorder {
	e.t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHealthz(t *testing.T) {
	e := newSrvEnv(t, nil)
	rec := e.do(http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	decode(t, rec, &body)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestMetricsSnapshot(t *testing.T) {
	e := newSrvEnv(t, nil)
	e.met.Update("done")
	e.met.Update("done")
	e.met.Update("queued")

	rec := e.do(http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	decode(t, rec, &body)
	if body["done"] != float64(2) || body["queued"] != float64(1) {
		t.Errorf("body = %v", body)
	}
}

func TestJobsListMergesFlights(t *testing.T) {
	e := newSrvEnv(t, nil)
	outPdf := "/data/out/a__k1.pdf"
	idx := store.NewIndex()
	idx.Jobs["k1__p"] = &store.IndexEntry{
		JobKey: "k1__p", State: store.StateDone, InputName: "a.cbz",
		OutPdf: &outPdf, UpdatedAt: store.NowISO(),
	}
	idx.Jobs["k2__p"] = &store.IndexEntry{
		JobKey: "k2__p", State: store.StatePrepRunning, InputName: "b.cbz",
		UpdatedAt: store.NowISO(),
	}
	if err := e.st.SaveIndex(idx); err != nil {
		t.Fatal(err)
	}
	e.fl["k2__p"] = scheduler.Flight{Stage: scheduler.StagePrepRunning, AttemptPrep: 2}

	rec := e.do(http.MethodGet, "/jobs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var rows []map[string]any
	decode(t, rec, &rows)
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	// Sorted by jobKey, so k1 comes first.
	if rows[0]["jobKey"] != "k1__p" || rows[0]["state"] != store.StateDone {
		t.Errorf("row 0 = %v", rows[0])
	}
	if rows[0]["outPdf"] != outPdf {
		t.Errorf("row 0 outPdf = %v", rows[0]["outPdf"])
	}
	if rows[0]["attempt"] != float64(0) {
		t.Errorf("settled job attempt = %v, want 0", rows[0]["attempt"])
	}
	if rows[1]["stage"] != scheduler.StagePrepRunning || rows[1]["attempt"] != float64(2) {
		t.Errorf("row 1 = %v", rows[1])
	}
}

func TestJobsListWithoutIndex(t *testing.T) {
	e := newSrvEnv(t, nil)
	rec := e.do(http.MethodGet, "/jobs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var rows []map[string]any
	decode(t, rec, &rows)
	if len(rows) != 0 {
		t.Errorf("rows = %v, want empty", rows)
	}
}

func TestJobStateDocument(t *testing.T) {
	e := newSrvEnv(t, nil)
	if err := e.st.UpdateState("k1__p", map[string]any{"state": store.StateDiscovered}); err != nil {
		t.Fatal(err)
	}

	rec := e.do(http.MethodGet, "/jobs/k1__p", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var doc map[string]any
	decode(t, rec, &doc)
	if doc["jobKey"] != "k1__p" || doc["state"] != store.StateDiscovered {
		t.Errorf("doc = %v", doc)
	}

	rec = e.do(http.MethodGet, "/jobs/unknown__key", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown job status = %d, want 404", rec.Code)
	}
	var errBody map[string]any
	decode(t, rec, &errBody)
	if errBody["status"] != float64(404) || errBody["error"] == "" {
		t.Errorf("error body = %v", errBody)
	}
}

func TestJobEvents(t *testing.T) {
	ledger, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer ledger.Close()
	e := newSrvEnv(t, ledger)

	if err := e.st.UpdateState("k1__p", map[string]any{"state": store.StateDiscovered}); err != nil {
		t.Fatal(err)
	}
	if err := e.st.UpdateState("k1__p", map[string]any{"state": store.StatePrepSubmitted}); err != nil {
		t.Fatal(err)
	}

	rec := e.do(http.MethodGet, "/jobs/k1__p/events", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var events []map[string]any
	decode(t, rec, &events)
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0]["state"] != store.StateDiscovered || events[1]["state"] != store.StatePrepSubmitted {
		t.Errorf("events = %v", events)
	}
}

func TestJobEventsWithoutLedger(t *testing.T) {
	e := newSrvEnv(t, nil)
	rec := e.do(http.MethodGet, "/jobs/k1__p/events", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	e := newSrvEnv(t, nil)

	rec := e.do(http.MethodPost, "/config", `{"prep_concurrency": 5, "bogus_key": 1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]map[string]any
	decode(t, rec, &resp)
	applied := resp["applied"]
	if applied["prep_concurrency"] != float64(5) {
		t.Errorf("applied = %v", applied)
	}
	if _, ok := applied["bogus_key"]; ok {
		t.Error("unknown key reported as applied")
	}

	rec = e.do(http.MethodGet, "/config", "")
	var view map[string]any
	decode(t, rec, &view)
	if view["prep_concurrency"] != float64(5) {
		t.Errorf("view prep_concurrency = %v, want 5", view["prep_concurrency"])
	}
	if view["data_dir"] == "" {
		t.Error("view missing data_dir")
	}
}

func TestConfigRejectsNonObject(t *testing.T) {
	e := newSrvEnv(t, nil)
	for _, body := range []string{`[1,2]`, `"text"`, `{broken`} {
		rec := e.do(http.MethodPost, "/config", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("POST %q status = %d, want 400", body, rec.Code)
		}
	}
}

func TestUnknownRoute(t *testing.T) {
	e := newSrvEnv(t, nil)
	rec := e.do(http.MethodGet, "/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	decode(t, rec, &body)
	if body["status"] != float64(404) {
		t.Errorf("body = %v", body)
	}
}

func TestTrailingSlashTrimmed(t *testing.T) {
	e := newSrvEnv(t, nil)
	if rec := e.do(http.MethodGet, "/metrics/", ""); rec.Code != http.StatusOK {
		t.Errorf("GET /metrics/ status = %d", rec.Code)
	}
	if rec := e.do(http.MethodGet, "/healthz///", ""); rec.Code != http.StatusOK {
		t.Errorf("GET /healthz/// status = %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	e := newSrvEnv(t, nil)
	if rec := e.do(http.MethodPost, "/jobs", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /jobs status = %d, want 405", rec.Code)
	}
	if rec := e.do(http.MethodDelete, "/config", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("DELETE /config status = %d, want 405", rec.Code)
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	e := newSrvEnv(t, nil)
	rec := e.do(http.MethodGet, "/metrics/prom", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "comicwatch_") {
		t.Error("prometheus exposition lacks comicwatch collectors")
	}
}
