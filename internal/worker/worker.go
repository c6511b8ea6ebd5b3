// Package worker is the HTTP client for the PREP and OCR stage services.
// Both speak the same contract: POST a job, then GET /jobs/<key> until the
// reported state is terminal.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Worker-reported job states.
const (
	StateQueued  = "QUEUED"
	StateRunning = "RUNNING"
	StateDone    = "DONE"
	StateError   = "ERROR"
)

const (
	requestTimeout = 10 * time.Second
	infoTimeout    = 5 * time.Second
)

// Info is the identity document a worker serves on GET /info.
type Info struct {
	Service  string            `json:"service"`
	Versions map[string]string `json:"versions"`
}

// Status is a worker's answer to a poll.
type Status struct {
	State     string            `json:"state"`
	Message   string            `json:"message,omitempty"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
	UpdatedAt string            `json:"updatedAt,omitempty"`
}

// Client talks to one stage service.
type Client struct {
	baseURL string
	workDir string
	http    *http.Client
}

// NewClient returns a client for the service at baseURL. workDir is the
// orchestrator's work root, passed along with every submission so the worker
// writes its artifacts and heartbeats where the scheduler looks for them.
func NewClient(baseURL, workDir string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		workDir: workDir,
		http:    &http.Client{Timeout: requestTimeout},
	}
}

// BaseURL returns the service address the client was built with.
func (c *Client) BaseURL() string { return c.baseURL }

// Info fetches GET /info with a short timeout. On any failure it returns the
// placeholder identity {service: baseURL, versions: {unknown: unknown}}
// together with the error; profile construction proceeds with the
// placeholder, diagnostics can inspect the error.
func (c *Client) Info() (Info, error) {
	fallback := Info{Service: c.baseURL, Versions: map[string]string{"unknown": "unknown"}}

	ctx, cancel := context.WithTimeout(context.Background(), infoTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/info", nil)
	if err != nil {
		return fallback, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fallback, fmt.Errorf("info: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fallback, fmt.Errorf("info: status %d", resp.StatusCode)
	}
	var info Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return fallback, fmt.Errorf("info: decode: %w", err)
	}
	if info.Versions == nil {
		info.Versions = map[string]string{}
	}
	return info, nil
}

// SubmitPrep submits an archive for extraction and assembly into raw.pdf.
func (c *Client) SubmitPrep(jobKey, inputPath string) error {
	body := map[string]any{
		"jobId":     jobKey,
		"inputPath": inputPath,
		"workDir":   c.workDir,
	}
	return c.submit("/jobs/prep", "prep", body)
}

// SubmitOcr submits a raw.pdf for OCR. Rotation, deskew, and optimization
// are fixed, mirroring the canonical profile.
func (c *Client) SubmitOcr(jobKey, rawPdf, lang string) error {
	body := map[string]any{
		"jobId":       jobKey,
		"rawPdfPath":  rawPdf,
		"workDir":     c.workDir,
		"lang":        lang,
		"rotatePages": true,
		"deskew":      true,
		"optimize":    1,
	}
	return c.submit("/jobs/ocr", "ocr", body)
}

func (c *Client) submit(path, kind string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s submit: encode: %w", kind, err)
	}
	resp, err := c.http.Post(c.baseURL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s submit: %w", kind, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s submit failed: %d %s", kind, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}

// Poll asks the service for the current status of jobKey. Anything but a
// 200 with a decodable body is an error; the scheduler treats poll errors
// as transient and asks again next tick.
func (c *Client) Poll(jobKey string) (Status, error) {
	resp, err := c.http.Get(c.baseURL + "/jobs/" + jobKey)
	if err != nil {
		return Status{}, fmt.Errorf("job status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Status{}, fmt.Errorf("job status failed: %d", resp.StatusCode)
	}
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return Status{}, fmt.Errorf("job status: decode: %w", err)
	}
	return st, nil
}
