// Package client talks to a running comicwatch daemon over the
// observability API. The status, jobs, and tune subcommands are its
// consumers.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ppiankov/comicwatch/internal/history"
)

const requestTimeout = 5 * time.Second

// JobRow is one entry of GET /jobs.
type JobRow struct {
	JobKey    string  `json:"jobKey"`
	State     string  `json:"state"`
	Stage     string  `json:"stage"`
	Attempt   int     `json:"attempt"`
	UpdatedAt string  `json:"updatedAt"`
	InputName string  `json:"inputName"`
	OutPdf    *string `json:"outPdf"`
}

// Client connects to a comicwatch observability endpoint.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the daemon at addr, given as host:port or as a
// full URL.
func New(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		baseURL: strings.TrimRight(addr, "/"),
		http:    &http.Client{Timeout: requestTimeout},
	}
}

// Healthy reports whether the daemon answers its health check.
func (c *Client) Healthy() bool {
	var out map[string]string
	if err := c.get("/healthz", &out); err != nil {
		return false
	}
	return out["status"] == "ok"
}

// Metrics fetches the lifetime pipeline counters.
func (c *Client) Metrics() (map[string]any, error) {
	var out map[string]any
	if err := c.get("/metrics", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Jobs lists every tracked job, sorted by key.
func (c *Client) Jobs() ([]JobRow, error) {
	var rows []JobRow
	if err := c.get("/jobs", &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Job fetches one job's full state document.
func (c *Client) Job(jobKey string) (map[string]any, error) {
	var doc map[string]any
	if err := c.get("/jobs/"+jobKey, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Events fetches a job's transition history, oldest first.
func (c *Client) Events(jobKey string) ([]history.Event, error) {
	var events []history.Event
	if err := c.get("/jobs/"+jobKey+"/events", &events); err != nil {
		return nil, err
	}
	return events, nil
}

// Config fetches the effective daemon configuration.
func (c *Client) Config() (map[string]any, error) {
	var out map[string]any
	if err := c.get("/config", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetConfig applies runtime tunables and returns the subset the daemon
// accepted.
func (c *Client) SetConfig(patch map[string]any) (map[string]any, error) {
	payload, err := json.Marshal(patch)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Post(c.baseURL+"/config", "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("daemon unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("/config: %s", apiError(resp))
	}
	var out struct {
		Applied map[string]any `json:"applied"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Applied, nil
}

func (c *Client) get(path string, v any) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("daemon unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", path, apiError(resp))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// apiError extracts the {"error": ...} body the daemon sends with non-200
// answers.
func apiError(resp *http.Response) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		return body.Error
	}
	return fmt.Sprintf("status %d", resp.StatusCode)
}
