// Package config loads orchestrator settings and owns the runtime-patchable
// subset. Precedence: built-in defaults, then an optional YAML file, then
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Settings holds the full orchestrator configuration. Fields tagged for YAML
// can be set from a config file; every field can be set from the environment
// (§ keys listed per field).
type Settings struct {
	DataDir string `yaml:"data_dir"` // DATA_DIR
	PrepURL string `yaml:"prep_url"` // PREP_URL
	OcrURL  string `yaml:"ocr_url"`  // OCR_URL

	PollIntervalMS  int `yaml:"poll_interval_ms"`   // POLL_INTERVAL_MS
	PrepConcurrency int `yaml:"prep_concurrency"`   // PREP_CONCURRENCY
	OcrConcurrency  int `yaml:"ocr_concurrency"`    // OCR_CONCURRENCY
	MaxJobsInFlight int `yaml:"max_jobs_in_flight"` // MAX_JOBS_IN_FLIGHT
	MaxAttemptsPrep int `yaml:"max_attempts_prep"`  // MAX_ATTEMPTS_PREP
	MaxAttemptsOcr  int `yaml:"max_attempts_ocr"`   // MAX_ATTEMPTS_OCR

	OcrLang           string  `yaml:"ocr_lang"`            // OCR_LANG
	JobTimeoutSeconds int     `yaml:"job_timeout_seconds"` // JOB_TIMEOUT_SECONDS
	KeepWorkDirDays   int     `yaml:"keep_work_dir_days"`  // KEEP_WORK_DIR_DAYS
	MinPdfSizeBytes   int64   `yaml:"min_pdf_size_bytes"`  // MIN_PDF_SIZE_BYTES
	DiskFreeFactor    float64 `yaml:"disk_free_factor"`    // DISK_FREE_FACTOR
	MaxInputSizeMB    float64 `yaml:"max_input_size_mb"`   // MAX_INPUT_SIZE_MB

	HTTPBind string `yaml:"http_bind"` // ORCHESTRATOR_HTTP_BIND
	HTTPPort int    `yaml:"http_port"` // ORCHESTRATOR_HTTP_PORT

	LogLevel         string `yaml:"log_level"`          // LOG_LEVEL
	LogJSON          bool   `yaml:"log_json"`           // LOG_JSON
	LogFile          string `yaml:"log_file"`           // LOG_FILE
	LogRotateMaxMB   int    `yaml:"log_rotate_max_mb"`  // LOG_ROTATE_MAX_MB
	LogRotateBackups int    `yaml:"log_rotate_backups"` // LOG_ROTATE_BACKUPS
}

// Default returns the built-in settings.
func Default() Settings {
	return Settings{
		DataDir:           "/data",
		PrepURL:           "http://prep-service:8080",
		OcrURL:            "http://ocr-service:8080",
		PollIntervalMS:    1000,
		PrepConcurrency:   2,
		OcrConcurrency:    1,
		MaxJobsInFlight:   3,
		MaxAttemptsPrep:   3,
		MaxAttemptsOcr:    3,
		OcrLang:           "fra+eng",
		JobTimeoutSeconds: 600,
		KeepWorkDirDays:   7,
		MinPdfSizeBytes:   1024,
		DiskFreeFactor:    2.0,
		MaxInputSizeMB:    500,
		HTTPBind:          "0.0.0.0",
		HTTPPort:          8080,
		LogLevel:          "info",
		LogRotateMaxMB:    100,
		LogRotateBackups:  3,
	}
}

// Load builds the settings: defaults, overlaid by the YAML file at path
// (or $COMICWATCH_CONFIG when path is empty; a missing file is fine), then
// overlaid by environment variables.
func Load(path string) (Settings, error) {
	s := Default()

	if path == "" {
		path = os.Getenv("COMICWATCH_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// No file: defaults + env only.
		case err != nil:
			return s, fmt.Errorf("read config file: %w", err)
		default:
			// Defaults stay in place; YAML overwrites only specified fields.
			if err := yaml.Unmarshal(data, &s); err != nil {
				return s, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	if err := applyEnv(&s); err != nil {
		return s, err
	}
	return s, nil
}

func applyEnv(s *Settings) error {
	envString("DATA_DIR", &s.DataDir)
	envString("PREP_URL", &s.PrepURL)
	envString("OCR_URL", &s.OcrURL)
	envString("OCR_LANG", &s.OcrLang)
	envString("ORCHESTRATOR_HTTP_BIND", &s.HTTPBind)
	envString("LOG_LEVEL", &s.LogLevel)
	envString("LOG_FILE", &s.LogFile)
	s.LogJSON = envBool("LOG_JSON", s.LogJSON)

	for _, v := range []struct {
		key string
		dst *int
	}{
		{"POLL_INTERVAL_MS", &s.PollIntervalMS},
		{"PREP_CONCURRENCY", &s.PrepConcurrency},
		{"OCR_CONCURRENCY", &s.OcrConcurrency},
		{"MAX_JOBS_IN_FLIGHT", &s.MaxJobsInFlight},
		{"MAX_ATTEMPTS_PREP", &s.MaxAttemptsPrep},
		{"MAX_ATTEMPTS_OCR", &s.MaxAttemptsOcr},
		{"JOB_TIMEOUT_SECONDS", &s.JobTimeoutSeconds},
		{"KEEP_WORK_DIR_DAYS", &s.KeepWorkDirDays},
		{"ORCHESTRATOR_HTTP_PORT", &s.HTTPPort},
		{"LOG_ROTATE_MAX_MB", &s.LogRotateMaxMB},
		{"LOG_ROTATE_BACKUPS", &s.LogRotateBackups},
	} {
		if err := envInt(v.key, v.dst); err != nil {
			return err
		}
	}

	if raw := os.Getenv("MIN_PDF_SIZE_BYTES"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("parse MIN_PDF_SIZE_BYTES: %w", err)
		}
		s.MinPdfSizeBytes = n
	}
	for _, v := range []struct {
		key string
		dst *float64
	}{
		{"DISK_FREE_FACTOR", &s.DiskFreeFactor},
		{"MAX_INPUT_SIZE_MB", &s.MaxInputSizeMB},
	} {
		if raw := os.Getenv(v.key); raw != "" {
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return fmt.Errorf("parse %s: %w", v.key, err)
			}
			*v.dst = f
		}
	}
	return nil
}

func envString(key string, dst *string) {
	if raw := os.Getenv(key); raw != "" {
		*dst = raw
	}
}

func envInt(key string, dst *int) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = n
	return nil
}

func envBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	switch strings.ToLower(raw) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}
