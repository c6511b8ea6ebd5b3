package config

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Runtime holds the settings that can be patched while the orchestrator
// runs. The observability API writes it; the scheduler snapshots it at the
// start of every tick, so a patch takes effect on the next tick at the
// latest.
type Runtime struct {
	mu              sync.Mutex
	prepConcurrency int
	ocrConcurrency  int
	jobTimeoutS     int
	defaultOcrLang  string
}

// Values is a point-in-time copy of the runtime knobs.
type Values struct {
	PrepConcurrency int
	OcrConcurrency  int
	JobTimeoutS     int
	DefaultOcrLang  string
}

// NewRuntime seeds the runtime knobs from the loaded settings.
func NewRuntime(s Settings) *Runtime {
	return &Runtime{
		prepConcurrency: s.PrepConcurrency,
		ocrConcurrency:  s.OcrConcurrency,
		jobTimeoutS:     s.JobTimeoutSeconds,
		defaultOcrLang:  s.OcrLang,
	}
}

// Snapshot returns a copy of the current values.
func (r *Runtime) Snapshot() Values {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Values{
		PrepConcurrency: r.prepConcurrency,
		OcrConcurrency:  r.ocrConcurrency,
		JobTimeoutS:     r.jobTimeoutS,
		DefaultOcrLang:  r.defaultOcrLang,
	}
}

// Apply merges a whitelisted patch and reports which keys were applied with
// their coerced values. Unknown keys are dropped; values that cannot be
// coerced to the key's type are dropped too. A partial patch is fine.
func (r *Runtime) Apply(patch map[string]any) map[string]any {
	applied := map[string]any{}
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, dst := range map[string]*int{
		"prep_concurrency": &r.prepConcurrency,
		"ocr_concurrency":  &r.ocrConcurrency,
		"job_timeout_s":    &r.jobTimeoutS,
	} {
		if raw, ok := patch[key]; ok {
			if n, ok := coerceInt(raw); ok {
				*dst = n
				applied[key] = n
			}
		}
	}
	if raw, ok := patch["default_ocr_lang"]; ok {
		s := coerceString(raw)
		r.defaultOcrLang = s
		applied["default_ocr_lang"] = s
	}
	return applied
}

// coerceInt accepts JSON numbers, numeric strings, and booleans.
func coerceInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, false
		}
		return n, true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func coerceString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
