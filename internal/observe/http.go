package observe

import (
	"net/http"
	"strconv"
	"time"
)

// TraceResponseWriter remembers the status code and body size written
// through it.
type TraceResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	Size       int
}

// NewTraceResponseWriter wraps w. The status defaults to 200 because
// handlers that never call WriteHeader get it implicitly on first Write.
func NewTraceResponseWriter(w http.ResponseWriter) *TraceResponseWriter {
	return &TraceResponseWriter{ResponseWriter: w, StatusCode: http.StatusOK}
}

func (w *TraceResponseWriter) WriteHeader(code int) {
	w.StatusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *TraceResponseWriter) Write(data []byte) (int, error) {
	n, err := w.ResponseWriter.Write(data)
	w.Size += n
	return n, err
}

// InstrumentHandler wraps h with latency and size collection labeled by the
// route pattern, never the raw path, which would explode cardinality on
// /jobs/<key>.
func InstrumentHandler(pattern string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tw := NewTraceResponseWriter(w)
		start := time.Now()
		h(tw, r)
		status := strconv.Itoa(tw.StatusCode)
		httpRequestDuration.WithLabelValues(pattern, status).Observe(time.Since(start).Seconds())
		httpResponseSize.WithLabelValues(pattern, status).Observe(float64(tw.Size))
	}
}
