package fileserver

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"grimm.is/servethis/internal/clock"
	"grimm.is/servethis/internal/logging"
	"grimm.is/servethis/internal/metrics"
)

// Handler kinds used as the metrics "kind" label.
const (
	kindStatic   = "static"
	kindListing  = "listing"
	kindRedirect = "redirect"
	kindOther    = "other"
)

// responseRecorder captures what the handler chain wrote.
type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
	kind   string
}

func (rr *responseRecorder) WriteHeader(code int) {
	if rr.status == 0 {
		rr.status = code
	}
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	n, err := rr.ResponseWriter.Write(b)
	rr.bytes += int64(n)
	return n, err
}

func (rr *responseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}

// setKind tags the request for the access log; no-op outside accessLog.
func setKind(w http.ResponseWriter, kind string) {
	if rr, ok := w.(*responseRecorder); ok {
		rr.kind = kind
	}
}

// accessLog assigns a request id, logs every request at debug level and
// records request metrics.
func accessLog(next http.Handler, logger *logging.Logger, m *metrics.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := clock.Now()
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)

		rec := &responseRecorder{ResponseWriter: w, kind: kindOther}
		next.ServeHTTP(rec, r)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)

		m.RecordRequest(rec.kind, r.Method, status, rec.bytes, elapsed.Seconds())
		logger.Debug("request",
			"id", id,
			"remote", r.RemoteAddr,
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", rec.bytes,
			"kind", rec.kind,
			"duration", elapsed,
		)
	})
}
