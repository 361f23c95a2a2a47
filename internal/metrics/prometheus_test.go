package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	reg := prometheus.NewRegistry()
	return NewRegistry(reg, reg)
}

func scrape(t *testing.T, r *Registry) string {
	t.Helper()
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestRecordRequest(t *testing.T) {
	r := newTestRegistry()

	r.RecordRequest("static", "GET", 200, 512, 0.01)
	r.RecordRequest("static", "GET", 200, 0, 0.01)
	r.RecordRequest("listing", "GET", 404, 9, 0.02)

	out := scrape(t, r)
	assert.Contains(t, out, `servethis_http_requests_total{kind="static",method="GET",status="200"} 2`)
	assert.Contains(t, out, `servethis_http_requests_total{kind="listing",method="GET",status="404"} 1`)
	assert.Contains(t, out, "servethis_http_response_bytes_total 521")
	assert.Contains(t, out, `servethis_http_request_duration_seconds_count{kind="static"} 2`)
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := newTestRegistry()
	r.ConnectionsAccepted.Inc()
	r.MDNSAnnouncements.WithLabelValues("goodbye").Inc()

	out := scrape(t, r)
	assert.Contains(t, out, "servethis_connections_accepted_total 1")
	assert.Contains(t, out, `servethis_mdns_announcements_total{kind="goodbye"} 1`)
}

func TestGetIsSingleton(t *testing.T) {
	assert.Same(t, Get(), Get())
}
