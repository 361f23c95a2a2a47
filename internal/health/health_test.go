package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/servethis/internal/clock"
	"grimm.is/servethis/internal/services"
)

type fakeService struct {
	status services.ServiceStatus
}

func (f *fakeService) Name() string                    { return f.status.Name }
func (f *fakeService) Start(ctx context.Context) error { return nil }
func (f *fakeService) Stop(ctx context.Context) error  { return nil }
func (f *fakeService) Status() services.ServiceStatus  { return f.status }

func healthy(ctx context.Context) Check {
	return Check{Status: StatusHealthy, Message: "OK"}
}

func TestCheckerAggregates(t *testing.T) {
	c := NewChecker()
	c.Register("a", healthy)

	report := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	require.Contains(t, report.Checks, "a")
	assert.Equal(t, "a", report.Checks["a"].Name)

	c.Register("b", func(ctx context.Context) Check { return Check{Status: StatusDegraded} })
	assert.Equal(t, StatusDegraded, c.Check(context.Background()).Status)

	c.Register("c", func(ctx context.Context) Check { return Check{Status: StatusUnhealthy} })
	assert.Equal(t, StatusUnhealthy, c.Check(context.Background()).Status)
}

func TestCheckerCaches(t *testing.T) {
	mock := clock.NewMock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewChecker()
	c.clock = mock

	calls := 0
	c.Register("count", func(ctx context.Context) Check {
		calls++
		return Check{Status: StatusHealthy}
	})

	c.Check(context.Background())
	c.Check(context.Background())
	assert.Equal(t, 1, calls)

	mock.Advance(3 * time.Second)
	c.Check(context.Background())
	assert.Equal(t, 2, calls)
}

func TestCheckRoot(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, StatusHealthy, CheckRoot(dir)(context.Background()).Status)

	file := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	assert.Equal(t, StatusUnhealthy, CheckRoot(file)(context.Background()).Status)

	assert.Equal(t, StatusUnhealthy, CheckRoot(filepath.Join(dir, "missing"))(context.Background()).Status)
}

func TestCheckService(t *testing.T) {
	svc := &fakeService{status: services.ServiceStatus{Name: "mDNS", Running: true}}
	assert.Equal(t, StatusHealthy, CheckService(svc)(context.Background()).Status)

	svc.status = services.ServiceStatus{Name: "mDNS", Error: "socket closed"}
	check := CheckService(svc)(context.Background())
	assert.Equal(t, StatusDegraded, check.Status)
	assert.Equal(t, "mDNS not running: socket closed", check.Message)
}

func TestHandlers(t *testing.T) {
	c := NewChecker()
	c.Register("root", healthy)

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, StatusHealthy, report.Status)

	rec = httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, "OK", rec.Body.String())

	rec = httptest.NewRecorder()
	c.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, "READY", rec.Body.String())

	bad := NewChecker()
	bad.Register("root", func(ctx context.Context) Check { return Check{Status: StatusUnhealthy} })

	rec = httptest.NewRecorder()
	bad.Handler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	bad.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "NOT READY", rec.Body.String())
}
