package monitoring

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.SessionCreated()
	m.SessionClosed()
	m.SessionFailed()
	m.NegotiationFailed()
	m.NegotiationCompleted(time.Second)
	m.HostConnected()
	m.HostDisconnected()
}

func TestMetrics_SessionCounters(t *testing.T) {
	m := New()

	m.SessionCreated()
	m.SessionCreated()
	m.SessionClosed()
	m.SessionFailed()

	if got := testutil.ToFloat64(m.sessionsCreated); got != 2 {
		t.Errorf("sessions created = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.activeSessions); got != 1 {
		t.Errorf("active sessions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.sessionsFailed); got != 1 {
		t.Errorf("sessions failed = %v, want 1", got)
	}
}

func TestMetrics_HostGauge(t *testing.T) {
	m := New()
	m.HostConnected()
	m.HostConnected()
	m.HostDisconnected()
	if got := testutil.ToFloat64(m.connectedHosts); got != 1 {
		t.Errorf("connected hosts = %v, want 1", got)
	}
}

func TestMetrics_ScrapeEndpoint(t *testing.T) {
	m := New()
	m.SessionCreated()
	m.NegotiationCompleted(150 * time.Millisecond)

	e := echo.New()
	e.GET("/metrics", m.Handler())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, metric := range []string{
		"camera_backend_active_sessions",
		"camera_backend_sessions_created_total",
		"camera_backend_negotiation_duration_seconds",
	} {
		if !strings.Contains(body, metric) {
			t.Errorf("scrape output missing %s", metric)
		}
	}
}
