package observability_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/coverage-engine/billing"
	"github.com/warp/coverage-engine/observability"
)

func scrape(t *testing.T, m *observability.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetrics_MiddlewareLabelsByRoutePattern(t *testing.T) {
	// GIVEN: A chi router with the metrics middleware
	m := observability.NewMetrics()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/families/{familyID}/summary", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	// WHEN: Serving a request with a concrete family id
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/families/fam-1/summary", nil))

	// THEN: The series uses the pattern, not the id
	body := scrape(t, m)
	assert.Contains(t, body, `coverage_http_requests_total{code="418",route="/api/families/{familyID}/summary"} 1`)
	assert.NotContains(t, body, "fam-1")
}

func TestMetrics_ObservePayment(t *testing.T) {
	m := observability.NewMetrics()

	m.ObservePayment(billing.OutcomeRecorded)
	m.ObservePayment(billing.OutcomeRecorded)
	m.ObservePayment(billing.OutcomeConflict)

	body := scrape(t, m)
	assert.Contains(t, body, `coverage_payments_total{outcome="recorded"} 2`)
	assert.Contains(t, body, `coverage_payments_total{outcome="conflict"} 1`)
}

func TestMetrics_RegistererIsPrivate(t *testing.T) {
	m := observability.NewMetrics()
	extra := prometheus.NewCounter(prometheus.CounterOpts{Name: "coverage_extra_total", Help: "extra"})

	require.NoError(t, m.Registerer().Register(extra))
	extra.Inc()

	assert.True(t, strings.Contains(scrape(t, m), "coverage_extra_total 1"))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *observability.Metrics

	m.ObservePayment(billing.OutcomeRecorded)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	rec := httptest.NewRecorder()
	m.Middleware(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
