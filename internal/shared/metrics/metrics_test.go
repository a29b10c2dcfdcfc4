package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/v1/usage/history/{days}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/api/v1/usage/history/{days}", "418"))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/usage/history/7", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/api/v1/usage/history/{days}", "418"))
	assert.Equal(t, before+1, after)
}

func TestRecordQuotaUsage(t *testing.T) {
	RecordQuotaUsage("daily_calls", 50, 200)
	assert.InDelta(t, 0.25, testutil.ToFloat64(quotaUsage.WithLabelValues("daily_calls")), 1e-9)

	// disabled quotas are not reported
	RecordQuotaUsage("hourly_calls", 5, 0)
	assert.InDelta(t, 0, testutil.ToFloat64(quotaUsage.WithLabelValues("hourly_calls")), 1e-9)
}

func TestRecordAdmission(t *testing.T) {
	before := testutil.ToFloat64(admissionDecisions.WithLabelValues("deny_daily"))
	RecordAdmission("deny_daily")
	assert.Equal(t, before+1, testutil.ToFloat64(admissionDecisions.WithLabelValues("deny_daily")))
}
