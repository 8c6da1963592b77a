package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func TestHTTPMetricsMiddleware(t *testing.T) {
	r := chi.NewRouter()
	r.With(HTTPMetricsMiddleware).Get("/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/jobs/abc", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRecordCircuitBreakerStatus(t *testing.T) {
	require.NotPanics(t, func() {
		RecordCircuitBreakerStatus("worker-1", "search", int(StateOpen))
	})
}
