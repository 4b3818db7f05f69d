package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
)

func TestPrometheusMetrics_PassesRequestThrough(t *testing.T) {
	r := chi.NewRouter()
	r.Use(PrometheusMetrics("auth-service-test"))
	r.Get("/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users/42", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}
