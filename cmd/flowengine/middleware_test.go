package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/internal/ctxkeys"
	"github.com/BaSui01/flowengine/internal/metrics"
)

func okInner() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders()(okInner())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "default-src 'self'", w.Header().Get("Content-Security-Policy"))
}

func TestRequestID(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ctxkeys.TraceID(r.Context())
	})
	handler := Chain(inner, SecurityHeaders(), RequestID())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, w.Header().Get("X-Request-ID"), seen)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))

	// 沿用客户端提供的 ID
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-ID", "req-client")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, "req-client", seen)
}

func TestRecovery(t *testing.T) {
	handler := Recovery(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestMetricsMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollectorWithRegisterer("test", reg, zap.NewNop())
	handler := MetricsMiddleware(collector)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/events/123", nil))

	n, err := testutil.GatherAndCount(reg, "test_http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMetricsMiddleware_NilCollector(t *testing.T) {
	handler := MetricsMiddleware(nil)(okInner())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/health", "/health"},
		{"/v1/run", "/v1/run"},
		{"/v1/events/42", "/v1/events/:id"},
		{"/v1/events/0b6f1c2e-8a3d-4f5b-9c7e-1d2f3a4b5c6d", "/v1/events/:id"},
		{"/v1/flows/demo", "/v1/flows/demo"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizePath(tt.in))
		})
	}
}

func TestRateLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := RateLimiter(ctx, 1, 1, zap.NewNop())(okInner())

	serve := func() int {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = "10.0.0.1:1234"
		handler.ServeHTTP(w, r)
		return w.Code
	}
	assert.Equal(t, http.StatusOK, serve())
	assert.Equal(t, http.StatusTooManyRequests, serve())
}

func TestRateLimiter_Disabled(t *testing.T) {
	handler := RateLimiter(context.Background(), 0, 0, zap.NewNop())(okInner())

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestOTelTracing_PassesThrough(t *testing.T) {
	handler := OTelTracing()(okInner())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, "ok", w.Body.String())
}
