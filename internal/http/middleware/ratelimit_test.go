package middleware

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wolfman30/clinic-platform/internal/observability/metrics"
	"github.com/wolfman30/clinic-platform/pkg/logging"
)

func TestRateLimitRejectsAfterBurst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mw := RateLimit(ctx, 0.001, 2, "Too many login attempts, please try again after 15 minutes")
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		req.Header.Set("X-Real-Ip", "10.0.0.1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
		if rec.Code == http.StatusTooManyRequests && !strings.Contains(rec.Body.String(), "Too many login attempts") {
			t.Fatalf("expected message in body, got %s", rec.Body.String())
		}
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != 429 {
		t.Fatalf("unexpected codes %v", codes)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	req.Header.Set("X-Real-Ip", "10.0.0.2")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("other IPs should not be limited, got %d", rec.Code)
	}
}

func TestRequestLoggerCapturesStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithOptions(logging.Options{Level: "debug", Format: "json", Output: &buf})
	m := metrics.NewHTTPMetrics(prometheus.NewRegistry())

	r := chi.NewRouter()
	r.Use(RequestLogger(logger, m))
	r.Get("/api/appointments/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/appointments/123", nil))

	out := buf.String()
	if !strings.Contains(out, `"status":409`) {
		t.Fatalf("expected status in log, got %s", out)
	}
	if !strings.Contains(out, `"level":"WARN"`) {
		t.Fatalf("expected 4xx to log at warn, got %s", out)
	}
}
