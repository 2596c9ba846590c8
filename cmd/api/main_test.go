package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wolfman30/clinic-platform/internal/config"
	"github.com/wolfman30/clinic-platform/internal/observability/metrics"
)

func TestSetupMetricsExposesMetrics(t *testing.T) {
	registry, handler := setupMetrics()
	if registry == nil || handler == nil {
		t.Fatalf("expected non-nil registry and handler")
	}

	m := metrics.NewSchedulingMetrics(registry)
	m.ObserveBooking("create", "ok")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "clinic_scheduling_booking_attempts_total") {
		t.Fatalf("expected booking counter to be exported")
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Fatalf("expected go collector metrics")
	}
}

func TestNewServerUsesConfiguredPort(t *testing.T) {
	srv := newServer(&config.Config{Port: "8081"}, http.NotFoundHandler())
	if srv.Addr != ":8081" {
		t.Fatalf("expected :8081, got %s", srv.Addr)
	}
	if srv.ReadHeaderTimeout != 5*time.Second {
		t.Fatalf("expected header timeout to be set")
	}
}

type pendingSends struct {
	wg sync.WaitGroup
}

func (p *pendingSends) Wait() { p.wg.Wait() }

func TestDrainNotificationsWaitsForInflight(t *testing.T) {
	scheduling, billing := &pendingSends{}, &pendingSends{}
	scheduling.wg.Add(1)
	billing.wg.Add(1)

	var finished sync.Map
	go func() {
		time.Sleep(20 * time.Millisecond)
		finished.Store("scheduling", true)
		scheduling.wg.Done()
	}()
	go func() {
		time.Sleep(40 * time.Millisecond)
		finished.Store("billing", true)
		billing.wg.Done()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !drainNotifications(ctx, scheduling, billing) {
		t.Fatalf("expected drain to complete before the deadline")
	}
	for _, name := range []string{"scheduling", "billing"} {
		if _, ok := finished.Load(name); !ok {
			t.Fatalf("drain returned before %s finished", name)
		}
	}
}

func TestDrainNotificationsGivesUpAtDeadline(t *testing.T) {
	stuck := &pendingSends{}
	stuck.wg.Add(1)
	defer stuck.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if drainNotifications(ctx, stuck) {
		t.Fatalf("expected drain to stop at the deadline")
	}
}
