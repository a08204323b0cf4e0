package observability

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestInitMetricsIdempotent(t *testing.T) {
	InitMetrics()
	InitMetrics() // second call must not re-register

	RecordHTTPRequest("POST", "/v1/turn", "200", 120*time.Millisecond)
	RecordTurn("chat", "gpt-4o-mini", "completed", 2*time.Second)
	RecordTurnTokens("gpt-4o-mini", 400, 120)
	RecordToolCall("search", "ok", 300*time.Millisecond)
	RecordToolReplay("search")
	RecordRateLimitRejection("tool:search")
	RecordBudgetRejection("chat")
	RecordSpend(0.004)
	RecordSpend(-1) // ignored
	IncActiveStreams()
	DecActiveStreams()
	SetSessionEntries(42)

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("metrics endpoint returned %d", rec.Code)
	}
}

func TestHealthChecker(t *testing.T) {
	checker := GetHealthChecker()
	checker.Register(RedisCheck(func(context.Context) error {
		return errors.New("connection refused")
	}))

	report := checker.Check(context.Background())
	// Redis is non-critical, so a failure only degrades.
	if report.Status != HealthStatusDegraded {
		t.Fatalf("status = %s, want degraded", report.Status)
	}
	redis := report.Probes["redis"]
	if redis.Status != HealthStatusDegraded || redis.Error == "" {
		t.Fatalf("redis probe = %+v, want degraded with error", redis)
	}
}

func TestCriticalProbeTakesReadinessDown(t *testing.T) {
	checker := &HealthChecker{}
	checker.Register(Probe{
		Name:     "upstream",
		Check:    func(context.Context) error { return errors.New("down") },
		Critical: true,
	})

	report := checker.Check(context.Background())
	if report.Status != HealthStatusUnhealthy {
		t.Fatalf("status = %s, want unhealthy", report.Status)
	}
}

func TestProbeTimeout(t *testing.T) {
	checker := &HealthChecker{}
	checker.Register(Probe{
		Name:    "stuck",
		Timeout: 20 * time.Millisecond,
		Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})

	report := checker.Check(context.Background())
	if report.Probes["stuck"].Status != HealthStatusDegraded {
		t.Fatalf("stuck probe = %+v, want degraded on timeout", report.Probes["stuck"])
	}
}

func TestOpsServerRoutes(t *testing.T) {
	InitMetrics()
	RecordTurn("chat", "gpt-4o-mini", "completed", time.Second)
	srv := NewServer(":0")

	for _, path := range []string{"/metrics", "/health", "/health/live", "/health/ready"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != 200 {
			t.Errorf("GET %s = %d, want 200", path, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "concierge_turns_total") {
		t.Error("scrape output is missing the turn counter family")
	}
}
