package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func healthyCheck(ctx context.Context) CheckResult {
	return CheckResult{Status: StatusHealthy}
}

func unhealthyCheck(ctx context.Context) CheckResult {
	return CheckResult{Status: StatusUnhealthy, Message: "broken"}
}

func TestOverallStatusAggregation(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("a", false, healthyCheck)
	c.RegisterFunc("b", false, healthyCheck)
	c.Check(context.Background())

	if got := c.OverallStatus(); got != StatusHealthy {
		t.Errorf("OverallStatus = %v, want healthy", got)
	}

	// A failing non-critical component degrades; a failing critical
	// one makes the whole daemon unhealthy.
	c.RegisterFunc("b", false, unhealthyCheck)
	c.Check(context.Background())
	if got := c.OverallStatus(); got != StatusDegraded {
		t.Errorf("OverallStatus = %v, want degraded", got)
	}

	c.RegisterFunc("c", true, unhealthyCheck)
	c.Check(context.Background())
	if got := c.OverallStatus(); got != StatusUnhealthy {
		t.Errorf("OverallStatus = %v, want unhealthy", got)
	}
}

func TestCheckTimeout(t *testing.T) {
	c := NewChecker()
	c.Register(&Component{
		Name:    "slow",
		Timeout: 50 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return CheckResult{Status: StatusHealthy}
		},
	})

	results := c.Check(context.Background())
	if results["slow"].Status != StatusUnhealthy {
		t.Errorf("slow check status = %v, want unhealthy (timeout)", results["slow"].Status)
	}
}

func TestCheckPanicRecovery(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("panicky", false, func(ctx context.Context) CheckResult {
		panic("boom")
	})

	results := c.Check(context.Background())
	if results["panicky"].Status != StatusUnhealthy {
		t.Errorf("panicky check status = %v, want unhealthy", results["panicky"].Status)
	}
}

func TestReadinessHandler(t *testing.T) {
	c := NewChecker()
	handler := c.ReadinessHandler()

	// Not ready yet.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status before ready = %d, want 503", rec.Code)
	}

	c.SetReady(true)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status after ready = %d, want 200", rec.Code)
	}
}

func TestLivenessHandlerAlwaysOK(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("dead", true, unhealthyCheck)
	c.Check(context.Background())

	rec := httptest.NewRecorder()
	c.LivenessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("liveness status = %d, want 200", rec.Code)
	}
}

func TestHealthHandlerReportsComponents(t *testing.T) {
	c := NewChecker()
	c.SetReady(true)
	c.RegisterFunc("storage", false, DatabaseCheck(func(ctx context.Context) error {
		return errors.New("not opened")
	}))

	rec := httptest.NewRecorder()
	c.HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz?full=true", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("degraded daemon healthz = %d, want 200", rec.Code)
	}

	results := c.GetResults()
	if results["storage"].Status != StatusUnhealthy {
		t.Errorf("storage status = %v, want unhealthy", results["storage"].Status)
	}
	if c.OverallStatus() != StatusDegraded {
		t.Errorf("overall = %v, want degraded", c.OverallStatus())
	}
}

func TestCustomCheck(t *testing.T) {
	ok := CustomCheck(func() error { return nil })(context.Background())
	if ok.Status != StatusHealthy {
		t.Errorf("passing check status = %v", ok.Status)
	}
	bad := CustomCheck(func() error { return errors.New("nope") })(context.Background())
	if bad.Status != StatusUnhealthy || bad.Error == "" {
		t.Errorf("failing check = %+v", bad)
	}
}
