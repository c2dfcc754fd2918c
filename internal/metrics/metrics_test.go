package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestIncRateLimitDrop(t *testing.T) {
	rl = rateLimitStats{}

	tests := []struct {
		name   string
		prefix string
	}{
		{name: "increment with prefix", prefix: "webhooks"},
		{name: "empty prefix defaults to global", prefix: ""},
		{name: "increment global", prefix: "global"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			initialTotal, _ := RateLimitSnapshot()

			IncRateLimitDrop(tt.prefix)

			newTotal, byPrefix := RateLimitSnapshot()
			if newTotal != initialTotal+1 {
				t.Errorf("total = %d, want %d", newTotal, initialTotal+1)
			}
			expectedPrefix := tt.prefix
			if expectedPrefix == "" {
				expectedPrefix = "global"
			}
			if byPrefix[expectedPrefix] == 0 {
				t.Errorf("prefix %s not incremented", expectedPrefix)
			}
		})
	}
}

func TestIncRateLimitDrop_Concurrent(t *testing.T) {
	rl = rateLimitStats{}
	before := testutil.ToFloat64(rateLimitDropsTotal.WithLabelValues("concurrent"))

	const goroutines = 50
	const perGoroutine = 20

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				IncRateLimitDrop("concurrent")
			}
		}()
	}
	wg.Wait()

	total, byPrefix := RateLimitSnapshot()
	want := uint64(goroutines * perGoroutine)
	if total != want {
		t.Errorf("total = %d, want %d", total, want)
	}
	if byPrefix["concurrent"] != want {
		t.Errorf("concurrent prefix = %d, want %d", byPrefix["concurrent"], want)
	}
	after := testutil.ToFloat64(rateLimitDropsTotal.WithLabelValues("concurrent"))
	if after-before != float64(want) {
		t.Errorf("prometheus counter delta = %v, want %d", after-before, want)
	}
}

func TestObserveExecution(t *testing.T) {
	before := testutil.ToFloat64(executionsTotal.WithLabelValues("success", "event"))
	ObserveExecution("success", "event", 150*time.Millisecond)
	after := testutil.ToFloat64(executionsTotal.WithLabelValues("success", "event"))
	if after != before+1 {
		t.Errorf("executions_total = %v, want %v", after, before+1)
	}

	ObserveExecution("failed", "", time.Second)
	if got := testutil.ToFloat64(executionsTotal.WithLabelValues("failed", "unknown")); got < 1 {
		t.Errorf("expected empty trigger type to be labelled unknown")
	}
}

func TestIncActionAttempt(t *testing.T) {
	before := testutil.ToFloat64(actionAttemptsTotal.WithLabelValues("notify", "failure"))
	IncActionAttempt("notify", false)
	IncActionAttempt("notify", true)
	if got := testutil.ToFloat64(actionAttemptsTotal.WithLabelValues("notify", "failure")); got != before+1 {
		t.Errorf("failure attempts = %v, want %v", got, before+1)
	}
}

func TestGauges(t *testing.T) {
	SetQueueDepth(7)
	if got := testutil.ToFloat64(queueDepth); got != 7 {
		t.Errorf("queue depth = %v", got)
	}
	SetOrphanedExecutions(3)
	if got := testutil.ToFloat64(orphanedExecutions); got != 3 {
		t.Errorf("orphaned = %v", got)
	}
}

func TestHandler_ExposesNamespace(t *testing.T) {
	IncSchedulerFire("cron")

	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "autoflow_scheduler_fires_total") {
		t.Errorf("expected scheduler counter in exposition")
	}
}
