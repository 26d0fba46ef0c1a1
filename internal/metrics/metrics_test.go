package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	first := tasksTotal
	Init()
	if tasksTotal != first {
		t.Fatal("Init re-registered collectors")
	}
}

func TestObserveTaskCounts(t *testing.T) {
	Init()
	before := testutil.ToFloat64(tasksTotal.WithLabelValues("scrape", "completed"))
	ObserveTask("scrape", "completed")
	ObserveTask("scrape", "completed")
	after := testutil.ToFloat64(tasksTotal.WithLabelValues("scrape", "completed"))
	if after-before != 2 {
		t.Fatalf("expected 2 new observations, got %v", after-before)
	}
}

func TestBreakerStateGauge(t *testing.T) {
	Init()
	SetBreakerState("http", 1)
	if got := testutil.ToFloat64(breakerState.WithLabelValues("http")); got != 1 {
		t.Fatalf("expected breaker gauge 1, got %v", got)
	}
	SetBreakerState("http", 0)
	if got := testutil.ToFloat64(breakerState.WithLabelValues("http")); got != 0 {
		t.Fatalf("expected breaker gauge 0, got %v", got)
	}
}

func TestObserveEngineRecordsOutcome(t *testing.T) {
	Init()
	before := testutil.ToFloat64(engineRequestsTotal.WithLabelValues("browser", "success"))
	ObserveEngine("browser", "success", 120*time.Millisecond)
	after := testutil.ToFloat64(engineRequestsTotal.WithLabelValues("browser", "success"))
	if after-before != 1 {
		t.Fatalf("expected 1 new observation, got %v", after-before)
	}
}
