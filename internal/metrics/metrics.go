package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "autoflow"

// Registry holds every collector exported on the metrics endpoint.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	executionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Workflow executions by final status and trigger type",
		},
		[]string{"status", "trigger_type"},
	)

	executionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall time of workflow executions",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	actionAttemptsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_attempts_total",
			Help:      "Action attempts by action type and result",
		},
		[]string{"action_type", "result"},
	)

	schedulerFiresTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_fires_total",
			Help:      "Workflows or sweeps fired by the scheduler",
		},
		[]string{"check"},
	)

	schedulerErrorsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_check_errors_total",
			Help:      "Scheduler checks that returned an error or panicked",
		},
		[]string{"check"},
	)

	webhookRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_requests_total",
			Help:      "Inbound webhook deliveries by outcome",
		},
		[]string{"result"},
	)

	eventsEmittedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_emitted_total",
			Help:      "Business events emitted, with the number of workflows they started",
		},
		[]string{"matched"},
	)

	rateLimitDropsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_drops_total",
			Help:      "Requests rejected with 429 by prefix",
		},
		[]string{"prefix"},
	)

	queueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "execution_queue_depth",
		Help:      "Execution requests waiting for a worker",
	})

	orphanedExecutions = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "orphaned_executions",
		Help:      "Executions stuck in running past the orphan threshold",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler exposes Registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

func ObserveExecution(status, triggerType string, d time.Duration) {
	if triggerType == "" {
		triggerType = "unknown"
	}
	executionsTotal.WithLabelValues(status, triggerType).Inc()
	executionDuration.WithLabelValues(status).Observe(d.Seconds())
}

func IncActionAttempt(actionType string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	actionAttemptsTotal.WithLabelValues(actionType, result).Inc()
}

func IncSchedulerFire(check string) {
	schedulerFiresTotal.WithLabelValues(check).Inc()
}

func IncSchedulerError(check string) {
	schedulerErrorsTotal.WithLabelValues(check).Inc()
}

// IncWebhookRequest records an inbound webhook outcome: accepted, rejected or unmatched.
func IncWebhookRequest(result string) {
	webhookRequestsTotal.WithLabelValues(result).Inc()
}

func IncEventEmitted(matched int) {
	label := "none"
	if matched > 0 {
		label = "some"
	}
	eventsEmittedTotal.WithLabelValues(label).Inc()
}

func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

func SetOrphanedExecutions(n int64) {
	orphanedExecutions.Set(float64(n))
}

// rateLimitStats mirrors the drop counter so the health endpoint can report it
// without scraping the registry.
type rateLimitStats struct {
	total    uint64
	mu       sync.Mutex
	byPrefix map[string]uint64
}

var rl rateLimitStats

// IncRateLimitDrop increments drop counters for the given prefix.
// Use prefix "global" for global limiter rejections.
func IncRateLimitDrop(prefix string) {
	if prefix == "" {
		prefix = "global"
	}
	atomic.AddUint64(&rl.total, 1)
	rl.mu.Lock()
	if rl.byPrefix == nil {
		rl.byPrefix = make(map[string]uint64)
	}
	rl.byPrefix[prefix]++
	rl.mu.Unlock()
	rateLimitDropsTotal.WithLabelValues(prefix).Inc()
}

// RateLimitSnapshot returns a copy of the current counters.
func RateLimitSnapshot() (total uint64, by map[string]uint64) {
	total = atomic.LoadUint64(&rl.total)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	by = make(map[string]uint64, len(rl.byPrefix))
	for k, v := range rl.byPrefix {
		by[k] = v
	}
	return total, by
}
