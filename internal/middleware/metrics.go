package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groupchat_messages_received_total",
		Help: "Total number of chat messages received",
	}, []string{"author_kind"})

	responderDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groupchat_responder_decisions_total",
		Help: "Bots selected to respond, by reason",
	}, []string{"reason"})

	generationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "groupchat_generation_duration_seconds",
		Help:    "Duration of completion provider calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"model", "status"})

	generationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groupchat_generations_total",
		Help: "Total number of completion provider calls",
	}, []string{"model", "status"})

	fallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "groupchat_fallback_responses_total",
		Help: "Requests resolved with a fallback response",
	})

	queueRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groupchat_queue_rejections_total",
		Help: "Requests rejected at admission",
	}, []string{"reason"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "groupchat_queue_depth",
		Help: "Requests waiting for dispatch",
	})

	queueActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "groupchat_queue_active",
		Help: "Requests currently in flight",
	})

	queueRateLimitDelay = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "groupchat_queue_rate_limit_delay_seconds",
		Help: "Current minimum spacing between dispatches",
	})

	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "groupchat_prompt_cache_hits_total",
		Help: "Total number of prompt cache hits",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "groupchat_prompt_cache_misses_total",
		Help: "Total number of prompt cache misses",
	})

	schedulerTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groupchat_scheduler_ticks_total",
		Help: "Autonomous scheduler evaluations, by outcome",
	}, []string{"outcome"})

	rateLimitExceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "groupchat_rate_limit_exceeded_total",
		Help: "Total number of inbound messages rejected by the rate limiter",
	})

	storageOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groupchat_storage_operations_total",
		Help: "Total number of settings storage operations",
	}, []string{"operation", "status"})

	storageOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "groupchat_storage_operation_duration_seconds",
		Help:    "Duration of settings storage operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	onlineBots = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "groupchat_online_bots",
		Help: "Number of bots currently online",
	})
)

// Metrics provides methods to record metrics. A nil *Metrics records nothing.
type Metrics struct{}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordMessageReceived records an inbound chat message
func (m *Metrics) RecordMessageReceived(fromBot bool) {
	if m == nil {
		return
	}
	kind := "user"
	if fromBot {
		kind = "bot"
	}
	messagesReceived.WithLabelValues(kind).Inc()
}

// RecordDecision records a bot selected to respond
func (m *Metrics) RecordDecision(reason string) {
	if m == nil {
		return
	}
	responderDecisions.WithLabelValues(reason).Inc()
}

// RecordGeneration records one provider call
func (m *Metrics) RecordGeneration(model, status string, duration time.Duration) {
	if m == nil {
		return
	}
	generationDuration.WithLabelValues(model, status).Observe(duration.Seconds())
	generationsTotal.WithLabelValues(model, status).Inc()
}

// RecordFallback records a request resolved with fallback text
func (m *Metrics) RecordFallback() {
	if m == nil {
		return
	}
	fallbacksTotal.Inc()
}

// RecordQueueRejection records an admission-time rejection
func (m *Metrics) RecordQueueRejection(reason string) {
	if m == nil {
		return
	}
	queueRejections.WithLabelValues(reason).Inc()
}

// SetQueueState publishes the queue gauges
func (m *Metrics) SetQueueState(queued, active int, delay time.Duration) {
	if m == nil {
		return
	}
	queueDepth.Set(float64(queued))
	queueActive.Set(float64(active))
	queueRateLimitDelay.Set(delay.Seconds())
}

// RecordCacheHit records a cache hit
func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	cacheHits.Inc()
}

// RecordCacheMiss records a cache miss
func (m *Metrics) RecordCacheMiss() {
	if m == nil {
		return
	}
	cacheMisses.Inc()
}

// RecordSchedulerTick records the outcome of one autonomous evaluation
func (m *Metrics) RecordSchedulerTick(outcome string) {
	if m == nil {
		return
	}
	schedulerTicks.WithLabelValues(outcome).Inc()
}

// RecordRateLimitExceeded records a rate limit exceeded event
func (m *Metrics) RecordRateLimitExceeded() {
	if m == nil {
		return
	}
	rateLimitExceeded.Inc()
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(operation, status string, duration time.Duration) {
	if m == nil {
		return
	}
	storageOperations.WithLabelValues(operation, status).Inc()
	storageOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetOnlineBots sets the number of online bots
func (m *Metrics) SetOnlineBots(count int) {
	if m == nil {
		return
	}
	onlineBots.Set(float64(count))
}

// NewMetricsServer builds the metrics HTTP server
func NewMetricsServer(port int, path string) *http.Server {
	router := mux.NewRouter()
	router.Handle(path, promhttp.Handler())

	// Health check endpoint
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
