package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	LoopIterations     *prometheus.CounterVec
	LoopDuration       *prometheus.HistogramVec
	EventsEmitted      *prometheus.CounterVec
	MarketRequests     *prometheus.CounterVec
	MarketLatency      *prometheus.HistogramVec
	ThrottleWait       prometheus.Histogram
	PluginHookFailures *prometheus.CounterVec
	StoreWriteFailures *prometheus.CounterVec
	NotifyMessages     *prometheus.CounterVec
	Errors             *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			LoopIterations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "loop_iterations_total",
				Help:      "Polling loop iterations by loop and outcome.",
			}, []string{"loop", "outcome"}),
			LoopDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "loop_iteration_duration_seconds",
				Help:      "Duration of a single polling loop iteration.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"loop"}),
			EventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_emitted_total",
				Help:      "Novel events emitted by change-detection loops.",
			}, []string{"loop", "kind"}),
			MarketRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "market_requests_total",
				Help:      "Total marketplace API requests by endpoint and status.",
			}, []string{"endpoint", "status"}),
			MarketLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "market_request_duration_seconds",
				Help:      "Latency distribution for marketplace API requests.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"endpoint", "status"}),
			ThrottleWait: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "throttle_wait_seconds",
				Help:      "Time outbound calls spent waiting on the rate limiter.",
				Buckets:   []float64{0, 0.1, 0.5, 1, 1.5, 3, 5, 10, 30},
			}),
			PluginHookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_hook_failures_total",
				Help:      "Plugin hook invocations that returned an error or panicked.",
			}, []string{"plugin", "hook"}),
			StoreWriteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_write_failures_total",
				Help:      "State store writes that failed; each risks a duplicate notification after restart.",
			}, []string{"op"}),
			NotifyMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notify_messages_total",
				Help:      "Notifications delivered by sink and kind.",
			}, []string{"sink", "kind"}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.LoopIterations,
			metricsInstance.LoopDuration,
			metricsInstance.EventsEmitted,
			metricsInstance.MarketRequests,
			metricsInstance.MarketLatency,
			metricsInstance.ThrottleWait,
			metricsInstance.PluginHookFailures,
			metricsInstance.StoreWriteFailures,
			metricsInstance.NotifyMessages,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
