package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricPrefix = "usms_"

	ResultSuccess   = "success"
	ResultStale     = "stale"
	ResultError     = "error"
	ResultCancelled = "cancelled"
)

var (
	registerOnce sync.Once
	registry     = prometheus.NewRegistry()

	refreshCycles   *prometheus.CounterVec
	refreshDuration *prometheus.HistogramVec
	updateInterval  prometheus.Gauge
	rowsImported    *prometheus.CounterVec
	serviceCalls    *prometheus.CounterVec
	exportedBatches *prometheus.CounterVec
)

// Init registers the collectors. It is safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		refreshCycles = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "refresh_cycles_total",
				Help: "Total refresh cycles by result",
			},
			[]string{"result"},
		)
		refreshDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "refresh_duration_seconds",
				Help:    "Refresh cycle duration in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"result"},
		)
		updateInterval = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "update_interval_seconds",
				Help: "Delay until the next scheduled refresh cycle",
			},
		)
		rowsImported = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "statistic_rows_imported_total",
				Help: "Statistic rows imported by operation",
			},
			[]string{"kind"},
		)
		serviceCalls = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "service_calls_total",
				Help: "Service calls by service and result",
			},
			[]string{"service", "result"},
		)
		exportedBatches = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "exported_batches_total",
				Help: "Statistics batches published or exported by result",
			},
			[]string{"stage", "result"},
		)

		registry.MustRegister(
			refreshCycles,
			refreshDuration,
			updateInterval,
			rowsImported,
			serviceCalls,
			exportedBatches,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler serves the registered collectors.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveRefresh records one refresh cycle.
func ObserveRefresh(result string, duration time.Duration) {
	if refreshCycles == nil {
		return
	}
	refreshCycles.WithLabelValues(result).Inc()
	refreshDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// SetUpdateInterval records the delay until the next cycle.
func SetUpdateInterval(d time.Duration) {
	if updateInterval == nil {
		return
	}
	updateInterval.Set(d.Seconds())
}

// AddRowsImported counts imported rows for an operation kind.
func AddRowsImported(kind string, n int) {
	if rowsImported == nil || n <= 0 {
		return
	}
	rowsImported.WithLabelValues(kind).Add(float64(n))
}

// ObserveServiceCall counts a service call outcome.
func ObserveServiceCall(service, result string) {
	if serviceCalls == nil {
		return
	}
	serviceCalls.WithLabelValues(service, result).Inc()
}

// ObserveExport counts a batch at a pipeline stage (publish or write).
func ObserveExport(stage, result string) {
	if exportedBatches == nil {
		return
	}
	exportedBatches.WithLabelValues(stage, result).Inc()
}

// ResultFor maps an error to a result label.
func ResultFor(err error) string {
	if err == nil {
		return ResultSuccess
	}
	return ResultError
}
