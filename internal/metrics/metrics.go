// Package metrics defines the Prometheus collectors exported by the controller.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aps"

// Registry holds every collector of this package.
var Registry = prometheus.NewRegistry()

var (
	loopRunsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "runs_total",
			Help:      "Count of loop triggers by result (success, error, skipped).",
		},
		[]string{"result"},
	)
	loopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "duration_seconds",
			Help:      "Loop run latency distribution in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)
	errorsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "errors_total",
			Help:      "Count of loop errors by kind.",
		},
		[]string{"kind"},
	)
	enactmentsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pump",
			Name:      "commands_total",
			Help:      "Count of actuator commands by command and result.",
		},
		[]string{"command", "result"},
	)
	tddGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stats",
			Name:      "tdd_units",
			Help:      "Total daily dose averages in units by window (14d, 2h, weighted).",
		},
		[]string{"window"},
	)
	rangeGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stats",
			Name:      "glucose_range_percent",
			Help:      "Share of the last 24 hours spent per glucose range (hypo, in_range, hyper).",
		},
		[]string{"range"},
	)
	eventsDroppedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Count of observer events dropped because the queue was full.",
		},
	)
	rpcCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Count of MQTT request/reply calls by service, method and result.",
		},
		[]string{"service", "method", "result"},
	)
	triggersCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "triggers_total",
			Help:      "Count of loop wake-ups by reason (heartbeat, interval).",
		},
		[]string{"reason"},
	)
)

var registerMetrics sync.Once

// Register all metrics.
func Register() {
	registerMetrics.Do(func() {
		Registry.MustRegister(loopRunsCounter)
		Registry.MustRegister(loopDuration)
		Registry.MustRegister(errorsCounter)
		Registry.MustRegister(enactmentsCounter)
		Registry.MustRegister(tddGauge)
		Registry.MustRegister(rangeGauge)
		Registry.MustRegister(eventsDroppedCounter)
		Registry.MustRegister(rpcCounter)
		Registry.MustRegister(triggersCounter)
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordLoopRun records the outcome of one loop trigger.
func RecordLoopRun(result string) {
	loopRunsCounter.WithLabelValues(result).Inc()
}

// RecordLoopDuration records how long a loop run took.
func RecordLoopDuration(d time.Duration) {
	loopDuration.Observe(d.Seconds())
}

// RecordError records an error of the given kind.
func RecordError(kind string) {
	errorsCounter.WithLabelValues(kind).Inc()
}

// RecordPumpCommand records an actuator command.
func RecordPumpCommand(command string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	enactmentsCounter.WithLabelValues(command, result).Inc()
}

// RecordTDD records the current total daily dose averages.
func RecordTDD(avg14d, avg2h, weighted float64) {
	tddGauge.WithLabelValues("14d").Set(avg14d)
	tddGauge.WithLabelValues("2h").Set(avg2h)
	tddGauge.WithLabelValues("weighted").Set(weighted)
}

// RecordGlucoseRanges records the time-in-range split.
func RecordGlucoseRanges(hypo, inRange, hyper float64) {
	rangeGauge.WithLabelValues("hypo").Set(hypo)
	rangeGauge.WithLabelValues("in_range").Set(inRange)
	rangeGauge.WithLabelValues("hyper").Set(hyper)
}

// RecordEventDropped records an observer event lost to queue overflow.
func RecordEventDropped() {
	eventsDroppedCounter.Inc()
}

// RecordRPC records a request/reply call.
func RecordRPC(service, method string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	rpcCounter.WithLabelValues(service, method, result).Inc()
}

// RecordTrigger records a loop wake-up.
func RecordTrigger(reason string) {
	triggersCounter.WithLabelValues(reason).Inc()
}
