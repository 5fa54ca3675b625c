package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the robot orchestrator.
type Metrics struct {
	registry                *prometheus.Registry
	requestsTotal           prometheus.Counter
	commandsAcceptedTotal   prometheus.Counter
	commandsBusyTotal       prometheus.Counter
	commandsFinishedTotal   *prometheus.CounterVec
	preemptionsTotal        prometheus.Counter
	activeSubscribers       prometheus.Gauge
	eventsFlushedTotal      prometheus.Counter
	artifactRequestsTotal   prometheus.Counter
	busRepublishErrorsTotal prometheus.Counter
	errorsTotal             prometheus.Counter
}

// New creates and registers Prometheus metrics for the orchestrator.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "robot_requests_total",
		Help: "Total number of HTTP requests received",
	})
	commandsAcceptedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "robot_commands_accepted_total",
		Help: "Total number of commands accepted for execution",
	})
	commandsBusyTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "robot_commands_busy_total",
		Help: "Total number of commands rejected because another command was executing",
	})
	commandsFinishedTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "robot_commands_finished_total",
		Help: "Total number of commands that reached a terminal state, by state",
	}, []string{"state"})
	preemptionsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "robot_preemptions_total",
		Help: "Total number of safety preemptions of an executing command",
	})
	activeSubscribers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "robot_active_subscribers",
		Help: "Number of currently connected status subscribers",
	})
	eventsFlushedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "robot_events_flushed_total",
		Help: "Total number of events flushed to the durable sink",
	})
	artifactRequestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "robot_artifact_requests_total",
		Help: "Total number of derived artifact requests emitted by the sequence matcher",
	})
	busRepublishErrorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "robot_bus_republish_errors_total",
		Help: "Total number of failed republishes to the shared status bus",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "robot_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})

	registry.MustRegister(
		requestsTotal,
		commandsAcceptedTotal,
		commandsBusyTotal,
		commandsFinishedTotal,
		preemptionsTotal,
		activeSubscribers,
		eventsFlushedTotal,
		artifactRequestsTotal,
		busRepublishErrorsTotal,
		errorsTotal,
	)

	return &Metrics{
		registry:                registry,
		requestsTotal:           requestsTotal,
		commandsAcceptedTotal:   commandsAcceptedTotal,
		commandsBusyTotal:       commandsBusyTotal,
		commandsFinishedTotal:   commandsFinishedTotal,
		preemptionsTotal:        preemptionsTotal,
		activeSubscribers:       activeSubscribers,
		eventsFlushedTotal:      eventsFlushedTotal,
		artifactRequestsTotal:   artifactRequestsTotal,
		busRepublishErrorsTotal: busRepublishErrorsTotal,
		errorsTotal:             errorsTotal,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncCommandsAccepted increments the accepted commands counter.
func (m *Metrics) IncCommandsAccepted() {
	m.commandsAcceptedTotal.Inc()
}

// IncCommandsBusy increments the busy-rejection counter.
func (m *Metrics) IncCommandsBusy() {
	m.commandsBusyTotal.Inc()
}

// IncCommandsFinished increments the terminal-outcome counter for the given state.
func (m *Metrics) IncCommandsFinished(state string) {
	m.commandsFinishedTotal.WithLabelValues(state).Inc()
}

// IncPreemptions increments the preemption counter.
func (m *Metrics) IncPreemptions() {
	m.preemptionsTotal.Inc()
}

// SetActiveSubscribers sets the active subscribers gauge.
func (m *Metrics) SetActiveSubscribers(n int) {
	m.activeSubscribers.Set(float64(n))
}

// AddEventsFlushed adds n to the flushed events counter.
func (m *Metrics) AddEventsFlushed(n int) {
	m.eventsFlushedTotal.Add(float64(n))
}

// IncArtifactRequests increments the artifact request counter.
func (m *Metrics) IncArtifactRequests() {
	m.artifactRequestsTotal.Inc()
}

// IncBusRepublishErrors increments the bus republish error counter.
func (m *Metrics) IncBusRepublishErrors() {
	m.busRepublishErrorsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active subscribers).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
