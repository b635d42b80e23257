package taskbus

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "taskbus"

// Metrics groups the collectors of the bus.
type Metrics struct {
	// Published counts publish outcomes per queue: ack, nack, timeout, error.
	Published *prometheus.CounterVec
	// Consumed counts consumer outcomes per queue: ack, nack, requeue.
	Consumed *prometheus.CounterVec
	// Transitions counts task state changes per target state.
	Transitions *prometheus.CounterVec
	// InFlight is the number of handlers running.
	InFlight *prometheus.GaugeVec
	// RepoRequests and RepoDuration instrument the task repository.
	RepoRequests *prometheus.CounterVec
	RepoDuration *prometheus.SummaryVec
}

// NewMetrics creates the collectors and registers them on reg when it is
// not nil. Collectors already registered on reg are reused.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Published: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "published_total",
			Help:      "Messages published, by queue and confirm outcome.",
		}, []string{"queue", "outcome"})),
		Consumed: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "consumed_total",
			Help:      "Messages consumed, by queue and settlement.",
		}, []string{"queue", "outcome"})),
		Transitions: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "task_transitions_total",
			Help:      "Task state transitions, by target state.",
		}, []string{"state"})),
		InFlight: register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "handlers_in_flight",
			Help:      "Handlers currently running, by queue.",
		}, []string{"queue"})),
		RepoRequests: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "repository",
			Name:      "request_count",
			Help:      "Repository requests.",
		}, []string{"method", "error"})),
		RepoDuration: register(reg, prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Namespace: metricsNamespace,
			Subsystem: "repository",
			Name:      "request_duration",
			Help:      "Repository request duration in seconds.",
		}, []string{"method", "error"})),
	}
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}
