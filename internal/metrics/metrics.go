// Package metrics holds the Prometheus collectors for supervisors and relays.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "procrelay"

var (
	supervisorState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "state",
			Help:      "Current supervisor state as its numeric value (0=initial ... 6=waiting_for_connection).",
		},
		[]string{"process"},
	)
	supervisorTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "transitions_total",
			Help:      "Count of supervisor state transitions.",
		},
		[]string{"process", "from", "to"},
	)
	supervisorRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "restarts_total",
			Help:      "Count of retry budget units consumed.",
		},
		[]string{"process"},
	)

	relayPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "pending_requests",
			Help:      "Outbound requests waiting for an acknowledge.",
		},
		[]string{"process"},
	)
	relayOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "outcomes_total",
			Help:      "Resolutions of outbound requests by outcome.",
		},
		[]string{"process", "outcome"},
	)
	relayForwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "forwarded_total",
			Help:      "Commands forwarded from the peer to the central authority.",
		},
		[]string{"process"},
	)

	protocolDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "dropped_total",
			Help:      "Messages dropped without affecting supervisor state.",
		},
		[]string{"process", "reason"},
	)
)

// Reasons for protocolDropped.
const (
	DropUnknownMessage = "unknown_message"
	DropMalformed      = "malformed"
	DropStaleAck       = "stale_ack"
	DropSpuriousAck    = "spurious_ack"
)

var registerMetrics sync.Once

// Register all metrics with reg, or the default registerer when reg is nil.
func Register(reg prometheus.Registerer) {
	registerMetrics.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		reg.MustRegister(supervisorState)
		reg.MustRegister(supervisorTransitions)
		reg.MustRegister(supervisorRestarts)
		reg.MustRegister(relayPending)
		reg.MustRegister(relayOutcomes)
		reg.MustRegister(relayForwarded)
		reg.MustRegister(protocolDropped)
	})
}

// RecordTransition updates the state gauge and transition counter.
func RecordTransition(process, from, to string, value int) {
	supervisorState.WithLabelValues(process).Set(float64(value))
	supervisorTransitions.WithLabelValues(process, from, to).Inc()
}

// RecordRestart counts one consumed retry.
func RecordRestart(process string) {
	supervisorRestarts.WithLabelValues(process).Inc()
}

// SetPending records the current number of tracked outbound requests.
func SetPending(process string, n int) {
	relayPending.WithLabelValues(process).Set(float64(n))
}

// RecordOutcome counts one resolved outbound request.
func RecordOutcome(process, outcome string) {
	relayOutcomes.WithLabelValues(process, outcome).Inc()
}

// RecordForwarded counts one command forwarded to the central authority.
func RecordForwarded(process string) {
	relayForwarded.WithLabelValues(process).Inc()
}

// RecordDropped counts one dropped message.
func RecordDropped(process, reason string) {
	protocolDropped.WithLabelValues(process, reason).Inc()
}
