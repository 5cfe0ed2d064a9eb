package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EntriesCreated counts outbox entries written alongside host mutations
	EntriesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_entries_created_total",
		Help: "Total number of outbox entries created by the producer",
	}, []string{"entity"})

	// MessagesSent tracks publisher throughput by result (sent/error)
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_messages_sent_total",
		Help: "Total number of outbox entries published to the broker",
	}, []string{"status"})

	// BookkeepingFailures counts store updates that failed after the broker side effect succeeded.
	// A growing value means entries are stuck in a stale status while their messages are in flight
	BookkeepingFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_bookkeeping_failures_total",
		Help: "Outbox updates that failed after a successful broker operation",
	}, []string{"stage"})

	// BrokerHealthy provides a binary 0/1 signal for the broker link
	BrokerHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_broker_healthy",
		Help: "Current health status of the broker link (1 for healthy, 0 for unhealthy)",
	})

	// StateExecutorAttempts counts batched attempts made by the state executor
	StateExecutorAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "state_executor_attempts_total",
		Help: "Total number of batched state change attempts",
	})

	// StateExecutorUnresolved is the number of changes left unapplied by the last run
	StateExecutorUnresolved = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "state_executor_unresolved",
		Help: "State changes left unresolved after the last executor run",
	})
)
