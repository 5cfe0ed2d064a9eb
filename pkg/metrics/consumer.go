package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConsumerMessages tracks how each received message was settled
	ConsumerMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_messages_total",
		Help: "Total number of queue messages handled by the consumer",
	}, []string{"outcome"}) // outcome: processed, dead_lettered, abandoned, error

	// ConsumerBatchDuration measures one receive-and-settle cycle
	ConsumerBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "consumer_batch_duration_seconds",
		Help:    "Duration of a consumer batch in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})

	// ConsumerBatchSize tracks the number of messages actually received per batch
	ConsumerBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "consumer_batch_size",
		Help:    "Number of messages received per batch",
		Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000},
	})
)
