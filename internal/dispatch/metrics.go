package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Batch outcomes.
const (
	outcomeSuccess = "success"
	outcomePartial = "partial"
	outcomeFailed  = "failed"
	outcomeSkipped = "skipped"
)

// Recipient results.
const (
	resultSent    = "sent"
	resultInvalid = "invalid"
	resultFailed  = "failed"
	resultDeduped = "deduped"
)

// Metrics holds the dispatcher's Prometheus collectors.
type Metrics struct {
	Batches       *prometheus.CounterVec
	Retries       prometheus.Counter
	Recipients    *prometheus.CounterVec
	BatchDuration prometheus.Histogram
}

// NewMetrics registers the dispatcher collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Batches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailfanout_batches_total",
			Help: "Batches processed, by outcome",
		}, []string{"outcome"}),
		Retries: f.NewCounter(prometheus.CounterOpts{
			Name: "mailfanout_retries_total",
			Help: "Batches resent after a partial failure",
		}),
		Recipients: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailfanout_recipients_total",
			Help: "Recipients handled, by result",
		}, []string{"result"}),
		BatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailfanout_batch_duration_seconds",
			Help:    "Time spent delivering one batch including its retry",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
