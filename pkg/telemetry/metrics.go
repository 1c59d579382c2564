// Package telemetry holds the process-level Prometheus collectors for the
// client. Collectors are global and carry only bounded label sets.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Call outcomes used as label values.
const (
	OutcomeOK          = "ok"
	OutcomeRemote      = "remote_error"
	OutcomeTransport   = "transport_error"
	OutcomeSerialize   = "serialization_error"
	OutcomeDecode      = "decode_error"
	OutcomeMismatch    = "protocol_mismatch"
	OutcomeMissing     = "missing_response"
	OutcomeUnsupported = "unsupported"
)

var (
	callsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rpcc_calls_total",
		Help: "Resolved calls and batch entries by outcome",
	}, []string{"kind", "outcome"})
	batchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rpcc_batches_sent_total",
		Help: "Batch payloads handed to a transport",
	})
	batchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rpcc_batch_size",
		Help:    "Number of requests per sent batch",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
	})
	unmatchedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rpcc_batch_unmatched_responses_total",
		Help: "Batch response elements discarded because no pending entry had their id",
	})
	subscriptionItems = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rpcc_subscription_items_total",
		Help: "Notifications published into subscription channels",
	})
	laggedItems = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rpcc_subscription_lagged_items_total",
		Help: "Items skipped by consumers that fell behind their channel capacity",
	})
	activeSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rpcc_subscriptions_active",
		Help: "Subscription channels currently registered in bridges",
	})
)

func init() {
	prometheus.MustRegister(callsTotal, batchesTotal, batchSize, unmatchedTotal, subscriptionItems, laggedItems, activeSubscriptions)
}

// RecordCall counts a resolved single call.
func RecordCall(outcome string) {
	callsTotal.WithLabelValues("call", outcome).Inc()
}

// RecordBatchEntry counts a resolved batch entry.
func RecordBatchEntry(outcome string) {
	callsTotal.WithLabelValues("batch", outcome).Inc()
}

// RecordBatch counts a batch payload of n requests.
func RecordBatch(n int) {
	batchesTotal.Inc()
	batchSize.Observe(float64(n))
}

// RecordUnmatched counts discarded batch response elements.
func RecordUnmatched(n int) {
	if n > 0 {
		unmatchedTotal.Add(float64(n))
	}
}

// RecordPublished counts items fanned out by a bridge.
func RecordPublished() {
	subscriptionItems.Inc()
}

// RecordLagged counts items a consumer skipped.
func RecordLagged(n uint64) {
	if n > 0 {
		laggedItems.Add(float64(n))
	}
}

// SubscriptionOpened and SubscriptionClosed track registered channels.
func SubscriptionOpened() { activeSubscriptions.Inc() }

func SubscriptionClosed() { activeSubscriptions.Dec() }

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
