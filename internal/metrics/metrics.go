// Package metrics registers the mail store's Prometheus series, the
// same prometheus/client_golang registration-once pattern the teacher
// uses, generalised from query-proxy counters to backend-pool and
// fetcher counters.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueryTotal counts queries executed by kind and whether they failed.
	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailstored_query_total",
			Help: "Total number of database queries executed",
		},
		[]string{"kind", "outcome"},
	)

	// QueryLatency tracks query latency by kind.
	QueryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailstored_query_latency_seconds",
			Help:    "Query latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// PoolSize tracks the current backend count and effective ceiling.
	PoolSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailstored_pool_size",
			Help: "Current backend pool size",
		},
		[]string{"dimension"}, // "count" or "ceiling"
	)

	// FetcherBatchSize tracks the number of uids covered by each Message
	// Fetcher batch, by kind.
	FetcherBatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailstored_fetcher_batch_size",
			Help:    "Number of uids spanned by a Message Fetcher batch",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000},
		},
		[]string{"kind"},
	)

	// FetcherBatchLatency tracks time to execute a fetcher batch.
	FetcherBatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailstored_fetcher_batch_latency_seconds",
			Help:    "Time to execute a Message Fetcher batch",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// SessionsActive tracks concurrently open sessions by protocol.
	SessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailstored_sessions_active",
			Help: "Currently open sessions",
		},
		[]string{"protocol"}, // "imap", "pop3", "lmtp"
	)

	// NotificationsDispatched counts NOTIFY payloads broadcast to
	// in-process subscribers, by channel.
	NotificationsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailstored_notifications_dispatched_total",
			Help: "Total NOTIFY payloads dispatched to subscribers",
		},
		[]string{"channel"},
	)

	once sync.Once
)

// Init registers every metric with the default Prometheus registry.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(QueryTotal)
		prometheus.MustRegister(QueryLatency)
		prometheus.MustRegister(PoolSize)
		prometheus.MustRegister(FetcherBatchSize)
		prometheus.MustRegister(FetcherBatchLatency)
		prometheus.MustRegister(SessionsActive)
		prometheus.MustRegister(NotificationsDispatched)
	})
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
