package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidesCreated   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rideboard", Name: "rides_created_total", Help: "Total ride requests posted"})
	RidesClaimed   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rideboard", Name: "rides_claimed_total", Help: "Total rides successfully claimed"})
	RidesCompleted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rideboard", Name: "rides_completed_total", Help: "Total rides marked completed"})
	ClaimConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rideboard", Name: "claim_conflicts_total", Help: "Claim attempts that lost the race or hit a non-open ride"})
	LedgerEntries  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rideboard", Name: "ledger_entries_total", Help: "Payment-promise ledger entries written"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "rideboard", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rideboard",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
