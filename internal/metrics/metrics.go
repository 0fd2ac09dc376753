// Package metrics registers the engine's Prometheus instruments.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	// OrdersSubmitted counts intake acceptances by order type.
	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "orders_submitted_total",
		Help:      "Orders accepted by intake, by type.",
	}, []string{"type"})

	// OrdersRejected counts intake rejections by error kind.
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "orders_rejected_total",
		Help:      "Orders rejected by intake, by error kind.",
	}, []string{"kind"})

	// TradesExecuted counts settlements by side and terminal status.
	TradesExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "trades_executed_total",
		Help:      "Settlement attempts, by side and resulting status.",
	}, []string{"side", "status"})

	// TriggersFired counts conditional triggers by order type.
	TriggersFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "triggers_fired_total",
		Help:      "Conditional order triggers, by type.",
	}, []string{"type"})

	// P2PMatches counts HUMAN-book settlements.
	P2PMatches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "p2p_matches_total",
		Help:      "Settled peer-to-peer matches.",
	})

	// Liquidations counts forced liquidations.
	Liquidations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "liquidations_total",
		Help:      "Forced liquidations.",
	})

	// SettlementSeconds observes settlement transaction latency.
	SettlementSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "engine",
		Name:      "settlement_seconds",
		Help:      "Settlement transaction latency.",
		Buckets:   prometheus.DefBuckets,
	})
)

// Serve exposes /metrics on addr. It blocks; run it in a goroutine.
func Serve(addr string) {
	logger := logrus.WithField("component", "metrics")
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Infof("Serving metrics on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Errorf("Metrics server stopped: %v", err)
	}
}
