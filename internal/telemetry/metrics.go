package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	WebhooksReceived      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "webhooks_received_total", Help: "Provider callbacks received, by provider status"}, []string{"status"})
	WebhookOutcomes       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "webhook_outcomes_total", Help: "Dispatcher outcomes, by outcome and tool"}, []string{"outcome", "tool_kind"})
	RelayFailures         = prometheus.NewCounter(prometheus.CounterOpts{Name: "asset_relay_failures_total", Help: "Outputs that could not be copied to durable storage"})
	SettlementFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "credit_settlement_failures_total", Help: "Ledger calls that failed and were flagged for reconciliation"})
	ChainedSubmissions    = prometheus.NewCounter(prometheus.CounterOpts{Name: "chained_submissions_total", Help: "Follow-up jobs submitted from a completion handler"})
	NotificationsFailed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "notifications_failed_total", Help: "User notifications that could not be published"})
	SettlementsReconciled = prometheus.NewCounter(prometheus.CounterOpts{Name: "credit_settlements_reconciled_total", Help: "Flagged settlements later completed by the reconciler"})
	PanicsRecovered       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "api_panics_recovered_total", Help: "Panics recovered on the authenticated API, by route pattern"}, []string{"route"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			WebhooksReceived,
			WebhookOutcomes,
			RelayFailures,
			SettlementFailures,
			ChainedSubmissions,
			NotificationsFailed,
			SettlementsReconciled,
			PanicsRecovered,
		)
	})
	return promhttp.Handler()
}
