// Package metrics exposes engine outcomes in the Prometheus text format.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/vitos/crypto_trade_risk/internal/domain"
	"github.com/vitos/crypto_trade_risk/internal/usecase"
)

const namespace = "trade_risk"

// PrometheusRecorder implements usecase.MetricsRecorder on its own registry,
// so several engines (or tests) never collide on the default one.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	cycles      *prometheus.CounterVec
	orders      *prometheus.CounterVec
	validations *prometheus.CounterVec
	protection  *prometheus.CounterVec
	cash        prometheus.Gauge
	equity      prometheus.Gauge
}

func NewPrometheusRecorder() *PrometheusRecorder {
	r := &PrometheusRecorder{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_total",
				Help:      "Signal cycles by symbol, decision and reason",
			},
			[]string{"symbol", "decision", "reason"},
		),
		orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orders_total",
				Help:      "Executed orders by terminal status and liquidity",
			},
			[]string{"status", "maker"},
		),
		validations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "portfolio_validations_total",
				Help:      "Portfolio commit validations by severity",
			},
			[]string{"severity"},
		),
		protection: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "protection_events_total",
				Help:      "Bracket and OCO lifecycle events",
			},
			[]string{"kind", "event"},
		),
		cash: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cash_usd",
			Help:      "Cash after the last committed transaction",
		}),
		equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "equity_usd",
			Help:      "Equity after the last committed transaction",
		}),
	}
	r.registry.MustRegister(r.cycles, r.orders, r.validations, r.protection, r.cash, r.equity)
	return r
}

func (r *PrometheusRecorder) CycleCompleted(symbol string, decision usecase.Decision, reason string) {
	r.cycles.WithLabelValues(symbol, string(decision), reason).Inc()
}

func (r *PrometheusRecorder) OrderExecuted(status usecase.ExecutionStatus, maker bool) {
	r.orders.WithLabelValues(string(status), strconv.FormatBool(maker)).Inc()
}

func (r *PrometheusRecorder) PortfolioValidated(severity domain.Severity) {
	r.validations.WithLabelValues(string(severity)).Inc()
}

func (r *PrometheusRecorder) ProtectionEvent(kind, event string) {
	r.protection.WithLabelValues(kind, event).Inc()
}

// EquityUpdated converts to float64 for export only.
func (r *PrometheusRecorder) EquityUpdated(cash, equity decimal.Decimal) {
	r.cash.Set(cash.InexactFloat64())
	r.equity.Set(equity.InexactFloat64())
}

// Handler serves the recorder's registry at /metrics.
func (r *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests and for registering extra collectors.
func (r *PrometheusRecorder) Registry() *prometheus.Registry {
	return r.registry
}
