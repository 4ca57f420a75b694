package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 控制循环的 Prometheus 指标
type Metrics struct {
	orders            *prometheus.CounterVec
	riskStops         *prometheus.CounterVec
	alertsSent        *prometheus.CounterVec
	alertsSuppressed  *prometheus.CounterVec
	priceFetchFailure *prometheus.CounterVec
	runningBots       prometheus.Gauge
	realizedPnl       *prometheus.GaugeVec
	tickDuration      prometheus.Histogram
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		orders: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gridbot_orders_total",
			Help: "Order attempts by execution mode and status",
		}, []string{"execution", "status"}),
		riskStops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gridbot_stops_total",
			Help: "Bot stops by kind",
		}, []string{"kind"}),
		alertsSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gridbot_alerts_sent_total",
			Help: "Alerts handed to the notifier",
		}, []string{"type"}),
		alertsSuppressed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gridbot_alerts_suppressed_total",
			Help: "Alerts skipped inside the cooldown window",
		}, []string{"type"}),
		priceFetchFailure: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gridbot_price_fetch_failures_total",
			Help: "Failed mark price fetches",
		}, []string{"symbol"}),
		runningBots: f.NewGauge(prometheus.GaugeOpts{
			Name: "gridbot_running_bots",
			Help: "Engines armed in the last tick",
		}),
		realizedPnl: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gridbot_realized_pnl",
			Help: "Realized PnL per bot",
		}, []string{"bot", "symbol"}),
		tickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gridbot_tick_duration_seconds",
			Help:    "Control loop tick duration",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
		}),
	}
}

func (m *Metrics) RecordOrder(execution, status string) {
	m.orders.WithLabelValues(execution, status).Inc()
}

func (m *Metrics) RecordStop(kind string) {
	m.riskStops.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordAlert(alertType string, sent bool) {
	if sent {
		m.alertsSent.WithLabelValues(alertType).Inc()
		return
	}
	m.alertsSuppressed.WithLabelValues(alertType).Inc()
}

func (m *Metrics) RecordPriceFailure(symbol string) {
	m.priceFetchFailure.WithLabelValues(symbol).Inc()
}

func (m *Metrics) SetRunningBots(n int) {
	m.runningBots.Set(float64(n))
}

func (m *Metrics) SetRealizedPnl(botID, symbol string, pnl float64) {
	m.realizedPnl.WithLabelValues(botID, symbol).Set(pnl)
}

// ForgetBot drops the per-bot series of an evicted bot.
func (m *Metrics) ForgetBot(botID, symbol string) {
	m.realizedPnl.DeleteLabelValues(botID, symbol)
}

func (m *Metrics) ObserveTick(d time.Duration) {
	m.tickDuration.Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
