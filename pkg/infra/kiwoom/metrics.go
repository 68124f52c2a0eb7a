// pkg/infra/kiwoom/metrics.go
package kiwoom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics はブローカー接続まわりの Prometheus メトリクスです。nil でも安全に呼べます。
type Metrics struct {
	requests  *prometheus.CounterVec
	wait      *prometheus.HistogramVec
	orders    *prometheus.CounterVec
	chejan    *prometheus.CounterVec
	connected prometheus.Gauge
}

// NewMetrics はメトリクスを生成し、reg が nil でなければ登録します
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kiwoom_requests_total",
			Help: "Broker requests by channel and result.",
		}, []string{"channel", "result"}),
		wait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kiwoom_ratelimit_wait_seconds",
			Help:    "Time spent waiting on the request rate limiter.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 300, 3600},
		}, []string{"limiter"}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kiwoom_orders_total",
			Help: "Orders submitted by kind and result.",
		}, []string{"kind", "result"}),
		chejan: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kiwoom_chejan_events_total",
			Help: "Order/balance notifications by table.",
		}, []string{"table"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kiwoom_connected",
			Help: "1 when the broker session is logged in.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.wait, m.orders, m.chejan, m.connected)
	}
	return m
}

func (m *Metrics) request(ch Channel, result string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(string(ch), result).Inc()
}

func (m *Metrics) observeWait(limiter string, d time.Duration) {
	if m == nil {
		return
	}
	m.wait.WithLabelValues(limiter).Observe(d.Seconds())
}

func (m *Metrics) order(kind OrderKind, result string) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(kind.String(), result).Inc()
}

func (m *Metrics) chejanEvent(table string) {
	if m == nil {
		return
	}
	m.chejan.WithLabelValues(table).Inc()
}

func (m *Metrics) setConnected(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}
