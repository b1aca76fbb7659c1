package infra

import "github.com/prometheus/client_golang/prometheus"

// Version はサービスのバージョン。
const Version = "1.0.0"

// Metrics は鍵配信に関するPrometheusメトリクスを保持する。
type Metrics struct {
	KeyWraps          *prometheus.CounterVec
	KeyUnwrapFailures *prometheus.CounterVec
	PaymentChecks     *prometheus.CounterVec
	Deliveries        *prometheus.CounterVec
	LedgerRequests    *prometheus.HistogramVec
}

// NewMetrics はメトリクスを生成し、reg に登録する。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		KeyWraps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "key_wraps_total",
				Help: "Total number of content key wraps by scheme",
			},
			[]string{"scheme"},
		),
		KeyUnwrapFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "key_unwrap_failures_total",
				Help: "Total number of failed content key unwraps by reason",
			},
			[]string{"reason"},
		),
		PaymentChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_verifications_total",
				Help: "Total number of ledger payment verifications by result",
			},
			[]string{"result"},
		),
		Deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "key_deliveries_total",
				Help: "Total number of delivery requests by outcome",
			},
			[]string{"outcome"},
		),
		LedgerRequests: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_rpc_duration_seconds",
				Help:    "Duration of ledger RPC calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
	}

	if reg != nil {
		reg.MustRegister(m.KeyWraps, m.KeyUnwrapFailures, m.PaymentChecks, m.Deliveries, m.LedgerRequests)
	}
	return m
}

// KeyWrapped はラップ方式ごとの件数を記録する。
func (m *Metrics) KeyWrapped(scheme string) {
	m.KeyWraps.WithLabelValues(scheme).Inc()
}

// UnwrapFailed はアンラップ失敗を理由別に記録する。
func (m *Metrics) UnwrapFailed(reason string) {
	m.KeyUnwrapFailures.WithLabelValues(reason).Inc()
}

// PaymentChecked は支払い検証の結果を記録する。
func (m *Metrics) PaymentChecked(result string) {
	m.PaymentChecks.WithLabelValues(result).Inc()
}

// Delivered は配信リクエストの結果を記録する。
func (m *Metrics) Delivered(outcome string) {
	m.Deliveries.WithLabelValues(outcome).Inc()
}
