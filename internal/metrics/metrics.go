// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ゲートミドルウェアやサービス層から利用する。
type MetricsCollector interface {
	RecordGateDecision(state, action string)
	RecordSignIn(result string)
	RecordPasswordSet(result string)
	RecordProfileCompletion(result string)
	RecordProviderLatency(operation string, duration time.Duration)
	SetActiveStores(count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	gateDecisions     *prometheus.CounterVec
	signIn            *prometheus.CounterVec
	passwordSet       *prometheus.CounterVec
	profileCompletion *prometheus.CounterVec
	providerLatency   *prometheus.HistogramVec
	activeStores      prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		gateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessiongate_gate_decisions_total",
			Help: "ルートガードの判定結果の合計数",
		}, []string{"state", "action"}),
		signIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessiongate_sign_in_total",
			Help: "ログイン試行の結果別の合計数",
		}, []string{"result"}),
		passwordSet: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessiongate_password_set_total",
			Help: "パスワード設定の結果別の合計数",
		}, []string{"result"}),
		profileCompletion: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessiongate_profile_completion_total",
			Help: "プロフィール作成の結果別の合計数",
		}, []string{"result"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sessiongate_provider_request_latency_seconds",
			Help:    "IdPへのリクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		activeStores: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sessiongate_active_stores",
			Help: "メモリ上に保持しているクライアント別セッションストアの数",
		}),
	}

	reg.MustRegister(
		c.gateDecisions,
		c.signIn,
		c.passwordSet,
		c.profileCompletion,
		c.providerLatency,
		c.activeStores,
	)

	return c
}

// RecordGateDecision はルートガードの判定を記録する。
func (c *Collector) RecordGateDecision(state, action string) {
	c.gateDecisions.WithLabelValues(state, action).Inc()
}

// RecordSignIn はログイン試行の結果を記録する。
func (c *Collector) RecordSignIn(result string) {
	c.signIn.WithLabelValues(result).Inc()
}

// RecordPasswordSet はパスワード設定の結果を記録する。
func (c *Collector) RecordPasswordSet(result string) {
	c.passwordSet.WithLabelValues(result).Inc()
}

// RecordProfileCompletion はプロフィール作成の結果を記録する。
func (c *Collector) RecordProfileCompletion(result string) {
	c.profileCompletion.WithLabelValues(result).Inc()
}

// RecordProviderLatency はIdPへのリクエストのレイテンシを記録する。
func (c *Collector) RecordProviderLatency(operation string, duration time.Duration) {
	c.providerLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetActiveStores は保持中のセッションストア数を設定する。
func (c *Collector) SetActiveStores(count int) {
	c.activeStores.Set(float64(count))
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordGateDecision(string, string)           {}
func (Nop) RecordSignIn(string)                         {}
func (Nop) RecordPasswordSet(string)                    {}
func (Nop) RecordProfileCompletion(string)              {}
func (Nop) RecordProviderLatency(string, time.Duration) {}
func (Nop) SetActiveStores(int)                         {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
