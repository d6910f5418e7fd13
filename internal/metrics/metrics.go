// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ログイン結果のラベル値
const (
	OutcomeSuccess       = "success"
	OutcomeConsentDenied = "consent_denied"
	OutcomeStateMismatch = "state_mismatch"
	OutcomeProvider      = "provider"
	OutcomeProfile       = "profile"
	OutcomePersistence   = "persistence"
	OutcomeShape         = "shape"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ミドルウェア、セッション永続化、認証ハンドラー、ワーカーから利用する。
type MetricsCollector interface {
	RecordLogin(outcome string)
	RecordUserCreated()
	RecordSessionStoreFailure(op string)
	RecordSessionStoreRetry(op string)
	RecordSessionWriteLatency(duration time.Duration)
	RecordHTTPStatus(statusCode int)
	RecordExpiredSessionsDeleted(count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	logins                 *prometheus.CounterVec
	usersCreated           prometheus.Counter
	sessionStoreFailures   *prometheus.CounterVec
	sessionStoreRetries    *prometheus.CounterVec
	sessionWriteLatency    prometheus.Histogram
	httpStatus             *prometheus.CounterVec
	expiredSessionsDeleted prometheus.Counter
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_logins_total",
			Help: "結果別のFacebookログイン試行数",
		}, []string{"outcome"}),
		usersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "huddle_users_created_total",
			Help: "初回ログインで作成されたユーザーの合計数",
		}),
		sessionStoreFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_session_store_failures_total",
			Help: "リトライ後も失敗したセッションストア操作の数",
		}, []string{"op"}),
		sessionStoreRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_session_store_retries_total",
			Help: "セッションストア操作のリトライ回数",
		}, []string{"op"}),
		sessionWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "huddle_session_write_latency_seconds",
			Help:    "セッション書き込み（リトライ込み）のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		expiredSessionsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "huddle_expired_sessions_deleted_total",
			Help: "クリーンアップで削除された期限切れセッションの合計数",
		}),
	}

	reg.MustRegister(
		c.logins,
		c.usersCreated,
		c.sessionStoreFailures,
		c.sessionStoreRetries,
		c.sessionWriteLatency,
		c.httpStatus,
		c.expiredSessionsDeleted,
	)

	return c
}

// RecordLogin はログイン試行の結果を記録する。
func (c *Collector) RecordLogin(outcome string) {
	c.logins.WithLabelValues(outcome).Inc()
}

// RecordUserCreated はユーザー作成を記録する。
func (c *Collector) RecordUserCreated() {
	c.usersCreated.Inc()
}

// RecordSessionStoreFailure はセッションストア操作の最終的な失敗を記録する。
func (c *Collector) RecordSessionStoreFailure(op string) {
	c.sessionStoreFailures.WithLabelValues(op).Inc()
}

// RecordSessionStoreRetry はセッションストア操作のリトライを記録する。
func (c *Collector) RecordSessionStoreRetry(op string) {
	c.sessionStoreRetries.WithLabelValues(op).Inc()
}

// RecordSessionWriteLatency はセッション書き込みのレイテンシを記録する。
func (c *Collector) RecordSessionWriteLatency(duration time.Duration) {
	c.sessionWriteLatency.Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordExpiredSessionsDeleted は削除された期限切れセッション数を記録する。
func (c *Collector) RecordExpiredSessionsDeleted(count int64) {
	c.expiredSessionsDeleted.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
