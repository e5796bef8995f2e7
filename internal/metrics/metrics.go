// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "storefront"

// Collector はストアフロントのPrometheusメトリクスを収集する。
// チェックアウトのイベント、バックエンド呼び出し、HTTPステータス、
// セッションクリーンアップを記録する。
type Collector struct {
	cartLoads       prometheus.Counter
	emptyCarts      prometheus.Counter
	ordersPlaced    prometheus.Counter
	checkoutFailed  *prometheus.CounterVec
	backendLatency  *prometheus.HistogramVec
	backendStatus   *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
	sessionsCleaned prometheus.Counter
	imageProxy      *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		cartLoads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_cart_loads_total",
			Help:      "チェックアウト画面でのカート取得成功数",
		}),
		emptyCarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_empty_carts_total",
			Help:      "有効な行が無いカートでのチェックアウト表示数",
		}),
		ordersPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_placed_total",
			Help:      "注文確定の合計数",
		}),
		checkoutFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_failures_total",
			Help:      "種別（load, submit, auth）ごとのチェックアウト失敗数",
		}, []string{"kind"}),
		backendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_request_duration_seconds",
			Help:      "バックエンドAPI呼び出しのレイテンシ（秒）",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		backendStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_responses_total",
			Help:      "バックエンドAPIのステータスコード別応答数（0は通信失敗）",
		}, []string{"endpoint", "status_code"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_responses_total",
			Help:      "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		sessionsCleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_cleaned_total",
			Help:      "クリーンアップで削除した期限切れセッション数",
		}),
		imageProxy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "image_proxy_requests_total",
			Help:      "結果別の画像プロキシリクエスト数",
		}, []string{"result"}),
	}

	reg.MustRegister(
		c.cartLoads,
		c.emptyCarts,
		c.ordersPlaced,
		c.checkoutFailed,
		c.backendLatency,
		c.backendStatus,
		c.httpStatus,
		c.sessionsCleaned,
		c.imageProxy,
	)

	return c
}

// CartLoaded はチェックアウトでのカート取得を記録する。
func (c *Collector) CartLoaded(validItems int) {
	c.cartLoads.Inc()
	if validItems == 0 {
		c.emptyCarts.Inc()
	}
}

// OrderPlaced は注文確定を記録する。
func (c *Collector) OrderPlaced() {
	c.ordersPlaced.Inc()
}

// CheckoutFailed はチェックアウトの失敗を記録する。
func (c *Collector) CheckoutFailed(kind string) {
	c.checkoutFailed.WithLabelValues(kind).Inc()
}

// ObserveBackendCall はバックエンドAPI呼び出しを記録する。
func (c *Collector) ObserveBackendCall(endpoint string, status int, duration time.Duration) {
	c.backendLatency.WithLabelValues(endpoint).Observe(duration.Seconds())
	c.backendStatus.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordSessionsCleaned は削除した期限切れセッション数を記録する。
func (c *Collector) RecordSessionsCleaned(count int64) {
	c.sessionsCleaned.Add(float64(count))
}

// RecordImageProxy は画像プロキシの結果（ok, blocked, not_found, too_large, not_image）を記録する。
func (c *Collector) RecordImageProxy(result string) {
	c.imageProxy.WithLabelValues(result).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
