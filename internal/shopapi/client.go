// Package shopapi はショップバックエンドのREST APIクライアントを提供する。
// ログイン・会員登録・商品一覧・カート・注文作成の各エンドポイントを呼び出す。
package shopapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

const (
	// maxResponseSize はレスポンスボディの最大読み取りサイズ（1MB）。
	maxResponseSize = 1 << 20
	// userAgent はバックエンドに送信するUser-Agent。
	userAgent = "Storefront/1.0"
	// idempotencyHeader は注文作成の重複防止キーを送るヘッダー。
	idempotencyHeader = "Idempotency-Key"
)

// エンドポイント
const (
	pathLogin    = "/api/users/login"
	pathRegister = "/api/users/register"
	pathProducts = "/api/products"
	pathCart     = "/api/cart"
	pathOrders   = "/api/orders"
)

// Observer はバックエンド呼び出しの結果を受け取るインターフェース。
// メトリクス収集に使用する。statusは通信失敗時0。
type Observer interface {
	ObserveBackendCall(endpoint string, status int, duration time.Duration)
}

// Error はバックエンドが非2xxステータスを返した場合のエラー。
// Messageにはレスポンスボディのmessageフィールドを格納する（無い場合は空）。
type Error struct {
	Endpoint   string
	StatusCode int
	Message    string
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: status %d: %s", e.Endpoint, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: status %d", e.Endpoint, e.StatusCode)
}

// IsUnauthorized はエラーがバックエンドの401応答かを判定する。
func IsUnauthorized(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// ServerMessage はバックエンドが返したmessageを取り出す。
// バックエンドエラーでない、またはmessageが無い場合は空文字列を返す。
func ServerMessage(err error) string {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return ""
}

// Client はショップバックエンドのAPIクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
	timeout    time.Duration // 1呼び出しあたりの上限。0の場合はhttpClientの設定に従う
	observer   Observer
}

// NewClient はClientの新しいインスタンスを生成する。
// baseURLは末尾スラッシュなしのバックエンドURL（例: http://localhost:5000）。
func NewClient(httpClient *http.Client, baseURL string, logger *slog.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    baseURL,
	}
}

// WithTimeout は1呼び出しあたりのタイムアウトを設定する。
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.timeout = d
	return c
}

// WithObserver はバックエンド呼び出しのObserverを設定する。
func (c *Client) WithObserver(o Observer) *Client {
	c.observer = o
	return c
}

// request はバックエンドへの1回のリクエストを表す。
type request struct {
	method  string
	path    string
	token   string
	body    any
	headers map[string]string
}

// do はリクエストを送信し、2xxの場合はレスポンスボディを返す。
// 非2xxの場合は*Errorを返す。通信失敗はラップしたエラーを返す。
func (c *Client) do(ctx context.Context, r request) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reader io.Reader
	if r.body != nil {
		payload, err := json.Marshal(r.body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, c.baseURL+r.path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(r.path, 0, time.Since(start))
		c.logger.Error("shop backend request failed",
			slog.String("method", r.method),
			slog.String("endpoint", r.path),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%s %s: %w", r.method, r.path, err)
	}
	defer resp.Body.Close()
	c.observe(r.path, resp.StatusCode, time.Since(start))

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		c.logger.Error("failed to read shop backend response",
			slog.String("endpoint", r.path),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &Error{
			Endpoint:   r.path,
			StatusCode: resp.StatusCode,
		}
		if gjson.ValidBytes(body) {
			apiErr.Message = gjson.GetBytes(body, "message").String()
		}
		c.logger.Warn("shop backend returned error status",
			slog.String("method", r.method),
			slog.String("endpoint", r.path),
			slog.Int("http_status", resp.StatusCode),
			slog.String("message", apiErr.Message),
		)
		return nil, apiErr
	}

	return body, nil
}

func (c *Client) observe(endpoint string, status int, d time.Duration) {
	if c.observer != nil {
		c.observer.ObserveBackendCall(endpoint, status, d)
	}
}
