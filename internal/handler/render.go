// Package handler はストアフロントのHTTPハンドラーとルーティングを提供する。
package handler

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/storefront/internal/middleware"
	"github.com/hitoshi/storefront/internal/model"
)

//go:embed templates/*.html
var templateFS embed.FS

// ページテンプレート名
const (
	pageLogin        = "login"
	pageRegister     = "register"
	pageHome         = "home"
	pageCart         = "cart"
	pageCheckout     = "checkout"
	pageOrderSuccess = "order_success"
)

var pageNames = []string{pageLogin, pageRegister, pageHome, pageCart, pageCheckout, pageOrderSuccess}

// Flash は画面上部に表示する通知。
type Flash struct {
	Type string // success, warning, danger
	Text string
	Hint string // 対処方法
}

// errorFlash はAPIErrorを画面上部のエラー表示に変換する。
func errorFlash(e *model.APIError) *Flash {
	return &Flash{Type: "danger", Text: e.Message, Hint: e.Action}
}

// Refresh は <meta http-equiv="refresh"> による遅延遷移。
type Refresh struct {
	URL     string
	Seconds string
}

func newRefresh(url string, delay time.Duration) *Refresh {
	return &Refresh{URL: url, Seconds: strconv.FormatFloat(delay.Seconds(), 'f', -1, 64)}
}

// page はレイアウトに渡す共通データ。
type page struct {
	Title     string
	CSRFToken string
	Session   *model.Session
	Flash     *Flash
	Refresh   *Refresh
	Data      any
}

// Renderer は埋め込みテンプレートからページを描画する。
type Renderer struct {
	pages  map[string]*template.Template
	logger *slog.Logger
}

// NewRenderer は全ページのテンプレートを解析してRendererを生成する。
func NewRenderer(logger *slog.Logger) (*Renderer, error) {
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		tmpl, err := template.ParseFS(templateFS, "templates/layout.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}
		pages[name] = tmpl
	}
	return &Renderer{pages: pages, logger: logger}, nil
}

// render はページを描画する。描画に失敗した場合は500を返す。
func (rd *Renderer) render(w http.ResponseWriter, r *http.Request, status int, name string, p page) {
	tmpl, ok := rd.pages[name]
	if !ok {
		rd.logger.Error("unknown template", slog.String("template", name))
		middleware.WriteInternalServerError(w, r)
		return
	}

	p.CSRFToken = middleware.CSRFToken(r.Context())
	if p.Session == nil {
		p.Session = middleware.SessionFromContext(r.Context())
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "layout.html", p); err != nil {
		rd.logger.Error("failed to render template",
			slog.String("template", name),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	buf.WriteTo(w)
}
