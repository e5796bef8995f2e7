package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/hitoshi/storefront/internal/checkout"
	"github.com/hitoshi/storefront/internal/middleware"
	"github.com/hitoshi/storefront/internal/model"
)

// CheckoutRegistry はセッションごとのチェックアウトControllerを管理する。
type CheckoutRegistry interface {
	Mount(ctx context.Context, s *model.Session) *checkout.Controller
	Acquire(ctx context.Context, s *model.Session) *checkout.Controller
	Release(sessionID string)
}

type checkoutData struct {
	View checkout.View
}

type orderSuccessData struct {
	Message string
}

// CheckoutHandler はチェックアウトフローのHTTPハンドラー。
// Controllerが発行した遷移は303リダイレクトに、予約中の遅延遷移はmeta refreshに変換する。
type CheckoutHandler struct {
	registry CheckoutRegistry
	renderer *Renderer
	cookie   CookieConfig
	logger   *slog.Logger
}

// NewCheckoutHandler はCheckoutHandlerを生成する。
func NewCheckoutHandler(registry CheckoutRegistry, renderer *Renderer, cookie CookieConfig, logger *slog.Logger) *CheckoutHandler {
	return &CheckoutHandler{
		registry: registry,
		renderer: renderer,
		cookie:   cookie,
		logger:   logger,
	}
}

// Show はチェックアウト画面をマウントしてカートを表示する。
// GET /checkout
func (h *CheckoutHandler) Show(w http.ResponseWriter, r *http.Request) {
	s := middleware.SessionFromContext(r.Context())
	c := h.registry.Mount(r.Context(), s)
	h.respond(w, r, s, c.View())
}

// Submit は注文を確定する。処理中の送信は無視され、現在の状態を表示する。
// POST /checkout
func (h *CheckoutHandler) Submit(w http.ResponseWriter, r *http.Request) {
	s := middleware.SessionFromContext(r.Context())
	c := h.registry.Acquire(r.Context(), s)
	if !c.Submit(r.Context()) {
		h.logger.Debug("checkout submit ignored",
			slog.String("state", c.View().State.String()),
		)
	}
	h.respond(w, r, s, c.View())
}

// OrderSuccess は注文確定画面を表示する。
// GET /order-success
func (h *CheckoutHandler) OrderSuccess(w http.ResponseWriter, r *http.Request) {
	var data orderSuccessData
	if id := r.URL.Query().Get("order"); id != "" {
		data.Message = checkout.ConfirmationMessage(id)
	}
	h.renderer.render(w, r, http.StatusOK, pageOrderSuccess, page{Title: "Order Confirmed", Data: data})
}

func (h *CheckoutHandler) respond(w http.ResponseWriter, r *http.Request, s *model.Session, v checkout.View) {
	switch v.Redirect {
	case "":
	case checkout.RouteOrderSuccess:
		h.release(s)
		target := checkout.RouteOrderSuccess
		if v.OrderID != "" {
			target += "?order=" + url.QueryEscape(v.OrderID)
		}
		http.Redirect(w, r, target, http.StatusSeeOther)
		return
	case checkout.RouteLogin:
		h.release(s)
		if s != nil {
			clearSessionCookie(w, h.cookie)
		}
		http.Redirect(w, r, checkout.RouteLogin, http.StatusSeeOther)
		return
	default:
		h.release(s)
		http.Redirect(w, r, v.Redirect, http.StatusSeeOther)
		return
	}

	p := page{Title: "Checkout", Data: checkoutData{View: v}}
	if v.Pending != nil {
		p.Refresh = newRefresh(v.Pending.Route, v.Pending.Delay)
	}

	status := http.StatusOK
	if v.State == checkout.StateFailed && v.Failure == checkout.FailureLoad {
		status = http.StatusBadGateway
	}
	h.renderer.render(w, r, status, pageCheckout, p)
}

func (h *CheckoutHandler) release(s *model.Session) {
	if s != nil {
		h.registry.Release(s.ID)
	}
}
