package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/hitoshi/storefront/internal/catalog"
	"github.com/hitoshi/storefront/internal/checkout"
	"github.com/hitoshi/storefront/internal/middleware"
	"github.com/hitoshi/storefront/internal/model"
	"github.com/hitoshi/storefront/internal/security"
	"github.com/hitoshi/storefront/internal/shopapi"
)

const (
	msgProductsFailed = "Failed to fetch products. Is the backend server running?"
	msgAddedToCart    = "Item added to cart!"
	msgAddToCartError = "Error adding item to cart."
	msgCartFailed     = "Could not load cart. Ensure backend is running."
)

// CatalogService は商品一覧・カート操作のサービスインターフェース。
type CatalogService interface {
	ListProducts(ctx context.Context, session *model.Session) ([]catalog.ProductView, error)
	AddToCart(ctx context.Context, session *model.Session, productID string, quantity int) error
	Cart(ctx context.Context, session *model.Session) (*model.CartSnapshot, error)
}

// ImageFetcher は商品画像を取得する。
type ImageFetcher interface {
	Fetch(ctx context.Context, src string) (*catalog.Image, error)
}

// ImageRecorder は画像プロキシの結果を記録する。
type ImageRecorder interface {
	RecordImageProxy(result string)
}

type homeData struct {
	DisplayName string
	Products    []catalog.ProductView
	LoadError   string
}

type cartData struct {
	Summary   checkout.Summary
	LoadError string
}

// CatalogHandler は商品一覧・カート・商品画像のHTTPハンドラー。
type CatalogHandler struct {
	service  CatalogService
	images   ImageFetcher
	recorder ImageRecorder // nil可
	renderer *Renderer
	cookie   CookieConfig
	logger   *slog.Logger
}

// NewCatalogHandler はCatalogHandlerを生成する。
func NewCatalogHandler(service CatalogService, images ImageFetcher, recorder ImageRecorder, renderer *Renderer, cookie CookieConfig, logger *slog.Logger) *CatalogHandler {
	return &CatalogHandler{
		service:  service,
		images:   images,
		recorder: recorder,
		renderer: renderer,
		cookie:   cookie,
		logger:   logger,
	}
}

// Home は商品一覧を表示する。
// GET /home
func (h *CatalogHandler) Home(w http.ResponseWriter, r *http.Request) {
	var flash *Flash
	if r.URL.Query().Get("added") == "1" {
		flash = &Flash{Type: "success", Text: msgAddedToCart}
	}
	h.renderHome(w, r, http.StatusOK, flash)
}

// AddToCart は商品をカートに追加する。
// POST /cart/items
func (h *CatalogHandler) AddToCart(w http.ResponseWriter, r *http.Request) {
	s := middleware.SessionFromContext(r.Context())

	quantity := 0
	if raw := strings.TrimSpace(r.PostFormValue("quantity")); raw != "" {
		q, err := strconv.Atoi(raw)
		if err != nil {
			h.renderHome(w, r, http.StatusBadRequest, errorFlash(model.NewInvalidRequestError("Invalid quantity.")))
			return
		}
		quantity = q
	}

	err := h.service.AddToCart(r.Context(), s, r.PostFormValue("product_id"), quantity)
	switch {
	case err == nil:
		http.Redirect(w, r, "/home?added=1", http.StatusSeeOther)
	case errors.Is(err, catalog.ErrSessionExpired):
		h.sessionExpired(w, r)
	case errors.Is(err, catalog.ErrInvalidCartItem):
		h.renderHome(w, r, http.StatusBadRequest, errorFlash(model.NewInvalidRequestError(msgAddToCartError)))
	default:
		msg := shopapi.ServerMessage(err)
		if msg == "" {
			msg = msgAddToCartError
		}
		h.renderHome(w, r, http.StatusBadGateway, errorFlash(model.NewBackendError(msg)))
	}
}

// Cart はカートの内容と合計を表示する。
// GET /cart
func (h *CatalogHandler) Cart(w http.ResponseWriter, r *http.Request) {
	s := middleware.SessionFromContext(r.Context())

	cart, err := h.service.Cart(r.Context(), s)
	if errors.Is(err, catalog.ErrSessionExpired) {
		h.sessionExpired(w, r)
		return
	}
	if err != nil {
		h.renderer.render(w, r, http.StatusBadGateway, pageCart, page{
			Title: "Cart",
			Data:  cartData{LoadError: msgCartFailed},
		})
		return
	}

	h.renderer.render(w, r, http.StatusOK, pageCart, page{
		Title: "Cart",
		Data:  cartData{Summary: checkout.Summarize(cart)},
	})
}

// Image は商品画像をプロキシ経由で返す。
// GET /images?src=
func (h *CatalogHandler) Image(w http.ResponseWriter, r *http.Request) {
	src := r.URL.Query().Get("src")

	img, err := h.images.Fetch(r.Context(), src)
	if err != nil {
		status, result := imageErrorStatus(err)
		h.recordImage(result)
		http.Error(w, http.StatusText(status), status)
		return
	}
	h.recordImage("ok")

	w.Header().Set("Content-Type", img.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("Content-Security-Policy", "default-src 'none'")
	w.WriteHeader(http.StatusOK)
	w.Write(img.Data)
}

func (h *CatalogHandler) renderHome(w http.ResponseWriter, r *http.Request, status int, flash *Flash) {
	s := middleware.SessionFromContext(r.Context())
	data := homeData{DisplayName: displayName(s)}

	products, err := h.service.ListProducts(r.Context(), s)
	if errors.Is(err, catalog.ErrSessionExpired) {
		h.sessionExpired(w, r)
		return
	}
	if err != nil {
		data.LoadError = msgProductsFailed
		if status == http.StatusOK {
			status = http.StatusBadGateway
		}
	}
	data.Products = products

	h.renderer.render(w, r, status, pageHome, page{Title: "Products", Flash: flash, Data: data})
}

// sessionExpired はバックエンドに拒否されたセッションのCookieを消してログインへ戻す。
func (h *CatalogHandler) sessionExpired(w http.ResponseWriter, r *http.Request) {
	clearSessionCookie(w, h.cookie)
	http.Redirect(w, r, checkout.RouteLogin, http.StatusSeeOther)
}

func (h *CatalogHandler) recordImage(result string) {
	if h.recorder != nil {
		h.recorder.RecordImageProxy(result)
	}
}

func imageErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, security.ErrBlockedURL):
		return http.StatusForbidden, "blocked"
	case errors.Is(err, catalog.ErrImageTooLarge):
		return http.StatusRequestEntityTooLarge, "too_large"
	case errors.Is(err, catalog.ErrNotAnImage):
		return http.StatusUnsupportedMediaType, "not_image"
	default:
		return http.StatusNotFound, "not_found"
	}
}

func displayName(s *model.Session) string {
	if s == nil || s.DisplayName == "" {
		return "User"
	}
	return s.DisplayName
}
