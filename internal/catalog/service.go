// Package catalog は商品一覧・カート追加と商品画像のプロキシを提供する。
package catalog

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/url"
	"strings"

	"github.com/hitoshi/storefront/internal/model"
	"github.com/hitoshi/storefront/internal/shopapi"
)

// ErrSessionExpired はバックエンドがトークンを拒否し、セッションを失効させた場合のエラー。
var ErrSessionExpired = errors.New("session expired")

// ErrInvalidCartItem はカート追加の商品IDまたは数量が不正な場合のエラー。
var ErrInvalidCartItem = errors.New("invalid quantity")

// Backend は商品・カートのバックエンド操作。
type Backend interface {
	ListProducts(ctx context.Context, token string) ([]model.Product, error)
	AddToCart(ctx context.Context, token, productID string, quantity int) error
	GetCart(ctx context.Context, token string) (*model.CartSnapshot, error)
}

// SessionExpirer はバックエンドに拒否されたセッションを失効させる。
type SessionExpirer interface {
	Expire(ctx context.Context, session *model.Session) error
}

// Sanitizer は商品説明のHTMLをサニタイズする。
type Sanitizer interface {
	HTML(raw string) template.HTML
}

// ProductView は商品一覧の表示用データ。
type ProductView struct {
	model.Product
	DescriptionHTML template.HTML
	ImageSrc        string // 画像プロキシ経由のURL。画像が無い場合は空
}

// Service は商品一覧とカート操作を提供する。
type Service struct {
	backend   Backend
	sessions  SessionExpirer
	sanitizer Sanitizer
	logger    *slog.Logger
}

// NewService はServiceを生成する。
func NewService(backend Backend, sessions SessionExpirer, sanitizer Sanitizer, logger *slog.Logger) *Service {
	return &Service{
		backend:   backend,
		sessions:  sessions,
		sanitizer: sanitizer,
		logger:    logger,
	}
}

// ListProducts は商品一覧を表示用に変換して返す。
// 401の場合はセッションを失効させErrSessionExpiredを返す。
func (s *Service) ListProducts(ctx context.Context, session *model.Session) ([]ProductView, error) {
	products, err := s.backend.ListProducts(ctx, session.Token)
	if err != nil {
		return nil, s.handleBackendError(ctx, session, "failed to list products", err)
	}

	views := make([]ProductView, 0, len(products))
	for _, p := range products {
		v := ProductView{Product: p, ImageSrc: ProxiedImageURL(p.ImageURL)}
		if s.sanitizer != nil && p.Description != "" {
			v.DescriptionHTML = s.sanitizer.HTML(p.Description)
		}
		views = append(views, v)
	}
	return views, nil
}

// AddToCart は商品をカートに追加する。quantityが0の場合は1として扱う。
func (s *Service) AddToCart(ctx context.Context, session *model.Session, productID string, quantity int) error {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return fmt.Errorf("%w: product id is required", ErrInvalidCartItem)
	}
	if quantity == 0 {
		quantity = 1
	}
	if quantity < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidCartItem, quantity)
	}

	if err := s.backend.AddToCart(ctx, session.Token, productID, quantity); err != nil {
		return s.handleBackendError(ctx, session, "failed to add to cart", err)
	}

	s.logger.Info("item added to cart",
		slog.String("user_id", session.UserID),
		slog.String("product_id", productID),
		slog.Int("quantity", quantity),
	)
	return nil
}

// Cart はカートの内容を返す。
func (s *Service) Cart(ctx context.Context, session *model.Session) (*model.CartSnapshot, error) {
	cart, err := s.backend.GetCart(ctx, session.Token)
	if err != nil {
		return nil, s.handleBackendError(ctx, session, "failed to get cart", err)
	}
	return cart, nil
}

func (s *Service) handleBackendError(ctx context.Context, session *model.Session, msg string, err error) error {
	if shopapi.IsUnauthorized(err) {
		if expErr := s.sessions.Expire(ctx, session); expErr != nil {
			s.logger.Error("failed to expire session",
				slog.String("error", expErr.Error()),
			)
		}
		return ErrSessionExpired
	}

	s.logger.Error(msg,
		slog.String("user_id", session.UserID),
		slog.String("error", err.Error()),
	)
	return fmt.Errorf("%s: %w", msg, err)
}

// ProxiedImageURL は画像プロキシ経由のURLを返す。
func ProxiedImageURL(src string) string {
	if src == "" {
		return ""
	}
	return "/images?src=" + url.QueryEscape(src)
}
