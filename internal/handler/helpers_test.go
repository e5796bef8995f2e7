package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/storefront/internal/catalog"
	"github.com/hitoshi/storefront/internal/checkout"
	"github.com/hitoshi/storefront/internal/middleware"
	"github.com/hitoshi/storefront/internal/model"
	"github.com/hitoshi/storefront/internal/money"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestRenderer(t *testing.T) *Renderer {
	t.Helper()
	r, err := NewRenderer(discardLogger())
	if err != nil {
		t.Fatalf("NewRenderer() error = %v", err)
	}
	return r
}

func testSession() *model.Session {
	return &model.Session{
		ID:          "sid-1",
		UserID:      "user-1",
		Token:       "tok-1",
		DisplayName: "Alice",
		ExpiresAt:   time.Now().Add(time.Hour),
	}
}

func withSession(req *http.Request, s *model.Session) *http.Request {
	return req.WithContext(middleware.ContextWithSession(req.Context(), s))
}

func newFormRequest(method, target string, form url.Values) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func readBody(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	b, err := io.ReadAll(w.Result().Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	return string(b)
}

func findCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func widgetCart() *model.CartSnapshot {
	return &model.CartSnapshot{Items: []model.CartItem{
		{Product: &model.Product{ID: "p1", Name: "Widget", Price: money.MustParse("10"), Stock: 5}, Quantity: 2},
	}}
}

// --- モック定義 ---

type mockAuthService struct {
	loginFn    func(ctx context.Context, email, password string) (*model.Session, error)
	registerFn func(ctx context.Context, name, email, password string) (*model.Session, string, error)
	logoutFn   func(ctx context.Context, s *model.Session) error
}

func (m *mockAuthService) Login(ctx context.Context, email, password string) (*model.Session, error) {
	if m.loginFn != nil {
		return m.loginFn(ctx, email, password)
	}
	return testSession(), nil
}

func (m *mockAuthService) Register(ctx context.Context, name, email, password string) (*model.Session, string, error) {
	if m.registerFn != nil {
		return m.registerFn(ctx, name, email, password)
	}
	return testSession(), "", nil
}

func (m *mockAuthService) Logout(ctx context.Context, s *model.Session) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, s)
	}
	return nil
}

type mockCatalogService struct {
	listFn func(ctx context.Context, s *model.Session) ([]catalog.ProductView, error)
	addFn  func(ctx context.Context, s *model.Session, productID string, quantity int) error
	cartFn func(ctx context.Context, s *model.Session) (*model.CartSnapshot, error)
}

func (m *mockCatalogService) ListProducts(ctx context.Context, s *model.Session) ([]catalog.ProductView, error) {
	if m.listFn != nil {
		return m.listFn(ctx, s)
	}
	return nil, nil
}

func (m *mockCatalogService) AddToCart(ctx context.Context, s *model.Session, productID string, quantity int) error {
	if m.addFn != nil {
		return m.addFn(ctx, s, productID, quantity)
	}
	return nil
}

func (m *mockCatalogService) Cart(ctx context.Context, s *model.Session) (*model.CartSnapshot, error) {
	if m.cartFn != nil {
		return m.cartFn(ctx, s)
	}
	return &model.CartSnapshot{}, nil
}

type mockImageFetcher struct {
	fetchFn func(ctx context.Context, src string) (*catalog.Image, error)
}

func (m *mockImageFetcher) Fetch(ctx context.Context, src string) (*catalog.Image, error) {
	return m.fetchFn(ctx, src)
}

type imageResults struct {
	mu      sync.Mutex
	results []string
}

func (r *imageResults) RecordImageProxy(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
}

// stubCheckoutAPI はチェックアウトのバックエンドを模倣する。
type stubCheckoutAPI struct {
	cart       *model.CartSnapshot
	cartErr    error
	order      *model.Order
	orderErr   error
	cartCalls  atomic.Int32
	orderCalls atomic.Int32
}

func (s *stubCheckoutAPI) GetCart(ctx context.Context, token string) (*model.CartSnapshot, error) {
	s.cartCalls.Add(1)
	if s.cartErr != nil {
		return nil, s.cartErr
	}
	return s.cart, nil
}

func (s *stubCheckoutAPI) CreateOrder(ctx context.Context, token, userID, key string) (*model.Order, error) {
	s.orderCalls.Add(1)
	if s.orderErr != nil {
		return nil, s.orderErr
	}
	return s.order, nil
}

type stubExpirer struct {
	expired atomic.Int32
}

func (e *stubExpirer) Expire(ctx context.Context, s *model.Session) error {
	e.expired.Add(1)
	return nil
}

type noopTimer struct{}

func (noopTimer) Stop() bool { return true }

type noopScheduler struct{}

func (noopScheduler) AfterFunc(time.Duration, func()) checkout.Timer { return noopTimer{} }

func newTestRegistry(api *stubCheckoutAPI, expirer *stubExpirer) *checkout.Registry {
	return checkout.NewRegistry(checkout.Deps{
		API:       api,
		Sessions:  expirer,
		Scheduler: noopScheduler{},
		Logger:    discardLogger(),
	})
}
