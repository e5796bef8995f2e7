package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/storefront/internal/middleware"
	"github.com/hitoshi/storefront/internal/model"
	"github.com/hitoshi/storefront/internal/session"
	"github.com/hitoshi/storefront/internal/shopapi"
)

const (
	msgLoginFailed        = "Login failed. Server might be down."
	msgRegistrationFailed = "Registration failed. Server might be down."
)

// AuthService はログイン・会員登録・ログアウトを行うサービスインターフェース。
type AuthService interface {
	Login(ctx context.Context, email, password string) (*model.Session, error)
	Register(ctx context.Context, name, email, password string) (*model.Session, string, error)
	Logout(ctx context.Context, session *model.Session) error
}

// CookieConfig はセッションCookieの設定。
type CookieConfig struct {
	Domain        string
	Secure        bool
	SessionMaxAge int // セッションCookieの有効期間（秒）
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	Cookie                CookieConfig
	RegisterRedirectDelay time.Duration
}

type loginForm struct {
	Email string
}

type registerForm struct {
	Name  string
	Email string
}

// AuthHandler はログイン・会員登録・ログアウトのHTTPハンドラー。
type AuthHandler struct {
	service  AuthService
	renderer *Renderer
	config   AuthHandlerConfig
	logger   *slog.Logger
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthService, renderer *Renderer, config AuthHandlerConfig, logger *slog.Logger) *AuthHandler {
	if config.RegisterRedirectDelay <= 0 {
		config.RegisterRedirectDelay = 1500 * time.Millisecond
	}
	return &AuthHandler{
		service:  service,
		renderer: renderer,
		config:   config,
		logger:   logger,
	}
}

// LoginPage はログインフォームを表示する。
// GET /
func (h *AuthHandler) LoginPage(w http.ResponseWriter, r *http.Request) {
	if middleware.SessionFromContext(r.Context()) != nil {
		http.Redirect(w, r, "/home", http.StatusSeeOther)
		return
	}
	h.renderer.render(w, r, http.StatusOK, pageLogin, page{Title: "Sign In", Data: loginForm{}})
}

// Login はログインフォームを処理する。
// POST /login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	email := r.PostFormValue("email")
	password := r.PostFormValue("password")

	s, err := h.service.Login(r.Context(), email, password)
	if err != nil {
		h.logger.Warn("login failed", slog.String("error", err.Error()))
		h.renderer.render(w, r, authErrorStatus(err), pageLogin, page{
			Title: "Sign In",
			Flash: authErrorFlash(err, msgLoginFailed),
			Data:  loginForm{Email: email},
		})
		return
	}

	setSessionCookie(w, s.ID, h.config.Cookie)
	http.Redirect(w, r, "/home", http.StatusSeeOther)
}

// RegisterPage は会員登録フォームを表示する。
// GET /register
func (h *AuthHandler) RegisterPage(w http.ResponseWriter, r *http.Request) {
	h.renderer.render(w, r, http.StatusOK, pageRegister, page{Title: "Create Account", Data: registerForm{}})
}

// Register は会員登録フォームを処理する。
// 成功時はログイン状態にし、メッセージを表示してから一定時間後にホームへ遷移する。
// POST /register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	form := registerForm{
		Name:  r.PostFormValue("name"),
		Email: r.PostFormValue("email"),
	}

	s, message, err := h.service.Register(r.Context(), form.Name, form.Email, r.PostFormValue("password"))
	if err != nil {
		h.logger.Warn("registration failed", slog.String("error", err.Error()))
		h.renderer.render(w, r, authErrorStatus(err), pageRegister, page{
			Title: "Create Account",
			Flash: authErrorFlash(err, msgRegistrationFailed),
			Data:  form,
		})
		return
	}

	setSessionCookie(w, s.ID, h.config.Cookie)
	text := strings.TrimSpace(message + " Redirecting to Home...")
	h.renderer.render(w, r, http.StatusOK, pageRegister, page{
		Title:   "Create Account",
		Session: s,
		Flash:   &Flash{Type: "success", Text: text},
		Refresh: newRefresh("/home", h.config.RegisterRedirectDelay),
		Data:    form,
	})
}

// Logout はセッションを破棄してログイン画面へ戻す。
// POST /logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if s := middleware.SessionFromContext(r.Context()); s != nil {
		if err := h.service.Logout(r.Context(), s); err != nil {
			// 失敗してもCookieはクリアする
			h.logger.Error("failed to logout", slog.String("error", err.Error()))
		}
	}

	clearSessionCookie(w, h.config.Cookie)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// authErrorStatus は認証エラーに対応するHTTPステータスを返す。
func authErrorStatus(err error) int {
	if errors.Is(err, session.ErrInvalidInput) {
		return http.StatusBadRequest
	}
	var apiErr *shopapi.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
		return apiErr.StatusCode
	}
	return http.StatusBadGateway
}

// authErrorMessage はバックエンドのmessageがあればそれを、無ければfallbackを返す。
func authErrorMessage(err error, fallback string) string {
	if errors.Is(err, session.ErrInvalidInput) {
		return "Please fill in all required fields."
	}
	if msg := shopapi.ServerMessage(err); msg != "" {
		return msg
	}
	return fallback
}

// authErrorFlash は認証エラーを表示用に変換する。4xxは入力の問題として扱う。
func authErrorFlash(err error, fallback string) *Flash {
	msg := authErrorMessage(err, fallback)
	if authErrorStatus(err) < http.StatusInternalServerError {
		return errorFlash(model.NewInvalidRequestError(msg))
	}
	return errorFlash(model.NewBackendError(msg))
}

func setSessionCookie(w http.ResponseWriter, sessionID string, cfg CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		Domain:   cfg.Domain,
		MaxAge:   cfg.SessionMaxAge,
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearSessionCookie(w http.ResponseWriter, cfg CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   cfg.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}
