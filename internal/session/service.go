// Package session はストアフロントのセッション管理を提供する。
// バックエンドへのログイン・会員登録結果をセッションとして永続化し、
// ログアウトや失効を購読者に通知する。
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/storefront/internal/model"
	"github.com/hitoshi/storefront/internal/repository"
	"github.com/hitoshi/storefront/internal/shopapi"
)

// ErrInvalidInput は入力値が不足している場合のエラー。
var ErrInvalidInput = errors.New("invalid input")

// Backend はログイン・会員登録を行うバックエンドのインターフェース。
type Backend interface {
	Login(ctx context.Context, email, password string) (*shopapi.AuthResponse, error)
	Register(ctx context.Context, name, email, password string) (*shopapi.AuthResponse, error)
}

// EventKind はセッション変更の種別。
type EventKind string

const (
	EventLogin   EventKind = "login"
	EventLogout  EventKind = "logout"
	EventExpired EventKind = "expired"
)

// Event はセッション変更通知。
type Event struct {
	Kind      EventKind
	SessionID string
	UserID    string
}

// ServiceConfig はセッションサービスの設定。
type ServiceConfig struct {
	SessionMaxAge int // セッション有効期間（秒）
}

// Service はセッションの発行・取得・破棄を行う。
type Service struct {
	backend Backend
	repo    repository.SessionRepository
	config  ServiceConfig
	logger  *slog.Logger
	now     func() time.Time

	mu          sync.RWMutex
	nextSubID   int
	subscribers map[int]func(Event)
}

// NewService はServiceを生成する。
func NewService(backend Backend, repo repository.SessionRepository, config ServiceConfig, logger *slog.Logger) *Service {
	return &Service{
		backend:     backend,
		repo:        repo,
		config:      config,
		logger:      logger,
		now:         time.Now,
		subscribers: make(map[int]func(Event)),
	}
}

// Login はバックエンドで認証し、成功した場合セッションを発行する。
func (s *Service) Login(ctx context.Context, email, password string) (*model.Session, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, fmt.Errorf("%w: email and password are required", ErrInvalidInput)
	}

	resp, err := s.backend.Login(ctx, email, password)
	if err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}

	session, err := s.createSession(ctx, resp)
	if err != nil {
		return nil, err
	}

	s.logger.Info("user logged in",
		slog.String("user_id", session.UserID),
	)
	return session, nil
}

// Register はバックエンドで会員登録し、そのままログイン状態のセッションを発行する。
// 戻り値の文字列はバックエンドが返した登録完了メッセージ。
func (s *Service) Register(ctx context.Context, name, email, password string) (*model.Session, string, error) {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)
	if name == "" || email == "" || password == "" {
		return nil, "", fmt.Errorf("%w: name, email and password are required", ErrInvalidInput)
	}

	resp, err := s.backend.Register(ctx, name, email, password)
	if err != nil {
		return nil, "", fmt.Errorf("registration failed: %w", err)
	}
	if resp.Name == "" {
		resp.Name = name
	}

	session, err := s.createSession(ctx, resp)
	if err != nil {
		return nil, "", err
	}

	s.logger.Info("user registered",
		slog.String("user_id", session.UserID),
	)
	return session, resp.Message, nil
}

// Current は指定IDの有効なセッションを返す。無い場合はnilを返す。
func (s *Service) Current(ctx context.Context, sessionID string) (*model.Session, error) {
	if sessionID == "" {
		return nil, nil
	}

	session, err := s.repo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if !session.Valid(s.now()) {
		return nil, nil
	}
	return session, nil
}

// Logout はセッションを破棄し、購読者に通知する。
func (s *Service) Logout(ctx context.Context, session *model.Session) error {
	return s.destroy(ctx, session, EventLogout)
}

// Expire はバックエンドがトークンを拒否したセッションを破棄し、購読者に通知する。
func (s *Service) Expire(ctx context.Context, session *model.Session) error {
	return s.destroy(ctx, session, EventExpired)
}

// Subscribe はセッション変更通知の購読を登録し、解除関数を返す。
func (s *Service) Subscribe(fn func(Event)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

func (s *Service) destroy(ctx context.Context, session *model.Session, kind EventKind) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session ID is required")
	}

	if err := s.repo.DeleteByID(ctx, session.ID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	s.logger.Info("session destroyed",
		slog.String("session_id", session.ID),
		slog.String("reason", string(kind)),
	)
	s.publish(Event{Kind: kind, SessionID: session.ID, UserID: session.UserID})
	return nil
}

func (s *Service) publish(ev Event) {
	s.mu.RLock()
	subs := make([]func(Event), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.mu.RUnlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// createSession はバックエンドの認証結果からセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, resp *shopapi.AuthResponse) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := s.now()
	session := &model.Session{
		ID:          sessionID,
		UserID:      resp.UserID,
		Token:       resp.Token,
		DisplayName: resp.Name,
		Data:        resp.Raw,
		ExpiresAt:   now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt:   now,
	}

	if err := s.repo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	s.publish(Event{Kind: EventLogin, SessionID: session.ID, UserID: session.UserID})
	return session, nil
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
