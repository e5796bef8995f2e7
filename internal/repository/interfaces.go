// Package repository はセッションデータの永続化インターフェースと実装を提供する。
package repository

import (
	"context"

	"github.com/hitoshi/storefront/internal/model"
)

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。存在しないか期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。存在しなくてもエラーにしない。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
}

// ExpiredSessionDeleter は期限切れセッションの一括削除を提供する。
// TTLで自動失効するストアでは実装しない。
type ExpiredSessionDeleter interface {
	DeleteExpired(ctx context.Context) (int64, error)
}
