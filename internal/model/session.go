// Package model はドメインモデルを定義する。
package model

import (
	"encoding/json"
	"time"
)

// Session はログイン中ユーザーのストアフロントセッションを表す。
// バックエンドのログイン・登録レスポンスをDataにそのまま保持する。
type Session struct {
	ID          string
	UserID      string
	Token       string // バックエンドAPIのBearerトークン
	DisplayName string
	Data        json.RawMessage // ログインレスポンス（token, _id, name 等）
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

// Valid はセッションがトークンを保持し、期限内であるかを判定する。
func (s *Session) Valid(now time.Time) bool {
	if s == nil || s.Token == "" {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}
