package shopapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
)

// AuthResponse はログイン・会員登録のレスポンス。
// Rawにはレスポンスボディをそのまま保持し、セッションに保存する。
type AuthResponse struct {
	Token   string
	UserID  string
	Name    string
	Message string
	Raw     json.RawMessage
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login はメールアドレスとパスワードでログインする。
// POST /api/users/login
func (c *Client) Login(ctx context.Context, email, password string) (*AuthResponse, error) {
	body, err := c.do(ctx, request{
		method: http.MethodPost,
		path:   pathLogin,
		body:   loginRequest{Email: email, Password: password},
	})
	if err != nil {
		return nil, err
	}
	return parseAuthResponse(body)
}

// Register は会員登録を行い、そのままログイン状態のレスポンスを返す。
// POST /api/users/register
func (c *Client) Register(ctx context.Context, name, email, password string) (*AuthResponse, error) {
	body, err := c.do(ctx, request{
		method: http.MethodPost,
		path:   pathRegister,
		body:   registerRequest{Name: name, Email: email, Password: password},
	})
	if err != nil {
		return nil, err
	}
	return parseAuthResponse(body)
}

// parseAuthResponse はレスポンスからトークンとユーザー情報を取り出す。
// ユーザーIDは _id, userId, id の順で探す。
func parseAuthResponse(body []byte) (*AuthResponse, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid auth response JSON")
	}

	res := gjson.GetManyBytes(body, "token", "_id", "userId", "id", "name", "message")
	resp := &AuthResponse{
		Token:   res[0].String(),
		UserID:  firstNonEmpty(res[1].String(), res[2].String(), res[3].String()),
		Name:    res[4].String(),
		Message: res[5].String(),
		Raw:     json.RawMessage(append([]byte(nil), body...)),
	}
	if resp.Token == "" {
		return nil, fmt.Errorf("auth response does not contain a token")
	}
	return resp, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
