package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, checkout, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeAuthRequired   = "AUTH_REQUIRED"
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeLoadFailure    = "LOAD_FAILURE"
	ErrCodeSubmitFailure  = "SUBMIT_FAILURE"
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeBackendError   = "BACKEND_ERROR"
	ErrCodeRateLimited    = "RATE_LIMITED"
	ErrCodeInternal       = "INTERNAL_ERROR"
)

const actionRetryLater = "Please wait a moment and try again."

// NewAuthRequiredError はセッション未確立エラーを生成する。
// HTMLのリクエストではログイン画面へのリダイレクトで解決する。
func NewAuthRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeAuthRequired,
		Message:  "Please log in to continue.",
		Category: "auth",
		Action:   "Log in from the sign-in page.",
	}
}

// NewUnauthorizedError はバックエンドが401を返した場合のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "Your session has expired. Please log in again.",
		Category: "auth",
		Action:   "Log in again.",
	}
}

// NewLoadFailureError はカート・商品の取得失敗エラーを生成する。
// 自動リトライは行わない。
func NewLoadFailureError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeLoadFailure,
		Message:  message,
		Category: "checkout",
		Action:   "Reload the page once the backend is available.",
	}
}

// NewSubmitFailureError は注文作成の失敗エラーを生成する。
// 直前のカート内容は保持され、すぐに再送信できる。
func NewSubmitFailureError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeSubmitFailure,
		Message:  message,
		Category: "checkout",
		Action:   "Your cart is unchanged. You can place the order again.",
	}
}

// NewInvalidRequestError は入力値不正エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  reason,
		Category: "validation",
		Action:   "Check your input and try again.",
	}
}

// NewBackendError はバックエンドのエラーメッセージをそのまま表示するエラーを生成する。
func NewBackendError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeBackendError,
		Message:  message,
		Category: "system",
		Action:   actionRetryLater,
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "Too many requests. Please try again later.",
		Category: "system",
		Action:   actionRetryLater,
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "Something went wrong. Please try again.",
		Category: "system",
		Action:   actionRetryLater,
	}
}
