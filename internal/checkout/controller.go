// Package checkout はチェックアウト（注文確定）フローを提供する。
//
// Controllerは Loading → Ready → Processing → Succeeded / Failed の状態遷移を持ち、
// カート取得・注文作成・遷移の発行を管理する。
// 状態はmutexで保護し、バックエンド呼び出しはロック外で行う。
// 処理中（Processing）の送信は無視されるため、同一セッションへの連打や
// 並行リクエストでも注文作成は1回だけ行われる。
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/storefront/internal/model"
	"github.com/hitoshi/storefront/internal/shopapi"
)

// 画面に表示するメッセージ
const (
	MsgLoadFailure    = "Could not load cart for checkout. Ensure backend is running."
	MsgEmptyCart      = "Your cart is empty. Redirecting to home."
	MsgSubmitFailure  = "Order failed. Please try again."
	MsgSessionExpired = "Your session has expired. Please log in again."
	msgOrderConfirmed = "Order %s confirmed! Cart is now empty."
)

// ConfirmationMessage は注文確定時のメッセージを返す。
func ConfirmationMessage(orderID string) string {
	return fmt.Sprintf(msgOrderConfirmed, orderID)
}

// DefaultEmptyCartRedirectDelay は空カート時にホームへ遷移するまでの時間。
const DefaultEmptyCartRedirectDelay = 2 * time.Second

// State はチェックアウトフローの状態。
type State int

const (
	StateLoading State = iota
	StateReady
	StateProcessing
	StateSucceeded
	StateFailed
)

// String はテンプレート・ログ用の状態名を返す。
func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateProcessing:
		return "processing"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// FailureKind は失敗の種別。
type FailureKind string

const (
	FailureNone   FailureKind = ""
	FailureLoad   FailureKind = "load"   // カート取得失敗。再試行しない
	FailureSubmit FailureKind = "submit" // 注文作成失敗。再送信可能
	FailureAuth   FailureKind = "auth"   // トークン拒否。セッションを失効させログインへ
)

// API はチェックアウトが使用するバックエンド操作。
type API interface {
	GetCart(ctx context.Context, token string) (*model.CartSnapshot, error)
	CreateOrder(ctx context.Context, token, userID, idempotencyKey string) (*model.Order, error)
}

// SessionExpirer はバックエンドに拒否されたセッションを失効させる。
type SessionExpirer interface {
	Expire(ctx context.Context, session *model.Session) error
}

// Recorder はチェックアウトのイベントを記録する。メトリクス用。
type Recorder interface {
	CartLoaded(validItems int)
	OrderPlaced()
	CheckoutFailed(kind string)
}

// Deps はControllerの依存。
type Deps struct {
	API       API
	Sessions  SessionExpirer
	Navigator Navigator
	Scheduler Scheduler
	Recorder  Recorder // nil可
	Logger    *slog.Logger

	EmptyCartRedirectDelay time.Duration
	// Timeout はバックエンド呼び出し1回あたりの上限。0の場合は制限しない。
	Timeout time.Duration
}

// View はControllerの状態のスナップショット。
type View struct {
	State     State
	Failure   FailureKind
	Message   string // 成功・失敗メッセージ
	Notice    string // 空カートの通知
	Summary   Summary
	OrderID   string
	CanSubmit bool
	// Redirect は発行済みの遷移先。発行されていない場合は空。
	Redirect string
	// Pending は予約中の遅延遷移。
	Pending *PendingRedirect
}

// APIError は失敗状態を表示用のエラーに変換する。失敗していなければnil。
func (v View) APIError() *model.APIError {
	if v.State != StateFailed {
		return nil
	}
	switch v.Failure {
	case FailureLoad:
		return model.NewLoadFailureError(v.Message)
	case FailureAuth:
		return model.NewUnauthorizedError()
	default:
		return model.NewSubmitFailureError(v.Message)
	}
}

// Controller は1セッション分のチェックアウトフロー。
type Controller struct {
	deps    Deps
	session *model.Session
	now     func() time.Time

	loaded chan struct{}

	mu             sync.Mutex
	mounted        bool
	closed         bool
	state          State
	failure        FailureKind
	message        string
	notice         string
	summary        Summary
	orderID        string
	orderPlaced    bool
	idempotencyKey string
	navigatedTo    string
	timer          Timer
	timerGen       int
	pending        *PendingRedirect
}

// NewController はControllerを生成する。sessionはマウント時点で一度だけ読み取った値。
func NewController(deps Deps, session *model.Session) *Controller {
	if deps.Scheduler == nil {
		deps.Scheduler = ClockScheduler{}
	}
	if deps.Navigator == nil {
		deps.Navigator = NavigatorFunc(func(string) {})
	}
	if deps.EmptyCartRedirectDelay <= 0 {
		deps.EmptyCartRedirectDelay = DefaultEmptyCartRedirectDelay
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Controller{
		deps:           deps,
		session:        session,
		now:            time.Now,
		loaded:         make(chan struct{}),
		state:          StateLoading,
		idempotencyKey: uuid.NewString(),
	}
}

// Session はControllerが扱うセッションを返す。
func (c *Controller) Session() *model.Session {
	return c.session
}

// Mount はカートを取得してフローを開始する。
// セッションが無い場合は取得を行わずログインへ遷移する。
// 2回目以降の呼び出しは最初の取得の完了を待つだけで、再取得はしない。
func (c *Controller) Mount(ctx context.Context) {
	c.mu.Lock()
	if c.mounted {
		c.mu.Unlock()
		select {
		case <-c.loaded:
		case <-ctx.Done():
		}
		return
	}
	c.mounted = true
	defer close(c.loaded)

	session := c.session
	if !session.Valid(c.now()) {
		emit := c.markNavigationLocked(RouteLogin)
		c.mu.Unlock()
		if emit {
			c.deps.Navigator.Navigate(RouteLogin)
		}
		return
	}
	c.mu.Unlock()

	callCtx, cancel := c.callContext(ctx)
	cart, err := c.deps.API.GetCart(callCtx, session.Token)
	cancel()

	if err != nil {
		if shopapi.IsUnauthorized(err) {
			c.expire(ctx, StateLoading)
			return
		}
		c.deps.Logger.Error("failed to load cart for checkout",
			slog.String("user_id", session.UserID),
			slog.String("error", err.Error()),
		)
		c.mu.Lock()
		if c.state == StateLoading && !c.closed {
			c.state = StateFailed
			c.failure = FailureLoad
			c.message = MsgLoadFailure
		}
		c.mu.Unlock()
		c.recordFailure(FailureLoad)
		return
	}

	summary := Summarize(cart)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateLoading || c.closed {
		return
	}
	c.summary = summary
	c.state = StateReady
	if c.deps.Recorder != nil {
		c.deps.Recorder.CartLoaded(len(summary.ValidItems))
	}

	if len(cart.Items) == 0 && !c.orderPlaced {
		c.notice = MsgEmptyCart
		c.scheduleLocked(RouteHome, c.deps.EmptyCartRedirectDelay)
	}
}

// Submit は注文を作成する。送信できない状態（処理中・確定済み・有効な行なし）では
// 何もせずfalseを返す。注文作成を行った場合はtrueを返す。
func (c *Controller) Submit(ctx context.Context) bool {
	c.mu.Lock()
	if !c.canSubmitLocked() {
		c.mu.Unlock()
		return false
	}
	c.cancelTimerLocked()
	c.state = StateProcessing
	c.failure = FailureNone
	c.message = ""
	key := c.idempotencyKey
	session := c.session
	c.mu.Unlock()

	// リクエストの切断で注文作成が中断されないよう、呼び出し元のキャンセルから切り離す
	callCtx, cancel := c.callContext(context.WithoutCancel(ctx))
	order, err := c.deps.API.CreateOrder(callCtx, session.Token, session.UserID, key)
	cancel()

	if err != nil {
		if shopapi.IsUnauthorized(err) {
			c.expire(ctx, StateProcessing)
			return true
		}

		msg := shopapi.ServerMessage(err)
		if msg == "" {
			msg = MsgSubmitFailure
		}
		c.deps.Logger.Warn("order submission failed",
			slog.String("user_id", session.UserID),
			slog.String("error", err.Error()),
		)

		c.mu.Lock()
		if c.state == StateProcessing {
			c.state = StateFailed
			c.failure = FailureSubmit
			c.message = msg
		}
		// バックエンドが応答した場合は次回の送信を別リクエストとして扱う
		var apiErr *shopapi.Error
		if errors.As(err, &apiErr) {
			c.idempotencyKey = uuid.NewString()
		}
		c.mu.Unlock()
		c.recordFailure(FailureSubmit)
		return true
	}

	c.mu.Lock()
	c.state = StateSucceeded
	c.orderPlaced = true
	c.orderID = order.ID
	c.message = ConfirmationMessage(order.ID)
	emit := c.markNavigationLocked(RouteOrderSuccess)
	c.mu.Unlock()

	c.deps.Logger.Info("order placed",
		slog.String("order_id", order.ID),
		slog.String("user_id", session.UserID),
	)
	if c.deps.Recorder != nil {
		c.deps.Recorder.OrderPlaced()
	}
	if emit {
		c.deps.Navigator.Navigate(RouteOrderSuccess)
	}
	return true
}

// View は現在の状態を返す。
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := View{
		State:     c.state,
		Failure:   c.failure,
		Message:   c.message,
		Notice:    c.notice,
		Summary:   c.summary,
		OrderID:   c.orderID,
		CanSubmit: c.canSubmitLocked(),
		Redirect:  c.navigatedTo,
	}
	if c.pending != nil {
		p := *c.pending
		v.Pending = &p
	}
	return v
}

// Close は予約中の遷移を取り消し、以降の遷移・状態更新を止める。
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.cancelTimerLocked()
}

// closeUnlessBusy は読み込み中・処理中でなければControllerを閉じてtrueを返す。
// 状態の確認とCloseは同じロック内で行う。
func (c *Controller) closeUnlessBusy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateLoading || c.state == StateProcessing {
		return false
	}
	c.closed = true
	c.cancelTimerLocked()
	return true
}

// stale はセッションが期限切れか、すでに遷移を発行済みであればtrueを返す。
func (c *Controller) stale(now time.Time) bool {
	if !c.session.Valid(now) {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.navigatedTo != "" || c.closed
}

// expire はセッションを失効させてログインへ遷移する。
// fromは失効を検出した時点の状態で、その間に別の遷移があった場合は何もしない。
func (c *Controller) expire(ctx context.Context, from State) {
	c.mu.Lock()
	if c.state != from || c.closed {
		c.mu.Unlock()
		return
	}
	c.cancelTimerLocked()
	c.state = StateFailed
	c.failure = FailureAuth
	c.message = MsgSessionExpired
	emit := c.markNavigationLocked(RouteLogin)
	session := c.session
	c.mu.Unlock()

	c.deps.Logger.Info("backend rejected session token",
		slog.String("user_id", session.UserID),
	)
	c.recordFailure(FailureAuth)

	if c.deps.Sessions != nil {
		if err := c.deps.Sessions.Expire(context.WithoutCancel(ctx), session); err != nil {
			c.deps.Logger.Error("failed to expire session",
				slog.String("error", err.Error()),
			)
		}
	}
	if emit {
		c.deps.Navigator.Navigate(RouteLogin)
	}
}

func (c *Controller) canSubmitLocked() bool {
	if c.closed || c.orderPlaced || len(c.summary.ValidItems) == 0 {
		return false
	}
	return c.state == StateReady || (c.state == StateFailed && c.failure == FailureSubmit)
}

// markNavigationLocked は遷移を記録する。1つのControllerにつき遷移は1回だけ発行する。
func (c *Controller) markNavigationLocked(route string) bool {
	if c.navigatedTo != "" || c.closed {
		return false
	}
	c.navigatedTo = route
	c.pending = nil
	return true
}

// scheduleLocked は遅延遷移を予約する。既存の予約は置き換える。
func (c *Controller) scheduleLocked(route string, delay time.Duration) {
	c.cancelTimerLocked()
	c.timerGen++
	gen := c.timerGen
	c.pending = &PendingRedirect{Route: route, Delay: delay}
	c.timer = c.deps.Scheduler.AfterFunc(delay, func() {
		c.mu.Lock()
		if gen != c.timerGen || c.timer == nil || c.state != StateReady {
			c.mu.Unlock()
			return
		}
		c.timer = nil
		emit := c.markNavigationLocked(route)
		c.mu.Unlock()
		if emit {
			c.deps.Navigator.Navigate(route)
		}
	})
}

func (c *Controller) cancelTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerGen++
	c.pending = nil
}

func (c *Controller) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.deps.Timeout > 0 {
		return context.WithTimeout(ctx, c.deps.Timeout)
	}
	return context.WithCancel(ctx)
}

func (c *Controller) recordFailure(kind FailureKind) {
	if c.deps.Recorder != nil {
		c.deps.Recorder.CheckoutFailed(string(kind))
	}
}
