package checkout

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/storefront/internal/model"
	"github.com/hitoshi/storefront/internal/money"
	"github.com/hitoshi/storefront/internal/shopapi"
)

// --- テスト用の依存 ---

type fakeAPI struct {
	getCartFn     func(ctx context.Context, token string) (*model.CartSnapshot, error)
	createOrderFn func(ctx context.Context, token, userID, key string) (*model.Order, error)

	getCartCalls     atomic.Int32
	createOrderCalls atomic.Int32

	mu   sync.Mutex
	keys []string
}

func (f *fakeAPI) GetCart(ctx context.Context, token string) (*model.CartSnapshot, error) {
	f.getCartCalls.Add(1)
	if f.getCartFn != nil {
		return f.getCartFn(ctx, token)
	}
	return &model.CartSnapshot{}, nil
}

func (f *fakeAPI) CreateOrder(ctx context.Context, token, userID, key string) (*model.Order, error) {
	f.createOrderCalls.Add(1)
	f.mu.Lock()
	f.keys = append(f.keys, key)
	f.mu.Unlock()
	if f.createOrderFn != nil {
		return f.createOrderFn(ctx, token, userID, key)
	}
	return &model.Order{ID: "o1"}, nil
}

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	wasPending := !t.stopped && !t.fired
	t.stopped = true
	return wasPending
}

// fakeScheduler は予約を記録し、Fireで手動実行する。
type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{delay: d, fn: fn}
	s.timers = append(s.timers, t)
	return t
}

// FireAll は停止されていない予約をすべて実行する。
func (s *fakeScheduler) FireAll() {
	s.mu.Lock()
	timers := append([]*fakeTimer(nil), s.timers...)
	s.mu.Unlock()
	for _, t := range timers {
		if !t.stopped && !t.fired {
			t.fired = true
			t.fn()
		}
	}
}

func (s *fakeScheduler) active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type recordingNavigator struct {
	mu     sync.Mutex
	routes []string
}

func (n *recordingNavigator) Navigate(route string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.routes = append(n.routes, route)
}

func (n *recordingNavigator) Routes() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.routes...)
}

type fakeExpirer struct {
	expired []*model.Session
}

func (f *fakeExpirer) Expire(_ context.Context, s *model.Session) error {
	f.expired = append(f.expired, s)
	return nil
}

type fakeRecorder struct {
	loaded   []int
	placed   int
	failures []string
}

func (r *fakeRecorder) CartLoaded(n int)           { r.loaded = append(r.loaded, n) }
func (r *fakeRecorder) OrderPlaced()               { r.placed++ }
func (r *fakeRecorder) CheckoutFailed(kind string) { r.failures = append(r.failures, kind) }

type harness struct {
	api      *fakeAPI
	sched    *fakeScheduler
	nav      *recordingNavigator
	expirer  *fakeExpirer
	recorder *fakeRecorder
	logs     *bytes.Buffer
}

func newHarness(api *fakeAPI) *harness {
	return &harness{
		api:      api,
		sched:    &fakeScheduler{},
		nav:      &recordingNavigator{},
		expirer:  &fakeExpirer{},
		recorder: &fakeRecorder{},
		logs:     &bytes.Buffer{},
	}
}

func (h *harness) deps() Deps {
	return Deps{
		API:       h.api,
		Sessions:  h.expirer,
		Navigator: h.nav,
		Scheduler: h.sched,
		Recorder:  h.recorder,
		Logger:    slog.New(slog.NewJSONHandler(h.logs, nil)),
	}
}

func testSession() *model.Session {
	return &model.Session{
		ID:        "sess-1",
		UserID:    "u1",
		Token:     "tok",
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func product(id, name, price string) *model.Product {
	return &model.Product{ID: id, Name: name, Price: money.MustParse(price), Stock: 10}
}

func widgetCart() *model.CartSnapshot {
	return &model.CartSnapshot{Items: []model.CartItem{
		{Product: product("p1", "Widget", "10"), Quantity: 2},
	}}
}

func cartAPI(cart *model.CartSnapshot) *fakeAPI {
	return &fakeAPI{
		getCartFn: func(context.Context, string) (*model.CartSnapshot, error) { return cart, nil },
	}
}

// --- マウント ---

func TestMount_NoSession_RedirectsWithoutFetch(t *testing.T) {
	h := newHarness(&fakeAPI{})
	c := NewController(h.deps(), nil)

	c.Mount(context.Background())

	assert.Equal(t, int32(0), h.api.getCartCalls.Load(), "セッションが無い場合はカートを取得しない")
	assert.Equal(t, []string{RouteLogin}, h.nav.Routes())
	assert.Equal(t, StateLoading, c.View().State)
	assert.Equal(t, RouteLogin, c.View().Redirect)
}

func TestMount_ExpiredSession_RedirectsWithoutFetch(t *testing.T) {
	h := newHarness(&fakeAPI{})
	s := testSession()
	s.ExpiresAt = time.Now().Add(-time.Minute)
	c := NewController(h.deps(), s)

	c.Mount(context.Background())

	assert.Equal(t, int32(0), h.api.getCartCalls.Load())
	assert.Equal(t, []string{RouteLogin}, h.nav.Routes())
}

func TestMount_CartWithItems_Ready(t *testing.T) {
	h := newHarness(cartAPI(widgetCart()))
	c := NewController(h.deps(), testSession())

	c.Mount(context.Background())

	v := c.View()
	assert.Equal(t, StateReady, v.State)
	assert.True(t, v.CanSubmit)
	assert.Empty(t, v.Notice)
	assert.Nil(t, v.Pending)
	assert.Equal(t, "20.00", v.Summary.Total.String())
	assert.Equal(t, []string{"Widget (2 x $10.00) = $20.00"}, v.Summary.Lines)
	assert.Empty(t, h.nav.Routes())
	assert.Equal(t, 0, h.sched.active())
	assert.Equal(t, []int{1}, h.recorder.loaded)
}

func TestMount_SendsSessionToken(t *testing.T) {
	var gotToken string
	api := &fakeAPI{getCartFn: func(_ context.Context, token string) (*model.CartSnapshot, error) {
		gotToken = token
		return widgetCart(), nil
	}}
	h := newHarness(api)
	NewController(h.deps(), testSession()).Mount(context.Background())

	assert.Equal(t, "tok", gotToken)
}

func TestMount_NullProductExcluded(t *testing.T) {
	cart := &model.CartSnapshot{Items: []model.CartItem{
		{Product: nil, Quantity: 1},
		{Product: product("p2", "Gadget", "5"), Quantity: 1},
	}}
	h := newHarness(cartAPI(cart))
	c := NewController(h.deps(), testSession())

	c.Mount(context.Background())

	v := c.View()
	assert.Equal(t, StateReady, v.State)
	assert.Equal(t, "5.00", v.Summary.Total.String())
	assert.Len(t, v.Summary.Lines, 1)
	assert.Len(t, v.Summary.ValidItems, 1)
}

func TestMount_OnlyNullProducts_NoSubmitNoRedirect(t *testing.T) {
	cart := &model.CartSnapshot{Items: []model.CartItem{{Product: nil, Quantity: 3}}}
	h := newHarness(cartAPI(cart))
	c := NewController(h.deps(), testSession())

	c.Mount(context.Background())

	v := c.View()
	assert.Equal(t, StateReady, v.State)
	assert.False(t, v.CanSubmit, "有効な行が無い場合は送信できない")
	assert.Empty(t, v.Notice, "行が存在する場合は空カート扱いしない")
	assert.Equal(t, 0, h.sched.active())
	assert.False(t, c.Submit(context.Background()))
	assert.Equal(t, int32(0), h.api.createOrderCalls.Load())
}

func TestMount_EmptyCart_SchedulesSingleRedirect(t *testing.T) {
	h := newHarness(cartAPI(&model.CartSnapshot{}))
	c := NewController(h.deps(), testSession())

	c.Mount(context.Background())

	v := c.View()
	assert.Equal(t, StateReady, v.State)
	assert.Equal(t, MsgEmptyCart, v.Notice)
	require.NotNil(t, v.Pending)
	assert.Equal(t, RouteHome, v.Pending.Route)
	assert.Equal(t, 2*time.Second, v.Pending.Delay)
	require.Len(t, h.sched.timers, 1)
	assert.Equal(t, 2*time.Second, h.sched.timers[0].delay)
	assert.Empty(t, h.nav.Routes(), "遅延前に遷移してはならない")

	h.sched.FireAll()

	assert.Equal(t, []string{RouteHome}, h.nav.Routes())
	assert.Equal(t, RouteHome, c.View().Redirect)
	assert.Nil(t, c.View().Pending)
}

func TestMount_EmptyCart_CustomDelay(t *testing.T) {
	h := newHarness(cartAPI(&model.CartSnapshot{}))
	deps := h.deps()
	deps.EmptyCartRedirectDelay = 500 * time.Millisecond
	c := NewController(deps, testSession())

	c.Mount(context.Background())

	require.Len(t, h.sched.timers, 1)
	assert.Equal(t, 500*time.Millisecond, h.sched.timers[0].delay)
}

func TestMount_LoadFailure_Terminal(t *testing.T) {
	api := &fakeAPI{getCartFn: func(context.Context, string) (*model.CartSnapshot, error) {
		return nil, errors.New("connection refused")
	}}
	h := newHarness(api)
	c := NewController(h.deps(), testSession())

	c.Mount(context.Background())

	v := c.View()
	assert.Equal(t, StateFailed, v.State)
	assert.Equal(t, FailureLoad, v.Failure)
	assert.Equal(t, MsgLoadFailure, v.Message)
	assert.False(t, v.CanSubmit)
	assert.Empty(t, h.nav.Routes())
	assert.Equal(t, []string{"load"}, h.recorder.failures)

	// 再マウントしても再取得しない
	c.Mount(context.Background())
	assert.Equal(t, int32(1), h.api.getCartCalls.Load())
}

func TestMount_Unauthorized_ExpiresSession(t *testing.T) {
	api := &fakeAPI{getCartFn: func(context.Context, string) (*model.CartSnapshot, error) {
		return nil, &shopapi.Error{Endpoint: "/api/cart", StatusCode: 401}
	}}
	h := newHarness(api)
	s := testSession()
	c := NewController(h.deps(), s)

	c.Mount(context.Background())

	v := c.View()
	assert.Equal(t, StateFailed, v.State)
	assert.Equal(t, FailureAuth, v.Failure)
	assert.Equal(t, []string{RouteLogin}, h.nav.Routes())
	require.Len(t, h.expirer.expired, 1)
	assert.Same(t, s, h.expirer.expired[0])
}

func TestMount_Timeout(t *testing.T) {
	api := &fakeAPI{getCartFn: func(ctx context.Context, _ string) (*model.CartSnapshot, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	h := newHarness(api)
	deps := h.deps()
	deps.Timeout = 20 * time.Millisecond
	c := NewController(deps, testSession())

	c.Mount(context.Background())

	assert.Equal(t, StateFailed, c.View().State)
	assert.Equal(t, FailureLoad, c.View().Failure)
}

func TestMount_ConcurrentCallersShareOneFetch(t *testing.T) {
	release := make(chan struct{})
	api := &fakeAPI{getCartFn: func(context.Context, string) (*model.CartSnapshot, error) {
		<-release
		return widgetCart(), nil
	}}
	h := newHarness(api)
	c := NewController(h.deps(), testSession())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Mount(context.Background())
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), h.api.getCartCalls.Load())
	assert.Equal(t, StateReady, c.View().State)
}

// --- 送信 ---

func TestSubmit_Success(t *testing.T) {
	var gotUser string
	api := cartAPI(widgetCart())
	api.createOrderFn = func(_ context.Context, _, userID, _ string) (*model.Order, error) {
		gotUser = userID
		return &model.Order{ID: "o1"}, nil
	}
	h := newHarness(api)
	c := NewController(h.deps(), testSession())
	c.Mount(context.Background())

	require.True(t, c.Submit(context.Background()))

	v := c.View()
	assert.Equal(t, StateSucceeded, v.State)
	assert.Equal(t, "Order o1 confirmed! Cart is now empty.", v.Message)
	assert.Equal(t, "o1", v.OrderID)
	assert.False(t, v.CanSubmit)
	assert.Equal(t, "u1", gotUser)
	assert.Equal(t, []string{RouteOrderSuccess}, h.nav.Routes())
	assert.Equal(t, int32(1), h.api.getCartCalls.Load(), "成功後にカートを再取得しない")
	assert.Equal(t, 1, h.recorder.placed)

	// 確定後の送信は無視され、遷移も増えない
	assert.False(t, c.Submit(context.Background()))
	assert.Equal(t, int32(1), h.api.createOrderCalls.Load())
	assert.Len(t, h.nav.Routes(), 1)
}

func TestSubmit_WhileProcessingIsNoop(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	api := cartAPI(widgetCart())
	api.createOrderFn = func(context.Context, string, string, string) (*model.Order, error) {
		close(started)
		<-release
		return &model.Order{ID: "o1"}, nil
	}
	h := newHarness(api)
	c := NewController(h.deps(), testSession())
	c.Mount(context.Background())

	done := make(chan bool)
	go func() { done <- c.Submit(context.Background()) }()
	<-started

	assert.Equal(t, StateProcessing, c.View().State)
	assert.False(t, c.View().CanSubmit)
	for i := 0; i < 10; i++ {
		assert.False(t, c.Submit(context.Background()), "処理中の送信は無視される")
	}

	close(release)
	assert.True(t, <-done)
	assert.Equal(t, int32(1), h.api.createOrderCalls.Load())
	assert.Equal(t, StateSucceeded, c.View().State)
}

func TestSubmit_ConcurrentBurstCreatesOneOrder(t *testing.T) {
	api := cartAPI(widgetCart())
	api.createOrderFn = func(context.Context, string, string, string) (*model.Order, error) {
		time.Sleep(10 * time.Millisecond)
		return &model.Order{ID: "o1"}, nil
	}
	h := newHarness(api)
	c := NewController(h.deps(), testSession())
	c.Mount(context.Background())

	var wg sync.WaitGroup
	var submitted atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Submit(context.Background()) {
				submitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), submitted.Load())
	assert.Equal(t, int32(1), h.api.createOrderCalls.Load())
	assert.Equal(t, []string{RouteOrderSuccess}, h.nav.Routes())
}

func TestSubmit_BackendMessage_RetryAllowed(t *testing.T) {
	api := cartAPI(widgetCart())
	api.createOrderFn = func(context.Context, string, string, string) (*model.Order, error) {
		return nil, &shopapi.Error{Endpoint: "/api/orders", StatusCode: 400, Message: "Out of stock"}
	}
	h := newHarness(api)
	c := NewController(h.deps(), testSession())
	c.Mount(context.Background())
	before := c.View().Summary

	require.True(t, c.Submit(context.Background()))

	v := c.View()
	assert.Equal(t, StateFailed, v.State)
	assert.Equal(t, FailureSubmit, v.Failure)
	assert.Equal(t, "Out of stock", v.Message)
	assert.True(t, v.CanSubmit, "失敗後は再送信できる")
	assert.Equal(t, before.Lines, v.Summary.Lines)
	assert.Equal(t, before.Total.String(), v.Summary.Total.String())
	assert.Empty(t, h.nav.Routes())
	assert.Equal(t, []string{"submit"}, h.recorder.failures)

	// 再送信: 成功する
	api.createOrderFn = func(context.Context, string, string, string) (*model.Order, error) {
		return &model.Order{ID: "o2"}, nil
	}
	require.True(t, c.Submit(context.Background()))
	assert.Equal(t, StateSucceeded, c.View().State)
	assert.Equal(t, "Order o2 confirmed! Cart is now empty.", c.View().Message)
}

func TestSubmit_GenericFailureMessage(t *testing.T) {
	api := cartAPI(widgetCart())
	api.createOrderFn = func(context.Context, string, string, string) (*model.Order, error) {
		return nil, &shopapi.Error{Endpoint: "/api/orders", StatusCode: 500}
	}
	h := newHarness(api)
	c := NewController(h.deps(), testSession())
	c.Mount(context.Background())

	c.Submit(context.Background())

	assert.Equal(t, MsgSubmitFailure, c.View().Message)
}

func TestSubmit_IdempotencyKey(t *testing.T) {
	calls := 0
	api := cartAPI(widgetCart())
	api.createOrderFn = func(context.Context, string, string, string) (*model.Order, error) {
		calls++
		switch calls {
		case 1:
			return nil, errors.New("connection reset")
		case 2:
			return nil, &shopapi.Error{Endpoint: "/api/orders", StatusCode: 409, Message: "Conflict"}
		default:
			return &model.Order{ID: "o1"}, nil
		}
	}
	h := newHarness(api)
	c := NewController(h.deps(), testSession())
	c.Mount(context.Background())

	c.Submit(context.Background())
	c.Submit(context.Background())
	c.Submit(context.Background())

	require.Len(t, api.keys, 3)
	assert.NotEmpty(t, api.keys[0])
	assert.Equal(t, api.keys[0], api.keys[1], "応答が無かった場合は同じキーで再送する")
	assert.NotEqual(t, api.keys[1], api.keys[2], "応答があった場合は新しいキーを使う")
}

func TestSubmit_Unauthorized_ExpiresSession(t *testing.T) {
	api := cartAPI(widgetCart())
	api.createOrderFn = func(context.Context, string, string, string) (*model.Order, error) {
		return nil, &shopapi.Error{Endpoint: "/api/orders", StatusCode: 401, Message: "Not authorized"}
	}
	h := newHarness(api)
	c := NewController(h.deps(), testSession())
	c.Mount(context.Background())

	require.True(t, c.Submit(context.Background()))

	v := c.View()
	assert.Equal(t, StateFailed, v.State)
	assert.Equal(t, FailureAuth, v.Failure)
	assert.False(t, v.CanSubmit)
	assert.Equal(t, []string{RouteLogin}, h.nav.Routes())
	assert.Len(t, h.expirer.expired, 1)
}

func TestSubmit_SurvivesCallerCancellation(t *testing.T) {
	api := cartAPI(widgetCart())
	api.createOrderFn = func(ctx context.Context, _, _, _ string) (*model.Order, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &model.Order{ID: "o1"}, nil
	}
	h := newHarness(api)
	c := NewController(h.deps(), testSession())
	c.Mount(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Submit(ctx)

	assert.Equal(t, StateSucceeded, c.View().State)
}

func TestSubmit_BeforeMountIsNoop(t *testing.T) {
	h := newHarness(cartAPI(widgetCart()))
	c := NewController(h.deps(), testSession())

	assert.False(t, c.Submit(context.Background()))
	assert.Equal(t, int32(0), h.api.createOrderCalls.Load())
}

// --- タイマーと遷移 ---

func TestClose_CancelsPendingRedirect(t *testing.T) {
	h := newHarness(cartAPI(&model.CartSnapshot{}))
	c := NewController(h.deps(), testSession())
	c.Mount(context.Background())
	require.Equal(t, 1, h.sched.active())

	c.Close()

	assert.Equal(t, 0, h.sched.active())
	h.sched.FireAll()
	assert.Empty(t, h.nav.Routes())
	assert.Nil(t, c.View().Pending)
}

func TestStaleTimerCallbackIgnored(t *testing.T) {
	h := newHarness(cartAPI(&model.CartSnapshot{}))
	c := NewController(h.deps(), testSession())
	c.Mount(context.Background())
	require.Len(t, h.sched.timers, 1)
	stale := h.sched.timers[0]

	c.Close()
	// Stop後に発火してしまったコールバックも遷移しない
	stale.fn()

	assert.Empty(t, h.nav.Routes())
}

func TestClockScheduler_Fires(t *testing.T) {
	fired := make(chan struct{})
	ClockScheduler{}.AfterFunc(time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("ClockScheduler が発火しなかった")
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "loading", StateLoading.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "processing", StateProcessing.String())
	assert.Equal(t, "succeeded", StateSucceeded.String())
	assert.Equal(t, "failed", StateFailed.String())
}

func TestView_APIError(t *testing.T) {
	assert.Nil(t, View{State: StateReady}.APIError())
	assert.Nil(t, View{State: StateSucceeded, Message: "Order o1 confirmed! Cart is now empty."}.APIError())

	load := View{State: StateFailed, Failure: FailureLoad, Message: MsgLoadFailure}.APIError()
	require.NotNil(t, load)
	assert.Equal(t, model.ErrCodeLoadFailure, load.Code)
	assert.Equal(t, MsgLoadFailure, load.Message)

	submit := View{State: StateFailed, Failure: FailureSubmit, Message: "Out of stock"}.APIError()
	require.NotNil(t, submit)
	assert.Equal(t, model.ErrCodeSubmitFailure, submit.Code)
	assert.Equal(t, "Out of stock", submit.Message)

	auth := View{State: StateFailed, Failure: FailureAuth}.APIError()
	require.NotNil(t, auth)
	assert.Equal(t, model.ErrCodeUnauthorized, auth.Code)
}
