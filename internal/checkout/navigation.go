package checkout

import "time"

// 遷移先
const (
	RouteLogin        = "/"
	RouteHome         = "/home"
	RouteOrderSuccess = "/order-success"
)

// Navigator は画面遷移を発行する。
// Controllerのロック外から呼ばれる。
type Navigator interface {
	Navigate(route string)
}

// NavigatorFunc は関数をNavigatorとして扱うアダプタ。
type NavigatorFunc func(route string)

// Navigate はf(route)を呼ぶ。
func (f NavigatorFunc) Navigate(route string) { f(route) }

// Timer は予約済みの処理。Stopは処理を取り消し、未実行だった場合trueを返す。
type Timer interface {
	Stop() bool
}

// Scheduler は遅延実行を予約する。
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

// ClockScheduler はtime.AfterFuncによるScheduler。
type ClockScheduler struct{}

// AfterFunc はd経過後にfnを別goroutineで実行する。
func (ClockScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// PendingRedirect は予約中の遅延遷移。
type PendingRedirect struct {
	Route string
	Delay time.Duration
}
