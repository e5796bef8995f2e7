package checkout

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/storefront/internal/model"
	"github.com/hitoshi/storefront/internal/session"
)

// Registry はセッションごとのControllerを保持する。
// 同一セッションへの並行リクエストは同じControllerを共有するため、
// 処理中の送信の無視がリクエストをまたいで働く。
type Registry struct {
	deps Deps
	now  func() time.Time

	mu          sync.Mutex
	controllers map[string]*Controller
}

// NewRegistry はRegistryを生成する。
func NewRegistry(deps Deps) *Registry {
	return &Registry{
		deps:        deps,
		now:         time.Now,
		controllers: make(map[string]*Controller),
	}
}

// Mount はチェックアウト画面の表示ごとに呼ばれる。
// 読み込み中・処理中のControllerがあればそれを使い、
// それ以外は新しいControllerでカートを取得し直す。
func (r *Registry) Mount(ctx context.Context, s *model.Session) *Controller {
	if s == nil {
		c := NewController(r.deps, nil)
		c.Mount(ctx)
		return c
	}

	r.mu.Lock()
	r.sweepLocked(s.ID)
	c, ok := r.controllers[s.ID]
	if ok && c.closeUnlessBusy() {
		ok = false
	}
	if !ok {
		c = NewController(r.deps, s)
		r.controllers[s.ID] = c
	}
	r.mu.Unlock()

	c.Mount(ctx)
	return c
}

// Acquire は送信用のControllerを返す。
// 既存のControllerがあれば状態に関わらずそれを使い、無ければマウントする。
func (r *Registry) Acquire(ctx context.Context, s *model.Session) *Controller {
	if s != nil {
		r.mu.Lock()
		r.sweepLocked(s.ID)
		c, ok := r.controllers[s.ID]
		r.mu.Unlock()
		if ok {
			c.Mount(ctx)
			return c
		}
	}
	return r.Mount(ctx, s)
}

// Release はセッションのControllerを破棄する。
func (r *Registry) Release(sessionID string) {
	r.mu.Lock()
	c, ok := r.controllers[sessionID]
	delete(r.controllers, sessionID)
	r.mu.Unlock()

	if ok {
		c.Close()
	}
}

// sweepLocked はセッション期限切れ・遷移済みのControllerを破棄する。
// 失効通知の無いセッション（期限切れ、RedisのTTL、クリーンアップ）もここで回収される。
// 呼び出し元のセッションは対象外。処理中のControllerは完了後の掃除まで残す。
func (r *Registry) sweepLocked(current string) {
	now := r.now()
	for id, c := range r.controllers {
		if id == current {
			continue
		}
		if c.stale(now) && c.closeUnlessBusy() {
			delete(r.controllers, id)
		}
	}
}

// Len は保持しているController数を返す。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.controllers)
}

// OnSessionEvent はログアウト・失効したセッションのControllerを破棄する。
// session.Service.Subscribe に渡して使う。
func (r *Registry) OnSessionEvent(ev session.Event) {
	switch ev.Kind {
	case session.EventLogout, session.EventExpired:
		r.Release(ev.SessionID)
	}
}
