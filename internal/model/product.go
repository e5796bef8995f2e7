package model

import "github.com/hitoshi/storefront/internal/money"

// Product はバックエンドが返す商品を表す。
// チェックアウトフローからは読み取り専用。
type Product struct {
	ID          string
	Name        string
	Price       money.Amount
	Stock       int
	ImageURL    string
	Description string // サニタイズ前のHTML
}

// InStock は在庫があるかを返す。
func (p Product) InStock() bool {
	return p.Stock > 0
}

// CartItem はカートの1行を表す。
// 商品が削除済み・同期ずれの場合Productはnilになる。
type CartItem struct {
	Product  *Product
	Quantity int
}

// CartSnapshot はバックエンドから取得した時点のカート内容。
// チェックアウト画面のマウントごとに取得し直し、キャッシュしない。
type CartSnapshot struct {
	Items []CartItem
}

// Order はサーバー側で作成された注文。
// クライアント側では確認メッセージ用のIDのみを扱う。
type Order struct {
	ID string
}
