package checkout

import (
	"fmt"

	"github.com/hitoshi/storefront/internal/model"
	"github.com/hitoshi/storefront/internal/money"
)

// Summary はカートから導出した注文内容。
// 商品がnilの行は除外される。
type Summary struct {
	ValidItems []model.CartItem
	Lines      []string
	Total      money.Amount
}

// Summarize はカートから有効な行・表示行・合計金額を導出する。
// 合計は有効な行の 価格×数量 の総和。
func Summarize(cart *model.CartSnapshot) Summary {
	var s Summary
	if cart == nil {
		return s
	}

	for _, item := range cart.Items {
		if item.Product == nil {
			continue
		}
		s.ValidItems = append(s.ValidItems, item)
		s.Lines = append(s.Lines, FormatLine(item))
		s.Total = s.Total.Add(item.Product.Price.MulInt(item.Quantity))
	}
	return s
}

// FormatLine は "Widget (2 x $10.00) = $20.00" 形式の行を返す。
func FormatLine(item model.CartItem) string {
	subtotal := item.Product.Price.MulInt(item.Quantity)
	return fmt.Sprintf("%s (%d x %s) = %s",
		item.Product.Name, item.Quantity, item.Product.Price.Dollars(), subtotal.Dollars())
}
