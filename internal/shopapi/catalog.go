package shopapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/hitoshi/storefront/internal/model"
	"github.com/hitoshi/storefront/internal/money"
)

// productDTO はバックエンドの商品JSON。
// IDは _id（MongoDB）または id のどちらかで返される。
type productDTO struct {
	ID          string       `json:"id"`
	MongoID     string       `json:"_id"`
	Name        string       `json:"name"`
	Price       money.Amount `json:"price"`
	Stock       int          `json:"stock"`
	ImageURL    string       `json:"imageUrl"`
	Description string       `json:"description"`
}

func (p *productDTO) toModel() *model.Product {
	id := p.ID
	if id == "" {
		id = p.MongoID
	}
	return &model.Product{
		ID:          id,
		Name:        p.Name,
		Price:       p.Price,
		Stock:       p.Stock,
		ImageURL:    p.ImageURL,
		Description: p.Description,
	}
}

type cartItemDTO struct {
	Product  *productDTO `json:"product"`
	Quantity int         `json:"quantity"`
}

type cartDTO struct {
	Items []cartItemDTO `json:"items"`
}

type addToCartRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// ListProducts は商品一覧を取得する。
// GET /api/products
func (c *Client) ListProducts(ctx context.Context, token string) ([]model.Product, error) {
	body, err := c.do(ctx, request{
		method: http.MethodGet,
		path:   pathProducts,
		token:  token,
	})
	if err != nil {
		return nil, err
	}

	var dtos []productDTO
	if err := json.Unmarshal(body, &dtos); err != nil {
		return nil, fmt.Errorf("failed to parse products response: %w", err)
	}

	products := make([]model.Product, 0, len(dtos))
	for i := range dtos {
		products = append(products, *dtos[i].toModel())
	}
	return products, nil
}

// AddToCart は商品をカートに追加する。
// POST /api/cart
func (c *Client) AddToCart(ctx context.Context, token, productID string, quantity int) error {
	_, err := c.do(ctx, request{
		method: http.MethodPost,
		path:   pathCart,
		token:  token,
		body:   addToCartRequest{ProductID: productID, Quantity: quantity},
	})
	return err
}

// GetCart はログインユーザーのカートを取得する。
// 削除済み商品の行はProductがnilのまま返す。
// GET /api/cart
func (c *Client) GetCart(ctx context.Context, token string) (*model.CartSnapshot, error) {
	body, err := c.do(ctx, request{
		method: http.MethodGet,
		path:   pathCart,
		token:  token,
	})
	if err != nil {
		return nil, err
	}

	var dto cartDTO
	if err := json.Unmarshal(body, &dto); err != nil {
		return nil, fmt.Errorf("failed to parse cart response: %w", err)
	}

	snapshot := &model.CartSnapshot{Items: make([]model.CartItem, 0, len(dto.Items))}
	for _, it := range dto.Items {
		item := model.CartItem{Quantity: it.Quantity}
		if it.Product != nil {
			item.Product = it.Product.toModel()
		}
		snapshot.Items = append(snapshot.Items, item)
	}
	return snapshot, nil
}
