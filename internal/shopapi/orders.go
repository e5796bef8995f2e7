package shopapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/storefront/internal/model"
	"github.com/tidwall/gjson"
)

type createOrderRequest struct {
	UserID string `json:"userId"`
}

// CreateOrder はカートの内容で注文を作成する。
// idempotencyKeyが空でない場合はIdempotency-Keyヘッダーとして送信する。
// POST /api/orders
func (c *Client) CreateOrder(ctx context.Context, token, userID, idempotencyKey string) (*model.Order, error) {
	var headers map[string]string
	if idempotencyKey != "" {
		headers = map[string]string{idempotencyHeader: idempotencyKey}
	}

	body, err := c.do(ctx, request{
		method:  http.MethodPost,
		path:    pathOrders,
		token:   token,
		body:    createOrderRequest{UserID: userID},
		headers: headers,
	})
	if err != nil {
		return nil, err
	}

	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid order response JSON")
	}
	res := gjson.GetManyBytes(body, "order.id", "order._id")
	id := firstNonEmpty(res[0].String(), res[1].String())
	if id == "" {
		return nil, fmt.Errorf("order response does not contain an order id")
	}

	c.logger.Info("order created",
		slog.String("order_id", id),
		slog.String("user_id", userID),
	)
	return &model.Order{ID: id}, nil
}
