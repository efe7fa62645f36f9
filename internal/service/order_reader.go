package service

import (
	"context"
	"errors"
	"fmt"

	"purchase-service/internal/models"
	"purchase-service/internal/port"
	"purchase-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
)

// OrderReader serves the non-transactional order reads
type OrderReader struct {
	orders port.OrderStore
}

// NewOrderReader creates a reader over the given order store
func NewOrderReader(orders port.OrderStore) *OrderReader {
	return &OrderReader{orders: orders}
}

// GetOrderWithItems returns the order with its lines and the products' current
// catalog data. A missing order yields nil and no error.
func (r *OrderReader) GetOrderWithItems(ctx context.Context, orderID int64) (*models.OrderWithLines, error) {
	ctx, span := util.StartSpan(ctx, "OrderReader.GetOrderWithItems", attribute.Int64("order_id", orderID))
	defer span.End()

	order, err := r.orders.FetchWithLines(ctx, orderID)
	if errors.Is(err, port.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order %d: %w", orderID, err)
	}
	return order, nil
}

// ListOrders returns the user's orders, newest first
func (r *OrderReader) ListOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderReader.ListOrders", attribute.Int64("user_id", userID))
	defer span.End()

	return r.orders.ListByUser(ctx, userID)
}
