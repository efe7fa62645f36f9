package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"purchase-service/internal/models"
	"purchase-service/internal/port"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

type OrderRepo struct {
	q sqlx.ExtContext
}

// Create creates a new order
func (r *OrderRepo) Create(ctx context.Context, userID int64, total decimal.Decimal) (*models.Order, error) {
	query := `
		INSERT INTO orders (user_id, total)
		VALUES ($1, $2)
		RETURNING id, user_id, total, created_at`

	var order models.Order
	if err := sqlx.GetContext(ctx, r.q, &order, query, userID, total); err != nil {
		return nil, wrapErr(err, "failed to create order")
	}
	return &order, nil
}

// CreateLines inserts all lines of an order in one statement
func (r *OrderRepo) CreateLines(ctx context.Context, orderID int64, lines []models.LineInput) (int, error) {
	if len(lines) == 0 {
		return 0, nil
	}

	productIDs := make([]int64, len(lines))
	prices := make([]string, len(lines))
	for i, line := range lines {
		productIDs[i] = line.ProductID
		prices[i] = line.Price.String()
	}

	query := `
		INSERT INTO order_lines (order_id, product_id, price)
		SELECT $1::bigint, l.product_id, l.price
		FROM unnest($2::bigint[], $3::numeric[]) AS l(product_id, price)`

	res, err := r.q.ExecContext(ctx, query, orderID, pq.Array(productIDs), pq.Array(prices))
	if err != nil {
		return 0, wrapErr(err, "failed to create order lines")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// CreateOwnershipRecords records that the user owns each product through the order
func (r *OrderRepo) CreateOwnershipRecords(ctx context.Context, userID int64, productIDs []int64, orderID int64) (int, error) {
	if len(productIDs) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO product_ownerships (user_id, product_id, order_id)
		SELECT $1::bigint, product_id, $3::bigint
		FROM unnest($2::bigint[]) AS product_id`

	res, err := r.q.ExecContext(ctx, query, userID, pq.Array(productIDs), orderID)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, port.ErrAlreadyOwned
		}
		return 0, wrapErr(err, "failed to create ownership records")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

type lineRow struct {
	ID               int64           `db:"id"`
	OrderID          int64           `db:"order_id"`
	ProductID        int64           `db:"product_id"`
	Price            decimal.Decimal `db:"price"`
	ProductName      string          `db:"product_name"`
	ProductPrice     decimal.Decimal `db:"product_price"`
	ProductCreatedAt time.Time       `db:"product_created_at"`
}

// FetchWithLines retrieves an order with its lines and the current product data
func (r *OrderRepo) FetchWithLines(ctx context.Context, orderID int64) (*models.OrderWithLines, error) {
	var order models.Order
	err := sqlx.GetContext(ctx, r.q, &order,
		"SELECT id, user_id, total, created_at FROM orders WHERE id = $1", orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, port.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch order %d: %w", orderID, err)
	}

	query := `
		SELECT l.id, l.order_id, l.product_id, l.price,
			p.name AS product_name, p.price AS product_price, p.created_at AS product_created_at
		FROM order_lines l
		JOIN products p ON p.id = l.product_id
		WHERE l.order_id = $1
		ORDER BY l.id`

	var rows []lineRow
	if err := sqlx.SelectContext(ctx, r.q, &rows, query, orderID); err != nil {
		return nil, fmt.Errorf("failed to fetch lines for order %d: %w", orderID, err)
	}

	result := &models.OrderWithLines{
		Order: order,
		Lines: make([]models.LineWithProduct, 0, len(rows)),
	}
	for _, row := range rows {
		result.Lines = append(result.Lines, models.LineWithProduct{
			Line: models.OrderLine{
				ID:        row.ID,
				OrderID:   row.OrderID,
				ProductID: row.ProductID,
				Price:     row.Price,
			},
			Product: models.Product{
				ID:        row.ProductID,
				Name:      row.ProductName,
				Price:     row.ProductPrice,
				CreatedAt: row.ProductCreatedAt,
			},
		})
	}
	return result, nil
}

// ListByUser retrieves orders for a user, newest first
func (r *OrderRepo) ListByUser(ctx context.Context, userID int64) ([]models.Order, error) {
	orders := []models.Order{}
	err := sqlx.SelectContext(ctx, r.q, &orders,
		"SELECT id, user_id, total, created_at FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders for user %d: %w", userID, err)
	}
	return orders, nil
}
