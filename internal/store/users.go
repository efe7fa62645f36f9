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

type UserRepo struct {
	q sqlx.ExtContext
}

type userRow struct {
	ID        int64           `db:"id"`
	Name      string          `db:"name"`
	Balance   decimal.Decimal `db:"balance"`
	CreatedAt time.Time       `db:"created_at"`
	Owned     pq.Int64Array   `db:"owned"`
}

// FetchWithOwnedProducts locks the user row and loads the owned product ids in one query
func (r *UserRepo) FetchWithOwnedProducts(ctx context.Context, userID int64) (*models.User, error) {
	query := `
		WITH u AS (
			SELECT id, name, balance, created_at FROM users WHERE id = $1 FOR UPDATE
		)
		SELECT u.id, u.name, u.balance, u.created_at,
			ARRAY(SELECT product_id FROM product_ownerships WHERE user_id = u.id) AS owned
		FROM u`

	var row userRow
	err := sqlx.GetContext(ctx, r.q, &row, query, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, port.ErrNotFound
	}
	if err != nil {
		return nil, wrapErr(err, fmt.Sprintf("failed to fetch user %d", userID))
	}

	return &models.User{
		ID:        row.ID,
		Name:      row.Name,
		Balance:   row.Balance,
		CreatedAt: row.CreatedAt,
		Owned:     models.NewIDSet(row.Owned...),
	}, nil
}

// DecrementBalance subtracts amount, refusing to take the balance below zero
func (r *UserRepo) DecrementBalance(ctx context.Context, userID int64, amount decimal.Decimal) (*models.User, error) {
	query := `
		UPDATE users SET balance = balance - $1
		WHERE id = $2 AND balance >= $1
		RETURNING id, name, balance, created_at`

	var user models.User
	err := sqlx.GetContext(ctx, r.q, &user, query, amount, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, port.ErrInsufficientBalance
	}
	if err != nil {
		return nil, wrapErr(err, fmt.Sprintf("failed to decrement balance for user %d", userID))
	}
	return &user, nil
}

// CreateUser inserts a user with the given starting balance
func (r *UserRepo) CreateUser(ctx context.Context, name string, balance decimal.Decimal) (*models.User, error) {
	var user models.User
	err := sqlx.GetContext(ctx, r.q, &user,
		"INSERT INTO users (name, balance) VALUES ($1, $2) RETURNING id, name, balance, created_at",
		name, balance)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return &user, nil
}
