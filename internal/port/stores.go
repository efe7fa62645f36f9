package port

import (
	"context"
	"errors"

	"purchase-service/internal/models"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAlreadyOwned        = errors.New("product already owned")

	// ErrTxNotStarted wraps failures to open a transaction; no work was attempted.
	ErrTxNotStarted = errors.New("transaction not started")

	// ErrConcurrentUpdate marks work aborted by a conflicting concurrent transaction.
	// Retrying the whole unit of work may succeed.
	ErrConcurrentUpdate = errors.New("concurrent update")
)

type UserStore interface {
	// FetchWithOwnedProducts loads the user and the ids of every product they own.
	// Returns ErrNotFound when the user does not exist.
	FetchWithOwnedProducts(ctx context.Context, userID int64) (*models.User, error)

	// DecrementBalance subtracts amount from the user's balance and returns the updated user.
	// Returns ErrInsufficientBalance if the balance would go negative.
	DecrementBalance(ctx context.Context, userID int64, amount decimal.Decimal) (*models.User, error)
}

type ProductStore interface {
	// FetchByIDs returns the products that exist among ids, at most one per id.
	FetchByIDs(ctx context.Context, ids []int64) ([]models.Product, error)
}

type OrderStore interface {
	Create(ctx context.Context, userID int64, total decimal.Decimal) (*models.Order, error)
	CreateLines(ctx context.Context, orderID int64, lines []models.LineInput) (int, error)

	// CreateOwnershipRecords returns ErrAlreadyOwned if any (user, product) pair already exists.
	CreateOwnershipRecords(ctx context.Context, userID int64, productIDs []int64, orderID int64) (int, error)

	// FetchWithLines returns ErrNotFound when the order does not exist.
	FetchWithLines(ctx context.Context, orderID int64) (*models.OrderWithLines, error)

	ListByUser(ctx context.Context, userID int64) ([]models.Order, error)
}

// Stores groups the stores bound to one unit of work
type Stores struct {
	Users    UserStore
	Products ProductStore
	Orders   OrderStore
}

type Transactor interface {
	// InTx runs fn against stores bound to a single transaction. The transaction
	// commits when fn returns nil and rolls back otherwise; fn's error is returned as is.
	InTx(ctx context.Context, fn func(ctx context.Context, s Stores) error) error
}
