package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// IDSet is a set of entity identifiers
type IDSet map[int64]struct{}

// NewIDSet builds a set from the given ids
func NewIDSet(ids ...int64) IDSet {
	set := make(IDSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// Has reports whether id is in the set
func (s IDSet) Has(id int64) bool {
	_, ok := s[id]
	return ok
}

// User represents a customer account with a spendable balance
type User struct {
	ID        int64           `db:"id" json:"id"`
	Name      string          `db:"name" json:"name"`
	Balance   decimal.Decimal `db:"balance" json:"balance"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`

	// Owned is derived from ownership records, never stored on the user row.
	Owned IDSet `db:"-" json:"-"`
}

// Product represents a product in the catalog
type Product struct {
	ID        int64           `db:"id" json:"id"`
	Name      string          `db:"name" json:"name"`
	Price     decimal.Decimal `db:"price" json:"price"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// Order represents a completed purchase
type Order struct {
	ID        int64           `db:"id" json:"id"`
	UserID    int64           `db:"user_id" json:"user_id"`
	Total     decimal.Decimal `db:"total" json:"total"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// OrderLine is one purchased product with the price paid for it
type OrderLine struct {
	ID        int64           `db:"id" json:"id"`
	OrderID   int64           `db:"order_id" json:"order_id"`
	ProductID int64           `db:"product_id" json:"product_id"`
	Price     decimal.Decimal `db:"price" json:"price"`
}

// LineInput carries the data needed to create an order line
type LineInput struct {
	ProductID int64
	Price     decimal.Decimal
}

// Ownership ties a user to a product bought through an order
type Ownership struct {
	UserID    int64     `db:"user_id" json:"user_id"`
	ProductID int64     `db:"product_id" json:"product_id"`
	OrderID   int64     `db:"order_id" json:"order_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// OrderWithProducts is the result of a successful purchase
type OrderWithProducts struct {
	Order    Order
	Products []Product
}

// LineWithProduct pairs an order line with the product's current catalog data
type LineWithProduct struct {
	Line    OrderLine
	Product Product
}

// OrderWithLines is an order with its lines, as returned by the read path
type OrderWithLines struct {
	Order Order
	Lines []LineWithProduct
}
