package store

import (
	"context"
	"fmt"

	"purchase-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

type ProductRepo struct {
	q sqlx.ExtContext
}

// FetchByIDs retrieves multiple products by IDs
func (r *ProductRepo) FetchByIDs(ctx context.Context, ids []int64) ([]models.Product, error) {
	if len(ids) == 0 {
		return []models.Product{}, nil
	}

	query, args, err := sqlx.In("SELECT id, name, price, created_at FROM products WHERE id IN (?) ORDER BY id", ids)
	if err != nil {
		return nil, err
	}
	query = r.q.Rebind(query)

	var products []models.Product
	if err := sqlx.SelectContext(ctx, r.q, &products, query, args...); err != nil {
		return nil, wrapErr(err, "failed to fetch products")
	}
	return products, nil
}

// CreateProduct adds a product to the catalog
func (r *ProductRepo) CreateProduct(ctx context.Context, name string, price decimal.Decimal) (*models.Product, error) {
	var product models.Product
	err := sqlx.GetContext(ctx, r.q, &product,
		"INSERT INTO products (name, price) VALUES ($1, $2) RETURNING id, name, price, created_at",
		name, price)
	if err != nil {
		return nil, fmt.Errorf("failed to create product: %w", err)
	}
	return &product, nil
}

// UpdatePrice changes the catalog price; existing order lines keep their snapshot
func (r *ProductRepo) UpdatePrice(ctx context.Context, id int64, price decimal.Decimal) error {
	_, err := r.q.ExecContext(ctx, "UPDATE products SET price = $1 WHERE id = $2", price, id)
	return err
}
