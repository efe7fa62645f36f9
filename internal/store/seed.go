package store

import (
	"context"
	"fmt"

	"purchase-service/internal/models"

	"github.com/shopspring/decimal"
)

// CreateUser inserts a user with a starting balance
func (s *Store) CreateUser(ctx context.Context, name string, balance decimal.Decimal) (*models.User, error) {
	return (&UserRepo{q: s.db}).CreateUser(ctx, name, balance)
}

// CreateProduct adds a product to the catalog
func (s *Store) CreateProduct(ctx context.Context, name string, price decimal.Decimal) (*models.Product, error) {
	return (&ProductRepo{q: s.db}).CreateProduct(ctx, name, price)
}

// SeedDemo creates a demo user with the given balance and the demo catalog
func (s *Store) SeedDemo(ctx context.Context, balance decimal.Decimal) (*models.User, []models.Product, error) {
	user, err := s.CreateUser(ctx, "demo", balance)
	if err != nil {
		return nil, nil, err
	}

	products := make([]models.Product, 0, len(models.DemoCatalog))
	for _, item := range models.DemoCatalog {
		product, err := s.CreateProduct(ctx, item.Name, item.Price)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to seed %q: %w", item.Name, err)
		}
		products = append(products, *product)
	}
	return user, products, nil
}

// UpdateProductPrice changes a catalog price
func (s *Store) UpdateProductPrice(ctx context.Context, id int64, price decimal.Decimal) error {
	return (&ProductRepo{q: s.db}).UpdatePrice(ctx, id, price)
}
