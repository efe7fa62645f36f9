// Package memory is an in-process implementation of the store ports for tests
// and local runs. Transactions are fully serialized and applied copy-on-write,
// so a failed unit of work leaves no trace.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"purchase-service/internal/models"
	"purchase-service/internal/port"

	"github.com/shopspring/decimal"
)

type ownershipKey struct {
	userID    int64
	productID int64
}

type state struct {
	users      map[int64]models.User
	products   map[int64]models.Product
	orders     map[int64]models.Order
	lines      []models.OrderLine
	ownerships map[ownershipKey]models.Ownership

	nextUserID    int64
	nextProductID int64
	nextOrderID   int64
	nextLineID    int64
}

func newState() *state {
	return &state{
		users:      make(map[int64]models.User),
		products:   make(map[int64]models.Product),
		orders:     make(map[int64]models.Order),
		ownerships: make(map[ownershipKey]models.Ownership),
	}
}

func (s *state) clone() *state {
	c := *s
	c.users = make(map[int64]models.User, len(s.users))
	for k, v := range s.users {
		c.users[k] = v
	}
	c.products = make(map[int64]models.Product, len(s.products))
	for k, v := range s.products {
		c.products[k] = v
	}
	c.orders = make(map[int64]models.Order, len(s.orders))
	for k, v := range s.orders {
		c.orders[k] = v
	}
	c.lines = append([]models.OrderLine(nil), s.lines...)
	c.ownerships = make(map[ownershipKey]models.Ownership, len(s.ownerships))
	for k, v := range s.ownerships {
		c.ownerships[k] = v
	}
	return &c
}

// Store holds all entities in memory
type Store struct {
	mu    sync.Mutex
	state *state
	now   func() time.Time
}

// NewStore returns an empty store
func NewStore() *Store {
	return &Store{state: newState(), now: time.Now}
}

// InTx runs fn on a private copy of the data and publishes it only if fn succeeds
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, st port.Stores) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(ctx, s.bind(work)); err != nil {
		return err
	}
	s.state = work
	return nil
}

// Stores returns stores operating directly on the committed data
func (s *Store) Stores() port.Stores {
	return s.bind(nil)
}

func (s *Store) bind(tx *state) port.Stores {
	r := &repo{store: s, tx: tx}
	return port.Stores{Users: r, Products: r, Orders: r}
}

// AddUser creates a user with the given balance
func (s *Store) AddUser(name string, balance decimal.Decimal) models.User {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.nextUserID++
	user := models.User{ID: s.state.nextUserID, Name: name, Balance: balance, CreatedAt: s.now()}
	s.state.users[user.ID] = user
	return user
}

// AddProduct adds a product to the catalog
func (s *Store) AddProduct(name string, price decimal.Decimal) models.Product {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.nextProductID++
	product := models.Product{ID: s.state.nextProductID, Name: name, Price: price, CreatedAt: s.now()}
	s.state.products[product.ID] = product
	return product
}

// SeedDemo creates a demo user with the given balance and the demo catalog
func (s *Store) SeedDemo(balance decimal.Decimal) (models.User, []models.Product) {
	user := s.AddUser("demo", balance)
	products := make([]models.Product, 0, len(models.DemoCatalog))
	for _, item := range models.DemoCatalog {
		products = append(products, s.AddProduct(item.Name, item.Price))
	}
	return user, products
}

// SetPrice changes a product's catalog price
func (s *Store) SetPrice(productID int64, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.state.products[productID]; ok {
		p.Price = price
		s.state.products[productID] = p
	}
}

// Balance returns the committed balance of a user
func (s *Store) Balance(userID int64) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.users[userID].Balance
}

// Counts reports how many rows each write target holds
type Counts struct {
	Orders     int
	Lines      int
	Ownerships int
}

func (s *Store) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Counts{
		Orders:     len(s.state.orders),
		Lines:      len(s.state.lines),
		Ownerships: len(s.state.ownerships),
	}
}

type repo struct {
	store *Store
	tx    *state
}

func (r *repo) with(fn func(st *state) error) error {
	if r.tx != nil {
		return fn(r.tx)
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	return fn(r.store.state)
}

func (r *repo) FetchWithOwnedProducts(ctx context.Context, userID int64) (*models.User, error) {
	var user models.User
	err := r.with(func(st *state) error {
		u, ok := st.users[userID]
		if !ok {
			return port.ErrNotFound
		}
		user = u
		user.Owned = models.IDSet{}
		for key := range st.ownerships {
			if key.userID == userID {
				user.Owned[key.productID] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *repo) DecrementBalance(ctx context.Context, userID int64, amount decimal.Decimal) (*models.User, error) {
	var user models.User
	err := r.with(func(st *state) error {
		u, ok := st.users[userID]
		if !ok {
			return port.ErrNotFound
		}
		if u.Balance.LessThan(amount) {
			return port.ErrInsufficientBalance
		}
		u.Balance = u.Balance.Sub(amount)
		st.users[userID] = u
		user = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *repo) FetchByIDs(ctx context.Context, ids []int64) ([]models.Product, error) {
	products := []models.Product{}
	err := r.with(func(st *state) error {
		seen := models.IDSet{}
		for _, id := range ids {
			if seen.Has(id) {
				continue
			}
			seen[id] = struct{}{}
			if p, ok := st.products[id]; ok {
				products = append(products, p)
			}
		}
		return nil
	})
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products, err
}

func (r *repo) Create(ctx context.Context, userID int64, total decimal.Decimal) (*models.Order, error) {
	var order models.Order
	err := r.with(func(st *state) error {
		if _, ok := st.users[userID]; !ok {
			return port.ErrNotFound
		}
		st.nextOrderID++
		order = models.Order{ID: st.nextOrderID, UserID: userID, Total: total, CreatedAt: r.store.now()}
		st.orders[order.ID] = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *repo) CreateLines(ctx context.Context, orderID int64, lines []models.LineInput) (int, error) {
	err := r.with(func(st *state) error {
		if _, ok := st.orders[orderID]; !ok {
			return port.ErrNotFound
		}
		for _, in := range lines {
			st.nextLineID++
			st.lines = append(st.lines, models.OrderLine{
				ID:        st.nextLineID,
				OrderID:   orderID,
				ProductID: in.ProductID,
				Price:     in.Price,
			})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(lines), nil
}

func (r *repo) CreateOwnershipRecords(ctx context.Context, userID int64, productIDs []int64, orderID int64) (int, error) {
	err := r.with(func(st *state) error {
		pending := make(map[ownershipKey]models.Ownership, len(productIDs))
		for _, productID := range productIDs {
			key := ownershipKey{userID: userID, productID: productID}
			if _, exists := st.ownerships[key]; exists {
				return port.ErrAlreadyOwned
			}
			if _, exists := pending[key]; exists {
				return port.ErrAlreadyOwned
			}
			pending[key] = models.Ownership{UserID: userID, ProductID: productID, OrderID: orderID, CreatedAt: r.store.now()}
		}
		for key, own := range pending {
			st.ownerships[key] = own
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(productIDs), nil
}

func (r *repo) FetchWithLines(ctx context.Context, orderID int64) (*models.OrderWithLines, error) {
	var result *models.OrderWithLines
	err := r.with(func(st *state) error {
		order, ok := st.orders[orderID]
		if !ok {
			return port.ErrNotFound
		}
		result = &models.OrderWithLines{Order: order, Lines: []models.LineWithProduct{}}
		for _, line := range st.lines {
			if line.OrderID != orderID {
				continue
			}
			result.Lines = append(result.Lines, models.LineWithProduct{
				Line:    line,
				Product: st.products[line.ProductID],
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *repo) ListByUser(ctx context.Context, userID int64) ([]models.Order, error) {
	orders := []models.Order{}
	err := r.with(func(st *state) error {
		for _, order := range st.orders {
			if order.UserID == userID {
				orders = append(orders, order)
			}
		}
		return nil
	})
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.After(orders[j].CreatedAt)
		}
		return orders[i].ID > orders[j].ID
	})
	return orders, err
}
