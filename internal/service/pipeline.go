package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"purchase-service/internal/models"
	"purchase-service/internal/port"
	"purchase-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// EventPublisher receives committed orders. Publishing is best effort and
// never affects the outcome of a purchase.
type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
}

// OrderPipeline creates orders: it validates a purchase request and, inside a
// single transaction, resolves the user and products, checks ownership and
// balance, and writes the order.
type OrderPipeline struct {
	tx        port.Transactor
	publisher EventPublisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewOrderPipeline creates a new order pipeline. publisher may be nil.
func NewOrderPipeline(tx port.Transactor, publisher EventPublisher) *OrderPipeline {
	return &OrderPipeline{
		tx:        tx,
		publisher: publisher,
		logger:    util.GetLogger(),
		now:       time.Now,
	}
}

// CreateOrderFromJSON is CreateOrder for callers holding the undecoded product_ids value
func (p *OrderPipeline) CreateOrderFromJSON(ctx context.Context, userID int64, rawProductIDs json.RawMessage) (*models.OrderWithProducts, error) {
	ids, failure := ParseProductIDs(rawProductIDs)
	if failure != nil {
		p.recordFailure(userID, failure, p.now())
		return nil, failure
	}
	return p.CreateOrder(ctx, userID, ids)
}

// CreateOrder buys every product in productIDs for the user. On failure the
// error is a *Failure and nothing has been written.
func (p *OrderPipeline) CreateOrder(ctx context.Context, userID int64, productIDs []int64) (*models.OrderWithProducts, error) {
	ctx, span := util.StartSpan(ctx, "OrderPipeline.CreateOrder",
		attribute.Int64("user_id", userID),
		attribute.Int("product_count", len(productIDs)))
	start := p.now()

	result, failure := p.run(ctx, userID, productIDs)
	if failure != nil {
		span.SetAttributes(
			attribute.String("failure.stage", string(failure.Stage)),
			attribute.String("failure.kind", string(failure.Kind)))
		util.EndSpan(span, failure)
		p.recordFailure(userID, failure, start)
		return nil, failure
	}
	span.SetAttributes(attribute.Int64("order_id", result.Order.ID))
	span.End()

	util.OrdersCreatedTotal.Inc()
	util.OrderLinesCreatedTotal.Add(float64(len(result.Products)))
	util.OrderPipelineLatency.WithLabelValues("success").Observe(time.Since(start).Seconds())
	p.logger.Info("Order created",
		zap.Int64("order_id", result.Order.ID),
		zap.Int64("user_id", userID),
		zap.String("total", result.Order.Total.String()),
		zap.Int("products", len(result.Products)))

	p.publishOrderCreated(ctx, result)
	return result, nil
}

func (p *OrderPipeline) run(ctx context.Context, userID int64, productIDs []int64) (*models.OrderWithProducts, *Failure) {
	if f := validateRequest(productIDs); f != nil {
		return nil, f
	}

	var result *models.OrderWithProducts

	// The transaction is detached from caller cancellation: once begun it
	// either commits or rolls back.
	err := p.tx.InTx(context.WithoutCancel(ctx), func(ctx context.Context, s port.Stores) error {
		user, f := resolveUser(ctx, s.Users, userID)
		if f != nil {
			return f
		}

		products, f := resolveProducts(ctx, s.Products, productIDs)
		if f != nil {
			return f
		}

		if f := checkOwnership(user, products); f != nil {
			return f
		}

		total := sumPrices(products)
		if f := checkBalance(user, total); f != nil {
			return f
		}

		order, f := commit(ctx, s, user.ID, products, total)
		if f != nil {
			return f
		}

		result = &models.OrderWithProducts{Order: *order, Products: products}
		return nil
	})
	if err != nil {
		var f *Failure
		if errors.As(err, &f) {
			return nil, f
		}
		if errors.Is(err, port.ErrTxNotStarted) {
			return nil, newFailure(StageResolveUser, KindPersistenceFailure, err)
		}
		return nil, newFailure(StageCommit, KindPersistenceFailure, err)
	}
	return result, nil
}

// endStage ends a stage span, recording the failure if there is one
func endStage(span trace.Span, f *Failure) {
	if f != nil {
		util.EndSpan(span, f)
		return
	}
	span.End()
}

func resolveUser(ctx context.Context, users port.UserStore, userID int64) (_ *models.User, f *Failure) {
	ctx, span := util.StartSpan(ctx, string(StageResolveUser))
	defer func() { endStage(span, f) }()

	user, err := users.FetchWithOwnedProducts(ctx, userID)
	if errors.Is(err, port.ErrNotFound) {
		return nil, newFailure(StageResolveUser, KindUserNotFound, nil)
	}
	if err != nil {
		return nil, newFailure(StageResolveUser, KindPersistenceFailure, err)
	}
	return user, nil
}

// resolveProducts loads the requested products and returns them in request order
func resolveProducts(ctx context.Context, products port.ProductStore, ids []int64) (_ []models.Product, failure *Failure) {
	ctx, span := util.StartSpan(ctx, string(StageResolveProducts))
	defer func() { endStage(span, failure) }()

	found, err := products.FetchByIDs(ctx, ids)
	if err != nil {
		return nil, newFailure(StageResolveProducts, KindPersistenceFailure, err)
	}

	byID := make(map[int64]models.Product, len(found))
	for _, product := range found {
		byID[product.ID] = product
	}

	requested := models.NewIDSet(ids...)
	var missing []int64
	for id := range requested {
		if _, ok := byID[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 || len(byID) != len(requested) {
		sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
		f := newFailure(StageResolveProducts, KindProductsNotFound, nil)
		f.ProductIDs = missing
		return nil, f
	}

	ordered := make([]models.Product, 0, len(ids))
	for _, id := range ids {
		ordered = append(ordered, byID[id])
	}
	return ordered, nil
}

func checkOwnership(user *models.User, products []models.Product) *Failure {
	var owned []int64
	for _, product := range products {
		if user.Owned.Has(product.ID) {
			owned = append(owned, product.ID)
		}
	}
	if len(owned) == 0 {
		return nil
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i] < owned[j] })
	f := newFailure(StageCheckOwnership, KindAlreadyOwned, nil)
	f.ProductIDs = owned
	return f
}

// sumPrices adds prices exactly; the result does not depend on product order
func sumPrices(products []models.Product) decimal.Decimal {
	total := decimal.Zero
	for _, product := range products {
		total = total.Add(product.Price)
	}
	return total
}

func checkBalance(user *models.User, total decimal.Decimal) *Failure {
	if user.Balance.LessThan(total) {
		return newFailure(StageCheckBalance, KindInsufficientBalance,
			fmt.Errorf("balance %s is less than total %s", user.Balance, total))
	}
	return nil
}

// commit performs all writes of a purchase. It relies on the surrounding
// transaction to discard earlier writes when a later one fails.
func commit(ctx context.Context, s port.Stores, userID int64, products []models.Product, total decimal.Decimal) (_ *models.Order, failure *Failure) {
	ctx, span := util.StartSpan(ctx, string(StageCommit))
	defer func() { endStage(span, failure) }()

	order, err := s.Orders.Create(ctx, userID, total)
	if err != nil {
		return nil, newFailure(StageCommit, KindPersistenceFailure, err)
	}

	lines := make([]models.LineInput, len(products))
	productIDs := make([]int64, len(products))
	for i, product := range products {
		lines[i] = models.LineInput{ProductID: product.ID, Price: product.Price}
		productIDs[i] = product.ID
	}

	n, err := s.Orders.CreateLines(ctx, order.ID, lines)
	if err != nil {
		return nil, newFailure(StageCommit, KindPersistenceFailure, err)
	}
	if n != len(lines) {
		return nil, newFailure(StageCommit, KindPersistenceFailure,
			fmt.Errorf("created %d of %d order lines", n, len(lines)))
	}

	n, err = s.Orders.CreateOwnershipRecords(ctx, userID, productIDs, order.ID)
	if errors.Is(err, port.ErrAlreadyOwned) {
		return nil, newFailure(StageCommit, KindAlreadyOwned, err)
	}
	if err != nil {
		return nil, newFailure(StageCommit, KindPersistenceFailure, err)
	}
	if n != len(productIDs) {
		return nil, newFailure(StageCommit, KindPersistenceFailure,
			fmt.Errorf("created %d of %d ownership records", n, len(productIDs)))
	}

	_, err = s.Users.DecrementBalance(ctx, userID, total)
	if errors.Is(err, port.ErrInsufficientBalance) {
		return nil, newFailure(StageCommit, KindInsufficientBalance, err)
	}
	if err != nil {
		return nil, newFailure(StageCommit, KindPersistenceFailure, err)
	}

	return order, nil
}

func (p *OrderPipeline) recordFailure(userID int64, f *Failure, start time.Time) {
	util.OrdersFailedTotal.WithLabelValues(string(f.Stage), string(f.Kind)).Inc()
	util.OrderPipelineLatency.WithLabelValues("failure").Observe(time.Since(start).Seconds())

	fields := []zap.Field{
		zap.Int64("user_id", userID),
		zap.String("stage", string(f.Stage)),
		zap.String("kind", string(f.Kind)),
		zap.Int64s("product_ids", f.ProductIDs),
	}
	if f.ClientError() {
		p.logger.Info("Order rejected", fields...)
		return
	}
	p.logger.Error("Order failed", append(fields, zap.Bool("retryable", f.Retryable()), zap.Error(f.Err))...)
}

func (p *OrderPipeline) publishOrderCreated(ctx context.Context, result *models.OrderWithProducts) {
	if p.publisher == nil {
		return
	}

	lines := make([]models.OrderLineData, 0, len(result.Products))
	for _, product := range result.Products {
		lines = append(lines, models.OrderLineData{ProductID: product.ID, Price: product.Price})
	}

	event := &models.OrderCreatedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderCreated,
			Timestamp: p.now(),
		},
		OrderID: result.Order.ID,
		UserID:  result.Order.UserID,
		Total:   result.Order.Total,
		Lines:   lines,
	}

	if err := p.publisher.PublishOrderCreated(ctx, event); err != nil {
		util.EventPublishFailedTotal.Inc()
		p.logger.Error("Failed to publish OrderCreated event",
			zap.Int64("order_id", result.Order.ID),
			zap.Error(err))
	}
}
