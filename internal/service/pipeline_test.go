package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"purchase-service/internal/models"
	"purchase-service/internal/port"
	"purchase-service/internal/store/memory"
	"purchase-service/internal/util"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

func requireFailure(t *testing.T, err error, stage Stage, kind FailureKind) *Failure {
	t.Helper()
	require.Error(t, err)
	var f *Failure
	require.True(t, errors.As(err, &f), "expected *Failure, got %T: %v", err, err)
	assert.Equal(t, stage, f.Stage)
	assert.Equal(t, kind, f.Kind)
	return f
}

type fixture struct {
	store    *memory.Store
	pipeline *OrderPipeline
	reader   *OrderReader
	user     models.User
	cheap    models.Product
	pricey   models.Product
}

func newFixture(t *testing.T, balance string) *fixture {
	t.Helper()
	st := memory.NewStore()
	f := &fixture{
		store:  st,
		user:   st.AddUser("alice", dec(balance)),
		cheap:  st.AddProduct("sticker pack", dec("10.00")),
		pricey: st.AddProduct("poster", dec("20.00")),
	}
	f.pipeline = NewOrderPipeline(st, nil)
	f.reader = NewOrderReader(st.Stores().Orders)
	return f
}

func (f *fixture) assertUnchanged(t *testing.T, before memory.Counts, balance string) {
	t.Helper()
	assert.Equal(t, before, f.store.Counts())
	assertAmount(t, balance, f.store.Balance(f.user.ID))
}

func TestCreateOrder_Success(t *testing.T) {
	f := newFixture(t, "100.00")

	result, err := f.pipeline.CreateOrder(context.Background(), f.user.ID, []int64{f.pricey.ID, f.cheap.ID})
	require.NoError(t, err)

	assertAmount(t, "30.00", result.Order.Total)
	assert.Equal(t, f.user.ID, result.Order.UserID)
	require.Len(t, result.Products, 2)
	assert.Equal(t, f.pricey.ID, result.Products[0].ID)
	assert.Equal(t, f.cheap.ID, result.Products[1].ID)

	assertAmount(t, "70.00", f.store.Balance(f.user.ID))
	assert.Equal(t, memory.Counts{Orders: 1, Lines: 2, Ownerships: 2}, f.store.Counts())
}

func TestCreateOrder_TotalEqualsSumOfLines(t *testing.T) {
	f := newFixture(t, "100.00")
	odd := f.store.AddProduct("pin", dec("0.10"))
	odder := f.store.AddProduct("badge", dec("0.20"))

	result, err := f.pipeline.CreateOrder(context.Background(), f.user.ID, []int64{odd.ID, odder.ID, f.cheap.ID})
	require.NoError(t, err)

	got, err := f.reader.GetOrderWithItems(context.Background(), result.Order.ID)
	require.NoError(t, err)
	require.NotNil(t, got)

	sum := decimal.Zero
	for _, l := range got.Lines {
		sum = sum.Add(l.Line.Price)
	}
	assertAmount(t, "10.30", sum)
	assertAmount(t, "10.30", got.Order.Total)
}

func TestCreateOrder_RepurchaseIsAlreadyOwned(t *testing.T) {
	f := newFixture(t, "100.00")
	ctx := context.Background()

	_, err := f.pipeline.CreateOrder(ctx, f.user.ID, []int64{f.cheap.ID, f.pricey.ID})
	require.NoError(t, err)
	before := f.store.Counts()

	_, err = f.pipeline.CreateOrder(ctx, f.user.ID, []int64{f.cheap.ID})
	failure := requireFailure(t, err, StageCheckOwnership, KindAlreadyOwned)
	assert.Equal(t, []int64{f.cheap.ID}, failure.ProductIDs)

	f.assertUnchanged(t, before, "70.00")
}

func TestCreateOrder_PartialOverlapFailsWholeRequest(t *testing.T) {
	f := newFixture(t, "100.00")
	ctx := context.Background()
	extra := f.store.AddProduct("mug", dec("5.00"))

	_, err := f.pipeline.CreateOrder(ctx, f.user.ID, []int64{f.cheap.ID})
	require.NoError(t, err)
	before := f.store.Counts()

	_, err = f.pipeline.CreateOrder(ctx, f.user.ID, []int64{extra.ID, f.cheap.ID})
	requireFailure(t, err, StageCheckOwnership, KindAlreadyOwned)
	f.assertUnchanged(t, before, "90.00")
}

func TestCreateOrder_InsufficientBalance(t *testing.T) {
	f := newFixture(t, "20.00")

	_, err := f.pipeline.CreateOrder(context.Background(), f.user.ID, []int64{f.cheap.ID, f.pricey.ID})
	requireFailure(t, err, StageCheckBalance, KindInsufficientBalance)

	f.assertUnchanged(t, memory.Counts{}, "20.00")
}

func TestCreateOrder_ExactBalanceLeavesZero(t *testing.T) {
	f := newFixture(t, "30.00")

	result, err := f.pipeline.CreateOrder(context.Background(), f.user.ID, []int64{f.cheap.ID, f.pricey.ID})
	require.NoError(t, err)

	assertAmount(t, "30.00", result.Order.Total)
	assert.True(t, f.store.Balance(f.user.ID).IsZero())
}

func TestCreateOrder_UserNotFound(t *testing.T) {
	f := newFixture(t, "100.00")

	_, err := f.pipeline.CreateOrder(context.Background(), 4242, []int64{f.cheap.ID})
	requireFailure(t, err, StageResolveUser, KindUserNotFound)
	f.assertUnchanged(t, memory.Counts{}, "100.00")
}

func TestCreateOrder_ProductsNotFound(t *testing.T) {
	f := newFixture(t, "100.00")

	_, err := f.pipeline.CreateOrder(context.Background(), f.user.ID, []int64{f.cheap.ID, 999})
	failure := requireFailure(t, err, StageResolveProducts, KindProductsNotFound)
	assert.Equal(t, []int64{999}, failure.ProductIDs)
	f.assertUnchanged(t, memory.Counts{}, "100.00")
}

// countingTransactor records whether the pipeline ever opened a transaction
type countingTransactor struct {
	inner port.Transactor
	calls int
}

func (c *countingTransactor) InTx(ctx context.Context, fn func(ctx context.Context, s port.Stores) error) error {
	c.calls++
	return c.inner.InTx(ctx, fn)
}

func TestCreateOrder_RequestShapeFailuresTouchNoStore(t *testing.T) {
	f := newFixture(t, "100.00")
	tx := &countingTransactor{inner: f.store}
	pipeline := NewOrderPipeline(tx, nil)

	tests := []struct {
		name string
		ids  []int64
		kind FailureKind
	}{
		{"nil list", nil, KindEmptyRequest},
		{"empty list", []int64{}, KindEmptyRequest},
		{"duplicate", []int64{f.cheap.ID, f.cheap.ID}, KindDuplicateInRequest},
		{"non-positive id", []int64{0}, KindMalformedRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := pipeline.CreateOrder(context.Background(), f.user.ID, tt.ids)
			requireFailure(t, err, StageValidateRequest, tt.kind)
		})
	}

	assert.Zero(t, tx.calls)
	f.assertUnchanged(t, memory.Counts{}, "100.00")
}

func TestCreateOrderFromJSON_RequestShapes(t *testing.T) {
	f := newFixture(t, "100.00")

	tests := []struct {
		name string
		raw  json.RawMessage
		kind FailureKind
	}{
		{"absent", nil, KindEmptyRequest},
		{"null", json.RawMessage(`null`), KindEmptyRequest},
		{"empty list", json.RawMessage(`[]`), KindEmptyRequest},
		{"object", json.RawMessage(`{"id":1}`), KindMalformedRequest},
		{"string", json.RawMessage(`"1,2"`), KindMalformedRequest},
		{"number", json.RawMessage(`1`), KindMalformedRequest},
		{"string element", json.RawMessage(`[1,"2"]`), KindMalformedRequest},
		{"fractional element", json.RawMessage(`[1.5]`), KindMalformedRequest},
		{"nested list", json.RawMessage(`[[1]]`), KindMalformedRequest},
		{"duplicate", json.RawMessage(`[1, 1]`), KindDuplicateInRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.pipeline.CreateOrderFromJSON(context.Background(), f.user.ID, tt.raw)
			requireFailure(t, err, StageValidateRequest, tt.kind)
		})
	}

	result, err := f.pipeline.CreateOrderFromJSON(context.Background(), f.user.ID, json.RawMessage(` [1, 2] `))
	require.NoError(t, err)
	assertAmount(t, "30.00", result.Order.Total)
}

func TestCreateOrder_PriceSnapshotSurvivesCatalogChange(t *testing.T) {
	f := newFixture(t, "100.00")
	ctx := context.Background()

	result, err := f.pipeline.CreateOrder(ctx, f.user.ID, []int64{f.cheap.ID})
	require.NoError(t, err)

	f.store.SetPrice(f.cheap.ID, dec("99.00"))

	got, err := f.reader.GetOrderWithItems(ctx, result.Order.ID)
	require.NoError(t, err)
	require.Len(t, got.Lines, 1)
	assertAmount(t, "10.00", got.Lines[0].Line.Price)
	assertAmount(t, "99.00", got.Lines[0].Product.Price)
	assertAmount(t, "10.00", got.Order.Total)
}

// faultyTransactor lets a test swap the stores handed to the pipeline
type faultyTransactor struct {
	inner port.Transactor
	wrap  func(port.Stores) port.Stores
}

func (f faultyTransactor) InTx(ctx context.Context, fn func(ctx context.Context, s port.Stores) error) error {
	return f.inner.InTx(ctx, func(ctx context.Context, s port.Stores) error {
		return fn(ctx, f.wrap(s))
	})
}

type failingOrders struct {
	port.OrderStore
	failOwnership bool
	dropLines     bool
}

func (o failingOrders) CreateLines(ctx context.Context, orderID int64, lines []models.LineInput) (int, error) {
	if o.dropLines && len(lines) > 0 {
		return o.OrderStore.CreateLines(ctx, orderID, lines[:len(lines)-1])
	}
	return o.OrderStore.CreateLines(ctx, orderID, lines)
}

func (o failingOrders) CreateOwnershipRecords(ctx context.Context, userID int64, productIDs []int64, orderID int64) (int, error) {
	if o.failOwnership {
		return 0, errors.New("disk full")
	}
	return o.OrderStore.CreateOwnershipRecords(ctx, userID, productIDs, orderID)
}

type failingUsers struct {
	port.UserStore
	hideOwned     bool
	failFetch     error
	failDecrement error
}

func (u failingUsers) FetchWithOwnedProducts(ctx context.Context, userID int64) (*models.User, error) {
	if u.failFetch != nil {
		return nil, u.failFetch
	}
	user, err := u.UserStore.FetchWithOwnedProducts(ctx, userID)
	if err == nil && u.hideOwned {
		user.Owned = models.IDSet{}
	}
	return user, err
}

func (u failingUsers) DecrementBalance(ctx context.Context, userID int64, amount decimal.Decimal) (*models.User, error) {
	if u.failDecrement != nil {
		return nil, u.failDecrement
	}
	return u.UserStore.DecrementBalance(ctx, userID, amount)
}

type failingProducts struct {
	err error
}

func (p failingProducts) FetchByIDs(ctx context.Context, ids []int64) ([]models.Product, error) {
	return nil, p.err
}

func TestCreateOrder_StoreFailuresRollBackEverything(t *testing.T) {
	connReset := errors.New("connection reset")

	tests := []struct {
		name  string
		wrap  func(port.Stores) port.Stores
		stage Stage
		kind  FailureKind
	}{
		{"user lookup fails", func(s port.Stores) port.Stores {
			s.Users = failingUsers{UserStore: s.Users, failFetch: connReset}
			return s
		}, StageResolveUser, KindPersistenceFailure},
		{"product lookup fails", func(s port.Stores) port.Stores {
			s.Products = failingProducts{err: connReset}
			return s
		}, StageResolveProducts, KindPersistenceFailure},
		{"line insert comes up short", func(s port.Stores) port.Stores {
			s.Orders = failingOrders{OrderStore: s.Orders, dropLines: true}
			return s
		}, StageCommit, KindPersistenceFailure},
		{"ownership insert fails", func(s port.Stores) port.Stores {
			s.Orders = failingOrders{OrderStore: s.Orders, failOwnership: true}
			return s
		}, StageCommit, KindPersistenceFailure},
		{"balance update fails", func(s port.Stores) port.Stores {
			s.Users = failingUsers{UserStore: s.Users, failDecrement: connReset}
			return s
		}, StageCommit, KindPersistenceFailure},
		{"guarded decrement refuses", func(s port.Stores) port.Stores {
			s.Users = failingUsers{UserStore: s.Users, failDecrement: port.ErrInsufficientBalance}
			return s
		}, StageCommit, KindInsufficientBalance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "100.00")
			pipeline := NewOrderPipeline(faultyTransactor{inner: f.store, wrap: tt.wrap}, nil)

			_, err := pipeline.CreateOrder(context.Background(), f.user.ID, []int64{f.cheap.ID, f.pricey.ID})
			failure := requireFailure(t, err, tt.stage, tt.kind)
			assert.Error(t, failure.Unwrap())
			assert.Equal(t, tt.kind != KindPersistenceFailure, failure.ClientError())
			assert.False(t, failure.Retryable())

			f.assertUnchanged(t, memory.Counts{}, "100.00")
		})
	}
}

// unstartedTransactor never manages to open a transaction
type unstartedTransactor struct {
	calls int
}

func (u *unstartedTransactor) InTx(ctx context.Context, fn func(ctx context.Context, s port.Stores) error) error {
	u.calls++
	return fmt.Errorf("%w: dial tcp: connection refused", port.ErrTxNotStarted)
}

func TestCreateOrder_TransactionBeginFailureIsAttributedToFirstStage(t *testing.T) {
	tx := &unstartedTransactor{}
	pipeline := NewOrderPipeline(tx, nil)

	_, err := pipeline.CreateOrder(context.Background(), 1, []int64{1})
	failure := requireFailure(t, err, StageResolveUser, KindPersistenceFailure)
	assert.ErrorIs(t, failure, port.ErrTxNotStarted)
	assert.Equal(t, 1, tx.calls)
}

func TestCreateOrder_ConcurrentUpdateIsRetryable(t *testing.T) {
	f := newFixture(t, "100.00")
	conflict := fmt.Errorf("failed to decrement balance: %w", port.ErrConcurrentUpdate)
	pipeline := NewOrderPipeline(faultyTransactor{inner: f.store, wrap: func(s port.Stores) port.Stores {
		s.Users = failingUsers{UserStore: s.Users, failDecrement: conflict}
		return s
	}}, nil)

	_, err := pipeline.CreateOrder(context.Background(), f.user.ID, []int64{f.cheap.ID})
	failure := requireFailure(t, err, StageCommit, KindPersistenceFailure)
	assert.True(t, failure.Retryable())
	f.assertUnchanged(t, memory.Counts{}, "100.00")

	_, err = f.pipeline.CreateOrder(context.Background(), f.user.ID, []int64{f.cheap.ID})
	require.NoError(t, err)
}

func TestCreateOrder_StageSpansRecordFailures(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	util.UseTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)), "test")
	t.Cleanup(func() { util.UseTracerProvider(otel.GetTracerProvider(), "purchase-service") })

	f := newFixture(t, "100.00")
	_, err := f.pipeline.CreateOrder(context.Background(), f.user.ID, []int64{f.cheap.ID, 999})
	requireFailure(t, err, StageResolveProducts, KindProductsNotFound)

	statuses := map[string]codes.Code{}
	for _, span := range recorder.Ended() {
		statuses[span.Name()] = span.Status().Code
	}
	require.Contains(t, statuses, string(StageResolveUser))
	assert.Equal(t, codes.Unset, statuses[string(StageResolveUser)])
	assert.Equal(t, codes.Error, statuses[string(StageResolveProducts)])
	assert.Equal(t, codes.Error, statuses["OrderPipeline.CreateOrder"])
	assert.NotContains(t, statuses, string(StageCommit))
}

func TestCreateOrder_UniqueOwnershipIsFinalBackstop(t *testing.T) {
	f := newFixture(t, "100.00")
	ctx := context.Background()

	_, err := f.pipeline.CreateOrder(ctx, f.user.ID, []int64{f.cheap.ID})
	require.NoError(t, err)
	before := f.store.Counts()

	// A stale owned set slips past the ownership check; the store must still refuse.
	blind := NewOrderPipeline(faultyTransactor{inner: f.store, wrap: func(s port.Stores) port.Stores {
		s.Users = failingUsers{UserStore: s.Users, hideOwned: true}
		return s
	}}, nil)

	_, err = blind.CreateOrder(ctx, f.user.ID, []int64{f.cheap.ID})
	failure := requireFailure(t, err, StageCommit, KindAlreadyOwned)
	assert.Empty(t, failure.ProductIDs)
	f.assertUnchanged(t, before, "90.00")
}

func TestCreateOrder_ConcurrentSameProductOnlyOneWins(t *testing.T) {
	f := newFixture(t, "1000.00")
	const attempts = 20

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		kinds     = map[FailureKind]int{}
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.pipeline.CreateOrder(context.Background(), f.user.ID, []int64{f.pricey.ID})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			var failure *Failure
			if errors.As(err, &failure) {
				kinds[failure.Kind]++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, attempts-1, kinds[KindAlreadyOwned])
	assert.Equal(t, memory.Counts{Orders: 1, Lines: 1, Ownerships: 1}, f.store.Counts())
	assertAmount(t, "980.00", f.store.Balance(f.user.ID))
}

func TestCreateOrder_CancelledContextStillCommits(t *testing.T) {
	f := newFixture(t, "100.00")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.pipeline.CreateOrder(ctx, f.user.ID, []int64{f.cheap.ID})
	require.NoError(t, err)
	assertAmount(t, "90.00", f.store.Balance(f.user.ID))
}

type recordingPublisher struct {
	events []*models.OrderCreatedEvent
	err    error
}

func (r *recordingPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	r.events = append(r.events, event)
	return r.err
}

func TestCreateOrder_PublishesOrderCreated(t *testing.T) {
	f := newFixture(t, "100.00")
	pub := &recordingPublisher{}
	pipeline := NewOrderPipeline(f.store, pub)

	result, err := pipeline.CreateOrder(context.Background(), f.user.ID, []int64{f.cheap.ID, f.pricey.ID})
	require.NoError(t, err)

	require.Len(t, pub.events, 1)
	event := pub.events[0]
	assert.Equal(t, models.EventTypeOrderCreated, event.EventType)
	assert.NotEmpty(t, event.EventID)
	assert.Equal(t, result.Order.ID, event.OrderID)
	assertAmount(t, "30.00", event.Total)
	require.Len(t, event.Lines, 2)
	assertAmount(t, "10.00", event.Lines[0].Price)
}

func TestCreateOrder_PublishFailureDoesNotFailOrder(t *testing.T) {
	f := newFixture(t, "100.00")
	pipeline := NewOrderPipeline(f.store, &recordingPublisher{err: errors.New("broker down")})

	_, err := pipeline.CreateOrder(context.Background(), f.user.ID, []int64{f.cheap.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, f.store.Counts().Orders)
}

func TestFailedAttemptsPublishNothing(t *testing.T) {
	f := newFixture(t, "5.00")
	pub := &recordingPublisher{}
	pipeline := NewOrderPipeline(f.store, pub)

	_, err := pipeline.CreateOrder(context.Background(), f.user.ID, []int64{f.cheap.ID})
	requireFailure(t, err, StageCheckBalance, KindInsufficientBalance)
	assert.Empty(t, pub.events)
}

func TestSumPrices_OrderIndependent(t *testing.T) {
	products := []models.Product{
		{ID: 1, Price: dec("0.10")},
		{ID: 2, Price: dec("0.20")},
		{ID: 3, Price: dec("19.99")},
		{ID: 4, Price: dec("0.01")},
	}
	reversed := []models.Product{products[3], products[2], products[1], products[0]}
	shuffled := []models.Product{products[2], products[0], products[3], products[1]}

	want := dec("20.30")
	for _, ps := range [][]models.Product{products, reversed, shuffled} {
		assert.True(t, want.Equal(sumPrices(ps)))
	}
	assert.True(t, sumPrices(nil).IsZero())
}

func TestGetOrderWithItems_NotFound(t *testing.T) {
	f := newFixture(t, "100.00")

	got, err := f.reader.GetOrderWithItems(context.Background(), 12345)
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestListOrders(t *testing.T) {
	f := newFixture(t, "100.00")
	ctx := context.Background()

	first, err := f.pipeline.CreateOrder(ctx, f.user.ID, []int64{f.cheap.ID})
	require.NoError(t, err)
	second, err := f.pipeline.CreateOrder(ctx, f.user.ID, []int64{f.pricey.ID})
	require.NoError(t, err)

	orders, err := f.reader.ListOrders(ctx, f.user.ID)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	ids := []int64{orders[0].ID, orders[1].ID}
	assert.ElementsMatch(t, []int64{first.Order.ID, second.Order.ID}, ids)

	empty, err := f.reader.ListOrders(ctx, 777)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
