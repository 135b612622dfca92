package service

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/rigstock/internal/core/domain"
)

func createPending(t *testing.T, f *fixture, lines ...LineRequest) *domain.Order {
	t.Helper()
	order, err := f.orders.CreateOrder(testCtx(), CreateOrderRequest{
		ClientRef:  "client-1",
		Components: lines,
	})
	require.NoError(t, err)
	return order
}

func TestCreateOrder_CapturesPricesWithoutTouchingStock(t *testing.T) {
	f := newFixture(t, Options{DefaultMarginPct: decimal.NewFromInt(25)})
	f.seed(t, cpu("cpu1", "AM5", 5, 300, 120), ram("ram1", "DDR5", 4, 100))

	order := createPending(t, f, LineRequest{ItemID: "cpu1", Quantity: 2}, LineRequest{ItemID: "ram1", Quantity: 1})

	assert.Equal(t, domain.OrderStatusPending, order.Status)
	assert.Equal(t, "700", order.CostTotal.String())
	assert.Equal(t, "875", order.SuggestedPrice.String())
	assert.Equal(t, 5, f.quantity(t, "cpu1"))
	assert.Equal(t, 4, f.quantity(t, "ram1"))
	require.Len(t, order.Lines, 2)
	assert.Equal(t, "SKU-cpu1", order.Lines[0].SKU)
}

func TestCreateOrder_Validation(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, cpu("cpu1", "AM5", 5, 300, 120))

	tests := []struct {
		name string
		req  CreateOrderRequest
	}{
		{"missing client", CreateOrderRequest{Components: []LineRequest{{ItemID: "cpu1", Quantity: 1}}}},
		{"no lines", CreateOrderRequest{ClientRef: "c"}},
		{"zero qty", CreateOrderRequest{ClientRef: "c", Components: []LineRequest{{ItemID: "cpu1"}}}},
		{"starts shipped", CreateOrderRequest{ClientRef: "c", Status: domain.OrderStatusShipped, Components: []LineRequest{{ItemID: "cpu1", Quantity: 1}}}},
		{"unknown status", CreateOrderRequest{ClientRef: "c", Status: "lost", Components: []LineRequest{{ItemID: "cpu1", Quantity: 1}}}},
		{"sub-cent margin", CreateOrderRequest{ClientRef: "c", ProfitMarginPct: ptr(decimal.RequireFromString("12.345")), Components: []LineRequest{{ItemID: "cpu1", Quantity: 1}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orders.CreateOrder(testCtx(), tt.req)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}

	_, err := f.orders.CreateOrder(testCtx(), CreateOrderRequest{
		ClientRef:  "c",
		Components: []LineRequest{{ItemID: "nope", Quantity: 1}},
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreateOrder_RequiresCompany(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.orders.CreateOrder(t.Context(), CreateOrderRequest{ClientRef: "c"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCreateOrder_Idempotent(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, cpu("cpu1", "AM5", 5, 300, 120))

	req := CreateOrderRequest{
		RequestID:  "req-1",
		ClientRef:  "client-1",
		Components: []LineRequest{{ItemID: "cpu1", Quantity: 1}},
	}
	_, err := f.orders.CreateOrder(testCtx(), req)
	require.NoError(t, err)

	_, err = f.orders.CreateOrder(testCtx(), req)
	assert.ErrorIs(t, err, domain.ErrDuplicateRequest)

	orders, err := f.orders.ListOrders(testCtx())
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestCreateOrder_FailedRequestCanBeResubmitted(t *testing.T) {
	f := newFixture(t, Options{})

	req := CreateOrderRequest{
		RequestID:  "req-2",
		ClientRef:  "client-1",
		Components: []LineRequest{{ItemID: "cpu1", Quantity: 1}},
	}
	_, err := f.orders.CreateOrder(testCtx(), req)
	require.ErrorIs(t, err, domain.ErrNotFound)

	f.seed(t, cpu("cpu1", "AM5", 5, 300, 120))
	_, err = f.orders.CreateOrder(testCtx(), req)
	assert.NoError(t, err)
}

func TestScenarioA_ShipAndCancelRoundTrip(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, cpu("cpu1", "AM5", 5, 300, 120))

	order := createPending(t, f, LineRequest{ItemID: "cpu1", Quantity: 2})
	assert.Equal(t, 5, f.quantity(t, "cpu1"))

	change, err := f.orders.ChangeStatus(testCtx(), order.ID, domain.OrderStatusShipped)
	require.NoError(t, err)
	assert.Equal(t, -1, change.Multiplier)
	assert.Equal(t, 3, change.Quantities["cpu1"])
	assert.NotNil(t, change.Order.FulfilledAt)
	assert.Equal(t, 3, f.quantity(t, "cpu1"))

	change, err = f.orders.ChangeStatus(testCtx(), order.ID, domain.OrderStatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, 1, change.Multiplier)
	assert.Equal(t, 5, f.quantity(t, "cpu1"))

	_, err = f.orders.ChangeStatus(testCtx(), order.ID, domain.OrderStatusPending)
	assert.ErrorIs(t, err, domain.ErrTerminalState)
	assert.Equal(t, 5, f.quantity(t, "cpu1"))
}

func TestScenarioB_InsufficientStockLeavesEverythingUnchanged(t *testing.T) {
	store := newCountingStore(t)
	f := newFixtureOn(t, store.mem, store, Options{})
	f.seed(t, cpu("cpu1", "AM5", 1, 300, 120))
	order := createPending(t, f, LineRequest{ItemID: "cpu1", Quantity: 2})
	before := store.calls.Load()

	_, err := f.orders.ChangeStatus(testCtx(), order.ID, domain.OrderStatusShipped)

	var stockErr *domain.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, "cpu1", stockErr.ItemID)
	assert.Equal(t, 1, stockErr.Available)
	assert.Equal(t, 2, stockErr.Requested)
	assert.Equal(t, int32(1), store.calls.Load()-before, "insufficient stock must not be retried")

	assert.Equal(t, 1, f.quantity(t, "cpu1"))
	got, err := f.orders.GetOrder(testCtx(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, got.Status)
	assert.Nil(t, got.FulfilledAt)
}

func TestChangeStatus_SameStatusIsNoOp(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, cpu("cpu1", "AM5", 5, 300, 120))
	order := createPending(t, f, LineRequest{ItemID: "cpu1", Quantity: 2})

	_, err := f.orders.ChangeStatus(testCtx(), order.ID, domain.OrderStatusShipped)
	require.NoError(t, err)
	shipped, err := f.orders.GetOrder(testCtx(), order.ID)
	require.NoError(t, err)

	change, err := f.orders.ChangeStatus(testCtx(), order.ID, domain.OrderStatusShipped)
	require.NoError(t, err)
	assert.Equal(t, 0, change.Multiplier)
	assert.Equal(t, 3, f.quantity(t, "cpu1"))

	again, err := f.orders.GetOrder(testCtx(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, shipped.Version, again.Version)
}

func TestChangeStatus_ShippedToDeliveredKeepsStock(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, cpu("cpu1", "AM5", 5, 300, 120))
	order := createPending(t, f, LineRequest{ItemID: "cpu1", Quantity: 2})

	for _, s := range []domain.OrderStatus{domain.OrderStatusProcessing, domain.OrderStatusShipped, domain.OrderStatusDelivered} {
		_, err := f.orders.ChangeStatus(testCtx(), order.ID, s)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, f.quantity(t, "cpu1"))

	// Delivered back to Processing restores.
	_, err := f.orders.ChangeStatus(testCtx(), order.ID, domain.OrderStatusProcessing)
	require.NoError(t, err)
	assert.Equal(t, 5, f.quantity(t, "cpu1"))
}

func TestChangeStatus_RepeatedItemLinesAggregate(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, cpu("cpu1", "AM5", 3, 300, 120))
	order := createPending(t, f, LineRequest{ItemID: "cpu1", Quantity: 2}, LineRequest{ItemID: "cpu1", Quantity: 2})

	_, err := f.orders.ChangeStatus(testCtx(), order.ID, domain.OrderStatusShipped)
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)
	assert.Equal(t, 3, f.quantity(t, "cpu1"))
}

func TestChangeStatus_PublishesCommittedResults(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, cpu("cpu1", "AM5", 5, 300, 120))
	order := createPending(t, f, LineRequest{ItemID: "cpu1", Quantity: 2})

	_, err := f.orders.ChangeStatus(testCtx(), order.ID, domain.OrderStatusShipped)
	require.NoError(t, err)

	events := f.events.all()
	require.Len(t, events, 2)
	assert.Equal(t, domain.OrderStatusPending, events[0].NewStatus)
	assert.Equal(t, domain.OrderStatusPending, events[1].OldStatus)
	assert.Equal(t, domain.OrderStatusShipped, events[1].NewStatus)
	assert.Equal(t, map[string]int{"cpu1": 3}, events[1].Quantities)
	snap, err := f.store.Snapshot(testCtx(), testCompany)
	require.NoError(t, err)
	assert.Equal(t, 3, snap["cpu1"])
}

func TestChangeStatus_PublishedStockCarriesCommittedVersion(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, cpu("cpu1", "AM5", 5, 300, 120))
	order := createPending(t, f, LineRequest{ItemID: "cpu1", Quantity: 2})

	_, err := f.orders.ChangeStatus(testCtx(), order.ID, domain.OrderStatusShipped)
	require.NoError(t, err)

	it, err := f.inventory.GetItem(testCtx(), "cpu1")
	require.NoError(t, err)
	events := f.events.all()
	require.Len(t, events, 2)
	assert.Equal(t, domain.StockCount{Quantity: 3, Version: it.Version}, events[1].Stock["cpu1"])

	// The seed's publish arriving late must not roll the snapshot back.
	require.NoError(t, f.store.PublishStock(testCtx(), testCompany, domain.StockCounts{"cpu1": {Quantity: 5, Version: it.Version - 1}}))
	snap, err := f.store.Snapshot(testCtx(), testCompany)
	require.NoError(t, err)
	assert.Equal(t, 3, snap["cpu1"])
}

func TestChangeStatus_OtherCompanyCannotSeeOrder(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, cpu("cpu1", "AM5", 5, 300, 120))
	order := createPending(t, f, LineRequest{ItemID: "cpu1", Quantity: 1})

	other := domain.WithCompany(t.Context(), "globex")
	_, err := f.orders.ChangeStatus(other, order.ID, domain.OrderStatusShipped)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 5, f.quantity(t, "cpu1"))
}

func TestChangeStatus_RetriesConflicts(t *testing.T) {
	mem := newCountingStore(t)
	f := newFixtureOn(t, mem.mem, mem, Options{MaxAttempts: 5})
	f.seed(t, cpu("cpu1", "AM5", 5, 300, 120))
	order := createPending(t, f, LineRequest{ItemID: "cpu1", Quantity: 1})

	mem.failures = mem.calls.Load() + 2
	_, err := f.orders.ChangeStatus(testCtx(), order.ID, domain.OrderStatusShipped)
	require.NoError(t, err)
	assert.Equal(t, 4, f.quantity(t, "cpu1"))
}

func TestChangeStatus_RetriesAreBounded(t *testing.T) {
	mem := newCountingStore(t)
	f := newFixtureOn(t, mem.mem, mem, Options{MaxAttempts: 3})
	f.seed(t, cpu("cpu1", "AM5", 5, 300, 120))
	order := createPending(t, f, LineRequest{ItemID: "cpu1", Quantity: 1})

	start := mem.calls.Load()
	mem.failures = start + 1000
	_, err := f.orders.ChangeStatus(testCtx(), order.ID, domain.OrderStatusShipped)
	assert.ErrorIs(t, err, domain.ErrRetryExhausted)
	assert.Equal(t, int32(3), mem.calls.Load()-start)

	mem.failures = 0
	assert.Equal(t, 5, f.quantity(t, "cpu1"))
}

func TestChangeStatus_ConcurrentShipmentsNeverOversell(t *testing.T) {
	const stock, orders = 10, 30
	f := newFixture(t, Options{MaxAttempts: 500})
	f.seed(t, cpu("cpu1", "AM5", stock, 300, 120))

	ids := make([]string, 0, orders)
	for i := 0; i < orders; i++ {
		ids = append(ids, createPending(t, f, LineRequest{ItemID: "cpu1", Quantity: 1}).ID)
	}

	var shipped, rejected, other atomic.Int32
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.orders.ChangeStatus(testCtx(), id, domain.OrderStatusShipped)
			switch {
			case err == nil:
				shipped.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock), errors.Is(err, domain.ErrRetryExhausted):
				rejected.Add(1)
			default:
				other.Add(1)
			}
		}(id)
	}
	wg.Wait()

	assert.Zero(t, other.Load())
	assert.LessOrEqual(t, int(shipped.Load()), stock)
	assert.Equal(t, stock-int(shipped.Load()), f.quantity(t, "cpu1"))
	assert.Equal(t, int32(orders), shipped.Load()+rejected.Load())
}

func TestUpdateOrderLines(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, cpu("cpu1", "AM5", 5, 300, 120), ram("ram1", "DDR5", 5, 100))
	order := createPending(t, f, LineRequest{ItemID: "cpu1", Quantity: 1})

	// A later cost change does not reprice lines already captured.
	repriced := cpu("cpu1", "AM5", 5, 350, 120)
	f.seed(t, repriced)

	updated, err := f.orders.UpdateOrderLines(testCtx(), order.ID, []LineRequest{
		{ItemID: "cpu1", Quantity: 2},
		{ItemID: "ram1", Quantity: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, "300", updated.Lines[0].UnitPriceAtOrder.String())
	assert.Equal(t, "700", updated.CostTotal.String())

	_, err = f.orders.ChangeStatus(testCtx(), order.ID, domain.OrderStatusShipped)
	require.NoError(t, err)
	assert.Equal(t, 3, f.quantity(t, "cpu1"))
	assert.Equal(t, 4, f.quantity(t, "ram1"))

	_, err = f.orders.UpdateOrderLines(testCtx(), order.ID, []LineRequest{{ItemID: "cpu1", Quantity: 1}})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestDeleteOrder_RestoresConsumedStock(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, cpu("cpu1", "AM5", 5, 300, 120))
	order := createPending(t, f, LineRequest{ItemID: "cpu1", Quantity: 2})
	_, err := f.orders.ChangeStatus(testCtx(), order.ID, domain.OrderStatusShipped)
	require.NoError(t, err)

	require.NoError(t, f.orders.DeleteOrder(testCtx(), order.ID))
	assert.Equal(t, 5, f.quantity(t, "cpu1"))

	_, err = f.orders.GetOrder(testCtx(), order.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	events := f.events.all()
	assert.True(t, events[len(events)-1].Deleted)
}

func TestDeleteOrder_PendingLeavesStock(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, cpu("cpu1", "AM5", 5, 300, 120))
	order := createPending(t, f, LineRequest{ItemID: "cpu1", Quantity: 2})

	require.NoError(t, f.orders.DeleteOrder(testCtx(), order.ID))
	assert.Equal(t, 5, f.quantity(t, "cpu1"))
	assert.ErrorIs(t, f.orders.DeleteOrder(testCtx(), order.ID), domain.ErrNotFound)
}

func TestAdjustStock(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, cpu("cpu1", "AM5", 5, 300, 120), ram("ram1", "DDR5", 1, 100))
	order := createPending(t, f, LineRequest{ItemID: "cpu1", Quantity: 2})
	lines := []domain.StockDelta{{ItemID: "cpu1", Quantity: 2}}

	quantities, err := f.orders.AdjustStock(testCtx(), order.ID, lines, -1, domain.OrderStatusShipped)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"cpu1": 3}, quantities)

	// Re-applying the same status is a no-op on inventory.
	quantities, err = f.orders.AdjustStock(testCtx(), order.ID, lines, -1, domain.OrderStatusShipped)
	require.NoError(t, err)
	assert.Empty(t, quantities)
	assert.Equal(t, 3, f.quantity(t, "cpu1"))

	// Shipped to Delivered stays inside the consumption set.
	_, err = f.orders.AdjustStock(testCtx(), order.ID, lines, -1, domain.OrderStatusDelivered)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.orders.AdjustStock(testCtx(), order.ID, nil, 0, domain.OrderStatusDelivered)
	require.NoError(t, err)
	assert.Equal(t, 3, f.quantity(t, "cpu1"))

	_, err = f.orders.AdjustStock(testCtx(), order.ID, []domain.StockDelta{{ItemID: "cpu1", Quantity: 5}}, 1, domain.OrderStatusCancelled)
	assert.ErrorIs(t, err, domain.ErrValidation, "deltas must match the order lines")
	assert.Equal(t, 3, f.quantity(t, "cpu1"))
}

func TestAdjustStock_NeverRestoresUnconsumedOrder(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, cpu("cpu1", "AM5", 5, 300, 120))
	order := createPending(t, f, LineRequest{ItemID: "cpu1", Quantity: 2})
	lines := []domain.StockDelta{{ItemID: "cpu1", Quantity: 2}}

	_, err := f.orders.AdjustStock(testCtx(), order.ID, lines, 1, domain.OrderStatusPending)
	require.NoError(t, err)
	_, err = f.orders.AdjustStock(testCtx(), order.ID, lines, 1, domain.OrderStatusCancelled)
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, 5, f.quantity(t, "cpu1"))
}

func TestAdjustStock_AllOrNothing(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, cpu("cpu1", "AM5", 5, 300, 120), ram("ram1", "DDR5", 1, 100))
	order := createPending(t, f,
		LineRequest{ItemID: "cpu1", Quantity: 1},
		LineRequest{ItemID: "ram1", Quantity: 2})

	_, err := f.orders.AdjustStock(testCtx(), order.ID, []domain.StockDelta{
		{ItemID: "cpu1", Quantity: 1},
		{ItemID: "ram1", Quantity: 2},
	}, -1, domain.OrderStatusShipped)
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)
	assert.Equal(t, 5, f.quantity(t, "cpu1"))
	assert.Equal(t, 1, f.quantity(t, "ram1"))

	got, err := f.orders.GetOrder(testCtx(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, got.Status)
}

func ptr[T any](v T) *T { return &v }
