package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rl1809/rigstock/internal/adapter/storage"
	"github.com/rl1809/rigstock/internal/core/domain"
	"github.com/rl1809/rigstock/internal/port"
)

const testCompany = "acme"

func testCtx() context.Context {
	return domain.WithCompany(context.Background(), testCompany)
}

// recordingEvents captures published order events.
type recordingEvents struct {
	mu     sync.Mutex
	events []domain.OrderEvent
}

func (r *recordingEvents) PublishOrderEvent(ctx context.Context, event domain.OrderEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingEvents) all() []domain.OrderEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.OrderEvent(nil), r.events...)
}

// conflictStore counts transactions and fails every one numbered up to
// failures with a write conflict without running it.
type conflictStore struct {
	port.Store
	mem      *storage.MemoryStore
	failures int32
	calls    atomic.Int32
}

func newCountingStore(t *testing.T) *conflictStore {
	t.Helper()
	mem, err := storage.NewMemoryStore(time.Hour)
	require.NoError(t, err)
	return &conflictStore{Store: mem, mem: mem}
}

func (s *conflictStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	if s.calls.Add(1) <= s.failures {
		return fmt.Errorf("simulated: %w", domain.ErrConflict)
	}
	return s.Store.RunTransaction(ctx, fn)
}

type fixture struct {
	store     *storage.MemoryStore
	events    *recordingEvents
	orders    *OrderService
	inventory *InventoryService
	builds    *BuildService
	units     *UnitService
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	store, err := storage.NewMemoryStore(time.Hour)
	require.NoError(t, err)
	return newFixtureOn(t, store, store, opts)
}

func newFixtureOn(t *testing.T, mem *storage.MemoryStore, store port.Store, opts Options) *fixture {
	t.Helper()
	if opts.RetryBaseDelay == 0 {
		opts.RetryBaseDelay = time.Millisecond
	}
	events := &recordingEvents{}
	logger := zap.NewNop()
	builds := NewBuildService(store, mem, logger, BuildOptions{DefaultMarginPct: decimal.NewFromInt(20)})
	return &fixture{
		store:     mem,
		events:    events,
		orders:    NewOrderService(store, mem, events, logger, opts),
		inventory: NewInventoryService(store, mem, logger, opts),
		builds:    builds,
		units:     NewUnitService(store, builds, mem, logger, opts),
	}
}

func (f *fixture) seed(t *testing.T, items ...domain.InventoryItem) {
	t.Helper()
	for _, it := range items {
		_, err := f.inventory.UpsertItem(testCtx(), it)
		require.NoError(t, err)
	}
}

func (f *fixture) quantity(t *testing.T, itemID string) int {
	t.Helper()
	it, err := f.inventory.GetItem(testCtx(), itemID)
	require.NoError(t, err)
	return it.Quantity
}

func item(id string, category domain.Category, qty int, cost int64, attrs domain.Attributes) domain.InventoryItem {
	return domain.InventoryItem{
		ID:         id,
		SKU:        "SKU-" + id,
		Name:       id,
		Category:   category,
		Quantity:   qty,
		UnitCost:   decimal.NewFromInt(cost),
		Attributes: attrs,
	}
}

func cpu(id, socket string, qty int, cost int64, draw int) domain.InventoryItem {
	return item(id, domain.CategoryCPU, qty, cost, domain.CPUAttributes{Socket: socket, Draw: draw})
}

func motherboard(id, socket, ramType string, qty int, cost int64) domain.InventoryItem {
	return item(id, domain.CategoryMotherboard, qty, cost, domain.MotherboardAttributes{Socket: socket, RAMType: ramType, Draw: 50})
}

func ram(id, ramType string, qty int, cost int64) domain.InventoryItem {
	return item(id, domain.CategoryRAM, qty, cost, domain.RAMAttributes{RAMType: ramType, Draw: 10})
}

func psu(id string, wattage, qty int, cost int64) domain.InventoryItem {
	return item(id, domain.CategoryPSU, qty, cost, domain.PSUAttributes{Wattage: wattage})
}

func generic(id string, category domain.Category, qty int, cost int64, draw int) domain.InventoryItem {
	return item(id, category, qty, cost, domain.GenericAttributes{Kind: category, Draw: draw})
}

// fullBuildItems is one compatible item per slot, 5 of each in stock.
func fullBuildItems() []domain.InventoryItem {
	return []domain.InventoryItem{
		cpu("cpu-am5", "AM5", 5, 300, 120),
		motherboard("mb-am5", "AM5", "DDR5", 5, 200),
		ram("ram-ddr5", "DDR5", 5, 100),
		generic("gpu-1", domain.CategoryGPU, 5, 500, 250),
		generic("ssd-1", domain.CategoryStorage, 5, 80, 5),
		psu("psu-750", 750, 5, 90),
		generic("case-1", domain.CategoryCase, 5, 70, 0),
		generic("cooler-1", domain.CategoryCooler, 5, 40, 5),
	}
}
