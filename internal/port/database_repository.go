package port

import (
	"context"

	"github.com/rl1809/rigstock/internal/core/domain"
)

// Store is the transactional document store behind the inventory ledger,
// orders and assembled units.
type Store interface {
	// RunTransaction runs fn inside one optimistic transaction. Writes staged
	// on tx are committed together only if fn returns nil; a write-write
	// conflict with another transaction is reported as domain.ErrConflict.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// ListItems returns the company's inventory from the latest committed state.
	ListItems(ctx context.Context, companyID string) ([]domain.InventoryItem, error)

	// ListOrders returns the company's orders, newest first.
	ListOrders(ctx context.Context, companyID string) ([]domain.Order, error)

	// ListUnits returns the company's assembled units.
	ListUnits(ctx context.Context, companyID string) ([]domain.AssembledUnit, error)
}

// Tx is a single transaction. Every read must happen before the first staged
// write; a put of a record read in this transaction is a version-checked
// update, a put of a record not read is an insert.
type Tx interface {
	// GetItems is a batched multi-get. Missing ids are absent from the result.
	GetItems(ctx context.Context, ids []string) (map[string]domain.InventoryItem, error)

	// GetOrder returns nil when the order does not exist.
	GetOrder(ctx context.Context, id string) (*domain.Order, error)

	// GetUnit returns nil when the unit does not exist.
	GetUnit(ctx context.Context, id string) (*domain.AssembledUnit, error)

	PutItem(item domain.InventoryItem) error
	PutOrder(order domain.Order) error
	DeleteOrder(order domain.Order) error
	PutUnit(unit domain.AssembledUnit) error
}
