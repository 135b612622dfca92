package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/rl1809/rigstock/internal/core/domain"
	"github.com/rl1809/rigstock/internal/port"
)

const (
	defaultMaxAttempts    = 5
	defaultRetryBaseDelay = 10 * time.Millisecond
)

// txRunner retries store transactions that lost an optimistic race. Any other
// failure is final and returned as is.
type txRunner struct {
	store       port.Store
	logger      *zap.Logger
	maxAttempts int
	baseDelay   time.Duration
}

func newTxRunner(store port.Store, logger *zap.Logger, maxAttempts int, baseDelay time.Duration) txRunner {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = defaultRetryBaseDelay
	}
	return txRunner{store: store, logger: logger, maxAttempts: maxAttempts, baseDelay: baseDelay}
}

func (r txRunner) newBackOff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.baseDelay
	bo.MaxInterval = 20 * r.baseDelay
	bo.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(r.maxAttempts-1)), ctx)
}

// run executes fn in a fresh transaction per attempt, so every retry starts
// again from the read step.
func (r txRunner) run(ctx context.Context, name string, fn func(ctx context.Context, tx port.Tx) error) error {
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := r.store.RunTransaction(ctx, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrConflict) {
			r.logger.Warn("transaction conflict, retrying",
				zap.String("op", name), zap.Int("attempt", attempts), zap.Error(err))
			return err
		}
		return backoff.Permanent(err)
	}, r.newBackOff(ctx))

	if errors.Is(err, domain.ErrConflict) {
		r.logger.Error("transaction retries exhausted", zap.String("op", name), zap.Int("attempts", attempts))
		return fmt.Errorf("%s after %d attempts: %w", name, attempts, domain.ErrRetryExhausted)
	}
	return err
}

// view runs a read-only transaction without retries.
func (r txRunner) view(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	return r.store.RunTransaction(ctx, fn)
}

// Adjustment is one stock adjustment: a signed delta over a set of inventory
// records (and optionally one assembled unit), together with the owning
// order's new status. Stage performs every read before the first write.
type Adjustment struct {
	CompanyID  string
	Deltas     []domain.StockDelta
	UnitID     string
	UnitQty    int
	Multiplier int

	// Order, when set, has already been read in the same transaction; its
	// status is moved to NewStatus. The caller stages the order write.
	Order     *domain.Order
	NewStatus domain.OrderStatus
}

// Stage reads the referenced records, rejects the whole adjustment if any
// quantity would go negative, and stages the record writes. It returns the
// resulting quantities keyed by record id, each with the version its record
// carries once the transaction commits.
func (a Adjustment) Stage(ctx context.Context, tx port.Tx, now time.Time) (domain.StockCounts, error) {
	if a.Multiplier != -1 && a.Multiplier != 1 {
		return nil, domain.NewValidationError("multiplier", fmt.Sprintf("must be -1 or +1, got %d", a.Multiplier))
	}

	deltas := mergeDeltas(a.Deltas)
	ids := make([]string, 0, len(deltas))
	for _, d := range deltas {
		if d.Quantity <= 0 {
			return nil, domain.NewValidationError("quantity", "must be positive for "+d.ItemID)
		}
		ids = append(ids, d.ItemID)
	}

	var items map[string]domain.InventoryItem
	if len(ids) > 0 {
		var err error
		items, err = tx.GetItems(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("read inventory: %w", err)
		}
	}

	var unit *domain.AssembledUnit
	if a.UnitID != "" {
		var err error
		unit, err = tx.GetUnit(ctx, a.UnitID)
		if err != nil {
			return nil, fmt.Errorf("read assembled unit: %w", err)
		}
		if unit == nil || unit.CompanyID != a.CompanyID {
			return nil, domain.UnitNotFound(a.UnitID)
		}
	}

	// All reads done; compute before staging anything.
	counts := make(domain.StockCounts, len(deltas)+1)
	updated := make([]domain.InventoryItem, 0, len(deltas))
	for _, d := range deltas {
		it, ok := items[d.ItemID]
		if !ok || it.CompanyID != a.CompanyID {
			return nil, domain.ItemNotFound(d.ItemID)
		}
		next := it.Quantity + d.Quantity*a.Multiplier
		if next < 0 {
			return nil, &domain.InsufficientStockError{ItemID: it.ID, Available: it.Quantity, Requested: d.Quantity}
		}
		it.Quantity = next
		it.UpdatedAt = now
		updated = append(updated, it)
		counts[it.ID] = domain.StockCount{Quantity: next, Version: committedVersion(it.Version)}
	}
	if unit != nil {
		qty := a.UnitQty
		if qty <= 0 {
			qty = 1
		}
		next := unit.Quantity + qty*a.Multiplier
		if next < 0 {
			return nil, &domain.InsufficientStockError{ItemID: unit.ID, Available: unit.Quantity, Requested: qty}
		}
		unit.Quantity = next
		unit.UpdatedAt = now
		counts[unit.ID] = domain.StockCount{Quantity: next, Version: committedVersion(unit.Version)}
	}

	for _, it := range updated {
		if err := tx.PutItem(it); err != nil {
			return nil, fmt.Errorf("stage item %s: %w", it.ID, err)
		}
	}
	if unit != nil {
		if err := tx.PutUnit(*unit); err != nil {
			return nil, fmt.Errorf("stage unit %s: %w", unit.ID, err)
		}
	}
	if a.Order != nil {
		a.Order.Status = a.NewStatus
		a.Order.UpdatedAt = now
		if a.NewStatus.Consuming() && a.Order.FulfilledAt == nil {
			t := now
			a.Order.FulfilledAt = &t
		}
	}
	return counts, nil
}

// committedVersion is the version a record read at v has after a staged
// write to it commits. Missing records read as version 0.
func committedVersion(v int) int {
	return v + 1
}

func mergeDeltas(deltas []domain.StockDelta) []domain.StockDelta {
	lines := make([]domain.OrderLine, len(deltas))
	for i, d := range deltas {
		lines[i] = domain.OrderLine{ItemID: d.ItemID, Quantity: d.Quantity}
	}
	return domain.AggregateDeltas(lines)
}

// AdjustStock is the stand-alone form of the stock adjustment transaction:
// it applies deltas * multiplier to the inventory and persists newStatus on
// the order in one atomic commit, retrying on write conflicts. The caller's
// multiplier and deltas must agree with what the order's transition implies;
// re-submitting the current status touches nothing.
func (s *OrderService) AdjustStock(ctx context.Context, orderID string, deltas []domain.StockDelta, multiplier int, newStatus domain.OrderStatus) (map[string]int, error) {
	ctx, span := s.tracer.Start(ctx, "OrderService.AdjustStock")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID), attribute.Int("stock.multiplier", multiplier))

	companyID, err := domain.CompanyFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if !newStatus.Valid() {
		return nil, domain.NewValidationError("status", "unknown status "+string(newStatus))
	}

	var stock domain.StockCounts
	var event *domain.OrderEvent
	err = s.tx.run(ctx, "adjust stock", func(ctx context.Context, tx port.Tx) error {
		stock, event = nil, nil
		order, err := loadOrder(ctx, tx, companyID, orderID)
		if err != nil {
			return err
		}
		old := order.Status
		expected, err := domain.StockMultiplier(old, newStatus)
		if err != nil {
			return err
		}
		if old == newStatus {
			return nil
		}
		if multiplier != expected {
			return domain.NewValidationError("multiplier",
				fmt.Sprintf("%s to %s implies %d, got %d", old, newStatus, expected, multiplier))
		}

		if expected == 0 {
			if len(deltas) > 0 {
				return domain.NewValidationError("deltas", fmt.Sprintf("%s to %s moves no stock", old, newStatus))
			}
			order.Status = newStatus
			order.UpdatedAt = s.now()
		} else {
			adj := s.adjustmentFor(order, expected, newStatus)
			if !sameDeltas(mergeDeltas(deltas), adj.Deltas) {
				return domain.NewValidationError("deltas", "must match the order lines")
			}
			stock, err = adj.Stage(ctx, tx, s.now())
			if err != nil {
				return err
			}
		}
		ev := statusEvent(*order, old, stock)
		event = &ev
		return tx.PutOrder(*order)
	})
	if err != nil {
		recordError(span, err)
		return nil, err
	}

	if event != nil {
		s.publish(ctx, *event)
	}
	return stock.Quantities(), nil
}

func sameDeltas(a, b []domain.StockDelta) bool {
	if len(a) != len(b) {
		return false
	}
	want := make(map[string]int, len(b))
	for _, d := range b {
		want[d.ItemID] = d.Quantity
	}
	for _, d := range a {
		if q, ok := want[d.ItemID]; !ok || q != d.Quantity {
			return false
		}
	}
	return true
}
