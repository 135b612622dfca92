package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/rigstock/internal/core/domain"
	"github.com/rl1809/rigstock/internal/port"
)

const tracerName = "github.com/rl1809/rigstock/internal/core/service"

type Options struct {
	MaxAttempts      int
	RetryBaseDelay   time.Duration
	UnitPolicy       domain.UnitStockPolicy
	DefaultMarginPct decimal.Decimal
}

// OrderService owns the order state machine. Every status change that moves
// an order in or out of the consumption set runs a stock adjustment in the
// same transaction as the status write.
type OrderService struct {
	tx     txRunner
	store  port.Store
	cache  port.CacheRepository
	events port.EventPublisher
	logger *zap.Logger
	tracer trace.Tracer
	opts   Options
	now    func() time.Time
}

// NewOrderService wires the controller. cache and events may be nil; the
// read side then simply receives nothing.
func NewOrderService(store port.Store, cache port.CacheRepository, events port.EventPublisher, logger *zap.Logger, opts Options) *OrderService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !opts.UnitPolicy.Valid() {
		opts.UnitPolicy = domain.UnitStockOnCreate
	}
	return &OrderService{
		tx:     newTxRunner(store, logger, opts.MaxAttempts, opts.RetryBaseDelay),
		store:  store,
		cache:  cache,
		events: events,
		logger: logger,
		tracer: otel.Tracer(tracerName),
		opts:   opts,
		now:    time.Now,
	}
}

type LineRequest struct {
	ItemID   string
	Quantity int
}

type CreateOrderRequest struct {
	RequestID       string
	ClientRef       string
	Status          domain.OrderStatus
	Notes           string
	Components      []LineRequest
	AssembledUnitID string
	ProfitMarginPct *decimal.Decimal
}

func (r CreateOrderRequest) validate() error {
	if r.ClientRef == "" {
		return domain.NewValidationError("client_ref", "is required")
	}
	if r.Status != "" && !r.Status.Valid() {
		return domain.NewValidationError("status", "unknown status "+string(r.Status))
	}
	if r.Status.Consuming() || r.Status.Terminal() {
		return domain.NewValidationError("status", "orders start in pending or processing")
	}
	if r.AssembledUnitID == "" && len(r.Components) == 0 {
		return domain.NewValidationError("components", "at least one component or an assembled unit is required")
	}
	if r.AssembledUnitID != "" && len(r.Components) > 0 {
		return domain.NewValidationError("components", "an assembled unit order carries no extra components")
	}
	if r.ProfitMarginPct != nil {
		if err := domain.ValidateMoney("profit_margin_pct", *r.ProfitMarginPct); err != nil {
			return err
		}
	}
	return validateLines(r.Components)
}

func validateLines(lines []LineRequest) error {
	for i, l := range lines {
		if l.ItemID == "" {
			return domain.NewValidationError(fmt.Sprintf("components[%d].item_id", i), "is required")
		}
		if l.Quantity <= 0 {
			return domain.NewValidationError(fmt.Sprintf("components[%d].qty", i), "must be positive")
		}
	}
	return nil
}

// CreateOrder places an order in a non-consuming status, capturing every
// line's unit price from the ledger. An order for an assembled unit takes the
// unit's component snapshot as its lines and, under the on_create policy,
// consumes one unit right away.
func (s *OrderService) CreateOrder(ctx context.Context, req CreateOrderRequest) (*domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "OrderService.CreateOrder")
	defer span.End()

	companyID, err := domain.CompanyFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.Status == "" {
		req.Status = domain.OrderStatusPending
	}

	if req.RequestID != "" && s.cache != nil {
		idempotencyKey := fmt.Sprintf("order:%s:%s", companyID, req.RequestID)
		ok, setErr := s.cache.SetIdempotency(ctx, idempotencyKey)
		if setErr != nil {
			return nil, fmt.Errorf("idempotency check failed: %w", setErr)
		}
		if !ok {
			return nil, domain.ErrDuplicateRequest
		}
		defer func() {
			if err == nil {
				return
			}
			if relErr := s.cache.ReleaseIdempotency(context.WithoutCancel(ctx), idempotencyKey); relErr != nil {
				s.logger.Error("release idempotency key", zap.String("key", idempotencyKey), zap.Error(relErr))
			}
		}()
	}

	var order domain.Order
	var stock domain.StockCounts
	err = s.tx.run(ctx, "create order", func(ctx context.Context, tx port.Tx) error {
		now := s.now()
		order = domain.Order{
			ID:              uuid.NewString(),
			CompanyID:       companyID,
			ClientRef:       req.ClientRef,
			Notes:           req.Notes,
			Status:          req.Status,
			ProfitMarginPct: s.opts.DefaultMarginPct,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if req.ProfitMarginPct != nil {
			order.ProfitMarginPct = *req.ProfitMarginPct
		}
		stock = nil

		if req.AssembledUnitID != "" {
			unit, err := tx.GetUnit(ctx, req.AssembledUnitID)
			if err != nil {
				return fmt.Errorf("read assembled unit: %w", err)
			}
			if unit == nil || unit.CompanyID != companyID {
				return domain.UnitNotFound(req.AssembledUnitID)
			}
			order.AssembledUnitID = unit.ID
			order.UnitPolicy = s.opts.UnitPolicy
			order.Lines = unit.Lines()
			if req.ProfitMarginPct == nil {
				order.ProfitMarginPct = unit.ProfitMarginPct
			}
			if order.UnitPolicy == domain.UnitStockOnCreate {
				if unit.Quantity <= 0 {
					return &domain.InsufficientStockError{ItemID: unit.ID, Available: unit.Quantity, Requested: 1}
				}
				unit.Quantity--
				unit.UpdatedAt = now
				if err := tx.PutUnit(*unit); err != nil {
					return err
				}
				stock = domain.StockCounts{unit.ID: {Quantity: unit.Quantity, Version: committedVersion(unit.Version)}}
			}
		} else {
			lines, err := priceLines(ctx, tx, companyID, req.Components, nil)
			if err != nil {
				return err
			}
			order.Lines = lines
		}

		order.Reprice()
		return tx.PutOrder(order)
	})
	if err != nil {
		recordError(span, err)
		return nil, err
	}

	span.SetAttributes(attribute.String("order.id", order.ID))
	s.logger.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("company_id", companyID),
		zap.String("status", string(order.Status)),
		zap.String("cost_total", order.CostTotal.String()))
	s.publish(ctx, statusEvent(order, "", stock))
	return &order, nil
}

// priceLines reads the referenced items and snapshots their current cost.
// Prices already captured in previous lines are kept for the same item.
func priceLines(ctx context.Context, tx port.Tx, companyID string, reqs []LineRequest, previous []domain.OrderLine) ([]domain.OrderLine, error) {
	ids := make([]string, 0, len(reqs))
	for _, l := range reqs {
		ids = append(ids, l.ItemID)
	}
	items, err := tx.GetItems(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}

	captured := make(map[string]decimal.Decimal, len(previous))
	for _, l := range previous {
		if _, ok := captured[l.ItemID]; !ok {
			captured[l.ItemID] = l.UnitPriceAtOrder
		}
	}

	lines := make([]domain.OrderLine, 0, len(reqs))
	for _, l := range reqs {
		it, ok := items[l.ItemID]
		if !ok || it.CompanyID != companyID {
			return nil, domain.ItemNotFound(l.ItemID)
		}
		price, ok := captured[it.ID]
		if !ok {
			price = it.UnitCost
		}
		lines = append(lines, domain.OrderLine{
			ItemID:           it.ID,
			SKU:              it.SKU,
			Name:             it.Name,
			Quantity:         l.Quantity,
			UnitPriceAtOrder: price,
		})
	}
	return lines, nil
}

type StatusChange struct {
	Order      domain.Order
	OldStatus  domain.OrderStatus
	Multiplier int
	Quantities map[string]int
}

// ChangeStatus moves an order to newStatus. Re-submitting the current status
// changes nothing; leaving Cancelled is rejected.
func (s *OrderService) ChangeStatus(ctx context.Context, orderID string, newStatus domain.OrderStatus) (*StatusChange, error) {
	ctx, span := s.tracer.Start(ctx, "OrderService.ChangeStatus")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID), attribute.String("order.new_status", string(newStatus)))

	companyID, err := domain.CompanyFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if !newStatus.Valid() {
		return nil, domain.NewValidationError("status", "unknown status "+string(newStatus))
	}

	var change StatusChange
	var stock domain.StockCounts
	err = s.tx.run(ctx, "change status", func(ctx context.Context, tx port.Tx) error {
		stock = nil
		order, err := loadOrder(ctx, tx, companyID, orderID)
		if err != nil {
			return err
		}
		multiplier, err := domain.StockMultiplier(order.Status, newStatus)
		if err != nil {
			return err
		}
		change = StatusChange{OldStatus: order.Status, Multiplier: multiplier}
		if order.Status == newStatus {
			change.Order = *order
			return nil
		}

		if multiplier == 0 {
			order.Status = newStatus
			order.UpdatedAt = s.now()
		} else {
			stock, err = s.adjustmentFor(order, multiplier, newStatus).Stage(ctx, tx, s.now())
			if err != nil {
				return err
			}
			change.Quantities = stock.Quantities()
		}
		change.Order = *order
		return tx.PutOrder(*order)
	})
	if err != nil {
		recordError(span, err)
		s.logger.Info("status change rejected",
			zap.String("order_id", orderID), zap.String("new_status", string(newStatus)), zap.Error(err))
		return nil, err
	}

	span.SetAttributes(attribute.Int("stock.multiplier", change.Multiplier))
	if change.OldStatus == newStatus {
		return &change, nil
	}
	s.logger.Info("order status changed",
		zap.String("order_id", orderID),
		zap.String("from", string(change.OldStatus)),
		zap.String("to", string(newStatus)),
		zap.Int("multiplier", change.Multiplier))
	s.publish(ctx, statusEvent(change.Order, change.OldStatus, stock))
	return &change, nil
}

// adjustmentFor picks the ledger an order's transition touches. Assembled-unit
// orders never move raw components; their unit moves only under on_fulfill.
func (s *OrderService) adjustmentFor(order *domain.Order, multiplier int, newStatus domain.OrderStatus) Adjustment {
	adj := Adjustment{
		CompanyID:  order.CompanyID,
		Multiplier: multiplier,
		Order:      order,
		NewStatus:  newStatus,
	}
	switch {
	case order.AssembledUnitID == "":
		adj.Deltas = order.StockDeltas()
	case order.UnitPolicy == domain.UnitStockOnFulfill:
		adj.UnitID = order.AssembledUnitID
		adj.UnitQty = 1
	}
	return adj
}

// UpdateOrderLines replaces the line items of an order that has never been
// fulfilled. Items kept from the previous lines keep their captured price.
func (s *OrderService) UpdateOrderLines(ctx context.Context, orderID string, components []LineRequest) (*domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "OrderService.UpdateOrderLines")
	defer span.End()

	companyID, err := domain.CompanyFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if len(components) == 0 {
		return nil, domain.NewValidationError("components", "at least one component is required")
	}
	if err := validateLines(components); err != nil {
		return nil, err
	}

	var order domain.Order
	err = s.tx.run(ctx, "update order lines", func(ctx context.Context, tx port.Tx) error {
		o, err := loadOrder(ctx, tx, companyID, orderID)
		if err != nil {
			return err
		}
		if o.Status.Terminal() {
			return domain.ErrTerminalState
		}
		if !o.Editable() {
			return domain.NewValidationError("components", "lines cannot change after the order was fulfilled")
		}
		if o.AssembledUnitID != "" {
			return domain.NewValidationError("components", "assembled unit orders have fixed lines")
		}
		lines, err := priceLines(ctx, tx, companyID, components, o.Lines)
		if err != nil {
			return err
		}
		o.Lines = lines
		o.Reprice()
		o.UpdatedAt = s.now()
		order = *o
		return tx.PutOrder(order)
	})
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	return &order, nil
}

// DeleteOrder removes an order. An order holding consumed stock is cancelled
// in the same transaction first, so its inventory is back before it is gone.
func (s *OrderService) DeleteOrder(ctx context.Context, orderID string) error {
	ctx, span := s.tracer.Start(ctx, "OrderService.DeleteOrder")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID))

	companyID, err := domain.CompanyFromContext(ctx)
	if err != nil {
		return err
	}

	var event domain.OrderEvent
	err = s.tx.run(ctx, "delete order", func(ctx context.Context, tx port.Tx) error {
		order, err := loadOrder(ctx, tx, companyID, orderID)
		if err != nil {
			return err
		}
		old := order.Status
		var stock domain.StockCounts
		if old.Consuming() {
			multiplier, err := domain.StockMultiplier(old, domain.OrderStatusCancelled)
			if err != nil {
				return err
			}
			stock, err = s.adjustmentFor(order, multiplier, domain.OrderStatusCancelled).Stage(ctx, tx, s.now())
			if err != nil {
				return err
			}
		}
		event = statusEvent(*order, old, stock)
		event.Deleted = true
		return tx.DeleteOrder(*order)
	})
	if err != nil {
		recordError(span, err)
		return err
	}

	s.logger.Info("order deleted", zap.String("order_id", orderID), zap.String("status", string(event.OldStatus)))
	s.publish(ctx, event)
	return nil
}

func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	companyID, err := domain.CompanyFromContext(ctx)
	if err != nil {
		return nil, err
	}
	var order *domain.Order
	err = s.tx.view(ctx, func(ctx context.Context, tx port.Tx) error {
		order, err = loadOrder(ctx, tx, companyID, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (s *OrderService) ListOrders(ctx context.Context) ([]domain.Order, error) {
	companyID, err := domain.CompanyFromContext(ctx)
	if err != nil {
		return nil, err
	}
	return s.store.ListOrders(ctx, companyID)
}

func loadOrder(ctx context.Context, tx port.Tx, companyID, orderID string) (*domain.Order, error) {
	order, err := tx.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("read order: %w", err)
	}
	if order == nil || order.CompanyID != companyID {
		return nil, domain.OrderNotFound(orderID)
	}
	return order, nil
}

func statusEvent(order domain.Order, old domain.OrderStatus, stock domain.StockCounts) domain.OrderEvent {
	return domain.OrderEvent{
		OrderID:    order.ID,
		CompanyID:  order.CompanyID,
		OldStatus:  old,
		NewStatus:  order.Status,
		Quantities: stock.Quantities(),
		Stock:      stock,
		OccurredAt: order.UpdatedAt,
	}
}

// publish hands committed results to the read side. Failures are logged only:
// the commit already happened and readers tolerate staleness.
func (s *OrderService) publish(ctx context.Context, event domain.OrderEvent) {
	ctx = context.WithoutCancel(ctx)
	if s.cache != nil && len(event.Stock) > 0 {
		if err := s.cache.PublishStock(ctx, event.CompanyID, event.Stock); err != nil {
			s.logger.Error("publish stock snapshot", zap.String("order_id", event.OrderID), zap.Error(err))
		}
	}
	if s.events != nil {
		if err := s.events.PublishOrderEvent(ctx, event); err != nil {
			s.logger.Error("publish order event", zap.String("order_id", event.OrderID), zap.Error(err))
		}
	}
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
