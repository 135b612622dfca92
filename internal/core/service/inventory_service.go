package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/rigstock/internal/core/domain"
	"github.com/rl1809/rigstock/internal/port"
)

// InventoryService covers administrative edits of the ledger. Order-driven
// stock movement goes through OrderService.
type InventoryService struct {
	tx     txRunner
	store  port.Store
	cache  port.CacheRepository
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

func NewInventoryService(store port.Store, cache port.CacheRepository, logger *zap.Logger, opts Options) *InventoryService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InventoryService{
		tx:     newTxRunner(store, logger, opts.MaxAttempts, opts.RetryBaseDelay),
		store:  store,
		cache:  cache,
		logger: logger,
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
}

// UpsertItem creates or replaces an item's catalog data. The quantity is
// taken as given, which makes this the manual stock-count correction path.
func (s *InventoryService) UpsertItem(ctx context.Context, item domain.InventoryItem) (*domain.InventoryItem, error) {
	ctx, span := s.tracer.Start(ctx, "InventoryService.UpsertItem")
	defer span.End()
	span.SetAttributes(attribute.String("item.id", item.ID))

	companyID, err := domain.CompanyFromContext(ctx)
	if err != nil {
		return nil, err
	}
	item.CompanyID = companyID
	if err := item.Validate(); err != nil {
		return nil, err
	}

	err = s.tx.run(ctx, "upsert item", func(ctx context.Context, tx port.Tx) error {
		existing, err := tx.GetItems(ctx, []string{item.ID})
		if err != nil {
			return fmt.Errorf("read inventory: %w", err)
		}
		now := s.now()
		item.CreatedAt = now
		item.Version = 0
		if cur, ok := existing[item.ID]; ok {
			if cur.CompanyID != companyID {
				return domain.ItemNotFound(item.ID)
			}
			item.CreatedAt = cur.CreatedAt
			item.Version = cur.Version
		}
		item.UpdatedAt = now
		return tx.PutItem(item)
	})
	if err != nil {
		recordError(span, err)
		return nil, err
	}

	s.logger.Info("inventory item saved",
		zap.String("item_id", item.ID), zap.String("sku", item.SKU), zap.Int("quantity", item.Quantity))
	s.publishStock(ctx, companyID, domain.StockCounts{item.ID: {Quantity: item.Quantity, Version: committedVersion(item.Version)}})
	return &item, nil
}

// ReceiveStock adds qty to an item's quantity.
func (s *InventoryService) ReceiveStock(ctx context.Context, itemID string, qty int) (int, error) {
	ctx, span := s.tracer.Start(ctx, "InventoryService.ReceiveStock")
	defer span.End()
	span.SetAttributes(attribute.String("item.id", itemID), attribute.Int("stock.received", qty))

	companyID, err := domain.CompanyFromContext(ctx)
	if err != nil {
		return 0, err
	}
	if qty <= 0 {
		return 0, domain.NewValidationError("quantity", "must be positive")
	}

	var stock domain.StockCounts
	err = s.tx.run(ctx, "receive stock", func(ctx context.Context, tx port.Tx) error {
		adj := Adjustment{
			CompanyID:  companyID,
			Deltas:     []domain.StockDelta{{ItemID: itemID, Quantity: qty}},
			Multiplier: 1,
		}
		stock, err = adj.Stage(ctx, tx, s.now())
		return err
	})
	if err != nil {
		recordError(span, err)
		return 0, err
	}

	s.publishStock(ctx, companyID, stock)
	return stock[itemID].Quantity, nil
}

func (s *InventoryService) GetItem(ctx context.Context, itemID string) (*domain.InventoryItem, error) {
	companyID, err := domain.CompanyFromContext(ctx)
	if err != nil {
		return nil, err
	}
	var item domain.InventoryItem
	err = s.tx.view(ctx, func(ctx context.Context, tx port.Tx) error {
		items, err := tx.GetItems(ctx, []string{itemID})
		if err != nil {
			return err
		}
		it, ok := items[itemID]
		if !ok || it.CompanyID != companyID {
			return domain.ItemNotFound(itemID)
		}
		item = it
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// ListItems returns the company's inventory ordered by category then SKU.
func (s *InventoryService) ListItems(ctx context.Context) ([]domain.InventoryItem, error) {
	companyID, err := domain.CompanyFromContext(ctx)
	if err != nil {
		return nil, err
	}
	items, err := s.store.ListItems(ctx, companyID)
	if err != nil {
		return nil, fmt.Errorf("list inventory: %w", err)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Category != items[j].Category {
			return items[i].Category < items[j].Category
		}
		return items[i].SKU < items[j].SKU
	})
	return items, nil
}

func (s *InventoryService) publishStock(ctx context.Context, companyID string, stock domain.StockCounts) {
	if s.cache == nil || len(stock) == 0 {
		return
	}
	if err := s.cache.PublishStock(context.WithoutCancel(ctx), companyID, stock); err != nil {
		s.logger.Error("publish stock snapshot", zap.String("company_id", companyID), zap.Error(err))
	}
}
