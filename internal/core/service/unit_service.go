package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/rigstock/internal/core/domain"
	"github.com/rl1809/rigstock/internal/port"
)

// UnitService manages the assembled-unit ledger.
type UnitService struct {
	tx     txRunner
	store  port.Store
	builds *BuildService
	cache  port.CacheRepository
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

func NewUnitService(store port.Store, builds *BuildService, cache port.CacheRepository, logger *zap.Logger, opts Options) *UnitService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UnitService{
		tx:     newTxRunner(store, logger, opts.MaxAttempts, opts.RetryBaseDelay),
		store:  store,
		builds: builds,
		cache:  cache,
		logger: logger,
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
}

type AssembleRequest struct {
	DraftID  string
	Name     string
	Quantity int
}

// Assemble materializes a finalized build into an assembled unit and consumes
// Quantity of every component from the raw ledger in one transaction. A draft
// opened from an existing unit updates that unit's definition instead of
// creating a new one; Quantity may then be zero.
func (s *UnitService) Assemble(ctx context.Context, req AssembleRequest) (*domain.AssembledUnit, error) {
	ctx, span := s.tracer.Start(ctx, "UnitService.Assemble")
	defer span.End()
	span.SetAttributes(attribute.String("build.id", req.DraftID), attribute.Int("unit.quantity", req.Quantity))

	companyID, err := domain.CompanyFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if req.Quantity < 0 {
		return nil, domain.NewValidationError("quantity", "cannot be negative")
	}

	fin, err := s.builds.Finalize(ctx, req.DraftID)
	if err != nil {
		return nil, err
	}
	editing := fin.Draft.SourceUnitID != ""
	if !editing && req.Quantity == 0 {
		return nil, domain.NewValidationError("quantity", "must be positive for a new unit")
	}
	if !editing && req.Name == "" {
		return nil, domain.NewValidationError("name", "is required")
	}

	var unit domain.AssembledUnit
	var stock domain.StockCounts
	err = s.tx.run(ctx, "assemble unit", func(ctx context.Context, tx port.Tx) error {
		now := s.now()
		if editing {
			cur, err := tx.GetUnit(ctx, fin.Draft.SourceUnitID)
			if err != nil {
				return fmt.Errorf("read assembled unit: %w", err)
			}
			if cur == nil || cur.CompanyID != companyID {
				return domain.UnitNotFound(fin.Draft.SourceUnitID)
			}
			unit = *cur
		} else {
			unit = domain.AssembledUnit{
				ID:        uuid.NewString(),
				CompanyID: companyID,
				CreatedAt: now,
			}
		}
		if req.Name != "" {
			unit.Name = req.Name
		}
		unit.Components = fin.Components
		unit.CostPrice = fin.Quote.CostTotal
		unit.ProfitMarginPct = fin.Draft.ProfitMarginPct
		unit.Quantity += req.Quantity
		unit.UpdatedAt = now

		stock = nil
		if req.Quantity > 0 {
			deltas := make([]domain.StockDelta, 0, len(fin.Components))
			for _, c := range fin.Components {
				deltas = append(deltas, domain.StockDelta{ItemID: c.ItemID, Quantity: req.Quantity})
			}
			adj := Adjustment{CompanyID: companyID, Deltas: deltas, Multiplier: -1}
			var err error
			stock, err = adj.Stage(ctx, tx, now)
			if err != nil {
				return err
			}
			stock[unit.ID] = domain.StockCount{Quantity: unit.Quantity, Version: committedVersion(unit.Version)}
		}
		return tx.PutUnit(unit)
	})
	if err != nil {
		recordError(span, err)
		return nil, err
	}

	s.logger.Info("assembled unit saved",
		zap.String("unit_id", unit.ID),
		zap.String("name", unit.Name),
		zap.Int("assembled", req.Quantity),
		zap.Int("quantity", unit.Quantity))
	if s.cache != nil && len(stock) > 0 {
		if err := s.cache.PublishStock(context.WithoutCancel(ctx), companyID, stock); err != nil {
			s.logger.Error("publish stock snapshot", zap.String("unit_id", unit.ID), zap.Error(err))
		}
	}
	if err := s.builds.Discard(ctx, req.DraftID); err != nil {
		s.logger.Warn("discard draft", zap.String("draft_id", req.DraftID), zap.Error(err))
	}
	return &unit, nil
}

func (s *UnitService) GetUnit(ctx context.Context, unitID string) (*domain.AssembledUnit, error) {
	companyID, err := domain.CompanyFromContext(ctx)
	if err != nil {
		return nil, err
	}
	var unit *domain.AssembledUnit
	err = s.tx.view(ctx, func(ctx context.Context, tx port.Tx) error {
		unit, err = tx.GetUnit(ctx, unitID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read assembled unit: %w", err)
	}
	if unit == nil || unit.CompanyID != companyID {
		return nil, domain.UnitNotFound(unitID)
	}
	return unit, nil
}

func (s *UnitService) ListUnits(ctx context.Context) ([]domain.AssembledUnit, error) {
	companyID, err := domain.CompanyFromContext(ctx)
	if err != nil {
		return nil, err
	}
	return s.store.ListUnits(ctx, companyID)
}
