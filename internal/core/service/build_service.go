package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/rigstock/internal/core/domain"
	"github.com/rl1809/rigstock/internal/port"
)

type BuildOptions struct {
	DefaultMarginPct decimal.Decimal
	// MinSlotsWhenEditing relaxes completeness for drafts opened from an
	// existing assembled unit. Zero requires every slot.
	MinSlotsWhenEditing int
}

// BuildService is the compatibility resolver. It is read-side only: drafts
// and previews never take part in inventory transactions.
type BuildService struct {
	store  port.Store
	drafts port.DraftRepository
	logger *zap.Logger
	tracer trace.Tracer
	opts   BuildOptions
	now    func() time.Time
}

func NewBuildService(store port.Store, drafts port.DraftRepository, logger *zap.Logger, opts BuildOptions) *BuildService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BuildService{
		store:  store,
		drafts: drafts,
		logger: logger,
		tracer: otel.Tracer(tracerName),
		opts:   opts,
		now:    time.Now,
	}
}

// NewDraft starts an empty build. A nil margin takes the configured default.
func (s *BuildService) NewDraft(ctx context.Context, marginPct *decimal.Decimal) (*domain.Draft, error) {
	companyID, err := domain.CompanyFromContext(ctx)
	if err != nil {
		return nil, err
	}
	margin := s.opts.DefaultMarginPct
	if marginPct != nil {
		if err := domain.ValidateMoney("profit_margin_pct", *marginPct); err != nil {
			return nil, err
		}
		margin = *marginPct
	}
	draft := domain.Draft{
		ID:              uuid.NewString(),
		CompanyID:       companyID,
		Selections:      make(map[domain.Slot]string),
		ProfitMarginPct: margin,
		UpdatedAt:       s.now(),
	}
	if err := s.drafts.SaveDraft(ctx, draft); err != nil {
		return nil, fmt.Errorf("save draft: %w", err)
	}
	return &draft, nil
}

// DraftFromUnit opens an existing assembled unit for editing.
func (s *BuildService) DraftFromUnit(ctx context.Context, unitID string) (*domain.Draft, error) {
	companyID, err := domain.CompanyFromContext(ctx)
	if err != nil {
		return nil, err
	}
	var unit *domain.AssembledUnit
	err = s.store.RunTransaction(ctx, func(ctx context.Context, tx port.Tx) error {
		unit, err = tx.GetUnit(ctx, unitID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read assembled unit: %w", err)
	}
	if unit == nil || unit.CompanyID != companyID {
		return nil, domain.UnitNotFound(unitID)
	}

	draft := domain.Draft{
		ID:              uuid.NewString(),
		CompanyID:       companyID,
		SourceUnitID:    unit.ID,
		Selections:      make(map[domain.Slot]string),
		ProfitMarginPct: unit.ProfitMarginPct,
		UpdatedAt:       s.now(),
	}
	for _, c := range unit.Components {
		if c.Slot.Valid() {
			draft.Selections[c.Slot] = c.ItemID
		}
	}
	if err := s.drafts.SaveDraft(ctx, draft); err != nil {
		return nil, fmt.Errorf("save draft: %w", err)
	}
	return &draft, nil
}

// Select puts itemID into slot. The item must be in stock and of the slot's
// category; compatibility problems with the rest of the build are reported by
// Quote rather than refused here.
func (s *BuildService) Select(ctx context.Context, draftID string, slot domain.Slot, itemID string) (*domain.Quote, error) {
	ctx, span := s.tracer.Start(ctx, "BuildService.Select")
	defer span.End()
	span.SetAttributes(attribute.String("build.id", draftID), attribute.String("build.slot", string(slot)))

	if !slot.Valid() {
		return nil, domain.NewValidationError("slot", "unknown slot "+string(slot))
	}
	if itemID == "" {
		return nil, domain.NewValidationError("item_id", "is required")
	}
	draft, err := s.loadDraft(ctx, draftID)
	if err != nil {
		return nil, err
	}

	draft.Selections[slot] = itemID
	build, err := s.resolve(ctx, *draft)
	if err != nil {
		return nil, err
	}
	item, ok := build.Selected[slot]
	if !ok {
		return nil, domain.ItemNotFound(itemID)
	}
	if item.Category != slot.Category() {
		return nil, domain.NewValidationError("item_id", fmt.Sprintf("%s is a %s, not a %s", item.SKU, item.Category, slot))
	}
	if item.Quantity <= 0 {
		return nil, &domain.InsufficientStockError{ItemID: item.ID, Available: item.Quantity, Requested: 1}
	}

	draft.UpdatedAt = s.now()
	if err := s.drafts.SaveDraft(ctx, *draft); err != nil {
		return nil, fmt.Errorf("save draft: %w", err)
	}
	quote := build.Quote()
	return &quote, nil
}

// Clear empties slot.
func (s *BuildService) Clear(ctx context.Context, draftID string, slot domain.Slot) (*domain.Quote, error) {
	if !slot.Valid() {
		return nil, domain.NewValidationError("slot", "unknown slot "+string(slot))
	}
	draft, err := s.loadDraft(ctx, draftID)
	if err != nil {
		return nil, err
	}
	delete(draft.Selections, slot)
	draft.UpdatedAt = s.now()
	if err := s.drafts.SaveDraft(ctx, *draft); err != nil {
		return nil, fmt.Errorf("save draft: %w", err)
	}
	build, err := s.resolve(ctx, *draft)
	if err != nil {
		return nil, err
	}
	quote := build.Quote()
	return &quote, nil
}

// Candidates lists what may go into slot given the current partial selection.
func (s *BuildService) Candidates(ctx context.Context, draftID string, slot domain.Slot) ([]domain.InventoryItem, error) {
	ctx, span := s.tracer.Start(ctx, "BuildService.Candidates")
	defer span.End()

	if !slot.Valid() {
		return nil, domain.NewValidationError("slot", "unknown slot "+string(slot))
	}
	draft, err := s.loadDraft(ctx, draftID)
	if err != nil {
		return nil, err
	}
	items, err := s.store.ListItems(ctx, draft.CompanyID)
	if err != nil {
		return nil, fmt.Errorf("list inventory: %w", err)
	}
	build := draft.Resolve(index(items))
	candidates := build.Candidates(slot, items)
	span.SetAttributes(attribute.Int("build.candidates", len(candidates)))
	return candidates, nil
}

func (s *BuildService) Quote(ctx context.Context, draftID string) (*domain.Quote, error) {
	draft, err := s.loadDraft(ctx, draftID)
	if err != nil {
		return nil, err
	}
	build, err := s.resolve(ctx, *draft)
	if err != nil {
		return nil, err
	}
	quote := build.Quote()
	return &quote, nil
}

// Finalized is the immutable outcome of a complete, compatible build.
type Finalized struct {
	Draft      domain.Draft
	Components []domain.Component
	Quote      domain.Quote
}

// Finalize validates the draft and snapshots its components.
func (s *BuildService) Finalize(ctx context.Context, draftID string) (*Finalized, error) {
	ctx, span := s.tracer.Start(ctx, "BuildService.Finalize")
	defer span.End()

	draft, err := s.loadDraft(ctx, draftID)
	if err != nil {
		return nil, err
	}
	build, err := s.resolve(ctx, *draft)
	if err != nil {
		return nil, err
	}
	if len(build.Selected) != len(draft.Selections) {
		for slot, id := range draft.Selections {
			if _, ok := build.Selected[slot]; !ok {
				return nil, domain.ItemNotFound(id)
			}
		}
	}

	minSlots := 0
	if draft.SourceUnitID != "" {
		minSlots = s.opts.MinSlotsWhenEditing
	}
	components, err := build.Finalize(minSlots)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	return &Finalized{Draft: *draft, Components: components, Quote: build.Quote()}, nil
}

// Discard drops a draft.
func (s *BuildService) Discard(ctx context.Context, draftID string) error {
	if _, err := s.loadDraft(ctx, draftID); err != nil {
		return err
	}
	return s.drafts.DeleteDraft(ctx, draftID)
}

// OrderLines turns finalized components into order line requests.
func (f Finalized) OrderLines() []LineRequest {
	lines := make([]LineRequest, 0, len(f.Components))
	for _, c := range f.Components {
		lines = append(lines, LineRequest{ItemID: c.ItemID, Quantity: 1})
	}
	return lines
}

func (s *BuildService) loadDraft(ctx context.Context, draftID string) (*domain.Draft, error) {
	companyID, err := domain.CompanyFromContext(ctx)
	if err != nil {
		return nil, err
	}
	draft, err := s.drafts.GetDraft(ctx, draftID)
	if err != nil {
		return nil, fmt.Errorf("read draft: %w", err)
	}
	if draft == nil || draft.CompanyID != companyID {
		return nil, domain.DraftNotFound(draftID)
	}
	if draft.Selections == nil {
		draft.Selections = make(map[domain.Slot]string)
	}
	return draft, nil
}

// resolve reads the draft's selected items from the latest committed state.
func (s *BuildService) resolve(ctx context.Context, draft domain.Draft) (*domain.Build, error) {
	ids := draft.ItemIDs()
	var items map[string]domain.InventoryItem
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx port.Tx) error {
		var err error
		items, err = tx.GetItems(ctx, ids)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}
	for id, it := range items {
		if it.CompanyID != draft.CompanyID {
			delete(items, id)
		}
	}
	return draft.Resolve(items), nil
}

func index(items []domain.InventoryItem) map[string]domain.InventoryItem {
	m := make(map[string]domain.InventoryItem, len(items))
	for _, it := range items {
		m[it.ID] = it
	}
	return m
}
