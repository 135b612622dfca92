package domain

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Slot string

const (
	SlotCPU         Slot = "cpu"
	SlotMotherboard Slot = "motherboard"
	SlotRAM         Slot = "ram"
	SlotGPU         Slot = "gpu"
	SlotStorage     Slot = "storage"
	SlotPSU         Slot = "psu"
	SlotCase        Slot = "case"
	SlotCooler      Slot = "cooler"
)

// Slots lists every slot a complete build fills, in presentation order.
var Slots = []Slot{SlotCPU, SlotMotherboard, SlotRAM, SlotGPU, SlotStorage, SlotPSU, SlotCase, SlotCooler}

// PSUDerating is the share of a PSU's rated wattage a build may draw.
var PSUDerating = decimal.NewFromFloat(0.8)

func (s Slot) Valid() bool {
	for _, v := range Slots {
		if v == s {
			return true
		}
	}
	return false
}

// Category is the inventory category that fills the slot.
func (s Slot) Category() Category {
	return Category(s)
}

// Build is a partial or complete selection of one item per slot.
type Build struct {
	ID              string
	CompanyID       string
	SourceUnitID    string // set when editing an existing assembled unit
	Selected        map[Slot]InventoryItem
	ProfitMarginPct decimal.Decimal
	UpdatedAt       time.Time
}

// Draft is the persisted form of a build: only item references, so every
// read re-resolves current prices and stock.
type Draft struct {
	ID              string          `json:"id"`
	CompanyID       string          `json:"company_id"`
	SourceUnitID    string          `json:"source_unit_id,omitempty"`
	Selections      map[Slot]string `json:"selections"`
	ProfitMarginPct decimal.Decimal `json:"profit_margin_pct"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// ItemIDs returns the selected item ids in slot order.
func (d Draft) ItemIDs() []string {
	ids := make([]string, 0, len(d.Selections))
	for _, s := range Slots {
		if id, ok := d.Selections[s]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Resolve builds the selection from freshly read items. Selections whose item
// disappeared are dropped.
func (d Draft) Resolve(items map[string]InventoryItem) *Build {
	b := NewBuild(d.ID, d.CompanyID, d.ProfitMarginPct)
	b.SourceUnitID = d.SourceUnitID
	b.UpdatedAt = d.UpdatedAt
	for slot, id := range d.Selections {
		if it, ok := items[id]; ok {
			b.Selected[slot] = it
		}
	}
	return b
}

func NewBuild(id, companyID string, marginPct decimal.Decimal) *Build {
	return &Build{
		ID:              id,
		CompanyID:       companyID,
		Selected:        make(map[Slot]InventoryItem),
		ProfitMarginPct: marginPct,
	}
}

// EstimatedPower sums the power draw of every selected component.
func (b *Build) EstimatedPower() int {
	total := 0
	for _, it := range b.Selected {
		total += it.PowerDraw()
	}
	return total
}

// PSUFits applies the derating rule: wattage * 0.8 >= power.
func PSUFits(wattage, power int) bool {
	return decimal.NewFromInt(int64(wattage)).Mul(PSUDerating).GreaterThanOrEqual(decimal.NewFromInt(int64(power)))
}

// Compatible evaluates item for slot against the current partial selection,
// ignoring whatever already occupies that slot.
func (b *Build) Compatible(slot Slot, item InventoryItem) bool {
	if item.Category != slot.Category() {
		return false
	}

	switch slot {
	case SlotCPU:
		if mb, ok := b.Selected[SlotMotherboard]; ok && Socket(mb.Attributes) != Socket(item.Attributes) {
			return false
		}
	case SlotMotherboard:
		if cpu, ok := b.Selected[SlotCPU]; ok && Socket(cpu.Attributes) != Socket(item.Attributes) {
			return false
		}
		if ram, ok := b.Selected[SlotRAM]; ok && RAMType(ram.Attributes) != RAMType(item.Attributes) {
			return false
		}
	case SlotRAM:
		if mb, ok := b.Selected[SlotMotherboard]; ok && RAMType(mb.Attributes) != RAMType(item.Attributes) {
			return false
		}
	case SlotPSU:
		return PSUFits(Wattage(item.Attributes), b.powerWithout(SlotPSU))
	}
	// Components that push the draw past a chosen PSU stay selectable; the
	// PSU gets flagged by Issues instead.
	return true
}

func (b *Build) powerWithout(slot Slot) int {
	total := 0
	for s, it := range b.Selected {
		if s != slot {
			total += it.PowerDraw()
		}
	}
	return total
}

// Candidates filters items down to what can go in slot right now: matching
// category, in stock, and compatible with the partial selection.
func (b *Build) Candidates(slot Slot, items []InventoryItem) []InventoryItem {
	out := make([]InventoryItem, 0, len(items))
	for _, it := range items {
		if it.Quantity <= 0 || it.CompanyID != b.CompanyID {
			continue
		}
		if b.Compatible(slot, it) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UnitCost.Equal(out[j].UnitCost) {
			return out[i].UnitCost.LessThan(out[j].UnitCost)
		}
		return out[i].SKU < out[j].SKU
	})
	return out
}

// Issue flags a selection that no longer fits the rest of the build.
type Issue struct {
	Slot   Slot   `json:"slot"`
	ItemID string `json:"item_id"`
	Reason string `json:"reason"`
}

// Issues re-evaluates every selection against the others. Selections are
// flagged, never dropped.
func (b *Build) Issues() []Issue {
	var issues []Issue
	for _, slot := range Slots {
		it, ok := b.Selected[slot]
		if !ok {
			continue
		}
		switch slot {
		case SlotMotherboard:
			if cpu, ok := b.Selected[SlotCPU]; ok && Socket(cpu.Attributes) != Socket(it.Attributes) {
				issues = append(issues, Issue{Slot: slot, ItemID: it.ID, Reason: "socket " + Socket(it.Attributes) + " does not match cpu socket " + Socket(cpu.Attributes)})
			}
		case SlotRAM:
			if mb, ok := b.Selected[SlotMotherboard]; ok && RAMType(mb.Attributes) != RAMType(it.Attributes) {
				issues = append(issues, Issue{Slot: slot, ItemID: it.ID, Reason: "ram type " + RAMType(it.Attributes) + " does not match motherboard " + RAMType(mb.Attributes)})
			}
		case SlotPSU:
			if !PSUFits(Wattage(it.Attributes), b.EstimatedPower()) {
				issues = append(issues, Issue{Slot: slot, ItemID: it.ID, Reason: "derated capacity below estimated power"})
			}
		}
	}
	return issues
}

// Missing lists the unfilled slots in presentation order.
func (b *Build) Missing() []Slot {
	var missing []Slot
	for _, s := range Slots {
		if _, ok := b.Selected[s]; !ok {
			missing = append(missing, s)
		}
	}
	return missing
}

type Quote struct {
	CostTotal       decimal.Decimal `json:"cost_total"`
	ProfitMarginPct decimal.Decimal `json:"profit_margin_pct"`
	SuggestedPrice  decimal.Decimal `json:"suggested_price"`
	EstimatedPower  int             `json:"estimated_power"`
	Missing         []Slot          `json:"missing,omitempty"`
	Issues          []Issue         `json:"issues,omitempty"`
}

func (b *Build) Quote() Quote {
	cost := decimal.Zero
	for _, it := range b.Selected {
		cost = cost.Add(it.UnitCost)
	}
	return Quote{
		CostTotal:       cost,
		ProfitMarginPct: b.ProfitMarginPct,
		SuggestedPrice:  SuggestedPrice(cost, b.ProfitMarginPct),
		EstimatedPower:  b.EstimatedPower(),
		Missing:         b.Missing(),
		Issues:          b.Issues(),
	}
}

// Finalize checks completeness and compatibility and snapshots the selection.
// minSlots of 0 means every slot must be filled.
func (b *Build) Finalize(minSlots int) ([]Component, error) {
	missing := b.Missing()
	if minSlots <= 0 || minSlots > len(Slots) {
		minSlots = len(Slots)
	}
	if len(Slots)-len(missing) < minSlots {
		names := make([]string, len(missing))
		for i, s := range missing {
			names[i] = string(s)
		}
		return nil, NewValidationError("slots", "missing "+strings.Join(names, ", "))
	}
	if issues := b.Issues(); len(issues) > 0 {
		return nil, &IncompatibleError{Issues: issues}
	}

	components := make([]Component, 0, len(b.Selected))
	for _, s := range Slots {
		it, ok := b.Selected[s]
		if !ok {
			continue
		}
		components = append(components, Component{
			Slot:     s,
			ItemID:   it.ID,
			SKU:      it.SKU,
			Name:     it.Name,
			Category: it.Category,
			Price:    it.UnitCost,
		})
	}
	return components, nil
}

// IncompatibleError carries the flagged selections that blocked finalization.
type IncompatibleError struct {
	Issues []Issue
}

func (e *IncompatibleError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, is := range e.Issues {
		parts[i] = string(is.Slot) + ": " + is.Reason
	}
	return ErrIncompatible.Error() + ": " + strings.Join(parts, "; ")
}

func (e *IncompatibleError) Is(target error) bool {
	return target == ErrIncompatible
}
