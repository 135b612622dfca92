package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// UnitStockPolicy selects when an assembled unit's own quantity is consumed by
// an order that references it.
type UnitStockPolicy string

const (
	// UnitStockOnCreate decrements the unit when the order is created, whatever its status.
	UnitStockOnCreate UnitStockPolicy = "on_create"
	// UnitStockOnFulfill follows the consumption set like raw components do.
	UnitStockOnFulfill UnitStockPolicy = "on_fulfill"
)

func (p UnitStockPolicy) Valid() bool {
	return p == UnitStockOnCreate || p == UnitStockOnFulfill
}

// Component is a priced snapshot of an inventory item taken when a build was finalized.
type Component struct {
	Slot     Slot            `json:"slot,omitempty"`
	ItemID   string          `json:"item_id"`
	SKU      string          `json:"sku"`
	Name     string          `json:"name"`
	Category Category        `json:"category"`
	Price    decimal.Decimal `json:"price"`
}

type AssembledUnit struct {
	ID              string
	CompanyID       string
	Name            string
	Components      []Component
	Quantity        int
	CostPrice       decimal.Decimal
	ProfitMarginPct decimal.Decimal
	Version         int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (u AssembledUnit) SuggestedPrice() decimal.Decimal {
	return SuggestedPrice(u.CostPrice, u.ProfitMarginPct)
}

// Lines turns the component snapshot into order lines for one unit.
func (u AssembledUnit) Lines() []OrderLine {
	lines := make([]OrderLine, 0, len(u.Components))
	for _, c := range u.Components {
		lines = append(lines, OrderLine{
			ItemID:           c.ItemID,
			SKU:              c.SKU,
			Name:             c.Name,
			Quantity:         1,
			UnitPriceAtOrder: c.Price,
		})
	}
	return lines
}
