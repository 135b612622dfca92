package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Category string

const (
	CategoryCPU         Category = "cpu"
	CategoryMotherboard Category = "motherboard"
	CategoryRAM         Category = "ram"
	CategoryGPU         Category = "gpu"
	CategoryStorage     Category = "storage"
	CategoryPSU         Category = "psu"
	CategoryCase        Category = "case"
	CategoryCooler      Category = "cooler"
	CategoryPeripheral  Category = "peripheral"
	CategoryOther       Category = "other"
)

var categories = map[Category]bool{
	CategoryCPU: true, CategoryMotherboard: true, CategoryRAM: true, CategoryGPU: true,
	CategoryStorage: true, CategoryPSU: true, CategoryCase: true, CategoryCooler: true,
	CategoryPeripheral: true, CategoryOther: true,
}

func (c Category) Valid() bool {
	return categories[c]
}

type StockLevel string

const (
	StockLevelOK       StockLevel = "ok"
	StockLevelLow      StockLevel = "low"
	StockLevelCritical StockLevel = "critical"
	StockLevelOut      StockLevel = "out"
)

type InventoryItem struct {
	ID            string
	CompanyID     string
	SKU           string
	Name          string
	Category      Category
	Quantity      int
	MinStock      int
	CriticalStock int
	UnitCost      decimal.Decimal
	Attributes    Attributes
	Version       int // optimistic locking
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Level classifies the item against its thresholds. Dashboards read this; the
// write path never consults it.
func (i InventoryItem) Level() StockLevel {
	switch {
	case i.Quantity <= 0:
		return StockLevelOut
	case i.Quantity <= i.CriticalStock:
		return StockLevelCritical
	case i.Quantity <= i.MinStock:
		return StockLevelLow
	default:
		return StockLevelOK
	}
}

// Validate checks an item entering the core from an administrative edit.
func (i InventoryItem) Validate() error {
	if i.ID == "" {
		return NewValidationError("id", "is required")
	}
	if i.SKU == "" {
		return NewValidationError("sku", "is required")
	}
	if !i.Category.Valid() {
		return NewValidationError("category", "unknown category "+string(i.Category))
	}
	if i.Quantity < 0 {
		return NewValidationError("quantity", "cannot be negative")
	}
	if i.MinStock < 0 || i.CriticalStock < 0 {
		return NewValidationError("min_stock", "thresholds cannot be negative")
	}
	if err := ValidateMoney("unit_cost", i.UnitCost); err != nil {
		return err
	}
	if i.Attributes == nil {
		return nil
	}
	if i.Attributes.Category() != i.Category {
		return NewValidationError("attributes", "do not match category "+string(i.Category))
	}
	return i.Attributes.Validate()
}

// PowerDraw is the item's contribution to a build's estimated power budget.
func (i InventoryItem) PowerDraw() int {
	if i.Attributes == nil {
		return 0
	}
	return i.Attributes.PowerDraw()
}
