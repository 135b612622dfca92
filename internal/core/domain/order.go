package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

var orderStatuses = map[OrderStatus]bool{
	OrderStatusPending: true, OrderStatusProcessing: true, OrderStatusShipped: true,
	OrderStatusDelivered: true, OrderStatusCancelled: true,
}

func (s OrderStatus) Valid() bool {
	return orderStatuses[s]
}

// Consuming reports whether inventory is considered physically gone while an
// order sits in s.
func (s OrderStatus) Consuming() bool {
	return s == OrderStatusShipped || s == OrderStatusDelivered
}

func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCancelled
}

// StockMultiplier decides the inventory effect of moving an order from old to
// next: -1 deducts the order's quantities, +1 restores them, 0 leaves stock alone.
func StockMultiplier(old, next OrderStatus) (int, error) {
	if !old.Valid() {
		return 0, NewValidationError("status", "unknown current status "+string(old))
	}
	if !next.Valid() {
		return 0, NewValidationError("status", "unknown status "+string(next))
	}
	if old == next {
		return 0, nil
	}
	if old.Terminal() {
		return 0, ErrTerminalState
	}

	switch {
	case next.Consuming() && !old.Consuming():
		return -1, nil
	case old.Consuming() && !next.Consuming():
		return 1, nil
	default:
		return 0, nil
	}
}

type OrderLine struct {
	ItemID           string
	SKU              string
	Name             string
	Quantity         int
	UnitPriceAtOrder decimal.Decimal
}

func (l OrderLine) Total() decimal.Decimal {
	return l.UnitPriceAtOrder.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

type Order struct {
	ID              string
	CompanyID       string
	ClientRef       string
	Notes           string
	Status          OrderStatus
	Lines           []OrderLine
	AssembledUnitID string
	UnitPolicy      UnitStockPolicy // captured at creation for assembled-unit orders
	CostTotal       decimal.Decimal
	ProfitMarginPct decimal.Decimal
	SuggestedPrice  decimal.Decimal
	FulfilledAt     *time.Time
	Version         int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Reprice recomputes the totals from the captured line prices.
func (o *Order) Reprice() {
	o.CostTotal = LinesTotal(o.Lines)
	o.SuggestedPrice = SuggestedPrice(o.CostTotal, o.ProfitMarginPct)
}

// Editable reports whether line items may still change.
func (o *Order) Editable() bool {
	return !o.Status.Terminal() && !o.Status.Consuming() && o.FulfilledAt == nil
}

// StockDeltas aggregates the order lines into per-item quantities.
func (o *Order) StockDeltas() []StockDelta {
	return AggregateDeltas(o.Lines)
}

func LinesTotal(lines []OrderLine) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Total())
	}
	return total
}

var hundred = decimal.NewFromInt(100)

// MoneyScale is the number of fractional digits prices and margins are
// stored with.
const MoneyScale = 2

// SuggestedPrice is cost * (1 + margin/100), rounded to cents.
func SuggestedPrice(cost, marginPct decimal.Decimal) decimal.Decimal {
	return cost.Mul(decimal.NewFromInt(1).Add(marginPct.Div(hundred))).Round(MoneyScale)
}

// ValidateMoney rejects negative amounts and amounts finer than MoneyScale,
// which storage would round and so break price totals.
func ValidateMoney(field string, d decimal.Decimal) error {
	if d.IsNegative() {
		return NewValidationError(field, "cannot be negative")
	}
	if !d.Equal(d.Round(MoneyScale)) {
		return NewValidationError(field, fmt.Sprintf("at most %d decimal places", MoneyScale))
	}
	return nil
}

// StockCount is a committed quantity together with the version of the record
// that holds it. Read-side snapshots keep the highest version seen per record.
type StockCount struct {
	Quantity int `json:"quantity"`
	Version  int `json:"version"`
}

// StockCounts is keyed by inventory item or assembled unit id.
type StockCounts map[string]StockCount

// Quantities drops the versions.
func (c StockCounts) Quantities() map[string]int {
	if len(c) == 0 {
		return nil
	}
	out := make(map[string]int, len(c))
	for id, sc := range c {
		out[id] = sc.Quantity
	}
	return out
}

// StockDelta is a signed-agnostic (item, quantity) pair fed to a stock adjustment.
type StockDelta struct {
	ItemID   string
	Quantity int
}

// AggregateDeltas merges repeated item references, keeping first-seen order so
// reads are issued deterministically.
func AggregateDeltas(lines []OrderLine) []StockDelta {
	idx := make(map[string]int, len(lines))
	deltas := make([]StockDelta, 0, len(lines))
	for _, l := range lines {
		if i, ok := idx[l.ItemID]; ok {
			deltas[i].Quantity += l.Quantity
			continue
		}
		idx[l.ItemID] = len(deltas)
		deltas = append(deltas, StockDelta{ItemID: l.ItemID, Quantity: l.Quantity})
	}
	return deltas
}

// OrderEvent is published to read-side consumers after a commit.
type OrderEvent struct {
	OrderID    string         `json:"order_id"`
	CompanyID  string         `json:"company_id"`
	OldStatus  OrderStatus    `json:"old_status,omitempty"`
	NewStatus  OrderStatus    `json:"new_status"`
	Deleted    bool           `json:"deleted,omitempty"`
	Quantities map[string]int `json:"quantities,omitempty"`
	Stock      StockCounts    `json:"-"`
	OccurredAt time.Time      `json:"occurred_at"`
}
