package handler

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/rigstock/internal/core/domain"
	"github.com/rl1809/rigstock/internal/core/service"
)

type ItemDTO struct {
	ID            string            `json:"id"`
	SKU           string            `json:"sku"`
	Name          string            `json:"name"`
	Category      domain.Category   `json:"category"`
	Quantity      int               `json:"quantity"`
	MinStock      int               `json:"min_stock"`
	CriticalStock int               `json:"critical_stock"`
	StockLevel    domain.StockLevel `json:"stock_level"`
	UnitCost      decimal.Decimal   `json:"unit_cost"`
	Attributes    json.RawMessage   `json:"attributes,omitempty"`
	Version       int               `json:"version"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

func itemDTO(it domain.InventoryItem) ItemDTO {
	attrs, _ := domain.MarshalAttributes(it.Attributes)
	return ItemDTO{
		ID:            it.ID,
		SKU:           it.SKU,
		Name:          it.Name,
		Category:      it.Category,
		Quantity:      it.Quantity,
		MinStock:      it.MinStock,
		CriticalStock: it.CriticalStock,
		StockLevel:    it.Level(),
		UnitCost:      it.UnitCost,
		Attributes:    attrs,
		Version:       it.Version,
		UpdatedAt:     it.UpdatedAt,
	}
}

func itemDTOs(items []domain.InventoryItem) []ItemDTO {
	out := make([]ItemDTO, 0, len(items))
	for _, it := range items {
		out = append(out, itemDTO(it))
	}
	return out
}

type UpsertItemRequest struct {
	SKU           string          `json:"sku"`
	Name          string          `json:"name"`
	Category      domain.Category `json:"category"`
	Quantity      int             `json:"quantity"`
	MinStock      int             `json:"min_stock"`
	CriticalStock int             `json:"critical_stock"`
	UnitCost      decimal.Decimal `json:"unit_cost"`
	Attributes    json.RawMessage `json:"attributes"`
}

type ReceiveStockRequest struct {
	Quantity int `json:"quantity"`
}

type LineDTO struct {
	ItemID           string          `json:"item_id"`
	SKU              string          `json:"sku,omitempty"`
	Name             string          `json:"name,omitempty"`
	Quantity         int             `json:"qty"`
	UnitPriceAtOrder decimal.Decimal `json:"unit_price_at_order"`
	Total            decimal.Decimal `json:"total"`
}

type OrderDTO struct {
	ID              string             `json:"id"`
	ClientRef       string             `json:"client_ref"`
	Notes           string             `json:"notes,omitempty"`
	Status          domain.OrderStatus `json:"status"`
	Lines           []LineDTO          `json:"lines"`
	AssembledUnitID string             `json:"assembled_unit_id,omitempty"`
	CostTotal       decimal.Decimal    `json:"cost_total"`
	ProfitMarginPct decimal.Decimal    `json:"profit_margin_pct"`
	SuggestedPrice  decimal.Decimal    `json:"suggested_price"`
	FulfilledAt     *time.Time         `json:"fulfilled_at,omitempty"`
	Version         int                `json:"version"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

func orderDTO(o domain.Order) OrderDTO {
	lines := make([]LineDTO, 0, len(o.Lines))
	for _, l := range o.Lines {
		lines = append(lines, LineDTO{
			ItemID:           l.ItemID,
			SKU:              l.SKU,
			Name:             l.Name,
			Quantity:         l.Quantity,
			UnitPriceAtOrder: l.UnitPriceAtOrder,
			Total:            l.Total(),
		})
	}
	return OrderDTO{
		ID:              o.ID,
		ClientRef:       o.ClientRef,
		Notes:           o.Notes,
		Status:          o.Status,
		Lines:           lines,
		AssembledUnitID: o.AssembledUnitID,
		CostTotal:       o.CostTotal,
		ProfitMarginPct: o.ProfitMarginPct,
		SuggestedPrice:  o.SuggestedPrice,
		FulfilledAt:     o.FulfilledAt,
		Version:         o.Version,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
}

type LineRequestDTO struct {
	ItemID   string `json:"item_id"`
	Quantity int    `json:"qty"`
}

func lineRequests(in []LineRequestDTO) []service.LineRequest {
	out := make([]service.LineRequest, 0, len(in))
	for _, l := range in {
		out = append(out, service.LineRequest{ItemID: l.ItemID, Quantity: l.Quantity})
	}
	return out
}

type CreateOrderRequest struct {
	RequestID       string             `json:"request_id,omitempty"`
	ClientRef       string             `json:"client_ref"`
	Status          domain.OrderStatus `json:"status,omitempty"`
	Notes           string             `json:"notes,omitempty"`
	Components      []LineRequestDTO   `json:"components,omitempty"`
	AssembledUnitID string             `json:"assembled_unit_id,omitempty"`
	ProfitMarginPct *decimal.Decimal   `json:"profit_margin_pct,omitempty"`
}

func (r CreateOrderRequest) toService() service.CreateOrderRequest {
	return service.CreateOrderRequest{
		RequestID:       r.RequestID,
		ClientRef:       r.ClientRef,
		Status:          r.Status,
		Notes:           r.Notes,
		Components:      lineRequests(r.Components),
		AssembledUnitID: r.AssembledUnitID,
		ProfitMarginPct: r.ProfitMarginPct,
	}
}

type UpdateLinesRequest struct {
	Components []LineRequestDTO `json:"components"`
}

type ChangeStatusRequest struct {
	Status domain.OrderStatus `json:"status"`
}

type StatusChangeDTO struct {
	Order      OrderDTO           `json:"order"`
	OldStatus  domain.OrderStatus `json:"old_status"`
	Multiplier int                `json:"multiplier"`
	Quantities map[string]int     `json:"quantities,omitempty"`
}

type DraftDTO struct {
	ID              string                 `json:"id"`
	SourceUnitID    string                 `json:"source_unit_id,omitempty"`
	Selections      map[domain.Slot]string `json:"selections"`
	ProfitMarginPct decimal.Decimal        `json:"profit_margin_pct"`
}

func draftDTO(d domain.Draft) DraftDTO {
	return DraftDTO{
		ID:              d.ID,
		SourceUnitID:    d.SourceUnitID,
		Selections:      d.Selections,
		ProfitMarginPct: d.ProfitMarginPct,
	}
}

type NewDraftRequest struct {
	ProfitMarginPct *decimal.Decimal `json:"profit_margin_pct,omitempty"`
}

type SelectRequest struct {
	Slot   domain.Slot `json:"slot"`
	ItemID string      `json:"item_id"`
}

type FinalizedDTO struct {
	Components []domain.Component `json:"components"`
	Quote      domain.Quote       `json:"quote"`
}

type AssembleRequest struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

type UnitDTO struct {
	ID              string             `json:"id"`
	Name            string             `json:"name"`
	Components      []domain.Component `json:"components"`
	Quantity        int                `json:"quantity"`
	CostPrice       decimal.Decimal    `json:"cost_price"`
	ProfitMarginPct decimal.Decimal    `json:"profit_margin_pct"`
	SuggestedPrice  decimal.Decimal    `json:"suggested_price"`
	Version         int                `json:"version"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

func unitDTO(u domain.AssembledUnit) UnitDTO {
	return UnitDTO{
		ID:              u.ID,
		Name:            u.Name,
		Components:      u.Components,
		Quantity:        u.Quantity,
		CostPrice:       u.CostPrice,
		ProfitMarginPct: u.ProfitMarginPct,
		SuggestedPrice:  u.SuggestedPrice(),
		Version:         u.Version,
		UpdatedAt:       u.UpdatedAt,
	}
}
