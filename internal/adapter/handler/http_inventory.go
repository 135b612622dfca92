package handler

import (
	"net/http"

	"github.com/rl1809/rigstock/internal/core/domain"
)

func (h *HTTPHandler) ListItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.inventory.ListItems(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	level := domain.StockLevel(r.URL.Query().Get("level"))
	if level != "" {
		kept := items[:0]
		for _, it := range items {
			if it.Level() == level {
				kept = append(kept, it)
			}
		}
		items = kept
	}
	ok(w, http.StatusOK, itemDTOs(items))
}

func (h *HTTPHandler) GetItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.inventory.GetItem(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, itemDTO(*item))
}

// UpsertItem validates the raw attribute bag against the category before the
// item reaches the core.
func (h *HTTPHandler) UpsertItem(w http.ResponseWriter, r *http.Request) {
	var req UpsertItemRequest
	if !decode(w, r, &req) {
		return
	}
	attrs, err := domain.ParseAttributes(req.Category, req.Attributes)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	item, err := h.inventory.UpsertItem(r.Context(), domain.InventoryItem{
		ID:            r.PathValue("id"),
		SKU:           req.SKU,
		Name:          req.Name,
		Category:      req.Category,
		Quantity:      req.Quantity,
		MinStock:      req.MinStock,
		CriticalStock: req.CriticalStock,
		UnitCost:      req.UnitCost,
		Attributes:    attrs,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, itemDTO(*item))
}

func (h *HTTPHandler) ReceiveStock(w http.ResponseWriter, r *http.Request) {
	var req ReceiveStockRequest
	if !decode(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	qty, err := h.inventory.ReceiveStock(r.Context(), id, req.Quantity)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, map[string]int{id: qty})
}
