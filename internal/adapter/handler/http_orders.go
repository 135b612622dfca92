package handler

import (
	"net/http"

	"github.com/rl1809/rigstock/internal/core/domain"
)

func (h *HTTPHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if !decode(w, r, &req) {
		return
	}
	if req.RequestID == "" {
		req.RequestID = r.Header.Get(requestHeader)
	}

	order, err := h.orders.CreateOrder(r.Context(), req.toService())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusCreated, orderDTO(*order))
}

func (h *HTTPHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, orderDTO(*order))
}

func (h *HTTPHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.orders.ListOrders(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := domain.OrderStatus(r.URL.Query().Get("status"))
	out := make([]OrderDTO, 0, len(orders))
	for _, o := range orders {
		if status != "" && o.Status != status {
			continue
		}
		out = append(out, orderDTO(o))
	}
	ok(w, http.StatusOK, out)
}

func (h *HTTPHandler) UpdateOrderLines(w http.ResponseWriter, r *http.Request) {
	var req UpdateLinesRequest
	if !decode(w, r, &req) {
		return
	}
	order, err := h.orders.UpdateOrderLines(r.Context(), r.PathValue("id"), lineRequests(req.Components))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, orderDTO(*order))
}

func (h *HTTPHandler) ChangeStatus(w http.ResponseWriter, r *http.Request) {
	var req ChangeStatusRequest
	if !decode(w, r, &req) {
		return
	}
	change, err := h.orders.ChangeStatus(r.Context(), r.PathValue("id"), req.Status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, StatusChangeDTO{
		Order:      orderDTO(change.Order),
		OldStatus:  change.OldStatus,
		Multiplier: change.Multiplier,
		Quantities: change.Quantities,
	})
}

func (h *HTTPHandler) DeleteOrder(w http.ResponseWriter, r *http.Request) {
	if err := h.orders.DeleteOrder(r.Context(), r.PathValue("id")); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "order deleted"})
}
