package handler

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/rl1809/rigstock/internal/core/domain"
)

// StockSnapshot returns the newest published quantity per record. It may lag
// commits still being published and is meant for previews, not decisions.
func (h *HTTPHandler) StockSnapshot(w http.ResponseWriter, r *http.Request) {
	companyID, err := domain.CompanyFromContext(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	snap, err := h.stock.Snapshot(r.Context(), companyID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, snap)
}

// StreamStock pushes published quantities as server-sent events until the
// client goes away. The first event is the current snapshot.
func (h *HTTPHandler) StreamStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	companyID, err := domain.CompanyFromContext(ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	updates, err := h.stock.SubscribeStock(ctx, companyID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	snap, err := h.stock.Snapshot(ctx, companyID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	send := func(quantities map[string]int) error {
		data, err := json.Marshal(quantities)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: stock\ndata: %s\n\n", data); err != nil {
			return err
		}
		return rc.Flush()
	}

	if err := send(snap); err != nil {
		return
	}
	for quantities := range updates {
		if err := send(quantities); err != nil {
			h.logger.Debug("stock stream closed", zap.String("company_id", companyID), zap.Error(err))
			return
		}
	}
}
