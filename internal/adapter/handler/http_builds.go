package handler

import (
	"net/http"

	"github.com/rl1809/rigstock/internal/core/domain"
	"github.com/rl1809/rigstock/internal/core/service"
)

func (h *HTTPHandler) NewDraft(w http.ResponseWriter, r *http.Request) {
	var req NewDraftRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	draft, err := h.builds.NewDraft(r.Context(), req.ProfitMarginPct)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusCreated, draftDTO(*draft))
}

func (h *HTTPHandler) DraftFromUnit(w http.ResponseWriter, r *http.Request) {
	draft, err := h.builds.DraftFromUnit(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusCreated, draftDTO(*draft))
}

func (h *HTTPHandler) SelectComponent(w http.ResponseWriter, r *http.Request) {
	var req SelectRequest
	if !decode(w, r, &req) {
		return
	}
	quote, err := h.builds.Select(r.Context(), r.PathValue("id"), req.Slot, req.ItemID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, quote)
}

func (h *HTTPHandler) ClearSlot(w http.ResponseWriter, r *http.Request) {
	quote, err := h.builds.Clear(r.Context(), r.PathValue("id"), domain.Slot(r.PathValue("slot")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, quote)
}

func (h *HTTPHandler) Candidates(w http.ResponseWriter, r *http.Request) {
	items, err := h.builds.Candidates(r.Context(), r.PathValue("id"), domain.Slot(r.PathValue("slot")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, itemDTOs(items))
}

func (h *HTTPHandler) Quote(w http.ResponseWriter, r *http.Request) {
	quote, err := h.builds.Quote(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, quote)
}

func (h *HTTPHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	fin, err := h.builds.Finalize(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, FinalizedDTO{Components: fin.Components, Quote: fin.Quote})
}

func (h *HTTPHandler) DiscardDraft(w http.ResponseWriter, r *http.Request) {
	if err := h.builds.Discard(r.Context(), r.PathValue("id")); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "draft discarded"})
}

func (h *HTTPHandler) Assemble(w http.ResponseWriter, r *http.Request) {
	var req AssembleRequest
	if !decode(w, r, &req) {
		return
	}
	unit, err := h.units.Assemble(r.Context(), service.AssembleRequest{
		DraftID:  r.PathValue("id"),
		Name:     req.Name,
		Quantity: req.Quantity,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusCreated, unitDTO(*unit))
}

func (h *HTTPHandler) ListUnits(w http.ResponseWriter, r *http.Request) {
	units, err := h.units.ListUnits(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]UnitDTO, 0, len(units))
	for _, u := range units {
		out = append(out, unitDTO(u))
	}
	ok(w, http.StatusOK, out)
}

func (h *HTTPHandler) GetUnit(w http.ResponseWriter, r *http.Request) {
	unit, err := h.units.GetUnit(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, unitDTO(*unit))
}
