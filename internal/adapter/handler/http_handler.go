package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/rigstock/internal/core/domain"
	"github.com/rl1809/rigstock/internal/core/service"
	"github.com/rl1809/rigstock/internal/port"
)

const (
	companyHeader = "X-Company-ID"
	requestHeader = "X-Request-ID"
)

type HTTPHandler struct {
	orders    *service.OrderService
	inventory *service.InventoryService
	builds    *service.BuildService
	units     *service.UnitService
	stock     port.StockFeed
	logger    *zap.Logger
}

// Response is the envelope every endpoint answers with. Code distinguishes
// each error kind so clients never parse Message.
type Response struct {
	Success bool        `json:"success"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// NewHTTPHandler wires the REST surface. stock may be nil, in which case the
// stock snapshot routes answer 404.
func NewHTTPHandler(orders *service.OrderService, inventory *service.InventoryService, builds *service.BuildService, units *service.UnitService, stock port.StockFeed, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{orders: orders, inventory: inventory, builds: builds, units: units, stock: stock, logger: logger}
}

// Routes returns the API mux wrapped in the company and access-log middleware.
func (h *HTTPHandler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.HealthCheck)

	mux.HandleFunc("POST /api/orders", h.CreateOrder)
	mux.HandleFunc("GET /api/orders", h.ListOrders)
	mux.HandleFunc("GET /api/orders/{id}", h.GetOrder)
	mux.HandleFunc("PUT /api/orders/{id}/lines", h.UpdateOrderLines)
	mux.HandleFunc("POST /api/orders/{id}/status", h.ChangeStatus)
	mux.HandleFunc("DELETE /api/orders/{id}", h.DeleteOrder)

	mux.HandleFunc("GET /api/inventory", h.ListItems)
	mux.HandleFunc("GET /api/inventory/{id}", h.GetItem)
	mux.HandleFunc("PUT /api/inventory/{id}", h.UpsertItem)
	mux.HandleFunc("POST /api/inventory/{id}/receive", h.ReceiveStock)

	if h.stock != nil {
		mux.HandleFunc("GET /api/stock", h.StockSnapshot)
		mux.HandleFunc("GET /api/stock/stream", h.StreamStock)
	}

	mux.HandleFunc("POST /api/builds", h.NewDraft)
	mux.HandleFunc("POST /api/builds/{id}/select", h.SelectComponent)
	mux.HandleFunc("DELETE /api/builds/{id}/slots/{slot}", h.ClearSlot)
	mux.HandleFunc("GET /api/builds/{id}/candidates/{slot}", h.Candidates)
	mux.HandleFunc("GET /api/builds/{id}/quote", h.Quote)
	mux.HandleFunc("POST /api/builds/{id}/finalize", h.Finalize)
	mux.HandleFunc("POST /api/builds/{id}/assemble", h.Assemble)
	mux.HandleFunc("DELETE /api/builds/{id}", h.DiscardDraft)

	mux.HandleFunc("GET /api/units", h.ListUnits)
	mux.HandleFunc("GET /api/units/{id}", h.GetUnit)
	mux.HandleFunc("POST /api/units/{id}/draft", h.DraftFromUnit)

	return h.accessLog(withCompany(mux))
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// withCompany scopes the request context to the caller's company. Requests
// without one reach the services, which reject them.
func withCompany(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get(companyHeader); id != "" {
			r = r.WithContext(domain.WithCompany(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying flusher.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func (h *HTTPHandler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{
			Success: false,
			Code:    "VALIDATION_ERROR",
			Message: "invalid request body",
		})
		return false
	}
	return true
}

func ok(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, Response{Success: true, Data: data})
}

// classify maps a service error onto its transport status and code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrIncompatible):
		return http.StatusBadRequest, "INCOMPATIBLE_BUILD"
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "VALIDATION_ERROR"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrInsufficientStock):
		return http.StatusConflict, "INSUFFICIENT_STOCK"
	case errors.Is(err, domain.ErrTerminalState):
		return http.StatusConflict, "TERMINAL_STATE"
	case errors.Is(err, domain.ErrDuplicateRequest):
		return http.StatusConflict, "DUPLICATE_REQUEST"
	case errors.Is(err, domain.ErrRetryExhausted), errors.Is(err, domain.ErrConflict):
		return http.StatusServiceUnavailable, "RETRY_EXHAUSTED"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func (h *HTTPHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	resp := Response{Success: false, Code: code, Message: err.Error()}

	var stockErr *domain.InsufficientStockError
	var incompatible *domain.IncompatibleError
	switch {
	case errors.As(err, &stockErr):
		resp.Data = map[string]interface{}{
			"item_id":   stockErr.ItemID,
			"available": stockErr.Available,
			"requested": stockErr.Requested,
		}
	case errors.As(err, &incompatible):
		resp.Data = map[string]interface{}{"issues": incompatible.Issues}
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		resp.Message = "internal error"
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
