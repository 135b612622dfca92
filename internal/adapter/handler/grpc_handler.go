package handler

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/rl1809/rigstock/internal/core/domain"
	"github.com/rl1809/rigstock/internal/core/service"
)

const companyMetadataKey = "x-company-id"

type GRPCHandler struct {
	orderService *service.OrderService
	logger       *zap.Logger
}

func NewGRPCHandler(orderService *service.OrderService, logger *zap.Logger) *GRPCHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCHandler{orderService: orderService, logger: logger}
}

// CompanyInterceptor copies the x-company-id metadata into the context.
func CompanyInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(companyMetadataKey); len(ids) > 0 && ids[0] != "" {
			ctx = domain.WithCompany(ctx, ids[0])
		}
	}
	return handler(ctx, req)
}

func (h *GRPCHandler) CreateOrder(ctx context.Context, req *GRPCCreateOrderRequest) (*GRPCOrderReply, error) {
	order, err := h.orderService.CreateOrder(ctx, service.CreateOrderRequest{
		RequestID:       req.RequestID,
		ClientRef:       req.ClientRef,
		Status:          domain.OrderStatus(req.Status),
		Notes:           req.Notes,
		Components:      lineRequests(req.Components),
		AssembledUnitID: req.AssembledUnitID,
	})
	if err != nil {
		return nil, h.grpcError(err)
	}
	return &GRPCOrderReply{Order: orderDTO(*order)}, nil
}

func (h *GRPCHandler) ChangeStatus(ctx context.Context, req *GRPCChangeStatusRequest) (*GRPCChangeStatusReply, error) {
	change, err := h.orderService.ChangeStatus(ctx, req.OrderID, domain.OrderStatus(req.NewStatus))
	if err != nil {
		return nil, h.grpcError(err)
	}
	return &GRPCChangeStatusReply{
		Order:      orderDTO(change.Order),
		OldStatus:  string(change.OldStatus),
		Multiplier: change.Multiplier,
		Quantities: change.Quantities,
	}, nil
}

func (h *GRPCHandler) GetOrder(ctx context.Context, req *GRPCGetOrderRequest) (*GRPCOrderReply, error) {
	order, err := h.orderService.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, h.grpcError(err)
	}
	return &GRPCOrderReply{Order: orderDTO(*order)}, nil
}

func (h *GRPCHandler) grpcError(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrIncompatible):
		code = codes.InvalidArgument
	case errors.Is(err, domain.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, domain.ErrInsufficientStock), errors.Is(err, domain.ErrTerminalState):
		code = codes.FailedPrecondition
	case errors.Is(err, domain.ErrDuplicateRequest):
		code = codes.AlreadyExists
	case errors.Is(err, domain.ErrRetryExhausted), errors.Is(err, domain.ErrConflict):
		code = codes.Unavailable
	default:
		h.logger.Error("grpc request failed", zap.Error(err))
		return status.Error(codes.Internal, "internal error")
	}
	return status.Error(code, err.Error())
}
