package handler

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// JSONCodecName is the content subtype the order service speaks. Messages are
// plain structs, so there is no generated protobuf code to keep in sync.
const JSONCodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return JSONCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type GRPCCreateOrderRequest struct {
	RequestID       string           `json:"request_id,omitempty"`
	ClientRef       string           `json:"client_ref"`
	Status          string           `json:"status,omitempty"`
	Notes           string           `json:"notes,omitempty"`
	Components      []LineRequestDTO `json:"components,omitempty"`
	AssembledUnitID string           `json:"assembled_unit_id,omitempty"`
}

type GRPCChangeStatusRequest struct {
	OrderID   string `json:"order_id"`
	NewStatus string `json:"new_status"`
}

type GRPCGetOrderRequest struct {
	OrderID string `json:"order_id"`
}

type GRPCOrderReply struct {
	Order OrderDTO `json:"order"`
}

type GRPCChangeStatusReply struct {
	Order      OrderDTO       `json:"order"`
	OldStatus  string         `json:"old_status"`
	Multiplier int            `json:"multiplier"`
	Quantities map[string]int `json:"quantities,omitempty"`
}

type OrderServiceServer interface {
	CreateOrder(ctx context.Context, req *GRPCCreateOrderRequest) (*GRPCOrderReply, error)
	ChangeStatus(ctx context.Context, req *GRPCChangeStatusRequest) (*GRPCChangeStatusReply, error)
	GetOrder(ctx context.Context, req *GRPCGetOrderRequest) (*GRPCOrderReply, error)
}

func RegisterOrderServiceServer(s grpc.ServiceRegistrar, srv OrderServiceServer) {
	s.RegisterService(&orderServiceDesc, srv)
}

func unaryHandler[Req any](method string, call func(srv OrderServiceServer, ctx context.Context, req *Req) (interface{}, error)) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(OrderServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(OrderServiceServer), ctx, req.(*Req))
		})
	}
}

const (
	createOrderMethod  = "/rigstock.OrderService/CreateOrder"
	changeStatusMethod = "/rigstock.OrderService/ChangeStatus"
	getOrderMethod     = "/rigstock.OrderService/GetOrder"
)

var orderServiceDesc = grpc.ServiceDesc{
	ServiceName: "rigstock.OrderService",
	HandlerType: (*OrderServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "CreateOrder",
			Handler: unaryHandler(createOrderMethod, func(srv OrderServiceServer, ctx context.Context, req *GRPCCreateOrderRequest) (interface{}, error) {
				return srv.CreateOrder(ctx, req)
			}),
		},
		{
			MethodName: "ChangeStatus",
			Handler: unaryHandler(changeStatusMethod, func(srv OrderServiceServer, ctx context.Context, req *GRPCChangeStatusRequest) (interface{}, error) {
				return srv.ChangeStatus(ctx, req)
			}),
		},
		{
			MethodName: "GetOrder",
			Handler: unaryHandler(getOrderMethod, func(srv OrderServiceServer, ctx context.Context, req *GRPCGetOrderRequest) (interface{}, error) {
				return srv.GetOrder(ctx, req)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rigstock/order_service",
}

// OrderServiceClient calls rigstock.OrderService with the JSON codec.
type OrderServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewOrderServiceClient(cc grpc.ClientConnInterface) *OrderServiceClient {
	return &OrderServiceClient{cc: cc}
}

func (c *OrderServiceClient) CreateOrder(ctx context.Context, in *GRPCCreateOrderRequest, opts ...grpc.CallOption) (*GRPCOrderReply, error) {
	out := new(GRPCOrderReply)
	opts = append(opts, grpc.CallContentSubtype(JSONCodecName))
	if err := c.cc.Invoke(ctx, createOrderMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OrderServiceClient) ChangeStatus(ctx context.Context, in *GRPCChangeStatusRequest, opts ...grpc.CallOption) (*GRPCChangeStatusReply, error) {
	out := new(GRPCChangeStatusReply)
	opts = append(opts, grpc.CallContentSubtype(JSONCodecName))
	if err := c.cc.Invoke(ctx, changeStatusMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OrderServiceClient) GetOrder(ctx context.Context, in *GRPCGetOrderRequest, opts ...grpc.CallOption) (*GRPCOrderReply, error) {
	out := new(GRPCOrderReply)
	opts = append(opts, grpc.CallContentSubtype(JSONCodecName))
	if err := c.cc.Invoke(ctx, getOrderMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
