package handler

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/rl1809/rigstock/internal/adapter/storage"
	"github.com/rl1809/rigstock/internal/core/domain"
	"github.com/rl1809/rigstock/internal/core/service"
)

func newGRPCClient(t *testing.T) (*OrderServiceClient, *service.InventoryService) {
	t.Helper()
	store, err := storage.NewMemoryStore(time.Hour)
	require.NoError(t, err)

	opts := service.Options{RetryBaseDelay: time.Millisecond, DefaultMarginPct: decimal.NewFromInt(20)}
	orders := service.NewOrderService(store, store, nil, zap.NewNop(), opts)
	inventory := service.NewInventoryService(store, store, zap.NewNop(), opts)

	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer(grpc.UnaryInterceptor(CompanyInterceptor))
	RegisterOrderServiceServer(server, NewGRPCHandler(orders, zap.NewNop()))
	go server.Serve(lis)
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewOrderServiceClient(conn), inventory
}

func grpcCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return metadata.AppendToOutgoingContext(ctx, companyMetadataKey, company)
}

func TestGRPC_CreateShipAndGet(t *testing.T) {
	client, inventory := newGRPCClient(t)
	_, err := inventory.UpsertItem(domain.WithCompany(context.Background(), company), domain.InventoryItem{
		ID: "cpu1", SKU: "CPU-1", Category: domain.CategoryCPU, Quantity: 4,
		UnitCost: decimal.NewFromInt(250), Attributes: domain.CPUAttributes{Socket: "AM5", Draw: 105},
	})
	require.NoError(t, err)

	ctx := grpcCtx(t)
	created, err := client.CreateOrder(ctx, &GRPCCreateOrderRequest{
		ClientRef:  "walk-in",
		Components: []LineRequestDTO{{ItemID: "cpu1", Quantity: 3}},
	})
	require.NoError(t, err)
	assert.Equal(t, "750", created.Order.CostTotal.String())
	assert.Equal(t, "900", created.Order.SuggestedPrice.String())

	changed, err := client.ChangeStatus(ctx, &GRPCChangeStatusRequest{OrderID: created.Order.ID, NewStatus: "shipped"})
	require.NoError(t, err)
	assert.Equal(t, "pending", changed.OldStatus)
	assert.Equal(t, -1, changed.Multiplier)
	assert.Equal(t, map[string]int{"cpu1": 1}, changed.Quantities)

	got, err := client.GetOrder(ctx, &GRPCGetOrderRequest{OrderID: created.Order.ID})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusShipped, got.Order.Status)
	assert.NotNil(t, got.Order.FulfilledAt)
}

func TestGRPC_ErrorCodes(t *testing.T) {
	client, inventory := newGRPCClient(t)
	_, err := inventory.UpsertItem(domain.WithCompany(context.Background(), company), domain.InventoryItem{
		ID: "gpu1", SKU: "GPU-1", Category: domain.CategoryGPU, Quantity: 1,
		UnitCost: decimal.NewFromInt(500), Attributes: domain.GenericAttributes{Kind: domain.CategoryGPU, Draw: 200},
	})
	require.NoError(t, err)
	ctx := grpcCtx(t)

	big, err := client.CreateOrder(ctx, &GRPCCreateOrderRequest{
		ClientRef:  "c",
		Components: []LineRequestDTO{{ItemID: "gpu1", Quantity: 2}},
	})
	require.NoError(t, err)

	_, err = client.ChangeStatus(ctx, &GRPCChangeStatusRequest{OrderID: big.Order.ID, NewStatus: "delivered"})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	_, err = client.GetOrder(ctx, &GRPCGetOrderRequest{OrderID: "missing"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.CreateOrder(ctx, &GRPCCreateOrderRequest{ClientRef: "c"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	req := &GRPCCreateOrderRequest{RequestID: "r-1", ClientRef: "c", Components: []LineRequestDTO{{ItemID: "gpu1", Quantity: 1}}}
	_, err = client.CreateOrder(ctx, req)
	require.NoError(t, err)
	_, err = client.CreateOrder(ctx, req)
	assert.Equal(t, codes.AlreadyExists, status.Code(err))

	noCompany, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = client.GetOrder(noCompany, &GRPCGetOrderRequest{OrderID: big.Order.ID})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}
