package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/rigstock/internal/adapter/storage"
	"github.com/rl1809/rigstock/internal/core/domain"
	"github.com/rl1809/rigstock/internal/core/service"
)

const (
	companyID     = "stress-co"
	itemID        = "gpu-rtx"
	initialStock  = 20
	totalRequests = 50
	maxAttempts   = 100
)

func main() {
	ctx := domain.WithCompany(context.Background(), companyID)

	store, err := storage.NewMemoryStore(0)
	if err != nil {
		log.Fatalf("failed to create store: %v", err)
	}
	opts := service.Options{MaxAttempts: maxAttempts, RetryBaseDelay: time.Millisecond}
	inventory := service.NewInventoryService(store, store, zap.NewNop(), opts)
	orders := service.NewOrderService(store, store, nil, zap.NewNop(), opts)

	if _, err := inventory.UpsertItem(ctx, domain.InventoryItem{
		ID:       itemID,
		SKU:      "RTX-4070",
		Name:     "GeForce RTX 4070",
		Category: domain.CategoryGPU,
		Quantity: initialStock,
		UnitCost: decimal.NewFromInt(550),
		Attributes: domain.GenericAttributes{
			Kind: domain.CategoryGPU,
			Draw: 200,
		},
	}); err != nil {
		log.Fatalf("failed to seed stock: %v", err)
	}

	// Every order is placed up front; only the Shipped transitions race.
	ids := make([]string, 0, totalRequests)
	for i := 0; i < totalRequests; i++ {
		o, err := orders.CreateOrder(ctx, service.CreateOrderRequest{
			ClientRef:  fmt.Sprintf("client-%d", i),
			Status:     domain.OrderStatusProcessing,
			Components: []service.LineRequest{{ItemID: itemID, Quantity: 1}},
		})
		if err != nil {
			log.Fatalf("failed to create order: %v", err)
		}
		ids = append(ids, o.ID)
	}

	// Counters
	var successCount, insufficientCount, exhaustedCount, otherCount atomic.Int32

	// Spawn concurrent transitions
	var wg sync.WaitGroup
	start := time.Now()

	for _, id := range ids {
		wg.Add(1)
		go func(orderID string) {
			defer wg.Done()

			_, err := orders.ChangeStatus(ctx, orderID, domain.OrderStatusShipped)
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				insufficientCount.Add(1)
			case errors.Is(err, domain.ErrRetryExhausted):
				exhaustedCount.Add(1)
			default:
				otherCount.Add(1)
			}
		}(id)
	}

	wg.Wait()
	elapsed := time.Since(start)

	item, err := inventory.GetItem(ctx, itemID)
	if err != nil {
		log.Fatalf("failed to read item: %v", err)
	}
	success := int(successCount.Load())

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:      %d\n", initialStock)
	fmt.Printf("Shipped Requests:   %d\n", totalRequests)
	fmt.Printf("Shipped:            %d\n", success)
	fmt.Printf("Insufficient Stock: %d\n", insufficientCount.Load())
	fmt.Printf("Retries Exhausted:  %d\n", exhaustedCount.Load())
	fmt.Printf("Other Errors:       %d\n", otherCount.Load())
	fmt.Printf("Final Stock:        %d\n", item.Quantity)
	fmt.Printf("Duration:           %v\n", elapsed)
	fmt.Println("==========================================")

	if success <= initialStock && item.Quantity == initialStock-success && item.Quantity >= 0 {
		fmt.Printf("PASS: no oversell, %d shipped and stock is %d\n", success, item.Quantity)
	} else {
		fmt.Printf("FAIL: %d shipped but stock is %d\n", success, item.Quantity)
	}
}
