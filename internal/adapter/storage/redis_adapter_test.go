package storage

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/rl1809/rigstock/internal/core/domain"
)

func getRedisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func TestSetIdempotency_Success(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client, time.Minute)

	// Setup
	client.Del(ctx, "test-idem-key")

	// First call should succeed
	ok, err := adapter.SetIdempotency(ctx, "test-idem-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected first call to succeed")
	}

	// Second call should fail (key exists)
	ok, err = adapter.SetIdempotency(ctx, "test-idem-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected second call to fail")
	}

	// Released keys can be claimed again
	if err := adapter.ReleaseIdempotency(ctx, "test-idem-key"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	ok, _ = adapter.SetIdempotency(ctx, "test-idem-key")
	if !ok {
		t.Error("expected claim after release to succeed")
	}
	client.Del(ctx, "test-idem-key")
}

func TestSetIdempotency_Concurrent(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client, time.Minute)

	// Setup
	client.Del(ctx, "concurrent-idem-key")

	var successCount atomic.Int32
	var wg sync.WaitGroup
	concurrency := 100

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := adapter.SetIdempotency(ctx, "concurrent-idem-key")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if ok {
				successCount.Add(1)
			}
		}()
	}

	wg.Wait()

	// Only one should succeed
	if successCount.Load() != 1 {
		t.Errorf("expected exactly 1 success, got %d", successCount.Load())
	}
}

func TestPublishStock_SnapshotAndSubscribe(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	adapter := NewRedisAdapter(client, time.Minute)
	company := "test-" + uuid.NewString()[:8]
	defer client.Del(context.Background(), stockKeyPrefix+company, stockVersionPrefix+company)

	updates, err := adapter.SubscribeStock(ctx, company)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := adapter.PublishStock(ctx, company, domain.StockCounts{
		"gpu": {Quantity: 4, Version: 1},
		"cpu": {Quantity: 2, Version: 1},
	}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := adapter.PublishStock(ctx, company, domain.StockCounts{"gpu": {Quantity: 3, Version: 2}}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	snap, err := adapter.Snapshot(ctx, company)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if snap["gpu"] != 3 || snap["cpu"] != 2 {
		t.Errorf("unexpected snapshot: %v", snap)
	}

	select {
	case got := <-updates:
		if got["gpu"] != 4 {
			t.Errorf("expected first update gpu=4, got %v", got)
		}
	case <-ctx.Done():
		t.Fatal("no stock update received")
	}
}

func TestPublishStock_LatePublishDoesNotRegress(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client, time.Minute)
	company := "test-" + uuid.NewString()[:8]
	defer client.Del(ctx, stockKeyPrefix+company, stockVersionPrefix+company)

	// Two commits 5->3 (v2) and 3->1 (v3) publish out of order.
	if err := adapter.PublishStock(ctx, company, domain.StockCounts{"cpu1": {Quantity: 1, Version: 3}}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := adapter.PublishStock(ctx, company, domain.StockCounts{"cpu1": {Quantity: 3, Version: 2}}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	snap, err := adapter.Snapshot(ctx, company)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if snap["cpu1"] != 1 {
		t.Errorf("expected snapshot to keep the newest quantity 1, got %d", snap["cpu1"])
	}
}

func TestDrafts_RoundTripAndTTL(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client, 30*time.Second)

	draft := domain.Draft{
		ID:              uuid.NewString(),
		CompanyID:       "acme",
		Selections:      map[domain.Slot]string{domain.SlotCPU: "cpu-1", domain.SlotRAM: "ram-1"},
		ProfitMarginPct: decimal.NewFromInt(25),
		UpdatedAt:       time.Now().UTC(),
	}
	if err := adapter.SaveDraft(ctx, draft); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := adapter.GetDraft(ctx, draft.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got == nil || got.Selections[domain.SlotRAM] != "ram-1" || !got.ProfitMarginPct.Equal(draft.ProfitMarginPct) {
		t.Errorf("unexpected draft: %+v", got)
	}

	ttl := client.TTL(ctx, draftKeyPrefix+draft.ID).Val()
	if ttl <= 0 || ttl > 30*time.Second {
		t.Errorf("expected ttl within 30s, got %v", ttl)
	}

	if err := adapter.DeleteDraft(ctx, draft.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	got, err = adapter.GetDraft(ctx, draft.ID)
	if err != nil || got != nil {
		t.Errorf("expected no draft after delete, got %+v (%v)", got, err)
	}
}
