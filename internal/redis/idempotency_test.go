package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := &Client{rdb: rdb, logger: zap.NewNop()}

	return client, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestIdempotencyService_NewRequest(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	result, err := svc.CheckOrReserve(ctx, "app-1", "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result for new request, got: %+v", result)
	}
}

func TestIdempotencyService_DuplicateInFlight(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "app-1", "key-1"); err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	if _, err := svc.CheckOrReserve(ctx, "app-1", "key-1"); err != ErrDuplicateRequest {
		t.Fatalf("expected ErrDuplicateRequest, got: %v", err)
	}
}

func TestIdempotencyService_CachedResult(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	stored := &IdempotencyResult{
		GroupID:    "group-123",
		StatusCode: 201,
		CreatedAt:  time.Now().Unix(),
	}
	if err := svc.Store(ctx, "app-1", "key-1", stored); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	result, err := svc.CheckOrReserve(ctx, "app-1", "key-1")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if result == nil || result.GroupID != "group-123" {
		t.Fatalf("expected cached group id, got: %+v", result)
	}
}

func TestIdempotencyService_KeysScopedPerApp(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "app-1", "key-1"); err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	// Same key under a different app is a different request.
	if _, err := svc.CheckOrReserve(ctx, "app-2", "key-1"); err != nil {
		t.Fatalf("second app should reserve independently: %v", err)
	}
}
