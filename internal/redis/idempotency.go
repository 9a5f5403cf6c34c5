package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// IdempotencyTTL retains a client-provided enqueue key long enough to
	// dedupe explicit re-sends.
	IdempotencyTTL = 24 * time.Hour

	// processingTTL is the lock duration while an enqueue is in flight.
	processingTTL = 5 * time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest indicates an idempotency key collision while the
// original request is still in flight.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key already exists")

// IdempotencyResult caches what a previous enqueue returned, so a retried
// request sees the same group id instead of creating duplicate jobs.
type IdempotencyResult struct {
	GroupID    string `json:"group_id"`
	StatusCode int    `json:"status_code"`
	CreatedAt  int64  `json:"created_at"`
}

// IdempotencyService deduplicates enqueue requests per app using Redis.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

// NewIdempotencyService creates an idempotency service.
func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{client: client, logger: logger}
}

func (s *IdempotencyService) buildKey(appID, idempotencyKey string) string {
	return fmt.Sprintf("enqueue:%s:%s", appID, idempotencyKey)
}

// Check retrieves a cached result. Returns (nil, nil) when the key is
// unknown and ErrDuplicateRequest when the key is still being processed.
func (s *IdempotencyService) Check(ctx context.Context, appID, idempotencyKey string) (*IdempotencyResult, error) {
	key := s.buildKey(appID, idempotencyKey)

	val, err := s.client.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var result IdempotencyResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("unmarshaling idempotency result failed", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	s.logger.Debug("idempotency cache hit",
		zap.String("app_id", appID),
		zap.String("group_id", result.GroupID),
	)
	return &result, nil
}

// Store saves the result of a completed enqueue under its key.
func (s *IdempotencyService) Store(ctx context.Context, appID, idempotencyKey string, result *IdempotencyResult) error {
	key := s.buildKey(appID, idempotencyKey)

	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}
	if err := s.client.rdb.Set(ctx, key, data, IdempotencyTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Reserve acquires the in-flight lock with SET NX. Returns false when the
// key already exists.
func (s *IdempotencyService) Reserve(ctx context.Context, appID, idempotencyKey string) (bool, error) {
	key := s.buildKey(appID, idempotencyKey)

	set, err := s.client.rdb.SetNX(ctx, key, processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return set, nil
}

// CheckOrReserve returns the cached result if present, otherwise reserves
// the key for this request. A nil result with a nil error means the caller
// owns the key and should process the enqueue.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, appID, idempotencyKey string) (*IdempotencyResult, error) {
	result, err := s.Check(ctx, appID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	reserved, err := s.Reserve(ctx, appID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if !reserved {
		return nil, ErrDuplicateRequest
	}
	return nil, nil
}
