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
	// IdempotencyTTL is how long a completed reminder creation is replayed.
	IdempotencyTTL = 24 * time.Hour

	// processingTTL bounds a reservation whose request never completed.
	processingTTL = time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest means the key is reserved by a request still in flight.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key is in use")

// IdempotencyResult is the response recorded for a completed request.
type IdempotencyResult struct {
	ReminderID string          `json:"reminder_id"`
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body"`
	CreatedAt  int64           `json:"created_at"`
}

// IdempotencyService makes POST /v1/reminders safe to retry. Keys are scoped
// per owner so two users can pick the same Idempotency-Key.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
	}
}

func (s *IdempotencyService) buildKey(ownerID, idempotencyKey string) string {
	return fmt.Sprintf("notekeeper:idempotency:%s:%s", ownerID, idempotencyKey)
}

// Check returns (nil, nil) when the key is unknown, the recorded result when
// the request completed, or ErrDuplicateRequest while it is still running.
func (s *IdempotencyService) Check(ctx context.Context, ownerID, idempotencyKey string) (*IdempotencyResult, error) {
	val, err := s.client.rdb.Get(ctx, s.buildKey(ownerID, idempotencyKey)).Result()
	if errors.Is(err, redis.Nil) {
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
		s.logger.Error("failed to unmarshal idempotency result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	s.logger.Debug("idempotency cache hit",
		zap.String("user_id", ownerID),
		zap.String("reminder_id", result.ReminderID),
	)

	return &result, nil
}

// Reserve marks the key as in flight. It reports false if the key exists.
func (s *IdempotencyService) Reserve(ctx context.Context, ownerID, idempotencyKey string) (bool, error) {
	set, err := s.client.rdb.SetNX(ctx, s.buildKey(ownerID, idempotencyKey), processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return set, nil
}

// CheckOrReserve returns a recorded result, or reserves the key and returns
// (nil, nil) so the caller proceeds.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, ownerID, idempotencyKey string) (*IdempotencyResult, error) {
	result, err := s.Check(ctx, ownerID, idempotencyKey)
	if err != nil || result != nil {
		return result, err
	}

	reserved, err := s.Reserve(ctx, ownerID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if !reserved {
		return nil, ErrDuplicateRequest
	}

	return nil, nil
}

// Store records the response of a completed request, replacing the reservation.
func (s *IdempotencyService) Store(ctx context.Context, ownerID, idempotencyKey string, result *IdempotencyResult) error {
	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, s.buildKey(ownerID, idempotencyKey), data, IdempotencyTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

// Release drops a reservation after a request failed, so the client may retry.
func (s *IdempotencyService) Release(ctx context.Context, ownerID, idempotencyKey string) error {
	if err := s.client.rdb.Del(ctx, s.buildKey(ownerID, idempotencyKey)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
