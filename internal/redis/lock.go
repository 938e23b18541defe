package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the lease only if we still hold it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out expiring leases with SET NX PX.
type Locker struct {
	client *Client
	logger *zap.Logger
}

func NewLocker(client *Client, logger *zap.Logger) *Locker {
	return &Locker{client: client, logger: logger}
}

// TryLock takes the lease on key for ttl. ok is false when another holder
// has it. The returned unlock releases only this holder's lease.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	token := uuid.NewString()

	ok, err := l.client.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	unlock := func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, l.client.rdb, []string{key}, token).Int()
		if err != nil {
			return fmt.Errorf("release lease %s: %w", key, err)
		}
		if n == 0 {
			l.logger.Warn("lease expired before release", zap.String("key", key))
		}
		return nil
	}

	return unlock, true, nil
}
