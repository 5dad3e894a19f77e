package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultClaimTTL = 2 * time.Minute

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisCache struct {
	rdb      *redis.Client
	ttl      time.Duration
	claimTTL time.Duration
}

var _ DispatchGuard = (*RedisCache)(nil)

func NewRedisCache(rdb *redis.Client, ttl, claimTTL time.Duration) *RedisCache {
	if claimTTL <= 0 {
		claimTTL = defaultClaimTTL
	}
	return &RedisCache{rdb: rdb, ttl: ttl, claimTTL: claimTTL}
}

func claimKey(enrollmentID int64, stepOrder int) string {
	return fmt.Sprintf("seq:claim:%d:%d", enrollmentID, stepOrder)
}

// Claim takes a short-lived lock on (enrollment, step). It returns
// ErrClaimed when someone else holds it.
func (c *RedisCache) Claim(ctx context.Context, enrollmentID int64, stepOrder int) (string, error) {
	token := uuid.NewString()
	ok, err := c.rdb.SetNX(ctx, claimKey(enrollmentID, stepOrder), token, c.claimTTL).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrClaimed
	}
	return token, nil
}

// Release drops the claim only if token still owns it.
func (c *RedisCache) Release(ctx context.Context, enrollmentID int64, stepOrder int, token string) error {
	if token == "" {
		return nil
	}
	err := releaseScript.Run(ctx, c.rdb, []string{claimKey(enrollmentID, stepOrder)}, token).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

type sentValue struct {
	RemoteMessageID string    `json:"remoteMessageId"`
	SentAt          time.Time `json:"sentAt"`
}

func (c *RedisCache) StoreSent(ctx context.Context, recordID, remoteMessageID string, sentAt time.Time) error {
	key := "msg:" + recordID
	val := sentValue{
		RemoteMessageID: remoteMessageID,
		SentAt:          sentAt.UTC(),
	}

	b, err := json.Marshal(val)
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, key, b, c.ttl).Err()
}
