package revoke

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "sleepplanet:revoked:"

// Redis is a deny-list shared by every API replica. Keys expire with the token.
type Redis struct {
	client redis.Cmdable
	prefix string
	clock  func() time.Time
}

type RedisOption func(*Redis)

func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

func WithRedisClock(fn func() time.Time) RedisOption {
	return func(r *Redis) {
		if fn != nil {
			r.clock = fn
		}
	}
}

func NewRedis(client redis.Cmdable, opts ...RedisOption) *Redis {
	r := &Redis{client: client, prefix: defaultPrefix, clock: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) key(id string) string { return r.prefix + id }

func (r *Redis) Revoke(ctx context.Context, tokenID string, until time.Time) error {
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" {
		return errEmptyID
	}
	ttl := until.Sub(r.clock())
	if ttl <= 0 {
		return nil
	}
	return r.client.Set(ctx, r.key(tokenID), until.UTC().Format(time.RFC3339), ttl).Err()
}

func (r *Redis) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	err := r.client.Get(ctx, r.key(tokenID)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Ping checks connectivity for readiness probes.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
