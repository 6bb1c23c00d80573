package replay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const keyPrefix = "billing:webhook:seen:"

// Guard remembers fully processed callback deliveries. It is an optimization
// only; callers must treat errors as a cache miss.
type Guard interface {
	Seen(ctx context.Context, fingerprint string) (bool, error)
	Remember(ctx context.Context, fingerprint string) error
}

// Fingerprint identifies one delivery by provider and exact payload bytes.
func Fingerprint(provider string, payload []byte) string {
	h := sha256.New()
	_, _ = h.Write([]byte(provider))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

type RedisGuard struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisGuard(client redis.Cmdable, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisGuard{client: client, ttl: ttl}
}

func (g *RedisGuard) Seen(ctx context.Context, fingerprint string) (bool, error) {
	if g == nil || g.client == nil {
		return false, errors.New("replay guard not configured")
	}
	n, err := g.client.Exists(ctx, keyPrefix+fingerprint).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (g *RedisGuard) Remember(ctx context.Context, fingerprint string) error {
	if g == nil || g.client == nil {
		return errors.New("replay guard not configured")
	}
	return g.client.Set(ctx, keyPrefix+fingerprint, "1", g.ttl).Err()
}

// NopGuard never reports a delivery as seen.
type NopGuard struct{}

func (NopGuard) Seen(context.Context, string) (bool, error) { return false, nil }

func (NopGuard) Remember(context.Context, string) error { return nil }
