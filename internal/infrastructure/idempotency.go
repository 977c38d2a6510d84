package infrastructure

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyKey derives the short window replay key for one message inside a webhook delivery.
func IdempotencyKey(tenantID, instanceID, messageID string, index int) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{tenantID, instanceID, messageID, strconv.Itoa(index)}, "|")))
	return hex.EncodeToString(sum[:])
}

// IdempotencyGuard suppresses webhook replays inside a short window.
type IdempotencyGuard interface {
	// Claim returns true the first time key is seen within ttl.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release forgets key so a failed delivery can be retried.
	Release(ctx context.Context, key string) error
}

// MemoryIdempotencyGuard keeps claims in a process local DedupeStore.
type MemoryIdempotencyGuard struct {
	store *DedupeStore
	now   func() time.Time
}

func NewMemoryIdempotencyGuard(maxEntries int) *MemoryIdempotencyGuard {
	return &MemoryIdempotencyGuard{
		store: NewDedupeStore(maxEntries),
		now:   time.Now,
	}
}

func (g *MemoryIdempotencyGuard) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	return g.store.TryRegister(key, g.now(), ttl), nil
}

func (g *MemoryIdempotencyGuard) Release(_ context.Context, key string) error {
	g.store.Forget(key)
	return nil
}

// RedisIdempotencyGuard shares claims across replicas with SET NX PX.
type RedisIdempotencyGuard struct {
	client *redis.Client
	prefix string
}

func NewRedisIdempotencyGuard(client *redis.Client) *RedisIdempotencyGuard {
	return &RedisIdempotencyGuard{client: client, prefix: "whatsapp:idem:"}
}

func (g *RedisIdempotencyGuard) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.prefix+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim idempotency key: %w", err)
	}
	return ok, nil
}

func (g *RedisIdempotencyGuard) Release(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, g.prefix+key).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// NewRedisClient connects to addr and verifies the connection.
func NewRedisClient(ctx context.Context, addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("unable to ping redis: %w", err)
	}
	return client, nil
}
