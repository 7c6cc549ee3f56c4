package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/juan-silveira/coinage-sub004/internal/domain/model"
)

// ErrZeroTTL rejects writes without an explicit expiry. Every key in the
// shared cache must carry a TTL; an unexpiring balance entry would keep
// serving dead data long after the user stopped polling.
var ErrZeroTTL = errors.New("redis: write requires a positive TTL")

// Entry is the envelope stored under every key.
type Entry struct {
	Payload    json.RawMessage `json:"payload"`
	CachedAt   time.Time       `json:"cached_at"`
	TTLSeconds int             `json:"ttl_seconds"`
}

// Cache wraps a Redis client behind the namespaced-key, TTL-always
// discipline the engine requires.
type Cache struct {
	client     *redis.Client
	balanceTTL time.Duration
	logger     *slog.Logger
}

// New connects to Redis and verifies the connection.
func New(url string, balanceTTL time.Duration, logger *slog.Logger) (*Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Cache{
		client:     client,
		balanceTTL: balanceTTL,
		logger:     logger.With("component", "shared_cache"),
	}, nil
}

func (c *Cache) Close() error {
	return c.client.Close()
}

// Key builds a namespaced, hierarchical key: scope:entity:attribute.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// SnapshotKey is the key holding a user's balance snapshot on one network.
func SnapshotKey(userID string, network model.Network) string {
	return Key("balance", "user", userID, string(network))
}

// Get reads the envelope under key. Absence is (nil, nil).
func (c *Cache) Get(ctx context.Context, key string) (*Entry, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		// A corrupt envelope is as useless as a missing one. Drop it so the
		// next authoritative write replaces it.
		c.logger.Warn("corrupt cache entry dropped", "key", key, "error", err)
		_ = c.client.Del(ctx, key).Err()
		return nil, nil
	}
	return &entry, nil
}

// Set writes payload under key with an explicit TTL.
func (c *Cache) Set(ctx context.Context, key string, payload any, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrZeroTTL
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal cache payload: %w", err)
	}
	entry := Entry{
		Payload:    body,
		CachedAt:   time.Now().UTC(),
		TTLSeconds: int(ttl / time.Second),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete removes a key. Missing keys are not an error.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// GetSnapshot implements store.SnapshotCache.
func (c *Cache) GetSnapshot(ctx context.Context, userID string, network model.Network) (*model.BalanceSnapshot, error) {
	entry, err := c.Get(ctx, SnapshotKey(userID, network))
	if err != nil || entry == nil {
		return nil, err
	}

	var snap model.BalanceSnapshot
	if err := json.Unmarshal(entry.Payload, &snap); err != nil {
		return nil, fmt.Errorf("decode cached snapshot: %w", err)
	}
	snap.Provenance = model.ProvenanceSharedCache
	return &snap, nil
}

// PutSnapshot implements store.SnapshotCache. Stored provenance is
// irrelevant: GetSnapshot re-tags every read as shared_cache.
func (c *Cache) PutSnapshot(ctx context.Context, snapshot *model.BalanceSnapshot) error {
	return c.Set(ctx, SnapshotKey(snapshot.UserID, snapshot.Network), snapshot, c.balanceTTL)
}

// DeleteSnapshot implements store.SnapshotCache.
func (c *Cache) DeleteSnapshot(ctx context.Context, userID string, network model.Network) error {
	return c.Delete(ctx, SnapshotKey(userID, network))
}
