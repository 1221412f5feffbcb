package requisition

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DetailCache keeps serialized detail reads in Redis for a short TTL.
// Mutating handlers delete the key, so a successful transition is never
// followed by a stale read.
type DetailCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewDetailCache constructs DetailCache. A nil client disables caching.
func NewDetailCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *DetailCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &DetailCache{client: client, ttl: ttl, logger: logger}
}

func detailKey(id int64) string {
	return fmt.Sprintf("requisition:detail:%d", id)
}

// Get returns a cached detail, if present.
func (c *DetailCache) Get(ctx context.Context, id int64) (Detail, bool) {
	if c == nil || c.client == nil {
		return Detail{}, false
	}
	payload, err := c.client.Get(ctx, detailKey(id)).Bytes()
	if err != nil {
		return Detail{}, false
	}
	var detail Detail
	if err := json.Unmarshal(payload, &detail); err != nil {
		c.logger.Warn("decode cached detail", slog.Int64("requisition_id", id), slog.Any("error", err))
		_ = c.client.Del(ctx, detailKey(id)).Err()
		return Detail{}, false
	}
	return detail, true
}

// Set stores a detail read.
func (c *DetailCache) Set(ctx context.Context, id int64, detail Detail) {
	if c == nil || c.client == nil {
		return
	}
	payload, err := json.Marshal(detail)
	if err != nil {
		c.logger.Warn("encode detail for cache", slog.Int64("requisition_id", id), slog.Any("error", err))
		return
	}
	if err := c.client.Set(ctx, detailKey(id), payload, c.ttl).Err(); err != nil {
		c.logger.Warn("store cached detail", slog.Int64("requisition_id", id), slog.Any("error", err))
	}
}

// Invalidate drops the cached detail after a mutation.
func (c *DetailCache) Invalidate(ctx context.Context, id int64) {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.Del(ctx, detailKey(id)).Err(); err != nil {
		c.logger.Warn("invalidate cached detail", slog.Int64("requisition_id", id), slog.Any("error", err))
	}
}
