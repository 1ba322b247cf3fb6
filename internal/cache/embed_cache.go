// Package cache provides a two-tier cache for embedding vectors:
// ristretto in-memory L1 backed by an optional redis L2. Embedding the
// same fact or query twice within the TTL never hits the provider.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/companion-memory-kernel/internal/jsonx"
)

// EmbedCache caches embedding vectors keyed by input text.
type EmbedCache struct {
	l1     *ristretto.Cache[string, []float32]
	l2     *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewEmbedCache creates a two-tier embedding cache. redisClient may be
// nil, in which case only L1 is used.
func NewEmbedCache(maxCost int64, ttl time.Duration, redisClient *redis.Client, logger *zap.Logger) (*EmbedCache, error) {
	if maxCost == 0 {
		maxCost = 10000
	}
	if ttl == 0 {
		ttl = 30 * time.Minute
	}

	l1, err := ristretto.NewCache(&ristretto.Config[string, []float32]{
		NumCounters: maxCost * 10,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create ristretto cache: %w", err)
	}

	return &EmbedCache{
		l1:     l1,
		l2:     redisClient,
		ttl:    ttl,
		logger: logger.Named("embed_cache"),
	}, nil
}

// Get returns the cached vector for text, promoting L2 hits into L1.
func (c *EmbedCache) Get(ctx context.Context, text string) ([]float32, bool) {
	if vec, found := c.l1.Get(text); found {
		return vec, true
	}

	if c.l2 == nil {
		return nil, false
	}

	data, err := c.l2.Get(ctx, c.key(text)).Bytes()
	if err != nil || len(data) == 0 {
		return nil, false
	}

	var vec []float32
	if err := jsonx.Unmarshal(data, &vec); err != nil {
		c.logger.Warn("corrupt cached embedding", zap.Error(err))
		return nil, false
	}

	c.l1.SetWithTTL(text, vec, 1, c.ttl)
	return vec, true
}

// Set stores a vector in L1 and, asynchronously, in L2.
func (c *EmbedCache) Set(ctx context.Context, text string, vec []float32) {
	c.l1.SetWithTTL(text, vec, 1, c.ttl)

	if c.l2 == nil {
		return
	}
	go func() {
		data, err := jsonx.Marshal(vec)
		if err != nil {
			return
		}
		if err := c.l2.Set(context.WithoutCancel(ctx), c.key(text), data, c.ttl).Err(); err != nil {
			c.logger.Warn("failed to set L2 embedding cache", zap.Error(err))
		}
	}()
}

// Close releases L1 resources.
func (c *EmbedCache) Close() {
	c.l1.Close()
}

func (c *EmbedCache) key(text string) string {
	return "embed:" + text
}
