package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/raaihank/leak-sentinel/internal/config"
	"github.com/raaihank/leak-sentinel/internal/logger"
)

// SeenCache remembers which document URLs were already scanned so repeated
// scans skip them until the entry expires.
type SeenCache struct {
	client *redis.Client
	config config.CacheConfig
	logger *logger.Logger
	stats  cacheStats
}

// cacheStats tracks cache performance metrics
type cacheStats struct {
	hits   atomic.Int64
	misses atomic.Int64
}

// NewSeenCache connects to Redis and returns a seen-URL cache.
func NewSeenCache(ctx context.Context, cfg config.CacheConfig, log *logger.Logger) (*SeenCache, error) {
	if log == nil {
		log = logger.NewNop()
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.MaxConnections > 0 {
		opts.PoolSize = cfg.MaxConnections
	}
	opts.MinIdleConns = cfg.MinIdleConns

	c := newSeenCache(redis.NewClient(opts), cfg, log)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.client.Ping(pingCtx).Err(); err != nil {
		c.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info("Seen-URL cache initialized",
		zap.String("redis_url", maskRedisURL(cfg.RedisURL)),
		zap.Int("max_connections", opts.PoolSize),
		zap.Duration("ttl", cfg.SeenTTL))

	return c, nil
}

func newSeenCache(client *redis.Client, cfg config.CacheConfig, log *logger.Logger) *SeenCache {
	return &SeenCache{client: client, config: cfg, logger: log}
}

// MarkSeen records url and reports whether it was already present.
func (c *SeenCache) MarkSeen(ctx context.Context, url string) (bool, error) {
	key := c.key(url)
	added, err := c.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), c.config.SeenTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark url seen: %w", err)
	}
	if added {
		c.stats.misses.Add(1)
		return false, nil
	}

	c.stats.hits.Add(1)
	c.logger.Debug("URL already scanned", zap.String("url", url), zap.String("key", key))
	return true, nil
}

// Forget drops url from the cache so the next scan fetches it again.
func (c *SeenCache) Forget(ctx context.Context, url string) error {
	return c.client.Del(ctx, c.key(url)).Err()
}

// GetStats returns hit and miss counters plus the number of tracked URLs.
func (c *SeenCache) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		Hits:   c.stats.hits.Load(),
		Misses: c.stats.misses.Load(),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total) * 100
	}

	iter := c.client.Scan(ctx, 0, c.config.KeyPrefix+":seen:*", 0).Iterator()
	for iter.Next(ctx) {
		stats.TrackedURLs++
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan cache keys: %w", err)
	}
	return stats, nil
}

// Close closes the Redis connection
func (c *SeenCache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// key hashes the URL so arbitrarily long query strings produce bounded keys.
func (c *SeenCache) key(url string) string {
	sum := sha256.Sum256([]byte(url))
	return fmt.Sprintf("%s:seen:%s", c.config.KeyPrefix, hex.EncodeToString(sum[:]))
}

// maskRedisURL masks sensitive information in Redis URL for logging
func maskRedisURL(url string) string {
	at := strings.LastIndex(url, "@")
	if at < 0 {
		return url
	}
	start := 0
	if i := strings.Index(url, "://"); i >= 0 && i < at {
		start = i + 3
	}
	colon := strings.Index(url[start:at], ":")
	if colon < 0 {
		return url
	}
	return url[:start+colon+1] + "***" + url[at:]
}
