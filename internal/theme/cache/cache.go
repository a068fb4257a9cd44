// Package cache provides a Redis-backed cache of partition fit results,
// keyed by partition id and a hash of the configuration that produced them,
// with singleflight collapsing concurrent duplicate fit requests for the
// same partition.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/arjunv/themeflow/internal/theme/driver"
	pkgredis "github.com/arjunv/themeflow/pkg/redis"
	"golang.org/x/sync/singleflight"
)

const keyPrefix = "theme:fit:"

// Entry is the JSON-serializable subset of a driver.Result worth caching:
// the expensive-to-recompute themes, model, and decoded path, without the
// raw document counts the caller already has on hand.
type Entry struct {
	PartitionID     string               `json:"partitionId"`
	Themes          []driverThemeJSON    `json:"themes"`
	Pi              []float64            `json:"pi"`
	A               []float64            `json:"a"` // row-major N*N
	N               int                  `json:"n"`
	States          []int                `json:"states"`
	LogProb         float64              `json:"logProb"`
	EMLogLikelihood float64              `json:"emLogLikelihood"`
}

type driverThemeJSON struct {
	WordProb  map[int]float64 `json:"wordProb"`
	AveragePi float64         `json:"averagePi"`
}

// FitCache caches driver.Result entries in Redis under a TTL, with
// singleflight ensuring only one in-flight computation runs per key even
// under a thundering herd of identical requests.
type FitCache struct {
	client *pkgredis.Client
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a FitCache backed by client, caching entries for ttl.
func New(client *pkgredis.Client, ttl time.Duration) *FitCache {
	return &FitCache{
		client: client,
		ttl:    ttl,
		logger: slog.Default().With("component", "fit-cache"),
	}
}

// Get looks up a previously cached entry for (partitionID, configHash).
func (c *FitCache) Get(ctx context.Context, partitionID, configHash string) (*Entry, bool) {
	key := c.buildKey(partitionID, configHash)
	data, err := c.client.Get(ctx, key)
	if err != nil {
		if pkgredis.IsNilError(err) {
			c.misses.Add(1)
			return nil, false
		}
		c.logger.Error("cache get failed", "key", key, "error", err)
		c.misses.Add(1)
		return nil, false
	}
	var entry Entry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	c.logger.Debug("cache hit", "partition_id", partitionID, "key", key)
	return &entry, true
}

// Set stores entry under (partitionID, configHash).
func (c *FitCache) Set(ctx context.Context, partitionID, configHash string, entry *Entry) {
	key := c.buildKey(partitionID, configHash)
	data, err := json.Marshal(entry)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl); err != nil {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}

// GetOrCompute returns the cached entry for (partitionID, configHash) if
// present, otherwise runs computeFn (collapsing concurrent callers for the
// same key into a single execution) and caches its result.
func (c *FitCache) GetOrCompute(ctx context.Context, partitionID, configHash string, computeFn func() (*Entry, error)) (*Entry, bool, error) {
	if entry, ok := c.Get(ctx, partitionID, configHash); ok {
		return entry, true, nil
	}
	key := c.buildKey(partitionID, configHash)
	val, err, _ := c.group.Do(key, func() (interface{}, error) {
		if entry, ok := c.Get(ctx, partitionID, configHash); ok {
			return entry, nil
		}
		entry, err := computeFn()
		if err != nil {
			return nil, err
		}
		c.Set(ctx, partitionID, configHash, entry)
		return entry, nil
	})
	if err != nil {
		return nil, false, err
	}
	return val.(*Entry), false, nil
}

// Invalidate removes every cached fit result for the given partition across
// all config hashes.
func (c *FitCache) Invalidate(ctx context.Context, partitionID string) error {
	pattern := keyPrefix + partitionID + ":*"
	deleted, err := c.client.FlushByPattern(ctx, pattern)
	if err != nil {
		return fmt.Errorf("invalidating fit cache for partition %s: %w", partitionID, err)
	}
	c.logger.Info("cache invalidate", "partition_id", partitionID, "keys_deleted", deleted)
	return nil
}

// Stats returns cumulative hit/miss counts since process start.
func (c *FitCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *FitCache) buildKey(partitionID, configHash string) string {
	return fmt.Sprintf("%s%s:%s", keyPrefix, partitionID, configHash)
}

// ConfigHash derives a stable short hash identifying the configuration that
// produced a fit, so cache entries are automatically invalidated whenever
// the tunables change.
func ConfigHash(cfg driver.Config) string {
	raw := fmt.Sprintf("%+v", cfg)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum[:8])
}

// FromResult converts a driver.Result into its cacheable Entry form.
func FromResult(res *driver.Result) *Entry {
	themes := make([]driverThemeJSON, len(res.BestEM.Themes))
	for i, th := range res.BestEM.Themes {
		themes[i] = driverThemeJSON{WordProb: th.WordProb, AveragePi: th.AveragePi}
	}
	a := make([]float64, res.Model.N*res.Model.N)
	for i := 0; i < res.Model.N; i++ {
		for j := 0; j < res.Model.N; j++ {
			a[i*res.Model.N+j] = res.Model.A.At(i, j)
		}
	}
	return &Entry{
		PartitionID:     res.PartitionID,
		Themes:          themes,
		Pi:              append([]float64(nil), res.Model.Pi...),
		A:               a,
		N:               res.Model.N,
		States:          res.Decoded.States,
		LogProb:         res.Decoded.LogProb,
		EMLogLikelihood: res.EMLogLikelihood,
	}
}
