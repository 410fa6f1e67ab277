package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"tnpsc-study/internal/models"
)

// UnitCache holds unit analyses of one flow keyed by unit index.
type UnitCache interface {
	Get(ctx context.Context, index int) (models.UnitAnalysis, bool, error)
	Put(ctx context.Context, analysis models.UnitAnalysis) error
	All(ctx context.Context) ([]models.UnitAnalysis, error)
	Clear(ctx context.Context) error
}

type MemoryUnitCache struct {
	mu    sync.RWMutex
	units map[int]models.UnitAnalysis
}

func NewMemoryUnitCache() *MemoryUnitCache {
	return &MemoryUnitCache{units: make(map[int]models.UnitAnalysis)}
}

func (c *MemoryUnitCache) Get(_ context.Context, index int) (models.UnitAnalysis, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.units[index]
	return a, ok, nil
}

func (c *MemoryUnitCache) Put(_ context.Context, analysis models.UnitAnalysis) error {
	c.mu.Lock()
	c.units[analysis.UnitIndex] = analysis
	c.mu.Unlock()
	return nil
}

func (c *MemoryUnitCache) All(_ context.Context) ([]models.UnitAnalysis, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.UnitAnalysis, 0, len(c.units))
	for _, a := range c.units {
		out = append(out, a)
	}
	sortUnitAnalyses(out)
	return out, nil
}

func (c *MemoryUnitCache) Clear(context.Context) error {
	c.mu.Lock()
	c.units = make(map[int]models.UnitAnalysis)
	c.mu.Unlock()
	return nil
}

// RedisUnitCache stores a flow's unit analyses in one Redis hash.
type RedisUnitCache struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

func NewRedisUnitCache(rdb *redis.Client, flowID string, ttl time.Duration) *RedisUnitCache {
	return &RedisUnitCache{rdb: rdb, key: "flow:" + flowID + ":units", ttl: ttl}
}

func (c *RedisUnitCache) Get(ctx context.Context, index int) (models.UnitAnalysis, bool, error) {
	raw, err := c.rdb.HGet(ctx, c.key, strconv.Itoa(index)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.UnitAnalysis{}, false, nil
	}
	if err != nil {
		return models.UnitAnalysis{}, false, fmt.Errorf("redis hget: %w", err)
	}
	var a models.UnitAnalysis
	if err := json.Unmarshal(raw, &a); err != nil {
		return models.UnitAnalysis{}, false, fmt.Errorf("decode cached unit %d: %w", index, err)
	}
	return a, true, nil
}

func (c *RedisUnitCache) Put(ctx context.Context, analysis models.UnitAnalysis) error {
	raw, err := json.Marshal(analysis)
	if err != nil {
		return fmt.Errorf("encode unit %d: %w", analysis.UnitIndex, err)
	}
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, c.key, strconv.Itoa(analysis.UnitIndex), raw)
	if c.ttl > 0 {
		pipe.Expire(ctx, c.key, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}
	return nil
}

func (c *RedisUnitCache) All(ctx context.Context) ([]models.UnitAnalysis, error) {
	entries, err := c.rdb.HGetAll(ctx, c.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	out := make([]models.UnitAnalysis, 0, len(entries))
	for field, raw := range entries {
		var a models.UnitAnalysis
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, fmt.Errorf("decode cached unit %s: %w", field, err)
		}
		out = append(out, a)
	}
	sortUnitAnalyses(out)
	return out, nil
}

func (c *RedisUnitCache) Clear(ctx context.Context) error {
	if err := c.rdb.Del(ctx, c.key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
