// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	maestroerrors "github.com/tombee/maestro/pkg/errors"
)

// CachedResult is the batched output stored for later retrieval.
type CachedResult struct {
	ExecutionID string    `json:"executionId"`
	PipelineID  string    `json:"pipelineId"`
	Batches     []*Batch  `json:"batches"`
	RecordCount int       `json:"recordCount"`
	SizeBytes   int64     `json:"sizeBytes"`
	CachedAt    time.Time `json:"cachedAt"`
}

// Cache stores pipeline results keyed by execution id.
type Cache interface {
	Put(ctx context.Context, result *CachedResult) error
	Get(ctx context.Context, executionID string) (*CachedResult, error)
	Delete(ctx context.Context, executionID string) error

	// Sweep evicts entries older than the retention window and
	// returns how many were removed.
	Sweep(ctx context.Context, olderThan time.Duration) (int, error)

	Close() error
}

// memoryCache is the default in-process cache backend.
type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]*CachedResult
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string]*CachedResult)}
}

func (c *memoryCache) Put(ctx context.Context, result *CachedResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[result.ExecutionID] = result
	return nil
}

func (c *memoryCache) Get(ctx context.Context, executionID string) (*CachedResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result, ok := c.entries[executionID]
	if !ok {
		return nil, &maestroerrors.NotFoundError{Resource: "cached result", ID: executionID}
	}
	return result, nil
}

func (c *memoryCache) Delete(ctx context.Context, executionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, executionID)
	return nil
}

func (c *memoryCache) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, entry := range c.entries {
		if entry.CachedAt.Before(cutoff) {
			delete(c.entries, id)
			removed++
		}
	}
	return removed, nil
}

func (c *memoryCache) Close() error { return nil }

// redisCache stores results in redis with a server-side TTL matching
// the retention window, so Sweep has nothing to do.
type redisCache struct {
	client *redis.Client
	ttl    time.Duration
}

const redisKeyPrefix = "maestro:pipeline:cache:"

func newRedisCache(addr string, retention time.Duration) *redisCache {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	return &redisCache{client: client, ttl: retention}
}

func (c *redisCache) Put(ctx context.Context, result *CachedResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshaling cached result: %w", err)
	}
	if err := c.client.Set(ctx, redisKeyPrefix+result.ExecutionID, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("caching to redis: %w", err)
	}
	return nil
}

func (c *redisCache) Get(ctx context.Context, executionID string) (*CachedResult, error) {
	data, err := c.client.Get(ctx, redisKeyPrefix+executionID).Bytes()
	if err == redis.Nil {
		return nil, &maestroerrors.NotFoundError{Resource: "cached result", ID: executionID}
	}
	if err != nil {
		return nil, fmt.Errorf("reading from redis: %w", err)
	}

	var result CachedResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, &maestroerrors.CorruptedRecordError{
			Kind:   "cached result",
			ID:     executionID,
			Reason: err.Error(),
		}
	}
	return &result, nil
}

func (c *redisCache) Delete(ctx context.Context, executionID string) error {
	return c.client.Del(ctx, redisKeyPrefix+executionID).Err()
}

func (c *redisCache) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	// Redis expires entries via the TTL set on Put.
	return 0, nil
}

func (c *redisCache) Close() error {
	return c.client.Close()
}
