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

package store

import (
	"container/list"
	"sync"
)

// stateCache is a small LRU keyed by workflow/execution that holds the
// latest encoded state blob, so hot reload paths skip the database.
type stateCache struct {
	mu    sync.Mutex
	max   int
	items map[string]*list.Element
	order *list.List
}

type cacheEntry struct {
	key     string
	version int
	blob    []byte
}

func newStateCache(max int) *stateCache {
	return &stateCache{
		max:   max,
		items: make(map[string]*list.Element),
		order: list.New(),
	}
}

func stateKey(workflowID, executionID string) string {
	return workflowID + "\x00" + executionID
}

func (c *stateCache) get(key string) (int, []byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return 0, nil, false
	}
	c.order.MoveToFront(el)
	entry := el.Value.(*cacheEntry)
	return entry.version, entry.blob, true
}

func (c *stateCache) put(key string, version int, blob []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.order.MoveToFront(el)
		entry := el.Value.(*cacheEntry)
		entry.version = version
		entry.blob = blob
		return
	}

	el := c.order.PushFront(&cacheEntry{key: key, version: version, blob: blob})
	c.items[key] = el

	for c.order.Len() > c.max {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
}

func (c *stateCache) delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
	}
}

func (c *stateCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.order.Init()
}
