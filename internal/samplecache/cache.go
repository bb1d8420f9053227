// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package samplecache implements the per-identity TTL store backing the
// reduce_time_resolution filter action. It is scoped per proxy: each
// proxy instance owns its own *Cache.
//
// The map is sharded by identity hash the way a single-mutex series cache
// guards its map with one lock, generalized here to a striped lock so
// that operations on identities in different shards do not serialize.
package samplecache

import (
	"sync"
	"time"

	"github.com/GoogleCloudPlatform/metrics-proxy/internal/sample"
)

const shardCount = 64

// Entry is one cached sample value, timestamp, and insertion time.
type Entry struct {
	Value        float64
	Timestamp    int64
	HasTimestamp bool
	InsertedAt   time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[sample.Identity]Entry
}

// Cache is a concurrent, per-identity TTL map. Readers and writers on
// identities in different shards proceed without contention; operations on
// the same identity, or on identities sharing a shard, serialize through
// that shard's lock.
type Cache struct {
	shards [shardCount]*shard
}

// New returns an empty Cache.
func New() *Cache {
	c := &Cache{}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[sample.Identity]Entry)}
	}
	return c
}

func (c *Cache) shardFor(id sample.Identity) *shard {
	return c.shards[id.Hash()%shardCount]
}

// GetFresh returns the entry for id iff now - entry.InsertedAt < resolution.
func (c *Cache) GetFresh(id sample.Identity, resolution time.Duration, now time.Time) (Entry, bool) {
	sh := c.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[id]
	if !ok {
		return Entry{}, false
	}
	if now.Sub(e.InsertedAt) >= resolution {
		return Entry{}, false
	}
	return e, true
}

// Put inserts or overwrites the entry for id under the identity's shard
// lock, whatever the insertion time of the entry it replaces. The filter
// evaluator does not call Put; it uses GetFreshOrPut.
func (c *Cache) Put(id sample.Identity, value float64, timestamp int64, hasTimestamp bool, now time.Time) {
	sh := c.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.entries[id] = Entry{Value: value, Timestamp: timestamp, HasTimestamp: hasTimestamp, InsertedAt: now}
}

// GetFreshOrPut atomically checks for a fresh entry and, if none exists,
// installs the given fresh values as the new entry. This single lock
// acquisition is what makes the "read, and if stale write" sequence in the
// filter evaluator race-free across the identity's shard.
func (c *Cache) GetFreshOrPut(id sample.Identity, resolution time.Duration, now time.Time, value float64, timestamp int64, hasTimestamp bool) (fresh Entry, hit bool) {
	sh := c.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[id]
	if ok && now.Sub(e.InsertedAt) < resolution {
		return e, true
	}
	sh.entries[id] = Entry{Value: value, Timestamp: timestamp, HasTimestamp: hasTimestamp, InsertedAt: now}
	return Entry{}, false
}
