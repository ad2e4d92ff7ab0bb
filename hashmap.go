// Copyright 2011 Google Inc. All Rights Reserved.
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

package swbuild

import "sync"

// shardCount is a power of two so the shard index can be taken from the
// top bits of the multiplied key (a shift, see shardFor) without a modulo.
const shardCount = 64

// ConcurrentMap is a lock-light keyed store of stable addresses, shared by
// the file state cache and the command record DB. It is a sharded
// rwlock-plus-map, the fallback the spec explicitly allows in place of a
// lock-free leapfrog table: contention is spread across shardCount locks
// instead of a single one, which is enough for the access patterns here
// (many concurrent inserts-or-gets during a build, rare iteration).
//
// Values are heap-allocated once and never moved, so a *V handed back by
// InsertOrGet stays valid for the lifetime of the map.
type ConcurrentMap[V any] struct {
	shards [shardCount]shard[V]
}

type shard[V any] struct {
	mu sync.RWMutex
	m  map[uint64]*V
}

// NewConcurrentMap returns an empty map ready for concurrent use.
func NewConcurrentMap[V any]() *ConcurrentMap[V] {
	c := &ConcurrentMap[V]{}
	for i := range c.shards {
		c.shards[i].m = make(map[uint64]*V)
	}
	return c
}

func (c *ConcurrentMap[V]) shardFor(key uint64) *shard[V] {
	// fibonacci hashing to spread sequential keys across shards evenly.
	return &c.shards[(key*0x9E3779B97F4A7C15)>>58]
}

// InsertOrGet returns the existing value for key, or calls makeValue and
// stores its result if key is not present. The returned bool reports
// whether a new value was inserted. Safe for concurrent use from many
// goroutines without external locking.
func (c *ConcurrentMap[V]) InsertOrGet(key uint64, makeValue func() V) (*V, bool) {
	s := c.shardFor(key)

	s.mu.RLock()
	if v, ok := s.m[key]; ok {
		s.mu.RUnlock()
		return v, false
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.m[key]; ok {
		// Lost a race with another inserter between the RUnlock and Lock.
		return v, false
	}
	v := makeValue()
	s.m[key] = &v
	return &v, true
}

// Get returns the value for key, if any, without inserting.
func (c *ConcurrentMap[V]) Get(key uint64) (*V, bool) {
	s := c.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	return v, ok
}

// Delete removes key, if present.
func (c *ConcurrentMap[V]) Delete(key uint64) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
}

// Len returns the number of entries across all shards. Not atomic with
// respect to concurrent mutation; meant for diagnostics and tests.
func (c *ConcurrentMap[V]) Len() int {
	n := 0
	for i := range c.shards {
		c.shards[i].mu.RLock()
		n += len(c.shards[i].m)
		c.shards[i].mu.RUnlock()
	}
	return n
}

// Range calls f for every entry. Iteration is not safe with concurrent
// mutation of the same shard; callers that need that should quiesce
// writers first (the spec only requires iteration to not need to be
// concurrent with mutation).
func (c *ConcurrentMap[V]) Range(f func(key uint64, v *V) bool) {
	for i := range c.shards {
		c.shards[i].mu.RLock()
		for k, v := range c.shards[i].m {
			if !f(k, v) {
				c.shards[i].mu.RUnlock()
				return
			}
		}
		c.shards[i].mu.RUnlock()
	}
}
