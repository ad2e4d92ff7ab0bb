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

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// ResourcePool is the counted semaphore a Command may attach to at
// construction time (§4.C6), used to bound e.g. link-step parallelism
// independently of the overall worker count. A pool is never replaced once
// attached to a Command.
type ResourcePool struct {
	sem *semaphore.Weighted // nil means unlimited: Lock/Unlock are no-ops
}

// NewResourcePool returns a pool with the given capacity. A capacity of -1
// (or any negative value) means unlimited, matching the spec's "-1 means
// unlimited (lock/unlock are no-ops)".
func NewResourcePool(capacity int) *ResourcePool {
	if capacity < 0 {
		return &ResourcePool{}
	}
	return &ResourcePool{sem: semaphore.NewWeighted(int64(capacity))}
}

// Lock blocks until a permit is available, or ctx is done.
func (p *ResourcePool) Lock(ctx context.Context) error {
	if p == nil || p.sem == nil {
		return nil
	}
	return p.sem.Acquire(ctx, 1)
}

// Unlock returns a permit, waking one waiter if any. Safe to call on a nil
// or unlimited pool.
func (p *ResourcePool) Unlock() {
	if p == nil || p.sem == nil {
		return
	}
	p.sem.Release(1)
}
