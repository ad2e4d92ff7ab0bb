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
	"sync"
	"testing"
)

func TestConcurrentMap_InsertOrGet(t *testing.T) {
	m := NewConcurrentMap[int]()
	v, inserted := m.InsertOrGet(1, func() int { return 42 })
	if !inserted || *v != 42 {
		t.Fatalf("got (%v, %v), want (42, true)", *v, inserted)
	}
	v2, inserted2 := m.InsertOrGet(1, func() int { return 99 })
	if inserted2 {
		t.Fatalf("second InsertOrGet reported insertion")
	}
	if v2 != v {
		t.Fatalf("InsertOrGet returned a different address for the same key")
	}
	if *v2 != 42 {
		t.Fatalf("got %v, want 42 (makeValue must not overwrite)", *v2)
	}
}

func TestConcurrentMap_StableAddress(t *testing.T) {
	m := NewConcurrentMap[int]()
	v, _ := m.InsertOrGet(7, func() int { return 1 })
	*v = 100
	v2, _ := m.Get(7)
	if *v2 != 100 {
		t.Fatalf("mutation through the returned pointer was not observed: got %v", *v2)
	}
}

func TestConcurrentMap_ConcurrentInsertOrGet(t *testing.T) {
	m := NewConcurrentMap[int]()
	const goroutines = 64
	var wg sync.WaitGroup
	inserted := make([]bool, goroutines)
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		i := i
		go func() {
			defer wg.Done()
			_, ins := m.InsertOrGet(42, func() int { return i })
			inserted[i] = ins
		}()
	}
	wg.Wait()

	count := 0
	for _, ins := range inserted {
		if ins {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one goroutine to win the insert, got %d", count)
	}
	if m.Len() != 1 {
		t.Fatalf("expected a single entry, got %d", m.Len())
	}
}

func TestConcurrentMap_DeleteAndRange(t *testing.T) {
	m := NewConcurrentMap[string]()
	for i := uint64(0); i < 10; i++ {
		i := i
		m.InsertOrGet(i, func() string { return "v" })
	}
	m.Delete(5)
	if m.Len() != 9 {
		t.Fatalf("got %d entries after delete, want 9", m.Len())
	}
	seen := map[uint64]bool{}
	m.Range(func(key uint64, v *string) bool {
		seen[key] = true
		return true
	})
	if len(seen) != 9 || seen[5] {
		t.Fatalf("Range saw %v, want 9 entries without key 5", seen)
	}
}
