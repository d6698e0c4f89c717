// Copyright 2018 Google LLC
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

package mm

import (
	"gvisor.dev/rawposix/pkg/sync"
)

// Memories maps cage IDs to their linear memories.
type Memories struct {
	mu sync.Mutex

	// +checklocks:mu
	m map[uint64]*LinearMemory
}

// NewMemories returns an empty registry.
func NewMemories() *Memories {
	return &Memories{m: make(map[uint64]*LinearMemory)}
}

// Add records mem as the linear memory of cage id.
func (ms *Memories) Add(id uint64, mem *LinearMemory) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.m[id] = mem
}

// Get returns the linear memory of cage id, or nil.
func (ms *Memories) Get(id uint64) *LinearMemory {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.m[id]
}

// Release removes the linear memory of cage id from the registry and frees
// it.
func (ms *Memories) Release(id uint64) error {
	ms.mu.Lock()
	mem, ok := ms.m[id]
	delete(ms.m, id)
	ms.mu.Unlock()
	if !ok {
		return nil
	}
	return mem.Release()
}

// Len returns the number of registered memories.
func (ms *Memories) Len() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return len(ms.m)
}
