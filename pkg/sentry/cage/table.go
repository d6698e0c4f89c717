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

package cage

import (
	"fmt"

	"gvisor.dev/rawposix/pkg/sync"
)

// Table maps cage IDs to cages. It has a fixed number of slots; IDs at or
// above the capacity are a configuration error.
type Table struct {
	mu sync.RWMutex

	// slots is indexed by cage ID. Its length never changes.
	//
	// +checklocks:mu
	slots []*Cage

	// reserved marks empty slots claimed by Reserve. Get still reports them
	// empty.
	//
	// +checklocks:mu
	reserved []bool
}

// NewTable returns a table with capacity slots.
func NewTable(capacity int) *Table {
	if capacity <= 0 {
		panic(fmt.Sprintf("invalid cage table capacity %d", capacity))
	}
	return &Table{
		slots:    make([]*Cage, capacity),
		reserved: make([]bool, capacity),
	}
}

// Capacity returns the number of slots.
func (t *Table) Capacity() int {
	return len(t.slots)
}

func (t *Table) checkID(id ID) {
	if id >= uint64(len(t.slots)) {
		panic(fmt.Sprintf("cage ID %d is outside of valid range [0, %d)", id, len(t.slots)))
	}
}

// Add stores c at slot id, replacing any previous cage there. A reservation
// of id is consumed.
func (t *Table) Add(id ID, c *Cage) {
	t.checkID(id)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.slots[id] = c
	t.reserved[id] = false
}

// Reserve claims the empty slot id for a later Add. It returns false if id is
// out of range, populated or already reserved.
func (t *Table) Reserve(id ID) bool {
	if id >= uint64(len(t.slots)) {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.slots[id] != nil || t.reserved[id] {
		return false
	}
	t.reserved[id] = true
	return true
}

// CancelReservation releases a reservation made by Reserve that was not
// consumed by Add.
func (t *Table) CancelReservation(id ID) {
	t.checkID(id)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reserved[id] = false
}

// Get returns the cage at id, or nil if the slot is empty or id is out of
// range.
func (t *Table) Get(id ID) *Cage {
	if id >= uint64(len(t.slots)) {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.slots[id]
}

// Remove empties slot id and returns what it held.
func (t *Table) Remove(id ID) *Cage {
	t.checkID(id)
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.slots[id]
	t.slots[id] = nil
	return c
}

// ClearAll empties every slot and returns the IDs that were populated, in
// ascending order.
func (t *Table) ClearAll() []ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []ID
	for i, c := range t.slots {
		if c != nil {
			ids = append(ids, ID(i))
			t.slots[i] = nil
		}
		t.reserved[i] = false
	}
	return ids
}

// Len returns the number of populated slots.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, c := range t.slots {
		if c != nil {
			n++
		}
	}
	return n
}

// ForEach calls f on every cage in ascending ID order. f must not call back
// into t for writing.
func (t *Table) ForEach(f func(*Cage)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, c := range t.slots {
		if c != nil {
			f(c)
		}
	}
}
