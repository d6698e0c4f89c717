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

package threei

import (
	"sort"

	"gvisor.dev/rawposix/pkg/sync"
)

// ExitingSet holds the cages that are tearing down.
//
// Reads need no other lock. Additions and removals that must be atomic with
// handler registration go through HandlerTable.MarkExiting and
// HandlerTable.FinishExiting.
type ExitingSet struct {
	mu sync.RWMutex

	// +checklocks:mu
	cages map[uint64]struct{}
}

// NewExitingSet returns an empty set.
func NewExitingSet() *ExitingSet {
	return &ExitingSet{cages: make(map[uint64]struct{})}
}

// Add inserts id and reports whether it was absent.
func (s *ExitingSet) Add(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cages[id]; ok {
		return false
	}
	s.cages[id] = struct{}{}
	return true
}

// Remove deletes id and reports whether it was present.
func (s *ExitingSet) Remove(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cages[id]; !ok {
		return false
	}
	delete(s.cages, id)
	return true
}

// Contains reports whether id is exiting.
func (s *ExitingSet) Contains(id uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.cages[id]
	return ok
}

// Len returns the number of exiting cages.
func (s *ExitingSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cages)
}

// IDs returns the exiting cages in ascending order.
func (s *ExitingSet) IDs() []uint64 {
	s.mu.RLock()
	ids := make([]uint64, 0, len(s.cages))
	for id := range s.cages {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
