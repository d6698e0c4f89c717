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
	"gvisor.dev/rawposix/pkg/atomicbitops"
)

// RootID is the ID of the first cage.
const RootID ID = 1

// IDAllocator hands out cage IDs in increasing order. IDs are never reused.
type IDAllocator struct {
	last     atomicbitops.Uint64
	capacity uint64
}

// NewIDAllocator returns an allocator whose first ID follows RootID and whose
// IDs stay below capacity.
func NewIDAllocator(capacity int) *IDAllocator {
	a := &IDAllocator{capacity: uint64(capacity)}
	a.last.Store(RootID)
	return a
}

// Next returns a fresh ID, or false once the capacity is exhausted.
func (a *IDAllocator) Next() (ID, bool) {
	for {
		last := a.last.Load()
		next := last + 1
		if next >= a.capacity {
			return 0, false
		}
		if a.last.CompareAndSwap(last, next) {
			return next, true
		}
	}
}
