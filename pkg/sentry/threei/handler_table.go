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
	"fmt"
	"sort"
	"strings"

	"github.com/mohae/deepcopy"
	"gvisor.dev/rawposix/pkg/sync"
)

// Targets maps a handler to the cage that owns it.
type Targets map[uint64]uint64

// CallTable maps a syscall number to its bindings.
type CallTable map[uint64]Targets

// Binding is one interposition: calls are handed to Handler in cage Dest.
type Binding struct {
	Handler uint64
	Dest    uint64
}

// String implements fmt.Stringer.String.
func (b Binding) String() string {
	return fmt.Sprintf("%#x@%d", b.Handler, b.Dest)
}

// HandlerTable records interposition bindings keyed by (cage, syscall
// number, handler).
//
// Invariants:
//   - A (cage, syscall number, handler) triple has at most one destination.
//   - No cage maps to an empty CallTable and no syscall number maps to empty
//     Targets.
//   - No binding is added or copied while its cage or destination is in the
//     exiting set.
type HandlerTable struct {
	mu sync.Mutex

	// exiting is only mutated with mu held.
	exiting *ExitingSet

	// +checklocks:mu
	cages map[uint64]CallTable
}

// NewHandlerTable returns an empty table gated by exiting.
func NewHandlerTable(exiting *ExitingSet) *HandlerTable {
	return &HandlerTable{
		exiting: exiting,
		cages:   make(map[uint64]CallTable),
	}
}

// Exiting returns the exiting set that gates the table.
func (h *HandlerTable) Exiting() *ExitingSet {
	return h.exiting
}

// Register binds handler in cage dest to syscall callnum of cage target.
//
//   - dest == Deregister removes every binding for (target, callnum).
//   - handler == 0 removes only the bindings whose destination is dest.
//   - A handler already bound to dest is left as is.
//   - A handler bound to another destination fails with ErrConflict.
//
// Removals succeed when nothing matched. If target or dest is exiting,
// Register fails with ErrExiting and changes nothing.
func (h *HandlerTable) Register(target, callnum, handler, dest uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.exiting.Contains(target) || h.exiting.Contains(dest) {
		return ErrExiting
	}

	if dest == Deregister {
		if calls, ok := h.cages[target]; ok {
			delete(calls, callnum)
			h.collectLocked(target)
		}
		return nil
	}

	if handler == 0 {
		if targets, ok := h.cages[target][callnum]; ok {
			for hd, d := range targets {
				if d == dest {
					delete(targets, hd)
				}
			}
			h.collectLocked(target)
		}
		return nil
	}

	if cur, ok := h.cages[target][callnum][handler]; ok {
		if cur != dest {
			return ErrConflict
		}
		return nil
	}
	h.targetsLocked(target, callnum)[handler] = dest
	return nil
}

// CopyToCage merges src's bindings into dest. A handler dest already has
// under a syscall number keeps its destination.
//
// It fails with ErrExiting if either cage is exiting and with
// ErrNoSourceTable if src has no bindings.
func (h *HandlerTable) CopyToCage(dest, src uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.exiting.Contains(dest) || h.exiting.Contains(src) {
		return ErrExiting
	}
	calls, ok := h.cages[src]
	if !ok {
		return ErrNoSourceTable
	}
	if dest == src {
		return nil
	}
	for callnum, targets := range calls {
		for handler, d := range targets {
			into := h.targetsLocked(dest, callnum)
			if _, ok := into[handler]; !ok {
				into[handler] = d
			}
		}
	}
	return nil
}

// Lookup returns the binding a call to callnum from cage is routed to. An
// exact syscall number takes precedence over MatchAll. When several
// handlers are bound the one with the lowest handler value is used.
func (h *HandlerTable) Lookup(cage, callnum uint64) (Binding, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	calls, ok := h.cages[cage]
	if !ok {
		return Binding{}, false
	}
	targets, ok := calls[callnum]
	if !ok {
		if targets, ok = calls[MatchAll]; !ok {
			return Binding{}, false
		}
	}
	first := true
	var b Binding
	for handler, dest := range targets {
		if first || handler < b.Handler {
			b = Binding{Handler: handler, Dest: dest}
			first = false
		}
	}
	return b, !first
}

// HasCage reports whether cage has any bindings.
func (h *HandlerTable) HasCage(cage uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.cages[cage]
	return ok
}

// Bindings returns the bindings for (cage, callnum) ordered by handler.
func (h *HandlerTable) Bindings(cage, callnum uint64) []Binding {
	h.mu.Lock()
	defer h.mu.Unlock()
	return sortedBindings(h.cages[cage][callnum])
}

// RemoveCage drops every binding owned by cage.
func (h *HandlerTable) RemoveCage(cage uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.cages, cage)
}

// RemoveDestination drops every binding, in every cage, that routes to
// dest.
func (h *HandlerTable) RemoveDestination(dest uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeDestinationLocked(dest)
}

// MarkExiting adds cage to the exiting set and drops every binding that
// routes to it. Registrations that name cage and run after MarkExiting fail
// with ErrExiting.
func (h *HandlerTable) MarkExiting(cage uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exiting.Add(cage)
	h.removeDestinationLocked(cage)
}

// FinishExiting drops every binding owned by or routing to cage and removes
// it from the exiting set.
func (h *HandlerTable) FinishExiting(cage uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.cages, cage)
	h.removeDestinationLocked(cage)
	h.exiting.Remove(cage)
}

// Len returns the number of cages with bindings.
func (h *HandlerTable) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.cages)
}

// Snapshot returns a deep copy of the table.
func (h *HandlerTable) Snapshot() map[uint64]CallTable {
	h.mu.Lock()
	defer h.mu.Unlock()
	return deepcopy.Copy(h.cages).(map[uint64]CallTable)
}

// String implements fmt.Stringer.String.
func (h *HandlerTable) String() string {
	snap := h.Snapshot()
	var b strings.Builder
	for _, cage := range sortedKeys(snap) {
		calls := snap[cage]
		for _, callnum := range sortedKeys(calls) {
			fmt.Fprintf(&b, "cage %d call %d:", cage, callnum)
			for _, bd := range sortedBindings(calls[callnum]) {
				fmt.Fprintf(&b, " %v", bd)
			}
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// targetsLocked returns the Targets for (cage, callnum), creating any
// missing level.
//
// +checklocks:h.mu
func (h *HandlerTable) targetsLocked(cage, callnum uint64) Targets {
	calls, ok := h.cages[cage]
	if !ok {
		calls = make(CallTable)
		h.cages[cage] = calls
	}
	targets, ok := calls[callnum]
	if !ok {
		targets = make(Targets)
		calls[callnum] = targets
	}
	return targets
}

// collectLocked deletes cage's empty syscall entries, then cage itself if
// nothing is left.
//
// +checklocks:h.mu
func (h *HandlerTable) collectLocked(cage uint64) {
	calls, ok := h.cages[cage]
	if !ok {
		return
	}
	for callnum, targets := range calls {
		if len(targets) == 0 {
			delete(calls, callnum)
		}
	}
	if len(calls) == 0 {
		delete(h.cages, cage)
	}
}

// +checklocks:h.mu
func (h *HandlerTable) removeDestinationLocked(dest uint64) {
	for cage, calls := range h.cages {
		for _, targets := range calls {
			for handler, d := range targets {
				if d == dest {
					delete(targets, handler)
				}
			}
		}
		h.collectLocked(cage)
	}
}

func sortedBindings(targets Targets) []Binding {
	if len(targets) == 0 {
		return nil
	}
	bs := make([]Binding, 0, len(targets))
	for handler, dest := range targets {
		bs = append(bs, Binding{Handler: handler, Dest: dest})
	}
	sort.Slice(bs, func(i, j int) bool { return bs[i].Handler < bs[j].Handler })
	return bs
}

func sortedKeys[V any](m map[uint64]V) []uint64 {
	keys := make([]uint64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
