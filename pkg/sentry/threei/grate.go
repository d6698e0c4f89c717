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
	"time"

	"github.com/cenkalti/backoff"
	"gvisor.dev/rawposix/pkg/atomicbitops"
	"gvisor.dev/rawposix/pkg/log"
	"gvisor.dev/rawposix/pkg/sentry/arch"
	"gvisor.dev/rawposix/pkg/sync"
)

// GrateState is the lifecycle state of a grate callback.
type GrateState uint32

// Grate callback states. A revoked callback rejects new calls while calls
// already running finish, then becomes dead.
const (
	GrateAlive GrateState = iota
	GrateRevoking
	GrateDead
)

// String implements fmt.Stringer.String.
func (s GrateState) String() string {
	switch s {
	case GrateAlive:
		return "alive"
	case GrateRevoking:
		return "revoking"
	case GrateDead:
		return "dead"
	default:
		return fmt.Sprintf("GrateState(%d)", uint32(s))
	}
}

// GrateCall is an interposed syscall handed to a grate.
type GrateCall struct {
	// Handler identifies the function inside the grate that handles the call.
	Handler uint64

	// Callnum is the syscall number the cage made.
	Callnum uint64

	// SelfCage is the cage that made the call.
	SelfCage uint64

	// TargetCage is the cage the call acts on.
	TargetCage uint64

	Args arch.SyscallArguments
}

// GrateFn enters a grate to handle an interposed call.
type GrateFn func(call GrateCall) int32

type grateEntry struct {
	fn       GrateFn
	state    atomicbitops.Uint32
	inflight atomicbitops.Int32
}

// DefaultGrateDrainTimeout bounds how long Revoke waits for running calls.
const DefaultGrateDrainTimeout = 5 * time.Second

// GrateRegistry holds the entry callback of each grate.
type GrateRegistry struct {
	drainTimeout time.Duration

	mu sync.RWMutex

	// +checklocks:mu
	grates map[uint64]*grateEntry
}

// NewGrateRegistry returns an empty registry. Revoke waits at most
// drainTimeout for running calls; zero selects DefaultGrateDrainTimeout.
func NewGrateRegistry(drainTimeout time.Duration) *GrateRegistry {
	if drainTimeout <= 0 {
		drainTimeout = DefaultGrateDrainTimeout
	}
	return &GrateRegistry{
		drainTimeout: drainTimeout,
		grates:       make(map[uint64]*grateEntry),
	}
}

// Register installs fn as the entry callback of grate id, replacing any
// previous callback.
func (r *GrateRegistry) Register(id uint64, fn GrateFn) {
	e := &grateEntry{fn: fn}
	e.state.Store(uint32(GrateAlive))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.grates[id] = e
}

// Call enters grate id with call. It fails with ErrNoGrate if the grate has
// no callback or the callback is being revoked.
func (r *GrateRegistry) Call(id uint64, call GrateCall) (int32, error) {
	r.mu.RLock()
	e, ok := r.grates[id]
	r.mu.RUnlock()
	if !ok {
		return 0, ErrNoGrate
	}

	// revoke stores the state before reading inflight, and Call does the
	// reverse, so at least one of them observes the other.
	e.inflight.Add(1)
	defer e.leave()
	if GrateState(e.state.Load()) != GrateAlive {
		return 0, ErrNoGrate
	}
	return e.fn(call), nil
}

// leave ends a call. The last call out of a revoking grate marks it dead.
func (e *grateEntry) leave() {
	if e.inflight.Add(-1) == 0 {
		e.state.CompareAndSwap(uint32(GrateRevoking), uint32(GrateDead))
	}
}

// State returns the state of grate id. Grates without a callback are dead.
func (r *GrateRegistry) State(id uint64) GrateState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.grates[id]
	if !ok {
		return GrateDead
	}
	return GrateState(e.state.Load())
}

// Len returns the number of registered callbacks.
func (r *GrateRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.grates)
}

// Revoke removes the callback of grate id. New calls fail at once. Calls
// already inside the grate are not waited for; the callback becomes dead
// when the last of them returns.
//
// Revoke may be called from inside one of the grate's own callbacks.
func (r *GrateRegistry) Revoke(id uint64) {
	r.revoke(id)
}

// RevokeAndWait is Revoke followed by a wait for calls already inside the
// grate to return. If they do not return within the drain timeout the
// callback is dropped anyway and an error is returned.
//
// RevokeAndWait must not be called from inside one of the grate's own
// callbacks.
func (r *GrateRegistry) RevokeAndWait(id uint64) error {
	e := r.revoke(id)
	if e == nil {
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Microsecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = r.drainTimeout
	op := func() error {
		if n := e.inflight.Load(); n > 0 {
			return fmt.Errorf("grate %d has %d calls in flight", id, n)
		}
		return nil
	}
	if err := backoff.Retry(op, b); err != nil {
		e.state.Store(uint32(GrateDead))
		log.Warningf("Dropping grate %d callback with calls still running: %v", id, err)
		return err
	}
	return nil
}

func (r *GrateRegistry) revoke(id uint64) *grateEntry {
	r.mu.Lock()
	e, ok := r.grates[id]
	delete(r.grates, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	e.state.Store(uint32(GrateRevoking))
	if e.inflight.Load() == 0 {
		e.state.CompareAndSwap(uint32(GrateRevoking), uint32(GrateDead))
	}
	return e
}
