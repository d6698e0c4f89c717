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

// Package cage implements the cage record and the process-wide cage table.
//
// A cage is one isolated logical process. Cages refer to each other only by
// ID; a parent is resolved through the Table, never held by pointer.
package cage

import (
	"fmt"

	"gvisor.dev/rawposix/pkg/atomicbitops"
	"gvisor.dev/rawposix/pkg/sentry/vmmap"
	"gvisor.dev/rawposix/pkg/sync"
)

// ID is a cage identifier.
type ID = uint64

// NoCredential marks an unset uid, gid, euid or egid.
const NoCredential = -1

// Zombie is the exit record of a child that has not been reaped.
type Zombie struct {
	CageID   ID
	ExitCode int32
}

// Credentials is a snapshot of a cage's ids.
type Credentials struct {
	UID  int32
	GID  int32
	EUID int32
	EGID int32
}

// UnsetCredentials returns credentials with every id unset.
func UnsetCredentials() Credentials {
	return Credentials{NoCredential, NoCredential, NoCredential, NoCredential}
}

// Cage is one logical process.
type Cage struct {
	// ID and Parent are immutable. Parent equals ID for the root cage.
	ID     ID
	Parent ID

	uid  atomicbitops.Int32
	gid  atomicbitops.Int32
	euid atomicbitops.Int32
	egid atomicbitops.Int32

	mainThreadID atomicbitops.Int32

	// children counts live children.
	children atomicbitops.Uint64

	cwdMu sync.RWMutex
	// +checklocks:cwdMu
	cwd string

	zombieMu sync.RWMutex
	// +checklocks:zombieMu
	zombies []Zombie
	// zombieCond is signalled when zombies grows or the cage exits.
	zombieCond *sync.Cond

	// exited is set once the cage starts leaving the table.
	exited atomicbitops.Bool

	// vmmap is internally locked. The pointer is immutable.
	vmmap *vmmap.Vmmap
}

// New returns a cage with an empty vmmap.
func New(id, parent ID, cwd string, creds Credentials) *Cage {
	return newCage(id, parent, cwd, creds, vmmap.New())
}

func newCage(id, parent ID, cwd string, creds Credentials, vm *vmmap.Vmmap) *Cage {
	c := &Cage{
		ID:     id,
		Parent: parent,
		cwd:    cwd,
		vmmap:  vm,
	}
	c.zombieCond = sync.NewCond(&c.zombieMu)
	c.SetCredentials(creds)
	return c
}

// ForkChild returns a new cage with ID id whose parent is c. The child gets
// a snapshot of c's cwd and credentials, no zombies, no main thread and a
// structural copy of c's vmmap. c's child count is incremented.
func (c *Cage) ForkChild(id ID) *Cage {
	child := newCage(id, c.ID, c.Cwd(), c.Credentials(), c.vmmap.Clone())
	c.IncChildren()
	return child
}

// ForExec builds the cage that replaces c when it execs and hands it to
// publish. The new cage keeps c's ID, parent, cwd, child count and unreaped
// zombies. Credentials are unset, there is no main thread and the vmmap is
// empty.
//
// The child count and zombies are carried over, publish runs and c is
// marked exited under one hold of c's zombie lock, so a concurrent
// ChildExited lands either in the copy or is refused by c. If publish fails
// c is left untouched.
func (c *Cage) ForExec(publish func(next *Cage) error) (*Cage, error) {
	next := newCage(c.ID, c.Parent, c.Cwd(), UnsetCredentials(), vmmap.New())

	c.zombieMu.Lock()
	defer c.zombieMu.Unlock()
	if c.exited.Load() {
		return nil, fmt.Errorf("%v has exited", c)
	}
	next.children.Store(c.children.Load())
	next.zombies = append([]Zombie(nil), c.zombies...)
	if err := publish(next); err != nil {
		return nil, err
	}
	c.exited.Store(true)
	c.zombieCond.Broadcast()
	return next, nil
}

// Vmmap returns the cage's memory map.
func (c *Cage) Vmmap() *vmmap.Vmmap {
	return c.vmmap
}

// Cwd returns the current working directory.
func (c *Cage) Cwd() string {
	c.cwdMu.RLock()
	defer c.cwdMu.RUnlock()
	return c.cwd
}

// SetCwd sets the current working directory.
func (c *Cage) SetCwd(cwd string) {
	c.cwdMu.Lock()
	defer c.cwdMu.Unlock()
	c.cwd = cwd
}

// Credentials returns a snapshot of the cage's ids.
func (c *Cage) Credentials() Credentials {
	return Credentials{
		UID:  c.uid.Load(),
		GID:  c.gid.Load(),
		EUID: c.euid.Load(),
		EGID: c.egid.Load(),
	}
}

// SetCredentials replaces all four ids.
func (c *Cage) SetCredentials(creds Credentials) {
	c.uid.Store(creds.UID)
	c.gid.Store(creds.GID)
	c.euid.Store(creds.EUID)
	c.egid.Store(creds.EGID)
}

// UID returns the real user id.
func (c *Cage) UID() int32 { return c.uid.Load() }

// GID returns the real group id.
func (c *Cage) GID() int32 { return c.gid.Load() }

// EUID returns the effective user id.
func (c *Cage) EUID() int32 { return c.euid.Load() }

// EGID returns the effective group id.
func (c *Cage) EGID() int32 { return c.egid.Load() }

// UIDOrInit returns the real user id. An unset id is set to def, but the
// call that sets it still reports NoCredential. GIDOrInit, EUIDOrInit and
// EGIDOrInit do the same for the other ids.
func (c *Cage) UIDOrInit(def int32) int32 { return loadOrInit(&c.uid, def) }

// GIDOrInit is UIDOrInit for the real group id.
func (c *Cage) GIDOrInit(def int32) int32 { return loadOrInit(&c.gid, def) }

// EUIDOrInit is UIDOrInit for the effective user id.
func (c *Cage) EUIDOrInit(def int32) int32 { return loadOrInit(&c.euid, def) }

// EGIDOrInit is UIDOrInit for the effective group id.
func (c *Cage) EGIDOrInit(def int32) int32 { return loadOrInit(&c.egid, def) }

func loadOrInit(id *atomicbitops.Int32, def int32) int32 {
	if id.CompareAndSwap(NoCredential, def) {
		return NoCredential
	}
	return id.Load()
}

// MainThreadID returns the id of the cage's main thread.
func (c *Cage) MainThreadID() int32 {
	return c.mainThreadID.Load()
}

// SetMainThreadID records the id of the cage's main thread.
func (c *Cage) SetMainThreadID(tid int32) {
	c.mainThreadID.Store(tid)
}

// ChildCount returns the number of live children.
func (c *Cage) ChildCount() uint64 {
	return c.children.Load()
}

// IncChildren records a new child.
func (c *Cage) IncChildren() {
	c.children.Add(1)
}

// DecChildren records a child's exit. It never goes below zero.
func (c *Cage) DecChildren() {
	for {
		n := c.children.Load()
		if n == 0 || c.children.CompareAndSwap(n, n-1) {
			return
		}
	}
}

// AddZombie appends an exit record.
func (c *Cage) AddZombie(z Zombie) {
	c.zombieMu.Lock()
	defer c.zombieMu.Unlock()
	c.zombies = append(c.zombies, z)
	c.zombieCond.Broadcast()
}

// ChildExited records the exit of a child: z is appended and the child count
// dropped. It returns false and changes nothing if c has exited, in which
// case the caller should resolve the parent again.
func (c *Cage) ChildExited(z Zombie) bool {
	c.zombieMu.Lock()
	defer c.zombieMu.Unlock()
	if c.exited.Load() {
		return false
	}
	c.zombies = append(c.zombies, z)
	c.DecChildren()
	c.zombieCond.Broadcast()
	return true
}

// PopZombie removes and returns the oldest exit record of child id, or of
// any child if id is zero.
func (c *Cage) PopZombie(id ID) (Zombie, bool) {
	c.zombieMu.Lock()
	defer c.zombieMu.Unlock()
	return c.popZombieLocked(id)
}

// +checklocks:c.zombieMu
func (c *Cage) popZombieLocked(id ID) (Zombie, bool) {
	for i, z := range c.zombies {
		if id == 0 || z.CageID == id {
			c.zombies = append(c.zombies[:i], c.zombies[i+1:]...)
			return z, true
		}
	}
	return Zombie{}, false
}

// WaitZombie blocks until PopZombie(id) succeeds and returns its record. It
// returns false if the cage exits first.
func (c *Cage) WaitZombie(id ID) (Zombie, bool) {
	c.zombieMu.Lock()
	defer c.zombieMu.Unlock()
	for {
		if z, ok := c.popZombieLocked(id); ok {
			return z, true
		}
		if c.exited.Load() {
			return Zombie{}, false
		}
		c.zombieCond.Wait()
	}
}

// MarkExited records that the cage is leaving the table and wakes its
// waiters. It returns false if the cage was already marked.
func (c *Cage) MarkExited() bool {
	c.zombieMu.Lock()
	defer c.zombieMu.Unlock()
	if c.exited.Swap(true) {
		return false
	}
	c.zombieCond.Broadcast()
	return true
}

// Exited reports whether MarkExited was called.
func (c *Cage) Exited() bool {
	return c.exited.Load()
}

// Zombies returns a snapshot of the exit records.
func (c *Cage) Zombies() []Zombie {
	c.zombieMu.RLock()
	defer c.zombieMu.RUnlock()
	return append([]Zombie(nil), c.zombies...)
}

// ClearZombies discards every exit record.
func (c *Cage) ClearZombies() {
	c.zombieMu.Lock()
	defer c.zombieMu.Unlock()
	c.zombies = nil
}

// String implements fmt.Stringer.String.
func (c *Cage) String() string {
	return fmt.Sprintf("cage %d (parent %d)", c.ID, c.Parent)
}
