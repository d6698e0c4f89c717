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

package kernel

import (
	"fmt"
	"runtime"

	"gvisor.dev/rawposix/pkg/abi/linux"
	"gvisor.dev/rawposix/pkg/cleanup"
	"gvisor.dev/rawposix/pkg/errors/linuxerr"
	"gvisor.dev/rawposix/pkg/log"
	"gvisor.dev/rawposix/pkg/sentry/cage"
	"gvisor.dev/rawposix/pkg/sentry/mm"
)

// Fork creates a child of cage parentID and returns its id. If childID is 0
// a fresh id is allocated. The child gets its own linear memory holding a
// copy of the parent's private regions and the parent's shared regions, and
// inherits the parent's handler table. The child's id is reserved up front
// and the child is only published in the cage table once all of that
// succeeded.
func (k *Kernel) Fork(parentID, childID uint64) (uint64, error) {
	as, err := k.AddressSpace(parentID)
	if err != nil {
		return 0, err
	}
	if childID == 0 {
		for {
			id, ok := k.ids.Next()
			if !ok {
				return 0, linuxerr.EAGAIN
			}
			if k.cages.Reserve(id) {
				childID = id
				break
			}
		}
	} else if childID >= uint64(k.cages.Capacity()) {
		return 0, linuxerr.EINVAL
	} else if !k.cages.Reserve(childID) {
		return 0, linuxerr.EEXIST
	}
	cu := cleanup.Make(func() { k.cages.CancelReservation(childID) })
	defer cu.Clean()

	mem, err := mm.NewLinearMemory(k.cfg.LinearMemoryPages)
	if err != nil {
		return 0, fmt.Errorf("fork of cage %d: %w", parentID, err)
	}
	cu.Add(func() {
		if err := mem.Release(); err != nil {
			log.Warningf("Releasing linear memory of aborted child %d: %v", childID, err)
		}
	})

	child, err := as.Fork(childID, mem)
	if err != nil {
		return 0, fmt.Errorf("fork of cage %d into %d: %w", parentID, childID, err)
	}
	cu.Add(as.Cage.DecChildren)

	if k.handlers.HasCage(parentID) {
		cu.Add(func() { k.handlers.RemoveCage(childID) })
		if err := k.handlers.CopyToCage(childID, parentID); err != nil {
			return 0, fmt.Errorf("fork of cage %d into %d: handler table: %w", parentID, childID, err)
		}
	}

	if err := k.fds.CopyCage(parentID, childID); err != nil {
		return 0, fmt.Errorf("fork of cage %d into %d: fd table: %w", parentID, childID, err)
	}
	cu.Add(func() { k.fds.RemoveCage(childID) })

	k.memories.Add(childID, mem)
	k.cages.Add(childID, child)
	cu.Release()
	log.Debugf("Cage %d forked cage %d", parentID, childID)
	return childID, nil
}

// Exec replaces cage id with a fresh image: its linear memory is emptied,
// descriptors marked close-on-exec are closed and the cage record is
// replaced by cage.Cage.ForExec. Threads of the old image blocked in a wait
// return EINTR.
func (k *Kernel) Exec(id uint64) error {
	as, err := k.AddressSpace(id)
	if err != nil {
		return err
	}
	if _, err := as.Cage.ForExec(func(next *cage.Cage) error {
		if err := as.Exec(next); err != nil {
			return err
		}
		k.cages.Add(id, next)
		return nil
	}); err != nil {
		return fmt.Errorf("exec of cage %d: %w", id, err)
	}
	k.fds.ExecCage(id)
	log.Debugf("Cage %d exec", id)
	return nil
}

// Exit removes cage id, closes its descriptors and releases its linear
// memory. Unless id is its own parent, the parent receives a zombie record
// carrying status and loses one child. If the parent already left, the
// record is dropped.
func (k *Kernel) Exit(id uint64, status int32) error {
	var c *cage.Cage
	for {
		var err error
		if c, err = k.Cage(id); err != nil {
			return err
		}
		if c.MarkExited() {
			break
		}
		// A record replaced by exec is marked exited too; retry with the
		// current one.
		if k.cages.Get(id) == c {
			return linuxerr.ESRCH
		}
	}
	if c.Parent != id {
		z := cage.Zombie{CageID: id, ExitCode: status}
		for {
			// An exited parent record is either being replaced by exec or
			// about to leave the table.
			parent := k.cages.Get(c.Parent)
			if parent == nil || parent.ChildExited(z) {
				break
			}
			runtime.Gosched()
		}
	}
	k.cages.Remove(id)
	k.handlers.RemoveCage(id)
	k.fds.RemoveCage(id)
	if err := k.memories.Release(id); err != nil {
		log.Warningf("Releasing linear memory of cage %d: %v", id, err)
	}
	log.Debugf("Cage %d exited with status %d", id, status)
	return nil
}

// WaitPID reaps a child of cage id. pid selects the child; any pid <= 0
// selects any child. With WNOHANG in options WaitPID returns a zero Zombie
// instead of blocking. It fails with ECHILD if there is nothing to wait for.
func (k *Kernel) WaitPID(id uint64, pid int64, options int32) (cage.Zombie, error) {
	c, err := k.Cage(id)
	if err != nil {
		return cage.Zombie{}, err
	}

	var want cage.ID
	if pid > 0 {
		want = cage.ID(pid)
	}
	// Both are sampled before looking for a record: an exiting child
	// publishes its record before it drops the count or leaves the table.
	children := c.ChildCount()
	var child *cage.Cage
	if want != 0 {
		child = k.cages.Get(want)
	}
	if z, ok := c.PopZombie(want); ok {
		return z, nil
	}
	if want == 0 {
		if children == 0 {
			return cage.Zombie{}, linuxerr.ECHILD
		}
	} else if child == nil || child.Parent != id {
		return cage.Zombie{}, linuxerr.ECHILD
	}

	if options&linux.WNOHANG != 0 {
		return cage.Zombie{}, nil
	}
	z, ok := c.WaitZombie(want)
	if !ok {
		return cage.Zombie{}, linuxerr.EINTR
	}
	return z, nil
}

// Wait reaps any child of cage id, blocking until one exits.
func (k *Kernel) Wait(id uint64) (cage.Zombie, error) {
	return k.WaitPID(id, 0, 0)
}
