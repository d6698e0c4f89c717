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
	"fmt"

	"gvisor.dev/rawposix/pkg/abi/linux"
	"gvisor.dev/rawposix/pkg/errors/linuxerr"
	"gvisor.dev/rawposix/pkg/sentry/cage"
	"gvisor.dev/rawposix/pkg/sentry/vmmap"
)

// Fork creates cage id as a child of as.Cage, backed by mem, and replicates
// as's memory into it. Mapping changes in as wait until the copy is done, so
// the child's regions always describe pages that existed in the parent.
//
// On error the parent's child count is restored and mem must be released by
// the caller.
func (as AddressSpace) Fork(id cage.ID, mem *LinearMemory) (*cage.Cage, error) {
	as.Mem.mappingMu.Lock()
	defer as.Mem.mappingMu.Unlock()
	if as.Mem.released.Load() {
		return nil, linuxerr.ESRCH
	}

	child := as.Cage.ForkChild(id)
	Attach(child, mem, 0)
	if err := ForkMemory(as.Cage.Vmmap(), child.Vmmap()); err != nil {
		as.Cage.DecChildren()
		return nil, err
	}
	return child, nil
}

// Exec empties as's memory and binds it to next, the cage that replaces
// as.Cage.
func (as AddressSpace) Exec(next *cage.Cage) error {
	as.Mem.mappingMu.Lock()
	defer as.Mem.mappingMu.Unlock()
	if err := as.Mem.Unmap(0, as.Mem.Size()); err != nil {
		return fmt.Errorf("emptying linear memory of %v: %w", as.Cage, err)
	}
	Attach(next, as.Mem, 0)
	return nil
}

// ForkMemory makes the child's memory match the parent's region by region.
// child must already hold a structural copy of parent's regions and its own
// base address.
//
//   - PROT_NONE regions are skipped; both sides are already inaccessible.
//   - Shared regions are remapped so the child aliases the parent's pages.
//   - Private regions are copied under a transient read-write grant on the
//     child side, then given their recorded protection.
//
// The child's program break is set to the parent's last.
//
// Preconditions: no other goroutine may access the child's memory or change
// the parent's mappings until ForkMemory returns. Any error leaves the child
// unusable.
func ForkMemory(parent, child *vmmap.Vmmap) error {
	parentBase, ok := parent.BaseAddress()
	if !ok {
		return fmt.Errorf("fork parent: %w", vmmap.ErrNoBase)
	}
	childBase, ok := child.BaseAddress()
	if !ok {
		return fmt.Errorf("fork child: %w", vmmap.ErrNoBase)
	}

	for _, e := range parent.Entries() {
		if e.Prot == linux.PROT_NONE {
			continue
		}
		ar := e.Range()
		src := parentBase + uintptr(ar.Start)
		dst := childBase + uintptr(ar.Start)
		if e.Shared() {
			if err := remapShared(src, dst, ar.Length()); err != nil {
				return fmt.Errorf("remapping shared region %v: %w", ar, err)
			}
			continue
		}
		if err := copyPrivate(src, dst, ar.Length(), int(e.Prot)); err != nil {
			return fmt.Errorf("copying private region %v: %w", ar, err)
		}
	}

	child.SetProgramBreak(parent.ProgramBreak())
	return nil
}

// copyPrivate copies length bytes from src to dst and leaves dst with
// protection prot.
func copyPrivate(src, dst uintptr, length uint64, prot int) error {
	if err := mprotect(dst, length, linux.PROT_READ|linux.PROT_WRITE); err != nil {
		return err
	}
	copy(hostBytes(dst, length), hostBytes(src, length))
	return mprotect(dst, length, prot)
}
