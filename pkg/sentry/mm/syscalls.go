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
	"gvisor.dev/rawposix/pkg/abi/linux"
	"gvisor.dev/rawposix/pkg/errors/linuxerr"
	"gvisor.dev/rawposix/pkg/hostarch"
	"gvisor.dev/rawposix/pkg/sentry/cage"
	"gvisor.dev/rawposix/pkg/sentry/vmmap"
)

// mmapFlagMask holds the mmap flags a cage may pass. Others are dropped.
const mmapFlagMask = linux.MAP_FIXED | linux.MAP_SHARED | linux.MAP_PRIVATE | linux.MAP_ANONYMOUS

// heapPage is the first page of the heap region grown by Brk.
const heapPage = 0

// AddressSpace is a cage together with the linear memory backing it. Every
// mapping change goes to the host first and is recorded in the vmmap only
// once it succeeded.
type AddressSpace struct {
	Cage *cage.Cage
	Mem  *LinearMemory
}

// MMapOpts are the arguments to MMap.
type MMapOpts struct {
	// Addr is the requested address. It is a hint unless Flags has
	// MAP_FIXED, and must be page aligned either way.
	Addr   uint64
	Length uint64
	Prot   int32
	Flags  int32
	Offset int64
}

// MMap maps anonymous memory into the cage and returns its guest address.
// File-backed mappings are not supported.
func (as AddressSpace) MMap(opts MMapOpts) (uint32, error) {
	flags := opts.Flags & mmapFlagMask
	if opts.Prot&linux.PROT_EXEC != 0 {
		return 0, linuxerr.EINVAL
	}
	if !hostarch.Addr(opts.Addr).IsPageAligned() {
		return 0, linuxerr.EINVAL
	}
	if opts.Offset < 0 || !hostarch.Addr(opts.Offset).IsPageAligned() {
		return 0, linuxerr.EINVAL
	}
	if (flags&linux.MAP_PRIVATE == 0) == (flags&linux.MAP_SHARED == 0) {
		return 0, linuxerr.EINVAL
	}
	if opts.Length == 0 {
		return 0, linuxerr.EINVAL
	}
	length := hostarch.RoundUpPage(opts.Length)
	if length > linux.MaxLinearMemorySize {
		return 0, linuxerr.ENOMEM
	}
	if flags&linux.MAP_ANONYMOUS == 0 {
		return 0, linuxerr.EBADF
	}
	npages := uint32(length >> hostarch.PageShift)

	as.Mem.mappingMu.Lock()
	defer as.Mem.mappingMu.Unlock()

	vm := as.Cage.Vmmap()
	addr := opts.Addr
	if flags&linux.MAP_FIXED == 0 {
		var (
			space vmmap.PageRange
			ok    bool
		)
		if addr == 0 {
			space, ok = vm.FindMapSpace(npages, 1)
		} else {
			space, ok = vm.FindMapSpaceWithHint(npages, 1, uint32(hostarch.Addr(addr).PageNumber()))
		}
		if !ok {
			return 0, linuxerr.ENOMEM
		}
		addr = uint64(hostarch.PageAddr(uint64(space.Start)))
	}
	if end, ok := hostarch.Addr(addr).AddLength(length); !ok || uint64(end) > linux.MaxLinearMemorySize+1 {
		return 0, linuxerr.ENOMEM
	}
	flags |= linux.MAP_FIXED

	if err := as.Mem.Map(addr, length, int(opts.Prot), int(flags)); err != nil {
		return 0, err
	}
	if err := vm.AddEntryWithOverwrite(vmmap.Entry{
		PageNum:    uint32(hostarch.Addr(addr).PageNumber()),
		NPages:     npages,
		Prot:       opts.Prot,
		MaxProt:    linux.PROT_READ | linux.PROT_WRITE,
		Flags:      flags,
		FileOffset: opts.Offset,
		FileSize:   int64(opts.Length),
		CageID:     as.Cage.ID,
		Backing:    vmmap.Anonymous(),
	}); err != nil {
		return 0, err
	}
	return uint32(addr), nil
}

// MUnmap returns [addr, addr+length) to the inaccessible reservation. Pages
// that were not mapped are ignored.
func (as AddressSpace) MUnmap(addr, length uint64) error {
	if !hostarch.Addr(addr).IsPageAligned() || length == 0 {
		return linuxerr.EINVAL
	}
	length = hostarch.RoundUpPage(length)
	if end, ok := hostarch.Addr(addr).AddLength(length); !ok || uint64(end) > linux.MaxLinearMemorySize+1 {
		return linuxerr.EINVAL
	}

	as.Mem.mappingMu.Lock()
	defer as.Mem.mappingMu.Unlock()
	if err := as.Mem.Unmap(addr, length); err != nil {
		return err
	}
	return as.Cage.Vmmap().RemoveEntry(uint32(hostarch.Addr(addr).PageNumber()), uint32(length>>hostarch.PageShift))
}

// MProtect changes the protection of [addr, addr+length). The whole range
// must be mapped, and prot must be allowed by every region's maximum
// protection.
func (as AddressSpace) MProtect(addr, length uint64, prot int32) error {
	if !hostarch.Addr(addr).IsPageAligned() || prot&^linux.PROT_MASK != 0 {
		return linuxerr.EINVAL
	}
	if prot&linux.PROT_EXEC != 0 {
		return linuxerr.EINVAL
	}
	if length == 0 {
		return nil
	}
	length = hostarch.RoundUpPage(length)
	if end, ok := hostarch.Addr(addr).AddLength(length); !ok || uint64(end) > linux.MaxLinearMemorySize+1 {
		return linuxerr.ENOMEM
	}
	pageNum := uint32(hostarch.Addr(addr).PageNumber())
	npages := uint32(length >> hostarch.PageShift)

	as.Mem.mappingMu.Lock()
	defer as.Mem.mappingMu.Unlock()
	vm := as.Cage.Vmmap()
	if !vm.CheckExistingMapping(pageNum, npages, linux.PROT_NONE) {
		return linuxerr.ENOMEM
	}
	if !vm.CheckExistingMapping(pageNum, npages, prot) {
		return linuxerr.EACCES
	}
	if err := as.Mem.Protect(addr, length, int(prot)); err != nil {
		return err
	}
	vm.ChangeProt(pageNum, npages, prot)
	return nil
}

// Brk moves the program break to brk, growing or shrinking the heap region
// that starts at guest page 0. The break itself is kept exact; the heap
// covers it rounded up to a page.
func (as AddressSpace) Brk(brk uint32) error {
	as.Mem.mappingMu.Lock()
	defer as.Mem.mappingMu.Unlock()
	return as.brkLocked(brk)
}

// Preconditions: as.Mem.mappingMu must be locked.
func (as AddressSpace) brkLocked(brk uint32) error {
	vm := as.Cage.Vmmap()
	oldPage := uint32(hostarch.PagesFor(uint64(vm.ProgramBreak())))
	newPage := uint32(hostarch.PagesFor(uint64(brk)))

	heap, ok := vm.FindPage(heapPage)
	if !ok {
		heap = vmmap.Entry{
			Prot:    linux.PROT_READ | linux.PROT_WRITE,
			MaxProt: linux.PROT_READ | linux.PROT_WRITE,
			Flags:   linux.MAP_PRIVATE | linux.MAP_ANONYMOUS,
			CageID:  as.Cage.ID,
			Backing: vmmap.Anonymous(),
		}
		// Without a heap region nothing below the break is backed yet.
		oldPage = 0
	}

	switch {
	case newPage > oldPage:
		if vm.Overlaps(oldPage, newPage-oldPage) {
			return linuxerr.ENOMEM
		}
		start := uint64(hostarch.PageAddr(uint64(oldPage)))
		if err := as.Mem.Map(start, uint64(newPage-oldPage)<<hostarch.PageShift, int(heap.Prot), int(heap.Flags)); err != nil {
			return linuxerr.ENOMEM
		}
	case newPage < oldPage:
		start := uint64(hostarch.PageAddr(uint64(newPage)))
		if err := as.Mem.Unmap(start, uint64(oldPage-newPage)<<hostarch.PageShift); err != nil {
			return err
		}
		if err := vm.RemoveEntry(newPage, oldPage-newPage); err != nil {
			return err
		}
	}

	if newPage > 0 {
		heap.PageNum = heapPage
		heap.NPages = newPage
		if err := vm.AddEntryWithOverwrite(heap); err != nil {
			return err
		}
	}
	vm.SetProgramBreak(brk)
	return nil
}

// Sbrk moves the program break by increment bytes and returns the previous
// break.
func (as AddressSpace) Sbrk(increment int32) (uint32, error) {
	as.Mem.mappingMu.Lock()
	defer as.Mem.mappingMu.Unlock()
	old := as.Cage.Vmmap().ProgramBreak()
	if increment == 0 {
		return old, nil
	}
	brk := int64(old) + int64(increment)
	if brk < 0 || brk > linux.MaxLinearMemorySize {
		return 0, linuxerr.ENOMEM
	}
	if err := as.brkLocked(uint32(brk)); err != nil {
		return 0, linuxerr.ENOMEM
	}
	return old, nil
}
