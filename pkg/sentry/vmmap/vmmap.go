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

// Package vmmap records the mapped-region layout of one cage's linear memory
// and provides the checked translation from guest addresses to host
// addresses.
//
// Lock order:
//
//	Vmmap.mu
//
// Every exported method takes Vmmap.mu itself; callers must not hold it.
package vmmap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/btree"
	"gvisor.dev/rawposix/pkg/abi/linux"
	"gvisor.dev/rawposix/pkg/errors/linuxerr"
	"gvisor.dev/rawposix/pkg/hostarch"
	"gvisor.dev/rawposix/pkg/sync"
)

// DefaultEndPage is the first page past the 32-bit guest address space.
const DefaultEndPage = 1 << (32 - hostarch.PageShift)

// btreeDegree is the degree of the region tree.
const btreeDegree = 8

var (
	// ErrZeroPages is returned when an operation names an empty page range.
	ErrZeroPages = errors.New("number of pages cannot be zero")

	// ErrOverlap is returned by AddEntry when the region overlaps an
	// existing one.
	ErrOverlap = errors.New("region overlaps an existing mapping")

	// ErrNoBase is returned when a translation is attempted before the
	// cage's linear memory base address is set.
	ErrNoBase = errors.New("linear memory base address is not set")
)

// PageRange is the page interval [Start, End).
type PageRange struct {
	Start uint32
	End   uint32
}

// Len returns the number of pages in r.
func (r PageRange) Len() uint32 {
	return r.End - r.Start
}

// Vmmap is the interval map of a cage's mapped regions, keyed by start page.
// Regions never overlap.
type Vmmap struct {
	mu sync.RWMutex

	// entries is ordered by Entry.PageNum.
	//
	// +checklocks:mu
	entries *btree.BTreeG[Entry]

	// base is the host address of guest address 0. It is valid iff hasBase.
	base    uintptr
	hasBase bool

	startPage uint32
	endPage   uint32

	programBreak uint32
}

func lessEntry(a, b Entry) bool {
	return a.PageNum < b.PageNum
}

// New returns an empty vmmap spanning the 32-bit guest address space.
func New() *Vmmap {
	return &Vmmap{
		entries: btree.NewG(btreeDegree, lessEntry),
		endPage: DefaultEndPage,
	}
}

// Clear discards every region and administrative value. It is used by exec,
// which reuses the vmmap for the new program image.
func (v *Vmmap) Clear() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.entries = btree.NewG(btreeDegree, lessEntry)
	v.base = 0
	v.hasBase = false
	v.startPage = 0
	v.endPage = DefaultEndPage
	v.programBreak = 0
}

// Clone returns a structural copy of v's region list. The copy has no base
// address and a zero program break; those belong to the new cage's own
// linear memory and are set by the fork path.
func (v *Vmmap) Clone() *Vmmap {
	// btree.Clone marks shared nodes copy-on-write in the source too, so it
	// needs the write lock.
	v.mu.Lock()
	defer v.mu.Unlock()
	return &Vmmap{
		entries:   v.entries.Clone(),
		startPage: v.startPage,
		endPage:   v.endPage,
	}
}

// SetEndPage bounds the pages searched by FindSpace and FindMapSpace to
// below end. It does not affect existing regions.
func (v *Vmmap) SetEndPage(end uint32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.endPage = end
}

// EndPage returns the search bound set by SetEndPage.
func (v *Vmmap) EndPage() uint32 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.endPage
}

// SetBaseAddress sets the host address of guest address 0.
func (v *Vmmap) SetBaseAddress(base uintptr) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.base = base
	v.hasBase = true
}

// BaseAddress returns the host address of guest address 0.
func (v *Vmmap) BaseAddress() (uintptr, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.base, v.hasBase
}

// SetProgramBreak sets the heap break, a guest address.
func (v *Vmmap) SetProgramBreak(brk uint32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.programBreak = brk
}

// ProgramBreak returns the heap break.
func (v *Vmmap) ProgramBreak() uint32 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.programBreak
}

// UserToSys converts a guest address to a host address without any mapping
// check. Only use it for addresses the runtime itself produced.
func (v *Vmmap) UserToSys(addr uint32) (uintptr, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.hasBase {
		return 0, ErrNoBase
	}
	return v.base + uintptr(addr), nil
}

// SysToUser converts a host address inside the linear memory to a guest
// address.
func (v *Vmmap) SysToUser(addr uintptr) (uint32, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.hasBase {
		return 0, ErrNoBase
	}
	if addr < v.base || uint64(addr-v.base) > linux.MaxLinearMemorySize {
		return 0, linuxerr.EFAULT
	}
	return uint32(addr - v.base), nil
}

// AddEntry inserts e. It fails without modifying v if e overlaps an existing
// region.
func (v *Vmmap) AddEntry(e Entry) error {
	if e.NPages == 0 {
		return ErrZeroPages
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	overlaps := false
	v.overlappingLocked(e.PageNum, e.End(), func(Entry) bool {
		overlaps = true
		return false
	})
	if overlaps {
		return ErrOverlap
	}
	v.entries.ReplaceOrInsert(e)
	return nil
}

// AddEntryWithOverwrite inserts e, trimming or discarding any regions it
// overlaps.
func (v *Vmmap) AddEntryWithOverwrite(e Entry) error {
	return v.Update(e, false)
}

// RemoveEntry unmaps [pageNum, pageNum+npages). Regions straddling either
// boundary are split; pages that were not mapped are ignored.
func (v *Vmmap) RemoveEntry(pageNum, npages uint32) error {
	return v.Update(Entry{PageNum: pageNum, NPages: npages}, true)
}

// Update overwrites the pages of e with e, or with nothing if remove is set.
func (v *Vmmap) Update(e Entry, remove bool) error {
	if e.NPages == 0 {
		return ErrZeroPages
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.punchLocked(e.PageNum, e.End())
	if !remove {
		v.entries.ReplaceOrInsert(e)
	}
	return nil
}

// ChangeProt sets the protection of every mapped page in
// [pageNum, pageNum+npages) to prot. Regions whose protection already equals
// prot are left whole.
func (v *Vmmap) ChangeProt(pageNum, npages uint32, prot int32) {
	if npages == 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	end := pageNum + npages
	var affected []Entry
	v.overlappingLocked(pageNum, end, func(e Entry) bool {
		if e.Prot != prot {
			affected = append(affected, e)
		}
		return true
	})
	for _, e := range affected {
		v.entries.Delete(e)
		inStart := max(e.PageNum, pageNum)
		inEnd := min(e.End(), end)
		if e.PageNum < inStart {
			v.entries.ReplaceOrInsert(e.slice(e.PageNum, inStart))
		}
		inside := e.slice(inStart, inEnd)
		inside.Prot = prot
		v.entries.ReplaceOrInsert(inside)
		if inEnd < e.End() {
			v.entries.ReplaceOrInsert(e.slice(inEnd, e.End()))
		}
	}
}

// CheckExistingMapping returns true if [pageNum, pageNum+npages) is fully
// mapped and every covering region's maximum protection allows prot.
func (v *Vmmap) CheckExistingMapping(pageNum, npages uint32, prot int32) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.coveredLocked(pageNum, npages, prot, true)
	return ok
}

// CheckAddrMapping returns the end page of the last covering region if
// [pageNum, pageNum+npages) is fully mapped and every covering region's
// protection is a superset of prot. ok is false otherwise; callers must treat
// that as a fault.
func (v *Vmmap) CheckAddrMapping(pageNum, npages uint32, prot int32) (end uint32, ok bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.coveredLocked(pageNum, npages, prot, false)
}

// Translate validates [addr, addr+length) for prot and returns the host
// address of addr. The range is checked and the address computed under one
// hold of the lock. A zero length checks the page containing addr.
func (v *Vmmap) Translate(addr, length uint64, prot int32) (uintptr, error) {
	ar, ok := hostarch.Addr(addr).ToRange(length)
	if !ok || uint64(ar.End) > linux.MaxLinearMemorySize+1 {
		return 0, linuxerr.EFAULT
	}
	start, count := ar.Pages()
	if count == 0 {
		count = 1
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.hasBase {
		return 0, ErrNoBase
	}
	if _, ok := v.coveredLocked(uint32(start), uint32(count), prot, false); !ok {
		return 0, linuxerr.EFAULT
	}
	return v.base + uintptr(addr), nil
}

// FindPage returns the region containing pageNum.
func (v *Vmmap) FindPage(pageNum uint32) (Entry, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var found Entry
	ok := false
	v.overlappingLocked(pageNum, pageNum+1, func(e Entry) bool {
		found, ok = e, true
		return false
	})
	return found, ok
}

// Overlaps returns true if any page of [pageNum, pageNum+npages) is mapped.
func (v *Vmmap) Overlaps(pageNum, npages uint32) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	found := false
	v.overlappingLocked(pageNum, pageNum+npages, func(Entry) bool {
		found = true
		return false
	})
	return found
}

// FirstEntry returns the lowest region.
func (v *Vmmap) FirstEntry() (Entry, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.entries.Min()
}

// LastEntry returns the highest region.
func (v *Vmmap) LastEntry() (Entry, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.entries.Max()
}

// Entries returns a snapshot of all regions in ascending order.
func (v *Vmmap) Entries() []Entry {
	v.mu.RLock()
	defer v.mu.RUnlock()
	es := make([]Entry, 0, v.entries.Len())
	v.entries.Ascend(func(e Entry) bool {
		es = append(es, e)
		return true
	})
	return es
}

// Len returns the number of regions.
func (v *Vmmap) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.entries.Len()
}

// FindSpace returns the lowest unmapped range of npages pages. The gap that
// holds it must have at least one page to spare.
func (v *Vmmap) FindSpace(npages uint32) (PageRange, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.findSpaceLocked(v.startPage, npages)
}

// FindSpaceAboveHint is FindSpace restricted to pages at or above hint.
func (v *Vmmap) FindSpaceAboveHint(npages, hint uint32) (PageRange, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.findSpaceLocked(hint, npages)
}

// FindMapSpace returns the highest pagesPerMap-aligned range of npages
// (rounded up to pagesPerMap) inside the lowest gap that can hold it.
// pagesPerMap must be a power of two.
func (v *Vmmap) FindMapSpace(npages, pagesPerMap uint32) (PageRange, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.findMapSpaceLocked(v.startPage, npages, pagesPerMap)
}

// FindMapSpaceWithHint is FindMapSpace restricted to pages at or above hint.
func (v *Vmmap) FindMapSpaceWithHint(npages, pagesPerMap, hint uint32) (PageRange, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.findMapSpaceLocked(hint, npages, pagesPerMap)
}

// String implements fmt.Stringer.String.
func (v *Vmmap) String() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var b strings.Builder
	fmt.Fprintf(&b, "vmmap base=%#x brk=%#x regions=%d\n", v.base, v.programBreak, v.entries.Len())
	prev := v.startPage
	v.entries.Ascend(func(e Entry) bool {
		if e.PageNum > prev {
			fmt.Fprintf(&b, "  gap [%#x, %#x)\n", prev, e.PageNum)
		}
		fmt.Fprintf(&b, "  %v\n", e)
		prev = e.End()
		return true
	})
	return b.String()
}

// slice returns the part of e covering [start, end). File offsets move with
// the start page.
func (e Entry) slice(start, end uint32) Entry {
	s := e
	s.PageNum = start
	s.NPages = end - start
	if e.Backing.Kind == BackingFileDescriptor {
		s.FileOffset += int64(start-e.PageNum) << hostarch.PageShift
	}
	return s
}

// overlappingLocked calls fn on each region intersecting [start, end) in
// ascending order until fn returns false.
//
// Preconditions: v.mu must be locked.
func (v *Vmmap) overlappingLocked(start, end uint32, fn func(Entry) bool) {
	if start >= end {
		return
	}
	first := start
	v.entries.DescendLessOrEqual(Entry{PageNum: start}, func(e Entry) bool {
		if e.End() > start {
			first = e.PageNum
		}
		return false
	})
	v.entries.AscendRange(Entry{PageNum: first}, Entry{PageNum: end}, fn)
}

// punchLocked unmaps [start, end), splitting straddling regions.
//
// Preconditions: v.mu must be locked for writing.
func (v *Vmmap) punchLocked(start, end uint32) {
	var victims []Entry
	v.overlappingLocked(start, end, func(e Entry) bool {
		victims = append(victims, e)
		return true
	})
	for _, e := range victims {
		v.entries.Delete(e)
		if e.PageNum < start {
			v.entries.ReplaceOrInsert(e.slice(e.PageNum, start))
		}
		if end < e.End() {
			v.entries.ReplaceOrInsert(e.slice(end, e.End()))
		}
	}
}

// coveredLocked walks the regions covering [pageNum, pageNum+npages).
//
// Preconditions: v.mu must be locked.
func (v *Vmmap) coveredLocked(pageNum, npages uint32, prot int32, useMaxProt bool) (uint32, bool) {
	end := pageNum + npages
	if npages == 0 || end < pageNum {
		return 0, false
	}
	cur := pageNum
	ok := true
	v.overlappingLocked(pageNum, end, func(e Entry) bool {
		if e.PageNum > cur {
			ok = false
			return false
		}
		granted := e.Prot
		if useMaxProt {
			granted = e.MaxProt
		}
		if !allows(granted, prot) {
			ok = false
			return false
		}
		cur = e.End()
		return cur < end
	})
	if !ok || cur < end {
		return 0, false
	}
	return cur, true
}

// gapsLocked calls fn on each unmapped range inside [start, end) in ascending
// order until fn returns false.
//
// Preconditions: v.mu must be locked.
func (v *Vmmap) gapsLocked(start, end uint32, fn func(PageRange) bool) {
	cur := start
	more := true
	v.overlappingLocked(start, end, func(e Entry) bool {
		if e.PageNum > cur {
			if more = fn(PageRange{Start: cur, End: e.PageNum}); !more {
				return false
			}
		}
		if e.End() > cur {
			cur = e.End()
		}
		return true
	})
	if more && cur < end {
		fn(PageRange{Start: cur, End: end})
	}
}

func (v *Vmmap) findSpaceLocked(from, npages uint32) (PageRange, bool) {
	if npages == 0 {
		return PageRange{}, false
	}
	var found PageRange
	ok := false
	v.gapsLocked(from, v.endPage, func(gap PageRange) bool {
		if uint64(gap.Len()) >= uint64(npages)+1 {
			found = PageRange{Start: gap.Start, End: gap.Start + npages}
			ok = true
			return false
		}
		return true
	})
	return found, ok
}

func (v *Vmmap) findMapSpaceLocked(from, npages, pagesPerMap uint32) (PageRange, bool) {
	if npages == 0 {
		return PageRange{}, false
	}
	if pagesPerMap == 0 {
		pagesPerMap = 1
	}
	mask := uint64(pagesPerMap - 1)
	rounded := (uint64(npages) + mask) &^ mask
	var found PageRange
	ok := false
	v.gapsLocked(from, v.endPage, func(gap PageRange) bool {
		alignedStart := (uint64(gap.Start) + mask) &^ mask
		alignedEnd := uint64(gap.End) &^ mask
		if alignedEnd > alignedStart && alignedEnd-alignedStart >= rounded {
			found = PageRange{Start: uint32(alignedEnd - rounded), End: uint32(alignedEnd)}
			ok = true
			return false
		}
		return true
	})
	return found, ok
}
