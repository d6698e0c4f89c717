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

package vmmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/rawposix/pkg/abi/linux"
	"gvisor.dev/rawposix/pkg/errors/linuxerr"
	"gvisor.dev/rawposix/pkg/hostarch"
)

const (
	rw  = linux.PROT_READ | linux.PROT_WRITE
	rwx = linux.PROT_READ | linux.PROT_WRITE | linux.PROT_EXEC
)

func anonEntry(pageNum, npages uint32, prot int32) Entry {
	return Entry{
		PageNum: pageNum,
		NPages:  npages,
		Prot:    prot,
		MaxProt: rwx,
		Flags:   linux.MAP_PRIVATE | linux.MAP_ANONYMOUS,
		Backing: Anonymous(),
		CageID:  1,
	}
}

func mustAdd(t *testing.T, v *Vmmap, e Entry) {
	t.Helper()
	if err := v.AddEntry(e); err != nil {
		t.Fatalf("AddEntry(%v) failed: %v", e, err)
	}
}

type region struct {
	Start, End uint32
	Prot       int32
}

func regions(v *Vmmap) []region {
	var rs []region
	for _, e := range v.Entries() {
		rs = append(rs, region{e.PageNum, e.End(), e.Prot})
	}
	return rs
}

func TestCheckAddrMappingSingleRegion(t *testing.T) {
	v := New()
	mustAdd(t, v, anonEntry(10, 5, linux.PROT_READ))

	for _, tc := range []struct {
		name   string
		page   uint32
		npages uint32
		prot   int32
		want   bool
	}{
		{"whole region", 10, 5, linux.PROT_READ, true},
		{"inner subrange", 11, 2, linux.PROT_READ, true},
		{"no access requested", 12, 1, linux.PROT_NONE, true},
		{"starts before", 9, 2, linux.PROT_READ, false},
		{"ends after", 14, 2, linux.PROT_READ, false},
		{"disjoint", 20, 1, linux.PROT_READ, false},
		{"under-permissioned", 10, 1, linux.PROT_WRITE, false},
		{"partially permitted", 10, 1, rw, false},
		{"empty range", 10, 0, linux.PROT_READ, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, got := v.CheckAddrMapping(tc.page, tc.npages, tc.prot)
			if got != tc.want {
				t.Errorf("CheckAddrMapping(%d, %d, %#x) = %t, want %t", tc.page, tc.npages, tc.prot, got, tc.want)
			}
		})
	}
}

func TestCheckAddrMappingAdjacentRegions(t *testing.T) {
	v := New()
	mustAdd(t, v, anonEntry(0, 2, rw))
	mustAdd(t, v, anonEntry(2, 2, linux.PROT_READ))
	mustAdd(t, v, anonEntry(5, 1, rw))

	if end, ok := v.CheckAddrMapping(1, 3, linux.PROT_READ); !ok || end != 4 {
		t.Errorf("CheckAddrMapping across adjacent regions = (%d, %t), want (4, true)", end, ok)
	}
	if _, ok := v.CheckAddrMapping(1, 3, rw); ok {
		t.Errorf("CheckAddrMapping allowed a write into a read-only region")
	}
	if _, ok := v.CheckAddrMapping(3, 3, linux.PROT_READ); ok {
		t.Errorf("CheckAddrMapping succeeded across the hole at page 4")
	}
}

func TestCheckExistingMappingUsesMaxProt(t *testing.T) {
	v := New()
	e := anonEntry(0, 4, linux.PROT_READ)
	e.MaxProt = rw
	mustAdd(t, v, e)
	if !v.CheckExistingMapping(0, 4, rw) {
		t.Errorf("CheckExistingMapping(rw) = false, want true under maxprot rw")
	}
	if v.CheckExistingMapping(0, 4, linux.PROT_EXEC) {
		t.Errorf("CheckExistingMapping(exec) = true, want false under maxprot rw")
	}
}

func TestTranslate(t *testing.T) {
	v := New()
	if _, err := v.Translate(0x1000, 8, linux.PROT_READ); err != ErrNoBase {
		t.Fatalf("Translate without base = %v, want %v", err, ErrNoBase)
	}

	const base = uintptr(0x7f0000000000)
	v.SetBaseAddress(base)
	mustAdd(t, v, anonEntry(1, 2, rw))

	for _, tc := range []struct {
		name    string
		addr    uint64
		length  uint64
		prot    int32
		wantErr error
	}{
		{"first byte", 0x1000, 1, linux.PROT_READ, nil},
		{"both pages", 0x1800, 0x1000, rw, nil},
		{"zero length", 0x2fff, 0, linux.PROT_READ, nil},
		{"runs past end", 0x2800, 0x1000, linux.PROT_READ, linuxerr.EFAULT},
		{"unmapped page", 0x0, 4, linux.PROT_READ, linuxerr.EFAULT},
		{"exec denied", 0x1000, 4, linux.PROT_EXEC, linuxerr.EFAULT},
		{"wraps", 0xffff_ffff_ffff_f000, 0x2000, linux.PROT_READ, linuxerr.EFAULT},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := v.Translate(tc.addr, tc.length, tc.prot)
			if err != tc.wantErr {
				t.Fatalf("Translate(%#x, %#x) err = %v, want %v", tc.addr, tc.length, err, tc.wantErr)
			}
			if err != nil {
				return
			}
			if want := base + uintptr(tc.addr); got != want {
				t.Errorf("Translate(%#x) = %#x, want %#x", tc.addr, got, want)
			}
			ar, _ := hostarch.Addr(tc.addr).ToRange(tc.length)
			start, count := ar.Pages()
			if count == 0 {
				count = 1
			}
			if _, ok := v.CheckAddrMapping(uint32(start), uint32(count), tc.prot); !ok {
				t.Errorf("Translate succeeded where CheckAddrMapping fails")
			}
		})
	}
}

func TestAddEntryStrict(t *testing.T) {
	v := New()
	mustAdd(t, v, anonEntry(10, 10, rw))
	if err := v.AddEntry(anonEntry(15, 10, linux.PROT_READ)); err != ErrOverlap {
		t.Errorf("overlapping AddEntry = %v, want %v", err, ErrOverlap)
	}
	if err := v.AddEntry(anonEntry(0, 0, rw)); err != ErrZeroPages {
		t.Errorf("empty AddEntry = %v, want %v", err, ErrZeroPages)
	}
	mustAdd(t, v, anonEntry(20, 1, rw))
	want := []region{{10, 20, rw}, {20, 21, rw}}
	if diff := cmp.Diff(want, regions(v)); diff != "" {
		t.Errorf("regions mismatch (-want +got):\n%s", diff)
	}
}

func TestAddEntryWithOverwrite(t *testing.T) {
	v := New()
	mustAdd(t, v, anonEntry(0, 10, rw))
	mustAdd(t, v, anonEntry(12, 2, rw))
	mustAdd(t, v, anonEntry(15, 5, rw))

	if err := v.AddEntryWithOverwrite(anonEntry(5, 12, linux.PROT_READ)); err != nil {
		t.Fatalf("AddEntryWithOverwrite failed: %v", err)
	}
	want := []region{
		{0, 5, rw},
		{5, 17, linux.PROT_READ},
		{17, 20, rw},
	}
	if diff := cmp.Diff(want, regions(v)); diff != "" {
		t.Errorf("regions mismatch (-want +got):\n%s", diff)
	}
}

func TestRemoveEntry(t *testing.T) {
	v := New()
	e := anonEntry(0, 10, rw)
	e.Backing = FileDescriptor(4)
	e.FileOffset = 0x10000
	mustAdd(t, v, e)

	if err := v.RemoveEntry(3, 2); err != nil {
		t.Fatalf("RemoveEntry failed: %v", err)
	}
	if err := v.RemoveEntry(50, 2); err != nil {
		t.Errorf("RemoveEntry of unmapped pages failed: %v", err)
	}
	want := []region{{0, 3, rw}, {5, 10, rw}}
	if diff := cmp.Diff(want, regions(v)); diff != "" {
		t.Errorf("regions mismatch (-want +got):\n%s", diff)
	}
	after, ok := v.FindPage(7)
	if !ok {
		t.Fatalf("FindPage(7) found nothing")
	}
	if want := int64(0x10000 + 5*hostarch.PageSize); after.FileOffset != want {
		t.Errorf("split region FileOffset = %#x, want %#x", after.FileOffset, want)
	}
	if _, ok := v.FindPage(4); ok {
		t.Errorf("FindPage(4) found a removed page")
	}
	if v.CheckExistingMapping(2, 2, linux.PROT_READ) {
		t.Errorf("CheckExistingMapping accepted a range with removed pages")
	}
	if _, ok := v.CheckAddrMapping(3, 1, linux.PROT_NONE); ok {
		t.Errorf("CheckAddrMapping accepted a removed page")
	}
}

func TestChangeProt(t *testing.T) {
	for _, tc := range []struct {
		name   string
		page   uint32
		npages uint32
		prot   int32
		want   []region
	}{
		{
			name: "entire region", page: 10, npages: 10, prot: linux.PROT_READ,
			want: []region{{10, 20, linux.PROT_READ}},
		},
		{
			name: "middle", page: 12, npages: 3, prot: linux.PROT_READ,
			want: []region{{10, 12, rw}, {12, 15, linux.PROT_READ}, {15, 20, rw}},
		},
		{
			name: "beginning", page: 10, npages: 3, prot: linux.PROT_NONE,
			want: []region{{10, 13, linux.PROT_NONE}, {13, 20, rw}},
		},
		{
			name: "end", page: 17, npages: 10, prot: linux.PROT_READ,
			want: []region{{10, 17, rw}, {17, 20, linux.PROT_READ}},
		},
		{
			name: "same value", page: 12, npages: 3, prot: rw,
			want: []region{{10, 20, rw}},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			v := New()
			mustAdd(t, v, anonEntry(10, 10, rw))
			v.ChangeProt(tc.page, tc.npages, tc.prot)
			if diff := cmp.Diff(tc.want, regions(v)); diff != "" {
				t.Errorf("regions mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestChangeProtPreservesAttributes(t *testing.T) {
	v := New()
	e := anonEntry(0, 4, rw)
	e.Backing = SharedMemory(9)
	e.Flags = linux.MAP_SHARED
	e.MaxProt = rw
	mustAdd(t, v, e)
	v.ChangeProt(1, 2, linux.PROT_READ)
	for _, got := range v.Entries() {
		if got.Backing != SharedMemory(9) || got.MaxProt != rw || !got.Shared() {
			t.Errorf("ChangeProt lost attributes: %v", got)
		}
	}
}

func TestFindSpace(t *testing.T) {
	v := New()
	mustAdd(t, v, anonEntry(0, 4, rw))
	mustAdd(t, v, anonEntry(6, 4, rw))

	// The gap [4, 6) cannot hold two pages plus a spare one.
	got, ok := v.FindSpace(2)
	if want := (PageRange{10, 12}); !ok || got != want {
		t.Errorf("FindSpace(2) = %v, %t, want %v", got, ok, want)
	}
	got, ok = v.FindSpace(1)
	if want := (PageRange{4, 5}); !ok || got != want {
		t.Errorf("FindSpace(1) = %v, %t, want %v", got, ok, want)
	}
	got, ok = v.FindSpaceAboveHint(1, 7)
	if want := (PageRange{10, 11}); !ok || got != want {
		t.Errorf("FindSpaceAboveHint(1, 7) = %v, %t, want %v", got, ok, want)
	}
}

func TestFindSpaceFull(t *testing.T) {
	v := New()
	mustAdd(t, v, anonEntry(0, DefaultEndPage, rw))
	if got, ok := v.FindSpace(1); ok {
		t.Errorf("FindSpace(1) on a full vmmap = %v", got)
	}
}

func TestFindMapSpace(t *testing.T) {
	v := New()
	mustAdd(t, v, anonEntry(0, 3, rw))
	mustAdd(t, v, anonEntry(40, 10, rw))

	got, ok := v.FindMapSpace(5, 16)
	if want := (PageRange{16, 32}); !ok || got != want {
		t.Errorf("FindMapSpace(5, 16) = %v, %t, want %v", got, ok, want)
	}
	got, ok = v.FindMapSpaceWithHint(4, 4, 41)
	if want := (PageRange{DefaultEndPage - 4, DefaultEndPage}); !ok || got != want {
		t.Errorf("FindMapSpaceWithHint(4, 4, 41) = %v, %t, want %v", got, ok, want)
	}
	if got.Start%4 != 0 || got.End%4 != 0 {
		t.Errorf("FindMapSpaceWithHint result %v is not aligned", got)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	v := New()
	v.SetBaseAddress(0x1000000)
	v.SetProgramBreak(0x5000)
	mustAdd(t, v, anonEntry(1, 4, rw))

	c := v.Clone()
	if _, ok := c.BaseAddress(); ok {
		t.Errorf("clone inherited the parent's base address")
	}
	if brk := c.ProgramBreak(); brk != 0 {
		t.Errorf("clone program break = %#x, want 0", brk)
	}
	if diff := cmp.Diff(regions(v), regions(c)); diff != "" {
		t.Errorf("clone regions mismatch (-parent +child):\n%s", diff)
	}

	c.ChangeProt(2, 1, linux.PROT_NONE)
	mustAdd(t, c, anonEntry(100, 1, rw))
	want := []region{{1, 5, rw}}
	if diff := cmp.Diff(want, regions(v)); diff != "" {
		t.Errorf("mutating the clone changed the parent (-want +got):\n%s", diff)
	}
}

func TestClear(t *testing.T) {
	v := New()
	v.SetBaseAddress(0x1000)
	v.SetProgramBreak(0x2000)
	mustAdd(t, v, anonEntry(1, 1, rw))
	v.Clear()
	if v.Len() != 0 || v.ProgramBreak() != 0 {
		t.Errorf("Clear left state behind: %v", v)
	}
	if _, ok := v.BaseAddress(); ok {
		t.Errorf("Clear left the base address set")
	}
}

func TestUserToSys(t *testing.T) {
	v := New()
	v.SetBaseAddress(0x10000)
	sys, err := v.UserToSys(0x20)
	if err != nil || sys != 0x10020 {
		t.Fatalf("UserToSys(0x20) = %#x, %v", sys, err)
	}
	user, err := v.SysToUser(sys)
	if err != nil || user != 0x20 {
		t.Errorf("SysToUser(%#x) = %#x, %v", sys, user, err)
	}
	if _, err := v.SysToUser(0x100); err != linuxerr.EFAULT {
		t.Errorf("SysToUser below base = %v, want EFAULT", err)
	}
}

func TestOverlaps(t *testing.T) {
	v := New()
	mustAdd(t, v, anonEntry(4, 4, rw))
	for _, tc := range []struct {
		page, n uint32
		want    bool
	}{
		{0, 4, false},
		{0, 5, true},
		{7, 1, true},
		{8, 10, false},
		{5, 0, false},
	} {
		if got := v.Overlaps(tc.page, tc.n); got != tc.want {
			t.Errorf("Overlaps(%d, %d) = %t, want %t", tc.page, tc.n, got, tc.want)
		}
	}
}

func TestSetEndPage(t *testing.T) {
	v := New()
	v.SetEndPage(64)
	if got := v.EndPage(); got != 64 {
		t.Errorf("EndPage = %d, want 64", got)
	}
	got, ok := v.FindMapSpace(4, 1)
	if want := (PageRange{60, 64}); !ok || got != want {
		t.Errorf("FindMapSpace(4, 1) = %v, %t, want %v", got, ok, want)
	}
	if got, ok := v.FindSpace(64); ok {
		t.Errorf("FindSpace(64) = %v, want no room below the end page", got)
	}
	v.Clear()
	if got := v.EndPage(); got != DefaultEndPage {
		t.Errorf("EndPage after Clear = %d, want %d", got, DefaultEndPage)
	}
}
