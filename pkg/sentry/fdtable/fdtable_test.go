// Copyright 2018 The gVisor Authors.
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


package fdtable

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/rawposix/pkg/errors/linuxerr"
	"gvisor.dev/rawposix/pkg/sync"
)

const cageID = 1

type closed struct {
	Underlying uint64
	Count      uint64
	Last       bool
}

// runTest builds a table with one empty cage and a close recorder for
// KindHost.
func runTest(t *testing.T, fn func(tbl *Table, closes *[]closed)) {
	t.Helper()
	tbl := New()
	if err := tbl.InitCage(cageID); err != nil {
		t.Fatalf("InitCage failed: %v", err)
	}
	var (
		mu     sync.Mutex
		closes []closed
	)
	tbl.RegisterCloseHandlers(KindHost, CloseHandlers{
		Intermediate: func(e Entry, count uint64) {
			mu.Lock()
			defer mu.Unlock()
			closes = append(closes, closed{Underlying: e.Underlying, Count: count})
		},
		Last: func(e Entry) {
			mu.Lock()
			defer mu.Unlock()
			closes = append(closes, closed{Underlying: e.Underlying, Last: true})
		},
	})
	fn(tbl, &closes)
}

func host(fd uint64) Entry {
	return Entry{Kind: KindHost, Underlying: fd}
}

// TestFDTableMany allocates MaxFDs FDs, i.e. maxes out the table, until there
// is no room, then makes sure that NewFDAt works and also that if we remove
// one and add one that works too.
func TestFDTableMany(t *testing.T) {
	runTest(t, func(tbl *Table, _ *[]closed) {
		for i := 0; i < MaxFDs; i++ {
			if _, err := tbl.NewFD(cageID, 0, host(10)); err != nil {
				t.Fatalf("Allocated %v FDs but wanted to allocate %v", i, MaxFDs)
			}
		}

		if _, err := tbl.NewFD(cageID, 0, host(10)); err != linuxerr.EMFILE {
			t.Fatalf("NewFD in full table: got %v, wanted EMFILE", err)
		}

		if err := tbl.NewFDAt(cageID, 1, host(10)); err != nil {
			t.Fatalf("NewFDAt(1): got %v, wanted nil", err)
		}

		if err := tbl.Close(cageID, 2); err != nil {
			t.Fatalf("Close(2) failed: %v", err)
		}
		if fd, err := tbl.NewFD(cageID, 0, host(10)); err != nil || fd != 2 {
			t.Fatalf("NewFD after Close(2) = %d, %v; want 2", fd, err)
		}
		if n := tbl.Refs(KindHost, 10); n != MaxFDs {
			t.Errorf("Refs = %d, want %d", n, MaxFDs)
		}
	})
}

func TestNewFDStart(t *testing.T) {
	runTest(t, func(tbl *Table, _ *[]closed) {
		for _, want := range []uint64{5, 6} {
			if fd, err := tbl.NewFD(cageID, 5, host(want)); err != nil || fd != want {
				t.Errorf("NewFD(start 5) = %d, %v; want %d", fd, err, want)
			}
		}
		if _, err := tbl.NewFD(cageID, MaxFDs, host(3)); err != linuxerr.EINVAL {
			t.Errorf("NewFD(start MaxFDs): got %v, want EINVAL", err)
		}
		if _, err := tbl.NewFD(cageID+1, 0, host(3)); err != linuxerr.ESRCH {
			t.Errorf("NewFD in unknown cage: got %v, want ESRCH", err)
		}
	})
}

func TestTranslate(t *testing.T) {
	runTest(t, func(tbl *Table, _ *[]closed) {
		want := Entry{Kind: 7, Underlying: 33, Flags: FDFlags{CloseOnExec: true}, Info: 4}
		if err := tbl.NewFDAt(cageID, 9, want); err != nil {
			t.Fatalf("NewFDAt failed: %v", err)
		}
		got, err := tbl.Translate(cageID, 9)
		if err != nil {
			t.Fatalf("Translate failed: %v", err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Translate mismatch (-want +got):\n%s", diff)
		}
		for _, fd := range []uint64{8, MaxFDs, 1 << 40} {
			if _, err := tbl.Translate(cageID, fd); err != linuxerr.EBADF {
				t.Errorf("Translate(%d): got %v, want EBADF", fd, err)
			}
		}
		if err := tbl.NewFDAt(cageID, MaxFDs, want); err != linuxerr.EBADF {
			t.Errorf("NewFDAt(MaxFDs): got %v, want EBADF", err)
		}
	})
}

func TestCloseHandlers(t *testing.T) {
	runTest(t, func(tbl *Table, closes *[]closed) {
		tbl.NewFDAt(cageID, 3, host(40))
		if _, err := tbl.Dup(cageID, 3, 0, FDFlags{}); err != nil {
			t.Fatalf("Dup failed: %v", err)
		}
		if err := tbl.Close(cageID, 3); err != nil {
			t.Fatalf("Close(3) failed: %v", err)
		}
		if err := tbl.Close(cageID, 0); err != nil {
			t.Fatalf("Close(0) failed: %v", err)
		}
		if err := tbl.Close(cageID, 0); err != linuxerr.EBADF {
			t.Errorf("second Close(0): got %v, want EBADF", err)
		}
		want := []closed{
			{Underlying: 40, Count: 1},
			{Underlying: 40, Last: true},
		}
		if diff := cmp.Diff(want, *closes); diff != "" {
			t.Errorf("close handler calls (-want +got):\n%s", diff)
		}
		if n := tbl.Refs(KindHost, 40); n != 0 {
			t.Errorf("Refs after closing both = %d, want 0", n)
		}
	})
}

func TestDup2(t *testing.T) {
	runTest(t, func(tbl *Table, closes *[]closed) {
		tbl.NewFDAt(cageID, 3, host(40))
		tbl.NewFDAt(cageID, 4, host(41))

		if err := tbl.Dup2(cageID, 3, 3, FDFlags{}); err != nil {
			t.Errorf("Dup2(3, 3) failed: %v", err)
		}
		if err := tbl.Dup2(cageID, 5, 3, FDFlags{}); err != linuxerr.EBADF {
			t.Errorf("Dup2 from a free fd: got %v, want EBADF", err)
		}
		if err := tbl.Dup2(cageID, 3, MaxFDs, FDFlags{}); err != linuxerr.EBADF {
			t.Errorf("Dup2 to MaxFDs: got %v, want EBADF", err)
		}
		if err := tbl.Dup2(cageID, 3, 4, FDFlags{CloseOnExec: true}); err != nil {
			t.Fatalf("Dup2(3, 4) failed: %v", err)
		}
		got, _ := tbl.Translate(cageID, 4)
		if want := (Entry{Kind: KindHost, Underlying: 40, Flags: FDFlags{CloseOnExec: true}}); got != want {
			t.Errorf("fd 4 after Dup2 = %+v, want %+v", got, want)
		}
		if diff := cmp.Diff([]closed{{Underlying: 41, Last: true}}, *closes); diff != "" {
			t.Errorf("close handler calls (-want +got):\n%s", diff)
		}
		if n := tbl.Refs(KindHost, 40); n != 2 {
			t.Errorf("Refs(40) = %d, want 2", n)
		}
	})
}

// Replacing a descriptor with another reference to the same underlying
// descriptor must not close it.
func TestNewFDAtSameUnderlying(t *testing.T) {
	runTest(t, func(tbl *Table, closes *[]closed) {
		tbl.NewFDAt(cageID, 3, host(40))
		if err := tbl.NewFDAt(cageID, 3, host(40)); err != nil {
			t.Fatalf("NewFDAt failed: %v", err)
		}
		if diff := cmp.Diff([]closed{{Underlying: 40, Count: 1}}, *closes); diff != "" {
			t.Errorf("close handler calls (-want +got):\n%s", diff)
		}
	})
}

func TestSetFlagsAndInfo(t *testing.T) {
	runTest(t, func(tbl *Table, _ *[]closed) {
		tbl.NewFDAt(cageID, 3, host(40))
		if err := tbl.SetFlags(cageID, 3, FDFlags{CloseOnExec: true}); err != nil {
			t.Fatalf("SetFlags failed: %v", err)
		}
		if err := tbl.SetInfo(cageID, 3, 99); err != nil {
			t.Fatalf("SetInfo failed: %v", err)
		}
		got, _ := tbl.Translate(cageID, 3)
		if got.Flags.ToLinuxFDFlags() != 1 || got.Info != 99 {
			t.Errorf("entry after SetFlags and SetInfo = %+v", got)
		}
		if err := tbl.SetFlags(cageID, 4, FDFlags{}); err != linuxerr.EBADF {
			t.Errorf("SetFlags on a free fd: got %v, want EBADF", err)
		}
		if err := tbl.SetInfo(cageID, 4, 1); err != linuxerr.EBADF {
			t.Errorf("SetInfo on a free fd: got %v, want EBADF", err)
		}
	})
}

func TestCopyCage(t *testing.T) {
	runTest(t, func(tbl *Table, closes *[]closed) {
		tbl.NewFDAt(cageID, 0, host(40))
		tbl.NewFDAt(cageID, 7, Entry{Kind: KindHost, Underlying: 41, Flags: FDFlags{CloseOnExec: true}})
		if err := tbl.CopyCage(cageID, 2); err != nil {
			t.Fatalf("CopyCage failed: %v", err)
		}
		if diff := cmp.Diff(tbl.Snapshot(cageID), tbl.Snapshot(2)); diff != "" {
			t.Errorf("copied table mismatch (-parent +child):\n%s", diff)
		}
		if err := tbl.CopyCage(cageID, 2); err != linuxerr.EEXIST {
			t.Errorf("CopyCage onto an existing cage: got %v, want EEXIST", err)
		}
		if err := tbl.CopyCage(5, 6); err != linuxerr.ESRCH {
			t.Errorf("CopyCage from a missing cage: got %v, want ESRCH", err)
		}

		// The child's descriptors are independent of the parent's.
		tbl.Close(2, 0)
		if _, err := tbl.Translate(cageID, 0); err != nil {
			t.Errorf("parent fd 0 gone after child closed its copy: %v", err)
		}
		tbl.RemoveCage(cageID)
		want := []closed{
			{Underlying: 40, Count: 1},
			{Underlying: 40, Last: true},
			{Underlying: 41, Count: 1},
		}
		if diff := cmp.Diff(want, *closes); diff != "" {
			t.Errorf("close handler calls (-want +got):\n%s", diff)
		}
		if tbl.HasCage(cageID) {
			t.Errorf("cage %d still present after RemoveCage", cageID)
		}
	})
}

func TestExecCage(t *testing.T) {
	runTest(t, func(tbl *Table, closes *[]closed) {
		tbl.NewFDAt(cageID, 0, host(40))
		tbl.NewFDAt(cageID, 1, Entry{Kind: KindHost, Underlying: 41, Flags: FDFlags{CloseOnExec: true}})
		tbl.ExecCage(cageID)
		want := map[uint64]Entry{0: host(40)}
		if diff := cmp.Diff(want, tbl.Snapshot(cageID)); diff != "" {
			t.Errorf("table after exec (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]closed{{Underlying: 41, Last: true}}, *closes); diff != "" {
			t.Errorf("close handler calls (-want +got):\n%s", diff)
		}
	})
}

// Close handlers may call back into the table.
func TestCloseHandlerReentry(t *testing.T) {
	tbl := New()
	tbl.InitCage(cageID)
	tbl.RegisterCloseHandlers(KindHost, CloseHandlers{
		Last: func(e Entry) {
			if tbl.HasCage(cageID) {
				t.Errorf("cage still present while its last descriptor closes")
			}
		},
	})
	tbl.NewFDAt(cageID, 0, host(40))
	tbl.RemoveCage(cageID)
}

func TestConcurrentCages(t *testing.T) {
	tbl := New()
	var wg sync.WaitGroup
	for id := uint64(1); id <= 16; id++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := tbl.InitCage(id); err != nil {
				t.Errorf("InitCage(%d) failed: %v", id, err)
				return
			}
			for i := 0; i < 8; i++ {
				if _, err := tbl.NewFD(id, 0, host(100)); err != nil {
					t.Errorf("NewFD in cage %d failed: %v", id, err)
				}
			}
			tbl.RemoveCage(id)
		}()
	}
	wg.Wait()
	if n := tbl.Refs(KindHost, 100); n != 0 {
		t.Errorf("Refs after removing every cage = %d, want 0", n)
	}
}
