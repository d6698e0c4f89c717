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
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newTable() *HandlerTable {
	return NewHandlerTable(NewExitingSet())
}

func mustRegister(t *testing.T, h *HandlerTable, target, callnum, handler, dest uint64) {
	t.Helper()
	if err := h.Register(target, callnum, handler, dest); err != nil {
		t.Fatalf("Register(%d, %d, %d, %d) failed: %v", target, callnum, handler, dest, err)
	}
}

func TestRegisterConflict(t *testing.T) {
	h := newTable()
	mustRegister(t, h, 7, 34, 11, 99)
	if err := h.Register(7, 34, 11, 100); !errors.Is(err, ErrConflict) {
		t.Fatalf("conflicting Register: got %v, want ErrConflict", err)
	}
	if got := EncodeStatus(h.Register(7, 34, 11, 100)); got != ELINDAPIABORTED {
		t.Errorf("conflict status: got %#x, want %#x", got, ELINDAPIABORTED)
	}
	want := []Binding{{Handler: 11, Dest: 99}}
	if diff := cmp.Diff(want, h.Bindings(7, 34)); diff != "" {
		t.Errorf("bindings after conflict (-want +got):\n%s", diff)
	}
}

func TestRegisterIdempotent(t *testing.T) {
	h := newTable()
	mustRegister(t, h, 7, 34, 11, 99)
	mustRegister(t, h, 7, 34, 11, 99)
	want := []Binding{{Handler: 11, Dest: 99}}
	if diff := cmp.Diff(want, h.Bindings(7, 34)); diff != "" {
		t.Errorf("bindings (-want +got):\n%s", diff)
	}
}

func TestDeregisterMissing(t *testing.T) {
	h := newTable()
	if err := h.Register(7, 34, 0, Deregister); err != nil {
		t.Errorf("deregister-all of missing entry: got %v, want nil", err)
	}
	if err := h.Register(7, 34, 0, 90); err != nil {
		t.Errorf("selective deregister of missing entry: got %v, want nil", err)
	}
	if h.Len() != 0 {
		t.Errorf("deregistering created entries: %v", h)
	}
}

func TestDeregisterAll(t *testing.T) {
	h := newTable()
	mustRegister(t, h, 7, 34, 1, 90)
	mustRegister(t, h, 7, 34, 2, 91)
	mustRegister(t, h, 7, 35, 1, 90)
	mustRegister(t, h, 7, 34, 0, Deregister)
	if got := h.Bindings(7, 34); got != nil {
		t.Errorf("bindings after deregister-all: got %v, want none", got)
	}
	if diff := cmp.Diff([]Binding{{1, 90}}, h.Bindings(7, 35)); diff != "" {
		t.Errorf("other syscall changed (-want +got):\n%s", diff)
	}
}

func TestSelectiveDeregister(t *testing.T) {
	h := newTable()
	mustRegister(t, h, 7, 34, 1, 90)
	mustRegister(t, h, 7, 34, 2, 91)
	mustRegister(t, h, 7, 34, 3, 90)
	mustRegister(t, h, 7, 34, 0, 90)
	want := []Binding{{Handler: 2, Dest: 91}}
	if diff := cmp.Diff(want, h.Bindings(7, 34)); diff != "" {
		t.Errorf("bindings (-want +got):\n%s", diff)
	}
}

func TestCopyToCageMerges(t *testing.T) {
	h := newTable()
	mustRegister(t, h, 1, 34, 11, 99)
	mustRegister(t, h, 1, 34, 12, 100)
	mustRegister(t, h, 2, 34, 11, 77)
	if err := h.CopyToCage(2, 1); err != nil {
		t.Fatalf("CopyToCage failed: %v", err)
	}
	want := []Binding{{Handler: 11, Dest: 77}, {Handler: 12, Dest: 100}}
	if diff := cmp.Diff(want, h.Bindings(2, 34)); diff != "" {
		t.Errorf("dest bindings (-want +got):\n%s", diff)
	}
	src := []Binding{{Handler: 11, Dest: 99}, {Handler: 12, Dest: 100}}
	if diff := cmp.Diff(src, h.Bindings(1, 34)); diff != "" {
		t.Errorf("source bindings changed (-want +got):\n%s", diff)
	}
}

func TestCopyToCageNoSource(t *testing.T) {
	h := newTable()
	err := h.CopyToCage(2, 1)
	if !errors.Is(err, ErrNoSourceTable) {
		t.Fatalf("CopyToCage from empty source: got %v, want ErrNoSourceTable", err)
	}
	if got := EncodeStatus(err); got != ELINDAPIABORTED {
		t.Errorf("status: got %#x, want %#x", got, ELINDAPIABORTED)
	}
	if h.HasCage(2) {
		t.Errorf("failed copy created a destination entry")
	}
}

func TestExitingGatesMutation(t *testing.T) {
	for _, tc := range []struct {
		name string
		op   func(h *HandlerTable) error
	}{
		{"register target", func(h *HandlerTable) error { return h.Register(5, 34, 11, 99) }},
		{"register dest", func(h *HandlerTable) error { return h.Register(7, 34, 11, 5) }},
		{"deregister target", func(h *HandlerTable) error { return h.Register(5, 34, 0, Deregister) }},
		{"copy dest", func(h *HandlerTable) error { return h.CopyToCage(5, 7) }},
		{"copy source", func(h *HandlerTable) error { return h.CopyToCage(8, 5) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newTable()
			mustRegister(t, h, 5, 34, 11, 99)
			mustRegister(t, h, 7, 34, 12, 99)
			before := h.Snapshot()
			h.Exiting().Add(5)

			err := tc.op(h)
			if !errors.Is(err, ErrExiting) {
				t.Fatalf("got %v, want ErrExiting", err)
			}
			if got := EncodeStatus(err); got != ELINDESRCH {
				t.Errorf("status: got %#x, want %#x", got, ELINDESRCH)
			}
			if diff := cmp.Diff(before, h.Snapshot()); diff != "" {
				t.Errorf("table mutated (-before +after):\n%s", diff)
			}
		})
	}
}

func TestGarbageCollection(t *testing.T) {
	h := newTable()
	mustRegister(t, h, 7, 34, 11, 99)
	mustRegister(t, h, 7, 34, 0, 99)
	if h.HasCage(7) {
		t.Errorf("cage 7 present after its last binding was removed: %v", h.Snapshot())
	}

	mustRegister(t, h, 7, 34, 11, 99)
	mustRegister(t, h, 7, 35, 11, 98)
	mustRegister(t, h, 7, 34, 0, Deregister)
	if !h.HasCage(7) {
		t.Fatalf("cage 7 absent while syscall 35 is still bound")
	}
	if _, ok := h.Snapshot()[7][34]; ok {
		t.Errorf("empty syscall entry 34 kept")
	}
	mustRegister(t, h, 7, 35, 0, Deregister)
	if h.HasCage(7) || h.Len() != 0 {
		t.Errorf("cage 7 present after all entries were removed")
	}
}

func TestLookup(t *testing.T) {
	h := newTable()
	mustRegister(t, h, 7, 34, 12, 99)
	mustRegister(t, h, 7, 34, 11, 98)
	mustRegister(t, h, 7, MatchAll, 20, 50)

	for _, tc := range []struct {
		cage, callnum uint64
		want          Binding
		ok            bool
	}{
		{7, 34, Binding{Handler: 11, Dest: 98}, true},
		{7, 0, Binding{Handler: 20, Dest: 50}, true},
		{8, 34, Binding{}, false},
	} {
		got, ok := h.Lookup(tc.cage, tc.callnum)
		if ok != tc.ok || got != tc.want {
			t.Errorf("Lookup(%d, %d) = %v, %t; want %v, %t", tc.cage, tc.callnum, got, ok, tc.want, tc.ok)
		}
	}
}

func TestRemoveDestination(t *testing.T) {
	h := newTable()
	mustRegister(t, h, 1, 34, 11, 99)
	mustRegister(t, h, 2, 34, 11, 99)
	mustRegister(t, h, 2, 35, 12, 98)
	h.RemoveDestination(99)
	want := map[uint64]CallTable{
		2: {35: {12: 98}},
	}
	if diff := cmp.Diff(want, h.Snapshot()); diff != "" {
		t.Errorf("table (-want +got):\n%s", diff)
	}
}

func TestMarkAndFinishExiting(t *testing.T) {
	h := newTable()
	mustRegister(t, h, 1, 34, 11, 5)
	mustRegister(t, h, 5, 34, 11, 99)
	h.MarkExiting(5)
	if !h.Exiting().Contains(5) {
		t.Fatalf("cage 5 not exiting after MarkExiting")
	}
	if h.HasCage(1) {
		t.Errorf("binding to exiting cage 5 survived MarkExiting")
	}
	if !h.HasCage(5) {
		t.Errorf("MarkExiting dropped cage 5's own bindings")
	}
	h.FinishExiting(5)
	if h.Exiting().Contains(5) || h.HasCage(5) {
		t.Errorf("cage 5 still present after FinishExiting: exiting=%v table=%v", h.Exiting().IDs(), h.Snapshot())
	}
	mustRegister(t, h, 5, 34, 11, 99)
}

func TestSnapshotIsDeep(t *testing.T) {
	h := newTable()
	mustRegister(t, h, 1, 34, 11, 99)
	snap := h.Snapshot()
	snap[1][34][11] = 7
	snap[1][35] = Targets{1: 1}
	want := []Binding{{Handler: 11, Dest: 99}}
	if diff := cmp.Diff(want, h.Bindings(1, 34)); diff != "" {
		t.Errorf("table changed through snapshot (-want +got):\n%s", diff)
	}
	if h.Bindings(1, 35) != nil {
		t.Errorf("snapshot insert visible in table")
	}
}

func TestString(t *testing.T) {
	h := newTable()
	mustRegister(t, h, 2, 34, 0x11, 99)
	mustRegister(t, h, 1, 35, 0x12, 98)
	mustRegister(t, h, 1, 35, 0x10, 97)
	want := "cage 1 call 35: 0x10@97 0x12@98\ncage 2 call 34: 0x11@99\n"
	if got := h.String(); got != want {
		t.Errorf("String() =\n%s\nwant\n%s", got, want)
	}
}

// Registrations racing an exit either land before MarkExiting, and are then
// purged, or fail with ErrExiting.
func TestRegisterRacesExit(t *testing.T) {
	h := newTable()
	var wg sync.WaitGroup
	for i := uint64(0); i < 16; i++ {
		wg.Add(1)
		go func(i uint64) {
			defer wg.Done()
			for j := uint64(1); j <= 50; j++ {
				err := h.Register(100+i, j, j, 5)
				if err != nil && !errors.Is(err, ErrExiting) {
					panic(fmt.Sprintf("Register: %v", err))
				}
			}
		}(i)
	}
	h.MarkExiting(5)
	wg.Wait()
	if s := h.String(); strings.Contains(s, "@5") {
		t.Errorf("binding to exiting cage 5 survived:\n%s", s)
	}
}
