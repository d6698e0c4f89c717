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
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/rawposix/pkg/abi/linux"
	"gvisor.dev/rawposix/pkg/hostarch"
	"gvisor.dev/rawposix/pkg/sentry/arch"
	"gvisor.dev/rawposix/pkg/sentry/cage"
	"gvisor.dev/rawposix/pkg/sentry/mm"
	"gvisor.dev/rawposix/pkg/sentry/vmmap"
)

const getpid = 39

type call struct {
	Target uint64
	Num    uint64
}

type testDispatcher struct {
	*Dispatcher
	calls []call
}

func newTestDispatcher(t *testing.T) *testDispatcher {
	t.Helper()
	td := &testDispatcher{}
	record := func(num uint64, ret int32) SyscallFn {
		return func(target uint64, _ arch.SyscallArguments) int32 {
			td.calls = append(td.calls, call{Target: target, Num: num})
			return ret
		}
	}
	table := NewSyscallTable(map[uint64]Syscall{
		getpid:      {Name: "getpid", Fn: record(getpid, 7)},
		ExitSyscall: {Name: "exit", Fn: record(ExitSyscall, 0)},
	})
	handlers := NewHandlerTable(NewExitingSet())
	td.Dispatcher = NewDispatcher(handlers, NewGrateRegistry(0), table, cage.NewTable(16))
	return td
}

func TestMakeSyscallDefault(t *testing.T) {
	d := newTestDispatcher(t)
	if got := d.MakeSyscall(1, getpid, 1, arch.SyscallArguments{}); got != 7 {
		t.Errorf("getpid = %d, want 7", got)
	}
	if got := uint64(uint32(d.MakeSyscall(1, 999, 1, arch.SyscallArguments{}))); got != ELINDAPIABORTED&0xffff_ffff {
		t.Errorf("unknown syscall = %#x, want ELINDAPIABORTED", got)
	}
	want := []call{{Target: 1, Num: getpid}}
	if diff := cmp.Diff(want, d.calls); diff != "" {
		t.Errorf("default calls (-want +got):\n%s", diff)
	}
}

func TestMakeSyscallInterposed(t *testing.T) {
	d := newTestDispatcher(t)
	var got []GrateCall
	d.Grates().Register(9, func(c GrateCall) int32 {
		got = append(got, c)
		return 100
	})
	if st := d.RegisterHandler(1, getpid, 0x40, 9); st != 0 {
		t.Fatalf("RegisterHandler = %#x", st)
	}
	args := arch.Args(arch.Arg(5, 1))
	if ret := d.MakeSyscall(1, getpid, 1, args); ret != 100 {
		t.Errorf("interposed getpid = %d, want 100", ret)
	}
	want := []GrateCall{{Handler: 0x40, Callnum: getpid, SelfCage: 1, TargetCage: 1, Args: args}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("grate calls (-want +got):\n%s", diff)
	}
	if len(d.calls) != 0 {
		t.Errorf("default table reached for interposed call: %v", d.calls)
	}

	// Other cages are not interposed.
	if ret := d.MakeSyscall(2, getpid, 2, arch.SyscallArguments{}); ret != 7 {
		t.Errorf("getpid from cage 2 = %d, want 7", ret)
	}
}

func TestMakeSyscallMissingGrate(t *testing.T) {
	d := newTestDispatcher(t)
	if st := d.RegisterHandler(1, getpid, 0x40, 9); st != 0 {
		t.Fatalf("RegisterHandler = %#x", st)
	}
	if got := d.MakeSyscall(1, getpid, 1, arch.SyscallArguments{}); got != Status32(ELINDAPIABORTED) {
		t.Errorf("call to grate without callback = %#x, want ELINDAPIABORTED", uint32(got))
	}
}

func TestMakeSyscallExitingTarget(t *testing.T) {
	d := newTestDispatcher(t)
	d.Handlers().Exiting().Add(3)
	if got := d.MakeSyscall(1, getpid, 3, arch.SyscallArguments{}); got != Status32(ELINDESRCH) {
		t.Errorf("call targeting exiting cage = %#x, want ELINDESRCH", uint32(got))
	}
	if got := d.MakeSyscall(3, ExitSyscall, 3, arch.SyscallArguments{}); got != 0 {
		t.Errorf("exit of exiting cage = %d, want 0", got)
	}
}

func TestMakeSyscallExitWithdrawsGrate(t *testing.T) {
	d := newTestDispatcher(t)
	d.Grates().Register(9, func(GrateCall) int32 { return 100 })
	if st := d.RegisterHandler(1, getpid, 0x40, 9); st != 0 {
		t.Fatalf("RegisterHandler = %#x", st)
	}
	if got := d.MakeSyscall(9, ExitSyscall, 9, arch.SyscallArguments{}); got != 0 {
		t.Fatalf("grate exit = %d", got)
	}
	if d.Handlers().HasCage(1) {
		t.Errorf("binding to exited grate survived")
	}
	if got := d.Grates().State(9); got != GrateDead {
		t.Errorf("grate state after exit = %v, want dead", got)
	}
	if ret := d.MakeSyscall(1, getpid, 1, arch.SyscallArguments{}); ret != 7 {
		t.Errorf("getpid after grate exit = %d, want default 7", ret)
	}
}

func TestMakeSyscallGrateExitsFromOwnCallback(t *testing.T) {
	d := newTestDispatcher(t)
	d.Grates().Register(9, func(GrateCall) int32 {
		return d.MakeSyscall(9, ExitSyscall, 9, arch.SyscallArguments{})
	})
	if st := d.RegisterHandler(1, getpid, 0x40, 9); st != 0 {
		t.Fatalf("RegisterHandler = %#x", st)
	}

	start := time.Now()
	if ret := d.MakeSyscall(1, getpid, 1, arch.SyscallArguments{}); ret != 0 {
		t.Errorf("getpid handled by exiting grate = %d, want 0", ret)
	}
	if elapsed := time.Since(start); elapsed >= DefaultGrateDrainTimeout/2 {
		t.Errorf("grate exit from its own callback took %v", elapsed)
	}
	if got := d.Grates().State(9); got != GrateDead {
		t.Errorf("grate state after exit = %v, want dead", got)
	}
	if _, err := d.Grates().Call(9, GrateCall{}); err == nil {
		t.Errorf("Call to exited grate succeeded")
	}
}

func TestHarshCageExit(t *testing.T) {
	d := newTestDispatcher(t)
	d.Grates().Register(5, func(GrateCall) int32 { return 100 })
	for _, st := range []uint64{
		d.RegisterHandler(1, getpid, 0x40, 5),
		d.RegisterHandler(5, getpid, 0x41, 9),
	} {
		if st != 0 {
			t.Fatalf("RegisterHandler = %#x", st)
		}
	}

	d.TriggerHarshCageExit(5, 11)

	want := []call{{Target: 5, Num: ExitSyscall}}
	if diff := cmp.Diff(want, d.calls); diff != "" {
		t.Errorf("default calls (-want +got):\n%s", diff)
	}
	if d.Handlers().Len() != 0 {
		t.Errorf("handler table not empty after harsh exit:\n%v", d.Handlers())
	}
	if d.Handlers().Exiting().Contains(5) {
		t.Errorf("cage 5 still exiting after harsh exit")
	}
}

func TestCopyHandlerTableToCage(t *testing.T) {
	d := newTestDispatcher(t)
	if st := d.CopyHandlerTableToCage(2, 1); st != ELINDAPIABORTED {
		t.Errorf("copy from empty source = %#x, want ELINDAPIABORTED", st)
	}
	d.RegisterHandler(1, getpid, 0x40, 9)
	if st := d.CopyHandlerTableToCage(2, 1); st != 0 {
		t.Errorf("copy = %#x, want 0", st)
	}
	if b, ok := d.Handlers().Lookup(2, getpid); !ok || b != (Binding{Handler: 0x40, Dest: 9}) {
		t.Errorf("Lookup(2, getpid) = %v, %t", b, ok)
	}
	d.Handlers().Exiting().Add(2)
	if st := d.CopyHandlerTableToCage(2, 1); st != ELINDESRCH {
		t.Errorf("copy to exiting cage = %#x, want ELINDESRCH", st)
	}
}

func addMappedCage(t *testing.T, cages *cage.Table, id uint64) *mm.LinearMemory {
	t.Helper()
	m, err := mm.NewLinearMemory(4)
	if err != nil {
		t.Fatalf("NewLinearMemory failed: %v", err)
	}
	t.Cleanup(func() { m.Release() })
	if err := m.Map(0, hostarch.PageSize, linux.PROT_READ|linux.PROT_WRITE, linux.MAP_PRIVATE); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	c := cage.New(id, 1, "/", cage.UnsetCredentials())
	mm.InitVmmap(c, m.Base(), 0)
	if err := c.Vmmap().AddEntry(vmmap.Entry{
		PageNum: 0,
		NPages:  1,
		Prot:    linux.PROT_READ | linux.PROT_WRITE,
		MaxProt: linux.PROT_READ | linux.PROT_WRITE,
		Flags:   linux.MAP_PRIVATE | linux.MAP_ANONYMOUS,
		Backing: vmmap.Anonymous(),
	}); err != nil {
		t.Fatalf("AddEntry failed: %v", err)
	}
	cages.Add(id, c)
	return m
}

func TestCopyDataBetweenCages(t *testing.T) {
	d := newTestDispatcher(t)
	srcMem := addMappedCage(t, d.cages, 1)
	dstMem := addMappedCage(t, d.cages, 2)
	src, _ := srcMem.Bytes(0x10, 8)
	copy(src, "abc\x00xyz")
	dst, _ := dstMem.Bytes(0x20, 8)

	if got := d.CopyDataBetweenCages(3, 0x10, 1, 0x20, 2, 8, 1); got != 0x20 {
		t.Fatalf("string copy = %#x, want 0x20", got)
	}
	if got := string(dst[:5]); got != "abc\x00\x00" {
		t.Errorf("destination after string copy = %q", got)
	}

	for _, tc := range []struct {
		name                       string
		srcAddr, srcCage, destAddr uint64
		destCage, length, copyType uint64
	}{
		{"same cage", 0x10, 1, 0x20, 1, 8, 0},
		{"empty", 0x10, 1, 0x20, 2, 0, 0},
		{"too long", 0x10, 1, 0x20, 2, linux.MaxLinearMemorySize + 1, 0},
		{"no destination", 0x10, 1, 0, 2, 8, 0},
		{"bad copy type", 0x10, 1, 0x20, 2, 8, 2},
		{"unmapped source", 0x2000, 1, 0x20, 2, 8, 0},
		{"missing cage", 0x10, 1, 0x20, 4, 8, 0},
	} {
		if got := d.CopyDataBetweenCages(3, tc.srcAddr, tc.srcCage, tc.destAddr, tc.destCage, tc.length, tc.copyType); got != ELINDAPIABORTED {
			t.Errorf("%s: got %#x, want ELINDAPIABORTED", tc.name, got)
		}
	}
}
