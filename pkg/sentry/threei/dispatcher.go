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
	"time"

	"gvisor.dev/rawposix/pkg/abi/linux"
	"gvisor.dev/rawposix/pkg/log"
	"gvisor.dev/rawposix/pkg/sentry/arch"
	"gvisor.dev/rawposix/pkg/sentry/cage"
	"gvisor.dev/rawposix/pkg/sentry/mm"
)

// routeLog throttles messages a guest can trigger at will.
var routeLog = log.BasicRateLimitedLogger(time.Second)

// Dispatcher routes syscalls either to an interposing grate or to the
// default syscall table.
type Dispatcher struct {
	handlers *HandlerTable
	grates   *GrateRegistry
	syscalls *SyscallTable
	cages    *cage.Table
}

// NewDispatcher returns a dispatcher over the given tables.
func NewDispatcher(handlers *HandlerTable, grates *GrateRegistry, syscalls *SyscallTable, cages *cage.Table) *Dispatcher {
	return &Dispatcher{
		handlers: handlers,
		grates:   grates,
		syscalls: syscalls,
		cages:    cages,
	}
}

// Handlers returns the handler table.
func (d *Dispatcher) Handlers() *HandlerTable { return d.handlers }

// Grates returns the grate registry.
func (d *Dispatcher) Grates() *GrateRegistry { return d.grates }

// Syscalls returns the default syscall table.
func (d *Dispatcher) Syscalls() *SyscallTable { return d.syscalls }

// MakeSyscall performs syscall callnum on behalf of selfCage, acting on
// targetCage. It is the single entry point for guest syscalls and is not
// itself interposable.
//
//   - If targetCage is exiting, every call but exit fails with ELINDESRCH.
//   - If selfCage has a binding for callnum, the call is handed to the
//     bound grate and the grate's result is returned.
//   - Otherwise the default implementation runs. Exit first withdraws
//     selfCage as an interposition destination.
//
// A call with no route returns ELINDAPIABORTED.
func (d *Dispatcher) MakeSyscall(selfCage, callnum, targetCage uint64, args arch.SyscallArguments) int32 {
	if callnum != ExitSyscall && d.handlers.Exiting().Contains(targetCage) {
		return Status32(ELINDESRCH)
	}

	if b, ok := d.handlers.Lookup(selfCage, callnum); ok {
		ret, err := d.grates.Call(b.Dest, GrateCall{
			Handler:    b.Handler,
			Callnum:    callnum,
			SelfCage:   selfCage,
			TargetCage: targetCage,
			Args:       args,
		})
		if err != nil {
			routeLog.Warningf("Cage %d syscall %d routed to grate %d: %v", selfCage, callnum, b.Dest, err)
			return Status32(EncodeStatus(err))
		}
		return ret
	}

	if callnum == ExitSyscall {
		// The exit may be issued from inside one of selfCage's own grate
		// callbacks, so running calls are not waited for here.
		d.handlers.RemoveDestination(selfCage)
		d.grates.Revoke(selfCage)
	}

	fn := d.syscalls.Lookup(callnum)
	if fn == nil {
		routeLog.Warningf("Cage %d made unknown syscall %d", selfCage, callnum)
		return Status32(EncodeStatus(ErrNoRoute))
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("Cage %d: %s(%v) -> cage %d", selfCage, d.syscalls.LookupName(callnum), args, targetCage)
	}
	return fn(targetCage, args)
}

// RegisterHandler is the guest-facing form of HandlerTable.Register.
func (d *Dispatcher) RegisterHandler(target, callnum, handler, dest uint64) uint64 {
	return EncodeStatus(d.handlers.Register(target, callnum, handler, dest))
}

// CopyHandlerTableToCage is the guest-facing form of
// HandlerTable.CopyToCage.
func (d *Dispatcher) CopyHandlerTableToCage(dest, src uint64) uint64 {
	return EncodeStatus(d.handlers.CopyToCage(dest, src))
}

// TriggerHarshCageExit starts the unclean exit of target. target is marked
// exiting and withdrawn as a destination before anything else runs, so no
// new call can reach it.
func (d *Dispatcher) TriggerHarshCageExit(target, exitType uint64) {
	d.handlers.MarkExiting(target)
	d.HarshCageExit(target, exitType)
}

// HarshCageExit exits target without touching its memory and purges it from
// the handler table. It always returns 0.
func (d *Dispatcher) HarshCageExit(target, exitType uint64) uint64 {
	d.MakeSyscall(target, ExitSyscall, target, arch.Args(arch.Arg(exitType, target)))
	d.handlers.FinishExiting(target)
	return 0
}

// CopyDataBetweenCages copies length bytes, or a string of at most length
// bytes, from srcAddr in srcCage to destAddr in destCage. copyType 0 selects
// a raw copy and 1 a string copy. It returns destAddr on success and
// ELINDAPIABORTED otherwise.
//
// Source and destination must be different cages, length must not be 0 and
// destAddr must not be 0.
func (d *Dispatcher) CopyDataBetweenCages(thisCage, srcAddr, srcCage, destAddr, destCage, length, copyType uint64) uint64 {
	switch {
	case srcCage == destCage:
		routeLog.Warningf("Cage %d: copy within cage %d", thisCage, srcCage)
		return ELINDAPIABORTED
	case length == 0:
		routeLog.Warningf("Cage %d: empty copy", thisCage)
		return ELINDAPIABORTED
	case length > linux.MaxLinearMemorySize:
		routeLog.Warningf("Cage %d: copy length %#x too large", thisCage, length)
		return ELINDAPIABORTED
	case destAddr == 0:
		routeLog.Warningf("Cage %d: copy without a destination address", thisCage)
		return ELINDAPIABORTED
	}

	n, err := mm.CopyBetweenCages(d.cages, srcCage, srcAddr, destCage, destAddr, length, mm.CopyMode(copyType))
	if err != nil {
		routeLog.Warningf("Cage %d: copy %#x@%d -> %#x@%d: %v", thisCage, srcAddr, srcCage, destAddr, destCage, err)
		return ELINDAPIABORTED
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("Cage %d: copied %d bytes %#x@%d -> %#x@%d", thisCage, n, srcAddr, srcCage, destAddr, destCage)
	}
	return destAddr
}
