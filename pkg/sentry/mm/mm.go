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

// Package mm ties a cage's vmmap to the host memory that backs its linear
// memory. It owns every operation that turns a guest address into host
// memory access: the checked address API used by syscall implementations and
// the fork-time replication of a parent's memory into its child.
//
// Host memory is never touched through an address that did not first pass
// vmmap.Vmmap.Translate, except during fork replication, which walks the
// parent's own region list.
package mm

import (
	"errors"
	"fmt"
	"time"

	"gvisor.dev/rawposix/pkg/errors/linuxerr"
	"gvisor.dev/rawposix/pkg/hostarch"
	"gvisor.dev/rawposix/pkg/log"
	"gvisor.dev/rawposix/pkg/sentry/cage"
	"gvisor.dev/rawposix/pkg/sentry/vmmap"
)

// ErrNoCage is returned when an address operation names a cage that is not
// in the table.
var ErrNoCage = errors.New("no such cage")

// faultLog throttles guest-triggered fault messages.
var faultLog = log.BasicRateLimitedLogger(time.Second)

// CheckAndConvertAddr validates [addr, addr+length) in cage cageID for prot
// and returns the host address of addr.
func CheckAndConvertAddr(cages *cage.Table, cageID, addr, length uint64, prot int32) (uintptr, error) {
	c := cages.Get(cageID)
	if c == nil {
		return 0, fmt.Errorf("cage %d: %w", cageID, ErrNoCage)
	}
	host, err := c.Vmmap().Translate(addr, length, prot)
	if err != nil {
		if linuxerr.Equals(linuxerr.EFAULT, err) && faultLog.IsLogging(log.Debug) {
			faultLog.Debugf("cage %d: fault at [%#x, +%#x) prot %#x", cageID, addr, length, prot)
		}
		return 0, err
	}
	return host, nil
}

// CheckAddr is CheckAndConvertAddr without the conversion.
func CheckAddr(cages *cage.Table, cageID, addr, length uint64, prot int32) error {
	_, err := CheckAndConvertAddr(cages, cageID, addr, length, prot)
	return err
}

// TranslateVmmapAddr returns the host address of addr in c without any
// mapping check. It is only for addresses the runtime produced itself.
func TranslateVmmapAddr(c *cage.Cage, addr uint64) (uintptr, error) {
	if addr > 0xFFFF_FFFF {
		return 0, linuxerr.EFAULT
	}
	return c.Vmmap().UserToSys(uint32(addr))
}

// InitVmmap records c's linear memory base address and initial program
// break.
func InitVmmap(c *cage.Cage, base uintptr, programBreak uint32) {
	vm := c.Vmmap()
	vm.SetBaseAddress(base)
	vm.SetProgramBreak(programBreak)
}

// Attach binds mem to c: it sets the base address, bounds free-space searches
// to the reservation and sets the initial program break.
func Attach(c *cage.Cage, mem *LinearMemory, programBreak uint32) {
	InitVmmap(c, mem.Base(), programBreak)
	c.Vmmap().SetEndPage(uint32(min(mem.Size()>>hostarch.PageShift, vmmap.DefaultEndPage)))
}

// ForkVmmap replicates the memory of cage parentID into cage childID. Both
// cages must be in the table, and the child must not run guest code until it
// returns.
func ForkVmmap(cages *cage.Table, parentID, childID uint64) error {
	parent := cages.Get(parentID)
	if parent == nil {
		return fmt.Errorf("fork parent %d: %w", parentID, ErrNoCage)
	}
	child := cages.Get(childID)
	if child == nil {
		return fmt.Errorf("fork child %d: %w", childID, ErrNoCage)
	}
	return ForkMemory(parent.Vmmap(), child.Vmmap())
}
