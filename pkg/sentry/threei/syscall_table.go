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
	"fmt"
	"sort"

	"gvisor.dev/rawposix/pkg/sentry/arch"
)

// SyscallFn is the default implementation of a syscall. targetCage is the
// cage the call acts on. The result is the value returned to the guest:
// non-negative on success, a negated errno on failure.
type SyscallFn func(targetCage uint64, args arch.SyscallArguments) int32

// SyscallSupportLevel is a syscall support level.
type SyscallSupportLevel int

// String returns a human readable representation of the support level.
func (l SyscallSupportLevel) String() string {
	switch l {
	case SupportUnimplemented:
		return "Unimplemented"
	case SupportPartial:
		return "Partial Support"
	case SupportFull:
		return "Full Support"
	default:
		return "Undocumented"
	}
}

const (
	// SupportUndocumented indicates the syscall is not documented yet.
	SupportUndocumented = iota

	// SupportUnimplemented indicates the syscall is unimplemented.
	SupportUnimplemented

	// SupportPartial indicates the syscall is partially supported.
	SupportPartial

	// SupportFull indicates the syscall is fully supported.
	SupportFull
)

// Syscall includes the syscall implementation and related metadata.
type Syscall struct {
	// Name is the syscall name.
	Name string

	// Fn is the implementation of the syscall.
	Fn SyscallFn

	// SupportLevel is the level of support implemented.
	SupportLevel SyscallSupportLevel

	// Note describes any deviation from Linux behavior.
	Note string
}

// SyscallTable maps syscall numbers to their default implementations. It is
// read-only once built.
type SyscallTable struct {
	// Table is the collection of functions.
	Table map[uint64]Syscall
}

// NewSyscallTable validates table and wraps it.
//
// Precondition: no entry has a nil Fn.
func NewSyscallTable(table map[uint64]Syscall) *SyscallTable {
	for num, sc := range table {
		if sc.Fn == nil {
			panic(fmt.Sprintf("syscall %d (%q) has no implementation", num, sc.Name))
		}
	}
	return &SyscallTable{Table: table}
}

// Lookup returns the syscall implementation, if one exists.
func (s *SyscallTable) Lookup(num uint64) SyscallFn {
	if sc, ok := s.Table[num]; ok {
		return sc.Fn
	}
	return nil
}

// LookupName looks up a syscall name.
func (s *SyscallTable) LookupName(num uint64) string {
	if sc, ok := s.Table[num]; ok {
		return sc.Name
	}
	return fmt.Sprintf("sys_%d", num)
}

// Numbers returns the syscall numbers in the table in ascending order.
func (s *SyscallTable) Numbers() []uint64 {
	nums := make([]uint64, 0, len(s.Table))
	for num := range s.Table {
		nums = append(nums, num)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums
}

// Len returns the number of syscalls in the table.
func (s *SyscallTable) Len() int {
	return len(s.Table)
}
