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

package rawposix

import (
	"gvisor.dev/rawposix/pkg/sentry/arch"
	"gvisor.dev/rawposix/pkg/sentry/mm"
)

// Brk implements brk(2). It returns 0 on success.
func (s *Syscalls) Brk(target uint64, args arch.SyscallArguments) (int32, error) {
	as, err := s.k.AddressSpace(target)
	if err != nil {
		return 0, err
	}
	return 0, as.Brk(args[0].Uint())
}

// Sbrk moves the break by args[0] bytes and returns the previous break.
func (s *Syscalls) Sbrk(target uint64, args arch.SyscallArguments) (int32, error) {
	as, err := s.k.AddressSpace(target)
	if err != nil {
		return 0, err
	}
	old, err := as.Sbrk(args[0].Int())
	return int32(old), err
}

// Mmap implements mmap(2). The guest address is returned as a 32-bit value;
// it is page aligned, so it never reads as an errno.
func (s *Syscalls) Mmap(target uint64, args arch.SyscallArguments) (int32, error) {
	as, err := s.k.AddressSpace(target)
	if err != nil {
		return 0, err
	}
	// args[4], the file descriptor, is unused: only anonymous mappings are
	// supported.
	addr, err := as.MMap(mm.MMapOpts{
		Addr:   args[0].Uint64(),
		Length: args[1].Uint64(),
		Prot:   args[2].Int(),
		Flags:  args[3].Int(),
		Offset: args[5].Int64(),
	})
	return int32(addr), err
}

// Munmap implements munmap(2).
func (s *Syscalls) Munmap(target uint64, args arch.SyscallArguments) (int32, error) {
	as, err := s.k.AddressSpace(target)
	if err != nil {
		return 0, err
	}
	return 0, as.MUnmap(args[0].Uint64(), args[1].Uint64())
}

// Mprotect implements mprotect(2).
func (s *Syscalls) Mprotect(target uint64, args arch.SyscallArguments) (int32, error) {
	as, err := s.k.AddressSpace(target)
	if err != nil {
		return 0, err
	}
	return 0, as.MProtect(args[0].Uint64(), args[1].Uint64(), args[2].Int())
}
