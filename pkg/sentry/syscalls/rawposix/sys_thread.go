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
	"gvisor.dev/rawposix/pkg/abi/linux"
	"gvisor.dev/rawposix/pkg/hostarch"
	"gvisor.dev/rawposix/pkg/sentry/arch"
	"gvisor.dev/rawposix/pkg/sentry/mm"
	"gvisor.dev/rawposix/pkg/sentry/syscalls"
)

// Fork creates a child of target. args[0] is the id the host runtime chose
// for the child, or 0 to allocate one. It returns the child's id.
func (s *Syscalls) Fork(target uint64, args arch.SyscallArguments) (int32, error) {
	var childID uint64
	if !syscalls.Unused(args[0]) {
		childID = args[0].Uint64()
	}
	id, err := s.k.Fork(target, childID)
	if err != nil {
		return 0, err
	}
	return int32(id), nil
}

// Exec resets target for a new program image.
func (s *Syscalls) Exec(target uint64, args arch.SyscallArguments) (int32, error) {
	return 0, s.k.Exec(target)
}

// Exit removes target with the status in args[0] and returns that status.
func (s *Syscalls) Exit(target uint64, args arch.SyscallArguments) (int32, error) {
	status := args[0].Int()
	if err := s.k.Exit(target, status); err != nil {
		return 0, err
	}
	return status, nil
}

// GetPID implements getpid(2).
func (s *Syscalls) GetPID(target uint64, args arch.SyscallArguments) (int32, error) {
	c, err := s.k.Cage(target)
	if err != nil {
		return 0, err
	}
	return int32(c.ID), nil
}

// GetPPID implements getppid(2).
func (s *Syscalls) GetPPID(target uint64, args arch.SyscallArguments) (int32, error) {
	c, err := s.k.Cage(target)
	if err != nil {
		return 0, err
	}
	return int32(c.Parent), nil
}

// WaitPID implements waitpid(2). args[0] selects the child (any child if it
// is not positive), args[1] points to the status word and args[2] holds the
// options. It returns the reaped child's id, or 0 under WNOHANG when no
// child has exited yet.
func (s *Syscalls) WaitPID(target uint64, args arch.SyscallArguments) (int32, error) {
	return s.waitPID(target, int64(args[0].Int()), args[1], args[2].Int())
}

// Wait implements wait(2). args[0] points to the status word.
func (s *Syscalls) Wait(target uint64, args arch.SyscallArguments) (int32, error) {
	return s.waitPID(target, 0, args[0], 0)
}

func (s *Syscalls) waitPID(target uint64, pid int64, statusAddr arch.SyscallArgument, options int32) (int32, error) {
	z, err := s.k.WaitPID(target, pid, options)
	if err != nil {
		return 0, err
	}
	if z.CageID == 0 {
		return 0, nil
	}
	if statusAddr.Value != 0 && !syscalls.Unused(statusAddr) {
		var buf [4]byte
		hostarch.ByteOrder.PutUint32(buf[:], uint32(linux.WaitStatusExited(z.ExitCode)))
		if err := mm.CopyOut(s.k.Cages(), statusAddr.Cage, statusAddr.Uint64(), buf[:]); err != nil {
			return 0, err
		}
	}
	return int32(z.CageID), nil
}
