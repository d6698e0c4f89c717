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


package rawposix

import (
	"golang.org/x/sys/unix"
	"gvisor.dev/rawposix/pkg/abi/linux"
	"gvisor.dev/rawposix/pkg/errors/linuxerr"
	"gvisor.dev/rawposix/pkg/sentry/arch"
	"gvisor.dev/rawposix/pkg/sentry/fdtable"
)

// Close implements close(2).
func (s *Syscalls) Close(target uint64, args arch.SyscallArguments) (int32, error) {
	return 0, s.k.FDs().Close(target, args[0].Uint64())
}

// Dup implements dup(2).
func (s *Syscalls) Dup(target uint64, args arch.SyscallArguments) (int32, error) {
	fd, err := s.k.FDs().Dup(target, args[0].Uint64(), 0, fdtable.FDFlags{})
	return int32(fd), err
}

// Dup2 implements dup2(2).
func (s *Syscalls) Dup2(target uint64, args arch.SyscallArguments) (int32, error) {
	oldfd, newfd := args[0].Uint64(), args[1].Uint64()
	if err := s.k.FDs().Dup2(target, oldfd, newfd, fdtable.FDFlags{}); err != nil {
		return 0, err
	}
	return int32(newfd), nil
}

// Dup3 implements dup3(2).
func (s *Syscalls) Dup3(target uint64, args arch.SyscallArguments) (int32, error) {
	oldfd, newfd := args[0].Uint64(), args[1].Uint64()
	flags := args[2].Uint()
	if oldfd == newfd || flags&^linux.O_CLOEXEC != 0 {
		return 0, linuxerr.EINVAL
	}
	if err := s.k.FDs().Dup2(target, oldfd, newfd, fdtable.FDFlags{CloseOnExec: flags&linux.O_CLOEXEC != 0}); err != nil {
		return 0, err
	}
	return int32(newfd), nil
}

// Fcntl implements fcntl(2). Descriptor duplication and descriptor flags are
// handled in the descriptor table; file status flags of host descriptors are
// read and set on the host.
func (s *Syscalls) Fcntl(target uint64, args arch.SyscallArguments) (int32, error) {
	fd := args[0].Uint64()
	cmd := args[1].Int()
	fds := s.k.FDs()
	switch cmd {
	case linux.F_DUPFD, linux.F_DUPFD_CLOEXEC:
		newfd, err := fds.Dup(target, fd, args[2].Uint64(), fdtable.FDFlags{CloseOnExec: cmd == linux.F_DUPFD_CLOEXEC})
		return int32(newfd), err
	case linux.F_GETFD:
		e, err := fds.Translate(target, fd)
		if err != nil {
			return 0, err
		}
		return int32(e.Flags.ToLinuxFDFlags()), nil
	case linux.F_SETFD:
		return 0, fds.SetFlags(target, fd, fdtable.FDFlags{CloseOnExec: args[2].Int()&linux.FD_CLOEXEC != 0})
	case linux.F_GETFL, linux.F_SETFL:
		e, err := fds.Translate(target, fd)
		if err != nil {
			return 0, err
		}
		if e.Kind != fdtable.KindHost {
			return 0, linuxerr.EBADF
		}
		ret, err := unix.FcntlInt(uintptr(e.Underlying), int(cmd), int(args[2].Int()))
		if err != nil {
			return 0, err
		}
		return int32(ret), nil
	default:
		return 0, linuxerr.EINVAL
	}
}
