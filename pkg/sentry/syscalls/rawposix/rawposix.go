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

// Package rawposix provides the default syscall table: the implementations a
// cage reaches when no grate interposes on a call.
//
// Every implementation takes the cage the call acts on and the six argument
// pairs passed through 3i. Pointer arguments are resolved in the cage named
// by their own pair, which is not necessarily the target.
package rawposix

import (
	"gvisor.dev/rawposix/pkg/abi/linux"
	"gvisor.dev/rawposix/pkg/sentry/arch"
	"gvisor.dev/rawposix/pkg/sentry/kernel"
	"gvisor.dev/rawposix/pkg/sentry/syscalls"
	"gvisor.dev/rawposix/pkg/sentry/threei"
)

// Syscalls implements the default syscalls on top of a Kernel.
type Syscalls struct {
	k *kernel.Kernel
}

// New returns the syscalls of k. k need not be initialized yet, so the
// result can provide the table k.Init is given.
func New(k *kernel.Kernel) *Syscalls {
	return &Syscalls{k: k}
}

type syscallFn func(target uint64, args arch.SyscallArguments) (int32, error)

// fn adapts an implementation to the guest calling convention.
func fn(f syscallFn) threei.SyscallFn {
	return func(target uint64, args arch.SyscallArguments) int32 {
		return syscalls.Return(f(target, args))
	}
}

// Table returns the default syscall table. The remaining entries without an
// implementation belong to the file system and I/O layer, which is not part
// of this runtime; they fail with ENOSYS.
func (s *Syscalls) Table() *threei.SyscallTable {
	return threei.NewSyscallTable(map[uint64]threei.Syscall{
		linux.SYS_READ:          syscalls.Unimplemented("read"),
		linux.SYS_WRITE:         syscalls.Unimplemented("write"),
		linux.SYS_OPEN:          syscalls.Unimplemented("open"),
		linux.SYS_CLOSE:         syscalls.Supported("close", fn(s.Close)),
		linux.SYS_STAT:          syscalls.Unimplemented("stat"),
		linux.SYS_FSTAT:         syscalls.Unimplemented("fstat"),
		linux.SYS_LSEEK:         syscalls.Unimplemented("lseek"),
		linux.SYS_MMAP:          syscalls.PartiallySupported("mmap", fn(s.Mmap), "Anonymous mappings only. PROT_EXEC is rejected."),
		linux.SYS_MPROTECT:      syscalls.PartiallySupported("mprotect", fn(s.Mprotect), "PROT_EXEC is rejected."),
		linux.SYS_MUNMAP:        syscalls.Supported("munmap", fn(s.Munmap)),
		linux.SYS_BRK:           syscalls.Supported("brk", fn(s.Brk)),
		linux.SYS_PREAD:         syscalls.Unimplemented("pread"),
		linux.SYS_PWRITE:        syscalls.Unimplemented("pwrite"),
		linux.SYS_WRITEV:        syscalls.Unimplemented("writev"),
		linux.SYS_DUP:           syscalls.Supported("dup", fn(s.Dup)),
		linux.SYS_NANOSLEEP:     syscalls.PartiallySupported("nanosleep", fn(s.ClockNanosleep), "Takes the arguments of clock_nanosleep."),
		linux.SYS_GETPID:        syscalls.Supported("getpid", fn(s.GetPID)),
		linux.SYS_DUP2:          syscalls.Supported("dup2", fn(s.Dup2)),
		linux.SYS_FORK:          syscalls.Supported("fork", fn(s.Fork)),
		linux.SYS_EXEC:          syscalls.PartiallySupported("exec", fn(s.Exec), "Only resets the cage; loading the new image is up to the host runtime."),
		linux.SYS_EXIT:          syscalls.Supported("exit", fn(s.Exit)),
		linux.SYS_WAIT:          syscalls.Supported("wait", fn(s.Wait)),
		linux.SYS_FCNTL:         syscalls.PartiallySupported("fcntl", fn(s.Fcntl), "Descriptor duplication and flags, and file status flags of host descriptors. Locks and other commands fail with EINVAL."),
		linux.SYS_TRUNCATE:      syscalls.Unimplemented("truncate"),
		linux.SYS_FTRUNCATE:     syscalls.Unimplemented("ftruncate"),
		linux.SYS_GETDENTS:      syscalls.Unimplemented("getdents"),
		linux.SYS_GETCWD:        syscalls.Supported("getcwd", fn(s.GetCwd)),
		linux.SYS_CHDIR:         syscalls.PartiallySupported("chdir", fn(s.Chdir), "The path is not checked against the host file system."),
		linux.SYS_FCHDIR:        syscalls.Unimplemented("fchdir"),
		linux.SYS_MKDIR:         syscalls.Unimplemented("mkdir"),
		linux.SYS_RMDIR:         syscalls.Unimplemented("rmdir"),
		linux.SYS_CHMOD:         syscalls.Unimplemented("chmod"),
		linux.SYS_FCHMOD:        syscalls.Unimplemented("fchmod"),
		linux.SYS_GETUID:        syscalls.Supported("getuid", fn(s.GetUID)),
		linux.SYS_GETGID:        syscalls.Supported("getgid", fn(s.GetGID)),
		linux.SYS_GETEUID:       syscalls.Supported("geteuid", fn(s.GetEUID)),
		linux.SYS_GETEGID:       syscalls.Supported("getegid", fn(s.GetEGID)),
		linux.SYS_GETPPID:       syscalls.Supported("getppid", fn(s.GetPPID)),
		linux.SYS_FSTATFS:       syscalls.Unimplemented("fstatfs"),
		linux.SYS_FUTEX:         syscalls.Unimplemented("futex"),
		linux.SYS_CLOCK_GETTIME: syscalls.Supported("clock_gettime", fn(s.ClockGettime)),
		linux.SYS_DUP3:          syscalls.Supported("dup3", fn(s.Dup3)),
		linux.SYS_PIPE2:         syscalls.Unimplemented("pipe2"),
		linux.SYS_WAITPID:       syscalls.Supported("waitpid", fn(s.WaitPID)),
		linux.SYS_SBRK:          syscalls.PartiallySupported("sbrk", fn(s.Sbrk), "The break moves by exactly increment bytes."),
	})
}
