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

// Package syscalls is the interface from the application to the kernel.
// Traditionally, syscalls is the interface that is used by applications to
// request services from the kernel of a operating system. We provide a
// user-mode kernel that needs to handle those requests coming from cages.
// Therefore, we still use the term "syscalls" to denote this interface.
//
// Note that the stubs in this package may merely provide the interface, not
// the actual implementation. It just makes writing syscall stubs
// straightforward.
package syscalls

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
	"gvisor.dev/rawposix/pkg/abi/linux"
	"gvisor.dev/rawposix/pkg/errors/linuxerr"
	"gvisor.dev/rawposix/pkg/log"
	"gvisor.dev/rawposix/pkg/sentry/arch"
	"gvisor.dev/rawposix/pkg/sentry/threei"
)

var unimplementedLog = log.BasicRateLimitedLogger(time.Second)

// ErrorToReturn converts the error of a syscall implementation to the value
// returned to the guest: 0 for nil, otherwise the negated errno.
func ErrorToReturn(err error) int32 {
	if err == nil {
		return 0
	}
	if e, ok := linuxerr.TranslateError(err); ok {
		return e.Return()
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return -int32(errno)
	}
	log.Warningf("Untranslatable syscall error, returning EINVAL: %v", err)
	return linuxerr.EINVAL.Return()
}

// Return packs a syscall result and error into the guest return value.
func Return(v int32, err error) int32 {
	if err != nil {
		return ErrorToReturn(err)
	}
	return v
}

// Unused reports whether arg is the placeholder for an argument slot that
// carries nothing.
func Unused(arg arch.SyscallArgument) bool {
	return arg.Value == linux.UnusedArg && arg.Cage == linux.UnusedID
}

// Error returns a syscall handler that will always give the passed error.
func Error(err error) threei.SyscallFn {
	ret := ErrorToReturn(err)
	return func(uint64, arch.SyscallArguments) int32 {
		return ret
	}
}

// Supported returns a syscall that is fully supported.
func Supported(name string, fn threei.SyscallFn) threei.Syscall {
	return threei.Syscall{
		Name:         name,
		Fn:           fn,
		SupportLevel: threei.SupportFull,
	}
}

// PartiallySupported returns a syscall that has a partial implementation.
func PartiallySupported(name string, fn threei.SyscallFn, note string) threei.Syscall {
	return threei.Syscall{
		Name:         name,
		Fn:           fn,
		SupportLevel: threei.SupportPartial,
		Note:         note,
	}
}

// Unimplemented returns a syscall that is known but has no implementation
// in this runtime. It logs the attempt and returns ENOSYS.
func Unimplemented(name string) threei.Syscall {
	ret := ErrorToReturn(linuxerr.ENOSYS)
	return threei.Syscall{
		Name: name,
		Fn: func(target uint64, args arch.SyscallArguments) int32 {
			UnimplementedEvent(name, target)
			return ret
		},
		SupportLevel: threei.SupportUnimplemented,
		Note:         "Not implemented.",
	}
}

// UnimplementedEvent records that cage target called an unimplemented
// syscall.
func UnimplementedEvent(name string, target uint64) {
	unimplementedLog.Warningf("Cage %d: unimplemented syscall %s", target, name)
}
