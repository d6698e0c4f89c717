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
// Package errors holds the errno-carrying error type returned by the
// runtime to cages.
package errors

import (
	"golang.org/x/sys/unix"
	"gvisor.dev/rawposix/pkg/abi/linux/errno"
)

// Error is a syscall errno with a descriptive message.
type Error struct {
	errno   errno.Errno
	message string
}

// New creates a new *Error.
func New(err errno.Errno, message string) *Error {
	return &Error{
		errno:   err,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Errno returns the underlying errno.Errno value.
func (e *Error) Errno() errno.Errno { return e.errno }

// Return is the value a syscall failing with e hands back to the guest.
func (e *Error) Return() int32 { return -int32(e.errno) }

// Is reports whether target is the host errno e stands for, so that
// errors.Is(err, unix.ENOMEM) holds for the runtime's ENOMEM.
func (e *Error) Is(target error) bool {
	t, ok := target.(unix.Errno)
	return ok && uint32(t) == uint32(e.errno)
}
