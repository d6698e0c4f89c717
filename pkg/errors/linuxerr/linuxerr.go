// Copyright 2021 The gVisor Authors.
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

// Package linuxerr contains syscall error codes exported as an error interface
// pointers. This allows for fast comparison and return operations comperable
// to unix.Errno constants.
package linuxerr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"
	"gvisor.dev/rawposix/pkg/abi/linux/errno"
	"gvisor.dev/rawposix/pkg/errors"
)

// The following errors are semantically identical to Errno of type unix.Errno
// or sycall.Errno. However, since the type are distinct ( these are
// *errors.Error), they are not directly comperable. The Errno method returns
// an Errno number such that the error can be compared to unix.Errno (e.g.
// unix.Errno(EPERM.Errno()) == unix.EPERM is true).
var (
	noError *errors.Error = nil
	EPERM                 = errors.New(errno.EPERM, "operation not permitted")
	ENOENT                = errors.New(errno.ENOENT, "no such file or directory")
	ESRCH                 = errors.New(errno.ESRCH, "no such process")
	EINTR                 = errors.New(errno.EINTR, "interrupted system call")
	EIO                   = errors.New(errno.EIO, "I/O error")
	EBADF                 = errors.New(errno.EBADF, "bad file number")
	ECHILD                = errors.New(errno.ECHILD, "no child processes")
	EAGAIN                = errors.New(errno.EAGAIN, "try again")
	ENOMEM                = errors.New(errno.ENOMEM, "out of memory")
	EACCES                = errors.New(errno.EACCES, "permission denied")
	EFAULT                = errors.New(errno.EFAULT, "bad address")
	EBUSY                 = errors.New(errno.EBUSY, "device or resource busy")
	EEXIST                = errors.New(errno.EEXIST, "file exists")
	ENOTDIR               = errors.New(errno.ENOTDIR, "not a directory")
	EINVAL                = errors.New(errno.EINVAL, "invalid argument")
	EMFILE                = errors.New(errno.EMFILE, "too many open files")
	ERANGE                = errors.New(errno.ERANGE, "math result not representable")
	ENAMETOOLONG          = errors.New(errno.ENAMETOOLONG, "file name too long")
	ENOSYS                = errors.New(errno.ENOSYS, "invalid system call number")
	EOVERFLOW             = errors.New(errno.EOVERFLOW, "value too large for defined data type")
	EOPNOTSUPP            = errors.New(errno.EOPNOTSUPP, "operation not supported on transport endpoint")
	ETIMEDOUT             = errors.New(errno.ETIMEDOUT, "connection timed out")

	// Errors equivalent to other errors.
	EWOULDBLOCK = EAGAIN
	ENOTSUP     = EOPNOTSUPP
)

var errorsByErrno = map[errno.Errno]*errors.Error{
	errno.NOERRNO:      noError,
	errno.EPERM:        EPERM,
	errno.ENOENT:       ENOENT,
	errno.ESRCH:        ESRCH,
	errno.EINTR:        EINTR,
	errno.EIO:          EIO,
	errno.EBADF:        EBADF,
	errno.ECHILD:       ECHILD,
	errno.EAGAIN:       EAGAIN,
	errno.ENOMEM:       ENOMEM,
	errno.EACCES:       EACCES,
	errno.EFAULT:       EFAULT,
	errno.EBUSY:        EBUSY,
	errno.EEXIST:       EEXIST,
	errno.ENOTDIR:      ENOTDIR,
	errno.EINVAL:       EINVAL,
	errno.EMFILE:       EMFILE,
	errno.ERANGE:       ERANGE,
	errno.ENAMETOOLONG: ENAMETOOLONG,
	errno.ENOSYS:       ENOSYS,
	errno.EOVERFLOW:    EOVERFLOW,
	errno.EOPNOTSUPP:   EOPNOTSUPP,
	errno.ETIMEDOUT:    ETIMEDOUT,
}

// errorUnwrappers is an array of unwrap functions to extract typed errors.
var errorUnwrappers = []func(error) (*errors.Error, bool){}

// AddErrorUnwrapper registers an unwrap method that can extract a concrete error
// from a typed, but not initialized, error.
func AddErrorUnwrapper(unwrap func(e error) (*errors.Error, bool)) {
	errorUnwrappers = append(errorUnwrappers, unwrap)
}

// TranslateError translates errors to errnos, it will return false if
// the error was not registered.
func TranslateError(from error) (*errors.Error, bool) {
	var linuxErr *errors.Error
	if goerrors.As(from, &linuxErr) {
		return linuxErr, true
	}
	for _, unwrap := range errorUnwrappers {
		if err, ok := unwrap(from); ok {
			return err, true
		}
	}
	return nil, false
}

// ErrorFromUnix returns a linuxerr from a unix.Errno. Errnos without a
// registered error are returned as a fresh *errors.Error carrying the host
// message.
func ErrorFromUnix(err unix.Errno) error {
	if err == unix.Errno(0) {
		return nil
	}
	if e, ok := errorsByErrno[errno.Errno(err)]; ok {
		return e
	}
	return errors.New(errno.Errno(err), err.Error())
}

// ToError converts a linuxerr to an error type.
func ToError(err *errors.Error) error {
	if err == noError {
		return nil
	}
	return err
}

// ToUnix converts a linuxerr to a unix.Errno.
func ToUnix(e *errors.Error) unix.Errno {
	var unixErr unix.Errno
	if e != noError {
		unixErr = unix.Errno(e.Errno())
	}
	return unixErr
}

// Equals compars a linuxerr to a given error.
func Equals(e *errors.Error, err error) bool {
	var unixErr unix.Errno
	if goerrors.As(err, &unixErr) {
		return e == ErrorFromUnix(unixErr)
	}
	if e == nil && err == nil {
		return true
	}
	return e == err || goerrors.Is(err, e)
}
