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
	"golang.org/x/sys/unix"
	"gvisor.dev/rawposix/pkg/abi/linux"
	"gvisor.dev/rawposix/pkg/errors/linuxerr"
	"gvisor.dev/rawposix/pkg/sentry/arch"
	"gvisor.dev/rawposix/pkg/sentry/mm"
)

// ClockGettime implements clock_gettime(2) on the host clock named by
// args[0], writing the result to args[1].
func (s *Syscalls) ClockGettime(target uint64, args arch.SyscallArguments) (int32, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(args[0].Int(), &ts); err != nil {
		return 0, err
	}
	return 0, s.copyOutTimespec(args[1], linux.Timespec{Sec: int64(ts.Sec), Nsec: int64(ts.Nsec)})
}

// ClockNanosleep implements clock_nanosleep(2): args[0] is the clock,
// args[1] the flags, args[2] the request and args[3], if set, receives the
// remaining time when the sleep is interrupted.
func (s *Syscalls) ClockNanosleep(target uint64, args arch.SyscallArguments) (int32, error) {
	var req linux.Timespec
	buf := make([]byte, linux.SizeOfTimespec)
	if err := mm.CopyIn(s.k.Cages(), args[2].Cage, args[2].Uint64(), buf); err != nil {
		return 0, err
	}
	req.UnmarshalBytes(buf)
	if !req.Valid() {
		return 0, linuxerr.EINVAL
	}

	flags := int(args[1].Int())
	hostReq := unix.Timespec{Sec: req.Sec, Nsec: req.Nsec}
	var rem unix.Timespec
	err := unix.ClockNanosleep(args[0].Int(), flags, &hostReq, &rem)
	if err == unix.EINTR && flags&unix.TIMER_ABSTIME == 0 && args[3].Value != 0 {
		if cerr := s.copyOutTimespec(args[3], linux.Timespec{Sec: int64(rem.Sec), Nsec: int64(rem.Nsec)}); cerr != nil {
			return 0, cerr
		}
	}
	return 0, err
}

func (s *Syscalls) copyOutTimespec(addr arch.SyscallArgument, ts linux.Timespec) error {
	buf := make([]byte, ts.SizeBytes())
	ts.MarshalBytes(buf)
	return mm.CopyOut(s.k.Cages(), addr.Cage, addr.Uint64(), buf)
}
