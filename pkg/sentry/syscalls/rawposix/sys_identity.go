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
	"gvisor.dev/rawposix/pkg/sentry/arch"
)

// The id getters report -1 the first time they see an unset id, and install
// the default id for every later call.

// GetUID implements getuid(2).
func (s *Syscalls) GetUID(target uint64, args arch.SyscallArguments) (int32, error) {
	c, err := s.k.Cage(target)
	if err != nil {
		return 0, err
	}
	return c.UIDOrInit(linux.DefaultUID), nil
}

// GetGID implements getgid(2).
func (s *Syscalls) GetGID(target uint64, args arch.SyscallArguments) (int32, error) {
	c, err := s.k.Cage(target)
	if err != nil {
		return 0, err
	}
	return c.GIDOrInit(linux.DefaultGID), nil
}

// GetEUID implements geteuid(2).
func (s *Syscalls) GetEUID(target uint64, args arch.SyscallArguments) (int32, error) {
	c, err := s.k.Cage(target)
	if err != nil {
		return 0, err
	}
	return c.EUIDOrInit(linux.DefaultUID), nil
}

// GetEGID implements getegid(2).
func (s *Syscalls) GetEGID(target uint64, args arch.SyscallArguments) (int32, error) {
	c, err := s.k.Cage(target)
	if err != nil {
		return 0, err
	}
	return c.EGIDOrInit(linux.DefaultGID), nil
}
