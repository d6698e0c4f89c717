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
	"path"

	"gvisor.dev/rawposix/pkg/abi/linux"
	"gvisor.dev/rawposix/pkg/errors/linuxerr"
	"gvisor.dev/rawposix/pkg/sentry/arch"
	"gvisor.dev/rawposix/pkg/sentry/mm"
)

// GetCwd copies the working directory of target, NUL terminated, to the
// buffer in args[0] of size args[1]. It returns 0.
func (s *Syscalls) GetCwd(target uint64, args arch.SyscallArguments) (int32, error) {
	addr := args[0].Uint64()
	size := args[1].Uint64()
	if (addr == 0) != (size == 0) {
		return 0, linuxerr.EINVAL
	}
	c, err := s.k.Cage(target)
	if err != nil {
		return 0, err
	}
	cwd := c.Cwd()

	// Note this is > because we need a terminator.
	if uint64(len(cwd))+1 > size {
		return 0, linuxerr.ERANGE
	}
	buf := make([]byte, len(cwd)+1)
	copy(buf, cwd)
	if err := mm.CopyOut(s.k.Cages(), args[0].Cage, addr, buf); err != nil {
		return 0, err
	}
	return 0, nil
}

// Chdir sets the working directory of target to the path in args[0],
// resolved against the current one.
func (s *Syscalls) Chdir(target uint64, args arch.SyscallArguments) (int32, error) {
	p, err := mm.CopyStringIn(s.k.Cages(), args[0].Cage, args[0].Uint64(), linux.PathMax)
	if err != nil {
		return 0, err
	}
	if p == "" {
		return 0, linuxerr.ENOENT
	}
	c, err := s.k.Cage(target)
	if err != nil {
		return 0, err
	}
	if !path.IsAbs(p) {
		p = path.Join(c.Cwd(), p)
	}
	p = path.Clean(p)
	if len(p) >= linux.PathMax {
		return 0, linuxerr.ENAMETOOLONG
	}
	c.SetCwd(p)
	return 0, nil
}
