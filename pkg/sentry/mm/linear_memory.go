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

package mm

import (
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/rawposix/pkg/atomicbitops"
	"gvisor.dev/rawposix/pkg/errors/linuxerr"
	"gvisor.dev/rawposix/pkg/hostarch"
	"gvisor.dev/rawposix/pkg/sync"
)

// LinearMemory is the host reservation backing one cage's linear memory.
// Guest address a lives at host address Base()+a. Pages outside any mapping
// are PROT_NONE.
type LinearMemory struct {
	base     uintptr
	size     uint64
	released atomicbitops.Bool

	// mappingMu serializes mapping changes made through AddressSpace, fork
	// copies out of this memory and Release.
	mappingMu sync.Mutex
}

// NewLinearMemory reserves pages pages of inaccessible host memory.
func NewLinearMemory(pages uint64) (*LinearMemory, error) {
	if pages == 0 {
		return nil, linuxerr.EINVAL
	}
	size := pages << hostarch.PageShift
	addr, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		0,
		uintptr(size),
		unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE,
		^uintptr(0), // fd
		0)
	if errno != 0 {
		return nil, fmt.Errorf("reserving %d bytes of linear memory: %w", size, linuxerr.ErrorFromUnix(errno))
	}
	return &LinearMemory{base: addr, size: size}, nil
}

// Base returns the host address of guest address 0.
func (m *LinearMemory) Base() uintptr {
	return m.base
}

// Size returns the length of the reservation in bytes.
func (m *LinearMemory) Size() uint64 {
	return m.size
}

// hostRange checks that [addr, addr+length) lies inside the reservation and
// returns its host start address.
func (m *LinearMemory) hostRange(addr, length uint64) (uintptr, error) {
	if m.released.Load() {
		return 0, linuxerr.EFAULT
	}
	end, ok := hostarch.Addr(addr).AddLength(length)
	if !ok || uint64(end) > m.size {
		return 0, linuxerr.EFAULT
	}
	return m.base + uintptr(addr), nil
}

// pageRange is hostRange for operations that work on whole pages.
func (m *LinearMemory) pageRange(addr, length uint64) (uintptr, error) {
	if !hostarch.Addr(addr).IsPageAligned() || length%hostarch.PageSize != 0 {
		return 0, linuxerr.EINVAL
	}
	return m.hostRange(addr, length)
}

// Map replaces [addr, addr+length) with fresh zero-filled anonymous memory
// with protection prot. MAP_SHARED in flags makes the pages shareable with a
// forked child; otherwise they are private.
func (m *LinearMemory) Map(addr, length uint64, prot int, flags int) error {
	start, err := m.pageRange(addr, length)
	if err != nil {
		return err
	}
	hostFlags := unix.MAP_FIXED | unix.MAP_ANONYMOUS
	if flags&unix.MAP_SHARED != 0 {
		hostFlags |= unix.MAP_SHARED
	} else {
		hostFlags |= unix.MAP_PRIVATE
	}
	got, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		start,
		uintptr(length),
		uintptr(prot),
		uintptr(hostFlags),
		^uintptr(0), // fd
		0)
	if errno != 0 {
		return linuxerr.ErrorFromUnix(errno)
	}
	if got != start {
		panic(fmt.Sprintf("MAP_FIXED mapping at %#x landed at %#x", start, got))
	}
	return nil
}

// Protect changes the host protection of [addr, addr+length).
func (m *LinearMemory) Protect(addr, length uint64, prot int) error {
	start, err := m.pageRange(addr, length)
	if err != nil {
		return err
	}
	return mprotect(start, length, prot)
}

// Unmap returns [addr, addr+length) to the inaccessible reservation. The
// host range stays reserved.
func (m *LinearMemory) Unmap(addr, length uint64) error {
	return m.Map(addr, length, unix.PROT_NONE, unix.MAP_PRIVATE)
}

// Release frees the whole reservation. Later calls are no-ops.
func (m *LinearMemory) Release() error {
	m.mappingMu.Lock()
	defer m.mappingMu.Unlock()
	if m.released.Swap(true) {
		return nil
	}
	if _, _, errno := unix.Syscall(unix.SYS_MUNMAP, m.base, uintptr(m.size), 0); errno != 0 {
		return linuxerr.ErrorFromUnix(errno)
	}
	return nil
}

func mprotect(start uintptr, length uint64, prot int) error {
	if _, _, errno := unix.Syscall(unix.SYS_MPROTECT, start, uintptr(length), uintptr(prot)); errno != 0 {
		return linuxerr.ErrorFromUnix(errno)
	}
	return nil
}

// remapShared makes [dst, dst+length) a second mapping of the shared pages
// at src.
func remapShared(src, dst uintptr, length uint64) error {
	got, _, errno := unix.Syscall6(
		unix.SYS_MREMAP,
		src,
		0, // old_size 0 duplicates a shared mapping.
		uintptr(length),
		unix.MREMAP_MAYMOVE|unix.MREMAP_FIXED,
		dst,
		0)
	if errno != 0 {
		return linuxerr.ErrorFromUnix(errno)
	}
	if got != dst {
		return fmt.Errorf("shared remap to %#x landed at %#x", dst, got)
	}
	return nil
}
