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

package vmmap

import (
	"fmt"

	"gvisor.dev/rawposix/pkg/abi/linux"
	"gvisor.dev/rawposix/pkg/hostarch"
)

// BackingKind identifies what backs a mapped region.
type BackingKind uint8

// Backing kinds.
const (
	BackingNone BackingKind = iota
	BackingAnonymous
	BackingSharedMemory
	BackingFileDescriptor
)

// Backing describes the memory behind a region. ID is the shm id for
// BackingSharedMemory and the virtual fd for BackingFileDescriptor.
type Backing struct {
	Kind BackingKind
	ID   uint64
}

// Anonymous returns an anonymous backing.
func Anonymous() Backing {
	return Backing{Kind: BackingAnonymous}
}

// SharedMemory returns a backing by the System V segment shmid.
func SharedMemory(shmid uint64) Backing {
	return Backing{Kind: BackingSharedMemory, ID: shmid}
}

// FileDescriptor returns a backing by the virtual file descriptor fd.
func FileDescriptor(fd uint64) Backing {
	return Backing{Kind: BackingFileDescriptor, ID: fd}
}

// String implements fmt.Stringer.String.
func (b Backing) String() string {
	switch b.Kind {
	case BackingNone:
		return "none"
	case BackingAnonymous:
		return "anon"
	case BackingSharedMemory:
		return fmt.Sprintf("shm:%d", b.ID)
	case BackingFileDescriptor:
		return fmt.Sprintf("fd:%d", b.ID)
	default:
		return fmt.Sprintf("backing(%d)", b.Kind)
	}
}

// Entry is one contiguous mapped region of a cage's linear memory. Entries
// are stored by value; every mutation replaces the stored entry.
type Entry struct {
	// PageNum is the first page of the region.
	PageNum uint32

	// NPages is the number of pages in the region.
	NPages uint32

	// Prot is the current protection (PROT_*).
	Prot int32

	// MaxProt bounds any later mprotect of the region.
	MaxProt int32

	// Flags are the mmap flags (MAP_*).
	Flags int32

	FileOffset int64
	FileSize   int64

	// CageID is the cage that created the mapping.
	CageID uint64

	Backing Backing
}

// End returns the first page after the region.
func (e Entry) End() uint32 {
	return e.PageNum + e.NPages
}

// Shared returns true if the region was mapped MAP_SHARED.
func (e Entry) Shared() bool {
	return e.Flags&linux.MAP_SHARED != 0
}

// Range returns the guest address range covered by the region.
func (e Entry) Range() hostarch.AddrRange {
	return hostarch.AddrRange{
		Start: hostarch.PageAddr(uint64(e.PageNum)),
		End:   hostarch.PageAddr(uint64(e.End())),
	}
}

// String implements fmt.Stringer.String.
func (e Entry) String() string {
	return fmt.Sprintf("[%#x, %#x) prot=%s maxprot=%s flags=%#x backing=%v",
		e.PageNum, e.End(), protString(e.Prot), protString(e.MaxProt), e.Flags, e.Backing)
}

func protString(prot int32) string {
	return hostarch.AccessTypeFromProt(int(prot)).String()
}

// allows returns true if granted covers every bit of requested.
func allows(granted, requested int32) bool {
	return requested&^granted == 0
}
