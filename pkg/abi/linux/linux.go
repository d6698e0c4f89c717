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

// Package linux contains the constants and types needed to interface with a
// lind guest and the Linux host it runs on.
package linux

// Sentinel values shared with the host runtime trampoline. They are part of
// the cross-cage ABI and must stay bit-exact.
const (
	// UnusedArg fills syscall argument slots that carry no value.
	UnusedArg = 0xDEADBEEF_DEADBEEF

	// UnusedID fills argument cage id slots that carry no cage.
	UnusedID = 0xCAFEBABE_CAFEBABE

	// UnusedName fills the syscall name slot when no name is passed.
	UnusedName = 0xFEEDFACE_FEEDFACE
)

// Reserved cage ids that denote the runtime itself rather than a guest.
const (
	RawPOSIXCageID = 777777
	WasmtimeCageID = 888888
)

// Limits.
const (
	// DefaultMaxCageID is the default number of cage table slots.
	DefaultMaxCageID = 1024

	// MaxLinearMemorySize is the largest guest linear memory, the whole
	// 32-bit address space.
	MaxLinearMemorySize = 0xFFFF_FFFF

	// PathMax is the longest path a guest may pass.
	PathMax = 4096
)

// Ids reported to a cage whose credentials were never set.
const (
	DefaultUID = 1000
	DefaultGID = 1000
)

// Status codes returned by grate callbacks.
const (
	GrateOK  = 0
	GrateErr = -1
)

// Commands from linux/fcntl.h.
const (
	F_DUPFD         = 0
	F_GETFD         = 1
	F_SETFD         = 2
	F_GETFL         = 3
	F_SETFL         = 4
	F_DUPFD_CLOEXEC = 1030
)

// Flags for F_GETFD and F_SETFD.
const (
	FD_CLOEXEC = 1
)

// O_CLOEXEC is the open and dup3 flag that sets FD_CLOEXEC.
const O_CLOEXEC = 0x80000

// Wait status helpers, as in include/uapi/linux/wait.h.
const (
	WNOHANG = 0x1
)

// WaitStatusExited encodes an exit code the way wait(2) reports a normal
// termination.
func WaitStatusExited(code int32) int32 {
	return (code & 0xff) << 8
}
