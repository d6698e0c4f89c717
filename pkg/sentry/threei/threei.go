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

// Package threei implements cross-cage syscall interposition.
//
// Every syscall a cage makes enters through Dispatcher.MakeSyscall. The
// HandlerTable records, per (cage, syscall number), which grate handlers
// interpose on the call; interposed calls are handed to the destination
// grate's callback in the GrateRegistry and everything else falls through to
// the default SyscallTable.
//
// Lock ordering:
//
//	HandlerTable.mu
//	  ExitingSet.mu
//
// GrateRegistry and SyscallTable are independent of the above and are never
// called with HandlerTable.mu held.
package threei

import (
	"errors"
	"fmt"
)

// Sentinel values shared with guest code. They must stay bit-exact.
const (
	// Deregister, passed as the destination cage of a registration, removes
	// every binding for the (cage, syscall number) key.
	Deregister uint64 = 500

	// MatchAll, passed as a syscall number, binds every syscall of the cage
	// that has no binding of its own.
	MatchAll uint64 = 501

	// ELINDAPIABORTED is returned when a 3i request cannot be carried out.
	ELINDAPIABORTED uint64 = 0xE001_0001

	// ELINDESRCH is returned when a request names a cage that is exiting.
	ELINDESRCH uint64 = 0xE001_0002
)

// Grate callback results.
const (
	GrateOK  int32 = 0
	GrateErr int32 = -1
)

// ExitSyscall is the syscall number of exit. It is the only call a cage in
// the exiting set may still make.
const ExitSyscall uint64 = 60

// MaxStrLen bounds string arguments copied out of a cage.
const MaxStrLen = 4096

// ErrAborted is the decoded form of ELINDAPIABORTED. Every 3i error other
// than ErrExiting wraps it.
var ErrAborted = errors.New("3i request aborted")

var (
	// ErrConflict is returned when a handler is already bound to a different
	// destination.
	ErrConflict = fmt.Errorf("%w: handler already bound to another destination", ErrAborted)

	// ErrExiting is returned when a request names an exiting cage.
	ErrExiting = errors.New("cage is exiting")

	// ErrNoSourceTable is returned when copying from a cage with no handlers.
	ErrNoSourceTable = fmt.Errorf("%w: source cage has no handler table", ErrAborted)

	// ErrNoRoute is returned when a syscall has neither a binding nor a
	// default implementation.
	ErrNoRoute = fmt.Errorf("%w: no route for syscall", ErrAborted)

	// ErrNoGrate is returned when a binding names a grate that has no live
	// callback.
	ErrNoGrate = fmt.Errorf("%w: grate has no callback", ErrAborted)
)

// EncodeStatus converts the result of a 3i operation into the status word
// returned to guests.
func EncodeStatus(err error) uint64 {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrExiting):
		return ELINDESRCH
	default:
		return ELINDAPIABORTED
	}
}

// DecodeStatus maps a status word back to an error. The word does not say
// which abort occurred, so ELINDAPIABORTED decodes to ErrAborted.
func DecodeStatus(status uint64) error {
	switch status {
	case 0:
		return nil
	case ELINDESRCH:
		return ErrExiting
	case ELINDAPIABORTED:
		return ErrAborted
	default:
		return fmt.Errorf("unknown 3i status %#x", status)
	}
}

// Status32 truncates a status word to the 32-bit result register used by
// syscalls.
func Status32(status uint64) int32 {
	return int32(status)
}
