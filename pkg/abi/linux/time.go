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

package linux

import "gvisor.dev/rawposix/pkg/hostarch"

// Clock identifiers for clock_gettime(2).
const (
	CLOCK_REALTIME  = 0
	CLOCK_MONOTONIC = 1
)

// SizeOfTimespec is the guest size of struct timespec. tv_nsec is padded to
// eight bytes.
const SizeOfTimespec = 16

// Timespec represents struct timespec in <time.h>.
type Timespec struct {
	Sec  int64
	Nsec int64
}

// SizeBytes returns the guest size of ts.
func (*Timespec) SizeBytes() int {
	return SizeOfTimespec
}

// MarshalBytes serializes ts into dst and returns the rest of dst.
func (ts *Timespec) MarshalBytes(dst []byte) []byte {
	hostarch.ByteOrder.PutUint64(dst[:8], uint64(ts.Sec))
	hostarch.ByteOrder.PutUint64(dst[8:16], uint64(ts.Nsec))
	return dst[SizeOfTimespec:]
}

// UnmarshalBytes deserializes ts from src and returns the rest of src.
func (ts *Timespec) UnmarshalBytes(src []byte) []byte {
	ts.Sec = int64(hostarch.ByteOrder.Uint64(src[:8]))
	// Only the low half of tv_nsec is meaningful for a 32-bit guest.
	ts.Nsec = int64(int32(hostarch.ByteOrder.Uint32(src[8:12])))
	return src[SizeOfTimespec:]
}

// Valid returns whether the timespec contains valid values.
func (ts Timespec) Valid() bool {
	return !(ts.Sec < 0 || ts.Nsec < 0 || ts.Nsec >= 1e9)
}
