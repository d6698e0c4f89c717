// Copyright 2025 The gVisor Authors.
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

// Package hostarch contains host arch address operations for guest linear
// memory.
package hostarch

import "encoding/binary"

// ByteOrder is the byte order of guest linear memory.
var ByteOrder = binary.LittleEndian

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the system page size.
	PageSize = 1 << PageShift
)

// RoundUpPage rounds length up to the nearest page multiple. A length that
// is already a multiple of PageSize is returned unchanged.
func RoundUpPage(length uint64) uint64 {
	if length%PageSize == 0 {
		return length
	}
	return (length + PageSize - 1) &^ (PageSize - 1)
}

// PagesFor returns the number of pages needed to hold length bytes.
func PagesFor(length uint64) uint64 {
	return RoundUpPage(length) >> PageShift
}
