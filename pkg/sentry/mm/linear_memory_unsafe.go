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
	"unsafe"
)

// Bytes returns a slice aliasing [addr, addr+length) of the linear memory.
// The caller is responsible for the range being mapped with the protection
// its accesses need; use Translate-checked addresses only.
func (m *LinearMemory) Bytes(addr, length uint64) ([]byte, error) {
	start, err := m.hostRange(addr, length)
	if err != nil {
		return nil, err
	}
	return hostBytes(start, length), nil
}

// hostBytes aliases length bytes of host memory at start.
func hostBytes(start uintptr, length uint64) []byte {
	if length == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(start)), length)
}
