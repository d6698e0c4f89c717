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
	"bytes"
	"fmt"

	"gvisor.dev/rawposix/pkg/abi/linux"
	"gvisor.dev/rawposix/pkg/errors/linuxerr"
	"gvisor.dev/rawposix/pkg/sentry/cage"
)

// CopyMode selects how CopyBetweenCages measures what it copies.
type CopyMode uint64

const (
	// CopyRaw copies exactly the requested length.
	CopyRaw CopyMode = 0

	// CopyString copies a NUL-terminated string, terminator included, of at
	// most the requested length.
	CopyString CopyMode = 1
)

// String implements fmt.Stringer.String.
func (m CopyMode) String() string {
	switch m {
	case CopyRaw:
		return "memcpy"
	case CopyString:
		return "strncpy"
	default:
		return fmt.Sprintf("CopyMode(%d)", uint64(m))
	}
}

// CopyBetweenCages copies from srcAddr in cage srcID to destAddr in cage
// destID and returns the number of bytes copied. The source must be readable
// and the destination readable and writable for the whole copy.
//
// Neither range is locked for the duration of the copy. Callers own any
// ordering against concurrent mapping changes in either cage.
func CopyBetweenCages(cages *cage.Table, srcID, srcAddr, destID, destAddr, length uint64, mode CopyMode) (uint64, error) {
	n := length
	switch mode {
	case CopyRaw:
	case CopyString:
		src, err := CheckAndConvertAddr(cages, srcID, srcAddr, length, linux.PROT_READ)
		if err != nil {
			return 0, fmt.Errorf("string source: %w", err)
		}
		if i := bytes.IndexByte(hostBytes(src, length), 0); i >= 0 {
			n = uint64(i) + 1
		}
	default:
		return 0, fmt.Errorf("copy mode %v: %w", mode, linuxerr.EINVAL)
	}

	src, err := CheckAndConvertAddr(cages, srcID, srcAddr, n, linux.PROT_READ)
	if err != nil {
		return 0, fmt.Errorf("source: %w", err)
	}
	dst, err := CheckAndConvertAddr(cages, destID, destAddr, n, linux.PROT_READ|linux.PROT_WRITE)
	if err != nil {
		return 0, fmt.Errorf("destination: %w", err)
	}
	copy(hostBytes(dst, n), hostBytes(src, n))
	return n, nil
}
