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

	"gvisor.dev/rawposix/pkg/abi/linux"
	"gvisor.dev/rawposix/pkg/errors/linuxerr"
	"gvisor.dev/rawposix/pkg/hostarch"
	"gvisor.dev/rawposix/pkg/sentry/cage"
)

// CopyIn copies len(dst) bytes from addr in cage cageID into dst.
func CopyIn(cages *cage.Table, cageID, addr uint64, dst []byte) error {
	if len(dst) == 0 {
		return nil
	}
	src, err := CheckAndConvertAddr(cages, cageID, addr, uint64(len(dst)), linux.PROT_READ)
	if err != nil {
		return err
	}
	copy(dst, hostBytes(src, uint64(len(dst))))
	return nil
}

// CopyOut copies src to addr in cage cageID.
func CopyOut(cages *cage.Table, cageID, addr uint64, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	dst, err := CheckAndConvertAddr(cages, cageID, addr, uint64(len(src)), linux.PROT_READ|linux.PROT_WRITE)
	if err != nil {
		return err
	}
	copy(hostBytes(dst, uint64(len(src))), src)
	return nil
}

// CopyStringIn reads a NUL-terminated string of at most maxlen bytes, the
// terminator excluded, from addr in cage cageID. The string is read a page at
// a time, so it may end right before an unmapped page. A string with no
// terminator within maxlen bytes fails with ENAMETOOLONG.
func CopyStringIn(cages *cage.Table, cageID, addr uint64, maxlen int) (string, error) {
	var buf []byte
	for len(buf) <= maxlen {
		start, ok := hostarch.Addr(addr).AddLength(uint64(len(buf)))
		if !ok {
			return "", linuxerr.EFAULT
		}
		// Read up to the end of the page, and never more than one byte past
		// maxlen.
		n := hostarch.PageSize - start.PageOffset()
		if rem := uint64(maxlen+1-len(buf)); n > rem {
			n = rem
		}
		host, err := CheckAndConvertAddr(cages, cageID, uint64(start), n, linux.PROT_READ)
		if err != nil {
			return "", err
		}
		chunk := hostBytes(host, n)
		if i := bytes.IndexByte(chunk, 0); i >= 0 {
			return string(append(buf, chunk[:i]...)), nil
		}
		buf = append(buf, chunk...)
	}
	return "", linuxerr.ENAMETOOLONG
}
