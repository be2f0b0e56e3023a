// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The ProbeChain is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the ProbeChain. If not, see <http://www.gnu.org/licenses/>.

// Package leb128 implements the unsigned LEB128 varint encoding used for
// every structural integer field in the container format (section tags and
// lengths, SymbolId/TypeId/FuncId/HostSigId/ConstId indices, branch targets,
// aggregate field indices, argument/return counts).
//
// The wire format is identical to what encoding/binary.PutUvarint produces,
// but unlike encoding/binary.Uvarint this package also rejects non-minimal
// ("overlong") encodings, which the container decoder must be able to
// detect and report as OverlongVarint.
package leb128

import "errors"

// ErrOverlong is returned by Read when a varint uses more continuation
// bytes than the minimal encoding of its value requires.
var ErrOverlong = errors.New("leb128: overlong varint")

// ErrTruncated is returned by Read when the input ends before a
// continuation sequence terminates.
var ErrTruncated = errors.New("leb128: truncated varint")

// maxBytes bounds a 64-bit varint at 10 continuation groups (7 bits each).
const maxBytes = 10

// Put appends the minimal LEB128 encoding of v to dst and returns the
// extended slice.
func Put(dst []byte, v uint64) []byte {
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

// Read decodes a varint starting at buf[0] and returns the value and the
// number of bytes consumed. It reports ErrTruncated if buf ends mid-varint
// and ErrOverlong if the encoding carries more bytes than necessary (e.g. a
// trailing 0x80 group contributing no value bits, or a final byte of 0x00
// following at least one continuation byte).
func Read(buf []byte) (uint64, int, error) {
	var v uint64
	var shift uint
	for i := 0; i < len(buf) && i < maxBytes; i++ {
		b := buf[i]
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			if i > 0 && b == 0x00 {
				return 0, 0, ErrOverlong
			}
			return v, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, ErrTruncated
}
