// elCall: a high-performance nanopore basecaller.
// Copyright (c) 2026 imec vzw.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version, and Additional Terms
// (see below).

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public
// License and Additional Terms along with this program. If not, see
// <https://github.com/ExaScience/elcall/blob/master/LICENSE.txt>.

// Package bgzf reads and writes blocked gzip (BGZF) streams, inflating
// and deflating blocks in parallel on a pargo pipeline while keeping
// the byte stream in order.
package bgzf

import (
	"encoding/binary"
	"errors"
	"io"
	"sync"
)

const (
	// maxBlockSize is the largest compressed block, header and
	// trailer included.
	maxBlockSize = 0x10000

	// maxDataSize bounds the uncompressed payload of a block so that
	// even incompressible data fits into maxBlockSize.
	maxDataSize = 0xff00

	headerSize  = 18
	trailerSize = 8
)

// blockHeader is the fixed gzip member header of a BGZF block, with
// the BC extra subfield. Bytes 16:18 receive BSIZE.
var blockHeader = [headerSize]byte{
	0x1f, 0x8b, 0x08, 0x04, 0x00, 0x00,
	0x00, 0x00, 0x00, 0xff, 0x06, 0x00,
	0x42, 0x43, 0x02, 0x00, 0x00, 0x00,
}

// eofMarker is the empty block that terminates every BGZF stream.
var eofMarker = []byte{
	0x1f, 0x8b, 0x08, 0x04, 0x00, 0x00,
	0x00, 0x00, 0x00, 0xff, 0x06, 0x00,
	0x42, 0x43, 0x02, 0x00, 0x1b, 0x00,
	0x03, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00,
}

var (
	// ErrNoBGZF is returned by NewReader for gzip streams without a
	// BC extra subfield.
	ErrNoBGZF = errors.New("not a BGZF stream: missing BC extra subfield")

	// ErrMissingEOF is returned when a BGZF stream ends without the
	// EOF marker block.
	ErrMissingEOF = errors.New("invalid BGZF stream: does not end in proper EOF marker")
)

// block is one unit of work of the reader and writer pipelines:
// compressed data plus the CRC32 and size of its payload.
type block struct {
	data  []byte
	crc32 uint32
	size  uint32
}

var blockPool = sync.Pool{New: func() interface{} {
	return &block{data: make([]byte, 0, maxBlockSize)}
}}

func getBlock() *block {
	b := blockPool.Get().(*block)
	b.data = b.data[:0]
	b.crc32, b.size = 0, 0
	return b
}

func putBlock(b *block) {
	blockPool.Put(b)
}

// IsGzip determines if the the given byte scanner produces a gzip
// stream. It uses ReadByte and UnreadByte to check only the initial
// byte from the input.
func IsGzip(scanner io.ByteScanner) (bool, error) {
	b, err := scanner.ReadByte()
	if err != nil {
		return false, err
	}
	if err := scanner.UnreadByte(); err != nil {
		return false, err
	}
	return b == 0x1f, nil
}

// IsBGZFHeader reports whether header, the first bytes of a gzip
// member, carries a BC extra subfield.
func IsBGZFHeader(header []byte) bool {
	if len(header) < 12 || header[0] != 0x1f || header[1] != 0x8b || header[3]&0x04 == 0 {
		return false
	}
	xlen := int(binary.LittleEndian.Uint16(header[10:12]))
	extra := header[12:]
	if len(extra) > xlen {
		extra = extra[:xlen]
	}
	for i := 0; i+4 <= len(extra); {
		slen := int(binary.LittleEndian.Uint16(extra[i+2 : i+4]))
		if extra[i] == 'B' && extra[i+1] == 'C' && slen == 2 {
			return true
		}
		i += 4 + slen
	}
	return false
}
