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

package utils

import (
	"bufio"
	"compress/gzip"
	"io"

	"github.com/exascience/elcall/utils/bgzf"
)

type noClose struct{}

func (noClose) Close() error { return nil }

// HandleBGZF checks if the given reader produces a gzip stream by
// looking at the initial bytes. BGZF streams get a parallel
// bgzf.Reader, other gzip streams a gzip.Reader, and anything else is
// returned unchanged. The returned closer releases the decompressor
// and is never nil.
func HandleBGZF(buf *bufio.Reader) (io.Reader, io.Closer, error) {
	ok, err := bgzf.IsGzip(buf)
	if err == io.EOF {
		return buf, noClose{}, nil
	} else if err != nil {
		return nil, nil, err
	} else if !ok {
		return buf, noClose{}, nil
	}
	header, err := buf.Peek(18)
	if err != nil && err != io.EOF {
		return nil, nil, err
	}
	if bgzf.IsBGZFHeader(header) {
		r := bgzf.NewReader(buf)
		return r, r, nil
	}
	gz, err := gzip.NewReader(buf)
	if err != nil {
		return nil, nil, err
	}
	return gz, gz, nil
}
