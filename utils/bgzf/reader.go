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

package bgzf

import (
	"bytes"
	"compress/flate"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"sync"

	"github.com/exascience/pargo/pipeline"
)

type (
	// Reader reads in parallel from a BGZF stream.
	Reader struct {
		r         io.Reader
		err       error
		lastEmpty bool
		data      interface{}

		p      pipeline.Pipeline
		wait   sync.WaitGroup
		blocks chan *block
		ctx    context.Context
		cancel context.CancelFunc

		current *block
		index   int
	}

	// blockSource is the pipeline.Source view of a Reader.
	blockSource Reader
)

// readBlock reads the next compressed block from the underlying
// reader. Empty blocks (EOF markers) are reported with size 0.
func (src *blockSource) readBlock() (*block, error) {
	var fixed [12]byte
	if _, err := io.ReadFull(src.r, fixed[:]); err != nil {
		if err == io.EOF {
			if !src.lastEmpty {
				return nil, ErrMissingEOF
			}
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%v while reading BGZF block header", err)
	}
	if fixed[0] != 0x1f || fixed[1] != 0x8b || fixed[2] != 8 || fixed[3]&0x04 == 0 {
		return nil, ErrNoBGZF
	}
	xlen := int(binary.LittleEndian.Uint16(fixed[10:12]))
	extra := make([]byte, xlen)
	if _, err := io.ReadFull(src.r, extra); err != nil {
		return nil, fmt.Errorf("%v while reading BGZF extra field", err)
	}
	bsize := -1
	for i := 0; i+4 <= xlen; {
		slen := int(binary.LittleEndian.Uint16(extra[i+2 : i+4]))
		if extra[i] == 'B' && extra[i+1] == 'C' && slen == 2 && i+6 <= xlen {
			bsize = int(binary.LittleEndian.Uint16(extra[i+4 : i+6]))
			break
		}
		i += 4 + slen
	}
	if bsize < 0 {
		return nil, ErrNoBGZF
	}
	dataSize := bsize + 1 - 12 - xlen - trailerSize
	if dataSize < 0 {
		return nil, fmt.Errorf("invalid BGZF block size %v", bsize)
	}
	b := getBlock()
	b.data = b.data[:dataSize]
	if _, err := io.ReadFull(src.r, b.data); err != nil {
		putBlock(b)
		return nil, fmt.Errorf("%v while reading BGZF block data", err)
	}
	var trailer [trailerSize]byte
	if _, err := io.ReadFull(src.r, trailer[:]); err != nil {
		putBlock(b)
		return nil, fmt.Errorf("%v while reading BGZF block trailer", err)
	}
	b.crc32 = binary.LittleEndian.Uint32(trailer[0:4])
	b.size = binary.LittleEndian.Uint32(trailer[4:8])
	return b, nil
}

// Err implements the corresponding method of pipeline.Source
func (src *blockSource) Err() error {
	if src.err != io.EOF {
		return src.err
	}
	return nil
}

// Prepare implements the corresponding method of pipeline.Source
func (src *blockSource) Prepare(_ context.Context) (size int) {
	return -1
}

// Fetch implements the corresponding method of pipeline.Source
func (src *blockSource) Fetch(_ int) (fetched int) {
	for src.err == nil {
		b, err := src.readBlock()
		if err != nil {
			src.err = err
			break
		}
		src.lastEmpty = b.size == 0
		if src.lastEmpty {
			putBlock(b)
			continue
		}
		src.data = b
		return 1
	}
	src.data = nil
	return 0
}

// Data implements the corresponding method of pipeline.Source
func (src *blockSource) Data() interface{} {
	return src.data
}

var flateReaderPool sync.Pool

func inflate(b *block) (*block, error) {
	defer putBlock(b)
	blockReader := bytes.NewReader(b.data)
	var flateReader io.ReadCloser
	if pooled := flateReaderPool.Get(); pooled == nil {
		flateReader = flate.NewReader(blockReader)
	} else {
		flateReader = pooled.(io.ReadCloser)
		if err := flateReader.(flate.Resetter).Reset(blockReader, nil); err != nil {
			flateReader = flate.NewReader(blockReader)
		}
	}
	defer flateReaderPool.Put(flateReader)
	uncompressed := getBlock()
	if cap(uncompressed.data) < int(b.size) {
		uncompressed.data = make([]byte, b.size)
	}
	uncompressed.data = uncompressed.data[:b.size]
	if _, err := io.ReadFull(flateReader, uncompressed.data); err != nil {
		putBlock(uncompressed)
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if err := flateReader.Close(); err != nil {
		putBlock(uncompressed)
		return nil, err
	}
	if crc32.ChecksumIEEE(uncompressed.data) != b.crc32 {
		putBlock(uncompressed)
		return nil, errors.New("invalid CRC-32 value for a data block in a BGZF stream")
	}
	return uncompressed, nil
}

// NewReader returns a Reader for the given io.Reader. Blocks are
// inflated in parallel and delivered in stream order.
func NewReader(r io.Reader) *Reader {
	ctx, cancel := context.WithCancel(context.Background())
	bgzf := &Reader{
		r:      r,
		blocks: make(chan *block, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	bgzf.p.Source((*blockSource)(bgzf))
	bgzf.p.Add(
		pipeline.LimitedPar(0, pipeline.Receive(func(_ int, data interface{}) interface{} {
			uncompressed, err := inflate(data.(*block))
			if err != nil {
				bgzf.p.SetErr(err)
				return nil
			}
			return uncompressed
		})),
		pipeline.StrictOrd(pipeline.ReceiveAndFinalize(func(_ int, data interface{}) interface{} {
			if b, ok := data.(*block); ok && b != nil {
				select {
				case <-bgzf.ctx.Done():
					putBlock(b)
				case bgzf.blocks <- b:
				}
			}
			return nil
		}, func() {
			close(bgzf.blocks)
		})),
	)
	bgzf.wait.Add(1)
	go func() {
		defer bgzf.wait.Done()
		bgzf.p.Run()
	}()
	return bgzf
}

// Close implements the corresponding method of io.Closer. It does not
// close the underlying reader.
func (bgzf *Reader) Close() error {
	bgzf.cancel()
	bgzf.wait.Wait()
	if bgzf.current != nil {
		putBlock(bgzf.current)
		bgzf.current = nil
	}
	return bgzf.p.Err()
}

func (bgzf *Reader) nextBlock() error {
	if bgzf.current != nil {
		putBlock(bgzf.current)
		bgzf.current = nil
	}
	select {
	case <-bgzf.ctx.Done():
		return bgzf.ctx.Err()
	case b, ok := <-bgzf.blocks:
		if !ok {
			bgzf.wait.Wait()
			if err := bgzf.p.Err(); err != nil {
				return err
			}
			return io.EOF
		}
		bgzf.current, bgzf.index = b, 0
		return nil
	}
}

// Read implements the corresponding method of io.Reader
func (bgzf *Reader) Read(p []byte) (n int, err error) {
	for bgzf.current == nil || bgzf.index == len(bgzf.current.data) {
		if err = bgzf.nextBlock(); err != nil {
			return 0, err
		}
	}
	n = copy(p, bgzf.current.data[bgzf.index:])
	bgzf.index += n
	return n, nil
}
