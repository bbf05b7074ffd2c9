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
	"hash/crc32"
	"io"
	"sync"

	"github.com/exascience/pargo/pipeline"
)

type (
	// Writer writes in parallel to a BGZF stream.
	Writer struct {
		w       io.Writer
		level   int
		pending *block
		blocks  chan *block
		done    chan struct{}
		data    interface{}

		p    pipeline.Pipeline
		wait sync.WaitGroup
	}

	// pendingSource is the pipeline.Source view of a Writer.
	pendingSource Writer
)

// Err implements the corresponding method of pipeline.Source
func (*pendingSource) Err() error {
	return nil
}

// Prepare implements the corresponding method of pipeline.Source
func (*pendingSource) Prepare(_ context.Context) (size int) {
	return -1
}

// Fetch implements the corresponding method of pipeline.Source
func (src *pendingSource) Fetch(_ int) (fetched int) {
	if b, ok := <-src.blocks; ok {
		src.data = b
		return 1
	}
	src.data = nil
	return 0
}

// Data implements the corresponding method of pipeline.Source
func (src *pendingSource) Data() interface{} {
	return src.data
}

var flateWriterPool sync.Pool

func deflate(b *block, level int) (*block, error) {
	defer putBlock(b)
	compressed := getBlock()
	buf := bytes.NewBuffer(compressed.data)
	buf.Write(blockHeader[:])
	var flateWriter *flate.Writer
	if pooled := flateWriterPool.Get(); pooled != nil {
		flateWriter = pooled.(*flate.Writer)
		flateWriter.Reset(buf)
	} else {
		var err error
		if flateWriter, err = flate.NewWriter(buf, level); err != nil {
			putBlock(compressed)
			return nil, err
		}
	}
	defer flateWriterPool.Put(flateWriter)
	if _, err := flateWriter.Write(b.data); err != nil {
		putBlock(compressed)
		return nil, err
	}
	if err := flateWriter.Close(); err != nil {
		putBlock(compressed)
		return nil, err
	}
	var trailer [trailerSize]byte
	binary.LittleEndian.PutUint32(trailer[0:4], crc32.ChecksumIEEE(b.data))
	binary.LittleEndian.PutUint32(trailer[4:8], uint32(len(b.data)))
	buf.Write(trailer[:])
	compressed.data = buf.Bytes()
	binary.LittleEndian.PutUint16(compressed.data[16:18], uint16(len(compressed.data)-1))
	return compressed, nil
}

// NewWriter returns a Writer for the given io.Writer.
//
// Following zlib, levels range from 1 (BestSpeed) to 9
// (BestCompression). Level -1 (DefaultCompression) uses the default
// compression level.
func NewWriter(w io.Writer, level int) *Writer {
	bgzf := &Writer{
		w:       w,
		level:   level,
		pending: getBlock(),
		blocks:  make(chan *block, 1),
		done:    make(chan struct{}),
	}
	bgzf.p.Source((*pendingSource)(bgzf))
	bgzf.p.Add(
		pipeline.LimitedPar(0, pipeline.Receive(func(_ int, data interface{}) interface{} {
			compressed, err := deflate(data.(*block), bgzf.level)
			if err != nil {
				bgzf.p.SetErr(err)
				return nil
			}
			return compressed
		})),
		pipeline.StrictOrd(pipeline.Receive(func(_ int, data interface{}) interface{} {
			if b, ok := data.(*block); ok && b != nil {
				if _, err := w.Write(b.data); err != nil {
					bgzf.p.SetErr(err)
				}
				putBlock(b)
			}
			return nil
		})),
	)
	bgzf.wait.Add(1)
	go func() {
		defer bgzf.wait.Done()
		defer close(bgzf.done)
		bgzf.p.Run()
	}()
	return bgzf
}

func (bgzf *Writer) send() error {
	select {
	case bgzf.blocks <- bgzf.pending:
		bgzf.pending = getBlock()
		return nil
	case <-bgzf.done:
		if err := bgzf.p.Err(); err != nil {
			return err
		}
		return io.ErrClosedPipe
	}
}

// Write implements the corresponding method of io.Writer.
func (bgzf *Writer) Write(p []byte) (n int, err error) {
	for len(p) > 0 {
		room := maxDataSize - len(bgzf.pending.data)
		if room > len(p) {
			room = len(p)
		}
		bgzf.pending.data = append(bgzf.pending.data, p[:room]...)
		p = p[room:]
		n += room
		if len(bgzf.pending.data) == maxDataSize {
			if err = bgzf.send(); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

// Close implements the corresponding method of io.Closer. It flushes
// the last block and writes the EOF marker, but does not close the
// underlying writer.
func (bgzf *Writer) Close() error {
	if len(bgzf.pending.data) > 0 {
		if err := bgzf.send(); err != nil {
			return err
		}
	}
	close(bgzf.blocks)
	bgzf.wait.Wait()
	if err := bgzf.p.Err(); err != nil {
		return err
	}
	_, err := bgzf.w.Write(eofMarker)
	return err
}
