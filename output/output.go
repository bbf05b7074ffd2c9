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

// Package output writes basecalled reads in FASTA or FASTQ format.
package output

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/exascience/elcall/basecall"
	"github.com/exascience/elcall/utils/bgzf"
)

// A Writer writes reads to a FASTA or FASTQ stream. Every header line
// carries the run id and the model name as comments. It is safe for
// multiple goroutines to call WriteRead concurrently.
type Writer struct {
	mutex   sync.Mutex
	out     *bufio.Writer
	closers []io.Closer
	runID   string
	model   string
	reads   int
	err     error
}

// NewWriter returns a Writer on w.
func NewWriter(w io.Writer, runID, model string) *Writer {
	return &Writer{out: bufio.NewWriterSize(w, 1<<16), runID: runID, model: model}
}

// IsCompressed tells whether the output filename asks for BGZF
// compression.
func IsCompressed(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".gz", ".bgz", ".bgzf":
		return true
	default:
		return false
	}
}

// Create opens the named file for writing. The empty name and "-"
// denote standard output. Names with a .gz extension are written as
// BGZF.
func Create(filename, runID, model string) (*Writer, error) {
	var w io.Writer = os.Stdout
	var closers []io.Closer
	if filename != "" && filename != "-" {
		f, err := os.Create(filename)
		if err != nil {
			return nil, err
		}
		w = f
		closers = append(closers, f)
	}
	if IsCompressed(filename) {
		z := bgzf.NewWriter(w, gzip.DefaultCompression)
		w = z
		closers = append([]io.Closer{z}, closers...)
	}
	writer := NewWriter(w, runID, model)
	writer.closers = closers
	return writer, nil
}

func (w *Writer) header(prefix byte, id string, lowConfidence bool) {
	w.out.WriteByte(prefix)
	w.out.WriteString(id)
	if w.runID != "" {
		w.out.WriteString(" runid=")
		w.out.WriteString(w.runID)
	}
	if w.model != "" {
		w.out.WriteString(" model=")
		w.out.WriteString(w.model)
	}
	if lowConfidence {
		w.out.WriteString(" confidence=low")
	}
	w.out.WriteByte('\n')
}

// WriteRead writes one read, as a FASTQ record if fastq is true, and
// as a FASTA record otherwise.
func (w *Writer) WriteRead(id string, sequence, quality []byte, fastq bool) error {
	return w.write(id, sequence, quality, fastq, false)
}

// WriteResult writes a basecalled read, marking low confidence reads
// with a confidence=low comment.
func (w *Writer) WriteResult(res *basecall.ReadResult, fastq bool) error {
	return w.write(res.ID, res.Sequence, res.Quality, fastq, res.LowConfidence())
}

func (w *Writer) write(id string, sequence, quality []byte, fastq, lowConfidence bool) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.err != nil {
		return w.err
	}
	if fastq {
		if len(quality) != len(sequence) {
			return fmt.Errorf("read %v: quality string of length %v for sequence of length %v", id, len(quality), len(sequence))
		}
		w.header('@', id, lowConfidence)
		w.out.Write(sequence)
		w.out.WriteString("\n+\n")
		w.out.Write(quality)
	} else {
		w.header('>', id, lowConfidence)
		w.out.Write(sequence)
	}
	if err := w.out.WriteByte('\n'); err != nil {
		w.err = err
		return err
	}
	w.reads++
	return nil
}

// Reads returns the number of reads written so far.
func (w *Writer) Reads() int {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.reads
}

// Close flushes the output and closes the underlying files.
func (w *Writer) Close() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	err := w.out.Flush()
	for _, c := range w.closers {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	w.closers = nil
	if err == nil {
		w.err = os.ErrClosed
	}
	return err
}
