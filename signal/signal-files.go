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

package signal

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/exascience/elcall/internal"
	"github.com/exascience/elcall/utils"
)

type (
	// A Source yields records one at a time. Next returns io.EOF, and
	// only io.EOF, at the clean end of the stream.
	Source interface {
		Next() (*Record, error)
	}

	// A ReadCloser is a Source backed by files.
	ReadCloser interface {
		Source
		io.Closer
	}

	// Reader parses the text signal format: one read per line, the
	// read id and the comma separated raw samples separated by a tab.
	// Blank lines and lines starting with '#' are skipped. The input
	// may be gzip or BGZF compressed.
	Reader struct {
		name     string
		reader   *bufio.Reader
		closers  []io.Closer
		line     int
		nofReads int
	}
)

// NewReader returns a Reader for r. name is used in error messages.
func NewReader(r io.Reader, name string) (*Reader, error) {
	decompressed, closer, err := utils.HandleBGZF(bufio.NewReaderSize(r, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%v, while opening signal input %v", err, name)
	}
	return &Reader{
		name:    name,
		reader:  bufio.NewReaderSize(decompressed, 1<<20),
		closers: []io.Closer{closer},
	}, nil
}

// Open opens a single signal file.
func Open(filename string) (*Reader, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(f, filename)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	r.closers = append(r.closers, f)
	return r, nil
}

// Close implements the corresponding method of io.Closer.
func (r *Reader) Close() (err error) {
	for _, c := range r.closers {
		if nerr := c.Close(); err == nil {
			err = nerr
		}
	}
	r.closers = nil
	return err
}

// NofReads returns the number of records returned so far.
func (r *Reader) NofReads() int {
	return r.nofReads
}

// Next implements the corresponding method of Source.
func (r *Reader) Next() (*Record, error) {
	for {
		line, err := r.reader.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("%v, while reading %v after line %v", err, r.name, r.line)
		}
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("%v, while reading %v after line %v", err, r.name, r.line)
		}
		r.line++
		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		rec, perr := ParseRecord(line)
		if perr != nil {
			return nil, fmt.Errorf("%v, in %v line %v", perr, r.name, r.line)
		}
		r.nofReads++
		return rec, nil
	}
}

// ParseRecord parses one line of the text signal format.
func ParseRecord(line []byte) (*Record, error) {
	tab := bytes.IndexByte(line, '\t')
	if tab <= 0 {
		return nil, fmt.Errorf("missing read id")
	}
	rec := &Record{ID: NormalizeReadID(string(line[:tab]))}
	fields := line[tab+1:]
	if len(bytes.TrimSpace(fields)) == 0 {
		return rec, nil
	}
	rec.Raw = make([]int16, 0, bytes.Count(fields, []byte{','})+1)
	for len(fields) > 0 {
		var field []byte
		if comma := bytes.IndexByte(fields, ','); comma >= 0 {
			field, fields = fields[:comma], fields[comma+1:]
		} else {
			field, fields = fields, nil
		}
		value, err := strconv.ParseInt(string(bytes.TrimSpace(field)), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid sample %q for read %v", field, rec.ID)
		}
		rec.Raw = append(rec.Raw, int16(value))
	}
	return rec, nil
}

// FormatRecord appends the text signal format of rec to buf.
func FormatRecord(buf []byte, rec *Record) []byte {
	buf = append(buf, rec.ID...)
	buf = append(buf, '\t')
	for i, raw := range rec.Raw {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendInt(buf, int64(raw), 10)
	}
	return append(buf, '\n')
}

// A fileSource reads all signal files of a directory in name order,
// opening each one only when the previous one is exhausted.
type fileSource struct {
	filenames []string
	current   *Reader
}

// OpenPath returns a Source for a signal file, or for all files in a
// directory.
func OpenPath(path string) (ReadCloser, error) {
	filenames, err := internal.Directory(path)
	if err != nil {
		return nil, err
	}
	if len(filenames) == 1 {
		return Open(filenames[0])
	}
	return &fileSource{filenames: filenames}, nil
}

// Next implements the corresponding method of Source.
func (s *fileSource) Next() (*Record, error) {
	for {
		if s.current == nil {
			if len(s.filenames) == 0 {
				return nil, io.EOF
			}
			r, err := Open(s.filenames[0])
			if err != nil {
				return nil, err
			}
			s.current, s.filenames = r, s.filenames[1:]
		}
		rec, err := s.current.Next()
		if err != io.EOF {
			return rec, err
		}
		err = s.current.Close()
		s.current = nil
		if err != nil {
			return nil, err
		}
	}
}

// Close implements the corresponding method of io.Closer.
func (s *fileSource) Close() error {
	if s.current != nil {
		err := s.current.Close()
		s.current = nil
		return err
	}
	return nil
}
