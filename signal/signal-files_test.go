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
	"bytes"
	"compress/gzip"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/exascience/elcall/utils/bgzf"
)

const sampleInput = `# two reads
0D3E9A3C-4F33-4E8C-9E07-1D8B2A3C4F5E	1,2,3,-4

read-2	100,200
read-3	
`

func readAll(t *testing.T, src Source) []*Record {
	var records []*Record
	for {
		rec, err := src.Next()
		if err == io.EOF {
			return records
		}
		if err != nil {
			t.Fatal(err)
		}
		records = append(records, rec)
	}
}

func checkSampleRecords(t *testing.T, records []*Record) {
	if len(records) != 3 {
		t.Fatal("wrong number of records:", len(records))
	}
	if records[0].ID != "0d3e9a3c-4f33-4e8c-9e07-1d8b2a3c4f5e" {
		t.Error("read id not normalized:", records[0].ID)
	}
	if len(records[0].Raw) != 4 || records[0].Raw[3] != -4 {
		t.Error("samples of the first read failed")
	}
	if records[1].ID != "read-2" || len(records[1].Raw) != 2 || records[1].Raw[1] != 200 {
		t.Error("second read failed")
	}
	if records[2].ID != "read-3" || len(records[2].Raw) != 0 {
		t.Error("empty read failed")
	}
}

func TestReader(t *testing.T) {
	r, err := NewReader(strings.NewReader(sampleInput), "sample")
	if err != nil {
		t.Fatal(err)
	}
	checkSampleRecords(t, readAll(t, r))
	if r.NofReads() != 3 {
		t.Error("NofReads failed")
	}
	if err := r.Close(); err != nil {
		t.Error(err)
	}
}

func TestReaderCompressed(t *testing.T) {
	var gz bytes.Buffer
	w := gzip.NewWriter(&gz)
	_, _ = io.WriteString(w, sampleInput)
	_ = w.Close()
	r, err := NewReader(&gz, "sample.gz")
	if err != nil {
		t.Fatal(err)
	}
	checkSampleRecords(t, readAll(t, r))
	_ = r.Close()

	var bgz bytes.Buffer
	bw := bgzf.NewWriter(&bgz, gzip.DefaultCompression)
	_, _ = io.WriteString(bw, sampleInput)
	_ = bw.Close()
	r, err = NewReader(&bgz, "sample.bgz")
	if err != nil {
		t.Fatal(err)
	}
	checkSampleRecords(t, readAll(t, r))
	if err := r.Close(); err != nil {
		t.Error(err)
	}
}

func TestReaderErrors(t *testing.T) {
	for _, input := range []string{"no-tab-here\n", "read\t1,x,3\n", "read\t1,70000\n", "\t1,2\n"} {
		r, err := NewReader(strings.NewReader(input), "bad")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := r.Next(); err == nil || err == io.EOF {
			t.Error("malformed input accepted:", input)
		}
	}
}

func TestFormatRecord(t *testing.T) {
	rec := &Record{ID: "r1", Raw: []int16{5, -6, 7}}
	line := FormatRecord(nil, rec)
	if string(line) != "r1\t5,-6,7\n" {
		t.Error("FormatRecord failed:", string(line))
	}
	parsed, err := ParseRecord(line[:len(line)-1])
	if err != nil || parsed.ID != "r1" || len(parsed.Raw) != 3 || parsed.Raw[1] != -6 {
		t.Error("ParseRecord of formatted record failed")
	}
}

func TestOpenPathDirectory(t *testing.T) {
	dir, err := ioutil.TempDir("", "elcall-signal")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	files := map[string]string{
		"b.txt":   "r3\t3\n",
		"a.txt":   "r1\t1\nr2\t2\n",
		".hidden": "r0\t0\n",
	}
	for name, contents := range files {
		if err := ioutil.WriteFile(filepath.Join(dir, name), []byte(contents), 0666); err != nil {
			t.Fatal(err)
		}
	}
	src, err := OpenPath(dir)
	if err != nil {
		t.Fatal(err)
	}
	records := readAll(t, src)
	if err := src.Close(); err != nil {
		t.Error(err)
	}
	if len(records) != 3 || records[0].ID != "r1" || records[1].ID != "r2" || records[2].ID != "r3" {
		t.Error("directory source failed")
	}
}

func TestConvert(t *testing.T) {
	s := Convert(&Record{ID: "x", Raw: []int16{-1, 0, 1}})
	if s.ID != "x" || s.Len() != 3 || s.Samples[0] != -1 || s.Samples[2] != 1 {
		t.Error("Convert failed")
	}
}
