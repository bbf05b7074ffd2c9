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

// Package signal holds the raw nanopore signal of a read as it moves
// through the basecaller: reading records from a source, converting
// them to floating point, trimming the adapter, and normalizing the
// amplitude.
package signal

import (
	"github.com/google/uuid"
)

type (
	// A Record is one read as produced by a Source: its identifier and
	// its raw, uncalibrated samples.
	Record struct {
		ID  string
		Raw []int16
	}

	// A Signal is the floating point trace of one read. Samples is a
	// view that Trim may shorten from the front; TrimStart records how
	// many samples were dropped.
	Signal struct {
		ID        string
		Samples   []float32
		TrimStart int
	}
)

// Convert turns a raw record into a Signal.
func Convert(rec *Record) *Signal {
	samples := make([]float32, len(rec.Raw))
	for i, raw := range rec.Raw {
		samples[i] = float32(raw)
	}
	return &Signal{ID: rec.ID, Samples: samples}
}

// Len returns the number of samples in the current view.
func (s *Signal) Len() int {
	return len(s.Samples)
}

// TrimTo drops the first start samples of the view.
func (s *Signal) TrimTo(start int) {
	if start > len(s.Samples) {
		start = len(s.Samples)
	}
	if start > 0 {
		s.Samples = s.Samples[start:]
		s.TrimStart += start
	}
}

// NormalizeReadID returns the canonical lower case form of read ids
// that are UUIDs, and id unchanged otherwise.
func NormalizeReadID(id string) string {
	if u, err := uuid.Parse(id); err == nil {
		return u.String()
	}
	return id
}
