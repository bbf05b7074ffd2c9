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

// Package decode turns the class probabilities computed by a model
// into called symbols, per-symbol qualities, and move tables.
package decode

import (
	"fmt"
	"math"
	"runtime"

	"github.com/exascience/pargo/parallel"

	"github.com/exascience/elcall/chunk"
)

// Blank is the class index of the CTC blank.
const Blank = 0

// Quality bounds of raw phred values.
const (
	MinQuality = 1
	MaxQuality = 50
)

// Scores are the class probabilities of a batch of N chunks, laid
// out as [N, T, C] in Data. Class 0 is the blank, class i > 0 is
// Alphabet[i-1]. Each timestep covers Stride samples.
type Scores struct {
	N, T, C  int
	Data     []float32
	Stride   int
	Alphabet string
	QScale   float64
	QShift   float64
}

// Row returns the probabilities of chunk n at timestep t.
func (s *Scores) Row(n, t int) []float32 {
	offset := (n*s.T + t) * s.C
	return s.Data[offset : offset+s.C]
}

func (s *Scores) check(chunks []*chunk.Chunk) error {
	if s.N != len(chunks) {
		return fmt.Errorf("scores for %v chunks, but %v chunks given", s.N, len(chunks))
	}
	if s.C != len(s.Alphabet)+1 {
		return fmt.Errorf("%v classes do not match alphabet %q", s.C, s.Alphabet)
	}
	if len(s.Data) != s.N*s.T*s.C {
		return fmt.Errorf("invalid score data length %v for shape [%v %v %v]", len(s.Data), s.N, s.T, s.C)
	}
	if s.Stride < 1 {
		return fmt.Errorf("invalid stride %v", s.Stride)
	}
	return nil
}

// A DecodedChunk is the decoder output for one chunk. Qualities holds
// one raw phred value per symbol. Moves holds one entry per timestep,
// 1 where a new symbol starts, so the number of ones equals
// len(Sequence).
type DecodedChunk struct {
	Chunk     *chunk.Chunk
	Sequence  []byte
	Qualities []byte
	Moves     []uint8
	Stride    int
}

// A Decoder decodes the scores of one batch. The result holds one
// DecodedChunk per chunk, in the same order.
type Decoder interface {
	Decode(scores *Scores, chunks []*chunk.Chunk) ([]*DecodedChunk, error)
}

// New returns an AccelDecoder if accel is true, and a CPUDecoder
// otherwise.
func New(accel bool, lanes int) Decoder {
	if accel {
		return NewAccelDecoder(lanes)
	}
	return CPUDecoder{}
}

// Phred converts the probability that a call is correct to a raw
// phred quality.
func Phred(p, qscale, qshift float64) byte {
	q := qscale*-10*math.Log10(1-p) + qshift
	switch {
	case math.IsNaN(q) || q < MinQuality:
		return MinQuality
	case q > MaxQuality:
		return MaxQuality
	default:
		return byte(math.Round(q))
	}
}

func argmax(probs []float32) int {
	best := 0
	for i := 1; i < len(probs); i++ {
		if probs[i] > probs[best] {
			best = i
		}
	}
	return best
}

// greedy performs greedy CTC decoding of chunk n: arg-max per
// timestep, repeats collapsed, blanks dropped. The quality of a
// symbol is derived from the mean probability of its class over the
// timesteps of its run.
func greedy(s *Scores, n int, c *chunk.Chunk) *DecodedChunk {
	d := &DecodedChunk{
		Chunk:  c,
		Moves:  make([]uint8, s.T),
		Stride: s.Stride,
	}
	prev := Blank
	var sum float64
	var run int
	flush := func() {
		if run > 0 {
			d.Qualities = append(d.Qualities, Phred(sum/float64(run), s.QScale, s.QShift))
		}
		sum, run = 0, 0
	}
	for t := 0; t < s.T; t++ {
		probs := s.Row(n, t)
		class := argmax(probs)
		switch {
		case class == Blank:
			flush()
		case class == prev:
			sum += float64(probs[class])
			run++
		default:
			flush()
			d.Moves[t] = 1
			d.Sequence = append(d.Sequence, s.Alphabet[class-1])
			sum, run = float64(probs[class]), 1
		}
		prev = class
	}
	flush()
	return d
}

// CPUDecoder decodes the chunks of a batch one after the other.
type CPUDecoder struct{}

// Decode implements the Decoder interface.
func (CPUDecoder) Decode(scores *Scores, chunks []*chunk.Chunk) ([]*DecodedChunk, error) {
	if err := scores.check(chunks); err != nil {
		return nil, err
	}
	result := make([]*DecodedChunk, len(chunks))
	for i, c := range chunks {
		result[i] = greedy(scores, i, c)
	}
	return result, nil
}

// AccelDecoder decodes the chunks of a batch in parallel, spreading
// them over a bounded number of lanes.
type AccelDecoder struct {
	lanes int
}

// NewAccelDecoder returns an AccelDecoder. If lanes <= 0, it uses
// runtime.GOMAXPROCS(0) lanes.
func NewAccelDecoder(lanes int) *AccelDecoder {
	if lanes <= 0 {
		lanes = runtime.GOMAXPROCS(0)
	}
	return &AccelDecoder{lanes: lanes}
}

// Lanes returns the number of lanes.
func (dec *AccelDecoder) Lanes() int {
	return dec.lanes
}

// Decode implements the Decoder interface.
func (dec *AccelDecoder) Decode(scores *Scores, chunks []*chunk.Chunk) ([]*DecodedChunk, error) {
	if err := scores.check(chunks); err != nil {
		return nil, err
	}
	result := make([]*DecodedChunk, len(chunks))
	if len(chunks) == 0 {
		return result, nil
	}
	parallel.Range(0, len(chunks), dec.lanes, func(low, high int) {
		for i := low; i < high; i++ {
			result[i] = greedy(scores, i, chunks[i])
		}
	})
	return result, nil
}
