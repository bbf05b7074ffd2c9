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

// Package stitch merges the overlapping decoded chunks of a read into
// one sequence.
//
// Neighbouring chunks i and i+1 split their overlap at its midpoint,
// start(i+1) + overlap/2, but never before start(i+1) + stride: the
// first timestep of chunk i+1 has no left context, so a symbol run
// continuing from chunk i would be called again there. Chunk i keeps
// the timesteps that start before the split sample, chunk i+1 keeps
// the timesteps from that sample on. The
// move table of a chunk maps its kept timesteps to a range of
// symbols, so each symbol of each chunk is used at most once, and no
// stretch of signal contributes twice.
package stitch

import (
	"fmt"

	"github.com/exascience/elcall/decode"
)

// An Inconsistency reports chunks whose symbols cannot be placed
// reliably. The stitched result is still usable, but of low
// confidence.
type Inconsistency struct {
	Read   int
	Chunk  int
	Reason string
	Count  int
}

func (err *Inconsistency) Error() string {
	if err.Count > 1 {
		return fmt.Sprintf("read %v, chunk %v: %v (and %v more)", err.Read, err.Chunk, err.Reason, err.Count-1)
	}
	return fmt.Sprintf("read %v, chunk %v: %v", err.Read, err.Chunk, err.Reason)
}

func (err *Inconsistency) add(read, chunk int, reason string) *Inconsistency {
	if err == nil {
		return &Inconsistency{Read: read, Chunk: chunk, Reason: reason, Count: 1}
	}
	err.Count++
	return err
}

// A Result is a stitched sequence with its phred+33 quality string.
type Result struct {
	Sequence []byte
	Quality  []byte
}

// Span is the range of symbols [From, To) that a chunk contributes.
type Span struct {
	From, To int
}

func ceilDiv(a, b int) int {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

func clamp(x, low, high int) int {
	if x < low {
		return low
	}
	if x > high {
		return high
	}
	return x
}

// splitOffset is the distance from the start of a chunk to the sample
// where it takes over from its predecessor.
func splitOffset(overlap, stride int) int {
	split := overlap / 2
	if split < stride {
		split = stride
	}
	if split > overlap {
		split = overlap
	}
	return split
}

func symbolsBefore(moves []uint8, t int) (n int) {
	for _, m := range moves[:t] {
		n += int(m)
	}
	return
}

/*
Spans computes the symbol range each decoded chunk contributes. The
chunks must belong to one read and be in start offset order.

A chunk whose move table does not agree with its symbols is cut in
proportion to its kept timesteps instead. Such chunks, and non-empty
chunks without any symbols, are reported with an *Inconsistency next to
the spans.
*/
func Spans(chunks []*decode.DecodedChunk) ([]Span, *Inconsistency, error) {
	spans := make([]Span, len(chunks))
	var inconsistency *Inconsistency
	for i, d := range chunks {
		c := d.Chunk
		if c == nil || d.Stride < 1 {
			return nil, nil, fmt.Errorf("decoded chunk %v without chunk metadata", i)
		}
		if i > 0 {
			prev := chunks[i-1].Chunk
			if c.Read != prev.Read || c.Index != prev.Index+1 || c.Start < prev.Start {
				return nil, nil, fmt.Errorf("%v does not follow %v", c, prev)
			}
		}
		if len(d.Qualities) != len(d.Sequence) {
			return nil, nil, fmt.Errorf("%v: %v qualities for %v symbols", c, len(d.Qualities), len(d.Sequence))
		}
		valid := clamp(ceilDiv(c.Length, d.Stride), 0, len(d.Moves))
		low := 0
		if i > 0 {
			low = clamp(ceilDiv(splitOffset(c.Overlap, d.Stride), d.Stride), 0, valid)
		}
		high := valid
		if i+1 < len(chunks) {
			next := chunks[i+1].Chunk
			high = clamp(ceilDiv(next.Start+splitOffset(next.Overlap, d.Stride)-c.Start, d.Stride), low, valid)
		}
		if c.Length > 0 && len(d.Sequence) == 0 {
			inconsistency = inconsistency.add(c.Read, c.Index, "no symbols called")
			continue
		}
		if symbolsBefore(d.Moves, len(d.Moves)) != len(d.Sequence) {
			inconsistency = inconsistency.add(c.Read, c.Index, "move table does not match the called symbols")
			if valid == 0 {
				continue
			}
			n := len(d.Sequence)
			spans[i] = Span{From: n * low / valid, To: n * high / valid}
			continue
		}
		spans[i] = Span{From: symbolsBefore(d.Moves, low), To: symbolsBefore(d.Moves, high)}
	}
	return spans, inconsistency, nil
}

// Stitch merges the decoded chunks of one read. When some chunks are
// inconsistent, the result is returned together with an
// *Inconsistency.
func Stitch(chunks []*decode.DecodedChunk) (*Result, error) {
	spans, inconsistency, err := Spans(chunks)
	if err != nil {
		return nil, err
	}
	var n int
	for _, s := range spans {
		n += s.To - s.From
	}
	result := &Result{
		Sequence: make([]byte, 0, n),
		Quality:  make([]byte, 0, n),
	}
	for i, s := range spans {
		d := chunks[i]
		result.Sequence = append(result.Sequence, d.Sequence[s.From:s.To]...)
		for _, q := range d.Qualities[s.From:s.To] {
			result.Quality = append(result.Quality, q+33)
		}
	}
	if inconsistency != nil {
		return result, inconsistency
	}
	return result, nil
}
