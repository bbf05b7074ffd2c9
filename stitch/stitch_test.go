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

package stitch

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/exascience/elcall/chunk"
	"github.com/exascience/elcall/decode"
)

type event struct {
	pos     int
	symbol  byte
	quality byte
}

// randomEvents places symbols at increasing sample positions at least
// stride samples apart.
func randomEvents(rnd *rand.Rand, length, stride int) (events []event) {
	for pos := rnd.Intn(stride); pos < length; pos += stride + rnd.Intn(3*stride) {
		events = append(events, event{pos, "ACGT"[rnd.Intn(4)], byte(1 + rnd.Intn(40))})
	}
	return
}

// decodeEvents simulates a perfect decoder: every chunk calls exactly
// the events inside its real samples.
func decodeEvents(events []event, chunks []*chunk.Chunk, stride int) []*decode.DecodedChunk {
	result := make([]*decode.DecodedChunk, len(chunks))
	for i, c := range chunks {
		d := &decode.DecodedChunk{Chunk: c, Stride: stride, Moves: make([]uint8, (c.Size+stride-1)/stride)}
		for _, e := range events {
			if e.pos >= c.Start && e.pos < c.End() {
				d.Moves[(e.pos-c.Start)/stride] = 1
				d.Sequence = append(d.Sequence, e.symbol)
				d.Qualities = append(d.Qualities, e.quality)
			}
		}
		result[i] = d
	}
	return result
}

func TestReconstruct(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	for trial := 0; trial < 500; trial++ {
		stride := 1 + rnd.Intn(6)
		size := stride * (2 + rnd.Intn(40))
		overlap := stride * rnd.Intn(size/stride)
		length := rnd.Intn(2000)
		plan, err := chunk.NewPlan(size, overlap)
		if err != nil {
			t.Fatal(err)
		}
		events := randomEvents(rnd, length, stride)
		result, err := Stitch(decodeEvents(events, plan.Chunks(1, 0, length).Split(), stride))
		if err != nil {
			// chunks without events are flagged, but still stitched
			var inconsistency *Inconsistency
			if !errors.As(err, &inconsistency) {
				t.Fatal(err)
			}
		}
		if len(result.Sequence) != len(events) || len(result.Quality) != len(result.Sequence) {
			t.Fatal("stitching lost or duplicated symbols", len(result.Sequence), len(events), stride, size, overlap, length)
		}
		for i, e := range events {
			if result.Sequence[i] != e.symbol || result.Quality[i] != e.quality+33 {
				t.Fatal("stitching misplaced symbol", i, stride, size, overlap, length)
			}
		}
	}
}

func randomDecoded(rnd *rand.Rand, c *chunk.Chunk, stride int) *decode.DecodedChunk {
	d := &decode.DecodedChunk{Chunk: c, Stride: stride, Moves: make([]uint8, (c.Size+stride-1)/stride)}
	for t := range d.Moves {
		if rnd.Intn(3) == 0 {
			d.Moves[t] = 1
			d.Sequence = append(d.Sequence, "ACGT"[rnd.Intn(4)])
			d.Qualities = append(d.Qualities, byte(rnd.Intn(50)))
		}
	}
	return d
}

func TestNonDuplication(t *testing.T) {
	rnd := rand.New(rand.NewSource(13))
	for trial := 0; trial < 1000; trial++ {
		stride := 1 + rnd.Intn(7)
		size := 10 + rnd.Intn(300)
		overlap := 1 + rnd.Intn(size-1)
		length := size + rnd.Intn(size)
		plan, _ := chunk.NewPlan(size, overlap)
		chunks := plan.Chunks(1, 3, length).Split()
		decoded := make([]*decode.DecodedChunk, len(chunks))
		for i, c := range chunks {
			decoded[i] = randomDecoded(rnd, c, stride)
		}
		spans, _, err := Spans(decoded)
		if err != nil {
			t.Fatal(err)
		}
		result, _ := Stitch(decoded)
		if len(result.Sequence) != len(result.Quality) {
			t.Fatal("quality string length differs from sequence length")
		}
		total := 0
		for i, s := range spans {
			if s.From < 0 || s.From > s.To || s.To > len(decoded[i].Sequence) {
				t.Fatal("invalid span", s, len(decoded[i].Sequence))
			}
			total += s.To - s.From
		}
		if total != len(result.Sequence) {
			t.Fatal("stitched length differs from span total")
		}
		if len(spans) > 1 && spans[0].From != 0 {
			t.Fatal("first chunk should keep its first symbols")
		}
	}
}

func TestTwoChunks(t *testing.T) {
	// samples [0,40) and [30,70), stride 5, split at 35
	first := &chunk.Chunk{Read: 0, Index: 0, Start: 0, Length: 40, Size: 40}
	second := &chunk.Chunk{Read: 0, Index: 1, Start: 30, Length: 40, Size: 40, Overlap: 10, Last: true}
	a := &decode.DecodedChunk{Chunk: first, Stride: 5,
		Sequence: []byte("ACGTACGT"), Qualities: []byte{1, 2, 3, 4, 5, 6, 7, 8},
		Moves: []uint8{1, 1, 1, 1, 1, 1, 1, 1}}
	b := &decode.DecodedChunk{Chunk: second, Stride: 5,
		Sequence: []byte("TTGGCCAA"), Qualities: []byte{9, 10, 11, 12, 13, 14, 15, 16},
		Moves: []uint8{1, 1, 1, 1, 1, 1, 1, 1}}
	result, err := Stitch([]*decode.DecodedChunk{a, b})
	if err != nil {
		t.Fatal(err)
	}
	// first keeps timesteps starting at 0..30, second from 35 on
	if string(result.Sequence) != "ACGTACGTGGCCAA" {
		t.Error("midpoint split failed", string(result.Sequence))
	}
	if result.Quality[0] != 34 || result.Quality[len(result.Quality)-1] != 16+33 {
		t.Error("quality encoding failed")
	}
}

func TestPaddingDropped(t *testing.T) {
	c := &chunk.Chunk{Start: 0, Length: 17, Size: 40, Last: true}
	d := &decode.DecodedChunk{Chunk: c, Stride: 5,
		Sequence: []byte("ACGTA"), Qualities: []byte{10, 10, 10, 10, 10},
		Moves: []uint8{1, 0, 1, 1, 0, 1, 1, 0}}
	result, err := Stitch([]*decode.DecodedChunk{d})
	if err != nil {
		t.Fatal(err)
	}
	if string(result.Sequence) != "ACG" {
		t.Error("padding symbols not dropped", string(result.Sequence))
	}
}

func TestEmptyRead(t *testing.T) {
	c := &chunk.Chunk{Start: 0, Length: 0, Size: 40, Last: true}
	d := &decode.DecodedChunk{Chunk: c, Stride: 5, Moves: make([]uint8, 8)}
	result, err := Stitch([]*decode.DecodedChunk{d})
	if err != nil {
		t.Fatal("empty read failed", err)
	}
	if len(result.Sequence) != 0 || len(result.Quality) != 0 {
		t.Error("empty read produced symbols")
	}
}

func TestInconsistency(t *testing.T) {
	first := &chunk.Chunk{Read: 4, Index: 0, Start: 0, Length: 40, Size: 40}
	second := &chunk.Chunk{Read: 4, Index: 1, Start: 30, Length: 40, Size: 40, Overlap: 10, Last: true}
	a := &decode.DecodedChunk{Chunk: first, Stride: 5, Moves: make([]uint8, 8)}
	b := &decode.DecodedChunk{Chunk: second, Stride: 5,
		Sequence: []byte("ACGTACGT"), Qualities: []byte{20, 20, 20, 20, 20, 20, 20, 20},
		Moves: []uint8{1, 0, 0, 0, 0, 0, 0, 0}}
	result, err := Stitch([]*decode.DecodedChunk{a, b})
	var inconsistency *Inconsistency
	if !errors.As(err, &inconsistency) || inconsistency.Count != 2 || inconsistency.Read != 4 || inconsistency.Chunk != 0 {
		t.Fatal("inconsistency not reported", err)
	}
	if result == nil || len(result.Sequence) != len(result.Quality) {
		t.Fatal("inconsistent read not stitched")
	}
	// proportional cut: timesteps [1,8) of 8
	if string(result.Sequence) != "CGTACGT" {
		t.Error("proportional cut failed", string(result.Sequence))
	}
}

func TestOutOfOrder(t *testing.T) {
	first := &chunk.Chunk{Index: 0, Start: 0, Length: 40, Size: 40}
	second := &chunk.Chunk{Index: 1, Start: 30, Length: 40, Size: 40, Overlap: 10}
	a := &decode.DecodedChunk{Chunk: first, Stride: 5, Moves: make([]uint8, 8)}
	b := &decode.DecodedChunk{Chunk: second, Stride: 5, Moves: make([]uint8, 8)}
	if _, err := Stitch([]*decode.DecodedChunk{b, a}); err == nil {
		t.Error("out of order chunks accepted")
	}
}

// localScores returns the class probabilities a model with a receptive
// field of one timestep emits for a window of labels: the label of
// each timestep wins, padding timesteps are blank.
func localScores(labels []int, windows []*chunk.Chunk, stride, timesteps int) *decode.Scores {
	const classes = 5
	scores := &decode.Scores{
		N: len(windows), T: timesteps, C: classes,
		Data:     make([]float32, len(windows)*timesteps*classes),
		Stride:   stride,
		Alphabet: "ACGT",
		QScale:   1,
	}
	for n, c := range windows {
		valid := (c.Length + stride - 1) / stride
		for t := 0; t < timesteps; t++ {
			class := decode.Blank
			if t < valid {
				class = labels[c.Start/stride+t]
			}
			row := scores.Row(n, t)
			for k := range row {
				row[k] = 0.025
			}
			row[class] = 0.9
		}
	}
	return scores
}

func TestMatchesWholeRead(t *testing.T) {
	rnd := rand.New(rand.NewSource(29))
	var decoder decode.CPUDecoder
	for trial := 0; trial < 300; trial++ {
		stride := 1 + rnd.Intn(3)
		size := stride * (4 + rnd.Intn(30))
		overlap := stride * (1 + rnd.Intn(size/stride-1))
		if trial%3 == 0 {
			overlap = stride
		}
		length := 1 + rnd.Intn(1500)
		timesteps := (length + stride - 1) / stride

		// runs of repeated labels, so symbols span chunk boundaries
		labels := make([]int, timesteps)
		for t := 0; t < timesteps; {
			class := rnd.Intn(5)
			for run := 1 + rnd.Intn(6); run > 0 && t < timesteps; run-- {
				labels[t] = class
				t++
			}
		}

		whole := &chunk.Chunk{Start: 0, Length: length, Size: timesteps * stride, Last: true}
		reference, err := decoder.Decode(localScores(labels, []*chunk.Chunk{whole}, stride, timesteps), []*chunk.Chunk{whole})
		if err != nil {
			t.Fatal(err)
		}

		plan, err := chunk.NewPlan(size, overlap)
		if err != nil {
			t.Fatal(err)
		}
		chunks := plan.Chunks(1, 0, length).Split()
		decoded, err := decoder.Decode(localScores(labels, chunks, stride, size/stride), chunks)
		if err != nil {
			t.Fatal(err)
		}
		result, err := Stitch(decoded)
		if err != nil {
			var inconsistency *Inconsistency
			if !errors.As(err, &inconsistency) {
				t.Fatal(err)
			}
		}
		if string(result.Sequence) != string(reference[0].Sequence) {
			t.Fatal("stitched sequence differs from whole read decoding",
				stride, size, overlap, length, len(result.Sequence), len(reference[0].Sequence))
		}
		if string(result.Quality) != string(qualityString(reference[0].Qualities)) {
			t.Fatal("stitched qualities differ from whole read decoding", stride, size, overlap, length)
		}
	}
}

func qualityString(qualities []byte) []byte {
	result := make([]byte, len(qualities))
	for i, q := range qualities {
		result[i] = q + 33
	}
	return result
}

func TestSplitOffset(t *testing.T) {
	for _, test := range []struct{ overlap, stride, split int }{
		{0, 1, 0},
		{1, 1, 1},
		{2, 1, 1},
		{10, 5, 5},
		{5, 5, 5},
		{150, 5, 75},
	} {
		if split := splitOffset(test.overlap, test.stride); split != test.split {
			t.Error("splitOffset failed", test.overlap, test.stride, split)
		}
	}
}
