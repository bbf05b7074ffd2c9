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
	"math"
	"math/rand"
	"testing"
)

// syntheticRead is a slow unit sine wave with an adapter spike of
// height 100 over [spikeStart, spikeEnd).
func syntheticRead(length, spikeStart, spikeEnd int) []float32 {
	samples := make([]float32, length)
	for i := range samples {
		samples[i] = float32(math.Sin(float64(i) / 37))
		if i >= spikeStart && i < spikeEnd {
			samples[i] += 100
		}
	}
	return samples
}

func TestTrim(t *testing.T) {
	if Trim(nil) != 0 {
		t.Error("empty Trim failed")
	}
	if Trim(make([]float32, 20)) != 0 {
		t.Error("short Trim failed")
	}
	if Trim(make([]float32, 20000)) != 0 {
		t.Error("constant Trim failed")
	}
	if start := Trim(syntheticRead(20000, 10, 210)); start != 250 {
		t.Error("adapter Trim failed:", start)
	}
	if start := Trim(syntheticRead(20000, -1, -1)); start != 0 {
		t.Error("baseline Trim failed:", start)
	}
}

func TestTrimLookaheadOnly(t *testing.T) {
	samples := syntheticRead(30000, -1, -1)
	for i := TrimLookahead + 100; i < TrimLookahead+300; i++ {
		samples[i] += 100
	}
	if start := Trim(samples); start != 0 {
		t.Error("Trim looked beyond the lookahead window:", start)
	}
}

func TestTrimShortSignal(t *testing.T) {
	// fewer samples than the lookahead, with a cut point early enough
	samples := syntheticRead(1000, 10, 50)
	start := Trim(samples)
	if start != 90 {
		t.Error("short signal Trim failed:", start)
	}
}

func TestScale(t *testing.T) {
	samples := []float32{1, 2, 3, 4, 100}
	shift, spread := ScaleParameters(samples)
	if shift != 3 {
		t.Error("median failed:", shift)
	}
	if math.Abs(spread-1.4826) > 1e-9 {
		t.Error("MAD failed:", spread)
	}
	Scale(samples)
	if samples[2] != 0 {
		t.Error("Scale did not center the median")
	}
}

func TestScaleDegenerate(t *testing.T) {
	samples := make([]float32, 1000)
	for i := range samples {
		samples[i] = 512
	}
	Scale(samples)
	for _, x := range samples {
		if x != 0 || math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			t.Fatal("degenerate Scale produced", x)
		}
	}
	Scale(nil)
}

func TestScaleIdempotent(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	samples := make([]float32, 5001)
	for i := range samples {
		samples[i] = float32(400 + 60*rnd.NormFloat64())
	}
	Scale(samples)
	again := append([]float32(nil), samples...)
	Scale(again)
	for i := range samples {
		if d := math.Abs(float64(samples[i] - again[i])); d > 1e-5 {
			t.Fatal("repeated Scale changed sample", i, "by", d)
		}
	}
}

func TestTrimTo(t *testing.T) {
	s := &Signal{ID: "r", Samples: []float32{1, 2, 3, 4}}
	s.TrimTo(3)
	if s.Len() != 1 || s.Samples[0] != 4 || s.TrimStart != 3 {
		t.Error("TrimTo failed")
	}
	s.TrimTo(10)
	if s.Len() != 0 || s.TrimStart != 4 {
		t.Error("TrimTo beyond the end failed")
	}
}

func BenchmarkScale(b *testing.B) {
	rnd := rand.New(rand.NewSource(1))
	samples := make([]float32, 100000)
	for i := range samples {
		samples[i] = float32(rnd.Intn(1000))
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Scale(samples)
	}
}
