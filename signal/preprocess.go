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
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/exascience/elcall/internal"
)

const (
	// TrimLookahead is the number of leading samples Trim inspects.
	TrimLookahead = 8000

	trimGuard       = 10
	trimWindow      = 40
	trimThreshold   = 2.4
	trimMinElements = 3
	trimMaxFraction = 0.3
)

// Trim returns the index of the first sample past the adapter at the
// start of samples, or 0 if no cut point is found.
//
// Only the first TrimLookahead samples are inspected. They are
// standardized with their own mean and standard deviation; a window
// with more than trimMinElements samples above trimThreshold marks the
// adapter peak, and the end of the first window at or after the peak
// whose last sample is back under the threshold is the cut point. Cut
// points beyond the lookahead or beyond trimMaxFraction of the read
// are rejected.
func Trim(samples []float32) int {
	n := len(samples)
	if n > TrimLookahead {
		n = TrimLookahead
	}
	if n < trimGuard+trimWindow {
		return 0
	}
	prefix := internal.ReserveFloatBuffer(n)
	defer internal.ReleaseFloatBuffer(prefix)
	for i, x := range samples[:n] {
		prefix[i] = float64(x)
	}
	mean, std := stat.MeanStdDev(prefix, nil)
	if !(std > 0) || math.IsInf(std, 0) {
		return 0
	}
	cutoff := mean + trimThreshold*std
	seenPeak := false
	nofWindows := (n - trimGuard) / trimWindow
	for pos := 0; pos < nofWindows; pos++ {
		start := trimGuard + pos*trimWindow
		end := start + trimWindow
		if !seenPeak {
			above := 0
			for _, x := range prefix[start:end] {
				if x > cutoff {
					above++
				}
			}
			if above <= trimMinElements {
				continue
			}
			seenPeak = true
		}
		if prefix[end-1] > cutoff {
			continue
		}
		if end >= n || float64(end) >= trimMaxFraction*float64(len(samples)) {
			return 0
		}
		return end
	}
	return 0
}

const (
	// MinSpread is the smallest spread Scale divides by, so that
	// constant or nearly constant signals stay finite.
	MinSpread = 1.0

	madFactor = 1.4826
)

// median returns the empirical median of sorted.
func median(sorted []float64) float64 {
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}

// ScaleParameters returns the median and the scaled median absolute
// deviation of samples, floored at MinSpread.
func ScaleParameters(samples []float32) (shift, spread float64) {
	if len(samples) == 0 {
		return 0, MinSpread
	}
	buf := internal.ReserveFloatBuffer(len(samples))
	defer internal.ReleaseFloatBuffer(buf)
	for i, x := range samples {
		buf[i] = float64(x)
	}
	sort.Float64s(buf)
	shift = median(buf)
	for i, x := range buf {
		buf[i] = math.Abs(x - shift)
	}
	sort.Float64s(buf)
	spread = madFactor * median(buf)
	if !(spread >= MinSpread) {
		spread = MinSpread
	}
	return shift, spread
}

// Scale standardizes samples in place to (x - median) / spread, see
// ScaleParameters.
func Scale(samples []float32) {
	shift, spread := ScaleParameters(samples)
	for i, x := range samples {
		samples[i] = float32((float64(x) - shift) / spread)
	}
}
