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

package basecall

import (
	"log"
	"time"

	"github.com/exascience/elcall/internal"
)

// Timings accumulates the wall time spent per stage. The preprocessing,
// stitching, and output stages are summed over reads, so with reads in
// flight concurrently their sum can exceed Total. Basecall and Decode
// are the time the runners spent in forward passes and decoding.
type Timings struct {
	Read     time.Duration
	Convert  time.Duration
	Trim     time.Duration
	Scale    time.Duration
	Chunk    time.Duration
	Basecall time.Duration
	Decode   time.Duration
	Stitch   time.Duration
	Write    time.Duration
	Total    time.Duration

	Reads         int
	LowConfidence int
	Samples       int64
	Batches       int64
}

func (t *Timings) add(read *Timings) {
	t.Read += read.Read
	t.Convert += read.Convert
	t.Trim += read.Trim
	t.Scale += read.Scale
	t.Chunk += read.Chunk
	t.Stitch += read.Stitch
	t.Write += read.Write
	t.Reads += read.Reads
	t.LowConfidence += read.LowConfidence
	t.Samples += read.Samples
}

// SamplesPerSecond is the throughput of the run.
func (t *Timings) SamplesPerSecond() float64 {
	if t.Total <= 0 {
		return 0
	}
	return float64(t.Samples) / t.Total.Seconds()
}

// Log writes the performance summary to the standard logger.
func (t *Timings) Log() {
	log.Println("Performance summary:")
	log.Printf("read:          %f\n", internal.Seconds(t.Read))
	log.Printf("conv tensor:   %f\n", internal.Seconds(t.Convert))
	log.Printf("trim:          %f\n", internal.Seconds(t.Trim))
	log.Printf("scale:         %f\n", internal.Seconds(t.Scale))
	log.Printf("chunk:         %f\n", internal.Seconds(t.Chunk))
	log.Printf("basecall:      %f\n", internal.Seconds(t.Basecall))
	log.Printf("decode:        %f\n", internal.Seconds(t.Decode))
	log.Printf("stitch:        %f\n", internal.Seconds(t.Stitch))
	log.Printf("write:         %f\n", internal.Seconds(t.Write))
	log.Printf("samples/s:     %f\n", t.SamplesPerSecond())
	log.Printf("reads: %v, low confidence: %v, batches: %v\n", t.Reads, t.LowConfidence, t.Batches)
}
