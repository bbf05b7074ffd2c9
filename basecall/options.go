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

// Package basecall drives reads through the basecaller: preprocessing,
// chunking, batched inference, stitching, and output, with reads in
// flight concurrently and results emitted in input order.
package basecall

import (
	"fmt"
	"log"

	"github.com/exascience/elcall/chunk"
	"github.com/exascience/elcall/nn"
)

// A ConfigError reports an invalid option value.
type ConfigError = chunk.ConfigError

// Options configures a run. Options are validated once and then only
// read.
type Options struct {
	Threads      int
	BatchSize    int
	MaxBytes     int64
	ChunkSize    int
	Overlap      int
	Device       string
	DeviceMemory int64
	Runners      int
	DebugBreak   int
	Profile      bool
	Accel        bool
	EmitFastq    bool
}

// Default option values.
const (
	DefaultThreads   = 8
	DefaultBatchSize = 512
	DefaultMaxBytes  = 500 * 1000 * 1000
	DefaultChunkSize = 8000
	DefaultOverlap   = 150
	DefaultDevice    = "cpu"
	DefaultRunners   = 1
)

// DefaultOptions returns the default configuration.
func DefaultOptions() Options {
	return Options{
		Threads:   DefaultThreads,
		BatchSize: DefaultBatchSize,
		MaxBytes:  DefaultMaxBytes,
		ChunkSize: DefaultChunkSize,
		Overlap:   DefaultOverlap,
		Device:    DefaultDevice,
		Runners:   DefaultRunners,
	}
}

func positive(option string, value int) error {
	if value < 1 {
		return &ConfigError{Option: option, Value: value, Reason: "should be larger than 0"}
	}
	return nil
}

// Validate returns a *ConfigError for the first invalid option.
func (o *Options) Validate() error {
	for _, check := range []struct {
		option string
		value  int
	}{
		{"number of threads", o.Threads},
		{"batch size", o.BatchSize},
		{"chunk size", o.ChunkSize},
		{"overlap", o.Overlap},
		{"number of runners", o.Runners},
	} {
		if err := positive(check.option, check.value); err != nil {
			return err
		}
	}
	if o.MaxBytes <= 0 {
		return &ConfigError{Option: "maximum number of bytes", Value: o.MaxBytes, Reason: "should be larger than 0"}
	}
	if _, err := chunk.NewPlan(o.ChunkSize, o.Overlap); err != nil {
		return err
	}
	if o.DebugBreak < 0 {
		return &ConfigError{Option: "debug break", Value: o.DebugBreak, Reason: "should not be negative"}
	}
	if o.DeviceMemory < 0 {
		return &ConfigError{Option: "device memory", Value: o.DeviceMemory, Reason: "should not be negative"}
	}
	if _, _, err := nn.ParseDevice(o.Device); err != nil {
		return err
	}
	return nil
}

// Plan returns the chunking plan for a model with the given stride.
// Chunk size and overlap are rounded to multiples of the stride, so
// that the timesteps of overlapping chunks line up.
func (o *Options) Plan(stride int) (chunk.Plan, error) {
	if stride < 1 {
		return chunk.Plan{}, fmt.Errorf("invalid model stride %v", stride)
	}
	size := o.ChunkSize / stride * stride
	overlap := (o.Overlap + stride - 1) / stride * stride
	if size != o.ChunkSize || overlap != o.Overlap {
		log.Printf("Warning: Chunk size %v and overlap %v rounded to %v and %v, multiples of the model stride %v.\n",
			o.ChunkSize, o.Overlap, size, overlap, stride)
	}
	return chunk.NewPlan(size, overlap)
}
