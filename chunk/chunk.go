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

// Package chunk splits a read's signal into fixed size, overlapping
// windows, the unit of neural network input, and keeps the signals
// those windows refer to alive while they are in flight.
package chunk

import "fmt"

// A ConfigError reports an invalid configuration value.
type ConfigError struct {
	Option string
	Value  interface{}
	Reason string
}

func (err *ConfigError) Error() string {
	return fmt.Sprintf("invalid %v %v: %v", err.Option, err.Value, err.Reason)
}

// A Plan describes how signals are chunked: windows of Size samples
// that advance by Size - Overlap.
type Plan struct {
	Size    int
	Overlap int
}

// NewPlan returns a Plan, or a *ConfigError unless
// 0 <= overlap < size.
func NewPlan(size, overlap int) (Plan, error) {
	if size < 1 {
		return Plan{}, &ConfigError{"chunk size", size, "should be larger than 0"}
	}
	if overlap < 0 || overlap >= size {
		return Plan{}, &ConfigError{"overlap", overlap, fmt.Sprintf("should be at least 0 and less than the chunk size %v", size)}
	}
	return Plan{Size: size, Overlap: overlap}, nil
}

// Step is the distance between the start offsets of consecutive
// chunks.
func (p Plan) Step() int {
	return p.Size - p.Overlap
}

// Count returns the number of chunks for a signal of the given
// length: ceil((length - overlap) / step), but at least 1.
func (p Plan) Count(length int) int {
	rest := length - p.Overlap
	if rest <= 0 {
		return 1
	}
	step := p.Step()
	return (rest + step - 1) / step
}

// A Chunk is a window over the signal registered in an Arena under
// Owner. Length is the number of real samples; the window is zero
// padded to Size. Overlap is the number of samples shared with the
// previous chunk of the same signal.
type Chunk struct {
	Owner   Handle
	Read    int
	Index   int
	Start   int
	Length  int
	Size    int
	Overlap int
	Last    bool
}

// End returns the offset just past the real samples of the chunk.
func (c *Chunk) End() int {
	return c.Start + c.Length
}

// Bytes returns the size of the padded chunk as network input.
func (c *Chunk) Bytes() int64 {
	return int64(c.Size) * 4
}

func (c *Chunk) String() string {
	return fmt.Sprintf("chunk %v of read %v [%v,%v)", c.Index, c.Read, c.Start, c.End())
}

// An Iterator produces the chunks of one signal lazily and in start
// offset order. It can be restarted with Reset.
type Iterator struct {
	plan   Plan
	owner  Handle
	read   int
	length int
	count  int
	index  int
}

// Chunks returns an Iterator over the chunks of a signal of the given
// length, registered under owner. read is the sequence number of the
// read in the run.
func (p Plan) Chunks(owner Handle, read, length int) *Iterator {
	return &Iterator{
		plan:   p,
		owner:  owner,
		read:   read,
		length: length,
		count:  p.Count(length),
	}
}

// Len returns the total number of chunks.
func (it *Iterator) Len() int {
	return it.count
}

// Reset restarts the iteration at the first chunk.
func (it *Iterator) Reset() {
	it.index = 0
}

// Next returns the next chunk, or false when all chunks have been
// produced.
func (it *Iterator) Next() (*Chunk, bool) {
	if it.index >= it.count {
		return nil, false
	}
	index := it.index
	it.index++
	start := index * it.plan.Step()
	length := it.length - start
	if length > it.plan.Size {
		length = it.plan.Size
	}
	if length < 0 {
		length = 0
	}
	c := &Chunk{
		Owner:  it.owner,
		Read:   it.read,
		Index:  index,
		Start:  start,
		Length: length,
		Size:   it.plan.Size,
		Last:   it.index == it.count,
	}
	if index > 0 {
		c.Overlap = it.plan.Overlap
	}
	return c, true
}

// Split collects all chunks of an Iterator.
func (it *Iterator) Split() []*Chunk {
	it.Reset()
	chunks := make([]*Chunk, 0, it.count)
	for c, ok := it.Next(); ok; c, ok = it.Next() {
		chunks = append(chunks, c)
	}
	return chunks
}
