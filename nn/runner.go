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

package nn

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/exascience/elcall/chunk"
	"github.com/exascience/elcall/decode"
)

// A Batch maps slot indices to chunks. All chunks of a batch have the
// same padded size.
type Batch []*chunk.Chunk

// Bytes returns the size of the batch as network input.
func (b Batch) Bytes() (bytes int64) {
	for _, c := range b {
		bytes += c.Bytes()
	}
	return
}

// Input materializes the batch as a tensor of shape [N, chunk size].
func (b Batch) Input(arena *chunk.Arena) (*Tensor, error) {
	if len(b) == 0 {
		return NewTensor(0, 0), nil
	}
	size := b[0].Size
	input := NewTensor(len(b), size)
	for i, c := range b {
		if c.Size != size {
			return nil, fmt.Errorf("%v has size %v in a batch of size %v", c, c.Size, size)
		}
		if err := arena.Fill(input.Data[i*size:(i+1)*size], c); err != nil {
			return nil, err
		}
	}
	return input, nil
}

// Stats accumulates the work done by a group of runners.
type Stats struct {
	batches, chunks, samples int64
	infer, decode            int64
}

// StatsSnapshot is a consistent copy of Stats.
type StatsSnapshot struct {
	Batches, Chunks, Samples int64
	Infer, Decode            time.Duration
}

func (s *Stats) add(b Batch, infer, decode time.Duration) {
	var samples int64
	for _, c := range b {
		samples += int64(c.Length)
	}
	atomic.AddInt64(&s.batches, 1)
	atomic.AddInt64(&s.chunks, int64(len(b)))
	atomic.AddInt64(&s.samples, samples)
	atomic.AddInt64(&s.infer, int64(infer))
	atomic.AddInt64(&s.decode, int64(decode))
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Batches: atomic.LoadInt64(&s.batches),
		Chunks:  atomic.LoadInt64(&s.chunks),
		Samples: atomic.LoadInt64(&s.samples),
		Infer:   time.Duration(atomic.LoadInt64(&s.infer)),
		Decode:  time.Duration(atomic.LoadInt64(&s.decode)),
	}
}

// A Runner owns a model, a backend, and a decoder, and executes
// batches of at most BatchSize chunks and MaxBytes input bytes.
type Runner struct {
	Model     Model
	Backend   Backend
	Decoder   decode.Decoder
	Arena     *chunk.Arena
	BatchSize int
	MaxBytes  int64
	Stats     *Stats
}

// NewRunner returns a Runner. maxBytes <= 0 means no byte limit.
func NewRunner(model Model, backend Backend, decoder decode.Decoder, arena *chunk.Arena, batchSize int, maxBytes int64) *Runner {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Runner{
		Model:     model,
		Backend:   backend,
		Decoder:   decoder,
		Arena:     arena,
		BatchSize: batchSize,
		MaxBytes:  maxBytes,
		Stats:     new(Stats),
	}
}

// fits tells whether c can be added to a batch of n chunks and the
// given number of bytes. An empty batch accepts any chunk.
func (r *Runner) fits(n int, bytes int64, first, c *chunk.Chunk) bool {
	if n == 0 {
		return true
	}
	if n >= r.BatchSize || c.Size != first.Size {
		return false
	}
	return r.MaxBytes <= 0 || bytes+c.Bytes() <= r.MaxBytes
}

// Split cuts chunks into consecutive batches within the limits of r.
func (r *Runner) Split(chunks []*chunk.Chunk) (batches []Batch) {
	var bytes int64
	start := 0
	for i, c := range chunks {
		if !r.fits(i-start, bytes, chunks[start], c) {
			batches = append(batches, chunks[start:i])
			start, bytes = i, 0
		}
		bytes += c.Bytes()
	}
	if start < len(chunks) {
		batches = append(batches, chunks[start:])
	}
	return
}

// Submit runs all chunks and returns one DecodedChunk per chunk, in
// the same order.
func (r *Runner) Submit(chunks []*chunk.Chunk) ([]*decode.DecodedChunk, error) {
	result := make([]*decode.DecodedChunk, 0, len(chunks))
	for _, batch := range r.Split(chunks) {
		decoded, err := r.Run(batch)
		if err != nil {
			return nil, err
		}
		result = append(result, decoded...)
	}
	return result, nil
}

// Run executes one batch as a single backend call and decodes the
// result. Backend failures are reported as *InferenceError.
func (r *Runner) Run(batch Batch) ([]*decode.DecodedChunk, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	input, err := batch.Input(r.Arena)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	output, err := r.Backend.Forward(r.Model, input)
	if err != nil {
		if ierr, ok := err.(*InferenceError); ok {
			return nil, ierr
		}
		return nil, &InferenceError{Device: r.Backend.Name(), Chunks: len(batch), Err: err}
	}
	steps := Timesteps(r.Model, batch[0].Size)
	if len(output.Shape) != 3 || output.Shape[0] != len(batch) || output.Shape[1] != steps || output.Shape[2] != r.Model.Classes() {
		return nil, &InferenceError{
			Device: r.Backend.Name(),
			Chunks: len(batch),
			Err:    fmt.Errorf("unexpected output %v for input %v", output, input),
		}
	}
	inferred := time.Now()
	scores := &decode.Scores{
		N:        len(batch),
		T:        steps,
		C:        r.Model.Classes(),
		Data:     output.Data,
		Stride:   r.Model.Stride(),
		Alphabet: r.Model.Alphabet(),
		QScale:   r.Model.QScale(),
		QShift:   r.Model.QShift(),
	}
	decoded, err := r.Decoder.Decode(scores, batch)
	if err != nil {
		return nil, err
	}
	r.Stats.add(batch, inferred.Sub(start), time.Since(inferred))
	return decoded, nil
}

// Close releases the backend.
func (r *Runner) Close() error {
	return r.Backend.Close()
}
