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
	"fmt"

	"github.com/exascience/elcall/chunk"
	"github.com/exascience/elcall/decode"
	"github.com/exascience/elcall/signal"
	"github.com/exascience/elcall/stitch"
)

// A SourceReadError reports a failing signal source.
type SourceReadError struct {
	Records int
	Err     error
}

func (err *SourceReadError) Error() string {
	return fmt.Sprintf("signal source failed after %v records: %v", err.Records, err.Err)
}

func (err *SourceReadError) Unwrap() error {
	return err.Err
}

// A Writer receives the results of the run, exactly once per read, in
// source order.
type Writer interface {
	WriteRead(id string, sequence, quality []byte, fastq bool) error
}

// A ResultWriter is a Writer that also learns which reads are of low
// confidence. The driver prefers WriteResult over WriteRead.
type ResultWriter interface {
	Writer
	WriteResult(res *ReadResult, fastq bool) error
}

// A ReadResult is the basecalled form of a read. A non-nil
// Inconsistency marks a low confidence result.
type ReadResult struct {
	ID            string
	Sequence      []byte
	Quality       []byte
	Inconsistency *stitch.Inconsistency
}

// LowConfidence tells whether stitching could not place all chunks
// reliably.
func (r *ReadResult) LowConfidence() bool {
	return r.Inconsistency != nil
}

type state int

const (
	stateRead state = iota
	statePreprocessed
	stateChunked
	stateInferred
	stateStitched
	stateEmitted
	stateFailed
)

var stateNames = [...]string{"read", "preprocessed", "chunked", "inferred", "stitched", "emitted", "failed"}

func (s state) String() string {
	return stateNames[s]
}

// A readTask carries one read through the stages. Only one stage
// touches a task at a time.
type readTask struct {
	index   int
	state   state
	reason  error
	record  *signal.Record
	signal  *signal.Signal
	handle  chunk.Handle
	chunks  []*chunk.Chunk
	decoded []*decode.DecodedChunk
	result  ReadResult
}

func (task *readTask) advance(to state) error {
	if task.state == stateFailed {
		return fmt.Errorf("read %v failed earlier: %w", task.index, task.reason)
	}
	if to == stateFailed || to != task.state+1 {
		return fmt.Errorf("read %v: invalid transition from %v to %v", task.index, task.state, to)
	}
	task.state = to
	return nil
}

func (task *readTask) fail(err error) error {
	if task.state != stateFailed {
		task.state = stateFailed
		task.reason = err
	}
	return err
}
