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
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/exascience/pargo/pipeline"

	"github.com/exascience/elcall/chunk"
	"github.com/exascience/elcall/decode"
	"github.com/exascience/elcall/nn"
	"github.com/exascience/elcall/signal"
	"github.com/exascience/elcall/stitch"
)

// A Driver basecalls all reads of a source with a model and hands the
// results to a Writer.
type Driver struct {
	Options Options
	Model   nn.Model
	Writer  Writer

	// NewBackend opens the backend of each runner. The default is
	// nn.NewBackend.
	NewBackend func(device string, memoryLimit int64) (nn.Backend, error)

	// Verbose logs every low confidence read.
	Verbose bool
}

// A run holds the state of one Driver.Run call.
type run struct {
	*Driver
	plan       chunk.Plan
	arena      *chunk.Arena
	dispatcher *nn.Dispatcher

	mu      sync.Mutex
	timings *Timings
}

// account adds the time of a finished stage to the run totals, so
// that work on reads that are never emitted is still reported.
func (r *run) account(stage *Timings) {
	r.mu.Lock()
	r.timings.add(stage)
	r.mu.Unlock()
}

func (d *Driver) newRunners(arena *chunk.Arena) ([]*nn.Runner, error) {
	newBackend := d.NewBackend
	if newBackend == nil {
		newBackend = nn.NewBackend
	}
	var runners []*nn.Runner
	for i := 0; i < d.Options.Runners; i++ {
		backend, err := newBackend(d.Options.Device, d.Options.DeviceMemory)
		if err != nil {
			for _, r := range runners {
				_ = r.Close()
			}
			return nil, err
		}
		decoder := decode.New(d.Options.Accel, 0)
		runners = append(runners, nn.NewRunner(d.Model, backend, decoder, arena, d.Options.BatchSize, d.Options.MaxBytes))
	}
	return runners, nil
}

/*
Run validates the options, opens the source, and basecalls every read
in it, or the first Options.DebugBreak reads if that is positive.

Configuration errors are reported before open is called. A failing
source is reported as a *SourceReadError and a failing backend as an
*nn.InferenceError. The returned Timings are valid, also when an error
is returned.
*/
func (d *Driver) Run(open func() (signal.Source, error)) (timings *Timings, err error) {
	timings = new(Timings)
	if err = d.Options.Validate(); err != nil {
		return timings, err
	}
	plan, err := d.Options.Plan(d.Model.Stride())
	if err != nil {
		return timings, err
	}
	arena := chunk.NewArena()
	runners, err := d.newRunners(arena)
	if err != nil {
		return timings, err
	}
	dispatcher := nn.NewDispatcher(runners)
	start := time.Now()
	defer func() {
		if cerr := dispatcher.Close(); err == nil {
			err = cerr
		}
		stats := dispatcher.Stats()
		timings.Basecall = stats.Infer
		timings.Decode = stats.Decode
		timings.Batches = stats.Batches
		timings.Total = time.Since(start)
	}()
	src, err := open()
	if err != nil {
		return timings, &SourceReadError{Err: err}
	}
	if closer, ok := src.(io.Closer); ok {
		defer func() {
			if cerr := closer.Close(); err == nil && cerr != nil {
				err = &SourceReadError{Records: timings.Reads, Err: cerr}
			}
		}()
	}
	r := &run{Driver: d, plan: plan, arena: arena, dispatcher: dispatcher, timings: timings}
	if d.Options.Profile {
		return timings, r.sections(src)
	}
	return timings, r.pipeline(src)
}

// recordSource is the pipeline.Source view of a signal.Source. Each
// fetched batch is one read.
type recordSource struct {
	source  signal.Source
	limit   int
	count   int
	err     error
	task    *readTask
	account func(*Timings)
}

// Err implements the corresponding method of pipeline.Source.
func (src *recordSource) Err() error {
	return src.err
}

// Prepare implements the corresponding method of pipeline.Source.
func (src *recordSource) Prepare(_ context.Context) (size int) {
	return -1
}

func (src *recordSource) next() (*readTask, error) {
	if src.limit > 0 && src.count >= src.limit {
		return nil, io.EOF
	}
	start := time.Now()
	rec, err := src.source.Next()
	src.account(&Timings{Read: time.Since(start)})
	if err == io.EOF {
		return nil, err
	}
	if err != nil {
		return nil, &SourceReadError{Records: src.count, Err: err}
	}
	task := &readTask{index: src.count, record: rec}
	src.count++
	return task, nil
}

// Fetch implements the corresponding method of pipeline.Source.
func (src *recordSource) Fetch(_ int) (fetched int) {
	if src.err != nil {
		return 0
	}
	task, err := src.next()
	if err != nil {
		if err != io.EOF {
			src.err = err
		}
		src.task = nil
		return 0
	}
	src.task = task
	return 1
}

// Data implements the corresponding method of pipeline.Source.
func (src *recordSource) Data() interface{} {
	return src.task
}

func (r *run) preprocess(task *readTask) error {
	start := time.Now()
	task.signal = signal.Convert(task.record)
	samples := int64(task.signal.Len())
	converted := time.Now()
	task.signal.TrimTo(signal.Trim(task.signal.Samples))
	trimmed := time.Now()
	signal.Scale(task.signal.Samples)
	scaled := time.Now()
	r.account(&Timings{
		Convert: converted.Sub(start),
		Trim:    trimmed.Sub(converted),
		Scale:   scaled.Sub(trimmed),
		Samples: samples,
	})
	task.record = nil
	if err := task.advance(statePreprocessed); err != nil {
		return err
	}
	task.handle = r.arena.Register(task.signal)
	task.chunks = r.plan.Chunks(task.handle, task.index, task.signal.Len()).Split()
	r.account(&Timings{Chunk: time.Since(scaled)})
	return task.advance(stateChunked)
}

func (r *run) infer(task *readTask) error {
	decoded, err := r.dispatcher.Submit(task.chunks)
	if err != nil {
		return task.fail(err)
	}
	task.decoded = decoded
	return task.advance(stateInferred)
}

func (r *run) stitch(task *readTask) error {
	start := time.Now()
	result, err := stitch.Stitch(task.decoded)
	var inconsistency *stitch.Inconsistency
	if err != nil && !errors.As(err, &inconsistency) {
		return task.fail(fmt.Errorf("%v, while stitching read %v", err, task.signal.ID))
	}
	task.result = ReadResult{
		ID:            task.signal.ID,
		Sequence:      result.Sequence,
		Quality:       result.Quality,
		Inconsistency: inconsistency,
	}
	stage := Timings{Stitch: time.Since(start)}
	if inconsistency != nil {
		stage.LowConfidence = 1
		if r.Verbose {
			log.Printf("Warning: Read %v is of low confidence: %v.\n", task.signal.ID, inconsistency)
		}
	}
	r.arena.Release(task.handle)
	task.chunks, task.decoded = nil, nil
	r.account(&stage)
	return task.advance(stateStitched)
}

func (r *run) emit(task *readTask) error {
	start := time.Now()
	res := &task.result
	var err error
	if w, ok := r.Writer.(ResultWriter); ok {
		err = w.WriteResult(res, r.Options.EmitFastq)
	} else {
		err = r.Writer.WriteRead(res.ID, res.Sequence, res.Quality, r.Options.EmitFastq)
	}
	stage := Timings{Write: time.Since(start)}
	if err == nil {
		stage.Reads = 1
	}
	r.account(&stage)
	if err != nil {
		return task.fail(fmt.Errorf("%v, while writing read %v", err, res.ID))
	}
	return task.advance(stateEmitted)
}

func (r *run) pipeline(src signal.Source) error {
	var p pipeline.Pipeline
	p.Source(&recordSource{source: src, limit: r.Options.DebugBreak, account: r.account})
	stage := func(f func(*readTask) error) pipeline.Filter {
		return pipeline.Receive(func(_ int, data interface{}) interface{} {
			task, ok := data.(*readTask)
			if !ok || task == nil {
				return nil
			}
			if err := f(task); err != nil {
				p.SetErr(err)
				return nil
			}
			return task
		})
	}
	threads := r.Options.Threads
	p.Add(
		pipeline.LimitedPar(threads, stage(r.preprocess)),
		pipeline.LimitedPar(threads, stage(r.infer)),
		pipeline.LimitedPar(threads, stage(r.stitch)),
		pipeline.StrictOrd(stage(r.emit)),
	)
	p.Run()
	return p.Err()
}

// sections processes the reads in groups of Options.BatchSize, one
// stage at a time, so that the stage timings do not overlap. The
// chunks of a whole group are submitted together.
func (r *run) sections(src signal.Source) error {
	records := &recordSource{source: src, limit: r.Options.DebugBreak, account: r.account}
	for {
		var tasks []*readTask
		for len(tasks) < r.Options.BatchSize {
			task, err := records.next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
			tasks = append(tasks, task)
		}
		if len(tasks) == 0 {
			return nil
		}
		var chunks []*chunk.Chunk
		for _, task := range tasks {
			if err := r.preprocess(task); err != nil {
				return err
			}
			chunks = append(chunks, task.chunks...)
		}
		decoded, err := r.dispatcher.Submit(chunks)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			task.decoded, decoded = decoded[:len(task.chunks)], decoded[len(task.chunks):]
			if err := task.advance(stateInferred); err != nil {
				return err
			}
		}
		for _, task := range tasks {
			if err := r.stitch(task); err != nil {
				return err
			}
		}
		for _, task := range tasks {
			if err := r.emit(task); err != nil {
				return err
			}
		}
	}
}
