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
	"errors"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/exascience/elcall/chunk"
	"github.com/exascience/elcall/decode"
)

// ErrDispatcherClosed is reported by Submit after Close.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// A call tracks the chunks of one Submit call.
type call struct {
	mutex    sync.Mutex
	results  []*decode.DecodedChunk
	done     *bitset.BitSet
	err      error
	finished bool
	signal   chan struct{}
}

func newCall(n int) *call {
	return &call{
		results: make([]*decode.DecodedChunk, n),
		done:    bitset.New(uint(n)),
		signal:  make(chan struct{}),
	}
}

func (c *call) complete(slot int, result *decode.DecodedChunk) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.finished || c.done.Test(uint(slot)) {
		return
	}
	c.results[slot] = result
	c.done.Set(uint(slot))
	if c.done.Count() == uint(len(c.results)) {
		c.finished = true
		close(c.signal)
	}
}

func (c *call) fail(err error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.finished {
		return
	}
	c.err = err
	c.finished = true
	close(c.signal)
}

type request struct {
	call  *call
	slot  int
	chunk *chunk.Chunk
}

/*
A Dispatcher feeds the chunks of concurrent Submit calls to a set of
runners through a shared queue. Each runner serves the queue on its
own goroutine and gathers whatever chunks are queued, from any number
of calls, into one batch, until its batch size or byte limit is
reached or the queue runs dry.

The first error reported by a runner is fatal: it is delivered to
every pending call and to every later call, and queued chunks are
dropped without being run.
*/
type Dispatcher struct {
	runners []*Runner
	queue   chan request
	wg      sync.WaitGroup

	mutex  sync.RWMutex
	closed bool

	errMutex sync.Mutex
	err      error
}

// NewDispatcher starts serving the given runners.
func NewDispatcher(runners []*Runner) *Dispatcher {
	capacity := 0
	for _, r := range runners {
		capacity += r.BatchSize
	}
	d := &Dispatcher{
		runners: runners,
		queue:   make(chan request, capacity),
	}
	d.wg.Add(len(runners))
	for _, r := range runners {
		go d.serve(r)
	}
	return d
}

// Err returns the fatal error of d, if any.
func (d *Dispatcher) Err() error {
	d.errMutex.Lock()
	defer d.errMutex.Unlock()
	return d.err
}

func (d *Dispatcher) setErr(err error) error {
	d.errMutex.Lock()
	defer d.errMutex.Unlock()
	if d.err == nil {
		d.err = err
	}
	return d.err
}

// Submit runs the chunks on any of the runners, and returns one
// DecodedChunk per chunk, in the same order. It blocks until all
// chunks are decoded, or the dispatcher fails.
func (d *Dispatcher) Submit(chunks []*chunk.Chunk) ([]*decode.DecodedChunk, error) {
	if err := d.Err(); err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, nil
	}
	c := newCall(len(chunks))
	d.mutex.RLock()
	if d.closed {
		d.mutex.RUnlock()
		return nil, ErrDispatcherClosed
	}
	for i, ch := range chunks {
		d.queue <- request{call: c, slot: i, chunk: ch}
	}
	d.mutex.RUnlock()
	<-c.signal
	if c.err != nil {
		return nil, c.err
	}
	return c.results, nil
}

func (d *Dispatcher) serve(r *Runner) {
	defer d.wg.Done()
	var pending *request
	var requests []request
	var batch Batch
	for {
		requests, batch = requests[:0], batch[:0]
		if pending != nil {
			requests = append(requests, *pending)
			pending = nil
		} else {
			req, ok := <-d.queue
			if !ok {
				return
			}
			requests = append(requests, req)
		}
		bytes := requests[0].chunk.Bytes()
	gather:
		for len(requests) < r.BatchSize {
			select {
			case req, ok := <-d.queue:
				if !ok {
					break gather
				}
				if !r.fits(len(requests), bytes, requests[0].chunk, req.chunk) {
					pending = &req
					break gather
				}
				requests = append(requests, req)
				bytes += req.chunk.Bytes()
			default:
				break gather
			}
		}
		for _, req := range requests {
			batch = append(batch, req.chunk)
		}
		d.run(r, requests, batch)
	}
}

func (d *Dispatcher) run(r *Runner, requests []request, batch Batch) {
	if err := d.Err(); err != nil {
		for _, req := range requests {
			req.call.fail(err)
		}
		return
	}
	decoded, err := r.Run(batch)
	if err != nil {
		err = d.setErr(err)
		for _, req := range requests {
			req.call.fail(err)
		}
		return
	}
	for i, req := range requests {
		req.call.complete(req.slot, decoded[i])
	}
}

// Stats sums the statistics of all runners.
func (d *Dispatcher) Stats() (s StatsSnapshot) {
	for _, r := range d.runners {
		rs := r.Stats.Snapshot()
		s.Batches += rs.Batches
		s.Chunks += rs.Chunks
		s.Samples += rs.Samples
		s.Infer += rs.Infer
		s.Decode += rs.Decode
	}
	return
}

// Close stops the runners after the queued chunks are processed, and
// closes their backends.
func (d *Dispatcher) Close() error {
	d.mutex.Lock()
	if d.closed {
		d.mutex.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mutex.Unlock()
	d.wg.Wait()
	var err error
	for _, r := range d.runners {
		if rerr := r.Close(); err == nil {
			err = rerr
		}
	}
	return err
}
