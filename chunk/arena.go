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

package chunk

import (
	"fmt"
	"sync/atomic"

	"github.com/exascience/pargo/sync"

	"github.com/exascience/elcall/internal"
	"github.com/exascience/elcall/signal"
)

// A Handle identifies a signal registered in an Arena.
type Handle uint64

// Hash implements the pargo sync.Hasher interface.
func (h Handle) Hash() uint64 {
	return internal.Uint64Hash(uint64(h))
}

// An Arena owns the signals of the reads in flight. Chunks refer to
// their signal by Handle and are resolved through the Arena, so a
// chunk never holds samples of its own and never outlives the
// registration of its signal unnoticed.
//
// It is safe for multiple goroutines to use an Arena concurrently.
type Arena struct {
	signals *sync.Map
	next    uint64
	live    int64
}

// NewArena returns an empty Arena.
func NewArena() *Arena {
	return &Arena{signals: sync.NewMap(0)}
}

// Register adds a signal and returns its handle. Handles are never
// reused within one Arena.
func (a *Arena) Register(s *signal.Signal) Handle {
	h := Handle(atomic.AddUint64(&a.next, 1))
	a.signals.LoadOrStore(h, s)
	atomic.AddInt64(&a.live, 1)
	return h
}

// Resolve returns the signal registered under h.
func (a *Arena) Resolve(h Handle) (*signal.Signal, bool) {
	s, ok := a.signals.Load(h)
	if !ok {
		return nil, false
	}
	return s.(*signal.Signal), true
}

// Release removes the signal registered under h.
func (a *Arena) Release(h Handle) {
	var removed bool
	a.signals.Modify(h, func(value interface{}, ok bool) (interface{}, bool) {
		removed = ok
		return nil, false
	})
	if removed {
		atomic.AddInt64(&a.live, -1)
	}
}

// Live returns the number of registered signals.
func (a *Arena) Live() int {
	return int(atomic.LoadInt64(&a.live))
}

// Fill copies the samples of c into dst, which must hold at least
// c.Size values, and zero pads the rest of the window.
func (a *Arena) Fill(dst []float32, c *Chunk) error {
	if len(dst) < c.Size {
		return fmt.Errorf("destination too small for %v: %v < %v", c, len(dst), c.Size)
	}
	s, ok := a.Resolve(c.Owner)
	if !ok {
		return fmt.Errorf("%v refers to a released signal", c)
	}
	if c.End() > s.Len() {
		return fmt.Errorf("%v exceeds its signal of length %v", c, s.Len())
	}
	n := copy(dst[:c.Size], s.Samples[c.Start:c.End()])
	for i := n; i < c.Size; i++ {
		dst[i] = 0
	}
	return nil
}
