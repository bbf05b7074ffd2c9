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
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/exascience/elcall/chunk"
	"github.com/exascience/elcall/internal"
)

// An InferenceError reports a failed forward pass. It is fatal for
// the run; batches are never retried.
type InferenceError struct {
	Device      string
	Chunks      int
	OutOfMemory bool
	Err         error
}

func (err *InferenceError) Error() string {
	if err.OutOfMemory {
		return fmt.Sprintf("inference on %v failed for a batch of %v chunks: out of memory: %v", err.Device, err.Chunks, err.Err)
	}
	return fmt.Sprintf("inference on %v failed for a batch of %v chunks: %v", err.Device, err.Chunks, err.Err)
}

func (err *InferenceError) Unwrap() error {
	return err.Err
}

// ErrBackendClosed is reported for forward passes after Close.
var ErrBackendClosed = errors.New("backend closed")

// A Backend executes forward passes. A Backend is owned by exactly
// one Runner.
type Backend interface {
	Name() string
	Forward(m Model, input *Tensor) (*Tensor, error)
	Close() error
}

// CPUBackend runs forward passes on the calling goroutine.
type CPUBackend struct{}

// Name implements the Backend interface.
func (CPUBackend) Name() string { return "cpu" }

// Forward implements the Backend interface.
func (CPUBackend) Forward(m Model, input *Tensor) (*Tensor, error) {
	return m.Forward(input)
}

// Close implements the Backend interface.
func (CPUBackend) Close() error { return nil }

type deviceReply struct {
	output *Tensor
	err    error
}

type deviceRequest struct {
	model Model
	input *Tensor
	reply chan deviceReply
}

// DeviceBackend owns an accelerator context. All forward passes run
// on a single goroutine locked to its OS thread, one at a time. With
// a positive memory limit, a batch whose input and output do not fit
// fails with an out of memory InferenceError.
type DeviceBackend struct {
	name        string
	memoryLimit int64

	mutex    sync.RWMutex
	closed   bool
	requests chan deviceRequest
	done     chan struct{}
}

// NewDeviceBackend opens a context on the named device.
func NewDeviceBackend(name string, memoryLimit int64) *DeviceBackend {
	b := &DeviceBackend{
		name:        name,
		memoryLimit: memoryLimit,
		requests:    make(chan deviceRequest),
		done:        make(chan struct{}),
	}
	go b.serve()
	return b
}

func (b *DeviceBackend) serve() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(b.done)
	for req := range b.requests {
		output, err := b.forward(req.model, req.input)
		req.reply <- deviceReply{output, err}
	}
}

func (b *DeviceBackend) forward(m Model, input *Tensor) (*Tensor, error) {
	if b.memoryLimit > 0 && len(input.Shape) == 2 {
		need := input.Bytes() + int64(input.Shape[0])*int64(Timesteps(m, input.Shape[1]))*int64(m.Classes())*4
		if need > b.memoryLimit {
			return nil, &InferenceError{
				Device:      b.name,
				Chunks:      input.Shape[0],
				OutOfMemory: true,
				Err: fmt.Errorf("batch needs %v bytes, limit is %v",
					internal.FormatByteSize(need), internal.FormatByteSize(b.memoryLimit)),
			}
		}
	}
	return m.Forward(input)
}

// Name implements the Backend interface.
func (b *DeviceBackend) Name() string { return b.name }

// MemoryLimit returns the device memory limit, 0 if unlimited.
func (b *DeviceBackend) MemoryLimit() int64 { return b.memoryLimit }

// Forward implements the Backend interface.
func (b *DeviceBackend) Forward(m Model, input *Tensor) (*Tensor, error) {
	reply := make(chan deviceReply, 1)
	b.mutex.RLock()
	if b.closed {
		b.mutex.RUnlock()
		return nil, ErrBackendClosed
	}
	b.requests <- deviceRequest{m, input, reply}
	b.mutex.RUnlock()
	r := <-reply
	return r.output, r.err
}

// Close releases the device context after the pending forward pass.
func (b *DeviceBackend) Close() error {
	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		return nil
	}
	b.closed = true
	close(b.requests)
	b.mutex.Unlock()
	<-b.done
	return nil
}

// ParseDevice checks a device selector: "cpu", "accel", "accel:N", or
// "cuda:N".
func ParseDevice(device string) (kind string, ordinal int, err error) {
	name, index, hasIndex := strings.Cut(device, ":")
	switch name {
	case "cpu":
		if !hasIndex {
			return "cpu", 0, nil
		}
	case "accel", "cuda":
		if !hasIndex {
			if name == "cuda" {
				break
			}
			return name, 0, nil
		}
		n, err := strconv.Atoi(index)
		if err == nil && n >= 0 {
			return name, n, nil
		}
	}
	return "", 0, &chunk.ConfigError{Option: "device", Value: device, Reason: "should be cpu, accel, accel:N, or cuda:N"}
}

// NewBackend returns a fresh backend for the given device selector.
func NewBackend(device string, memoryLimit int64) (Backend, error) {
	kind, ordinal, err := ParseDevice(device)
	if err != nil {
		return nil, err
	}
	if kind == "cpu" {
		return CPUBackend{}, nil
	}
	return NewDeviceBackend(fmt.Sprintf("%v:%v", kind, ordinal), memoryLimit), nil
}
