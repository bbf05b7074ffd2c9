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

// Package nn runs a model over batches of chunks on a compute
// backend, and dispatches the chunks of concurrently processed reads
// over a number of runners.
package nn

import "fmt"

// A Tensor is a dense row-major array of float32 values.
type Tensor struct {
	Shape []int
	Data  []float32
}

// NewTensor allocates a zeroed tensor of the given shape.
func NewTensor(shape ...int) *Tensor {
	n := 1
	for _, dim := range shape {
		if dim < 0 {
			panic(fmt.Sprintf("negative tensor dimension in %v", shape))
		}
		n *= dim
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, n)}
}

// Len returns the number of elements.
func (t *Tensor) Len() int {
	return len(t.Data)
}

// Bytes returns the size of the tensor data in bytes.
func (t *Tensor) Bytes() int64 {
	return int64(len(t.Data)) * 4
}

// Dim returns dimension i.
func (t *Tensor) Dim(i int) int {
	return t.Shape[i]
}

func (t *Tensor) String() string {
	return fmt.Sprintf("tensor%v", t.Shape)
}
