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
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/exascience/pargo/parallel"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// A Model maps a batch of signal chunks of shape [N, chunkSize] to
// class probabilities of shape [N, T, C] with
// T = ceil(chunkSize / Stride()). Class 0 is the blank, class i > 0
// stands for Alphabet()[i-1].
type Model interface {
	Name() string
	Stride() int
	Classes() int
	Alphabet() string
	QScale() float64
	QShift() float64
	Forward(input *Tensor) (*Tensor, error)
}

// Timesteps returns the number of output timesteps of m for a chunk
// of the given size.
func Timesteps(m Model, chunkSize int) int {
	return (chunkSize + m.Stride() - 1) / m.Stride()
}

// ModelDescription is the JSON representation of a ConvModel.
type ModelDescription struct {
	Name     string      `json:"name"`
	Alphabet string      `json:"alphabet"`
	Stride   int         `json:"stride"`
	Kernel   int         `json:"kernel"`
	QScale   float64     `json:"qscale"`
	QShift   float64     `json:"qshift"`
	Weights  [][]float32 `json:"weights"`
	Bias     []float32   `json:"bias"`
}

const modelSchemaURL = "elcall://model.schema.json"

const modelSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "alphabet", "stride", "kernel", "weights", "bias"],
  "additionalProperties": false,
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "alphabet": {"type": "string", "pattern": "^[ACGTN]+$"},
    "stride": {"type": "integer", "minimum": 1},
    "kernel": {"type": "integer", "minimum": 1},
    "qscale": {"type": "number", "exclusiveMinimum": 0},
    "qshift": {"type": "number"},
    "weights": {
      "type": "array",
      "minItems": 2,
      "items": {"type": "array", "minItems": 1, "items": {"type": "number"}}
    },
    "bias": {"type": "array", "minItems": 2, "items": {"type": "number"}}
  }
}`

func compileModelSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(modelSchemaURL, strings.NewReader(modelSchema)); err != nil {
		return nil, fmt.Errorf("add model schema: %w", err)
	}
	return compiler.Compile(modelSchemaURL)
}

// ParseModel validates and decodes a JSON model description.
func ParseModel(data []byte) (*ConvModel, error) {
	schema, err := compileModelSchema()
	if err != nil {
		return nil, err
	}
	var payload interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("invalid model description: %w", err)
	}
	if err := schema.Validate(payload); err != nil {
		return nil, fmt.Errorf("invalid model description: %w", err)
	}
	var desc ModelDescription
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&desc); err != nil {
		return nil, fmt.Errorf("invalid model description: %w", err)
	}
	return NewConvModel(desc)
}

// LoadModel reads a model description from a JSON file.
func LoadModel(filename string) (*ConvModel, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	m, err := ParseModel(data)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", filename, err)
	}
	return m, nil
}

// ConvModel is a single strided convolution over the signal followed
// by a softmax over the classes. Timestep t sees the samples
// [t*stride, t*stride+kernel) of its chunk, zero beyond the end.
type ConvModel struct {
	desc ModelDescription
}

// NewConvModel checks the dimensions of desc and returns a ConvModel.
func NewConvModel(desc ModelDescription) (*ConvModel, error) {
	classes := len(desc.Alphabet) + 1
	switch {
	case desc.Stride < 1:
		return nil, fmt.Errorf("invalid stride %v", desc.Stride)
	case desc.Kernel < 1:
		return nil, fmt.Errorf("invalid kernel size %v", desc.Kernel)
	case len(desc.Weights) != classes:
		return nil, fmt.Errorf("%v weight rows for %v classes", len(desc.Weights), classes)
	case len(desc.Bias) != classes:
		return nil, fmt.Errorf("%v biases for %v classes", len(desc.Bias), classes)
	}
	for _, row := range desc.Weights {
		if len(row) != desc.Kernel {
			return nil, fmt.Errorf("weight row of length %v for kernel size %v", len(row), desc.Kernel)
		}
	}
	if desc.QScale == 0 {
		desc.QScale = 1
	}
	return &ConvModel{desc: desc}, nil
}

// Name implements the Model interface.
func (m *ConvModel) Name() string { return m.desc.Name }

// Stride implements the Model interface.
func (m *ConvModel) Stride() int { return m.desc.Stride }

// Classes implements the Model interface.
func (m *ConvModel) Classes() int { return len(m.desc.Alphabet) + 1 }

// Alphabet implements the Model interface.
func (m *ConvModel) Alphabet() string { return m.desc.Alphabet }

// QScale implements the Model interface.
func (m *ConvModel) QScale() float64 { return m.desc.QScale }

// QShift implements the Model interface.
func (m *ConvModel) QShift() float64 { return m.desc.QShift }

// Forward implements the Model interface.
func (m *ConvModel) Forward(input *Tensor) (*Tensor, error) {
	if len(input.Shape) != 2 {
		return nil, fmt.Errorf("expected input of shape [N, chunk size], got %v", input.Shape)
	}
	n, size := input.Shape[0], input.Shape[1]
	steps := Timesteps(m, size)
	classes := m.Classes()
	output := NewTensor(n, steps, classes)
	if n == 0 {
		return output, nil
	}
	parallel.Range(0, n, 0, func(low, high int) {
		logits := make([]float64, classes)
		for i := low; i < high; i++ {
			x := input.Data[i*size : (i+1)*size]
			for t := 0; t < steps; t++ {
				offset := t * m.desc.Stride
				window := x[offset:]
				if len(window) > m.desc.Kernel {
					window = window[:m.desc.Kernel]
				}
				for c, w := range m.desc.Weights {
					sum := float64(m.desc.Bias[c])
					for k, v := range window {
						sum += float64(w[k]) * float64(v)
					}
					logits[c] = sum
				}
				softmax(logits, output.Data[(i*steps+t)*classes:(i*steps+t+1)*classes])
			}
		}
	})
	return output, nil
}

func softmax(logits []float64, out []float32) {
	max := logits[0]
	for _, l := range logits[1:] {
		if l > max {
			max = l
		}
	}
	var sum float64
	for c, l := range logits {
		e := math.Exp(l - max)
		logits[c] = e
		sum += e
	}
	for c, e := range logits {
		out[c] = float32(e / sum)
	}
}
