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
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"testing"

	"github.com/exascience/elcall/nn"
	"github.com/exascience/elcall/signal"
)

// levelModel calls the class whose index is closest to the mean
// level of each window of stride samples.
func levelModel(t *testing.T, stride int) nn.Model {
	desc := nn.ModelDescription{Name: "level", Alphabet: "ACGT", Stride: stride, Kernel: stride, QScale: 1}
	for c := 0; c < 5; c++ {
		row := make([]float32, stride)
		for k := range row {
			row[k] = float32(4*c) / float32(stride)
		}
		desc.Weights = append(desc.Weights, row)
		desc.Bias = append(desc.Bias, float32(-2*c*c))
	}
	m, err := nn.NewConvModel(desc)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func randomRecords(n int) []*signal.Record {
	rnd := rand.New(rand.NewSource(int64(n)))
	records := make([]*signal.Record, n)
	for i := range records {
		raw := make([]int16, rnd.Intn(3000))
		for j := 0; j < len(raw); j += 5 {
			level := int16(rnd.Intn(5))
			for k := j; k < j+5 && k < len(raw); k++ {
				raw[k] = level
			}
		}
		records[i] = &signal.Record{ID: fmt.Sprint("read", i), Raw: raw}
	}
	return records
}

type sliceSource struct {
	records []*signal.Record
	next    int
	failAt  int
	closed  bool
}

func (s *sliceSource) Next() (*signal.Record, error) {
	if s.failAt > 0 && s.next == s.failAt {
		return nil, errors.New("corrupt record")
	}
	if s.next >= len(s.records) {
		return nil, io.EOF
	}
	rec := s.records[s.next]
	s.next++
	return rec, nil
}

func (s *sliceSource) Close() error {
	s.closed = true
	return nil
}

func opener(s *sliceSource) func() (signal.Source, error) {
	return func() (signal.Source, error) {
		return s, nil
	}
}

type recorder struct {
	mutex   sync.Mutex
	ids     []string
	seqs    []string
	quals   []string
	fastq   []bool
	failAt  int
	flagged int
}

func (w *recorder) WriteRead(id string, sequence, quality []byte, fastq bool) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.failAt > 0 && len(w.ids) == w.failAt {
		return errors.New("disk full")
	}
	w.ids = append(w.ids, id)
	w.seqs = append(w.seqs, string(sequence))
	w.quals = append(w.quals, string(quality))
	w.fastq = append(w.fastq, fastq)
	return nil
}

type flaggingRecorder struct {
	recorder
}

func (w *flaggingRecorder) WriteResult(res *ReadResult, fastq bool) error {
	if res.LowConfidence() {
		w.flagged++
	}
	return w.WriteRead(res.ID, res.Sequence, res.Quality, fastq)
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Threads = 4
	opts.BatchSize = 16
	opts.ChunkSize = 500
	opts.Overlap = 50
	return opts
}

func basecall(t *testing.T, opts Options, records []*signal.Record) (*recorder, *Timings) {
	w := new(recorder)
	d := &Driver{Options: opts, Model: levelModel(t, 5), Writer: w}
	src := &sliceSource{records: records}
	timings, err := d.Run(opener(src))
	if err != nil {
		t.Fatal(err)
	}
	if !src.closed {
		t.Error("source not closed")
	}
	return w, timings
}

func TestValidate(t *testing.T) {
	opts := DefaultOptions()
	if err := opts.Validate(); err != nil {
		t.Error("default options rejected", err)
	}
	for _, invalid := range []func(*Options){
		func(o *Options) { o.Threads = 0 },
		func(o *Options) { o.BatchSize = -1 },
		func(o *Options) { o.MaxBytes = 0 },
		func(o *Options) { o.ChunkSize = 0 },
		func(o *Options) { o.Overlap = 0 },
		func(o *Options) { o.Overlap = o.ChunkSize },
		func(o *Options) { o.Runners = 0 },
		func(o *Options) { o.DebugBreak = -2 },
		func(o *Options) { o.DeviceMemory = -1 },
		func(o *Options) { o.Device = "tpu" },
	} {
		o := DefaultOptions()
		invalid(&o)
		var cerr *ConfigError
		if err := o.Validate(); !errors.As(err, &cerr) {
			t.Error("invalid options accepted", o)
		}
	}
}

func TestPlan(t *testing.T) {
	opts := DefaultOptions()
	plan, err := opts.Plan(6)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Size != 7998 || plan.Overlap != 150 {
		t.Error("plan rounding failed", plan)
	}
	if plan, err = opts.Plan(5); err != nil || plan.Size != 8000 || plan.Overlap != 150 {
		t.Error("plan should not change for stride 5")
	}
	opts.ChunkSize, opts.Overlap = 10, 9
	if _, err = opts.Plan(5); err == nil {
		t.Error("rounded overlap equal to chunk size accepted")
	}
}

func TestOverlapFailsBeforeOpen(t *testing.T) {
	opts := DefaultOptions()
	opts.Overlap = opts.ChunkSize
	d := &Driver{Options: opts, Model: levelModel(t, 5), Writer: new(recorder)}
	opened := false
	timings, err := d.Run(func() (signal.Source, error) {
		opened = true
		return &sliceSource{}, nil
	})
	var cerr *ConfigError
	if !errors.As(err, &cerr) || cerr.Option != "overlap" {
		t.Error("overlap equal to chunk size accepted", err)
	}
	if opened {
		t.Error("source opened despite configuration error")
	}
	if timings == nil {
		t.Error("no timings after configuration error")
	}
}

func TestOrder(t *testing.T) {
	records := randomRecords(60)
	opts := testOptions()
	opts.Threads, opts.Runners = 1, 1
	expected, timings := basecall(t, opts, records)
	if len(expected.ids) != len(records) || timings.Reads != len(records) {
		t.Fatal("wrong number of reads")
	}
	var samples int64
	for i, rec := range records {
		samples += int64(len(rec.Raw))
		if expected.ids[i] != rec.ID {
			t.Error("read", i, "out of order")
		}
		if len(expected.seqs[i]) != len(expected.quals[i]) {
			t.Error("quality string length differs for read", i)
		}
	}
	if timings.Samples != samples || timings.Batches == 0 {
		t.Error("timings failed", timings)
	}
	for _, configure := range []func(*Options){
		func(o *Options) { o.Threads, o.Runners = 8, 3 },
		func(o *Options) { o.Threads, o.Runners, o.BatchSize, o.MaxBytes = 3, 2, 4, 4000 },
		func(o *Options) { o.Runners, o.Accel = 2, true },
		func(o *Options) { o.Device = "accel:0" },
		func(o *Options) { o.Profile, o.BatchSize = true, 7 },
	} {
		o := testOptions()
		configure(&o)
		w, _ := basecall(t, o, records)
		if len(w.ids) != len(records) {
			t.Fatal("wrong number of reads for", o)
		}
		for i := range records {
			if w.ids[i] != expected.ids[i] || w.seqs[i] != expected.seqs[i] || w.quals[i] != expected.quals[i] {
				t.Error("results differ for", o, "at read", i)
				break
			}
		}
	}
}

func TestEmptyRead(t *testing.T) {
	records := []*signal.Record{{ID: "empty"}, {ID: "short", Raw: []int16{1, 2, 3}}}
	opts := testOptions()
	opts.EmitFastq = true
	w, _ := basecall(t, opts, records)
	if len(w.ids) != 2 || w.ids[0] != "empty" || w.seqs[0] != "" || w.quals[0] != "" || !w.fastq[0] {
		t.Error("empty read not emitted")
	}
}

func TestDebugBreak(t *testing.T) {
	records := randomRecords(20)
	for _, profile := range []bool{false, true} {
		opts := testOptions()
		opts.DebugBreak = 5
		opts.Profile = profile
		w, timings := basecall(t, opts, records)
		if len(w.ids) != 5 || timings.Reads != 5 {
			t.Error("debug break failed", len(w.ids))
		}
	}
}

func TestSourceError(t *testing.T) {
	for _, profile := range []bool{false, true} {
		opts := testOptions()
		opts.Profile = profile
		w := new(recorder)
		d := &Driver{Options: opts, Model: levelModel(t, 5), Writer: w}
		_, err := d.Run(opener(&sliceSource{records: randomRecords(10), failAt: 3}))
		var serr *SourceReadError
		if !errors.As(err, &serr) || serr.Records != 3 {
			t.Error("source error not reported", err)
		}
		if len(w.ids) > 3 {
			t.Error("reads emitted past the source error")
		}
	}
	d := &Driver{Options: testOptions(), Model: levelModel(t, 5), Writer: new(recorder)}
	_, err := d.Run(func() (signal.Source, error) { return nil, errors.New("no such file") })
	var serr *SourceReadError
	if !errors.As(err, &serr) {
		t.Error("open error not reported")
	}
}

type failingBackend struct{}

func (failingBackend) Name() string { return "failing" }

func (failingBackend) Forward(nn.Model, *nn.Tensor) (*nn.Tensor, error) {
	return nil, errors.New("out of memory")
}

func (failingBackend) Close() error { return nil }

func TestInferenceError(t *testing.T) {
	for _, profile := range []bool{false, true} {
		opts := testOptions()
		opts.Profile = profile
		opts.Runners = 2
		w := new(recorder)
		d := &Driver{
			Options: opts,
			Model:   levelModel(t, 5),
			Writer:  w,
			NewBackend: func(string, int64) (nn.Backend, error) {
				return failingBackend{}, nil
			},
		}
		timings, err := d.Run(opener(&sliceSource{records: randomRecords(10)}))
		var ierr *nn.InferenceError
		if !errors.As(err, &ierr) {
			t.Error("inference error not reported", err)
		}
		if timings == nil || len(w.ids) != 0 {
			t.Error("reads emitted despite inference error")
		}
	}
}

func TestWriterError(t *testing.T) {
	w := &recorder{failAt: 4}
	d := &Driver{Options: testOptions(), Model: levelModel(t, 5), Writer: w}
	if _, err := d.Run(opener(&sliceSource{records: randomRecords(10)})); err == nil {
		t.Error("writer error not reported")
	}
	if len(w.ids) != 4 {
		t.Error("reads emitted past the writer error")
	}
}

func TestTimingsAfterError(t *testing.T) {
	// all reads of a section are preprocessed and stitched before the
	// writer fails on the second one
	records := randomRecords(10)
	var samples int64
	for _, rec := range records {
		samples += int64(len(rec.Raw))
	}
	opts := testOptions()
	opts.Profile = true
	w := &recorder{failAt: 1}
	d := &Driver{Options: opts, Model: levelModel(t, 5), Writer: w}
	timings, err := d.Run(opener(&sliceSource{records: records}))
	if err == nil {
		t.Fatal("writer error not reported")
	}
	if timings.Reads != 1 {
		t.Error("emitted reads miscounted", timings.Reads)
	}
	if timings.Samples != samples {
		t.Error("samples of unemitted reads not reported", timings.Samples, samples)
	}
	if timings.Batches == 0 {
		t.Error("batches not reported after error")
	}
}

func TestLowConfidence(t *testing.T) {
	// a flat signal scales to zero, which the level model calls blank
	raw := make([]int16, 1200)
	records := []*signal.Record{{ID: "flat", Raw: raw}}
	w := new(flaggingRecorder)
	d := &Driver{Options: testOptions(), Model: levelModel(t, 5), Writer: w}
	timings, err := d.Run(opener(&sliceSource{records: records}))
	if err != nil {
		t.Fatal(err)
	}
	if w.flagged != 1 || timings.LowConfidence != 1 || len(w.ids) != 1 || w.seqs[0] != "" {
		t.Error("low confidence read not flagged")
	}
}

func TestStates(t *testing.T) {
	task := &readTask{}
	if err := task.advance(stateChunked); err == nil {
		t.Error("skipped state accepted")
	}
	for s := statePreprocessed; s <= stateEmitted; s++ {
		if err := task.advance(s); err != nil {
			t.Error(err)
		}
	}
	if err := task.advance(stateFailed); err == nil {
		t.Error("transition out of emitted accepted")
	}
	task = &readTask{}
	_ = task.fail(errors.New("boom"))
	if err := task.advance(statePreprocessed); err == nil || task.state != stateFailed {
		t.Error("failed read advanced")
	}
}
