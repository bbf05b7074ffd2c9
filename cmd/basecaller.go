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

package cmd

import (
	"bytes"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"

	"github.com/google/uuid"

	"github.com/exascience/elcall/basecall"
	"github.com/exascience/elcall/internal"
	"github.com/exascience/elcall/nn"
	"github.com/exascience/elcall/output"
	"github.com/exascience/elcall/signal"
)

// BasecallerHelp is the help string for this command.
var BasecallerHelp = "\nbasecaller parameters:\n" +
	"elcall basecaller model data\n" +
	"  model: the JSON model description to run\n" +
	"  data: a signal file, or a directory of signal files\n" +
	"basic options:\n" +
	fmt.Sprintf("[-t number of processing threads (default %v)]\n", basecall.DefaultThreads) +
	fmt.Sprintf("[-K batch size, the maximum number of chunks per forward pass (default %v)]\n", basecall.DefaultBatchSize) +
	fmt.Sprintf("[-B FLOAT[K/M/G] maximum number of bytes per forward pass (default %v)]\n", internal.FormatByteSize(basecall.DefaultMaxBytes)) +
	"[-o output file, .gz for BGZF compression (default stdout)]\n" +
	fmt.Sprintf("[-c chunk size (default %v)]\n", basecall.DefaultChunkSize) +
	fmt.Sprintf("[-p overlap (default %v)]\n", basecall.DefaultOverlap) +
	fmt.Sprintf("[-x device: cpu, accel[:N], or cuda:N (default %v)]\n", basecall.DefaultDevice) +
	fmt.Sprintf("[-r number of runners (default %v)]\n", basecall.DefaultRunners) +
	"[-v verbosity level (default 1)]\n" +
	"advanced options:\n" +
	"[--debug-break n]\n" +
	"[--emit-fastq yes|no]\n" +
	"[--profile-cpu yes|no]\n" +
	"[--accel yes|no]\n" +
	"[--device-memory FLOAT[K/M/G]]\n" +
	"[--timed]\n" +
	"[--profile file]\n" +
	"[--log-path path]\n"

// Basecaller implements the elcall basecaller command.
func Basecaller() error {
	opts := basecall.DefaultOptions()

	var (
		maxBytes, deviceMemory       string
		emitFastq, profileCPU, accel string
		out, profile, logPath        string
		verbose                      int
		timed                        bool
	)

	flags := flag.NewFlagSet("basecaller", flag.ContinueOnError)

	flags.IntVar(&opts.Threads, "t", basecall.DefaultThreads, "number of processing threads")
	flags.IntVar(&opts.BatchSize, "K", basecall.DefaultBatchSize, "maximum number of chunks per forward pass")
	flags.StringVar(&maxBytes, "B", "", "maximum number of bytes per forward pass")
	flags.StringVar(&out, "o", "", "output file")
	flags.IntVar(&opts.ChunkSize, "c", basecall.DefaultChunkSize, "chunk size")
	flags.IntVar(&opts.Overlap, "p", basecall.DefaultOverlap, "overlap")
	flags.StringVar(&opts.Device, "x", basecall.DefaultDevice, "device")
	flags.IntVar(&opts.Runners, "r", basecall.DefaultRunners, "number of runners")
	flags.IntVar(&verbose, "v", 1, "verbosity level")
	flags.IntVar(&opts.DebugBreak, "debug-break", 0, "stop after the given number of reads")
	flags.StringVar(&emitFastq, "emit-fastq", "no", "emit FASTQ instead of FASTA")
	flags.StringVar(&profileCPU, "profile-cpu", "no", "process section by section")
	flags.StringVar(&accel, "accel", "no", "decode on the accelerator lanes")
	flags.StringVar(&deviceMemory, "device-memory", "", "memory available on the device")
	flags.BoolVar(&timed, "timed", false, "measure the runtime")
	flags.StringVar(&profile, "profile", "", "write a runtime profile to the specified file(s)")
	flags.StringVar(&logPath, "log-path", "", "write log files to the specified directory")

	parseFlags(flags, 4, BasecallerHelp)

	model := getFilename(os.Args[2], BasecallerHelp)
	data := getFilename(os.Args[3], BasecallerHelp)

	setLogOutput(logPath)

	// sanity checks

	var sanityChecksFailed, ok bool

	if !checkExist("", model) {
		sanityChecksFailed = true
	}
	if !checkExist("", data) {
		sanityChecksFailed = true
	}
	if out != "" && out != "-" && !checkCreate("-o", out) {
		sanityChecksFailed = true
	}
	if profile != "" && !checkCreate("--profile", profile) {
		sanityChecksFailed = true
	}
	if maxBytes != "" {
		if opts.MaxBytes, ok = checkByteSize("-B", maxBytes); !ok {
			sanityChecksFailed = true
		}
	}
	if opts.DeviceMemory, ok = checkByteSize("--device-memory", deviceMemory); !ok {
		sanityChecksFailed = true
	}
	if opts.EmitFastq, ok = checkYesNo("--emit-fastq", emitFastq); !ok {
		sanityChecksFailed = true
	}
	if opts.Profile, ok = checkYesNo("--profile-cpu", profileCPU); !ok {
		sanityChecksFailed = true
	}
	if opts.Accel, ok = checkYesNo("--accel", accel); !ok {
		sanityChecksFailed = true
	}
	if err := opts.Validate(); err != nil {
		log.Printf("Error: %v.\n", err)
		sanityChecksFailed = true
	}
	if opts.Profile && opts.Device != "cpu" {
		log.Println("Warning: --profile-cpu is meant for profiling on the CPU.")
	}

	if sanityChecksFailed {
		fmt.Fprint(os.Stderr, BasecallerHelp)
		os.Exit(1)
	}

	// building output command line

	var command bytes.Buffer
	fmt.Fprint(&command, os.Args[0], " basecaller ", model, " ", data)
	fmt.Fprint(&command, " -t ", opts.Threads, " -K ", opts.BatchSize, " -B ", internal.FormatByteSize(opts.MaxBytes))
	if out != "" {
		fmt.Fprint(&command, " -o ", out)
	}
	fmt.Fprint(&command, " -c ", opts.ChunkSize, " -p ", opts.Overlap, " -x ", opts.Device, " -r ", opts.Runners)
	if opts.DebugBreak > 0 {
		fmt.Fprint(&command, " --debug-break ", opts.DebugBreak)
	}
	if opts.EmitFastq {
		fmt.Fprint(&command, " --emit-fastq yes")
	}
	if opts.Profile {
		fmt.Fprint(&command, " --profile-cpu yes")
	}
	if opts.Accel {
		fmt.Fprint(&command, " --accel yes")
	}
	if opts.DeviceMemory > 0 {
		fmt.Fprint(&command, " --device-memory ", internal.FormatByteSize(opts.DeviceMemory))
	}
	if timed {
		fmt.Fprint(&command, " --timed")
	}
	if profile != "" {
		fmt.Fprint(&command, " --profile ", profile)
	}
	if logPath != "" {
		fmt.Fprint(&command, " --log-path ", logPath)
	}

	// executing command

	log.Println("Executing command:\n", command.String())

	runtime.GOMAXPROCS(opts.Threads + opts.Runners)

	m, err := nn.LoadModel(model)
	if err != nil {
		return err
	}
	runID := uuid.New().String()
	if verbose > 0 {
		log.Println("model:", m.Name(), "stride:", m.Stride(), "alphabet:", m.Alphabet())
		log.Println("run id:", runID)
	}

	writer, err := output.Create(out, runID, m.Name())
	if err != nil {
		return err
	}

	driver := &basecall.Driver{Options: opts, Model: m, Writer: writer, Verbose: verbose > 1}
	var timings *basecall.Timings
	err = timedRun(timed, profile, "Basecalling.", 1, func() (err error) {
		timings, err = driver.Run(func() (signal.Source, error) {
			return signal.OpenPath(data)
		})
		return err
	})
	if timings != nil && verbose > 0 {
		timings.Log()
	}
	if cerr := writer.Close(); err == nil {
		err = cerr
	}
	return err
}
