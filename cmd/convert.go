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
	"bufio"
	"compress/gzip"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/exascience/elcall/internal"
	"github.com/exascience/elcall/signal"
	"github.com/exascience/elcall/utils/bgzf"
)

// CompressSignalHelp is the help string for this command.
const CompressSignalHelp = "\ncompress-signal parameters:\n" +
	"elcall compress-signal data signal-file\n" +
	"  data: a signal file, or a directory of signal files\n" +
	"[--timed]\n" +
	"[--log-path path]\n"

// CompressSignal implements the elcall compress-signal command. It
// concatenates all reads of the input into one BGZF compressed signal
// file.
func CompressSignal() error {
	var (
		logPath string
		timed   bool
	)

	flags := flag.NewFlagSet("compress-signal", flag.ContinueOnError)
	flags.BoolVar(&timed, "timed", false, "measure the runtime")
	flags.StringVar(&logPath, "log-path", "", "write log files to the specified directory")
	parseFlags(flags, 4, CompressSignalHelp)

	input := getFilename(os.Args[2], CompressSignalHelp)
	output := getFilename(os.Args[3], CompressSignalHelp)

	setLogOutput(logPath)

	var sanityChecksFailed bool
	if !checkExist("", input) {
		sanityChecksFailed = true
	}
	if !checkCreate("", output) {
		sanityChecksFailed = true
	}
	if sanityChecksFailed {
		fmt.Fprint(os.Stderr, CompressSignalHelp)
		os.Exit(1)
	}

	return timedRun(timed, "", "Compressing signal files.", 1, func() error {
		n, err := compressSignal(input, output)
		log.Println("Reads written:", n)
		return err
	})
}

func compressSignal(input, output string) (n int, err error) {
	src, err := signal.OpenPath(input)
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := src.Close(); err == nil {
			err = cerr
		}
	}()
	f, err := os.Create(output)
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	z := bgzf.NewWriter(f, gzip.DefaultCompression)
	w := bufio.NewWriter(z)
	buf := internal.ReserveByteBuffer()
	defer func() {
		internal.ReleaseByteBuffer(buf)
	}()
	for {
		rec, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return n, err
		}
		buf = signal.FormatRecord(buf[:0], rec)
		if _, err := w.Write(buf); err != nil {
			return n, err
		}
		n++
	}
	if err := w.Flush(); err != nil {
		return n, err
	}
	return n, z.Close()
}
