// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"errors"
	"flag"
	"fmt"
	"io"
)

// ParseFlags parses args into f, reporting problems on stderr as
// "{prog}: ..." lines.
//
// positional describes the accepted positional arguments for the
// usage message ("Usage: {prog} [options] {positional}"). If it is
// empty, any positional argument is a usage error.
//
// If ok is false the caller should exit with exitCode: 0 after
// -help, 2 after a usage error.
func ParseFlags(f FlagSet, prog string, args []string, positional string, stderr io.Writer) (ok bool, exitCode int) {
	f.Init(prog, flag.ContinueOnError)
	f.SetOutput(io.Discard)
	err := f.Parse(args)
	switch {
	case errors.Is(err, flag.ErrHelp):
		printUsage(f, prog, positional, stderr)
		return false, 0
	case err != nil:
		fmt.Fprintf(stderr, "%s: error parsing command line arguments: %s (try -help)\n", prog, err)
		return false, 2
	case f.NArg() > 0 && positional == "":
		fmt.Fprintf(stderr, "%s: unrecognized command line arguments: %v (try -help)\n", prog, f.Args())
		return false, 2
	}
	return true, 0
}

func printUsage(f FlagSet, prog, positional string, w io.Writer) {
	f.SetOutput(w)
	if fs, ok := f.(*flag.FlagSet); ok && fs.Usage != nil {
		fs.Usage()
		return
	}
	fmt.Fprintf(w, "Usage: %s [options] %s\n", prog, positional)
	f.PrintDefaults()
}
