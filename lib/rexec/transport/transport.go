// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package transport defines how the controller runs commands on a
// worker, and implements file copies on top of that.
package transport

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"
)

// A Transport runs shell commands on one worker.
type Transport interface {
	// Execute runs cmd and waits for it to finish.
	Execute(env map[string]string, cmd string, stdin io.Reader) (stdout, stderr []byte, err error)

	// Start runs cmd without waiting for it to finish.
	Start(cmd string) (Process, error)

	// Close releases any connections held by the transport.
	Close()
}

// A Process is the controller's handle on a command started by
// Transport.Start.
type Process interface {
	// ID identifies the process in logs. For a local process it
	// is the pid.
	ID() int

	// Wait waits up to timeout for the process to exit. If it
	// has exited, Wait returns true and the exit error, if any.
	Wait(timeout time.Duration) (exited bool, err error)

	// Terminate asks the process to exit and releases the
	// handle.
	Terminate() error
}

// Quote returns s quoted for a POSIX shell.
func Quote(s string) string {
	return "'" + strings.Replace(s, "'", `'\''`, -1) + "'"
}

// QuoteCommand returns a shell command line that runs argv.
func QuoteCommand(argv []string) string {
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		quoted[i] = Quote(arg)
	}
	return strings.Join(quoted, " ")
}

// Put writes data to path on the worker.
func Put(t Transport, path string, data []byte) error {
	_, stderr, err := t.Execute(nil, "cat >"+Quote(path), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("writing %s: %w (stderr %q)", path, err, trim(stderr))
	}
	return nil
}

// Get returns the content of path on the worker.
func Get(t Transport, path string) ([]byte, error) {
	stdout, stderr, err := t.Execute(nil, "cat "+Quote(path), nil)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w (stderr %q)", path, err, trim(stderr))
	}
	return stdout, nil
}

// Remove deletes the given paths on the worker. Nonexistent paths are
// not an error.
func Remove(t Transport, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	_, stderr, err := t.Execute(nil, "rm -f -- "+QuoteCommand(paths), nil)
	if err != nil {
		return fmt.Errorf("removing %v: %w (stderr %q)", paths, err, trim(stderr))
	}
	return nil
}

// Probe checks that the worker is reachable and able to run commands.
func Probe(t Transport, timeout time.Duration) error {
	errs := make(chan error, 1)
	go func() {
		_, stderr, err := t.Execute(nil, "true", nil)
		if err != nil {
			err = fmt.Errorf("%w (stderr %q)", err, trim(stderr))
		}
		errs <- err
	}()
	select {
	case err := <-errs:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("probe timed out after %v", timeout)
	}
}

func trim(stderr []byte) string {
	const max = 1000
	if len(stderr) > max {
		stderr = stderr[len(stderr)-max:]
	}
	return string(bytes.TrimSpace(stderr))
}
