// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"git.arvados.org/rexec.git/lib/rexec/task"
	"git.arvados.org/rexec.git/lib/rexec/transport"
	"github.com/google/shlex"
)

// StubCluster simulates a set of workers, each with its own
// filesystem, that understand the handful of shell commands the
// executor sends: "cat >file", "cat file", "rm -f -- files...",
// "true", and the worker helper command.
//
// Hooks may be set before the first call to Transport.
type StubCluster struct {
	Registry *task.Registry

	// If non-nil, Hold is called (on the worker's goroutine)
	// before running each task; the task runs when it returns.
	Hold func(machine string, desc task.Descriptor)

	// If non-nil, PutError is called before each file is
	// written to a worker; a non-nil return value fails the
	// copy.
	PutError func(machine, path string) error

	// If non-nil, GetError is called before each file is read
	// from a worker.
	GetError func(machine, path string) error

	mtx     sync.Mutex
	files   map[string]map[string][]byte
	puts    map[string]int
	starts  map[string]int
	running int
	maxRun  int
	procID  int
}

// Transport returns a transport to the named machine.
func (sc *StubCluster) Transport(machine string) transport.Transport {
	return &stubTransport{sc: sc, machine: machine}
}

// Puts returns the number of file copies attempted to machine.
func (sc *StubCluster) Puts(machine string) int {
	sc.mtx.Lock()
	defer sc.mtx.Unlock()
	return sc.puts[machine]
}

// Starts returns the number of helper processes started on machine.
func (sc *StubCluster) Starts(machine string) int {
	sc.mtx.Lock()
	defer sc.mtx.Unlock()
	return sc.starts[machine]
}

// Running returns the number of helper processes running now, and
// the largest number that have ever run at once.
func (sc *StubCluster) Running() (now, max int) {
	sc.mtx.Lock()
	defer sc.mtx.Unlock()
	return sc.running, sc.maxRun
}

// Files returns the paths of files that exist on machine.
func (sc *StubCluster) Files(machine string) []string {
	sc.mtx.Lock()
	defer sc.mtx.Unlock()
	var paths []string
	for path := range sc.files[machine] {
		paths = append(paths, path)
	}
	return paths
}

// WriteFile creates a file on a worker.
func (sc *StubCluster) WriteFile(machine, path string, data []byte) {
	sc.mtx.Lock()
	defer sc.mtx.Unlock()
	sc.fs(machine)[path] = append([]byte(nil), data...)
}

// caller must have lock.
func (sc *StubCluster) fs(machine string) map[string][]byte {
	if sc.files == nil {
		sc.files = map[string]map[string][]byte{}
		sc.puts = map[string]int{}
		sc.starts = map[string]int{}
	}
	if sc.files[machine] == nil {
		sc.files[machine] = map[string][]byte{}
	}
	return sc.files[machine]
}

type stubTransport struct {
	sc      *StubCluster
	machine string
}

func (st *stubTransport) Execute(env map[string]string, cmd string, stdin io.Reader) ([]byte, []byte, error) {
	sc := st.sc
	switch {
	case cmd == "true":
		return nil, nil, nil
	case strings.HasPrefix(cmd, "cat >"):
		path, err := unquote(cmd[5:])
		if err != nil {
			return nil, nil, err
		}
		var buf bytes.Buffer
		if stdin != nil {
			io.Copy(&buf, stdin)
		}
		sc.mtx.Lock()
		fs := sc.fs(st.machine)
		sc.puts[st.machine]++
		sc.mtx.Unlock()
		if sc.PutError != nil {
			if err := sc.PutError(st.machine, path); err != nil {
				return nil, []byte(err.Error()), err
			}
		}
		sc.mtx.Lock()
		fs[path] = buf.Bytes()
		sc.mtx.Unlock()
		return nil, nil, nil
	case strings.HasPrefix(cmd, "cat "):
		path, err := unquote(cmd[4:])
		if err != nil {
			return nil, nil, err
		}
		if sc.GetError != nil {
			if err := sc.GetError(st.machine, path); err != nil {
				return nil, []byte(err.Error()), err
			}
		}
		sc.mtx.Lock()
		defer sc.mtx.Unlock()
		data, ok := sc.fs(st.machine)[path]
		if !ok {
			msg := fmt.Sprintf("cat: %s: No such file or directory", path)
			return nil, []byte(msg), errors.New("exit status 1")
		}
		return append([]byte(nil), data...), nil, nil
	case strings.HasPrefix(cmd, "rm -f -- "):
		paths, err := shlex.Split(cmd[9:])
		if err != nil {
			return nil, nil, err
		}
		sc.mtx.Lock()
		defer sc.mtx.Unlock()
		for _, path := range paths {
			delete(sc.fs(st.machine), path)
		}
		return nil, nil, nil
	default:
		return nil, []byte("unsupported command"), fmt.Errorf("stub transport: unsupported command %q", cmd)
	}
}

// Start runs the worker helper command. The argv must include
// "-code-file X" and "-result-file Y"; everything else is ignored.
func (st *stubTransport) Start(cmd string) (transport.Process, error) {
	argv, err := shlex.Split(cmd)
	if err != nil {
		return nil, err
	}
	var codeFile, resultFile string
	for i := 0; i+1 < len(argv); i++ {
		switch argv[i] {
		case "-code-file":
			codeFile = argv[i+1]
		case "-result-file":
			resultFile = argv[i+1]
		}
	}
	if codeFile == "" || resultFile == "" {
		return nil, fmt.Errorf("stub transport: not a helper command: %q", cmd)
	}
	sc := st.sc
	sc.mtx.Lock()
	sc.fs(st.machine)
	sc.starts[st.machine]++
	sc.procID++
	sc.running++
	if sc.running > sc.maxRun {
		sc.maxRun = sc.running
	}
	ctx, cancel := context.WithCancel(context.Background())
	proc := &stubProcess{
		id:     sc.procID,
		done:   make(chan struct{}),
		cancel: cancel,
	}
	sc.mtx.Unlock()
	go func() {
		defer close(proc.done)
		defer func() {
			sc.mtx.Lock()
			sc.running--
			sc.mtx.Unlock()
		}()
		proc.exitErr = st.runHelper(ctx, codeFile, resultFile)
	}()
	return proc, nil
}

func (st *stubTransport) runHelper(ctx context.Context, codeFile, resultFile string) error {
	sc := st.sc
	sc.mtx.Lock()
	code, ok := sc.fs(st.machine)[codeFile]
	sc.mtx.Unlock()
	if !ok {
		return fmt.Errorf("exit status %d", task.ExitReadCode)
	}
	desc, err := task.Unmarshal(code)
	if err != nil {
		return fmt.Errorf("exit status %d", task.ExitDecodeCode)
	}
	if sc.Hold != nil {
		sc.Hold(st.machine, desc)
	}
	if ctx.Err() != nil {
		return errors.New("signal: terminated")
	}
	var result task.Result
	result.Value, err = sc.Registry.Call(ctx, desc)
	if err != nil {
		result.Error = task.NewError(desc.Function, err)
	}
	buf, err := result.Marshal()
	if err != nil {
		return fmt.Errorf("exit status %d", task.ExitEncodeResult)
	}
	sc.mtx.Lock()
	sc.fs(st.machine)[resultFile] = buf
	sc.mtx.Unlock()
	return nil
}

func (st *stubTransport) Close() {}

type stubProcess struct {
	id      int
	done    chan struct{}
	cancel  context.CancelFunc
	exitErr error
}

func (sp *stubProcess) ID() int { return sp.id }

func (sp *stubProcess) Wait(timeout time.Duration) (bool, error) {
	select {
	case <-sp.done:
		return true, sp.exitErr
	case <-time.After(timeout):
		return false, nil
	}
}

func (sp *stubProcess) Terminate() error {
	sp.cancel()
	return nil
}

func unquote(s string) (string, error) {
	words, err := shlex.Split(s)
	if err != nil {
		return "", err
	}
	if len(words) != 1 {
		return "", fmt.Errorf("stub transport: expected one path, got %q", s)
	}
	return words[0], nil
}
