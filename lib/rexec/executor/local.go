// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"git.arvados.org/rexec.git/lib/rexec/loopback"
	"git.arvados.org/rexec.git/lib/rexec/task"
	"git.arvados.org/rexec.git/lib/rexec/transport"
	"git.arvados.org/rexec.git/sdk/go/stats"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// latencyHistogram accumulates submit-to-result times for the
// histogram written at shutdown.
type latencyHistogram struct {
	mtx sync.Mutex
	pop stats.Population
}

func (lh *latencyHistogram) add(d time.Duration) {
	lh.mtx.Lock()
	defer lh.mtx.Unlock()
	lh.pop.Add(d)
}

func (lh *latencyHistogram) write(w io.Writer, title string) {
	lh.mtx.Lock()
	defer lh.mtx.Unlock()
	fmt.Fprintf(w, "%s latency histogram:\n", title)
	lh.pop.WriteHistogram(w, 10*time.Second, 50)
}

// ThreadExecutor runs tasks on a fixed number of goroutines in the
// current process.
type ThreadExecutor struct {
	reg       *task.Registry
	logger    logrus.FieldLogger
	stdout    io.Writer
	helpers   *helperPool
	histogram latencyHistogram
	tasks     taskCounter

	mtx      sync.Mutex
	shutdown bool
}

// NewThreadExecutor returns a ThreadExecutor that runs up to n tasks
// at a time, looking up functions in reg.
func NewThreadExecutor(n int, reg *task.Registry, logger logrus.FieldLogger, stdout io.Writer) *ThreadExecutor {
	if n < 1 {
		n = 1
	}
	if stdout == nil {
		stdout = os.Stdout
	}
	return &ThreadExecutor{
		reg:     reg,
		logger:  logger.WithField("Executor", "thread"),
		stdout:  stdout,
		helpers: newHelperPool(n),
	}
}

func (te *ThreadExecutor) Submit(desc task.Descriptor) (*Future, error) {
	if _, err := te.reg.Lookup(desc.Function); err != nil {
		return nil, err
	}
	f := newFuture()
	t0 := time.Now()
	te.tasks.add(1)
	ok := te.helpers.submit(func() {
		value, err := te.reg.Call(context.Background(), desc)
		te.histogram.add(time.Since(t0))
		te.tasks.add(-1)
		f.resolve(value, err)
	})
	if !ok {
		te.tasks.add(-1)
		return nil, ErrShutdown
	}
	return f, nil
}

func (te *ThreadExecutor) TaskCount() int {
	return te.tasks.count()
}

func (te *ThreadExecutor) ShutdownIfIdle(quiet bool) bool {
	if te.tasks.count() > 0 {
		return false
	}
	te.Shutdown(true, quiet)
	return true
}

func (te *ThreadExecutor) Shutdown(wait, quiet bool) {
	te.mtx.Lock()
	if te.shutdown {
		te.mtx.Unlock()
		return
	}
	te.shutdown = true
	te.mtx.Unlock()
	te.logger.WithField("Wait", wait).Debug("shutting down")
	te.helpers.close(wait)
	if !quiet {
		te.histogram.write(te.stdout, "thread executor")
	}
}

// ProcessExecutor runs each task in a separate worker helper process
// on the local host.
type ProcessExecutor struct {
	helperCmd []string
	tempDir   string
	logger    logrus.FieldLogger
	stdout    io.Writer
	xport     transport.Transport
	poll      time.Duration
	helpers   *helperPool
	histogram latencyHistogram
	tasks     taskCounter

	mtx      sync.Mutex
	shutdown bool
}

// NewProcessExecutor returns a ProcessExecutor that runs up to n
// helper processes at a time. Each helper is started with helperCmd
// followed by -code-file and -result-file arguments.
func NewProcessExecutor(n int, helperCmd []string, tempDir string, logger logrus.FieldLogger, stdout io.Writer) (*ProcessExecutor, error) {
	if len(helperCmd) == 0 {
		return nil, errors.New("no worker helper command")
	}
	if n < 1 {
		n = 1
	}
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	if stdout == nil {
		stdout = os.Stdout
	}
	return &ProcessExecutor{
		helperCmd: helperCmd,
		tempDir:   tempDir,
		logger:    logger.WithField("Executor", "process"),
		stdout:    stdout,
		xport:     &loopback.Transport{},
		poll:      defaultPollInterval,
		helpers:   newHelperPool(n),
	}, nil
}

func (pe *ProcessExecutor) Submit(desc task.Descriptor) (*Future, error) {
	payload, err := desc.Marshal()
	if err != nil {
		return nil, err
	}
	id := strings.Replace(uuid.NewString(), "-", "", -1)
	codeFile := filepath.Join(pe.tempDir, id+".code.bin")
	resultFile := filepath.Join(pe.tempDir, id+".result.bin")
	err = os.WriteFile(codeFile, payload, 0600)
	if err != nil {
		return nil, fmt.Errorf("writing code file: %w", err)
	}
	f := newFuture()
	t0 := time.Now()
	pe.tasks.add(1)
	ok := pe.helpers.submit(func() {
		value, err := pe.run(codeFile, resultFile)
		os.Remove(codeFile)
		os.Remove(resultFile)
		pe.histogram.add(time.Since(t0))
		pe.tasks.add(-1)
		f.resolve(value, err)
	})
	if !ok {
		pe.tasks.add(-1)
		os.Remove(codeFile)
		return nil, ErrShutdown
	}
	return f, nil
}

func (pe *ProcessExecutor) TaskCount() int {
	return pe.tasks.count()
}

func (pe *ProcessExecutor) ShutdownIfIdle(quiet bool) bool {
	if pe.tasks.count() > 0 {
		return false
	}
	pe.Shutdown(true, quiet)
	return true
}

func (pe *ProcessExecutor) run(codeFile, resultFile string) ([]byte, error) {
	argv := append([]string(nil), pe.helperCmd...)
	argv = append(argv, "-code-file", codeFile, "-result-file", resultFile)
	proc, err := pe.xport.Start(transport.QuoteCommand(argv))
	if err != nil {
		return nil, fmt.Errorf("starting worker helper: %w", err)
	}
	var exitErr error
	for {
		done, err := proc.Wait(pe.poll)
		if done {
			exitErr = err
			break
		}
	}
	buf, err := os.ReadFile(resultFile)
	if err != nil {
		if exitErr != nil {
			return nil, fmt.Errorf("worker helper failed: %w", exitErr)
		}
		return nil, fmt.Errorf("reading result file: %w", err)
	}
	result, err := task.UnmarshalResult(buf)
	if err != nil {
		return nil, err
	}
	return result.Value, result.Err()
}

func (pe *ProcessExecutor) Shutdown(wait, quiet bool) {
	pe.mtx.Lock()
	if pe.shutdown {
		pe.mtx.Unlock()
		return
	}
	pe.shutdown = true
	pe.mtx.Unlock()
	pe.logger.WithField("Wait", wait).Debug("shutting down")
	pe.helpers.close(wait)
	if !quiet {
		pe.histogram.write(pe.stdout, "process executor")
	}
}
