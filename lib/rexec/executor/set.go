// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package executor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"git.arvados.org/rexec.git/lib/config"
	"git.arvados.org/rexec.git/lib/rexec/loopback"
	"git.arvados.org/rexec.git/lib/rexec/sshexecutor"
	"git.arvados.org/rexec.git/lib/rexec/task"
	"git.arvados.org/rexec.git/lib/rexec/transport"
	"git.arvados.org/rexec.git/lib/rexec/worker"
	"git.arvados.org/rexec.git/sdk/go/stats"
	"github.com/google/shlex"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// A Set holds the executors used by one program. Each executor is
// created the first time it is requested, using Config.
//
// Exported fields must be set before the first call to a method.
type Set struct {
	Config   *config.Config
	Registry *task.Registry
	Logger   logrus.FieldLogger
	Metrics  *prometheus.Registry
	Stdout   io.Writer

	// Name of this host. If empty, os.Hostname() is used.
	Hostname string

	// If non-nil, used instead of the transport named by
	// Config.Executors.Transport.
	NewTransport func(*worker.Record) (transport.Transport, error)

	mtx     sync.Mutex
	thread  *ThreadExecutor
	process *ProcessExecutor
	remote  *RemoteExecutor
}

// Executor returns the executor for the given method: "thread",
// "process", or "remote".
func (s *Set) Executor(method string) (Executor, error) {
	switch method {
	case "thread":
		return s.Thread(), nil
	case "process":
		return s.Process()
	case "remote":
		return s.Remote()
	default:
		return nil, fmt.Errorf("unknown executor method %q", method)
	}
}

// Thread returns the local thread executor.
func (s *Set) Thread() *ThreadExecutor {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.thread == nil {
		n := s.Config.Executors.ThreadPoolSize
		if n < 1 {
			n = runtime.NumCPU() + 4
			if n > 32 {
				n = 32
			}
		}
		s.thread = NewThreadExecutor(n, s.Registry, s.logger(), s.Stdout)
	}
	return s.thread
}

// Process returns the local process executor.
func (s *Set) Process() (*ProcessExecutor, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.process != nil {
		return s.process, nil
	}
	ec := s.Config.Executors
	var helper []string
	if ec.LocalWorkerHelperPath != "" {
		var err error
		helper, err = shlex.Split(ec.LocalWorkerHelperPath)
		if err != nil {
			return nil, fmt.Errorf("LocalWorkerHelperPath: %w", err)
		}
	} else {
		exe, err := os.Executable()
		if err != nil {
			return nil, err
		}
		helper = []string{exe, "worker"}
	}
	n := ec.ProcessPoolSize
	if n < 1 {
		n = runtime.NumCPU()
	}
	pe, err := NewProcessExecutor(n, helper, ec.TempDir, s.logger(), s.Stdout)
	if err != nil {
		return nil, err
	}
	pe.poll = ec.PollInterval.Duration()
	s.process = pe
	return pe, nil
}

// Remote returns the remote executor. The first call loads and probes
// the configured workers.
func (s *Set) Remote() (*RemoteExecutor, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.remote != nil {
		return s.remote, nil
	}
	ec := s.Config.Executors
	logger := s.logger()
	newTransport, err := s.transportFunc()
	if err != nil {
		return nil, err
	}
	probed, err := s.probe(newTransport)
	if err != nil {
		return nil, err
	}
	var usable []*worker.Record
	for _, pr := range probed {
		if pr.Err != nil {
			logger.WithError(pr.Err).WithField("Worker", pr.Worker.String()).Warn("worker unreachable; not using it")
			continue
		}
		usable = append(usable, pr.Worker)
	}
	if len(usable) == 0 {
		return nil, errors.New("no reachable workers")
	}
	hostname := s.hostname()
	for _, r := range usable {
		if r.Machine == hostname {
			r.Capacity = r.Capacity / 2
			if r.Capacity < 1 {
				r.Capacity = 1
			}
			logger.WithField("Worker", r.String()).WithField("Count", r.Capacity).Info("halved capacity of controller host")
		}
	}
	helper, err := shlex.Split(ec.RemoteWorkerHelperPath)
	if err != nil {
		return nil, fmt.Errorf("RemoteWorkerHelperPath: %w", err)
	}
	re, err := NewRemoteExecutor(RemoteOptions{
		Workers:            usable,
		Policy:             worker.NewPolicy(ec.SelectionPolicy, logger),
		NewTransport:       newTransport,
		HelperCommand:      helper,
		WatchForCancel:     ec.WatchForCancel,
		Hostname:           hostname,
		TempDir:            ec.TempDir,
		ScheduleBackups:    ec.ScheduleRemoteBackups,
		MaxFailures:        ec.MaxBundleFailures,
		MonitorInterval:    ec.MonitorInterval.Duration(),
		StatusDumpInterval: ec.StatusDumpInterval.Duration(),
		BackupInterval:     ec.BackupInterval.Duration(),
		PollInterval:       ec.PollInterval.Duration(),
		Logger:             logger.WithField("Executor", "remote"),
		Registry:           s.Metrics,
		Stdout:             s.Stdout,
	})
	if err != nil {
		return nil, err
	}
	s.remote = re
	return re, nil
}

// Probe loads the configured workers and checks that each one can
// run commands.
func (s *Set) Probe() ([]ProbeResult, error) {
	newTransport, err := s.transportFunc()
	if err != nil {
		return nil, err
	}
	return s.probe(newTransport)
}

func (s *Set) probe(newTransport func(*worker.Record) (transport.Transport, error)) ([]ProbeResult, error) {
	records, err := s.Config.WorkerRecords()
	if err != nil {
		return nil, err
	}
	return ProbeWorkers(records, newTransport, s.Config.Executors.ProbeTimeout.Duration()), nil
}

// Shutdown shuts down every executor that has been created.
func (s *Set) Shutdown(wait, quiet bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.thread != nil {
		s.thread.Shutdown(wait, quiet)
	}
	if s.process != nil {
		s.process.Shutdown(wait, quiet)
	}
	if s.remote != nil {
		s.remote.Shutdown(wait, quiet)
	}
}

// ShutdownIfIdle shuts down each created executor that has no
// outstanding tasks, and forgets it so a later call creates a new one.
// It returns true if every created executor was idle.
func (s *Set) ShutdownIfIdle(quiet bool) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	idle := true
	if s.thread != nil {
		if s.thread.ShutdownIfIdle(quiet) {
			s.thread = nil
		} else {
			idle = false
		}
	}
	if s.process != nil {
		if s.process.ShutdownIfIdle(quiet) {
			s.process = nil
		} else {
			idle = false
		}
	}
	if s.remote != nil {
		if s.remote.ShutdownIfIdle(quiet) {
			s.remote = nil
		} else {
			idle = false
		}
	}
	s.logger().WithField("Idle", idle).Debug("shut down idle executors")
	return idle
}

func (s *Set) logger() logrus.FieldLogger {
	if s.Logger == nil {
		return logrus.StandardLogger()
	}
	return s.Logger
}

func (s *Set) hostname() string {
	if s.Hostname == "" {
		s.Hostname, _ = os.Hostname()
	}
	return s.Hostname
}

// transportFunc returns a func that creates a transport for a worker
// according to the config.
func (s *Set) transportFunc() (func(*worker.Record) (transport.Transport, error), error) {
	if s.NewTransport != nil {
		return s.NewTransport, nil
	}
	ec := s.Config.Executors
	switch ec.Transport {
	case "loopback":
		return func(*worker.Record) (transport.Transport, error) {
			return &loopback.Transport{}, nil
		}, nil
	case "ssh":
		buf, err := os.ReadFile(config.ExpandHome(ec.SSHPrivateKeyFile))
		if err != nil {
			return nil, fmt.Errorf("reading ssh private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(buf)
		if err != nil {
			return nil, fmt.Errorf("parsing ssh private key: %w", err)
		}
		knownHosts := config.ExpandHome(ec.SSHKnownHostsFile)
		return func(r *worker.Record) (transport.Transport, error) {
			target, err := sshexecutor.NewHostTarget(r.Machine, r.Login, knownHosts)
			if err != nil {
				return nil, err
			}
			exr := sshexecutor.New(target)
			exr.SetSigners(signer)
			exr.SetTargetPort(ec.SSHPort)
			return exr, nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", ec.Transport)
	}
}

// ProbeResult is the outcome of checking one worker.
type ProbeResult struct {
	Worker  *worker.Record
	Err     error
	Elapsed stats.Duration
}

// ProbeWorkers checks all of the given workers concurrently by
// running "true" on each one. Results are returned in the same order
// as records.
func ProbeWorkers(records []*worker.Record, newTransport func(*worker.Record) (transport.Transport, error), timeout time.Duration) []ProbeResult {
	results := make([]ProbeResult, len(records))
	var wg sync.WaitGroup
	for i, r := range records {
		i, r := i, r
		wg.Add(1)
		go func() {
			defer wg.Done()
			t0 := time.Now()
			results[i].Worker = r
			t, err := newTransport(r)
			if err == nil {
				err = transport.Probe(t, timeout)
				t.Close()
			}
			results[i].Err = err
			results[i].Elapsed = stats.Duration(time.Since(t0))
		}()
	}
	wg.Wait()
	return results
}
