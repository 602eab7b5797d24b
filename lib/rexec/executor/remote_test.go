// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package executor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"git.arvados.org/rexec.git/lib/rexec/loopback"
	"git.arvados.org/rexec.git/lib/rexec/task"
	"git.arvados.org/rexec.git/lib/rexec/test"
	"git.arvados.org/rexec.git/lib/rexec/transport"
	"git.arvados.org/rexec.git/lib/rexec/worker"
	"git.arvados.org/rexec.git/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&RemoteSuite{})

type RemoteSuite struct {
	cluster *test.StubCluster
	tempDir string
	stdout  *bytes.Buffer
}

func (s *RemoteSuite) SetUpTest(c *check.C) {
	reg := &task.Registry{}
	task.RegisterBuiltins(reg)
	task.Register(reg, "slow", func(ctx context.Context, msg string) (string, error) {
		return msg, nil
	})
	s.cluster = &test.StubCluster{Registry: reg}
	s.tempDir = c.MkDir()
	s.stdout = &bytes.Buffer{}
}

func (s *RemoteSuite) options(c *check.C, workers ...*worker.Record) RemoteOptions {
	return RemoteOptions{
		Workers: workers,
		NewTransport: func(r *worker.Record) (transport.Transport, error) {
			return s.cluster.Transport(r.Machine), nil
		},
		HelperCommand:   []string{"rexec", "worker"},
		WatchForCancel:  true,
		Hostname:        "controller",
		TempDir:         s.tempDir,
		MonitorInterval: 20 * time.Millisecond,
		BackupInterval:  time.Hour,
		PollInterval:    5 * time.Millisecond,
		Logger:          ctxlog.TestLogger(c),
		Registry:        prometheus.NewRegistry(),
		Stdout:          s.stdout,
	}
}

func rec(machine string, count int) *worker.Record {
	return &worker.Record{Login: "user", Machine: machine, Weight: 1, Capacity: count}
}

func echo(c *check.C, v interface{}) task.Descriptor {
	desc, err := task.New("echo", v)
	c.Assert(err, check.IsNil)
	return desc
}

func waitFor(c *check.C, timeout time.Duration, what string, cond func() bool) {
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			c.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func counterValue(c *check.C, m prometheus.Metric) float64 {
	var pb dto.Metric
	c.Assert(m.Write(&pb), check.IsNil)
	return pb.GetCounter().GetValue()
}

func gaugeValue(c *check.C, m prometheus.Metric) float64 {
	var pb dto.Metric
	c.Assert(m.Write(&pb), check.IsNil)
	return pb.GetGauge().GetValue()
}

func (s *RemoteSuite) TestCapacityLimit(c *check.C) {
	release := make(chan struct{})
	s.cluster.Hold = func(string, task.Descriptor) { <-release }
	re, err := NewRemoteExecutor(s.options(c, rec("a", 2), rec("b", 1)))
	c.Assert(err, check.IsNil)
	defer re.Shutdown(true, true)

	var futures []*Future
	for i := 0; i < 4; i++ {
		f, err := re.Submit(echo(c, i))
		c.Assert(err, check.IsNil)
		futures = append(futures, f)
	}
	waitFor(c, 5*time.Second, "3 running", func() bool {
		now, _ := s.cluster.Running()
		return now == 3
	})
	time.Sleep(100 * time.Millisecond)
	now, max := s.cluster.Running()
	c.Check(now, check.Equals, 3)
	c.Check(max, check.Equals, 3)
	re.status.mtx.Lock()
	c.Check(re.status.totalIdle(), check.Equals, 0)
	c.Check(re.status.totalSubmitted, check.Equals, 4)
	re.status.mtx.Unlock()

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i, f := range futures {
		var v int
		c.Check(f.Decode(ctx, &v), check.IsNil)
		c.Check(v, check.Equals, i)
	}
	_, max = s.cluster.Running()
	c.Check(max, check.Equals, 3)
	c.Check(counterValue(c, re.m.bundlesSubmitted), check.Equals, 4.0)
}

func (s *RemoteSuite) TestTaskError(c *check.C) {
	re, err := NewRemoteExecutor(s.options(c, rec("a", 1)))
	c.Assert(err, check.IsNil)
	defer re.Shutdown(true, true)

	desc, err := task.New("fail", "boom")
	c.Assert(err, check.IsNil)
	f, err := re.Submit(desc)
	c.Assert(err, check.IsNil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = f.Result(ctx)
	var te *task.Error
	c.Assert(errors.As(err, &te), check.Equals, true)
	c.Check(te.Function, check.Equals, "fail")
	c.Check(te.Message, check.Equals, "boom")

	// Temp files are cleaned up on both sides.
	waitFor(c, time.Second, "remote files removed", func() bool {
		return len(s.cluster.Files("a")) == 0
	})
	ents, err := os.ReadDir(s.tempDir)
	c.Check(err, check.IsNil)
	c.Check(ents, check.HasLen, 0)
}

func (s *RemoteSuite) TestBackupWins(c *check.C) {
	var mtx sync.Mutex
	heldOn := ""
	hold := make(chan struct{})
	s.cluster.Hold = func(machine string, desc task.Descriptor) {
		if desc.Function != "slow" {
			return
		}
		mtx.Lock()
		first := heldOn == ""
		if first {
			heldOn = machine
		}
		mtx.Unlock()
		if first {
			<-hold
		}
	}
	opts := s.options(c, rec("a", 1), rec("b", 1))
	opts.ScheduleBackups = true
	re, err := NewRemoteExecutor(opts)
	c.Assert(err, check.IsNil)
	defer re.Shutdown(true, true)
	// Runs before Shutdown, so a held process cannot block it.
	defer close(hold)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Two finished bundles are needed before any backups are
	// scheduled.
	for i := 0; i < 2; i++ {
		f, err := re.Submit(echo(c, i))
		c.Assert(err, check.IsNil)
		_, err = f.Result(ctx)
		c.Assert(err, check.IsNil)
	}

	desc, err := task.New("slow", "done")
	c.Assert(err, check.IsNil)
	f, err := re.Submit(desc)
	c.Assert(err, check.IsNil)
	var msg string
	c.Check(f.Decode(ctx, &msg), check.IsNil)
	c.Check(msg, check.Equals, "done")

	c.Check(s.cluster.Starts("a")+s.cluster.Starts("b"), check.Equals, 4)
	c.Check(counterValue(c, re.m.backupsScheduled), check.Equals, 1.0)
	mtx.Lock()
	c.Check(heldOn, check.Not(check.Equals), "")
	mtx.Unlock()

	// The losing sibling is cancelled, releases its worker, and
	// is forgotten, even though its process is still held.
	waitFor(c, 5*time.Second, "losing sibling to be released", func() bool {
		re.status.mtx.Lock()
		defer re.status.mtx.Unlock()
		return len(re.status.bundles) == 0 && re.status.totalInFlight() == 0
	})
}

func (s *RemoteSuite) TestFinishedOriginalsRecordLatency(c *check.C) {
	re, err := NewRemoteExecutor(s.options(c, rec("a", 1), rec("b", 1)))
	c.Assert(err, check.IsNil)
	defer re.Shutdown(true, true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		f, err := re.Submit(echo(c, i))
		c.Assert(err, check.IsNil)
		_, err = f.Result(ctx)
		c.Assert(err, check.IsNil)
	}
	re.status.mtx.Lock()
	defer re.status.mtx.Unlock()
	c.Check(re.status.totalFinished(), check.Equals, 3)
	samples := 0
	for _, pop := range re.status.latency {
		samples += pop.Len()
	}
	c.Check(samples, check.Equals, 3)
	c.Check(re.status.global.Len(), check.Equals, 3)
	c.Check(re.status.bundles, check.HasLen, 0)
	c.Check(re.status.startedAt, check.HasLen, 0)
	c.Check(re.status.endedAt, check.HasLen, 0)
	c.Check(re.status.totalInFlight(), check.Equals, 0)
}

func (s *RemoteSuite) TestFetchAfterSiblingFinished(c *check.C) {
	re, err := NewRemoteExecutor(s.options(c, rec("a", 1)))
	c.Assert(err, check.IsNil)
	defer re.Shutdown(true, true)

	orig := newOriginal([]byte(`{}`), "echo", "controller", s.tempDir)
	re.status.mtx.Lock()
	re.status.recordBundle(orig)
	bk, err := newBackup(orig)
	c.Assert(err, check.IsNil)
	re.status.recordBundle(bk)
	re.status.mtx.Unlock()
	s.cluster.WriteFile("a", bk.codeFile, []byte(`{}`))
	s.cluster.WriteFile("a", bk.resultFile, []byte(`{"value":1}`))

	// The original finishes (and removes the local result file)
	// while the backup is fetching.
	s.cluster.GetError = func(machine, path string) error {
		re.finishOriginal(orig)
		return nil
	}
	c.Check(re.fetchResult(bk, s.cluster.Transport("a")), check.IsNil)
	c.Check(bk.cancelled.isSet(), check.Equals, true)
	ents, err := os.ReadDir(s.tempDir)
	c.Check(err, check.IsNil)
	c.Check(ents, check.HasLen, 0)
	c.Check(s.cluster.Files("a"), check.HasLen, 0)
}

func (s *RemoteSuite) TestShutdownIfIdle(c *check.C) {
	release := make(chan struct{})
	s.cluster.Hold = func(string, task.Descriptor) { <-release }
	re, err := NewRemoteExecutor(s.options(c, rec("a", 1)))
	c.Assert(err, check.IsNil)
	defer re.Shutdown(true, true)

	c.Check(re.TaskCount(), check.Equals, 0)
	var futures []*Future
	for i := 0; i < 2; i++ {
		f, err := re.Submit(echo(c, i))
		c.Assert(err, check.IsNil)
		futures = append(futures, f)
	}
	c.Check(re.TaskCount(), check.Equals, 2)
	c.Check(re.ShutdownIfIdle(true), check.Equals, false)

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.Check(WaitAll(ctx, futures...), check.IsNil)
	c.Check(re.TaskCount(), check.Equals, 0)
	c.Check(re.ShutdownIfIdle(true), check.Equals, true)
	_, err = re.Submit(echo(c, 3))
	c.Check(err, check.Equals, ErrShutdown)
}

func (s *RemoteSuite) TestOriginalCopyAlwaysFails(c *check.C) {
	s.cluster.PutError = func(machine, path string) error {
		return errors.New("disk full")
	}
	re, err := NewRemoteExecutor(s.options(c, rec("a", 1), rec("b", 1)))
	c.Assert(err, check.IsNil)
	defer re.Shutdown(true, true)

	f, err := re.Submit(echo(c, "x"))
	c.Assert(err, check.IsNil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = f.Result(ctx)
	c.Check(errors.Is(err, ErrTooManyFailures), check.Equals, true)
	var be *BundleError
	c.Assert(errors.As(err, &be), check.Equals, true)
	c.Check(be.Failures, check.Equals, 4)
	c.Check(s.cluster.Puts("a")+s.cluster.Puts("b"), check.Equals, 4)
	c.Check(s.cluster.Starts("a")+s.cluster.Starts("b"), check.Equals, 0)
	c.Check(counterValue(c, re.m.bundlesFailed), check.Equals, 1.0)
	c.Check(counterValue(c, re.m.emergencyRetries.WithLabelValues("original")), check.Equals, 3.0)

	ents, err := os.ReadDir(s.tempDir)
	c.Check(err, check.IsNil)
	c.Check(ents, check.HasLen, 0)
	re.status.mtx.Lock()
	c.Check(re.status.bundles, check.HasLen, 0)
	c.Check(re.status.totalIdle(), check.Equals, 2)
	re.status.mtx.Unlock()
}

func (s *RemoteSuite) TestBackupCopyAlwaysFails(c *check.C) {
	var mtx sync.Mutex
	failBad := false
	s.cluster.PutError = func(machine, path string) error {
		mtx.Lock()
		defer mtx.Unlock()
		if failBad && machine == "bad" {
			return errors.New("connection reset")
		}
		return nil
	}
	hold := make(chan struct{})
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(hold) }) }
	s.cluster.Hold = func(machine string, desc task.Descriptor) {
		if desc.Function == "slow" && machine == "a" {
			<-hold
		}
	}
	opts := s.options(c, rec("a", 1), rec("bad", 1))
	opts.Policy = &worker.RoundRobin{}
	opts.ScheduleBackups = true
	re, err := NewRemoteExecutor(opts)
	c.Assert(err, check.IsNil)
	defer re.Shutdown(true, true)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Warm up: one bundle each on a and bad.
	for i := 0; i < 2; i++ {
		f, err := re.Submit(echo(c, i))
		c.Assert(err, check.IsNil)
		_, err = f.Result(ctx)
		c.Assert(err, check.IsNil)
	}
	baseline := s.cluster.Puts("bad")
	c.Check(baseline, check.Equals, 1)
	mtx.Lock()
	failBad = true
	mtx.Unlock()

	desc, err := task.New("slow", "original")
	c.Assert(err, check.IsNil)
	f, err := re.Submit(desc)
	c.Assert(err, check.IsNil)

	// The backup is tried on "bad" three times, then abandoned.
	waitFor(c, 5*time.Second, "backup attempts", func() bool {
		return s.cluster.Puts("bad") == baseline+3
	})
	waitFor(c, 5*time.Second, "backup to be abandoned", func() bool {
		re.status.mtx.Lock()
		defer re.status.mtx.Unlock()
		return len(re.status.bundles) == 1
	})
	select {
	case <-f.Done():
		c.Error("original finished while held")
	default:
	}

	release()
	var msg string
	c.Check(f.Decode(ctx, &msg), check.IsNil)
	c.Check(msg, check.Equals, "original")
	c.Check(s.cluster.Puts("bad"), check.Equals, baseline+3)
	c.Check(counterValue(c, re.m.backupsScheduled), check.Equals, 1.0)
	c.Check(counterValue(c, re.m.emergencyRetries.WithLabelValues("backup")), check.Equals, 2.0)
	c.Check(counterValue(c, re.m.bundlesFailed), check.Equals, 0.0)
}

func (s *RemoteSuite) TestFetchRetry(c *check.C) {
	var mtx sync.Mutex
	failures := 0
	s.cluster.GetError = func(machine, path string) error {
		mtx.Lock()
		defer mtx.Unlock()
		if failures < 2 {
			failures++
			return errors.New("timeout")
		}
		return nil
	}
	re, err := NewRemoteExecutor(s.options(c, rec("a", 1)))
	c.Assert(err, check.IsNil)
	defer re.Shutdown(true, true)

	f, err := re.Submit(echo(c, "hello"))
	c.Assert(err, check.IsNil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var msg string
	c.Check(f.Decode(ctx, &msg), check.IsNil)
	c.Check(msg, check.Equals, "hello")
	c.Check(s.cluster.Starts("a"), check.Equals, 1)
}

func (s *RemoteSuite) TestSameHost(c *check.C) {
	script := filepath.Join(c.MkDir(), "helper.sh")
	err := os.WriteFile(script, []byte(`#!/bin/sh
while [ $# -gt 0 ]; do
  case "$1" in
    -result-file) result="$2"; shift;;
  esac
  shift
done
echo '{"value":42}' >"$result"
`), 0755)
	c.Assert(err, check.IsNil)

	opts := s.options(c, rec("controller", 1))
	opts.NewTransport = func(*worker.Record) (transport.Transport, error) {
		return &loopback.Transport{}, nil
	}
	opts.HelperCommand = []string{"/bin/sh", script}
	opts.WatchForCancel = false
	re, err := NewRemoteExecutor(opts)
	c.Assert(err, check.IsNil)

	f, err := re.Submit(echo(c, "ignored"))
	c.Assert(err, check.IsNil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var v int
	c.Check(f.Decode(ctx, &v), check.IsNil)
	c.Check(v, check.Equals, 42)
	re.Shutdown(true, false)
	c.Check(s.stdout.String(), check.Matches, `(?ms)remote executor latency histogram:.*n=1 .*`)

	ents, err := os.ReadDir(s.tempDir)
	c.Check(err, check.IsNil)
	c.Check(ents, check.HasLen, 0)
}

func (s *RemoteSuite) TestShutdown(c *check.C) {
	re, err := NewRemoteExecutor(s.options(c, rec("a", 1)))
	c.Assert(err, check.IsNil)
	f, err := re.Submit(echo(c, 1))
	c.Assert(err, check.IsNil)
	re.Shutdown(true, true)
	select {
	case <-f.Done():
	default:
		c.Error("Shutdown(wait=true) returned before submitted task finished")
	}
	re.Shutdown(true, true)
	_, err = re.Submit(echo(c, 2))
	c.Check(err, check.Equals, ErrShutdown)
}

func (s *RemoteSuite) TestRemoteCommand(c *check.C) {
	re, err := NewRemoteExecutor(s.options(c, rec("a", 1)))
	c.Assert(err, check.IsNil)
	defer re.Shutdown(true, true)
	b := &bundle{codeFile: "/tmp/x.code.bin", resultFile: "/tmp/x.result.bin"}
	c.Check(re.remoteCommand(b), check.Equals, `'rexec' 'worker' '-code-file' '/tmp/x.code.bin' '-result-file' '/tmp/x.result.bin' '-watch-for-cancel'`)
}

func (s *RemoteSuite) TestNoCapacity(c *check.C) {
	_, err := NewRemoteExecutor(s.options(c, rec("a", 0)))
	c.Check(err, check.ErrorMatches, `.*no capacity.*`)
}
