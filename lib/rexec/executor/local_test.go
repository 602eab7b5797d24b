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
	"time"

	"git.arvados.org/rexec.git/lib/rexec/task"
	"git.arvados.org/rexec.git/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&LocalSuite{})

type LocalSuite struct {
	reg task.Registry
}

func (s *LocalSuite) SetUpTest(c *check.C) {
	s.reg = task.Registry{}
	task.RegisterBuiltins(&s.reg)
}

func (s *LocalSuite) TestThreadExecutor(c *check.C) {
	var stdout bytes.Buffer
	te := NewThreadExecutor(2, &s.reg, ctxlog.TestLogger(c), &stdout)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var futures []*Future
	for i := 0; i < 5; i++ {
		f, err := te.Submit(echo(c, i))
		c.Assert(err, check.IsNil)
		futures = append(futures, f)
	}
	for i, f := range futures {
		var v int
		c.Check(f.Decode(ctx, &v), check.IsNil)
		c.Check(v, check.Equals, i)
	}

	desc, err := task.New("fail", "nope")
	c.Assert(err, check.IsNil)
	f, err := te.Submit(desc)
	c.Assert(err, check.IsNil)
	_, err = f.Result(ctx)
	var terr *task.Error
	c.Check(errors.As(err, &terr), check.Equals, true)

	_, err = te.Submit(task.Descriptor{Function: "nonexistent"})
	c.Check(errors.Is(err, task.ErrUnknownFunction), check.Equals, true)

	te.Shutdown(true, false)
	c.Check(stdout.String(), check.Matches, `(?ms)thread executor latency histogram:.*n=6 .*`)
	_, err = te.Submit(echo(c, 1))
	c.Check(err, check.Equals, ErrShutdown)
}

func (s *LocalSuite) TestThreadShutdownIfIdle(c *check.C) {
	release := make(chan struct{})
	task.Register(&s.reg, "wait", func(ctx context.Context, msg string) (string, error) {
		<-release
		return msg, nil
	})
	te := NewThreadExecutor(2, &s.reg, ctxlog.TestLogger(c), nil)
	defer te.Shutdown(true, true)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	desc, err := task.New("wait", "hi")
	c.Assert(err, check.IsNil)
	f, err := te.Submit(desc)
	c.Assert(err, check.IsNil)
	c.Check(te.TaskCount(), check.Equals, 1)
	c.Check(te.ShutdownIfIdle(true), check.Equals, false)
	_, err = te.Submit(echo(c, 1))
	c.Check(err, check.IsNil)

	close(release)
	var msg string
	c.Check(f.Decode(ctx, &msg), check.IsNil)
	c.Check(msg, check.Equals, "hi")
	waitFor(c, 5*time.Second, "echo to finish", func() bool { return te.TaskCount() == 0 })
	c.Check(te.ShutdownIfIdle(true), check.Equals, true)
	_, err = te.Submit(echo(c, 2))
	c.Check(err, check.Equals, ErrShutdown)
}

func (s *LocalSuite) writeHelper(c *check.C, body string) string {
	script := filepath.Join(c.MkDir(), "helper.sh")
	err := os.WriteFile(script, []byte(`#!/bin/sh
while [ $# -gt 0 ]; do
  case "$1" in
    -code-file) code="$2"; shift;;
    -result-file) result="$2"; shift;;
  esac
  shift
done
`+body), 0755)
	c.Assert(err, check.IsNil)
	return script
}

func (s *LocalSuite) TestProcessExecutor(c *check.C) {
	// The helper returns the descriptor's args as the value.
	script := s.writeHelper(c, `args=$(sed -e 's/.*"args"://' -e 's/}$//' "$code")
echo "{\"value\":$args}" >"$result"
`)
	tempDir := c.MkDir()
	pe, err := NewProcessExecutor(2, []string{"/bin/sh", script}, tempDir, ctxlog.TestLogger(c), &bytes.Buffer{})
	c.Assert(err, check.IsNil)
	pe.poll = 5 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var futures []*Future
	for i := 0; i < 3; i++ {
		f, err := pe.Submit(echo(c, i))
		c.Assert(err, check.IsNil)
		futures = append(futures, f)
	}
	for i, f := range futures {
		var v int
		c.Check(f.Decode(ctx, &v), check.IsNil)
		c.Check(v, check.Equals, i)
	}
	pe.Shutdown(true, true)
	ents, err := os.ReadDir(tempDir)
	c.Check(err, check.IsNil)
	c.Check(ents, check.HasLen, 0)
	_, err = pe.Submit(echo(c, 1))
	c.Check(err, check.Equals, ErrShutdown)
}

func (s *LocalSuite) TestProcessExecutorHelperFails(c *check.C) {
	script := s.writeHelper(c, "echo >&2 oops; exit 3\n")
	pe, err := NewProcessExecutor(1, []string{"/bin/sh", script}, c.MkDir(), ctxlog.TestLogger(c), &bytes.Buffer{})
	c.Assert(err, check.IsNil)
	defer pe.Shutdown(true, true)
	f, err := pe.Submit(echo(c, 1))
	c.Assert(err, check.IsNil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = f.Result(ctx)
	c.Check(err, check.ErrorMatches, `worker helper failed: exit status 3 .*oops.*`)
}

func (s *LocalSuite) TestProcessExecutorTaskError(c *check.C) {
	script := s.writeHelper(c, `echo '{"error":{"function":"fail","type":"*errors.errorString","message":"nope"}}' >"$result"
`)
	pe, err := NewProcessExecutor(1, []string{"/bin/sh", script}, c.MkDir(), ctxlog.TestLogger(c), &bytes.Buffer{})
	c.Assert(err, check.IsNil)
	defer pe.Shutdown(true, true)
	desc, err := task.New("fail", "nope")
	c.Assert(err, check.IsNil)
	f, err := pe.Submit(desc)
	c.Assert(err, check.IsNil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = f.Result(ctx)
	var terr *task.Error
	c.Assert(errors.As(err, &terr), check.Equals, true)
	c.Check(terr.Message, check.Equals, "nope")
	c.Check(err, check.ErrorMatches, "fail: nope")
}
