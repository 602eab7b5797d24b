// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package loopback implements transport.Transport by running
// commands on the local host. It is used for the controller's own
// slots, for the local process executor, and in tests.
package loopback

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"git.arvados.org/rexec.git/lib/rexec/transport"
	"golang.org/x/sys/unix"
)

// Transport runs commands with "sh -c".
type Transport struct {
	// Environment variables added to every command.
	Env map[string]string
}

func (lt *Transport) command(env map[string]string, cmd string) *exec.Cmd {
	c := exec.Command("/bin/sh", "-c", cmd)
	c.Env = os.Environ()
	for k, v := range lt.Env {
		c.Env = append(c.Env, k+"="+v)
	}
	for k, v := range env {
		c.Env = append(c.Env, k+"="+v)
	}
	// Own process group, so Terminate reaches the children of
	// the shell too.
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return c
}

func (lt *Transport) Execute(env map[string]string, cmd string, stdin io.Reader) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	c := lt.command(env, cmd)
	c.Stdin = stdin
	c.Stdout = &stdout
	c.Stderr = &stderr
	err := c.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

func (lt *Transport) Start(cmd string) (transport.Process, error) {
	c := lt.command(nil, cmd)
	p := &process{cmd: c, done: make(chan struct{})}
	c.Stderr = &p.stderr
	err := c.Start()
	if err != nil {
		return nil, err
	}
	go func() {
		err := c.Wait()
		if err != nil {
			err = fmt.Errorf("%w (stderr %q)", err, bytes.TrimSpace(p.stderr.Bytes()))
		}
		p.err = err
		close(p.done)
	}()
	return p, nil
}

func (lt *Transport) Close() {}

type process struct {
	cmd    *exec.Cmd
	stderr bytes.Buffer
	done   chan struct{}
	err    error
}

func (p *process) ID() int {
	return p.cmd.Process.Pid
}

func (p *process) Wait(timeout time.Duration) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return true, p.err
	case <-timer.C:
		return false, nil
	}
}

func (p *process) Terminate() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	err := unix.Kill(-p.cmd.Process.Pid, unix.SIGTERM)
	if err == unix.ESRCH {
		return nil
	}
	return err
}
