// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"
	check "gopkg.in/check.v1"
)

// GenerateKey returns a new ed25519 ssh keypair.
func GenerateKey(c *check.C) (ssh.PublicKey, ssh.Signer) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	c.Assert(err, check.IsNil)
	pubkey, err := ssh.NewPublicKey(pub)
	c.Assert(err, check.IsNil)
	signer, err := ssh.NewSignerFromKey(priv)
	c.Assert(err, check.IsNil)
	return pubkey, signer
}

// An SSHExecFunc runs the command of one "exec" session and returns
// its exit status.
type SSHExecFunc func(env map[string]string, command string, stdin io.Reader, stdout, stderr io.Writer) uint32

// SSHService is a minimal SSH server for testing worker transports.
// It listens on a loopback port and hands each "exec" session to
// Exec. "env" requests sent before exec are collected and passed
// along; "signal" requests sent after exec go to Signal.
type SSHService struct {
	Exec           SSHExecFunc
	HostKey        ssh.Signer
	AuthorizedUser string
	AuthorizedKeys []ssh.PublicKey

	// If non-nil, Signal is called when a client sends a signal
	// to a running "exec" session.
	Signal func(command, signal string)

	setup    sync.Once
	ready    chan struct{}
	mtx      sync.Mutex
	listener net.Listener
	closed   bool
	err      error
}

// Address returns the host:port where the server is listening, or ""
// if it has not started listening yet.
func (ss *SSHService) Address() string {
	ss.setup.Do(ss.start)
	ss.mtx.Lock()
	defer ss.mtx.Unlock()
	if ss.listener == nil {
		return ""
	}
	return ss.listener.Addr().String()
}

// RemoteUser returns the username that will be accepted.
func (ss *SSHService) RemoteUser() string {
	return ss.AuthorizedUser
}

// Start returns when the server is ready to accept connections.
func (ss *SSHService) Start() error {
	ss.setup.Do(ss.start)
	<-ss.ready
	return ss.err
}

// Close stops accepting new connections. Established connections
// keep working until the client hangs up.
func (ss *SSHService) Close() {
	ss.Start()
	ss.mtx.Lock()
	ss.closed = true
	ln := ss.listener
	ss.mtx.Unlock()
	if ln != nil {
		ln.Close()
	}
}

func (ss *SSHService) start() {
	ss.ready = make(chan struct{})
	defer close(ss.ready)
	config := &ssh.ServerConfig{PublicKeyCallback: ss.checkKey}
	config.AddHostKey(ss.HostKey)
	ln, err := net.Listen("tcp", "127.0.0.1:")
	if err != nil {
		ss.err = err
		return
	}
	ss.mtx.Lock()
	ss.listener = ln
	ss.mtx.Unlock()
	go ss.acceptLoop(ln, config)
}

func (ss *SSHService) checkKey(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	if ss.AuthorizedUser != "" && meta.User() != ss.AuthorizedUser {
		return nil, fmt.Errorf("unknown user %q", meta.User())
	}
	for _, ak := range ss.AuthorizedKeys {
		if bytes.Equal(ak.Marshal(), key.Marshal()) {
			return &ssh.Permissions{}, nil
		}
	}
	return nil, fmt.Errorf("unknown public key for %q", meta.User())
}

func (ss *SSHService) acceptLoop(ln net.Listener, config *ssh.ServerConfig) {
	logger := Logger()
	for {
		nConn, err := ln.Accept()
		if err != nil {
			ss.mtx.Lock()
			closed := ss.closed
			ss.mtx.Unlock()
			if !closed || !errors.Is(err, net.ErrClosed) {
				logger.WithError(err).Warn("ssh service: accept failed")
			}
			return
		}
		go ss.serveConn(nConn, config)
	}
}

func (ss *SSHService) serveConn(nConn net.Conn, config *ssh.ServerConfig) {
	logger := Logger().WithField("RemoteAddr", nConn.RemoteAddr().String())
	defer nConn.Close()
	conn, chans, reqs, err := ssh.NewServerConn(nConn, config)
	if err != nil {
		logger.WithError(err).Debug("ssh service: handshake failed")
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)
	for newch := range chans {
		if newch.ChannelType() != "session" {
			newch.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, chreqs, err := newch.Accept()
		if err != nil {
			logger.WithError(err).Warn("ssh service: accept channel failed")
			return
		}
		sess := &sshSession{svc: ss, ch: ch, env: map[string]string{}}
		go sess.handle(chreqs)
	}
}

// sshSession tracks the state of one session channel.
type sshSession struct {
	svc     *SSHService
	ch      ssh.Channel
	env     map[string]string
	command string
	started bool
}

func (sess *sshSession) handle(reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch {
		case req.Type == "env" && !sess.started:
			var msg struct{ Name, Value string }
			ssh.Unmarshal(req.Payload, &msg)
			sess.env[msg.Name] = msg.Value
			req.Reply(true, nil)
		case req.Type == "exec" && !sess.started:
			var msg struct{ Command string }
			ssh.Unmarshal(req.Payload, &msg)
			req.Reply(true, nil)
			sess.command = msg.Command
			sess.started = true
			go sess.run()
		case req.Type == "signal" && sess.started && sess.svc.Signal != nil:
			var msg struct{ Signal string }
			ssh.Unmarshal(req.Payload, &msg)
			sess.svc.Signal(sess.command, msg.Signal)
			if req.WantReply {
				req.Reply(true, nil)
			}
		default:
			req.Reply(false, nil)
		}
	}
}

func (sess *sshSession) run() {
	status := sess.svc.Exec(sess.env, sess.command, sess.ch, sess.ch, sess.ch.Stderr())
	sess.ch.SendRequest("exit-status", false, ssh.Marshal(&struct{ Status uint32 }{status}))
	sess.ch.Close()
}
