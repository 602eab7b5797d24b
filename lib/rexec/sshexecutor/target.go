// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sshexecutor

import (
	"fmt"
	"net"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostTarget is a Target identified by address and login. Host keys
// are checked against a known_hosts file if one is given, otherwise
// any host key is accepted.
type HostTarget struct {
	Addr string
	User string

	hostKeyCallback ssh.HostKeyCallback
}

// NewHostTarget returns a HostTarget. If knownHostsFile is not empty,
// it is loaded immediately.
func NewHostTarget(addr, user, knownHostsFile string) (*HostTarget, error) {
	t := &HostTarget{Addr: addr, User: user}
	if knownHostsFile != "" {
		cb, err := knownhosts.New(knownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("loading known hosts: %w", err)
		}
		t.hostKeyCallback = cb
	}
	return t, nil
}

func (t *HostTarget) Address() string    { return t.Addr }
func (t *HostTarget) RemoteUser() string { return t.User }

func (t *HostTarget) VerifyHostKey(key ssh.PublicKey, client *ssh.Client) error {
	if t.hostKeyCallback == nil {
		return nil
	}
	host, port, err := net.SplitHostPort(client.RemoteAddr().String())
	if err != nil {
		return err
	}
	// knownhosts matches on the name the user configured, not
	// the resolved address.
	hostname := t.Addr
	if h, _, err := net.SplitHostPort(t.Addr); err == nil {
		hostname = h
	}
	return t.hostKeyCallback(net.JoinHostPort(hostname, port), &net.TCPAddr{IP: net.ParseIP(host)}, key)
}
