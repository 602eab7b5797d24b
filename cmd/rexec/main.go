// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"git.arvados.org/rexec.git/lib/cmd"
	"git.arvados.org/rexec.git/lib/rexec"
)

var (
	handler = cmd.WithLateSubcommand(cmd.Multi(map[string]cmd.RunFunc{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"run":           rexec.RunCommand,
		"worker":        rexec.WorkerCommand,
		"check-workers": rexec.CheckCommand,
	}), []string{"config"}, nil)
)

func main() {
	os.Exit(handler(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
