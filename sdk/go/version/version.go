// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package version reports the version of the running program.
package version

import (
	"runtime/debug"
)

var (
	// Version is set at build time with
	// -ldflags "-X git.arvados.org/rexec.git/sdk/go/version.Version=..."
	Version string
)

// GetVersion returns Version if it was set at build time, otherwise
// the main module version recorded by "go install", otherwise "dev".
func GetVersion() string {
	if Version != "" {
		return Version
	}
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		return bi.Main.Version
	}
	return "dev"
}
