// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"encoding/json"
	"fmt"
	"time"

	"git.arvados.org/rexec.git/lib/rexec/worker"
)

// Config is the site configuration.
type Config struct {
	SystemLogs struct {
		Format   string
		LogLevel string
	}
	ManagementToken string
	Listen          string
	Executors       ExecutorsConfig
	Workers         []worker.Record
}

type ExecutorsConfig struct {
	ThreadPoolSize          int
	ProcessPoolSize         int
	ScheduleRemoteBackups   bool
	MaxBundleFailures       int
	RemoteWorkerRecordsFile string
	RemoteWorkerHelperPath  string
	LocalWorkerHelperPath   string
	WatchForCancel          bool
	SelectionPolicy         string
	Transport               string
	SSHPort                 string
	SSHPrivateKeyFile       string
	SSHKnownHostsFile       string
	TempDir                 string
	MonitorInterval         Duration
	StatusDumpInterval      Duration
	BackupInterval          Duration
	PollInterval            Duration
	ProbeTimeout            Duration
}

// Duration is time.Duration but looks like "12s" in JSON, rather than
// a number of nanoseconds.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		dur, err := time.ParseDuration(string(data[1 : len(data)-1]))
		*d = Duration(dur)
		return err
	}
	return fmt.Errorf("duration must be given as a string like \"600s\" or \"1h30m\"")
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// String implements fmt.Stringer
func (d Duration) String() string {
	return time.Duration(d).String()
}

// Duration returns d as a time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}
