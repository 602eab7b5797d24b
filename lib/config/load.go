// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package config loads the site configuration and the list of remote
// workers.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"git.arvados.org/rexec.git/lib/rexec/worker"
	"github.com/ghodss/yaml"
)

//go:embed config.default.yml
var DefaultYAML []byte

// Default returns the default configuration.
func Default() (*Config, error) {
	var cfg Config
	err := yaml.Unmarshal(DefaultYAML, &cfg)
	if err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}
	return &cfg, nil
}

// Load reads a YAML (or JSON) config from rdr, on top of the
// defaults.
func Load(rdr io.Reader) (*Config, error) {
	buf, err := io.ReadAll(rdr)
	if err != nil {
		return nil, err
	}
	cfg, err := Default()
	if err != nil {
		return nil, err
	}
	err = yaml.Unmarshal(buf, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, cfg.check()
}

// LoadFile reads the config file at path. If path is "-", it reads
// stdin. If path is "", it returns the defaults.
func LoadFile(path string, stdin io.Reader) (*Config, error) {
	switch path {
	case "":
		return Default()
	case "-":
		return Load(stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	cfg, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (cfg *Config) check() error {
	ec := &cfg.Executors
	switch {
	case ec.MaxBundleFailures < 1:
		return fmt.Errorf("Executors.MaxBundleFailures %d must be at least 1", ec.MaxBundleFailures)
	case ec.Transport != "ssh" && ec.Transport != "loopback":
		return fmt.Errorf("Executors.Transport %q must be \"ssh\" or \"loopback\"", ec.Transport)
	case ec.SelectionPolicy != "weighted" && ec.SelectionPolicy != "roundrobin":
		return fmt.Errorf("Executors.SelectionPolicy %q must be \"weighted\" or \"roundrobin\"", ec.SelectionPolicy)
	case ec.MonitorInterval <= 0 || ec.PollInterval <= 0:
		return errors.New("Executors.MonitorInterval and PollInterval must be positive")
	}
	for i := range cfg.Workers {
		if err := cfg.Workers[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ApplyOverrides copies the non-zero fields of override (typically
// populated from command line flags) into cfg.Executors.
func (cfg *Config) ApplyOverrides(override ExecutorsConfig) error {
	err := mergo.Merge(&cfg.Executors, override, mergo.WithOverride)
	if err != nil {
		return err
	}
	return cfg.check()
}

// WorkerRecords returns the configured workers: the Workers section
// if it is not empty, otherwise the content of
// RemoteWorkerRecordsFile.
func (cfg *Config) WorkerRecords() ([]*worker.Record, error) {
	if len(cfg.Workers) > 0 {
		var recs []*worker.Record
		for _, r := range cfg.Workers {
			r := r
			recs = append(recs, &r)
		}
		return recs, nil
	}
	if cfg.Executors.RemoteWorkerRecordsFile == "" {
		return nil, errors.New("no workers configured")
	}
	return LoadWorkerRecords(ExpandHome(cfg.Executors.RemoteWorkerRecordsFile))
}

// LoadWorkerRecords reads a worker records file, which looks like
// {"remote_worker_records": [{"login": ..., "machine": ...,
// "weight": ..., "count": ...}, ...]}. YAML is also accepted.
func LoadWorkerRecords(path string) ([]*worker.Record, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file struct {
		Records []*worker.Record `json:"remote_worker_records"`
	}
	err = yaml.Unmarshal(buf, &file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(file.Records) == 0 {
		return nil, fmt.Errorf("%s: no remote_worker_records", path)
	}
	for _, r := range file.Records {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return file.Records, nil
}

// ExpandHome replaces a leading "~/" in path with the current user's
// home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
