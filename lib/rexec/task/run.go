// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package task

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"git.arvados.org/rexec.git/sdk/go/ctxlog"
	"github.com/sirupsen/logrus"
)

// Exit codes returned by RunBundle when it cannot produce a result
// file. A task that fails still produces a result file, and exits 0.
const (
	ExitReadCode     = 1
	ExitDecodeCode   = 2
	ExitEncodeResult = 3
	ExitWriteResult  = 4
)

// RunBundle reads a descriptor from codeFile, calls the function it
// names, and writes the outcome to resultFile. It returns a process
// exit code.
func RunBundle(ctx context.Context, reg *Registry, codeFile, resultFile string, logger logrus.FieldLogger) int {
	logger = logger.WithFields(logrus.Fields{
		"CodeFile":   codeFile,
		"ResultFile": resultFile,
	})
	buf, err := os.ReadFile(codeFile)
	if err != nil {
		logger.WithError(err).Error("cannot read code file")
		return ExitReadCode
	}
	desc, err := Unmarshal(buf)
	if err != nil {
		logger.WithError(err).Error("cannot decode code file")
		return ExitDecodeCode
	}
	logger = logger.WithField("Function", desc.Function)
	t0 := time.Now()
	var result Result
	result.Value, err = reg.Call(ctxlog.Context(ctx, logger), desc)
	if err != nil {
		result.Error = NewError(desc.Function, err)
		logger.WithError(err).Info("task failed")
	} else {
		logger.WithField("Elapsed", time.Since(t0).Seconds()).Debug("task finished")
	}
	buf, err = result.Marshal()
	if err != nil {
		logger.WithError(err).Error("cannot encode result")
		return ExitEncodeResult
	}
	err = writeFileAtomic(resultFile, buf)
	if err != nil {
		logger.WithError(err).Error("cannot write result file")
		return ExitWriteResult
	}
	return 0
}

// writeFileAtomic writes data to a uniquely named temporary file in
// the same directory, then renames it to path. Concurrent writers
// (an original and its backup on one host) never share a temp file.
func writeFileAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	_, err = f.Write(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		os.Remove(tmp)
	}
	return err
}

// WatchParent calls cancel when the current process is orphaned,
// i.e., its parent (normally the controller's remote shell session)
// has gone away and it has been reparented to init. It returns when
// ctx is done.
func WatchParent(ctx context.Context, interval time.Duration, cancel func()) {
	if interval <= 0 {
		interval = time.Second
	}
	ppid := os.Getppid()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p := os.Getppid(); p != ppid || p == 1 {
				cancel()
				return
			}
		}
	}
}
