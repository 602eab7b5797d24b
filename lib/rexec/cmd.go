// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package rexec implements the rexec command line: submitting tasks
// to an executor, running tasks as a worker helper, and checking the
// configured workers.
package rexec

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"git.arvados.org/rexec.git/lib/cmd"
	"git.arvados.org/rexec.git/lib/config"
	"git.arvados.org/rexec.git/lib/rexec/executor"
	"git.arvados.org/rexec.git/lib/rexec/task"
	"git.arvados.org/rexec.git/sdk/go/ctxlog"
	"git.arvados.org/rexec.git/sdk/go/stats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	RunCommand    cmd.RunFunc = runCommand
	WorkerCommand cmd.RunFunc = workerCommand
	CheckCommand  cmd.RunFunc = checkCommand
)

// Registry returns the functions available to tasks run by this
// program.
func Registry() *task.Registry {
	reg := &task.Registry{}
	task.RegisterBuiltins(reg)
	return reg
}

func loadConfig(path string, override config.ExecutorsConfig, stdin io.Reader, stderr io.Writer) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.LoadFile(path, stdin)
	if err != nil {
		return nil, nil, err
	}
	err = cfg.ApplyOverrides(override)
	if err != nil {
		return nil, nil, err
	}
	logger := ctxlog.New(stderr, cfg.SystemLogs.Format, cfg.SystemLogs.LogLevel)
	return cfg, logger, nil
}

func runCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var override config.ExecutorsConfig
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	configPath := flags.String("config", "", "configuration `file` (\"-\" for stdin; default: built-in defaults)")
	function := flags.String("function", "echo", "name of function to run")
	argsJSON := flags.String("args", "null", "function arguments, as JSON")
	count := flags.Int("n", 1, "number of copies of the task to submit")
	method := flags.String("method", "remote", "executor to use: remote, thread, or process")
	listen := flags.String("listen", "", "serve management endpoints at `address` (default: Listen from config)")
	quiet := flags.Bool("quiet", false, "do not print latency histogram at exit")
	noBackups := flags.Bool("no-backups", false, "do not schedule backup bundles")
	flags.StringVar(&override.SelectionPolicy, "policy", "", "worker selection policy (weighted or roundrobin)")
	flags.StringVar(&override.Transport, "transport", "", "transport to workers (ssh or loopback)")
	flags.StringVar(&override.RemoteWorkerRecordsFile, "workers-file", "", "worker records `file`")
	flags.StringVar(&override.TempDir, "temp-dir", "", "`directory` for code and result files")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	var desc task.Descriptor
	desc.Function = *function
	if !json.Valid([]byte(*argsJSON)) {
		fmt.Fprintf(stderr, "-args value is not valid JSON: %q\n", *argsJSON)
		return 2
	}
	desc.Args = json.RawMessage(*argsJSON)

	cfg, logger, err := loadConfig(*configPath, override, stdin, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if *noBackups {
		cfg.Executors.ScheduleRemoteBackups = false
	}
	if *listen == "" {
		*listen = cfg.Listen
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx = ctxlog.Context(ctx, logger)

	metrics := prometheus.NewRegistry()
	set := &executor.Set{
		Config:   cfg,
		Registry: Registry(),
		Logger:   logger,
		Metrics:  metrics,
		Stdout:   stdout,
	}
	ex, err := set.Executor(*method)
	if err != nil {
		logger.WithError(err).Error("cannot start executor")
		return 1
	}
	if *listen != "" {
		status := func() *executor.Status { return nil }
		if re, ok := ex.(*executor.RemoteExecutor); ok {
			status = re.Status
		}
		ms, err := startManagementServer(ctx, *listen, managementHandler(cfg.ManagementToken, metrics, status, logger), logger)
		if err != nil {
			logger.WithError(err).Error("cannot start management server")
			set.Shutdown(false, true)
			return 1
		}
		defer ms.Close()
	}

	t0 := time.Now()
	futures := make([]*executor.Future, 0, *count)
	for i := 0; i < *count; i++ {
		f, err := ex.Submit(desc)
		if err != nil {
			logger.WithError(err).Error("submit failed")
			set.Shutdown(false, true)
			return 1
		}
		futures = append(futures, f)
	}
	logger.WithFields(logrus.Fields{
		"Function": desc.Function,
		"Count":    len(futures),
		"Method":   *method,
	}).Info("submitted tasks")

	failed := 0
	for i, f := range futures {
		value, err := f.Result(ctx)
		if err != nil {
			failed++
			fmt.Fprintf(stdout, "%d\terror\t%s\n", i, err)
		} else {
			fmt.Fprintf(stdout, "%d\tok\t%s\n", i, value)
		}
	}
	interrupted := ctx.Err() != nil
	set.Shutdown(!interrupted, *quiet)
	logger.WithFields(logrus.Fields{
		"Failed":  failed,
		"Elapsed": stats.Duration(time.Since(t0)),
	}).Info("finished")
	if failed > 0 {
		return 1
	}
	return 0
}

func workerCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	codeFile := flags.String("code-file", "", "`path` of task descriptor to run")
	resultFile := flags.String("result-file", "", "`path` to write result to")
	watch := flags.Bool("watch-for-cancel", false, "exit if the parent process exits")
	logLevel := flags.String("log-level", "info", "logging `level` (debug, info, warn, error)")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	if *codeFile == "" || *resultFile == "" {
		fmt.Fprintln(stderr, "-code-file and -result-file are required")
		return 2
	}
	logger := ctxlog.New(stderr, "json", *logLevel)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if *watch {
		go task.WatchParent(ctx, time.Second, func() {
			logger.Warn("parent process exited; cancelling task")
			cancel()
		})
	}
	return task.RunBundle(ctx, Registry(), *codeFile, *resultFile, logger)
}

func checkCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var override config.ExecutorsConfig
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	configPath := flags.String("config", "", "configuration `file` (\"-\" for stdin)")
	flags.StringVar(&override.Transport, "transport", "", "transport to workers (ssh or loopback)")
	flags.StringVar(&override.RemoteWorkerRecordsFile, "workers-file", "", "worker records `file`")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	cfg, logger, err := loadConfig(*configPath, override, stdin, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	set := &executor.Set{Config: cfg, Logger: logger}
	results, err := set.Probe()
	if err != nil {
		logger.WithError(err).Error("cannot probe workers")
		return 1
	}
	failed := 0
	for _, pr := range results {
		outcome := "ok"
		if pr.Err != nil {
			outcome = "error: " + pr.Err.Error()
			failed++
		}
		fmt.Fprintf(stdout, "%-30s\tweight=%d\tcount=%d\t%ss\t%s\n", pr.Worker, pr.Worker.Weight, pr.Worker.Capacity, pr.Elapsed, outcome)
	}
	if failed > 0 {
		fmt.Fprintf(stderr, "%d of %d workers unreachable\n", failed, len(results))
		return 1
	}
	return 0
}
