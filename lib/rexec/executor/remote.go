// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package executor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"git.arvados.org/rexec.git/lib/rexec/task"
	"git.arvados.org/rexec.git/lib/rexec/transport"
	"git.arvados.org/rexec.git/lib/rexec/worker"
	"git.arvados.org/rexec.git/sdk/go/stats"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	defaultMaxFailures        = 3
	defaultMonitorInterval    = 5 * time.Second
	defaultStatusDumpInterval = 5 * time.Second
	defaultBackupInterval     = 9 * time.Second
	defaultPollInterval       = time.Second / 4

	fetchAttempts = 3
	maxWaitDepth  = 3
)

// BundleError is returned (via Future) for a task that could not be
// run because of repeated infrastructure failures.
type BundleError struct {
	UUID     string
	Function string
	Failures int
}

func (e *BundleError) Error() string {
	return fmt.Sprintf("bundle %s (%s) failed %d times; giving up", e.UUID, e.Function, e.Failures)
}

func (e *BundleError) Unwrap() error {
	return ErrTooManyFailures
}

// RemoteOptions configure a RemoteExecutor. Zero values select
// defaults, except ScheduleBackups and WatchForCancel.
type RemoteOptions struct {
	// Workers to run bundles on. Their Capacity fields are owned
	// by the executor after NewRemoteExecutor returns.
	Workers []*worker.Record
	Policy  worker.SelectionPolicy

	// NewTransport returns a transport to the given worker. It
	// is called once per worker, by NewRemoteExecutor.
	NewTransport func(*worker.Record) (transport.Transport, error)

	// Command line (argv) of the worker helper on remote
	// workers. Code file, result file, and watch-for-cancel
	// flags are appended.
	HelperCommand  []string
	WatchForCancel bool

	// Name of this host. Bundles running on a worker whose
	// Machine is Hostname do not copy files.
	Hostname string
	TempDir  string

	ScheduleBackups bool

	// Emergency retries allowed for an original. Backups are
	// allowed one fewer.
	MaxFailures int

	MonitorInterval    time.Duration
	StatusDumpInterval time.Duration
	BackupInterval     time.Duration
	PollInterval       time.Duration

	Logger   logrus.FieldLogger
	Registry *prometheus.Registry

	// Destination for the latency histogram written by
	// Shutdown.
	Stdout io.Writer
}

// RemoteExecutor runs tasks on a pool of remote workers. Each task is
// sent to a worker as an original bundle; a monitor goroutine starts
// backup bundles for originals that are running slowly. Whichever
// sibling finishes first provides the result.
type RemoteExecutor struct {
	logger          logrus.FieldLogger
	pool            *worker.Pool
	status          *Status
	helpers         *helperPool
	transports      map[*worker.Record]transport.Transport
	helperCmd       []string
	watchForCancel  bool
	hostname        string
	tempDir         string
	scheduleBackups bool
	maxOriginal     int
	maxBackup       int
	monitorInterval time.Duration
	dumpInterval    time.Duration
	backupInterval  time.Duration
	pollInterval    time.Duration
	stdout          io.Writer
	m               *metrics

	lastBackup time.Time // guarded by status.mtx
	histogram  latencyHistogram
	tasks      taskCounter

	mtx      sync.Mutex
	shutdown bool
	stop     chan struct{}
	stopped  chan struct{}
}

// NewRemoteExecutor returns a RemoteExecutor with a helper goroutine
// for each slot in opts.Workers, and starts its monitor.
func NewRemoteExecutor(opts RemoteOptions) (*RemoteExecutor, error) {
	slots := worker.TotalCapacity(opts.Workers)
	if slots < 1 {
		return nil, errors.New("worker pool has no capacity")
	}
	if opts.NewTransport == nil {
		return nil, errors.New("BUG: RemoteOptions.NewTransport is nil")
	}
	if len(opts.HelperCommand) == 0 {
		return nil, errors.New("no worker helper command")
	}
	re := &RemoteExecutor{
		logger:          opts.Logger,
		status:          newStatus(opts.Workers),
		transports:      map[*worker.Record]transport.Transport{},
		helperCmd:       opts.HelperCommand,
		watchForCancel:  opts.WatchForCancel,
		hostname:        opts.Hostname,
		tempDir:         opts.TempDir,
		scheduleBackups: opts.ScheduleBackups,
		maxOriginal:     opts.MaxFailures,
		monitorInterval: opts.MonitorInterval,
		dumpInterval:    opts.StatusDumpInterval,
		backupInterval:  opts.BackupInterval,
		pollInterval:    opts.PollInterval,
		stdout:          opts.Stdout,
		m:               newMetrics(opts.Registry),
		stop:            make(chan struct{}),
		stopped:         make(chan struct{}),
	}
	if re.logger == nil {
		re.logger = logrus.StandardLogger()
	}
	if re.hostname == "" {
		re.hostname, _ = os.Hostname()
	}
	if re.tempDir == "" {
		re.tempDir = os.TempDir()
	}
	if re.maxOriginal < 1 {
		re.maxOriginal = defaultMaxFailures
	}
	re.maxBackup = re.maxOriginal - 1
	if re.monitorInterval <= 0 {
		re.monitorInterval = defaultMonitorInterval
	}
	if re.dumpInterval <= 0 {
		re.dumpInterval = defaultStatusDumpInterval
	}
	if re.backupInterval <= 0 {
		re.backupInterval = defaultBackupInterval
	}
	if re.pollInterval <= 0 {
		re.pollInterval = defaultPollInterval
	}
	if re.stdout == nil {
		re.stdout = os.Stdout
	}
	policy := opts.Policy
	if policy == nil {
		policy = worker.NewPolicy("weighted", re.logger)
	}
	for _, w := range opts.Workers {
		t, err := opts.NewTransport(w)
		if err != nil {
			for _, t := range re.transports {
				t.Close()
			}
			return nil, fmt.Errorf("worker %s: %w", w, err)
		}
		re.transports[w] = t
	}
	re.pool = worker.NewPool(opts.Workers, policy)
	re.helpers = newHelperPool(slots)
	re.m.workers.Set(float64(len(opts.Workers)))
	re.logger.WithFields(logrus.Fields{
		"Workers": len(opts.Workers),
		"Slots":   slots,
		"Backups": re.scheduleBackups,
	}).Info("remote executor started")
	go re.runMonitor()
	return re, nil
}

// Status returns the executor's scoreboard.
func (re *RemoteExecutor) Status() *Status {
	return re.status
}

// Submit writes desc to a code file and queues an original bundle to
// run it.
func (re *RemoteExecutor) Submit(desc task.Descriptor) (*Future, error) {
	re.mtx.Lock()
	shutdown := re.shutdown
	re.mtx.Unlock()
	if shutdown {
		return nil, ErrShutdown
	}
	payload, err := desc.Marshal()
	if err != nil {
		return nil, err
	}
	b := newOriginal(payload, desc.Function, re.hostname, re.tempDir)
	err = os.WriteFile(b.codeFile, payload, 0600)
	if err != nil {
		return nil, fmt.Errorf("writing code file: %w", err)
	}
	re.status.mtx.Lock()
	re.status.recordBundle(b)
	re.status.totalSubmitted++
	re.status.mtx.Unlock()

	f := newFuture()
	re.tasks.add(1)
	ok := re.helpers.submit(func() {
		out, err := re.launch(b, "")
		if err == nil && out == nil {
			err = fmt.Errorf("BUG: original bundle %s returned no result", b.uuid)
		}
		re.tasks.add(-1)
		if err != nil {
			f.resolve(nil, err)
		} else {
			f.resolve(out.value, out.err)
		}
	})
	if !ok {
		re.tasks.add(-1)
		re.status.mtx.Lock()
		re.status.forget(b)
		re.status.totalSubmitted--
		re.status.mtx.Unlock()
		os.Remove(b.codeFile)
		return nil, ErrShutdown
	}
	re.m.bundlesSubmitted.Inc()
	re.logger.WithFields(logrus.Fields{
		"BundleUUID": b.uuid,
		"Function":   b.function,
		"Size":       humanize.Bytes(uint64(len(payload))),
	}).Debug("submitted bundle")
	return f, nil
}

// outcome is what an original bundle delivers to its Future: the
// task's return value, or the error it returned.
type outcome struct {
	value []byte
	err   error
}

func (re *RemoteExecutor) bundleLogger(b *bundle) logrus.FieldLogger {
	fields := logrus.Fields{
		"BundleUUID": b.uuid,
		"Function":   b.function,
	}
	if b.worker != nil {
		fields["Worker"] = b.worker.String()
	}
	return re.logger.WithFields(fields)
}

// launch runs b on a worker, waiting for a free slot if necessary.
// For an original, it returns the task's outcome, or an error if the
// task could not be run. For a backup, it returns nil, nil.
func (re *RemoteExecutor) launch(b *bundle, avoidMachine string) (*outcome, error) {
	if avoidMachine == "" && !b.isOriginal() {
		re.status.mtx.Lock()
		if orig := re.status.bundles[b.original]; orig != nil {
			avoidMachine = orig.machine
		}
		re.status.mtx.Unlock()
	}
	wkr, err := re.pool.Acquire(avoidMachine)
	if err != nil {
		re.bundleLogger(b).WithError(err).Warn("cannot acquire worker")
		return re.giveUp(b, fmt.Errorf("bundle %s: %w", b.uuid, ErrShutdown))
	}
	re.status.mtx.Lock()
	b.worker, b.machine, b.login = wkr, wkr.Machine, wkr.Login
	b.pid = 0
	re.status.recordAcquireWorker(wkr, b.uuid)
	re.status.mtx.Unlock()
	logger := re.bundleLogger(b)

	if re.checkIfCancelled(b) {
		logger.Info("bundle cancelled before launch")
		out, err := re.processResult(b)
		if err == nil {
			return out, nil
		}
		logger.WithError(err).Warn("cancelled bundle has no result")
		re.release(b, true)
		return re.emergencyRetry(b)
	}

	xport := re.transports[wkr]
	if !re.isLocal(b.machine) {
		t0 := time.Now()
		err := transport.Put(xport, b.codeFile, b.payload)
		if err != nil {
			logger.WithError(err).Warn("failed to copy code file to worker")
			re.release(b, true)
			return re.emergencyRetry(b)
		}
		logger.WithFields(logrus.Fields{
			"Size":    humanize.Bytes(uint64(len(b.payload))),
			"Elapsed": stats.Duration(time.Since(t0)),
		}).Debug("copied code file to worker")
	}
	proc, err := xport.Start(re.remoteCommand(b))
	if err != nil {
		logger.WithError(err).Warn("failed to start worker helper")
		re.release(b, true)
		return re.emergencyRetry(b)
	}
	re.status.mtx.Lock()
	b.pid = proc.ID()
	b.started = time.Now()
	re.status.recordProcessingBegan(b.uuid)
	re.status.mtx.Unlock()
	logger.WithField("PID", proc.ID()).Info("bundle started")
	return re.waitForProcess(proc, b, 0)
}

func (re *RemoteExecutor) remoteCommand(b *bundle) string {
	argv := append([]string(nil), re.helperCmd...)
	argv = append(argv, "-code-file", b.codeFile, "-result-file", b.resultFile)
	if re.watchForCancel {
		argv = append(argv, "-watch-for-cancel")
	}
	return transport.QuoteCommand(argv)
}

func (re *RemoteExecutor) isLocal(machine string) bool {
	return machine == re.hostname
}

// checkIfCancelled returns true if a sibling of b has finished. Once
// it returns true, b.wasCancelled is true.
func (re *RemoteExecutor) checkIfCancelled(b *bundle) bool {
	if !b.cancelled.isSet() {
		return false
	}
	re.status.mtx.Lock()
	b.wasCancelled = true
	re.status.mtx.Unlock()
	return true
}

// waitForProcess polls proc until it exits or b is cancelled, then
// processes the result. If processing fails while proc is still
// running, it waits again, up to maxWaitDepth times.
func (re *RemoteExecutor) waitForProcess(proc transport.Process, b *bundle, depth int) (*outcome, error) {
	logger := re.bundleLogger(b).WithField("PID", proc.ID())
	if depth > maxWaitDepth {
		logger.Error("giving up on bundle process after repeated errors")
		if err := proc.Terminate(); err != nil {
			logger.WithError(err).Warn("error terminating process")
		}
		re.release(b, true)
		return re.emergencyRetry(b)
	}
	exited := false
	for {
		done, err := proc.Wait(re.pollInterval)
		if done {
			if err != nil {
				logger.WithError(err).Warn("worker helper exited with error")
			}
			exited = true
			break
		}
		if re.checkIfCancelled(b) {
			logger.Info("sibling bundle finished first; not waiting for this one")
			break
		}
	}
	out, err := re.processResult(b)
	if err == nil {
		return out, nil
	}
	logger.WithError(err).Warn("failed to process result")
	if !exited {
		return re.waitForProcess(proc, b, depth+1)
	}
	re.release(b, true)
	return re.emergencyRetry(b)
}

// processResult retrieves the result of a bundle whose process has
// exited (or that was cancelled), and releases its worker. If
// processResult returns an error, the worker is still held and the
// caller is responsible for releasing it.
func (re *RemoteExecutor) processResult(b *bundle) (*outcome, error) {
	wasCancelled := re.checkIfCancelled(b)
	re.status.mtx.Lock()
	b.ended = time.Now()
	re.status.mtx.Unlock()
	logger := re.bundleLogger(b)

	if !wasCancelled && !re.isLocal(b.machine) {
		xport := re.transports[b.worker]
		err := re.fetchResult(b, xport)
		if err != nil {
			return nil, err
		}
	}

	var out *outcome
	if b.isOriginal() {
		buf, err := os.ReadFile(b.resultFile)
		if err != nil {
			return nil, fmt.Errorf("reading result file: %w", err)
		}
		result, err := task.UnmarshalResult(buf)
		if err != nil {
			return nil, err
		}
		out = &outcome{value: result.Value, err: result.Err()}
	} else if !wasCancelled {
		re.status.mtx.Lock()
		if orig := re.status.bundles[b.original]; orig != nil {
			orig.cancelled.set()
		}
		re.status.mtx.Unlock()
		logger.Info("backup finished first; original will use its result")
	}
	// Release before forgetting: the latency sample needs the
	// start time recorded in the scoreboard.
	re.release(b, wasCancelled)
	if !b.isOriginal() {
		re.status.mtx.Lock()
		re.status.forget(b)
		re.status.mtx.Unlock()
		return nil, nil
	}
	re.finishOriginal(b)
	elapsed := time.Since(b.created)
	re.histogram.add(elapsed)
	re.m.bundleDuration.Observe(elapsed.Seconds())
	logger.WithField("Elapsed", stats.Duration(elapsed)).Info("bundle finished")
	return out, nil
}

// fetchResult copies b's result file from its worker to the local
// result path, trying up to fetchAttempts times, and removes b's
// files from the worker. The local file is replaced atomically.
func (re *RemoteExecutor) fetchResult(b *bundle, xport transport.Transport) error {
	logger := re.bundleLogger(b)
	var data []byte
	var err error
	for attempt := 1; attempt <= fetchAttempts; attempt++ {
		data, err = transport.Get(xport, b.resultFile)
		if err == nil {
			break
		}
		logger.WithError(err).WithField("Attempt", attempt).Warn("failed to fetch result file")
	}
	if err != nil {
		return err
	}
	// The worker may share our filesystem (e.g., loopback), so
	// remove its copies before writing ours.
	err = transport.Remove(xport, b.codeFile, b.resultFile)
	if err != nil {
		logger.WithError(err).Warn("failed to remove temp files on worker")
	}
	tmp := fmt.Sprintf("%s.%s.tmp", b.resultFile, b.uuid)
	err = os.WriteFile(tmp, data, 0600)
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("saving result file: %w", err)
	}
	// finishOriginal cancels siblings under the status lock before
	// removing the local files, so checking and renaming under the
	// same lock cannot leave a stray result file behind.
	re.status.mtx.Lock()
	defer re.status.mtx.Unlock()
	if b.cancelled.isSet() {
		os.Remove(tmp)
		logger.Debug("sibling finished during fetch; discarding result")
		return nil
	}
	err = os.Rename(tmp, b.resultFile)
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("saving result file: %w", err)
	}
	return nil
}

// finishOriginal cancels b's backups and removes its local temp
// files. b must be an original that has consumed its result, or
// given up.
func (re *RemoteExecutor) finishOriginal(b *bundle) {
	re.status.mtx.Lock()
	b.finished = true
	for _, uuid := range b.backups {
		if bk := re.status.bundles[uuid]; bk != nil {
			bk.cancelled.set()
		}
	}
	re.status.forget(b)
	re.status.mtx.Unlock()
	for _, fnm := range []string{b.codeFile, b.resultFile} {
		if err := os.Remove(fnm); err != nil && !os.IsNotExist(err) {
			re.bundleLogger(b).WithError(err).Warn("failed to remove local temp file")
		}
	}
}

// release returns b's worker slot to the pool.
func (re *RemoteExecutor) release(b *bundle, wasCancelled bool) {
	re.status.mtx.Lock()
	wkr := b.worker
	re.status.recordReleaseWorker(wkr, b.uuid, wasCancelled)
	re.status.mtx.Unlock()
	re.pool.Release(wkr)
}

// emergencyRetry relaunches b after an infrastructure failure,
// avoiding the machine it just failed on. An original that has failed
// too many times returns a *BundleError; a backup that has failed too
// many times is abandoned.
func (re *RemoteExecutor) emergencyRetry(b *bundle) (*outcome, error) {
	re.status.mtx.Lock()
	avoid := b.machine
	b.worker, b.machine, b.login = nil, "", ""
	b.failures++
	failures := b.failures
	re.status.mtx.Unlock()

	limit, kind := re.maxBackup, "backup"
	if b.isOriginal() {
		limit, kind = re.maxOriginal, "original"
	}
	logger := re.bundleLogger(b).WithFields(logrus.Fields{
		"Failures":     failures,
		"AvoidMachine": avoid,
	})
	if failures > limit {
		logger.WithField("Limit", limit).Error("bundle failed too many times")
		return re.giveUp(b, &BundleError{UUID: b.uuid, Function: b.function, Failures: failures})
	}
	re.m.emergencyRetries.WithLabelValues(kind).Inc()
	logger.Warn("relaunching bundle after errors")
	return re.launch(b, avoid)
}

// giveUp stops trying to run b. An original reports err to its
// caller; a backup is silently dropped.
func (re *RemoteExecutor) giveUp(b *bundle, err error) (*outcome, error) {
	if !b.isOriginal() {
		re.bundleLogger(b).Info("abandoning backup bundle; original is unaffected")
		re.status.mtx.Lock()
		re.status.forget(b)
		re.status.mtx.Unlock()
		return nil, nil
	}
	re.m.bundlesFailed.Inc()
	re.finishOriginal(b)
	return nil, err
}

// TaskCount returns the number of submitted tasks that have not
// delivered a result yet.
func (re *RemoteExecutor) TaskCount() int {
	return re.tasks.count()
}

// ShutdownIfIdle calls Shutdown(true, quiet) and returns true if no
// submitted tasks are outstanding.
func (re *RemoteExecutor) ShutdownIfIdle(quiet bool) bool {
	if re.tasks.count() > 0 {
		return false
	}
	re.Shutdown(true, quiet)
	return true
}

// Shutdown stops the monitor and stops accepting new tasks. If wait
// is true, it waits for submitted tasks to finish; otherwise they
// continue in the background. Unless quiet is true, it writes a
// histogram of bundle latencies to the configured Stdout.
func (re *RemoteExecutor) Shutdown(wait, quiet bool) {
	re.mtx.Lock()
	if re.shutdown {
		re.mtx.Unlock()
		return
	}
	re.shutdown = true
	re.mtx.Unlock()

	re.logger.WithField("Wait", wait).Info("shutting down remote executor")
	close(re.stop)
	<-re.stopped
	re.helpers.close(false)
	finish := func() {
		re.helpers.wait()
		re.pool.Close()
		for _, t := range re.transports {
			t.Close()
		}
		re.logger.Debug("remote executor finished")
	}
	if wait {
		finish()
	} else {
		go finish()
	}
	if !quiet {
		re.histogram.write(re.stdout, "remote executor")
	}
}
