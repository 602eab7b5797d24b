// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package executor

import (
	"sort"
	"sync"
	"time"

	"git.arvados.org/rexec.git/lib/rexec/worker"
	"git.arvados.org/rexec.git/sdk/go/stats"
	"github.com/sirupsen/logrus"
)

// Status is a RemoteExecutor's scoreboard: which bundles are running
// where, and how long finished bundles took on each worker.
//
// All fields are guarded by mtx, and every method except Snapshot
// expects the caller to hold it.
type Status struct {
	mtx sync.Mutex

	workers     []*worker.Record
	workerCount int // total slots
	started     time.Time

	startedAt map[string]time.Time // uuid -> remote processing began (zero if still setting up)
	endedAt   map[string]time.Time
	inFlight  map[*worker.Record]map[string]bool
	latency   map[*worker.Record]*stats.Population
	global    stats.Population
	bundles   map[string]*bundle

	lastDump       time.Time
	totalSubmitted int
}

func newStatus(workers []*worker.Record) *Status {
	st := &Status{
		workers:     workers,
		workerCount: worker.TotalCapacity(workers),
		started:     time.Now(),
		startedAt:   map[string]time.Time{},
		endedAt:     map[string]time.Time{},
		inFlight:    map[*worker.Record]map[string]bool{},
		latency:     map[*worker.Record]*stats.Population{},
		bundles:     map[string]*bundle{},
	}
	for _, w := range workers {
		st.inFlight[w] = map[string]bool{}
		st.latency[w] = &stats.Population{}
	}
	return st
}

// caller must have lock.
func (st *Status) recordBundle(b *bundle) {
	st.bundles[b.uuid] = b
}

// caller must have lock.
func (st *Status) forget(b *bundle) {
	delete(st.bundles, b.uuid)
	delete(st.startedAt, b.uuid)
	delete(st.endedAt, b.uuid)
}

// caller must have lock.
func (st *Status) recordAcquireWorker(w *worker.Record, uuid string) {
	if st.inFlight[w] == nil {
		st.inFlight[w] = map[string]bool{}
		st.latency[w] = &stats.Population{}
	}
	st.inFlight[w][uuid] = true
	st.startedAt[uuid] = time.Time{}
}

// caller must have lock.
func (st *Status) recordProcessingBegan(uuid string) {
	st.startedAt[uuid] = time.Now()
}

// recordReleaseWorker removes uuid from w's in-flight set. Unless the
// bundle was cancelled, the time since processing began is added to
// the latency populations.
//
// caller must have lock.
func (st *Status) recordReleaseWorker(w *worker.Record, uuid string, wasCancelled bool) {
	now := time.Now()
	st.endedAt[uuid] = now
	delete(st.inFlight[w], uuid)
	if wasCancelled {
		return
	}
	if t0 := st.startedAt[uuid]; !t0.IsZero() {
		latency := now.Sub(t0)
		st.latency[w].Add(latency)
		st.global.Add(latency)
	}
}

// caller must have lock.
func (st *Status) totalFinished() int {
	return st.global.Len()
}

// caller must have lock.
func (st *Status) totalInFlight() int {
	n := 0
	for _, uuids := range st.inFlight {
		n += len(uuids)
	}
	return n
}

// caller must have lock.
func (st *Status) totalIdle() int {
	return st.workerCount - st.totalInFlight()
}

// updateSlowFlags marks each running bundle that has been running
// longer than its worker's p95 latency, or longer than the global p95
// latency. A population needs more than one sample before it is used.
//
// caller must have lock.
func (st *Status) updateSlowFlags(now time.Time) {
	var globalP95 time.Duration
	if st.global.Len() > 1 {
		globalP95 = st.global.Percentile(95)
	}
	for w, uuids := range st.inFlight {
		var localP95 time.Duration
		if pop := st.latency[w]; pop.Len() > 1 {
			localP95 = pop.Percentile(95)
		}
		for uuid := range uuids {
			b := st.bundles[uuid]
			t0 := st.startedAt[uuid]
			if b == nil || t0.IsZero() {
				continue
			}
			runtime := now.Sub(t0)
			b.slowerThanLocalP95 = localP95 > 0 && runtime > localP95
			b.slowerThanGlobalP95 = globalP95 > 0 && runtime > globalP95
		}
	}
}

// runtime returns how long ago remote processing of uuid began, or 0
// if it has not begun.
//
// caller must have lock.
func (st *Status) runtime(uuid string, now time.Time) time.Duration {
	if t0 := st.startedAt[uuid]; !t0.IsZero() {
		return now.Sub(t0)
	}
	return 0
}

// Snapshot is a point-in-time summary of a Status.
type Snapshot struct {
	Submitted int
	Finished  int
	InFlight  int
	Idle      int
	Elapsed   stats.Duration
	Median    stats.Duration
	P95       stats.Duration
	Workers   []WorkerSnapshot
}

type WorkerSnapshot struct {
	Worker   string
	Weight   int
	InFlight int
	Finished int
	Median   stats.Duration
	P95      stats.Duration
	Bundles  []BundleSnapshot `json:",omitempty"`
}

type BundleSnapshot struct {
	UUID                string
	Function            string
	Runtime             stats.Duration
	Backup              bool `json:",omitempty"`
	Backups             int  `json:",omitempty"`
	Failures            int  `json:",omitempty"`
	SlowerThanLocalP95  bool `json:",omitempty"`
	SlowerThanGlobalP95 bool `json:",omitempty"`
}

// Snapshot returns a summary of the current state.
func (st *Status) Snapshot() Snapshot {
	st.mtx.Lock()
	defer st.mtx.Unlock()
	return st.snapshot(time.Now())
}

// caller must have lock.
func (st *Status) snapshot(now time.Time) Snapshot {
	snap := Snapshot{
		Submitted: st.totalSubmitted,
		Finished:  st.global.Len(),
		InFlight:  st.totalInFlight(),
		Idle:      st.totalIdle(),
		Elapsed:   stats.Duration(now.Sub(st.started)),
		Median:    stats.Duration(st.global.Median()),
		P95:       stats.Duration(st.global.Percentile(95)),
	}
	for _, w := range st.workers {
		pop := st.latency[w]
		ws := WorkerSnapshot{
			Worker:   w.String(),
			Weight:   w.Weight,
			InFlight: len(st.inFlight[w]),
			Finished: pop.Len(),
			Median:   stats.Duration(pop.Median()),
			P95:      stats.Duration(pop.Percentile(95)),
		}
		for uuid := range st.inFlight[w] {
			b := st.bundles[uuid]
			if b == nil {
				continue
			}
			ws.Bundles = append(ws.Bundles, BundleSnapshot{
				UUID:                uuid,
				Function:            b.function,
				Runtime:             stats.Duration(st.runtime(uuid, now)),
				Backup:              !b.isOriginal(),
				Backups:             len(b.backups),
				Failures:            b.failures,
				SlowerThanLocalP95:  b.slowerThanLocalP95,
				SlowerThanGlobalP95: b.slowerThanGlobalP95,
			})
		}
		sort.Slice(ws.Bundles, func(i, j int) bool {
			return ws.Bundles[i].Runtime > ws.Bundles[j].Runtime
		})
		snap.Workers = append(snap.Workers, ws)
	}
	return snap
}

// periodicDump logs a status summary, unless one was logged less
// than interval ago.
//
// caller must have lock.
func (st *Status) periodicDump(now time.Time, interval time.Duration, logger logrus.FieldLogger) {
	if now.Sub(st.lastDump) < interval {
		return
	}
	st.lastDump = now
	snap := st.snapshot(now)
	pct := 0.0
	if snap.Submitted > 0 {
		pct = float64(snap.Finished) * 100 / float64(snap.Submitted)
	}
	logger.WithFields(logrus.Fields{
		"Submitted":   snap.Submitted,
		"Finished":    snap.Finished,
		"PctFinished": pct,
		"InFlight":    snap.InFlight,
		"Idle":        snap.Idle,
		"Elapsed":     snap.Elapsed,
		"Median":      snap.Median,
		"P95":         snap.P95,
	}).Info("executor status")
	for _, ws := range snap.Workers {
		if ws.InFlight == 0 && ws.Finished == 0 {
			continue
		}
		wlogger := logger.WithFields(logrus.Fields{
			"Worker":   ws.Worker,
			"InFlight": ws.InFlight,
			"Finished": ws.Finished,
			"Median":   ws.Median,
			"P95":      ws.P95,
		})
		wlogger.Debug("worker status")
		for _, bs := range ws.Bundles {
			wlogger.WithFields(logrus.Fields{
				"BundleUUID":          bs.UUID,
				"Function":            bs.Function,
				"Runtime":             bs.Runtime,
				"Backup":              bs.Backup,
				"Backups":             bs.Backups,
				"SlowerThanLocalP95":  bs.SlowerThanLocalP95,
				"SlowerThanGlobalP95": bs.SlowerThanGlobalP95,
			}).Debug("bundle status")
		}
	}
}
