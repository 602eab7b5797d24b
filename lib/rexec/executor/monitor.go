// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package executor

import (
	"time"

	"github.com/sirupsen/logrus"
)

// maxBackups is the number of backups after which an original is no
// longer a backup candidate.
const maxBackups = 3

func (re *RemoteExecutor) runMonitor() {
	defer close(re.stopped)
	ticker := time.NewTicker(re.monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-re.stop:
			return
		case now := <-ticker.C:
			re.heartbeat(now)
		}
	}
}

// heartbeat updates slow-bundle flags and metrics, logs status, and
// starts a backup bundle if one is warranted.
func (re *RemoteExecutor) heartbeat(now time.Time) {
	st := re.status
	st.mtx.Lock()
	defer st.mtx.Unlock()
	st.updateSlowFlags(now)
	st.periodicDump(now, re.dumpInterval, re.logger)
	re.m.slotsIdle.Set(float64(st.totalIdle()))
	re.m.bundlesInFlight.Set(float64(st.totalInFlight()))
	re.m.bundlesQueued.Set(float64(re.helpers.queued()))

	if !re.scheduleBackups ||
		st.totalFinished() < 2 ||
		st.totalIdle() < 1 ||
		now.Sub(re.lastBackup) < re.backupInterval {
		return
	}
	orig := re.pickBackupCandidate(now)
	if orig == nil {
		return
	}
	re.scheduleBackup(orig, now)
}

// backupScore returns the priority of an original for backup. Slow
// workers (low weight), long runtimes, and runtimes exceeding the p95
// latency raise the score; existing backups lower it.
func backupScore(weight int, runtime time.Duration, slowerThanLocalP95, slowerThanGlobalP95 bool, backups int) float64 {
	if weight < 1 {
		weight = 1
	}
	secs := runtime.Seconds()
	score := 10/float64(weight) + secs
	if slowerThanLocalP95 {
		score += secs / 2
	}
	if slowerThanGlobalP95 {
		score += secs / 4
	}
	switch backups {
	case 0:
		score *= 2
	case 1:
		score /= 2
	case 2:
		score /= 8
	default:
		score = 0
	}
	return score
}

// pickBackupCandidate returns the in-flight original with the highest
// positive backup score, or nil.
//
// caller must have status lock.
func (re *RemoteExecutor) pickBackupCandidate(now time.Time) *bundle {
	st := re.status
	var best *bundle
	var bestScore float64
	for w, uuids := range st.inFlight {
		for uuid := range uuids {
			b := st.bundles[uuid]
			if b == nil || !b.isOriginal() || b.finished || b.cancelled.isSet() {
				continue
			}
			score := backupScore(w.Weight, st.runtime(uuid, now), b.slowerThanLocalP95, b.slowerThanGlobalP95, len(b.backups))
			if score > bestScore {
				best, bestScore = b, score
			}
		}
	}
	if best != nil {
		re.logger.WithFields(logrus.Fields{
			"BundleUUID": best.uuid,
			"Score":      bestScore,
		}).Debug("chose backup candidate")
	}
	return best
}

// scheduleBackup creates a backup of orig and queues it for launch on
// a different machine.
//
// caller must have status lock.
func (re *RemoteExecutor) scheduleBackup(orig *bundle, now time.Time) {
	if len(orig.backups) >= maxBackups {
		return
	}
	bk, err := newBackup(orig)
	if err != nil {
		re.logger.WithError(err).Error("cannot schedule backup")
		return
	}
	re.status.recordBundle(bk)
	avoid := orig.machine
	ok := re.helpers.submit(func() {
		re.launch(bk, avoid)
	})
	if !ok {
		re.status.forget(bk)
		orig.backups = orig.backups[:len(orig.backups)-1]
		return
	}
	re.lastBackup = now
	re.m.backupsScheduled.Inc()
	re.logger.WithFields(logrus.Fields{
		"BundleUUID":   bk.uuid,
		"Function":     bk.function,
		"AvoidMachine": avoid,
		"Runtime":      re.status.runtime(orig.uuid, now).String(),
	}).Info("scheduled backup bundle")
}
