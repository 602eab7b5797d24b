// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package executor

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"git.arvados.org/rexec.git/lib/rexec/worker"
	"github.com/google/uuid"
)

// A bundle is one attempt to run a submitted task: either the
// original, or a backup of it.
//
// Fields other than payload, uuid, function, codeFile, resultFile,
// original and cancelled are guarded by the Status lock.
type bundle struct {
	payload    []byte
	uuid       string
	function   string
	worker     *worker.Record
	machine    string
	login      string
	controller string
	codeFile   string
	resultFile string
	pid        int
	created    time.Time
	started    time.Time
	ended      time.Time

	slowerThanLocalP95  bool
	slowerThanGlobalP95 bool

	// uuid of the original, if this is a backup.
	original string
	// uuids of backups, if this is an original.
	backups []string
	// set when the original has consumed its result.
	finished bool

	cancelled    cancelFlag
	wasCancelled bool
	failures     int
}

func newOriginal(payload []byte, function, controller, tempDir string) *bundle {
	id := strings.Replace(uuid.NewString(), "-", "", -1)
	return &bundle{
		payload:    payload,
		uuid:       id,
		function:   function,
		controller: controller,
		codeFile:   filepath.Join(tempDir, id+".code.bin"),
		resultFile: filepath.Join(tempDir, id+".result.bin"),
		created:    time.Now(),
		cancelled:  newCancelFlag(),
	}
}

// newBackup returns a backup of src, which must be an original. The
// backup shares src's code and result file paths. Caller must have
// the Status lock.
func newBackup(src *bundle) (*bundle, error) {
	if src.original != "" {
		return nil, fmt.Errorf("BUG: cannot back up %s, which is itself a backup", src.uuid)
	}
	n := len(src.backups) + 1
	b := &bundle{
		payload:    src.payload,
		uuid:       fmt.Sprintf("%s_backup#%d", src.uuid, n),
		function:   src.function,
		controller: src.controller,
		codeFile:   src.codeFile,
		resultFile: src.resultFile,
		created:    time.Now(),
		original:   src.uuid,
		cancelled:  newCancelFlag(),
	}
	src.backups = append(src.backups, b.uuid)
	return b, nil
}

func (b *bundle) isOriginal() bool {
	return b.original == ""
}

// cancelFlag is set at most once, and never cleared. It is safe to
// use from multiple goroutines.
type cancelFlag struct {
	once *sync.Once
	ch   chan struct{}
}

func newCancelFlag() cancelFlag {
	return cancelFlag{once: new(sync.Once), ch: make(chan struct{})}
}

func (cf cancelFlag) set() {
	cf.once.Do(func() { close(cf.ch) })
}

func (cf cancelFlag) isSet() bool {
	select {
	case <-cf.ch:
		return true
	default:
		return false
	}
}
