// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"github.com/jmcvetta/randutil"
	"github.com/sirupsen/logrus"
)

// A SelectionPolicy chooses a worker for each bundle. Methods are
// called with the pool lock held.
type SelectionPolicy interface {
	// RegisterWorkerPool sets the records to choose from.
	RegisterWorkerPool(records []*Record)

	// IsWorkerAvailable returns true if any worker has
	// capacity > 0.
	IsWorkerAvailable() bool

	// AcquireWorker returns a worker with capacity > 0 and
	// decrements its capacity by one. If possible, the returned
	// worker is not on avoidMachine. It returns nil if no worker
	// has any capacity.
	AcquireWorker(avoidMachine string) *Record
}

// NewPolicy returns the named policy ("weighted" or "roundrobin"),
// or nil if the name is not recognized.
func NewPolicy(name string, logger logrus.FieldLogger) SelectionPolicy {
	switch name {
	case "weighted", "":
		return &WeightedRandom{logger: logger}
	case "roundrobin":
		return &RoundRobin{logger: logger}
	default:
		return nil
	}
}

// WeightedRandom picks workers at random, in proportion to
// capacity × weight.
type WeightedRandom struct {
	records []*Record
	logger  logrus.FieldLogger
}

func (wr *WeightedRandom) RegisterWorkerPool(records []*Record) {
	wr.records = records
}

func (wr *WeightedRandom) IsWorkerAvailable() bool {
	for _, r := range wr.records {
		if r.Capacity > 0 {
			return true
		}
	}
	return false
}

func (wr *WeightedRandom) AcquireWorker(avoidMachine string) *Record {
	var choices []randutil.Choice
	for _, r := range wr.records {
		if r.Machine != avoidMachine && r.Capacity > 0 {
			choices = append(choices, randutil.Choice{Weight: r.Capacity * r.Weight, Item: r})
		}
	}
	if len(choices) == 0 && avoidMachine != "" {
		// Nothing else available; better to run on the
		// machine we wanted to avoid than not at all.
		return wr.AcquireWorker("")
	}
	if len(choices) == 0 {
		if wr.logger != nil {
			wr.logger.Warn("no worker available; IsWorkerAvailable should have been checked first")
		}
		return nil
	}
	choice, err := randutil.WeightedChoice(choices)
	if err != nil {
		if wr.logger != nil {
			wr.logger.WithError(err).Error("weighted choice failed")
		}
		return nil
	}
	r := choice.Item.(*Record)
	r.Capacity--
	return r
}

// RoundRobin cycles through workers in order, skipping the ones that
// are exhausted. It does not try to avoid any particular machine.
type RoundRobin struct {
	records []*Record
	index   int
	logger  logrus.FieldLogger
}

func (rr *RoundRobin) RegisterWorkerPool(records []*Record) {
	rr.records = records
	rr.index = 0
}

func (rr *RoundRobin) IsWorkerAvailable() bool {
	for _, r := range rr.records {
		if r.Capacity > 0 {
			return true
		}
	}
	return false
}

func (rr *RoundRobin) AcquireWorker(string) *Record {
	n := len(rr.records)
	for i := 0; i < n; i++ {
		x := (rr.index + i) % n
		if r := rr.records[x]; r.Capacity > 0 {
			r.Capacity--
			rr.index = (x + 1) % n
			return r
		}
	}
	if rr.logger != nil {
		rr.logger.Warn("round robin scan found no worker with capacity; IsWorkerAvailable should have been checked first")
	}
	return nil
}
