// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"errors"
	"sync"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("worker pool closed")

// A Pool guards the capacity of a set of workers. Acquire blocks until
// the policy can supply a worker; Release gives the slot back and
// wakes a waiter.
//
// A zero Pool should not be used. Call NewPool to create a new Pool.
type Pool struct {
	records []*Record
	policy  SelectionPolicy

	mtx    sync.Mutex
	cond   *sync.Cond
	closed bool
}

// NewPool returns a Pool that hands out the given records according
// to policy. The pool takes ownership of the records: their Capacity
// fields must not be modified by the caller afterwards.
func NewPool(records []*Record, policy SelectionPolicy) *Pool {
	p := &Pool{records: records, policy: policy}
	p.cond = sync.NewCond(&p.mtx)
	policy.RegisterWorkerPool(records)
	return p
}

// Records returns the pool's worker records. The caller must not
// modify them.
func (p *Pool) Records() []*Record {
	return p.records
}

// Acquire waits until a worker is available, then returns it with
// one slot reserved. It prefers a worker that is not on avoidMachine.
func (p *Pool) Acquire(avoidMachine string) (*Record, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	for !p.closed && !p.policy.IsWorkerAvailable() {
		p.cond.Wait()
	}
	if p.closed {
		return nil, ErrPoolClosed
	}
	r := p.policy.AcquireWorker(avoidMachine)
	if r == nil {
		return nil, errors.New("BUG: policy had an available worker but did not return one")
	}
	return r, nil
}

// Release returns one slot on r to the pool and wakes one goroutine
// waiting in Acquire.
func (p *Pool) Release(r *Record) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	r.Capacity++
	p.cond.Signal()
}

// Idle returns the total number of free slots.
func (p *Pool) Idle() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return TotalCapacity(p.records)
}

// Close wakes all goroutines waiting in Acquire and makes them (and
// all future Acquire calls) return ErrPoolClosed.
func (p *Pool) Close() {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.closed = true
	p.cond.Broadcast()
}
