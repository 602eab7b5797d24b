// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package executor

import (
	"sync"
)

// helperPool runs queued funcs on a fixed number of goroutines. The
// queue is unbounded, so submit never blocks.
type helperPool struct {
	mtx    sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	wg     sync.WaitGroup
}

func newHelperPool(n int) *helperPool {
	hp := &helperPool{}
	hp.cond = sync.NewCond(&hp.mtx)
	hp.wg.Add(n)
	for i := 0; i < n; i++ {
		go hp.run()
	}
	return hp
}

func (hp *helperPool) run() {
	defer hp.wg.Done()
	for {
		hp.mtx.Lock()
		for len(hp.queue) == 0 && !hp.closed {
			hp.cond.Wait()
		}
		if len(hp.queue) == 0 {
			// closed and drained
			hp.mtx.Unlock()
			return
		}
		fn := hp.queue[0]
		hp.queue[0] = nil
		hp.queue = hp.queue[1:]
		hp.mtx.Unlock()
		fn()
	}
}

// submit queues fn. It returns false if the pool is closed.
func (hp *helperPool) submit(fn func()) bool {
	hp.mtx.Lock()
	defer hp.mtx.Unlock()
	if hp.closed {
		return false
	}
	hp.queue = append(hp.queue, fn)
	hp.cond.Signal()
	return true
}

// queued returns the number of funcs waiting for a goroutine.
func (hp *helperPool) queued() int {
	hp.mtx.Lock()
	defer hp.mtx.Unlock()
	return len(hp.queue)
}

// close stops accepting new funcs. Queued funcs still run. If wait is
// true, close returns after they have all finished.
func (hp *helperPool) close(wait bool) {
	hp.mtx.Lock()
	hp.closed = true
	hp.cond.Broadcast()
	hp.mtx.Unlock()
	if wait {
		hp.wg.Wait()
	}
}

// wait returns after close has been called and all queued funcs have
// finished.
func (hp *helperPool) wait() {
	hp.wg.Wait()
}
