// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"time"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&PoolSuite{})

type PoolSuite struct{}

func (*PoolSuite) TestAcquireBlocksUntilRelease(c *check.C) {
	a := &Record{Machine: "a", Weight: 1, Capacity: 1}
	p := NewPool([]*Record{a}, &RoundRobin{})
	r, err := p.Acquire("")
	c.Assert(err, check.IsNil)
	c.Check(r, check.Equals, a)
	c.Check(p.Idle(), check.Equals, 0)

	got := make(chan *Record)
	go func() {
		r, err := p.Acquire("")
		c.Check(err, check.IsNil)
		got <- r
	}()
	select {
	case <-got:
		c.Fatal("Acquire returned while pool was exhausted")
	case <-time.After(50 * time.Millisecond):
	}
	p.Release(r)
	select {
	case r2 := <-got:
		c.Check(r2, check.Equals, a)
	case <-time.After(time.Second):
		c.Fatal("Acquire did not return after Release")
	}
	c.Check(a.Capacity, check.Equals, 0)
}

func (*PoolSuite) TestClose(c *check.C) {
	p := NewPool([]*Record{{Machine: "a", Weight: 1}}, &WeightedRandom{})
	errs := make(chan error)
	go func() {
		_, err := p.Acquire("")
		errs <- err
	}()
	time.Sleep(10 * time.Millisecond)
	p.Close()
	select {
	case err := <-errs:
		c.Check(err, check.Equals, ErrPoolClosed)
	case <-time.After(time.Second):
		c.Fatal("Acquire did not return after Close")
	}
	_, err := p.Acquire("")
	c.Check(err, check.Equals, ErrPoolClosed)
}
