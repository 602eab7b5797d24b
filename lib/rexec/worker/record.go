// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package worker tracks the remote machines available for running
// bundles, and decides which one runs the next bundle.
package worker

import (
	"encoding/json"
	"fmt"
)

// A Record describes one remote machine: how to reach it, how fast it
// is relative to its peers, and how many more bundles it can run right
// now.
//
// Capacity is only modified by a SelectionPolicy (on acquire) and by
// Pool.Release, both with the pool lock held.
type Record struct {
	Login    string `json:"login"`
	Machine  string `json:"machine"`
	Weight   int    `json:"weight"`
	Capacity int    `json:"count"`
}

// UnmarshalJSON accepts "username" as an alias for "login".
func (r *Record) UnmarshalJSON(data []byte) error {
	type plain Record
	var tmp struct {
		plain
		Username string `json:"username"`
	}
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	*r = Record(tmp.plain)
	if r.Login == "" {
		r.Login = tmp.Username
	}
	return nil
}

func (r *Record) String() string {
	if r.Login == "" {
		return r.Machine
	}
	return r.Login + "@" + r.Machine
}

// Validate returns an error if the record cannot be used in a pool.
func (r *Record) Validate() error {
	switch {
	case r.Machine == "":
		return fmt.Errorf("worker record %+v has no machine", *r)
	case r.Weight <= 0:
		return fmt.Errorf("worker %s: weight %d must be positive", r, r.Weight)
	case r.Capacity < 0:
		return fmt.Errorf("worker %s: count %d must not be negative", r, r.Capacity)
	}
	return nil
}

// TotalCapacity returns the sum of the given records' capacities.
func TotalCapacity(records []*Record) int {
	n := 0
	for _, r := range records {
		n += r.Capacity
	}
	return n
}
