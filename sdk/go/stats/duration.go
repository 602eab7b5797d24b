// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package stats

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration is a time.Duration that logs and marshals as a plain
// number of seconds with microsecond precision, e.g. 1.250000.
type Duration time.Duration

// Seconds returns d as floating point seconds.
func (d Duration) Seconds() float64 {
	return time.Duration(d).Seconds()
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return fmt.Sprintf("%.6f", d.Seconds())
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalJSON implements json.Unmarshaler. It accepts a number of
// seconds, or a string in either form accepted by Set.
func (d *Duration) UnmarshalJSON(data []byte) error {
	if s, err := strconv.Unquote(string(data)); err == nil {
		return d.Set(s)
	}
	return d.Set(string(data))
}

// Set implements flag.Value. It accepts a number of seconds ("1.5")
// or a Go duration string ("1500ms").
func (d *Duration) Set(s string) error {
	s = strings.TrimSpace(s)
	if sec, err := strconv.ParseFloat(s, 64); err == nil {
		*d = Duration(sec * float64(time.Second))
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	*d = Duration(dur)
	return nil
}
