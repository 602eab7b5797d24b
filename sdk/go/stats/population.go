// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package stats

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Samples are recorded in microseconds. Larger samples are clamped
// to populationMax.
const (
	populationMin     = 1
	populationMax     = int64(48 * time.Hour / time.Microsecond)
	populationSigFigs = 3
)

// A Population accumulates duration samples and reports percentiles
// and summary statistics. The zero value is an empty population ready
// to use.
//
// A Population is not safe for concurrent use; callers provide their
// own locking.
type Population struct {
	h *hdrhistogram.Histogram
}

// Add records one sample.
func (p *Population) Add(d time.Duration) {
	if p.h == nil {
		p.h = hdrhistogram.New(populationMin, populationMax, populationSigFigs)
	}
	v := int64(d / time.Microsecond)
	if v < 0 {
		v = 0
	} else if v > populationMax {
		v = populationMax
	}
	p.h.RecordValue(v)
}

// Len returns the number of samples recorded so far.
func (p *Population) Len() int {
	if p.h == nil {
		return 0
	}
	return int(p.h.TotalCount())
}

// Percentile returns the sample value at the given percentile
// (0-100). It returns 0 if the population is empty.
func (p *Population) Percentile(pct float64) time.Duration {
	if p.h == nil {
		return 0
	}
	return time.Duration(p.h.ValueAtQuantile(pct)) * time.Microsecond
}

// Median returns the 50th percentile.
func (p *Population) Median() time.Duration {
	return p.Percentile(50)
}

func (p *Population) Mean() time.Duration {
	if p.h == nil {
		return 0
	}
	return time.Duration(p.h.Mean() * float64(time.Microsecond))
}

func (p *Population) StdDev() time.Duration {
	if p.h == nil {
		return 0
	}
	return time.Duration(p.h.StdDev() * float64(time.Microsecond))
}

func (p *Population) Max() time.Duration {
	if p.h == nil {
		return 0
	}
	return time.Duration(p.h.Max()) * time.Microsecond
}

// WriteHistogram writes a text histogram of the population to w,
// using nbuckets buckets of the given width. Samples beyond the last
// bucket are counted in the last bucket. Empty buckets are omitted.
func (p *Population) WriteHistogram(w io.Writer, width time.Duration, nbuckets int) error {
	if p.Len() == 0 {
		_, err := fmt.Fprintln(w, "(no samples)")
		return err
	}
	counts := make([]int64, nbuckets)
	bucketWidth := int64(width / time.Microsecond)
	for _, bar := range p.h.Distribution() {
		if bar.Count == 0 {
			continue
		}
		i := int(bar.From / bucketWidth)
		if i >= nbuckets {
			i = nbuckets - 1
		}
		counts[i] += bar.Count
	}
	var maxCount int64
	for _, n := range counts {
		if n > maxCount {
			maxCount = n
		}
	}
	total := float64(p.h.TotalCount())
	for i, n := range counts {
		if n == 0 {
			continue
		}
		bar := strings.Repeat("#", int(1+n*39/maxCount))
		_, err := fmt.Fprintf(w, "%8s..%-8s %-40s %5d (%5.1f%%)\n",
			time.Duration(i)*width, time.Duration(i+1)*width,
			bar, n, float64(n)*100/total)
		if err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "n=%d mean=%v p50=%v p95=%v max=%v\n",
		p.Len(), p.Mean().Round(time.Millisecond),
		p.Median().Round(time.Millisecond),
		p.Percentile(95).Round(time.Millisecond),
		p.Max().Round(time.Millisecond))
	return err
}
