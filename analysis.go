// Copyright 2025 The mtrace Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mtrace

import (
	"math/bits"
	"sort"
	"time"
)

// Leak is a live allocation instance that reached the leak age
// threshold.
type Leak struct {
	Allocation

	// Age is how long the instance had been alive at the end of the
	// trace, in microseconds.
	Age uint64
}

// FindLeaks returns the allocation instances still live at the end of
// the trace whose age is at least minAge, oldest first.
//
// An instance whose address was later reused without an intervening
// free remains a candidate: it was never freed.
func FindLeaks(t *Timeline, minAge time.Duration) []Leak {
	return Leaks(t.Allocations(), t.EndTime(), minAge)
}

// Leaks filters allocs down to the instances live at time end with
// age at least minAge, sorted by age descending, ties broken by
// allocation time ascending.
func Leaks(allocs []Allocation, end uint64, minAge time.Duration) []Leak {
	if minAge < 0 {
		minAge = 0
	}
	min := uint64(minAge / time.Microsecond)
	var leaks []Leak
	for _, a := range allocs {
		if !a.Live() {
			continue
		}
		if age := a.Age(end); age >= min {
			leaks = append(leaks, Leak{Allocation: a, Age: age})
		}
	}
	sort.SliceStable(leaks, func(i, j int) bool {
		return leaks[i].AllocatedAt < leaks[j].AllocatedAt
	})
	return leaks
}

// Hotspot aggregates the allocation instances of one call stack.
type Hotspot struct {
	// StackID identifies the call stack in the trace's tables.
	StackID uint32

	// TotalBytes is the sum of instance sizes allocated at the stack.
	TotalBytes uint64

	// Count is the number of instances.
	Count uint64

	// LiveBytes and LiveCount cover the instances never freed.
	LiveBytes uint64
	LiveCount uint64

	// Freed is the number of freed instances and AvgLifetime their
	// mean lifetime. Live instances do not contribute.
	Freed       uint64
	AvgLifetime time.Duration
}

// TopAllocators ranks call stacks by total bytes allocated and
// returns the top n, ties broken by ascending stack id. The ranking
// counts every instance, freed or not. n <= 0 returns all stacks.
func TopAllocators(t *Timeline, n int) []Hotspot {
	return Hotspots(t.Allocations(), n)
}

// Hotspots aggregates allocs by call stack and ranks them like
// TopAllocators.
func Hotspots(allocs []Allocation, n int) []Hotspot {
	agg := make(map[uint32]*Hotspot)
	lifetimes := make(map[uint32]uint64)
	for _, a := range allocs {
		h := agg[a.StackID]
		if h == nil {
			h = &Hotspot{StackID: a.StackID}
			agg[a.StackID] = h
		}
		h.TotalBytes += a.Size
		h.Count++
		if lt, ok := a.Lifetime(); ok {
			h.Freed++
			lifetimes[a.StackID] += lt
		} else {
			h.LiveBytes += a.Size
			h.LiveCount++
		}
	}
	out := make([]Hotspot, 0, len(agg))
	for id, h := range agg {
		if h.Freed > 0 {
			h.AvgLifetime = time.Duration(lifetimes[id]/h.Freed) * time.Microsecond
		}
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalBytes != out[j].TotalBytes {
			return out[i].TotalBytes > out[j].TotalBytes
		}
		return out[i].StackID < out[j].StackID
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// SizeBucket is one power-of-two bucket of allocation sizes.
type SizeBucket struct {
	// Lo and Hi bound the sizes counted, inclusive.
	Lo, Hi uint64

	// Count is the number of instances in the bucket and Bytes their
	// total size.
	Count uint64
	Bytes uint64
}

// SizeDistribution buckets every allocation instance by size into
// power-of-two buckets, smallest first. Empty buckets are omitted.
func SizeDistribution(t *Timeline) []SizeBucket {
	var counts, total [65]uint64
	for _, a := range t.Allocations() {
		b := bits.Len64(a.Size)
		counts[b]++
		total[b] += a.Size
	}
	var out []SizeBucket
	for b, c := range counts {
		if c == 0 {
			continue
		}
		var lo, hi uint64
		if b > 0 {
			lo = uint64(1) << (b - 1)
			hi = lo<<1 - 1
		}
		out = append(out, SizeBucket{Lo: lo, Hi: hi, Count: c, Bytes: total[b]})
	}
	return out
}

// LifetimeBucket is one power-of-two bucket of freed-instance
// lifetimes, bounds in microseconds inclusive.
type LifetimeBucket struct {
	Lo, Hi uint64
	Count  uint64
}

// LifetimeDistribution buckets freed allocation instances by
// lifetime, shortest first. Live instances are not counted. Empty
// buckets are omitted.
func LifetimeDistribution(t *Timeline) []LifetimeBucket {
	var counts [65]uint64
	for _, a := range t.Allocations() {
		if lt, ok := a.Lifetime(); ok {
			counts[bits.Len64(lt)]++
		}
	}
	var out []LifetimeBucket
	for b, c := range counts {
		if c == 0 {
			continue
		}
		var lo, hi uint64
		if b > 0 {
			lo = uint64(1) << (b - 1)
			hi = lo<<1 - 1
		}
		out = append(out, LifetimeBucket{Lo: lo, Hi: hi, Count: c})
	}
	return out
}
