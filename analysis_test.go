// Copyright 2025 The mtrace Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mtrace

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestFindLeaks(t *testing.T) {
	b := newTraceBuilder(testStart)
	s1 := b.stack(frame("alloc.c", 10, "make_buf"))
	s2 := b.stack(frame("img.c", 30, "decode_image"))
	b.alloc(0, 0x100, 100, s1, 1)
	b.alloc(50000, 0x200, 50, s1, 1)
	b.free(30000, 0x200)
	b.alloc(70000, 0x300, 40, s2, 2)

	tl := b.timeline(t)
	if got, want := tl.EndTime(), testStart+150000; got != want {
		t.Fatalf("EndTime = %d, want %d", got, want)
	}

	got := FindLeaks(tl, 100*time.Millisecond)
	want := []Leak{{
		Allocation: Allocation{Address: 0x100, Size: 100, AllocatedAt: testStart, FreedAt: NoTimestamp, StackID: s1, ThreadID: 1},
		Age:        150000,
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("leaks at 100ms mismatch (-want +got):\n%s", diff)
	}

	// With no threshold every live instance is a leak, oldest first.
	all := FindLeaks(tl, 0)
	if len(all) != 2 {
		t.Fatalf("got %d leaks at threshold 0, want 2", len(all))
	}
	if all[0].Address != 0x100 || all[1].Address != 0x300 {
		t.Errorf("leak order = %#x, %#x", all[0].Address, all[1].Address)
	}
	for i := 1; i < len(all); i++ {
		if all[i].Age > all[i-1].Age {
			t.Errorf("leaks not ordered by descending age: %d before %d", all[i-1].Age, all[i].Age)
		}
	}

	if got := FindLeaks(tl, 200*time.Millisecond); len(got) != 0 {
		t.Errorf("leaks at 200ms = %+v, want none", got)
	}
	if got := FindLeaks(tl, -time.Second); len(got) != 2 {
		t.Errorf("got %d leaks at negative threshold, want 2", len(got))
	}
}

func TestFindLeaksSuperseded(t *testing.T) {
	b := newTraceBuilder(testStart)
	s := b.stack(frame("alloc.c", 10, "make_buf"))
	b.alloc(0, 0x100, 64, s, 0)
	b.alloc(10, 0x100, 32, s, 0)

	leaks := FindLeaks(b.timeline(t), 0)
	if len(leaks) != 2 {
		t.Fatalf("got %d leaks, want 2", len(leaks))
	}
	if !leaks[0].Superseded || leaks[0].Size != 64 {
		t.Errorf("first leak = %+v, want superseded 64-byte instance", leaks[0])
	}
	if leaks[1].Superseded {
		t.Errorf("second leak = %+v, want not superseded", leaks[1])
	}
}

func TestTopAllocators(t *testing.T) {
	b := newTraceBuilder(testStart)
	s1 := b.stack(frame("alloc.c", 10, "make_buf"))
	s2 := b.stack(frame("pool.c", 20, "pool_get"))
	s3 := b.stack(frame("img.c", 30, "decode_image"), frame("main.c", 5, "main"))
	b.alloc(0, 0x100, 100, s1, 1)
	b.free(10, 0x100)
	b.alloc(0, 0x110, 50, s1, 1)
	b.alloc(5, 0x200, 150, s2, 1)
	b.alloc(5, 0x300, 200, s3, 2)
	b.alloc(5, 0x310, 100, s3, 2)

	tl := b.timeline(t)
	want := []Hotspot{
		{StackID: s3, TotalBytes: 300, Count: 2, LiveBytes: 300, LiveCount: 2},
		{StackID: s1, TotalBytes: 150, Count: 2, LiveBytes: 50, LiveCount: 1, Freed: 1, AvgLifetime: 10 * time.Microsecond},
		{StackID: s2, TotalBytes: 150, Count: 1, LiveBytes: 150, LiveCount: 1},
	}
	if diff := cmp.Diff(want, TopAllocators(tl, 0)); diff != "" {
		t.Errorf("all hotspots mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want[:2], TopAllocators(tl, 2)); diff != "" {
		t.Errorf("top 2 mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, TopAllocators(tl, 10)); diff != "" {
		t.Errorf("top 10 mismatch (-want +got):\n%s", diff)
	}
}

func TestSizeDistribution(t *testing.T) {
	b := newTraceBuilder(testStart)
	s := b.stack(frame("alloc.c", 10, "make_buf"))
	for i, size := range []uint64{0, 1, 1, 3, 8, 1024} {
		b.alloc(1, uint64(0x100+i*16), size, s, 0)
	}

	got := SizeDistribution(b.timeline(t))
	want := []SizeBucket{
		{Lo: 0, Hi: 0, Count: 1, Bytes: 0},
		{Lo: 1, Hi: 1, Count: 2, Bytes: 2},
		{Lo: 2, Hi: 3, Count: 1, Bytes: 3},
		{Lo: 8, Hi: 15, Count: 1, Bytes: 8},
		{Lo: 1024, Hi: 2047, Count: 1, Bytes: 1024},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("distribution mismatch (-want +got):\n%s", diff)
	}
}

func TestLifetimeDistribution(t *testing.T) {
	b := newTraceBuilder(testStart)
	s := b.stack(frame("alloc.c", 10, "make_buf"))
	b.alloc(0, 0x1, 8, s, 0)
	b.free(1, 0x1)
	b.alloc(0, 0x2, 8, s, 0)
	b.free(1, 0x2)
	b.alloc(0, 0x3, 8, s, 0)
	b.free(6, 0x3)
	b.alloc(0, 0x4, 8, s, 0)
	b.free(1000, 0x4)
	b.alloc(0, 0x5, 8, s, 0)

	got := LifetimeDistribution(b.timeline(t))
	want := []LifetimeBucket{
		{Lo: 1, Hi: 1, Count: 2},
		{Lo: 4, Hi: 7, Count: 1},
		{Lo: 512, Hi: 1023, Count: 1},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("distribution mismatch (-want +got):\n%s", diff)
	}
}
