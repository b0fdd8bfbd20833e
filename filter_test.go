// Copyright 2025 The mtrace Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mtrace

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCompileFilterErrors(t *testing.T) {
	for _, src := range []string{
		"size >=",
		"size + 1",
		"no_such_field > 3",
	} {
		if _, err := CompileFilter(src); err == nil {
			t.Errorf("CompileFilter(%q) succeeded, want error", src)
		}
	}
}

func TestFilterMatch(t *testing.T) {
	f, err := CompileFilter("size >= 4096 && live")
	if err != nil {
		t.Fatalf("CompileFilter: %v", err)
	}
	if ok, err := f.Match(FilterEnv{Size: 4096, Live: true}); err != nil || !ok {
		t.Errorf("Match(4096, live) = %v, %v, want true", ok, err)
	}
	if ok, err := f.Match(FilterEnv{Size: 4095, Live: true}); err != nil || ok {
		t.Errorf("Match(4095, live) = %v, %v, want false", ok, err)
	}
	if got := f.String(); got != "size >= 4096 && live" {
		t.Errorf("String = %q", got)
	}
}

func TestFilterAllocations(t *testing.T) {
	b := newTraceBuilder(testStart)
	s1 := b.stack(frame("alloc.c", 10, "make_buf"))
	s2 := b.stack(frame("pool.c", 20, "pool_get"))
	b.alloc(0, 0xa, 100, s1, 1)
	b.free(10, 0xa)
	b.alloc(0, 0xb, 50, s2, 2)
	b.alloc(5, 0xc, 200, s1, 1)
	b.alloc(5, 0xc, 8, s2, 1)

	tl := b.timeline(t)
	for _, tc := range []struct {
		src  string
		want []uint64 // matched instance sizes, in allocation order
	}{
		{"size >= 100", []uint64{100, 200}},
		{"live", []uint64{50, 200, 8}},
		{`func == "pool_get"`, []uint64{50, 8}},
		{"superseded", []uint64{200}},
		{"age >= 10 && live", []uint64{50}},
		{"!live && lifetime == 10", []uint64{100}},
		{`file == "alloc.c" && size > 150`, []uint64{200}},
		{"thread == 2", []uint64{50}},
		{"size > 1000000", nil},
	} {
		t.Run(tc.src, func(t *testing.T) {
			f, err := CompileFilter(tc.src)
			if err != nil {
				t.Fatalf("CompileFilter: %v", err)
			}
			matched, err := tl.FilterAllocations(f)
			if err != nil {
				t.Fatalf("FilterAllocations: %v", err)
			}
			var sizes []uint64
			for _, a := range matched {
				sizes = append(sizes, a.Size)
			}
			if diff := cmp.Diff(tc.want, sizes); diff != "" {
				t.Errorf("matches mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFilterFreedAtZeroWhileLive(t *testing.T) {
	b := newTraceBuilder(testStart)
	s := b.stack(frame("a.c", 1, "f"))
	b.alloc(0, 0xa, 8, s, 0)

	f, err := CompileFilter("freed_at == 0")
	if err != nil {
		t.Fatalf("CompileFilter: %v", err)
	}
	matched, err := b.timeline(t).FilterAllocations(f)
	if err != nil {
		t.Fatalf("FilterAllocations: %v", err)
	}
	if len(matched) != 1 {
		t.Errorf("got %d matches, want 1: a live instance reports freed_at 0", len(matched))
	}
}
