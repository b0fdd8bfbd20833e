// Copyright 2025 The mtrace Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mtrace

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const testStart = uint64(1700000000000000)

func frame(file string, line int32, fn string) CallFrame {
	return CallFrame{File: file, Line: line, Func: fn}
}

// traceBuilder assembles traces for tests, well-formed or
// deliberately damaged.
type traceBuilder struct {
	tables *Tables
	events []byte
	start  uint64
}

func newTraceBuilder(start uint64) *traceBuilder {
	return &traceBuilder{tables: NewTables(), start: start}
}

func (b *traceBuilder) stack(frames ...CallFrame) uint32 {
	return b.tables.StackID(frames)
}

func (b *traceBuilder) alloc(delta, addr, size uint64, stack uint32, tid uint16) *traceBuilder {
	b.events = appendAllocEvent(b.events, delta, addr, size, stack, tid)
	return b
}

func (b *traceBuilder) free(delta, addr uint64) *traceBuilder {
	b.events = appendFreeEvent(b.events, delta, addr)
	return b
}

func (b *traceBuilder) gc(delta, objects, bytesFreed uint64) *traceBuilder {
	b.events = appendGCEvent(b.events, delta, objects, bytesFreed)
	return b
}

func (b *traceBuilder) marker(delta uint64, name string) *traceBuilder {
	b.events = appendMarkerEvent(b.events, delta, b.tables.FuncID(name))
	return b
}

func (b *traceBuilder) raw(p ...byte) *traceBuilder {
	b.events = append(b.events, p...)
	return b
}

func (b *traceBuilder) bytes(t testing.TB) []byte {
	t.Helper()
	meta, err := b.tables.appendJSON(nil)
	if err != nil {
		t.Fatalf("encoding tables: %v", err)
	}
	out := AppendHeader(nil, Header{
		Version:     Version,
		StartTime:   b.start,
		MetadataLen: uint32(len(meta)),
	})
	out = append(out, meta...)
	return append(out, b.events...)
}

func (b *traceBuilder) decoder(t testing.TB) *Decoder {
	t.Helper()
	d, err := NewDecoder(bytes.NewReader(b.bytes(t)))
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	return d
}

func (b *traceBuilder) timeline(t testing.TB) *Timeline {
	t.Helper()
	tl, err := BuildTimeline(context.Background(), b.decoder(t), BuildOptions{})
	if err != nil {
		t.Fatalf("BuildTimeline: %v", err)
	}
	return tl
}

func drain(t testing.TB, d *Decoder) []Event {
	t.Helper()
	var evs []Event
	for {
		ev, err := d.Next()
		if err == io.EOF {
			return evs
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		evs = append(evs, ev)
	}
}

func TestDecoderEvents(t *testing.T) {
	b := newTraceBuilder(testStart)
	s1 := b.stack(frame("pool.c", 40, "pool_get"))
	s2 := b.stack(frame("main.c", 12, "main"), frame("buf.c", 77, "buf_new"))
	b.alloc(0, 0x1000, 64, s1, 1)
	b.alloc(5, 0x2000, 128, s2, 1)
	b.gc(3, 2, 192)
	b.marker(1, "phase:load")
	b.free(10, 0x1000)

	d := b.decoder(t)
	want := []Event{
		{Kind: EventAlloc, Delta: 0, Address: 0x1000, Size: 64, StackID: s1, ThreadID: 1},
		{Kind: EventAlloc, Delta: 5, Address: 0x2000, Size: 128, StackID: s2, ThreadID: 1},
		{Kind: EventGC, Delta: 3, Count: 2, Size: 192},
		{Kind: EventMarker, Delta: 1, FuncID: b.tables.FuncID("phase:load")},
		{Kind: EventFree, Delta: 10, Address: 0x1000},
	}
	got := drain(t, d)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if n := d.EventCount(); n != 5 {
		t.Errorf("EventCount = %d, want 5", n)
	}
	if p := d.Progress(); p != 1 {
		t.Errorf("Progress = %v, want 1", p)
	}
}

func TestDecoderEmptyStream(t *testing.T) {
	b := newTraceBuilder(testStart)
	d := b.decoder(t)
	if _, err := d.Next(); err != io.EOF {
		t.Fatalf("Next = %v, want io.EOF", err)
	}
	if p := d.Progress(); p != 1 {
		t.Errorf("Progress = %v, want 1", p)
	}
}

func TestDecoderSkipsUnknownStack(t *testing.T) {
	b := newTraceBuilder(testStart)
	s := b.stack(frame("a.c", 1, "f"))
	b.alloc(1, 0x10, 8, s, 0)
	b.alloc(1, 0x20, 16, 99, 0)
	b.alloc(1, 0x30, 32, s, 0)

	d := b.decoder(t)
	var addrs []uint64
	for _, ev := range drain(t, d) {
		addrs = append(addrs, ev.Address)
	}
	if diff := cmp.Diff([]uint64{0x10, 0x30}, addrs); diff != "" {
		t.Errorf("addresses mismatch (-want +got):\n%s", diff)
	}
	skipped, skippedBytes := d.Skipped()
	if skipped != 1 {
		t.Errorf("skipped = %d, want 1", skipped)
	}
	if skippedBytes == 0 {
		t.Errorf("skipped bytes = 0, want > 0")
	}
	diags := d.Diagnostics()
	if len(diags) != 1 {
		t.Fatalf("got %d diagnostics, want 1", len(diags))
	}
	if diags[0].Kind != DiagBadRef {
		t.Errorf("diagnostic kind = %v, want %v", diags[0].Kind, DiagBadRef)
	}
	if diags[0].Event != 1 {
		t.Errorf("diagnostic event ordinal = %d, want 1", diags[0].Event)
	}
}

func TestDecoderSkipsImplausibleDelta(t *testing.T) {
	b := newTraceBuilder(testStart)
	s := b.stack(frame("a.c", 1, "f"))
	b.alloc(1, 0x10, 8, s, 0)
	b.alloc(maxEventDelta+1, 0x20, 16, s, 0)
	b.alloc(1, 0x30, 32, s, 0)

	d := b.decoder(t)
	got := drain(t, d)
	if len(got) != 2 {
		t.Fatalf("decoded %d events, want 2", len(got))
	}
	diags := d.Diagnostics()
	if len(diags) != 1 || diags[0].Kind != DiagBadEvent {
		t.Fatalf("diagnostics = %+v, want one DiagBadEvent", diags)
	}
}

func TestDecoderUnknownTagTerminal(t *testing.T) {
	b := newTraceBuilder(testStart)
	s := b.stack(frame("a.c", 1, "f"))
	b.alloc(1, 0x10, 8, s, 0)
	b.raw(0x07, 1, 2, 3)

	d := b.decoder(t)
	if _, err := d.Next(); err != nil {
		t.Fatalf("Next: %v", err)
	}
	_, err := d.Next()
	var uerr *UnknownEventTypeError
	if !errors.As(err, &uerr) {
		t.Fatalf("Next = %v, want *UnknownEventTypeError", err)
	}
	if uerr.Tag != 0x07 {
		t.Errorf("Tag = %d, want 7", uerr.Tag)
	}
	wantOff := d.start + int64(len(appendAllocEvent(nil, 1, 0x10, 8, s, 0)))
	if uerr.Offset != wantOff {
		t.Errorf("Offset = %d, want %d", uerr.Offset, wantOff)
	}
	// Terminal errors are sticky.
	if _, err2 := d.Next(); err2 != err {
		t.Errorf("second Next = %v, want the same error", err2)
	}
}

func TestDecoderTruncatedTerminal(t *testing.T) {
	b := newTraceBuilder(testStart)
	s := b.stack(frame("a.c", 1, "f"))
	b.alloc(1, 0x10, 8, s, 0)
	b.alloc(1, 0x20, 16, s, 0)

	data := b.bytes(t)
	data = data[:len(data)-3]
	d, err := NewDecoder(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	if _, err := d.Next(); err != nil {
		t.Fatalf("Next: %v", err)
	}
	_, err = d.Next()
	var terr *TruncatedEventError
	if !errors.As(err, &terr) {
		t.Fatalf("Next = %v, want *TruncatedEventError", err)
	}
	if _, err2 := d.Next(); err2 != err {
		t.Errorf("second Next = %v, want the same error", err2)
	}
}

func TestNewDecoderErrors(t *testing.T) {
	valid := newTraceBuilder(testStart).bytes(t)

	badVersion := make([]byte, HeaderSize)
	copy(badVersion, valid[:HeaderSize])
	badVersion[4] = 99

	metaPastEnd := AppendHeader(nil, Header{Version: Version, StartTime: testStart, MetadataLen: 100})

	badJSON := AppendHeader(nil, Header{Version: Version, StartTime: testStart, MetadataLen: 2})
	badJSON = append(badJSON, '{', 'x')

	arrayMeta := AppendHeader(nil, Header{Version: Version, StartTime: testStart, MetadataLen: 2})
	arrayMeta = append(arrayMeta, '[', ']')

	tests := []struct {
		name string
		data []byte
		want func(error) bool
	}{
		{"empty", nil, func(err error) bool { return errors.Is(err, ErrTruncatedHeader) }},
		{"short header", make([]byte, 100), func(err error) bool { return errors.Is(err, ErrTruncatedHeader) }},
		{"bad magic", bytes.Repeat([]byte{'X'}, HeaderSize), func(err error) bool { return errors.Is(err, ErrBadMagic) }},
		{"bad version", badVersion, func(err error) bool {
			var v *UnsupportedVersionError
			return errors.As(err, &v) && v.Version == 99
		}},
		{"version zero", append(append([]byte{}, magic[:]...), make([]byte, HeaderSize-4)...), func(err error) bool {
			var v *UnsupportedVersionError
			return errors.As(err, &v)
		}},
		{"metadata past end", metaPastEnd, func(err error) bool { return errors.Is(err, ErrMalformedMetadata) }},
		{"metadata bad json", badJSON, func(err error) bool { return errors.Is(err, ErrMalformedMetadata) }},
		{"metadata not object", arrayMeta, func(err error) bool { return errors.Is(err, ErrMalformedMetadata) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDecoder(bytes.NewReader(tt.data))
			if err == nil {
				t.Fatal("NewDecoder succeeded, want error")
			}
			if !tt.want(err) {
				t.Errorf("NewDecoder error = %v, wrong kind", err)
			}
		})
	}
}

func TestDecoderLargeStream(t *testing.T) {
	// Cross several buffer refills.
	b := newTraceBuilder(testStart)
	s := b.stack(frame("a.c", 1, "f"))
	const n = 20000
	for i := 0; i < n; i++ {
		b.alloc(1, uint64(0x1000+i*16), 32, s, 0)
	}
	d := b.decoder(t)
	got := drain(t, d)
	if len(got) != n {
		t.Fatalf("decoded %d events, want %d", len(got), n)
	}
	if got[n-1].Address != uint64(0x1000+(n-1)*16) {
		t.Errorf("last address = %#x, want %#x", got[n-1].Address, 0x1000+(n-1)*16)
	}
}

func FuzzDecoder(f *testing.F) {
	b := newTraceBuilder(testStart)
	s := b.stack(frame("a.c", 1, "f"))
	b.alloc(0, 0x10, 8, s, 0).free(2, 0x10).gc(1, 1, 8).marker(1, "m")
	f.Add(b.bytes(f))

	damaged := newTraceBuilder(testStart)
	damaged.alloc(1, 0x20, 16, 7, 0).raw(0xff, 0xff, 0xff)
	f.Add(damaged.bytes(f))

	f.Add([]byte("MTRC"))
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		d, err := NewDecoder(bytes.NewReader(data))
		if err != nil {
			return
		}
		for i := 0; i < 1<<20; i++ {
			if _, err := d.Next(); err != nil {
				break
			}
		}

		d2, err := NewDecoder(bytes.NewReader(data))
		if err != nil {
			return
		}
		tl, _ := BuildTimeline(context.Background(), d2, BuildOptions{MaxEvents: 1 << 16})
		tl.PeakMemory()
		tl.SnapshotAt(tl.EndTime())
		FindLeaks(tl, 0)
		TopAllocators(tl, 10)
	})
}
