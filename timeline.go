// Copyright 2025 The mtrace Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mtrace

import (
	"context"
	"io"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// NoTimestamp is the FreedAt value of an allocation instance that is
// still live at the end of the trace.
const NoTimestamp = ^uint64(0)

// markInterval is how many applied events separate two entries of the
// timestamp-to-offset index used by Range.
const markInterval = 4096

// Allocation is one allocation instance reconstructed from a trace.
//
// An address is not a stable identity: every Alloc event begins a new
// instance, even at an address that already hosts a live one. The
// displaced instance stays in the timeline with Superseded set.
type Allocation struct {
	// Address is the heap address of the instance.
	Address uint64

	// Size is the instance size in bytes.
	Size uint64

	// AllocatedAt is the allocation time in microseconds since the
	// Unix epoch.
	AllocatedAt uint64

	// FreedAt is the free time in microseconds since the Unix epoch,
	// or NoTimestamp while the instance is live.
	FreedAt uint64

	// StackID identifies the allocating call stack.
	StackID uint32

	// ThreadID identifies the allocating thread.
	ThreadID uint16

	// Superseded records that a later Alloc reused the address while
	// this instance was live.
	Superseded bool
}

// Live reports whether the instance was never freed within the trace.
func (a Allocation) Live() bool { return a.FreedAt == NoTimestamp }

// Age returns how long the instance had been alive at time ts in
// microseconds, regardless of whether it was freed later.
func (a Allocation) Age(ts uint64) uint64 {
	if ts < a.AllocatedAt {
		return 0
	}
	return ts - a.AllocatedAt
}

// Lifetime returns how long the instance lived, in microseconds.
// It reports false for instances that were never freed.
func (a Allocation) Lifetime() (uint64, bool) {
	if a.FreedAt == NoTimestamp {
		return 0, false
	}
	return a.FreedAt - a.AllocatedAt, true
}

// UsagePoint is one step of the reconstructed live-memory curve.
type UsagePoint struct {
	// Time in microseconds since the Unix epoch.
	Time uint64

	// Live heap bytes after the step.
	Live uint64
}

// mark is one entry of the sparse timestamp-to-offset index.
// time is the trace clock before the event at off.
type mark struct {
	time uint64
	off  int64
}

// BuildStats summarizes a timeline reconstruction.
type BuildStats struct {
	Events  uint64 // events applied to the timeline
	Allocs  uint64
	Frees   uint64
	GCs     uint64
	Markers uint64

	Skipped      uint64 // corrupt events the decoder skipped
	SkippedBytes int64

	UntrackedFrees uint64 // frees of addresses with no live instance
	Superseded     uint64 // instances displaced by address reuse

	AllocatedBytes uint64 // bytes allocated across the trace
	FreedBytes     uint64 // bytes released by matched frees
	GCObjects      uint64 // objects reclaimed across collection events
	GCBytes        uint64 // bytes reclaimed across collection events

	// Partial is set when reconstruction stopped before the end of
	// the event stream; Reason says why. Everything reconstructed up
	// to that point is valid.
	Partial bool
	Reason  string
}

// BuildOptions configures timeline reconstruction. The zero value
// applies no budgets and discards diagnostic logging.
type BuildOptions struct {
	// MaxEvents stops reconstruction after this many applied events.
	// Zero means no limit.
	MaxEvents uint64

	// Timeout bounds reconstruction wall time. Zero means no limit.
	Timeout time.Duration

	// Logger receives per-irregularity diagnostics as they are found.
	Logger zerolog.Logger
}

// Timeline is the reconstructed allocation history of a trace.
//
// A Timeline retains its trace Source: Range re-reads event windows
// from it, so the source must remain open for as long as the Timeline
// is queried. Timelines are immutable once built and safe for
// concurrent reads.
type Timeline struct {
	header Header
	tables *Tables
	src    Source

	start uint64 // trace start time
	end   uint64 // trace clock after the last applied event

	dataStart int64 // offset of the first event
	dataEnd   int64 // offset where decoding stopped

	allocs  []Allocation
	usage   []UsagePoint
	marks   []mark
	markers []Event

	stats BuildStats
	diags []Diagnostic
}

// Header returns the trace header.
func (t *Timeline) Header() Header { return t.header }

// Tables returns the trace's deduplication tables.
func (t *Timeline) Tables() *Tables { return t.tables }

// StartTime returns the trace start time in microseconds since the
// Unix epoch.
func (t *Timeline) StartTime() uint64 { return t.start }

// EndTime returns the timestamp of the last applied event in
// microseconds since the Unix epoch. For an empty trace it equals
// StartTime.
func (t *Timeline) EndTime() uint64 { return t.end }

// Allocations returns every allocation instance in the timeline in
// allocation order. The returned slice is shared with the Timeline
// and must not be modified.
func (t *Timeline) Allocations() []Allocation { return t.allocs }

// Usage returns the live-memory curve, one point per applied Alloc or
// matched Free, in time order. The returned slice is shared with the
// Timeline and must not be modified.
func (t *Timeline) Usage() []UsagePoint { return t.usage }

// Markers returns the marker events of the trace with absolute
// timestamps, in time order.
func (t *Timeline) Markers() []Event { return t.markers }

// Stats returns the reconstruction summary.
func (t *Timeline) Stats() BuildStats { return t.stats }

// Diagnostics returns the irregularities recorded while decoding and
// reconstructing, ordered by trace offset. The slice is capped; exact
// counts live in Stats.
func (t *Timeline) Diagnostics() []Diagnostic { return t.diags }

// BuildTimeline reconstructs the allocation timeline from d's event
// stream in a single pass.
//
// Trace corruption does not fail the build: events the decoder can
// skip are skipped, and a terminal decode error keeps everything
// reconstructed before it, marking the result partial in Stats.
// BuildTimeline returns an error only when ctx is canceled or the
// source itself fails, and even then it returns the partial timeline
// alongside the error.
func BuildTimeline(ctx context.Context, d *Decoder, opts BuildOptions) (*Timeline, error) {
	d.SetLogger(opts.Logger)
	t := &Timeline{
		header:    d.Header(),
		tables:    d.Tables(),
		src:       d.src,
		start:     d.Header().StartTime,
		end:       d.Header().StartTime,
		dataStart: d.start,
	}
	var deadline time.Time
	if opts.Timeout > 0 {
		deadline = time.Now().Add(opts.Timeout)
	}

	var (
		addrs addrMap
		sink  diagSink
		cur   = t.start
		live  uint64
		err   error
	)
loop:
	for {
		if opts.MaxEvents > 0 && t.stats.Events >= opts.MaxEvents {
			t.stats.Partial = true
			t.stats.Reason = "event budget reached"
			sink.add(Diagnostic{Kind: DiagBudget, Offset: d.Offset(), Event: t.stats.Events, Msg: t.stats.Reason})
			opts.Logger.Info().Uint64("events", t.stats.Events).Msg(t.stats.Reason)
			break
		}
		if t.stats.Events%512 == 0 {
			if ctx.Err() != nil {
				t.stats.Partial = true
				t.stats.Reason = "canceled"
				err = ctx.Err()
				break
			}
			if !deadline.IsZero() && time.Now().After(deadline) {
				t.stats.Partial = true
				t.stats.Reason = "time budget reached"
				sink.add(Diagnostic{Kind: DiagBudget, Offset: d.Offset(), Event: t.stats.Events, Msg: t.stats.Reason})
				opts.Logger.Info().Uint64("events", t.stats.Events).Msg(t.stats.Reason)
				break
			}
		}
		if t.stats.Events%markInterval == 0 {
			t.marks = append(t.marks, mark{time: cur, off: d.Offset()})
		}

		evOff := d.Offset()
		ev, derr := d.Next()
		if derr != nil {
			switch derr.(type) {
			case *UnknownEventTypeError, *TruncatedEventError:
				t.stats.Partial = true
				t.stats.Reason = derr.Error()
			default:
				if derr == io.EOF {
					break loop
				}
				t.stats.Partial = true
				t.stats.Reason = "read error"
				err = derr
			}
			break
		}
		skipped, _ := d.Skipped()
		ord := d.EventCount() - 1 + skipped

		next := cur + ev.Delta
		if next < cur {
			t.stats.Partial = true
			t.stats.Reason = "trace clock overflow"
			sink.add(Diagnostic{Kind: DiagClock, Offset: evOff, Event: ord, Msg: t.stats.Reason})
			opts.Logger.Warn().Int64("offset", evOff).Msg("trace clock overflow")
			break
		}
		cur = next
		ev.Time = cur

		switch ev.Kind {
		case EventAlloc:
			idx := int32(len(t.allocs))
			t.allocs = append(t.allocs, Allocation{
				Address:     ev.Address,
				Size:        ev.Size,
				AllocatedAt: cur,
				FreedAt:     NoTimestamp,
				StackID:     ev.StackID,
				ThreadID:    ev.ThreadID,
			})
			if prev := addrs.swap(ev.Address, idx); prev >= 0 {
				t.allocs[prev].Superseded = true
				t.stats.Superseded++
				sink.add(Diagnostic{Kind: DiagReusedAddress, Offset: evOff, Event: ord, Address: ev.Address, Msg: "address reused while live"})
				opts.Logger.Debug().Uint64("addr", ev.Address).Int64("offset", evOff).Msg("address reused while live")
			}
			live += ev.Size
			t.usage = append(t.usage, UsagePoint{Time: cur, Live: live})
			t.stats.Allocs++
			t.stats.AllocatedBytes += ev.Size
		case EventFree:
			if idx := addrs.clear(ev.Address); idx >= 0 {
				a := &t.allocs[idx]
				a.FreedAt = cur
				live -= a.Size
				t.usage = append(t.usage, UsagePoint{Time: cur, Live: live})
				t.stats.FreedBytes += a.Size
			} else {
				t.stats.UntrackedFrees++
				sink.add(Diagnostic{Kind: DiagUntrackedFree, Offset: evOff, Event: ord, Address: ev.Address, Msg: "free of untracked address"})
				opts.Logger.Warn().Uint64("addr", ev.Address).Int64("offset", evOff).Msg("free of untracked address")
			}
			t.stats.Frees++
		case EventGC:
			t.stats.GCs++
			t.stats.GCObjects += ev.Count
			t.stats.GCBytes += ev.Size
		case EventMarker:
			t.stats.Markers++
			t.markers = append(t.markers, ev)
		}
		t.stats.Events++
	}

	t.end = cur
	t.dataEnd = d.Offset()
	t.stats.Skipped, t.stats.SkippedBytes = d.Skipped()
	t.diags = append(append(t.diags, d.Diagnostics()...), sink.list...)
	sort.SliceStable(t.diags, func(i, j int) bool {
		return t.diags[i].Offset < t.diags[j].Offset
	})
	return t, err
}
