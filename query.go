// Copyright 2025 The mtrace Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mtrace

import (
	"io"
	"sort"
	"time"
)

// PeakMemory returns the maximum live heap bytes reached in the trace
// and the time it was first reached, in microseconds since the Unix
// epoch. An empty trace peaks at zero bytes at its start time.
func (t *Timeline) PeakMemory() (ts, bytes uint64) {
	ts = t.start
	for _, p := range t.usage {
		if p.Live > bytes {
			bytes = p.Live
			ts = p.Time
		}
	}
	return ts, bytes
}

// SnapshotAt returns the allocation instances live at time ts, keyed
// by address. An instance is live at ts if it was allocated at or
// before ts and not freed at or before it. When address reuse leaves
// several instances of one address live at ts, the most recently
// allocated one wins. Times outside the trace clamp to its bounds.
func (t *Timeline) SnapshotAt(ts uint64) map[uint64]Allocation {
	if ts < t.start {
		ts = t.start
	}
	if ts > t.end {
		ts = t.end
	}
	// Instances allocated after ts cannot be live at it, and allocs
	// is in allocation-time order, so only a prefix matters.
	n := sort.Search(len(t.allocs), func(i int) bool {
		return t.allocs[i].AllocatedAt > ts
	})
	snap := make(map[uint64]Allocation)
	for _, a := range t.allocs[:n] {
		if a.FreedAt != NoTimestamp && a.FreedAt <= ts {
			continue
		}
		snap[a.Address] = a
	}
	return snap
}

// Range returns the decoded events with timestamps in [start, end),
// in stream order, with absolute times set.
//
// Range re-reads the event window from the trace source through the
// timeline's sparse time index, so its cost is proportional to the
// window, not to the whole trace. Corruption inside the window is
// skipped or cut exactly as it was during the build.
func (t *Timeline) Range(start, end uint64) ([]Event, error) {
	if end <= start || len(t.marks) == 0 || start > t.end {
		return nil, nil
	}
	// Start from the last mark at or before start.
	i := sort.Search(len(t.marks), func(i int) bool {
		return t.marks[i].time > start
	})
	m := t.marks[0]
	if i > 0 {
		m = t.marks[i-1]
	}
	d := newDecoderAt(t.src, t.tables, t.header, m.off, t.dataEnd)
	cur := m.time
	var events []Event
	for {
		ev, err := d.Next()
		if err != nil {
			switch err.(type) {
			case *UnknownEventTypeError, *TruncatedEventError:
				// The build stopped here too; the window just
				// reaches the end of the decodable stream.
				return events, nil
			}
			if err == io.EOF {
				return events, nil
			}
			return events, err
		}
		next := cur + ev.Delta
		if next < cur {
			return events, nil
		}
		cur = next
		if cur >= end {
			return events, nil
		}
		ev.Time = cur
		if cur >= start {
			events = append(events, ev)
		}
	}
}

// AllocationRate returns the number of Alloc events per second over
// the trailing window [EndTime-window, EndTime]. Windows longer than
// the trace clamp to its span. A trace with no span has no rate and
// returns 0.
func (t *Timeline) AllocationRate(window time.Duration) float64 {
	if window <= 0 {
		return 0
	}
	w := uint64(window / time.Microsecond)
	if span := t.end - t.start; w > span {
		w = span
	}
	if w == 0 {
		return 0
	}
	from := t.end - w
	i := sort.Search(len(t.allocs), func(i int) bool {
		return t.allocs[i].AllocatedAt >= from
	})
	n := len(t.allocs) - i
	return float64(n) / (float64(w) / 1e6)
}
