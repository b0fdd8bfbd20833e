// Copyright 2025 The mtrace Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mtrace

// EventKind indicates what kind of memory trace event
// is captured and returned.
type EventKind uint8

const (
	EventBad    EventKind = iota
	EventAlloc            // Heap allocation.
	EventFree             // Heap free.
	EventGC               // Collection cycle summary.
	EventMarker           // User-defined phase marker.
)

// String returns a short lower-case name for the event kind.
func (k EventKind) String() string {
	switch k {
	case EventAlloc:
		return "alloc"
	case EventFree:
		return "free"
	case EventGC:
		return "gc"
	case EventMarker:
		return "marker"
	}
	return "bad"
}

// Event represents a single memory trace event.
type Event struct {
	// Time is the absolute time of the event in microseconds
	// since the Unix epoch. Events returned by a Decoder carry
	// only Delta and leave Time zero; reconstructing the absolute
	// clock is the Timeline's job, and events returned by Timeline
	// queries always have Time set.
	Time uint64

	// Delta is the time elapsed since the previous event in the
	// stream, in microseconds. Valid for all events.
	Delta uint64

	// Address is the address of the affected heap region.
	// Only valid when Kind == EventAlloc or Kind == EventFree.
	Address uint64

	// Size is the size of the allocation in bytes when
	// Kind == EventAlloc, or the total bytes reclaimed when
	// Kind == EventGC.
	Size uint64

	// Count is the number of objects reclaimed.
	// Only valid when Kind == EventGC.
	Count uint64

	// StackID identifies the allocating call stack in the trace's
	// stack table. Only valid when Kind == EventAlloc.
	StackID uint32

	// FuncID identifies the marker label in the trace's function
	// table. Only valid when Kind == EventMarker.
	FuncID uint32

	// ThreadID identifies the thread that performed the allocation.
	// Only valid when Kind == EventAlloc.
	ThreadID uint16

	// Kind indicates what kind of event this is.
	// This may be assumed to always be valid.
	Kind EventKind
}

// DiagKind classifies an irregularity recorded while decoding or
// reconstructing a trace.
type DiagKind uint8

const (
	DiagBadEvent      DiagKind = iota + 1 // Malformed event payload, skipped.
	DiagBadRef                            // Event referencing an unknown table id, skipped.
	DiagUntrackedFree                     // Free of an address with no live allocation.
	DiagReusedAddress                     // Alloc of an address that is still live.
	DiagTruncated                         // Event stream ends mid-event.
	DiagUnknownEvent                      // Unrecognized event type tag.
	DiagBudget                            // Reconstruction stopped by an event or time budget.
	DiagClock                             // Trace clock overflowed.
)

// String returns a short lower-case name for the diagnostic kind.
func (k DiagKind) String() string {
	switch k {
	case DiagBadEvent:
		return "bad event"
	case DiagBadRef:
		return "bad reference"
	case DiagUntrackedFree:
		return "untracked free"
	case DiagReusedAddress:
		return "reused address"
	case DiagTruncated:
		return "truncated"
	case DiagUnknownEvent:
		return "unknown event"
	case DiagBudget:
		return "budget"
	case DiagClock:
		return "clock overflow"
	}
	return "unknown"
}

// Terminal reports whether the diagnostic ends decoding; everything
// reconstructed up to its offset remains valid.
func (k DiagKind) Terminal() bool {
	switch k {
	case DiagTruncated, DiagUnknownEvent, DiagBudget, DiagClock:
		return true
	}
	return false
}

// Informational reports whether the diagnostic describes expected
// producer behavior rather than a defect in the trace.
func (k DiagKind) Informational() bool {
	return k == DiagReusedAddress
}

// Diagnostic describes a non-fatal irregularity observed in a trace.
type Diagnostic struct {
	// Kind classifies the irregularity.
	Kind DiagKind

	// Offset is the byte offset into the trace of the event that
	// triggered the diagnostic.
	Offset int64

	// Event is the ordinal of the event within the stream, counting
	// decoded and skipped events from zero.
	Event uint64

	// Address is the affected address. Only valid when
	// Kind == DiagUntrackedFree or Kind == DiagReusedAddress.
	Address uint64

	// Tag is the wire type tag of the offending event. Only valid
	// when Kind == DiagBadEvent or Kind == DiagUnknownEvent.
	Tag uint8

	// Msg is a short explanation.
	Msg string
}
