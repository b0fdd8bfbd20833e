// Copyright 2025 The mtrace Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mtrace

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// Source is a memory trace source.
type Source interface {
	io.ReaderAt

	// Len returns the size of the memory
	// trace in bytes.
	Len() int
}

// decodeChunk is how much of the event stream is buffered at a time.
const decodeChunk = 64 << 10

// maxEventDelta bounds the time delta of a single event to one year
// in microseconds. Larger deltas mean a corrupt event.
const maxEventDelta = 366 * 24 * 60 * 60 * 1000000

// maxDiagnostics caps how many diagnostics are retained in detail.
// Past the cap only counts are kept.
const maxDiagnostics = 128

// UnknownEventTypeError terminates decoding when the stream contains
// an event type tag the decoder does not recognize. Events decoded
// before Offset remain valid.
type UnknownEventTypeError struct {
	Offset int64
	Tag    uint8
}

func (e *UnknownEventTypeError) Error() string {
	return fmt.Sprintf("unknown event type %d at offset %d", e.Tag, e.Offset)
}

// TruncatedEventError terminates decoding when the stream ends in the
// middle of an event. Events decoded before Offset remain valid.
type TruncatedEventError struct {
	Offset int64
}

func (e *TruncatedEventError) Error() string {
	return fmt.Sprintf("trace truncated mid-event at offset %d", e.Offset)
}

var (
	errTruncatedEvent = errors.New("truncated event")
	errUnknownTag     = errors.New("unknown event type")
)

// skipError marks an event whose payload is malformed or fails
// validation but whose encoded length is known, so decoding can
// continue past it.
type skipError struct {
	n    int
	kind DiagKind
	msg  string
}

func (e *skipError) Error() string { return e.msg }

// diagSink accumulates diagnostics up to maxDiagnostics, counting
// the overflow.
type diagSink struct {
	list    []Diagnostic
	dropped uint64
}

func (s *diagSink) add(d Diagnostic) {
	if len(s.list) >= maxDiagnostics {
		s.dropped++
		return
	}
	s.list = append(s.list, d)
}

// Decoder contains the memory trace decoding state.
//
// A Decoder reads the event stream lazily: NewDecoder reads only the
// header and metadata block, and each Next call decodes one event.
// Decoders are not safe for concurrent use.
type Decoder struct {
	src    Source
	tables *Tables
	header Header
	log    zerolog.Logger

	buf    []byte
	bufOff int64 // file offset of buf[0]
	pos    int   // read position within buf
	start  int64 // file offset of the first event
	end    int64 // file offset one past the last event byte

	events       uint64
	skipped      uint64
	skippedBytes int64
	diags        diagSink
	err          error // sticky terminal state
}

// NewDecoder creates and initializes a new Decoder given a Source.
//
// NewDecoder reads and validates the trace header and metadata block.
// It fails if the header is unreadable, the trace version is
// unsupported, or the metadata block is malformed. The event stream
// itself is not touched until Next is called.
func NewDecoder(r Source) (*Decoder, error) {
	hdr, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	start := int64(HeaderSize) + int64(hdr.MetadataLen)
	if int64(r.Len()) < start {
		return nil, fmt.Errorf("%w: metadata block extends past end of trace", ErrMalformedMetadata)
	}
	meta := make([]byte, hdr.MetadataLen)
	if hdr.MetadataLen > 0 {
		if n, err := r.ReadAt(meta, HeaderSize); n < len(meta) {
			return nil, fmt.Errorf("reading metadata: %w", err)
		}
	}
	tables, err := parseTables(meta)
	if err != nil {
		return nil, err
	}
	return &Decoder{
		src:    r,
		tables: tables,
		header: hdr,
		log:    zerolog.Nop(),
		start:  start,
		bufOff: start,
		end:    int64(r.Len()),
	}, nil
}

// newDecoderAt returns a decoder positioned at an event boundary of
// an already-validated trace, for re-reading a window of it.
func newDecoderAt(src Source, tables *Tables, hdr Header, off, end int64) *Decoder {
	return &Decoder{
		src:    src,
		tables: tables,
		header: hdr,
		log:    zerolog.Nop(),
		start:  off,
		bufOff: off,
		end:    end,
	}
}

// Header returns the trace header.
func (d *Decoder) Header() Header { return d.header }

// Tables returns the trace's deduplication tables.
func (d *Decoder) Tables() *Tables { return d.tables }

// SetLogger directs decode diagnostics to l. The default logger
// discards them.
func (d *Decoder) SetLogger(l zerolog.Logger) { d.log = l }

// Offset returns the file offset of the next undecoded byte.
func (d *Decoder) Offset() int64 { return d.bufOff + int64(d.pos) }

// EventCount returns the number of events decoded so far.
func (d *Decoder) EventCount() uint64 { return d.events }

// Skipped returns the number of events skipped over corruption so
// far, and how many bytes they spanned.
func (d *Decoder) Skipped() (events uint64, bytes int64) {
	return d.skipped, d.skippedBytes
}

// Diagnostics returns the diagnostics recorded while decoding. The
// returned slice is capped at maxDiagnostics entries; Skipped has the
// exact counts.
func (d *Decoder) Diagnostics() []Diagnostic { return d.diags.list }

// Progress returns a float64 value between 0 and 1 indicating the
// approximate progress of decoding through the trace.
func (d *Decoder) Progress() float64 {
	total := d.end - d.start
	if total <= 0 {
		return 1
	}
	return float64(d.Offset()-d.start) / float64(total)
}

// fill ensures at least n bytes are buffered at the read position,
// or as many as remain in the stream.
func (d *Decoder) fill(n int) error {
	for len(d.buf)-d.pos < n {
		if d.pos > 0 {
			rem := copy(d.buf, d.buf[d.pos:])
			d.bufOff += int64(d.pos)
			d.buf = d.buf[:rem]
			d.pos = 0
		}
		next := d.bufOff + int64(len(d.buf))
		if next >= d.end {
			return nil
		}
		chunk := decodeChunk
		if rest := d.end - next; rest < int64(chunk) {
			chunk = int(rest)
		}
		if cap(d.buf) < len(d.buf)+chunk {
			grown := make([]byte, len(d.buf), len(d.buf)+chunk)
			copy(grown, d.buf)
			d.buf = grown
		}
		read := d.buf[len(d.buf) : len(d.buf)+chunk]
		m, err := d.src.ReadAt(read, next)
		d.buf = d.buf[:len(d.buf)+m]
		if m < chunk {
			if err == nil || err == io.EOF {
				// The source shrank under us. Treat what we
				// got as the whole stream.
				d.end = next + int64(m)
				continue
			}
			return err
		}
	}
	return nil
}

// Next returns the next event in the trace, or an error if the
// decoder could not produce one.
//
// Next returns io.EOF at the end of a well-formed stream. Events
// that fail to decode but whose length is known are skipped and
// recorded as diagnostics. Corruption that cannot be skipped, an
// unknown type tag or a stream that ends mid-event, is terminal:
// Next returns *UnknownEventTypeError or *TruncatedEventError and
// every subsequent call returns the same error.
func (d *Decoder) Next() (Event, error) {
	if d.err != nil {
		return Event{}, d.err
	}
	for {
		if err := d.fill(maxEventLen); err != nil {
			d.err = err
			return Event{}, err
		}
		if d.pos == len(d.buf) {
			d.err = io.EOF
			return Event{}, io.EOF
		}
		off := d.bufOff + int64(d.pos)
		ord := d.events + d.skipped
		tag := d.buf[d.pos]
		ev, n, err := parseEvent(d.buf[d.pos:], d.tables)
		switch err := err.(type) {
		case nil:
			d.pos += n
			d.events++
			return ev, nil
		case *skipError:
			d.pos += err.n
			d.skipped++
			d.skippedBytes += int64(err.n)
			d.diags.add(Diagnostic{Kind: err.kind, Offset: off, Event: ord, Tag: tag, Msg: err.msg})
			d.log.Warn().Int64("offset", off).Uint8("tag", tag).Str("reason", err.msg).Msg("skipping event")
			continue
		default:
			if err == errUnknownTag {
				terr := &UnknownEventTypeError{Offset: off, Tag: tag}
				d.diags.add(Diagnostic{Kind: DiagUnknownEvent, Offset: off, Event: ord, Tag: tag, Msg: terr.Error()})
				d.err = terr
			} else {
				terr := &TruncatedEventError{Offset: off}
				d.diags.add(Diagnostic{Kind: DiagTruncated, Offset: off, Event: ord, Msg: terr.Error()})
				d.err = terr
			}
			d.log.Warn().Int64("offset", off).Uint8("tag", tag).Msg("decoding stopped")
			return Event{}, d.err
		}
	}
}

// parseEvent decodes one event from the start of buf, returning the
// event and its encoded length. It returns errUnknownTag for an
// unrecognized type tag, errTruncatedEvent when buf ends before the
// event does or a varint field does not terminate, and a *skipError
// when the event is malformed but can be skipped.
func parseEvent(buf []byte, tables *Tables) (Event, int, error) {
	tag := buf[0]
	if tag > tagLast {
		return Event{}, 0, errUnknownTag
	}
	n := 1
	delta, vn, err := Uvarint(buf[n:])
	if err != nil {
		return Event{}, 0, errTruncatedEvent
	}
	n += vn
	ev := Event{Delta: delta}

	switch tag {
	case tagAlloc:
		ev.Kind = EventAlloc
		if len(buf)-n < 8 {
			return Event{}, 0, errTruncatedEvent
		}
		ev.Address = binary.LittleEndian.Uint64(buf[n:])
		n += 8
		size, vn, err := Uvarint(buf[n:])
		if err != nil {
			return Event{}, 0, errTruncatedEvent
		}
		n += vn
		ev.Size = size
		stack, vn, err := Uvarint(buf[n:])
		if err != nil {
			return Event{}, 0, errTruncatedEvent
		}
		n += vn
		if len(buf)-n < 2 {
			return Event{}, 0, errTruncatedEvent
		}
		ev.ThreadID = binary.LittleEndian.Uint16(buf[n:])
		n += 2
		if delta > maxEventDelta {
			return Event{}, 0, &skipError{n, DiagBadEvent, "implausible time delta"}
		}
		if stack > 1<<32-1 {
			return Event{}, 0, &skipError{n, DiagBadEvent, fmt.Sprintf("stack id %d out of range", stack)}
		}
		if !tables.HasStack(uint32(stack)) {
			return Event{}, 0, &skipError{n, DiagBadRef, fmt.Sprintf("unknown stack id %d", stack)}
		}
		ev.StackID = uint32(stack)
	case tagFree:
		ev.Kind = EventFree
		if len(buf)-n < 8 {
			return Event{}, 0, errTruncatedEvent
		}
		ev.Address = binary.LittleEndian.Uint64(buf[n:])
		n += 8
		if delta > maxEventDelta {
			return Event{}, 0, &skipError{n, DiagBadEvent, "implausible time delta"}
		}
	case tagGC:
		ev.Kind = EventGC
		objects, vn, err := Uvarint(buf[n:])
		if err != nil {
			return Event{}, 0, errTruncatedEvent
		}
		n += vn
		bytesFreed, vn, err := Uvarint(buf[n:])
		if err != nil {
			return Event{}, 0, errTruncatedEvent
		}
		n += vn
		if delta > maxEventDelta {
			return Event{}, 0, &skipError{n, DiagBadEvent, "implausible time delta"}
		}
		ev.Count = objects
		ev.Size = bytesFreed
	case tagMarker:
		ev.Kind = EventMarker
		fn, vn, err := Uvarint(buf[n:])
		if err != nil {
			return Event{}, 0, errTruncatedEvent
		}
		n += vn
		if delta > maxEventDelta {
			return Event{}, 0, &skipError{n, DiagBadEvent, "implausible time delta"}
		}
		if fn > 1<<32-1 {
			return Event{}, 0, &skipError{n, DiagBadEvent, fmt.Sprintf("label id %d out of range", fn)}
		}
		if !tables.HasFunc(uint32(fn)) {
			return Event{}, 0, &skipError{n, DiagBadRef, fmt.Sprintf("unknown label id %d", fn)}
		}
		ev.FuncID = uint32(fn)
	}
	return ev, n, nil
}
