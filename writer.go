// Copyright 2025 The mtrace Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mtrace

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultQueueSize = 10000
	writeBatch       = 1000
	writerBufSize    = 64 << 10
)

// WriterStats counts a Writer's traffic.
type WriterStats struct {
	// EventsWritten counts events handed to the spill file and
	// BytesWritten their encoded size.
	EventsWritten uint64
	BytesWritten  uint64

	// EventsDropped counts events discarded because the queue was
	// full when a newer event arrived.
	EventsDropped uint64

	// QueueLen is the queue depth at the time of the snapshot.
	QueueLen int
}

// WriterOptions configures a Writer. The zero value uses defaults.
type WriterOptions struct {
	// QueueSize bounds the event queue between the record calls and
	// the background writer. When the queue is full the oldest queued
	// event is dropped to admit the new one. Defaults to 10000.
	QueueSize int

	// Now supplies event timestamps. Defaults to time.Now.
	Now func() time.Time

	// Logger receives writer lifecycle reports.
	Logger zerolog.Logger
}

// qslot holds one encoded event. Slots are reused, so steady-state
// recording does not allocate.
type qslot struct {
	n   uint8
	buf [maxEventLen]byte
}

// Writer records memory trace events into a trace file.
//
// The record calls (Alloc, Free, GC, Marker) are cheap and never
// block on I/O: each event is encoded into a slot of a fixed ring,
// and a background goroutine batches slots out to a spill file. When
// the producer outruns the drain, the oldest queued events are
// dropped and counted. Close drains the queue and assembles the
// final trace: fixed header, metadata block with the tables the
// writer interned while recording, then the event stream.
//
// A Writer is safe for concurrent use by multiple goroutines. Events
// recorded after Close are discarded.
type Writer struct {
	path string
	log  zerolog.Logger
	now  func() time.Time

	mu      sync.Mutex
	cond    *sync.Cond
	ring    []qslot
	head    int // next slot to drain
	count   int // queued events
	tables  *Tables
	startUS uint64
	lastUS  uint64
	stats   WriterStats
	closed  bool
	werr    error // first background write error

	spill *os.File
	bw    *bufio.Writer
	done  chan struct{}
}

// NewWriter creates a trace writer that assembles the trace at path
// on Close. The spill file backing the queue is created next to path
// immediately.
func NewWriter(path string, opts WriterOptions) (*Writer, error) {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	spill, err := os.CreateTemp(filepath.Dir(path), ".mtrace-spill-*")
	if err != nil {
		return nil, fmt.Errorf("creating trace spill file: %w", err)
	}
	w := &Writer{
		path:   path,
		log:    opts.Logger,
		now:    opts.Now,
		ring:   make([]qslot, opts.QueueSize),
		tables: NewTables(),
		spill:  spill,
		bw:     bufio.NewWriterSize(spill, writerBufSize),
		done:   make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	w.startUS = uint64(opts.Now().UnixMicro())
	w.lastUS = w.startUS
	go w.run()
	w.log.Debug().Str("path", path).Int("queue", opts.QueueSize).Msg("trace writer started")
	return w, nil
}

// Alloc records an allocation event. stack is the allocating call
// stack, outermost frame first.
func (w *Writer) Alloc(addr, size uint64, stack []CallFrame, threadID uint16) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	id := w.tables.StackID(stack)
	delta := w.tickLocked()
	w.enqueueLocked(func(b []byte) int {
		return len(appendAllocEvent(b, delta, addr, size, id, threadID))
	})
}

// Free records a free event.
func (w *Writer) Free(addr uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	delta := w.tickLocked()
	w.enqueueLocked(func(b []byte) int {
		return len(appendFreeEvent(b, delta, addr))
	})
}

// GC records a collection cycle summary.
func (w *Writer) GC(objects, bytesFreed uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	delta := w.tickLocked()
	w.enqueueLocked(func(b []byte) int {
		return len(appendGCEvent(b, delta, objects, bytesFreed))
	})
}

// Marker records a named phase marker.
func (w *Writer) Marker(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	id := w.tables.FuncID(name)
	delta := w.tickLocked()
	w.enqueueLocked(func(b []byte) int {
		return len(appendMarkerEvent(b, delta, id))
	})
}

// Stats returns a snapshot of the writer's counters.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stats
	s.QueueLen = w.count
	return s
}

// tickLocked returns the microseconds since the previous event,
// clamping backwards clock steps to zero.
func (w *Writer) tickLocked() uint64 {
	now := uint64(w.now().UnixMicro())
	if now < w.lastUS {
		now = w.lastUS
	}
	delta := now - w.lastUS
	w.lastUS = now
	return delta
}

func (w *Writer) enqueueLocked(fill func(b []byte) int) {
	if w.count == len(w.ring) {
		w.head = (w.head + 1) % len(w.ring)
		w.count--
		w.stats.EventsDropped++
	}
	slot := &w.ring[(w.head+w.count)%len(w.ring)]
	slot.n = uint8(fill(slot.buf[:0]))
	w.count++
	w.cond.Signal()
}

// run drains the queue into the spill file in batches.
func (w *Writer) run() {
	defer close(w.done)
	buf := make([]byte, 0, writerBufSize)
	for {
		w.mu.Lock()
		for w.count == 0 && !w.closed {
			w.cond.Wait()
		}
		if w.count == 0 {
			w.mu.Unlock()
			return
		}
		n := w.count
		if n > writeBatch {
			n = writeBatch
		}
		buf = buf[:0]
		for i := 0; i < n; i++ {
			s := &w.ring[(w.head+i)%len(w.ring)]
			buf = append(buf, s.buf[:s.n]...)
		}
		w.head = (w.head + n) % len(w.ring)
		w.count -= n
		w.stats.EventsWritten += uint64(n)
		w.stats.BytesWritten += uint64(len(buf))
		w.mu.Unlock()

		if _, err := w.bw.Write(buf); err != nil {
			w.mu.Lock()
			first := w.werr == nil
			if first {
				w.werr = err
			}
			w.mu.Unlock()
			if first {
				w.log.Error().Err(err).Msg("trace spill write failed")
			}
		}
	}
}

// Close drains the queue and assembles the final trace file. It
// returns the first error the writer hit. Close more than once is
// a no-op.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.cond.Signal()
	w.mu.Unlock()
	<-w.done

	err := w.bw.Flush()
	w.mu.Lock()
	if w.werr != nil {
		err = w.werr
	}
	w.mu.Unlock()
	if err != nil {
		w.spill.Close()
		os.Remove(w.spill.Name())
		return fmt.Errorf("writing trace: %w", err)
	}
	return w.assemble()
}

// assemble splices header, metadata, and the spilled event stream
// into the final trace file.
func (w *Writer) assemble() error {
	defer func() {
		w.spill.Close()
		os.Remove(w.spill.Name())
	}()
	meta, err := w.tables.appendJSON(nil)
	if err != nil {
		return fmt.Errorf("encoding trace metadata: %w", err)
	}
	if uint64(len(meta)) > 1<<32-1 {
		return fmt.Errorf("trace metadata too large: %d bytes", len(meta))
	}
	out := AppendHeader(nil, Header{
		Version:     Version,
		StartTime:   w.startUS,
		MetadataLen: uint32(len(meta)),
	})
	out = append(out, meta...)

	tmp := w.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(out); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if _, err := w.spill.Seek(0, io.SeekStart); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if _, err := io.Copy(f, w.spill); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, w.path); err != nil {
		os.Remove(tmp)
		return err
	}
	s := w.Stats()
	w.log.Info().Str("path", w.path).Uint64("events", s.EventsWritten).Uint64("dropped", s.EventsDropped).Msg("trace written")
	return nil
}
