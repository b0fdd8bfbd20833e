// Copyright 2025 The mtrace Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/mattn/go-isatty"
	"golang.org/x/exp/mmap"

	"github.com/memlyze/mtrace"
	"github.com/memlyze/mtrace/cmd/internal/spinner"
)

// openTrace maps the trace file into memory. Files that cannot be
// mapped are read whole instead.
func openTrace(path string) (mtrace.Source, func() error, error) {
	r, err := mmap.Open(path)
	if err == nil {
		return r, r.Close, nil
	}
	data, rerr := os.ReadFile(path)
	if rerr != nil {
		return nil, nil, fmt.Errorf("opening trace: %w", rerr)
	}
	return bytes.NewReader(data), func() error { return nil }, nil
}

// progressSource wraps a Source and tracks the highest byte offset
// read from it, so a spinner can sample decode progress without
// touching the decoder from another goroutine.
type progressSource struct {
	mtrace.Source
	high atomic.Int64
}

func (s *progressSource) ReadAt(p []byte, off int64) (int, error) {
	n, err := s.Source.ReadAt(p, off)
	end := off + int64(n)
	for {
		old := s.high.Load()
		if end <= old || s.high.CompareAndSwap(old, end) {
			break
		}
	}
	return n, err
}

func (s *progressSource) progress() float64 {
	if n := s.Len(); n > 0 {
		return float64(s.high.Load()) / float64(n)
	}
	return 1
}

// startProgress begins a progress meter when stderr is a terminal.
// The returned stop function erases it.
func startProgress(sample func() float64) (stop func()) {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		return func() {}
	}
	spinner.Start(sample, spinner.Format("decoding... %.1f%%"))
	return spinner.Stop
}
