// Copyright 2025 The mtrace Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"io"
	"math/bits"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/memlyze/mtrace"
)

type checkOptions struct {
	print    bool
	maxDiags int
}

func newCheckCmd() *cobra.Command {
	var opts checkOptions
	cmd := &cobra.Command{
		Use:   "check <trace>",
		Short: "scan a trace and report stream health",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.Context(), cmd.OutOrStdout(), args[0], opts)
		},
	}
	f := cmd.Flags()
	f.BoolVar(&opts.print, "print", false, "dump events as they decode")
	f.IntVar(&opts.maxDiags, "max-diags", 20, "limit printed anomalies and diagnostics")
	return cmd
}

func runCheck(ctx context.Context, w io.Writer, path string, opts checkOptions) error {
	src, closeSrc, err := openTrace(path)
	if err != nil {
		return err
	}
	defer closeSrc()

	d, err := mtrace.NewDecoder(src)
	if err != nil {
		return err
	}
	d.SetLogger(app.log)

	// The decoder is not safe for concurrent use, so the meter
	// samples progress under the same lock the scan loop holds.
	var mu sync.Mutex
	stop := startProgress(func() float64 {
		mu.Lock()
		prog := d.Progress()
		mu.Unlock()
		return prog
	})

	var (
		counts    [mtrace.EventMarker + 1]uint64
		allocAt   = make(map[uint64]uint64)
		freedOnce = make(map[uint64]bool)
		lifetimes [65]uint64

		reused, untracked, doubles uint64
		anomalies                  []string

		start  = d.Header().StartTime
		cur    = start
		reason string
	)
	for {
		if ctx.Err() != nil {
			reason = "interrupted"
			break
		}
		mu.Lock()
		ev, derr := d.Next()
		mu.Unlock()
		if derr == io.EOF {
			break
		}
		if derr != nil {
			reason = derr.Error()
			break
		}
		counts[ev.Kind]++
		cur += ev.Delta
		if opts.print {
			printEvent(w, d.Tables(), ev, cur-start)
		}
		switch ev.Kind {
		case mtrace.EventAlloc:
			if _, live := allocAt[ev.Address]; live {
				reused++
				if len(anomalies) < opts.maxDiags {
					anomalies = append(anomalies, fmt.Sprintf("allocated over live slot 0x%x at +%dus", ev.Address, cur-start))
				}
			}
			allocAt[ev.Address] = cur
		case mtrace.EventFree:
			at, live := allocAt[ev.Address]
			if !live {
				untracked++
				kind := "freed untracked slot"
				if freedOnce[ev.Address] {
					doubles++
					kind = "freed free slot"
				}
				if len(anomalies) < opts.maxDiags {
					anomalies = append(anomalies, fmt.Sprintf("%s 0x%x at +%dus", kind, ev.Address, cur-start))
				}
				break
			}
			lifetimes[bits.Len64(cur-at)]++
			delete(allocAt, ev.Address)
			freedOnce[ev.Address] = true
		}
	}
	stop()

	if n := reused + untracked; n > 0 {
		fmt.Fprintf(os.Stderr, "found %s anomalies in trace:\n", comma(n))
		for _, s := range anomalies {
			fmt.Fprintf(os.Stderr, "  %s\n", s)
		}
		if int(n) > len(anomalies) {
			fmt.Fprintf(os.Stderr, "  (%s more)\n", comma(n-uint64(len(anomalies))))
		}
	}

	if diags := d.Diagnostics(); len(diags) > 0 {
		shown := diags
		if len(shown) > opts.maxDiags {
			shown = shown[:opts.maxDiags]
		}
		fmt.Fprintf(os.Stderr, "decoder recorded %s diagnostics:\n", comma(uint64(len(diags))))
		for _, dg := range shown {
			fmt.Fprintf(os.Stderr, "  [offset %d] %s: %s\n", dg.Offset, dg.Kind, dg.Msg)
		}
		if len(diags) > len(shown) {
			fmt.Fprintf(os.Stderr, "  (%d more)\n", len(diags)-len(shown))
		}
	}

	fmt.Fprintf(w, "Allocs:  %s\n", comma(counts[mtrace.EventAlloc]))
	fmt.Fprintf(w, "Frees:   %s\n", comma(counts[mtrace.EventFree]))
	fmt.Fprintf(w, "GCs:     %s\n", comma(counts[mtrace.EventGC]))
	fmt.Fprintf(w, "Markers: %s\n", comma(counts[mtrace.EventMarker]))
	fmt.Fprintf(w, "Live:    %s\n", comma(uint64(len(allocAt))))
	if skippedEvents, skippedBytes := d.Skipped(); skippedEvents > 0 {
		fmt.Fprintf(w, "Skipped: %s (%s)\n", comma(skippedEvents), fmtBytes(uint64(skippedBytes)))
	}
	if doubles > 0 {
		fmt.Fprintf(w, "Double frees: %s\n", comma(doubles))
	}
	if opts.print {
		printLifetimes(w, lifetimes)
	}

	if reason != "" {
		warnColor.Fprintf(os.Stderr, "warning: partial trace: %s\n", reason)
	}
	return nil
}

// printEvent dumps one event in scan order, timestamped relative to
// the start of the trace.
func printEvent(w io.Writer, tb *mtrace.Tables, ev mtrace.Event, off uint64) {
	switch ev.Kind {
	case mtrace.EventAlloc:
		fmt.Fprintf(w, "[+%dus T %d] alloc(%d) @ 0x%x\n", off, ev.ThreadID, ev.Size, ev.Address)
	case mtrace.EventFree:
		fmt.Fprintf(w, "[+%dus] free @ 0x%x\n", off, ev.Address)
	case mtrace.EventGC:
		fmt.Fprintf(w, "[+%dus] gc reclaimed %d objects, %d bytes\n", off, ev.Count, ev.Size)
	case mtrace.EventMarker:
		label, _ := tb.Func(ev.FuncID)
		fmt.Fprintf(w, "[+%dus] marker %q\n", off, label)
	}
}

// printLifetimes renders the freed-lifetime histogram gathered during
// the scan, one power-of-two bucket per line, bounds in microseconds.
func printLifetimes(w io.Writer, buckets [65]uint64) {
	var total uint64
	for _, c := range buckets {
		total += c
	}
	if total == 0 {
		return
	}
	fmt.Fprintln(w, "Freed lifetimes (us):")
	for b, c := range buckets {
		if c == 0 {
			continue
		}
		var lo, hi uint64
		if b > 0 {
			lo = uint64(1) << (b - 1)
			hi = lo<<1 - 1
		}
		fmt.Fprintf(w, "  %10s .. %-10s %s\n", comma(lo), comma(hi), comma(c))
	}
}
