// Copyright 2025 The mtrace Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/memlyze/mtrace"
)

type analyzeOptions struct {
	top         int
	minLifetime time.Duration
	filter      string
	maxEvents   uint64
	timeout     time.Duration
}

func newAnalyzeCmd() *cobra.Command {
	var opts analyzeOptions
	cmd := &cobra.Command{
		Use:   "analyze <trace>",
		Short: "reconstruct a trace and report leaks and hotspots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.applyConfig(cmd, app.cfg); err != nil {
				return err
			}
			return runAnalyze(cmd.Context(), cmd.OutOrStdout(), args[0], opts)
		},
	}
	f := cmd.Flags()
	f.IntVarP(&opts.top, "top", "n", 5, "number of allocators and leaks to show")
	f.DurationVar(&opts.minLifetime, "min-lifetime", 0, "only report leaks at least this old")
	f.StringVar(&opts.filter, "filter", "", `allocation filter, e.g. 'size >= 4096 && live'`)
	f.Uint64Var(&opts.maxEvents, "max-events", 0, "stop reconstruction after this many events")
	f.DurationVar(&opts.timeout, "timeout", 0, "bound reconstruction wall time")
	return cmd
}

// applyConfig fills in flags the user left untouched from the config
// file.
func (o *analyzeOptions) applyConfig(cmd *cobra.Command, cfg config) error {
	f := cmd.Flags()
	if cfg.Top != nil && !f.Changed("top") {
		o.top = *cfg.Top
	}
	if cfg.MinLifetime != nil && !f.Changed("min-lifetime") {
		d, err := cfg.minLifetime()
		if err != nil {
			return err
		}
		o.minLifetime = d
	}
	if cfg.Filter != nil && !f.Changed("filter") {
		o.filter = *cfg.Filter
	}
	if cfg.MaxEvents != nil && !f.Changed("max-events") {
		o.maxEvents = *cfg.MaxEvents
	}
	return nil
}

// analysis gathers everything the report prints.
type analysis struct {
	path     string
	fileSize int
	tl       *mtrace.Timeline
	flt      *mtrace.Filter
	opts     analyzeOptions

	allocs    []mtrace.Allocation
	leaks     []mtrace.Leak
	hot       []mtrace.Hotspot
	sizes     []mtrace.SizeBucket
	peakTime  uint64
	peakBytes uint64
	rate      float64
}

func runAnalyze(ctx context.Context, w io.Writer, path string, opts analyzeOptions) error {
	var flt *mtrace.Filter
	if opts.filter != "" {
		f, err := mtrace.CompileFilter(opts.filter)
		if err != nil {
			return fmt.Errorf("bad --filter: %w", err)
		}
		flt = f
	}

	src, closeSrc, err := openTrace(path)
	if err != nil {
		return err
	}
	defer closeSrc()

	ps := &progressSource{Source: src}
	d, err := mtrace.NewDecoder(ps)
	if err != nil {
		return err
	}

	stop := startProgress(ps.progress)
	tl, err := mtrace.BuildTimeline(ctx, d, mtrace.BuildOptions{
		MaxEvents: opts.maxEvents,
		Timeout:   opts.timeout,
		Logger:    app.log.With().Str("trace", filepath.Base(path)).Logger(),
	})
	stop()
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	a := analysis{
		path:     path,
		fileSize: ps.Len(),
		tl:       tl,
		flt:      flt,
		opts:     opts,
		allocs:   tl.Allocations(),
	}
	if flt != nil {
		a.allocs, err = tl.FilterAllocations(flt)
		if err != nil {
			return fmt.Errorf("evaluating filter: %w", err)
		}
	}
	span := time.Duration(tl.EndTime()-tl.StartTime()) * time.Microsecond

	// The timeline is immutable once built, so the report inputs can
	// be gathered in parallel.
	var eg errgroup.Group
	eg.Go(func() error {
		a.leaks = mtrace.Leaks(a.allocs, tl.EndTime(), opts.minLifetime)
		return nil
	})
	eg.Go(func() error {
		a.hot = mtrace.Hotspots(a.allocs, opts.top)
		return nil
	})
	eg.Go(func() error {
		a.sizes = mtrace.SizeDistribution(tl)
		return nil
	})
	eg.Go(func() error {
		a.peakTime, a.peakBytes = tl.PeakMemory()
		a.rate = tl.AllocationRate(span)
		return nil
	})
	if err := eg.Wait(); err != nil {
		return err
	}

	printReport(w, a)

	if st := tl.Stats(); st.Partial {
		warnColor.Fprintf(os.Stderr, "warning: partial trace: %s\n", st.Reason)
	}
	return nil
}

func printReport(w io.Writer, a analysis) {
	st := a.tl.Stats()
	tb := a.tl.Tables()
	h := a.tl.Header()
	span := time.Duration(a.tl.EndTime()-a.tl.StartTime()) * time.Microsecond

	banner(w, "memory trace analysis")
	tr := &tree{w: w}

	section(w, "FILE")
	tr.add("%-14s%s", "Path:", a.path)
	tr.add("%-14s%s", "Size:", fmtBytes(uint64(a.fileSize)))
	tr.add("%-14s%d", "Version:", h.Version)
	tr.add("%-14s%s", "Started:", fmtTime(h.StartTime))
	tr.add("%-14s%s stacks, %s files, %s functions", "Tables:",
		comma(uint64(tb.NumStacks())), comma(uint64(tb.NumFiles())), comma(uint64(tb.NumFuncs())))
	tr.flush()

	section(w, "EVENTS")
	tr.add("%-14s%s", "Applied:", comma(st.Events))
	tr.add("%-14s%s", "Allocations:", comma(st.Allocs))
	frees := comma(st.Frees)
	if st.UntrackedFrees > 0 {
		frees += fmt.Sprintf(" (%s untracked)", comma(st.UntrackedFrees))
	}
	tr.add("%-14s%s", "Frees:", frees)
	tr.add("%-14s%s", "GC cycles:", comma(st.GCs))
	tr.add("%-14s%s", "Markers:", comma(st.Markers))
	if st.Skipped > 0 {
		tr.add("%-14s%s (%s)", "Skipped:", comma(st.Skipped), fmtBytes(uint64(st.SkippedBytes)))
	}
	tr.add("%-14s%s", "Span:", span)
	if st.Partial {
		tr.add("%s", warnColor.Sprintf("partial trace: %s", st.Reason))
	}
	tr.flush()

	title := "LEAK CANDIDATES"
	if a.opts.minLifetime > 0 {
		title = fmt.Sprintf("LEAK CANDIDATES (age >= %s)", a.opts.minLifetime)
	}
	if a.flt != nil {
		title += fmt.Sprintf(" [filter: %s]", a.flt)
	}
	section(w, title)
	var leakBytes uint64
	for _, l := range a.leaks {
		leakBytes += l.Size
	}
	if len(a.leaks) == 0 {
		tr.add("%s", okColor.Sprint("none"))
	} else {
		tr.add("%-14s%s", "Still live:", badColor.Sprintf("%s instances", comma(uint64(len(a.leaks)))))
		tr.add("%-14s%s", "Total size:", badColor.Sprint(fmtBytes(leakBytes)))
		shown := a.leaks
		if a.opts.top > 0 && len(shown) > a.opts.top {
			shown = shown[:a.opts.top]
		}
		for _, l := range shown {
			age := time.Duration(l.Age) * time.Microsecond
			tr.add("0x%012x  %s, age %s, %s", l.Address, fmtBytes(l.Size), age, site(tb, l.StackID))
		}
		if len(a.leaks) > len(shown) {
			tr.add("(%s more not shown)", comma(uint64(len(a.leaks)-len(shown))))
		}
	}
	tr.flush()

	title = "TOP ALLOCATORS"
	if a.flt != nil {
		title += fmt.Sprintf(" [filter: %s]", a.flt)
	}
	section(w, title)
	if len(a.hot) == 0 {
		tr.add("no allocations")
	} else {
		var denom uint64
		for _, al := range a.allocs {
			denom += al.Size
		}
		for i, hs := range a.hot {
			pct := 0.0
			if denom > 0 {
				pct = float64(hs.TotalBytes) / float64(denom) * 100
			}
			tr.add("#%d: %12s bytes (%5.1f%%), %s allocs, %s live - %s",
				i+1, comma(hs.TotalBytes), pct, comma(hs.Count),
				fmtBytes(hs.LiveBytes), site(tb, hs.StackID))
		}
	}
	tr.flush()

	section(w, "MEMORY")
	tr.add("%-14s%s at %s", "Peak:", fmtBytes(a.peakBytes), fmtOffset(a.peakTime-a.tl.StartTime()))
	tr.add("%-14s%.1f allocs/s", "Rate:", a.rate)
	tr.add("%-14s%s", "Allocated:", fmtBytes(st.AllocatedBytes))
	tr.add("%-14s%s", "Freed:", fmtBytes(st.FreedBytes))
	tr.add("%-14s%s", "Still live:", fmtBytes(st.AllocatedBytes-st.FreedBytes))
	if st.GCs > 0 {
		tr.add("%-14s%s objects, %s", "GC reclaimed:", comma(st.GCObjects), fmtBytes(st.GCBytes))
	}
	if st.Superseded > 0 {
		tr.add("%-14s%s", "Reused addrs:", comma(st.Superseded))
	}
	tr.flush()

	section(w, "SIZE DISTRIBUTION")
	if len(a.sizes) == 0 {
		tr.add("no allocations")
	} else {
		for _, b := range a.sizes {
			tr.add("%10s .. %-10s %8s allocs, %s", comma(b.Lo), comma(b.Hi), comma(b.Count), fmtBytes(b.Bytes))
		}
	}
	tr.flush()

	section(w, "ASSESSMENT")
	switch {
	case leakBytes > 1<<20:
		tr.add("%s", badColor.Sprintf("CRITICAL: %s still live at trace end, inspect the top allocators", fmtBytes(leakBytes)))
	case leakBytes > 100<<10:
		tr.add("%s", warnColor.Sprintf("WARNING: %s still live at trace end", fmtBytes(leakBytes)))
	default:
		tr.add("%s", okColor.Sprint("OK: no significant retention"))
	}
	if st.Partial {
		tr.add("%s", warnColor.Sprintf("results cover only the first %s events", comma(st.Events)))
	}
	tr.flush()
	fmt.Fprintln(w)
}
