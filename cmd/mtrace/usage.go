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

	"github.com/spf13/cobra"

	"github.com/memlyze/mtrace"
)

func newUsageCmd() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "usage <trace>",
		Short: "emit the live-bytes series as CSV",
		Long: `usage reconstructs the trace and writes one CSV row per applied
event: the timestamp in microseconds since the Unix epoch and the
bytes live after the event. The peak is reported on stderr.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUsage(cmd.Context(), cmd.OutOrStdout(), args[0], outPath)
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write CSV to this file instead of stdout")
	return cmd
}

func runUsage(ctx context.Context, w io.Writer, path, outPath string) error {
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
	tl, err := mtrace.BuildTimeline(ctx, d, mtrace.BuildOptions{Logger: app.log})
	stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	out := w
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	fmt.Fprintln(out, "timestamp_us,live_bytes")
	for _, p := range tl.Usage() {
		fmt.Fprintf(out, "%d,%d\n", p.Time, p.Live)
	}

	ts, peak := tl.PeakMemory()
	fmt.Fprintf(os.Stderr, "peak %s at %s\n", fmtBytes(peak), fmtOffset(ts-tl.StartTime()))
	if st := tl.Stats(); st.Partial {
		warnColor.Fprintf(os.Stderr, "warning: partial trace: %s\n", st.Reason)
	}
	return nil
}
