// Copyright 2025 The mtrace Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/memlyze/mtrace"
)

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <trace>",
		Short: "print the trace header and table summary",
		Long: `info validates the trace header and metadata block and prints what
it finds. The event stream itself is not decoded.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInfo(cmd.OutOrStdout(), args[0])
		},
	}
}

func runInfo(w io.Writer, path string) error {
	src, closeSrc, err := openTrace(path)
	if err != nil {
		return err
	}
	defer closeSrc()

	d, err := mtrace.NewDecoder(src)
	if err != nil {
		return err
	}
	h := d.Header()
	tb := d.Tables()
	events := src.Len() - mtrace.HeaderSize - int(h.MetadataLen)

	fmt.Fprintln(w, path)
	tr := &tree{w: w}
	tr.add("%-12s%d", "Version:", h.Version)
	tr.add("%-12s%s", "Started:", fmtTime(h.StartTime))
	tr.add("%-12s%s", "Size:", fmtBytes(uint64(src.Len())))
	tr.add("%-12s%s", "Metadata:", fmtBytes(uint64(h.MetadataLen)))
	tr.add("%-12s%s of events", "Stream:", fmtBytes(uint64(events)))
	tr.add("%-12s%s stacks, %s files, %s functions", "Tables:",
		comma(uint64(tb.NumStacks())), comma(uint64(tb.NumFiles())), comma(uint64(tb.NumFuncs())))
	tr.flush()
	return nil
}
