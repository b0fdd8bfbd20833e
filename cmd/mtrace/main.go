// Copyright 2025 The mtrace Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command mtrace inspects memory allocation traces.
//
// A trace records every allocation, free, collection cycle and phase
// marker of an instrumented process. The subcommands reconstruct the
// heap from that record: analyze produces a full report, check scans
// the stream and reports its health, info prints the header, and
// usage emits the live-bytes series as CSV.
package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var app struct {
	verbose    bool
	noColor    bool
	configPath string

	cfg config
	log zerolog.Logger
}

func main() {
	cmd := &cobra.Command{
		Use:   "mtrace",
		Short: "inspect memory allocation traces",
		Long: `mtrace decodes and analyzes memory allocation traces.

Corrupted traces are salvaged rather than rejected: unreadable events
are skipped and everything decoded before a truncation point is still
reported, with a partial-trace warning. Only an unreadable header is
a hard failure.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup()
		},
	}
	pf := cmd.PersistentFlags()
	pf.BoolVarP(&app.verbose, "verbose", "v", false, "log decode diagnostics to stderr")
	pf.BoolVar(&app.noColor, "no-color", false, "disable colored output")
	pf.StringVar(&app.configPath, "config", "", "config file (default mtrace.yaml if present)")

	cmd.AddCommand(newAnalyzeCmd(), newCheckCmd(), newInfoCmd(), newUsageCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// setup runs before any subcommand. It loads the optional config
// file and wires logging and color for the rest of the run.
func setup() error {
	cfg, err := loadConfig(app.configPath)
	if err != nil {
		return err
	}
	app.cfg = cfg

	level := zerolog.WarnLevel
	if app.verbose {
		level = zerolog.DebugLevel
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	app.log = zerolog.New(out).Level(level).With().Timestamp().Logger()

	if app.noColor || (cfg.Color != nil && !*cfg.Color) {
		color.NoColor = true
	}
	return nil
}
