// Copyright 2025 The mtrace Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func ptr[T any](v T) *T { return &v }

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mtrace.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
top: 7
min_lifetime: 2m
filter: "size >= 1024"
max_events: 5000
color: false
`)
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Top == nil || *cfg.Top != 7 {
		t.Errorf("Top = %v, want 7", cfg.Top)
	}
	if cfg.MinLifetime == nil || *cfg.MinLifetime != "2m" {
		t.Errorf("MinLifetime = %v, want 2m", cfg.MinLifetime)
	}
	if cfg.Filter == nil || *cfg.Filter != "size >= 1024" {
		t.Errorf("Filter = %v", cfg.Filter)
	}
	if cfg.MaxEvents == nil || *cfg.MaxEvents != 5000 {
		t.Errorf("MaxEvents = %v, want 5000", cfg.MaxEvents)
	}
	if cfg.Color == nil || *cfg.Color {
		t.Errorf("Color = %v, want false", cfg.Color)
	}
	d, err := cfg.minLifetime()
	if err != nil {
		t.Fatalf("minLifetime: %v", err)
	}
	if d != 2*time.Minute {
		t.Errorf("minLifetime = %v, want 2m", d)
	}
}

func TestLoadConfigMissingDefault(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(wd) })
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig with no file: %v", err)
	}
	if cfg != (config{}) {
		t.Errorf("got %+v, want zero config", cfg)
	}
}

func TestLoadConfigMissingExplicit(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing explicit config path")
	}
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "topp: 7\n")
	if _, err := loadConfig(path); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestApplyConfigPrecedence(t *testing.T) {
	cfg := config{
		Top:         ptr(9),
		MinLifetime: ptr("150ms"),
		Filter:      ptr("live"),
		MaxEvents:   ptr(uint64(42)),
	}

	// Nothing set on the command line: the file wins everywhere.
	cmd := newAnalyzeCmd()
	opts := analyzeOptions{top: 5}
	if err := opts.applyConfig(cmd, cfg); err != nil {
		t.Fatalf("applyConfig: %v", err)
	}
	if opts.top != 9 || opts.filter != "live" || opts.maxEvents != 42 {
		t.Errorf("got top=%d filter=%q maxEvents=%d", opts.top, opts.filter, opts.maxEvents)
	}
	if opts.minLifetime != 150*time.Millisecond {
		t.Errorf("minLifetime = %v, want 150ms", opts.minLifetime)
	}

	// Flags the user touched stay put.
	cmd = newAnalyzeCmd()
	if err := cmd.Flags().Set("top", "3"); err != nil {
		t.Fatal(err)
	}
	opts = analyzeOptions{top: 3}
	if err := opts.applyConfig(cmd, cfg); err != nil {
		t.Fatalf("applyConfig: %v", err)
	}
	if opts.top != 3 {
		t.Errorf("top = %d, want flag value 3", opts.top)
	}
	if opts.filter != "live" {
		t.Errorf("filter = %q, want config value", opts.filter)
	}
}

func TestApplyConfigBadDuration(t *testing.T) {
	cfg := config{MinLifetime: ptr("soon")}
	var opts analyzeOptions
	if err := opts.applyConfig(newAnalyzeCmd(), cfg); err == nil {
		t.Error("expected error for unparseable min_lifetime")
	}
}
