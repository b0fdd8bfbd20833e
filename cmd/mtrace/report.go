// Copyright 2025 The mtrace Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/memlyze/mtrace"
)

var (
	ruleColor = color.New(color.FgCyan)
	headColor = color.New(color.FgYellow, color.Bold)
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow, color.Bold)
	badColor  = color.New(color.FgRed, color.Bold)
)

// banner prints the framed report title.
func banner(w io.Writer, title string) {
	ruleColor.Fprintln(w, strings.Repeat("=", 70))
	fmt.Fprintf(w, "  %s\n", title)
	ruleColor.Fprintln(w, strings.Repeat("=", 70))
}

// section prints a report section heading.
func section(w io.Writer, title string) {
	fmt.Fprintln(w)
	headColor.Fprintf(w, "  %s\n", title)
}

// tree prints a section's items with connector prefixes. Items are
// buffered so the last one gets the closing connector.
type tree struct {
	w     io.Writer
	items []string
}

func (t *tree) add(format string, args ...any) {
	t.items = append(t.items, fmt.Sprintf(format, args...))
}

func (t *tree) flush() {
	for i, it := range t.items {
		prefix := "  ├─ "
		if i == len(t.items)-1 {
			prefix = "  └─ "
		}
		fmt.Fprintf(t.w, "%s%s\n", prefix, it)
	}
	t.items = t.items[:0]
}

// comma inserts thousands separators: 1234567 becomes "1,234,567".
func comma(v uint64) string {
	s := strconv.FormatUint(v, 10)
	if len(s) <= 3 {
		return s
	}
	var b []byte
	lead := len(s) % 3
	if lead > 0 {
		b = append(b, s[:lead]...)
	}
	for i := lead; i < len(s); i += 3 {
		if len(b) > 0 {
			b = append(b, ',')
		}
		b = append(b, s[i:i+3]...)
	}
	return string(b)
}

// fmtBytes renders a byte count, with a scaled form for anything a
// kilobyte or larger: "1,234,567 bytes (1.2 MB)".
func fmtBytes(v uint64) string {
	if v < 1024 {
		return fmt.Sprintf("%s bytes", comma(v))
	}
	f := float64(v) / 1024
	units := []string{"KB", "MB", "GB", "TB"}
	i := 0
	for f >= 1024 && i < len(units)-1 {
		f /= 1024
		i++
	}
	return fmt.Sprintf("%s bytes (%.1f %s)", comma(v), f, units[i])
}

// fmtTime renders a trace timestamp, microseconds since the Unix
// epoch, as wall time.
func fmtTime(us uint64) string {
	return time.UnixMicro(int64(us)).UTC().Format("2006-01-02 15:04:05 MST")
}

// fmtOffset renders a microsecond offset from the start of the trace.
func fmtOffset(us uint64) string {
	return "+" + (time.Duration(us) * time.Microsecond).String()
}

// site renders the allocation site of a stack: its innermost frame,
// file shortened to the base name. Stacks with no recorded frames
// fall back to the raw id.
func site(tb *mtrace.Tables, id uint32) string {
	frames := tb.Resolve(id)
	if len(frames) == 0 {
		return fmt.Sprintf("stack %d", id)
	}
	f := frames[len(frames)-1]
	return fmt.Sprintf("%s:%d %s()", filepath.Base(f.File), f.Line, f.Func)
}
