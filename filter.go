// Copyright 2025 The mtrace Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mtrace

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// FilterEnv is the expression environment a Filter evaluates against,
// one allocation instance at a time.
type FilterEnv struct {
	// Address, Size, StackID and ThreadID mirror the instance fields.
	Address  uint64 `expr:"addr"`
	Size     uint64 `expr:"size"`
	StackID  uint32 `expr:"stack"`
	ThreadID uint16 `expr:"thread"`

	// AllocatedAt and FreedAt are microseconds since the Unix epoch.
	// FreedAt is 0 while the instance is live.
	AllocatedAt uint64 `expr:"allocated_at"`
	FreedAt     uint64 `expr:"freed_at"`

	// Live reports that the instance was never freed. Superseded
	// reports that its address was reused while it was live.
	Live       bool `expr:"live"`
	Superseded bool `expr:"superseded"`

	// Age is microseconds from allocation to the end of the trace.
	// Lifetime is microseconds from allocation to free, 0 while live.
	Age      uint64 `expr:"age"`
	Lifetime uint64 `expr:"lifetime"`

	// Func and File name the innermost stack frame, the allocation
	// site. Both are "" when the stack has no frames.
	Func string `expr:"func"`
	File string `expr:"file"`
}

// Filter is a compiled allocation filter expression, for example
// `size >= 4096 && live` or `func == "pool_get" && age > 5000000`.
type Filter struct {
	src  string
	prog *vm.Program
}

// CompileFilter compiles an allocation filter expression. The
// expression must evaluate to a boolean; see FilterEnv for the
// identifiers it may reference.
func CompileFilter(src string) (*Filter, error) {
	prog, err := expr.Compile(src, expr.Env(FilterEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compiling filter: %w", err)
	}
	return &Filter{src: src, prog: prog}, nil
}

// String returns the filter source.
func (f *Filter) String() string { return f.src }

// Match evaluates the filter against one prepared environment.
func (f *Filter) Match(env FilterEnv) (bool, error) {
	res, err := expr.Run(f.prog, env)
	if err != nil {
		return false, fmt.Errorf("filter %q: %w", f.src, err)
	}
	return res.(bool), nil
}

// FilterAllocations returns the allocation instances matching f, in
// allocation order.
func (t *Timeline) FilterAllocations(f *Filter) ([]Allocation, error) {
	type site struct {
		file string
		fn   string
	}
	sites := make(map[uint32]site)
	var matched []Allocation
	for _, a := range t.allocs {
		s, ok := sites[a.StackID]
		if !ok {
			if frames := t.tables.Resolve(a.StackID); len(frames) > 0 {
				inner := frames[len(frames)-1]
				s = site{file: inner.File, fn: inner.Func}
			}
			sites[a.StackID] = s
		}
		env := FilterEnv{
			Address:     a.Address,
			Size:        a.Size,
			StackID:     a.StackID,
			ThreadID:    a.ThreadID,
			AllocatedAt: a.AllocatedAt,
			Live:        a.Live(),
			Superseded:  a.Superseded,
			Age:         a.Age(t.end),
			Func:        s.fn,
			File:        s.file,
		}
		if lt, ok := a.Lifetime(); ok {
			env.Lifetime = lt
			env.FreedAt = a.FreedAt
		}
		ok, err := f.Match(env)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, a)
		}
	}
	return matched, nil
}
