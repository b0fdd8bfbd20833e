// Copyright 2025 The mtrace Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mtrace

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/valyala/fastjson"
)

// ErrMalformedMetadata is returned when a trace's metadata block is
// not valid JSON or does not have the expected shape.
var ErrMalformedMetadata = errors.New("malformed metadata")

// Frame is one stack frame in a trace's stack table, with the file
// path and function name interned as table ids.
type Frame struct {
	FileID uint32
	Line   int32
	FuncID uint32
}

// CallFrame is one resolved stack frame.
type CallFrame struct {
	File string
	Line int32
	Func string
}

func (c CallFrame) String() string {
	return fmt.Sprintf("%s:%d %s()", c.File, c.Line, c.Func)
}

// Tables holds the deduplication tables of a trace: interned call
// stacks, file paths, and function names. A trace's metadata block
// is the JSON encoding of its tables.
//
// Tables are not safe for concurrent use. The interning methods are
// meant for the producer side; a Decoder's tables should be treated
// as read-only.
type Tables struct {
	stacks map[uint32][]Frame
	files  map[uint32]string
	funcs  map[uint32]string

	stackIDs map[string]uint32
	fileIDs  map[string]uint32
	funcIDs  map[string]uint32

	nextStack uint32
	nextFile  uint32
	nextFunc  uint32
}

// NewTables returns empty tables.
func NewTables() *Tables {
	return &Tables{
		stacks:   make(map[uint32][]Frame),
		files:    make(map[uint32]string),
		funcs:    make(map[uint32]string),
		stackIDs: make(map[string]uint32),
		fileIDs:  make(map[string]uint32),
		funcIDs:  make(map[string]uint32),
	}
}

// FileID interns a file path and returns its id.
func (t *Tables) FileID(path string) uint32 {
	if id, ok := t.fileIDs[path]; ok {
		return id
	}
	id := t.nextFile
	t.nextFile++
	t.files[id] = path
	t.fileIDs[path] = id
	return id
}

// FuncID interns a function or marker name and returns its id.
func (t *Tables) FuncID(name string) uint32 {
	if id, ok := t.funcIDs[name]; ok {
		return id
	}
	id := t.nextFunc
	t.nextFunc++
	t.funcs[id] = name
	t.funcIDs[name] = id
	return id
}

// StackID interns a call stack and returns its id. Equal stacks map
// to the same id for the lifetime of the tables.
func (t *Tables) StackID(stack []CallFrame) uint32 {
	frames := make([]Frame, len(stack))
	var key strings.Builder
	for i, cf := range stack {
		frames[i] = Frame{
			FileID: t.FileID(cf.File),
			Line:   cf.Line,
			FuncID: t.FuncID(cf.Func),
		}
		fmt.Fprintf(&key, "%d:%d:%d;", frames[i].FileID, frames[i].Line, frames[i].FuncID)
	}
	if id, ok := t.stackIDs[key.String()]; ok {
		return id
	}
	id := t.nextStack
	t.nextStack++
	t.stacks[id] = frames
	t.stackIDs[key.String()] = id
	return id
}

// Stack returns the interned frames for a stack id.
func (t *Tables) Stack(id uint32) ([]Frame, bool) {
	frames, ok := t.stacks[id]
	return frames, ok
}

// File returns the path for a file id.
func (t *Tables) File(id uint32) (string, bool) {
	path, ok := t.files[id]
	return path, ok
}

// Func returns the name for a function id.
func (t *Tables) Func(id uint32) (string, bool) {
	name, ok := t.funcs[id]
	return name, ok
}

// HasStack reports whether a stack id is present in the tables.
func (t *Tables) HasStack(id uint32) bool {
	_, ok := t.stacks[id]
	return ok
}

// HasFunc reports whether a function id is present in the tables.
func (t *Tables) HasFunc(id uint32) bool {
	_, ok := t.funcs[id]
	return ok
}

// Resolve returns the human-readable frames for a stack id, in table
// order. Frames whose file or function id does not resolve get a "?"
// placeholder. Resolve returns nil for an unknown stack id.
func (t *Tables) Resolve(id uint32) []CallFrame {
	frames, ok := t.stacks[id]
	if !ok {
		return nil
	}
	out := make([]CallFrame, len(frames))
	for i, f := range frames {
		cf := CallFrame{File: "?", Line: f.Line, Func: "?"}
		if path, ok := t.files[f.FileID]; ok {
			cf.File = path
		}
		if name, ok := t.funcs[f.FuncID]; ok {
			cf.Func = name
		}
		out[i] = cf
	}
	return out
}

// NumStacks returns the number of interned call stacks.
func (t *Tables) NumStacks() int { return len(t.stacks) }

// NumFiles returns the number of interned file paths.
func (t *Tables) NumFiles() int { return len(t.files) }

// NumFuncs returns the number of interned function names.
func (t *Tables) NumFuncs() int { return len(t.funcs) }

// parseTables decodes a metadata block. The block is a JSON object
// with up to three members, each keyed by decimal id strings:
//
//	{"stack_traces": {"0": [{"file_id": 0, "line": 12, "func_id": 0}]},
//	 "files": {"0": "src/pool.c"},
//	 "functions": {"0": "pool_get"}}
//
// Missing members are treated as empty tables. A duplicate id within
// a member keeps the last value.
func parseTables(data []byte) (*Tables, error) {
	t := NewTables()
	if len(data) == 0 {
		return t, nil
	}
	var p fastjson.Parser
	v, err := p.ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMetadata, err)
	}
	if v.Type() != fastjson.TypeObject {
		return nil, fmt.Errorf("%w: top level is %s, not an object", ErrMalformedMetadata, v.Type())
	}
	if err := t.parseStacks(v.Get("stack_traces")); err != nil {
		return nil, err
	}
	if err := t.parseStrings(v.Get("files"), t.files, &t.nextFile, "files"); err != nil {
		return nil, err
	}
	if err := t.parseStrings(v.Get("functions"), t.funcs, &t.nextFunc, "functions"); err != nil {
		return nil, err
	}
	for id, path := range t.files {
		t.fileIDs[path] = id
	}
	for id, name := range t.funcs {
		t.funcIDs[name] = id
	}
	ids := make([]uint32, 0, len(t.stacks))
	for id := range t.stacks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		var key strings.Builder
		for _, f := range t.stacks[id] {
			fmt.Fprintf(&key, "%d:%d:%d;", f.FileID, f.Line, f.FuncID)
		}
		if _, ok := t.stackIDs[key.String()]; !ok {
			t.stackIDs[key.String()] = id
		}
	}
	return t, nil
}

func (t *Tables) parseStacks(v *fastjson.Value) error {
	if v == nil {
		return nil
	}
	obj, err := v.Object()
	if err != nil {
		return fmt.Errorf("%w: stack_traces: %v", ErrMalformedMetadata, err)
	}
	var perr error
	obj.Visit(func(key []byte, val *fastjson.Value) {
		if perr != nil {
			return
		}
		id, err := parseTableID(key)
		if err != nil {
			perr = fmt.Errorf("%w: stack_traces: %v", ErrMalformedMetadata, err)
			return
		}
		arr, err := val.Array()
		if err != nil {
			perr = fmt.Errorf("%w: stack %d: %v", ErrMalformedMetadata, id, err)
			return
		}
		frames := make([]Frame, 0, len(arr))
		for _, fv := range arr {
			fileID, err := frameField(fv, "file_id")
			if err == nil {
				var funcID uint64
				funcID, err = frameField(fv, "func_id")
				if err == nil {
					var line uint64
					line, err = frameField(fv, "line")
					if err == nil && line > 1<<31-1 {
						err = fmt.Errorf("line %d out of range", line)
					}
					if err == nil {
						frames = append(frames, Frame{
							FileID: uint32(fileID),
							Line:   int32(line),
							FuncID: uint32(funcID),
						})
					}
				}
			}
			if err != nil {
				perr = fmt.Errorf("%w: stack %d: %v", ErrMalformedMetadata, id, err)
				return
			}
		}
		t.stacks[id] = frames
		if id >= t.nextStack {
			t.nextStack = id + 1
		}
	})
	return perr
}

func frameField(v *fastjson.Value, key string) (uint64, error) {
	f := v.Get(key)
	if f == nil {
		return 0, fmt.Errorf("frame missing %q", key)
	}
	n, err := f.Uint64()
	if err != nil {
		return 0, fmt.Errorf("frame %s: %v", key, err)
	}
	if key != "line" && n > 1<<32-1 {
		return 0, fmt.Errorf("frame %s %d out of range", key, n)
	}
	return n, nil
}

func (t *Tables) parseStrings(v *fastjson.Value, dst map[uint32]string, next *uint32, what string) error {
	if v == nil {
		return nil
	}
	obj, err := v.Object()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedMetadata, what, err)
	}
	var perr error
	obj.Visit(func(key []byte, val *fastjson.Value) {
		if perr != nil {
			return
		}
		id, err := parseTableID(key)
		if err != nil {
			perr = fmt.Errorf("%w: %s: %v", ErrMalformedMetadata, what, err)
			return
		}
		s, err := val.StringBytes()
		if err != nil {
			perr = fmt.Errorf("%w: %s %d: %v", ErrMalformedMetadata, what, id, err)
			return
		}
		dst[id] = string(s)
		if id >= *next {
			*next = id + 1
		}
	})
	return perr
}

func parseTableID(key []byte) (uint32, error) {
	id, err := strconv.ParseUint(string(key), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("id %q: %v", key, err)
	}
	return uint32(id), nil
}

// appendJSON appends the JSON encoding of the tables to dst. The
// encoding round-trips through parseTables.
func (t *Tables) appendJSON(dst []byte) ([]byte, error) {
	type frameJSON struct {
		FileID uint32 `json:"file_id"`
		Line   int32  `json:"line"`
		FuncID uint32 `json:"func_id"`
	}
	meta := struct {
		Stacks map[string][]frameJSON `json:"stack_traces"`
		Files  map[string]string      `json:"files"`
		Funcs  map[string]string      `json:"functions"`
	}{
		Stacks: make(map[string][]frameJSON, len(t.stacks)),
		Files:  make(map[string]string, len(t.files)),
		Funcs:  make(map[string]string, len(t.funcs)),
	}
	for id, frames := range t.stacks {
		fs := make([]frameJSON, len(frames))
		for i, f := range frames {
			fs[i] = frameJSON{FileID: f.FileID, Line: f.Line, FuncID: f.FuncID}
		}
		meta.Stacks[strconv.FormatUint(uint64(id), 10)] = fs
	}
	for id, path := range t.files {
		meta.Files[strconv.FormatUint(uint64(id), 10)] = path
	}
	for id, name := range t.funcs {
		meta.Funcs[strconv.FormatUint(uint64(id), 10)] = name
	}
	b, err := json.Marshal(&meta)
	if err != nil {
		return nil, err
	}
	return append(dst, b...), nil
}
