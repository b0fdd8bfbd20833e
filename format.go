// Copyright 2025 The mtrace Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mtrace

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// A trace begins with a fixed-size header:
//
//	offset 0:  magic "MTRC" (4 bytes)
//	offset 4:  format version (uint32, little endian)
//	offset 8:  start time in microseconds since the Unix epoch (uint64)
//	offset 16: metadata length in bytes (uint32)
//	offset 20: reserved, zero
//
// The header is followed by the metadata block (JSON, see tables.go)
// and then the event stream. Each event starts with a one-byte type
// tag and a varint time delta; the rest of the payload depends on
// the type. All fixed-width fields are little endian.

const (
	// HeaderSize is the size of the fixed trace header in bytes.
	HeaderSize = 256

	// Version is the trace format version this package writes and
	// the highest version it can read.
	Version = 1
)

var magic = [4]byte{'M', 'T', 'R', 'C'}

// Wire type tags for the event stream.
const (
	tagAlloc uint8 = iota
	tagFree
	tagGC
	tagMarker

	tagLast = tagMarker
)

// maxVarintLen is the maximum number of bytes in the varint encoding
// of a uint64.
const maxVarintLen = 10

// maxEventLen bounds the encoded size of a single well-formed event.
// Allocation events are the largest: tag, delta, address, size,
// stack id, thread id.
const maxEventLen = 1 + maxVarintLen + 8 + maxVarintLen + maxVarintLen + 2

var (
	// ErrTruncatedHeader is returned when a trace is shorter than the
	// fixed header.
	ErrTruncatedHeader = errors.New("trace shorter than header")

	// ErrBadMagic is returned when a trace does not begin with the
	// magic bytes.
	ErrBadMagic = errors.New("bad magic")

	// ErrTruncatedVarint is returned by Uvarint when the buffer ends
	// in the middle of an encoded value.
	ErrTruncatedVarint = errors.New("not enough bytes left to decode varint")

	// ErrVarintTooLong is returned by Uvarint when the encoded value
	// does not fit in a uint64.
	ErrVarintTooLong = errors.New("varint too long")
)

// UnsupportedVersionError is returned when a trace declares a format
// version this package does not understand.
type UnsupportedVersionError struct {
	Version uint32
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported trace version %d (max %d)", e.Version, Version)
}

// Header is the fixed-size trace header.
type Header struct {
	// Version is the trace format version.
	Version uint32

	// StartTime is the trace start time in microseconds since the
	// Unix epoch. Event time deltas accumulate from it.
	StartTime uint64

	// MetadataLen is the length in bytes of the metadata block
	// between the header and the event stream.
	MetadataLen uint32
}

// ReadHeader reads and validates the fixed trace header at the start
// of r.
func ReadHeader(r Source) (Header, error) {
	var buf [HeaderSize]byte
	n, err := r.ReadAt(buf[:], 0)
	if n < HeaderSize {
		if err == nil || err == io.EOF {
			return Header{}, fmt.Errorf("%w: %d bytes", ErrTruncatedHeader, r.Len())
		}
		return Header{}, err
	}
	if !bytes.Equal(buf[0:4], magic[:]) {
		return Header{}, fmt.Errorf("%w: %q", ErrBadMagic, buf[0:4])
	}
	h := Header{
		Version:     binary.LittleEndian.Uint32(buf[4:8]),
		StartTime:   binary.LittleEndian.Uint64(buf[8:16]),
		MetadataLen: binary.LittleEndian.Uint32(buf[16:20]),
	}
	if h.Version == 0 || h.Version > Version {
		return Header{}, &UnsupportedVersionError{Version: h.Version}
	}
	return h, nil
}

// AppendHeader appends the encoded fixed header to dst and returns
// the extended buffer. The metadata block and event stream follow
// the header; appending those is up to the caller.
func AppendHeader(dst []byte, h Header) []byte {
	var buf [HeaderSize]byte
	copy(buf[0:4], magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint64(buf[8:16], h.StartTime)
	binary.LittleEndian.PutUint32(buf[16:20], h.MetadataLen)
	return append(dst, buf[:]...)
}

// AppendUvarint appends v to dst using base-128 varint encoding,
// low seven bits first, and returns the extended buffer.
func AppendUvarint(dst []byte, v uint64) []byte {
	for v > 0x7f {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

// Uvarint decodes a varint from the start of buf, returning the value
// and the number of bytes consumed. It returns ErrTruncatedVarint if
// buf ends mid-sequence and ErrVarintTooLong if the encoded value
// does not fit in a uint64.
func Uvarint(buf []byte) (uint64, int, error) {
	value := uint64(0)
	shift := uint(0)
	i := 0
loop:
	if shift >= 64 {
		return 0, 0, ErrVarintTooLong
	}
	if i >= len(buf) {
		return 0, 0, ErrTruncatedVarint
	}
	if shift == 63 && buf[i]&0x7f > 1 {
		return 0, 0, ErrVarintTooLong
	}
	value |= uint64(buf[i]&0x7f) << shift
	if buf[i]&(1<<7) == 0 {
		return value, i + 1, nil
	}
	shift += 7
	i++
	goto loop
}

// appendAllocEvent appends an allocation event: tag, time delta,
// address, size, stack id, thread id.
func appendAllocEvent(dst []byte, delta, addr, size uint64, stackID uint32, threadID uint16) []byte {
	dst = append(dst, tagAlloc)
	dst = AppendUvarint(dst, delta)
	dst = binary.LittleEndian.AppendUint64(dst, addr)
	dst = AppendUvarint(dst, size)
	dst = AppendUvarint(dst, uint64(stackID))
	return binary.LittleEndian.AppendUint16(dst, threadID)
}

// appendFreeEvent appends a free event: tag, time delta, address.
func appendFreeEvent(dst []byte, delta, addr uint64) []byte {
	dst = append(dst, tagFree)
	dst = AppendUvarint(dst, delta)
	return binary.LittleEndian.AppendUint64(dst, addr)
}

// appendGCEvent appends a collection event: tag, time delta, objects
// reclaimed, bytes reclaimed.
func appendGCEvent(dst []byte, delta, objects, bytesFreed uint64) []byte {
	dst = append(dst, tagGC)
	dst = AppendUvarint(dst, delta)
	dst = AppendUvarint(dst, objects)
	return AppendUvarint(dst, bytesFreed)
}

// appendMarkerEvent appends a marker event: tag, time delta, label id
// in the function table.
func appendMarkerEvent(dst []byte, delta uint64, funcID uint32) []byte {
	dst = append(dst, tagMarker)
	dst = AppendUvarint(dst, delta)
	return AppendUvarint(dst, uint64(funcID))
}
