// Package varint provides the little-endian base-128 varint codec and the
// per-field delta-encoding state used by the record writer. Encoding itself
// is encoding/binary's Uvarint/Varint family (binary.Varint already
// zig-zags signed values), the same varint family trace and heap-dump
// readers in this ecosystem consume rather than a hand-rolled one.
package varint

import (
	"encoding/binary"
	"io"
)

// AppendUvarint appends the base-128 unsigned varint encoding of v to buf
// and returns the extended slice.
func AppendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

// AppendVarint appends the zig-zag varint encoding of v to buf and returns
// the extended slice.
func AppendVarint(buf []byte, v int64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutVarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

// ReadUvarint reads a single unsigned varint from r.
func ReadUvarint(r io.ByteReader) (uint64, error) {
	return binary.ReadUvarint(r)
}

// ReadVarint reads a single zig-zag varint from r.
func ReadVarint(r io.ByteReader) (int64, error) {
	return binary.ReadVarint(r)
}

// AppendCString appends s followed by a single NUL byte, the framing used
// for the command-line and frame function/file names.
func AppendCString(buf []byte, s string) []byte {
	buf = append(buf, s...)
	return append(buf, 0)
}

// Delta tracks the last-written value of one field of a DeltaState, letting
// callers encode new values as new-prev (see Encode) the way the writer's
// DeltaState does for thread_id/frame_id/lineno/instruction_pointer/
// native_frame_id/data_pointer.
type Delta struct {
	prev int64
	set  bool
}

// Encode returns new-prev and records new as the new previous value. The
// first call for a fresh (zeroed) Delta encodes relative to zero, matching
// delta state being reset to zero whenever a header is written.
func (d *Delta) Encode(new int64) int64 {
	delta := new - d.prev
	d.prev = new
	d.set = true
	return delta
}

// Value returns the last value passed to Encode (zero if Encode has never
// been called).
func (d *Delta) Value() int64 { return d.prev }

// Reset zeroes the delta state, as happens when a header is (re)written.
func (d *Delta) Reset() { *d = Delta{} }
