package writer_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/godlygeek/memray/record"
	"github.com/godlygeek/memray/sink"
	"github.com/godlygeek/memray/varint"
	"github.com/godlygeek/memray/writer"
)

// decoder is a minimal, test-only reader for the token stream: just enough
// to assert the end-to-end scenarios below. A real reader is out of scope
// for this module.
type decoder struct {
	r *bytes.Reader
}

func newDecoder(buf []byte) *decoder { return &decoder{r: bytes.NewReader(buf)} }

func (d *decoder) token(t *testing.T) record.Token {
	b, err := d.r.ReadByte()
	require.NoError(t, err)
	return record.Token(b)
}

func (d *decoder) varint(t *testing.T) int64 {
	v, err := varint.ReadVarint(d.r)
	require.NoError(t, err)
	return v
}

func (d *decoder) uvarint(t *testing.T) uint64 {
	v, err := varint.ReadUvarint(d.r)
	require.NoError(t, err)
	return v
}

func (d *decoder) cstring(t *testing.T) string {
	var out []byte
	for {
		b, err := d.r.ReadByte()
		require.NoError(t, err)
		if b == 0 {
			break
		}
		out = append(out, b)
	}
	return string(out)
}

// TestScenario1SinglePushAndAlloc checks a single thread pushing two
// frames before an allocation.
func TestScenario1SinglePushAndAlloc(t *testing.T) {
	s := sink.NewMemSink()
	w := writer.New(s, "prog", false, record.AllocMalloc)
	const tid = record.ThreadHandle(7)

	require.True(t, w.EnsureContextSwitch(tid))
	require.True(t, w.WriteFrameIndex(record.FrameIndex{ID: 0, Raw: record.RawFrame{FunctionName: "f", FileName: "a.lang", LineNo: 10, IsEntryFrame: true}}))
	require.True(t, w.WriteFramePush(tid, record.FramePush{ID: 0}))
	require.True(t, w.WriteFrameIndex(record.FrameIndex{ID: 1, Raw: record.RawFrame{FunctionName: "g", FileName: "a.lang", LineNo: 20, IsEntryFrame: true}}))
	require.True(t, w.WriteFramePush(tid, record.FramePush{ID: 1}))
	require.True(t, w.WriteAllocation(tid, record.AllocationRecord{Address: 0xA, Size: 64, Allocator: record.AllocMalloc}))

	d := newDecoder(s.Bytes())

	require.Equal(t, record.TokenContextSwitch, d.token(t).Type())
	require.Equal(t, int64(tid), d.varint(t))

	// Frame ids and line numbers are delta-encoded, and FRAME_INDEX and
	// FRAME_PUSH share the frame-id delta state, so the decoder
	// accumulates the deltas to recover the raw values.
	var frameID, lineNo int64

	require.Equal(t, record.TokenFrameIndex, d.token(t).Type())
	frameID += d.varint(t)
	require.Equal(t, int64(0), frameID)
	require.Equal(t, "f", d.cstring(t))
	require.Equal(t, "a.lang", d.cstring(t))
	lineNo += d.varint(t)
	require.Equal(t, int64(10), lineNo)

	require.Equal(t, record.TokenFramePush, d.token(t).Type())
	frameID += d.varint(t)
	require.Equal(t, int64(0), frameID)

	require.Equal(t, record.TokenFrameIndex, d.token(t).Type())
	frameID += d.varint(t)
	require.Equal(t, int64(1), frameID)
	require.Equal(t, "g", d.cstring(t))
	require.Equal(t, "a.lang", d.cstring(t))
	lineNo += d.varint(t)
	require.Equal(t, int64(20), lineNo)

	require.Equal(t, record.TokenFramePush, d.token(t).Type())
	frameID += d.varint(t)
	require.Equal(t, int64(1), frameID)

	allocTok := d.token(t)
	require.Equal(t, record.TokenAllocation, allocTok.Type())
	require.Equal(t, record.AllocMalloc, record.AllocatorKindForFlags(allocTok.Flags()))
	require.Equal(t, int64(0xA), d.varint(t))
	require.Equal(t, uint64(64), d.uvarint(t))
}

// TestScenario3ThreadInterleaving checks: Thread A alloc; Thread B alloc;
// Thread A free.
func TestScenario3ThreadInterleaving(t *testing.T) {
	s := sink.NewMemSink()
	w := writer.New(s, "prog", false, record.AllocMalloc)
	const a, b = record.ThreadHandle(1), record.ThreadHandle(2)

	require.True(t, w.WriteAllocation(a, record.AllocationRecord{Address: 0x100, Size: 16, Allocator: record.AllocMalloc}))
	require.True(t, w.WriteAllocation(b, record.AllocationRecord{Address: 0x200, Size: 32, Allocator: record.AllocMalloc}))
	require.True(t, w.WriteAllocation(a, record.AllocationRecord{Address: 0x100, Size: 0, Allocator: record.DeallocFree}))

	d := newDecoder(s.Bytes())

	require.Equal(t, record.TokenContextSwitch, d.token(t).Type())
	require.Equal(t, int64(a), d.varint(t))
	tok := d.token(t)
	require.Equal(t, record.TokenAllocation, tok.Type())
	require.Equal(t, int64(0x100), d.varint(t))
	d.uvarint(t) // size

	require.Equal(t, record.TokenContextSwitch, d.token(t).Type())
	require.Equal(t, int64(b)-int64(a), d.varint(t))
	tok = d.token(t)
	require.Equal(t, record.TokenAllocation, tok.Type())
	d.varint(t) // delta addr
	d.uvarint(t) // size

	require.Equal(t, record.TokenContextSwitch, d.token(t).Type())
	require.Equal(t, int64(a)-int64(b), d.varint(t))
	tok = d.token(t)
	require.Equal(t, record.TokenAllocation, tok.Type())
	require.Equal(t, record.DeallocFree, record.AllocatorKindForFlags(tok.Flags()))
	d.varint(t) // delta addr
	// No size byte follows a simple-deallocator record; the stream should
	// now be exhausted.
	require.Equal(t, 0, d.r.Len())
}

// TestFramePopSplitsAcrossTokens exercises FramePop{count=33} end to end
// through the writer.
func TestFramePopSplitsAcrossTokens(t *testing.T) {
	s := sink.NewMemSink()
	w := writer.New(s, "prog", false, record.AllocMalloc)
	const tid = record.ThreadHandle(1)

	require.True(t, w.WriteFramePop(tid, record.FramePop{Count: 33}))

	d := newDecoder(s.Bytes())
	require.Equal(t, record.TokenContextSwitch, d.token(t).Type())
	d.varint(t)

	var flags []uint8
	for i := 0; i < 3; i++ {
		tok := d.token(t)
		require.Equal(t, record.TokenFramePop, tok.Type())
		flags = append(flags, tok.Flags())
	}
	require.Equal(t, []uint8{15, 15, 0}, flags)
	require.Equal(t, 0, d.r.Len())
}

// TestWriteHeaderRoundTrip checks that a writer with a seekable sink
// produces a file whose re-read header equals the final state.
func TestWriteHeaderRoundTrip(t *testing.T) {
	s := sink.NewMemSink()
	w := writer.New(s, "my-prog --flag", true, record.AllocPymalloc)

	require.True(t, w.WriteHeader(false))
	require.True(t, w.WriteAllocation(1, record.AllocationRecord{Address: 1, Size: 8, Allocator: record.AllocMalloc}))
	require.True(t, w.WriteFrameIndex(record.FrameIndex{ID: 0, Raw: record.RawFrame{FunctionName: "f", FileName: "a.lang", LineNo: 1, IsEntryFrame: true}}))
	require.True(t, w.WriteTrailer())
	require.True(t, w.WriteHeader(true))

	stats := w.Stats()
	require.Equal(t, uint64(1), stats.NAllocations)
	require.Equal(t, uint64(1), stats.NFrames)
	require.NotZero(t, stats.EndTimeMs)

	d := newDecoder(s.Bytes())
	magic := make([]byte, 4)
	for i := range magic {
		b, err := d.r.ReadByte()
		require.NoError(t, err)
		magic[i] = b
	}
	require.Equal(t, record.Magic[:], magic)

	var hdr struct {
		Version      uint32
		NativeTraces uint8
		NAllocations uint64
		NFrames      uint64
		StartTimeMs  int64
		EndTimeMs    int64
	}
	require.NoError(t, binary.Read(d.r, binary.LittleEndian, &hdr))
	require.Equal(t, record.Version, hdr.Version)
	require.Equal(t, uint8(1), hdr.NativeTraces)
	require.Equal(t, stats.NAllocations, hdr.NAllocations)
	require.Equal(t, stats.NFrames, hdr.NFrames)
	require.Equal(t, stats.StartTimeMs, hdr.StartTimeMs)
	require.Equal(t, stats.EndTimeMs, hdr.EndTimeMs)
}

func TestMemoryRecordEncodesRelativeTimestamp(t *testing.T) {
	s := sink.NewMemSink()
	w := writer.New(s, "prog", false, record.AllocMalloc)
	start := w.Stats().StartTimeMs

	require.True(t, w.WriteMemoryRecord(record.MemoryRecord{RSS: 4096, MsSinceEpoch: start + 35}))

	d := newDecoder(s.Bytes())
	tok := d.token(t)
	require.Equal(t, record.TokenMemoryRecord, tok.Type())
	require.Equal(t, uint64(4096), d.uvarint(t))
	require.Equal(t, int64(35), d.varint(t))
}
