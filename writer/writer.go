// Package writer implements the RecordWriter: the single place that knows
// how to encode typed records onto a sink.Sink using the varint/delta
// codec. It owns the sink, a mutex serializing all writes, the running
// header/stats, and the per-stream delta state.
package writer

import (
	"encoding/binary"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/godlygeek/memray/record"
	"github.com/godlygeek/memray/sink"
	"github.com/godlygeek/memray/varint"
)

// deltaState holds the last-written value of every delta-encoded field.
// It is reset to zero whenever a header is written.
type deltaState struct {
	haveThread         bool
	threadID           varint.Delta
	frameID            varint.Delta
	lineNo             varint.Delta
	instructionPointer varint.Delta
	nativeFrameID      varint.Delta
	dataPointer        varint.Delta
}

func (d *deltaState) reset() { *d = deltaState{} }

// UnlockFunc releases a lock acquired by Writer.AcquireLock.
type UnlockFunc func()

// Writer is the RecordWriter. The zero value is not usable; construct
// with New.
type Writer struct {
	mu sync.Mutex

	sink    sink.Sink
	delta   deltaState
	stats   record.Stats
	scratch []byte

	commandLine      string
	nativeTraces     bool
	managedAllocator record.AllocatorKind
	runID            uuid.UUID
	pid              int32
}

// New constructs a Writer over sink s. It does not write anything to s;
// callers write the initial header explicitly (Tracker does this as step
// 3 of its construction order).
func New(s sink.Sink, commandLine string, nativeTraces bool, managedAllocator record.AllocatorKind) *Writer {
	return &Writer{
		sink:             s,
		commandLine:      commandLine,
		nativeTraces:     nativeTraces,
		managedAllocator: managedAllocator,
		runID:            uuid.New(),
		pid:              int32(os.Getpid()),
		stats:            record.Stats{StartTimeMs: time.Now().UnixMilli()},
	}
}

// AcquireLock returns a handle holding the writer's mutex; the returned
// function releases it. Callers needing an atomic multi-record sequence
// call this, then the *Locked variants below.
func (w *Writer) AcquireLock() UnlockFunc {
	w.mu.Lock()
	return w.mu.Unlock
}

// Stats returns a snapshot of the writer's running counters.
func (w *Writer) Stats() record.Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// WriteHeader emits the header record. If seekToStart is true it first
// seeks the sink to offset 0 (used for the teardown rewrite); a seek
// failure aborts the whole write and returns false without touching delta
// state.
func (w *Writer) WriteHeader(seekToStart bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeHeaderLocked(seekToStart)
}

func (w *Writer) writeHeaderLocked(seekToStart bool) bool {
	if seekToStart {
		if !w.sink.Seek(0, 0 /* io.SeekStart */) {
			return false
		}
	}
	w.stats.EndTimeMs = time.Now().UnixMilli()

	buf := w.scratch[:0]
	buf = append(buf, record.Magic[:]...)
	buf = appendUint32(buf, record.Version)
	buf = appendBool(buf, w.nativeTraces)
	buf = appendUint64(buf, w.stats.NAllocations)
	buf = appendUint64(buf, w.stats.NFrames)
	buf = appendInt64(buf, w.stats.StartTimeMs)
	buf = appendInt64(buf, w.stats.EndTimeMs)
	buf = varint.AppendCString(buf, w.commandLine)
	buf = appendInt32(buf, w.pid)
	buf = append(buf, byte(w.managedAllocator))
	buf = append(buf, w.runID[:]...)
	w.scratch = buf

	if !w.sink.WriteAll(buf) {
		return false
	}
	w.delta.reset()
	return true
}

// WriteTrailer emits the one-byte TRAILER record.
func (w *Writer) WriteTrailer() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sink.WriteAll([]byte{byte(record.TokenTrailer)})
}

// WriteMemoryRecord emits a MEMORY_RECORD token and its fields, then
// flushes the sink.
func (w *Writer) WriteMemoryRecord(r record.MemoryRecord) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	buf := w.scratch[:0]
	buf = append(buf, byte(record.TokenMemoryRecord))
	buf = varint.AppendUvarint(buf, r.RSS)
	buf = varint.AppendVarint(buf, r.MsSinceEpoch-w.stats.StartTimeMs)
	w.scratch = buf
	if !w.sink.WriteAll(buf) {
		return false
	}
	return w.sink.Flush()
}

// WriteFrameIndex interns a FrameIndex record, incrementing stats.NFrames.
func (w *Writer) WriteFrameIndex(r record.FrameIndex) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeFrameIndexLocked(r)
}

// WriteFrameIndexLocked is the AcquireLock-held variant of WriteFrameIndex.
func (w *Writer) WriteFrameIndexLocked(r record.FrameIndex) bool {
	return w.writeFrameIndexLocked(r)
}

func (w *Writer) writeFrameIndexLocked(r record.FrameIndex) bool {
	var flags uint8
	if !r.Raw.IsEntryFrame {
		flags = 1
	}
	buf := w.scratch[:0]
	buf = append(buf, byte(record.MakeToken(record.TokenFrameIndex, flags)))
	buf = varint.AppendVarint(buf, w.delta.frameID.Encode(int64(r.ID)))
	buf = varint.AppendCString(buf, r.Raw.FunctionName)
	buf = varint.AppendCString(buf, r.Raw.FileName)
	buf = varint.AppendVarint(buf, w.delta.lineNo.Encode(r.Raw.LineNo))
	w.scratch = buf
	if !w.sink.WriteAll(buf) {
		return false
	}
	w.stats.NFrames++
	return true
}

// WriteUnresolvedNativeFrame emits a NATIVE_TRACE_INDEX record for a novel
// trace-tree node.
func (w *Writer) WriteUnresolvedNativeFrame(r record.UnresolvedNativeFrame) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeUnresolvedNativeFrameLocked(r)
}

// WriteUnresolvedNativeFrameLocked is the AcquireLock-held variant.
func (w *Writer) WriteUnresolvedNativeFrameLocked(r record.UnresolvedNativeFrame) bool {
	return w.writeUnresolvedNativeFrameLocked(r)
}

func (w *Writer) writeUnresolvedNativeFrameLocked(r record.UnresolvedNativeFrame) bool {
	buf := w.scratch[:0]
	buf = append(buf, byte(record.TokenNativeTraceIndex))
	buf = varint.AppendVarint(buf, w.delta.instructionPointer.Encode(int64(r.IP)))
	buf = varint.AppendVarint(buf, w.delta.nativeFrameID.Encode(int64(r.Index)))
	w.scratch = buf
	return w.sink.WriteAll(buf)
}

// WriteMappings emits the memory-map records for a set of loaded images.
func (w *Writer) WriteMappings(images []record.ImageSegments) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	buf := w.scratch[:0]
	buf = append(buf, byte(record.TokenMemoryMapStart))
	for _, img := range images {
		buf = append(buf, byte(record.TokenSegmentHeader))
		buf = varint.AppendCString(buf, img.Filename)
		buf = varint.AppendUvarint(buf, uint64(len(img.Segments)))
		buf = appendUint64(buf, img.BaseAddress)
		for _, seg := range img.Segments {
			buf = append(buf, byte(record.TokenSegment))
			buf = appendUint64(buf, seg.VAddr)
			buf = varint.AppendUvarint(buf, seg.MemSz)
		}
	}
	w.scratch = buf
	return w.sink.WriteAll(buf)
}

// EnsureContextSwitch emits a CONTEXT_SWITCH record if tid differs from the
// thread named by the last thread-specific record. Every thread-specific
// write already does this itself. The Tracker does not call
// EnsureContextSwitch, so a FRAME_INDEX written while a thread's pending
// pushes are flushed can precede that thread's CONTEXT_SWITCH.
func (w *Writer) EnsureContextSwitch(tid record.ThreadHandle) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ensureContextSwitchLocked(tid)
}

// EnsureContextSwitchLocked is the AcquireLock-held variant.
func (w *Writer) EnsureContextSwitchLocked(tid record.ThreadHandle) bool {
	return w.ensureContextSwitchLocked(tid)
}

// ensureContextSwitchLocked emits a CONTEXT_SWITCH record if tid differs
// from the last thread-specific record's thread. Caller must hold w.mu.
func (w *Writer) ensureContextSwitchLocked(tid record.ThreadHandle) bool {
	if w.delta.haveThread && w.delta.threadID.Value() == int64(tid) {
		return true
	}
	buf := w.scratch[:0]
	buf = append(buf, byte(record.TokenContextSwitch))
	buf = varint.AppendVarint(buf, w.delta.threadID.Encode(int64(tid)))
	w.scratch = buf
	if !w.sink.WriteAll(buf) {
		return false
	}
	w.delta.haveThread = true
	return true
}

// WriteFramePop pops Count frames off tid's shadow stack, splitting large
// counts into ceil(count/16) tokens.
func (w *Writer) WriteFramePop(tid record.ThreadHandle, r record.FramePop) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeFramePopLocked(tid, r)
}

// WriteFramePopLocked is the AcquireLock-held variant.
func (w *Writer) WriteFramePopLocked(tid record.ThreadHandle, r record.FramePop) bool {
	return w.writeFramePopLocked(tid, r)
}

func (w *Writer) writeFramePopLocked(tid record.ThreadHandle, r record.FramePop) bool {
	if r.Count == 0 {
		return true
	}
	if !w.ensureContextSwitchLocked(tid) {
		return false
	}
	n := record.FramePopTokenCount(r.Count)
	buf := w.scratch[:0]
	for i := 0; i < n; i++ {
		c := record.PopCountAtIndex(r.Count, i)
		buf = append(buf, byte(record.MakeToken(record.TokenFramePop, record.PopFlagsForCount(c))))
	}
	w.scratch = buf
	return w.sink.WriteAll(buf)
}

// WriteFramePush pushes a previously-interned frame onto tid's shadow
// stack.
func (w *Writer) WriteFramePush(tid record.ThreadHandle, r record.FramePush) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeFramePushLocked(tid, r)
}

// WriteFramePushLocked is the AcquireLock-held variant.
func (w *Writer) WriteFramePushLocked(tid record.ThreadHandle, r record.FramePush) bool {
	return w.writeFramePushLocked(tid, r)
}

func (w *Writer) writeFramePushLocked(tid record.ThreadHandle, r record.FramePush) bool {
	if !w.ensureContextSwitchLocked(tid) {
		return false
	}
	buf := w.scratch[:0]
	buf = append(buf, byte(record.MakeToken(record.TokenFramePush, record.FramePushFlags(r.HasLineNo))))
	buf = varint.AppendVarint(buf, w.delta.frameID.Encode(int64(r.ID)))
	if r.HasLineNo {
		buf = varint.AppendVarint(buf, w.delta.lineNo.Encode(r.LineNo))
	}
	w.scratch = buf
	return w.sink.WriteAll(buf)
}

// WriteAllocation emits a plain ALLOCATION record. Size is omitted from
// the wire when Allocator.IsSimpleDeallocator().
func (w *Writer) WriteAllocation(tid record.ThreadHandle, r record.AllocationRecord) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeAllocationLocked(tid, r)
}

// WriteAllocationLocked is the AcquireLock-held variant.
func (w *Writer) WriteAllocationLocked(tid record.ThreadHandle, r record.AllocationRecord) bool {
	return w.writeAllocationLocked(tid, r)
}

func (w *Writer) writeAllocationLocked(tid record.ThreadHandle, r record.AllocationRecord) bool {
	if !w.ensureContextSwitchLocked(tid) {
		return false
	}
	buf := w.scratch[:0]
	buf = append(buf, byte(record.MakeToken(record.TokenAllocation, record.AllocatorFlags(r.Allocator))))
	buf = varint.AppendVarint(buf, w.delta.dataPointer.Encode(int64(r.Address)))
	if !r.Allocator.IsSimpleDeallocator() {
		buf = varint.AppendUvarint(buf, r.Size)
	}
	w.scratch = buf
	if !w.sink.WriteAll(buf) {
		return false
	}
	w.stats.NAllocations++
	return true
}

// WriteNativeAllocation emits an ALLOCATION_WITH_NATIVE record.
func (w *Writer) WriteNativeAllocation(tid record.ThreadHandle, r record.NativeAllocationRecord) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeNativeAllocationLocked(tid, r)
}

// WriteNativeAllocationLocked is the AcquireLock-held variant.
func (w *Writer) WriteNativeAllocationLocked(tid record.ThreadHandle, r record.NativeAllocationRecord) bool {
	return w.writeNativeAllocationLocked(tid, r)
}

func (w *Writer) writeNativeAllocationLocked(tid record.ThreadHandle, r record.NativeAllocationRecord) bool {
	if !w.ensureContextSwitchLocked(tid) {
		return false
	}
	buf := w.scratch[:0]
	buf = append(buf, byte(record.MakeToken(record.TokenAllocationWithNative, record.AllocatorFlags(r.Allocator))))
	buf = varint.AppendVarint(buf, w.delta.dataPointer.Encode(int64(r.Address)))
	buf = varint.AppendUvarint(buf, r.Size)
	buf = varint.AppendVarint(buf, w.delta.nativeFrameID.Encode(int64(r.NativeFrameID)))
	w.scratch = buf
	if !w.sink.WriteAll(buf) {
		return false
	}
	w.stats.NAllocations++
	return true
}

// WriteThreadRecord names tid, for display purposes only.
func (w *Writer) WriteThreadRecord(tid record.ThreadHandle, r record.ThreadRecord) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeThreadRecordLocked(tid, r)
}

// WriteThreadRecordLocked is the AcquireLock-held variant.
func (w *Writer) WriteThreadRecordLocked(tid record.ThreadHandle, r record.ThreadRecord) bool {
	return w.writeThreadRecordLocked(tid, r)
}

func (w *Writer) writeThreadRecordLocked(tid record.ThreadHandle, r record.ThreadRecord) bool {
	if !w.ensureContextSwitchLocked(tid) {
		return false
	}
	buf := w.scratch[:0]
	buf = append(buf, byte(record.TokenThreadRecord))
	buf = varint.AppendCString(buf, r.Name)
	w.scratch = buf
	return w.sink.WriteAll(buf)
}

// CloneInChild asks the sink for a child-clone and, if it succeeds, returns
// a new Writer with the same command line and native-traces flag, fresh
// delta state and fresh stats.
func (w *Writer) CloneInChild() (*Writer, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	childSink, ok := w.sink.CloneInChild()
	if !ok {
		return nil, false
	}
	return New(childSink, w.commandLine, w.nativeTraces, w.managedAllocator), true
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendInt32(buf []byte, v int32) []byte {
	return appendUint32(buf, uint32(v))
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendInt64(buf []byte, v int64) []byte {
	return appendUint64(buf, uint64(v))
}

func appendBool(buf []byte, b bool) []byte {
	if b {
		return append(buf, 1)
	}
	return append(buf, 0)
}
