// Package stackshadow maintains the per-thread mirror of the managed
// interpreter's call stack: frames are buffered and only streamed to the
// writer the first time an allocation observes them (lazy emission), and
// pops are buffered and flushed as a single FramePop record, which the
// writer packs 16 pops to a FRAME_POP token.
//
// A Shadow does not itself detect thread exit: unlike a Go goroutine, the
// "thread" being mirrored here is the embedder's managed-language thread
// (an OS thread in a typical cgo-hosted interpreter), whose lifecycle
// notifications are binding glue this module treats as an external
// collaborator. The embedder calls Close at thread exit; every operation
// on a closed Shadow is a safe no-op, a trivially destructible handle that
// is skipped once its pointer is null.
package stackshadow

import (
	"fmt"

	"github.com/godlygeek/memray/record"
)

// LazyFrame is one entry of a per-thread shadow stack.
type LazyFrame struct {
	FrameRef record.FrameRef
	Raw      record.RawFrame
	Emitted  bool
}

// FrameLookup resolves a pushed frame's identity. Reading a real
// interpreter's code object is binding glue (out of scope); this interface
// is the contract PushManagedFrame uses to get that data, and to get the
// caller's current line number (the call site, whose line the shadow must
// also record before descending into the callee).
type FrameLookup interface {
	Resolve(frameRef record.FrameRef) (raw record.RawFrame, callerLineNo int64, err error)
}

// FrameRegistrar interns RawFrames into FrameIDs, writing a FRAME_INDEX
// record on novel entries (Tracker.RegisterFrame). When a previously-
// interned frame recurs with a different current line, RegisterFrame
// reports that via hasLineNo/lineNo instead of minting a new id. ok is
// false only when a novel entry's FRAME_INDEX write failed; callers must
// treat that the same as any other write failure on this thread.
type FrameRegistrar interface {
	RegisterFrame(raw record.RawFrame) (id record.FrameID, hasLineNo bool, lineNo int64, ok bool)
}

// PushPopWriter is the subset of writer.Writer that Shadow needs to flush
// pending frame transitions.
type PushPopWriter interface {
	WriteFramePop(tid record.ThreadHandle, r record.FramePop) bool
	WriteFramePush(tid record.ThreadHandle, r record.FramePush) bool
}

// FrameReadError reports that resolving a pushed frame's identity failed;
// the offending push is skipped and no partial frame is recorded.
type FrameReadError struct {
	FrameRef record.FrameRef
	Err      error
}

func (e *FrameReadError) Error() string {
	return fmt.Sprintf("stackshadow: failed to read frame %v: %s", e.FrameRef, e.Err)
}

func (e *FrameReadError) Unwrap() error { return e.Err }

// Shadow is the per-thread managed call-stack shadow.
type Shadow struct {
	handle     record.ThreadHandle
	registrar  FrameRegistrar
	writer     PushPopWriter
	registry   *Registry
	generation uint32

	stack       []LazyFrame
	pendingPops uint32
	closed      bool
}

// NewShadow constructs a Shadow for handle and registers it with registry
// (so StartTracking can find it when walking all live threads).
func NewShadow(handle record.ThreadHandle, registrar FrameRegistrar, w PushPopWriter, registry *Registry) *Shadow {
	s := &Shadow{
		handle:     handle,
		registrar:  registrar,
		writer:     w,
		registry:   registry,
		generation: registry.Generation(),
	}
	registry.register(handle, s)
	return s
}

// Close detaches the shadow from its registry. Every subsequent operation
// on s is a no-op. Close itself is idempotent.
func (s *Shadow) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.stack = nil
	s.pendingPops = 0
	s.registry.unregister(s.handle)
}

// PushManagedFrame resolves frameRef via lookup, records the caller's
// current line via SetLineno, then appends a fresh, not-yet-emitted
// LazyFrame.
func (s *Shadow) PushManagedFrame(lookup FrameLookup, frameRef record.FrameRef) error {
	if s.closed {
		return nil
	}
	raw, callerLineNo, err := lookup.Resolve(frameRef)
	if err != nil {
		return &FrameReadError{FrameRef: frameRef, Err: err}
	}
	s.SetLineno(callerLineNo)
	s.stack = append(s.stack, LazyFrame{
		FrameRef: frameRef,
		Raw: record.RawFrame{
			FunctionName: raw.FunctionName,
			FileName:     raw.FileName,
			LineNo:       0,
			IsEntryFrame: raw.IsEntryFrame,
		},
	})
	return nil
}

// PopManagedFrame pops the stack if frameRef matches its top. A frameRef
// that doesn't match is a no-op: this tolerates stale callbacks from
// frames that were discarded by a generation change.
func (s *Shadow) PopManagedFrame(frameRef record.FrameRef) {
	if s.closed || len(s.stack) == 0 {
		return
	}
	top := s.stack[len(s.stack)-1]
	if top.FrameRef != frameRef {
		return
	}
	s.stack = s.stack[:len(s.stack)-1]
	if top.Emitted {
		s.pendingPops++
	}
	if len(s.stack) == 0 {
		// The thread may be exiting; don't let a pop sit unflushed.
		s.FlushPendingPops()
	}
}

// SetLineno updates the top frame's recorded line number. If the top frame
// was already emitted, changing its line means it must be (conceptually)
// popped and re-pushed with the new line, so it is marked un-emitted and a
// pending pop is recorded for it.
func (s *Shadow) SetLineno(newLineno int64) {
	if s.closed || len(s.stack) == 0 {
		return
	}
	top := &s.stack[len(s.stack)-1]
	if top.Raw.LineNo == newLineno {
		return
	}
	top.Raw.LineNo = newLineno
	if top.Emitted {
		top.Emitted = false
		s.pendingPops++
	}
}

// CurrentLineno returns the top frame's recorded line number, or 0 if the
// stack is empty.
func (s *Shadow) CurrentLineno() int64 {
	if len(s.stack) == 0 {
		return 0
	}
	return s.stack[len(s.stack)-1].Raw.LineNo
}

// FlushPendingPops emits a single FramePop for the whole pending count,
// then zeroes it.
func (s *Shadow) FlushPendingPops() bool {
	if s.pendingPops == 0 {
		return true
	}
	ok := s.writer.WriteFramePop(s.handle, record.FramePop{Count: s.pendingPops})
	s.pendingPops = 0
	return ok
}

// FlushPendingPushes finds the deepest emitted frame and pushes everything
// above it, bottom to top.
func (s *Shadow) FlushPendingPushes() bool {
	firstUnemitted := 0
	for firstUnemitted < len(s.stack) && s.stack[firstUnemitted].Emitted {
		firstUnemitted++
	}
	for i := firstUnemitted; i < len(s.stack); i++ {
		frame := &s.stack[i]
		id, hasLineNo, lineNo, ok := s.registrar.RegisterFrame(frame.Raw)
		if !ok {
			return false
		}
		if !s.writer.WriteFramePush(s.handle, record.FramePush{ID: id, HasLineNo: hasLineNo, LineNo: lineNo}) {
			return false
		}
		frame.Emitted = true
	}
	return true
}

// snapshotStack returns a copy of the current stack, used by Registry to
// build the InitialStacksMap while holding the interpreter lock.
func (s *Shadow) snapshotStack() []LazyFrame {
	out := make([]LazyFrame, len(s.stack))
	copy(out, s.stack)
	return out
}

// ReloadIfGenerationChanged checks whether the global generation moved on
// since this shadow last synced; if so, it discards local state and
// adopts the centrally captured snapshot for this thread.
func (s *Shadow) ReloadIfGenerationChanged() {
	if s.closed {
		return
	}
	gen := s.registry.Generation()
	if gen == s.generation {
		return
	}
	s.stack = nil
	s.pendingPops = 0
	frames := s.registry.takeInitialStack(s.handle)
	s.generation = gen
	// Re-push bottom-first so the most recent call ends on top.
	s.stack = append(s.stack, frames...)
}
