// Package record defines the data model and on-wire record shapes written by
// the memray writer package. It holds no I/O logic of its own: it is the
// vocabulary shared by the stackshadow, writer, sampler and tracker packages
// so that none of them need to import each other just to talk about a
// RawFrame or an AllocatorKind.
package record

// ThreadHandle identifies a managed-language thread. The tracer never
// dereferences it; it is whatever opaque handle the embedder uses to tell
// threads apart (a pthread id, an interpreter thread-state pointer cast to
// uint64, etc).
type ThreadHandle uint64

// FrameRef identifies an interpreter call frame for the purposes of matching
// a later pop against the push that introduced it. Like ThreadHandle, it is
// opaque and is never dereferenced.
type FrameRef uintptr

// FrameID is a dense, monotonically assigned integer identifying a distinct
// RawFrame value. Equal RawFrame values map to the same FrameID within the
// lifetime of one writer.
type FrameID uint64

// RawFrame is a managed-language frame position: a function, the file it's
// defined in, and a line number within it.
type RawFrame struct {
	FunctionName string
	FileName     string
	LineNo       int64
	IsEntryFrame bool
}

// AllocatorKind identifies which allocator function produced an allocation
// or deallocation event. Kinds below DeallocFree are allocations; DeallocFree
// and DeallocPyFree are deallocations, and only DeallocFree is a "simple
// deallocator" (see IsSimpleDeallocator).
type AllocatorKind uint8

const (
	AllocMalloc AllocatorKind = iota
	AllocCalloc
	AllocRealloc
	AllocValloc
	AllocMemalign
	AllocPosixMemalign
	AllocPymalloc
	DeallocFree
	DeallocPyFree
)

// IsSimpleDeallocator reports whether the allocator kind is the "simple
// deallocator" kind for which no size is ever recorded on the wire: the
// size of a free()'d block isn't known to the interceptor, so there's
// nothing delta-worthy to encode.
func (k AllocatorKind) IsSimpleDeallocator() bool {
	return k == DeallocFree
}

// Stats is the set of running counters the header records about a writer's
// lifetime.
type Stats struct {
	NAllocations uint64
	NFrames      uint64
	StartTimeMs  int64
	EndTimeMs    int64
}

// MemoryRecord is a single resident-set-size sample.
type MemoryRecord struct {
	RSS          uint64
	MsSinceEpoch int64
}

// FrameIndex interns a RawFrame under a FrameID the first time it's
// observed.
type FrameIndex struct {
	ID  FrameID
	Raw RawFrame
}

// UnresolvedNativeFrame records a novel instruction pointer inserted into
// the native trace tree, keyed by the index assigned to it.
type UnresolvedNativeFrame struct {
	IP    uintptr
	Index uint64
}

// FramePop requests that Count frames be popped off the named thread's
// shadow stack. The writer splits large counts into multiple on-wire
// tokens (see writer.Writer.WriteFramePop).
type FramePop struct {
	Count uint32
}

// FramePush pushes a previously-interned frame onto the named thread's
// shadow stack. LineNo/HasLineNo carry a line-number edit on the push
// itself rather than minting a new FrameID per edit.
type FramePush struct {
	ID        FrameID
	LineNo    int64
	HasLineNo bool
}

// AllocationRecord is a plain allocation or deallocation event.
type AllocationRecord struct {
	Address   uintptr
	Size      uint64
	Allocator AllocatorKind
}

// NativeAllocationRecord is an allocation event additionally carrying a
// native call stack, represented by the id of its leaf node in the trace
// tree.
type NativeAllocationRecord struct {
	Address       uintptr
	Size          uint64
	Allocator     AllocatorKind
	NativeFrameID uint64
}

// ThreadRecord names a thread, for display purposes only.
type ThreadRecord struct {
	Name string
}

// ImageSegment is one mapped segment of a loaded image.
type ImageSegment struct {
	VAddr  uint64
	MemSz  uint64
}

// ImageSegments is the set of mapped segments belonging to one loaded
// image (shared object, executable, etc).
type ImageSegments struct {
	Filename    string
	BaseAddress uint64
	Segments    []ImageSegment
}
