package sink

import "sync"

// MemSink is an in-memory Sink, primarily for tests: a growable byte
// buffer that tracks whether it's hit a configured capacity. The writer
// has already serialized everything to bytes before it ever reaches the
// sink, so there's no need for unsafe-pointer struct overlays here.
type MemSink struct {
	mu      sync.Mutex
	buf     []byte
	maxSize int // 0 means unbounded
	full    bool
	pos     int // current write/seek position; len(buf) is the high-water mark
}

var _ Sink = (*MemSink)(nil)

// NewMemSink creates an unbounded in-memory sink.
func NewMemSink() *MemSink {
	return &MemSink{}
}

// NewBoundedMemSink creates an in-memory sink that rejects any write that
// would take it past maxSize bytes, and every write after that, simulating
// a disk-full sink for exercising the per-write-failure path.
func NewBoundedMemSink(maxSize int) *MemSink {
	return &MemSink{maxSize: maxSize}
}

// WriteAll implements Sink.
func (s *MemSink) WriteAll(p []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return false
	}
	if s.maxSize != 0 && s.pos+len(p) > s.maxSize {
		s.full = true
		return false
	}
	end := s.pos + len(p)
	if end > len(s.buf) {
		grown := make([]byte, end)
		copy(grown, s.buf)
		s.buf = grown
	}
	copy(s.buf[s.pos:end], p)
	s.pos = end
	return true
}

// Flush implements Sink; an in-memory buffer has nothing to flush.
func (s *MemSink) Flush() bool { return true }

// Seek implements Sink.
func (s *MemSink) Seek(offset int64, whence int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	var newPos int64
	switch whence {
	case 0: // io.SeekStart
		newPos = offset
	case 1: // io.SeekCurrent
		newPos = int64(s.pos) + offset
	case 2: // io.SeekEnd
		newPos = int64(len(s.buf)) + offset
	default:
		return false
	}
	if newPos < 0 {
		return false
	}
	s.pos = int(newPos)
	return true
}

// CloneInChild implements Sink by returning a fresh, empty buffer: a
// forked child's writes shouldn't land in the parent's copy-on-write
// memory.
func (s *MemSink) CloneInChild() (Sink, bool) {
	return NewMemSink(), true
}

// Bytes returns a copy of everything written so far, for test assertions.
func (s *MemSink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.buf))
	copy(out, s.buf)
	return out
}
