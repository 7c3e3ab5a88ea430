package sink

import (
	"os"
	"syscall"
)

// FileSink is a Sink backed by an *os.File: a plain file descriptor sink.
type FileSink struct {
	f *os.File
}

var _ Sink = (*FileSink)(nil)

// NewFileSink wraps an already-open file. The caller remains responsible
// for eventually closing it; FileSink has no Close of its own because the
// record writer never closes the sink itself (the embedder opened it and
// the embedder decides its lifetime).
func NewFileSink(f *os.File) *FileSink {
	return &FileSink{f: f}
}

// OpenFileSink opens path for the tracer's exclusive use, truncating any
// existing contents.
func OpenFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return NewFileSink(f), nil
}

// WriteAll implements Sink.
func (s *FileSink) WriteAll(p []byte) bool {
	for len(p) > 0 {
		n, err := s.f.Write(p)
		if err != nil {
			return false
		}
		p = p[n:]
	}
	return true
}

// Flush implements Sink.
func (s *FileSink) Flush() bool {
	return s.f.Sync() == nil
}

// Seek implements Sink.
func (s *FileSink) Seek(offset int64, whence int) bool {
	_, err := s.f.Seek(offset, whence)
	return err == nil
}

// CloneInChild implements Sink by duplicating the underlying file
// descriptor, so the child gets an independent file offset (important
// since the child rewrites its own header at its own teardown, which must
// not clobber bytes the parent has or will write).
func (s *FileSink) CloneInChild() (Sink, bool) {
	fd, err := syscall.Dup(int(s.f.Fd()))
	if err != nil {
		return nil, false
	}
	return NewFileSink(os.NewFile(uintptr(fd), s.f.Name())), true
}
