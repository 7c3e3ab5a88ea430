// Package sink defines the abstract byte destination the record writer
// appends to, plus the two concrete sinks this module ships: a file sink
// for the common case, and an in-memory sink for tests. Any other sink
// (sockets, ring buffers, remote streams) is an external collaborator
// implementing this same interface.
package sink

// Sink is an abstract byte destination. Implementations must be safe to
// call from the single goroutine that holds the writer's mutex; they need
// not be safe for concurrent use themselves; the writer serializes all
// access.
type Sink interface {
	// WriteAll writes all of p, reporting false on any failure. Partial
	// writes are not surfaced to callers: a sink either accepts a full
	// record or the caller treats the whole write as failed.
	WriteAll(p []byte) bool

	// Flush pushes any buffered bytes out, reporting false on failure.
	Flush() bool

	// Seek repositions the sink for the given offset/whence (as
	// io.Seeker), returning false if the sink isn't seekable or the seek
	// failed. Non-seekable sinks (pipes, sockets) always return false.
	Seek(offset int64, whence int) bool

	// CloneInChild returns a new Sink appropriate for a freshly-forked
	// child process, or (nil, false) if this sink cannot be cloned (for
	// example, a socket whose peer only expects one writer).
	CloneInChild() (Sink, bool)
}
