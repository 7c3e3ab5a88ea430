// Package sampler implements the background RSS sampler: a goroutine that
// wakes on a fixed interval, reads the process's resident set size, and
// writes a MEMORY_RECORD through the same writer mutex the hot path uses.
// A failed write is not buffered or retried: the sampler reports the
// failure to its tracker and stops.
package sampler

import "github.com/godlygeek/memray/record"

// RSSReader abstracts the platform-specific resident-set-size read: a
// public entry point backed by a per-OS unexported implementation chosen
// at compile time via build tags.
type RSSReader interface {
	ReadRSS() (uint64, error)
}

// SystemRSSReader reads the real resident set size of the current process.
type SystemRSSReader struct{}

// ReadRSS implements RSSReader.
func (SystemRSSReader) ReadRSS() (uint64, error) {
	return readRSS()
}

// MemoryRecordWriter is the subset of writer.Writer the sampler needs. It
// takes the writer's own lock internally, the same as every other WriteXxx
// method, so the sampler never needs a lock of its own.
type MemoryRecordWriter interface {
	WriteMemoryRecord(r record.MemoryRecord) bool
}
