package sampler

import (
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/godlygeek/memray/record"
)

// Sampler is the background RSS sampler: a single worker that wakes on a
// fixed interval, reads RSS, and writes a MemoryRecord through the same
// writer mutex the hot path uses. There is no separate buffering channel
// for samples; a write failure deactivates the caller's tracker the same
// way a hot-path write failure does.
type Sampler struct {
	reader   RSSReader
	writer   MemoryRecordWriter
	interval time.Duration
	logger   log.Logger
	onFail   func()

	stop chan struct{}
	done chan struct{}
}

// New constructs a Sampler. onFail is called (once) if an RSS read or
// writer write ever fails; the tracker passes its own deactivate method.
func New(reader RSSReader, w MemoryRecordWriter, interval time.Duration, logger log.Logger, onFail func()) *Sampler {
	return &Sampler{
		reader:   reader,
		writer:   w,
		interval: interval,
		logger:   logger,
		onFail:   onFail,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run blocks, sampling every interval, until Stop is called. It's intended
// to run in its own goroutine, coordinated by an errgroup.Group the way
// the Tracker wires its lifecycle.
func (s *Sampler) Run() {
	defer close(s.done)

	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-timer.C:
			if !s.sampleOnce() {
				return
			}
			timer.Reset(s.interval)
		}
	}
}

// sampleOnce reads RSS and writes one MemoryRecord. It reports whether the
// sampler should keep running.
func (s *Sampler) sampleOnce() bool {
	rss, err := s.reader.ReadRSS()
	if err != nil {
		level.Warn(s.logger).Log("msg", "rss read failed, stopping sampler", "err", err)
		s.onFail()
		return false
	}
	rec := record.MemoryRecord{RSS: rss, MsSinceEpoch: time.Now().UnixMilli()}
	if !s.writer.WriteMemoryRecord(rec) {
		level.Warn(s.logger).Log("msg", "memory record write failed, stopping sampler")
		s.onFail()
		return false
	}
	return true
}

// Stop signals Run to exit and waits for it to return.
func (s *Sampler) Stop() {
	close(s.stop)
	<-s.done
}
