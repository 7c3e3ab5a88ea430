package sampler_test

import (
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/godlygeek/memray/record"
	"github.com/godlygeek/memray/sampler"
)

type fakeReader struct {
	rss uint64
	err error
}

func (f fakeReader) ReadRSS() (uint64, error) { return f.rss, f.err }

type fakeWriter struct {
	records chan record.MemoryRecord
	fail    bool
}

func (w *fakeWriter) WriteMemoryRecord(r record.MemoryRecord) bool {
	if w.fail {
		return false
	}
	w.records <- r
	return true
}

// TestSamplerEmitsRecordsOnInterval checks that a running sampler keeps
// waking up and emits successive MemoryRecords carrying the reader's RSS.
func TestSamplerEmitsRecordsOnInterval(t *testing.T) {
	w := &fakeWriter{records: make(chan record.MemoryRecord, 8)}
	s := sampler.New(fakeReader{rss: 4096}, w, 5*time.Millisecond, log.NewNopLogger(), func() {})

	go s.Run()
	defer s.Stop()

	for i := 0; i < 3; i++ {
		select {
		case rec := <-w.records:
			require.Equal(t, uint64(4096), rec.RSS)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for memory record")
		}
	}
}

func TestSamplerStopsOnRSSReadFailure(t *testing.T) {
	w := &fakeWriter{records: make(chan record.MemoryRecord, 8)}
	failed := make(chan struct{})
	s := sampler.New(fakeReader{err: errReadFailed}, w, 5*time.Millisecond, log.NewNopLogger(), func() { close(failed) })

	go s.Run()
	select {
	case <-failed:
	case <-time.After(time.Second):
		t.Fatal("onFail was never called")
	}
}

func TestSamplerStopsOnWriteFailure(t *testing.T) {
	w := &fakeWriter{records: make(chan record.MemoryRecord, 8), fail: true}
	failed := make(chan struct{})
	s := sampler.New(fakeReader{rss: 1}, w, 5*time.Millisecond, log.NewNopLogger(), func() { close(failed) })

	go s.Run()
	select {
	case <-failed:
	case <-time.After(time.Second):
		t.Fatal("onFail was never called")
	}
}

func TestSamplerStopIsClean(t *testing.T) {
	w := &fakeWriter{records: make(chan record.MemoryRecord, 8)}
	s := sampler.New(fakeReader{rss: 1}, w, time.Hour, log.NewNopLogger(), func() {})
	go s.Run()
	s.Stop() // should return promptly without waiting out the hour-long interval
}

var errReadFailed = &readError{}

type readError struct{}

func (*readError) Error() string { return "rss read failed" }
