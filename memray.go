// Package memray is the embedder-facing facade over the tracker package: a
// package-level singleton with Start/Stop lifecycle management, plus
// the fork-handler wiring that gives forksafe.Leaked its real caller.
package memray

import (
	"fmt"
	"sync"

	"github.com/godlygeek/memray/forksafe"
	"github.com/godlygeek/memray/record"
	"github.com/godlygeek/memray/tracker"
)

// current is the live Tracker, held behind an intentional-leak pointer: a
// fork()'d child must never run the parent's destructors on it (see
// forksafe.Leaked's doc comment), so replacing it is the only operation
// ever performed on the old value.
var current forksafe.Leaked[tracker.Tracker]

var startMu sync.Mutex

// Start builds a new Tracker and installs it as the singleton, stopping
// and discarding any tracker that was already running. It also registers
// this package's fork handler, giving CloneForChild a real caller.
func Start(opts ...tracker.Option) error {
	startMu.Lock()
	defer startMu.Unlock()

	stopLocked()

	t, err := tracker.New(opts...)
	if err != nil {
		return fmt.Errorf("memray: starting tracker: %w", err)
	}
	current.LeakAndReplace(t)
	forksafe.Register(forkHandler{})
	return nil
}

// Stop tears down the singleton tracker, if one is running. It is a no-op
// if Start was never called or was already followed by Stop.
func Stop() {
	startMu.Lock()
	defer startMu.Unlock()
	stopLocked()
}

func stopLocked() {
	t := current.Load()
	if t == nil {
		return
	}
	t.Stop()
	current.Clear()
	forksafe.Register(nil)
}

// Stats returns the running singleton's counters. ok is false if no
// tracker is currently running.
func Stats() (stats record.Stats, ok bool) {
	t := current.Load()
	if t == nil {
		return record.Stats{}, false
	}
	return t.Stats(), true
}

// Active reports whether a tracker is currently running.
func Active() bool {
	t := current.Load()
	return t != nil && t.Active()
}

// PushFrame, PopFrame, SetLineno, TrackAlloc and TrackDealloc forward to
// the running singleton's hot-path methods. Each is a no-op (PushFrame
// returns nil) if no tracker is running, mirroring Tracker's own
// Active()-gated behavior so an embedder's binding glue doesn't need to
// check Active itself before every call.

func PushFrame(tid record.ThreadHandle, frameRef record.FrameRef) error {
	t := current.Load()
	if t == nil {
		return nil
	}
	return t.PushFrame(tid, frameRef)
}

func PopFrame(tid record.ThreadHandle, frameRef record.FrameRef) {
	if t := current.Load(); t != nil {
		t.PopFrame(tid, frameRef)
	}
}

func SetLineno(tid record.ThreadHandle, lineno int64) {
	if t := current.Load(); t != nil {
		t.SetLineno(tid, lineno)
	}
}

func TrackAlloc(tid record.ThreadHandle, addr uintptr, size uint64, kind record.AllocatorKind) {
	if t := current.Load(); t != nil {
		t.TrackAlloc(tid, addr, size, kind)
	}
}

func TrackDealloc(tid record.ThreadHandle, addr uintptr, kind record.AllocatorKind) {
	if t := current.Load(); t != nil {
		t.TrackDealloc(tid, addr, kind)
	}
}

// forkHandler implements forksafe.Handler by delegating to whatever
// tracker is live at the time of the call: this package never calls
// fork() itself, it only reacts to an embedder's pre/post-fork
// notifications.
type forkHandler struct{}

var _ forksafe.Handler = forkHandler{}

func (forkHandler) PreFork() {
	if t := current.Load(); t != nil {
		t.PreFork()
	}
}

func (forkHandler) PostForkParent() {
	if t := current.Load(); t != nil {
		t.PostForkParent()
	}
}

// PostForkChild asks the leaked parent tracker for a child replacement, and
// either installs it (follow_fork enabled) or clears the singleton so the
// child process traces nothing (follow_fork disabled, or the writer's sink
// couldn't be cloned). The parent Tracker itself is never touched here:
// LeakAndReplace discards the old pointer without running any destructor
// on it, which is exactly what a forked child needs since the parent's
// mutexes and goroutines may reference threads that no longer exist
// post-fork.
func (forkHandler) PostForkChild() {
	t := current.Load()
	if t == nil {
		return
	}
	child, follow := t.CloneForChild()
	if !follow {
		current.Clear()
		return
	}
	current.LeakAndReplace(child)
}
