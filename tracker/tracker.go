// Package tracker implements the Tracker singleton: it wires hot-path
// allocation and interpreter-trace callbacks to the RecordWriter, owns the
// BackgroundSampler, and coordinates fork handling.
package tracker

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/godlygeek/memray/nativetrace"
	"github.com/godlygeek/memray/record"
	"github.com/godlygeek/memray/sampler"
	"github.com/godlygeek/memray/sink"
	"github.com/godlygeek/memray/stackshadow"
	"github.com/godlygeek/memray/writer"
)

// errSinkNotSeekable is returned when neither WithSink nor WithOutputPath
// was used: Tracker has nothing to open a FileSink on and no in-memory
// sink was supplied either.
var errSinkNotSeekable = errors.New("tracker: no sink configured (use WithSink or WithOutputPath)")

// Unwinder captures the calling thread's native call stack. It's an
// external collaborator: walking native frames is platform/runtime-specific
// unwinding this module doesn't implement.
type Unwinder interface {
	Fill(skipFrames int) []uintptr
}

// ModuleCache returns the current set of loaded image segments, for the
// memory-map record emitted at construction. Another external collaborator:
// reading /proc/self/maps or the platform equivalent is binding glue.
type ModuleCache func() []record.ImageSegments

// Tracker is the process-wide singleton. The zero value is not usable;
// construct with New.
type Tracker struct {
	cfg    Config
	logger log.Logger

	writer   *writer.Writer
	registry *stackshadow.Registry
	frames   *frameTable
	natives  *nativetrace.Tree
	unwinder Unwinder

	shadows sync.Map // record.ThreadHandle -> *stackshadow.Shadow
	guards  sync.Map // record.ThreadHandle -> *atomic.Bool

	sampler   *sampler.Sampler
	samplerWG errgroup.Group

	active    atomic.Bool
	forkGuard atomic.Bool
}

// New performs the tracker's strict construction order: it does not
// publish a package-level singleton itself (see the root memray package for
// that); it returns a fully active Tracker or an error from any of the
// steps that can fail.
func New(opts ...Option) (*Tracker, error) {
	cfg := makeDefaultConfig()
	for _, o := range opts {
		o.apply(&cfg)
	}
	if cfg.commandLine == "" {
		cfg.commandLine = strings.Join(os.Args, " ")
	}

	s := cfg.sink
	if s == nil {
		if cfg.outputPath == "" {
			return nil, errSinkNotSeekable
		}
		fileSink, err := sink.OpenFileSink(cfg.outputPath)
		if err != nil {
			return nil, fmt.Errorf("tracker: opening output sink: %w", err)
		}
		s = fileSink
	}

	t := &Tracker{
		cfg:      cfg,
		logger:   cfg.logger,
		writer:   writer.New(s, cfg.commandLine, cfg.nativeTraces, cfg.managedAllocator),
		registry: stackshadow.NewRegistry(),
	}
	t.frames = newFrameTable(t.writer)
	if cfg.nativeTraces {
		t.natives = nativetrace.New()
	}

	// Step 3: emit initial header.
	if !t.writer.WriteHeader(false) {
		return nil, fmt.Errorf("tracker: writing initial header: %w", errSinkWriteFailed)
	}

	// Step 4: populate the module cache, if the embedder supplied one.
	if !t.EmitModuleCache(cfg.moduleCache) {
		return nil, fmt.Errorf("tracker: writing memory map: %w", errSinkWriteFailed)
	}

	// Step 6: start the background sampler. Step 7 (active=true) happens
	// last, after the sampler goroutine has been started.
	t.sampler = sampler.New(sampler.SystemRSSReader{}, t.writer, cfg.memoryInterval, t.logger, t.Deactivate)
	t.samplerWG.Go(func() error {
		t.sampler.Run()
		return nil
	})

	t.active.Store(true)
	return t, nil
}

var errSinkWriteFailed = errors.New("sink write failed")

// Active reports whether the tracker is still accepting hot-path events.
func (t *Tracker) Active() bool { return t.active.Load() }

// Deactivate stops the tracker from accepting further hot-path events. It
// is idempotent and safe to call from any goroutine; it's what every
// per-write failure path calls.
func (t *Tracker) Deactivate() {
	t.active.Store(false)
}

// Stats returns the writer's running counters.
func (t *Tracker) Stats() record.Stats {
	return t.writer.Stats()
}

// Stop tears the tracker down: stop the sampler, write the trailer, then
// rewrite the header so final stats and end-time land in the file if the
// sink is seekable. This reverses New's construction order.
func (t *Tracker) Stop() {
	t.active.Store(false)
	t.sampler.Stop()
	_ = t.samplerWG.Wait()
	t.writer.WriteTrailer()
	t.writer.WriteHeader(true)
}

// EmitModuleCache writes the current memory map via cache, matching
// construction step 4: New calls it with the function given to
// WithModuleCache. A nil cache writes nothing and reports success.
func (t *Tracker) EmitModuleCache(cache ModuleCache) bool {
	if cache == nil {
		return true
	}
	return t.writer.WriteMappings(cache())
}

// StartStackTracking captures every registered thread's current managed
// stack and bumps the generation counter, called by the embedder once its
// profile-hook installation is ready to run. Hooks must be installed only
// after this call captures every thread's current stack, so no thread can
// observe tracking enabled with an empty shadow.
func (t *Tracker) StartStackTracking(callerHandle record.ThreadHandle) uint32 {
	lock := t.cfg.interpreterLock
	if lock == nil {
		lock = &sync.Mutex{} // no embedder lock configured; still serializes this call with itself
	}
	return t.registry.StartTracking(lock, callerHandle)
}

// StopStackTracking clears the captured-stacks map. It does not uninstall
// any profile hook.
func (t *Tracker) StopStackTracking() {
	t.registry.StopTracking()
}

func (t *Tracker) shadowFor(tid record.ThreadHandle) *stackshadow.Shadow {
	if existing, ok := t.shadows.Load(tid); ok {
		return existing.(*stackshadow.Shadow)
	}
	s := stackshadow.NewShadow(tid, t.frames, t.writer, t.registry)
	actual, _ := t.shadows.LoadOrStore(tid, s)
	return actual.(*stackshadow.Shadow)
}

// withGuard runs f unless tid is already inside tracer code (reentrant
// allocation performed by the tracer's own bookkeeping), or the process is
// between PreFork and PostForkParent/CloneForChild: sharing one guard
// mechanism between ordinary reentrancy and fork suppression means an
// allocation on any thread during the fork window is a no-op, not just
// allocations on the forking thread. The guard is reset via defer on
// return; there is no thread-exit destructor to write in Go, the defer
// already covers every exit path of the call it guards.
func (t *Tracker) withGuard(tid record.ThreadHandle, f func()) {
	if t.forkGuard.Load() {
		return
	}
	guardIface, _ := t.guards.LoadOrStore(tid, new(atomic.Bool))
	guard := guardIface.(*atomic.Bool)
	if !guard.CompareAndSwap(false, true) {
		return
	}
	defer guard.Store(false)
	f()
}

// PushFrame implements the push half of the hot-path interpreter-trace
// callback: it ensures the thread's shadow exists, reloads it if the
// generation moved on, then pushes.
func (t *Tracker) PushFrame(tid record.ThreadHandle, frameRef record.FrameRef) error {
	if !t.Active() {
		return nil
	}
	var pushErr error
	t.withGuard(tid, func() {
		shadow := t.shadowFor(tid)
		shadow.ReloadIfGenerationChanged()
		pushErr = shadow.PushManagedFrame(t.cfg.frameLookup, frameRef)
	})
	return pushErr
}

// PopFrame implements the pop half of the hot-path interpreter-trace
// callback.
func (t *Tracker) PopFrame(tid record.ThreadHandle, frameRef record.FrameRef) {
	if !t.Active() {
		return
	}
	t.withGuard(tid, func() {
		shadow := t.shadowFor(tid)
		shadow.ReloadIfGenerationChanged()
		shadow.PopManagedFrame(frameRef)
	})
}

// SetLineno implements the interpreter line-event callback.
func (t *Tracker) SetLineno(tid record.ThreadHandle, lineno int64) {
	if !t.Active() {
		return
	}
	t.withGuard(tid, func() {
		t.shadowFor(tid).SetLineno(lineno)
	})
}

// TrackAlloc records an allocation event, flushing any pending shadow
// stack transitions first.
func (t *Tracker) TrackAlloc(tid record.ThreadHandle, addr uintptr, size uint64, kind record.AllocatorKind) {
	if !t.Active() {
		return
	}
	t.withGuard(tid, func() {
		shadow := t.shadowFor(tid)
		shadow.ReloadIfGenerationChanged()

		// Flushing happens through the writer's plain (self-locking)
		// methods, never while this goroutine also holds the writer's
		// lock via AcquireLock: pop_managed_frame can itself trigger a
		// flush (on a thread's last pop) from a path that never takes
		// AcquireLock, so the shadow must never assume the lock is held.
		if !shadow.FlushPendingPops() || !shadow.FlushPendingPushes() {
			t.Deactivate()
			level.Warn(t.logger).Log("msg", "flushing shadow stack failed, deactivating tracer")
			return
		}

		var ok bool
		if t.natives != nil {
			ips := t.unwinderFill()
			unlock := t.writer.AcquireLock()
			nodeID := t.natives.Insert(ips, func(ip uintptr, nodeID uint64) {
				t.writer.WriteUnresolvedNativeFrameLocked(record.UnresolvedNativeFrame{IP: ip, Index: nodeID})
			})
			ok = t.writer.WriteNativeAllocationLocked(tid, record.NativeAllocationRecord{
				Address: addr, Size: size, Allocator: kind, NativeFrameID: nodeID,
			})
			unlock()
		} else {
			ok = t.writer.WriteAllocation(tid, record.AllocationRecord{Address: addr, Size: size, Allocator: kind})
		}
		if !ok {
			t.Deactivate()
			level.Warn(t.logger).Log("msg", "allocation write failed, deactivating tracer")
		}
	})
}

// TrackDealloc records a deallocation event: the same guards as
// TrackAlloc, writing an AllocationRecord with the dealloc kind. No native
// stack is captured for deallocations.
func (t *Tracker) TrackDealloc(tid record.ThreadHandle, addr uintptr, kind record.AllocatorKind) {
	if !t.Active() {
		return
	}
	t.withGuard(tid, func() {
		shadow := t.shadowFor(tid)
		shadow.ReloadIfGenerationChanged()

		if !shadow.FlushPendingPops() || !shadow.FlushPendingPushes() {
			t.Deactivate()
			return
		}
		if !t.writer.WriteAllocation(tid, record.AllocationRecord{Address: addr, Allocator: kind}) {
			t.Deactivate()
			level.Warn(t.logger).Log("msg", "deallocation write failed, deactivating tracer")
		}
	})
}

func (t *Tracker) unwinderFill() []uintptr {
	if t.unwinder == nil {
		return nil
	}
	const skipTrackerFrames = 2
	return t.unwinder.Fill(skipTrackerFrames)
}

// SetUnwinder installs the native-stack unwinder used when native traces
// are enabled. Must be called before the first TrackAlloc if
// WithNativeTraces(true) was used.
func (t *Tracker) SetUnwinder(u Unwinder) {
	t.unwinder = u
}

// PreFork sets this tracker's fork recursion guard so no allocation
// performed during fork is traced. The singleton wrapper (the root memray
// package) calls this from its forksafe.Handler.PreFork.
func (t *Tracker) PreFork() {
	t.forkGuard.Store(true)
}

// PostForkParent clears the fork recursion guard set by PreFork.
func (t *Tracker) PostForkParent() {
	t.forkGuard.Store(false)
}

// CloneForChild asks this tracker's writer for a child-clone and, if that
// succeeds and this tracker was active and configured to follow forks,
// constructs and returns a brand-new Tracker around the cloned writer,
// inheriting flags. follow is false whenever no replacement tracker should
// run in the child (the caller must then clear the singleton rather than
// install anything).
//
// This tracker (t) itself is never touched: the caller is expected to
// intentionally leak it (see forksafe.Leaked) rather than call Stop on it,
// since its sampler goroutine and mutexes may reference threads that don't
// exist in the child.
func (t *Tracker) CloneForChild() (child *Tracker, follow bool) {
	if !t.Active() || !t.cfg.followFork {
		return nil, false
	}
	childWriter, ok := t.writer.CloneInChild()
	if !ok {
		return nil, false
	}

	child = &Tracker{
		cfg:      t.cfg,
		logger:   t.logger,
		writer:   childWriter,
		registry: stackshadow.NewRegistry(),
		unwinder: t.unwinder,
	}
	child.frames = newFrameTable(child.writer)
	if t.cfg.nativeTraces {
		child.natives = nativetrace.New()
	}
	// The child's stream starts with its own header, which its Stop later
	// rewrites with final stats.
	if !child.writer.WriteHeader(false) {
		return nil, false
	}
	child.sampler = sampler.New(sampler.SystemRSSReader{}, child.writer, t.cfg.memoryInterval, child.logger, child.Deactivate)
	child.samplerWG.Go(func() error {
		child.sampler.Run()
		return nil
	})
	child.active.Store(true)
	return child, true
}
