package stackshadow

import (
	"sync"
	"sync/atomic"

	"github.com/godlygeek/memray/record"
)

// Registry is the process-wide coordination point for all live Shadows: it
// assigns the monotonic generation counter and holds the InitialStacksMap
// captured by StartTracking. ForEach walks every live thread's shadow under
// a single lock rather than each shadow guarding itself, since shadow
// mutation otherwise happens lock-free on its owning thread.
type Registry struct {
	mu            sync.Mutex
	live          map[record.ThreadHandle]*Shadow
	initialStacks map[record.ThreadHandle][]LazyFrame
	generation    atomic.Uint32
}

// NewRegistry creates an empty Registry at generation 0.
func NewRegistry() *Registry {
	return &Registry{
		live: make(map[record.ThreadHandle]*Shadow),
	}
}

// Generation returns the current generation counter.
func (r *Registry) Generation() uint32 {
	return r.generation.Load()
}

func (r *Registry) register(handle record.ThreadHandle, s *Shadow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[handle] = s
}

func (r *Registry) unregister(handle record.ThreadHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, handle)
}

// ForEach calls f for every currently-live shadow, holding the registry
// lock for the duration. f must not block or attempt to register or
// unregister a shadow.
func (r *Registry) ForEach(f func(handle record.ThreadHandle, s *Shadow)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for handle, s := range r.live {
		f(handle, s)
	}
}

// StartTracking runs under interpLock (the embedder's global interpreter
// lock, held for the whole capture so no frame can be pushed or popped
// while it runs): it snapshots every live thread's current stack into the
// InitialStacksMap, truncates the calling thread's own snapshot to just
// its top frame (the caller of start), and bumps the generation. Returns
// the new generation.
func (r *Registry) StartTracking(interpLock sync.Locker, callerHandle record.ThreadHandle) uint32 {
	interpLock.Lock()
	defer interpLock.Unlock()

	r.mu.Lock()
	captured := make(map[record.ThreadHandle][]LazyFrame, len(r.live))
	for handle, s := range r.live {
		frames := s.snapshotStack()
		if handle == callerHandle && len(frames) > 0 {
			frames = frames[len(frames)-1:]
		}
		captured[handle] = frames
	}
	r.initialStacks = captured
	r.mu.Unlock()

	return r.generation.Add(1)
}

// StopTracking clears the captured snapshots. Live shadows keep whatever
// state they already synced; the next StartTracking call will capture
// fresh snapshots and bump the generation again.
func (r *Registry) StopTracking() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.initialStacks = nil
}

// takeInitialStack returns (and consumes) the captured snapshot for
// handle, if any. Shadows without a captured snapshot (threads that didn't
// exist yet at StartTracking time) get an empty stack.
func (r *Registry) takeInitialStack(handle record.ThreadHandle) []LazyFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	frames, ok := r.initialStacks[handle]
	if !ok {
		return nil
	}
	delete(r.initialStacks, handle)
	return frames
}
