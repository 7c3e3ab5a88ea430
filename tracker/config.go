package tracker

import (
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/log"

	"github.com/godlygeek/memray/record"
	"github.com/godlygeek/memray/sink"
	"github.com/godlygeek/memray/stackshadow"
)

// Environment variables consulted by makeDefaultConfig when the
// corresponding Option isn't used.
const (
	EnvMemoryIntervalMs = "MEMTRACE_INTERVAL_MS"
	EnvNativeTraces     = "MEMTRACE_NATIVE_TRACES"
	EnvFollowFork       = "MEMTRACE_FOLLOW_FORK"
	EnvOutputPath       = "MEMTRACE_OUTPUT"

	defaultMemoryIntervalMs = 10
)

// Config configures a Tracker. Every field has an Option; the memory
// interval, native-traces flag, follow-fork flag and output path also fall
// back to environment variables. The other fields have no environment
// fallback; FrameLookup, InterpreterLock and the module cache are Go values
// supplied by the embedder's binding glue, not scalars a shell could set.
type Config struct {
	memoryInterval   time.Duration
	nativeTraces     bool
	followFork       bool
	managedAllocator record.AllocatorKind
	outputPath       string
	sink             sink.Sink
	commandLine      string
	logger           log.Logger
	frameLookup      stackshadow.FrameLookup
	interpreterLock  sync.Locker
	moduleCache      ModuleCache
}

// Option configures a Tracker via the functional-options pattern.
type Option interface {
	apply(*Config)
}

type optionFunc func(*Config)

func (f optionFunc) apply(cfg *Config) { f(cfg) }

// WithMemoryInterval sets the background sampler's wakeup interval.
// Defaults to the MEMTRACE_INTERVAL_MS environment variable, or 10ms if
// that is unset.
func WithMemoryInterval(d time.Duration) Option {
	return optionFunc(func(cfg *Config) { cfg.memoryInterval = d })
}

// WithNativeTraces enables capturing and folding native call stacks into
// the trace tree for every allocation. Defaults to the
// MEMTRACE_NATIVE_TRACES environment variable.
func WithNativeTraces(enabled bool) Option {
	return optionFunc(func(cfg *Config) { cfg.nativeTraces = enabled })
}

// WithFollowFork enables constructing a child Tracker across fork(),
// inheriting the parent's flags. Defaults to the MEMTRACE_FOLLOW_FORK
// environment variable.
func WithFollowFork(follow bool) Option {
	return optionFunc(func(cfg *Config) { cfg.followFork = follow })
}

// WithManagedAllocator records which managed-language allocator this
// process traces allocations through, written into the header.
func WithManagedAllocator(kind record.AllocatorKind) Option {
	return optionFunc(func(cfg *Config) { cfg.managedAllocator = kind })
}

// WithOutputPath sets the path a file Sink is opened at if no explicit
// Sink is given via WithSink. Defaults to the MEMTRACE_OUTPUT environment
// variable.
func WithOutputPath(path string) Option {
	return optionFunc(func(cfg *Config) { cfg.outputPath = path })
}

// WithSink supplies the Sink directly, bypassing WithOutputPath.
func WithSink(s sink.Sink) Option {
	return optionFunc(func(cfg *Config) { cfg.sink = s })
}

// WithCommandLine overrides the command line recorded in the header.
// Defaults to a space-joined os.Args.
func WithCommandLine(cmd string) Option {
	return optionFunc(func(cfg *Config) { cfg.commandLine = cmd })
}

// WithLogger sets the structured logger used for diagnostic lines.
// Defaults to a no-op logger.
func WithLogger(logger log.Logger) Option {
	return optionFunc(func(cfg *Config) { cfg.logger = logger })
}

// WithFrameLookup supplies the embedder's interpreter-frame resolver,
// required before any PushFrame call can succeed.
func WithFrameLookup(l stackshadow.FrameLookup) Option {
	return optionFunc(func(cfg *Config) { cfg.frameLookup = l })
}

// WithInterpreterLock supplies the embedder's global interpreter lock,
// held by StartStackTracking while it captures stacks. If omitted,
// StartStackTracking uses a private mutex that serializes it only with
// itself.
func WithInterpreterLock(l sync.Locker) Option {
	return optionFunc(func(cfg *Config) { cfg.interpreterLock = l })
}

// WithModuleCache supplies the embedder's loaded-image enumerator, called
// once at construction to emit the initial memory-map record. If omitted,
// construction proceeds without a memory map.
func WithModuleCache(cache ModuleCache) Option {
	return optionFunc(func(cfg *Config) { cfg.moduleCache = cache })
}

func makeDefaultConfig() Config {
	cfg := Config{
		memoryInterval: defaultMemoryIntervalMs * time.Millisecond,
		logger:         log.NewNopLogger(),
	}
	if v := os.Getenv(EnvMemoryIntervalMs); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.memoryInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv(EnvNativeTraces); v != "" {
		cfg.nativeTraces, _ = strconv.ParseBool(v)
	}
	if v := os.Getenv(EnvFollowFork); v != "" {
		cfg.followFork, _ = strconv.ParseBool(v)
	}
	if v := os.Getenv(EnvOutputPath); v != "" {
		cfg.outputPath = v
	}
	return cfg
}
