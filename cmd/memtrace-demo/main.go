// Command memtrace-demo drives the tracker package against synthetic
// allocation traffic and writes a trace file, exercising the same
// construction/shutdown sequence an embedder would.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"

	"github.com/godlygeek/memray"
	"github.com/godlygeek/memray/record"
	"github.com/godlygeek/memray/tracker"
)

func main() {
	if err := runMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runMain() error {
	var (
		output       = flag.String("output", "memtrace.bin", "trace output path")
		intervalMs   = flag.Int("interval-ms", 10, "background RSS sampler interval")
		nativeTraces = flag.Bool("native", false, "fold a synthetic native call stack into every allocation")
	)
	flag.Parse()

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	if err := memray.Start(
		tracker.WithOutputPath(*output),
		tracker.WithMemoryInterval(time.Duration(*intervalMs)*time.Millisecond),
		tracker.WithNativeTraces(*nativeTraces),
		tracker.WithManagedAllocator(record.AllocMalloc),
		tracker.WithLogger(logger),
		tracker.WithFrameLookup(demoFrameLookup{}),
	); err != nil {
		return fmt.Errorf("starting tracer: %w", err)
	}
	defer memray.Stop()

	var g run.Group
	{
		stop := make(chan struct{})
		g.Add(func() error {
			return driveAllocations(stop)
		}, func(error) {
			close(stop)
		})
	}
	{
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt)
		g.Add(func() error {
			<-sigCh
			return nil
		}, func(error) {
			signal.Stop(sigCh)
			close(sigCh)
		})
	}

	if err := g.Run(); err != nil {
		level.Warn(logger).Log("msg", "demo run group exited", "err", err)
	}

	stats, _ := memray.Stats()
	level.Info(logger).Log("msg", "trace complete", "allocations", stats.NAllocations, "frames", stats.NFrames)
	return nil
}

// demoFrameLookup stands in for a real interpreter's frame introspection:
// it resolves every frame reference to one of three fixed (function, file)
// pairs chosen by the ref modulo three, with a synthetic line number.
type demoFrameLookup struct{}

var demoFrames = []struct {
	function, file string
}{
	{"handle_request", "server.lang"},
	{"parse_body", "server.lang"},
	{"allocate_buffer", "runtime.lang"},
}

func (demoFrameLookup) Resolve(frameRef record.FrameRef) (record.RawFrame, int64, error) {
	f := demoFrames[int(frameRef)%len(demoFrames)]
	return record.RawFrame{
		FunctionName: f.function,
		FileName:     f.file,
		IsEntryFrame: frameRef%3 == 1,
	}, int64(frameRef % 100), nil
}

// driveAllocations simulates an interpreter's hot-path calls: it pushes a
// handful of frames, performs allocations and deallocations through them,
// then pops back out, in a tight loop until stop is closed.
func driveAllocations(stop <-chan struct{}) error {
	const tid = record.ThreadHandle(1)
	frames := []record.FrameRef{1001, 1002, 1003}
	var nextAddr uintptr = 0x1000

	for {
		select {
		case <-stop:
			return nil
		default:
		}

		for _, f := range frames {
			if err := memray.PushFrame(tid, f); err != nil {
				return err
			}
		}

		addr := nextAddr
		nextAddr++
		size := uint64(16 + rand.Intn(256))
		memray.TrackAlloc(tid, addr, size, record.AllocMalloc)
		memray.TrackDealloc(tid, addr, record.AllocMalloc)

		for i := len(frames) - 1; i >= 0; i-- {
			memray.PopFrame(tid, frames[i])
		}

		time.Sleep(time.Millisecond)
	}
}
