package record_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/godlygeek/memray/record"
)

// TestTokenNibbleDisjoint asserts that FRAME_POP's count field and the
// allocation tokens' allocator-kind field, which share a nibble's worth of
// encoding space, are never interpreted for the same record type.
func TestTokenNibbleDisjoint(t *testing.T) {
	types := []record.Token{
		record.TokenContextSwitch,
		record.TokenFramePush,
		record.TokenFramePop,
		record.TokenFrameIndex,
		record.TokenAllocation,
		record.TokenAllocationWithNative,
		record.TokenNativeTraceIndex,
		record.TokenMemoryRecord,
		record.TokenThreadRecord,
		record.TokenMemoryMapStart,
		record.TokenSegmentHeader,
		record.TokenSegment,
		record.TokenTrailer,
	}
	seen := make(map[record.Token]bool, len(types))
	for _, ty := range types {
		require.False(t, seen[ty.Type()], "duplicate record type %v", ty)
		seen[ty.Type()] = true
	}
}

// TestFramePop33SplitsIntoThreeTokens checks the boundary behavior:
// FramePop{count=33} serializes as 3 tokens covering 16, 16 and 1 frames,
// with flags {15, 15, 0}.
func TestFramePop33SplitsIntoThreeTokens(t *testing.T) {
	count := uint32(33)
	n := record.FramePopTokenCount(count)
	require.Equal(t, 3, n)

	var flags []uint8
	for i := 0; i < n; i++ {
		c := record.PopCountAtIndex(count, i)
		flags = append(flags, record.PopFlagsForCount(c))
	}
	require.Equal(t, []uint8{15, 15, 0}, flags)

	var total uint32
	for _, f := range flags {
		total += record.PopCountForFlags(f)
	}
	require.Equal(t, count, total)
}

func TestIsSimpleDeallocator(t *testing.T) {
	require.True(t, record.DeallocFree.IsSimpleDeallocator())
	require.False(t, record.DeallocPyFree.IsSimpleDeallocator())
	require.False(t, record.AllocMalloc.IsSimpleDeallocator())
}
