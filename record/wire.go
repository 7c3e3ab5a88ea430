package record

import "github.com/google/uuid"

// Token is a one-byte record marker: the high nibble is the record type,
// the low nibble carries per-type flags (an allocator kind, a pop count
// minus one, or a presence bit). Payloads following a token are
// varint/delta-encoded rather than memcpy'd, so a single flagged byte is
// enough framing.
type Token byte

// Record type constants. These occupy the high nibble of a Token and must
// stay stable across versions: readers switch on them directly.
const (
	TokenContextSwitch       Token = 0x10
	TokenFramePush           Token = 0x20
	TokenFramePop            Token = 0x30
	TokenFrameIndex          Token = 0x40
	TokenAllocation          Token = 0x50
	TokenAllocationWithNative Token = 0x60
	TokenNativeTraceIndex    Token = 0x70
	TokenMemoryRecord        Token = 0x80
	TokenThreadRecord        Token = 0x90
	TokenMemoryMapStart      Token = 0xA0
	TokenSegmentHeader       Token = 0xB0
	TokenSegment             Token = 0xC0
	TokenTrailer             Token = 0xF0
)

const tokenTypeMask = 0xF0
const tokenFlagMask = 0x0F

// MakeToken builds a Token from a record type and a 4-bit flags field. It
// panics if flags doesn't fit in a nibble, which would indicate a logic
// error in the caller rather than bad input.
func MakeToken(t Token, flags uint8) Token {
	if flags&^tokenFlagMask != 0 {
		panic("record: flags overflow token nibble")
	}
	return Token(uint8(t)&tokenTypeMask | flags)
}

// Type returns the record-type high nibble of a Token.
func (t Token) Type() Token { return Token(uint8(t) & tokenTypeMask) }

// Flags returns the low-nibble flags of a Token.
func (t Token) Flags() uint8 { return uint8(t) & tokenFlagMask }

// framePushLineNoFlag marks, in a FRAME_PUSH token's flags, that a
// delta-encoded line number follows the frame id delta: a line-number
// change re-pushes the same FrameID carrying its new line rather than
// minting a fresh id per edit.
const framePushLineNoFlag uint8 = 0x1

// FramePushFlags returns the flags byte for a FramePush record.
func FramePushFlags(hasLineNo bool) uint8 {
	if hasLineNo {
		return framePushLineNoFlag
	}
	return 0
}

// HasLineNo reports whether a FRAME_PUSH token's flags carry a line number.
func (t Token) HasLineNo() bool { return t.Flags()&framePushLineNoFlag != 0 }

// maxPopPerToken is how many frames a single FRAME_POP token can remove: the
// flags nibble encodes pop_count-1, so one token covers 1..16 frames.
const maxPopPerToken = 16

// FramePopTokenCount returns how many FRAME_POP tokens are needed to
// represent popping count frames; PopCountAtIndex recovers the count each
// token carries.
func FramePopTokenCount(count uint32) int {
	if count == 0 {
		return 0
	}
	return int((count + maxPopPerToken - 1) / maxPopPerToken)
}

// PopCountAtIndex returns how many frames the i'th (0-based) FRAME_POP token
// pops, given the token sequence produced for popping count frames total.
func PopCountAtIndex(count uint32, i int) uint32 {
	remaining := count - uint32(i)*maxPopPerToken
	if remaining > maxPopPerToken {
		return maxPopPerToken
	}
	return remaining
}

// PopFlagsForCount returns the flags nibble for a FRAME_POP token covering n
// frames (1 <= n <= 16).
func PopFlagsForCount(n uint32) uint8 {
	return uint8(n - 1)
}

// PopCountForFlags recovers the frame count a FRAME_POP token's flags
// represent.
func PopCountForFlags(flags uint8) uint32 {
	return uint32(flags) + 1
}

// AllocatorFlags returns the flags nibble for an ALLOCATION/
// ALLOCATION_WITH_NATIVE token.
func AllocatorFlags(k AllocatorKind) uint8 {
	return uint8(k)
}

// AllocatorKindForFlags recovers the allocator kind from an ALLOCATION token's
// flags.
func AllocatorKindForFlags(flags uint8) AllocatorKind {
	return AllocatorKind(flags)
}

// Magic identifies the file format, written byte-for-byte rather than
// memory-cast, since the sink is an arbitrary byte stream rather than a
// mapped buffer.
var Magic = [4]byte{'M', 'T', 'R', 'C'}

// Version is bumped on any incompatible wire-format change.
const Version uint32 = 1

// Header describes the data written by writer.Writer.WriteHeader. RunID is
// a UUID minted once per Writer (so once per tracker and once per forked
// child), distinguishing files produced by repeated start/stop or fork
// cycles.
type Header struct {
	NativeTracesEnabled bool
	ManagedAllocator    AllocatorKind
	Stats               Stats
	RunID               uuid.UUID
	CommandLine         string
	PID                 int32
}
