package tracker

import (
	"encoding/hex"
	"sync"

	"github.com/minio/highwayhash"

	"github.com/godlygeek/memray/record"
)

// frameHashKey is a fixed 32-byte HighwayHash key, same rationale as
// nativetrace's: folding a (function, file) pair into a table key is a
// structural hash, not a security boundary.
var frameHashKey = mustDecodeHex("2F2E2D2C2B2A292827262524232221201F1E1D1C1B1A1918171615141312110F")

func mustDecodeHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic("tracker: bad hash key: " + err.Error())
	}
	return b
}

// frameWriter is the subset of writer.Writer frameTable needs.
type frameWriter interface {
	WriteFrameIndex(r record.FrameIndex) bool
}

type frameEntry struct {
	id         record.FrameID
	lastLineNo int64
}

// frameTable implements stackshadow.FrameRegistrar, keyed on (function,
// file): recurring calls to the same function reuse its FrameID and ride a
// delta-encoded line number on the FramePush instead of minting a fresh id
// per line edit.
type frameTable struct {
	mu     sync.Mutex
	byKey  map[uint64]*frameEntry
	nextID record.FrameID
	writer frameWriter
}

func newFrameTable(w frameWriter) *frameTable {
	return &frameTable{byKey: make(map[uint64]*frameEntry), writer: w}
}

// RegisterFrame implements stackshadow.FrameRegistrar. A novel frame whose
// FRAME_INDEX write fails reports ok=false so the caller deactivates the
// tracer instead of continuing to trace with an incomplete frame table.
func (t *frameTable) RegisterFrame(raw record.RawFrame) (record.FrameID, bool, int64, bool) {
	key := hashFrameKey(raw.FunctionName, raw.FileName)

	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.byKey[key]
	if !ok {
		id := t.nextID
		t.nextID++
		t.byKey[key] = &frameEntry{id: id, lastLineNo: raw.LineNo}
		if !t.writer.WriteFrameIndex(record.FrameIndex{ID: id, Raw: raw}) {
			return id, false, 0, false
		}
		return id, false, 0, true
	}
	if entry.lastLineNo != raw.LineNo {
		entry.lastLineNo = raw.LineNo
		return entry.id, true, raw.LineNo, true
	}
	return entry.id, false, 0, true
}

func hashFrameKey(functionName, fileName string) uint64 {
	h, err := highwayhash.New64(frameHashKey)
	if err != nil {
		panic("tracker: " + err.Error())
	}
	h.Write([]byte(functionName))
	h.Write([]byte{0})
	h.Write([]byte(fileName))
	return h.Sum64()
}
