// Package nativetrace implements the native-allocation trace tree: a trie
// over instruction-pointer chains that collapses shared call prefixes
// (recursive or commonly-reached functions) to the same node, so a native
// allocation's call stack can be referenced by a single leaf node id
// instead of repeating every frame on the wire.
package nativetrace

import (
	"encoding/binary"
	"encoding/hex"
	"sync"

	"github.com/minio/highwayhash"
)

// key is a fixed 32-byte HighwayHash key. Folding instruction pointers into
// a node path is a structural hash, not a security boundary, so a fixed
// well-known key is fine here.
var key = mustDecodeKey("101112131415161718191A1B1C1D1E1F202122232425262728292A2B2C2D2E2F")

func mustDecodeKey(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic("nativetrace: bad hash key: " + err.Error())
	}
	return b
}

// Tree is the trace-tree used to fold native call stacks into node ids.
type Tree struct {
	mu     sync.Mutex
	nodes  map[uint64]uint64 // path hash -> assigned node id
	nextID uint64
}

// New creates an empty trace tree.
func New() *Tree {
	return &Tree{nodes: make(map[uint64]uint64)}
}

// Insert folds ips (ordered outermost frame first, so that two stacks
// sharing a call prefix land on the same trie path) into the tree,
// creating any nodes that don't already exist. onNovelNode is called once
// for every node created by this call, in root-to-leaf order, so the
// caller can write an UnresolvedNativeFrame for it. Insert returns the
// leaf node's id, suitable for NativeAllocationRecord.NativeFrameID.
func (t *Tree) Insert(ips []uintptr, onNovelNode func(ip uintptr, nodeID uint64)) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var pathHash uint64
	var leaf uint64
	for _, ip := range ips {
		pathHash = foldIP(pathHash, ip)
		id, ok := t.nodes[pathHash]
		if !ok {
			t.nextID++
			id = t.nextID
			t.nodes[pathHash] = id
			onNovelNode(ip, id)
		}
		leaf = id
	}
	return leaf
}

func foldIP(prevPathHash uint64, ip uintptr) uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], prevPathHash)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(ip))
	return highwayhash.Sum64(buf[:], key)
}
