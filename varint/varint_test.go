package varint_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/godlygeek/memray/varint"
)

func TestUvarintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 300, 1 << 32, ^uint64(0)}
	for _, v := range values {
		buf := varint.AppendUvarint(nil, v)
		got, err := varint.ReadUvarint(bytes.NewReader(buf))
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
}

func TestVarintRoundTrip(t *testing.T) {
	values := []int64{0, 1, -1, 64, -64, 1 << 40, -(1 << 40)}
	for _, v := range values {
		buf := varint.AppendVarint(nil, v)
		got, err := varint.ReadVarint(bytes.NewReader(buf))
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
}

// TestDeltaSumsToLastValue checks that for all delta-encoded fields,
// sum(decoded deltas) == last raw value at any prefix of the stream.
func TestDeltaSumsToLastValue(t *testing.T) {
	var enc varint.Delta
	sequence := []int64{10, 12, 12, 5, 1000, -3}
	var sum int64
	for _, v := range sequence {
		sum += enc.Encode(v)
		require.Equal(t, v, sum)
	}
	require.Equal(t, sequence[len(sequence)-1], enc.Value())
}

func TestCStringFraming(t *testing.T) {
	buf := varint.AppendCString(nil, "hello")
	require.Equal(t, []byte("hello\x00"), buf)
}
