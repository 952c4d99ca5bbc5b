package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

// TestHeaderRoundTripProperty exercises spec.md §8's round-trip law
// read_header(add_header(m)) == m across the full address/code space of
// all four header forms, the way the pack's HDLC/radio framer tests its
// own bit-stuffing round trip with rapid.Check.
func TestHeaderRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		kind := rapid.IntRange(0, 3).Draw(rt, "kind")

		var dst, src, code int
		switch kind {
		case 0: // server/server
			dst = -1 - rapid.IntRange(0, 3).Draw(rt, "dst")
			src = -1 - rapid.IntRange(0, 3).Draw(rt, "src")
			code = rapid.IntRange(0, 3).Draw(rt, "code")
		case 1: // server dst, client src
			dst = -1 - rapid.IntRange(0, 3).Draw(rt, "dst")
			src = rapid.IntRange(0, 126).Draw(rt, "src")
			code = rapid.IntRange(0, 31).Draw(rt, "code")
		case 2: // client dst, server src
			dst = rapid.IntRange(0, 126).Draw(rt, "dst")
			src = -1 - rapid.IntRange(0, 3).Draw(rt, "src")
			code = rapid.IntRange(0, 31).Draw(rt, "code")
		default: // client/client
			dst = rapid.IntRange(0, 126).Draw(rt, "dst")
			src = rapid.IntRange(0, 126).Draw(rt, "src")
			code = rapid.IntRange(0, 255).Draw(rt, "code")
		}

		m := Alloc(4)
		m.Dst, m.Src, m.Code = dst, src, code
		assert.NoError(rt, m.AddHeader())

		r := AllocRaw(8)
		r.buf = append(r.buf, m.Bytes()...)
		assert.NoError(rt, r.ReadHeader())

		assert.Equal(rt, dst, r.Dst)
		assert.Equal(rt, src, r.Src)
		assert.Equal(rt, code, r.Code)
	})
}

// TestExtractChunkRoundTripProperty exercises
// extract_chunk(add_chunk(v,n), n) == v for all v<2^n, n<=16.
func TestExtractChunkRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 16).Draw(rt, "n")
		v := rapid.Uint32Range(0, uint32(1)<<uint(n)-1).Draw(rt, "v")

		m := AllocRaw(4)
		assert.NoError(rt, m.AddChunk(v, n))
		m.StartExtract()
		got, err := m.ExtractChunk(n)
		assert.NoError(rt, err)
		assert.Equal(rt, v, got)
	})
}

// TestBitStringRoundTripProperty exercises decode(encode(b)) == b for an
// arbitrary bit string built from a sequence of chunks of varying width.
func TestBitStringRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		widths := rapid.SliceOfN(rapid.IntRange(1, 16), 0, 12).Draw(rt, "widths")

		values := make([]uint32, len(widths))
		m := AllocRaw(64)
		for i, n := range widths {
			v := rapid.Uint32Range(0, uint32(1)<<uint(n)-1).Draw(rt, "v")
			values[i] = v
			assert.NoError(rt, m.AddChunk(v, n))
		}

		m.StartExtract()
		for i, n := range widths {
			got, err := m.ExtractChunk(n)
			assert.NoError(rt, err)
			assert.Equal(rt, values[i], got, "chunk %d (width %d)", i, n)
		}
	})
}
