package packchunk

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/zlib"

	"github.com/distr1/gitstore/internal/blocksource"
	"github.com/distr1/gitstore/internal/deltacache"
	"github.com/distr1/gitstore/internal/varint"
)

func deflate(t *testing.T, body []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(body); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func objectHeader(typ ObjectType, size int) []byte {
	b := byte(typ&0x7) << 4
	low := size & 0x0f
	rest := size >> 4
	if rest == 0 {
		return []byte{b | byte(low)}
	}
	out := []byte{b | byte(low) | 0x80}
	for rest > 0 {
		cont := byte(rest & 0x7f)
		rest >>= 7
		if rest > 0 {
			cont |= 0x80
		}
		out = append(out, cont)
	}
	return out
}

func appendBiasedVarint(dst []byte, v uint64) []byte {
	return varint.AppendUvarint(dst, v)
}

func deltaInsertOp(lit []byte) []byte {
	return append([]byte{byte(len(lit))}, lit...)
}

func deltaCopyOp(offset, length uint32) []byte {
	var op byte = 0x80
	var tail []byte
	if offset > 0 {
		op |= 0x01
		tail = append(tail, byte(offset))
	}
	op |= 0x10
	tail = append(tail, byte(length))
	return append([]byte{op}, tail...)
}

// fakeChunk is an in-memory ChunkData backed by a byte buffer the test
// assembles by hand, object by object.
type fakeChunk struct {
	id   varint.ID
	data []byte
	idx  *Index
	meta ChunkMeta
}

func (c *fakeChunk) ID() varint.ID               { return c.id }
func (c *fakeChunk) Source() blocksource.Source  { return blocksource.NewMemorySource(c.data) }
func (c *fakeChunk) Index() *Index               { return c.idx }
func (c *fakeChunk) Meta() ChunkMeta             { return c.meta }

type fakeSource struct {
	chunks map[varint.ID]*fakeChunk
}

func (s *fakeSource) Get(chunkID varint.ID) (ChunkData, error) {
	c, ok := s.chunks[chunkID]
	if !ok {
		return nil, errNotFound
	}
	return c, nil
}

func (s *fakeSource) FindChunk(objectID varint.ID, _ ObjectType) (varint.ID, uint64, error) {
	for _, c := range s.chunks {
		if off, ok := c.idx.FindOffset(objectID); ok {
			return c.id, off, nil
		}
	}
	return varint.ID{}, 0, errNotFound
}

type notFoundErr struct{}

func (notFoundErr) Error() string { return "object not found" }

var errNotFound = notFoundErr{}

func idN(n byte) varint.ID {
	var id varint.ID
	id[0] = n
	return id
}

func TestOpenSmallBlob(t *testing.T) {
	t.Parallel()

	body := []byte("hello world")
	var data []byte
	data = append(data, objectHeader(TypeBlob, len(body))...)
	data = append(data, deflate(t, body)...)

	chunkID := idN(0xAA)
	blobID := idN(0x01)
	chunk := &fakeChunk{
		id:   chunkID,
		data: data,
		idx:  NewIndex([]IndexEntry{{ID: blobID, Offset: 0}}),
	}
	src := &fakeSource{chunks: map[varint.ID]*fakeChunk{chunkID: chunk}}

	loader, err := Open(src, deltacache.New(1<<20), blobID, OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if loader.Type() != TypeBlob {
		t.Fatalf("type = %v, want blob", loader.Type())
	}
	got, err := loader.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(body) {
		t.Fatalf("got %q, want %q", got, body)
	}
}

func TestOpenRefDeltaChain(t *testing.T) {
	t.Parallel()

	base := []byte("the quick brown fox")
	result := []byte("the quick brown fox jumps")

	var data []byte
	data = append(data, objectHeader(TypeBlob, len(base))...)
	data = append(data, deflate(t, base)...)

	deltaStreamStart := len(data)

	var deltaPayload []byte
	deltaPayload = appendBiasedVarint(deltaPayload, uint64(len(base)))
	deltaPayload = appendBiasedVarint(deltaPayload, uint64(len(result)))
	deltaPayload = append(deltaPayload, deltaCopyOp(0, uint32(len(base)))...)
	deltaPayload = append(deltaPayload, deltaInsertOp([]byte(" jumps"))...)

	baseID := idN(0x01)
	deltaID := idN(0x02)

	deltaHeader := objectHeader(TypeRefDelta, len(deltaPayload))
	data = append(data, deltaHeader...)
	data = append(data, baseID[:]...)
	data = append(data, deflate(t, deltaPayload)...)

	chunkID := idN(0xBB)
	chunk := &fakeChunk{
		id:  chunkID,
		data: data,
		idx: NewIndex([]IndexEntry{
			{ID: baseID, Offset: 0},
			{ID: deltaID, Offset: uint64(deltaStreamStart)},
		}),
	}
	src := &fakeSource{chunks: map[varint.ID]*fakeChunk{chunkID: chunk}}

	cache := deltacache.New(1 << 20)
	loader, err := Open(src, cache, deltaID, OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	got, err := loader.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(result) {
		t.Fatalf("got %q, want %q", got, result)
	}

	// The base, being the object immediately preceding the target, should
	// now be cached.
	if _, ok := cache.Get(deltacache.Key{ChunkID: chunkID, Offset: 0}); !ok {
		t.Fatal("expected base to be cached after resolving its dependent delta")
	}
}
