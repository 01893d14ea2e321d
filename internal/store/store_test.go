package store

import (
	"bytes"
	"context"
	"testing"

	"github.com/klauspost/compress/zlib"

	"github.com/distr1/gitstore/internal/blocksource"
	"github.com/distr1/gitstore/internal/packchunk"
	"github.com/distr1/gitstore/internal/reftable"
	"github.com/distr1/gitstore/internal/varint"
)

func buildTable(t *testing.T, refs []reftable.Ref) *reftable.Table {
	t.Helper()
	w := reftable.NewWriter(reftable.DefaultBlockSize)
	w.SetUpdateIndexRange(1, 1)
	for _, r := range refs {
		if err := w.AddRef(r); err != nil {
			t.Fatalf("AddRef(%q): %v", r.Name, err)
		}
	}
	data, err := w.Finish()
	if err != nil {
		t.Fatal(err)
	}
	tbl, err := reftable.Open(blocksource.NewMemorySource(data))
	if err != nil {
		t.Fatal(err)
	}
	return tbl
}

func id(n byte) varint.ID {
	var v varint.ID
	v[0] = n
	return v
}

func TestStoreSeekShadowsAcrossTables(t *testing.T) {
	t.Parallel()
	older := buildTable(t, []reftable.Ref{
		reftable.NewValueRef("refs/heads/main", id(0x01)),
	})
	newer := buildTable(t, []reftable.Ref{
		reftable.NewValueRef("refs/heads/main", id(0x02)),
	})

	s := Open([]*reftable.Table{newer, older}, nil, Options{})
	r, ok, err := s.Seek(context.Background(), "refs/heads/main")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || r.ID != id(0x02) {
		t.Fatalf("expected newer table's value, got %+v ok=%v", r, ok)
	}

	if _, ok, err := s.Seek(context.Background(), "refs/heads/missing"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
}

func TestStoreSeekPrefix(t *testing.T) {
	t.Parallel()
	tbl := buildTable(t, []reftable.Ref{
		reftable.NewValueRef("refs/heads/a", id(0x01)),
		reftable.NewValueRef("refs/heads/b", id(0x02)),
		reftable.NewValueRef("refs/tags/v1", id(0x03)),
	})
	s := Open([]*reftable.Table{tbl}, nil, Options{})
	cur, err := s.SeekPrefix("refs/heads/")
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for {
		r, ok, err := cur.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		names = append(names, r.Name)
	}
	if len(names) != 2 || names[0] != "refs/heads/a" || names[1] != "refs/heads/b" {
		t.Fatalf("unexpected names: %v", names)
	}
}

type memChunk struct {
	id   varint.ID
	data []byte
	idx  *packchunk.Index
	meta packchunk.ChunkMeta
}

func (c *memChunk) ID() varint.ID              { return c.id }
func (c *memChunk) Source() blocksource.Source { return blocksource.NewMemorySource(c.data) }
func (c *memChunk) Index() *packchunk.Index    { return c.idx }
func (c *memChunk) Meta() packchunk.ChunkMeta  { return c.meta }

type memChunkSource struct {
	chunks map[varint.ID]*memChunk
}

func (s *memChunkSource) Get(chunkID varint.ID) (packchunk.ChunkData, error) {
	c, ok := s.chunks[chunkID]
	if !ok {
		return nil, errMissing
	}
	return c, nil
}

func (s *memChunkSource) FindChunk(objectID varint.ID, _ packchunk.ObjectType) (varint.ID, uint64, error) {
	for _, c := range s.chunks {
		if off, ok := c.idx.FindOffset(objectID); ok {
			return c.id, off, nil
		}
	}
	return varint.ID{}, 0, errMissing
}

type missingErr struct{}

func (missingErr) Error() string { return "missing" }

var errMissing = missingErr{}

func objectHeader(typ packchunk.ObjectType, size int) []byte {
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

func TestStoreOpenObject(t *testing.T) {
	t.Parallel()
	body := []byte("hello store")
	var data []byte
	data = append(data, objectHeader(packchunk.TypeBlob, len(body))...)
	data = append(data, deflate(t, body)...)

	chunkID := id(0xAA)
	blobID := id(0x01)
	chunk := &memChunk{id: chunkID, data: data, idx: packchunk.NewIndex([]packchunk.IndexEntry{{ID: blobID, Offset: 0}})}
	src := &memChunkSource{chunks: map[varint.ID]*memChunk{chunkID: chunk}}

	s := Open(nil, src, Options{})
	loader, err := s.OpenObject(blobID, packchunk.OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	got, err := loader.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(body) {
		t.Fatalf("got %q, want %q", got, body)
	}
}
