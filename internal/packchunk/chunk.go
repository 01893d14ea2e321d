package packchunk

import (
	"bytes"
	"crypto/sha1"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/distr1/gitstore/internal/blocksource"
	"github.com/distr1/gitstore/internal/delta"
	"github.com/distr1/gitstore/internal/deltacache"
	"github.com/distr1/gitstore/internal/gitstoreerr"
	"github.com/distr1/gitstore/internal/varint"
)

// MaxDeltaDepth bounds the iterative delta-chain walk (spec §4.9); chains
// longer than this fail with DeltaChainTooDeep rather than recursing
// forever on a cyclic or adversarial input.
const MaxDeltaDepth = 50

// ChunkMeta describes a chunk's base-chunk references (for cross-chunk
// OFS_DELTA resolution) and fragment continuation.
type ChunkMeta struct {
	// BaseChunks lists chunks that precede this one in OFS_DELTA address
	// space, oldest first, used to translate an offset that points before
	// this chunk's own start into a (chunk, offset) pair.
	BaseChunks []varint.ID
	// FragmentCount is >0 when this chunk's body is split across
	// continuation fragments that copy_as_is must reassemble.
	FragmentCount int
}

// ChunkData is one open, content-addressed chunk: its bytes, its object
// index, and its meta.
type ChunkData interface {
	ID() varint.ID
	Source() blocksource.Source
	Index() *Index
	Meta() ChunkMeta
}

// Source is the caller-provided collaborator the core consumes: it makes
// no assumptions about how chunks are named or stored beyond this.
type Source interface {
	// Get returns the chunk identified by chunkID.
	Get(chunkID varint.ID) (ChunkData, error)
	// FindChunk locates the chunk and offset holding objectID. typeHint is
	// advisory (0 if unknown) and callers may ignore it.
	FindChunk(objectID varint.ID, typeHint ObjectType) (chunkID varint.ID, offset uint64, err error)
}

// Loader is the result of opening an object: exactly one of Bytes or
// Stream is meaningful, selected by whether the object was small enough
// to materialize eagerly (spec §9's SmallObject/LargeObject sum type).
type Loader struct {
	typ      ObjectType
	size     int64
	bytes    []byte
	stream   io.ReadCloser
	isStream bool
}

func (l *Loader) Type() ObjectType { return l.typ }
func (l *Loader) Size() int64      { return l.size }
func (l *Loader) IsStream() bool   { return l.isStream }

// Bytes returns the materialized object body. It is only valid when
// IsStream() is false.
func (l *Loader) Bytes() ([]byte, error) {
	if l.isStream {
		return nil, gitstoreerr.New(gitstoreerr.InvariantViolated, "Bytes called on a streamed (large) object")
	}
	return l.bytes, nil
}

// Stream returns the object body as a pipeline the caller reads and
// closes. It is only valid when IsStream() is true.
func (l *Loader) Stream() (io.ReadCloser, error) {
	if !l.isStream {
		return nil, gitstoreerr.New(gitstoreerr.InvariantViolated, "Stream called on a materialized (small) object")
	}
	return l.stream, nil
}

// OpenOptions bounds how the reader behaves on oversized objects.
type OpenOptions struct {
	// MaxInlineSize is the largest object size Open will materialize
	// eagerly; 0 means unlimited. A non-delta object exceeding it is
	// returned as a streaming Loader instead of failing. Objects stored as
	// deltas are always materialized in full, whatever their size.
	MaxInlineSize int64
}

// Open resolves objectID to its inflated bytes or stream, following
// OFS_DELTA/REF_DELTA chains and consulting cache for bases already
// resolved.
func Open(chunks Source, cache *deltacache.Cache, objectID varint.ID, opts OpenOptions) (*Loader, error) {
	chunkID, offset, err := chunks.FindChunk(objectID, 0)
	if err != nil {
		return nil, gitstoreerr.Wrap(gitstoreerr.MissingObject, err, "locating object %s", objectID.String())
	}
	return resolve(chunks, cache, chunkID, offset, opts, 0)
}

// pendingDelta is one hop in the iterative chain walk: a delta body to
// apply once the terminal base has been inflated.
type pendingDelta struct {
	stream []byte
}

func resolve(chunks Source, cache *deltacache.Cache, chunkID varint.ID, offset uint64, opts OpenOptions, depth int) (*Loader, error) {
	var pending []pendingDelta
	curChunkID, curOffset := chunkID, offset

	for {
		if depth+len(pending) > MaxDeltaDepth {
			return nil, gitstoreerr.New(gitstoreerr.DeltaChainTooDeep, "delta chain exceeds %d hops", MaxDeltaDepth)
		}

		key := deltacache.Key{ChunkID: curChunkID, Offset: curOffset}
		if cached, ok := cache.Get(key); ok {
			return applyPending(ObjectType(cached.Type), cached.Bytes, pending)
		}

		chunk, err := chunks.Get(curChunkID)
		if err != nil {
			return nil, gitstoreerr.Wrap(gitstoreerr.MissingObject, err, "opening chunk %s", curChunkID.String())
		}

		typ, size, headerLen, err := readObjectHeader(chunk.Source(), int64(curOffset))
		if err != nil {
			return nil, err
		}
		bodyOff := int64(curOffset) + headerLen

		switch typ {
		case TypeCommit, TypeTree, TypeBlob, TypeTag:
			if opts.MaxInlineSize > 0 && size > uint64(opts.MaxInlineSize) && len(pending) == 0 {
				stream, err := openInflateStream(chunk.Source(), bodyOff, size)
				if err != nil {
					return nil, err
				}
				return &Loader{typ: typ, size: int64(size), stream: stream, isStream: true}, nil
			}
			if len(pending) == 0 {
				// Not used as anyone's delta base: materialize directly,
				// nothing worth caching or deduping.
				body, err := inflateAt(chunk.Source(), bodyOff, size)
				if err != nil {
					return nil, err
				}
				return applyPending(typ, body, pending)
			}
			// This is the terminal base of a delta chain. Route the inflate
			// through the shared cache so concurrent resolutions sharing
			// this base collapse into a single inflate rather than each
			// independently decompressing the same bytes.
			val, err := cache.GetOrLoad(key, func() (deltacache.Value, error) {
				body, err := inflateAt(chunk.Source(), bodyOff, size)
				if err != nil {
					return deltacache.Value{}, err
				}
				return deltacache.Value{Type: uint8(typ), Bytes: body}, nil
			})
			if err != nil {
				return nil, err
			}
			return applyPending(ObjectType(val.Type), val.Bytes, pending)

		case TypeOfsDelta:
			distance, n, err := readOfsDistance(chunk.Source(), bodyOff)
			if err != nil {
				return nil, err
			}
			deltaBodyOff := bodyOff + n
			deltaStream, err := inflateDeltaStream(chunk.Source(), deltaBodyOff)
			if err != nil {
				return nil, err
			}
			pending = append(pending, pendingDelta{stream: deltaStream})

			baseOffset := int64(curOffset) - distance
			if baseOffset >= 0 {
				curOffset = uint64(baseOffset)
				continue
			}
			baseChunkID, baseOff, err := translateOfsAcrossChunks(chunks, chunk.Meta(), -baseOffset)
			if err != nil {
				return nil, err
			}
			curChunkID, curOffset = baseChunkID, baseOff
			continue

		case TypeRefDelta:
			baseID, n, err := readRefBaseID(chunk.Source(), bodyOff)
			if err != nil {
				return nil, err
			}
			deltaStream, err := inflateDeltaStream(chunk.Source(), bodyOff+n)
			if err != nil {
				return nil, err
			}
			pending = append(pending, pendingDelta{stream: deltaStream})

			baseChunkID, baseOff, err := chunks.FindChunk(baseID, 0)
			if err != nil {
				return nil, gitstoreerr.Wrap(gitstoreerr.MissingObject, err, "resolving ref-delta base %s", baseID.String())
			}
			curChunkID, curOffset = baseChunkID, baseOff
			continue

		default:
			return nil, gitstoreerr.New(gitstoreerr.CorruptChunk, "unknown object type %d at offset %d", typ, curOffset)
		}
	}
}

// applyPending walks pending in reverse order (oldest delta last-applied
// becomes first, matching the chain from terminal base to target),
// producing the final object. Caching of the terminal base itself happens
// in resolve, via cache.GetOrLoad, before applyPending is ever called.
func applyPending(baseType ObjectType, base []byte, pending []pendingDelta) (*Loader, error) {
	cur := base
	for i := len(pending) - 1; i >= 0; i-- {
		resultSize, err := delta.ResultSize(pending[i].stream)
		if err != nil {
			return nil, err
		}
		out := make([]byte, resultSize)
		if err := delta.Apply(cur, pending[i].stream, out); err != nil {
			return nil, err
		}
		cur = out
	}
	return &Loader{typ: baseType, size: int64(len(cur)), bytes: cur}, nil
}

// translateOfsAcrossChunks maps a negative OFS_DELTA offset (distance past
// the current chunk's start, as a positive magnitude) into a base chunk
// and its local offset, by walking meta.BaseChunks from most to least
// recent and accumulating their sizes as a virtual address space.
func translateOfsAcrossChunks(chunks Source, meta ChunkMeta, distancePastStart int64) (varint.ID, uint64, error) {
	remaining := distancePastStart
	for i := len(meta.BaseChunks) - 1; i >= 0; i-- {
		base, err := chunks.Get(meta.BaseChunks[i])
		if err != nil {
			return varint.ID{}, 0, gitstoreerr.Wrap(gitstoreerr.MissingObject, err, "opening base chunk %s", meta.BaseChunks[i].String())
		}
		size, err := base.Source().Size()
		if err != nil {
			return varint.ID{}, 0, err
		}
		if remaining <= size {
			return meta.BaseChunks[i], uint64(size - remaining), nil
		}
		remaining -= size
	}
	return varint.ID{}, 0, gitstoreerr.New(gitstoreerr.MissingObject, "OFS_DELTA distance %d escapes all known base chunks", distancePastStart)
}

// readObjectHeader decodes the type+size header at off: 3 type bits and a
// size field that starts at 4 bits and extends 7 bits per continuation
// byte (plain, unbiased — distinct from the OFS_DELTA distance encoding).
func readObjectHeader(src blocksource.Source, off int64) (typ ObjectType, size uint64, headerLen int64, err error) {
	b, err := src.ReadAt(off, 1)
	if err != nil || len(b) == 0 {
		return 0, 0, 0, gitstoreerr.New(gitstoreerr.TruncatedInput, "reading object header at offset %d", off)
	}
	first := b[0]
	typ = ObjectType((first >> 4) & 0x7)
	size = uint64(first & 0x0f)
	shift := uint(4)
	n := int64(1)
	for first&0x80 != 0 {
		nb, err := src.ReadAt(off+n, 1)
		if err != nil || len(nb) == 0 {
			return 0, 0, 0, gitstoreerr.New(gitstoreerr.TruncatedInput, "reading object header continuation at offset %d", off+n)
		}
		first = nb[0]
		size |= uint64(first&0x7f) << shift
		shift += 7
		n++
	}
	return typ, size, n, nil
}

// readOfsDistance decodes an OFS_DELTA base distance using Git's biased
// varint (the same accumulator bias as internal/varint's codec, read
// directly from the block source rather than a byte slice).
func readOfsDistance(src blocksource.Source, off int64) (distance int64, consumed int64, err error) {
	b, err := src.ReadAt(off, 1)
	if err != nil || len(b) == 0 {
		return 0, 0, gitstoreerr.New(gitstoreerr.TruncatedInput, "reading ofs-delta distance at offset %d", off)
	}
	val := uint64(b[0] & 0x7f)
	n := int64(1)
	for b[0]&0x80 != 0 {
		nb, err := src.ReadAt(off+n, 1)
		if err != nil || len(nb) == 0 {
			return 0, 0, gitstoreerr.New(gitstoreerr.TruncatedInput, "reading ofs-delta distance continuation at offset %d", off+n)
		}
		b = nb
		val = (val+1)<<7 | uint64(b[0]&0x7f)
		n++
	}
	return int64(val), n, nil
}

func readRefBaseID(src blocksource.Source, off int64) (varint.ID, int64, error) {
	buf, err := src.ReadAt(off, varint.IDLen)
	if err != nil || len(buf) < varint.IDLen {
		return varint.ID{}, 0, gitstoreerr.New(gitstoreerr.TruncatedInput, "reading ref-delta base id at offset %d", off)
	}
	id, err := varint.ReadID(buf, 0)
	return id, varint.IDLen, err
}

// inflateAt zlib-inflates exactly size bytes starting at off.
func inflateAt(src blocksource.Source, off int64, size uint64) ([]byte, error) {
	r, err := newChunkReader(src, off)
	if err != nil {
		return nil, err
	}
	zr, err := zlib.NewReader(r)
	if err != nil {
		return nil, gitstoreerr.Wrap(gitstoreerr.CorruptChunk, err, "opening zlib stream at offset %d", off)
	}
	defer zr.Close()
	out := make([]byte, size)
	if _, err := io.ReadFull(zr, out); err != nil {
		return nil, gitstoreerr.Wrap(gitstoreerr.CorruptChunk, err, "inflating object body at offset %d", off)
	}
	return out, nil
}

// inflateDeltaStream inflates a delta instruction stream of unknown
// compressed length (the on-disk length isn't declared anywhere but the
// deflate end marker): zlib reads forward from off through a windowed
// chunkReader until the stream ends.
func inflateDeltaStream(src blocksource.Source, off int64) ([]byte, error) {
	r, err := newChunkReader(src, off)
	if err != nil {
		return nil, err
	}
	zr, err := zlib.NewReader(r)
	if err != nil {
		return nil, gitstoreerr.Wrap(gitstoreerr.CorruptChunk, err, "opening delta zlib stream at offset %d", off)
	}
	defer zr.Close()
	body, err := io.ReadAll(zr)
	if err != nil {
		return nil, gitstoreerr.Wrap(gitstoreerr.CorruptChunk, err, "inflating delta stream at offset %d", off)
	}
	return body, nil
}

// openInflateStream returns a ReadCloser over the zlib-inflated body
// starting at off, for the large-object escape hatch: the caller consumes
// it incrementally and no intermediate buffer larger than zlib's own
// window is ever held.
func openInflateStream(src blocksource.Source, off int64, size uint64) (io.ReadCloser, error) {
	r, err := newChunkReader(src, off)
	if err != nil {
		return nil, err
	}
	zr, err := zlib.NewReader(r)
	if err != nil {
		return nil, gitstoreerr.Wrap(gitstoreerr.CorruptChunk, err, "opening streaming zlib body at offset %d", off)
	}
	return io.NopCloser(io.LimitReader(zr, int64(size))), nil
}

// chunkReader adapts a blocksource.Source into an io.Reader starting at a
// fixed offset, pulling fixed-size windows on demand so zlib never needs
// the whole remaining chunk materialized at once.
type chunkReader struct {
	src    blocksource.Source
	off    int64
	size   int64
	cursor int64
}

const chunkReadWindow = 32 * 1024

func newChunkReader(src blocksource.Source, off int64) (*chunkReader, error) {
	size, err := src.Size()
	if err != nil {
		return nil, err
	}
	return &chunkReader{src: src, off: off, size: size}, nil
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.off+r.cursor >= r.size {
		return 0, io.EOF
	}
	want := len(p)
	if want > chunkReadWindow {
		want = chunkReadWindow
	}
	remaining := r.size - (r.off + r.cursor)
	if int64(want) > remaining {
		want = int(remaining)
	}
	buf, err := r.src.ReadAt(r.off+r.cursor, want)
	if err != nil {
		return 0, err
	}
	n := copy(p, buf)
	r.cursor += int64(n)
	return n, nil
}

// CopyAsIs returns chunk's raw bytes followed by its fragment continuations
// in the order given, per spec §4.7. With validate set it first checks the
// SHA-1 of the chunk's own bytes against chunk.ID().
func CopyAsIs(chunk ChunkData, fragments [][]byte, validate bool) ([]byte, error) {
	meta := chunk.Meta()
	if meta.FragmentCount > 0 && len(fragments) != meta.FragmentCount {
		return nil, gitstoreerr.New(gitstoreerr.FragmentedObjectNotSupported, "chunk declares %d fragments, got %d", meta.FragmentCount, len(fragments))
	}
	size, err := chunk.Source().Size()
	if err != nil {
		return nil, err
	}
	whole, err := chunk.Source().ReadAt(0, int(size))
	if err != nil {
		return nil, err
	}
	if validate {
		sum := sha1.Sum(whole)
		if varint.ID(sum) != chunk.ID() {
			return nil, gitstoreerr.New(gitstoreerr.CorruptChunk, "chunk %s hash mismatch", chunk.ID().String())
		}
	}
	if len(fragments) == 0 {
		return whole, nil
	}
	var buf bytes.Buffer
	buf.Write(whole)
	for _, f := range fragments {
		buf.Write(f)
	}
	return buf.Bytes(), nil
}
