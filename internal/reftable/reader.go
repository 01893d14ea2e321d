package reftable

import (
	"bytes"
	"hash/crc32"

	"github.com/distr1/gitstore/internal/blocksource"
	"github.com/distr1/gitstore/internal/gitstoreerr"
	"github.com/distr1/gitstore/internal/varint"
)

// magic is the fixed 3-byte reftable identifier, bytes [1:4] of the header.
var magic = [3]byte{'R', 'E', 'F'}

const (
	headerLen   = 8
	footerLen   = 20 // two u64 update-index fields + u32 CRC, per spec §6
	versionByte = 0x01
)

// blockLoc records where a decoded block lives in the source file, found
// during Table's single sequential opening pass.
type blockLoc struct {
	offset uint64
	length uint32
}

// Table is a reader over one reftable file. It is immutable once opened and
// safe for concurrent use across goroutines provided its Source is (an
// in-memory or mmap source is; a bare *os.File wrapped without pread is
// not — see blocksource).
type Table struct {
	src       blocksource.Source
	blockSize uint32

	refBlocks []blockLoc
	logBlocks []blockLoc

	minUpdateIndex, maxUpdateIndex uint64
}

// Open parses src's header and footer and indexes the block sequence. It
// does not read ref block bodies; each log block body is inflated once here
// to find its on-disk extent (see describeLogBlock).
func Open(src blocksource.Source) (*Table, error) {
	size, err := src.Size()
	if err != nil {
		return nil, err
	}
	if size < headerLen+footerLen {
		return nil, gitstoreerr.New(gitstoreerr.TruncatedInput, "reftable smaller than header+footer: %d bytes", size)
	}

	hdr, err := src.ReadAt(0, headerLen)
	if err != nil {
		return nil, err
	}
	if hdr[0] != versionByte || !bytes.Equal(hdr[1:4], magic[:]) {
		return nil, gitstoreerr.New(gitstoreerr.InvalidMagic, "bad reftable header magic")
	}
	if hdr[4] != versionByte {
		return nil, gitstoreerr.New(gitstoreerr.UnsupportedVersion, "unsupported reftable version %d", hdr[4])
	}
	blockSize, err := varint.ReadUint24(hdr[5:8])
	if err != nil {
		return nil, err
	}

	footerOff := size - footerLen
	footer, err := src.ReadAt(footerOff, footerLen)
	if err != nil {
		return nil, err
	}
	minIdx, err := varint.ReadUint64(footer[0:8])
	if err != nil {
		return nil, err
	}
	maxIdx, err := varint.ReadUint64(footer[8:16])
	if err != nil {
		return nil, err
	}
	wantCRC, err := varint.ReadUint32(footer[16:20])
	if err != nil {
		return nil, err
	}

	// CRC covers every byte of the file up to (not including) the trailing
	// 4-byte checksum: the header, every block, and the footer's own
	// update-index fields.
	whole, err := src.ReadAt(0, int(footerOff)+16)
	if err != nil {
		return nil, err
	}
	if gotCRC := crc32.ChecksumIEEE(whole); gotCRC != wantCRC {
		return nil, gitstoreerr.New(gitstoreerr.CorruptCrc, "footer CRC mismatch: got %08x, want %08x", gotCRC, wantCRC)
	}

	t := &Table{src: src, blockSize: blockSize, minUpdateIndex: minIdx, maxUpdateIndex: maxIdx}
	if err := t.indexBlocks(size - footerLen); err != nil {
		return nil, err
	}
	return t, nil
}

// indexBlocks walks the block sequence once, from just past the header to
// end (the footer start), recording every ref/log block's location. It
// enforces the FILE → REF+ → [OBJ]? → [LOG]? → INDEX* →
// FOOTER transition from spec §4.9, but tolerates any ordering of the
// optional sections since a single-block table may interleave trivially.
func (t *Table) indexBlocks(end int64) error {
	off := int64(headerLen)
	seenObj, seenLog, seenIndex := false, false, false
	for off < end {
		hdrBuf, err := t.src.ReadAt(off, headerSize)
		if err != nil {
			return err
		}
		blockType, length, err := decodeBlockHeader(hdrBuf)
		if err != nil {
			return err
		}

		switch blockType {
		case blockTypeRef:
			if seenObj || seenLog || seenIndex {
				return gitstoreerr.New(gitstoreerr.InvalidBlockSequence, "ref block after obj/log/index section")
			}
			loc, consumed, err := t.describeRefBlock(off, blockType, length)
			if err != nil {
				return err
			}
			t.refBlocks = append(t.refBlocks, loc)
			off += consumed
			continue
		case blockTypeObj:
			seenObj = true
			off += int64(length)
			continue
		case blockTypeLog:
			seenLog = true
			loc, consumed, err := t.describeLogBlock(off, length)
			if err != nil {
				return err
			}
			t.logBlocks = append(t.logBlocks, loc)
			off += consumed
			continue
		case blockTypeIndex:
			seenIndex = true
			off += int64(length)
			continue
		default:
			return gitstoreerr.New(gitstoreerr.InvalidBlockSequence, "unexpected block type %q at offset %d", blockType, off)
		}
	}
	return nil
}

// describeRefBlock records a ref block's extent without reading its body:
// the header's length field alone is enough to find the next block, so
// Open stays O(block count) rather than O(total entries). A block's first
// key (needed only by Seek, and only for the O(log N) blocks it actually
// visits) is fetched lazily by blockFirstKey.
func (t *Table) describeRefBlock(off int64, blockType byte, length uint32) (blockLoc, int64, error) {
	if length > maxRefBlockLength && blockType != blockTypeIndex {
		return blockLoc{}, 0, gitstoreerr.New(gitstoreerr.OverflowedBlock, "ref block length %d exceeds 2^24", length)
	}
	return blockLoc{offset: uint64(off), length: length}, int64(length), nil
}

// blockFirstKey decodes just the first entry of ref block i. A block's
// first entry is always a restart point (prefix-len 0 relative to ""), so
// decoding it needs no restart table lookup — just the bytes immediately
// after the block header.
func (t *Table) blockFirstKey(i int) (string, error) {
	loc := t.refBlocks[i]
	// A ref entry's fixed overhead plus the longest plausible ref name is
	// comfortably under 4KiB; read generously but stop at the block's own
	// declared length.
	readLen := int(loc.length) - headerSize
	if readLen > 4096 {
		readLen = 4096
	}
	buf, err := t.src.ReadAt(int64(loc.offset)+headerSize, readLen)
	if err != nil {
		return "", err
	}
	ref, _, _, err := readRefEntry(buf, "")
	if err != nil {
		return "", err
	}
	return ref.Name, nil
}

// describeLogBlock finds a log block's on-disk extent. Unlike every other
// block type, a log block's header records its UNCOMPRESSED size (body plus
// the 4-byte header), not its on-disk length (see DESIGN.md): the
// compressed body's length is only known once inflation has consumed it,
// so this reads the whole remainder of the file as scratch and lets the
// inflater tell us how far it got.
func (t *Table) describeLogBlock(off int64, uncompressedLen uint32) (blockLoc, int64, error) {
	if uncompressedLen < headerSize {
		return blockLoc{}, 0, gitstoreerr.New(gitstoreerr.CorruptBlock, "log block length %d shorter than its header", uncompressedLen)
	}
	size, err := t.src.Size()
	if err != nil {
		return blockLoc{}, 0, err
	}
	scratch, err := t.src.ReadAt(off+headerSize, int(size-off-headerSize))
	if err != nil {
		return blockLoc{}, 0, err
	}
	consumed, _, err := inflateLogBodyCounted(scratch, int(uncompressedLen)-headerSize)
	if err != nil {
		return blockLoc{}, 0, err
	}
	total := int64(headerSize + consumed)
	return blockLoc{offset: uint64(off), length: uint32(total)}, total, nil
}

// RefBlockCount reports the number of ref blocks, exposed for tests
// asserting spec §8 scenario 5's block_count invariant.
func (t *Table) RefBlockCount() int { return len(t.refBlocks) }

// MinUpdateIndex and MaxUpdateIndex report the table's declared update-index
// range from the footer.
func (t *Table) MinUpdateIndex() uint64 { return t.minUpdateIndex }
func (t *Table) MaxUpdateIndex() uint64 { return t.maxUpdateIndex }

// SeekToFirst returns a Cursor positioned before the first ref.
func (t *Table) SeekToFirst() (*Cursor, error) {
	return t.Seek("")
}

// Seek locates the first ref block whose key range could contain prefix
// and positions a Cursor ready for Next() to return entries >= prefix.
// Binary search over block first-keys touches O(log N) blocks, matching
// spec §4.5's seek cost even though no on-disk index block is consulted.
func (t *Table) Seek(prefix string) (*Cursor, error) {
	if len(t.refBlocks) == 0 {
		return &Cursor{}, nil
	}
	lo, hi := 0, len(t.refBlocks)
	for lo < hi {
		mid := (lo + hi) / 2
		key, err := t.blockFirstKey(mid)
		if err != nil {
			return nil, err
		}
		if key <= prefix {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	blockIdx := lo - 1
	if blockIdx < 0 {
		blockIdx = 0
	}
	return &Cursor{table: t, blockIdx: blockIdx, target: prefix}, nil
}

// LogEntries returns every reflog entry for refName, in the table's on-disk
// order (name ascending, reverse-update-index ascending — i.e. newest
// first within a name). Log blocks only support full-scan per spec §4.5;
// there is no seek into the middle of the log section.
func (t *Table) LogEntries(refName string) ([]LogEntry, error) {
	var out []LogEntry
	for _, loc := range t.logBlocks {
		compressed, err := t.src.ReadAt(int64(loc.offset)+headerSize, int(loc.length)-headerSize)
		if err != nil {
			return nil, err
		}
		hdrBuf, err := t.src.ReadAt(int64(loc.offset), headerSize)
		if err != nil {
			return nil, err
		}
		_, declaredLen, err := decodeBlockHeader(hdrBuf)
		if err != nil {
			return nil, err
		}
		_, body, err := inflateLogBodyCounted(compressed, int(declaredLen)-headerSize)
		if err != nil {
			return nil, err
		}
		view, err := parseRefBlockView(blockTypeLog, body)
		if err != nil {
			return nil, err
		}
		entries := view.entries
		chain := &logChain{}
		prevKey := ""
		off := 0
		for off < len(entries) {
			e, consumed, fullKey, err := readLogEntry(entries[off:], prevKey, chain)
			if err != nil {
				return nil, err
			}
			if e.RefName == refName {
				out = append(out, e)
			}
			off += consumed
			prevKey = fullKey
		}
	}
	return out, nil
}

// Cursor iterates refs in byte-lex order starting from a Seek point.
type Cursor struct {
	table    *Table
	blockIdx int
	target   string

	view    *refBlockView
	off     int
	seedKey string
	started bool
}

// Next returns the next ref in order, or ok==false at end of table.
func (c *Cursor) Next() (ref Ref, ok bool, err error) {
	if c.table == nil {
		return Ref{}, false, nil
	}
	for {
		if c.view == nil {
			if c.blockIdx >= len(c.table.refBlocks) {
				return Ref{}, false, nil
			}
			loc := c.table.refBlocks[c.blockIdx]
			body, err := c.table.src.ReadAt(int64(loc.offset)+headerSize, int(loc.length)-headerSize)
			if err != nil {
				return Ref{}, false, err
			}
			view, err := parseRefBlockView(blockTypeRef, body)
			if err != nil {
				return Ref{}, false, err
			}
			c.view = view
			if !c.started {
				c.off, c.seedKey, err = view.seek(c.target)
				if err != nil {
					return Ref{}, false, err
				}
				c.started = true
			} else {
				c.off, c.seedKey = 0, ""
			}
		}

		if c.off >= len(c.view.entries) {
			c.view = nil
			c.blockIdx++
			continue
		}
		r, consumed, fullKey, err := readRefEntry(c.view.entries[c.off:], c.seedKey)
		if err != nil {
			return Ref{}, false, err
		}
		c.off += consumed
		c.seedKey = fullKey
		if fullKey < c.target {
			// seek() may land one restart early; skip forward silently.
			continue
		}
		return r, true, nil
	}
}
