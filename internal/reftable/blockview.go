package reftable

import (
	"github.com/distr1/gitstore/internal/gitstoreerr"
	"github.com/distr1/gitstore/internal/varint"
)

// refBlockView is a parsed ref (or index) block: the entries region plus
// its restart table, supporting the binary-search-then-linear-scan
// algorithm from spec §4.4.
type refBlockView struct {
	blockType byte
	entries   []byte   // the entry-encoded region, restarts/footer stripped
	restarts  []uint32 // byte offsets into entries, one per restart point
}

// parseRefBlockView parses the body of a ref, index or inflated log block (everything
// after the 4-byte header, already sliced to exactly `length-headerSize`
// bytes) into entries + restart table.
func parseRefBlockView(blockType byte, body []byte) (*refBlockView, error) {
	if len(body) < 2 {
		return nil, gitstoreerr.New(gitstoreerr.CorruptBlock, "block body too short for restart count")
	}
	restartCount, err := varint.ReadUint16(body[len(body)-2:])
	if err != nil {
		return nil, gitstoreerr.Wrap(gitstoreerr.CorruptBlock, err, "reading restart count")
	}
	restartTableSize := int(restartCount) * 3
	if restartTableSize+2 > len(body) {
		return nil, gitstoreerr.New(gitstoreerr.CorruptBlock, "restart count %d exceeds block bounds", restartCount)
	}
	entriesEnd := len(body) - 2 - restartTableSize
	entries := body[:entriesEnd]
	restartBytes := body[entriesEnd : len(body)-2]

	restarts := make([]uint32, restartCount)
	for i := range restarts {
		off, err := varint.ReadUint24(restartBytes[i*3 : i*3+3])
		if err != nil {
			return nil, gitstoreerr.Wrap(gitstoreerr.CorruptBlock, err, "reading restart offset %d", i)
		}
		if int(off) > len(entries) {
			return nil, gitstoreerr.New(gitstoreerr.CorruptBlock, "restart offset %d out of bounds (entries len %d)", off, len(entries))
		}
		restarts[i] = off
	}

	return &refBlockView{blockType: blockType, entries: entries, restarts: restarts}, nil
}

// keyAtRestart decodes the full key stored at restart point i. Restart
// points always carry prefixLen==0, so the decoded name is already
// complete.
func (b *refBlockView) keyAtRestart(i int) (string, error) {
	ref, _, _, err := readRefEntry(b.entries[b.restarts[i]:], "")
	if err != nil {
		return "", err
	}
	return ref.Name, nil
}

// seek performs the spec's binary-search-then-linear-scan: narrow to the
// restart point immediately at-or-before target, then the caller scans
// forward from there. Returns the byte offset (within b.entries) to begin
// scanning, and the seed key for prefix decompression, which is always ""
// because the offset is a restart point whose key is stored in full.
func (b *refBlockView) seek(target string) (startOffset int, seedKey string, err error) {
	if len(b.restarts) == 0 {
		return 0, "", nil
	}
	lo, hi := 0, len(b.restarts)
	for lo < hi {
		mid := (lo + hi) / 2
		key, err := b.keyAtRestart(mid)
		if err != nil {
			return 0, "", err
		}
		if key <= target {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	// lo is now the first restart whose key is > target; the restart to
	// scan from is lo-1 (the last restart whose key is <= target), or the
	// very first restart if target precedes everything.
	idx := lo - 1
	if idx < 0 {
		idx = 0
	}
	return int(b.restarts[idx]), "", nil
}

// forEach decodes entries sequentially starting at byte offset start
// (within b.entries), with seedKey as the full key of the entry
// immediately preceding start (empty string if start==0 or start is a
// restart point). It stops when fn returns false or entries are exhausted.
func (b *refBlockView) forEach(start int, seedKey string, fn func(Ref) (more bool, err error)) error {
	prevKey := seedKey
	off := start
	for off < len(b.entries) {
		ref, consumed, fullKey, err := readRefEntry(b.entries[off:], prevKey)
		if err != nil {
			return err
		}
		more, err := fn(ref)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
		off += consumed
		prevKey = fullKey
	}
	return nil
}
