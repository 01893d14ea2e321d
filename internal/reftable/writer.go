// Writer assembly mirrors the teacher's own image-writing passes (internal
// squashfs superblock + block table construction): accumulate one block's
// worth of sorted input in memory, flush it with a length-prefixed header
// the moment it would overflow, and only touch the filesystem once, in
// WriteFile, via an atomic rename.
package reftable

import (
	"hash/crc32"
	"os"

	"github.com/google/renameio"

	"github.com/distr1/gitstore/internal/blocksource"
	"github.com/distr1/gitstore/internal/gitstoreerr"
	"github.com/distr1/gitstore/internal/varint"
)

// DefaultBlockSize is used when a Writer is constructed with blockSize==0.
const DefaultBlockSize = 4096

// Writer builds one reftable from a sorted stream of refs and log entries.
// Refs must be added in strictly increasing name order; log entries must
// be added in (name ascending, update-index descending) order. Neither
// input may be interleaved with the other once either has started — all
// AddRef calls must complete before the first AddLog call, matching the
// REF+ → LOG block sequence the reader enforces.
type Writer struct {
	blockSize       int
	restartInterval int

	buf *blocksource.StagingWriter

	refEntries   []byte
	refRestarts  []uint32
	refCount     int
	refBlockLocs []blockLoc
	refFirstKeys []string
	blockPrevKey string
	lastRefName  string
	haveLastRef  bool

	logEntries    []byte
	logRestarts   []uint32
	logCount      int
	logBlockPrev  string
	lastCommitter Committer
	lastMessage   string
	haveLastLog   bool
	chainValid    bool
	lastLogName   string
	lastLogUpdate uint64

	minUpdateIndex, maxUpdateIndex uint64
	haveRange                      bool

	finished bool
}

// NewWriter returns a Writer using blockSize (DefaultBlockSize if 0) and
// DefaultRestartInterval.
func NewWriter(blockSize uint32) *Writer {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	w := &Writer{
		blockSize:       int(blockSize),
		restartInterval: DefaultRestartInterval,
		buf:             blocksource.NewStagingWriter(),
	}
	w.write([]byte{versionByte, magic[0], magic[1], magic[2], versionByte})
	w.write(varint.PutUint24(nil, blockSize))
	return w
}

// write appends b to the table under construction. The staging writer is
// in-memory and never fails to write, so the error is swallowed here rather
// than threading it through every call site.
func (w *Writer) write(b []byte) {
	w.buf.Write(b)
}

func (w *Writer) len() int64 {
	n, _ := w.buf.Len()
	return n
}

// SetUpdateIndexRange records the table's min/max update-index for the
// footer. Required before Finish for any table that is not empty.
func (w *Writer) SetUpdateIndexRange(min, max uint64) {
	w.minUpdateIndex, w.maxUpdateIndex = min, max
	w.haveRange = true
}

// AddRef appends one ref. Names must be strictly increasing.
func (w *Writer) AddRef(ref Ref) error {
	if w.finished {
		return gitstoreerr.New(gitstoreerr.InvariantViolated, "AddRef after Finish")
	}
	if w.logCount > 0 || len(w.logEntries) > 0 {
		return gitstoreerr.New(gitstoreerr.InvariantViolated, "AddRef after log entries were added")
	}
	if w.haveLastRef && ref.Name <= w.lastRefName {
		return gitstoreerr.New(gitstoreerr.InvariantViolated, "ref %q is not strictly greater than previous %q", ref.Name, w.lastRefName)
	}

	isRestart := w.refCount%w.restartInterval == 0
	prevKey := w.blockPrevKey
	if isRestart {
		prevKey = ""
	}
	entry := appendRefEntry(nil, prevKey, ref)

	if w.refCount > 0 && w.refBlockWouldOverflow(len(entry)) {
		if err := w.flushRefBlock(); err != nil {
			return err
		}
		isRestart = true
		entry = appendRefEntry(nil, "", ref)
	}

	if isRestart {
		w.refRestarts = append(w.refRestarts, uint32(len(w.refEntries)))
	}
	w.refEntries = append(w.refEntries, entry...)
	w.refCount++
	w.blockPrevKey = ref.Name
	w.lastRefName = ref.Name
	w.haveLastRef = true
	return nil
}

func (w *Writer) refBlockWouldOverflow(nextEntryLen int) bool {
	restartTableSize := (len(w.refRestarts) + 1) * 3
	projected := headerSize + len(w.refEntries) + nextEntryLen + restartTableSize + 2
	return projected > w.blockSize
}

func (w *Writer) flushRefBlock() error {
	if w.refCount == 0 {
		return nil
	}
	body := append([]byte{}, w.refEntries...)
	for _, off := range w.refRestarts {
		body = varint.PutUint24(body, off)
	}
	body = varint.PutUint16(body, uint16(len(w.refRestarts)))

	length := headerSize + len(body)
	if length > maxRefBlockLength {
		return gitstoreerr.New(gitstoreerr.OverflowedBlock, "ref block of %d bytes exceeds 2^24", length)
	}
	blockOff := w.len()
	w.write(encodeBlockHeader(nil, blockTypeRef, uint32(length)))
	w.write(body)

	firstKey, err := (&refBlockView{entries: w.refEntries, restarts: w.refRestarts}).keyAtRestart(0)
	if err != nil {
		return err
	}
	w.refBlockLocs = append(w.refBlockLocs, blockLoc{offset: uint64(blockOff), length: uint32(length)})
	w.refFirstKeys = append(w.refFirstKeys, firstKey)

	w.refEntries = nil
	w.refRestarts = nil
	w.refCount = 0
	w.blockPrevKey = ""
	return nil
}

// AddLog appends one reflog entry. Entries must arrive sorted by name
// ascending, then by update-index descending within a name.
func (w *Writer) AddLog(e LogEntry) error {
	if w.finished {
		return gitstoreerr.New(gitstoreerr.InvariantViolated, "AddLog after Finish")
	}
	if w.haveLastLog {
		if e.RefName < w.lastLogName {
			return gitstoreerr.New(gitstoreerr.InvariantViolated, "log ref name %q precedes previous %q", e.RefName, w.lastLogName)
		}
		if e.RefName == w.lastLogName && e.UpdateIndex >= w.lastLogUpdate {
			return gitstoreerr.New(gitstoreerr.InvariantViolated, "log update-index %d for %q is not strictly less than previous %d", e.UpdateIndex, e.RefName, w.lastLogUpdate)
		}
	}

	sameCommitter := w.chainValid && e.Committer == w.lastCommitter
	sameMessage := w.chainValid && e.Message == w.lastMessage

	isRestart := w.logCount%w.restartInterval == 0
	prevKey := w.logBlockPrev
	if isRestart {
		prevKey = ""
	}
	entry := appendLogEntry(nil, prevKey, e, sameCommitter, sameMessage)

	if w.logCount > 0 && w.logBlockWouldOverflow(len(entry)) {
		if err := w.flushLogBlock(); err != nil {
			return err
		}
		isRestart = true
		sameCommitter, sameMessage = false, false
		entry = appendLogEntry(nil, "", e, false, false)
	}

	if isRestart {
		w.logRestarts = append(w.logRestarts, uint32(len(w.logEntries)))
	}
	w.logEntries = append(w.logEntries, entry...)
	w.logCount++
	w.logBlockPrev = e.RefName
	w.lastCommitter = e.Committer
	w.lastMessage = e.Message
	w.chainValid = true
	w.lastLogName = e.RefName
	w.lastLogUpdate = e.UpdateIndex
	w.haveLastLog = true
	return nil
}

func (w *Writer) logBlockWouldOverflow(nextEntryLen int) bool {
	restartTableSize := (len(w.logRestarts) + 1) * 3
	// Uncompressed size estimate; deflate only ever shrinks it, so this is
	// a safe (if conservative) overflow bound.
	projected := headerSize + len(w.logEntries) + nextEntryLen + restartTableSize + 2
	return projected > w.blockSize
}

func (w *Writer) flushLogBlock() error {
	if w.logCount == 0 {
		return nil
	}
	body := append([]byte{}, w.logEntries...)
	for _, off := range w.logRestarts {
		body = varint.PutUint24(body, off)
	}
	body = varint.PutUint16(body, uint16(len(w.logRestarts)))

	compressed, err := deflateLogBody(body)
	if err != nil {
		return err
	}
	// The log block header records the UNCOMPRESSED length per spec §6; see
	// describeLogBlock's doc comment for how a reader recovers the on-disk
	// extent from this.
	w.write(encodeBlockHeader(nil, blockTypeLog, uint32(headerSize+len(body))))
	w.write(compressed)

	w.logEntries = nil
	w.logRestarts = nil
	w.logCount = 0
	w.logBlockPrev = ""
	w.chainValid = false
	return nil
}

// flushIndexBlock emits one index block mapping each ref block's first key
// to that block's file offset, built only when more than one ref block
// exists (a single block is always binary-searched directly). The offset
// is encoded by reusing the ordinary single-id value slot: the 20-byte ID
// field holds a big-endian uint64 right-justified with leading zero bytes,
// which lets the index share appendRefEntry/readRefEntry/parseRefBlockView
// verbatim instead of a second bespoke entry codec.
func (w *Writer) flushIndexBlock() error {
	if len(w.refBlockLocs) < 2 {
		return nil
	}
	var entries []byte
	var restarts []uint32
	prevKey := ""
	for i, loc := range w.refBlockLocs {
		var idxID ID
		idxID[12] = byte(loc.offset >> 56)
		idxID[13] = byte(loc.offset >> 48)
		idxID[14] = byte(loc.offset >> 40)
		idxID[15] = byte(loc.offset >> 32)
		idxID[16] = byte(loc.offset >> 24)
		idxID[17] = byte(loc.offset >> 16)
		idxID[18] = byte(loc.offset >> 8)
		idxID[19] = byte(loc.offset)

		isRestart := i%w.restartInterval == 0
		key := prevKey
		if isRestart {
			key = ""
			restarts = append(restarts, uint32(len(entries)))
		}
		entries = appendRefEntry(entries, key, NewValueRef(w.refFirstKeys[i], idxID))
		prevKey = w.refFirstKeys[i]
	}
	body := append([]byte{}, entries...)
	for _, off := range restarts {
		body = varint.PutUint24(body, off)
	}
	body = varint.PutUint16(body, uint16(len(restarts)))

	length := uint32(headerSize + len(body))
	w.write(encodeIndexBlockHeader(nil, length))
	w.write(body)
	return nil
}

// Finish flushes any pending blocks, writes the index (if needed) and
// footer, and returns the complete serialized table.
func (w *Writer) Finish() ([]byte, error) {
	if w.finished {
		return nil, gitstoreerr.New(gitstoreerr.InvariantViolated, "Finish called twice")
	}
	if !w.haveRange && (w.haveLastRef || w.haveLastLog) {
		return nil, gitstoreerr.New(gitstoreerr.InvariantViolated, "SetUpdateIndexRange was never called on a non-empty table")
	}
	if err := w.flushRefBlock(); err != nil {
		return nil, err
	}
	if err := w.flushLogBlock(); err != nil {
		return nil, err
	}
	if err := w.flushIndexBlock(); err != nil {
		return nil, err
	}

	w.write(varint.PutUint64(nil, w.minUpdateIndex))
	w.write(varint.PutUint64(nil, w.maxUpdateIndex))

	soFar, err := w.buf.Bytes()
	if err != nil {
		return nil, gitstoreerr.Wrap(gitstoreerr.IoError, err, "reading back staged table bytes")
	}
	crc := crc32.ChecksumIEEE(soFar)
	w.write(varint.PutUint32(nil, crc))

	w.finished = true
	return w.buf.Bytes()
}

// WriteFile serializes the table by calling Finish and publishes it
// atomically: built fully in memory, then renamed into place so no reader
// ever observes a partial file. On a Writer whose Finish was already
// called it fails with InvariantViolated.
func (w *Writer) WriteFile(path string, perm os.FileMode) error {
	data, err := w.Finish()
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(path, data, perm); err != nil {
		return gitstoreerr.Wrap(gitstoreerr.IoError, err, "publishing reftable to %s", path)
	}
	return nil
}
