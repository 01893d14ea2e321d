package reftable

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/flate"
	"golang.org/x/xerrors"

	"github.com/distr1/gitstore/internal/gitstoreerr"
	"github.com/distr1/gitstore/internal/varint"
)

// Block type bytes. blockTypeFirst (the NUL byte) only ever appears as the
// very first byte of the file, where the reftable header itself occupies
// the position a block header would.
const (
	blockTypeFirst byte = 0
	blockTypeRef   byte = 'r'
	blockTypeIndex byte = 'i'
	blockTypeObj   byte = 'o'
	blockTypeLog   byte = 'g'
)

// indexLengthFlag is the high bit of the 4-byte block header word. Every
// ASCII block type byte ('r', 'i', 'o', 'g') has its own high bit clear, so
// setting this bit unambiguously signals "this is an index block whose
// length occupies the low 31 bits," letting an index block grow past the
// 2^24 ceiling a normal block's 24-bit length field allows.
const indexLengthFlag uint32 = 1 << 31

// maxRefBlockLength is the largest length a non-index block may declare.
const maxRefBlockLength = 1<<24 - 1

// DefaultRestartInterval is R from spec §4.4: one restart point (a full,
// uncompressed key) is recorded for every 16 entries by default.
const DefaultRestartInterval = 16

// headerSize is the fixed 4-byte block header size.
const headerSize = 4

// encodeBlockHeader appends a non-index block header.
func encodeBlockHeader(dst []byte, blockType byte, length uint32) []byte {
	if length > maxRefBlockLength {
		// caller bug: should have used encodeIndexBlockHeader
		panic("reftable: block length overflows 24-bit header")
	}
	word := uint32(blockType)<<24 | length
	return varint.PutUint32(dst, word)
}

// encodeIndexBlockHeader appends an index block header using the 31-bit
// large-length form.
func encodeIndexBlockHeader(dst []byte, length uint32) []byte {
	if length&indexLengthFlag != 0 {
		panic("reftable: index block length overflows 31 bits")
	}
	return varint.PutUint32(dst, indexLengthFlag|length)
}

// decodeBlockHeader reads the 4-byte block header at the start of buf.
func decodeBlockHeader(buf []byte) (blockType byte, length uint32, err error) {
	word, err := varint.ReadUint32(buf)
	if err != nil {
		return 0, 0, gitstoreerr.Wrap(gitstoreerr.TruncatedInput, err, "reading block header")
	}
	if word&indexLengthFlag != 0 {
		return blockTypeIndex, word &^ indexLengthFlag, nil
	}
	blockType = byte(word >> 24)
	length = word & 0x00ffffff
	return blockType, length, nil
}

// refValueType is the low 3 bits of a ref entry's suffix-length varint.
type refValueType uint64

const (
	valueDelete    refValueType = 0
	valueSingleID  refValueType = 1
	valuePeeledTag refValueType = 2
	valueText      refValueType = 3
)

func kindToValueType(k RefKind) refValueType {
	switch k {
	case KindTombstone:
		return valueDelete
	case KindValue:
		return valueSingleID
	case KindPeeledTag:
		return valuePeeledTag
	case KindSymbolic:
		return valueText
	default:
		panic("reftable: unknown ref kind")
	}
}

// appendRefEntry encodes one ref record as a prefix-compressed entry
// against prevKey (the full name of the previous entry in this block, or
// "" at a restart point) and returns the extended buffer.
func appendRefEntry(dst []byte, prevKey string, ref Ref) []byte {
	prefixLen := commonPrefixLen(prevKey, ref.Name)
	suffix := ref.Name[prefixLen:]
	vt := kindToValueType(ref.Kind)
	dst = varint.AppendUvarint(dst, uint64(prefixLen))
	dst = varint.AppendUvarint(dst, uint64(len(suffix))<<3|uint64(vt))
	dst = append(dst, suffix...)
	switch ref.Kind {
	case KindTombstone:
		// no payload
	case KindValue:
		dst = append(dst, ref.ID[:]...)
	case KindPeeledTag:
		dst = append(dst, ref.ID[:]...)
		dst = append(dst, ref.Peeled[:]...)
	case KindSymbolic:
		dst = varint.AppendUvarint(dst, uint64(len(ref.Target)))
		dst = append(dst, ref.Target...)
	}
	return dst
}

// readRefEntry decodes one ref record starting at buf, given the full name
// of the previous entry (used to rebuild the prefix). It returns the
// decoded ref, the number of bytes consumed, and the ref's full name (for
// the caller to pass back in as prevKey on the next call).
func readRefEntry(buf []byte, prevKey string) (ref Ref, consumed int, fullKey string, err error) {
	prefixLen, n1, err := varint.ReadUvarintFromBytes(buf)
	if err != nil {
		return Ref{}, 0, "", gitstoreerr.Wrap(gitstoreerr.CorruptBlock, err, "reading ref entry prefix length")
	}
	suffixAndType, n2, err := varint.ReadUvarintFromBytes(buf[n1:])
	if err != nil {
		return Ref{}, 0, "", gitstoreerr.Wrap(gitstoreerr.CorruptBlock, err, "reading ref entry suffix length")
	}
	off := n1 + n2
	suffixLen := int(suffixAndType >> 3)
	vt := refValueType(suffixAndType & 0x7)

	if int(prefixLen) > len(prevKey) {
		return Ref{}, 0, "", gitstoreerr.New(gitstoreerr.CorruptBlock, "ref entry prefix length %d exceeds previous key length %d", prefixLen, len(prevKey))
	}
	if off+suffixLen > len(buf) {
		return Ref{}, 0, "", gitstoreerr.New(gitstoreerr.TruncatedInput, "ref entry suffix of %d bytes truncated", suffixLen)
	}
	name := prevKey[:prefixLen] + string(buf[off:off+suffixLen])
	off += suffixLen

	ref = Ref{Name: name}
	switch vt {
	case valueDelete:
		ref.Kind = KindTombstone
	case valueSingleID:
		id, err := varint.ReadID(buf, off)
		if err != nil {
			return Ref{}, 0, "", gitstoreerr.Wrap(gitstoreerr.TruncatedInput, err, "reading single id value")
		}
		ref.Kind = KindValue
		ref.ID = id
		off += varint.IDLen
	case valuePeeledTag:
		id, err := varint.ReadID(buf, off)
		if err != nil {
			return Ref{}, 0, "", gitstoreerr.Wrap(gitstoreerr.TruncatedInput, err, "reading tag id value")
		}
		peeled, err := varint.ReadID(buf, off+varint.IDLen)
		if err != nil {
			return Ref{}, 0, "", gitstoreerr.Wrap(gitstoreerr.TruncatedInput, err, "reading peeled id value")
		}
		ref.Kind = KindPeeledTag
		ref.ID = id
		ref.Peeled = peeled
		off += 2 * varint.IDLen
	case valueText:
		textLen, n3, err := varint.ReadUvarintFromBytes(buf[off:])
		if err != nil {
			return Ref{}, 0, "", gitstoreerr.Wrap(gitstoreerr.CorruptBlock, err, "reading symbolic text length")
		}
		off += n3
		if off+int(textLen) > len(buf) {
			return Ref{}, 0, "", gitstoreerr.New(gitstoreerr.TruncatedInput, "symbolic text of %d bytes truncated", textLen)
		}
		ref.Kind = KindSymbolic
		ref.Target = string(buf[off : off+int(textLen)])
		off += int(textLen)
	default:
		return Ref{}, 0, "", gitstoreerr.New(gitstoreerr.CorruptBlock, "unknown ref value type %d", vt)
	}

	return ref, off, name, nil
}

// appendLogEntry encodes one reflog record, chaining committer/message
// fields against the reader's saved last-seen values when they are
// unchanged. sameCommitter/sameMessage must only be true when the caller
// has verified equality against the immediately preceding entry *within
// this block* — the chain resets at every block boundary (spec §9).
func appendLogEntry(dst []byte, prevKey string, e LogEntry, sameCommitter, sameMessage bool) []byte {
	prefixLen := commonPrefixLen(prevKey, e.RefName)
	suffix := e.RefName[prefixLen:]
	flags := uint64(0)
	if sameCommitter {
		flags |= 0x1
	}
	if sameMessage {
		flags |= 0x2
	}
	dst = varint.AppendUvarint(dst, uint64(prefixLen))
	dst = varint.AppendUvarint(dst, uint64(len(suffix))<<2|flags)
	dst = append(dst, suffix...)
	dst = varint.PutUint64(dst, ^e.UpdateIndex)
	dst = append(dst, e.Old[:]...)
	dst = append(dst, e.New[:]...)
	if !sameCommitter {
		dst = varint.AppendUvarint(dst, uint64(len(e.Committer.Name)))
		dst = append(dst, e.Committer.Name...)
		dst = varint.AppendUvarint(dst, uint64(len(e.Committer.Email)))
		dst = append(dst, e.Committer.Email...)
		dst = varint.AppendUvarint(dst, uint64(e.Committer.Time))
		dst = varint.PutUint16(dst, uint16(int16(e.Committer.TZOffMin)))
	}
	if !sameMessage {
		dst = varint.AppendUvarint(dst, uint64(len(e.Message)))
		dst = append(dst, e.Message...)
	}
	return dst
}

// logChain is the reader's saved committer/message pointer, reset at every
// block boundary per spec §9's resolved open question.
type logChain struct {
	committer Committer
	message   string
	valid     bool
}

func readLogEntry(buf []byte, prevKey string, chain *logChain) (e LogEntry, consumed int, fullKey string, err error) {
	prefixLen, n1, err := varint.ReadUvarintFromBytes(buf)
	if err != nil {
		return LogEntry{}, 0, "", gitstoreerr.Wrap(gitstoreerr.CorruptBlock, err, "reading log entry prefix length")
	}
	suffixAndFlags, n2, err := varint.ReadUvarintFromBytes(buf[n1:])
	if err != nil {
		return LogEntry{}, 0, "", gitstoreerr.Wrap(gitstoreerr.CorruptBlock, err, "reading log entry suffix length")
	}
	off := n1 + n2
	suffixLen := int(suffixAndFlags >> 2)
	sameCommitter := suffixAndFlags&0x1 != 0
	sameMessage := suffixAndFlags&0x2 != 0

	if int(prefixLen) > len(prevKey) {
		return LogEntry{}, 0, "", gitstoreerr.New(gitstoreerr.CorruptBlock, "log entry prefix length %d exceeds previous key length %d", prefixLen, len(prevKey))
	}
	if off+suffixLen > len(buf) {
		return LogEntry{}, 0, "", gitstoreerr.New(gitstoreerr.TruncatedInput, "log entry suffix of %d bytes truncated", suffixLen)
	}
	name := prevKey[:prefixLen] + string(buf[off:off+suffixLen])
	off += suffixLen

	if off+8 > len(buf) {
		return LogEntry{}, 0, "", gitstoreerr.New(gitstoreerr.TruncatedInput, "log entry update index truncated")
	}
	complement, _ := varint.ReadUint64(buf[off : off+8])
	off += 8

	oldID, err := varint.ReadID(buf, off)
	if err != nil {
		return LogEntry{}, 0, "", gitstoreerr.Wrap(gitstoreerr.TruncatedInput, err, "reading log old id")
	}
	off += varint.IDLen
	newID, err := varint.ReadID(buf, off)
	if err != nil {
		return LogEntry{}, 0, "", gitstoreerr.Wrap(gitstoreerr.TruncatedInput, err, "reading log new id")
	}
	off += varint.IDLen

	e = LogEntry{RefName: name, UpdateIndex: ^complement, Old: oldID, New: newID}

	if sameCommitter {
		if !chain.valid {
			return LogEntry{}, 0, "", gitstoreerr.New(gitstoreerr.CorruptBlock, "same-committer flag set with no prior committer in this block")
		}
		e.Committer = chain.committer
	} else {
		nameLen, n3, err := varint.ReadUvarintFromBytes(buf[off:])
		if err != nil {
			return LogEntry{}, 0, "", gitstoreerr.Wrap(gitstoreerr.CorruptBlock, err, "reading committer name length")
		}
		off += n3
		if off+int(nameLen) > len(buf) {
			return LogEntry{}, 0, "", gitstoreerr.New(gitstoreerr.TruncatedInput, "committer name truncated")
		}
		cname := string(buf[off : off+int(nameLen)])
		off += int(nameLen)

		emailLen, n4, err := varint.ReadUvarintFromBytes(buf[off:])
		if err != nil {
			return LogEntry{}, 0, "", gitstoreerr.Wrap(gitstoreerr.CorruptBlock, err, "reading committer email length")
		}
		off += n4
		if off+int(emailLen) > len(buf) {
			return LogEntry{}, 0, "", gitstoreerr.New(gitstoreerr.TruncatedInput, "committer email truncated")
		}
		cemail := string(buf[off : off+int(emailLen)])
		off += int(emailLen)

		t, n5, err := varint.ReadUvarintFromBytes(buf[off:])
		if err != nil {
			return LogEntry{}, 0, "", gitstoreerr.Wrap(gitstoreerr.CorruptBlock, err, "reading committer time")
		}
		off += n5

		if off+2 > len(buf) {
			return LogEntry{}, 0, "", gitstoreerr.New(gitstoreerr.TruncatedInput, "committer tz truncated")
		}
		tz, _ := varint.ReadUint16(buf[off : off+2])
		off += 2

		e.Committer = Committer{Name: cname, Email: cemail, Time: int64(t), TZOffMin: int32(int16(tz))}
		chain.committer = e.Committer
		chain.valid = true
	}

	if sameMessage {
		if !chain.valid && !sameCommitter {
			return LogEntry{}, 0, "", gitstoreerr.New(gitstoreerr.CorruptBlock, "same-message flag set with no prior message in this block")
		}
		e.Message = chain.message
	} else {
		msgLen, n6, err := varint.ReadUvarintFromBytes(buf[off:])
		if err != nil {
			return LogEntry{}, 0, "", gitstoreerr.Wrap(gitstoreerr.CorruptBlock, err, "reading message length")
		}
		off += n6
		if off+int(msgLen) > len(buf) {
			return LogEntry{}, 0, "", gitstoreerr.New(gitstoreerr.TruncatedInput, "message truncated")
		}
		e.Message = string(buf[off : off+int(msgLen)])
		off += int(msgLen)
		chain.message = e.Message
	}

	return e, off, name, nil
}

func commonPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// inflateLogBody decompresses a log block's deflate body. The declared
// uncompressed length comes from the block header (length-4, per spec
// §4.4/§6); the reader must fail with CorruptBlock if the stream does not
// terminate at exactly that many bytes. klauspost/compress/flate is used
// in place of stdlib compress/flate for the same "faster drop-in the
// teacher already depends on" reason noted in SPEC_FULL.md.
func inflateLogBody(compressed []byte, uncompressedLen int) ([]byte, error) {
	zr := flate.NewReader(bytes.NewReader(compressed))
	defer zr.Close()
	out := make([]byte, uncompressedLen)
	n, err := io.ReadFull(zr, out)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, gitstoreerr.Wrap(gitstoreerr.CorruptBlock, err, "inflating log block body")
	}
	if n != uncompressedLen {
		return nil, gitstoreerr.New(gitstoreerr.CorruptBlock, "log block inflated to %d bytes, declared %d", n, uncompressedLen)
	}
	// Confirm the stream is exhausted exactly at the declared length: one
	// more byte read must report EOF, never more data.
	var probe [1]byte
	if extra, _ := zr.Read(probe[:]); extra != 0 {
		return nil, gitstoreerr.New(gitstoreerr.CorruptBlock, "log block inflater did not terminate at declared size %d", uncompressedLen)
	}
	return out, nil
}

// inflateLogBodyCounted behaves like inflateLogBody but additionally
// reports how many bytes of compressed input were consumed, so a
// sequential reader that does not know a log block's on-disk length ahead
// of time can discover where the next block begins.
func inflateLogBodyCounted(compressed []byte, uncompressedLen int) (consumed int, body []byte, err error) {
	cr := &countingReader{r: bytes.NewReader(compressed)}
	zr := flate.NewReader(cr)
	defer zr.Close()
	out := make([]byte, uncompressedLen)
	n, err := io.ReadFull(zr, out)
	if err != nil && err != io.ErrUnexpectedEOF {
		return 0, nil, gitstoreerr.Wrap(gitstoreerr.CorruptBlock, err, "inflating log block body")
	}
	if n != uncompressedLen {
		return 0, nil, gitstoreerr.New(gitstoreerr.CorruptBlock, "log block inflated to %d bytes, declared %d", n, uncompressedLen)
	}
	// Reading past the declared length drives the inflater through the
	// stream's end marker, so cr.n covers the whole compressed stream.
	var probe [1]byte
	if extra, _ := zr.Read(probe[:]); extra != 0 {
		return 0, nil, gitstoreerr.New(gitstoreerr.CorruptBlock, "log block inflater did not terminate at declared size %d", uncompressedLen)
	}
	return cr.n, out, nil
}

// countingReader tracks how many bytes have been pulled from the
// underlying reader, used to learn a deflate stream's compressed length
// without it being declared anywhere on disk. It implements io.ByteReader
// so the inflater reads from it directly, without a read-ahead buffer.
type countingReader struct {
	r *bytes.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

func (c *countingReader) ReadByte() (byte, error) {
	b, err := c.r.ReadByte()
	if err == nil {
		c.n++
	}
	return b, err
}

// deflateLogBody compresses body with klauspost/compress/flate, the
// teacher's drop-in for the stdlib codec of the same concern.
func deflateLogBody(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return nil, xerrors.Errorf("creating deflate writer: %w", err)
	}
	if _, err := zw.Write(body); err != nil {
		return nil, xerrors.Errorf("deflating log body: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, xerrors.Errorf("closing deflate writer: %w", err)
	}
	return buf.Bytes(), nil
}
