// Package varint implements the byte-level codec shared by the reftable and
// pack chunk formats: Git's biased varint encoding, fixed-width big-endian
// integers, and the 20-byte object identifier. It has no length-prefixed
// byte-string helpers; callers write the length with AppendUvarint
// themselves.
//
// The varint here is deliberately hand-rolled rather than built on
// encoding/binary.Uvarint: that stdlib decoder implements the unbiased
// 7-bit-per-byte LEB128 scheme (continuation bit, no accumulator bias),
// while Git's format increments the accumulator by one on every
// continuation byte before shifting — the two are bit-incompatible, so
// 0x80 0x00 decodes to 128 here and would decode to 0 under Uvarint.
package varint

import (
	"io"

	"github.com/distr1/gitstore/internal/gitstoreerr"
)

// IDLen is the length in bytes of a raw object identifier (SHA-1).
const IDLen = 20

// ID is a 20-byte opaque object identifier.
type ID [IDLen]byte

// IsZero reports whether id is the all-zero ID.
func (id ID) IsZero() bool {
	return id == ID{}
}

// String renders id as 40 lowercase hex characters.
func (id ID) String() string {
	const hexDigits = "0123456789abcdef"
	var out [IDLen * 2]byte
	for i, b := range id {
		out[i*2] = hexDigits[b>>4]
		out[i*2+1] = hexDigits[b&0x0f]
	}
	return string(out[:])
}

// Less reports whether id sorts before other byte-lexicographically.
func (id ID) Less(other ID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// ReadUvarint decodes one Git-biased varint from r, one byte at a time.
// It never reads past the first non-continuation byte.
func ReadUvarint(r io.ByteReader) (uint64, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, gitstoreerr.Wrap(gitstoreerr.TruncatedInput, err, "reading varint first byte")
	}
	val := uint64(b & 0x7f)
	for b&0x80 != 0 {
		b, err = r.ReadByte()
		if err != nil {
			return 0, gitstoreerr.Wrap(gitstoreerr.TruncatedInput, err, "reading varint continuation byte")
		}
		val = (val+1)<<7 | uint64(b&0x7f)
	}
	return val, nil
}

// ReadUvarintFromBytes is the slice-based twin of ReadUvarint: it decodes
// one varint from buf and returns the value plus the number of bytes
// consumed. It fails with TruncatedInput rather than panicking on a short
// buffer.
func ReadUvarintFromBytes(buf []byte) (val uint64, n int, err error) {
	if len(buf) == 0 {
		return 0, 0, gitstoreerr.New(gitstoreerr.TruncatedInput, "varint: empty buffer")
	}
	b := buf[0]
	val = uint64(b & 0x7f)
	n = 1
	for b&0x80 != 0 {
		if n >= len(buf) {
			return 0, 0, gitstoreerr.New(gitstoreerr.TruncatedInput, "varint: truncated continuation at byte %d", n)
		}
		b = buf[n]
		val = (val+1)<<7 | uint64(b&0x7f)
		n++
	}
	return val, n, nil
}

// PeekUvarintFromBytes is ReadUvarintFromBytes without advancing any
// cursor — callers pass the same buf back in on the next call.
func PeekUvarintFromBytes(buf []byte) (val uint64, n int, err error) {
	return ReadUvarintFromBytes(buf)
}

// AppendUvarint appends the Git-biased varint encoding of v to dst and
// returns the extended slice.
func AppendUvarint(dst []byte, v uint64) []byte {
	var buf [10]byte
	n := 0
	buf[n] = byte(v & 0x7f)
	n++
	for {
		v >>= 7
		if v == 0 {
			break
		}
		v--
		buf[n] = 0x80 | byte(v&0x7f)
		n++
	}
	for i := n - 1; i >= 0; i-- {
		dst = append(dst, buf[i])
	}
	return dst
}

// UvarintSize returns the number of bytes AppendUvarint would emit for v,
// without allocating.
func UvarintSize(v uint64) int {
	n := 1
	for {
		v >>= 7
		if v == 0 {
			return n
		}
		v--
		n++
	}
}

// ReadID reads a 20-byte raw object ID from buf at offset off.
func ReadID(buf []byte, off int) (ID, error) {
	var id ID
	if off < 0 || off+IDLen > len(buf) {
		return id, gitstoreerr.New(gitstoreerr.TruncatedInput, "reading object id at offset %d (have %d bytes)", off, len(buf))
	}
	copy(id[:], buf[off:off+IDLen])
	return id, nil
}

// ReadUint16 decodes a fixed big-endian 16-bit integer.
func ReadUint16(buf []byte) (uint16, error) {
	if len(buf) < 2 {
		return 0, gitstoreerr.New(gitstoreerr.TruncatedInput, "reading u16: have %d bytes", len(buf))
	}
	return uint16(buf[0])<<8 | uint16(buf[1]), nil
}

// ReadUint24 decodes a fixed big-endian 24-bit integer (used for block
// header lengths and restart offsets).
func ReadUint24(buf []byte) (uint32, error) {
	if len(buf) < 3 {
		return 0, gitstoreerr.New(gitstoreerr.TruncatedInput, "reading u24: have %d bytes", len(buf))
	}
	return uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2]), nil
}

// ReadUint32 decodes a fixed big-endian 32-bit integer.
func ReadUint32(buf []byte) (uint32, error) {
	if len(buf) < 4 {
		return 0, gitstoreerr.New(gitstoreerr.TruncatedInput, "reading u32: have %d bytes", len(buf))
	}
	return uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3]), nil
}

// ReadUint64 decodes a fixed big-endian 64-bit integer.
func ReadUint64(buf []byte) (uint64, error) {
	if len(buf) < 8 {
		return 0, gitstoreerr.New(gitstoreerr.TruncatedInput, "reading u64: have %d bytes", len(buf))
	}
	hi, _ := ReadUint32(buf[:4])
	lo, _ := ReadUint32(buf[4:8])
	return uint64(hi)<<32 | uint64(lo), nil
}

// PutUint24 appends a fixed big-endian 24-bit integer.
func PutUint24(dst []byte, v uint32) []byte {
	return append(dst, byte(v>>16), byte(v>>8), byte(v))
}

// PutUint32 appends a fixed big-endian 32-bit integer.
func PutUint32(dst []byte, v uint32) []byte {
	return append(dst, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// PutUint64 appends a fixed big-endian 64-bit integer.
func PutUint64(dst []byte, v uint64) []byte {
	dst = PutUint32(dst, uint32(v>>32))
	return PutUint32(dst, uint32(v))
}

// PutUint16 appends a fixed big-endian 16-bit integer.
func PutUint16(dst []byte, v uint16) []byte {
	return append(dst, byte(v>>8), byte(v))
}
