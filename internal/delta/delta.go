// Package delta interprets a delta instruction stream (copy-from-base /
// insert-literal) against a base buffer, grounded on the copy/insert
// decoders in the packfile readers of the retrieved examples (go-git's
// patch_delta.go, gg-scm's delta.go).
package delta

import (
	"github.com/distr1/gitstore/internal/gitstoreerr"
)

// copyLenZero is the length a copy instruction implies when its length
// field decodes to zero.
const copyLenZero = 0x10000

// Sizes parses only the two leading size varints of stream and returns
// them without applying any instruction. baseSize must match len(base)
// when Apply is later called with the same stream.
func Sizes(stream []byte) (baseSize, resultSize uint64, err error) {
	bs, rs, err := sizesWithOffset(stream)
	if err != nil {
		return 0, 0, err
	}
	return bs.size, rs.size, nil
}

// ResultSize parses only stream's header and returns the declared result
// size, so callers can size an output buffer before paying for Apply.
func ResultSize(stream []byte) (uint64, error) {
	_, resultSize, err := Sizes(stream)
	return resultSize, err
}

// Apply interprets stream against base and fills out exactly ResultSize(stream)
// bytes. len(out) must equal that declared size; Apply never grows or
// shrinks it.
func Apply(base, stream, out []byte) error {
	baseSize, resultSize, err := sizesWithOffset(stream)
	if err != nil {
		return err
	}
	if baseSize.size != uint64(len(base)) {
		return gitstoreerr.New(gitstoreerr.DeltaSizeMismatch, "delta: base size %d, got base of %d bytes", baseSize.size, len(base))
	}
	if uint64(len(out)) != resultSize.size {
		return gitstoreerr.New(gitstoreerr.DeltaSizeMismatch, "delta: result size %d, got output buffer of %d bytes", resultSize.size, len(out))
	}

	body := stream[resultSize.end:]
	outPos := 0
	for len(body) > 0 {
		op := body[0]
		body = body[1:]

		switch {
		case op == 0:
			return gitstoreerr.New(gitstoreerr.DeltaOpcodeZero, "delta: reserved opcode 0x00")

		case op&0x80 != 0:
			// Copy instruction: bits 0-3 select up to 4 little-endian
			// offset bytes, bits 4-6 select up to 3 little-endian length
			// bytes, both present only if their flag bit is set.
			var offset, length uint32
			for i, shift := 0, uint(0); i < 4; i, shift = i+1, shift+8 {
				if op&(1<<uint(i)) == 0 {
					continue
				}
				if len(body) == 0 {
					return gitstoreerr.New(gitstoreerr.DeltaSizeMismatch, "delta: truncated copy offset")
				}
				offset |= uint32(body[0]) << shift
				body = body[1:]
			}
			for i, shift := 4, uint(0); i < 7; i, shift = i+1, shift+8 {
				if op&(1<<uint(i)) == 0 {
					continue
				}
				if len(body) == 0 {
					return gitstoreerr.New(gitstoreerr.DeltaSizeMismatch, "delta: truncated copy length")
				}
				length |= uint32(body[0]) << shift
				body = body[1:]
			}
			if length == 0 {
				length = copyLenZero
			}
			if uint64(offset)+uint64(length) > baseSize.size {
				return gitstoreerr.New(gitstoreerr.DeltaOutOfRangeCopy, "delta: copy [%d,%d) escapes base of size %d", offset, uint64(offset)+uint64(length), baseSize.size)
			}
			if outPos+int(length) > len(out) {
				return gitstoreerr.New(gitstoreerr.DeltaSizeMismatch, "delta: copy overruns declared result size")
			}
			copy(out[outPos:], base[offset:offset+length])
			outPos += int(length)

		default:
			// Insert instruction: low 7 bits give the literal length,
			// 1..127 bytes copied straight from the stream.
			n := int(op & 0x7f)
			if len(body) < n {
				return gitstoreerr.New(gitstoreerr.DeltaSizeMismatch, "delta: truncated literal of %d bytes", n)
			}
			if outPos+n > len(out) {
				return gitstoreerr.New(gitstoreerr.DeltaSizeMismatch, "delta: literal overruns declared result size")
			}
			copy(out[outPos:], body[:n])
			outPos += n
			body = body[n:]
		}
	}

	if outPos != len(out) {
		return gitstoreerr.New(gitstoreerr.DeltaSizeMismatch, "delta: wrote %d bytes, declared result size was %d", outPos, len(out))
	}
	return nil
}

type sizeAndEnd struct {
	size uint64
	end  int
}

func sizesWithOffset(stream []byte) (baseSize, resultSize sizeAndEnd, err error) {
	bs, n, err := readLEB128Size(stream)
	if err != nil {
		return sizeAndEnd{}, sizeAndEnd{}, gitstoreerr.Wrap(gitstoreerr.DeltaSizeMismatch, err, "delta: reading base size")
	}
	rs, n2, err := readLEB128Size(stream[n:])
	if err != nil {
		return sizeAndEnd{}, sizeAndEnd{}, gitstoreerr.Wrap(gitstoreerr.DeltaSizeMismatch, err, "delta: reading result size")
	}
	return sizeAndEnd{size: bs, end: n}, sizeAndEnd{size: rs, end: n + n2}, nil
}

// readLEB128Size decodes one of the delta stream's leading size fields:
// plain, unbiased LEB128 (7 bits per byte, continuation in the high bit),
// the same scheme packchunk's object header uses and distinct from the
// biased accumulator internal/varint and OFS_DELTA distances use.
func readLEB128Size(stream []byte) (size uint64, consumed int, err error) {
	var shift uint
	for i, b := range stream {
		size |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return size, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, gitstoreerr.New(gitstoreerr.TruncatedInput, "delta: truncated size varint")
}
