package delta

import (
	"bytes"
	"testing"

	"github.com/distr1/gitstore/internal/gitstoreerr"
)

// appendLEB128Size matches readLEB128Size's plain, unbiased encoding: the
// real delta stream size fields, distinct from internal/varint's biased
// accumulator scheme used elsewhere in the format.
func appendLEB128Size(b []byte, v uint64) []byte {
	for v >= 0x80 {
		b = append(b, byte(v)|0x80)
		v >>= 7
	}
	return append(b, byte(v))
}

func buildStream(baseSize, resultSize uint64, ops ...[]byte) []byte {
	var stream []byte
	stream = appendLEB128Size(stream, baseSize)
	stream = appendLEB128Size(stream, resultSize)
	for _, op := range ops {
		stream = append(stream, op...)
	}
	return stream
}

func insertOp(lit []byte) []byte {
	return append([]byte{byte(len(lit))}, lit...)
}

func copyOp(offset, length uint32) []byte {
	var op byte = 0x80
	var tail []byte
	if offset > 0 {
		op |= 0x01
		tail = append(tail, byte(offset))
	}
	if length != copyLenZero {
		op |= 0x10
		tail = append(tail, byte(length))
	}
	return append([]byte{op}, tail...)
}

func TestApplyInsertOnly(t *testing.T) {
	t.Parallel()

	base := []byte("irrelevant")
	lit := []byte("hello world")
	stream := buildStream(uint64(len(base)), uint64(len(lit)), insertOp(lit))

	resultSize, err := ResultSize(stream)
	if err != nil {
		t.Fatal(err)
	}
	out := make([]byte, resultSize)
	if err := Apply(base, stream, out); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, lit) {
		t.Fatalf("got %q, want %q", out, lit)
	}
}

func TestApplyCopyAndInsert(t *testing.T) {
	t.Parallel()

	base := []byte("the quick brown fox")
	// copy "quick" (offset 4, length 5), then insert " slow ", then copy "fox" (offset 16 len 3)
	stream := buildStream(uint64(len(base)), uint64(len("quick slow fox")),
		copyOp(4, 5),
		insertOp([]byte(" slow ")),
		copyOp(16, 3),
	)
	resultSize, err := ResultSize(stream)
	if err != nil {
		t.Fatal(err)
	}
	out := make([]byte, resultSize)
	if err := Apply(base, stream, out); err != nil {
		t.Fatal(err)
	}
	if got, want := string(out), "quick slow fox"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestApplyZeroOpcodeFails(t *testing.T) {
	t.Parallel()

	base := []byte("base")
	stream := buildStream(uint64(len(base)), 1, []byte{0x00})
	out := make([]byte, 1)
	err := Apply(base, stream, out)
	if err == nil {
		t.Fatal("expected error")
	}
	var se *gitstoreerr.Error
	if !errorsAs(err, &se) || se.Kind != gitstoreerr.DeltaOpcodeZero {
		t.Fatalf("expected DeltaOpcodeZero, got %v", err)
	}
}

func TestApplyOutOfRangeCopy(t *testing.T) {
	t.Parallel()

	base := []byte("short")
	stream := buildStream(uint64(len(base)), 10, copyOp(2, 10))
	out := make([]byte, 10)
	err := Apply(base, stream, out)
	if err == nil {
		t.Fatal("expected error")
	}
	var se *gitstoreerr.Error
	if !errorsAs(err, &se) || se.Kind != gitstoreerr.DeltaOutOfRangeCopy {
		t.Fatalf("expected DeltaOutOfRangeCopy, got %v", err)
	}
}

func TestApplySizeMismatch(t *testing.T) {
	t.Parallel()

	base := []byte("base")
	stream := buildStream(uint64(len(base)), 5, insertOp([]byte("123")))
	out := make([]byte, 5)
	if err := Apply(base, stream, out); err == nil {
		t.Fatal("expected size mismatch error")
	}
}

func TestSizesHandleMultiByteLEB128(t *testing.T) {
	t.Parallel()

	// 200 requires a continuation byte under LEB128 (0xC8, 0x01); a biased
	// reader would misdecode it.
	base := make([]byte, 200)
	lit := bytes.Repeat([]byte("x"), 200)
	stream := buildStream(uint64(len(base)), uint64(len(lit)), insertOp200(lit))

	baseSize, resultSize, err := Sizes(stream)
	if err != nil {
		t.Fatal(err)
	}
	if baseSize != 200 || resultSize != 200 {
		t.Fatalf("Sizes() = (%d, %d), want (200, 200)", baseSize, resultSize)
	}

	out := make([]byte, resultSize)
	if err := Apply(base, stream, out); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, lit) {
		t.Fatalf("got %q, want %q", out, lit)
	}
}

// insertOp200 splits a 200-byte literal across two insert opcodes, since a
// single insert's length field is limited to 7 bits (max 127 bytes).
func insertOp200(lit []byte) []byte {
	var out []byte
	out = append(out, insertOp(lit[:127])...)
	out = append(out, insertOp(lit[127:])...)
	return out
}

// errorsAs is a tiny local shim so this test file does not need to import
// the standard errors package solely for As.
func errorsAs(err error, target **gitstoreerr.Error) bool {
	if e, ok := err.(*gitstoreerr.Error); ok {
		*target = e
		return true
	}
	return false
}
