package varint

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestUvarintRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []uint64{0, 1, 2, 127, 128, 129, 16383, 16384, 1 << 20, 1 << 40, ^uint64(0)}
	for _, v := range cases {
		buf := AppendUvarint(nil, v)
		got, n, err := ReadUvarintFromBytes(buf)
		if err != nil {
			t.Fatalf("ReadUvarintFromBytes(%d): %v", v, err)
		}
		if n != len(buf) {
			t.Fatalf("value %d: consumed %d bytes, encoding is %d bytes", v, n, len(buf))
		}
		if got != v {
			t.Fatalf("round trip: want %d, got %d (encoding %x)", v, got, buf)
		}
		if want := UvarintSize(v); want != len(buf) {
			t.Fatalf("UvarintSize(%d) = %d, want %d", v, want, len(buf))
		}
	}
}

func TestUvarintExactEncoding(t *testing.T) {
	t.Parallel()

	// 0x80 0x00 is the distinguishing case from the spec: the biased
	// accumulator maps it to 128, not 0.
	got, n, err := ReadUvarintFromBytes([]byte{0x80, 0x00})
	if err != nil {
		t.Fatal(err)
	}
	if got != 128 || n != 2 {
		t.Fatalf("got (%d, %d), want (128, 2)", got, n)
	}

	if diff := cmp.Diff([]byte{0x80, 0x00}, AppendUvarint(nil, 128)); diff != "" {
		t.Fatalf("AppendUvarint(128) mismatch (-want +got):\n%s", diff)
	}
}

func TestUvarintTruncated(t *testing.T) {
	t.Parallel()

	if _, _, err := ReadUvarintFromBytes(nil); err == nil {
		t.Fatal("expected error on empty buffer")
	}
	if _, _, err := ReadUvarintFromBytes([]byte{0x80}); err == nil {
		t.Fatal("expected error on truncated continuation byte")
	}
}

func TestFixedWidthRoundTrip(t *testing.T) {
	t.Parallel()

	var buf []byte
	buf = PutUint16(buf, 0x1234)
	buf = PutUint24(buf, 0x010203)
	buf = PutUint32(buf, 0xdeadbeef)
	buf = PutUint64(buf, 0x0102030405060708)

	u16, err := ReadUint16(buf[0:2])
	if err != nil || u16 != 0x1234 {
		t.Fatalf("u16: got %x, %v", u16, err)
	}
	u24, err := ReadUint24(buf[2:5])
	if err != nil || u24 != 0x010203 {
		t.Fatalf("u24: got %x, %v", u24, err)
	}
	u32, err := ReadUint32(buf[5:9])
	if err != nil || u32 != 0xdeadbeef {
		t.Fatalf("u32: got %x, %v", u32, err)
	}
	u64, err := ReadUint64(buf[9:17])
	if err != nil || u64 != 0x0102030405060708 {
		t.Fatalf("u64: got %x, %v", u64, err)
	}
}

func TestIDStringAndLess(t *testing.T) {
	t.Parallel()

	var a, b ID
	a[0], b[0] = 1, 2
	if !a.Less(b) {
		t.Fatal("expected id(1) < id(2)")
	}
	if got, want := a.String(), "0100000000000000000000000000000000000000"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
	var zero ID
	if !zero.IsZero() {
		t.Fatal("expected zero ID to report IsZero")
	}
}

func TestReadIDTruncated(t *testing.T) {
	t.Parallel()

	if _, err := ReadID(bytes.Repeat([]byte{0}, 10), 0); err == nil {
		t.Fatal("expected truncated error")
	}
}
