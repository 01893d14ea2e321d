package gitstoreerr

import (
	"errors"
	"testing"
)

func TestIsMatchesByKindNotMessage(t *testing.T) {
	t.Parallel()
	err := New(CorruptCrc, "footer CRC mismatch: got %08x, want %08x", 1, 2)
	if !errors.Is(err, Sentinel(CorruptCrc)) {
		t.Fatal("expected errors.Is to match on Kind")
	}
	if errors.Is(err, Sentinel(TruncatedInput)) {
		t.Fatal("expected errors.Is to reject a different Kind")
	}
}

func TestWrapPreservesCauseForUnwrap(t *testing.T) {
	t.Parallel()
	cause := errors.New("short read")
	err := Wrap(IoError, cause, "reading %d bytes", 8)
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to see through Wrap to the cause")
	}
}

func TestKindStringIsStable(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		kind Kind
		want string
	}{
		{TruncatedInput, "TruncatedInput"},
		{CorruptCrc, "CorruptCrc"},
		{DeltaChainTooDeep, "DeltaChainTooDeep"},
	} {
		if got := tc.kind.String(); got != tc.want {
			t.Fatalf("Kind(%d).String() = %q, want %q", tc.kind, got, tc.want)
		}
	}
}
