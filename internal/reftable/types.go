// Package reftable implements the block-structured, sorted,
// prefix-compressed reference and reflog table: the block reader/writer,
// the file-level reader (with merged multi-table shadowing), and the
// writer/compactor. It is grounded on the teacher's internal/squashfs
// package: both read a magic-prefixed header into a fixed Go struct with
// encoding/binary, then walk a sequence of length-prefixed blocks, some of
// which are deflate-compressed.
package reftable

import "github.com/distr1/gitstore/internal/varint"

// ID is re-exported for callers that only need the reftable package.
type ID = varint.ID

// RefKind distinguishes the wire-level shapes a Ref can take. Unpeeled(non-
// tombstone) and PeeledNonTag collapse onto the same on-disk value type (a
// single 20-byte id); the reader cannot and does not try to tell them
// apart, so both decode as KindValue. See DESIGN.md for the rationale.
type RefKind uint8

const (
	// KindTombstone marks a deleted ref: value type 0, no payload. It
	// shadows any older entry of the same name in a stack.
	KindTombstone RefKind = iota
	// KindValue is a ref holding exactly one object id: value type 1.
	KindValue
	// KindPeeledTag is an annotated tag ref holding both the tag object id
	// and the commit id it peels to: value type 2.
	KindPeeledTag
	// KindSymbolic is a ref pointing at another ref by name: value type 3.
	KindSymbolic
)

// Ref is a single named pointer record.
type Ref struct {
	Name string

	Kind RefKind

	// ID is the target object id for KindValue, or the tag id for
	// KindPeeledTag. Unused for KindTombstone and KindSymbolic.
	ID ID
	// Peeled is the peeled commit id, used only for KindPeeledTag.
	Peeled ID
	// Target is the referenced ref name, used only for KindSymbolic.
	Target string

	// UpdateIndex is the monotonic counter of the update that produced
	// this record; populated by the writer/reader, not by callers
	// constructing a Ref to write.
	UpdateIndex uint64
}

// IsPeeled reports whether this ref resolves directly to an object id
// (KindValue or KindPeeledTag), matching the spec's is_peeled flag.
func (r Ref) IsPeeled() bool {
	return r.Kind == KindValue || r.Kind == KindPeeledTag
}

// IsTombstone reports whether this ref is a deletion marker.
func (r Ref) IsTombstone() bool { return r.Kind == KindTombstone }

// NewValueRef builds a KindValue ref.
func NewValueRef(name string, id ID) Ref {
	return Ref{Name: name, Kind: KindValue, ID: id}
}

// NewPeeledTagRef builds a KindPeeledTag ref.
func NewPeeledTagRef(name string, tag, peeled ID) Ref {
	return Ref{Name: name, Kind: KindPeeledTag, ID: tag, Peeled: peeled}
}

// NewSymbolicRef builds a KindSymbolic ref.
func NewSymbolicRef(name, target string) Ref {
	return Ref{Name: name, Kind: KindSymbolic, Target: target}
}

// NewTombstone builds a deletion marker for name.
func NewTombstone(name string) Ref {
	return Ref{Name: name, Kind: KindTombstone}
}

// Committer identifies who made a reflog update.
type Committer struct {
	Name     string
	Email    string
	Time     int64 // seconds since epoch
	TZOffMin int32 // minutes east of UTC
}

// LogEntry is a single reflog record.
type LogEntry struct {
	RefName     string
	UpdateIndex uint64
	Old, New    ID
	Committer   Committer
	Message     string
}
