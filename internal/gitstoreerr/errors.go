// Package gitstoreerr defines the error taxonomy shared by the reftable and
// pack chunk engines. Fallible operations in the core return one of these
// kinds (messages formatted with xerrors.Errorf) rather than a bare
// fmt.Errorf string; a few low-level helpers (staging read-back, log-block
// deflate) return plain xerrors-wrapped errors instead.
package gitstoreerr

import "golang.org/x/xerrors"

// Kind identifies which taxonomy bucket an error belongs to, so callers can
// branch with errors.Is/As without string-matching messages.
type Kind int

const (
	_ Kind = iota
	TruncatedInput
	InvalidMagic
	InvalidMagicFooter
	CorruptBlock
	CorruptCrc
	CorruptChunk
	MissingObject
	DeltaSizeMismatch
	DeltaChainTooDeep
	DeltaOpcodeZero
	DeltaOutOfRangeCopy
	OversizedAllocation
	InvariantViolated
	UnsupportedVersion
	OverflowedBlock
	InvalidBlockSequence
	FragmentedObjectNotSupported
	IoError
)

func (k Kind) String() string {
	switch k {
	case TruncatedInput:
		return "TruncatedInput"
	case InvalidMagic:
		return "InvalidMagic"
	case InvalidMagicFooter:
		return "InvalidMagicFooter"
	case CorruptBlock:
		return "CorruptBlock"
	case CorruptCrc:
		return "CorruptCrc"
	case CorruptChunk:
		return "CorruptChunk"
	case MissingObject:
		return "MissingObject"
	case DeltaSizeMismatch:
		return "DeltaSizeMismatch"
	case DeltaChainTooDeep:
		return "DeltaChainTooDeep"
	case DeltaOpcodeZero:
		return "DeltaOpcodeZero"
	case DeltaOutOfRangeCopy:
		return "DeltaOutOfRangeCopy"
	case OversizedAllocation:
		return "OversizedAllocation"
	case InvariantViolated:
		return "InvariantViolated"
	case UnsupportedVersion:
		return "UnsupportedVersion"
	case OverflowedBlock:
		return "OverflowedBlock"
	case InvalidBlockSequence:
		return "InvalidBlockSequence"
	case FragmentedObjectNotSupported:
		return "FragmentedObjectNotSupported"
	case IoError:
		return "IoError"
	default:
		return "Unknown"
	}
}

// Error wraps a Kind with a message and optional cause. It satisfies the
// standard errors.Unwrap contract so errors.Is/As work through xerrors too.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.Kind.String() + ": " + e.msg + ": " + e.err.Error()
	}
	return e.Kind.String() + ": " + e.msg
}

func (e *Error) Unwrap() error { return e.err }

// Is lets errors.Is match on Kind: it reports true when target is an *Error
// of the same Kind, such as Sentinel(kind).
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	return ok && other.Kind == e.Kind
}

// New builds an *Error of the given kind with no cause; use Wrap to attach
// one.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, msg: xerrors.Errorf(format, args...).Error()}
}

// Wrap builds an *Error of the given kind around an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, msg: xerrors.Errorf(format, args...).Error(), err: cause}
}

// Sentinel returns a zero-value *Error of the given kind, suitable as the
// target of errors.Is checks: errors.Is(err, gitstoreerr.Sentinel(gitstoreerr.CorruptCrc)).
func Sentinel(kind Kind) *Error { return &Error{Kind: kind} }
