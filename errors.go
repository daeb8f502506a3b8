package n2k

import "fmt"

// Kind classifies an error into the taxonomy used across decode, encode and
// transport operations so callers can branch on category instead of
// matching error strings.
type Kind uint8

const (
	// KindInvalidRange means a caller supplied value is outside its legal bounds (priority, source, PGN, field value).
	KindInvalidRange Kind = iota + 1
	// KindFramingError means wire bytes failed a structural check (bad sentinel, short packet, malformed header text).
	KindFramingError
	// KindUnknownPGN means no catalog entry exists for a received PGN.
	KindUnknownPGN
	// KindCodecError means a per-PGN decode/encode routine failed, typically a bit-layout mismatch.
	KindCodecError
	// KindFilteredOut is not a true error. It is returned so call sites can use the normal error-handling path to
	// recognize "no message produced for this input" without a sentinel nil/ok pair.
	KindFilteredOut
	// KindTransportError means the underlying network or serial operation failed.
	KindTransportError
)

func (k Kind) String() string {
	switch k {
	case KindInvalidRange:
		return "invalid-range"
	case KindFramingError:
		return "framing-error"
	case KindUnknownPGN:
		return "unknown-pgn"
	case KindCodecError:
		return "codec-error"
	case KindFilteredOut:
		return "filtered-out"
	case KindTransportError:
		return "transport-error"
	default:
		return "unknown"
	}
}

// Error is the error type returned by this module's operations. Op names the
// failing operation (e.g. "ParseCANID", "catalog.Decode") for quick triage.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a *Error with the same Kind, so callers can
// write `errors.Is(err, n2k.ErrFilteredOut)` against the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Sentinels for errors.Is comparisons against a bare Kind, without caring
// about Op/Err. Each carries no wrapped error of its own.
var (
	ErrInvalidRange = &Error{Kind: KindInvalidRange}
	ErrFramingError = &Error{Kind: KindFramingError}
	ErrUnknownPGN   = &Error{Kind: KindUnknownPGN}
	ErrCodecError   = &Error{Kind: KindCodecError}
	ErrFilteredOut  = &Error{Kind: KindFilteredOut}
	ErrTransportErr = &Error{Kind: KindTransportError}
)

// Bit-primitive sentinel errors: a field whose raw bits equal a reserved
// pattern is not a decode failure, it is a well-defined "no data"/"out of
// range"/"reserved" outcome. The catalog decoder leaves such a field out of
// the decoded message; no Field with a nil Value is produced for it.
var (
	ErrValueNoData     = fmt.Errorf("field value has no data")
	ErrValueOutOfRange = fmt.Errorf("field value out of range")
	ErrValueReserved   = fmt.Errorf("field value is reserved")
)
