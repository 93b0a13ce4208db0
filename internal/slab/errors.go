package slab

import "fmt"

// DecodeErrorKind classifies why a slab buffer could not be decoded.
type DecodeErrorKind int

const (
	InvalidMagic DecodeErrorKind = iota + 1
	InvalidVersion
	InvalidSlabLen
	IndexOutOfRange
	InvalidAccountKind
)

func (k DecodeErrorKind) String() string {
	switch k {
	case InvalidMagic:
		return "InvalidMagic"
	case InvalidVersion:
		return "InvalidVersion"
	case InvalidSlabLen:
		return "InvalidSlabLen"
	case IndexOutOfRange:
		return "IndexOutOfRange"
	case InvalidAccountKind:
		return "InvalidAccountKind"
	default:
		return "Unknown"
	}
}

// DecodeError is returned by every parse function. A failed call never
// yields a partially decoded value.
type DecodeError struct {
	Kind   DecodeErrorKind
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return "slab: " + e.Kind.String()
	}
	return fmt.Sprintf("slab: %s: %s", e.Kind, e.Detail)
}

// Is matches any DecodeError of the same kind, so callers can write
// errors.Is(err, slab.ErrInvalidSlabLen).
func (e *DecodeError) Is(target error) bool {
	t, ok := target.(*DecodeError)
	return ok && t.Kind == e.Kind
}

var (
	ErrInvalidMagic       = &DecodeError{Kind: InvalidMagic}
	ErrInvalidVersion     = &DecodeError{Kind: InvalidVersion}
	ErrInvalidSlabLen     = &DecodeError{Kind: InvalidSlabLen}
	ErrIndexOutOfRange    = &DecodeError{Kind: IndexOutOfRange}
	ErrInvalidAccountKind = &DecodeError{Kind: InvalidAccountKind}
)

func decodeErr(kind DecodeErrorKind, format string, args ...any) error {
	return &DecodeError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}
