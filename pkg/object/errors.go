package object

import (
	"errors"
	"fmt"

	"github.com/ksco/weld/pkg/diag"
)

// Cause classifies why an input buffer was rejected.
type Cause uint8

const (
	CauseTruncated Cause = iota + 1
	CauseOutOfRange
	CauseBadStringIndex
	CauseInconsistent
	CauseUnsupportedFormat
	CauseUnsupportedFeature
	CauseIncompatible
)

func (c Cause) String() string {
	switch c {
	case CauseTruncated:
		return "truncated input"
	case CauseOutOfRange:
		return "offset out of range"
	case CauseBadStringIndex:
		return "bad string table index"
	case CauseInconsistent:
		return "inconsistent headers"
	case CauseUnsupportedFormat:
		return "unsupported format"
	case CauseUnsupportedFeature:
		return "unsupported feature"
	case CauseIncompatible:
		return "incompatible input"
	}
	return fmt.Sprintf("Cause(%d)", uint8(c))
}

// ParseError reports malformed, truncated or unsupported input. Offset is
// the byte offset inside the input buffer where the problem was found.
type ParseError struct {
	Input  string
	Offset int64
	Cause  Cause
	Msg    string
}

func (e *ParseError) Error() string {
	name := e.Input
	if name == "" {
		name = "<input>"
	}
	if e.Msg == "" {
		return fmt.Sprintf("%s: %s at offset %#x", name, e.Cause, e.Offset)
	}
	return fmt.Sprintf("%s: %s at offset %#x: %s", name, e.Cause, e.Offset, e.Msg)
}

func (e *ParseError) ErrorCode() diag.Code { return diag.MalformedObject }

// Is matches another *ParseError with the same cause, so callers can test
// errors.Is(err, object.ErrUnsupportedFormat).
func (e *ParseError) Is(target error) bool {
	t, ok := target.(*ParseError)
	if !ok {
		return false
	}
	return t.Cause == e.Cause && t.Input == "" && t.Msg == "" && t.Offset == 0
}

var ErrUnsupportedFormat = &ParseError{Cause: CauseUnsupportedFormat}

func Errorf(off int64, cause Cause, format string, args ...any) *ParseError {
	return &ParseError{Offset: off, Cause: cause, Msg: fmt.Sprintf(format, args...)}
}

// WithInput stamps the input name on a ParseError found anywhere in err's
// chain and returns err.
func WithInput(err error, name string) error {
	var pe *ParseError
	if errors.As(err, &pe) && pe.Input == "" {
		pe.Input = name
	}
	return err
}
