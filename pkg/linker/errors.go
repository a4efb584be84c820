package linker

import (
	"fmt"
	"strings"

	"github.com/ksco/weld/pkg/diag"
	"github.com/ksco/weld/pkg/object"
)

// ErrNoInput is returned when Link is given no input buffers at all, or
// when no object survives resolution.
var ErrNoInput error = diag.Errorf(diag.NoInput, "no input objects were given")

type MergeErrorKind uint8

const (
	DuplicateSymbol MergeErrorKind = iota + 1
	UnresolvedSymbol
)

func (k MergeErrorKind) String() string {
	switch k {
	case DuplicateSymbol:
		return "duplicate symbol"
	case UnresolvedSymbol:
		return "undefined symbol"
	}
	return fmt.Sprintf("MergeErrorKind(%d)", uint8(k))
}

/*
 * MergeError is a fatal symbol resolution failure.
 * @Symbol: the first offending name in canonical input order
 * @Files: for a duplicate, the two defining inputs; for an unresolved
 *         symbol, the first input referencing it
 * @Others: further unresolved names, in the order they were found
 */
type MergeError struct {
	Kind   MergeErrorKind
	Symbol string
	Files  []string
	Others []string
}

func (e *MergeError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Kind, e.Symbol)
	switch e.Kind {
	case DuplicateSymbol:
		if len(e.Files) == 2 {
			fmt.Fprintf(&b, "\n>>> defined in %s\n>>> defined in %s", e.Files[0], e.Files[1])
		}
	case UnresolvedSymbol:
		for _, f := range e.Files {
			fmt.Fprintf(&b, "\n>>> referenced by %s", f)
		}
		if len(e.Others) > 0 {
			fmt.Fprintf(&b, "\n>>> and %d more undefined symbols", len(e.Others))
		}
	}
	return b.String()
}

func (e *MergeError) ErrorCode() diag.Code { return diag.SymbolResolution }

// Is lets callers match on the kind alone, as in
// errors.Is(err, &MergeError{Kind: UnresolvedSymbol}).
func (e *MergeError) Is(target error) bool {
	t, ok := target.(*MergeError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Symbol == "" || t.Symbol == e.Symbol)
}

type OutputErrorKind uint8

const (
	RelocationOverflow OutputErrorKind = iota + 1
	RelocationMisaligned
	RelocationUnpaired
	UnsupportedRelocation
	SegmentOverlap
	LayoutOverflow
	EmitFailed
)

func (k OutputErrorKind) String() string {
	switch k {
	case RelocationOverflow:
		return "relocation overflow"
	case RelocationMisaligned:
		return "misaligned relocation"
	case RelocationUnpaired:
		return "unpaired relocation"
	case UnsupportedRelocation:
		return "unsupported relocation"
	case SegmentOverlap:
		return "segment overlap"
	case LayoutOverflow:
		return "layout overflow"
	case EmitFailed:
		return "emit failed"
	}
	return fmt.Sprintf("OutputErrorKind(%d)", uint8(k))
}

// OutputError is a fatal failure while laying out, relocating or writing the
// image. Relocation failures name the symbol and the site: the input that
// owns the patched section, the section and the offset inside it.
type OutputError struct {
	Kind    OutputErrorKind
	Symbol  string
	Input   string
	Section string
	Offset  uint64
	Reloc   object.RelocKind
	Value   int64
	Msg     string
	Err     error
}

func (e *OutputError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Section != "" {
		if e.Input != "" {
			fmt.Fprintf(&b, " in %s(%s+%#x)", e.Input, e.Section, e.Offset)
		} else {
			fmt.Fprintf(&b, " in %s", e.Section)
		}
	}
	if e.Reloc != object.RelocNone {
		fmt.Fprintf(&b, ": %s", e.Reloc)
	}
	if e.Symbol != "" {
		fmt.Fprintf(&b, " against %q", e.Symbol)
	}
	if e.Msg != "" {
		fmt.Fprintf(&b, ": %s", e.Msg)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *OutputError) Unwrap() error { return e.Err }

func (e *OutputError) ErrorCode() diag.Code { return diag.OutputFailure }

func (e *OutputError) Is(target error) bool {
	t, ok := target.(*OutputError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Symbol == "" || t.Symbol == e.Symbol)
}
