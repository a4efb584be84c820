package object

import (
	"io"
	"sync"
)

// LayoutParams are the container constraints the layout engine honours.
type LayoutParams struct {
	ImageBase uint64
	PageSize  uint64
}

// Format is the capability set every container format provides.
type Format interface {
	Kind() FormatKind
	// Detect inspects the magic prefix only.
	Detect(data []byte) bool
	Parse(data []byte) (*InputObject, error)
	Params(kind OutputKind) LayoutParams
	// HeaderSize is the number of file bytes the emitter reserves in front
	// of the first segment.
	HeaderSize(kind OutputKind, segments, sections int) uint64
	Emit(w io.Writer, img *Image) error
}

var registry = struct {
	sync.RWMutex
	formats []Format
}{}

// Register makes a format available to Detect and Lookup. Format packages
// call it from init.
func Register(f Format) {
	registry.Lock()
	defer registry.Unlock()
	for i, g := range registry.formats {
		if g.Kind() == f.Kind() {
			registry.formats[i] = f
			return
		}
	}
	registry.formats = append(registry.formats, f)
}

func Lookup(kind FormatKind) (Format, bool) {
	registry.RLock()
	defer registry.RUnlock()
	for _, f := range registry.formats {
		if f.Kind() == kind {
			return f, true
		}
	}
	return nil, false
}

// Detect picks the registered format whose magic matches data.
func Detect(data []byte) (Format, error) {
	registry.RLock()
	defer registry.RUnlock()
	for _, f := range registry.formats {
		if f.Detect(data) {
			return f, nil
		}
	}
	return nil, Errorf(0, CauseUnsupportedFormat, "unrecognized magic number")
}

// Parse parses data as the declared format. FormatUnknown means detect.
func Parse(data []byte, declared FormatKind) (*InputObject, error) {
	var f Format
	if declared == FormatUnknown {
		var err error
		if f, err = Detect(data); err != nil {
			return nil, err
		}
	} else {
		var ok bool
		if f, ok = Lookup(declared); !ok {
			return nil, Errorf(0, CauseUnsupportedFormat, "no parser registered for %s", declared)
		}
		if !f.Detect(data) {
			return nil, Errorf(0, CauseUnsupportedFormat, "input is not %s", declared)
		}
	}
	return f.Parse(data)
}
