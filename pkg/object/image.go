package object

// Image is the fully laid out output handed to a format emitter.
//
// For executables and shared objects every allocated section carries its
// final Addr and file Offset and the emitter must honour them. For
// relocatable output the emitter chooses file offsets itself; Addr is still
// the address the link resolved against.
type Image struct {
	Kind     OutputKind
	Arch     Arch
	Flags    uint32
	Entry    uint64
	Segments []ImageSegment
	Sections []ImageSection
	// Symbols use absolute addresses in Value and index Sections.
	Symbols []Symbol
}

type ImageSegment struct {
	Name     string
	Kind     SectionKind
	Addr     uint64
	Offset   uint64
	FileSize uint64
	MemSize  uint64
	Align    uint64
	// Sections indexes Image.Sections in address order.
	Sections []int
}

type ImageSection struct {
	Name    string
	Segment string
	Kind    SectionKind
	Addr    uint64
	Offset  uint64
	Size    uint64
	Align   uint64
	Data    []byte
	// EntSize and Strings mark a mergeable section, as in Section.
	EntSize uint64
	Strings bool
	// Relocs were left unresolved and are carried into the output
	// relocation table. Offsets are section relative and Symbol indexes
	// Image.Symbols.
	Relocs []Relocation
}

// End returns the first file offset past every file-backed section.
func (img *Image) End() uint64 {
	end := uint64(0)
	for i := range img.Sections {
		s := &img.Sections[i]
		if s.Kind == KindZeroFill {
			continue
		}
		if e := s.Offset + s.Size; e > end {
			end = e
		}
	}
	return end
}
