package linker

import "github.com/ksco/weld/pkg/object"

const (
	NeedsGot uint32 = 1 << 0
)

/*
 * Symbol is the linker side view of a symbol. Locals live in their
 * ObjectFile, globals are interned once per name in the SymbolTable and
 * shared by every object that mentions them.
 * @File: the defining object, nil while undefined
 * @SymIdx: index of the definition in File's symbol list
 * @Binding: binding of the winning definition
 * @InputSection: defining section, nil for absolute and undefined symbols
 *                and for symbols moved onto a SectionFragment
 * @SectionFragment: the merged entry the symbol points into, if any
 * @Value: offset inside InputSection or SectionFragment, or the absolute
 *         value
 * @Align: alignment of a common definition
 * @Referenced: some merged object references the name without BindWeak
 * @WeakRef: some merged object references the name weakly
 * @RefFile: first object with a strong reference, for diagnostics
 * @GotIdx: slot in the GOT, -1 when none was reserved
 */
type Symbol struct {
	File       *ObjectFile
	Name       string
	Value      uint64
	SymIdx     int
	Binding    object.Binding
	Type       object.SymbolType
	Visibility object.Visibility
	Size       uint64
	Align      uint64

	InputSection    *InputSection
	SectionFragment *SectionFragment

	Referenced bool
	WeakRef    bool
	RefFile    *ObjectFile

	GotIdx int32
	Flags  uint32
}

func NewSymbol(name string) *Symbol {
	return &Symbol{
		Name:   name,
		SymIdx: -1,
		GotIdx: -1,
	}
}

func (s *Symbol) SetInputSection(isec *InputSection) {
	s.InputSection = isec
	s.SectionFragment = nil
}

func (s *Symbol) SetSectionFragment(frag *SectionFragment) {
	s.InputSection = nil
	s.SectionFragment = frag
}

// IsDefined reports whether a definition, absolute or common included, was
// merged.
func (s *Symbol) IsDefined() bool {
	return s.File != nil
}

// ObjSym returns the record of the winning definition.
func (s *Symbol) ObjSym() *object.Symbol {
	return &s.File.Obj.Symbols[s.SymIdx]
}

// GetAddr returns the final address. Undefined weak symbols are zero.
func (s *Symbol) GetAddr() uint64 {
	if s.SectionFragment != nil {
		return s.SectionFragment.GetAddr() + s.Value
	}
	if s.InputSection != nil {
		return s.InputSection.GetAddr() + s.Value
	}
	return s.Value
}

func (s *Symbol) GetGotAddr(ctx *Context) uint64 {
	return ctx.Got.Addr + uint64(s.GotIdx)*8
}
