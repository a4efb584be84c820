package elf

import (
	"debug/elf"
	"encoding/binary"

	"github.com/ksco/weld/pkg/object"
	"github.com/ksco/weld/pkg/utils"
)

// InputFile is an ELF buffer whose headers have been checked against the
// buffer bounds. It never modifies Contents.
type InputFile struct {
	Contents       []byte
	Order          binary.ByteOrder
	Ehdr           Ehdr
	ElfSections    []Shdr
	ShStrtab       []byte
	ElfSyms        []Sym
	FirstGlobal    int
	SymbolStrtab   []byte
	SymtabShndxSec []uint32
}

func NewInputFile(contents []byte) (*InputFile, error) {
	f := &InputFile{Contents: contents}

	if len(contents) < EhdrSize {
		if !CheckMagic(contents) {
			return nil, object.Errorf(0, object.CauseUnsupportedFormat, "not an ELF file")
		}
		return nil, object.Errorf(int64(len(contents)), object.CauseTruncated, "file too small")
	}
	if !CheckMagic(contents) {
		return nil, object.Errorf(0, object.CauseUnsupportedFormat, "not an ELF file")
	}

	switch elf.Class(contents[elf.EI_CLASS]) {
	case elf.ELFCLASS64:
	case elf.ELFCLASS32:
		return nil, object.Errorf(elf.EI_CLASS, object.CauseUnsupportedFormat, "32-bit ELF is not supported")
	default:
		return nil, object.Errorf(elf.EI_CLASS, object.CauseInconsistent, "bad ELF class %d", contents[elf.EI_CLASS])
	}
	switch elf.Data(contents[elf.EI_DATA]) {
	case elf.ELFDATA2LSB:
		f.Order = binary.LittleEndian
	case elf.ELFDATA2MSB:
		return nil, object.Errorf(elf.EI_DATA, object.CauseUnsupportedFeature, "big-endian ELF is not supported")
	default:
		return nil, object.Errorf(elf.EI_DATA, object.CauseInconsistent, "bad ELF data encoding %d", contents[elf.EI_DATA])
	}
	if elf.Version(contents[elf.EI_VERSION]) != elf.EV_CURRENT {
		return nil, object.Errorf(elf.EI_VERSION, object.CauseInconsistent, "bad ELF version %d", contents[elf.EI_VERSION])
	}

	f.Ehdr = utils.ReadOrder[Ehdr](contents, f.Order)
	ehdr := &f.Ehdr
	if ehdr.EhSize != 0 && int(ehdr.EhSize) < EhdrSize {
		return nil, object.Errorf(52, object.CauseInconsistent, "bad e_ehsize %d", ehdr.EhSize)
	}
	if ehdr.ShOff == 0 {
		if ehdr.ShNum != 0 {
			return nil, object.Errorf(60, object.CauseInconsistent, "%d sections without a section header table", ehdr.ShNum)
		}
		return f, nil
	}
	if int(ehdr.ShEntSize) != ShdrSize {
		return nil, object.Errorf(58, object.CauseInconsistent, "bad e_shentsize %d", ehdr.ShEntSize)
	}

	size := uint64(len(contents))
	if ehdr.ShOff > size {
		return nil, object.Errorf(40, object.CauseOutOfRange, "section header table at %#x past end of file", ehdr.ShOff)
	}
	if size-ehdr.ShOff < uint64(ShdrSize) {
		return nil, object.Errorf(int64(ehdr.ShOff), object.CauseTruncated, "section header table truncated")
	}

	shdr := utils.ReadOrder[Shdr](contents[ehdr.ShOff:], f.Order)
	numSections := uint64(ehdr.ShNum)
	if numSections == 0 {
		numSections = shdr.Size
	}
	if numSections > (size-ehdr.ShOff)/uint64(ShdrSize) {
		return nil, object.Errorf(int64(ehdr.ShOff), object.CauseTruncated,
			"%d section headers do not fit in the file", numSections)
	}

	f.ElfSections = utils.ReadSlice[Shdr](
		contents[ehdr.ShOff:ehdr.ShOff+numSections*uint64(ShdrSize)], ShdrSize, f.Order)

	shstrndx := uint64(ehdr.ShStrndx)
	if ehdr.ShStrndx == uint16(elf.SHN_XINDEX) {
		shstrndx = uint64(shdr.Link)
	}
	if shstrndx == 0 {
		return f, nil
	}
	if shstrndx >= numSections {
		return nil, object.Errorf(62, object.CauseOutOfRange, "e_shstrndx %d out of range", shstrndx)
	}
	shstrtab, err := f.GetBytesFromIdx(int64(shstrndx))
	if err != nil {
		return nil, err
	}
	f.ShStrtab = shstrtab
	return f, nil
}

// shdrOffset is the file offset of section header idx, used in diagnostics.
func (f *InputFile) shdrOffset(idx int) int64 {
	return int64(f.Ehdr.ShOff) + int64(idx)*int64(ShdrSize)
}

func (f *InputFile) GetBytesFromShdr(s *Shdr) ([]byte, error) {
	if elf.SectionType(s.Type) == elf.SHT_NOBITS {
		return nil, nil
	}
	size := uint64(len(f.Contents))
	if s.Offset > size || s.Size > size-s.Offset {
		return nil, object.Errorf(int64(s.Offset), object.CauseOutOfRange,
			"section contents [%#x, +%#x) past end of file", s.Offset, s.Size)
	}
	return f.Contents[s.Offset : s.Offset+s.Size], nil
}

func (f *InputFile) GetBytesFromIdx(idx int64) ([]byte, error) {
	if idx < 0 || idx >= int64(len(f.ElfSections)) {
		return nil, object.Errorf(0, object.CauseOutOfRange, "section index %d out of range", idx)
	}
	return f.GetBytesFromShdr(&f.ElfSections[idx])
}

func (f *InputFile) FindSection(ty elf.SectionType) (int, *Shdr) {
	for i := range f.ElfSections {
		if shdr := &f.ElfSections[i]; elf.SectionType(shdr.Type) == ty {
			return i, shdr
		}
	}
	return -1, nil
}

func (f *InputFile) sectionName(idx int) (string, error) {
	shdr := &f.ElfSections[idx]
	if shdr.Name == 0 {
		return "", nil
	}
	name, ok := utils.CString(f.ShStrtab, shdr.Name)
	if !ok {
		return "", object.Errorf(f.shdrOffset(idx), object.CauseBadStringIndex,
			"section name index %d out of range", shdr.Name)
	}
	return name, nil
}

func (f *InputFile) fillUpElfSyms() error {
	idx, symtab := f.FindSection(elf.SHT_SYMTAB)
	if symtab == nil {
		return nil
	}
	if symtab.EntSize != 0 && symtab.EntSize != uint64(SymSize) {
		return object.Errorf(f.shdrOffset(idx), object.CauseInconsistent, "bad symtab entry size %d", symtab.EntSize)
	}
	bs, err := f.GetBytesFromShdr(symtab)
	if err != nil {
		return err
	}
	if len(bs)%SymSize != 0 {
		return object.Errorf(int64(symtab.Offset), object.CauseInconsistent,
			"symtab size %d is not a multiple of %d", len(bs), SymSize)
	}
	f.ElfSyms = utils.ReadSlice[Sym](bs, SymSize, f.Order)
	f.FirstGlobal = int(symtab.Info)
	if f.FirstGlobal > len(f.ElfSyms) {
		return object.Errorf(f.shdrOffset(idx), object.CauseInconsistent,
			"first global %d past %d symbols", f.FirstGlobal, len(f.ElfSyms))
	}
	if int(symtab.Link) >= len(f.ElfSections) {
		return object.Errorf(f.shdrOffset(idx), object.CauseOutOfRange, "symtab string table %d out of range", symtab.Link)
	}
	if f.SymbolStrtab, err = f.GetBytesFromIdx(int64(symtab.Link)); err != nil {
		return err
	}

	if _, shndx := f.FindSection(elf.SHT_SYMTAB_SHNDX); shndx != nil {
		bs, err := f.GetBytesFromShdr(shndx)
		if err != nil {
			return err
		}
		f.SymtabShndxSec = utils.ReadSlice[uint32](bs, 4, f.Order)
	}
	return nil
}

// symtabOffset is the file offset of symbol i, used in diagnostics.
func (f *InputFile) symtabOffset(i int) int64 {
	_, symtab := f.FindSection(elf.SHT_SYMTAB)
	return int64(symtab.Offset) + int64(i)*int64(SymSize)
}

func (f *InputFile) GetShndx(esym *Sym, idx int) (int64, error) {
	if esym.Shndx == uint16(elf.SHN_XINDEX) {
		if idx >= len(f.SymtabShndxSec) {
			return 0, object.Errorf(f.symtabOffset(idx), object.CauseInconsistent,
				"symbol %d uses SHN_XINDEX without an extended index", idx)
		}
		return int64(f.SymtabShndxSec[idx]), nil
	}
	return int64(esym.Shndx), nil
}

func fileType(t elf.Type) (object.FileType, bool) {
	switch t {
	case elf.ET_REL:
		return object.FileRelocatable, true
	case elf.ET_EXEC:
		return object.FileExecutable, true
	case elf.ET_DYN:
		return object.FileShared, true
	}
	return 0, false
}

func sectionKind(shdr *Shdr) object.SectionKind {
	flags := elf.SectionFlag(shdr.Flags)
	switch {
	case flags&elf.SHF_ALLOC == 0:
		return object.KindOther
	case elf.SectionType(shdr.Type) == elf.SHT_NOBITS:
		return object.KindZeroFill
	case flags&elf.SHF_EXECINSTR != 0:
		return object.KindCode
	case flags&elf.SHF_WRITE != 0:
		return object.KindData
	}
	return object.KindReadOnly
}

// Parse translates the checked headers into the object model. Symbols
// keep their ELF symbol table indexes, including the null symbol.
func (f *InputFile) Parse() (*object.InputObject, error) {
	arch := machine(elf.Machine(f.Ehdr.Machine))
	if arch == object.ArchNone {
		return nil, object.Errorf(18, object.CauseUnsupportedFormat,
			"unsupported machine %s", elf.Machine(f.Ehdr.Machine))
	}
	typ, ok := fileType(elf.Type(f.Ehdr.Type))
	if !ok {
		return nil, object.Errorf(16, object.CauseUnsupportedFormat, "unsupported file type %s", elf.Type(f.Ehdr.Type))
	}

	obj := &object.InputObject{
		Format: object.FormatELF,
		Arch:   arch,
		Type:   typ,
		Flags:  f.Ehdr.Flags,
		Entry:  f.Ehdr.Entry,
	}

	secMap, err := f.initializeSections(obj)
	if err != nil {
		return nil, err
	}
	if err := f.fillUpElfSyms(); err != nil {
		return nil, err
	}
	if err := f.initializeSymbols(obj, secMap); err != nil {
		return nil, err
	}
	if err := f.initializeRelocations(obj, secMap); err != nil {
		return nil, err
	}
	if err := obj.Validate(); err != nil {
		return nil, err
	}
	return obj, nil
}

func (f *InputFile) initializeSections(obj *object.InputObject) ([]int, error) {
	secMap := make([]int, len(f.ElfSections))
	for i := range f.ElfSections {
		secMap[i] = -1
		shdr := &f.ElfSections[i]
		switch elf.SectionType(shdr.Type) {
		case elf.SHT_NULL, elf.SHT_GROUP, elf.SHT_SYMTAB, elf.SHT_STRTAB,
			elf.SHT_REL, elf.SHT_RELA, elf.SHT_SYMTAB_SHNDX:
			continue
		}

		name, err := f.sectionName(i)
		if err != nil {
			return nil, err
		}
		flags := elf.SectionFlag(shdr.Flags)
		if flags&elf.SHF_COMPRESSED != 0 {
			return nil, object.Errorf(f.shdrOffset(i), object.CauseUnsupportedFeature,
				"section %q is compressed", name)
		}
		if flags&elf.SHF_TLS != 0 {
			return nil, object.Errorf(f.shdrOffset(i), object.CauseUnsupportedFeature,
				"section %q is thread local", name)
		}
		// Unwind tables are regenerated by nothing downstream.
		if name == ".eh_frame" {
			continue
		}
		if elf.SectionType(shdr.Type) == elf.SHT_NOBITS && flags&elf.SHF_ALLOC == 0 {
			continue
		}

		align := shdr.AddrAlign
		if align == 0 {
			align = 1
		}
		if !utils.IsPowerOfTwo(align) {
			return nil, object.Errorf(f.shdrOffset(i), object.CauseInconsistent,
				"section %q: alignment %d is not a power of two", name, align)
		}
		data, err := f.GetBytesFromShdr(shdr)
		if err != nil {
			return nil, err
		}

		sec := object.Section{
			Name:  name,
			Kind:  sectionKind(shdr),
			Align: align,
			Size:  shdr.Size,
			Addr:  shdr.Addr,
			Data:  data,
			Flags: shdr.Flags,
		}
		if flags&elf.SHF_MERGE != 0 && shdr.EntSize != 0 {
			sec.EntSize = shdr.EntSize
			sec.Strings = flags&elf.SHF_STRINGS != 0
		}
		secMap[i] = len(obj.Sections)
		obj.Sections = append(obj.Sections, sec)
	}
	return secMap, nil
}

func (f *InputFile) initializeSymbols(obj *object.InputObject, secMap []int) error {
	obj.Symbols = make([]object.Symbol, len(f.ElfSyms))
	for i := range f.ElfSyms {
		esym := &f.ElfSyms[i]
		sym := &obj.Symbols[i]

		name := ""
		if esym.Name != 0 {
			var ok bool
			if name, ok = utils.CString(f.SymbolStrtab, esym.Name); !ok {
				return object.Errorf(f.symtabOffset(i), object.CauseBadStringIndex,
					"symbol %d: name index %d out of range", i, esym.Name)
			}
		}
		sym.Name = name
		sym.Value = esym.Val
		sym.Size = esym.Size

		switch esym.Bind() {
		case elf.STB_LOCAL:
			sym.Binding = object.BindLocal
		case elf.STB_GLOBAL, elf.STB_LOOS: // STB_GNU_UNIQUE
			sym.Binding = object.BindGlobal
		case elf.STB_WEAK:
			sym.Binding = object.BindWeak
		default:
			return object.Errorf(f.symtabOffset(i), object.CauseUnsupportedFeature,
				"symbol %q: binding %s", name, esym.Bind())
		}
		if i >= f.FirstGlobal && sym.Binding == object.BindLocal {
			return object.Errorf(f.symtabOffset(i), object.CauseInconsistent,
				"local symbol %q after first global %d", name, f.FirstGlobal)
		}

		switch elf.ST_VISIBILITY(esym.Other) {
		case elf.STV_INTERNAL:
			sym.Visibility = object.VisInternal
		case elf.STV_HIDDEN:
			sym.Visibility = object.VisHidden
		case elf.STV_PROTECTED:
			sym.Visibility = object.VisProtected
		}

		switch esym.Type() {
		case elf.STT_NOTYPE:
			sym.Type = object.SymNone
		case elf.STT_OBJECT, elf.STT_COMMON:
			sym.Type = object.SymObject
		case elf.STT_FUNC:
			sym.Type = object.SymFunc
		case elf.STT_SECTION:
			sym.Type = object.SymSection
		case elf.STT_FILE:
			sym.Type = object.SymFile
		default:
			return object.Errorf(f.symtabOffset(i), object.CauseUnsupportedFeature,
				"symbol %q: type %s", name, esym.Type())
		}

		switch {
		case esym.IsUndef():
			sym.Section = object.SectionUndef
			continue
		case esym.IsAbs():
			sym.Section = object.SectionAbs
			continue
		case esym.IsCommon():
			if sym.Binding != object.BindGlobal {
				return object.Errorf(f.symtabOffset(i), object.CauseInconsistent,
					"common symbol %q is not global", name)
			}
			sym.Section = object.SectionUndef
			sym.Binding = object.BindCommon
			if sym.Value == 0 {
				sym.Value = 1
			}
			continue
		}

		shndx, err := f.GetShndx(esym, i)
		if err != nil {
			return err
		}
		if shndx >= int64(len(secMap)) {
			return object.Errorf(f.symtabOffset(i), object.CauseOutOfRange,
				"symbol %q: section index %d out of range", name, shndx)
		}
		idx := secMap[shndx]
		if idx < 0 {
			if sym.Binding != object.BindLocal {
				return object.Errorf(f.symtabOffset(i), object.CauseInconsistent,
					"global symbol %q defined in a discarded section", name)
			}
			sym.Section = object.SectionAbs
			sym.Value = 0
			continue
		}
		sym.Section = idx
		sec := &obj.Sections[idx]
		if obj.Type != object.FileRelocatable {
			sym.Value -= sec.Addr
		}
		if sym.Type == object.SymSection && sym.Name == "" {
			sym.Name = sec.Name
		}
	}
	return nil
}

func (f *InputFile) initializeRelocations(obj *object.InputObject, secMap []int) error {
	for i := range f.ElfSections {
		shdr := &f.ElfSections[i]
		typ := elf.SectionType(shdr.Type)
		if typ != elf.SHT_RELA && typ != elf.SHT_REL {
			continue
		}
		if int(shdr.Info) >= len(secMap) {
			return object.Errorf(f.shdrOffset(i), object.CauseOutOfRange,
				"relocation section targets section %d", shdr.Info)
		}
		target := secMap[shdr.Info]
		if target < 0 {
			continue
		}

		entSize := RelaSize
		if typ == elf.SHT_REL {
			entSize = RelSize
		}
		bs, err := f.GetBytesFromShdr(shdr)
		if err != nil {
			return err
		}
		if len(bs)%entSize != 0 {
			return object.Errorf(int64(shdr.Offset), object.CauseInconsistent,
				"relocation table size %d is not a multiple of %d", len(bs), entSize)
		}

		for j := 0; j < len(bs)/entSize; j++ {
			off := int64(shdr.Offset) + int64(j*entSize)
			var rela Rela
			if typ == elf.SHT_RELA {
				rela = utils.ReadOrder[Rela](bs[j*entSize:], f.Order)
			} else {
				rel := utils.ReadOrder[Rel](bs[j*entSize:], f.Order)
				rela = Rela{Offset: rel.Offset, Info: rel.Info}
			}
			r, keep, err := f.relocation(obj, target, &rela, typ == elf.SHT_REL, off)
			if err != nil {
				return err
			}
			if keep {
				obj.Relocations = append(obj.Relocations, r)
			}
		}
	}
	return nil
}

func (f *InputFile) relocation(obj *object.InputObject, target int, rela *Rela, implicit bool, off int64) (object.Relocation, bool, error) {
	native := rela.Type()
	kind, ok := relocKind(obj.Arch, native)
	if !ok {
		return object.Relocation{}, false, object.Errorf(off, object.CauseUnsupportedFeature,
			"unsupported relocation %s", relocName(obj.Arch, native))
	}
	if kind == object.RelocNone {
		return object.Relocation{}, false, nil
	}
	if int(rela.Sym()) >= len(obj.Symbols) {
		return object.Relocation{}, false, object.Errorf(off, object.CauseOutOfRange,
			"relocation symbol %d out of range", rela.Sym())
	}

	sec := &obj.Sections[target]
	offset := rela.Offset
	if obj.Type != object.FileRelocatable {
		offset -= sec.Addr
	}
	if offset > sec.Size || uint64(kind.Size()) > sec.Size-offset {
		return object.Relocation{}, false, object.Errorf(off, object.CauseOutOfRange,
			"relocation at %#x outside section %q", offset, sec.Name)
	}

	addend := rela.Addend
	if implicit {
		if sec.Kind == object.KindZeroFill {
			return object.Relocation{}, false, object.Errorf(off, object.CauseInconsistent,
				"implicit addend in zero-fill section %q", sec.Name)
		}
		loc := sec.Data[offset:]
		switch kind {
		case object.RelocAbs64:
			addend = int64(f.Order.Uint64(loc))
		case object.RelocAbs32:
			addend = int64(f.Order.Uint32(loc))
		case object.RelocAbs32S, object.RelocPCRel32:
			addend = int64(int32(f.Order.Uint32(loc)))
		default:
			return object.Relocation{}, false, object.Errorf(off, object.CauseUnsupportedFeature,
				"implicit addend for %s", kind)
		}
	}

	return object.Relocation{
		Section: target,
		Offset:  offset,
		Kind:    kind,
		Symbol:  int(rela.Sym()),
		Addend:  addend,
	}, true, nil
}
