package elf

import (
	"debug/elf"
	"fmt"

	"github.com/ksco/weld/pkg/object"
	"github.com/ksco/weld/pkg/utils"
)

type stringTable struct {
	buf []byte
	idx map[string]uint32
}

func newStringTable() *stringTable {
	return &stringTable{buf: []byte{0}, idx: map[string]uint32{"": 0}}
}

func (t *stringTable) Add(s string) uint32 {
	if i, ok := t.idx[s]; ok {
		return i
	}
	i := uint32(len(t.buf))
	t.buf = append(t.buf, s...)
	t.buf = append(t.buf, 0)
	t.idx[s] = i
	return i
}

// Writer serializes an object.Image as a little endian ELF64 file.
//
// Executables and shared objects keep the file offsets chosen by the
// layout; relocatable output is packed after the ELF header. Symbol and
// string tables, forwarded relocations and the section header table follow
// the last section.
type Writer struct {
	img *object.Image
	buf []byte

	shstrtab *stringTable
	strtab   *stringTable

	shdrs    []Shdr
	phdrs    []Phdr
	secIdx   []int
	relaIdx  []int
	relas    [][]Rela
	syms     []Sym
	symIdx   []uint32
	xindex   []uint32
	symtab   int
	symShndx int
	strIdx   int
	shstrIdx int
	shoff    uint64
}

func NewWriter(img *object.Image) *Writer {
	return &Writer{
		img:      img,
		shstrtab: newStringTable(),
		strtab:   newStringTable(),
		symShndx: -1,
	}
}

func (w *Writer) relocatable() bool {
	return w.img.Kind == object.OutputRelocatable
}

func (w *Writer) Build() ([]byte, error) {
	if machineOf(w.img.Arch) == elf.EM_NONE {
		return nil, fmt.Errorf("elf: cannot emit for architecture %s", w.img.Arch)
	}
	w.initSections()
	if err := w.initSymbols(); err != nil {
		return nil, err
	}
	if err := w.initRelocations(); err != nil {
		return nil, err
	}
	w.initTables()
	if err := w.setOffsets(); err != nil {
		return nil, err
	}
	w.initProgramHeaders()
	w.write()
	return w.buf, nil
}

func sectionFlags(kind object.SectionKind) elf.SectionFlag {
	switch kind {
	case object.KindCode:
		return elf.SHF_ALLOC | elf.SHF_EXECINSTR
	case object.KindReadOnly:
		return elf.SHF_ALLOC
	case object.KindData, object.KindZeroFill:
		return elf.SHF_ALLOC | elf.SHF_WRITE
	}
	return 0
}

func (w *Writer) initSections() {
	w.shdrs = []Shdr{{}}
	w.secIdx = make([]int, len(w.img.Sections))
	for i := range w.img.Sections {
		s := &w.img.Sections[i]
		typ := elf.SHT_PROGBITS
		if s.Kind == object.KindZeroFill {
			typ = elf.SHT_NOBITS
		}
		flags := sectionFlags(s.Kind)
		if s.EntSize != 0 {
			flags |= elf.SHF_MERGE
			if s.Strings {
				flags |= elf.SHF_STRINGS
			}
		}
		shdr := Shdr{
			Name:      w.shstrtab.Add(s.Name),
			Type:      uint32(typ),
			Flags:     uint64(flags),
			Size:      s.Size,
			AddrAlign: s.Align,
			EntSize:   s.EntSize,
		}
		if !w.relocatable() && s.Kind.Allocated() {
			shdr.Addr = s.Addr
		}
		w.secIdx[i] = len(w.shdrs)
		w.shdrs = append(w.shdrs, shdr)
	}
}

func symBind(b object.Binding) elf.SymBind {
	switch b {
	case object.BindLocal:
		return elf.STB_LOCAL
	case object.BindWeak:
		return elf.STB_WEAK
	}
	return elf.STB_GLOBAL
}

func symType(t object.SymbolType) elf.SymType {
	switch t {
	case object.SymObject:
		return elf.STT_OBJECT
	case object.SymFunc:
		return elf.STT_FUNC
	case object.SymSection:
		return elf.STT_SECTION
	case object.SymFile:
		return elf.STT_FILE
	}
	return elf.STT_NOTYPE
}

func symVis(v object.Visibility) elf.SymVis {
	switch v {
	case object.VisInternal:
		return elf.STV_INTERNAL
	case object.VisHidden:
		return elf.STV_HIDDEN
	case object.VisProtected:
		return elf.STV_PROTECTED
	}
	return elf.STV_DEFAULT
}

// initSymbols orders the symbol table locals first, as sh_info requires.
func (w *Writer) initSymbols() error {
	img := w.img
	w.syms = []Sym{{}}
	w.xindex = []uint32{0}
	w.symIdx = make([]uint32, len(img.Symbols))

	add := func(i int) error {
		s := &img.Symbols[i]
		if s.Type == object.SymDebug {
			return nil
		}
		esym := Sym{
			Info:  elf.ST_INFO(symBind(s.Binding), symType(s.Type)),
			Other: uint8(symVis(s.Visibility)),
			Val:   s.Value,
			Size:  s.Size,
		}
		if s.Type != object.SymSection {
			esym.Name = w.strtab.Add(s.Name)
		}

		xidx := uint32(0)
		switch {
		case s.IsCommon():
			esym.Shndx = uint16(elf.SHN_COMMON)
		case s.IsAbs():
			esym.Shndx = uint16(elf.SHN_ABS)
		case s.Section == object.SectionUndef:
			esym.Shndx = uint16(elf.SHN_UNDEF)
			esym.Val = 0
		default:
			if s.Section < 0 || s.Section >= len(img.Sections) {
				return fmt.Errorf("elf: symbol %q: section index %d out of range", s.Name, s.Section)
			}
			shndx := w.secIdx[s.Section]
			if shndx >= int(elf.SHN_LORESERVE) {
				esym.Shndx = uint16(elf.SHN_XINDEX)
				xidx = uint32(shndx)
				w.symShndx = 0
			} else {
				esym.Shndx = uint16(shndx)
			}
			if w.relocatable() {
				esym.Val -= img.Sections[s.Section].Addr
			}
		}

		w.symIdx[i] = uint32(len(w.syms))
		w.syms = append(w.syms, esym)
		w.xindex = append(w.xindex, xidx)
		return nil
	}

	for i := range img.Symbols {
		if img.Symbols[i].IsLocal() {
			if err := add(i); err != nil {
				return err
			}
		}
	}
	firstGlobal := len(w.syms)
	for i := range img.Symbols {
		if !img.Symbols[i].IsLocal() {
			if err := add(i); err != nil {
				return err
			}
		}
	}

	w.symtab = len(w.shdrs) + w.numRelaSections()
	w.shdrs = append(w.shdrs, Shdr{
		Name:      w.shstrtab.Add(".symtab"),
		Type:      uint32(elf.SHT_SYMTAB),
		Info:      uint32(firstGlobal),
		AddrAlign: 8,
		EntSize:   uint64(SymSize),
		Size:      uint64(len(w.syms) * SymSize),
	})
	return nil
}

func (w *Writer) numRelaSections() int {
	n := 0
	for i := range w.img.Sections {
		if len(w.img.Sections[i].Relocs) > 0 {
			n++
		}
	}
	return n
}

// initRelocations inserts one .rela<name> section per section with
// forwarded relocations, ahead of the symbol table.
func (w *Writer) initRelocations() error {
	img := w.img
	symtab := w.shdrs[len(w.shdrs)-1]
	w.shdrs = w.shdrs[:len(w.shdrs)-1]

	w.relaIdx = make([]int, len(img.Sections))
	w.relas = make([][]Rela, len(img.Sections))
	for i := range img.Sections {
		s := &img.Sections[i]
		w.relaIdx[i] = -1
		if len(s.Relocs) == 0 {
			continue
		}
		relas := make([]Rela, 0, len(s.Relocs))
		for _, r := range s.Relocs {
			typ, ok := nativeReloc(img.Arch, r.Kind)
			if !ok {
				return fmt.Errorf("elf: section %q: %s has no %s encoding", s.Name, r.Kind, img.Arch)
			}
			if r.Symbol < 0 || r.Symbol >= len(w.symIdx) {
				return fmt.Errorf("elf: section %q: relocation symbol %d out of range", s.Name, r.Symbol)
			}
			off := r.Offset
			if !w.relocatable() {
				off += s.Addr
			}
			relas = append(relas, Rela{
				Offset: off,
				Info:   elf.R_INFO(w.symIdx[r.Symbol], typ),
				Addend: r.Addend,
			})
		}
		w.relas[i] = relas
		w.relaIdx[i] = len(w.shdrs)
		w.shdrs = append(w.shdrs, Shdr{
			Name:      w.shstrtab.Add(".rela" + s.Name),
			Type:      uint32(elf.SHT_RELA),
			Flags:     uint64(elf.SHF_INFO_LINK),
			Link:      uint32(w.symtab),
			Info:      uint32(w.secIdx[i]),
			AddrAlign: 8,
			EntSize:   uint64(RelaSize),
			Size:      uint64(len(relas) * RelaSize),
		})
	}

	w.shdrs = append(w.shdrs, symtab)
	return nil
}

func (w *Writer) initTables() {
	if w.symShndx == 0 {
		w.symShndx = len(w.shdrs)
		w.shdrs = append(w.shdrs, Shdr{
			Name:      w.shstrtab.Add(".symtab_shndx"),
			Type:      uint32(elf.SHT_SYMTAB_SHNDX),
			Link:      uint32(w.symtab),
			AddrAlign: 4,
			EntSize:   4,
			Size:      uint64(len(w.xindex) * 4),
		})
	}

	w.strIdx = len(w.shdrs)
	w.shdrs[w.symtab].Link = uint32(w.strIdx)
	w.shdrs = append(w.shdrs, Shdr{
		Name:      w.shstrtab.Add(".strtab"),
		Type:      uint32(elf.SHT_STRTAB),
		AddrAlign: 1,
		Size:      uint64(len(w.strtab.buf)),
	})

	w.shstrIdx = len(w.shdrs)
	name := w.shstrtab.Add(".shstrtab")
	w.shdrs = append(w.shdrs, Shdr{
		Name:      name,
		Type:      uint32(elf.SHT_STRTAB),
		AddrAlign: 1,
		Size:      uint64(len(w.shstrtab.buf)),
	})
}

func (w *Writer) numSegments() int {
	if w.relocatable() {
		return 0
	}
	return len(w.img.Segments)
}

func (w *Writer) setOffsets() error {
	img := w.img
	off := uint64(EhdrSize + w.numSegments()*PhdrSize)
	for i := range img.Sections {
		s := &img.Sections[i]
		shdr := &w.shdrs[w.secIdx[i]]
		if w.relocatable() {
			off = utils.AlignTo(off, s.Align)
			shdr.Offset = off
			if s.Kind != object.KindZeroFill {
				off += s.Size
			}
			continue
		}
		if s.Kind != object.KindZeroFill && s.Offset < uint64(EhdrSize+w.numSegments()*PhdrSize) {
			return fmt.Errorf("elf: section %q at offset %#x overlaps the headers", s.Name, s.Offset)
		}
		shdr.Offset = s.Offset
		if s.Kind != object.KindZeroFill && s.Offset+s.Size > off {
			off = s.Offset + s.Size
		}
	}

	for i := len(img.Sections) + 1; i < len(w.shdrs); i++ {
		shdr := &w.shdrs[i]
		off = utils.AlignTo(off, shdr.AddrAlign)
		shdr.Offset = off
		off += shdr.Size
	}
	w.shoff = utils.AlignTo(off, 8)
	w.buf = make([]byte, w.shoff+uint64(len(w.shdrs)*ShdrSize))
	return nil
}

func progFlags(kind object.SectionKind) elf.ProgFlag {
	switch kind {
	case object.KindCode:
		return elf.PF_R | elf.PF_X
	case object.KindReadOnly:
		return elf.PF_R
	}
	return elf.PF_R | elf.PF_W
}

func (w *Writer) initProgramHeaders() {
	if w.relocatable() {
		return
	}
	for _, seg := range w.img.Segments {
		w.phdrs = append(w.phdrs, Phdr{
			Type:     uint32(elf.PT_LOAD),
			Flags:    uint32(progFlags(seg.Kind)),
			Offset:   seg.Offset,
			VAddr:    seg.Addr,
			PAddr:    seg.Addr,
			FileSize: seg.FileSize,
			MemSize:  seg.MemSize,
			Align:    seg.Align,
		})
	}
}

func (w *Writer) fileType() elf.Type {
	switch w.img.Kind {
	case object.OutputRelocatable:
		return elf.ET_REL
	case object.OutputShared:
		return elf.ET_DYN
	}
	return elf.ET_EXEC
}

func (w *Writer) write() {
	img := w.img
	buf := w.buf

	shnum := len(w.shdrs)
	if shnum >= int(elf.SHN_LORESERVE) {
		w.shdrs[0].Size = uint64(shnum)
		shnum = 0
	}
	shstrndx := w.shstrIdx
	if shstrndx >= int(elf.SHN_LORESERVE) {
		w.shdrs[0].Link = uint32(shstrndx)
		shstrndx = int(elf.SHN_XINDEX)
	}

	ehdr := Ehdr{
		Type:      uint16(w.fileType()),
		Machine:   uint16(machineOf(img.Arch)),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     img.Entry,
		ShOff:     w.shoff,
		Flags:     img.Flags,
		EhSize:    uint16(EhdrSize),
		ShEntSize: uint16(ShdrSize),
		ShNum:     uint16(shnum),
		ShStrndx:  uint16(shstrndx),
	}
	WriteMagic(ehdr.Ident[:])
	ehdr.Ident[elf.EI_CLASS] = uint8(elf.ELFCLASS64)
	ehdr.Ident[elf.EI_DATA] = uint8(elf.ELFDATA2LSB)
	ehdr.Ident[elf.EI_VERSION] = uint8(elf.EV_CURRENT)
	if len(w.phdrs) > 0 {
		ehdr.PhOff = uint64(EhdrSize)
		ehdr.PhEntSize = uint16(PhdrSize)
		ehdr.PhNum = uint16(len(w.phdrs))
	}
	utils.Write[Ehdr](buf, ehdr)

	for i, phdr := range w.phdrs {
		utils.Write[Phdr](buf[EhdrSize+i*PhdrSize:], phdr)
	}

	for i := range img.Sections {
		s := &img.Sections[i]
		if s.Kind == object.KindZeroFill {
			continue
		}
		copy(buf[w.shdrs[w.secIdx[i]].Offset:], s.Data)
	}

	for i, relas := range w.relas {
		if len(relas) == 0 {
			continue
		}
		off := w.shdrs[w.relaIdx[i]].Offset
		for j, r := range relas {
			utils.Write[Rela](buf[off+uint64(j*RelaSize):], r)
		}
	}

	off := w.shdrs[w.symtab].Offset
	for i, sym := range w.syms {
		utils.Write[Sym](buf[off+uint64(i*SymSize):], sym)
	}
	if w.symShndx > 0 {
		off := w.shdrs[w.symShndx].Offset
		for i, x := range w.xindex {
			utils.Write[uint32](buf[off+uint64(i*4):], x)
		}
	}
	copy(buf[w.shdrs[w.strIdx].Offset:], w.strtab.buf)
	copy(buf[w.shdrs[w.shstrIdx].Offset:], w.shstrtab.buf)

	for i, shdr := range w.shdrs {
		utils.Write[Shdr](buf[w.shoff+uint64(i*ShdrSize):], shdr)
	}
}
