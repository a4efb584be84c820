package macho

import (
	"debug/macho"
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/ksco/weld/pkg/object"
	"github.com/ksco/weld/pkg/utils"
)

type segment struct {
	cmd      SegmentCommand64
	sections []int
}

// embed is an implicit addend stored at a relocation site.
type embed struct {
	section int
	offset  uint64
	length  uint32
	value   int64
}

// Writer serializes an object.Image as a little endian Mach-O file:
// MH_EXECUTE with __PAGEZERO and LC_MAIN, MH_DYLIB for shared output, or a
// single-segment MH_OBJECT for relocatable output.
type Writer struct {
	img *object.Image
	buf []byte

	segs     []*segment
	pagezero *SegmentCommand64
	linkedit *SegmentCommand64
	ordinal  []int
	hdrs     []Section64
	nlists   []Nlist64
	strtab   []byte
	symIdx   []int
	relocs   [][]RelocationInfo
	embeds   []embed
	symtab   SymtabCommand
	entry    *EntryPointCommand
	cmdsSize int
	ncmds    int
}

func NewWriter(img *object.Image) *Writer {
	return &Writer{img: img}
}

func (w *Writer) relocatable() bool {
	return w.img.Kind == object.OutputRelocatable
}

func (w *Writer) Build() ([]byte, error) {
	if c, _ := cpuOf(w.img.Arch); c == 0 {
		return nil, fmt.Errorf("macho: cannot emit for architecture %s", w.img.Arch)
	}
	if err := w.initSegments(); err != nil {
		return nil, err
	}
	if err := w.initSymbols(); err != nil {
		return nil, err
	}
	if err := w.initRelocations(); err != nil {
		return nil, err
	}
	if err := w.setOffsets(); err != nil {
		return nil, err
	}
	w.write()
	return w.buf, nil
}

func protection(kind object.SectionKind) uint32 {
	switch kind {
	case object.KindCode:
		return VM_PROT_READ | VM_PROT_EXECUTE
	case object.KindReadOnly:
		return VM_PROT_READ
	case object.KindOther:
		return 0
	}
	return VM_PROT_READ | VM_PROT_WRITE
}

func sectionFlags(s *object.ImageSection) uint32 {
	if s.Kind == object.KindReadOnly || s.Kind == object.KindData {
		switch {
		case s.Strings && s.EntSize == 1:
			return S_CSTRING_LITERALS
		case !s.Strings && s.EntSize == 4:
			return S_4BYTE_LITERALS
		case !s.Strings && s.EntSize == 8:
			return S_8BYTE_LITERALS
		case !s.Strings && s.EntSize == 16:
			return S_16BYTE_LITERALS
		}
	}
	switch s.Kind {
	case object.KindCode:
		return S_REGULAR | S_ATTR_PURE_INSTRUCTIONS | S_ATTR_SOME_INSTRUCTIONS
	case object.KindZeroFill:
		return S_ZEROFILL
	case object.KindOther:
		return S_REGULAR | S_ATTR_DEBUG
	}
	return S_REGULAR
}

func (w *Writer) addSegment(name string, prot uint32, sections []int) *segment {
	seg := &segment{
		cmd: SegmentCommand64{
			Cmd:      LC_SEGMENT_64,
			CmdSize:  uint32(SegmentCmdSize + len(sections)*SectionSize),
			SegName:  fixedName(name),
			MaxProt:  prot,
			InitProt: prot,
			NSects:   uint32(len(sections)),
		},
		sections: sections,
	}
	w.segs = append(w.segs, seg)
	return seg
}

// initSegments numbers sections in load command order, which is the
// order n_sect ordinals refer to.
func (w *Writer) initSegments() error {
	img := w.img
	if w.relocatable() {
		all := make([]int, len(img.Sections))
		for i := range all {
			all[i] = i
		}
		w.addSegment("", VM_PROT_READ|VM_PROT_WRITE|VM_PROT_EXECUTE, all)
	} else {
		placed := make([]bool, len(img.Sections))
		for _, s := range img.Segments {
			seg := w.addSegment(segName(s.Kind), protection(s.Kind), s.Sections)
			seg.cmd.VMAddr = s.Addr
			seg.cmd.VMSize = s.MemSize
			seg.cmd.FileOff = s.Offset
			seg.cmd.FileSize = s.FileSize
			for _, i := range s.Sections {
				placed[i] = true
			}
		}
		var rest []int
		for i := range img.Sections {
			if !placed[i] {
				if img.Sections[i].Kind.Allocated() {
					return fmt.Errorf("macho: section %q is outside every segment", img.Sections[i].Name)
				}
				rest = append(rest, i)
			}
		}
		if len(rest) > 0 {
			w.addSegment("__DWARF", 0, rest)
		}
	}

	w.ordinal = make([]int, len(img.Sections))
	w.hdrs = make([]Section64, len(img.Sections))
	n := 0
	for _, seg := range w.segs {
		segname := cstring(seg.cmd.SegName[:])
		for _, i := range seg.sections {
			n++
			if n > 255 {
				return fmt.Errorf("macho: more than 255 sections")
			}
			s := &img.Sections[i]
			if w.relocatable() {
				segname = segName(s.Kind)
			}
			w.ordinal[i] = n
			w.hdrs[i] = Section64{
				SectName: fixedName(sectName(s.Name)),
				SegName:  fixedName(segname),
				Size:     s.Size,
				Align:    uint32(bits.TrailingZeros64(s.Align)),
				Flags:    sectionFlags(s),
			}
			if s.Kind.Allocated() {
				w.hdrs[i].Addr = s.Addr
			}
		}
	}
	return nil
}

func (w *Writer) addString(s string) uint32 {
	if s == "" {
		return 0
	}
	i := uint32(len(w.strtab))
	w.strtab = append(w.strtab, s...)
	w.strtab = append(w.strtab, 0)
	return i
}

// initSymbols writes locals, then defined externals, then undefined
// externals. Section symbols have no nlist entry; relocations against
// them become non-extern.
func (w *Writer) initSymbols() error {
	img := w.img
	w.strtab = []byte{' ', 0}
	w.symIdx = make([]int, len(img.Symbols))
	for i := range w.symIdx {
		w.symIdx[i] = -1
	}

	class := func(s *object.Symbol) int {
		switch {
		case s.Type == object.SymSection || s.Type == object.SymDebug:
			return -1
		case s.IsLocal():
			if s.Section == object.SectionUndef {
				return -1
			}
			return 0
		case s.IsUndef() || s.IsCommon():
			return 2
		}
		return 1
	}

	for pass := 0; pass < 3; pass++ {
		for i := range img.Symbols {
			s := &img.Symbols[i]
			if class(s) != pass {
				continue
			}
			nl := Nlist64{Strx: w.addString(s.Name), Value: s.Value}
			switch {
			case s.IsCommon():
				nl.Type = N_UNDF
				nl.Value = s.Size
				nl.Desc = uint16(bits.TrailingZeros64(s.Value)) << 8
			case s.IsUndef():
				nl.Type = N_UNDF
				nl.Value = 0
				if s.Binding == object.BindWeak {
					nl.Desc |= N_WEAK_REF
				}
			case s.IsAbs():
				nl.Type = N_ABS
			default:
				if s.Section < 0 || s.Section >= len(img.Sections) {
					return fmt.Errorf("macho: symbol %q: section index %d out of range", s.Name, s.Section)
				}
				nl.Type = N_SECT
				nl.Sect = uint8(w.ordinal[s.Section])
				if s.Binding == object.BindWeak {
					nl.Desc |= N_WEAK_DEF
				}
			}
			if !s.IsLocal() {
				nl.Type |= N_EXT
				if s.Visibility == object.VisHidden || s.Visibility == object.VisInternal {
					nl.Type |= N_PEXT
				}
			}
			w.symIdx[i] = len(w.nlists)
			w.nlists = append(w.nlists, nl)
		}
	}
	return nil
}

func (w *Writer) initRelocations() error {
	img := w.img
	w.relocs = make([][]RelocationInfo, len(img.Sections))
	for i := range img.Sections {
		s := &img.Sections[i]
		for _, r := range s.Relocs {
			if r.Symbol < 0 || r.Symbol >= len(img.Symbols) {
				return fmt.Errorf("macho: section %q: relocation symbol %d out of range", s.Name, r.Symbol)
			}
			sym := &img.Symbols[r.Symbol]
			extern := sym.Type != object.SymSection
			var symbolnum uint32
			var targetAddr uint64
			if extern {
				if w.symIdx[r.Symbol] < 0 {
					return fmt.Errorf("macho: section %q: relocation against dropped symbol %q", s.Name, sym.Name)
				}
				symbolnum = uint32(w.symIdx[r.Symbol])
			} else {
				symbolnum = uint32(w.ordinal[sym.Section])
				targetAddr = img.Sections[sym.Section].Addr
			}

			n, err := encodeReloc(img.Arch, &r, extern, s.Addr+r.Offset, targetAddr)
			if err != nil {
				return err
			}
			if n.Addend != 0 {
				w.relocs[i] = append(w.relocs[i], packReloc(int32(r.Offset),
					uint32(n.Addend)&0xffffff, false, 2, false, uint32(macho.ARM64_RELOC_ADDEND)))
			}
			w.relocs[i] = append(w.relocs[i], packReloc(int32(r.Offset), symbolnum, n.PCRel, n.Length, extern, n.Type))
			if n.Store {
				w.embeds = append(w.embeds, embed{section: i, offset: r.Offset, length: n.Length, value: n.Embed})
			}
		}
	}
	return nil
}

func (w *Writer) setOffsets() error {
	img := w.img

	w.ncmds = len(w.segs) + 1
	w.cmdsSize = SymtabCmdSize
	for _, seg := range w.segs {
		w.cmdsSize += int(seg.cmd.CmdSize)
	}
	if !w.relocatable() {
		w.ncmds++
		w.cmdsSize += SegmentCmdSize
		w.linkedit = &SegmentCommand64{Cmd: LC_SEGMENT_64, CmdSize: uint32(SegmentCmdSize),
			SegName: fixedName("__LINKEDIT"), MaxProt: VM_PROT_READ, InitProt: VM_PROT_READ}
	}
	if img.Kind == object.OutputExecutable {
		w.ncmds += 2
		w.cmdsSize += SegmentCmdSize + EntryPointSize
		w.pagezero = &SegmentCommand64{Cmd: LC_SEGMENT_64, CmdSize: uint32(SegmentCmdSize),
			SegName: fixedName("__PAGEZERO")}
		w.entry = &EntryPointCommand{Cmd: LC_MAIN, CmdSize: uint32(EntryPointSize)}
	}
	hdrEnd := uint64(HeaderSize + w.cmdsSize)

	off := hdrEnd
	if w.relocatable() {
		seg := &w.segs[0].cmd
		lo, hi := ^uint64(0), uint64(0)
		for _, i := range w.segs[0].sections {
			s := &img.Sections[i]
			if s.Kind != object.KindZeroFill {
				off = utils.AlignTo(off, s.Align)
				w.hdrs[i].Offset = uint32(off)
				off += s.Size
			}
			if s.Kind.Allocated() {
				lo = min(lo, s.Addr)
				hi = max(hi, s.Addr+s.Size)
			}
		}
		if lo > hi {
			lo = hi
		}
		seg.FileOff = hdrEnd
		seg.FileSize = off - hdrEnd
		seg.VMAddr = lo
		seg.VMSize = hi - lo
	} else {
		for _, seg := range w.segs {
			start := ^uint64(0)
			for _, i := range seg.sections {
				s := &img.Sections[i]
				if s.Kind == object.KindZeroFill {
					continue
				}
				if s.Offset < hdrEnd {
					return fmt.Errorf("macho: section %q at offset %#x overlaps the load commands", s.Name, s.Offset)
				}
				w.hdrs[i].Offset = uint32(s.Offset)
				start = min(start, s.Offset)
				off = max(off, s.Offset+s.Size)
			}
			if cstring(seg.cmd.SegName[:]) == "__DWARF" && start != ^uint64(0) {
				seg.cmd.FileOff = start
				seg.cmd.FileSize = off - start
			}
		}
	}
	if off > 1<<32-1 {
		return fmt.Errorf("macho: file size %#x exceeds 32-bit offsets", off)
	}

	linkStart := utils.AlignTo(off, 8)
	off = linkStart
	for i, rels := range w.relocs {
		if len(rels) == 0 {
			continue
		}
		w.hdrs[i].Reloff = uint32(off)
		w.hdrs[i].Nreloc = uint32(len(rels))
		off += uint64(len(rels) * RelocationSize)
	}
	off = utils.AlignTo(off, 8)
	w.symtab = SymtabCommand{
		Cmd:     LC_SYMTAB,
		CmdSize: uint32(SymtabCmdSize),
		Symoff:  uint32(off),
		Nsyms:   uint32(len(w.nlists)),
		Stroff:  uint32(off) + uint32(len(w.nlists)*NlistSize),
		Strsize: uint32(len(w.strtab)),
	}
	off += uint64(len(w.nlists)*NlistSize + len(w.strtab))

	if !w.relocatable() {
		var top, low uint64
		low = ^uint64(0)
		for _, s := range img.Segments {
			top = max(top, s.Addr+s.MemSize)
			low = min(low, s.Addr)
		}
		if low == ^uint64(0) {
			low = 0
		}
		w.linkedit.VMAddr = utils.AlignTo(top, PageSize)
		w.linkedit.VMSize = utils.AlignTo(off-linkStart, PageSize)
		w.linkedit.FileOff = linkStart
		w.linkedit.FileSize = off - linkStart
		if w.pagezero != nil {
			w.pagezero.VMSize = low
		}
	}

	if w.entry != nil && img.Entry != 0 {
		found := false
		for _, s := range img.Segments {
			if s.Kind != object.KindZeroFill && img.Entry >= s.Addr && img.Entry < s.Addr+s.MemSize {
				w.entry.EntryOff = img.Entry - s.Addr + s.Offset
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("macho: entry point %#x is outside every file-backed segment", img.Entry)
		}
	}

	w.buf = make([]byte, off)
	return nil
}

func (w *Writer) fileType() macho.Type {
	switch w.img.Kind {
	case object.OutputRelocatable:
		return macho.TypeObj
	case object.OutputShared:
		return macho.TypeDylib
	}
	return macho.TypeExec
}

func (w *Writer) write() {
	img := w.img
	buf := w.buf
	c, sub := cpuOf(img.Arch)

	flags := uint32(0)
	if img.Kind == object.OutputExecutable {
		flags |= MH_NOUNDEFS
		for i := range img.Symbols {
			if img.Symbols[i].IsUndef() && !img.Symbols[i].IsLocal() {
				flags &^= MH_NOUNDEFS
			}
		}
	}
	utils.Write[Header64](buf, Header64{
		Magic:      macho.Magic64,
		CPUType:    uint32(c),
		CPUSubtype: sub,
		FileType:   uint32(w.fileType()),
		NCmds:      uint32(w.ncmds),
		SizeOfCmds: uint32(w.cmdsSize),
		Flags:      flags,
	})

	off := HeaderSize
	if w.pagezero != nil {
		utils.Write[SegmentCommand64](buf[off:], *w.pagezero)
		off += SegmentCmdSize
	}
	for _, seg := range w.segs {
		utils.Write[SegmentCommand64](buf[off:], seg.cmd)
		off += SegmentCmdSize
		for _, i := range seg.sections {
			utils.Write[Section64](buf[off:], w.hdrs[i])
			off += SectionSize
		}
	}
	if w.linkedit != nil {
		utils.Write[SegmentCommand64](buf[off:], *w.linkedit)
		off += SegmentCmdSize
	}
	utils.Write[SymtabCommand](buf[off:], w.symtab)
	off += SymtabCmdSize
	if w.entry != nil {
		utils.Write[EntryPointCommand](buf[off:], *w.entry)
	}

	for i := range img.Sections {
		s := &img.Sections[i]
		if s.Kind != object.KindZeroFill {
			copy(buf[w.hdrs[i].Offset:], s.Data)
		}
	}
	for _, e := range w.embeds {
		loc := buf[uint64(w.hdrs[e.section].Offset)+e.offset:]
		switch e.length {
		case 0:
			loc[0] = byte(e.value)
		case 1:
			binary.LittleEndian.PutUint16(loc, uint16(e.value))
		case 2:
			binary.LittleEndian.PutUint32(loc, uint32(e.value))
		default:
			binary.LittleEndian.PutUint64(loc, uint64(e.value))
		}
	}
	for i, rels := range w.relocs {
		for j, r := range rels {
			utils.Write[RelocationInfo](buf[int(w.hdrs[i].Reloff)+j*RelocationSize:], r)
		}
	}
	for i, nl := range w.nlists {
		utils.Write[Nlist64](buf[int(w.symtab.Symoff)+i*NlistSize:], nl)
	}
	copy(buf[w.symtab.Stroff:], w.strtab)
}
