package macho

import (
	"debug/macho"
	"encoding/binary"

	"github.com/ksco/weld/pkg/object"
	"github.com/ksco/weld/pkg/utils"
)

// InputFile is a Mach-O buffer whose load commands have been checked
// against the buffer bounds.
type InputFile struct {
	Contents []byte
	Header   Header64
	// Sections in load command order; n_sect and non-extern relocations
	// refer to them by 1-based ordinal.
	Sections       []Section64
	sectionOffsets []int64
	Symtab         *SymtabCommand
}

func NewInputFile(contents []byte) (*InputFile, error) {
	f := &InputFile{Contents: contents}
	if len(contents) < 4 {
		return nil, object.Errorf(0, object.CauseUnsupportedFormat, "not a Mach-O file")
	}
	switch binary.LittleEndian.Uint32(contents) {
	case macho.Magic64:
	case MH_MAGIC, MH_CIGAM:
		return nil, object.Errorf(0, object.CauseUnsupportedFormat, "32-bit Mach-O is not supported")
	case MH_CIGAM64:
		return nil, object.Errorf(0, object.CauseUnsupportedFormat, "big endian Mach-O is not supported")
	default:
		return nil, object.Errorf(0, object.CauseUnsupportedFormat, "not a Mach-O file")
	}
	if len(contents) < HeaderSize {
		return nil, object.Errorf(int64(len(contents)), object.CauseTruncated, "file too small")
	}
	f.Header = utils.Read[Header64](contents)

	size := uint64(len(contents))
	if uint64(f.Header.SizeOfCmds) > size-uint64(HeaderSize) {
		return nil, object.Errorf(20, object.CauseTruncated,
			"load commands (%d bytes) past end of file", f.Header.SizeOfCmds)
	}

	cmds := contents[HeaderSize : HeaderSize+int(f.Header.SizeOfCmds)]
	off := 0
	for i := uint32(0); i < f.Header.NCmds; i++ {
		fileOff := int64(HeaderSize + off)
		if len(cmds)-off < loadCommandSize {
			return nil, object.Errorf(fileOff, object.CauseTruncated, "load command %d truncated", i)
		}
		lc := utils.Read[LoadCommand](cmds[off:])
		if lc.CmdSize < uint32(loadCommandSize) || uint64(lc.CmdSize) > uint64(len(cmds)-off) {
			return nil, object.Errorf(fileOff, object.CauseInconsistent, "load command %d: bad cmdsize %d", i, lc.CmdSize)
		}
		data := cmds[off : off+int(lc.CmdSize)]

		switch lc.Cmd {
		case LC_SEGMENT_64:
			if err := f.readSegment(data, fileOff); err != nil {
				return nil, err
			}
		case LC_SYMTAB:
			if len(data) < SymtabCmdSize {
				return nil, object.Errorf(fileOff, object.CauseTruncated, "LC_SYMTAB truncated")
			}
			st := utils.Read[SymtabCommand](data)
			if uint64(st.Symoff)+uint64(st.Nsyms)*uint64(NlistSize) > size {
				return nil, object.Errorf(int64(st.Symoff), object.CauseOutOfRange, "symbol table past end of file")
			}
			if uint64(st.Stroff)+uint64(st.Strsize) > size {
				return nil, object.Errorf(int64(st.Stroff), object.CauseOutOfRange, "string table past end of file")
			}
			f.Symtab = &st
		default:
			if lc.Cmd&LC_REQ_DYLD != 0 && lc.Cmd != LC_MAIN {
				return nil, object.Errorf(fileOff, object.CauseUnsupportedFeature,
					"load command %#x is required by dyld", lc.Cmd)
			}
		}
		off += int(lc.CmdSize)
	}
	return f, nil
}

func (f *InputFile) readSegment(data []byte, fileOff int64) error {
	if len(data) < SegmentCmdSize {
		return object.Errorf(fileOff, object.CauseTruncated, "LC_SEGMENT_64 truncated")
	}
	seg := utils.Read[SegmentCommand64](data)
	if uint64(seg.NSects) > uint64(len(data)-SegmentCmdSize)/uint64(SectionSize) {
		return object.Errorf(fileOff, object.CauseInconsistent,
			"segment %q: %d sections do not fit in cmdsize %d", cstring(seg.SegName[:]), seg.NSects, seg.CmdSize)
	}
	size := uint64(len(f.Contents))
	for i := 0; i < int(seg.NSects); i++ {
		at := SegmentCmdSize + i*SectionSize
		sect := utils.Read[Section64](data[at:])
		hdrOff := fileOff + int64(at)
		if !isZeroFill(sect.Type()) && uint64(sect.Offset)+sect.Size > size {
			return object.Errorf(hdrOff, object.CauseOutOfRange,
				"section %s,%s: contents past end of file", sect.Segment(), sect.Name())
		}
		if sect.Nreloc != 0 && uint64(sect.Reloff)+uint64(sect.Nreloc)*uint64(RelocationSize) > size {
			return object.Errorf(hdrOff, object.CauseOutOfRange,
				"section %s,%s: relocations past end of file", sect.Segment(), sect.Name())
		}
		if sect.Align >= 64 {
			return object.Errorf(hdrOff, object.CauseInconsistent,
				"section %s,%s: alignment 2^%d", sect.Segment(), sect.Name(), sect.Align)
		}
		f.Sections = append(f.Sections, sect)
		f.sectionOffsets = append(f.sectionOffsets, hdrOff)
	}
	return nil
}

func isZeroFill(typ uint32) bool {
	return typ == S_ZEROFILL || typ == S_GB_ZEROFILL || typ == S_THREAD_LOCAL_ZEROFILL
}

func isThreadLocal(typ uint32) bool {
	return typ >= S_THREAD_LOCAL_REGULAR && typ <= S_THREAD_LOCAL_LAST
}

// literals returns the entry size of the literal section types.
func literals(typ uint32) (entSize uint64, strings bool) {
	switch typ {
	case S_CSTRING_LITERALS:
		return 1, true
	case S_4BYTE_LITERALS:
		return 4, false
	case S_8BYTE_LITERALS:
		return 8, false
	case S_16BYTE_LITERALS:
		return 16, false
	}
	return 0, false
}

func sectionKind(sect *Section64) object.SectionKind {
	switch {
	case isZeroFill(sect.Type()):
		return object.KindZeroFill
	case sect.Flags&S_ATTR_DEBUG != 0:
		return object.KindOther
	case sect.Flags&(S_ATTR_PURE_INSTRUCTIONS|S_ATTR_SOME_INSTRUCTIONS) != 0:
		return object.KindCode
	case sect.Segment() == "__TEXT", sect.Segment() == "__DATA_CONST":
		return object.KindReadOnly
	}
	return object.KindData
}

func fileType(t macho.Type) (object.FileType, bool) {
	switch t {
	case macho.TypeObj:
		return object.FileRelocatable, true
	case macho.TypeExec:
		return object.FileExecutable, true
	case macho.TypeDylib:
		return object.FileShared, true
	}
	return 0, false
}

// parser carries the per-file state of the translation.
type parser struct {
	f      *InputFile
	obj    *object.InputObject
	secMap []int
	// sectionSyms caches the synthesized symbol standing for a section
	// referenced by a non-extern relocation.
	sectionSyms map[int]int
}

func (f *InputFile) Parse() (*object.InputObject, error) {
	arch := cpu(macho.Cpu(f.Header.CPUType))
	if arch == object.ArchNone {
		return nil, object.Errorf(4, object.CauseUnsupportedFormat,
			"unsupported cpu type %s", macho.Cpu(f.Header.CPUType))
	}
	typ, ok := fileType(macho.Type(f.Header.FileType))
	if !ok {
		return nil, object.Errorf(12, object.CauseUnsupportedFormat,
			"unsupported file type %s", macho.Type(f.Header.FileType))
	}

	p := &parser{
		f: f,
		obj: &object.InputObject{
			Format: object.FormatMachO,
			Arch:   arch,
			Type:   typ,
			Flags:  f.Header.Flags,
		},
		sectionSyms: map[int]int{},
	}
	if err := p.initializeSections(); err != nil {
		return nil, err
	}
	if err := p.initializeSymbols(); err != nil {
		return nil, err
	}
	if err := p.initializeRelocations(); err != nil {
		return nil, err
	}
	if err := p.obj.Validate(); err != nil {
		return nil, err
	}
	return p.obj, nil
}

func (p *parser) initializeSections() error {
	f := p.f
	p.secMap = make([]int, len(f.Sections))
	for i := range f.Sections {
		p.secMap[i] = -1
		sect := &f.Sections[i]
		if isThreadLocal(sect.Type()) {
			return object.Errorf(f.sectionOffsets[i], object.CauseUnsupportedFeature,
				"section %s,%s is thread local", sect.Segment(), sect.Name())
		}
		// Unwind info is regenerated by nothing downstream.
		if sect.Name() == "__eh_frame" || sect.Name() == "__compact_unwind" {
			continue
		}

		var data []byte
		if !isZeroFill(sect.Type()) {
			data = f.Contents[sect.Offset : uint64(sect.Offset)+sect.Size]
		}
		sec := object.Section{
			Name:    sect.Name(),
			Segment: sect.Segment(),
			Kind:    sectionKind(sect),
			Align:   uint64(1) << sect.Align,
			Size:    sect.Size,
			Addr:    sect.Addr,
			Data:    data,
			Flags:   uint64(sect.Flags),
		}
		sec.EntSize, sec.Strings = literals(sect.Type())
		p.secMap[i] = len(p.obj.Sections)
		p.obj.Sections = append(p.obj.Sections, sec)
	}
	return nil
}

// section maps a 1-based section ordinal to the object section index.
func (p *parser) section(ordinal uint32, off int64) (int, error) {
	if ordinal == 0 || int(ordinal) > len(p.secMap) {
		return 0, object.Errorf(off, object.CauseOutOfRange, "section ordinal %d out of range", ordinal)
	}
	return p.secMap[ordinal-1], nil
}

func (p *parser) initializeSymbols() error {
	f := p.f
	if f.Symtab == nil {
		return nil
	}
	st := f.Symtab
	strtab := f.Contents[st.Stroff : st.Stroff+st.Strsize]

	p.obj.Symbols = make([]object.Symbol, st.Nsyms)
	for i := 0; i < int(st.Nsyms); i++ {
		off := int64(st.Symoff) + int64(i*NlistSize)
		nl := utils.Read[Nlist64](f.Contents[off:])
		sym := &p.obj.Symbols[i]

		if nl.Strx != 0 {
			name, ok := utils.CString(strtab, nl.Strx)
			if !ok {
				return object.Errorf(off, object.CauseBadStringIndex,
					"symbol %d: name index %d out of range", i, nl.Strx)
			}
			sym.Name = name
		}
		sym.Value = nl.Value

		if nl.Type&N_STAB != 0 {
			sym.Binding = object.BindLocal
			sym.Type = object.SymDebug
			sym.Section = object.SectionAbs
			continue
		}

		ext := nl.Type&N_EXT != 0
		switch {
		case !ext:
			sym.Binding = object.BindLocal
		case nl.Desc&(N_WEAK_DEF|N_WEAK_REF) != 0:
			sym.Binding = object.BindWeak
		default:
			sym.Binding = object.BindGlobal
		}
		if ext && nl.Type&N_PEXT != 0 {
			sym.Visibility = object.VisHidden
		}

		switch nl.Type & N_TYPE {
		case N_UNDF:
			sym.Section = object.SectionUndef
			if ext && nl.Value != 0 {
				sym.Binding = object.BindCommon
				sym.Type = object.SymObject
				sym.Size = nl.Value
				sym.Value = 1 << getCommAlign(nl.Desc)
			}
		case N_ABS:
			sym.Section = object.SectionAbs
		case N_SECT:
			idx, err := p.section(uint32(nl.Sect), off)
			if err != nil {
				return err
			}
			if idx < 0 {
				if ext {
					return object.Errorf(off, object.CauseInconsistent,
						"global symbol %q defined in a discarded section", sym.Name)
				}
				sym.Section = object.SectionAbs
				sym.Value = 0
				continue
			}
			sec := &p.obj.Sections[idx]
			if nl.Value < sec.Addr || nl.Value-sec.Addr > sec.Size {
				return object.Errorf(off, object.CauseOutOfRange,
					"symbol %q at %#x outside section %s", sym.Name, nl.Value, sec.Name)
			}
			sym.Section = idx
			sym.Value = nl.Value - sec.Addr
			if sec.Kind == object.KindCode {
				sym.Type = object.SymFunc
			} else {
				sym.Type = object.SymObject
			}
		default:
			return object.Errorf(off, object.CauseUnsupportedFeature,
				"symbol %q: n_type %#x", sym.Name, nl.Type)
		}
	}
	return nil
}

// sectionSymbol returns the synthesized local symbol for section idx.
func (p *parser) sectionSymbol(idx int) int {
	if i, ok := p.sectionSyms[idx]; ok {
		return i
	}
	i := len(p.obj.Symbols)
	p.obj.Symbols = append(p.obj.Symbols, object.Symbol{
		Name:    p.obj.Sections[idx].Name,
		Binding: object.BindLocal,
		Type:    object.SymSection,
		Section: idx,
	})
	p.sectionSyms[idx] = i
	return i
}

func (p *parser) initializeRelocations() error {
	f := p.f
	nsyms := 0
	if f.Symtab != nil {
		nsyms = int(f.Symtab.Nsyms)
	}

	for i := range f.Sections {
		sect := &f.Sections[i]
		target := p.secMap[i]
		if target < 0 || sect.Nreloc == 0 {
			continue
		}
		sec := &p.obj.Sections[target]
		if sec.Kind == object.KindZeroFill {
			return object.Errorf(f.sectionOffsets[i], object.CauseInconsistent,
				"zero-fill section %s has relocations", sec.Name)
		}

		var pending *int64
		for j := 0; j < int(sect.Nreloc); j++ {
			off := int64(sect.Reloff) + int64(j*RelocationSize)
			ri := utils.Read[RelocationInfo](f.Contents[off:])
			if uint32(ri.Address)&R_SCATTERED != 0 {
				return object.Errorf(off, object.CauseUnsupportedFeature, "scattered relocation")
			}

			if p.obj.Arch == object.ArchAArch64 && macho.RelocTypeARM64(ri.Type()) == macho.ARM64_RELOC_ADDEND {
				if pending != nil {
					return object.Errorf(off, object.CauseInconsistent, "consecutive ARM64_RELOC_ADDEND")
				}
				addend := int64(utils.SignExtend(uint64(ri.SymbolNum()), 23))
				pending = &addend
				continue
			}

			size := uint64(1) << ri.Length()
			addr := uint64(uint32(ri.Address))
			if addr > sec.Size || size > sec.Size-addr {
				return object.Errorf(off, object.CauseOutOfRange,
					"relocation at %#x outside section %s", addr, sec.Name)
			}

			r := object.Relocation{Section: target, Offset: addr}
			var targetAddr uint64
			if ri.Extern() {
				if int(ri.SymbolNum()) >= nsyms {
					return object.Errorf(off, object.CauseOutOfRange,
						"relocation symbol %d out of range", ri.SymbolNum())
				}
				r.Symbol = int(ri.SymbolNum())
			} else {
				idx, err := p.section(ri.SymbolNum(), off)
				if err != nil {
					return err
				}
				if idx < 0 {
					return object.Errorf(off, object.CauseUnsupportedFeature,
						"relocation against discarded section %d", ri.SymbolNum())
				}
				r.Symbol = p.sectionSymbol(idx)
				targetAddr = p.obj.Sections[idx].Addr
			}

			var err error
			switch p.obj.Arch {
			case object.ArchX86_64:
				err = p.x86Relocation(&r, &ri, sec, targetAddr, off)
			case object.ArchAArch64:
				var addend int64
				if pending != nil {
					addend = *pending
					pending = nil
				}
				err = p.arm64Relocation(&r, &ri, sec, targetAddr, addend, off)
			}
			if err != nil {
				return err
			}
			p.obj.Relocations = append(p.obj.Relocations, r)
		}
		if pending != nil {
			return object.Errorf(int64(sect.Reloff), object.CauseInconsistent,
				"ARM64_RELOC_ADDEND without a following relocation")
		}
	}
	return nil
}

// embedded reads the implicit addend stored at the relocation site.
func embedded(data []byte, length uint32) int64 {
	switch length {
	case 0:
		return int64(int8(data[0]))
	case 1:
		return int64(int16(binary.LittleEndian.Uint16(data)))
	case 2:
		return int64(int32(binary.LittleEndian.Uint32(data)))
	}
	return int64(binary.LittleEndian.Uint64(data))
}
