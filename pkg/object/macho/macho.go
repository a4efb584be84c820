// Package macho reads and writes little endian 64-bit Mach-O files for the
// object model.
package macho

import (
	"bytes"
	"debug/macho"
	"encoding/binary"
	"io"
	"strings"
	"unsafe"

	"github.com/ksco/weld/pkg/object"
)

type Header64 struct {
	Magic      uint32
	CPUType    uint32
	CPUSubtype uint32
	FileType   uint32
	NCmds      uint32
	SizeOfCmds uint32
	Flags      uint32
	Reserved   uint32
}

type LoadCommand struct {
	Cmd     uint32
	CmdSize uint32
}

type SegmentCommand64 struct {
	Cmd      uint32
	CmdSize  uint32
	SegName  [16]byte
	VMAddr   uint64
	VMSize   uint64
	FileOff  uint64
	FileSize uint64
	MaxProt  uint32
	InitProt uint32
	NSects   uint32
	Flags    uint32
}

type Section64 struct {
	SectName  [16]byte
	SegName   [16]byte
	Addr      uint64
	Size      uint64
	Offset    uint32
	Align     uint32
	Reloff    uint32
	Nreloc    uint32
	Flags     uint32
	Reserved1 uint32
	Reserved2 uint32
	Reserved3 uint32
}

func (s *Section64) Name() string    { return cstring(s.SectName[:]) }
func (s *Section64) Segment() string { return cstring(s.SegName[:]) }
func (s *Section64) Type() uint32    { return s.Flags & SECTION_TYPE }

type SymtabCommand struct {
	Cmd     uint32
	CmdSize uint32
	Symoff  uint32
	Nsyms   uint32
	Stroff  uint32
	Strsize uint32
}

type EntryPointCommand struct {
	Cmd       uint32
	CmdSize   uint32
	EntryOff  uint64
	StackSize uint64
}

type Nlist64 struct {
	Strx  uint32
	Type  uint8
	Sect  uint8
	Desc  uint16
	Value uint64
}

// RelocationInfo is the packed relocation_info record. Word holds
// r_symbolnum:24, r_pcrel:1, r_length:2, r_extern:1, r_type:4.
type RelocationInfo struct {
	Address int32
	Word    uint32
}

func (r *RelocationInfo) SymbolNum() uint32 { return r.Word & 0xffffff }
func (r *RelocationInfo) PCRel() bool       { return r.Word>>24&1 != 0 }
func (r *RelocationInfo) Length() uint32    { return r.Word >> 25 & 3 }
func (r *RelocationInfo) Extern() bool      { return r.Word>>27&1 != 0 }
func (r *RelocationInfo) Type() uint32      { return r.Word >> 28 }

func packReloc(address int32, symbolnum uint32, pcrel bool, length uint32, extern bool, typ uint32) RelocationInfo {
	w := symbolnum&0xffffff | length<<25 | typ<<28
	if pcrel {
		w |= 1 << 24
	}
	if extern {
		w |= 1 << 27
	}
	return RelocationInfo{Address: address, Word: w}
}

const (
	HeaderSize      = int(unsafe.Sizeof(Header64{}))
	SegmentCmdSize  = int(unsafe.Sizeof(SegmentCommand64{}))
	SectionSize     = int(unsafe.Sizeof(Section64{}))
	SymtabCmdSize   = int(unsafe.Sizeof(SymtabCommand{}))
	EntryPointSize  = int(unsafe.Sizeof(EntryPointCommand{}))
	NlistSize       = int(unsafe.Sizeof(Nlist64{}))
	RelocationSize  = int(unsafe.Sizeof(RelocationInfo{}))
	loadCommandSize = int(unsafe.Sizeof(LoadCommand{}))
)

const (
	PageSize  = 0x4000
	ImageBase = 0x100000000
)

const (
	MH_MAGIC   = 0xfeedface
	MH_CIGAM   = 0xcefaedfe
	MH_CIGAM64 = 0xcffaedfe

	MH_NOUNDEFS                = 0x1
	MH_DYLDLINK                = 0x4
	MH_TWOLEVEL                = 0x80
	MH_SUBSECTIONS_VIA_SYMBOLS = 0x2000
	MH_PIE                     = 0x200000

	LC_REQ_DYLD   = 0x80000000
	LC_SEGMENT_64 = 0x19
	LC_SYMTAB     = 0x2
	LC_MAIN       = 0x28 | LC_REQ_DYLD

	SECTION_TYPE             = 0x000000ff
	S_REGULAR                = 0x0
	S_ZEROFILL               = 0x1
	S_CSTRING_LITERALS       = 0x2
	S_4BYTE_LITERALS         = 0x3
	S_8BYTE_LITERALS         = 0x4
	S_GB_ZEROFILL            = 0xc
	S_16BYTE_LITERALS        = 0xe
	S_THREAD_LOCAL_REGULAR   = 0x11
	S_THREAD_LOCAL_ZEROFILL  = 0x12
	S_THREAD_LOCAL_VARIABLES = 0x13
	S_THREAD_LOCAL_LAST      = 0x15
	S_ATTR_PURE_INSTRUCTIONS = 0x80000000
	S_ATTR_DEBUG             = 0x02000000
	S_ATTR_SOME_INSTRUCTIONS = 0x00000400

	VM_PROT_READ    = 0x1
	VM_PROT_WRITE   = 0x2
	VM_PROT_EXECUTE = 0x4

	N_STAB = 0xe0
	N_PEXT = 0x10
	N_TYPE = 0x0e
	N_EXT  = 0x01

	N_UNDF = 0x0
	N_ABS  = 0x2
	N_SECT = 0xe
	N_PBUD = 0xc
	N_INDR = 0xa

	N_WEAK_REF = 0x0040
	N_WEAK_DEF = 0x0080

	R_SCATTERED = 0x80000000
)

// getCommAlign extracts GET_COMM_ALIGN(n_desc).
func getCommAlign(desc uint16) uint64 {
	return uint64(desc>>8) & 0x0f
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func fixedName(s string) (name [16]byte) {
	copy(name[:], s)
	return name
}

// sectName maps an output section name onto Mach-O's __name convention,
// clipped to the 16 bytes of sectname.
func sectName(name string) string {
	if !strings.HasPrefix(name, "__") {
		switch name {
		case ".rodata":
			name = "__const"
		case ".bss":
			name = "__bss"
		default:
			name = "__" + strings.ReplaceAll(strings.TrimPrefix(name, "."), ".", "_")
		}
	}
	if len(name) > 16 {
		name = name[:16]
	}
	return name
}

// segName names the output segment that holds sections of kind.
func segName(kind object.SectionKind) string {
	switch kind {
	case object.KindCode:
		return "__TEXT"
	case object.KindReadOnly:
		return "__DATA_CONST"
	case object.KindData:
		return "__DATA"
	case object.KindZeroFill:
		return "__BSS"
	}
	return "__DWARF"
}

func CheckMagic(contents []byte) bool {
	if len(contents) < 4 {
		return false
	}
	switch binary.LittleEndian.Uint32(contents) {
	case macho.Magic64, MH_MAGIC, MH_CIGAM, MH_CIGAM64:
		return true
	}
	return false
}

// Format implements object.Format for 64-bit Mach-O.
type Format struct{}

func init() {
	object.Register(Format{})
}

func (Format) Kind() object.FormatKind { return object.FormatMachO }

func (Format) Detect(data []byte) bool { return CheckMagic(data) }

func (Format) Parse(data []byte) (*object.InputObject, error) {
	f, err := NewInputFile(data)
	if err != nil {
		return nil, err
	}
	return f.Parse()
}

func (Format) Params(kind object.OutputKind) object.LayoutParams {
	if kind == object.OutputExecutable {
		return object.LayoutParams{ImageBase: ImageBase, PageSize: PageSize}
	}
	return object.LayoutParams{PageSize: PageSize}
}

// HeaderSize reserves room for __PAGEZERO, __LINKEDIT and a debug segment
// besides the layout's own segments.
func (Format) HeaderSize(kind object.OutputKind, segments, sections int) uint64 {
	if kind == object.OutputRelocatable {
		return uint64(HeaderSize + SegmentCmdSize + sections*SectionSize + SymtabCmdSize)
	}
	return uint64(HeaderSize + (segments+3)*SegmentCmdSize + sections*SectionSize +
		SymtabCmdSize + EntryPointSize)
}

func (Format) Emit(w io.Writer, img *object.Image) error {
	buf, err := NewWriter(img).Build()
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

func cpu(c macho.Cpu) object.Arch {
	switch c {
	case macho.CpuAmd64:
		return object.ArchX86_64
	case macho.CpuArm64:
		return object.ArchAArch64
	}
	return object.ArchNone
}

func cpuOf(a object.Arch) (macho.Cpu, uint32) {
	switch a {
	case object.ArchX86_64:
		return macho.CpuAmd64, 3
	case object.ArchAArch64:
		return macho.CpuArm64, 0
	}
	return 0, 0
}
