// Package elf reads and writes 64-bit ELF files for the object model.
package elf

import (
	"bytes"
	"debug/elf"
	"io"
	"unsafe"

	"github.com/ksco/weld/pkg/object"
)

type Ehdr struct {
	Ident     [16]uint8
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	PhOff     uint64
	ShOff     uint64
	Flags     uint32
	EhSize    uint16
	PhEntSize uint16
	PhNum     uint16
	ShEntSize uint16
	ShNum     uint16
	ShStrndx  uint16
}

type Shdr struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	AddrAlign uint64
	EntSize   uint64
}

type Phdr struct {
	Type     uint32
	Flags    uint32
	Offset   uint64
	VAddr    uint64
	PAddr    uint64
	FileSize uint64
	MemSize  uint64
	Align    uint64
}

type Sym struct {
	Name  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Val   uint64
	Size  uint64
}

func (s *Sym) Bind() elf.SymBind {
	return elf.ST_BIND(s.Info)
}

func (s *Sym) Type() elf.SymType {
	return elf.ST_TYPE(s.Info)
}

func (s *Sym) IsAbs() bool {
	return s.Shndx == uint16(elf.SHN_ABS)
}

func (s *Sym) IsUndef() bool {
	return s.Shndx == uint16(elf.SHN_UNDEF)
}

func (s *Sym) IsCommon() bool {
	return s.Shndx == uint16(elf.SHN_COMMON)
}

type Rela struct {
	Offset uint64
	Info   uint64
	Addend int64
}

func (r *Rela) Sym() uint32  { return uint32(r.Info >> 32) }
func (r *Rela) Type() uint32 { return uint32(r.Info) }

type Rel struct {
	Offset uint64
	Info   uint64
}

const (
	EhdrSize = int(unsafe.Sizeof(Ehdr{}))
	ShdrSize = int(unsafe.Sizeof(Shdr{}))
	PhdrSize = int(unsafe.Sizeof(Phdr{}))
	SymSize  = int(unsafe.Sizeof(Sym{}))
	RelaSize = int(unsafe.Sizeof(Rela{}))
	RelSize  = int(unsafe.Sizeof(Rel{}))
)

const (
	PageSize  = 4096
	ImageBase = 0x200000
)

func CheckMagic(contents []byte) bool {
	return bytes.HasPrefix(contents, []byte(elf.ELFMAG))
}

func WriteMagic(contents []byte) {
	copy(contents, elf.ELFMAG)
}

// Format implements object.Format for ELF64.
type Format struct{}

func init() {
	object.Register(Format{})
}

func (Format) Kind() object.FormatKind { return object.FormatELF }

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

func (Format) HeaderSize(kind object.OutputKind, segments, sections int) uint64 {
	if kind == object.OutputRelocatable {
		return uint64(EhdrSize)
	}
	return uint64(EhdrSize + segments*PhdrSize)
}

func (Format) Emit(w io.Writer, img *object.Image) error {
	buf, err := NewWriter(img).Build()
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// machine maps e_machine to the architectures the linker can relocate for.
func machine(m elf.Machine) object.Arch {
	switch m {
	case elf.EM_X86_64:
		return object.ArchX86_64
	case elf.EM_AARCH64:
		return object.ArchAArch64
	case elf.EM_RISCV:
		return object.ArchRISCV64
	}
	return object.ArchNone
}

func machineOf(a object.Arch) elf.Machine {
	switch a {
	case object.ArchX86_64:
		return elf.EM_X86_64
	case object.ArchAArch64:
		return elf.EM_AARCH64
	case object.ArchRISCV64:
		return elf.EM_RISCV
	}
	return elf.EM_NONE
}
