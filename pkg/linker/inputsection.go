package linker

import (
	"math/bits"

	"github.com/ksco/weld/pkg/object"
)

/*
 * InputSection is one section of an object, as the linker sees it.
 * @Shndx: index in File.Obj.Sections
 * @Contents: raw bytes, nil for zero-fill. Never written to
 * @P2Align: alignment as a power of two, 3 for an 8 byte alignment
 * @IsAlive: false once the contents moved into a MergedSection
 * @Offset: offset inside OutputSection, set by UpdateChunk
 * @Rels: the relocations patching this section, in table order
 * @Forward: relocations left for a later link, filled by ApplyRelocs
 */
type InputSection struct {
	File     *ObjectFile
	Shndx    int
	Name     string
	Kind     object.SectionKind
	Contents []byte
	Size     uint64
	P2Align  uint8
	IsAlive  bool

	Offset        uint64
	OutputSection *OutputSection

	Rels    []object.Relocation
	Forward []ForwardedReloc
}

// ForwardedReloc is a relocation copied into the output relocation table.
type ForwardedReloc struct {
	Rel object.Relocation
	Sym *Symbol
}

func NewInputSection(file *ObjectFile, shndx int) *InputSection {
	sec := &file.Obj.Sections[shndx]
	return &InputSection{
		File:     file,
		Shndx:    shndx,
		Name:     sec.Name,
		Kind:     sec.Kind,
		Contents: sec.Data,
		Size:     sec.Size,
		P2Align:  uint8(bits.TrailingZeros64(sec.Align)),
		IsAlive:  true,
	}
}

func (i *InputSection) GetAddr() uint64 {
	return i.OutputSection.Addr + i.Offset
}

// WriteTo copies the section into buf, which starts at the section's
// offset inside the output buffer, and applies its relocations there.
func (i *InputSection) WriteTo(ctx *Context, buf []byte) error {
	if i.Kind == object.KindZeroFill || i.Size == 0 {
		return nil
	}

	i.CopyContents(buf)
	return i.ApplyRelocs(ctx, buf[:i.Size])
}

func (i *InputSection) CopyContents(buf []byte) {
	copy(buf, i.Contents)
}

func (i *InputSection) ScanRelocations() {
	for _, rel := range i.Rels {
		if rel.Kind.IsGOT() {
			i.File.Symbols[rel.Symbol].Flags |= NeedsGot
		}
	}
}
