package linker

import (
	"sort"

	"github.com/ksco/weld/pkg/object"
)

type imageBuilder struct {
	ctx    *Context
	img    *object.Image
	index  map[*Symbol]int
	secSym []int
}

// BuildImage turns the plan, the relocated buffers and the symbol table into
// the image handed to the format emitter. Sections appear in plan order and
// every chunk learns its image index through Shndx.
func BuildImage(ctx *Context) *object.Image {
	b := &imageBuilder{
		ctx: ctx,
		img: &object.Image{
			Kind:  ctx.Opts.OutputKind,
			Arch:  ctx.Arch,
			Entry: ctx.Entry,
		},
		index: make(map[*Symbol]int),
	}
	if len(ctx.Objs) > 0 {
		b.img.Flags = ctx.Objs[0].Obj.Flags
	}

	b.addSections()
	if ctx.relocatable() {
		for i := range b.img.Sections {
			b.sectionSymbol(i)
		}
	}
	if !ctx.Opts.StripLocals {
		b.addLocals()
	}
	b.addGlobals()
	b.addRelocs()
	return b.img
}

func (b *imageBuilder) addSections() {
	plan := b.ctx.Plan
	b.secSym = make([]int, 0, len(plan.Sections()))

	add := func(ps *PlacedSection, segment string) int {
		ch := ps.Chunk.GetChunk()
		ch.Shndx = len(b.img.Sections)
		b.img.Sections = append(b.img.Sections, object.ImageSection{
			Name:    ch.Name,
			Segment: segment,
			Kind:    ch.Kind,
			Addr:    ps.Addr,
			Offset:  ps.Offset,
			Size:    ps.Size,
			Align:   ps.Align,
			Data:    ch.Buf,
		})
		if m, ok := ps.Chunk.(*MergedSection); ok {
			b.img.Sections[ch.Shndx].EntSize = m.EntSize
			b.img.Sections[ch.Shndx].Strings = m.Strings
		}
		b.secSym = append(b.secSym, -1)
		return ch.Shndx
	}

	for _, seg := range plan.Segments {
		iseg := object.ImageSegment{
			Name:     seg.Name,
			Kind:     seg.Kind,
			Addr:     seg.Addr,
			Offset:   seg.Offset,
			FileSize: seg.FileSize,
			MemSize:  seg.MemSize,
			Align:    seg.Align,
		}
		for _, ps := range seg.Sections {
			iseg.Sections = append(iseg.Sections, add(ps, seg.Name))
		}
		b.img.Segments = append(b.img.Segments, iseg)
	}
	for _, ps := range plan.Unallocated {
		add(ps, "")
	}
}

func (b *imageBuilder) sectionSymbol(shndx int) int {
	if idx := b.secSym[shndx]; idx >= 0 {
		return idx
	}
	sec := &b.img.Sections[shndx]
	idx := len(b.img.Symbols)
	b.img.Symbols = append(b.img.Symbols, object.Symbol{
		Name:    sec.Name,
		Binding: object.BindLocal,
		Type:    object.SymSection,
		Section: shndx,
		Value:   sec.Addr,
	})
	b.secSym[shndx] = idx
	return idx
}

func (b *imageBuilder) record(sym *Symbol) object.Symbol {
	out := object.Symbol{
		Name:       sym.Name,
		Binding:    sym.Binding,
		Visibility: sym.Visibility,
		Type:       sym.Type,
		Size:       sym.Size,
	}

	switch {
	case !sym.IsDefined():
		out.Section = object.SectionUndef
		out.Binding = object.BindGlobal
		if !sym.Referenced {
			out.Binding = object.BindWeak
		}
	case sym.SectionFragment != nil:
		out.Section = sym.SectionFragment.OutputSection.Shndx
		out.Value = sym.GetAddr()
	case sym.InputSection != nil:
		out.Section = sym.InputSection.OutputSection.Shndx
		out.Value = sym.GetAddr()
	default:
		out.Section = object.SectionAbs
		out.Value = sym.Value
	}
	return out
}

func (b *imageBuilder) symbolIndex(sym *Symbol) int {
	if idx, ok := b.index[sym]; ok {
		return idx
	}
	idx := len(b.img.Symbols)
	b.img.Symbols = append(b.img.Symbols, b.record(sym))
	b.index[sym] = idx
	return idx
}

func (b *imageBuilder) addLocals() {
	for _, file := range b.ctx.Objs {
		for i := range file.LocalSymbols {
			sym := &file.LocalSymbols[i]
			if sym.Name == "" || sym.Type == object.SymSection || sym.Type == object.SymDebug {
				continue
			}
			b.symbolIndex(sym)
		}
	}
}

func (b *imageBuilder) addGlobals() {
	for _, sym := range b.ctx.Symtab.Symbols() {
		if !sym.IsDefined() && !sym.Referenced && !sym.WeakRef {
			continue
		}
		b.symbolIndex(sym)
	}
}

// addRelocs moves the forwarded relocations of every input section into
// its output section. References through an input section symbol are
// rebased onto the output section symbol; stripped locals that are still
// referenced come back as needed.
func (b *imageBuilder) addRelocs() {
	for _, file := range b.ctx.Objs {
		for _, isec := range file.Sections {
			if len(isec.Forward) == 0 {
				continue
			}
			shndx := isec.OutputSection.Shndx
			sec := &b.img.Sections[shndx]

			for _, fr := range isec.Forward {
				rel := fr.Rel
				rel.Section = shndx
				rel.Offset += isec.Offset

				sym := fr.Sym
				if sym.Type == object.SymSection && sym.InputSection != nil {
					rel.Symbol = b.sectionSymbol(sym.InputSection.OutputSection.Shndx)
					rel.Addend += int64(sym.InputSection.Offset + sym.Value)
				} else {
					rel.Symbol = b.symbolIndex(sym)
				}
				sec.Relocs = append(sec.Relocs, rel)
			}
		}
	}

	for i := range b.img.Sections {
		relocs := b.img.Sections[i].Relocs
		sort.SliceStable(relocs, func(x, y int) bool {
			return relocs[x].Offset < relocs[y].Offset
		})
	}
}
