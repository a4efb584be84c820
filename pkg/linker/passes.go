package linker

import (
	"context"
	"sort"

	"github.com/ksco/weld/pkg/object"
	"github.com/ksco/weld/pkg/scheduler"
	"github.com/ksco/weld/pkg/utils"
)

// ResolveSymbols merges the objects in canonical order. Objects given
// directly are always merged; the members of each archive are merged by
// MarkLiveObjects when the archive's position is reached. Afterwards
// ctx.Objs holds the live objects only.
func ResolveSymbols(ctx *Context, files []*ObjectFile) error {
	if ctx.Opts.Entry != "" && !ctx.relocatable() {
		entry := ctx.Symtab.GetSymbolByName(ctx.Opts.Entry)
		entry.Referenced = true
	}

	for i := 0; i < len(files); {
		file := files[i]
		if !file.InLib() {
			if err := ctx.Symtab.Merge(file); err != nil {
				return err
			}
			i++
			continue
		}

		j := i
		for j < len(files) && files[j].Archive == file.Archive {
			j++
		}
		if err := MarkLiveObjects(ctx, files[i:j]); err != nil {
			return err
		}
		i = j
	}

	ctx.Objs = utils.RemoveIf[*ObjectFile](files, func(file *ObjectFile) bool {
		return !file.IsAlive
	})
	if len(ctx.Objs) == 0 {
		return ErrNoInput
	}
	return CheckUnresolved(ctx)
}

// CheckUnresolved reports strongly referenced names nothing defines, or
// records them in ctx.Unresolved when the output tolerates them. Weak-only
// references are never an error.
func CheckUnresolved(ctx *Context) error {
	var missing []*Symbol
	for _, sym := range ctx.Symtab.Symbols() {
		if !sym.IsDefined() && sym.Referenced {
			missing = append(missing, sym)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	if !ctx.Opts.Tolerates() {
		err := &MergeError{Kind: UnresolvedSymbol, Symbol: missing[0].Name}
		if f := missing[0].RefFile; f != nil {
			err.Files = []string{f.Name}
		}
		for _, sym := range missing[1:] {
			err.Others = append(err.Others, sym.Name)
		}
		return err
	}

	for _, sym := range missing {
		ctx.Unresolved = append(ctx.Unresolved, sym.Name)
	}
	return nil
}

// AllocateCommons gives every surviving common symbol storage in a
// zero-fill section of the internal object, in symbol table order.
func AllocateCommons(ctx *Context) {
	var commons []*Symbol
	for _, sym := range ctx.Symtab.Symbols() {
		if sym.IsDefined() && sym.Binding == object.BindCommon {
			commons = append(commons, sym)
		}
	}
	if len(commons) == 0 {
		return
	}

	name := ".bss"
	if ctx.Format.Kind() == object.FormatMachO {
		name = "__common"
	}
	offset, align := uint64(0), uint64(1)
	for _, sym := range commons {
		offset = utils.AlignTo(offset, sym.Align)
		sym.Value = offset
		offset += sym.Size
		align = max(align, sym.Align)
	}

	obj := &object.InputObject{
		Format: ctx.Format.Kind(),
		Arch:   ctx.Arch,
		Sections: []object.Section{
			{Name: name, Kind: object.KindZeroFill, Align: align, Size: offset},
		},
	}
	ctx.Internal = NewObjectFile("<internal>", obj, len(ctx.Objs), -1)
	bss := ctx.Internal.Sections[0]
	for _, sym := range commons {
		sym.SetInputSection(bss)
		sym.Binding = object.BindGlobal
	}
	ctx.Objs = append(ctx.Objs, ctx.Internal)
}

// MergeSections deduplicates the entries of mergeable sections across the
// live objects. Splitting runs one task per object; interning runs in
// canonical order. Relocatable output keeps every section whole.
func MergeSections(ctx context.Context, c *Context) error {
	if c.relocatable() {
		return nil
	}

	// Create the merged sections in canonical order; the parallel split
	// only looks them up.
	for _, file := range c.Objs {
		for i := range file.Obj.Sections {
			if sec := &file.Obj.Sections[i]; sec.EntSize != 0 && sec.Kind != object.KindZeroFill &&
				len(file.Sections[i].Rels) == 0 {
				GetMergedSectionInstance(c, sec)
			}
		}
	}
	err := scheduler.Each(ctx, c.Sched, scheduler.PhaseMerge, len(c.Objs),
		func(_ context.Context, i int) error {
			return c.Objs[i].InitializeMergeableSections(c)
		})
	if err != nil {
		return err
	}

	for _, file := range c.Objs {
		if err := file.RegisterSectionPieces(); err != nil {
			return err
		}
	}
	return nil
}

// ScanRelocations reserves GOT slots in first-use order. Relocatable
// output keeps GOT relocations for the final link instead.
func ScanRelocations(ctx *Context) {
	if ctx.relocatable() {
		return
	}
	for _, file := range ctx.Objs {
		file.ScanRelocations()
	}

	for _, file := range ctx.Objs {
		for _, isec := range file.Sections {
			for _, rel := range isec.Rels {
				sym := file.Symbols[rel.Symbol]
				if sym.Flags&NeedsGot == 0 {
					continue
				}
				if ctx.Got == nil {
					ctx.Got = NewGotSection(ctx)
				}
				ctx.Got.AddGotSymbol(sym)
				sym.Flags = 0
			}
		}
	}
}

func BinSections(ctx *Context) {
	for _, file := range ctx.Objs {
		for _, isec := range file.Sections {
			if !isec.IsAlive {
				continue
			}
			osec := GetOutputSection(ctx, isec.Name, isec.Kind)
			isec.OutputSection = osec
			osec.Members = append(osec.Members, isec)
		}
	}
}

// CollectOutputSections returns the non-empty output sections, then the
// merged sections, then the synthetic ones.
func CollectOutputSections(ctx *Context) []Chunker {
	chunks := make([]Chunker, 0, len(ctx.OutputSections)+len(ctx.MergedSections)+1)
	for _, osec := range ctx.OutputSections {
		if len(osec.Members) > 0 {
			chunks = append(chunks, osec)
		}
	}
	for _, m := range ctx.MergedSections {
		if len(m.Map) > 0 {
			chunks = append(chunks, m)
		}
	}
	if ctx.Got != nil {
		chunks = append(chunks, ctx.Got)
	}
	return chunks
}

func ComputeSectionSizes(ctx *Context) {
	for _, chunk := range ctx.Chunks {
		chunk.UpdateChunk(ctx)
	}
}

// SortOutputSections orders chunks by segment: code, read-only data,
// writable data, zero-fill, then everything not loaded. The sort is stable
// so first-occurrence order holds inside a segment.
func SortOutputSections(ctx *Context) {
	rank := func(chunk Chunker) int {
		switch chunk.GetChunk().Kind {
		case object.KindCode:
			return 0
		case object.KindReadOnly:
			return 1
		case object.KindData:
			return 2
		case object.KindZeroFill:
			return 3
		}
		return 4
	}

	sort.SliceStable(ctx.Chunks, func(i, j int) bool {
		return rank(ctx.Chunks[i]) < rank(ctx.Chunks[j])
	})
}

// ApplyRelocations copies every input section into its output buffer and
// relocates it, one task per input section. Tasks write disjoint ranges.
// Synthetic chunks are filled afterwards.
func ApplyRelocations(ctx context.Context, c *Context) error {
	for _, chunk := range c.Chunks {
		ch := chunk.GetChunk()
		if ch.Kind != object.KindZeroFill {
			ch.Buf = make([]byte, ch.Size)
		}
	}

	var isecs []*InputSection
	for _, file := range c.Objs {
		for _, isec := range file.Sections {
			if isec.IsAlive {
				isecs = append(isecs, isec)
			}
		}
	}
	err := scheduler.Each(ctx, c.Sched, scheduler.PhaseRelocate, len(isecs),
		func(_ context.Context, i int) error {
			isec := isecs[i]
			osec := isec.OutputSection
			if osec.Buf == nil {
				return nil
			}
			return isec.WriteTo(c, osec.Buf[isec.Offset:])
		})
	if err != nil {
		return err
	}

	for _, chunk := range c.Chunks {
		if err := chunk.CopyBuf(c); err != nil {
			return err
		}
	}
	return nil
}
