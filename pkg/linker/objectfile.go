package linker

import (
	"bytes"
	"fmt"

	"github.com/ksco/weld/pkg/object"
	"github.com/ksco/weld/pkg/utils"
)

/*
 * ObjectFile is one parsed input object, standalone or an archive member.
 * @Priority: position in canonical input order; lower wins ties
 * @Archive: index of the archive the member came from, -1 for objects
 *           given directly
 * @IsAlive: the object takes part in the link; archive members start dead
 *           and are brought to life by MarkLiveObjects
 * @Err: why an archive member could not be parsed; Obj is nil then
 * @Sections: one InputSection per object section, same indexes
 * @Symbols: one entry per object symbol, same indexes. Locals point into
 *           LocalSymbols, globals into the SymbolTable once merged
 * @MergeableSections: the split form of each merged section, nil for the
 *                     rest; same indexes as Sections
 */
type ObjectFile struct {
	Name     string
	Priority int
	Archive  int
	Obj      *object.InputObject
	IsAlive  bool
	Err      error

	Sections     []*InputSection
	Symbols      []*Symbol
	LocalSymbols []Symbol

	MergeableSections []*MergeableSection
}

func NewObjectFile(name string, obj *object.InputObject, priority, archive int) *ObjectFile {
	o := &ObjectFile{
		Name:     name,
		Priority: priority,
		Archive:  archive,
		Obj:      obj,
		IsAlive:  archive < 0,
	}
	o.InitializeSections()
	o.InitializeSymbols()
	return o
}

func (o *ObjectFile) InLib() bool {
	return o.Archive >= 0
}

func (o *ObjectFile) InitializeSections() {
	o.Sections = make([]*InputSection, len(o.Obj.Sections))
	for i := range o.Obj.Sections {
		o.Sections[i] = NewInputSection(o, i)
	}

	for _, rel := range o.Obj.Relocations {
		isec := o.Sections[rel.Section]
		isec.Rels = append(isec.Rels, rel)
	}
}

// InitializeSymbols resolves locals right away. Global slots stay nil until
// the object is merged into the symbol table.
func (o *ObjectFile) InitializeSymbols() {
	nlocals := 0
	for i := range o.Obj.Symbols {
		if o.Obj.Symbols[i].IsLocal() {
			nlocals++
		}
	}

	o.LocalSymbols = make([]Symbol, 0, nlocals)
	o.Symbols = make([]*Symbol, len(o.Obj.Symbols))
	for i := range o.Obj.Symbols {
		esym := &o.Obj.Symbols[i]
		if !esym.IsLocal() {
			continue
		}

		o.LocalSymbols = append(o.LocalSymbols, *NewSymbol(esym.Name))
		sym := &o.LocalSymbols[len(o.LocalSymbols)-1]
		sym.File = o
		sym.SymIdx = i
		sym.Binding = object.BindLocal
		sym.Type = esym.Type
		sym.Visibility = esym.Visibility
		sym.Value = esym.Value
		sym.Size = esym.Size
		if esym.Section >= 0 {
			sym.SetInputSection(o.Sections[esym.Section])
		}
		o.Symbols[i] = sym
	}
}

// DefinesUndefined reports whether the object defines a name that some
// merged object references strongly and nothing defines yet. Only such
// archive members are pulled into the link.
func (o *ObjectFile) DefinesUndefined(t *SymbolTable) bool {
	if o.Obj == nil {
		return false
	}
	for i := range o.Obj.Symbols {
		esym := &o.Obj.Symbols[i]
		if esym.IsLocal() || esym.IsUndef() {
			continue
		}
		if sym := t.Lookup(esym.Name); sym != nil && !sym.IsDefined() && sym.Referenced {
			return true
		}
	}
	return false
}

// MarkLiveObjects brings the members of one archive to life. A member is
// taken when it defines a currently undefined reference; the archive is
// rescanned until a pass adds nothing, because a member taken late may
// reference one skipped earlier. Objects after the archive never pull
// from it. A member only has to match the target once it is taken.
func MarkLiveObjects(ctx *Context, members []*ObjectFile) error {
	for {
		added := false
		for _, file := range members {
			if file.IsAlive || !file.DefinesUndefined(ctx.Symtab) {
				continue
			}
			if err := CheckFileCompatibility(ctx, file); err != nil {
				return err
			}
			file.IsAlive = true
			if err := ctx.Symtab.Merge(file); err != nil {
				return err
			}
			added = true
		}
		if !added {
			return nil
		}
	}
}

// InitializeMergeableSections splits every mergeable section into
// entries and takes it out of the regular output. Sections patched by
// relocations are left whole.
func (o *ObjectFile) InitializeMergeableSections(ctx *Context) error {
	o.MergeableSections = make([]*MergeableSection, len(o.Sections))
	for i, isec := range o.Sections {
		sec := &o.Obj.Sections[i]
		if sec.EntSize == 0 || sec.Kind == object.KindZeroFill || len(isec.Rels) > 0 {
			continue
		}
		m, err := splitSection(ctx, isec)
		if err != nil {
			return err
		}
		o.MergeableSections[i] = m
		isec.IsAlive = false
	}
	return nil
}

func findNull(data []byte, entSize int) int {
	if entSize == 1 {
		return bytes.IndexByte(data, 0)
	}

	for i := 0; i <= len(data)-entSize; i += entSize {
		if utils.AllZeros(data[i : i+entSize]) {
			return i
		}
	}
	return -1
}

func splitSection(ctx *Context, isec *InputSection) (*MergeableSection, error) {
	sec := &isec.File.Obj.Sections[isec.Shndx]
	m := &MergeableSection{
		Parent:  GetMergedSectionInstance(ctx, sec),
		P2Align: isec.P2Align,
		Size:    uint64(len(isec.Contents)),
	}
	bad := func(off uint64, format string, args ...any) error {
		return &object.ParseError{Input: isec.File.Name, Offset: int64(off),
			Cause: object.CauseInconsistent,
			Msg:   fmt.Sprintf("section %q: %s", isec.Name, fmt.Sprintf(format, args...))}
	}

	data := isec.Contents
	offset := uint64(0)
	if sec.Strings {
		for len(data) > 0 {
			end := findNull(data, int(sec.EntSize))
			if end == -1 {
				return nil, bad(offset, "string is not null terminated")
			}

			sz := uint64(end) + sec.EntSize
			m.Strs = append(m.Strs, string(data[:sz]))
			m.FragOffsets = append(m.FragOffsets, offset)
			data = data[sz:]
			offset += sz
		}
		return m, nil
	}

	if uint64(len(data))%sec.EntSize != 0 {
		return nil, bad(0, "size %d is not a multiple of the entry size %d", len(data), sec.EntSize)
	}
	for len(data) > 0 {
		m.Strs = append(m.Strs, string(data[:sec.EntSize]))
		m.FragOffsets = append(m.FragOffsets, offset)
		data = data[sec.EntSize:]
		offset += sec.EntSize
	}
	return m, nil
}

// RegisterSectionPieces interns the entries of every merged section and
// moves the symbols this object defines inside them onto their fragment.
// Section symbols stay put; relocations through them pick a fragment from
// the addend.
func (o *ObjectFile) RegisterSectionPieces() error {
	for _, m := range o.MergeableSections {
		if m == nil {
			continue
		}

		m.Fragments = make([]*SectionFragment, 0, len(m.Strs))
		for _, str := range m.Strs {
			m.Fragments = append(m.Fragments, m.Parent.Insert(str, m.P2Align))
		}
	}

	for i := range o.Obj.Symbols {
		esym := &o.Obj.Symbols[i]
		if esym.Section < 0 || esym.IsCommon() || esym.Type == object.SymSection {
			continue
		}
		m := o.MergeableSections[esym.Section]
		if m == nil {
			continue
		}
		sym := o.Symbols[i]
		if sym == nil || sym.File != o || sym.SymIdx != i {
			continue
		}

		frag, fragOffset := m.GetFragment(esym.Value)
		if frag == nil {
			return &object.ParseError{Input: o.Name, Cause: object.CauseOutOfRange,
				Msg: fmt.Sprintf("symbol %q: value %#x is outside its merged section", esym.Name, esym.Value)}
		}
		sym.SetSectionFragment(frag)
		sym.Value = fragOffset
	}
	return nil
}

// ScanRelocations marks the symbols reached through the GOT.
func (o *ObjectFile) ScanRelocations() {
	for _, isec := range o.Sections {
		isec.ScanRelocations()
	}
}
