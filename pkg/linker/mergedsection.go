package linker

import (
	"sort"

	"github.com/ksco/weld/pkg/object"
	"github.com/ksco/weld/pkg/utils"
)

// MergedSection is the output of every mergeable input section sharing a
// name, kind and entry shape. Map is keyed by entry contents.
type MergedSection struct {
	Chunk
	EntSize uint64
	Strings bool
	Map     map[string]*SectionFragment
}

func NewMergedSection(name string, kind object.SectionKind, entSize uint64, strings bool) *MergedSection {
	m := &MergedSection{
		Chunk:   NewChunk(),
		EntSize: entSize,
		Strings: strings,
		Map:     make(map[string]*SectionFragment),
	}
	m.Name = name
	m.Kind = kind
	return m
}

// GetMergedSectionInstance finds or creates the merged section for an input
// section. The input name is kept as is, so .rodata.str1.1 never mixes with
// plain .rodata.
func GetMergedSectionInstance(ctx *Context, sec *object.Section) *MergedSection {
	find := func() *MergedSection {
		for _, m := range ctx.MergedSections {
			if m.Name == sec.Name && m.Kind == sec.Kind &&
				m.EntSize == sec.EntSize && m.Strings == sec.Strings {
				return m
			}
		}
		return nil
	}

	if m := find(); m != nil {
		return m
	}

	m := NewMergedSection(sec.Name, sec.Kind, sec.EntSize, sec.Strings)
	ctx.MergedSections = append(ctx.MergedSections, m)
	return m
}

func (m *MergedSection) Insert(key string, p2align uint8) *SectionFragment {
	frag, ok := m.Map[key]
	if !ok {
		frag = NewSectionFragment(m)
		m.Map[key] = frag
	}

	if frag.P2Align < p2align {
		frag.P2Align = p2align
	}
	return frag
}

// AssignOffsets orders fragments by alignment, then length, then
// contents, which keeps the output independent of input order.
func (m *MergedSection) AssignOffsets() {
	keys := make([]string, 0, len(m.Map))
	for key := range m.Map {
		keys = append(keys, key)
	}

	sort.Slice(keys, func(i, j int) bool {
		x, y := keys[i], keys[j]
		if a, b := m.Map[x].P2Align, m.Map[y].P2Align; a != b {
			return a < b
		}
		if len(x) != len(y) {
			return len(x) < len(y)
		}
		return x < y
	})

	offset := uint64(0)
	p2align := uint8(0)
	for _, key := range keys {
		frag := m.Map[key]
		offset = utils.AlignTo(offset, 1<<frag.P2Align)
		frag.Offset = offset
		offset += uint64(len(key))
		p2align = max(p2align, frag.P2Align)
	}

	m.Size = utils.AlignTo(offset, 1<<p2align)
	m.Align = 1 << p2align
}

func (m *MergedSection) UpdateChunk(ctx *Context) {
	m.AssignOffsets()
}

func (m *MergedSection) CopyBuf(ctx *Context) error {
	for key, frag := range m.Map {
		copy(m.Buf[frag.Offset:], key)
	}
	return nil
}
