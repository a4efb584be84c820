package linker

import "sort"

/*
 * MergeableSection is an input section split into entries.
 * @Strs: the entries, terminators included for strings
 * @FragOffsets: where each entry starts in the input section
 * @Fragments: the shared fragment of each entry, filled by
 *             RegisterSectionPieces
 * @Size: size of the input section
 */
type MergeableSection struct {
	Parent      *MergedSection
	P2Align     uint8
	Strs        []string
	FragOffsets []uint64
	Fragments   []*SectionFragment
	Size        uint64
}

// GetFragment returns the fragment covering offset and the offset inside
// it, or nil past the end of the section.
func (m *MergeableSection) GetFragment(offset uint64) (*SectionFragment, uint64) {
	if offset >= m.Size {
		return nil, 0
	}
	pos := sort.Search(len(m.FragOffsets), func(i int) bool {
		return offset < m.FragOffsets[i]
	})

	if pos == 0 {
		return nil, 0
	}

	idx := pos - 1
	return m.Fragments[idx], offset - m.FragOffsets[idx]
}
