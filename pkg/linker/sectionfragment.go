package linker

import "math"

/*
 * SectionFragment is one distinct entry of a MergedSection. Every equal
 * entry of every input shares the same fragment.
 * @Offset: position inside OutputSection, set by AssignOffsets
 * @P2Align: the strictest alignment of any section holding the entry
 */
type SectionFragment struct {
	OutputSection *MergedSection
	Offset        uint64
	P2Align       uint8
}

func NewSectionFragment(m *MergedSection) *SectionFragment {
	return &SectionFragment{
		OutputSection: m,
		Offset:        math.MaxUint64,
	}
}

func (s *SectionFragment) GetAddr() uint64 {
	return s.OutputSection.Addr + s.Offset
}
