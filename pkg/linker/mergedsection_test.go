package linker

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ksco/weld/pkg/object"
)

func TestFindNull(t *testing.T) {
	tests := []struct {
		data    string
		entSize int
		want    int
	}{
		{"abc\x00def\x00", 1, 3},
		{"abc", 1, -1},
		{"a\x00\x00b\x00\x00", 2, 4},
		{"a\x00b\x00\x00\x00", 2, 4},
		{"a\x00\x00\x00", 4, -1},
		{"a\x00\x00\x00\x00\x00\x00\x00", 4, 4},
	}
	for _, tt := range tests {
		if got := findNull([]byte(tt.data), tt.entSize); got != tt.want {
			t.Errorf("findNull(%q, %d) = %d, want %d", tt.data, tt.entSize, got, tt.want)
		}
	}
}

func TestAssignOffsets(t *testing.T) {
	m := NewMergedSection(".rodata.str1.1", object.KindReadOnly, 1, true)
	world := m.Insert("world\x00", 0)
	hi := m.Insert("hi\x00", 0)
	aligned := m.Insert("x\x00", 3)
	if again := m.Insert("hi\x00", 1); again != hi {
		t.Fatal("equal entries got distinct fragments")
	}
	m.AssignOffsets()

	got := []uint64{world.Offset, hi.Offset, aligned.Offset}
	if diff := cmp.Diff([]uint64{0, 6, 16}, got); diff != "" {
		t.Errorf("offsets mismatch (-want +got):\n%s", diff)
	}
	if m.Size != 24 || m.Align != 8 {
		t.Errorf("got size %d align %d, want 24 and 8", m.Size, m.Align)
	}
}
