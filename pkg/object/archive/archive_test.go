package archive

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ksco/weld/pkg/object"
)

type entry struct {
	name string
	data string
}

func build(entries ...entry) []byte {
	var b bytes.Buffer
	b.WriteString(Magic)
	for _, e := range entries {
		if b.Len()%2 == 1 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%-16s%-12s%-6s%-6s%-8s%-10d`\n", e.name, "0", "0", "0", "644", len(e.data))
		b.WriteString(e.data)
	}
	return b.Bytes()
}

func names(members []Member) []string {
	var out []string
	for _, m := range members {
		out = append(out, m.Name)
	}
	return out
}

func TestReadMembersGNU(t *testing.T) {
	long := "a_rather_long_member_name.o"
	data := build(
		entry{"/", "\x00\x00\x00\x00"},
		entry{"//", long + "/\nother_long_member_name.o/\n"},
		entry{"short.o/", "abc"},
		entry{"/0", "defg"},
		entry{fmt.Sprintf("/%d", len(long)+2), "h"},
	)

	members, err := ReadMembers(data)
	if err != nil {
		t.Fatalf("Failed to read archive: %v", err)
	}
	want := []string{"short.o", long, "other_long_member_name.o"}
	if diff := cmp.Diff(want, names(members)); diff != "" {
		t.Errorf("member names mismatch (-want +got):\n%s", diff)
	}
	if got := string(members[0].Contents); got != "abc" {
		t.Errorf("got contents %q", got)
	}
	// Odd-sized members are followed by a padding byte.
	if got := string(members[1].Contents); got != "defg" {
		t.Errorf("got contents %q", got)
	}
	if got := data[members[2].Offset]; got != 'h' {
		t.Errorf("member offset points at %q", got)
	}
}

func TestReadMembersBSD(t *testing.T) {
	data := build(
		entry{"__.SYMDEF SORTED", "\x00\x00\x00\x00\x00\x00\x00\x00"},
		entry{"#1/20", "long_bsd_name.o\x00\x00\x00\x00\x00payload"},
	)
	members, err := ReadMembers(data)
	if err != nil {
		t.Fatalf("Failed to read archive: %v", err)
	}
	if len(members) != 1 || members[0].Name != "long_bsd_name.o" || string(members[0].Contents) != "payload" {
		t.Errorf("got members %+v", members)
	}
}

func TestReadMembersSkipsLongNamedIndex(t *testing.T) {
	tests := []struct {
		name  string
		entry entry
	}{
		{"sorted", entry{"#1/20", "__.SYMDEF SORTED\x00\x00\x00\x00ranlib"}},
		{"unsorted", entry{"#1/12", "__.SYMDEF\x00\x00\x00ranlib"}},
		{"64-bit", entry{"#1/20", "__.SYMDEF_64 SORTED\x00ranlib"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			members, err := ReadMembers(build(tt.entry, entry{"#1/8", "foo.o\x00\x00\x00body"}))
			if err != nil {
				t.Fatalf("Failed to read archive: %v", err)
			}
			if diff := cmp.Diff([]string{"foo.o"}, names(members)); diff != "" {
				t.Errorf("member names mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReadMembersRejectsMalformedInput(t *testing.T) {
	good := build(entry{"a.o/", "0123456789"})
	tests := []struct {
		name  string
		data  []byte
		cause object.Cause
	}{
		{"not an archive", []byte("\x7fELF"), object.CauseUnsupportedFormat},
		{"thin archive", []byte(ThinMagic), object.CauseUnsupportedFeature},
		{"header truncated", good[:len(Magic)+30], object.CauseTruncated},
		{"contents truncated", good[:len(good)-3], object.CauseTruncated},
		{"bad terminator", bytes.Replace(bytes.Clone(good), []byte("`\n"), []byte("xx"), 1), object.CauseInconsistent},
		{"header cut at size", build(entry{"a.o/", ""})[:len(Magic)+48], object.CauseTruncated},
		{"long name without table", build(entry{"/4", "x"}), object.CauseBadStringIndex},
		{"bsd name too long", build(entry{"#1/99", "x"}), object.CauseOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadMembers(tt.data)
			var pe *object.ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("got error %v, want a ParseError", err)
			}
			if pe.Cause != tt.cause {
				t.Errorf("got cause %q (%v), want %q", pe.Cause, err, tt.cause)
			}
		})
	}
}

func TestReadMembersSizeField(t *testing.T) {
	data := build(entry{"a.o/", "x"})
	copy(data[len(Magic)+48:], "12ab      ")
	_, err := ReadMembers(data)
	var pe *object.ParseError
	if !errors.As(err, &pe) || pe.Cause != object.CauseInconsistent {
		t.Errorf("got %v, want an inconsistent size error", err)
	}
}

func TestEmptyArchive(t *testing.T) {
	members, err := ReadMembers([]byte(Magic))
	if err != nil || len(members) != 0 {
		t.Errorf("got %v, %v", members, err)
	}
}
