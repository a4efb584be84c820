// Package archive splits System V and BSD ar archives into their members.
package archive

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/ksco/weld/pkg/object"
	"github.com/ksco/weld/pkg/utils"
)

const (
	Magic      = "!<arch>\n"
	ThinMagic  = "!<thin>\n"
	HeaderSize = 60
)

type ArHdr struct {
	Name [16]byte
	Date [12]byte
	Uid  [6]byte
	Gid  [6]byte
	Mode [8]byte
	Size [10]byte
	Fmag [2]byte
}

func (a *ArHdr) name() string {
	return strings.TrimRight(string(a.Name[:]), " ")
}

// IsSymtab reports the GNU "/" and "/SYM64/" index members, which the
// linker never reads. BSD names its index with a long name, so that case is
// only known once the name is decoded; see isSymdef.
func (a *ArHdr) IsSymtab() bool {
	switch a.name() {
	case "/", "/SYM64/":
		return true
	}
	return isSymdef(a.name())
}

// isSymdef matches "__.SYMDEF", "__.SYMDEF SORTED" and their _64 variants.
func isSymdef(name string) bool {
	return strings.HasPrefix(name, "__.SYMDEF")
}

func (a *ArHdr) IsStrtab() bool {
	return a.name() == "//"
}

func (a *ArHdr) GetSize() (uint64, bool) {
	s := strings.TrimSpace(string(a.Size[:]))
	n, err := strconv.ParseUint(s, 10, 64)
	return n, err == nil
}

type Member struct {
	Name string
	// Offset of Contents inside the archive buffer.
	Offset   int64
	Contents []byte
}

func IsArchive(data []byte) bool {
	return bytes.HasPrefix(data, []byte(Magic))
}

// ReadMembers returns the object members of data in archive order.
// Contents alias data.
func ReadMembers(data []byte) ([]Member, error) {
	if bytes.HasPrefix(data, []byte(ThinMagic)) {
		return nil, object.Errorf(0, object.CauseUnsupportedFeature, "thin archives are not supported")
	}
	if !IsArchive(data) {
		return nil, object.Errorf(0, object.CauseUnsupportedFormat, "not an archive")
	}

	var strTab []byte
	var members []Member
	pos := len(Magic)
	for len(data)-pos > 1 {
		if pos%2 == 1 {
			pos++
		}
		if len(data)-pos < HeaderSize {
			return nil, object.Errorf(int64(pos), object.CauseTruncated, "member header truncated")
		}
		hdr := utils.Read[ArHdr](data[pos:])
		if string(hdr.Fmag[:]) != "`\n" {
			return nil, object.Errorf(int64(pos+58), object.CauseInconsistent, "bad member header terminator")
		}
		size, ok := hdr.GetSize()
		if !ok {
			return nil, object.Errorf(int64(pos+48), object.CauseInconsistent,
				"bad member size %q", strings.TrimSpace(string(hdr.Size[:])))
		}
		start := pos + HeaderSize
		if size > uint64(len(data)-start) {
			return nil, object.Errorf(int64(start), object.CauseTruncated,
				"member of %d bytes past end of archive", size)
		}
		contents := data[start : start+int(size)]
		pos = start + int(size)

		if hdr.IsSymtab() {
			continue
		}
		if hdr.IsStrtab() {
			strTab = contents
			continue
		}

		name, skip, err := memberName(&hdr, strTab, contents, int64(start))
		if err != nil {
			return nil, err
		}
		if isSymdef(name) {
			continue
		}
		members = append(members, Member{
			Name:     name,
			Offset:   int64(start + skip),
			Contents: contents[skip:],
		})
	}
	return members, nil
}

// memberName decodes the three naming schemes. skip is the number of
// content bytes a BSD long name occupies.
func memberName(hdr *ArHdr, strTab, contents []byte, off int64) (string, int, error) {
	// BSD: #1/<len>, name stored at the start of the contents.
	if rest, ok := utils.RemovePrefix(hdr.name(), "#1/"); ok {
		n, err := strconv.Atoi(rest)
		if err != nil || n < 0 || n > len(contents) {
			return "", 0, object.Errorf(off, object.CauseOutOfRange, "bad BSD name length %q", rest)
		}
		return strings.TrimRight(string(contents[:n]), "\x00"), n, nil
	}

	// GNU: /<offset> into the // member, entries end with "/\n".
	if rest, ok := utils.RemovePrefix(hdr.name(), "/"); ok {
		start, err := strconv.Atoi(rest)
		if err != nil || start < 0 || start >= len(strTab) {
			return "", 0, object.Errorf(off, object.CauseBadStringIndex, "long name index %q", rest)
		}
		end := bytes.Index(strTab[start:], []byte("/\n"))
		if end < 0 {
			return "", 0, object.Errorf(off, object.CauseBadStringIndex, "unterminated long name at %d", start)
		}
		return string(strTab[start : start+end]), 0, nil
	}

	return strings.TrimSuffix(hdr.name(), "/"), 0, nil
}
