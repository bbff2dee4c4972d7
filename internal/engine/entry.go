package engine

import (
	"fmt"
	"io/fs"
	"strconv"
	"time"
)

// TimestampLayout is the ISO 8601 layout used when rendering the Timestamp column.
const TimestampLayout = "2006-01-02T15:04:05"

// EntryType is the kind of archive member.
type EntryType int

const (
	EntryFile EntryType = iota
	EntryDir
	EntrySymlink
)

func (t EntryType) String() string {
	switch t {
	case EntryDir:
		return "dir"
	case EntrySymlink:
		return "symlink"
	default:
		return "file"
	}
}

// Column identifies one field of an entry. Identifiers are stable across backends.
type Column int

const (
	ColumnFileName Column = iota
	ColumnPermissions
	ColumnOwner
	ColumnGroup
	ColumnSize
	ColumnTimestamp
	ColumnLink
)

var columnNames = [...]string{
	ColumnFileName:    "FileName",
	ColumnPermissions: "Permissions",
	ColumnOwner:       "Owner",
	ColumnGroup:       "Group",
	ColumnSize:        "Size",
	ColumnTimestamp:   "Timestamp",
	ColumnLink:        "Link",
}

func (c Column) String() string {
	if c < 0 || int(c) >= len(columnNames) {
		return "Column(" + strconv.Itoa(int(c)) + ")"
	}
	return columnNames[c]
}

// AllColumns returns every column in display order.
func AllColumns() []Column {
	return []Column{
		ColumnFileName,
		ColumnPermissions,
		ColumnOwner,
		ColumnGroup,
		ColumnSize,
		ColumnTimestamp,
		ColumnLink,
	}
}

// Entry is an immutable snapshot of one archive member.
type Entry struct {
	// Name is the member path without any leading "./" or trailing "/".
	Name    string
	Type    EntryType
	Mode    int64 // POSIX permission bits including setuid, setgid and sticky
	Owner   string
	Group   string
	Size    int64
	ModTime time.Time
	Link    string
}

func (e Entry) IsDir() bool {
	return e.Type == EntryDir
}

// Permissions returns the 10-character access string of the entry.
func (e Entry) Permissions() string {
	return AccessString(e.Mode, e.Type)
}

// Value renders a single column of the entry.
func (e Entry) Value(c Column) string {
	switch c {
	case ColumnFileName:
		return e.Name
	case ColumnPermissions:
		return e.Permissions()
	case ColumnOwner:
		return e.Owner
	case ColumnGroup:
		return e.Group
	case ColumnSize:
		return strconv.FormatInt(e.Size, 10)
	case ColumnTimestamp:
		if e.ModTime.IsZero() {
			return ""
		}
		return e.ModTime.Format(TimestampLayout)
	case ColumnLink:
		return e.Link
	default:
		return ""
	}
}

// Values maps each requested column to its rendered value.
func (e Entry) Values(columns []Column) map[Column]string {
	values := make(map[Column]string, len(columns))
	for _, c := range columns {
		values[c] = e.Value(c)
	}
	return values
}

const (
	modeSetUID = 0o4000
	modeSetGID = 0o2000
	modeSticky = 0o1000
)

// AccessString renders mode as an ls-style permission string such as "drwxr-sr-x".
func AccessString(mode int64, typ EntryType) string {
	const rwx = "rwxrwxrwx"

	var b [10]byte
	switch typ {
	case EntryDir:
		b[0] = 'd'
	case EntrySymlink:
		b[0] = 'l'
	default:
		b[0] = '-'
	}

	for i := range 9 {
		if mode&(1<<uint(8-i)) != 0 {
			b[i+1] = rwx[i]
		} else {
			b[i+1] = '-'
		}
	}

	special(&b[3], mode&modeSetUID != 0, 's', 'S')
	special(&b[6], mode&modeSetGID != 0, 's', 'S')
	special(&b[9], mode&modeSticky != 0, 't', 'T')

	return string(b[:])
}

func special(c *byte, set bool, withExec, withoutExec byte) {
	if !set {
		return
	}
	if *c == 'x' {
		*c = withExec
	} else {
		*c = withoutExec
	}
}

// ParseAccessString is the inverse of AccessString.
func ParseAccessString(s string) (int64, EntryType, error) {
	if len(s) != 10 {
		return 0, EntryFile, fmt.Errorf("invalid access string %q: expected 10 characters", s)
	}

	var typ EntryType
	switch s[0] {
	case '-':
		typ = EntryFile
	case 'd':
		typ = EntryDir
	case 'l':
		typ = EntrySymlink
	default:
		return 0, EntryFile, fmt.Errorf("invalid access string %q: unsupported type %q", s, s[0])
	}

	const rwx = "rwxrwxrwx"
	var mode int64
	for i := range 9 {
		c := s[i+1]
		bit := int64(1) << uint(8-i)
		switch {
		case c == rwx[i]:
			mode |= bit
		case c == '-':
		case i == 2 && (c == 's' || c == 'S'):
			mode |= modeSetUID
			if c == 's' {
				mode |= bit
			}
		case i == 5 && (c == 's' || c == 'S'):
			mode |= modeSetGID
			if c == 's' {
				mode |= bit
			}
		case i == 8 && (c == 't' || c == 'T'):
			mode |= modeSticky
			if c == 't' {
				mode |= bit
			}
		default:
			return 0, EntryFile, fmt.Errorf("invalid access string %q: unexpected %q at position %d", s, c, i+1)
		}
	}

	return mode, typ, nil
}

// PosixMode converts an fs.FileMode into POSIX permission bits.
func PosixMode(m fs.FileMode) int64 {
	mode := int64(m.Perm())
	if m&fs.ModeSetuid != 0 {
		mode |= modeSetUID
	}
	if m&fs.ModeSetgid != 0 {
		mode |= modeSetGID
	}
	if m&fs.ModeSticky != 0 {
		mode |= modeSticky
	}
	return mode
}

// EntryTypeOf returns the entry type matching an fs.FileMode.
func EntryTypeOf(m fs.FileMode) EntryType {
	switch {
	case m.IsDir():
		return EntryDir
	case m&fs.ModeSymlink != 0:
		return EntrySymlink
	default:
		return EntryFile
	}
}
