package iso

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/infracollect/ark/internal/engine"
)

const (
	linkSeparator     = " -> "
	hardLinkSeparator = " link to "
)

// ParseVerboseLine parses one line of a verbose archiver listing. Both the ls-style
// layout printed by bsdtar and the owner/group layout printed by GNU tar are accepted:
//
//	-rw-r--r--  1 root   wheel      12 May  1 10:00 docs/readme.txt
//	-rw-r--r-- root/wheel 12 2024-05-01 10:00 docs/readme.txt
//
// now resolves the year of recent bsdtar timestamps, which omit it.
func ParseVerboseLine(line string, now time.Time) (engine.Entry, error) {
	fields, _ := splitFields(line, 2)
	if len(fields) < 2 {
		return engine.Entry{}, fmt.Errorf("malformed listing line %q", line)
	}
	if strings.Contains(fields[1], "/") {
		return parseGNULine(line)
	}
	return parseBSDLine(line, now)
}

func parseBSDLine(line string, now time.Time) (engine.Entry, error) {
	// perms links owner group size month day time-or-year name
	fields, rest := splitFields(line, 8)
	if len(fields) < 8 || rest == "" {
		return engine.Entry{}, fmt.Errorf("malformed listing line %q", line)
	}

	entry, err := newEntry(fields[0], fields[2], fields[3], fields[4])
	if err != nil {
		return engine.Entry{}, err
	}
	modTime, err := parseBSDTime(fields[5], fields[6], fields[7], now)
	if err != nil {
		return engine.Entry{}, fmt.Errorf("malformed timestamp in %q: %w", line, err)
	}
	entry.ModTime = modTime
	setName(&entry, rest)
	return entry, nil
}

func parseGNULine(line string) (engine.Entry, error) {
	// perms owner/group size date time name
	fields, rest := splitFields(line, 5)
	if len(fields) < 5 || rest == "" {
		return engine.Entry{}, fmt.Errorf("malformed listing line %q", line)
	}

	owner, group, _ := strings.Cut(fields[1], "/")
	entry, err := newEntry(fields[0], owner, group, fields[2])
	if err != nil {
		return engine.Entry{}, err
	}
	modTime, err := time.ParseInLocation("2006-01-02 15:04", fields[3]+" "+fields[4], time.Local)
	if err != nil {
		return engine.Entry{}, fmt.Errorf("malformed timestamp in %q: %w", line, err)
	}
	entry.ModTime = modTime
	setName(&entry, rest)
	return entry, nil
}

func newEntry(access, owner, group, size string) (engine.Entry, error) {
	// Device, fifo and hard link members list as plain files.
	if access != "" && !strings.ContainsRune("-dl", rune(access[0])) {
		access = "-" + access[1:]
	}
	mode, typ, err := engine.ParseAccessString(access)
	if err != nil {
		return engine.Entry{}, err
	}
	n, err := strconv.ParseInt(size, 10, 64)
	if err != nil {
		// Device members print "major,minor" instead of a size.
		n = 0
	}
	return engine.Entry{
		Type:  typ,
		Mode:  mode,
		Owner: owner,
		Group: group,
		Size:  n,
	}, nil
}

func setName(entry *engine.Entry, rest string) {
	name := rest
	switch {
	case entry.Type == engine.EntrySymlink:
		if before, after, ok := strings.Cut(rest, linkSeparator); ok {
			name, entry.Link = before, after
		}
	default:
		if before, after, ok := strings.Cut(rest, hardLinkSeparator); ok {
			name, entry.Link = before, after
		}
	}
	entry.Name = memberName(name)
}

func parseBSDTime(month, day, clock string, now time.Time) (time.Time, error) {
	if strings.Contains(clock, ":") {
		t, err := time.ParseInLocation("Jan 2 15:04 2006", fmt.Sprintf("%s %s %s %d", month, day, clock, now.Year()), time.Local)
		if err != nil {
			return time.Time{}, err
		}
		// Listings only omit the year for the last six months.
		if t.After(now.AddDate(0, 0, 1)) {
			t = t.AddDate(-1, 0, 0)
		}
		return t, nil
	}
	return time.ParseInLocation("Jan 2 2006", fmt.Sprintf("%s %s %s", month, day, clock), time.Local)
}

// splitFields returns the first n whitespace-separated fields of s and the remainder
// after them with its leading whitespace removed. Names may contain spaces.
func splitFields(s string, n int) ([]string, string) {
	fields := make([]string, 0, n)
	rest := s
	for len(fields) < n {
		rest = strings.TrimLeft(rest, " \t")
		if rest == "" {
			break
		}
		end := strings.IndexAny(rest, " \t")
		if end < 0 {
			fields = append(fields, rest)
			rest = ""
			break
		}
		fields = append(fields, rest[:end])
		rest = rest[end:]
	}
	return fields, strings.TrimLeft(rest, " \t")
}

func memberName(raw string) string {
	return strings.TrimPrefix(path.Clean("/"+raw), "/")
}
