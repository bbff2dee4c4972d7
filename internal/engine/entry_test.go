package engine

import (
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessString(t *testing.T) {
	tests := []struct {
		mode int64
		typ  EntryType
		want string
	}{
		{0o644, EntryFile, "-rw-r--r--"},
		{0o755, EntryDir, "drwxr-xr-x"},
		{0o777, EntrySymlink, "lrwxrwxrwx"},
		{0o4755, EntryFile, "-rwsr-xr-x"},
		{0o4644, EntryFile, "-rwSr--r--"},
		{0o2755, EntryDir, "drwxr-sr-x"},
		{0o2745, EntryFile, "-rwxr-Sr-x"},
		{0o1777, EntryDir, "drwxrwxrwt"},
		{0o1776, EntryDir, "drwxrwxrwT"},
		{0, EntryFile, "----------"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, AccessString(tt.mode, tt.typ))
		})
	}
}

func TestParseAccessString_InvertsAccessString(t *testing.T) {
	for _, typ := range []EntryType{EntryFile, EntryDir, EntrySymlink} {
		for mode := int64(0); mode <= 0o7777; mode++ {
			gotMode, gotType, err := ParseAccessString(AccessString(mode, typ))
			require.NoError(t, err)
			if gotMode != mode || gotType != typ {
				t.Fatalf("mode %o type %s: got %o %s", mode, typ, gotMode, gotType)
			}
		}
	}
}

func TestParseAccessString_Invalid(t *testing.T) {
	for _, s := range []string{"", "rw-r--r--", "crw-r--r--", "-rwxrwxrwxx", "-rwqr--r--", "-rws--t---"} {
		_, _, err := ParseAccessString(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestPosixMode(t *testing.T) {
	assert.Equal(t, int64(0o644), PosixMode(0o644))
	assert.Equal(t, int64(0o4755), PosixMode(fs.ModeSetuid|0o755))
	assert.Equal(t, int64(0o2750), PosixMode(fs.ModeDir|fs.ModeSetgid|0o750))
	assert.Equal(t, int64(0o1777), PosixMode(fs.ModeDir|fs.ModeSticky|0o777))

	assert.Equal(t, EntryDir, EntryTypeOf(fs.ModeDir|0o755))
	assert.Equal(t, EntrySymlink, EntryTypeOf(fs.ModeSymlink|0o777))
	assert.Equal(t, EntryFile, EntryTypeOf(0o644))
}

func TestEntry_Values(t *testing.T) {
	entry := Entry{
		Name:    "docs/readme.md",
		Type:    EntryFile,
		Mode:    0o640,
		Owner:   "alice",
		Group:   "staff",
		Size:    1234,
		ModTime: time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC),
	}

	values := entry.Values(AllColumns())
	assert.Equal(t, map[Column]string{
		ColumnFileName:    "docs/readme.md",
		ColumnPermissions: "-rw-r-----",
		ColumnOwner:       "alice",
		ColumnGroup:       "staff",
		ColumnSize:        "1234",
		ColumnTimestamp:   "2024-05-01T10:30:00",
		ColumnLink:        "",
	}, values)

	assert.Empty(t, Entry{Name: "x"}.Value(ColumnTimestamp), "a zero timestamp renders empty")
	assert.Empty(t, entry.Value(Column(42)))
}

func TestColumn_String(t *testing.T) {
	assert.Equal(t, "FileName", ColumnFileName.String())
	assert.Equal(t, "Link", ColumnLink.String())
	assert.Equal(t, "Column(9)", Column(9).String())
}

func TestCapability(t *testing.T) {
	assert.True(t, CapabilitiesAll.Has(CapabilityAdd|CapabilityDelete))
	assert.False(t, CapabilitiesReadOnly.Has(CapabilityAdd))
	assert.Equal(t, "extract|view", CapabilitiesReadOnly.String())
	assert.Equal(t, "extract|delete|add|view", CapabilitiesAll.String())
	assert.Equal(t, "none", Capability(0).String())
}
