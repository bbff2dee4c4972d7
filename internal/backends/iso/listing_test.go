package iso

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infracollect/ark/internal/engine"
)

func TestParseVerboseLine(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.Local)

	tests := []struct {
		name string
		line string
		want engine.Entry
	}{
		{
			name: "bsdtar recent file",
			line: "-rw-r--r--  1 root   wheel      12 May  1 10:00 docs/readme.txt",
			want: engine.Entry{
				Name: "docs/readme.txt", Type: engine.EntryFile, Mode: 0o644,
				Owner: "root", Group: "wheel", Size: 12,
				ModTime: time.Date(2024, 5, 1, 10, 0, 0, 0, time.Local),
			},
		},
		{
			name: "bsdtar timestamp from last year",
			line: "-rw-r--r--  1 0      0           1 Dec 31 23:59 old.txt",
			want: engine.Entry{
				Name: "old.txt", Type: engine.EntryFile, Mode: 0o644,
				Owner: "0", Group: "0", Size: 1,
				ModTime: time.Date(2023, 12, 31, 23, 59, 0, 0, time.Local),
			},
		},
		{
			name: "bsdtar directory with year",
			line: "dr-xr-xr-x  2 0      0           0 Jan  3  2020 boot/",
			want: engine.Entry{
				Name: "boot", Type: engine.EntryDir, Mode: 0o555,
				Owner: "0", Group: "0",
				ModTime: time.Date(2020, 1, 3, 0, 0, 0, 0, time.Local),
			},
		},
		{
			name: "bsdtar symlink",
			line: "lrwxrwxrwx  1 0      0           0 Jan  3  2020 latest -> boot/vmlinuz",
			want: engine.Entry{
				Name: "latest", Type: engine.EntrySymlink, Mode: 0o777,
				Owner: "0", Group: "0", Link: "boot/vmlinuz",
				ModTime: time.Date(2020, 1, 3, 0, 0, 0, 0, time.Local),
			},
		},
		{
			name: "name with spaces",
			line: "-rwsr-xr-x  1 0      0         100 Jan  3  2020 my tools/run me",
			want: engine.Entry{
				Name: "my tools/run me", Type: engine.EntryFile, Mode: 0o4755,
				Owner: "0", Group: "0", Size: 100,
				ModTime: time.Date(2020, 1, 3, 0, 0, 0, 0, time.Local),
			},
		},
		{
			name: "gnu tar layout",
			line: "-rw-r----- alice/staff 5 2024-05-01 10:00 ./docs/a.txt",
			want: engine.Entry{
				Name: "docs/a.txt", Type: engine.EntryFile, Mode: 0o640,
				Owner: "alice", Group: "staff", Size: 5,
				ModTime: time.Date(2024, 5, 1, 10, 0, 0, 0, time.Local),
			},
		},
		{
			name: "hard link lists as file",
			line: "hrw-r--r--  1 0      0           0 Jan  3  2020 copy.txt link to orig.txt",
			want: engine.Entry{
				Name: "copy.txt", Type: engine.EntryFile, Mode: 0o644,
				Owner: "0", Group: "0", Link: "orig.txt",
				ModTime: time.Date(2020, 1, 3, 0, 0, 0, 0, time.Local),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseVerboseLine(tt.line, now)
			require.NoError(t, err)
			assert.True(t, tt.want.ModTime.Equal(got.ModTime), "got %s", got.ModTime)
			got.ModTime = tt.want.ModTime
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseVerboseLine_Malformed(t *testing.T) {
	now := time.Now()
	for _, line := range []string{
		"",
		"total 12",
		"-rw-r--r--  1 0 0 12 May",
		"?rw-r--r--x  1 0 0 12 May  1 10:00 a",
		"-rw-r--r--  1 0 0 12 Foo  1 10:00 a",
	} {
		_, err := ParseVerboseLine(line, now)
		assert.Error(t, err, "line %q", line)
	}
}
