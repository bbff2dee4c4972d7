package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSummarize(t *testing.T) {
	tests := []struct {
		name    string
		entries []Entry
		want    Summary
	}{
		{
			name: "empty archive is not a single folder",
			want: Summary{},
		},
		{
			name: "single folder",
			entries: []Entry{
				{Name: "project", Type: EntryDir},
				{Name: "project/src", Type: EntryDir},
				{Name: "project/src/main.go", Size: 100},
				{Name: "project/README", Size: 20},
			},
			want: Summary{Files: 2, Folders: 2, UnpackedSize: 120, SingleFolder: true, SubfolderName: "project"},
		},
		{
			name: "implicit top-level folder",
			entries: []Entry{
				{Name: "./project/a.txt", Size: 1},
				{Name: "./project/b.txt", Size: 2},
			},
			want: Summary{Files: 2, UnpackedSize: 3, SingleFolder: true, SubfolderName: "project"},
		},
		{
			name: "file at the top level",
			entries: []Entry{
				{Name: "project", Type: EntryDir},
				{Name: "project/a.txt", Size: 1},
				{Name: "notes.txt", Size: 2},
			},
			want: Summary{Files: 2, Folders: 1, UnpackedSize: 3},
		},
		{
			name: "two top-level folders",
			entries: []Entry{
				{Name: "one/a.txt", Size: 1},
				{Name: "two/b.txt", Size: 1},
			},
			want: Summary{Files: 2, UnpackedSize: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Summarize(tt.entries))
		})
	}
}
