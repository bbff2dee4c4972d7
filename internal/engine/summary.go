package engine

import "strings"

// Summary aggregates a listing.
type Summary struct {
	Files        int
	Folders      int
	UnpackedSize int64
	// SingleFolder is true when every entry lives under one top-level directory.
	SingleFolder bool
	// SubfolderName is that directory when SingleFolder is true.
	SubfolderName string
}

func Summarize(entries []Entry) Summary {
	var s Summary
	root := ""
	single := len(entries) > 0

	for _, e := range entries {
		if e.IsDir() {
			s.Folders++
		} else {
			s.Files++
			s.UnpackedSize += e.Size
		}

		if !single {
			continue
		}

		name := strings.Trim(strings.TrimPrefix(e.Name, "./"), "/")
		first, _, nested := strings.Cut(name, "/")
		if !nested && !e.IsDir() {
			single = false
			continue
		}
		if root == "" {
			root = first
		} else if root != first {
			single = false
		}
	}

	if single && root != "" {
		s.SingleFolder = true
		s.SubfolderName = root
	}
	return s
}
