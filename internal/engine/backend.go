package engine

import (
	"context"
)

// Observer receives the notifications a backend emits while an operation runs.
type Observer interface {
	OnEntry(entry Entry)
	OnEntryRemoved(name string)
	OnProgress(done, total int64)
}

// ObserverFuncs adapts plain functions to an Observer. Nil functions are ignored.
type ObserverFuncs struct {
	Entry        func(Entry)
	EntryRemoved func(string)
	Progress     func(done, total int64)
}

func (o ObserverFuncs) OnEntry(entry Entry) {
	if o.Entry != nil {
		o.Entry(entry)
	}
}

func (o ObserverFuncs) OnEntryRemoved(name string) {
	if o.EntryRemoved != nil {
		o.EntryRemoved(name)
	}
}

func (o ObserverFuncs) OnProgress(done, total int64) {
	if o.Progress != nil {
		o.Progress(done, total)
	}
}

// NopObserver discards every notification.
var NopObserver Observer = ObserverFuncs{}

type ExtractOptions struct {
	// Overwrite replaces existing files in the destination.
	Overwrite bool
	// PreservePermissions applies the stored permission bits to extracted files.
	PreservePermissions bool
	// PreservePaths keeps member directories; when false every file lands directly in the destination.
	PreservePaths bool
}

type AddOptions struct {
	// ReplaceOnlyWithNewer keeps existing members whose timestamp is not older than the incoming file.
	ReplaceOnlyWithNewer bool
	// WorkDir, when set, makes member names relative to it instead of using base names.
	WorkDir string
}

// Reader is implemented by every backend.
//
// Methods block until the operation reaches its terminal outcome; Archive runs
// them on a job goroutine so callers never wait on a backend directly.
type Reader interface {
	Named
	Capabilities() Capability
	Columns() []Column
	Open(ctx context.Context, obs Observer) error
	List(ctx context.Context, obs Observer) error
	Extract(ctx context.Context, names []string, dest string, opts ExtractOptions, obs Observer) error
	Close() error
}

// Writer is implemented by backends that can mutate their archives.
type Writer interface {
	Reader
	Create(ctx context.Context) error
	Add(ctx context.Context, files []string, opts AddOptions, obs Observer) error
	Delete(ctx context.Context, names []string, obs Observer) error
}
