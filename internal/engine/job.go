package engine

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// State is the operation an Archive is currently running.
type State int

const (
	StateIdle State = iota
	StateListing
	StateOpening
	StateDeleting
	StateUpdating
	StateAdding
	StateExtracting
	StateCreating
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListing:
		return "listing"
	case StateOpening:
		return "opening"
	case StateDeleting:
		return "deleting"
	case StateUpdating:
		return "updating"
	case StateAdding:
		return "adding"
	case StateExtracting:
		return "extracting"
	case StateCreating:
		return "creating"
	default:
		return "unknown"
	}
}

// transitions lists the states reachable from each state.
var transitions = map[State][]State{
	StateIdle: {
		StateListing,
		StateOpening,
		StateDeleting,
		StateUpdating,
		StateAdding,
		StateExtracting,
		StateCreating,
	},
	StateListing:    {StateIdle},
	StateOpening:    {StateIdle},
	StateDeleting:   {StateIdle},
	StateUpdating:   {StateIdle},
	StateAdding:     {StateIdle},
	StateExtracting: {StateIdle},
	StateCreating:   {StateIdle},
}

func canTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// Job is one asynchronous archive operation. It finishes exactly once.
type Job struct {
	id       string
	state    State
	cancel   context.CancelFunc
	done     chan struct{}
	observer Observer

	mu      sync.Mutex
	err     error
	entries []Entry
	removed []string
}

func newJob(state State, cancel context.CancelFunc, observer Observer) *Job {
	if observer == nil {
		observer = NopObserver
	}
	return &Job{
		id:       uuid.NewString(),
		state:    state,
		cancel:   cancel,
		done:     make(chan struct{}),
		observer: observer,
	}
}

func (j *Job) ID() string {
	return j.id
}

// State returns the operation the job runs.
func (j *Job) State() State {
	return j.state
}

// Done is closed once the job reached its terminal outcome.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Err returns the job's failure, or nil while running or after success.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Wait blocks until the job finishes or ctx is done.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel kills the running stage. The job then finishes with a failure.
func (j *Job) Cancel() {
	j.cancel()
}

// Entries returns the entries reported while the job ran.
func (j *Job) Entries() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.entries)
}

// Removed returns the member names reported as removed while the job ran.
func (j *Job) Removed() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.removed)
}

func (j *Job) OnEntry(entry Entry) {
	j.mu.Lock()
	j.entries = append(j.entries, entry)
	j.mu.Unlock()
	j.observer.OnEntry(entry)
}

func (j *Job) OnEntryRemoved(name string) {
	j.mu.Lock()
	j.removed = append(j.removed, name)
	j.mu.Unlock()
	j.observer.OnEntryRemoved(name)
}

func (j *Job) OnProgress(done, total int64) {
	j.observer.OnProgress(done, total)
}

func (j *Job) finish(err error) {
	j.mu.Lock()
	j.err = err
	j.mu.Unlock()
	close(j.done)
}
