package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/infracollect/ark/internal/engine"
)

type interactiveCtxKeyType struct{}

var interactiveCtxKey = interactiveCtxKeyType{}

// isInteractiveEnvironment reports whether progress can be drawn on stderr.
func isInteractiveEnvironment() bool {
	if os.Getenv("CI") != "" {
		return false
	}
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stderr.Fd()))
}

func withInteractive(ctx context.Context, interactive bool) context.Context {
	return context.WithValue(ctx, interactiveCtxKey, interactive)
}

func isInteractive(ctx context.Context) bool {
	interactive, ok := ctx.Value(interactiveCtxKey).(bool)
	if !ok {
		return false
	}
	return interactive
}

// progressObserver draws byte progress of one archive operation.
type progressObserver struct {
	engine.ObserverFuncs

	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

func newProgressObserver(description string) *progressObserver {
	p := &progressObserver{
		bar: progressbar.NewOptions64(-1,
			progressbar.OptionSetDescription(description),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(10),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionShowCount(),
			progressbar.OptionOnCompletion(func() {
				_, _ = fmt.Fprint(os.Stderr, "\n")
			}),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionFullWidth(),
		),
	}
	p.Progress = p.update
	return p
}

func (p *progressObserver) update(done, total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if total > 0 && p.bar.GetMax64() != total {
		p.bar.ChangeMax64(total)
	}
	_ = p.bar.Set64(done)
}

func (p *progressObserver) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.bar.Finish()
}

// archiveOptions attaches a progress bar to the archive when the session is interactive.
// The returned function finishes the bar and must be called once the operation is done.
func archiveOptions(ctx context.Context, description string) ([]engine.ArchiveOption, func()) {
	if !isInteractive(ctx) {
		return nil, func() {}
	}
	p := newProgressObserver(description)
	return []engine.ArchiveOption{engine.WithObserver(p)}, p.Finish
}
