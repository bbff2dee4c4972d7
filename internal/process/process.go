// Package process runs external programs and in-process tasks behind one
// completion contract: every Process delivers exactly one Exit on Done.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	progressInterval = 2 * time.Second
	copyBufferSize   = 32 * 1024
)

// Spec describes one external program invocation.
type Spec struct {
	// Name labels the invocation in logs and errors.
	Name    string
	Program string
	Args    []string
	// Dir is the working directory of the program. The caller's working directory is never changed.
	Dir string
	Env map[string]string
	// Stdout receives the program's standard output. Nil discards it.
	Stdout io.Writer
	// StdoutLabel names the stdout destination in write errors, e.g. "archive" or "temp file".
	StdoutLabel string
	Timeout     time.Duration
}

// Exit is the terminal outcome of a Process.
type Exit struct {
	Code     int
	Stderr   string
	Written  int64
	Duration time.Duration
	Err      error
}

// Process is one running program or task.
type Process struct {
	name    string
	logger  *zap.Logger
	cancel  context.CancelFunc
	done    chan struct{}
	exit    Exit
	started time.Time

	killOnce sync.Once
	kill     func()
	progress rate.Sometimes
}

// Start spawns the program described by spec. A program that cannot be launched
// is reported synchronously as a *SpawnError.
func Start(ctx context.Context, logger *zap.Logger, spec Spec) (*Process, error) {
	if spec.Program == "" {
		return nil, &SpawnError{Program: spec.Program, Err: fmt.Errorf("program is required")}
	}
	name := spec.Name
	if name == "" {
		name = spec.Program
	}

	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	cmd := exec.CommandContext(ctx, spec.Program, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stderr := newTailBuffer(maxStderr)
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, &SpawnError{Program: spec.Program, Err: err}
	}

	p := &Process{
		name:     name,
		logger:   logger,
		cancel:   cancel,
		done:     make(chan struct{}),
		progress: rate.Sometimes{Interval: progressInterval},
	}
	p.kill = func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}

	logger.Debug("invoking process",
		zap.String("name", name),
		zap.String("program", spec.Program),
		zap.Strings("args", spec.Args),
		zap.String("working_dir", cmd.Dir),
		zap.Duration("timeout", spec.Timeout),
	)

	p.started = time.Now()
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, &SpawnError{Program: spec.Program, Err: err}
	}

	go func() {
		sink := spec.Stdout
		if sink == nil {
			sink = io.Discard
		}
		written, pumpErr := p.pump(stdout, sink, spec.StdoutLabel)
		if pumpErr != nil {
			// Stop the producer; its remaining output has nowhere to go.
			p.Kill()
			_, _ = io.Copy(io.Discard, stdout)
		}
		waitErr := cmd.Wait()

		exit := Exit{
			Code:     -1,
			Stderr:   strings.TrimSpace(stderr.String()),
			Written:  written,
			Duration: time.Since(p.started),
		}
		if cmd.ProcessState != nil {
			exit.Code = cmd.ProcessState.ExitCode()
		}

		switch {
		case pumpErr != nil:
			exit.Err = pumpErr
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			exit.Err = fmt.Errorf("%s timed out after %s: %s", name, spec.Timeout, exit.Stderr)
		case ctx.Err() != nil && waitErr != nil:
			exit.Err = fmt.Errorf("%s killed: %w", name, ctx.Err())
		case waitErr != nil:
			exit.Err = &ExitError{Name: name, Program: spec.Program, Code: exit.Code, Stderr: exit.Stderr, Err: waitErr}
		}

		p.finish(exit)
	}()

	return p, nil
}

// Run starts spec and waits for its terminal outcome.
func Run(ctx context.Context, logger *zap.Logger, spec Spec) (Exit, error) {
	p, err := Start(ctx, logger, spec)
	if err != nil {
		return Exit{Code: -1, Err: err}, err
	}
	exit := p.Wait()
	return exit, exit.Err
}

func (p *Process) Name() string {
	return p.name
}

// Done is closed once the Exit is available.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exit returns the terminal outcome. It is only meaningful after Done is closed.
func (p *Process) Exit() Exit {
	<-p.done
	return p.exit
}

// Wait blocks until the process finished and returns its Exit.
func (p *Process) Wait() Exit {
	return p.Exit()
}

// Kill terminates the process. The Exit then reports a failure.
func (p *Process) Kill() {
	p.killOnce.Do(func() {
		p.logger.Debug("killing process", zap.String("name", p.name))
		p.kill()
	})
	p.cancel()
}

func (p *Process) finish(exit Exit) {
	p.cancel()
	p.exit = exit
	p.logger.Debug("process finished",
		zap.String("name", p.name),
		zap.Int("exit_code", exit.Code),
		zap.String("written", humanize.Bytes(uint64(max(exit.Written, 0)))),
		zap.Duration("duration", exit.Duration),
		zap.Error(exit.Err),
	)
	close(p.done)
}

// pump copies r into w. A write that stores fewer bytes than requested is fatal.
func (p *Process) pump(r io.Reader, w io.Writer, label string) (int64, error) {
	buf := make([]byte, copyBufferSize)
	var written int64
	for {
		nr, rerr := r.Read(buf)
		if nr > 0 {
			nw, werr := w.Write(buf[:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if werr == nil && nw != nr {
				werr = ErrShortWrite
			}
			if werr != nil {
				return written, &WriteError{Target: label, Err: werr}
			}
			p.progress.Do(func() {
				p.logger.Debug("streaming output",
					zap.String("name", p.name),
					zap.String("written", humanize.Bytes(uint64(written))),
				)
			})
		}
		if errors.Is(rerr, io.EOF) {
			if f, ok := w.(interface{ Flush() error }); ok {
				if err := f.Flush(); err != nil {
					return written, &WriteError{Target: label, Err: err}
				}
			}
			return written, nil
		}
		if rerr != nil {
			return written, fmt.Errorf("failed to read output of %s: %w", p.name, rerr)
		}
	}
}
