package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// TaskFunc produces output into stdout. Writes that store fewer bytes than given fail with ErrShortWrite.
type TaskFunc func(ctx context.Context, stdout io.Writer) error

// Task is an in-process producer with the same completion contract as a program.
type Task struct {
	Name        string
	Stdout      io.Writer
	StdoutLabel string
	Run         TaskFunc
}

// Go runs task on its own goroutine and returns immediately.
func Go(ctx context.Context, logger *zap.Logger, task Task) *Process {
	ctx, cancel := context.WithCancel(ctx)
	p := &Process{
		name:     task.Name,
		logger:   logger,
		cancel:   cancel,
		done:     make(chan struct{}),
		progress: rate.Sometimes{Interval: progressInterval},
		started:  time.Now(),
	}
	p.kill = cancel

	sink := task.Stdout
	if sink == nil {
		sink = io.Discard
	}
	w := &checkedWriter{w: sink, label: task.StdoutLabel, p: p}

	logger.Debug("invoking task", zap.String("name", task.Name))

	go func() {
		err := task.Run(ctx, w)
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}

		var writeErr *WriteError
		switch {
		case err == nil:
		case errors.As(err, &writeErr):
			err = writeErr
		case ctx.Err() != nil:
			err = fmt.Errorf("%s killed: %w", task.Name, ctx.Err())
		default:
			err = fmt.Errorf("%s failed: %w", task.Name, err)
		}

		code := 0
		if err != nil {
			code = 1
		}
		p.finish(Exit{
			Code:     code,
			Written:  w.written,
			Duration: time.Since(p.started),
			Err:      err,
		})
	}()

	return p
}

type checkedWriter struct {
	w       io.Writer
	label   string
	p       *Process
	written int64
}

func (c *checkedWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	if n > 0 {
		c.written += int64(n)
	}
	if err == nil && n != len(b) {
		err = ErrShortWrite
	}
	if err != nil {
		return n, &WriteError{Target: c.label, Err: err}
	}
	c.p.progress.Do(func() {
		c.p.logger.Debug("streaming output",
			zap.String("name", c.p.name),
			zap.String("written", humanize.Bytes(uint64(c.written))),
		)
	})
	return n, nil
}

// ContextReader returns a reader that fails with the context error once ctx is done,
// so in-process tasks stop streaming when they are killed.
func ContextReader(ctx context.Context, r io.Reader) io.Reader {
	return &contextReader{ctx: ctx, r: r}
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(b []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(b)
}
