package process

import (
	"bytes"
	"strings"
)

// LineWriter splits written bytes into lines and hands each one to fn without its newline.
// Flush delivers a trailing line that has no newline.
type LineWriter struct {
	fn  func(line string) error
	buf []byte
}

func NewLineWriter(fn func(line string) error) *LineWriter {
	return &LineWriter{fn: fn}
}

func (l *LineWriter) Write(b []byte) (int, error) {
	l.buf = append(l.buf, b...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSuffix(string(l.buf[:i]), "\r")
		l.buf = l.buf[i+1:]
		if err := l.fn(line); err != nil {
			return len(b), err
		}
	}
	return len(b), nil
}

func (l *LineWriter) Flush() error {
	if len(l.buf) == 0 {
		return nil
	}
	line := strings.TrimSuffix(string(l.buf), "\r")
	l.buf = nil
	return l.fn(line)
}
