package service

import (
	"bytes"
	"io"
	"sync"
)

// syncWriter serializes writes of all units sharing w. The mutex is shared
// by stdout and stderr, as both may end up in the same file.
type syncWriter struct {
	mx *sync.Mutex
	w  io.Writer
}

func (s syncWriter) Write(p []byte) (int, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.w.Write(p)
}

// prefixWriter prefixes each line with the unit name. Incomplete lines are
// buffered until the newline arrives or Flush is called. A single
// prefixWriter is written by one goroutine only.
type prefixWriter struct {
	prefix []byte
	w      io.Writer
	buf    []byte
}

func newPrefixWriter(name string, w io.Writer) *prefixWriter {
	return &prefixWriter{
		prefix: []byte("[" + name + "] "),
		w:      w,
	}
}

func (pw *prefixWriter) Write(p []byte) (int, error) {
	pw.buf = append(pw.buf, p...)
	for {
		idx := bytes.IndexByte(pw.buf, '\n')
		if idx < 0 {
			break
		}
		if err := pw.writeLine(pw.buf[:idx+1]); err != nil {
			return len(p), err
		}
		pw.buf = pw.buf[idx+1:]
	}
	if len(pw.buf) == 0 {
		pw.buf = nil
	}
	return len(p), nil
}

// Flush writes a trailing incomplete line, terminated by a newline.
func (pw *prefixWriter) Flush() error {
	if len(pw.buf) == 0 {
		return nil
	}
	line := append(pw.buf, '\n')
	pw.buf = nil
	return pw.writeLine(line)
}

func (pw *prefixWriter) writeLine(line []byte) error {
	out := make([]byte, 0, len(pw.prefix)+len(line))
	out = append(out, pw.prefix...)
	out = append(out, line...)
	_, err := pw.w.Write(out)
	return err
}

type flusher interface {
	Flush() error
}

type stream struct {
	w     io.Writer
	flush func()
}

func newStream(w io.Writer) stream {
	s := stream{w: w, flush: func() {}}
	if f, ok := w.(flusher); ok {
		s.flush = func() { _ = f.Flush() }
	}
	return s
}
