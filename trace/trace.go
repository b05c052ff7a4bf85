package trace

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

type Tracer interface {
	Close() error
	Print(vs ...interface{})
	Printf(f string, s ...interface{})
	LogPacket(s string, p []byte)
}

type traceWriter struct {
	mu sync.Mutex
	w  io.WriteCloser
}

func NewTraceWriter(w io.WriteCloser) Tracer {
	return &traceWriter{w: w}
}

// NewTraceFile opens (or appends to) the file at path and traces into it.
func NewTraceFile(path string) (Tracer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return NewTraceWriter(f), nil
}

func (t *traceWriter) Close() (err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.w != nil {
		err = t.w.Close()
		t.w = nil
	}
	return
}

func (t *traceWriter) Print(vs ...interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.print(vs...)
}

func (t *traceWriter) print(vs ...interface{}) {
	if t.w != nil {
		t.w.Write([]byte(fmt.Sprintf("%s: ", time.Now().Format("2006-01-02T15:04:05.0000"))))
		for _, v := range vs {
			t.w.Write([]byte(fmt.Sprintf("%v", v)))
		}
		t.w.Write([]byte{'\n'})
	}
}

func (t *traceWriter) Printf(f string, s ...interface{}) {
	t.Print(fmt.Sprintf(f, s...))
}

func (t *traceWriter) LogPacket(s string, p []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.w != nil {
		t.print(s)
		t.w.Write([]byte(hex.Dump(p)))
	}
}

type nilTracer struct{}

func NilTracer() Tracer                             { return nilTracer{} }
func (nilTracer) Close() error                      { return nil }
func (nilTracer) Print(vs ...interface{})           {}
func (nilTracer) Printf(f string, s ...interface{}) {}
func (nilTracer) LogPacket(s string, p []byte)      {}

type prefixTracer struct {
	prefix string
	Tracer
}

// WithPrefix returns a tracer that writes prefix in front of every line.
// Closing the returned tracer closes the wrapped one.
func WithPrefix(t Tracer, prefix string) Tracer {
	if t == nil {
		return NilTracer()
	}
	if _, ok := t.(nilTracer); ok {
		return t
	}
	return &prefixTracer{prefix: prefix, Tracer: t}
}

func (t *prefixTracer) Print(vs ...interface{}) {
	t.Tracer.Print(append([]interface{}{t.prefix, " "}, vs...)...)
}

func (t *prefixTracer) Printf(f string, s ...interface{}) {
	t.Tracer.Print(t.prefix, " ", fmt.Sprintf(f, s...))
}

func (t *prefixTracer) LogPacket(s string, p []byte) {
	t.Tracer.LogPacket(t.prefix+" "+s, p)
}
