package lob

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sijms/go-drda/locator"
	"github.com/sijms/go-drda/network"
	"github.com/sijms/go-drda/trace"
)

// Connection is what a locator based LOB needs from its connection. The
// lock is the connection monitor, every remote call is made holding it.
type Connection interface {
	sync.Locker
	LocatorProcedures() locator.Procedures
	Tracer() trace.Tracer
}

var (
	ErrLobFreed     = network.NewSqlError(network.StateLobObjectInvalid, 0, "LOB object was freed")
	ErrStreamClosed = errors.New("lob: stream is closed")
)

// BoundsError is returned before any remote call when a position, offset
// or length is outside the allowed range.
type BoundsError struct {
	Op     string
	Pos    int64
	Length int64
	Limit  int64
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("lob: %s: position %d length %d out of bounds (limit %d)", e.Op, e.Pos, e.Length, e.Limit)
}

// IOError wraps a failure of the remote call made by a stream operation.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return "lob: " + e.Op + ": " + e.Err.Error()
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func checkRange(op string, capacity, off, n int) error {
	if off < 0 || n < 0 || off+n > capacity {
		return &BoundsError{Op: op, Pos: int64(off), Length: int64(n), Limit: int64(capacity)}
	}
	return nil
}

// base is the state shared by Blob and Clob.
type base struct {
	conn    Connection
	locator int
	// length is the cached value length, -1 until known
	length      int64
	updateCount atomic.Int64
	freed       atomic.Bool
}

func (b *base) isLocator() bool {
	return b.conn != nil
}

func (b *base) lock() {
	if b.conn != nil {
		b.conn.Lock()
	}
}

func (b *base) unlock() {
	if b.conn != nil {
		b.conn.Unlock()
	}
}

func (b *base) procs() locator.Procedures {
	return b.conn.LocatorProcedures()
}

func (b *base) tracer() trace.Tracer {
	if b.conn == nil {
		return trace.NilTracer()
	}
	return b.conn.Tracer()
}

func (b *base) checkValid() error {
	if b.freed.Load() {
		return ErrLobFreed
	}
	return nil
}

// Locator is the server handle of a locator based LOB, 0 for a
// materialized one.
func (b *base) Locator() int {
	return b.locator
}

func (b *base) IsLocator() bool {
	return b.isLocator()
}

// UpdateCount grows by one on every change of the value. Streams compare
// it to detect that what they buffered is stale.
func (b *base) UpdateCount() int64 {
	return b.updateCount.Load()
}

func (b *base) modified() {
	b.updateCount.Add(1)
}

// extend records a write of n units at pos in the cached length.
func (b *base) extend(pos int64, n int) {
	if b.length >= 0 {
		b.length = max(b.length, pos-1+int64(n))
	}
}
