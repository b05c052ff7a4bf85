package lob

import (
	"context"
	"io"
)

const defaultBufferSize = 4096

type unitReader[T byte | rune] interface {
	Read(p []T) (int, error)
}

// bufferedReader reads ahead from a locator stream in chunks of its buffer
// size.
type bufferedReader[T byte | rune] struct {
	src  unitReader[T]
	buf  []T
	r, w int
	err  error
}

func newBufferedReader[T byte | rune](src unitReader[T]) *bufferedReader[T] {
	return &bufferedReader[T]{src: src, buf: make([]T, defaultBufferSize)}
}

func (b *bufferedReader[T]) Read(p []T) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if b.r == b.w {
		if b.err != nil {
			return 0, b.err
		}
		if len(p) >= len(b.buf) {
			n, err := b.src.Read(p)
			b.err = err
			if n > 0 {
				return n, nil
			}
			return 0, err
		}
		b.r, b.w = 0, 0
		n, err := b.src.Read(b.buf)
		if n == 0 {
			b.err = err
			return 0, err
		}
		b.w = n
	}
	n := copy(p, b.buf[b.r:b.w])
	b.r += n
	return n, nil
}

// updateSensitive wraps a buffered locator stream and reopens it at the
// current position when the LOB changed since the last read.
type updateSensitive[T byte | rune] struct {
	ctx  context.Context
	op   string
	lob  interface{ UpdateCount() int64 }
	open func(ctx context.Context, pos, length int64) (unitReader[T], error)

	in          *bufferedReader[T]
	start       int64
	length      int64
	currentPos  int64
	updateCount int64
	closed      bool
}

func (u *updateSensitive[T]) reopen() error {
	// length of the window that is left, -1 reads to the end of the value
	length := int64(-1)
	if u.length >= 0 {
		length = u.length - (u.currentPos - u.start)
	}
	updateCount := u.lob.UpdateCount()
	src, err := u.open(u.ctx, u.currentPos, length)
	if err != nil {
		return err
	}
	u.in = newBufferedReader(src)
	u.updateCount = updateCount
	return nil
}

func (u *updateSensitive[T]) Read(p []T) (int, error) {
	if u.closed {
		return 0, ErrStreamClosed
	}
	if u.lob.UpdateCount() != u.updateCount {
		if err := u.reopen(); err != nil {
			return 0, &IOError{Op: u.op, Err: err}
		}
	}
	n, err := u.in.Read(p)
	u.currentPos += int64(n)
	return n, err
}

// Close can be called more than once, reads fail afterwards.
func (u *updateSensitive[T]) Close() error {
	u.closed = true
	return nil
}

func newUpdateSensitive[T byte | rune](ctx context.Context, op string, lob interface{ UpdateCount() int64 }, pos, length int64,
	open func(ctx context.Context, pos, length int64) (unitReader[T], error)) (updateSensitive[T], error) {
	u := updateSensitive[T]{
		ctx:        ctx,
		op:         op,
		lob:        lob,
		open:       open,
		start:      pos,
		length:     length,
		currentPos: pos,
	}
	err := u.reopen()
	return u, err
}

// UpdateSensitiveBlobReader is a buffered Blob reader that never serves
// bytes made stale by a change of the Blob, the change may come from a
// writer or from SetBytes or Truncate.
type UpdateSensitiveBlobReader struct {
	updateSensitive[byte]
}

var _ io.ReadCloser = (*UpdateSensitiveBlobReader)(nil)

func NewUpdateSensitiveBlobReader(ctx context.Context, blob *Blob, pos, length int64) (*UpdateSensitiveBlobReader, error) {
	u, err := newUpdateSensitive(ctx, "blob read", blob, pos, length,
		func(ctx context.Context, pos, length int64) (unitReader[byte], error) {
			return newBlobLocatorReader(ctx, blob, pos, length)
		})
	if err != nil {
		return nil, err
	}
	return &UpdateSensitiveBlobReader{u}, nil
}

// UpdateSensitiveClobInputStream is the update sensitive form of
// ClobLocatorInputStream, with the same '?' substitution.
type UpdateSensitiveClobInputStream struct {
	updateSensitive[byte]
}

func NewUpdateSensitiveClobInputStream(ctx context.Context, clob *Clob, pos, length int64) (*UpdateSensitiveClobInputStream, error) {
	u, err := newUpdateSensitive(ctx, "clob read", clob, pos, length,
		func(ctx context.Context, pos, length int64) (unitReader[byte], error) {
			return newClobLocatorInputStream(ctx, clob, pos, length)
		})
	if err != nil {
		return nil, err
	}
	return &UpdateSensitiveClobInputStream{u}, nil
}

type UpdateSensitiveClobReader struct {
	updateSensitive[rune]
}

func NewUpdateSensitiveClobReader(ctx context.Context, clob *Clob, pos, length int64) (*UpdateSensitiveClobReader, error) {
	u, err := newUpdateSensitive(ctx, "clob read", clob, pos, length,
		func(ctx context.Context, pos, length int64) (unitReader[rune], error) {
			return newClobLocatorReader(ctx, clob, pos, length)
		})
	if err != nil {
		return nil, err
	}
	return &UpdateSensitiveClobReader{u}, nil
}

// ReadString reads up to n characters.
func (r *UpdateSensitiveClobReader) ReadString(n int) (string, error) {
	buf := make([]rune, n)
	got, err := r.Read(buf)
	return string(buf[:got]), err
}
