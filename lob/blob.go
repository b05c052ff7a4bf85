package lob

import (
	"bytes"
	"context"
	"io"
)

// Blob is a binary LOB. It either holds its value in memory or refers to a
// value kept on the server through a locator. Positions are 1-based.
type Blob struct {
	base
	data []byte
}

func NewBlob(data []byte) *Blob {
	ret := &Blob{data: append([]byte(nil), data...)}
	ret.length = int64(len(data))
	return ret
}

// NewLocatorBlob makes a Blob for a server locator. Pass -1 as length when
// it is not known, it is fetched on first use.
func NewLocatorBlob(conn Connection, locator int, length int64) *Blob {
	ret := &Blob{}
	ret.conn = conn
	ret.locator = locator
	ret.length = length
	return ret
}

// sqlLength and the other lower case accessors expect the connection lock
// to be held.
func (b *Blob) sqlLength(ctx context.Context) (int64, error) {
	if err := b.checkValid(); err != nil {
		return 0, err
	}
	if b.length >= 0 {
		return b.length, nil
	}
	b.tracer().Print("Read Blob Length")
	length, err := b.procs().BlobGetLength(ctx, b.locator)
	if err != nil {
		return 0, err
	}
	b.length = length
	return length, nil
}

func (b *Blob) getBytes(ctx context.Context, pos int64, n int) ([]byte, error) {
	if err := b.checkValid(); err != nil {
		return nil, err
	}
	if b.isLocator() {
		return b.procs().BlobGetBytes(ctx, b.locator, pos, n)
	}
	start := int(pos - 1)
	if start >= len(b.data) {
		return []byte{}, nil
	}
	end := min(start+n, len(b.data))
	return append([]byte(nil), b.data[start:end]...), nil
}

func (b *Blob) setBytes(ctx context.Context, pos int64, data []byte) error {
	if err := b.checkValid(); err != nil {
		return err
	}
	if b.isLocator() {
		if err := b.procs().BlobSetBytes(ctx, b.locator, pos, data); err != nil {
			return err
		}
	} else {
		end := int(pos-1) + len(data)
		if end > len(b.data) {
			b.data = append(b.data, make([]byte, end-len(b.data))...)
		}
		copy(b.data[pos-1:], data)
	}
	b.extend(pos, len(data))
	b.modified()
	return nil
}

func (b *Blob) Length(ctx context.Context) (int64, error) {
	b.lock()
	defer b.unlock()
	return b.sqlLength(ctx)
}

// Bytes returns up to length bytes starting at pos. Fewer bytes are
// returned when the value ends first.
func (b *Blob) Bytes(ctx context.Context, pos int64, length int) ([]byte, error) {
	b.lock()
	defer b.unlock()
	if pos <= 0 || length < 0 {
		return nil, &BoundsError{Op: "blob get bytes", Pos: pos, Length: int64(length)}
	}
	size, err := b.sqlLength(ctx)
	if err != nil {
		return nil, err
	}
	if pos > size+1 {
		return nil, &BoundsError{Op: "blob get bytes", Pos: pos, Length: int64(length), Limit: size}
	}
	return b.getBytes(ctx, pos, int(min(int64(length), size-pos+1)))
}

// SetBytes writes data at pos. Writing may start anywhere up to one past
// the current end, the value grows as needed.
func (b *Blob) SetBytes(ctx context.Context, pos int64, data []byte) (int, error) {
	b.lock()
	defer b.unlock()
	if pos <= 0 {
		return 0, &BoundsError{Op: "blob set bytes", Pos: pos, Length: int64(len(data))}
	}
	size, err := b.sqlLength(ctx)
	if err != nil {
		return 0, err
	}
	if pos-1 > size {
		return 0, &BoundsError{Op: "blob set bytes", Pos: pos, Length: int64(len(data)), Limit: size}
	}
	if err = b.setBytes(ctx, pos, data); err != nil {
		return 0, err
	}
	return len(data), nil
}

func (b *Blob) Truncate(ctx context.Context, length int64) error {
	b.lock()
	defer b.unlock()
	size, err := b.sqlLength(ctx)
	if err != nil {
		return err
	}
	if length < 0 || length > size {
		return &BoundsError{Op: "blob truncate", Length: length, Limit: size}
	}
	if b.isLocator() {
		if err = b.procs().BlobTruncate(ctx, b.locator, length); err != nil {
			return err
		}
	} else {
		b.data = b.data[:length]
	}
	b.length = length
	b.modified()
	return nil
}

// Position returns where pattern first occurs at or after start, -1 when
// it does not occur.
func (b *Blob) Position(ctx context.Context, pattern []byte, start int64) (int64, error) {
	b.lock()
	defer b.unlock()
	if start <= 0 {
		return -1, &BoundsError{Op: "blob position", Pos: start}
	}
	if err := b.checkValid(); err != nil {
		return -1, err
	}
	if b.isLocator() {
		return b.procs().BlobGetPositionFromBytes(ctx, b.locator, pattern, start)
	}
	if start-1 > int64(len(b.data)) {
		return -1, nil
	}
	idx := bytes.Index(b.data[start-1:], pattern)
	if idx < 0 {
		return -1, nil
	}
	return start + int64(idx), nil
}

// Free releases the server locator. It is safe to call more than once,
// every other operation fails with ErrLobFreed afterwards.
func (b *Blob) Free(ctx context.Context) error {
	b.lock()
	defer b.unlock()
	if b.freed.Swap(true) {
		return nil
	}
	if !b.isLocator() {
		b.data = nil
		return nil
	}
	return b.procs().BlobReleaseLocator(ctx, b.locator)
}

// Reader returns a reader over the whole value that follows changes made
// to the value while it is open.
func (b *Blob) Reader(ctx context.Context) (io.ReadCloser, error) {
	r, err := NewUpdateSensitiveBlobReader(ctx, b, 1, -1)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ReaderAt is Reader limited to length bytes starting at pos.
func (b *Blob) ReaderAt(ctx context.Context, pos, length int64) (io.ReadCloser, error) {
	if err := b.checkWindow(ctx, "blob reader", pos, length); err != nil {
		return nil, err
	}
	r, err := NewUpdateSensitiveBlobReader(ctx, b, pos, length)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (b *Blob) Writer(ctx context.Context, pos int64) (*BlobLocatorWriter, error) {
	return NewBlobLocatorWriter(ctx, b, pos)
}

func (b *Blob) checkWindow(ctx context.Context, op string, pos, length int64) error {
	b.lock()
	defer b.unlock()
	size, err := b.sqlLength(ctx)
	if err != nil {
		return err
	}
	if pos < 1 || length < 0 || pos+length-1 > size {
		return &BoundsError{Op: op, Pos: pos, Length: length, Limit: size}
	}
	return nil
}
