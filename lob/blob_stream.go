package lob

import (
	"context"
	"io"

	"github.com/armon/go-metrics"
)

// BlobLocatorReader reads a Blob without buffering: every Read is one
// remote call for at most len(p) bytes. Use large buffers.
type BlobLocatorReader struct {
	ctx        context.Context
	blob       *Blob
	currentPos int64
	maxPos     int64
	closed     bool
}

// NewBlobLocatorReader reads the whole value as it is now. Bytes appended
// later are not read.
func NewBlobLocatorReader(ctx context.Context, blob *Blob) (*BlobLocatorReader, error) {
	return newBlobLocatorReader(ctx, blob, 1, -1)
}

// NewBlobLocatorReaderAt reads length bytes starting at pos.
func NewBlobLocatorReaderAt(ctx context.Context, blob *Blob, pos, length int64) (*BlobLocatorReader, error) {
	if err := blob.checkWindow(ctx, "blob reader", pos, length); err != nil {
		return nil, err
	}
	return newBlobLocatorReader(ctx, blob, pos, length)
}

func newBlobLocatorReader(ctx context.Context, blob *Blob, pos, length int64) (*BlobLocatorReader, error) {
	maxPos := pos + length - 1
	if length < 0 {
		blob.lock()
		size, err := blob.sqlLength(ctx)
		blob.unlock()
		if err != nil {
			return nil, err
		}
		maxPos = size
	}
	return &BlobLocatorReader{ctx: ctx, blob: blob, currentPos: pos, maxPos: maxPos}, nil
}

func (r *BlobLocatorReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, io.EOF
	}
	n := min(int64(len(p)), r.maxPos-r.currentPos+1)
	if n <= 0 {
		if len(p) == 0 && r.currentPos <= r.maxPos {
			return 0, nil
		}
		return 0, io.EOF
	}
	r.blob.lock()
	data, err := r.blob.getBytes(r.ctx, r.currentPos, int(n))
	r.blob.unlock()
	if err != nil {
		return 0, &IOError{Op: "blob read", Err: err}
	}
	if len(data) == 0 {
		return 0, io.EOF
	}
	copy(p, data)
	r.currentPos += int64(len(data))
	metrics.IncrCounter([]string{"drda", "lob", "bytes_read"}, float32(len(data)))
	return len(data), nil
}

// ReadRange reads into p[off:off+n].
func (r *BlobLocatorReader) ReadRange(p []byte, off, n int) (int, error) {
	if err := checkRange("blob read", len(p), off, n); err != nil {
		return 0, err
	}
	return r.Read(p[off : off+n])
}

func (r *BlobLocatorReader) Close() error {
	r.closed = true
	return nil
}

// BlobLocatorWriter writes to a Blob starting at a position. Every Write is
// one remote call, Flush has nothing to do.
type BlobLocatorWriter struct {
	ctx        context.Context
	blob       *Blob
	currentPos int64
	closed     bool
}

// NewBlobLocatorWriter fails when pos is past the end of the value plus
// one.
func NewBlobLocatorWriter(ctx context.Context, blob *Blob, pos int64) (*BlobLocatorWriter, error) {
	blob.lock()
	defer blob.unlock()
	size, err := blob.sqlLength(ctx)
	if err != nil {
		return nil, err
	}
	if pos < 1 || pos-1 > size {
		return nil, &BoundsError{Op: "blob writer", Pos: pos, Limit: size}
	}
	return &BlobLocatorWriter{ctx: ctx, blob: blob, currentPos: pos}, nil
}

// Write does nothing once the writer is closed.
func (w *BlobLocatorWriter) Write(p []byte) (int, error) {
	if w.closed || len(p) == 0 {
		return len(p), nil
	}
	w.blob.lock()
	err := w.blob.setBytes(w.ctx, w.currentPos, p)
	w.blob.unlock()
	if err != nil {
		return 0, &IOError{Op: "blob write", Err: err}
	}
	w.currentPos += int64(len(p))
	metrics.IncrCounter([]string{"drda", "lob", "bytes_written"}, float32(len(p)))
	return len(p), nil
}

func (w *BlobLocatorWriter) WriteRange(p []byte, off, n int) (int, error) {
	if err := checkRange("blob write", len(p), off, n); err != nil {
		return 0, err
	}
	return w.Write(p[off : off+n])
}

func (w *BlobLocatorWriter) Flush() error {
	return nil
}

func (w *BlobLocatorWriter) Close() error {
	w.closed = true
	return nil
}
