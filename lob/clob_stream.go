package lob

import (
	"context"
	"io"
	"unicode/utf8"

	"github.com/armon/go-metrics"
	"golang.org/x/text/encoding/charmap"
)

// clobCursor is the position bookkeeping shared by the CLOB readers.
type clobCursor struct {
	ctx        context.Context
	clob       *Clob
	currentPos int64
	maxPos     int64
	closed     bool
}

func newClobCursor(ctx context.Context, clob *Clob, pos, length int64) (clobCursor, error) {
	maxPos := pos + length - 1
	if length < 0 {
		clob.lock()
		size, err := clob.sqlLength(ctx)
		clob.unlock()
		if err != nil {
			return clobCursor{}, err
		}
		maxPos = size
	}
	return clobCursor{ctx: ctx, clob: clob, currentPos: pos, maxPos: maxPos}, nil
}

// next fetches at most want characters with one call. It returns io.EOF
// without a remote call once the window is exhausted.
func (c *clobCursor) next(op string, want int) (string, error) {
	if c.closed {
		return "", io.EOF
	}
	n := min(int64(want), c.maxPos-c.currentPos+1)
	if n <= 0 {
		if want == 0 && c.currentPos <= c.maxPos {
			return "", nil
		}
		return "", io.EOF
	}
	c.clob.lock()
	s, err := c.clob.subString(c.ctx, c.currentPos, int(n))
	c.clob.unlock()
	if err != nil {
		return "", &IOError{Op: op, Err: err}
	}
	if len(s) == 0 {
		return "", io.EOF
	}
	count := utf8.RuneCountInString(s)
	c.currentPos += int64(count)
	metrics.IncrCounter([]string{"drda", "lob", "chars_read"}, float32(count))
	return s, nil
}

// ClobLocatorInputStream reads a Clob as bytes, one byte per character.
//
// Characters with a code point above 0xFF cannot be represented and are
// replaced with '?' (0x3F). This conversion is lossy on purpose and kept
// for compatibility; use ClobLocatorReader to read the exact characters.
type ClobLocatorInputStream struct {
	clobCursor
}

func NewClobLocatorInputStream(ctx context.Context, clob *Clob) (*ClobLocatorInputStream, error) {
	return newClobLocatorInputStream(ctx, clob, 1, -1)
}

func NewClobLocatorInputStreamAt(ctx context.Context, clob *Clob, pos, length int64) (*ClobLocatorInputStream, error) {
	if err := clob.checkWindow(ctx, "clob input stream", pos, length); err != nil {
		return nil, err
	}
	return newClobLocatorInputStream(ctx, clob, pos, length)
}

func newClobLocatorInputStream(ctx context.Context, clob *Clob, pos, length int64) (*ClobLocatorInputStream, error) {
	cursor, err := newClobCursor(ctx, clob, pos, length)
	if err != nil {
		return nil, err
	}
	return &ClobLocatorInputStream{cursor}, nil
}

func (r *ClobLocatorInputStream) Read(p []byte) (int, error) {
	s, err := r.next("clob read", len(p))
	if err != nil {
		return 0, err
	}
	return latin1Bytes(s, p), nil
}

func (r *ClobLocatorInputStream) ReadRange(p []byte, off, n int) (int, error) {
	if err := checkRange("clob read", len(p), off, n); err != nil {
		return 0, err
	}
	return r.Read(p[off : off+n])
}

func (r *ClobLocatorInputStream) Close() error {
	r.closed = true
	return nil
}

// latin1Bytes writes the ISO-8859-1 byte of each character of s into p,
// '?' for characters outside ISO-8859-1.
func latin1Bytes(s string, p []byte) int {
	i := 0
	for _, ch := range s {
		b, ok := charmap.ISO8859_1.EncodeRune(ch)
		if !ok {
			b = '?'
		}
		p[i] = b
		i++
	}
	return i
}

// ClobLocatorReader reads the characters of a Clob. Like the byte streams
// it does one remote call per Read.
type ClobLocatorReader struct {
	clobCursor
}

func NewClobLocatorReader(ctx context.Context, clob *Clob) (*ClobLocatorReader, error) {
	return newClobLocatorReader(ctx, clob, 1, -1)
}

func NewClobLocatorReaderAt(ctx context.Context, clob *Clob, pos, length int64) (*ClobLocatorReader, error) {
	if err := clob.checkWindow(ctx, "clob reader", pos, length); err != nil {
		return nil, err
	}
	return newClobLocatorReader(ctx, clob, pos, length)
}

func newClobLocatorReader(ctx context.Context, clob *Clob, pos, length int64) (*ClobLocatorReader, error) {
	cursor, err := newClobCursor(ctx, clob, pos, length)
	if err != nil {
		return nil, err
	}
	return &ClobLocatorReader{cursor}, nil
}

func (r *ClobLocatorReader) Read(p []rune) (int, error) {
	s, err := r.next("clob read", len(p))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ch := range s {
		p[n] = ch
		n++
	}
	return n, nil
}

func (r *ClobLocatorReader) ReadRange(p []rune, off, n int) (int, error) {
	if err := checkRange("clob read", len(p), off, n); err != nil {
		return 0, err
	}
	return r.Read(p[off : off+n])
}

func (r *ClobLocatorReader) Close() error {
	r.closed = true
	return nil
}

func checkWriterStart(ctx context.Context, clob *Clob, op string, pos int64) error {
	clob.lock()
	defer clob.unlock()
	size, err := clob.sqlLength(ctx)
	if err != nil {
		return err
	}
	if pos < 1 || pos-1 > size {
		return &BoundsError{Op: op, Pos: pos, Limit: size}
	}
	return nil
}

// ClobLocatorOutputStream writes bytes into a Clob, each byte is taken as
// one ISO-8859-1 character.
type ClobLocatorOutputStream struct {
	ctx        context.Context
	clob       *Clob
	currentPos int64
	closed     bool
}

func NewClobLocatorOutputStream(ctx context.Context, clob *Clob, pos int64) (*ClobLocatorOutputStream, error) {
	if err := checkWriterStart(ctx, clob, "clob output stream", pos); err != nil {
		return nil, err
	}
	return &ClobLocatorOutputStream{ctx: ctx, clob: clob, currentPos: pos}, nil
}

// Write does nothing once the stream is closed.
func (w *ClobLocatorOutputStream) Write(p []byte) (int, error) {
	if w.closed || len(p) == 0 {
		return len(p), nil
	}
	s, err := charmap.ISO8859_1.NewDecoder().Bytes(p)
	if err != nil {
		return 0, &IOError{Op: "clob write", Err: err}
	}
	w.clob.lock()
	err = w.clob.setString(w.ctx, w.currentPos, string(s))
	w.clob.unlock()
	if err != nil {
		return 0, &IOError{Op: "clob write", Err: err}
	}
	w.currentPos += int64(len(p))
	metrics.IncrCounter([]string{"drda", "lob", "chars_written"}, float32(len(p)))
	return len(p), nil
}

func (w *ClobLocatorOutputStream) WriteRange(p []byte, off, n int) (int, error) {
	if err := checkRange("clob write", len(p), off, n); err != nil {
		return 0, err
	}
	return w.Write(p[off : off+n])
}

func (w *ClobLocatorOutputStream) Flush() error { return nil }

func (w *ClobLocatorOutputStream) Close() error {
	w.closed = true
	return nil
}

// ClobLocatorWriter writes characters into a Clob. Unlike the byte
// streams it reports ErrStreamClosed when used after Close.
type ClobLocatorWriter struct {
	ctx        context.Context
	clob       *Clob
	currentPos int64
	closed     bool
}

func NewClobLocatorWriter(ctx context.Context, clob *Clob, pos int64) (*ClobLocatorWriter, error) {
	if err := checkWriterStart(ctx, clob, "clob writer", pos); err != nil {
		return nil, err
	}
	return &ClobLocatorWriter{ctx: ctx, clob: clob, currentPos: pos}, nil
}

func (w *ClobLocatorWriter) WriteString(s string) (int, error) {
	if w.closed {
		return 0, ErrStreamClosed
	}
	n := utf8.RuneCountInString(s)
	if n == 0 {
		return 0, nil
	}
	w.clob.lock()
	err := w.clob.setString(w.ctx, w.currentPos, s)
	w.clob.unlock()
	if err != nil {
		return 0, &IOError{Op: "clob write", Err: err}
	}
	w.currentPos += int64(n)
	metrics.IncrCounter([]string{"drda", "lob", "chars_written"}, float32(n))
	return n, nil
}

func (w *ClobLocatorWriter) Write(p []rune) (int, error) {
	return w.WriteString(string(p))
}

func (w *ClobLocatorWriter) WriteRange(p []rune, off, n int) (int, error) {
	if w.closed {
		return 0, ErrStreamClosed
	}
	if err := checkRange("clob write", len(p), off, n); err != nil {
		return 0, err
	}
	return w.Write(p[off : off+n])
}

func (w *ClobLocatorWriter) Flush() error {
	if w.closed {
		return ErrStreamClosed
	}
	return nil
}

func (w *ClobLocatorWriter) Close() error {
	w.closed = true
	return nil
}
