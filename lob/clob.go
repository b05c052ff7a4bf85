package lob

import (
	"context"
	"strings"
	"unicode/utf8"
)

// Clob is a character LOB. Positions and lengths count characters.
type Clob struct {
	base
	// data is the materialized value. Writes overwrite it in place.
	data []rune
}

func NewClob(s string) *Clob {
	ret := &Clob{data: []rune(s)}
	ret.length = int64(len(ret.data))
	return ret
}

func NewLocatorClob(conn Connection, locator int, length int64) *Clob {
	ret := &Clob{}
	ret.conn = conn
	ret.locator = locator
	ret.length = length
	return ret
}

func (c *Clob) sqlLength(ctx context.Context) (int64, error) {
	if err := c.checkValid(); err != nil {
		return 0, err
	}
	if c.length >= 0 {
		return c.length, nil
	}
	c.tracer().Print("Read Clob Length")
	length, err := c.procs().ClobGetLength(ctx, c.locator)
	if err != nil {
		return 0, err
	}
	c.length = length
	return length, nil
}

func (c *Clob) subString(ctx context.Context, pos int64, n int) (string, error) {
	if err := c.checkValid(); err != nil {
		return "", err
	}
	if c.isLocator() {
		return c.procs().ClobGetSubString(ctx, c.locator, pos, n)
	}
	start := int(pos - 1)
	if start >= len(c.data) {
		return "", nil
	}
	return string(c.data[start:min(start+n, len(c.data))]), nil
}

func (c *Clob) setString(ctx context.Context, pos int64, s string) error {
	if err := c.checkValid(); err != nil {
		return err
	}
	n := utf8.RuneCountInString(s)
	if c.isLocator() {
		if err := c.procs().ClobSetString(ctx, c.locator, pos, s); err != nil {
			return err
		}
	} else {
		end := int(pos-1) + n
		if end > len(c.data) {
			c.data = append(c.data, make([]rune, end-len(c.data))...)
		}
		copy(c.data[pos-1:], []rune(s))
	}
	c.extend(pos, n)
	c.modified()
	return nil
}

func (c *Clob) Length(ctx context.Context) (int64, error) {
	c.lock()
	defer c.unlock()
	return c.sqlLength(ctx)
}

// SubString returns up to length characters starting at pos.
func (c *Clob) SubString(ctx context.Context, pos int64, length int) (string, error) {
	c.lock()
	defer c.unlock()
	if pos <= 0 || length < 0 {
		return "", &BoundsError{Op: "clob substring", Pos: pos, Length: int64(length)}
	}
	size, err := c.sqlLength(ctx)
	if err != nil {
		return "", err
	}
	if pos > size+1 {
		return "", &BoundsError{Op: "clob substring", Pos: pos, Length: int64(length), Limit: size}
	}
	return c.subString(ctx, pos, int(min(int64(length), size-pos+1)))
}

// SetString writes s at pos and returns the number of characters written.
func (c *Clob) SetString(ctx context.Context, pos int64, s string) (int, error) {
	c.lock()
	defer c.unlock()
	n := utf8.RuneCountInString(s)
	if pos <= 0 {
		return 0, &BoundsError{Op: "clob set string", Pos: pos, Length: int64(n)}
	}
	size, err := c.sqlLength(ctx)
	if err != nil {
		return 0, err
	}
	if pos-1 > size {
		return 0, &BoundsError{Op: "clob set string", Pos: pos, Length: int64(n), Limit: size}
	}
	if err = c.setString(ctx, pos, s); err != nil {
		return 0, err
	}
	return n, nil
}

func (c *Clob) Truncate(ctx context.Context, length int64) error {
	c.lock()
	defer c.unlock()
	size, err := c.sqlLength(ctx)
	if err != nil {
		return err
	}
	if length < 0 || length > size {
		return &BoundsError{Op: "clob truncate", Length: length, Limit: size}
	}
	if c.isLocator() {
		if err = c.procs().ClobTruncate(ctx, c.locator, length); err != nil {
			return err
		}
	} else {
		c.data = c.data[:length]
	}
	c.length = length
	c.modified()
	return nil
}

// Position returns where search first occurs at or after start, -1 when it
// does not occur.
func (c *Clob) Position(ctx context.Context, search string, start int64) (int64, error) {
	c.lock()
	defer c.unlock()
	if start <= 0 {
		return -1, &BoundsError{Op: "clob position", Pos: start}
	}
	if err := c.checkValid(); err != nil {
		return -1, err
	}
	if c.isLocator() {
		return c.procs().ClobGetPositionFromString(ctx, c.locator, search, start)
	}
	if start-1 > int64(len(c.data)) {
		return -1, nil
	}
	rest := string(c.data[start-1:])
	idx := strings.Index(rest, search)
	if idx < 0 {
		return -1, nil
	}
	return start + int64(utf8.RuneCountInString(rest[:idx])), nil
}

func (c *Clob) Free(ctx context.Context) error {
	c.lock()
	defer c.unlock()
	if c.freed.Swap(true) {
		return nil
	}
	if !c.isLocator() {
		c.data = nil
		return nil
	}
	return c.procs().ClobReleaseLocator(ctx, c.locator)
}

// AsciiReader returns the value as bytes, see ClobLocatorInputStream for
// how characters above 0xFF are represented.
func (c *Clob) AsciiReader(ctx context.Context) (*UpdateSensitiveClobInputStream, error) {
	return NewUpdateSensitiveClobInputStream(ctx, c, 1, -1)
}

func (c *Clob) CharReader(ctx context.Context) (*UpdateSensitiveClobReader, error) {
	return NewUpdateSensitiveClobReader(ctx, c, 1, -1)
}

// CharReaderAt is CharReader limited to length characters starting at pos.
func (c *Clob) CharReaderAt(ctx context.Context, pos, length int64) (*UpdateSensitiveClobReader, error) {
	if err := c.checkWindow(ctx, "clob reader", pos, length); err != nil {
		return nil, err
	}
	return NewUpdateSensitiveClobReader(ctx, c, pos, length)
}

func (c *Clob) AsciiWriter(ctx context.Context, pos int64) (*ClobLocatorOutputStream, error) {
	return NewClobLocatorOutputStream(ctx, c, pos)
}

func (c *Clob) CharWriter(ctx context.Context, pos int64) (*ClobLocatorWriter, error) {
	return NewClobLocatorWriter(ctx, c, pos)
}

func (c *Clob) checkWindow(ctx context.Context, op string, pos, length int64) error {
	c.lock()
	defer c.unlock()
	size, err := c.sqlLength(ctx)
	if err != nil {
		return err
	}
	if pos < 1 || length < 0 || pos+length-1 > size {
		return &BoundsError{Op: op, Pos: pos, Length: length, Limit: size}
	}
	return nil
}
