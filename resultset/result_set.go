package resultset

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/sijms/go-drda/lob"
	"github.com/sijms/go-drda/locator"
)

// RowCursor is the row source of a ResultSet. LOB columns carry a locator
// (or locator.InvalidLocator when the server sent the value itself).
type RowCursor interface {
	driver.Rows
	Cursor
	LobColumns() []LobColumn
	// Value returns the value of a column of the current row.
	Value(column int) driver.Value
}

var (
	ErrClosed = errors.New("resultset: result set is closed")
	ErrNoRow  = errors.New("resultset: not positioned on a row")
)

// ResultSet reads rows and hands out LOB handles for LOB columns. It
// implements driver.Rows.
//
// Row transitions hold the connection lock.
type ResultSet struct {
	ctx     context.Context
	conn    lob.Connection
	cursor  RowCursor
	tracker LobStateTracker
	onRow   bool
	closed  bool
	onClose func(*ResultSet) error
}

// New wraps cursor. onClose, if set, runs after the cursor closed.
func New(ctx context.Context, conn lob.Connection, cursor RowCursor, releaseLocators bool, onClose func(*ResultSet) error) *ResultSet {
	return &ResultSet{
		ctx:     ctx,
		conn:    conn,
		cursor:  cursor,
		tracker: NewLobStateTracker(cursor.LobColumns(), releaseLocators),
		onClose: onClose,
	}
}

func (rs *ResultSet) Columns() []string {
	return rs.cursor.Columns()
}

// Next moves to the next row, releasing the untouched locators of the row
// it leaves. It returns io.EOF after the last row.
func (rs *ResultSet) Next(dest []driver.Value) error {
	rs.conn.Lock()
	defer rs.conn.Unlock()
	if rs.closed {
		return ErrClosed
	}
	if err := rs.leaveRow(); err != nil {
		return err
	}
	if err := rs.cursor.Next(dest); err != nil {
		return err
	}
	rs.onRow = true
	return nil
}

func (rs *ResultSet) leaveRow() error {
	if !rs.onRow {
		return nil
	}
	rs.onRow = false
	return rs.tracker.CheckCurrentRow(rs.ctx, rs.cursor)
}

func (rs *ResultSet) Close() error {
	rs.conn.Lock()
	if rs.closed {
		rs.conn.Unlock()
		return nil
	}
	rs.closed = true
	var result *multierror.Error
	if err := rs.leaveRow(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := rs.cursor.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	rs.conn.Unlock()
	if rs.onClose != nil {
		if err := rs.onClose(rs); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// DiscardLobState is called by the connection at commit and rollback,
// with the connection lock held.
func (rs *ResultSet) DiscardLobState() {
	rs.tracker.DiscardState()
}

func (rs *ResultSet) column(col int) error {
	if rs.closed {
		return ErrClosed
	}
	if !rs.onRow {
		return ErrNoRow
	}
	return nil
}

// Blob returns the BLOB of column col on the current row, nil for NULL.
// Its locator stays valid until the transaction ends.
func (rs *ResultSet) Blob(col int) (*lob.Blob, error) {
	rs.conn.Lock()
	defer rs.conn.Unlock()
	if err := rs.column(col); err != nil {
		return nil, err
	}
	if rs.cursor.IsNull(col) {
		return nil, nil
	}
	if loc := rs.cursor.Locator(col); loc != locator.InvalidLocator {
		rs.tracker.MarkAccessed(col)
		return lob.NewLocatorBlob(rs.conn, loc, -1), nil
	}
	switch v := rs.cursor.Value(col).(type) {
	case []byte:
		return lob.NewBlob(v), nil
	case string:
		return lob.NewBlob([]byte(v)), nil
	default:
		return nil, fmt.Errorf("resultset: column %d of type %T is not a BLOB", col, v)
	}
}

func (rs *ResultSet) Clob(col int) (*lob.Clob, error) {
	rs.conn.Lock()
	defer rs.conn.Unlock()
	if err := rs.column(col); err != nil {
		return nil, err
	}
	if rs.cursor.IsNull(col) {
		return nil, nil
	}
	if loc := rs.cursor.Locator(col); loc != locator.InvalidLocator {
		rs.tracker.MarkAccessed(col)
		return lob.NewLocatorClob(rs.conn, loc, -1), nil
	}
	switch v := rs.cursor.Value(col).(type) {
	case string:
		return lob.NewClob(v), nil
	case []byte:
		return lob.NewClob(string(v)), nil
	default:
		return nil, fmt.Errorf("resultset: column %d of type %T is not a CLOB", col, v)
	}
}

// BinaryStream returns a reader over the BLOB of column col.
func (rs *ResultSet) BinaryStream(col int) (io.ReadCloser, error) {
	blob, err := rs.Blob(col)
	if err != nil || blob == nil {
		return nil, err
	}
	return blob.Reader(rs.ctx)
}

func (rs *ResultSet) AsciiStream(col int) (io.ReadCloser, error) {
	clob, err := rs.Clob(col)
	if err != nil || clob == nil {
		return nil, err
	}
	r, err := clob.AsciiReader(rs.ctx)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (rs *ResultSet) CharacterStream(col int) (*lob.UpdateSensitiveClobReader, error) {
	clob, err := rs.Clob(col)
	if err != nil || clob == nil {
		return nil, err
	}
	return clob.CharReader(rs.ctx)
}
