package go_drda

import (
	"context"
	"database/sql/driver"
	"errors"

	"github.com/sijms/go-drda/locator"
	"github.com/sijms/go-drda/logical"
	"github.com/sijms/go-drda/resultset"
)

// LobRows is implemented by row sources that know their LOB columns and
// the locators of the current row.
type LobRows interface {
	driver.Rows
	IsNull(column int) bool
	Locator(column int) int
	Value(column int) driver.Value
	LobColumns() []resultset.LobColumn
}

type lobCursor struct {
	LobRows
	procs locator.Procedures
}

func (c lobCursor) LocatorProcedures() locator.Procedures { return c.procs }

// plainCursor adapts rows without LOB support, every value is taken as
// sent.
type plainCursor struct {
	driver.Rows
	procs   locator.Procedures
	current []driver.Value
}

func (c *plainCursor) Next(dest []driver.Value) error {
	if err := c.Rows.Next(dest); err != nil {
		return err
	}
	c.current = append(c.current[:0], dest...)
	return nil
}

func (c *plainCursor) IsNull(column int) bool                { return c.Value(column) == nil }
func (c *plainCursor) Locator(int) int                       { return locator.InvalidLocator }
func (c *plainCursor) LobColumns() []resultset.LobColumn     { return nil }
func (c *plainCursor) LocatorProcedures() locator.Procedures { return c.procs }

func (c *plainCursor) Value(column int) driver.Value {
	if column < 1 || column > len(c.current) {
		return nil
	}
	return c.current[column-1]
}

func (conn *Connection) cursor(rows driver.Rows) resultset.RowCursor {
	if lr, ok := rows.(LobRows); ok {
		return lobCursor{LobRows: lr, procs: conn.procs}
	}
	return &plainCursor{Rows: rows, procs: conn.procs}
}

var errNamedParams = errors.New("drda: named parameters are not supported")

// Stmt is the database/sql statement. It owns one logical statement, whose
// physical statement goes back to the connection cache on Close.
type Stmt struct {
	conn    *Connection
	logical *logical.Statement
}

// Logical returns the underlying logical statement.
func (stmt *Stmt) Logical() *logical.Statement {
	return stmt.logical
}

func (stmt *Stmt) Close() error {
	stmt.conn.Lock()
	defer stmt.conn.Unlock()
	return stmt.logical.Close()
}

func (stmt *Stmt) NumInput() int {
	return stmt.logical.NumInput()
}

func (stmt *Stmt) Exec(args []driver.Value) (driver.Result, error) {
	return stmt.exec(context.Background(), args)
}

func (stmt *Stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	values, err := namedValues(args)
	if err != nil {
		return nil, err
	}
	return stmt.exec(ctx, values)
}

func (stmt *Stmt) exec(ctx context.Context, args []driver.Value) (driver.Result, error) {
	stmt.conn.Lock()
	defer stmt.conn.Unlock()
	if err := stmt.conn.checkOpen(); err != nil {
		return nil, err
	}
	if err := bind(stmt.logical, args); err != nil {
		return nil, err
	}
	return stmt.logical.Exec(ctx)
}

func (stmt *Stmt) Query(args []driver.Value) (driver.Rows, error) {
	return stmt.query(context.Background(), args)
}

func (stmt *Stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	values, err := namedValues(args)
	if err != nil {
		return nil, err
	}
	return stmt.query(ctx, values)
}

// query returns a *resultset.ResultSet. The statement stays open, it is
// closed by database/sql after the rows.
func (stmt *Stmt) query(ctx context.Context, args []driver.Value) (driver.Rows, error) {
	stmt.conn.Lock()
	defer stmt.conn.Unlock()
	if err := stmt.conn.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := bindAndQuery(ctx, stmt.logical, args)
	if err != nil {
		return nil, err
	}
	return stmt.conn.newResultSet(ctx, rows, nil), nil
}

func namedValues(args []driver.NamedValue) ([]driver.Value, error) {
	values := make([]driver.Value, len(args))
	for i, arg := range args {
		if len(arg.Name) > 0 {
			return nil, errNamedParams
		}
		values[i] = arg.Value
	}
	return values, nil
}
