package resultset

import (
	"context"
	"database/sql/driver"
	"io"
	"sync"
	"testing"

	"github.com/sijms/go-drda/locator"
	"github.com/sijms/go-drda/trace"
	"gotest.tools/v3/assert"
)

// releaseRecorder records release calls, every other procedure is unused.
type releaseRecorder struct {
	locator.Procedures
	blobs []int
	clobs []int
}

func (r *releaseRecorder) BlobReleaseLocator(ctx context.Context, loc int) error {
	r.blobs = append(r.blobs, loc)
	return nil
}

func (r *releaseRecorder) ClobReleaseLocator(ctx context.Context, loc int) error {
	r.clobs = append(r.clobs, loc)
	return nil
}

func (r *releaseRecorder) total() int { return len(r.blobs) + len(r.clobs) }

type fakeRow struct {
	values   []driver.Value
	locators map[int]int
}

// fakeCursor serves rows; LOB columns hold locators.
type fakeCursor struct {
	procs   *releaseRecorder
	lobCols []LobColumn
	rows    []fakeRow
	current int
	closed  bool
}

func (c *fakeCursor) Columns() []string { return []string{"ID", "B", "C"} }
func (c *fakeCursor) Close() error {
	c.closed = true
	return nil
}

func (c *fakeCursor) Next(dest []driver.Value) error {
	if c.current >= len(c.rows) {
		return io.EOF
	}
	c.current++
	copy(dest, c.rows[c.current-1].values)
	return nil
}

func (c *fakeCursor) row() fakeRow { return c.rows[c.current-1] }

func (c *fakeCursor) IsNull(column int) bool { return c.row().values[column-1] == nil }

func (c *fakeCursor) Locator(column int) int {
	if loc, ok := c.row().locators[column]; ok {
		return loc
	}
	return locator.InvalidLocator
}

func (c *fakeCursor) Value(column int) driver.Value { return c.row().values[column-1] }

func (c *fakeCursor) LocatorProcedures() locator.Procedures { return c.procs }

func (c *fakeCursor) LobColumns() []LobColumn { return c.lobCols }

func newFakeCursor() *fakeCursor {
	return &fakeCursor{
		procs:   &releaseRecorder{},
		lobCols: []LobColumn{{Index: 3, Blob: false}, {Index: 2, Blob: true}},
		rows: []fakeRow{
			{values: []driver.Value{int64(1), int64(11), int64(12)}, locators: map[int]int{2: 11, 3: 12}},
			{values: []driver.Value{int64(2), nil, int64(22)}, locators: map[int]int{3: 22}},
			{values: []driver.Value{int64(3), []byte("raw"), "text"}},
		},
	}
}

func TestTrackerReleasesUnaccessedColumns(t *testing.T) {
	cursor := newFakeCursor()
	cursor.current = 1
	tracker := NewLobStateTracker(cursor.LobColumns(), true)
	tracker.MarkAccessed(3)
	assert.NilError(t, tracker.CheckCurrentRow(context.Background(), cursor))
	assert.DeepEqual(t, cursor.procs.blobs, []int{11})
	assert.Equal(t, len(cursor.procs.clobs), 0)

	// second check on the same row does nothing
	assert.NilError(t, tracker.CheckCurrentRow(context.Background(), cursor))
	assert.Equal(t, cursor.procs.total(), 1)
}

func TestTrackerSkipsNullColumns(t *testing.T) {
	cursor := newFakeCursor()
	cursor.current = 2
	tracker := NewLobStateTracker(cursor.LobColumns(), true)
	assert.NilError(t, tracker.CheckCurrentRow(context.Background(), cursor))
	assert.Equal(t, len(cursor.procs.blobs), 0)
	assert.DeepEqual(t, cursor.procs.clobs, []int{22})
}

func TestTrackerSkipsInvalidLocators(t *testing.T) {
	cursor := newFakeCursor()
	cursor.current = 3
	tracker := NewLobStateTracker(cursor.LobColumns(), true)
	assert.NilError(t, tracker.CheckCurrentRow(context.Background(), cursor))
	assert.Equal(t, cursor.procs.total(), 0)
}

func TestTrackerDisabledAndDiscarded(t *testing.T) {
	cursor := newFakeCursor()
	cursor.current = 1
	disabled := NewLobStateTracker(cursor.LobColumns(), false)
	assert.NilError(t, disabled.CheckCurrentRow(context.Background(), cursor))
	assert.Equal(t, cursor.procs.total(), 0)

	tracker := NewLobStateTracker(cursor.LobColumns(), true)
	tracker.DiscardState()
	assert.NilError(t, tracker.CheckCurrentRow(context.Background(), cursor))
	assert.Equal(t, cursor.procs.total(), 0)
	// state is back to normal on the next row
	cursor.current = 2
	assert.NilError(t, tracker.CheckCurrentRow(context.Background(), cursor))
	assert.Equal(t, cursor.procs.total(), 1)
}

func TestZeroTrackerIsNoOp(t *testing.T) {
	var tracker LobStateTracker
	assert.Assert(t, !tracker.Tracking())
	tracker.MarkAccessed(1)
	tracker.DiscardState()
	assert.NilError(t, tracker.CheckCurrentRow(context.Background(), nil))
	empty := NewLobStateTracker(nil, true)
	assert.Assert(t, !empty.Tracking())
}

func TestTrackerInlineColumnBeforeLocator(t *testing.T) {
	cursor := &fakeCursor{
		procs:   &releaseRecorder{},
		lobCols: []LobColumn{{Index: 2, Blob: true}, {Index: 3, Blob: false}},
		rows: []fakeRow{
			{values: []driver.Value{int64(1), []byte("raw"), int64(12)}, locators: map[int]int{3: 12}},
			{values: []driver.Value{int64(2), []byte("raw"), int64(22)}, locators: map[int]int{3: 22}},
		},
		current: 1,
	}
	tracker := NewLobStateTracker(cursor.LobColumns(), true)
	assert.NilError(t, tracker.CheckCurrentRow(context.Background(), cursor))
	assert.DeepEqual(t, cursor.procs.clobs, []int{12})

	// accessed flags were reset, so the next row is released as well
	tracker.MarkAccessed(3)
	assert.NilError(t, tracker.CheckCurrentRow(context.Background(), cursor))
	cursor.current = 2
	assert.NilError(t, tracker.CheckCurrentRow(context.Background(), cursor))
	assert.DeepEqual(t, cursor.procs.clobs, []int{12, 22})
	assert.Equal(t, len(cursor.procs.blobs), 0)
}

type fakeConn struct {
	sync.Mutex
	procs locator.Procedures
}

func (c *fakeConn) LocatorProcedures() locator.Procedures { return c.procs }
func (c *fakeConn) Tracer() trace.Tracer                  { return trace.NilTracer() }

func TestResultSetDrivesTracker(t *testing.T) {
	cursor := newFakeCursor()
	closed := 0
	rs := New(context.Background(), &fakeConn{procs: cursor.procs}, cursor, true, func(*ResultSet) error {
		closed++
		return nil
	})
	dest := make([]driver.Value, 3)

	_, err := rs.Blob(2)
	assert.ErrorIs(t, err, ErrNoRow)

	assert.NilError(t, rs.Next(dest))
	blob, err := rs.Blob(2)
	assert.NilError(t, err)
	assert.Equal(t, blob.Locator(), 11)

	assert.NilError(t, rs.Next(dest))
	// row 1: only the CLOB was left untouched
	assert.DeepEqual(t, cursor.procs.clobs, []int{12})
	assert.Equal(t, len(cursor.procs.blobs), 0)
	nullBlob, err := rs.Blob(2)
	assert.NilError(t, err)
	assert.Assert(t, nullBlob == nil)

	rs.DiscardLobState()
	assert.NilError(t, rs.Next(dest))
	// row 2 was discarded by the transaction end
	assert.DeepEqual(t, cursor.procs.clobs, []int{12})
	raw, err := rs.Blob(2)
	assert.NilError(t, err)
	assert.Assert(t, !raw.IsLocator())
	clob, err := rs.Clob(3)
	assert.NilError(t, err)
	s, err := clob.SubString(context.Background(), 1, 4)
	assert.NilError(t, err)
	assert.Equal(t, s, "text")

	assert.Equal(t, rs.Next(dest), io.EOF)
	assert.NilError(t, rs.Close())
	assert.NilError(t, rs.Close())
	assert.Assert(t, cursor.closed)
	assert.Equal(t, closed, 1)
	assert.ErrorIs(t, rs.Next(dest), ErrClosed)
}

func TestResultSetCloseReleasesCurrentRow(t *testing.T) {
	cursor := newFakeCursor()
	rs := New(context.Background(), &fakeConn{procs: cursor.procs}, cursor, true, nil)
	dest := make([]driver.Value, 3)
	assert.NilError(t, rs.Next(dest))
	assert.NilError(t, rs.Close())
	assert.DeepEqual(t, cursor.procs.blobs, []int{11})
	assert.DeepEqual(t, cursor.procs.clobs, []int{12})
}
