package go_drda

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"testing"

	"github.com/sijms/go-drda/configurations"
	"github.com/sijms/go-drda/internal/fakedrda"
	"github.com/sijms/go-drda/network"
	"github.com/sijms/go-drda/resultset"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig(t *testing.T, dsn string) *configurations.ConnectionConfig {
	t.Helper()
	config, err := configurations.ParseConfig(dsn)
	assert.NilError(t, err)
	return config
}

func openConn(t *testing.T, srv *fakedrda.Server, dsn string) *Connection {
	t.Helper()
	conn, err := NewConnection(testConfig(t, dsn), srv.NewTransport(), nil)
	assert.NilError(t, err)
	return conn
}

func docsResult() *fakedrda.Result {
	return &fakedrda.Result{
		Columns: []fakedrda.Column{
			{Name: "ID", Type: network.Integer},
			{Name: "DATA", Type: network.Blob},
			{Name: "NOTE", Type: network.Clob},
		},
		Rows: [][]driver.Value{
			{int64(1), []byte("first"), "one"},
			{int64(2), []byte("second"), nil},
			{int64(3), []byte("third"), "three"},
		},
	}
}

func TestSelectOneReusesPhysicalStatement(t *testing.T) {
	ctx := context.Background()
	srv := fakedrda.New(t)
	conn := openConn(t, srv, "drda://app@localhost:1527/sample")
	defer conn.Close()

	stmt, err := conn.PrepareStatement(ctx, "SELECT 1")
	assert.NilError(t, err)
	assert.NilError(t, stmt.SetParam(1, int64(42)))
	_, err = stmt.Exec(ctx)
	assert.NilError(t, err)
	assert.DeepEqual(t, srv.Prepared()[0].BoundParams(), map[int]driver.Value{1: int64(42)})
	assert.NilError(t, stmt.Close())
	assert.Equal(t, conn.CachedStatements(), 1)

	again, err := conn.PrepareStatement(ctx, "  SELECT 1 ")
	assert.NilError(t, err)
	defer again.Close()

	prepared := srv.Prepared()
	assert.Assert(t, is.Len(prepared, 1))
	assert.Equal(t, prepared[0].Resets(), 1)
	assert.Assert(t, is.Len(prepared[0].BoundParams(), 0))
	assert.Equal(t, prepared[0].Key().Schema, "APP")
	assert.Equal(t, conn.CachedStatements(), 0)
	assert.Equal(t, srv.GetQueryCalledNum("select 1"), 1)
}

func TestStatementCacheDisabled(t *testing.T) {
	ctx := context.Background()
	srv := fakedrda.New(t)
	conn := openConn(t, srv, "drda://localhost/sample?STATEMENT CACHE SIZE=0")
	defer conn.Close()

	for i := 0; i < 2; i++ {
		stmt, err := conn.PrepareStatement(ctx, "SELECT 1")
		assert.NilError(t, err)
		assert.NilError(t, stmt.Close())
	}
	prepared := srv.Prepared()
	assert.Assert(t, is.Len(prepared, 2))
	assert.Assert(t, prepared[0].IsClosed())
	assert.Equal(t, conn.sections.InUse(), 0)
}

func TestDatabaseSQL(t *testing.T) {
	srv := fakedrda.New(t)
	srv.AddQuery("SELECT ID FROM T WHERE ID > ?", &fakedrda.Result{
		Columns: []fakedrda.Column{{Name: "ID", Type: network.Integer}},
		Rows:    [][]driver.Value{{int64(7)}, {int64(8)}},
	})
	dialer := DialerFunc(func(ctx context.Context, config *configurations.ConnectionConfig) (Transport, error) {
		return srv.NewTransport(), nil
	})
	db := sql.OpenDB(NewConnector(testConfig(t, "drda://localhost/sample"), dialer))
	defer db.Close()

	assert.NilError(t, db.Ping())
	rows, err := db.Query("SELECT ID FROM T WHERE ID > ?", 5)
	assert.NilError(t, err)
	var ids []int64
	for rows.Next() {
		var id int64
		assert.NilError(t, rows.Scan(&id))
		ids = append(ids, id)
	}
	assert.NilError(t, rows.Err())
	assert.NilError(t, rows.Close())
	assert.DeepEqual(t, ids, []int64{7, 8})

	res, err := db.Exec("UPDATE T SET ID = ID + 1")
	assert.NilError(t, err)
	n, err := res.RowsAffected()
	assert.NilError(t, err)
	assert.Equal(t, n, int64(1))
}

func TestOpenWithoutDialer(t *testing.T) {
	_, err := NewConnector(testConfig(t, "drda://localhost/sample"), nil).Connect(context.Background())
	assert.Assert(t, errors.Is(err, ErrNoDialer))
}

func TestQueryReleasesUntouchedLocators(t *testing.T) {
	ctx := context.Background()
	srv := fakedrda.New(t)
	srv.AddQuery("SELECT ID, DATA, NOTE FROM DOCS", docsResult())
	conn := openConn(t, srv, "drda://localhost/sample")
	defer conn.Close()

	rs, err := conn.Query(ctx, "SELECT ID, DATA, NOTE FROM DOCS")
	assert.NilError(t, err)
	dest := make([]driver.Value, 3)

	// row 1: BLOB 1, CLOB 2. The BLOB is opened and kept.
	assert.NilError(t, rs.Next(dest))
	blob, err := rs.Blob(2)
	assert.NilError(t, err)
	assert.Assert(t, blob.IsLocator())

	// row 2: BLOB 3, NULL CLOB.
	assert.NilError(t, rs.Next(dest))
	assert.DeepEqual(t, srv.Released(), []int{2})

	// row 3: BLOB 4, CLOB 5.
	assert.NilError(t, rs.Next(dest))
	assert.DeepEqual(t, srv.Released(), []int{2, 3})

	assert.Equal(t, rs.Next(dest), io.EOF)
	assert.DeepEqual(t, srv.Released(), []int{2, 3, 4, 5})
	assert.NilError(t, rs.Close())
	assert.Equal(t, srv.LiveLocators(), 1)

	data, err := blob.Bytes(ctx, 1, 100)
	assert.NilError(t, err)
	assert.Equal(t, string(data), "first")
}

func TestPrefetchRowsSetsFetchSize(t *testing.T) {
	ctx := context.Background()
	srv := fakedrda.New(t)
	srv.AddQuery("SELECT ID, DATA, NOTE FROM DOCS", docsResult())
	conn := openConn(t, srv, "drda://localhost/sample?PREFETCH ROWS=2")
	defer conn.Close()

	rs, err := conn.Query(ctx, "SELECT ID, DATA, NOTE FROM DOCS")
	assert.NilError(t, err)
	dest := make([]driver.Value, 3)
	rows := 0
	for rs.Next(dest) == nil {
		rows++
	}
	assert.NilError(t, rs.Close())
	assert.Equal(t, rows, 3)
	assert.Equal(t, srv.Prepared()[0].FetchSize(), 2)
	// three rows in blocks of two
	assert.Equal(t, srv.Fetches(), 2)
}

func TestCommitDiscardsLobState(t *testing.T) {
	ctx := context.Background()
	srv := fakedrda.New(t)
	srv.AddQuery("SELECT ID, DATA, NOTE FROM DOCS", docsResult())
	conn := openConn(t, srv, "drda://localhost/sample")
	defer conn.Close()

	tx, err := conn.Begin()
	assert.NilError(t, err)
	assert.Assert(t, !conn.AutoCommit())
	rs, err := conn.Query(ctx, "SELECT ID, DATA, NOTE FROM DOCS")
	assert.NilError(t, err)
	defer rs.Close()
	dest := make([]driver.Value, 3)
	assert.NilError(t, rs.Next(dest))
	clob, err := rs.Clob(3)
	assert.NilError(t, err)

	assert.NilError(t, tx.Commit())
	assert.Assert(t, conn.AutoCommit())
	assert.Equal(t, srv.Commits(), 1)

	// nothing is released for the row left after the commit
	assert.NilError(t, rs.Next(dest))
	assert.Assert(t, is.Len(srv.Released(), 0))

	_, err = clob.Length(ctx)
	var sqlErr *network.SqlError
	assert.Assert(t, errors.As(err, &sqlErr))
	assert.Equal(t, sqlErr.SQLState, network.StateLobObjectInvalid)
}

func TestCreateBlobWriteAndRead(t *testing.T) {
	ctx := context.Background()
	srv := fakedrda.New(t)
	conn := openConn(t, srv, "drda://localhost/sample")
	defer conn.Close()

	blob, err := conn.CreateBlob(ctx)
	assert.NilError(t, err)
	assert.Assert(t, blob.IsLocator())

	w, err := blob.Writer(ctx, 1)
	assert.NilError(t, err)
	_, err = w.Write([]byte("hello "))
	assert.NilError(t, err)
	_, err = w.Write([]byte("world"))
	assert.NilError(t, err)
	assert.NilError(t, w.Close())

	stored, ok := srv.Blob(blob.Locator())
	assert.Assert(t, ok)
	assert.Equal(t, string(stored), "hello world")

	r, err := blob.Reader(ctx)
	assert.NilError(t, err)
	data, err := io.ReadAll(r)
	assert.NilError(t, err)
	assert.NilError(t, r.Close())
	assert.Equal(t, string(data), "hello world")

	clob, err := conn.CreateClob(ctx)
	assert.NilError(t, err)
	n, err := clob.SetString(ctx, 1, "grüße")
	assert.NilError(t, err)
	assert.Equal(t, n, 5)
	text, ok := srv.Clob(clob.Locator())
	assert.Assert(t, ok)
	assert.Equal(t, text, "grüße")

	assert.NilError(t, blob.Free(ctx))
	assert.NilError(t, clob.Free(ctx))
	assert.Equal(t, srv.LiveLocators(), 0)
}

func TestServerWithoutLocators(t *testing.T) {
	ctx := context.Background()
	srv := fakedrda.New(t)
	srv.DisableLocators()
	srv.AddQuery("SELECT ID, DATA, NOTE FROM DOCS", docsResult())
	conn := openConn(t, srv, "drda://localhost/sample")
	defer conn.Close()

	blob, err := conn.CreateBlob(ctx)
	assert.NilError(t, err)
	assert.Assert(t, !blob.IsLocator())

	rs, err := conn.Query(ctx, "SELECT ID, DATA, NOTE FROM DOCS")
	assert.NilError(t, err)
	dest := make([]driver.Value, 3)
	assert.NilError(t, rs.Next(dest))
	value, err := rs.Blob(2)
	assert.NilError(t, err)
	assert.Assert(t, !value.IsLocator())
	data, err := value.Bytes(ctx, 1, 5)
	assert.NilError(t, err)
	assert.Equal(t, string(data), "first")
	assert.NilError(t, rs.Close())
}

func TestQueryRejected(t *testing.T) {
	srv := fakedrda.New(t)
	srv.AddRejectedQuery("SELECT * FROM MISSING", network.NewSqlError("42X05", 0, "table does not exist"))
	conn := openConn(t, srv, "drda://localhost/sample")
	defer conn.Close()

	_, err := conn.Query(context.Background(), "SELECT * FROM MISSING")
	var sqlErr *network.SqlError
	assert.Assert(t, errors.As(err, &sqlErr))
	assert.Equal(t, sqlErr.SQLState, "42X05")
	assert.Equal(t, conn.sections.InUse(), 0)
}

func TestCloseReleasesEverything(t *testing.T) {
	ctx := context.Background()
	srv := fakedrda.New(t)
	srv.AddQuery("SELECT ID, DATA, NOTE FROM DOCS", docsResult())
	conn := openConn(t, srv, "drda://localhost/sample")

	leaked, err := conn.PrepareStatement(ctx, "SELECT 1")
	assert.NilError(t, err)
	rs, err := conn.Query(ctx, "SELECT ID, DATA, NOTE FROM DOCS")
	assert.NilError(t, err)
	dest := make([]driver.Value, 3)
	assert.NilError(t, rs.Next(dest))

	assert.NilError(t, conn.Close())
	assert.NilError(t, conn.Close())
	assert.Assert(t, leaked.IsClosed())
	assert.Equal(t, conn.CachedStatements(), 0)
	assert.Equal(t, conn.sections.InUse(), 0)
	for _, ps := range srv.Prepared() {
		assert.Assert(t, ps.IsClosed(), "statement %d %s", ps.ID(), ps.Key())
	}
	assert.Assert(t, errors.Is(rs.Next(dest), resultset.ErrClosed))
	_, err = conn.PrepareStatement(ctx, "SELECT 1")
	assert.Assert(t, errors.Is(err, ErrConnectionClosed))
}

func TestTraceGoesToLogger(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	srv := fakedrda.New(t)
	dialer := DialerFunc(func(ctx context.Context, config *configurations.ConnectionConfig) (Transport, error) {
		return srv.NewTransport(), nil
	})
	connector := NewConnector(testConfig(t, "drda://localhost/sample"), dialer).SetLogger(zap.New(core))
	conn, err := connector.Open(context.Background())
	assert.NilError(t, err)
	stmt, err := conn.PrepareStatement(context.Background(), "SELECT 1")
	assert.NilError(t, err)
	assert.NilError(t, stmt.Close())
	assert.NilError(t, conn.Close())

	assert.Assert(t, logs.FilterMessageSnippet(conn.ID()[:8]).Len() > 0)
	assert.Assert(t, logs.FilterMessageSnippet("Prepare").Len() > 0)
}
