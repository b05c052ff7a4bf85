package go_drda

import (
	"context"
	"database/sql/driver"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	errs "github.com/pkg/errors"
	"github.com/sijms/go-drda/configurations"
	"github.com/sijms/go-drda/lob"
	"github.com/sijms/go-drda/locator"
	"github.com/sijms/go-drda/logical"
	"github.com/sijms/go-drda/resultset"
	"github.com/sijms/go-drda/section"
	"github.com/sijms/go-drda/stmtcache"
	"github.com/sijms/go-drda/trace"
)

type ConnectionState int

const (
	Closed ConnectionState = 0
	Opened ConnectionState = 1
)

const defaultSchema = "APP"

var ErrConnectionClosed = errors.New("drda: connection is closed")

// Connection is a DRDA connection. Its mutex is the connection monitor:
// prepare, commit, rollback, LOB operations and result set row moves are
// serialized on it.
type Connection struct {
	mu         sync.Mutex
	State      ConnectionState
	id         string
	autoCommit bool
	config     *configurations.ConnectionConfig
	tracer     trace.Tracer
	transport  Transport
	sections   *section.Manager
	cache      *stmtcache.Cache[logical.PhysicalStatement]
	interactor *logical.Interactor
	procs      *locator.CallableProcedures
	results    map[*resultset.ResultSet]*logical.Statement
}

// NewConnection builds a connection over an established transport.
func NewConnection(config *configurations.ConnectionConfig, transport Transport, tracer trace.Tracer) (*Connection, error) {
	if tracer == nil {
		tracer = trace.NilTracer()
	}
	conn := &Connection{
		State:      Opened,
		id:         uuid.NewString(),
		autoCommit: true,
		config:     config,
		transport:  transport,
		sections:   section.NewManager(config.MaxSections),
		results:    make(map[*resultset.ResultSet]*logical.Statement),
	}
	conn.tracer = trace.WithPrefix(tracer, "["+conn.id[:8]+"]")
	cache, err := stmtcache.NewCache[logical.PhysicalStatement](config.StatementCacheSize, conn.tracer)
	if err != nil {
		return nil, err
	}
	conn.cache = cache
	conn.interactor = logical.NewInteractor(conn, cache, conn.tracer)
	conn.procs = locator.NewCallableProcedures(callPreparer{conn}, conn.tracer)
	conn.tracer.Printf("Connection %s opened: statement cache %d, lob release %v",
		conn.id, config.StatementCacheSize, config.ReleaseLocators)
	return conn, nil
}

func (conn *Connection) Lock()   { conn.mu.Lock() }
func (conn *Connection) Unlock() { conn.mu.Unlock() }

// ID is the random id every trace line of the connection is prefixed with.
func (conn *Connection) ID() string { return conn.id }

func (conn *Connection) LocatorProcedures() locator.Procedures { return conn.procs }

func (conn *Connection) Tracer() trace.Tracer { return conn.tracer }

// AutoCommit reports whether no transaction was begun since the last
// commit or rollback.
func (conn *Connection) AutoCommit() bool {
	conn.Lock()
	defer conn.Unlock()
	return conn.autoCommit
}

// CachedStatements returns the number of idle physical statements.
func (conn *Connection) CachedStatements() int { return conn.cache.Len() }

func (conn *Connection) schema() string {
	if len(conn.config.UserID) == 0 {
		return defaultSchema
	}
	return strings.ToUpper(conn.config.UserID)
}

// sectionStatement gives the section back when the physical statement is
// closed.
type sectionStatement struct {
	logical.PhysicalStatement
	sections *section.Manager
	sec      *section.Section
	once     sync.Once
}

func (s *sectionStatement) Close() error {
	err := s.PhysicalStatement.Close()
	s.once.Do(func() {
		s.sections.Free(s.sec)
	})
	return err
}

// FetchSizer is implemented by physical statements whose queries fetch
// rows in blocks.
type FetchSizer interface {
	SetFetchSize(rows int)
}

// PreparePhysical prepares key on the server in a free section. It is
// called by the interactor on a cache miss, with the connection lock held.
func (conn *Connection) PreparePhysical(ctx context.Context, key stmtcache.StatementKey) (logical.PhysicalStatement, error) {
	sec, err := conn.sections.Get(key.Holdability)
	if err != nil {
		return nil, err
	}
	conn.tracer.Printf("Prepare %s in section %s:%d", key, sec.PackageName, sec.Number)
	ps, err := conn.transport.Prepare(ctx, key, sec)
	if err != nil {
		conn.sections.Free(sec)
		return nil, err
	}
	if fs, ok := ps.(FetchSizer); ok && !key.Callable {
		fs.SetFetchSize(conn.config.PrefetchRows)
	}
	return &sectionStatement{PhysicalStatement: ps, sections: conn.sections, sec: sec}, nil
}

// callPreparer prepares the locator procedure calls. The lock is already
// held by whoever triggered the LOB operation.
type callPreparer struct {
	conn *Connection
}

func (p callPreparer) PrepareCall(ctx context.Context, sqlText string) (locator.Callable, error) {
	key := stmtcache.NewCallableKey(sqlText, p.conn.schema(), p.conn.config.Holdability)
	return p.conn.interactor.PrepareCall(ctx, key)
}

func (conn *Connection) checkOpen() error {
	if conn.State != Opened {
		return ErrConnectionClosed
	}
	return nil
}

func (conn *Connection) prepare(ctx context.Context, query string) (*logical.Statement, error) {
	if err := conn.checkOpen(); err != nil {
		return nil, err
	}
	key := stmtcache.NewStatementKey(query, conn.schema(), conn.config.Holdability)
	stmt, err := conn.interactor.Prepare(ctx, key)
	if err != nil {
		return nil, err
	}
	if conn.config.QueryTimeout > 0 {
		_ = stmt.SetQueryTimeout(conn.config.QueryTimeout)
	}
	return stmt, nil
}

func (conn *Connection) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	conn.Lock()
	defer conn.Unlock()
	stmt, err := conn.prepare(ctx, query)
	if err != nil {
		return nil, err
	}
	return &Stmt{conn: conn, logical: stmt}, nil
}

func (conn *Connection) Prepare(query string) (driver.Stmt, error) {
	return conn.PrepareContext(context.Background(), query)
}

// PrepareStatement returns the logical statement itself, for callers that
// need warnings, query timeout or out parameters.
func (conn *Connection) PrepareStatement(ctx context.Context, query string) (*logical.Statement, error) {
	conn.Lock()
	defer conn.Unlock()
	return conn.prepare(ctx, query)
}

// PrepareCall prepares a CALL statement.
func (conn *Connection) PrepareCall(ctx context.Context, query string) (*logical.Statement, error) {
	conn.Lock()
	defer conn.Unlock()
	if err := conn.checkOpen(); err != nil {
		return nil, err
	}
	key := stmtcache.NewCallableKey(query, conn.schema(), conn.config.Holdability)
	return conn.interactor.PrepareCall(ctx, key)
}

func (conn *Connection) Ping(ctx context.Context) error {
	conn.Lock()
	defer conn.Unlock()
	stmt, err := conn.prepare(ctx, "VALUES 1")
	if err != nil {
		return driver.ErrBadConn
	}
	defer stmt.Close()
	if _, err = stmt.Exec(ctx); err != nil {
		return driver.ErrBadConn
	}
	return nil
}

func (conn *Connection) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	conn.Lock()
	defer conn.Unlock()
	if err := conn.checkOpen(); err != nil {
		return nil, err
	}
	if opts.ReadOnly {
		conn.tracer.Print("Read only transactions are not supported, starting read write")
	}
	conn.autoCommit = false
	return &Transaction{conn: conn, ctx: ctx}, nil
}

func (conn *Connection) Begin() (driver.Tx, error) {
	return conn.BeginTx(context.Background(), driver.TxOptions{})
}

func (conn *Connection) Commit(ctx context.Context) error {
	return conn.endTransaction(ctx, true)
}

func (conn *Connection) Rollback(ctx context.Context) error {
	return conn.endTransaction(ctx, false)
}

// endTransaction commits or rolls back. Every locator of the transaction is
// gone afterwards, so the result sets drop their LOB state.
func (conn *Connection) endTransaction(ctx context.Context, commit bool) error {
	conn.Lock()
	defer conn.Unlock()
	if err := conn.checkOpen(); err != nil {
		return err
	}
	var err error
	if commit {
		conn.tracer.Print("Commit")
		err = conn.transport.Commit(ctx)
	} else {
		conn.tracer.Print("Rollback")
		err = conn.transport.Rollback(ctx)
	}
	if err != nil {
		return err
	}
	conn.autoCommit = true
	for rs := range conn.results {
		rs.DiscardLobState()
	}
	return nil
}

// Query runs query and returns a result set that hands out LOB handles for
// LOB columns. The statement goes back to the cache when the result set
// is closed.
func (conn *Connection) Query(ctx context.Context, query string, args ...driver.Value) (*resultset.ResultSet, error) {
	conn.Lock()
	stmt, err := conn.prepare(ctx, query)
	if err != nil {
		conn.Unlock()
		return nil, err
	}
	rows, err := bindAndQuery(ctx, stmt, args)
	if err != nil {
		conn.Unlock()
		_ = stmt.Close()
		return nil, err
	}
	rs := conn.newResultSet(ctx, rows, stmt)
	conn.Unlock()
	return rs, nil
}

// newResultSet registers the result set until it is closed, lock held.
// Closing the result set closes stmt when stmt is not nil.
func (conn *Connection) newResultSet(ctx context.Context, rows driver.Rows, stmt *logical.Statement) *resultset.ResultSet {
	rs := resultset.New(ctx, conn, conn.cursor(rows), conn.config.ReleaseLocators, conn.resultSetClosed)
	conn.results[rs] = stmt
	return rs
}

func (conn *Connection) resultSetClosed(rs *resultset.ResultSet) error {
	conn.Lock()
	defer conn.Unlock()
	stmt := conn.results[rs]
	delete(conn.results, rs)
	if stmt != nil {
		return stmt.Close()
	}
	return nil
}

func bindAndQuery(ctx context.Context, stmt *logical.Statement, args []driver.Value) (driver.Rows, error) {
	if err := bind(stmt, args); err != nil {
		return nil, err
	}
	return stmt.Query(ctx)
}

func bind(stmt *logical.Statement, args []driver.Value) error {
	if err := stmt.ClearParams(); err != nil {
		return err
	}
	for i, arg := range args {
		if err := stmt.SetParam(i+1, arg); err != nil {
			return errs.Wrapf(err, "bind parameter %d", i+1)
		}
	}
	return nil
}

// CreateBlob returns an empty BLOB backed by a new server locator, or an
// in-memory one when the server has no locator procedures.
func (conn *Connection) CreateBlob(ctx context.Context) (*lob.Blob, error) {
	conn.Lock()
	defer conn.Unlock()
	if err := conn.checkOpen(); err != nil {
		return nil, err
	}
	loc, err := conn.procs.BlobCreateLocator(ctx)
	if err != nil {
		return nil, err
	}
	if loc == locator.InvalidLocator {
		return lob.NewBlob(nil), nil
	}
	return lob.NewLocatorBlob(conn, loc, 0), nil
}

func (conn *Connection) CreateClob(ctx context.Context) (*lob.Clob, error) {
	conn.Lock()
	defer conn.Unlock()
	if err := conn.checkOpen(); err != nil {
		return nil, err
	}
	loc, err := conn.procs.ClobCreateLocator(ctx)
	if err != nil {
		return nil, err
	}
	if loc == locator.InvalidLocator {
		return lob.NewClob(""), nil
	}
	return lob.NewLocatorClob(conn, loc, 0), nil
}

// Close closes open result sets and logical statements, then every cached
// physical statement and the transport. All failures are reported.
func (conn *Connection) Close() error {
	conn.Lock()
	if conn.State == Closed {
		conn.Unlock()
		return nil
	}
	open := make([]*resultset.ResultSet, 0, len(conn.results))
	for rs := range conn.results {
		open = append(open, rs)
	}
	conn.Unlock()

	var result *multierror.Error
	for _, rs := range open {
		if err := rs.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	conn.Lock()
	defer conn.Unlock()
	conn.State = Closed
	if err := conn.procs.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := conn.interactor.CloseOpenLogicalStatements(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := conn.cache.Purge(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := conn.transport.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	conn.tracer.Printf("Connection %s closed", conn.id)
	if err := conn.tracer.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
