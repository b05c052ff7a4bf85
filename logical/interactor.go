package logical

import (
	"context"
	"database/sql/driver"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sijms/go-drda/network"
	"github.com/sijms/go-drda/stmtcache"
	"github.com/sijms/go-drda/trace"
)

// PhysicalStatement is a statement prepared on the server. It is owned by
// at most one logical Statement at a time and goes back to the cache when
// that Statement closes.
type PhysicalStatement interface {
	stmtcache.Statement
	NumInput() int
	SetParam(index int, value driver.Value) error
	ClearParams()
	RegisterOutParam(index int, typ network.SqlType) error
	OutParam(index int) (driver.Value, error)
	Exec(ctx context.Context) (driver.Result, error)
	Query(ctx context.Context) (driver.Rows, error)
	// Cancel interrupts the running execution from another goroutine.
	Cancel() error
	AddWarning(w *network.SqlWarning)
	Warnings() []*network.SqlWarning
}

// Preparer creates physical statements on a cache miss.
type Preparer interface {
	PreparePhysical(ctx context.Context, key stmtcache.StatementKey) (PhysicalStatement, error)
}

// Interactor hands out logical statements backed by cached physical
// statements. It does not lock the connection, callers do.
type Interactor struct {
	preparer Preparer
	cache    *stmtcache.Cache[PhysicalStatement]
	tracer   trace.Tracer

	mu   sync.Mutex
	open map[*Statement]struct{}
}

func NewInteractor(preparer Preparer, cache *stmtcache.Cache[PhysicalStatement], tracer trace.Tracer) *Interactor {
	if tracer == nil {
		tracer = trace.NilTracer()
	}
	return &Interactor{
		preparer: preparer,
		cache:    cache,
		tracer:   tracer,
		open:     make(map[*Statement]struct{}),
	}
}

// Prepare returns a logical statement for key, reusing a cached physical
// statement when one is available.
func (it *Interactor) Prepare(ctx context.Context, key stmtcache.StatementKey) (*Statement, error) {
	entry, ok := it.cache.Get(key)
	if ok {
		it.tracer.Printf("Statement cache hit: %s", key)
	} else {
		ps, err := it.preparer.PreparePhysical(ctx, key)
		if err != nil {
			return nil, errors.Wrapf(err, "prepare %q", key.SQL)
		}
		entry = stmtcache.NewEntry(key, ps)
	}
	stmt := &Statement{key: key, interactor: it}
	if err := entry.Checkout(stmt); err != nil {
		return nil, err
	}
	stmt.entry = entry
	it.mu.Lock()
	it.open[stmt] = struct{}{}
	it.mu.Unlock()
	return stmt, nil
}

// PrepareCall is Prepare for a CALL statement.
func (it *Interactor) PrepareCall(ctx context.Context, key stmtcache.StatementKey) (*Statement, error) {
	key.Callable = true
	return it.Prepare(ctx, key)
}

func (it *Interactor) statementClosed(stmt *Statement) {
	it.mu.Lock()
	delete(it.open, stmt)
	it.mu.Unlock()
}

// OpenStatements is the number of logical statements not closed yet.
func (it *Interactor) OpenStatements() int {
	it.mu.Lock()
	defer it.mu.Unlock()
	return len(it.open)
}

// CloseOpenLogicalStatements closes every logical statement still open,
// their physical statements go back to the cache.
func (it *Interactor) CloseOpenLogicalStatements() error {
	it.mu.Lock()
	stmts := make([]*Statement, 0, len(it.open))
	for stmt := range it.open {
		stmts = append(stmts, stmt)
	}
	it.mu.Unlock()
	var result *multierror.Error
	for _, stmt := range stmts {
		if err := stmt.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
