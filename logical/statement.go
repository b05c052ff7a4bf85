package logical

import (
	"context"
	"database/sql/driver"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sijms/go-drda/network"
	"github.com/sijms/go-drda/stmtcache"
)

var ErrStatementClosed = network.NewSqlError(network.StateStatementClosed, 0, "statement is closed")

// Statement is the handle applications use. It delegates to a checked out
// physical statement until Close, which hands the physical statement back
// to the cache. A closed Statement cannot be reopened.
type Statement struct {
	key        stmtcache.StatementKey
	interactor *Interactor

	mu           sync.Mutex
	entry        *stmtcache.Entry[PhysicalStatement]
	queryTimeout time.Duration
}

func (s *Statement) physical() (PhysicalStatement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry == nil {
		return nil, ErrStatementClosed
	}
	return s.entry.Statement(), nil
}

func (s *Statement) Key() stmtcache.StatementKey { return s.key }

func (s *Statement) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entry == nil
}

// Close returns the physical statement to the cache. Closing twice does
// nothing. Failures to reset or cache the physical statement are not
// reported, the physical statement is dropped instead.
func (s *Statement) Close() error {
	s.mu.Lock()
	entry := s.entry
	s.entry = nil
	s.mu.Unlock()
	if entry == nil {
		return nil
	}
	entry.Release(s)
	s.interactor.statementClosed(s)
	tracer := s.interactor.tracer
	ps := entry.Statement()
	if err := ps.ResetForReuse(); err != nil {
		tracer.Printf("Reset of %s failed, statement discarded: %v", s.key, err)
		s.discard(ps)
		return nil
	}
	if ps.IsClosed() {
		tracer.Printf("Physical statement %s closed, not cached", s.key)
		return nil
	}
	if !s.interactor.cache.CacheStatement(entry) {
		tracer.Printf("Statement %s already cached, duplicate discarded", s.key)
		s.discard(ps)
	}
	return nil
}

func (s *Statement) discard(ps PhysicalStatement) {
	if ps.IsClosed() {
		return
	}
	if err := ps.Close(); err != nil {
		s.interactor.tracer.Printf("Close of discarded statement failed: %v", err)
	}
}

func (s *Statement) NumInput() int {
	ps, err := s.physical()
	if err != nil {
		return -1
	}
	return ps.NumInput()
}

func (s *Statement) SetParam(index int, value driver.Value) error {
	ps, err := s.physical()
	if err != nil {
		return err
	}
	return ps.SetParam(index, value)
}

func (s *Statement) ClearParams() error {
	ps, err := s.physical()
	if err != nil {
		return err
	}
	ps.ClearParams()
	return nil
}

func (s *Statement) RegisterOutParam(index int, typ network.SqlType) error {
	ps, err := s.physical()
	if err != nil {
		return err
	}
	return ps.RegisterOutParam(index, typ)
}

func (s *Statement) OutParam(index int) (driver.Value, error) {
	ps, err := s.physical()
	if err != nil {
		return nil, err
	}
	return ps.OutParam(index)
}

// SetQueryTimeout limits how long Exec and Query may run before the
// statement is cancelled. Zero means no limit.
func (s *Statement) SetQueryTimeout(d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry == nil {
		return ErrStatementClosed
	}
	s.queryTimeout = d
	return nil
}

func (s *Statement) QueryTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryTimeout
}

func (s *Statement) Exec(ctx context.Context) (driver.Result, error) {
	ps, err := s.physical()
	if err != nil {
		return nil, err
	}
	w := startCancelWatcher(ctx, ps, s.QueryTimeout())
	defer w.stop()
	return ps.Exec(ctx)
}

func (s *Statement) Query(ctx context.Context) (driver.Rows, error) {
	ps, err := s.physical()
	if err != nil {
		return nil, err
	}
	w := startCancelWatcher(ctx, ps, s.QueryTimeout())
	defer w.stop()
	return ps.Query(ctx)
}

// Warnings returns the warnings attached to the physical statement, nil
// when there are none.
func (s *Statement) Warnings() error {
	ps, err := s.physical()
	if err != nil {
		return err
	}
	var result *multierror.Error
	for _, w := range ps.Warnings() {
		result = multierror.Append(result, w)
	}
	return result.ErrorOrNil()
}
