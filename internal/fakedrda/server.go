// Package fakedrda provides an in-memory fake DRDA server for tests. It
// prepares statements, returns pre-configured results, serves LOB values
// through locators and implements the SYSIBM locator procedures.
package fakedrda

import (
	"context"
	"database/sql/driver"
	"strings"
	"sync"
	"testing"

	"github.com/sijms/go-drda/logical"
	"github.com/sijms/go-drda/network"
	"github.com/sijms/go-drda/section"
	"github.com/sijms/go-drda/stmtcache"
)

// Column of a configured result. LOB columns are handed to the client as
// locators unless the server has locators disabled.
type Column struct {
	Name string
	Type network.SqlType
}

type Result struct {
	Columns []Column
	// Rows hold []byte for BLOB and string for CLOB columns.
	Rows [][]driver.Value
}

// Server is the fake server. All methods are safe for concurrent use.
type Server struct {
	t testing.TB

	mu sync.Mutex

	// data maps lower case query text to its result.
	data map[string]*Result

	// rejectedData maps lower case query text to an error.
	rejectedData map[string]error

	queryCalled map[string]int

	// procCalled counts locator procedure calls by procedure name.
	procCalled map[string]int

	prepared    []*Statement
	nextLocator int
	blobs       map[int][]byte
	clobs       map[int][]rune
	released    []int

	// noLocators makes the server answer as one without the locator
	// procedures, LOB values are sent materialized.
	noLocators bool

	commits   int
	rollbacks int

	// fetches counts row blocks sent to clients.
	fetches int
}

func New(t testing.TB) *Server {
	return &Server{
		t:            t,
		data:         make(map[string]*Result),
		rejectedData: make(map[string]error),
		queryCalled:  make(map[string]int),
		procCalled:   make(map[string]int),
		blobs:        make(map[int][]byte),
		clobs:        make(map[int][]rune),
		nextLocator:  1,
	}
}

func (s *Server) AddQuery(query string, result *Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[strings.ToLower(query)] = result
}

func (s *Server) AddRejectedQuery(query string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectedData[strings.ToLower(query)] = err
}

// DisableLocators makes the server behave like one without the locator
// stored procedures.
func (s *Server) DisableLocators() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noLocators = true
}

func (s *Server) GetQueryCalledNum(query string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryCalled[strings.ToLower(query)]
}

// ProcedureCalls returns how often SYSIBM.<name> was called.
func (s *Server) ProcedureCalls(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procCalled[name]
}

// Prepared returns every physical statement prepared so far, in order.
func (s *Server) Prepared() []*Statement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Statement(nil), s.prepared...)
}

// LiveLocators is the number of locators the server still holds.
func (s *Server) LiveLocators() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs) + len(s.clobs)
}

// Released returns the locators released by the client, in order.
func (s *Server) Released() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.released...)
}

func (s *Server) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

// Fetches is the number of row blocks sent for all queries.
func (s *Server) Fetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

func (s *Server) Rollbacks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rollbacks
}

// Blob returns the value behind a BLOB locator.
func (s *Server) Blob(loc int) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[loc]
	return data, ok
}

func (s *Server) Clob(loc int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.clobs[loc]
	return string(data), ok
}

// NewTransport opens a client session on the server.
func (s *Server) NewTransport() *Transport {
	return &Transport{srv: s}
}

// endTransaction drops every locator, as a real server does at commit and
// rollback.
func (s *Server) endTransaction() {
	s.blobs = make(map[int][]byte)
	s.clobs = make(map[int][]rune)
}

func (s *Server) newLocator() int {
	loc := s.nextLocator
	s.nextLocator++
	return loc
}

// Transport is one client session.
type Transport struct {
	srv    *Server
	mu     sync.Mutex
	closed bool
}

func (tr *Transport) Prepare(ctx context.Context, key stmtcache.StatementKey, sec *section.Section) (logical.PhysicalStatement, error) {
	tr.mu.Lock()
	closed := tr.closed
	tr.mu.Unlock()
	if closed {
		return nil, network.NewSqlError("08003", 0, "no current connection")
	}
	s := tr.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.rejectedData[strings.ToLower(key.SQL)]; ok {
		return nil, err
	}
	stmt := &Statement{
		srv:       s,
		transport: tr,
		id:        len(s.prepared) + 1,
		key:       key,
		section:   sec,
		params:    make(map[int]driver.Value),
		outTypes:  make(map[int]network.SqlType),
		out:       make(map[int]driver.Value),
	}
	s.prepared = append(s.prepared, stmt)
	if s.t != nil {
		s.t.Logf("fakedrda: prepared #%d %s", stmt.id, key)
	}
	return stmt, nil
}

func (tr *Transport) Commit(ctx context.Context) error {
	s := tr.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
	s.endTransaction()
	return nil
}

func (tr *Transport) Rollback(ctx context.Context) error {
	s := tr.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollbacks++
	s.endTransaction()
	return nil
}

// Close ends the session, statements prepared on it report closed.
func (tr *Transport) Close() error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.closed = true
	return nil
}

func (tr *Transport) isClosed() bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.closed
}
