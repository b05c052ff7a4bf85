package fakedrda

import (
	"bytes"
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sijms/go-drda/network"
	"github.com/sijms/go-drda/section"
	"github.com/sijms/go-drda/stmtcache"
)

// maxWidth is the longest VARCHAR a procedure returns in one call.
const maxWidth = 32672

// Statement is a physical statement prepared on the fake server.
type Statement struct {
	srv       *Server
	transport *Transport
	id        int
	key       stmtcache.StatementKey
	section   *section.Section

	mu       sync.Mutex
	params   map[int]driver.Value
	outTypes map[int]network.SqlType
	out      map[int]driver.Value
	warnings []*network.SqlWarning
	closed   bool
	resets   int
	cancels  int
	execs    int

	// fetchSize is the number of rows per block, 0 sends all rows at once.
	fetchSize int
}

func (st *Statement) ID() int                     { return st.id }
func (st *Statement) Key() stmtcache.StatementKey { return st.key }
func (st *Statement) Section() *section.Section   { return st.section }

func (st *Statement) Resets() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.resets
}

func (st *Statement) Executions() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.execs
}

// BoundParams returns a copy of the bound input parameters.
func (st *Statement) BoundParams() map[int]driver.Value {
	st.mu.Lock()
	defer st.mu.Unlock()
	ret := make(map[int]driver.Value, len(st.params))
	for k, v := range st.params {
		ret[k] = v
	}
	return ret
}

func (st *Statement) ResetForReuse() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return errors.New("fakedrda: reset of closed statement")
	}
	st.resets++
	st.params = make(map[int]driver.Value)
	st.out = make(map[int]driver.Value)
	st.warnings = nil
	return nil
}

func (st *Statement) IsClosed() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.closed || st.transport.isClosed()
}

func (st *Statement) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.closed = true
	return nil
}

func (st *Statement) SetFetchSize(rows int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.fetchSize = rows
}

func (st *Statement) FetchSize() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.fetchSize
}

func (st *Statement) NumInput() int {
	n := strings.Count(st.key.SQL, "?")
	if strings.HasPrefix(strings.TrimSpace(st.key.SQL), "?") {
		n--
	}
	return n
}

func (st *Statement) SetParam(index int, value driver.Value) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.params[index] = value
	return nil
}

func (st *Statement) ClearParams() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.params = make(map[int]driver.Value)
}

func (st *Statement) RegisterOutParam(index int, typ network.SqlType) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.outTypes[index] = typ
	return nil
}

func (st *Statement) OutParam(index int) (driver.Value, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.outTypes[index]; !ok {
		return nil, fmt.Errorf("fakedrda: parameter %d is not an out parameter", index)
	}
	return st.out[index], nil
}

func (st *Statement) Cancel() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.cancels++
	return nil
}

func (st *Statement) AddWarning(w *network.SqlWarning) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.warnings = append(st.warnings, w)
}

func (st *Statement) Warnings() []*network.SqlWarning {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]*network.SqlWarning(nil), st.warnings...)
}

func (st *Statement) checkOpen() error {
	if st.IsClosed() {
		return network.NewSqlError(network.StateStatementClosed, 0, "statement is closed")
	}
	return nil
}

func (st *Statement) Exec(ctx context.Context) (driver.Result, error) {
	if err := st.checkOpen(); err != nil {
		return nil, err
	}
	st.mu.Lock()
	st.execs++
	params := make(map[int]driver.Value, len(st.params))
	for k, v := range st.params {
		params[k] = v
	}
	st.mu.Unlock()
	if !st.key.Callable {
		st.srv.mu.Lock()
		st.srv.queryCalled[strings.ToLower(st.key.SQL)]++
		st.srv.mu.Unlock()
		return driver.RowsAffected(1), nil
	}
	name, function := procedureName(st.key.SQL)
	first := 1
	if function {
		first = 2
	}
	args := make([]driver.Value, 0, len(params))
	for i := first; ; i++ {
		v, ok := params[i]
		if !ok {
			break
		}
		args = append(args, v)
	}
	ret, err := st.srv.call(name, args)
	if err != nil {
		return nil, err
	}
	if function {
		st.mu.Lock()
		st.out[1] = ret
		st.mu.Unlock()
	}
	return driver.RowsAffected(0), nil
}

func (st *Statement) Query(ctx context.Context) (driver.Rows, error) {
	if err := st.checkOpen(); err != nil {
		return nil, err
	}
	st.mu.Lock()
	st.execs++
	fetchSize := st.fetchSize
	st.mu.Unlock()
	s := st.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	query := strings.ToLower(st.key.SQL)
	s.queryCalled[query]++
	if err, ok := s.rejectedData[query]; ok {
		return nil, err
	}
	result, ok := s.data[query]
	if !ok {
		return nil, network.NewSqlError("42X05", 0, fmt.Sprintf("no result configured for %q", st.key.SQL))
	}
	return &Rows{srv: s, result: result, locators: !s.noLocators, fetchSize: fetchSize}, nil
}

// procedureName extracts NAME from "[? =] CALL SYSIBM.NAME(...)".
func procedureName(text string) (name string, function bool) {
	text = strings.TrimSpace(text)
	function = strings.HasPrefix(text, "?")
	start := strings.Index(text, "SYSIBM.")
	end := strings.Index(text, "(")
	if start < 0 || end < start {
		return text, function
	}
	return text[start+len("SYSIBM.") : end], function
}

func invalidLocator(loc int) error {
	return network.NewSqlError("38000", 0, "procedure failed").Chain(
		network.NewSqlError(network.StateLobLocatorInvalid, 0, fmt.Sprintf("locator %d does not exist", loc)))
}

func argInt(args []driver.Value, i int) int64 {
	if i < len(args) {
		if n, ok := args[i].(int64); ok {
			return n
		}
	}
	return 0
}

// call runs a locator procedure.
func (s *Server) call(name string, args []driver.Value) (driver.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.noLocators {
		return nil, network.NewSqlError(network.StateNoSuchMethodAlias, 0, "no such procedure SYSIBM."+name)
	}
	s.procCalled[name]++
	loc := int(argInt(args, 0))
	switch name {
	case "BLOBCREATELOCATOR":
		loc = s.newLocator()
		s.blobs[loc] = []byte{}
		return int64(loc), nil
	case "CLOBCREATELOCATOR":
		loc = s.newLocator()
		s.clobs[loc] = []rune{}
		return int64(loc), nil
	case "BLOBRELEASELOCATOR":
		if _, ok := s.blobs[loc]; !ok {
			return nil, invalidLocator(loc)
		}
		delete(s.blobs, loc)
		s.released = append(s.released, loc)
		return nil, nil
	case "CLOBRELEASELOCATOR":
		if _, ok := s.clobs[loc]; !ok {
			return nil, invalidLocator(loc)
		}
		delete(s.clobs, loc)
		s.released = append(s.released, loc)
		return nil, nil
	}
	if strings.HasPrefix(name, "BLOB") {
		data, ok := s.blobs[loc]
		if !ok {
			return nil, invalidLocator(loc)
		}
		switch name {
		case "BLOBGETLENGTH":
			return int64(len(data)), nil
		case "BLOBGETBYTES":
			start := int(argInt(args, 1) - 1)
			n := min(int(argInt(args, 2)), maxWidth)
			if start >= len(data) {
				return []byte{}, nil
			}
			return append([]byte(nil), data[start:min(start+n, len(data))]...), nil
		case "BLOBSETBYTES":
			pos := int(argInt(args, 1))
			chunk, _ := args[3].([]byte)
			chunk = chunk[:argInt(args, 2)]
			if end := pos - 1 + len(chunk); end > len(data) {
				data = append(data, make([]byte, end-len(data))...)
			}
			copy(data[pos-1:], chunk)
			s.blobs[loc] = data
			return nil, nil
		case "BLOBTRUNCATE":
			s.blobs[loc] = data[:argInt(args, 1)]
			return nil, nil
		case "BLOBGETPOSITIONFROMBYTES":
			pattern, _ := args[1].([]byte)
			from := argInt(args, 2)
			if from-1 > int64(len(data)) {
				return int64(-1), nil
			}
			idx := bytes.Index(data[from-1:], pattern)
			if idx < 0 {
				return int64(-1), nil
			}
			return from + int64(idx), nil
		}
	}
	if strings.HasPrefix(name, "CLOB") {
		data, ok := s.clobs[loc]
		if !ok {
			return nil, invalidLocator(loc)
		}
		switch name {
		case "CLOBGETLENGTH":
			return int64(len(data)), nil
		case "CLOBGETSUBSTRING":
			start := int(argInt(args, 1) - 1)
			n := min(int(argInt(args, 2)), maxWidth)
			if start >= len(data) {
				return "", nil
			}
			return string(data[start:min(start+n, len(data))]), nil
		case "CLOBSETSTRING":
			pos := int(argInt(args, 1))
			str, _ := args[3].(string)
			chunk := []rune(str)[:argInt(args, 2)]
			if end := pos - 1 + len(chunk); end > len(data) {
				data = append(data, make([]rune, end-len(data))...)
			}
			copy(data[pos-1:], chunk)
			s.clobs[loc] = data
			return nil, nil
		case "CLOBTRUNCATE":
			s.clobs[loc] = data[:argInt(args, 1)]
			return nil, nil
		case "CLOBGETPOSITIONFROMSTRING":
			search, _ := args[1].(string)
			from := argInt(args, 2)
			if from-1 > int64(len(data)) {
				return int64(-1), nil
			}
			rest := data[from-1:]
			idx := strings.Index(string(rest), search)
			if idx < 0 {
				return int64(-1), nil
			}
			return from + int64(len([]rune(string(rest)[:idx]))), nil
		}
	}
	return nil, network.NewSqlError(network.StateNoSuchMethodAlias, 0, "no such procedure SYSIBM."+name)
}
