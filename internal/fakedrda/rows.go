package fakedrda

import (
	"database/sql/driver"
	"io"

	"github.com/sijms/go-drda/locator"
	"github.com/sijms/go-drda/network"
	"github.com/sijms/go-drda/resultset"
)

// Rows returns a configured result. Each fetched row gets fresh locators
// for its non NULL LOB values.
type Rows struct {
	srv      *Server
	result   *Result
	locators bool

	// fetchSize rows are sent per block, buffered is the end of the
	// rows sent so far.
	fetchSize int
	buffered  int

	next    int
	current []driver.Value
	locs    map[int]int
	closed  bool
}

func (r *Rows) Columns() []string {
	ret := make([]string, len(r.result.Columns))
	for i, col := range r.result.Columns {
		ret[i] = col.Name
	}
	return ret
}

func (r *Rows) Close() error {
	r.closed = true
	return nil
}

func isLob(typ network.SqlType) bool {
	return typ == network.Blob || typ == network.Clob
}

func (r *Rows) Next(dest []driver.Value) error {
	if r.closed || r.next >= len(r.result.Rows) {
		return io.EOF
	}
	row := r.result.Rows[r.next]
	r.current = make([]driver.Value, len(row))
	r.locs = make(map[int]int)
	r.srv.mu.Lock()
	if r.next >= r.buffered {
		r.srv.fetches++
		if r.fetchSize <= 0 {
			r.buffered = len(r.result.Rows)
		} else {
			r.buffered += r.fetchSize
		}
	}
	r.next++
	for i, v := range row {
		col := r.result.Columns[i]
		if v == nil || !r.locators || !isLob(col.Type) {
			r.current[i] = v
			continue
		}
		loc := r.srv.newLocator()
		if col.Type == network.Blob {
			data, _ := v.([]byte)
			r.srv.blobs[loc] = append([]byte(nil), data...)
		} else {
			str, _ := v.(string)
			r.srv.clobs[loc] = []rune(str)
		}
		r.locs[i+1] = loc
		r.current[i] = int64(loc)
	}
	r.srv.mu.Unlock()
	copy(dest, r.current)
	return nil
}

func (r *Rows) IsNull(column int) bool {
	return r.current[column-1] == nil
}

func (r *Rows) Locator(column int) int {
	if loc, ok := r.locs[column]; ok {
		return loc
	}
	return locator.InvalidLocator
}

func (r *Rows) Value(column int) driver.Value {
	return r.current[column-1]
}

func (r *Rows) LobColumns() []resultset.LobColumn {
	var ret []resultset.LobColumn
	for i, col := range r.result.Columns {
		if isLob(col.Type) {
			ret = append(ret, resultset.LobColumn{Index: i + 1, Blob: col.Type == network.Blob})
		}
	}
	return ret
}
