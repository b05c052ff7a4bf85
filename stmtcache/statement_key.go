package stmtcache

import (
	"fmt"
	"strings"

	"github.com/sijms/go-drda/network"
)

// StatementKey identifies a physical statement in the cache. Two keys are
// equal when the SQL text and every attribute that shapes the statement are
// equal, so the struct is used directly as a map key.
type StatementKey struct {
	SQL               string
	Schema            string
	Callable          bool
	ResultSetType     network.ResultSetType
	Concurrency       network.Concurrency
	Holdability       network.Holdability
	AutoGeneratedKeys bool
}

// NewStatementKey builds a key for a prepared statement with the default
// shape: forward only, read only.
func NewStatementKey(sqlText, schema string, holdability network.Holdability) StatementKey {
	return StatementKey{
		SQL:         normalizeSQL(sqlText),
		Schema:      schema,
		Holdability: holdability,
	}
}

func NewCallableKey(sqlText, schema string, holdability network.Holdability) StatementKey {
	key := NewStatementKey(sqlText, schema, holdability)
	key.Callable = true
	return key
}

// WithShape returns a copy of key with the given result set attributes.
func (key StatementKey) WithShape(typ network.ResultSetType, concurrency network.Concurrency) StatementKey {
	key.ResultSetType = typ
	key.Concurrency = concurrency
	return key
}

func (key StatementKey) String() string {
	kind := "PS"
	if key.Callable {
		kind = "CS"
	}
	return fmt.Sprintf("%s:%s:%s:%d:%d:%s:%t", kind, key.Schema, key.SQL,
		key.ResultSetType, key.Concurrency, key.Holdability, key.AutoGeneratedKeys)
}

// normalizeSQL trims surrounding white space. The text inside is kept as
// is, string literals may contain significant spaces.
func normalizeSQL(text string) string {
	return strings.TrimSpace(text)
}
