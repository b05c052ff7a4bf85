package stmtcache

import (
	"errors"
	"sync"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/sijms/go-drda/trace"
)

// Statement is the part of a physical statement the cache needs.
type Statement interface {
	// ResetForReuse clears parameters, warnings and open cursors.
	ResetForReuse() error
	// IsClosed reports whether the statement was closed, by the client or
	// the server.
	IsClosed() bool
	Close() error
}

var ErrAlreadyCheckedOut = errors.New("stmtcache: statement is already checked out by another owner")

// Entry is a cache slot holding one physical statement. A logical statement
// checks the entry out while it uses the physical statement, only one owner
// may hold it at a time.
type Entry[S Statement] struct {
	key  StatementKey
	stmt S

	mu    sync.Mutex
	owner any
}

func NewEntry[S Statement](key StatementKey, stmt S) *Entry[S] {
	return &Entry[S]{key: key, stmt: stmt}
}

func (e *Entry[S]) Key() StatementKey { return e.key }

func (e *Entry[S]) Statement() S { return e.stmt }

// Checkout makes owner the single holder of the entry.
func (e *Entry[S]) Checkout(owner any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.owner != nil && e.owner != owner {
		return ErrAlreadyCheckedOut
	}
	e.owner = owner
	return nil
}

// Release clears the owner. Releasing by a non owner does nothing.
func (e *Entry[S]) Release(owner any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.owner == owner {
		e.owner = nil
	}
}

func (e *Entry[S]) Owner() any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.owner
}

// Cache holds physical statements that are available for reuse, at most
// one per key. Statements in use are not in the cache: Get removes the
// entry and the owner puts it back with CacheStatement when done.
//
// A cache of size zero keeps nothing, every CacheStatement is rejected.
type Cache[S Statement] struct {
	mu     sync.Mutex
	lru    *simplelru.LRU[StatementKey, *Entry[S]]
	tracer trace.Tracer
	// taking is set while an entry leaves the cache for reuse, so the
	// eviction callback does not close it.
	taking bool
}

func NewCache[S Statement](size int, tracer trace.Tracer) (*Cache[S], error) {
	if tracer == nil {
		tracer = trace.NilTracer()
	}
	c := &Cache[S]{tracer: tracer}
	if size == 0 {
		return c, nil
	}
	lru, err := simplelru.NewLRU[StatementKey, *Entry[S]](size, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.lru = lru
	return c, nil
}

func (c *Cache[S]) onEvict(key StatementKey, entry *Entry[S]) {
	if c.taking {
		return
	}
	metrics.IncrCounter([]string{"drda", "stmtcache", "evict"}, 1)
	c.tracer.Printf("Statement cache evict: %s", key)
	if err := entry.stmt.Close(); err != nil {
		c.tracer.Printf("Closing evicted statement failed: %v", err)
	}
}

// Get removes and returns the available entry for key.
func (c *Cache[S]) Get(key StatementKey) (*Entry[S], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lru == nil {
		return nil, false
	}
	entry, ok := c.lru.Peek(key)
	if !ok {
		metrics.IncrCounter([]string{"drda", "stmtcache", "miss"}, 1)
		return nil, false
	}
	c.taking = true
	c.lru.Remove(key)
	c.taking = false
	metrics.IncrCounter([]string{"drda", "stmtcache", "hit"}, 1)
	return entry, true
}

// CacheStatement makes entry available for reuse. It returns false, and
// leaves the cache unchanged, when an entry with the same key is already
// cached. The caller owns a rejected entry and must close it.
func (c *Cache[S]) CacheStatement(entry *Entry[S]) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lru == nil {
		return false
	}
	if c.lru.Contains(entry.key) {
		metrics.IncrCounter([]string{"drda", "stmtcache", "discard"}, 1)
		return false
	}
	c.lru.Add(entry.key, entry)
	return true
}

func (c *Cache[S]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lru == nil {
		return 0
	}
	return c.lru.Len()
}

// Purge empties the cache and closes every cached statement.
func (c *Cache[S]) Purge() error {
	c.mu.Lock()
	if c.lru == nil {
		c.mu.Unlock()
		return nil
	}
	entries := c.lru.Values()
	c.taking = true
	c.lru.Purge()
	c.taking = false
	c.mu.Unlock()
	var result *multierror.Error
	for _, entry := range entries {
		if err := entry.stmt.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
