package resultset

import (
	"context"
	"sort"

	"github.com/armon/go-metrics"
	"github.com/sijms/go-drda/locator"
)

// Cursor gives the tracker access to the current row.
type Cursor interface {
	IsNull(column int) bool
	// Locator returns the locator of a LOB column of the current row.
	Locator(column int) int
	LocatorProcedures() locator.Procedures
}

// LobColumn describes a LOB typed column of a result, Index is 1-based.
type LobColumn struct {
	Index int
	Blob  bool
}

// LobStateTracker releases the locators of LOB columns the application
// fetched but never opened, so they do not pile up on the server until the
// transaction ends. Columns the application did open are left alone.
//
// The zero value tracks nothing and is used for results without LOB
// columns.
type LobStateTracker struct {
	// the four slices are index aligned, columns is sorted
	columns         []int
	isBlob          []bool
	accessed        []bool
	lastLocatorSeen []int
	releaseEnabled  bool
}

func NewLobStateTracker(lobColumns []LobColumn, release bool) LobStateTracker {
	if len(lobColumns) == 0 {
		return LobStateTracker{}
	}
	cols := append([]LobColumn(nil), lobColumns...)
	sort.Slice(cols, func(i, j int) bool { return cols[i].Index < cols[j].Index })
	t := LobStateTracker{
		columns:         make([]int, len(cols)),
		isBlob:          make([]bool, len(cols)),
		accessed:        make([]bool, len(cols)),
		lastLocatorSeen: make([]int, len(cols)),
		releaseEnabled:  release,
	}
	for i, col := range cols {
		t.columns[i] = col.Index
		t.isBlob[i] = col.Blob
		t.lastLocatorSeen[i] = locator.InvalidLocator
	}
	return t
}

// Tracking reports whether there are LOB columns to look after.
func (t *LobStateTracker) Tracking() bool {
	return len(t.columns) > 0
}

// CheckCurrentRow releases the locators of the current row that were not
// accessed. Call it once before moving off a valid row. A second call on
// the same row is detected through the last seen locator and does nothing.
func (t *LobStateTracker) CheckCurrentRow(ctx context.Context, cursor Cursor) error {
	if t.releaseEnabled {
		var procs locator.Procedures
		for i, column := range t.columns {
			if t.accessed[i] || cursor.IsNull(column) {
				continue
			}
			loc := cursor.Locator(column)
			// value sent inline, nothing to release
			if loc == locator.InvalidLocator {
				continue
			}
			if loc == t.lastLocatorSeen[i] {
				return nil
			}
			t.lastLocatorSeen[i] = loc
			if procs == nil {
				procs = cursor.LocatorProcedures()
			}
			var err error
			if t.isBlob[i] {
				err = procs.BlobReleaseLocator(ctx, loc)
			} else {
				err = procs.ClobReleaseLocator(ctx, loc)
			}
			if err != nil {
				return err
			}
			metrics.IncrCounter([]string{"drda", "lob", "locator_release"}, 1)
		}
	}
	for i := range t.accessed {
		t.accessed[i] = false
	}
	return nil
}

// MarkAccessed keeps the locator of column on the current row alive.
func (t *LobStateTracker) MarkAccessed(column int) {
	i := sort.SearchInts(t.columns, column)
	if i < len(t.columns) && t.columns[i] == column {
		t.accessed[i] = true
	}
}

// DiscardState stops any release until the next row. The server already
// dropped every locator when the transaction ended.
func (t *LobStateTracker) DiscardState() {
	for i := range t.accessed {
		t.accessed[i] = true
	}
}
