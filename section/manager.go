package section

import (
	"errors"
	"strconv"
	"sync"

	"github.com/sijms/go-drda/network"
)

const (
	// package names the server binds dynamic sections to
	holdPackage   = "SYSLH000"
	noHoldPackage = "SYSLN000"
)

var ErrNoSections = errors.New("section: all sections are in use")

// Section is a server side statement slot inside a package. Every prepared
// physical statement occupies one until it is closed.
type Section struct {
	Number      int
	PackageName string
	Holdability network.Holdability
	// CursorName is the name used for positioned update and delete.
	CursorName string
}

// Manager hands out sections. Freed sections go back to a free list per
// holdability and are reused before a new number is allocated.
type Manager struct {
	mu          sync.Mutex
	maxSections int
	next        int
	freeHold    []*Section
	freeNoHold  []*Section
}

func NewManager(maxSections int) *Manager {
	return &Manager{maxSections: maxSections, next: 1}
}

// Get returns a free section for the given holdability.
func (m *Manager) Get(holdability network.Holdability) (*Section, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	free := m.freeList(holdability)
	if n := len(*free); n > 0 {
		s := (*free)[n-1]
		*free = (*free)[:n-1]
		return s, nil
	}
	if m.next > m.maxSections {
		return nil, ErrNoSections
	}
	s := &Section{Number: m.next, Holdability: holdability}
	if holdability == network.HoldCursorsOverCommit {
		s.PackageName = holdPackage
	} else {
		s.PackageName = noHoldPackage
	}
	s.CursorName = "SQL_CUR" + s.PackageName[3:] + "C" + strconv.Itoa(s.Number)
	m.next++
	return s, nil
}

// Free puts s back on the free list for its holdability.
func (m *Manager) Free(s *Section) {
	if s == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	free := m.freeList(s.Holdability)
	*free = append(*free, s)
}

// InUse is the number of sections handed out and not freed.
func (m *Manager) InUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next - 1 - len(m.freeHold) - len(m.freeNoHold)
}

func (m *Manager) freeList(holdability network.Holdability) *[]*Section {
	if holdability == network.HoldCursorsOverCommit {
		return &m.freeHold
	}
	return &m.freeNoHold
}
