package section

import (
	"testing"

	"github.com/sijms/go-drda/network"
	"gotest.tools/v3/assert"
)

func TestFreedSectionIsReused(t *testing.T) {
	m := NewManager(10)
	s1, err := m.Get(network.HoldCursorsOverCommit)
	assert.NilError(t, err)
	assert.Equal(t, s1.PackageName, "SYSLH000")
	assert.Equal(t, s1.CursorName, "SQL_CURLH000C1")
	s2, err := m.Get(network.CloseCursorsAtCommit)
	assert.NilError(t, err)
	assert.Equal(t, s2.Number, 2)
	assert.Equal(t, s2.PackageName, "SYSLN000")
	assert.Equal(t, m.InUse(), 2)

	m.Free(s1)
	assert.Equal(t, m.InUse(), 1)
	// a freed hold section is not handed out for no-hold
	s3, err := m.Get(network.CloseCursorsAtCommit)
	assert.NilError(t, err)
	assert.Equal(t, s3.Number, 3)
	s4, err := m.Get(network.HoldCursorsOverCommit)
	assert.NilError(t, err)
	assert.Assert(t, s4 == s1)
}

func TestRunOutOfSections(t *testing.T) {
	m := NewManager(2)
	for i := 0; i < 2; i++ {
		_, err := m.Get(network.HoldCursorsOverCommit)
		assert.NilError(t, err)
	}
	_, err := m.Get(network.HoldCursorsOverCommit)
	assert.ErrorIs(t, err, ErrNoSections)
}
