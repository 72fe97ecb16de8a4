package procreg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flywall/internal/errors"
)

func TestAddEntryDuplicate(t *testing.T) {
	r := New()
	require.NoError(t, r.AddEntry(InitializeEntry(100, 4, "app.exe")))

	err := r.AddEntry(InitializeEntry(100, 4, "app.exe"))
	require.Error(t, err)
	assert.Equal(t, errors.KindDuplicateObject, errors.GetKind(err))
}

func TestGetParentEntryCachesAndHandlesMissing(t *testing.T) {
	r := New()
	require.NoError(t, r.AddEntry(InitializeEntry(100, 0, "app.exe")))
	child := InitializeEntry(200, 100, "child.exe")
	require.NoError(t, r.AddEntry(child))

	parent := r.GetParentEntry(child)
	require.NotNil(t, parent)
	assert.Equal(t, PID(100), parent.Pid)

	orphan := InitializeEntry(300, 999, "orphan.exe")
	require.NoError(t, r.AddEntry(orphan))
	assert.Nil(t, r.GetParentEntry(orphan))
}

func TestDeleteEntryClearsChildReferences(t *testing.T) {
	r := New()
	require.NoError(t, r.AddEntry(InitializeEntry(100, 0, "app.exe")))
	child := InitializeEntry(200, 100, "child.exe")
	require.NoError(t, r.AddEntry(child))
	r.GetParentEntry(child) // populate cache

	removed := r.DeleteEntry(100)
	require.NotNil(t, removed)

	got := r.FindEntry(200)
	require.NotNil(t, got)
	assert.Equal(t, PID(0), got.ParentPid)
	assert.Nil(t, got.Parent())
}

func TestForEachOrdersByPid(t *testing.T) {
	r := New()
	require.NoError(t, r.AddEntry(InitializeEntry(300, 0, "c.exe")))
	require.NoError(t, r.AddEntry(InitializeEntry(100, 0, "a.exe")))
	require.NoError(t, r.AddEntry(InitializeEntry(200, 0, "b.exe")))

	var pids []PID
	r.ForEach(func(e *Entry) { pids = append(pids, e.Pid) })
	assert.Equal(t, []PID{100, 200, 300}, pids)
}

func TestSplittingStatusEnabled(t *testing.T) {
	assert.False(t, SplittingOff.Enabled())
	assert.True(t, SplittingOnByConfig.Enabled())
	assert.True(t, SplittingOnByInheritance.Enabled())
}
