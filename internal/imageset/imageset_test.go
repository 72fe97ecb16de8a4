package imageset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flywall/internal/errors"
)

func TestAddEntryNormalizesAndDedupes(t *testing.T) {
	s := New()
	s.AddEntry(`\Device\HVol1\App.exe`)
	s.AddEntry(`\DEVICE\HVol1\APP.EXE`)

	assert.Equal(t, 1, s.Len())
	assert.True(t, s.HasEntry(`\Device\HVol1\App.exe`))
	assert.True(t, s.HasEntryExact(`\device\hvol1\app.exe`))
}

func TestRemoveEntryPreservesOrder(t *testing.T) {
	s := New()
	s.AddEntry("a")
	s.AddEntry("b")
	s.AddEntry("c")
	s.RemoveEntry("b")

	var seen []string
	s.ForEach(func(name string) { seen = append(seen, name) })
	assert.Equal(t, []string{"a", "c"}, seen)
}

func TestNewFromListRejectsEmpty(t *testing.T) {
	_, err := NewFromList(nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidArgument, errors.GetKind(err))
}

func TestNormalizeIdempotent(t *testing.T) {
	x := `\Device\HVol1\App.exe`
	assert.Equal(t, Normalize(x), Normalize(Normalize(x)))
}

func TestResetAndIsEmpty(t *testing.T) {
	s := New()
	s.AddEntry("a")
	assert.False(t, s.IsEmpty())
	s.Reset()
	assert.True(t, s.IsEmpty())
}
