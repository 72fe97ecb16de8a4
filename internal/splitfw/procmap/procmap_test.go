package procmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMap struct {
	entries map[uint32]Verdict
}

func newFakeMap() *fakeMap { return &fakeMap{entries: map[uint32]Verdict{}} }

func (f *fakeMap) Put(key, value any) error {
	f.entries[key.(uint32)] = value.(Verdict)
	return nil
}

func (f *fakeMap) Delete(key any) error {
	delete(f.entries, key.(uint32))
	return nil
}

func (f *fakeMap) Lookup(key, value any) error {
	v, ok := f.entries[key.(uint32)]
	if !ok {
		return assertErrNotFound
	}
	*value.(*Verdict) = v
	return nil
}

type notFoundErr struct{}

func (notFoundErr) Error() string { return "key not found" }

var assertErrNotFound = notFoundErr{}

func TestSetAndLookupVerdict(t *testing.T) {
	fm := newFakeMap()
	m := NewWithMap(fm)

	require.NoError(t, m.SetVerdict(100, Verdict{Mark: 42, Splitting: 1}))

	v, ok := m.Lookup(100)
	require.True(t, ok)
	assert.Equal(t, uint32(42), v.Mark)
	assert.Equal(t, uint8(1), v.Splitting)
}

func TestClearVerdictRemovesEntry(t *testing.T) {
	fm := newFakeMap()
	m := NewWithMap(fm)

	require.NoError(t, m.SetVerdict(100, Verdict{Mark: 42, Splitting: 1}))
	require.NoError(t, m.ClearVerdict(100))

	_, ok := m.Lookup(100)
	assert.False(t, ok)
}

func TestLookupMissingPidReturnsFalse(t *testing.T) {
	fm := newFakeMap()
	m := NewWithMap(fm)

	_, ok := m.Lookup(999)
	assert.False(t, ok)
}
