package appfilters

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInstaller struct {
	nextHandle int
	installed  map[int]bool
	failOn     string
}

func newFakeInstaller() *fakeInstaller {
	return &fakeInstaller{installed: map[int]bool{}}
}

func (f *fakeInstaller) InstallOutbound(mark uint32, tunnelAddr net.IP, v6 bool) (any, error) {
	if f.failOn == "outbound" {
		return nil, assertErr
	}
	f.nextHandle++
	f.installed[f.nextHandle] = true
	return f.nextHandle, nil
}

func (f *fakeInstaller) InstallInbound(mark uint32, tunnelAddr net.IP, v6 bool) (any, error) {
	if f.failOn == "inbound" {
		return nil, assertErr
	}
	f.nextHandle++
	f.installed[f.nextHandle] = true
	return f.nextHandle, nil
}

func (f *fakeInstaller) Remove(handle any) error {
	delete(f.installed, handle.(int))
	return nil
}

var assertErr = errTest{}

type errTest struct{}

func (errTest) Error() string { return "install failed" }

func TestRegisterBlockCreatesEntryThenIncrementsRefCount(t *testing.T) {
	inst := newFakeInstaller()
	m := New(nil, inst)

	require.NoError(t, m.BeginTransaction())
	require.NoError(t, m.RegisterBlock("chrome.exe", net.ParseIP("10.64.0.1"), nil))
	require.NoError(t, m.RegisterBlock("chrome.exe", net.ParseIP("10.64.0.1"), nil))
	require.NoError(t, m.Commit())

	assert.Equal(t, 1, m.Len())
	assert.Equal(t, 2, m.find("chrome.exe").RefCount)
	assert.Len(t, inst.installed, 2)
}

func TestRemoveBlockDecrementsThenUninstalls(t *testing.T) {
	inst := newFakeInstaller()
	m := New(nil, inst)

	require.NoError(t, m.BeginTransaction())
	require.NoError(t, m.RegisterBlock("chrome.exe", net.ParseIP("10.64.0.1"), nil))
	require.NoError(t, m.RegisterBlock("chrome.exe", net.ParseIP("10.64.0.1"), nil))
	require.NoError(t, m.Commit())

	require.NoError(t, m.BeginTransaction())
	require.NoError(t, m.RemoveBlock("chrome.exe"))
	require.NoError(t, m.Commit())
	assert.Equal(t, 1, m.find("chrome.exe").RefCount)

	require.NoError(t, m.BeginTransaction())
	require.NoError(t, m.RemoveBlock("chrome.exe"))
	require.NoError(t, m.Commit())
	assert.Equal(t, 0, m.Len())
	assert.Empty(t, inst.installed)
}

func TestAbortInvertsAddEntry(t *testing.T) {
	inst := newFakeInstaller()
	m := New(nil, inst)

	require.NoError(t, m.BeginTransaction())
	require.NoError(t, m.RegisterBlock("chrome.exe", net.ParseIP("10.64.0.1"), nil))
	require.NoError(t, m.Abort())

	assert.Equal(t, 0, m.Len())
	assert.Empty(t, inst.installed)
}

func TestAbortInvertsIncRef(t *testing.T) {
	inst := newFakeInstaller()
	m := New(nil, inst)

	require.NoError(t, m.BeginTransaction())
	require.NoError(t, m.RegisterBlock("chrome.exe", net.ParseIP("10.64.0.1"), nil))
	require.NoError(t, m.Commit())

	require.NoError(t, m.BeginTransaction())
	require.NoError(t, m.RegisterBlock("chrome.exe", net.ParseIP("10.64.0.1"), nil))
	require.NoError(t, m.Abort())

	assert.Equal(t, 1, m.find("chrome.exe").RefCount)
}

func TestResetSwapsToEmptyListAndAbortRestores(t *testing.T) {
	inst := newFakeInstaller()
	m := New(nil, inst)

	require.NoError(t, m.BeginTransaction())
	require.NoError(t, m.RegisterBlock("chrome.exe", net.ParseIP("10.64.0.1"), nil))
	require.NoError(t, m.Commit())

	require.NoError(t, m.BeginTransaction())
	require.NoError(t, m.Reset())
	require.NoError(t, m.Abort())

	assert.Equal(t, 1, m.Len())
}

func TestRegisterBlockFailureLeavesNoPartialEntry(t *testing.T) {
	inst := newFakeInstaller()
	inst.failOn = "inbound"
	m := New(nil, inst)

	require.NoError(t, m.BeginTransaction())
	err := m.RegisterBlock("chrome.exe", net.ParseIP("10.64.0.1"), nil)
	assert.Error(t, err)
	// the failed entry is never added to the list or the log, and its
	// outbound rule was already removed, so the module stays empty after
	// aborting.
	require.NoError(t, m.Abort())
	assert.Equal(t, 0, m.Len())
}

func TestRemoveBlockUnknownImageReturnsNotFound(t *testing.T) {
	inst := newFakeInstaller()
	m := New(nil, inst)

	require.NoError(t, m.BeginTransaction())
	err := m.RemoveBlock("unknown.exe")
	assert.Error(t, err)
	require.NoError(t, m.Abort())
}

func TestTotalRefCount(t *testing.T) {
	inst := newFakeInstaller()
	m := New(nil, inst)

	require.NoError(t, m.BeginTransaction())
	require.NoError(t, m.RegisterBlock("a.exe", net.ParseIP("10.64.0.1"), nil))
	require.NoError(t, m.RegisterBlock("b.exe", net.ParseIP("10.64.0.1"), nil))
	require.NoError(t, m.RegisterBlock("b.exe", net.ParseIP("10.64.0.1"), nil))
	require.NoError(t, m.Commit())

	assert.Equal(t, 3, m.TotalRefCount())
}
