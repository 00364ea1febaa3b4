package local

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fusionfoto/kivaloo/pkg/kv"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestPutGetDelete tests the basic operation cycle
func TestPutGetDelete(t *testing.T) {
	s := newTestStore(t)

	status, err := kv.PutSync(s, "blks_0000000000000000", []byte("payload"))
	require.NoError(t, err)
	require.Equal(t, kv.OK, status)

	buf, status, err := kv.GetSync(s, "blks_0000000000000000")
	require.NoError(t, err)
	require.Equal(t, kv.OK, status)
	assert.Equal(t, []byte("payload"), buf)

	status, err = kv.DeleteSync(s, "blks_0000000000000000")
	require.NoError(t, err)
	require.Equal(t, kv.OK, status)

	_, status, err = kv.GetSync(s, "blks_0000000000000000")
	require.NoError(t, err)
	assert.Equal(t, kv.NotFound, status)
}

// TestGetAbsent tests that absence is distinct from failure
func TestGetAbsent(t *testing.T) {
	s := newTestStore(t)

	_, status, err := kv.GetSync(s, "DeletedTo")
	require.NoError(t, err)
	assert.Equal(t, kv.NotFound, status)
}

// TestDeleteAbsent tests that deleting a missing key succeeds
func TestDeleteAbsent(t *testing.T) {
	s := newTestStore(t)

	status, err := kv.DeleteSync(s, "blks_00000000000000ff")
	require.NoError(t, err)
	assert.Equal(t, kv.OK, status)
}

// TestPersistence tests that values survive close and reopen
func TestPersistence(t *testing.T) {
	dir := t.TempDir()

	s, err := New(dir)
	require.NoError(t, err)
	status, err := kv.PutSync(s, "LastBlk", []byte{0, 0, 0, 0, 0, 0, 0, 42})
	require.NoError(t, err)
	require.Equal(t, kv.OK, status)
	require.NoError(t, s.Close())

	s, err = New(dir)
	require.NoError(t, err)
	defer s.Close()
	buf, status, err := kv.GetSync(s, "LastBlk")
	require.NoError(t, err)
	require.Equal(t, kv.OK, status)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 42}, buf)
}

// TestSubmitAfterClose tests that operations after Close fail cleanly
func TestSubmitAfterClose(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	err = s.Put("k", []byte("v"), func(kv.Status) {})
	assert.Error(t, err)
}
