package system

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadStatusRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New()
	s.SetBadImage(0x4, true)
	require.NoError(t, s.SetSystem(LkGroup, Side2))
	s.InternalStatus = DwlFailed

	require.NoError(t, SaveStatus(dir, s))

	loaded := LoadStatus(dir)
	assert.Equal(t, uint64(0x4), loaded.GetBadImageMask())
	assert.Equal(t, DwlFailed, loaded.InternalStatus)
	assert.Equal(t, Side2, loaded.GetSystem()[LkGroup])
	assert.Equal(t, Side1, loaded.GetSystem()[ModemGroup])
}

func TestLoadStatusMissingFileReturnsFresh(t *testing.T) {
	dir := t.TempDir()
	s := LoadStatus(dir)
	assert.Equal(t, Ok, s.InternalStatus)
	assert.Equal(t, uint64(0), s.GetBadImageMask())
}

func TestLoadStatusCorruptFileReturnsFresh(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, statusFile), []byte("not a real blob"), 0o600))
	s := LoadStatus(dir)
	assert.Equal(t, Ok, s.InternalStatus)
}
