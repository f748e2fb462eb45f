package iofd

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinkerator/fwupdate/internal/ferrors"
)

func TestParseKind(t *testing.T) {
	cases := map[string]Kind{
		"":     Pipe,
		"pipe": Pipe,
		"file": File,
		"tty":  TTY,
	}
	for in, want := range cases {
		got, err := ParseKind(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseKind("carrier-pigeon")
	require.Error(t, err)
	assert.Equal(t, ferrors.BadParameter, ferrors.KindOf(err))
}

func TestOpenFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "iofd")
	require.NoError(t, err)
	_, err = f.WriteString("hello")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	rc, err := Open(File, Options{Path: f.Name()})
	require.NoError(t, err)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestOpenFileMissingPath(t *testing.T) {
	_, err := Open(File, Options{})
	require.Error(t, err)
	assert.Equal(t, ferrors.BadParameter, ferrors.KindOf(err))
}

func TestOpenTTYMissingPath(t *testing.T) {
	_, err := Open(TTY, Options{})
	require.Error(t, err)
	assert.Equal(t, ferrors.BadParameter, ferrors.KindOf(err))
}

func TestOpenUnknownKind(t *testing.T) {
	_, err := Open(Kind(99), Options{})
	require.Error(t, err)
	assert.Equal(t, ferrors.BadParameter, ferrors.KindOf(err))
}
