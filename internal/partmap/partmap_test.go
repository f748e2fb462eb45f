package partmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinkerator/fwupdate/internal/cwe"
	"github.com/tinkerator/fwupdate/internal/ferrors"
)

func TestResolveActiveAndPassive(t *testing.T) {
	_, name, err := Resolve(cwe.TypeUSER, true)
	require.NoError(t, err)
	assert.Equal(t, "lefwkro", name)

	_, name, err = Resolve(cwe.TypeUSER, false)
	require.NoError(t, err)
	assert.Equal(t, "lefwkro2", name)
}

func TestResolveUnknownImageType(t *testing.T) {
	_, _, err := Resolve(cwe.ImageType{'X', 'X', 'X', 'X'}, true)
	require.Error(t, err)
	assert.Equal(t, ferrors.BadParameter, ferrors.KindOf(err))
}

func TestKnownImageTypesNonEmpty(t *testing.T) {
	assert.NotEmpty(t, KnownImageTypes())
}
