package capability

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndLoadHMACKeyRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	key := testKey()

	require.NoError(t, SaveHMACKey(dir, 7, key))

	loaded, err := LoadHMACKey(dir, 7)
	require.NoError(t, err)
	assert.Equal(t, key.Secret, loaded.Secret)
}

func TestLoadHMACKeyMissingFile(t *testing.T) {
	t.Parallel()

	_, err := LoadHMACKey(t.TempDir(), 99)
	require.Error(t, err)
}

func TestSaveHMACKeyCreatesDirectory(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "nested", "keys")
	require.NoError(t, SaveHMACKey(dir, 1, testKey()))

	_, err := LoadHMACKey(dir, 1)
	require.NoError(t, err)
}
