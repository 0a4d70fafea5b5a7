package tokenfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens", "token.json")

	err := Save(path, &File{
		RefreshToken: "refresh-abc",
		BaseURL:      "https://dracoon.example.com",
		User:         "alice",
	})
	require.NoError(t, err)

	tf, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, tf)

	assert.Equal(t, "refresh-abc", tf.RefreshToken)
	assert.Equal(t, "alice", tf.User)
	assert.False(t, tf.SavedAt.IsZero())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(FilePerms), info.Mode().Perm())
}

func TestLoad_Missing(t *testing.T) {
	tf, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Nil(t, tf)
}

func TestLoad_EmptyToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"refresh_token":""}`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "re-login required")
}

func TestRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, Save(path, &File{RefreshToken: "x"}))

	require.NoError(t, Remove(path))
	require.NoError(t, Remove(path), "removing a missing file is not an error")

	tf, err := Load(path)
	require.NoError(t, err)
	assert.Nil(t, tf)
}
