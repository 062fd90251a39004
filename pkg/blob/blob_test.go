package blob

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadPlain(t *testing.T) {
	store, err := NewStore(t.TempDir(), false, "")
	require.NoError(t, err)

	encrypted, err := store.Write(1, []byte("attachment body"))
	require.NoError(t, err)
	assert.False(t, encrypted)

	data, err := store.Read(1, false)
	require.NoError(t, err)
	assert.Equal(t, []byte("attachment body"), data)
}

func TestWriteReadEncrypted(t *testing.T) {
	store, err := NewStore(t.TempDir(), true, "secret-key")
	require.NoError(t, err)

	body := []byte("sensitive attachment contents, longer than one AES block")
	encrypted, err := store.Write(2, body)
	require.NoError(t, err)
	assert.True(t, encrypted)

	data, err := store.Read(2, true)
	require.NoError(t, err)
	assert.Equal(t, body, data)

	// Bytes at rest differ from the plaintext.
	raw, err := os.ReadFile(store.path(2))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "sensitive")
}

func TestPlainAndEncryptedCoexist(t *testing.T) {
	dir := t.TempDir()

	plain, err := NewStore(dir, false, "")
	require.NoError(t, err)
	_, err = plain.Write(1, []byte("old record"))
	require.NoError(t, err)

	// Encryption turned on later; old record keeps its flag.
	enc, err := NewStore(dir, true, "secret-key")
	require.NoError(t, err)
	_, err = enc.Write(2, []byte("new record"))
	require.NoError(t, err)

	data, err := enc.Read(1, false)
	require.NoError(t, err)
	assert.Equal(t, []byte("old record"), data)

	data, err = enc.Read(2, true)
	require.NoError(t, err)
	assert.Equal(t, []byte("new record"), data)
}

func TestEncryptedReadWithoutKey(t *testing.T) {
	dir := t.TempDir()
	enc, err := NewStore(dir, true, "secret-key")
	require.NoError(t, err)
	_, err = enc.Write(1, []byte("data"))
	require.NoError(t, err)

	plain, err := NewStore(dir, false, "")
	require.NoError(t, err)
	_, err = plain.Read(1, true)
	assert.Error(t, err)
}

func TestEncryptionRequiresKey(t *testing.T) {
	_, err := NewStore(t.TempDir(), true, "")
	assert.Error(t, err)
}

func TestDeleteMissingIsNoError(t *testing.T) {
	store, err := NewStore(t.TempDir(), false, "")
	require.NoError(t, err)
	assert.NoError(t, store.Delete(42))
}
