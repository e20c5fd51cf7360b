package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "secrets.enc")
	in := map[string]string{EnvAnthropicKey: "sk-ant-123", EnvOllamaHost: "http://gpu:11434"}

	require.NoError(t, EncryptSecretsFile(path, "correct horse", in))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	out, err := DecryptSecretsFile(path, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestSecretsWrongPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.enc")
	require.NoError(t, EncryptSecretsFile(path, "right", map[string]string{"k": "v"}))

	_, err := DecryptSecretsFile(path, "wrong")
	assert.True(t, errors.Is(err, ErrSecretsDecrypt))
}

func TestSecretsCorruptAndPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.enc")
	require.NoError(t, os.WriteFile(path, []byte("short"), 0o644))

	_, err := DecryptSecretsFile(path, "pw")
	assert.True(t, errors.Is(err, ErrSecretsDecrypt))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestSecretsTampered(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.enc")
	require.NoError(t, EncryptSecretsFile(path, "pw", map[string]string{"k": "v"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o600))
	_, err = DecryptSecretsFile(path, "pw")
	assert.ErrorIs(t, err, ErrSecretsDecrypt)

	data[0] = 'X'
	require.NoError(t, os.WriteFile(path, data, 0o600))
	_, err = DecryptSecretsFile(path, "pw")
	assert.ErrorContains(t, err, "not a sommelier secrets file")
}
