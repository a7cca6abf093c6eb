package vault

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrun/agentrun/internal/common/config"
	"github.com/agentrun/agentrun/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v := New(config.VaultConfig{KeyDir: t.TempDir()}, newTestLogger())
	require.True(t, v.Available())
	return v
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := newTestVault(t)

	stored, err := v.Encrypt("sk-oauth-token-12345")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stored, EncryptedPrefix))
	assert.NotContains(t, stored, "sk-oauth-token-12345")

	assert.Equal(t, "sk-oauth-token-12345", v.Decrypt(stored))
}

func TestEncryptEmptyToken(t *testing.T) {
	v := newTestVault(t)

	stored, err := v.Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestDecryptCorruptedValueReturnsEmpty(t *testing.T) {
	v := newTestVault(t)

	assert.Empty(t, v.Decrypt("enc:not-base64!!!"))
	assert.Empty(t, v.Decrypt("enc:YWJjZGVm")) // valid base64, not a valid ciphertext

	// Corrupt a real ciphertext
	stored, err := v.Encrypt("token")
	require.NoError(t, err)
	corrupted := stored[:len(stored)-4] + "AAAA"
	assert.Empty(t, v.Decrypt(corrupted))
}

func TestDecryptLegacyPlaintext(t *testing.T) {
	v := newTestVault(t)

	// Values persisted before encryption existed pass through unchanged.
	assert.Equal(t, "legacy-token", v.Decrypt("legacy-token"))
	assert.Equal(t, "opted-in", v.Decrypt(PlainPrefix+"opted-in"))
}

func TestKeyPersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	log := newTestLogger()

	v1 := New(config.VaultConfig{KeyDir: dir}, log)
	stored, err := v1.Encrypt("persistent")
	require.NoError(t, err)

	v2 := New(config.VaultConfig{KeyDir: dir}, log)
	assert.Equal(t, "persistent", v2.Decrypt(stored))
}

func TestUnavailableStorageRefusesPersistence(t *testing.T) {
	// A key dir under a read-only parent cannot be created.
	parent := t.TempDir()
	require.NoError(t, os.Chmod(parent, 0500))
	t.Cleanup(func() { _ = os.Chmod(parent, 0700) })

	v := New(config.VaultConfig{KeyDir: filepath.Join(parent, "keys")}, newTestLogger())
	require.False(t, v.Available())

	stored, err := v.Encrypt("secret")
	assert.ErrorIs(t, err, ErrSecureStorageUnavailable)
	assert.Empty(t, stored)
}

func TestUnavailableStorageInsecureOptIn(t *testing.T) {
	parent := t.TempDir()
	require.NoError(t, os.Chmod(parent, 0500))
	t.Cleanup(func() { _ = os.Chmod(parent, 0700) })

	t.Setenv(InsecureStorageEnv, "1")

	v := New(config.VaultConfig{KeyDir: filepath.Join(parent, "keys")}, newTestLogger())
	require.False(t, v.Available())

	stored, err := v.Encrypt("secret")
	require.NoError(t, err)
	assert.Equal(t, PlainPrefix+"secret", stored)
	assert.False(t, IsEncrypted(stored))
	assert.Equal(t, "secret", v.Decrypt(stored))
}
