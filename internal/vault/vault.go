// Package vault encrypts profile credentials at rest. Stored values are
// tagged so encrypted, explicitly-insecure, and legacy plaintext forms stay
// distinguishable on read.
package vault

import (
	"encoding/base64"
	"errors"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/agentrun/agentrun/internal/common/config"
	"github.com/agentrun/agentrun/internal/common/logger"
)

const (
	// EncryptedPrefix tags values encrypted with the master key.
	EncryptedPrefix = "enc:"
	// PlainPrefix tags values persisted under the insecure-storage opt-in.
	PlainPrefix = "plain:"

	// InsecureStorageEnv allows plaintext persistence when the master key
	// is unavailable. Off by default: without it the vault refuses to
	// persist secrets rather than silently writing plaintext.
	InsecureStorageEnv = "AGENTRUN_ALLOW_INSECURE_KEYCHAIN"
)

// ErrSecureStorageUnavailable is returned when the master key cannot be used
// and the insecure-storage opt-in is not set. The stored form returned
// alongside it is empty.
var ErrSecureStorageUnavailable = errors.New("secure storage unavailable")

// Vault encrypts and decrypts credential tokens.
type Vault struct {
	keys   *masterKeyProvider
	logger *logger.Logger
}

// New creates a vault rooted at the configured key directory. A key
// directory that cannot be prepared leaves the vault without secure storage;
// the vault still constructs so reads of legacy values keep working.
func New(cfg config.VaultConfig, log *logger.Logger) *Vault {
	v := &Vault{logger: log.WithFields(zap.String("component", "vault"))}

	keys, err := newMasterKeyProvider(cfg.KeyDir)
	if err != nil {
		v.logger.Warn("secure storage unavailable, credential persistence disabled",
			zap.String("key_dir", cfg.KeyDir),
			zap.Error(err))
		return v
	}

	v.keys = keys
	return v
}

// Available reports whether secure storage is usable.
func (v *Vault) Available() bool {
	return v.keys != nil
}

// Encrypt converts a token to its stored form.
//
// With secure storage available the result is "enc:" + base64 ciphertext.
// Without it the vault refuses to persist (empty form,
// ErrSecureStorageUnavailable) unless the insecure-storage environment
// override is set, in which case the value is stored with a "plain:" tag so
// it remains distinguishable from encrypted values.
func (v *Vault) Encrypt(token string) (string, error) {
	if token == "" {
		return "", nil
	}

	if v.keys == nil {
		if os.Getenv(InsecureStorageEnv) == "1" {
			v.logger.Warn("persisting credential without encryption (insecure-storage override set)")
			return PlainPrefix + token, nil
		}
		return "", ErrSecureStorageUnavailable
	}

	sealed, err := encrypt([]byte(token), v.keys.key)
	if err != nil {
		v.logger.Error("failed to encrypt credential", zap.Error(err))
		return "", err
	}

	return EncryptedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt converts a stored form back to the token. Corrupted or
// undecryptable values return "" rather than an error; callers must treat an
// empty token as a missing credential that needs re-authentication.
func (v *Vault) Decrypt(stored string) string {
	switch {
	case stored == "":
		return ""

	case strings.HasPrefix(stored, EncryptedPrefix):
		if v.keys == nil {
			v.logger.Warn("cannot decrypt credential: secure storage unavailable")
			return ""
		}
		sealed, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, EncryptedPrefix))
		if err != nil {
			v.logger.Warn("stored credential is not valid base64", zap.Error(err))
			return ""
		}
		plaintext, err := decrypt(sealed, v.keys.key)
		if err != nil {
			v.logger.Warn("stored credential failed to decrypt", zap.Error(err))
			return ""
		}
		return string(plaintext)

	case strings.HasPrefix(stored, PlainPrefix):
		return strings.TrimPrefix(stored, PlainPrefix)

	default:
		// Legacy value persisted before encryption existed.
		return stored
	}
}

// IsEncrypted reports whether a stored value carries the encrypted tag.
func IsEncrypted(stored string) bool {
	return strings.HasPrefix(stored, EncryptedPrefix)
}
