package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	// masterKeyFile is the filename for the master encryption key.
	masterKeyFile = "master.key"
	// masterKeySize is the key size in bytes (AES-256).
	masterKeySize = 32
)

// masterKeyProvider loads or generates the master key used to encrypt
// profile credentials at rest.
type masterKeyProvider struct {
	keyPath string
	key     []byte
}

func newMasterKeyProvider(keyDir string) (*masterKeyProvider, error) {
	provider := &masterKeyProvider{keyPath: filepath.Join(keyDir, masterKeyFile)}
	if err := provider.loadOrGenerate(); err != nil {
		return nil, fmt.Errorf("master key init: %w", err)
	}
	return provider, nil
}

func (p *masterKeyProvider) loadOrGenerate() error {
	data, err := os.ReadFile(p.keyPath)
	if err == nil && len(data) == masterKeySize {
		p.key = data
		return nil
	}

	key := make([]byte, masterKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(p.keyPath), 0700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}

	if err := os.WriteFile(p.keyPath, key, 0600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}

	p.key = key
	return nil
}

// encrypt seals plaintext with AES-256-GCM under a random nonce and returns
// nonce||ciphertext.
func encrypt(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return append(nonce, gcm.Seal(nil, nonce, plaintext, nil)...), nil
}

// decrypt opens nonce||ciphertext produced by encrypt.
func decrypt(sealed, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}

	return plaintext, nil
}
