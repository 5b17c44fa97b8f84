package cryptox

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	storageKeyOnce sync.Once
	storageKey     []byte
	storageKeyPath string
	storageKeyErr  error
)

// SetStorageKeyPath configures where to load the storage encryption key from.
// Must be called before any Seal/Open operation.
// If not set, the key is loaded from the VISAGE_STORAGE_KEY environment variable.
func SetStorageKeyPath(path string) {
	storageKeyPath = path
}

// loadStorageKey derives a 32-byte key from either:
//  1. the file at storageKeyPath (if set)
//  2. the VISAGE_STORAGE_KEY environment variable
//  3. an ephemeral random key (development only; sealed records won't
//     survive a restart)
func loadStorageKey() ([]byte, error) {
	var material []byte

	if storageKeyPath != "" {
		data, err := os.ReadFile(storageKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read storage key file: %w", err)
		}
		material = data
	} else if envKey := os.Getenv("VISAGE_STORAGE_KEY"); envKey != "" {
		material = []byte(envKey)
	} else {
		material = make([]byte, chacha20poly1305.KeySize)
		if _, err := rand.Read(material); err != nil {
			return nil, fmt.Errorf("failed to generate ephemeral storage key: %w", err)
		}
	}

	hash := sha256.Sum256(material)
	return hash[:], nil
}

func getStorageKey() ([]byte, error) {
	storageKeyOnce.Do(func() {
		storageKey, storageKeyErr = loadStorageKey()
	})
	if storageKeyErr != nil {
		return nil, storageKeyErr
	}
	return storageKey, nil
}

// Seal encrypts plaintext with XChaCha20-Poly1305 under the storage key.
// Output format: [24-byte nonce][ciphertext][16-byte auth tag].
func Seal(plaintext []byte) ([]byte, error) {
	key, err := getStorageKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get storage key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts data produced by Seal and verifies its authentication tag.
func Open(sealed []byte) ([]byte, error) {
	key, err := getStorageKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get storage key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("sealed record too short")
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}

	return plaintext, nil
}

// ResetStorageKeyForTesting resets the storage key singleton.
// This should ONLY be used in tests.
func ResetStorageKeyForTesting() {
	storageKeyOnce = sync.Once{}
	storageKey = nil
	storageKeyErr = nil
	storageKeyPath = ""
}
