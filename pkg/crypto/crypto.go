// Package crypto provides the authenticated encryption used for the account
// list file and the management of the vault master key.
//
// # Security Features
//
//   - ChaCha20-Poly1305 authenticated encryption (128-bit tag, empty AD)
//   - Fresh random 96-bit nonce per encryption, stored in front of the ciphertext
//   - 256-bit master key generated once and kept only in the OS secure store
//   - Secure memory wiping for key material
//
// # Example Usage
//
//	key, err := crypto.GetOrCreateMasterKey(store, "totpctl")
//	if err != nil {
//		return err
//	}
//	defer crypto.SecureWipe(key)
//
//	blob, err := crypto.Seal(key, plaintext)
//	plaintext, err = crypto.Open(key, blob)
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/forest6511/totpctl/pkg/keystore"
)

const (
	// KeyLength is the length of the master key in bytes (256 bits).
	KeyLength = chacha20poly1305.KeySize

	// NonceLength is the length of the nonce prefix in bytes (96 bits).
	NonceLength = chacha20poly1305.NonceSize

	// TagLength is the length of the Poly1305 authentication tag in bytes.
	TagLength = chacha20poly1305.Overhead
)

// Sentinel errors returned by crypto functions.
var (
	// ErrInvalidKeyLength indicates the key is not 32 bytes.
	ErrInvalidKeyLength = errors.New("crypto: invalid key length, must be 32 bytes")

	// ErrMalformedKey indicates the stored master key is not valid Base64.
	ErrMalformedKey = errors.New("crypto: stored master key is not valid base64")

	// ErrFileTooSmall indicates the blob is shorter than the nonce prefix.
	ErrFileTooSmall = errors.New("crypto: data too small to be a valid encrypted blob")

	// ErrDecryptionFailed indicates a wrong key or corrupted data.
	// The two cases are deliberately not distinguished.
	ErrDecryptionFailed = errors.New("crypto: decryption failed, wrong key or corrupted data")
)

// Seal encrypts plaintext with key and returns nonce || ciphertext.
// A new random nonce is drawn from crypto/rand on every call.
func Seal(key, plaintext []byte) ([]byte, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}

	out := make([]byte, NonceLength, NonceLength+len(plaintext)+TagLength)
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate nonce: %w", err)
	}

	return aead.Seal(out, out[:NonceLength], plaintext, nil), nil
}

// Open splits the nonce prefix from blob, verifies the authentication tag and
// returns the plaintext. No plaintext is ever returned when verification fails.
func Open(key, blob []byte) ([]byte, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}
	if len(blob) < NonceLength {
		return nil, ErrFileTooSmall
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}

	nonce, ciphertext := blob[:NonceLength], blob[NonceLength:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// GenerateKey returns KeyLength bytes from crypto/rand.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate key: %w", err)
	}
	return key, nil
}

// GetOrCreateMasterKey reads the master key from store, creating and storing
// a new one when none exists yet.
//
// Only keystore.ErrNotFound triggers creation. Any other failure is returned
// as is, so an unreadable key is never silently replaced.
func GetOrCreateMasterKey(store keystore.Store, namespace string) ([]byte, error) {
	encoded, err := store.Get(namespace, keystore.MasterKeyName)
	switch {
	case err == nil:
		return decodeMasterKey(encoded)
	case errors.Is(err, keystore.ErrNotFound):
		// first run
	default:
		return nil, fmt.Errorf("crypto: failed to read master key: %w", err)
	}

	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := store.Set(namespace, keystore.MasterKeyName, base64.StdEncoding.EncodeToString(key)); err != nil {
		SecureWipe(key)
		return nil, fmt.Errorf("crypto: failed to store master key: %w", err)
	}
	return key, nil
}

func decodeMasterKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	if len(key) != KeyLength {
		SecureWipe(key)
		return nil, ErrInvalidKeyLength
	}
	return key, nil
}

// SecureWipe overwrites a byte slice with zeros in a way that prevents
// compiler optimization from removing the operation.
func SecureWipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	// runtime.KeepAlive keeps b "in use" after the loop so the writes stay.
	runtime.KeepAlive(b)
}
