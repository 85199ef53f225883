// Package keystore is the boundary between process memory and the platform
// credential vault. Account secrets and the vault master key are addressed by
// (namespace, key) where namespace is the application identifier.
package keystore

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrNotFound indicates no entry exists for the namespace/key pair.
	ErrNotFound = errors.New("keystore: entry not found")

	// ErrAccessDenied indicates the platform store refused or failed the request.
	ErrAccessDenied = errors.New("keystore: access to secure store denied")
)

// MasterKeyName is the reserved key holding the vault master key.
const MasterKeyName = "vault-master-key"

// Store is a secure string store addressed by namespace and key.
type Store interface {
	// Set creates or replaces the value for key.
	Set(namespace, key, value string) error

	// Get returns the value for key, ErrNotFound if absent, or
	// ErrAccessDenied if the backend refuses access.
	Get(namespace, key string) (string, error)

	// Delete removes key, returning ErrNotFound if it does not exist.
	Delete(namespace, key string) error
}

// Keyring stores entries in the OS credential vault (macOS Keychain,
// Windows Credential Manager, Secret Service on Linux).
type Keyring struct{}

// NewKeyring returns a Store backed by the OS credential vault.
func NewKeyring() *Keyring {
	return &Keyring{}
}

// Set implements Store.
func (k *Keyring) Set(namespace, key, value string) error {
	if err := keyring.Set(namespace, key, value); err != nil {
		return mapKeyringError(err)
	}
	return nil
}

// Get implements Store.
func (k *Keyring) Get(namespace, key string) (string, error) {
	value, err := keyring.Get(namespace, key)
	if err != nil {
		return "", mapKeyringError(err)
	}
	return value, nil
}

// Delete implements Store.
func (k *Keyring) Delete(namespace, key string) error {
	if err := keyring.Delete(namespace, key); err != nil {
		return mapKeyringError(err)
	}
	return nil
}

// mapKeyringError folds go-keyring errors into the package sentinels.
// go-keyring only distinguishes "not found"; every other backend failure
// (locked collection, missing D-Bus session, denied prompt) is access denied.
func mapKeyringError(err error) error {
	if errors.Is(err, keyring.ErrNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %v", ErrAccessDenied, err)
}
