// Package vault persists the ordered account list as a single encrypted file.
//
// File layout: nonce[12] || ChaCha20-Poly1305(JSON array of Account).
// Secrets never appear in the file; they live in the OS secure store keyed
// by account ID.
package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/forest6511/totpctl/pkg/crypto"
)

// Constants
const (
	DefaultFileName = "accounts.bin"
	LockSuffix      = ".lock"
	FileMode        = 0600 // Owner read/write only
	DirMode         = 0700 // Owner read/write/execute only
)

// Errors
var (
	// ErrCorruptedOrWrongKey is returned when the account file exists but
	// cannot be authenticated or decoded with the current master key.
	ErrCorruptedOrWrongKey = errors.New("vault: account file is corrupted or was encrypted with a different key")
)

// Account is the persisted metadata of one authenticator entry.
// Secret is only populated transiently during creation and is always
// written as null.
type Account struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Secret *string `json:"secret"`
}

// Store reads and writes the encrypted account list at a fixed path.
type Store struct {
	path string
	key  []byte
	mu   sync.Mutex // serializes in-process access; the file lock covers other processes
}

// New creates a Store for the file at path, sealed with key.
func New(path string, key []byte) *Store {
	return &Store{path: path, key: key}
}

// Path returns the account file path.
func (s *Store) Path() string {
	return s.path
}

// Load returns the stored accounts in order. A missing file, an empty file
// or one shorter than the nonce is treated as "no accounts yet".
func (s *Store) Load() ([]Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Save replaces the stored list with accounts.
func (s *Store) Save(accounts []Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := lockFile(s.path + LockSuffix)
	if err != nil {
		return err
	}
	defer unlock()

	return s.save(accounts)
}

// Update runs a load-mutate-save cycle while holding both the in-process
// mutex and the exclusive file lock. If fn returns an error nothing is written.
func (s *Store) Update(fn func([]Account) ([]Account, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := lockFile(s.path + LockSuffix)
	if err != nil {
		return err
	}
	defer unlock()

	accounts, err := s.load()
	if err != nil {
		return err
	}
	updated, err := fn(accounts)
	if err != nil {
		return err
	}
	return s.save(updated)
}

func (s *Store) load() ([]Account, error) {
	blob, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Account{}, nil
		}
		return nil, fmt.Errorf("vault: failed to read account file: %w", err)
	}

	if len(blob) < crypto.NonceLength {
		return []Account{}, nil
	}

	plaintext, err := crypto.Open(s.key, blob)
	if err != nil {
		if errors.Is(err, crypto.ErrDecryptionFailed) {
			return nil, fmt.Errorf("%w: %w", ErrCorruptedOrWrongKey, err)
		}
		return nil, fmt.Errorf("vault: failed to decrypt account file: %w", err)
	}
	defer crypto.SecureWipe(plaintext)

	var accounts []Account
	if err := json.Unmarshal(plaintext, &accounts); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptedOrWrongKey, err)
	}
	if accounts == nil {
		accounts = []Account{}
	}
	return accounts, nil
}

func (s *Store) save(accounts []Account) error {
	clean := make([]Account, len(accounts))
	for i, a := range accounts {
		clean[i] = Account{ID: a.ID, Name: a.Name}
	}

	plaintext, err := json.Marshal(clean)
	if err != nil {
		return fmt.Errorf("vault: failed to marshal accounts: %w", err)
	}
	defer crypto.SecureWipe(plaintext)

	blob, err := crypto.Seal(s.key, plaintext)
	if err != nil {
		return fmt.Errorf("vault: failed to encrypt accounts: %w", err)
	}

	return writeFileAtomic(s.path, blob)
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it over path, so readers see either the old or the new file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return fmt.Errorf("vault: failed to create store directory: %w", err)
	}

	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("vault: failed to create temp file: %w", err)
	}
	tempPath := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("vault: failed to write account file: %w", err)
	}
	if err := f.Chmod(FileMode); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("vault: failed to set file permissions: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("vault: failed to sync account file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("vault: failed to close account file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("vault: failed to replace account file: %w", err)
	}
	return nil
}

// IndexOf returns the position of the account with id, or -1.
func IndexOf(accounts []Account, id string) int {
	for i := range accounts {
		if accounts[i].ID == id {
			return i
		}
	}
	return -1
}

// Rename sets the name of the account with id. The second result reports
// whether the account was found; an unknown id leaves the list unchanged.
func Rename(accounts []Account, id, name string) ([]Account, bool) {
	i := IndexOf(accounts, id)
	if i < 0 {
		return accounts, false
	}
	accounts[i].Name = name
	return accounts, true
}

// Remove drops the account with id, preserving the order of the rest.
func Remove(accounts []Account, id string) ([]Account, bool) {
	i := IndexOf(accounts, id)
	if i < 0 {
		return accounts, false
	}
	return append(accounts[:i], accounts[i+1:]...), true
}

// CheckPermissions reports files and directories that are readable by group
// or others. The result is advisory only.
func (s *Store) CheckPermissions() []string {
	if runtime.GOOS == "windows" {
		return nil
	}

	var warnings []string
	dir := filepath.Dir(s.path)
	if info, err := os.Stat(dir); err == nil {
		if perm := info.Mode().Perm(); perm&0077 != 0 {
			warnings = append(warnings, fmt.Sprintf("vault directory %s has insecure permissions %04o (expected %04o)", dir, perm, DirMode))
		}
	}
	if info, err := os.Stat(s.path); err == nil {
		if perm := info.Mode().Perm(); perm&0077 != 0 {
			warnings = append(warnings, fmt.Sprintf("%s has insecure permissions %04o (expected %04o)", filepath.Base(s.path), perm, FileMode))
		}
	}
	return warnings
}
