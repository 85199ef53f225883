// Package authenticator is the operation surface of totpctl: account CRUD,
// live code listing and bulk import.
//
// Account metadata lives in the encrypted vault file; each raw secret lives in
// the keystore under (AppID, account ID). The two are not written
// transactionally. A secret stored before a failed metadata save is left
// behind as an orphan and reported at WARN level.
package authenticator

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forest6511/totpctl/internal/logging"
	"github.com/forest6511/totpctl/pkg/audit"
	"github.com/forest6511/totpctl/pkg/crypto"
	"github.com/forest6511/totpctl/pkg/importer"
	"github.com/forest6511/totpctl/pkg/keystore"
	"github.com/forest6511/totpctl/pkg/totp"
	"github.com/forest6511/totpctl/pkg/vault"
)

var (
	// ErrAccountNotFound is returned when an id has neither metadata nor a secret.
	ErrAccountNotFound = errors.New("authenticator: account not found")

	// ErrAuditDisabled is returned by AuditLog when no audit logger is configured.
	ErrAuditDisabled = errors.New("authenticator: audit log is disabled")

	// ErrAuditUnavailable is returned by AuditLog when the audit key could not
	// be derived from the master key.
	ErrAuditUnavailable = errors.New("authenticator: audit log unavailable")
)

// errUnchanged aborts a vault update without writing.
var errUnchanged = errors.New("authenticator: no change")

// AccountDTO is one row of List output.
type AccountDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Code      string `json:"code"`
	ExpiresAt int64  `json:"expires_at"`
}

// Options configures an Authenticator.
type Options struct {
	Store     keystore.Store // required
	AppID     string         // required; keystore namespace
	VaultPath string         // required
	Logger    *slog.Logger
	Audit     *audit.Logger // nil disables auditing
	Source    string        // audit source, defaults to audit.SourceCLI
	Clock     func() time.Time
}

// Authenticator serializes all mutations through one mutex; the vault adds an
// OS file lock for other processes.
type Authenticator struct {
	store   keystore.Store
	appID   string
	path    string
	log     *slog.Logger
	audit   *audit.Logger
	source  string
	now     func() time.Time
	mu      sync.Mutex
	vault   *vault.Store
	auditOK bool
}

// New validates opts and returns an Authenticator. The master key is not
// touched until the first operation.
func New(opts Options) (*Authenticator, error) {
	if opts.Store == nil {
		return nil, errors.New("authenticator: keystore is required")
	}
	if opts.AppID == "" {
		return nil, errors.New("authenticator: app id is required")
	}
	if opts.VaultPath == "" {
		return nil, errors.New("authenticator: vault path is required")
	}

	a := &Authenticator{
		store:  opts.Store,
		appID:  opts.AppID,
		path:   opts.VaultPath,
		log:    opts.Logger,
		audit:  opts.Audit,
		source: opts.Source,
		now:    opts.Clock,
	}
	if a.log == nil {
		a.log = logging.Discard()
	}
	if a.source == "" {
		a.source = audit.SourceCLI
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a, nil
}

// VaultPath returns the encrypted account file location.
func (a *Authenticator) VaultPath() string {
	return a.path
}

// Add stores secret and appends a new account named name.
func (a *Authenticator) Add(name, secret string) (vault.Account, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	account, err := a.add(name, secret)
	a.record(audit.OpAccountAdd, account.ID, err)
	return account, err
}

func (a *Authenticator) add(name, secret string) (vault.Account, error) {
	secret = totp.NormalizeSecret(secret)
	if _, err := totp.DecodeSecret(secret); err != nil {
		return vault.Account{}, err
	}

	store, err := a.accounts()
	if err != nil {
		return vault.Account{}, err
	}

	id := uuid.NewString()
	if err := a.store.Set(a.appID, id, secret); err != nil {
		return vault.Account{}, fmt.Errorf("authenticator: failed to store secret: %w", err)
	}

	err = store.Update(func(accounts []vault.Account) ([]vault.Account, error) {
		return append(accounts, vault.Account{ID: id, Name: name}), nil
	})
	if err != nil {
		a.log.Warn("secret stored without account metadata", "account_id", id, "error", err)
		return vault.Account{ID: id}, err
	}

	a.log.Debug("account added", "account_id", id)
	return vault.Account{ID: id, Name: name}, nil
}

// Edit renames the account and, when secret is non-empty, replaces its
// secret. An unknown id is a no-op.
func (a *Authenticator) Edit(id, name, secret string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	err := a.edit(id, name, secret)
	a.record(audit.OpAccountEdit, id, err)
	return err
}

func (a *Authenticator) edit(id, name, secret string) error {
	if secret != "" {
		secret = totp.NormalizeSecret(secret)
		if _, err := totp.DecodeSecret(secret); err != nil {
			return err
		}
	}

	store, err := a.accounts()
	if err != nil {
		return err
	}

	err = store.Update(func(accounts []vault.Account) ([]vault.Account, error) {
		if vault.IndexOf(accounts, id) < 0 {
			return nil, errUnchanged
		}
		if secret != "" {
			if err := a.store.Set(a.appID, id, secret); err != nil {
				return nil, fmt.Errorf("authenticator: failed to store secret: %w", err)
			}
		}
		accounts, _ = vault.Rename(accounts, id, name)
		return accounts, nil
	})
	if errors.Is(err, errUnchanged) {
		a.log.Info("edit ignored: unknown account", "account_id", id)
		return nil
	}
	return err
}

// Delete removes the secret and then the metadata. A missing secret is
// reported as ErrAccountNotFound even when the metadata row was removed.
func (a *Authenticator) Delete(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	err := a.delete(id)
	a.record(audit.OpAccountDelete, id, err)
	return err
}

func (a *Authenticator) delete(id string) error {
	store, err := a.accounts()
	if err != nil {
		return err
	}

	secretErr := a.store.Delete(a.appID, id)
	if secretErr != nil && !errors.Is(secretErr, keystore.ErrNotFound) {
		return fmt.Errorf("authenticator: failed to delete secret: %w", secretErr)
	}

	var found bool
	err = store.Update(func(accounts []vault.Account) ([]vault.Account, error) {
		accounts, found = vault.Remove(accounts, id)
		if !found {
			return nil, errUnchanged
		}
		return accounts, nil
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		if secretErr == nil {
			a.log.Warn("secret deleted but account metadata remains", "account_id", id, "error", err)
		}
		return err
	}

	if secretErr != nil {
		if found {
			a.log.Warn("account removed but had no stored secret", "account_id", id)
		}
		return fmt.Errorf("%w: %w", ErrAccountNotFound, secretErr)
	}
	return nil
}

// List returns every account with its current code. All rows share one
// timestamp and therefore one expiry. The first failure aborts the listing.
func (a *Authenticator) List() ([]AccountDTO, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	dtos, err := a.list()
	a.record(audit.OpAccountList, "", err)
	return dtos, err
}

func (a *Authenticator) list() ([]AccountDTO, error) {
	store, err := a.accounts()
	if err != nil {
		return nil, err
	}
	accounts, err := store.Load()
	if err != nil {
		return nil, err
	}

	now := a.now().Unix()
	expires := totp.ExpiryFor(now)

	dtos := make([]AccountDTO, 0, len(accounts))
	for _, acc := range accounts {
		secret, err := a.secretBytes(acc.ID)
		if err != nil {
			return nil, err
		}
		code, err := totp.GenerateCode(secret, now)
		crypto.SecureWipe(secret)
		if err != nil {
			return nil, fmt.Errorf("authenticator: account %s: %w", acc.ID, err)
		}
		dtos = append(dtos, AccountDTO{ID: acc.ID, Name: acc.Name, Code: code, ExpiresAt: expires})
	}
	return dtos, nil
}

// RawSecret returns the stored Base32 secret of id.
func (a *Authenticator) RawSecret(id string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	secret, err := a.rawSecret(id)
	a.record(audit.OpAccountSecret, id, err)
	return secret, err
}

func (a *Authenticator) rawSecret(id string) (string, error) {
	if _, err := a.accounts(); err != nil {
		return "", err
	}
	secret, err := a.store.Get(a.appID, id)
	if err != nil {
		if errors.Is(err, keystore.ErrNotFound) {
			return "", fmt.Errorf("%w: %w", ErrAccountNotFound, err)
		}
		return "", fmt.Errorf("authenticator: failed to read secret: %w", err)
	}
	return secret, nil
}

// Lookup returns the metadata of id.
func (a *Authenticator) Lookup(id string) (vault.Account, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	store, err := a.accounts()
	if err != nil {
		return vault.Account{}, err
	}
	accounts, err := store.Load()
	if err != nil {
		return vault.Account{}, err
	}
	if i := vault.IndexOf(accounts, id); i >= 0 {
		return accounts[i], nil
	}
	return vault.Account{}, ErrAccountNotFound
}

// Verify reports whether code is valid for id now, allowing one step of
// clock drift.
func (a *Authenticator) Verify(id, code string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ok, err := a.verify(id, code)
	if err == nil && !ok {
		a.record(audit.OpAccountVerify, id, errCodeMismatch)
	} else {
		a.record(audit.OpAccountVerify, id, err)
	}
	return ok, err
}

var errCodeMismatch = errors.New("code mismatch")

func (a *Authenticator) verify(id, code string) (bool, error) {
	if _, err := a.accounts(); err != nil {
		return false, err
	}
	secret, err := a.secretBytes(id)
	if err != nil {
		return false, err
	}
	defer crypto.SecureWipe(secret)
	return totp.Validate(secret, code, a.now().Unix())
}

// Import parses blob and adds each account in order. It stops at the first
// failure; accounts added before it are kept. The count of added accounts is
// returned in both cases.
func (a *Authenticator) Import(blob string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n, err := a.importBlob(blob)
	a.recordWith(audit.OpAccountImport, "", err, map[string]string{"added": strconv.Itoa(n)})
	return n, err
}

func (a *Authenticator) importBlob(blob string) (int, error) {
	parsed, err := importer.Parse(blob)
	if err != nil {
		return 0, err
	}

	for i, acc := range parsed {
		if !acc.Params.IsDefault() {
			a.log.Warn("import: ignoring non-default OTP parameters; codes use SHA1, 6 digits, 30s",
				"name", acc.Name,
				"algorithm", acc.Params.Algorithm,
				"digits", acc.Params.Digits,
				"period", acc.Params.Period,
				"type", acc.Params.Type,
			)
		}
		added, err := a.add(acc.Name, acc.Secret)
		a.record(audit.OpAccountAdd, added.ID, err)
		if err != nil {
			return i, fmt.Errorf("authenticator: import stopped at entry %d of %d: %w", i+1, len(parsed), err)
		}
	}
	return len(parsed), nil
}

// AuditLog returns the audit logger keyed for this vault.
func (a *Authenticator) AuditLog() (*audit.Logger, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.audit == nil {
		return nil, ErrAuditDisabled
	}
	if _, err := a.accounts(); err != nil {
		return nil, err
	}
	if !a.auditOK {
		return nil, ErrAuditUnavailable
	}
	return a.audit, nil
}

// accounts opens the vault on first use, creating the master key if needed.
func (a *Authenticator) accounts() (*vault.Store, error) {
	if a.vault != nil {
		return a.vault, nil
	}

	key, err := crypto.GetOrCreateMasterKey(a.store, a.appID)
	if err != nil {
		return nil, err
	}
	a.vault = vault.New(a.path, key)

	if a.audit != nil {
		if err := a.audit.SetHMACKey(key); err != nil {
			a.log.Warn("audit disabled: cannot derive key", "error", err)
		} else {
			a.auditOK = true
		}
	}
	return a.vault, nil
}

func (a *Authenticator) secretBytes(id string) ([]byte, error) {
	raw, err := a.store.Get(a.appID, id)
	if err != nil {
		return nil, fmt.Errorf("authenticator: failed to read secret for account %s: %w", id, err)
	}
	secret, err := totp.SecretBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("authenticator: account %s: %w", id, err)
	}
	return secret, nil
}

func (a *Authenticator) record(op, id string, err error) {
	a.recordWith(op, id, err, nil)
}

// recordWith writes an audit event. Audit failures never fail the operation.
func (a *Authenticator) recordWith(op, id string, opErr error, ctx map[string]string) {
	if a.audit == nil || !a.auditOK {
		return
	}

	result := audit.ResultSuccess
	var info *audit.ErrorInfo
	if opErr != nil {
		result = audit.ResultError
		code, msg := errorCode(opErr)
		info = &audit.ErrorInfo{Code: code, Message: msg}
	}
	if err := a.audit.Log(op, a.source, result, id, info, ctx); err != nil {
		a.log.Warn("audit: failed to record event", "op", op, "error", err)
	}
}

// errorCode classifies err for the audit log. Messages are fixed strings so
// secret material from parser errors never reaches the log.
func errorCode(err error) (code, msg string) {
	switch {
	case errors.Is(err, errCodeMismatch):
		return "mismatch", "code did not match"
	case errors.Is(err, ErrAccountNotFound), errors.Is(err, keystore.ErrNotFound):
		return "not_found", "account or secret not found"
	case errors.Is(err, keystore.ErrAccessDenied):
		return "access_denied", "secure store unavailable"
	case errors.Is(err, totp.ErrInvalidSecret):
		return "invalid_secret", "secret is not valid base32"
	case errors.Is(err, vault.ErrCorruptedOrWrongKey):
		return "corrupted", "account file corrupted or wrong key"
	case errors.Is(err, importer.ErrUnsupportedFormat),
		errors.Is(err, importer.ErrMissingParameter),
		errors.Is(err, importer.ErrMalformedPayload):
		return "parse_error", "import payload rejected"
	default:
		return "internal", "operation failed"
	}
}
