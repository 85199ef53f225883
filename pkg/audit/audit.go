// Package audit keeps a tamper-evident log of account operations.
//
// Every record carries an HMAC over its content and the previous record's
// HMAC, so deleting, reordering or editing a line breaks the chain. The HMAC
// key is derived from the master key and never written to disk.
package audit

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

// MinDiskSpace is the free space required before appending a record.
const MinDiskSpace = 1024 * 1024

const (
	schemaVersion = 1
	genesis       = "genesis"
	metaFile      = "audit.meta"
	logExt        = ".jsonl"
	hkdfInfo      = "totpctl-audit-v1"
)

// Operations
const (
	OpAccountAdd    = "account.add"
	OpAccountEdit   = "account.edit"
	OpAccountDelete = "account.delete"
	OpAccountList   = "account.list"
	OpAccountSecret = "account.secret"
	OpAccountImport = "account.import"
	OpAccountVerify = "account.verify"
)

// Sources
const (
	SourceCLI = "cli"
	SourceAPI = "api"
)

// Results
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// ErrKeyNotSet is returned when the logger is used before SetHMACKey.
var ErrKeyNotSet = errors.New("audit: HMAC key not set")

// Event is one line of the audit log.
type Event struct {
	Version   int               `json:"v"`
	ID        string            `json:"id"`
	Timestamp string            `json:"ts"` // RFC 3339, nanoseconds
	Operation string            `json:"op"`
	Account   string            `json:"account,omitempty"` // HMAC of the account id
	Source    string            `json:"source"`
	SessionID string            `json:"session"`
	Result    string            `json:"result"`
	Error     *ErrorInfo        `json:"error,omitempty"`
	Context   map[string]string `json:"ctx,omitempty"`
	Chain     Chain             `json:"chain"`
}

// ErrorInfo describes a failed operation.
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Chain links a record to its predecessor.
type Chain struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
	HMAC     string `json:"hmac"`
}

// VerifyResult summarizes a chain check.
type VerifyResult struct {
	Valid           bool     `json:"valid"`
	RecordsTotal    int      `json:"records_total"`
	RecordsVerified int      `json:"records_verified"`
	Errors          []string `json:"errors,omitempty"`
}

type chainState struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
}

// Logger appends chained records to monthly JSONL files in a directory.
type Logger struct {
	dir       string
	hmacKey   []byte
	sessionID string
	now       func() time.Time
	log       *slog.Logger

	mu       sync.Mutex
	sequence int64
	prevHash string
}

// Option configures a Logger.
type Option func(*Logger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// WithLogger sets the logger used for non-fatal diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(l *Logger) { l.log = log }
}

// NewLogger creates a Logger writing under dir.
func NewLogger(dir string, opts ...Option) *Logger {
	l := &Logger{
		dir:       dir,
		sessionID: uuid.NewString(),
		now:       time.Now,
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		prevHash:  genesis,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the log directory.
func (l *Logger) Path() string {
	return l.dir
}

// SetHMACKey derives the record key from masterKey with HKDF-SHA256.
func (l *Logger) SetHMACKey(masterKey []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, []byte(hkdfInfo)), key); err != nil {
		return fmt.Errorf("audit: failed to derive HMAC key: %w", err)
	}
	l.hmacKey = key
	return nil
}

// Log appends one record. accountID is stored as an HMAC, never in clear.
func (l *Logger) Log(op, source, result, accountID string, errInfo *ErrorInfo, ctx map[string]string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hmacKey == nil {
		return ErrKeyNotSet
	}
	if err := os.MkdirAll(l.dir, 0700); err != nil {
		return fmt.Errorf("audit: failed to create directory: %w", err)
	}
	if err := l.checkDiskSpace(); err != nil {
		return err
	}
	// Another process may have appended since we last looked.
	l.loadChainState()

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("audit: failed to generate event id: %w", err)
	}

	now := l.now().UTC()
	event := Event{
		Version:   schemaVersion,
		ID:        id.String(),
		Timestamp: now.Format(time.RFC3339Nano),
		Operation: op,
		Source:    source,
		SessionID: l.sessionID,
		Result:    result,
		Error:     errInfo,
		Context:   ctx,
	}
	if accountID != "" {
		event.Account = l.sum([]byte(accountID))
	}

	event.Chain.Sequence = l.sequence + 1
	event.Chain.PrevHash = l.prevHash
	event.Chain.HMAC = l.sum(recordData(&event))

	if err := l.appendEvent(now, &event); err != nil {
		return err
	}
	l.sequence = event.Chain.Sequence
	l.prevHash = event.Chain.HMAC
	return l.saveChainState()
}

// LogSuccess records a successful operation.
func (l *Logger) LogSuccess(op, source, accountID string) error {
	return l.Log(op, source, ResultSuccess, accountID, nil, nil)
}

// LogError records a failed operation.
func (l *Logger) LogError(op, source, accountID, code, msg string) error {
	return l.Log(op, source, ResultError, accountID, &ErrorInfo{Code: code, Message: msg}, nil)
}

// Verify walks every log file and checks sequence numbers, back links and
// record HMACs.
func (l *Logger) Verify() (*VerifyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hmacKey == nil {
		return nil, ErrKeyNotSet
	}

	events, err := l.readAll()
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{Valid: true}
	prev := genesis
	var seq int64 = 1
	for i := range events {
		e := &events[i]
		result.RecordsTotal++

		if e.Chain.Sequence != seq {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf("sequence gap at record %s: expected %d, got %d", e.ID, seq, e.Chain.Sequence))
		}
		if e.Chain.PrevHash != prev {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf("chain broken at record %s", e.ID))
		}
		if !hmac.Equal([]byte(e.Chain.HMAC), []byte(l.sum(recordData(e)))) {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf("HMAC mismatch at record %s: possible tampering", e.ID))
		} else {
			result.RecordsVerified++
		}

		prev = e.Chain.HMAC
		seq = e.Chain.Sequence + 1
	}
	return result, nil
}

// ListEvents returns events newer than since (zero means all), oldest first,
// keeping only the last limit entries when limit > 0.
func (l *Logger) ListEvents(limit int, since time.Time) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	events, err := l.readAll()
	if err != nil {
		return nil, err
	}

	if !since.IsZero() {
		filtered := events[:0]
		for _, e := range events {
			ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
			if err != nil {
				continue
			}
			if ts.After(since) {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}

	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

func (l *Logger) sum(data []byte) string {
	mac := hmac.New(sha256.New, l.hmacKey)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// recordData serializes every significant field except the record's own HMAC.
func recordData(e *Event) []byte {
	var b strings.Builder
	field := func(s string) {
		b.WriteString(s)
		b.WriteByte('|')
	}

	field(strconv.Itoa(e.Version))
	field(e.ID)
	field(e.Timestamp)
	field(e.Operation)
	field(e.Account)
	field(e.Source)
	field(e.SessionID)
	field(e.Result)
	if e.Error != nil {
		field(e.Error.Code)
		field(e.Error.Message)
	}

	keys := make([]string, 0, len(e.Context))
	for k := range e.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		field(k + "=" + e.Context[k])
	}

	field(strconv.FormatInt(e.Chain.Sequence, 10))
	b.WriteString(e.Chain.PrevHash)
	return []byte(b.String())
}

func (l *Logger) appendEvent(at time.Time, e *Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal event: %w", err)
	}

	name := filepath.Join(l.dir, at.Format("2006-01")+logExt)
	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("audit: failed to open log file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: failed to write event: %w", err)
	}
	return nil
}

// readAll returns every event in file-name order; YYYY-MM names sort
// chronologically.
func (l *Logger) readAll() ([]Event, error) {
	files, err := filepath.Glob(filepath.Join(l.dir, "*"+logExt))
	if err != nil {
		return nil, fmt.Errorf("audit: failed to list log files: %w", err)
	}
	sort.Strings(files)

	var events []Event
	for _, file := range files {
		fileEvents, err := readLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("audit: failed to read %s: %w", filepath.Base(file), err)
		}
		events = append(events, fileEvents...)
	}
	return events, nil
}

func readLogFile(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var events []Event
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		events = append(events, e)
	}
	return events, scanner.Err()
}

func (l *Logger) loadChainState() {
	data, err := os.ReadFile(filepath.Join(l.dir, metaFile))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			l.log.Warn("audit: cannot read chain state, starting a new chain", "error", err)
		}
		l.sequence, l.prevHash = 0, genesis
		return
	}

	var state chainState
	if err := json.Unmarshal(data, &state); err != nil {
		l.log.Warn("audit: corrupted chain state, starting a new chain", "error", err)
		l.sequence, l.prevHash = 0, genesis
		return
	}
	l.sequence, l.prevHash = state.Sequence, state.PrevHash
}

func (l *Logger) saveChainState() error {
	data, err := json.Marshal(chainState{Sequence: l.sequence, PrevHash: l.prevHash})
	if err != nil {
		return fmt.Errorf("audit: failed to marshal chain state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(l.dir, metaFile), data, 0600); err != nil {
		return fmt.Errorf("audit: failed to save chain state: %w", err)
	}
	return nil
}
