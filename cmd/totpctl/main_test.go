package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/forest6511/totpctl/pkg/authenticator"
	"github.com/forest6511/totpctl/pkg/keystore"
	"github.com/forest6511/totpctl/pkg/totp"
)

const testSecret = "JBSWY3DPEHPK3PXPJBSWY3DPEH"

var addedID = regexp.MustCompile(`\(([0-9a-f-]+)\)`)

// newTestEnv isolates the data directory and routes every command to one
// in-memory keystore.
func newTestEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("TOTPCTL_DATA_DIR", dir)
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	mem := keystore.NewMemory()
	orig := newKeyStore
	newKeyStore = func(string) keystore.Store { return mem }
	t.Cleanup(func() { newKeyStore = orig })
	return dir
}

// run executes the root command with fresh flag values.
func run(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	configPath, dataDir, logLevel = "", "", ""
	addSecret, editSecret, listJSON, secretQR = "", "", false, false
	importFile = ""
	auditLimit, auditSince = 100, ""

	var stdout, stderr bytes.Buffer
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

func mustAdd(t *testing.T, name string) string {
	t.Helper()
	out, _, err := run(t, "", "add", name, "--secret", testSecret)
	if err != nil {
		t.Fatalf("add %q: %v", name, err)
	}
	m := addedID.FindStringSubmatch(out)
	if m == nil {
		t.Fatalf("no id in add output %q", out)
	}
	return m[1]
}

func listAccounts(t *testing.T) []authenticator.AccountDTO {
	t.Helper()
	out, _, err := run(t, "", "list", "--json")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var accounts []authenticator.AccountDTO
	if err := json.Unmarshal([]byte(out), &accounts); err != nil {
		t.Fatalf("decode list output %q: %v", out, err)
	}
	return accounts
}

func TestAddAndList(t *testing.T) {
	newTestEnv(t)
	id := mustAdd(t, "GitHub:alice")

	accounts := listAccounts(t)
	if len(accounts) != 1 {
		t.Fatalf("got %d accounts, want 1", len(accounts))
	}
	if accounts[0].ID != id || accounts[0].Name != "GitHub:alice" {
		t.Errorf("unexpected account %+v", accounts[0])
	}
	if len(accounts[0].Code) != totp.Digits {
		t.Errorf("code %q has wrong length", accounts[0].Code)
	}

	out, _, err := run(t, "", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "NAME") || !strings.Contains(out, "GitHub:alice") {
		t.Errorf("table output missing account: %q", out)
	}
}

func TestAddPromptsForSecret(t *testing.T) {
	newTestEnv(t)

	out, _, err := run(t, testSecret+"\n", "add", "Example:bob")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !strings.HasPrefix(out, "Added Example:bob") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestAddRejectsEmptySecret(t *testing.T) {
	newTestEnv(t)

	if _, _, err := run(t, "\n", "add", "Example:bob"); err == nil {
		t.Fatal("expected error for empty secret")
	}
	if got := listAccounts(t); len(got) != 0 {
		t.Errorf("got %d accounts, want 0", len(got))
	}
}

func TestListEmpty(t *testing.T) {
	newTestEnv(t)

	out, _, err := run(t, "", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "No accounts found") {
		t.Errorf("unexpected output %q", out)
	}
	if got := listAccounts(t); got == nil || len(got) != 0 {
		t.Errorf("json list should be an empty array, got %#v", got)
	}
}

func TestEditAndDelete(t *testing.T) {
	newTestEnv(t)
	id := mustAdd(t, "old")

	if _, _, err := run(t, "", "edit", id, "new"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if got := listAccounts(t); len(got) != 1 || got[0].Name != "new" {
		t.Fatalf("rename not applied: %+v", got)
	}

	if _, _, err := run(t, "", "delete", id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := listAccounts(t); len(got) != 0 {
		t.Errorf("got %d accounts after delete", len(got))
	}

	if _, _, err := run(t, "", "delete", id); err == nil {
		t.Error("deleting twice should fail")
	}
}

func TestSecretAndQR(t *testing.T) {
	newTestEnv(t)
	id := mustAdd(t, "Example:alice")

	out, _, err := run(t, "", "secret", id)
	if err != nil {
		t.Fatalf("secret: %v", err)
	}
	if strings.TrimSpace(out) != testSecret {
		t.Errorf("secret = %q, want %q", strings.TrimSpace(out), testSecret)
	}

	out, _, err = run(t, "", "secret", id, "--qr")
	if err != nil {
		t.Fatalf("secret --qr: %v", err)
	}
	if !strings.Contains(out, "█") {
		t.Errorf("QR output has no modules: %q", out)
	}
}

func TestVerifyCommand(t *testing.T) {
	newTestEnv(t)
	id := mustAdd(t, "Example:alice")

	key, err := totp.SecretBytes(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	code, err := totp.GenerateCode(key, time.Now().Unix())
	if err != nil {
		t.Fatal(err)
	}

	out, _, err := run(t, "", "verify", id, code)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !strings.Contains(out, "Code OK") {
		t.Errorf("unexpected output %q", out)
	}

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	if _, _, err := run(t, "", "verify", id, wrong); err == nil {
		t.Error("expected mismatch error")
	}
}

func TestImportCommand(t *testing.T) {
	newTestEnv(t)
	uri := "otpauth://totp/Example:alice?secret=JBSWY3DPEHPK3PXP&issuer=Example"

	out, _, err := run(t, "", "import", uri)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if !strings.Contains(out, "Imported 1 account(s)") {
		t.Errorf("unexpected output %q", out)
	}

	if _, _, err := run(t, uri+"\n", "import", "-"); err != nil {
		t.Fatalf("import from stdin: %v", err)
	}

	path := filepath.Join(t.TempDir(), "export.txt")
	if err := os.WriteFile(path, []byte(uri+"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := run(t, "", "import", "--file", path); err != nil {
		t.Fatalf("import from file: %v", err)
	}

	accounts := listAccounts(t)
	if len(accounts) != 3 {
		t.Fatalf("got %d accounts, want 3", len(accounts))
	}
	for _, a := range accounts {
		if a.Name != "Example:alice" {
			t.Errorf("unexpected name %q", a.Name)
		}
	}
}

func TestImportRejectsBadInput(t *testing.T) {
	newTestEnv(t)

	tests := []struct {
		name  string
		stdin string
		args  []string
	}{
		{"unsupported", "", []string{"import", "https://example.com"}},
		{"empty stdin", "  \n", []string{"import", "-"}},
		{"file and argument", "", []string{"import", "otpauth://totp/x?secret=AAAA", "--file", "x.txt"}},
		{"missing file", "", []string{"import", "--file", "does-not-exist.txt"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := run(t, tt.stdin, tt.args...); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestAuditCommands(t *testing.T) {
	newTestEnv(t)
	mustAdd(t, "Example:alice")
	listAccounts(t)

	out, _, err := run(t, "", "audit", "list")
	if err != nil {
		t.Fatalf("audit list: %v", err)
	}
	if !strings.Contains(out, "account.add") || !strings.Contains(out, "Total:") {
		t.Errorf("unexpected audit list output %q", out)
	}

	out, _, err = run(t, "", "audit", "verify")
	if err != nil {
		t.Fatalf("audit verify: %v", err)
	}
	if !strings.Contains(out, "chain intact") {
		t.Errorf("unexpected verify output %q", out)
	}
}

func TestAuditDisabled(t *testing.T) {
	newTestEnv(t)
	t.Setenv("TOTPCTL_AUDIT", "false")

	if _, _, err := run(t, "", "audit", "list"); err == nil {
		t.Error("expected error when audit is disabled")
	}
}

func TestMemoryKeyringWarns(t *testing.T) {
	newTestEnv(t)
	t.Setenv("TOTPCTL_KEYRING", "memory")

	_, stderr, err := run(t, "", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(stderr, "warning: memory keyring") {
		t.Errorf("missing warning in %q", stderr)
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"24h", 24 * time.Hour, false},
		{"30m", 30 * time.Minute, false},
		{"7d", 7 * 24 * time.Hour, false},
		{"2w", 14 * 24 * time.Hour, false},
		{"d", 0, true},
		{"xd", 0, true},
		{"10y", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseDuration(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseDuration(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("parseDuration(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
