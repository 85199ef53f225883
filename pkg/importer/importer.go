// Package importer decodes authenticator exports into accounts ready to add.
// Supports single otpauth://totp URIs and otpauth-migration batch payloads.
package importer

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Format identifies a supported input grammar.
type Format string

const (
	FormatMigration Format = "otpauth-migration"
	FormatURI       Format = "otpauth-totp"
)

// Input prefixes used for format detection.
const (
	migrationPrefix = "otpauth-migration"
	uriPrefix       = "otpauth://totp"
)

// Sentinel errors returned by Parse.
var (
	ErrUnsupportedFormat = errors.New("importer: unsupported format")
	ErrMissingParameter  = errors.New("importer: missing parameter")
	ErrMalformedPayload  = errors.New("importer: malformed payload")
)

// OTPParams holds the generator hints found in the source. They are kept for
// display and diagnostics only; codes are always generated with SHA-1,
// 6 digits and a 30-second period.
type OTPParams struct {
	Issuer    string
	Algorithm string // "SHA1", "SHA256", "SHA512", "MD5" or "" when unspecified
	Digits    int    // 0 when unspecified
	Period    int    // seconds, 0 when unspecified
	Type      string // "totp", "hotp" or "" when unspecified
}

// IsDefault reports whether the hints match the fixed generation policy.
func (p OTPParams) IsDefault() bool {
	return (p.Algorithm == "" || p.Algorithm == "SHA1") &&
		(p.Digits == 0 || p.Digits == 6) &&
		(p.Period == 0 || p.Period == 30) &&
		(p.Type == "" || p.Type == "totp")
}

// ImportedAccount is a parsed account. It has no ID yet; one is assigned
// when the account is added.
type ImportedAccount struct {
	Name   string
	Secret string // Base32
	Params OTPParams
}

// Detect classifies blob by its prefix.
func Detect(blob string) (Format, error) {
	blob = strings.TrimSpace(blob)
	switch {
	case strings.HasPrefix(blob, migrationPrefix):
		return FormatMigration, nil
	case strings.HasPrefix(blob, uriPrefix):
		return FormatURI, nil
	default:
		return "", fmt.Errorf("%w: expected %s or %s", ErrUnsupportedFormat, uriPrefix, migrationPrefix)
	}
}

// Parse decodes blob into one or more accounts.
func Parse(blob string) ([]ImportedAccount, error) {
	format, err := Detect(blob)
	if err != nil {
		return nil, err
	}

	blob = strings.TrimSpace(blob)
	switch format {
	case FormatMigration:
		return ParseMigration(blob)
	case FormatURI:
		account, err := ParseURI(blob)
		if err != nil {
			return nil, err
		}
		return []ImportedAccount{account}, nil
	}
	return nil, ErrUnsupportedFormat
}

// DisplayName joins issuer and name as "issuer:name" unless issuer is empty
// or already part of name.
func DisplayName(issuer, name string) string {
	if issuer != "" && !strings.Contains(name, issuer) {
		return issuer + ":" + name
	}
	return name
}

// normalizeName applies Unicode NFC so visually identical names compare equal.
func normalizeName(s string) string {
	return norm.NFC.String(s)
}
