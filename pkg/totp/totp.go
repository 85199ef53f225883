// Package totp turns stored Base32 secrets into RFC 6238 codes.
//
// Parameters are fixed: HMAC-SHA1, 6 digits, 30-second step, T0 = 0.
// Hints carried by otpauth URIs (algorithm, digits, period) are never applied.
package totp

import (
	"encoding/base32"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	// Step is the code lifetime in seconds.
	Step = 30

	// Digits is the code length.
	Digits = 6

	// Skew is the number of steps accepted on either side by Validate.
	Skew = 1

	// MinSecretLength is the Base32 length short secrets are padded to.
	MinSecretLength = 26

	// padChar decodes to five zero bits.
	padChar = 'A'
)

// ErrInvalidSecret indicates a secret that is not valid Base32.
var ErrInvalidSecret = errors.New("totp: invalid base32 secret")

var rawBase32 = base32.StdEncoding.WithPadding(base32.NoPadding)

var opts = totp.ValidateOpts{
	Period:    Step,
	Skew:      Skew,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// NormalizeSecret right-pads secrets shorter than MinSecretLength with 'A'.
//
// Unlike '=' padding this changes the decoded bytes: the secret gains
// trailing zero bits. Some exporters emit secrets shorter than common TOTP
// implementations accept, and codes for such accounts have always been
// generated from the padded form, so the padding must stay exactly as is.
func NormalizeSecret(raw string) string {
	if len(raw) >= MinSecretLength {
		return raw
	}
	return raw + strings.Repeat(string(padChar), MinSecretLength-len(raw))
}

// DecodeSecret decodes an RFC 4648 Base32 secret leniently: case, spaces and
// '=' padding are ignored, and trailing bits that do not fill a byte are
// dropped.
func DecodeSecret(s string) ([]byte, error) {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == ' ' || r == '=' || r == '-':
			continue
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		case (r >= 'A' && r <= 'Z') || (r >= '2' && r <= '7'):
			b.WriteRune(r)
		default:
			return nil, fmt.Errorf("%w: unexpected character %q", ErrInvalidSecret, r)
		}
	}

	clean := b.String()
	if clean == "" {
		return nil, fmt.Errorf("%w: empty secret", ErrInvalidSecret)
	}

	// A final group of 1, 3 or 6 characters carries no whole extra byte.
	switch len(clean) % 8 {
	case 1, 3, 6:
		clean = clean[:len(clean)-1]
	}

	secret, err := rawBase32.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: secret decodes to zero bytes", ErrInvalidSecret)
	}
	return secret, nil
}

// SecretBytes normalizes and decodes a stored secret.
func SecretBytes(raw string) ([]byte, error) {
	return DecodeSecret(NormalizeSecret(raw))
}

// GenerateCode returns the zero-padded 6-digit code for secret at the given
// unix time.
func GenerateCode(secret []byte, at int64) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("%w: empty secret", ErrInvalidSecret)
	}
	code, err := totp.GenerateCodeCustom(rawBase32.EncodeToString(secret), time.Unix(at, 0).UTC(), opts)
	if err != nil {
		return "", fmt.Errorf("totp: failed to generate code: %w", err)
	}
	return code, nil
}

// Validate reports whether code matches secret at the given time, accepting
// Skew steps of clock drift in either direction.
func Validate(secret []byte, code string, at int64) (bool, error) {
	if len(secret) == 0 {
		return false, fmt.Errorf("%w: empty secret", ErrInvalidSecret)
	}
	ok, err := totp.ValidateCustom(code, rawBase32.EncodeToString(secret), time.Unix(at, 0).UTC(), opts)
	if err != nil {
		if errors.Is(err, otp.ErrValidateInputInvalidLength) {
			return false, nil
		}
		return false, fmt.Errorf("totp: failed to validate code: %w", err)
	}
	return ok, nil
}

// ExpiryFor returns the unix time of the next step boundary strictly after at.
// When at is itself on a boundary the result is a full Step later. Negative
// times floor toward the earlier boundary like positive ones.
func ExpiryFor(at int64) int64 {
	return at + (Step - ((at%Step)+Step)%Step)
}
