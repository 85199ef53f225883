package totp

import (
	"encoding/base32"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rfcSecret is the SHA-1 seed from RFC 6238 Appendix B.
var rfcSecret = []byte("12345678901234567890")

func TestNormalizeSecret(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"four chars", "AAAA", strings.Repeat("A", 26)},
		{"short real secret", "JBSWY3DPEHPK3PXP", "JBSWY3DPEHPK3PXP" + strings.Repeat("A", 10)},
		{"empty", "", strings.Repeat("A", 26)},
		{"exactly 26", "ABCDEFGHIJKLMNOPQRSTUVWXYZ", "ABCDEFGHIJKLMNOPQRSTUVWXYZ"},
		{"longer than 26", "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ", "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeSecret(tt.input)
			assert.Equal(t, tt.want, got)
			assert.GreaterOrEqual(t, len(got), MinSecretLength)
		})
	}
}

func TestNormalizeSecretAddsExactlyMissingPadding(t *testing.T) {
	got := NormalizeSecret("AAAA")
	require.Len(t, got, 26)
	assert.Equal(t, strings.Repeat("A", 22), got[4:])
}

func TestDecodeSecret(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []byte
		wantErr bool
	}{
		{"padded std", "JBSWY3DPEHPK3PXP", []byte("Hello!\xde\xad\xbe\xef"), false},
		{"lower case", "jbswy3dpehpk3pxp", []byte("Hello!\xde\xad\xbe\xef"), false},
		{"spaces", "JBSW Y3DP EHPK 3PXP", []byte("Hello!\xde\xad\xbe\xef"), false},
		{"trailing padding", "MZXW6===", []byte("foo"), false},
		{"unpadded", "MZXW6", []byte("foo"), false},
		{"invalid char", "JBSWY3DP!HPK3PXP", nil, true},
		{"digit outside alphabet", "JBSWY3DP1HPK3PXP", nil, true},
		{"empty", "", nil, true},
		{"single char", "A", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeSecret(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSecret)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeSecretDropsPartialTrailingGroup(t *testing.T) {
	// 26 chars -> 130 bits -> 16 bytes; 27 chars still yields 16 bytes.
	for _, n := range []int{26, 27} {
		got, err := DecodeSecret(strings.Repeat("A", n))
		require.NoError(t, err, "len %d", n)
		assert.Len(t, got, 16, "len %d", n)
	}
}

func TestSecretBytesPadsWithZeroBits(t *testing.T) {
	got, err := SecretBytes("JBSWY3DPEHPK3PXP")
	require.NoError(t, err)
	require.Len(t, got, 16)
	assert.Equal(t, []byte("Hello!\xde\xad\xbe\xef"), got[:10])
	assert.Equal(t, make([]byte, 6), got[10:])
}

func TestGenerateCodeRFC6238Vectors(t *testing.T) {
	// RFC 6238 Appendix B, SHA-1, truncated from 8 to 6 digits.
	tests := []struct {
		at   int64
		want string
	}{
		{59, "287082"},
		{1111111109, "081804"},
		{1111111111, "050471"},
		{1234567890, "005924"},
		{2000000000, "279037"},
		{20000000000, "353130"},
	}

	for _, tt := range tests {
		got, err := GenerateCode(rfcSecret, tt.at)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "at=%d", tt.at)
		assert.Len(t, got, Digits)
	}
}

func TestGenerateCodeFromEncodedSecret(t *testing.T) {
	encoded := base32.StdEncoding.EncodeToString(rfcSecret)
	secret, err := SecretBytes(encoded)
	require.NoError(t, err)
	assert.Equal(t, rfcSecret, secret, "32-char secret must not be padded")

	got, err := GenerateCode(secret, 59)
	require.NoError(t, err)
	assert.Equal(t, "287082", got)
}

func TestGenerateCodeStableWithinStep(t *testing.T) {
	first, err := GenerateCode(rfcSecret, 1111111110)
	require.NoError(t, err)
	for at := int64(1111111110); at < 1111111140; at++ {
		got, err := GenerateCode(rfcSecret, at)
		require.NoError(t, err)
		assert.Equal(t, first, got, "at=%d", at)
	}
}

func TestGenerateCodeEmptySecret(t *testing.T) {
	_, err := GenerateCode(nil, 59)
	assert.ErrorIs(t, err, ErrInvalidSecret)
}

func TestValidate(t *testing.T) {
	const at = 1111111109
	code, err := GenerateCode(rfcSecret, at)
	require.NoError(t, err)

	ok, err := Validate(rfcSecret, code, at)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Validate(rfcSecret, code, at+Step)
	require.NoError(t, err)
	assert.True(t, ok, "one step of drift is accepted")

	ok, err = Validate(rfcSecret, code, at+3*Step)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = Validate(rfcSecret, "12345", at)
	require.NoError(t, err)
	assert.False(t, ok, "wrong length is a mismatch, not an error")
}

func TestExpiryFor(t *testing.T) {
	tests := []struct {
		at   int64
		want int64
	}{
		{0, 30},
		{1, 30},
		{29, 30},
		{30, 60},
		{59, 60},
		{1700000000, 1700000010},
		{1700000010, 1700000040},
		{-1, 0},
		{-30, 0},
		{-31, -30},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExpiryFor(tt.at), "at=%d", tt.at)
	}
}

func TestExpiryForProperties(t *testing.T) {
	for at := int64(1699999900); at < 1700000100; at++ {
		exp := ExpiryFor(at)
		d := exp - at
		assert.True(t, d >= 1 && d <= Step, "at=%d delta=%d", at, d)
		assert.Zero(t, exp%Step, "at=%d", at)
	}
}

func TestExpiryForPropertiesBeforeEpoch(t *testing.T) {
	for at := int64(-100); at < 100; at++ {
		d := ExpiryFor(at) - at
		assert.True(t, d >= 1 && d <= Step, "at=%d delta=%d", at, d)
	}
}
