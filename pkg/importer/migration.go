package importer

import (
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// MigrationPayload field numbers.
const (
	fieldOTPParameters protowire.Number = 1
	fieldVersion       protowire.Number = 2
	fieldBatchSize     protowire.Number = 3
	fieldBatchIndex    protowire.Number = 4
	fieldBatchID       protowire.Number = 5
)

// OtpParameters field numbers.
const (
	fieldSecret    protowire.Number = 1
	fieldName      protowire.Number = 2
	fieldIssuer    protowire.Number = 3
	fieldAlgorithm protowire.Number = 4
	fieldDigits    protowire.Number = 5
	fieldType      protowire.Number = 6
	fieldCounter   protowire.Number = 7
)

var algorithmNames = map[uint64]string{
	1: "SHA1",
	2: "SHA256",
	3: "SHA512",
	4: "MD5",
}

var digitCounts = map[uint64]int{
	1: 6,
	2: 8,
}

var otpTypes = map[uint64]string{
	1: "hotp",
	2: "totp",
}

var rawBase32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// Batch describes the position of one migration payload in a multi-part
// export.
type Batch struct {
	Version int
	Size    int
	Index   int
	ID      int32
}

type otpParameters struct {
	secret    []byte
	name      string
	issuer    string
	algorithm uint64
	digits    uint64
	otpType   uint64
	counter   uint64
}

// ParseMigration decodes an otpauth-migration://offline?data=... URL.
func ParseMigration(raw string) ([]ImportedAccount, error) {
	accounts, _, err := ParseMigrationBatch(raw)
	return accounts, err
}

// ParseMigrationBatch is ParseMigration that also reports the batch header.
func ParseMigrationBatch(raw string) ([]ImportedAccount, Batch, error) {
	data, err := migrationData(raw)
	if err != nil {
		return nil, Batch{}, err
	}

	params, batch, err := decodePayload(data)
	if err != nil {
		return nil, Batch{}, err
	}

	accounts := make([]ImportedAccount, 0, len(params))
	for i, p := range params {
		if len(p.secret) == 0 {
			return nil, Batch{}, fmt.Errorf("%w: secret of entry %d", ErrMissingParameter, i)
		}
		name := normalizeName(p.name)
		issuer := normalizeName(p.issuer)
		accounts = append(accounts, ImportedAccount{
			Name:   DisplayName(issuer, name),
			Secret: rawBase32.EncodeToString(p.secret),
			Params: OTPParams{
				Issuer:    issuer,
				Algorithm: algorithmNames[p.algorithm],
				Digits:    digitCounts[p.digits],
				Type:      otpTypes[p.otpType],
			},
		})
	}
	return accounts, batch, nil
}

// migrationData extracts and Base64-decodes the data query parameter.
func migrationData(raw string) ([]byte, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid migration url: %w", ErrMalformedPayload, err)
	}
	query, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid migration query: %w", ErrMalformedPayload, err)
	}

	encoded := query.Get("data")
	if encoded == "" {
		return nil, fmt.Errorf("%w: data", ErrMissingParameter)
	}

	// Unescaped '+' in the query decodes to a space.
	encoded = strings.ReplaceAll(encoded, " ", "+")
	encoded = strings.TrimRight(encoded, "=")

	data, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 data: %w", ErrMalformedPayload, err)
	}
	return data, nil
}

func decodePayload(b []byte) ([]otpParameters, Batch, error) {
	var (
		params []otpParameters
		batch  Batch
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, Batch{}, wireError(n)
		}
		b = b[n:]

		switch {
		case num == fieldOTPParameters && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, Batch{}, wireError(n)
			}
			p, err := decodeParameters(v)
			if err != nil {
				return nil, Batch{}, err
			}
			params = append(params, p)
			b = b[n:]
		case typ == protowire.VarintType && num >= fieldVersion && num <= fieldBatchID:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, Batch{}, wireError(n)
			}
			switch num {
			case fieldVersion:
				batch.Version = int(v)
			case fieldBatchSize:
				batch.Size = int(v)
			case fieldBatchIndex:
				batch.Index = int(v)
			case fieldBatchID:
				batch.ID = int32(v)
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, Batch{}, wireError(n)
			}
			b = b[n:]
		}
	}
	return params, batch, nil
}

func decodeParameters(b []byte) (otpParameters, error) {
	var p otpParameters
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return p, wireError(n)
		}
		b = b[n:]

		switch {
		case typ == protowire.BytesType && num >= fieldSecret && num <= fieldIssuer:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return p, wireError(n)
			}
			switch num {
			case fieldSecret:
				p.secret = append([]byte(nil), v...)
			case fieldName:
				p.name = string(v)
			case fieldIssuer:
				p.issuer = string(v)
			}
			b = b[n:]
		case typ == protowire.VarintType && num >= fieldAlgorithm && num <= fieldCounter:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return p, wireError(n)
			}
			switch num {
			case fieldAlgorithm:
				p.algorithm = v
			case fieldDigits:
				p.digits = v
			case fieldType:
				p.otpType = v
			case fieldCounter:
				p.counter = v
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return p, wireError(n)
			}
			b = b[n:]
		}
	}
	return p, nil
}

func wireError(n int) error {
	return fmt.Errorf("%w: %w", ErrMalformedPayload, protowire.ParseError(n))
}
