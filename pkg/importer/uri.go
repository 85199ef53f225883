package importer

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/pquerna/otp"
)

// ParseURI parses a single otpauth://totp URI. The label (path without the
// leading slash) becomes the account name; the secret query parameter is
// required.
func ParseURI(raw string) (ImportedAccount, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ImportedAccount{}, fmt.Errorf("%w: invalid otpauth uri: %w", ErrMalformedPayload, err)
	}

	query, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return ImportedAccount{}, fmt.Errorf("%w: invalid otpauth query: %w", ErrMalformedPayload, err)
	}

	secret := query.Get("secret")
	if secret == "" {
		return ImportedAccount{}, fmt.Errorf("%w: secret", ErrMissingParameter)
	}

	return ImportedAccount{
		Name:   normalizeName(strings.TrimPrefix(u.Path, "/")),
		Secret: secret,
		Params: uriParams(raw, query),
	}, nil
}

// uriParams collects the generator hints of an otpauth URI. Only parameters
// actually present are reported so that absent ones read as unspecified.
func uriParams(raw string, query url.Values) OTPParams {
	params := OTPParams{Type: "totp"}

	key, err := otp.NewKeyFromURL(strings.TrimSpace(raw))
	if err != nil {
		params.Issuer = query.Get("issuer")
		return params
	}

	params.Issuer = key.Issuer()
	if query.Has("algorithm") {
		params.Algorithm = strings.ToUpper(key.Algorithm().String())
	}
	if query.Has("digits") {
		params.Digits = key.Digits().Length()
	}
	if query.Has("period") {
		params.Period = int(key.Period())
	}
	return params
}

// KeyURI formats name and secret as an otpauth://totp URI that authenticator
// apps can scan. An "issuer:" prefix in name is repeated as the issuer
// parameter.
func KeyURI(name, secret string) string {
	q := url.Values{}
	q.Set("secret", secret)
	if issuer, _, ok := strings.Cut(name, ":"); ok && issuer != "" {
		q.Set("issuer", issuer)
	}
	u := url.URL{
		Scheme:   "otpauth",
		Host:     "totp",
		Path:     "/" + name,
		RawQuery: q.Encode(),
	}
	return u.String()
}
