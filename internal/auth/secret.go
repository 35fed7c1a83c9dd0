package auth

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/paydash/authcore/internal/model"
)

// Token layout: <tag>_<lookup>_<secret>
//
//	tag     pk_live | pk_test
//	lookup  16 chars, lowercase base32 (routing only, not secret)
//	secret  32 random bytes, unpadded base64url (43 chars)
const (
	TagLive = "pk_live"
	TagTest = "pk_test"

	SecretBytes     = 32
	secretLength    = 43
	lookupBytes     = 10
	lookupLength    = 16
	maskVisibleRune = 8
)

var (
	// ErrMalformedToken is returned when a bearer token does not follow the layout
	ErrMalformedToken = errors.New("malformed bearer token")

	lookupEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)
)

// GeneratedSecret is a freshly minted credential secret
type GeneratedSecret struct {
	Prefix    string
	Secret    string
	FullToken string
}

// TagFor returns the token tag for a credential kind
func TagFor(kind model.CredentialKind) (string, error) {
	switch kind {
	case model.CredentialKindLive:
		return TagLive, nil
	case model.CredentialKindTest:
		return TagTest, nil
	default:
		return "", fmt.Errorf("unknown credential kind %q", kind)
	}
}

// KindForPrefix returns the credential kind encoded in a prefix
func KindForPrefix(prefix string) (model.CredentialKind, bool) {
	switch {
	case strings.HasPrefix(prefix, TagLive+"_"):
		return model.CredentialKindLive, true
	case strings.HasPrefix(prefix, TagTest+"_"):
		return model.CredentialKindTest, true
	}
	return "", false
}

// GenerateSecret mints a new prefix and secret for the given kind
func GenerateSecret(kind model.CredentialKind) (*GeneratedSecret, error) {
	tag, err := TagFor(kind)
	if err != nil {
		return nil, err
	}

	lookup := make([]byte, lookupBytes)
	if _, err := rand.Read(lookup); err != nil {
		return nil, fmt.Errorf("failed to generate lookup id: %w", err)
	}
	raw := make([]byte, SecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}

	prefix := tag + "_" + lookupEncoding.EncodeToString(lookup)
	secret := base64.RawURLEncoding.EncodeToString(raw)

	return &GeneratedSecret{
		Prefix:    prefix,
		Secret:    secret,
		FullToken: prefix + "_" + secret,
	}, nil
}

// ParseToken splits a bearer token into its routing prefix and secret
func ParseToken(token string) (prefix, secret string, err error) {
	var tag string
	for _, t := range []string{TagLive, TagTest} {
		if strings.HasPrefix(token, t+"_") {
			tag = t
			break
		}
	}
	if tag == "" {
		return "", "", ErrMalformedToken
	}

	rest := token[len(tag)+1:]
	if len(rest) != lookupLength+1+secretLength || rest[lookupLength] != '_' {
		return "", "", ErrMalformedToken
	}

	lookup := rest[:lookupLength]
	if _, err := lookupEncoding.DecodeString(lookup); err != nil {
		return "", "", ErrMalformedToken
	}

	secret = rest[lookupLength+1:]
	raw, err := base64.RawURLEncoding.DecodeString(secret)
	if err != nil || len(raw) != SecretBytes {
		return "", "", ErrMalformedToken
	}

	return tag + "_" + lookup, secret, nil
}

// Mask returns a loggable preview: the first 8 characters followed by
// "***". Empty input stays empty; anything of 8 characters or fewer is
// fully hidden.
func Mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= maskVisibleRune {
		return "***"
	}
	return s[:maskVisibleRune] + "***"
}
