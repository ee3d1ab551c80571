// Package urlsign implements time-limited, HMAC-signed download URLs.
//
// A signed URL is the original path plus a query of the form
//
//	?Expires=<epoch>&KeyName=<name>&UserId=<uuid>&Signature=<base64url hmac-sha1>
//
// Verification recomputes the signature from the claims and requires the query
// strings to match byte for byte, so no server-side state is needed beyond the
// signing keys.
package urlsign

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrMalformedURL     = errors.New("signed url could not be parsed")
	ErrUnknownKey       = errors.New("unknown signing key")
	ErrExpired          = errors.New("signed url has expired")
	ErrInvalidSignature = errors.New("signed url not valid")
)

// Claims is the decomposed query of a signed URL. It exists only transiently
// during verification.
type Claims struct {
	Path      string
	Expires   time.Time
	KeyName   string
	UserID    uuid.UUID
	Signature string
}

// Signer signs and verifies URLs. Secrets are decoded once at construction;
// signing the same inputs twice always yields the same output.
type Signer struct {
	keys map[string][]byte
	now  func() time.Time
}

// New builds a Signer from a map of key name to base64url-encoded secret.
func New(keys map[string]string) (*Signer, error) {
	if len(keys) == 0 {
		return nil, errors.New("at least one signing key is required")
	}
	decoded := make(map[string][]byte, len(keys))
	for name, b64 := range keys {
		key, err := base64.URLEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("decode signing key %q: %w", name, err)
		}
		if len(key) == 0 {
			return nil, fmt.Errorf("signing key %q is empty", name)
		}
		decoded[name] = key
	}
	return &Signer{keys: decoded, now: time.Now}, nil
}

// Sign appends the signed query to path. The path may already carry a query
// component; the claims are then appended with "&" instead of "?".
func (s *Signer) Sign(path, keyName string, userID uuid.UUID, expires time.Time) (string, error) {
	key, ok := s.keys[keyName]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKey, keyName)
	}

	path = strings.TrimSpace(path)
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}

	toSign := fmt.Sprintf("%s%sExpires=%d&KeyName=%s&UserId=%s",
		path, sep, expires.Unix(), keyName, userID)

	mac := hmac.New(sha1.New, key)
	mac.Write([]byte(toSign))
	signature := base64.URLEncoding.EncodeToString(mac.Sum(nil))

	return toSign + "&Signature=" + signature, nil
}

// Verify checks a signed URL (path plus query) and returns its claims. Any
// parse failure, unknown key, expired claim, or signature mismatch is an
// authentication failure, never a panic.
func (s *Signer) Verify(signedURL string) (*Claims, error) {
	path, query, found := strings.Cut(signedURL, "?")
	if !found || query == "" {
		return nil, ErrMalformedURL
	}

	claims, err := parseClaims(path, query)
	if err != nil {
		return nil, err
	}

	if s.now().After(claims.Expires) {
		return nil, ErrExpired
	}

	derived, err := s.Sign(claims.Path, claims.KeyName, claims.UserID, claims.Expires)
	if err != nil {
		return nil, err
	}
	_, derivedQuery, _ := strings.Cut(derived, "?")

	if !hmac.Equal([]byte(derivedQuery), []byte(query)) {
		return nil, ErrInvalidSignature
	}

	return claims, nil
}

func parseClaims(path, query string) (*Claims, error) {
	fields := map[string]string{}
	for _, param := range strings.Split(query, "&") {
		name, value, found := strings.Cut(param, "=")
		if !found {
			return nil, ErrMalformedURL
		}
		fields[name] = value
	}

	for _, required := range []string{"Expires", "KeyName", "UserId", "Signature"} {
		if fields[required] == "" {
			return nil, ErrMalformedURL
		}
	}

	epoch, err := strconv.ParseInt(fields["Expires"], 10, 64)
	if err != nil {
		return nil, ErrMalformedURL
	}
	userID, err := uuid.Parse(fields["UserId"])
	if err != nil {
		return nil, ErrMalformedURL
	}

	return &Claims{
		Path:      path,
		Expires:   time.Unix(epoch, 0),
		KeyName:   fields["KeyName"],
		UserID:    userID,
		Signature: fields["Signature"],
	}, nil
}
