// Package tunnel supervises the reverse-tunnel binary that exposes the
// service to the public internet, gated behind a password + session
// scheme. It is a second process-supervision state machine, independent
// of the agent supervisor.
package tunnel

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	hashScheme       = "scrypt"
	saltLength       = 16
	derivedKeyLength = 32

	// scrypt cost parameters.
	scryptN = 16384
	scryptR = 8
	scryptP = 1
)

// HashPassword derives a storable digest: "scrypt$<salt>$<digest>",
// both parts base64url without padding.
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	encodedSalt := base64.RawURLEncoding.EncodeToString(salt)

	digest, err := scrypt.Key([]byte(password), []byte(encodedSalt), scryptN, scryptR, scryptP, derivedKeyLength)
	if err != nil {
		return "", fmt.Errorf("derive key: %w", err)
	}
	return hashScheme + "$" + encodedSalt + "$" + base64.RawURLEncoding.EncodeToString(digest), nil
}

// VerifyPassword checks password against a HashPassword digest in
// constant time. Malformed digests verify as false, never as an error.
func VerifyPassword(password, hash string) bool {
	parts := strings.Split(hash, "$")
	if len(parts) != 3 || parts[0] != hashScheme || parts[1] == "" || parts[2] == "" {
		return false
	}

	expected, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || len(expected) == 0 {
		return false
	}
	actual, err := scrypt.Key([]byte(password), []byte(parts[1]), scryptN, scryptR, scryptP, len(expected))
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(actual, expected) == 1
}

// NewSessionID returns 32 random bytes, base64url without padding.
func NewSessionID() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// SanitizeNextPath restricts a post-login redirect target to a
// same-origin absolute path. Anything else, including protocol-relative
// "//host" forms, collapses to "/".
func SanitizeNextPath(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") {
		return "/"
	}

	parsed, err := url.Parse(next)
	if err != nil || parsed.IsAbs() || parsed.Host != "" {
		return "/"
	}

	out := parsed.EscapedPath()
	if !strings.HasPrefix(out, "/") {
		return "/"
	}
	if parsed.RawQuery != "" {
		out += "?" + parsed.RawQuery
	}
	if parsed.Fragment != "" {
		out += "#" + parsed.Fragment
	}
	return out
}
