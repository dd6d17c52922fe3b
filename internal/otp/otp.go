// Package otp holds the code and token primitives: generation, hashing and
// the email helpers used around issuance.
package otp

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
	"net/mail"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/astrosense/authd/internal/auth"
)

// CodeLength is fixed: codes are always six digits, leading zeros preserved.
const CodeLength = 6

var codeSpace = big.NewInt(1_000_000)

// GenerateCode returns a uniformly random 6-digit code from a
// cryptographically secure source.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// HashCode computes the salted bcrypt hash persisted in place of the code.
func HashCode(code string, cost int) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(code), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash code: %w", err)
	}
	return string(h), nil
}

// CompareCode checks a submitted code against a stored hash. bcrypt's
// comparison is constant-time with respect to the code.
func CompareCode(hash, code string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) == nil
}

// ValidCodeFormat reports whether the submitted string has the shape of a
// code: exactly six ASCII digits.
func ValidCodeFormat(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for _, ch := range code {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return true
}

// NormalizeEmail lowercases and trims the address and checks it parses as a
// bare mailbox address.
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", auth.ErrInvalidEmail
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", auth.ErrInvalidEmail
	}
	if !strings.Contains(email, "@") {
		return "", auth.ErrInvalidEmail
	}
	return email, nil
}

// MaskEmail renders the address for display after issuance: up to the first
// three characters of the local part, then "***@" and the domain.
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "***"
	}
	local, domain := email[:at], email[at+1:]
	if len(local) > 3 {
		local = local[:3]
	}
	return local + "***@" + domain
}

// NewToken mints an opaque session token: 32 random bytes (256 bits),
// base64url encoded.
func NewToken() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}

// HashToken is the at-rest form of a session token. Lookups go through the
// hash so a leaked store never yields usable credentials.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
