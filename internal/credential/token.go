// Package credential issues and redeems single-use voting credentials.
//
// Only the SHA-256 hash of a token is ever stored. Members are tracked by an
// HMAC reference so the issuance ledger cannot be joined to a registry export
// without the pepper, and it holds no link to the credential hash.
package credential

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// TokenBytes is the entropy of a credential token.
const TokenBytes = 32

// NewToken returns a fresh base64url token carrying TokenBytes of randomness.
func NewToken() (string, error) {
	buf := make([]byte, TokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken is the one-way digest stored in place of the token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:])
}

// MemberRef derives the pseudonymous issuance key for a registry member id.
func MemberRef(pepper []byte, memberID string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(strings.TrimSpace(memberID)))
	return hex.EncodeToString(mac.Sum(nil))
}
