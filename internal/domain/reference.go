package domain

import (
	"crypto/sha256"
	"strings"

	"github.com/mr-tron/base58"
)

// DeriveReferenceKey computes the reference key for a (paymentId, userId) pair.
// The digest is 32 bytes, so the base58 form is also a valid ledger public key
// and can ride on the transfer as a read-only reference account.
func DeriveReferenceKey(paymentID, userID string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(paymentID) + ":" + strings.TrimSpace(userID)))
	return base58.Encode(sum[:])
}

// IsDerivedReferenceKey reports whether key decodes to a 32-byte value.
func IsDerivedReferenceKey(key string) bool {
	raw, err := base58.Decode(key)
	return err == nil && len(raw) == sha256.Size
}
