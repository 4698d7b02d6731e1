// Package idgen provides cryptographically random record IDs.
//
// IDs carry a short type prefix ("pass_", "risk_", "inc_") so a bare ID
// in a log line or API response identifies its table at a glance.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// WithPrefix returns prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}
