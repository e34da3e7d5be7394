// Package ids generates the random hex identifiers used across the control
// plane (program ids, wake ids, outbox ids).
package ids

import (
	"crypto/rand"
	"encoding/hex"
)

// Hex returns n random hex characters (n must be even).
func Hex(n int) string {
	buf := make([]byte, n/2)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms.
		panic("ids: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

// WithPrefix returns "<prefix>-<12 hex>", the stable identity form for
// programs ("hb-…", "cron-…") and outbox envelopes ("ob-…").
func WithPrefix(prefix string) string {
	return prefix + "-" + Hex(12)
}
