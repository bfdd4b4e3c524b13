// Package utils holds small helpers shared across domains.
package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// SHA256Hex returns the hex digest of data. Scan rejections log it so
// operators can identify a blocked payload without the daemon ever
// echoing content.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
