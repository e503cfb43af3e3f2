// Package util provides logging, traffic counters and small helpers shared
// by the server and client.
package util

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"sync/atomic"
)

// MD5Hex returns the lowercase hex md5 digest of s. Credentials travel and
// are stored in this form.
func MD5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// IsMD5Hex reports whether s already looks like an md5 hex digest.
func IsMD5Hex(s string) bool {
	if len(s) != 32 {
		return false
	}
	return strings.Trim(strings.ToLower(s), "0123456789abcdef") == ""
}

// IDGen hands out monotonically increasing ids starting at 1. Zero is never
// returned and can mean "none".
type IDGen struct {
	val atomic.Uint32
}

// Next returns the next id.
func (g *IDGen) Next() uint32 {
	for {
		if id := g.val.Add(1); id != 0 {
			return id
		}
	}
}
