// Package xid generates prefixed entity IDs.
package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

const randBytes = 8

// New returns an ID of the form "<prefix>-<unixnano>-<randomhex>". The
// timestamp keeps IDs roughly ordered; the random suffix avoids collisions
// within the same nanosecond.
func New(prefix string) string {
	buf := make([]byte, randBytes)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}
