package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

func New(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}

// NewDated builds a human-scannable reference like "DLV-20260830-a1b2c3d4",
// used for delivery receipt numbers and generated batch numbers.
func NewDated(prefix string, on time.Time) string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%s-%d", prefix, on.UTC().Format("20060102"), time.Now().UnixNano()%1_000_000)
	}
	return fmt.Sprintf("%s-%s-%s", prefix, on.UTC().Format("20060102"), hex.EncodeToString(buf))
}
