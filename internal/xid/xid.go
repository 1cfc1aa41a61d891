package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// New returns a human-readable reference such as SALE-1718000000000-9f2c01ab.
func New(prefix string, at time.Time) string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%d", prefix, at.UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, at.UnixMilli(), hex.EncodeToString(buf))
}

// UID returns a time-ordered globally unique id (UUIDv7). Entity uids and
// client mutation ids are both minted here.
func UID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func Valid(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
