// Package ulid generates ULIDs (Universally Unique Lexicographically
// Sortable Identifiers) for all persistent entities. A ULID encodes a 48-bit
// millisecond timestamp followed by 80 bits of randomness, so IDs sort
// lexicographically by creation time. The repository layer relies on this:
// ordering by primary key is ordering by submission time, with no separate
// created_at sort.
package ulid

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a new ULID string for the current time.
// Safe for concurrent use.
func New() string {
	return NewFromTime(time.Now())
}

// NewFromTime returns a new ULID string with the timestamp component taken
// from t. Used by tests that need IDs ordered around a fixed clock.
func NewFromTime(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// IsValid reports whether s parses as a ULID.
func IsValid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}

// Time extracts the embedded timestamp from a ULID string. Returns the zero
// time if s is not a valid ULID.
func Time(s string) time.Time {
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(int64(id.Time())).UTC()
}
