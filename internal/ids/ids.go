// Package ids mints the lexicographically sortable identifiers used for
// token ids, session ids and token family ids.
package ids

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

// New returns a new ULID string
func New() string {
	return NewAt(time.Now())
}

// NewAt returns a new ULID string stamped with t
func NewAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Valid reports whether s parses as a ULID
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
