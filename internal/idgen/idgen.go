// Package idgen mints the ULIDs used as call_id and webhook delivery ids
// throughout the system, grounded in agentplexus-agentcall's use of
// github.com/oklog/ulid/v2 for identifier generation.
package idgen

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// New mints a new lower-cased ULID string, monotonic within a single
// process so call_ids sort in creation order.
func New() string {
	mu.Lock()
	defer mu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return strings.ToLower(id.String())
}

// NewPrefixed mints an id with a human-readable prefix, e.g. "call_" or
// "whd_", for easier log scanning.
func NewPrefixed(prefix string) string {
	return prefix + New()
}
