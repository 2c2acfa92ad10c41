package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewBatch returns n identifiers drawn from the same monotonic entropy source,
// so the batch sorts in generation order. History and log rows written by a
// single mutation use this to stay clustered and ordered in the index.
func NewBatch(n int) []string {
	if n <= 0 {
		return nil
	}
	entropyMu.Lock()
	defer entropyMu.Unlock()
	ts := ulid.Timestamp(time.Now())
	out := make([]string, n)
	for i := range out {
		out[i] = ulid.MustNew(ts, entropy).String()
	}
	return out
}
