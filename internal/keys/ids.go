package keys

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ID generation: ULIDs are lexicographically sortable, so thread and
// task listings ordered by id are ordered by creation time. The shared
// monotonic reader guarantees strict ordering within one process even
// when ids are minted in the same millisecond.
var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a new ULID string (lowercase is avoided; ULID is
// Crockford base32 uppercase).
func NewID() string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), idEntropy).String()
}

// IDTime extracts the embedded timestamp from a ULID, or the zero time
// when the id does not parse.
func IDTime(id string) time.Time {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(int64(parsed.Time()))
}
