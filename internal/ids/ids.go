// Package ids generates server-assigned message identifiers.
//
// Identifiers are ULIDs in their 16-byte binary form: a 48-bit millisecond
// timestamp followed by 80 bits of monotonic entropy. They sort in creation
// order and stay unique across process restarts without any persisted state.
package ids

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/sneh-joshi/spoolmq/internal/types"
)

// monoEntropy is shared by every New call so that ids generated within the
// same millisecond are still strictly increasing.
var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// Generate creates a fresh time-ordered id.
func Generate() (types.ID, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), monoEntropy)
	if err != nil {
		return types.ID{}, fmt.Errorf("ids: generate: %w", err)
	}
	return types.ID(id), nil
}

// New is like Generate but panics on error. Entropy exhaustion within a single
// millisecond is the only failure mode, which crypto/rand makes practically
// unreachable.
func New() types.ID {
	id, err := Generate()
	if err != nil {
		panic(err)
	}
	return id
}

// Time returns the millisecond timestamp embedded in a server-generated id.
// The result is meaningless for producer-supplied ids.
func Time(id types.ID) time.Time {
	return ulid.Time(ulid.ULID(id).Time())
}

// Format renders id in the 26-character ULID text form, used in log lines.
func Format(id types.ID) string {
	return ulid.ULID(id).String()
}
