package ids

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Generator allocates ULIDs that sort by creation time and stay strictly
// increasing for ids minted within the same millisecond.
type Generator struct {
	mu      sync.Mutex
	entropy io.Reader
	now     func() time.Time
}

// NewGenerator returns a generator reading time from now. A nil now uses
// time.Now.
func NewGenerator(now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	return &Generator{entropy: ulid.Monotonic(rand.Reader, 0), now: now}
}

// Next returns the next id as a 26-character string.
func (g *Generator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(g.now()), g.entropy).String()
}

var defaultGenerator = NewGenerator(nil)

// New returns an id from the process-wide generator. Envelope and
// conversation identifiers are allocated through it.
func New() string {
	return defaultGenerator.Next()
}

// Time extracts the creation timestamp embedded in id. The second return
// value is false when id is not a valid ULID.
func Time(id string) (time.Time, bool) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()), true
}
