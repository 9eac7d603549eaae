package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// entropy is shared and mutex-guarded so concurrent NewDocKey calls still
// get ulid.Monotonic's strictly-increasing guarantee within the same
// millisecond instead of racing on independent entropy sources.
var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewDocKey returns a fresh time-sortable document _key. Document keys
// must preserve lexicographic order with insertion time (spec §4.1:
// "doc:<collection_id>:<_key> as a byte string that preserves
// lexicographic order of _key where _key is a time-sortable id"); ULID's
// 48-bit timestamp prefix plus monotonic per-millisecond entropy gives
// exactly that.
func NewDocKey() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
