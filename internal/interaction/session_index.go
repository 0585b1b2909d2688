package interaction

import (
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// sessionEntry is the per-session reverse index: owner, activity clock and
// the set of pending interaction ids. Only ever touched under the store
// mutex.
type sessionEntry struct {
	sessionID    string
	owner        string
	lastActivity time.Time
	ids          map[uuid.UUID]struct{}
}

// sessionIndex maps sessionID to its entry with bounded capacity. Overflow
// disposes the least recently used session; the dispose surfaces through
// takeOverflow so the store can terminate the disposed session's pending
// interactions. Unbounded session accumulation under connection churn is a
// leak, hence the hard cap.
type sessionIndex struct {
	cache    *lru.Cache[string, *sessionEntry]
	ttl      time.Duration
	overflow []*sessionEntry
	suppress bool
}

func newSessionIndex(maxSessions int, ttl time.Duration) *sessionIndex {
	idx := &sessionIndex{ttl: ttl}
	// Errors only on non-positive size, which Config.Validate rules out.
	cache, err := lru.NewWithEvict[string, *sessionEntry](maxSessions, func(_ string, e *sessionEntry) {
		if !idx.suppress {
			idx.overflow = append(idx.overflow, e)
		}
	})
	if err != nil {
		panic(err)
	}
	idx.cache = cache
	return idx
}

// touch returns the session entry, creating it when absent, and refreshes
// its activity clock. Returns nil when owner does not match the session's
// recorded owner: session-to-user is immutable for a session's lifetime.
func (idx *sessionIndex) touch(sessionID, owner string, now time.Time) *sessionEntry {
	if e, ok := idx.cache.Get(sessionID); ok {
		if e.owner != owner {
			return nil
		}
		e.lastActivity = now
		return e
	}
	e := &sessionEntry{
		sessionID:    sessionID,
		owner:        owner,
		lastActivity: now,
		ids:          make(map[uuid.UUID]struct{}),
	}
	idx.cache.Add(sessionID, e)
	return e
}

// get fetches without creating. Refreshes LRU recency, not the TTL clock.
func (idx *sessionIndex) get(sessionID string) (*sessionEntry, bool) {
	return idx.cache.Get(sessionID)
}

// ownerOf reports the recorded owner without disturbing recency.
func (idx *sessionIndex) ownerOf(sessionID string) (string, bool) {
	e, ok := idx.cache.Peek(sessionID)
	if !ok {
		return "", false
	}
	return e.owner, true
}

// drop removes a session entry without routing it through the overflow
// list; the caller is already terminating its interactions.
func (idx *sessionIndex) drop(sessionID string) {
	idx.suppress = true
	idx.cache.Remove(sessionID)
	idx.suppress = false
}

// takeOverflow returns and clears the sessions disposed by capacity
// overflow since the last call.
func (idx *sessionIndex) takeOverflow() []*sessionEntry {
	out := idx.overflow
	idx.overflow = nil
	return out
}

// expired returns the ids of sessions whose TTL elapsed at now.
func (idx *sessionIndex) expired(now time.Time) []string {
	var out []string
	for _, key := range idx.cache.Keys() {
		if e, ok := idx.cache.Peek(key); ok && now.Sub(e.lastActivity) > idx.ttl {
			out = append(out, key)
		}
	}
	return out
}

func (idx *sessionIndex) len() int {
	return idx.cache.Len()
}
