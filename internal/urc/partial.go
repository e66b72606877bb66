package urc

import (
	"strings"
	"sync"
	"time"

	"i4.energy/across/at-gateway/internal/pdu"
)

const partialEntryTTL = time.Hour

type partialKey struct {
	sender    string
	reference uint16
}

type partialEntry struct {
	partsCount uint8
	parts      map[uint8]string
	lastSeen   time.Time
}

// PartialCache reassembles concatenated SMS segments keyed by sender
// and concatenation reference. Entries older than an hour are swept
// out lazily, on the next Add call, the same trade-off the original
// handler made rather than running a background janitor for a cache
// that is rarely large.
type PartialCache struct {
	mu      sync.Mutex
	entries map[partialKey]*partialEntry
	now     func() time.Time
}

// NewPartialCache returns an empty PartialCache.
func NewPartialCache() *PartialCache {
	return &PartialCache{
		entries: make(map[partialKey]*partialEntry),
		now:     time.Now,
	}
}

// Add records one segment of a concatenated SMS. It returns the fully
// reassembled content and true once every part from 1 through
// PartsCount has arrived; until then it returns ("", false). msg.Concat
// must be non-nil.
func (c *PartialCache) Add(msg pdu.Message) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, e := range c.entries {
		if now.Sub(e.lastSeen) >= partialEntryTTL {
			delete(c.entries, k)
		}
	}

	key := partialKey{sender: msg.Sender, reference: msg.Concat.Reference}
	entry, ok := c.entries[key]
	if !ok {
		entry = &partialEntry{partsCount: msg.Concat.PartsCount, parts: make(map[uint8]string)}
		c.entries[key] = entry
	}
	entry.lastSeen = now
	entry.parts[msg.Concat.PartNumber] = msg.Content

	if uint8(len(entry.parts)) < entry.partsCount {
		return "", false
	}

	var sb strings.Builder
	for i := uint8(1); i <= entry.partsCount; i++ {
		sb.WriteString(entry.parts[i])
	}
	delete(c.entries, key)
	return sb.String(), true
}
