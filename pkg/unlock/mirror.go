package unlock

import (
	"sync"
	"time"
)

// Mirror is a best-effort, non-authoritative local cache of entitlement
// state, used only to skip redundant round trips. It owns no data: it is
// written only from successful resolutions, an expired entry is discarded
// unconditionally on read, and it is never consulted for a charging
// decision.
type Mirror interface {
	// Get returns the cached entitlement for (userID, component) if it is
	// still inside its validity window.
	Get(userID, component string) (*Entitlement, bool)

	// Put caches an entitlement. Entries that are not live are ignored.
	Put(ent *Entitlement)

	// Forget drops the entry for (userID, component).
	Forget(userID, component string)

	// Clear drops all entries.
	Clear()
}

// NoopMirror disables mirroring.
type NoopMirror struct{}

func (m *NoopMirror) Get(_, _ string) (*Entitlement, bool) { return nil, false }
func (m *NoopMirror) Put(_ *Entitlement)                   {}
func (m *NoopMirror) Forget(_, _ string)                   {}
func (m *NoopMirror) Clear()                               {}

type mirrorEntry struct {
	ent        Entitlement
	accessTime time.Time
	sequence   int64
}

// MemoryMirror implements Mirror with an in-process map and LRU eviction.
// It is per-caller local state with no cross-process sharing.
type MemoryMirror struct {
	mu         sync.Mutex
	entries    map[string]*mirrorEntry
	maxEntries int
	sequence   int64
}

// NewMemoryMirror creates a mirror holding at most maxEntries entitlements
// (default: 1000).
func NewMemoryMirror(maxEntries int) *MemoryMirror {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &MemoryMirror{
		entries:    make(map[string]*mirrorEntry, maxEntries),
		maxEntries: maxEntries,
	}
}

func (m *MemoryMirror) Get(userID, component string) (*Entitlement, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := mirrorKey(userID, component)
	entry, ok := m.entries[key]
	if !ok {
		return nil, false
	}

	// The mirror never extends or guesses validity.
	if !entry.ent.Live(time.Now().UTC()) {
		delete(m.entries, key)
		return nil, false
	}

	entry.accessTime = time.Now()
	ent := entry.ent
	return &ent, true
}

func (m *MemoryMirror) Put(ent *Entitlement) {
	if ent == nil || !ent.Live(time.Now().UTC()) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := mirrorKey(ent.UserID, ent.Component)
	if _, exists := m.entries[key]; !exists && len(m.entries) >= m.maxEntries {
		m.evictOldest()
	}

	seq := m.sequence
	m.sequence++
	m.entries[key] = &mirrorEntry{
		ent:        *ent,
		accessTime: time.Now(),
		sequence:   seq,
	}
}

func (m *MemoryMirror) Forget(userID, component string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, mirrorKey(userID, component))
}

func (m *MemoryMirror) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*mirrorEntry, m.maxEntries)
}

// evictOldest removes the least recently used entry. Caller holds the lock.
func (m *MemoryMirror) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	var oldestSeq int64
	first := true
	for key, entry := range m.entries {
		if first || entry.accessTime.Before(oldestTime) ||
			(entry.accessTime.Equal(oldestTime) && entry.sequence < oldestSeq) {
			oldestKey = key
			oldestTime = entry.accessTime
			oldestSeq = entry.sequence
			first = false
		}
	}
	if oldestKey != "" {
		delete(m.entries, oldestKey)
	}
}

func mirrorKey(userID, component string) string {
	return userID + "\x00" + component
}
