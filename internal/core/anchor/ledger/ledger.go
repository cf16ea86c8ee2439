// Package ledger keeps the append-only per-anchor version history. Entries
// are audit records: they are never mutated after being appended, and the
// ledger length for an id is what drives the next version number.
package ledger

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/anchorsync/anchorsync/internal/core/anchor"
)

// Entry is a single immutable history record for an anchor id.
type Entry struct {
	Version   int64
	Timestamp time.Time
	Snapshot  anchor.Anchor
	// Checksum is an xxhash of the snapshot's JSON form, kept so audits can
	// detect a snapshot that was tampered with after the fact.
	Checksum uint64
}

// Ledger is a keyed set of append-only version histories.
type Ledger struct {
	mu      sync.RWMutex
	entries map[string][]Entry
}

func New() *Ledger {
	return &Ledger{
		entries: make(map[string][]Entry),
	}
}

// NextVersion returns the version a fresh publish of id should get. Versions
// are gapless and strictly increasing: history length plus one.
func (l *Ledger) NextVersion(id string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int64(len(l.entries[id])) + 1
}

// Append records a snapshot for id and returns the appended entry.
func (l *Ledger) Append(id string, snapshot anchor.Anchor) Entry {
	entry := Entry{
		Version:   snapshot.Version,
		Timestamp: snapshot.SyncedAt,
		Snapshot:  snapshot.Clone(),
		Checksum:  checksum(snapshot),
	}

	l.mu.Lock()
	l.entries[id] = append(l.entries[id], entry)
	l.mu.Unlock()

	return entry
}

// History returns a copy of the history for id, oldest first.
func (l *Ledger) History(id string) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	history := l.entries[id]
	if len(history) == 0 {
		return nil
	}
	out := make([]Entry, len(history))
	copy(out, history)
	return out
}

// Len returns the number of entries recorded for id.
func (l *Ledger) Len(id string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries[id])
}

// Delete drops the entire history for id. Deleting an unknown id is a no-op.
func (l *Ledger) Delete(id string) {
	l.mu.Lock()
	delete(l.entries, id)
	l.mu.Unlock()
}

// Clear drops all histories.
func (l *Ledger) Clear() {
	l.mu.Lock()
	l.entries = make(map[string][]Entry)
	l.mu.Unlock()
}

func checksum(a anchor.Anchor) uint64 {
	data, err := json.Marshal(a)
	if err != nil {
		return 0
	}
	return xxhash.Sum64(data)
}
