// Package store holds the current anchor records for one client and owns the
// version ledger behind them. Commits are optimistic: a publish succeeds
// locally before any network acknowledgment and is never rolled back by a
// failed send. It may only be superseded later, when a remote conflict
// resolves away from it.
package store

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/anchorsync/anchorsync/internal/core/anchor"
	"github.com/anchorsync/anchorsync/internal/core/anchor/ledger"
	"github.com/anchorsync/anchorsync/internal/core/anchor/resolver"
	"github.com/anchorsync/anchorsync/internal/core/observability/log"
)

// PublishResult reports the committed version and how long the local commit
// took.
type PublishResult struct {
	Version  int64
	SyncTime time.Duration
}

// Metrics exposes store counters. Conflicts are routine events, reported
// here and never through errors.
type Metrics struct {
	Published         uint64
	Ingested          uint64
	Deleted           uint64
	ConflictsResolved uint64
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source. Timestamps stay injectable so conflict
// scenarios can be replayed exactly in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithSyncProbe installs a callback the store consults on publish to decide
// whether the record should be marked unsynced. A nil probe means records are
// assumed synced.
func WithSyncProbe(probe func() bool) Option {
	return func(s *Store) { s.syncProbe = probe }
}

// WithPolicy sets the conflict-resolution policy for ingested records.
func WithPolicy(policy resolver.Policy) Option {
	return func(s *Store) { s.policy = policy }
}

// Store is a keyed map from anchor id to current record plus the ledger.
// At most one current record exists per id, and it is always the highest
// version this client has produced or accepted.
type Store struct {
	mu      sync.RWMutex
	records map[string]anchor.Anchor
	ledger  *ledger.Ledger

	localID   string
	policy    resolver.Policy
	now       func() time.Time
	syncProbe func() bool
	logger    log.Log

	published         uint64
	ingested          uint64
	deleted           uint64
	conflictsResolved uint64
}

func New(localID string, logger log.Log, opts ...Option) *Store {
	s := &Store{
		records: make(map[string]anchor.Anchor),
		ledger:  ledger.New(),
		localID: localID,
		policy:  resolver.LastWriteWins,
		now:     time.Now,
		logger:  logger.With(log.String("component", "anchor_store")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Publish validates and commits an anchor locally, appending a ledger entry.
// It returns immediately; network delivery is the transport's problem.
func (s *Store) Publish(a anchor.Anchor) (PublishResult, error) {
	start := s.now()

	if err := a.Validate(); err != nil {
		return PublishResult{}, err
	}

	s.mu.Lock()
	a.Version = s.ledger.NextVersion(a.ID)
	a.SyncedAt = s.now()
	if a.CreatorID == "" {
		a.CreatorID = s.localID
	}
	if s.syncProbe != nil {
		a.Unsynced = !s.syncProbe()
	}
	s.records[a.ID] = a.Clone()
	s.ledger.Append(a.ID, a)
	s.mu.Unlock()

	atomic.AddUint64(&s.published, 1)

	s.logger.Debug("Anchor committed",
		log.String("anchor_id", a.ID),
		log.Int64("version", a.Version),
		log.Bool("unsynced", a.Unsynced))

	return PublishResult{
		Version:  a.Version,
		SyncTime: s.now().Sub(start),
	}, nil
}

// IngestRemote applies a record that arrived from another client. Direct
// overwrite of an existing record is forbidden: when versions differ the
// resolver picks the winner, and the resolution is counted whether or not
// the winner changed.
func (s *Store) IngestRemote(candidate anchor.Anchor) {
	atomic.AddUint64(&s.ingested, 1)

	s.mu.Lock()
	existing, ok := s.records[candidate.ID]
	if !ok {
		s.records[candidate.ID] = candidate.Clone()
		s.mu.Unlock()
		s.logger.Debug("Remote anchor installed",
			log.String("anchor_id", candidate.ID),
			log.Int64("version", candidate.Version))
		return
	}

	if existing.Version == candidate.Version && existing.SyncedAt.Equal(candidate.SyncedAt) {
		// Identical re-delivery; idempotent.
		s.mu.Unlock()
		return
	}

	winner := resolver.Resolve(existing, candidate, s.policy, s.localID)
	s.records[candidate.ID] = winner.Clone()
	s.mu.Unlock()

	atomic.AddUint64(&s.conflictsResolved, 1)

	s.logger.Debug("Conflict resolved",
		log.String("anchor_id", candidate.ID),
		log.Int64("local_version", existing.Version),
		log.Int64("remote_version", candidate.Version),
		log.Bool("remote_won", winner.CreatorID == candidate.CreatorID && winner.Version == candidate.Version))
}

// Delete removes the id from the record map and the ledger. Deleting an
// unknown id is a successful no-op.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	_, existed := s.records[id]
	delete(s.records, id)
	s.ledger.Delete(id)
	s.mu.Unlock()

	if existed {
		atomic.AddUint64(&s.deleted, 1)
		s.logger.Debug("Anchor deleted", log.String("anchor_id", id))
	}
}

// Get returns the current record for id.
func (s *Store) Get(id string) (anchor.Anchor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.records[id]
	if !ok {
		return anchor.Anchor{}, false
	}
	return a.Clone(), true
}

// ListByRegion returns all current records whose region matches.
func (s *Store) ListByRegion(region string) []anchor.Anchor {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []anchor.Anchor
	for _, a := range s.records {
		if a.Region == region {
			out = append(out, a.Clone())
		}
	}
	return out
}

// History returns the ledger entries for id, oldest first.
func (s *Store) History(id string) []ledger.Entry {
	return s.ledger.History(id)
}

// Metrics returns a snapshot of the store counters.
func (s *Store) Metrics() Metrics {
	return Metrics{
		Published:         atomic.LoadUint64(&s.published),
		Ingested:          atomic.LoadUint64(&s.ingested),
		Deleted:           atomic.LoadUint64(&s.deleted),
		ConflictsResolved: atomic.LoadUint64(&s.conflictsResolved),
	}
}

// Dispose clears all records and the ledger. The store owns no timers, so
// this is purely a map teardown.
func (s *Store) Dispose() {
	s.mu.Lock()
	s.records = make(map[string]anchor.Anchor)
	s.ledger.Clear()
	s.mu.Unlock()
}
