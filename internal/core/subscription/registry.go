// Package subscription keeps the region-scoped callback registry and the
// shared poll timer. Subscriptions are independent of connection state and
// survive reconnects; the poll timer exists only while at least one
// subscription does.
package subscription

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/anchorsync/anchorsync/internal/core/anchor"
	"github.com/anchorsync/anchorsync/internal/core/observability/log"
)

// Callback receives anchors whose region matches the subscription's region.
type Callback func(anchor.Anchor)

// Poller issues one poll for a region. lastUpdate is the newest anchor
// timestamp this registry has delivered for that region.
type Poller interface {
	Poll(region string, lastUpdate time.Time) error
}

// PollerFunc adapts a function to the Poller interface.
type PollerFunc func(region string, lastUpdate time.Time) error

func (f PollerFunc) Poll(region string, lastUpdate time.Time) error {
	return f(region, lastUpdate)
}

type subscription struct {
	id       string
	region   string
	callback Callback
}

// Registry is the subscription registry plus the poll scheduler.
type Registry struct {
	mu       sync.Mutex
	subs     map[string]subscription
	lastSeen map[string]time.Time

	interval time.Duration
	poller   Poller
	ticker   *time.Ticker
	stop     chan struct{}
	disposed bool

	// inflight collapses a tick that lands while a region's previous poll is
	// still running into that poll, so polls for one region never overlap.
	inflight singleflight.Group

	logger log.Log
}

func New(interval time.Duration, poller Poller, logger log.Log) *Registry {
	return &Registry{
		subs:     make(map[string]subscription),
		lastSeen: make(map[string]time.Time),
		interval: interval,
		poller:   poller,
		logger:   logger.With(log.String("component", "subscriptions")),
	}
}

// Subscribe registers a callback for a region and returns its unsubscribe
// function. The shared poll timer starts with the first subscription and
// stops with the last.
func (r *Registry) Subscribe(region string, callback Callback) func() {
	id := uuid.NewString()

	r.mu.Lock()
	r.subs[id] = subscription{id: id, region: region, callback: callback}
	if r.ticker == nil && !r.disposed {
		r.startTimerLocked()
	}
	r.mu.Unlock()

	r.logger.Debug("Subscription added",
		log.String("subscription_id", id),
		log.String("region", region))

	return func() { r.unsubscribe(id) }
}

func (r *Registry) unsubscribe(id string) {
	r.mu.Lock()
	sub, ok := r.subs[id]
	if ok {
		delete(r.subs, id)
		if len(r.subs) == 0 {
			r.stopTimerLocked()
		}
	}
	r.mu.Unlock()

	if ok {
		r.logger.Debug("Subscription removed",
			log.String("subscription_id", id),
			log.String("region", sub.region))
	}
}

// Deliver invokes region-matching callbacks for an anchor. Mismatched
// subscribers never see it; the anchor is dropped for them, not queued.
func (r *Registry) Deliver(a anchor.Anchor) {
	r.mu.Lock()
	var matched []Callback
	for _, sub := range r.subs {
		if sub.region == a.Region {
			matched = append(matched, sub.callback)
		}
	}
	if seen := r.lastSeen[a.Region]; a.SyncedAt.After(seen) {
		r.lastSeen[a.Region] = a.SyncedAt
	}
	r.mu.Unlock()

	for _, cb := range matched {
		cb(a)
	}
}

// Regions returns the distinct regions with at least one subscription.
func (r *Registry) Regions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.regionsLocked()
}

func (r *Registry) regionsLocked() []string {
	seen := make(map[string]struct{}, len(r.subs))
	var regions []string
	for _, sub := range r.subs {
		if _, ok := seen[sub.region]; !ok {
			seen[sub.region] = struct{}{}
			regions = append(regions, sub.region)
		}
	}
	return regions
}

func (r *Registry) startTimerLocked() {
	r.ticker = time.NewTicker(r.interval)
	r.stop = make(chan struct{})
	go r.pollLoop(r.ticker, r.stop)
	r.logger.Debug("Poll timer started", log.Duration("interval", r.interval))
}

func (r *Registry) stopTimerLocked() {
	if r.ticker == nil {
		return
	}
	r.ticker.Stop()
	close(r.stop)
	r.ticker = nil
	r.stop = nil
	r.logger.Debug("Poll timer stopped")
}

func (r *Registry) pollLoop(ticker *time.Ticker, stop chan struct{}) {
	for {
		select {
		case <-ticker.C:
			r.pollOnce()
		case <-stop:
			return
		}
	}
}

func (r *Registry) pollOnce() {
	r.mu.Lock()
	regions := r.regionsLocked()
	lastSeen := make(map[string]time.Time, len(regions))
	for _, region := range regions {
		lastSeen[region] = r.lastSeen[region]
	}
	r.mu.Unlock()

	for _, region := range regions {
		region := region
		go func() {
			_, _, shared := r.inflight.Do(region, func() (any, error) {
				return nil, r.poller.Poll(region, lastSeen[region])
			})
			if shared {
				r.logger.Debug("Poll skipped, previous still in flight",
					log.String("region", region))
			}
		}()
	}
}

// Dispose stops the timer and clears all subscriptions. No poll fires after
// disposal.
func (r *Registry) Dispose() {
	r.mu.Lock()
	r.disposed = true
	r.subs = make(map[string]subscription)
	r.stopTimerLocked()
	r.mu.Unlock()
}
