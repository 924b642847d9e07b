package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/telestackhq/db/pkg/realtime"
)

// debounceWindow coalesces bursts of publications into one delivery.
const debounceWindow = 50 * time.Millisecond

// subscriptionHub multiplexes every subscription over one broker
// connection, dispatching decoded publications by channel.
type subscriptionHub struct {
	rdb *redis.Client

	mu       sync.Mutex
	pubsub   *redis.PubSub
	handlers map[string]map[int64]func(realtime.Publication)
	nextID   int64
	started  bool
	closed   bool
}

func newSubscriptionHub(rdb *redis.Client) *subscriptionHub {
	return &subscriptionHub{
		rdb:      rdb,
		handlers: make(map[string]map[int64]func(realtime.Publication)),
	}
}

// subscribe registers a handler for a channel and returns a cancel func.
// The underlying broker subscription is reference-counted per channel.
func (h *subscriptionHub) subscribe(ctx context.Context, channel string, fn func(realtime.Publication)) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrRealtimeDisabled
	}

	if h.pubsub == nil {
		h.pubsub = h.rdb.Subscribe(ctx)
	}
	if err := h.pubsub.Subscribe(ctx, channel); err != nil {
		return nil, err
	}
	if !h.started {
		h.started = true
		go h.receiveLoop()
	}

	h.nextID++
	id := h.nextID
	if h.handlers[channel] == nil {
		h.handlers[channel] = make(map[int64]func(realtime.Publication))
	}
	h.handlers[channel][id] = fn

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if m := h.handlers[channel]; m != nil {
			delete(m, id)
			if len(m) == 0 {
				delete(h.handlers, channel)
				if h.pubsub != nil {
					_ = h.pubsub.Unsubscribe(context.Background(), channel)
				}
			}
		}
	}
	return cancel, nil
}

// receiveLoop dispatches broker messages until the hub closes. go-redis
// reconnects the underlying pub/sub connection transparently, so
// subscriptions survive broker restarts; duplicate deliveries are filtered
// by version at the subscription layer.
func (h *subscriptionHub) receiveLoop() {
	ch := h.pubsub.Channel()
	for msg := range ch {
		var pub realtime.Publication
		if err := json.Unmarshal([]byte(msg.Payload), &pub); err != nil {
			continue
		}
		h.mu.Lock()
		targets := make([]func(realtime.Publication), 0, len(h.handlers[msg.Channel]))
		for _, fn := range h.handlers[msg.Channel] {
			targets = append(targets, fn)
		}
		h.mu.Unlock()
		for _, fn := range targets {
			fn(pub)
		}
	}
}

func (h *subscriptionHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	if h.pubsub != nil {
		_ = h.pubsub.Close()
	}
}

// Snapshots subscribes to live changes of the query's result set.
//
// The protocol: subscribe first, run the initial fetch, then reconcile each
// publication against the result set. Publications at or below the last
// seen version are duplicates and are dropped. Queries with order or limit
// re-fetch authoritatively instead of patching locally — limit boundaries
// cannot be maintained from deltas alone. Deliveries are debounced.
func (q *Query) Snapshots(ctx context.Context, fn func(*QuerySnapshot)) (func(), error) {
	if q.err != nil {
		return nil, q.err
	}
	if q.c.hub == nil {
		return nil, ErrRealtimeDisabled
	}

	// Token fetch is best-effort here: brokers that enforce subscription
	// auth take it out-of-band, and a dead server should not prevent
	// attaching to the broker for later deltas.
	_, _ = q.c.BrokerToken(ctx)

	sub := &querySubscription{
		q:       q,
		fn:      fn,
		ctx:     ctx,
		results: make(map[string]*Snapshot),
	}

	cancelSub, err := q.c.hub.subscribe(ctx, realtime.CollectionChannel(q.collectionPath), sub.onPublication)
	if err != nil {
		return nil, err
	}
	sub.cancelBroker = cancelSub

	if snap, err := q.Get(ctx); err == nil {
		sub.mu.Lock()
		for _, doc := range snap.Docs {
			sub.results[doc.Path] = doc
			if doc.Version > sub.lastVersion {
				sub.lastVersion = doc.Version
			}
		}
		sub.mu.Unlock()
		fn(snap)
	}

	return sub.dispose, nil
}

// querySubscription is the per-subscription state machine: result set,
// version gate, and debounce timer.
type querySubscription struct {
	q   *Query
	fn  func(*QuerySnapshot)
	ctx context.Context

	mu           sync.Mutex
	results      map[string]*Snapshot
	lastVersion  int64
	timer        *time.Timer
	needsRefetch bool
	disposed     bool
	cancelBroker func()
}

func (s *querySubscription) onPublication(pub realtime.Publication) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	// Version gate: at-least-once delivery means duplicates arrive.
	if pub.Version <= s.lastVersion {
		return
	}
	s.lastVersion = pub.Version

	if s.q.orderBy != "" || s.q.limit > 0 {
		// Order/limit queries re-fetch authoritatively.
		s.needsRefetch = true
		s.scheduleLocked()
		return
	}

	switch pub.Type {
	case realtime.PubDeleted:
		delete(s.results, pub.Path)
	default:
		if s.q.matches(pub.Data) {
			s.results[pub.Path] = &Snapshot{
				ID:      pub.ID,
				Path:    pub.Path,
				Data:    pub.Data,
				Version: pub.Version,
			}
		} else {
			delete(s.results, pub.Path)
		}
	}
	s.scheduleLocked()
}

// scheduleLocked arms (or re-arms) the debounce timer. Callers hold s.mu.
func (s *querySubscription) scheduleLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(debounceWindow, s.deliver)
}

func (s *querySubscription) deliver() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	refetch := s.needsRefetch
	s.needsRefetch = false
	var snap *QuerySnapshot
	if !refetch {
		snap = &QuerySnapshot{Docs: make([]*Snapshot, 0, len(s.results))}
		for _, doc := range s.results {
			snap.Docs = append(snap.Docs, doc)
		}
		sortSnapshotsByPath(snap.Docs)
	}
	s.mu.Unlock()

	if refetch {
		fresh, err := s.q.Get(s.ctx)
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.disposed {
			s.mu.Unlock()
			return
		}
		s.results = make(map[string]*Snapshot, len(fresh.Docs))
		for _, doc := range fresh.Docs {
			s.results[doc.Path] = doc
			if doc.Version > s.lastVersion {
				s.lastVersion = doc.Version
			}
		}
		s.mu.Unlock()
		s.fn(fresh)
		return
	}
	s.fn(snap)
}

func (s *querySubscription) dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	cancel := s.cancelBroker
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Snapshots subscribes to live changes of a single document. Non-delete
// publications trigger an authoritative re-fetch; a delete delivers nil.
func (r *DocumentRef) Snapshots(ctx context.Context, fn func(*Snapshot)) (func(), error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.c.hub == nil {
		return nil, ErrRealtimeDisabled
	}

	_, _ = r.c.BrokerToken(ctx)

	var (
		mu          sync.Mutex
		lastVersion int64
		disposed    bool
	)

	handler := func(pub realtime.Publication) {
		mu.Lock()
		if disposed || pub.Version <= lastVersion {
			mu.Unlock()
			return
		}
		lastVersion = pub.Version
		mu.Unlock()

		if pub.Type == realtime.PubDeleted {
			if r.c.cache != nil {
				_ = r.c.cache.deleteDocument(r.path)
			}
			fn(nil)
			return
		}
		snap, err := r.Get(ctx)
		if err != nil {
			return
		}
		fn(snap)
	}

	cancelSub, err := r.c.hub.subscribe(ctx, realtime.DocumentChannel(r.path), handler)
	if err != nil {
		return nil, err
	}

	if snap, err := r.Get(ctx); err == nil {
		mu.Lock()
		lastVersion = snap.Version
		mu.Unlock()
		fn(snap)
	}

	return func() {
		mu.Lock()
		disposed = true
		mu.Unlock()
		cancelSub()
	}, nil
}
