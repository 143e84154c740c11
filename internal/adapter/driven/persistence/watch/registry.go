// Package watch fans store changes out to subscribers. Every subscription
// gets its own delivery goroutine so a slow callback never holds up a
// writer or another subscriber.
package watch

import (
	"sync"

	"github.com/Wyydra/trickle/internal/core/domain"
	"github.com/Wyydra/trickle/internal/mailbox"
)

type feedKey struct {
	id   domain.CallID
	feed domain.FeedName
}

type Registry struct {
	mu      sync.Mutex
	next    uint64
	records map[domain.CallID]map[uint64]*mailbox.Worker[domain.CallRecord]
	feeds   map[feedKey]map[uint64]*mailbox.Worker[domain.FeedChange]
	closed  bool
}

func NewRegistry() *Registry {
	return &Registry{
		records: make(map[domain.CallID]map[uint64]*mailbox.Worker[domain.CallRecord]),
		feeds:   make(map[feedKey]map[uint64]*mailbox.Worker[domain.FeedChange]),
	}
}

// Subscription removes one watcher. Cancel waits for an in-flight callback.
type Subscription struct {
	once   sync.Once
	cancel func()
}

func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// WatchRecord registers fn for record id and queues snapshot first when
// non-nil. Callers hold their own write lock so no publish slips in between.
func (r *Registry) WatchRecord(id domain.CallID, snapshot *domain.CallRecord, fn func(domain.CallRecord)) *Subscription {
	w := mailbox.Go(fn)
	if snapshot != nil {
		w.Post(snapshot.Clone())
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		w.Stop()
		return &Subscription{cancel: func() {}}
	}
	r.next++
	key := r.next
	if r.records[id] == nil {
		r.records[id] = make(map[uint64]*mailbox.Worker[domain.CallRecord])
	}
	r.records[id][key] = w
	r.mu.Unlock()

	return &Subscription{cancel: func() {
		r.mu.Lock()
		delete(r.records[id], key)
		if len(r.records[id]) == 0 {
			delete(r.records, id)
		}
		r.mu.Unlock()
		w.Stop()
	}}
}

// WatchFeed registers fn for one candidate feed after queueing backlog.
func (r *Registry) WatchFeed(id domain.CallID, feed domain.FeedName, backlog []domain.FeedChange, fn func(domain.FeedChange)) *Subscription {
	w := mailbox.Go(fn)
	for _, change := range backlog {
		w.Post(change)
	}

	fk := feedKey{id: id, feed: feed}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		w.Stop()
		return &Subscription{cancel: func() {}}
	}
	r.next++
	key := r.next
	if r.feeds[fk] == nil {
		r.feeds[fk] = make(map[uint64]*mailbox.Worker[domain.FeedChange])
	}
	r.feeds[fk][key] = w
	r.mu.Unlock()

	return &Subscription{cancel: func() {
		r.mu.Lock()
		delete(r.feeds[fk], key)
		if len(r.feeds[fk]) == 0 {
			delete(r.feeds, fk)
		}
		r.mu.Unlock()
		w.Stop()
	}}
}

func (r *Registry) PublishRecord(id domain.CallID, rec domain.CallRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.records[id] {
		w.Post(rec.Clone())
	}
}

func (r *Registry) PublishFeed(id domain.CallID, feed domain.FeedName, change domain.FeedChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.feeds[feedKey{id: id, feed: feed}] {
		w.Post(change)
	}
}

// Len reports the number of live watchers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ws := range r.records {
		n += len(ws)
	}
	for _, ws := range r.feeds {
		n += len(ws)
	}
	return n
}

// Close stops every watcher. Later watches are inert.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	records := r.records
	feeds := r.feeds
	r.records = make(map[domain.CallID]map[uint64]*mailbox.Worker[domain.CallRecord])
	r.feeds = make(map[feedKey]map[uint64]*mailbox.Worker[domain.FeedChange])
	r.mu.Unlock()

	for _, ws := range records {
		for _, w := range ws {
			w.Stop()
		}
	}
	for _, ws := range feeds {
		for _, w := range ws {
			w.Stop()
		}
	}
}
