package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/Wyydra/trickle/internal/adapter/driven/persistence/watch"
	"github.com/Wyydra/trickle/internal/core/domain"
	"github.com/Wyydra/trickle/internal/core/port"
)

type feedKey struct {
	id   domain.CallID
	feed domain.FeedName
}

// CallStore implements port.SignalingStore in process memory.
type CallStore struct {
	mu      sync.Mutex
	records map[domain.CallID]domain.CallRecord
	feeds   map[feedKey][]domain.IceCandidate
	watch   *watch.Registry
}

func NewCallStore() *CallStore {
	return &CallStore{
		records: make(map[domain.CallID]domain.CallRecord),
		feeds:   make(map[feedKey][]domain.IceCandidate),
		watch:   watch.NewRegistry(),
	}
}

func (s *CallStore) CreateRecord(ctx context.Context, id domain.CallID, rec domain.CallRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; ok {
		return fmt.Errorf("%w: %s", domain.ErrRecordExists, id)
	}
	s.records[id] = rec.Clone()
	s.watch.PublishRecord(id, rec)
	return nil
}

func (s *CallStore) UpdateRecord(ctx context.Context, id domain.CallID, rec domain.CallRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrRecordNotFound, id)
	}
	merged := cur.Merge(rec)
	s.records[id] = merged
	s.watch.PublishRecord(id, merged)
	return nil
}

func (s *CallStore) ReadRecord(ctx context.Context, id domain.CallID) (domain.CallRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.CallRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return domain.CallRecord{}, fmt.Errorf("%w: %s", domain.ErrRecordNotFound, id)
	}
	return rec.Clone(), nil
}

// AppendToFeed does not require the record to exist; an answerer may trickle
// before the offerer's document is visible.
func (s *CallStore) AppendToFeed(ctx context.Context, id domain.CallID, feed domain.FeedName, c domain.IceCandidate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !feed.Valid() {
		return fmt.Errorf("unknown feed %q", feed)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := feedKey{id: id, feed: feed}
	s.feeds[key] = append(s.feeds[key], c)
	s.watch.PublishFeed(id, feed, domain.FeedChange{
		Kind:      domain.ChangeAdded,
		Seq:       int64(len(s.feeds[key])),
		Candidate: c,
	})
	return nil
}

func (s *CallStore) SubscribeRecord(ctx context.Context, id domain.CallID, onChange func(domain.CallRecord)) (port.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var snapshot *domain.CallRecord
	if rec, ok := s.records[id]; ok {
		snapshot = &rec
	}
	return s.watch.WatchRecord(id, snapshot, onChange), nil
}

func (s *CallStore) SubscribeFeedAppends(ctx context.Context, id domain.CallID, feed domain.FeedName, onChange func(domain.FeedChange)) (port.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !feed.Valid() {
		return nil, fmt.Errorf("unknown feed %q", feed)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := s.feeds[feedKey{id: id, feed: feed}]
	backlog := make([]domain.FeedChange, len(candidates))
	for i, c := range candidates {
		backlog[i] = domain.FeedChange{Kind: domain.ChangeAdded, Seq: int64(i + 1), Candidate: c}
	}
	return s.watch.WatchFeed(id, feed, backlog, onChange), nil
}

// Watchers reports live subscriptions.
func (s *CallStore) Watchers() int {
	return s.watch.Len()
}

// Close stops every subscription.
func (s *CallStore) Close() error {
	s.watch.Close()
	return nil
}
