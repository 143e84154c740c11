package watch

import (
	"sync"
	"testing"
	"time"

	"github.com/Wyydra/trickle/internal/core/domain"
)

type collector[T any] struct {
	mu    sync.Mutex
	items []T
}

func (c *collector[T]) add(v T) {
	c.mu.Lock()
	c.items = append(c.items, v)
	c.mu.Unlock()
}

func (c *collector[T]) snapshot() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.items...)
}

func waitLen[T any](t *testing.T, c *collector[T], n int) []T {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		items := c.snapshot()
		if len(items) >= n {
			return items
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d items, have %d", n, len(items))
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestWatchRecordSnapshotFirst(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	offer := domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: "o"}
	var got collector[domain.CallRecord]
	sub := r.WatchRecord("c1", &domain.CallRecord{Offer: &offer}, got.add)
	defer sub.Cancel()

	answer := domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: "a"}
	r.PublishRecord("c1", domain.CallRecord{Offer: &offer, Answer: &answer})
	r.PublishRecord("other", domain.CallRecord{})

	items := waitLen(t, &got, 2)
	if items[0].HasAnswer() || !items[1].HasAnswer() {
		t.Fatalf("unexpected delivery order: %+v", items)
	}
}

func TestWatchFeedBacklogThenLive(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	backlog := []domain.FeedChange{
		{Kind: domain.ChangeAdded, Seq: 1, Candidate: "C1"},
		{Kind: domain.ChangeAdded, Seq: 2, Candidate: "C2"},
	}
	var got collector[domain.FeedChange]
	sub := r.WatchFeed("c1", domain.FeedOfferCandidates, backlog, got.add)
	defer sub.Cancel()

	r.PublishFeed("c1", domain.FeedOfferCandidates, domain.FeedChange{Kind: domain.ChangeAdded, Seq: 3, Candidate: "C3"})
	r.PublishFeed("c1", domain.FeedAnswerCandidates, domain.FeedChange{Kind: domain.ChangeAdded, Seq: 1, Candidate: "X"})

	items := waitLen(t, &got, 3)
	for i, want := range []domain.IceCandidate{"C1", "C2", "C3"} {
		if items[i].Candidate != want {
			t.Fatalf("item %d: expected %s, got %s", i, want, items[i].Candidate)
		}
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	var got collector[domain.CallRecord]
	sub := r.WatchRecord("c1", nil, got.add)
	if r.Len() != 1 {
		t.Fatalf("expected 1 watcher, got %d", r.Len())
	}
	sub.Cancel()
	sub.Cancel()
	if r.Len() != 0 {
		t.Fatalf("expected 0 watchers, got %d", r.Len())
	}

	r.PublishRecord("c1", domain.CallRecord{})
	time.Sleep(20 * time.Millisecond)
	if n := len(got.snapshot()); n != 0 {
		t.Fatalf("delivered %d records after cancel", n)
	}
}

func TestCloseStopsEveryWatcher(t *testing.T) {
	r := NewRegistry()
	r.WatchRecord("c1", nil, func(domain.CallRecord) {})
	r.WatchFeed("c1", domain.FeedAnswerCandidates, nil, func(domain.FeedChange) {})

	r.Close()
	if r.Len() != 0 {
		t.Fatalf("expected 0 watchers after close, got %d", r.Len())
	}
	sub := r.WatchRecord("c2", nil, func(domain.CallRecord) {})
	sub.Cancel()
	if r.Len() != 0 {
		t.Fatal("closed registry accepted a watcher")
	}
}
