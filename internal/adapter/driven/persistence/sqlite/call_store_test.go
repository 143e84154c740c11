package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Wyydra/trickle/internal/core/domain"
)

func openTestStore(t *testing.T) (*CallStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "calls.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s, path
}

func TestRecordLifecycle(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)
	defer s.Close()

	if _, err := s.ReadRecord(ctx, "c1"); !errors.Is(err, domain.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}

	offer := domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: "v=0 offer"}
	if err := s.CreateRecord(ctx, "c1", domain.CallRecord{Offer: &offer}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateRecord(ctx, "c1", domain.CallRecord{Offer: &offer}); !errors.Is(err, domain.ErrRecordExists) {
		t.Fatalf("expected ErrRecordExists, got %v", err)
	}

	answer := domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: "v=0 answer"}
	if err := s.UpdateRecord(ctx, "c1", domain.CallRecord{Answer: &answer}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.UpdateRecord(ctx, "nope", domain.CallRecord{Answer: &answer}); !errors.Is(err, domain.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}

	rec, err := s.ReadRecord(ctx, "c1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rec.Offer == nil || *rec.Offer != offer {
		t.Errorf("offer = %+v", rec.Offer)
	}
	if rec.Answer == nil || *rec.Answer != answer {
		t.Errorf("answer = %+v", rec.Answer)
	}
}

func TestRecordsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	s, path := openTestStore(t)

	offer := domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: "o"}
	if err := s.CreateRecord(ctx, "c1", domain.CallRecord{Offer: &offer}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.AppendToFeed(ctx, "c1", domain.FeedOfferCandidates, "C1"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	rec, err := s.ReadRecord(ctx, "c1")
	if err != nil || !rec.HasOffer() {
		t.Fatalf("record lost across reopen: %+v, %v", rec, err)
	}

	got := make(chan domain.FeedChange, 1)
	sub, err := s.SubscribeFeedAppends(ctx, "c1", domain.FeedOfferCandidates, func(c domain.FeedChange) { got <- c })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()

	select {
	case c := <-got:
		if c.Candidate != "C1" || c.Kind != domain.ChangeAdded {
			t.Fatalf("unexpected backlog entry %+v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("backlog not replayed")
	}
}

func TestFeedSubscriptionOrder(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)
	defer s.Close()

	if err := s.AppendToFeed(ctx, "c1", domain.FeedAnswerCandidates, "C1"); err != nil {
		t.Fatalf("append: %v", err)
	}

	var mu sync.Mutex
	var got []domain.FeedChange
	sub, err := s.SubscribeFeedAppends(ctx, "c1", domain.FeedAnswerCandidates, func(c domain.FeedChange) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()

	for _, c := range []domain.IceCandidate{"C2", "C3"} {
		if err := s.AppendToFeed(ctx, "c1", domain.FeedAnswerCandidates, c); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := s.AppendToFeed(ctx, "c1", domain.FeedOfferCandidates, "X"); err != nil {
		t.Fatalf("append: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out, got %d changes", n)
		}
		time.Sleep(2 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("expected 3 changes, got %+v", got)
	}
	for i, want := range []domain.IceCandidate{"C1", "C2", "C3"} {
		if got[i].Candidate != want {
			t.Errorf("change %d: expected %s, got %s", i, want, got[i].Candidate)
		}
		if i > 0 && got[i].Seq <= got[i-1].Seq {
			t.Errorf("sequence not increasing: %+v", got)
		}
	}
}

func TestSubscribeRecordWithoutRecord(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)
	defer s.Close()

	got := make(chan domain.CallRecord, 2)
	sub, err := s.SubscribeRecord(ctx, "later", func(rec domain.CallRecord) { got <- rec })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()

	offer := domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: "o"}
	if err := s.CreateRecord(ctx, "later", domain.CallRecord{Offer: &offer}); err != nil {
		t.Fatalf("create: %v", err)
	}

	select {
	case rec := <-got:
		if !rec.HasOffer() {
			t.Fatalf("expected the created record, got %+v", rec)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no notification for created record")
	}
}
