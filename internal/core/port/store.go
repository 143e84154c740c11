package port

import (
	"context"

	"github.com/Wyydra/trickle/internal/core/domain"
)

// Subscription is a live feed from the signaling store.
type Subscription interface {
	// Cancel stops delivery. No callback runs after Cancel returns.
	// It must not be called from inside the subscription's own callback.
	Cancel()
}

// SignalingStore is the document-exchange service both peers negotiate
// through. Delivery is at-least-once and ordered per feed; there is no
// ordering across feeds. Subscribing replays current state: the record
// snapshot if the record exists, and the feed backlog as added changes.
type SignalingStore interface {
	// CreateRecord fails with domain.ErrRecordExists if id is taken.
	CreateRecord(ctx context.Context, id domain.CallID, rec domain.CallRecord) error
	// UpdateRecord merges the non-nil fields of rec. It fails with
	// domain.ErrRecordNotFound if the record does not exist.
	UpdateRecord(ctx context.Context, id domain.CallID, rec domain.CallRecord) error
	ReadRecord(ctx context.Context, id domain.CallID) (domain.CallRecord, error)
	AppendToFeed(ctx context.Context, id domain.CallID, feed domain.FeedName, c domain.IceCandidate) error
	SubscribeRecord(ctx context.Context, id domain.CallID, onChange func(domain.CallRecord)) (Subscription, error)
	SubscribeFeedAppends(ctx context.Context, id domain.CallID, feed domain.FeedName, onChange func(domain.FeedChange)) (Subscription, error)
}
