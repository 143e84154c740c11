package port

import (
	"context"

	"github.com/Wyydra/trickle/internal/core/domain"
)

// PeerTransport wraps one peer connection. Each description slot is set at
// most once by a negotiation session.
type PeerTransport interface {
	CreateLocalDescription(ctx context.Context, kind domain.SDPType) (domain.SessionDescription, error)
	SetLocalDescription(desc domain.SessionDescription) error
	SetRemoteDescription(desc domain.SessionDescription) error
	AddRemoteCandidate(c domain.IceCandidate) error
	// OnLocalCandidate registers the candidate hook. A nil candidate marks
	// the end of gathering.
	OnLocalCandidate(fn func(c *domain.IceCandidate))
	OnConnectivityChange(fn func(state domain.ConnectivityState))
	Close() error
}

// TransportFactory builds a fresh transport for every call.
type TransportFactory interface {
	NewTransport(ctx context.Context) (PeerTransport, error)
}
