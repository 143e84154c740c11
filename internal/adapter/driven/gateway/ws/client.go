package ws

// Client is one connected signaling peer.
type Client interface {
	ID() string
	Close() error
}
