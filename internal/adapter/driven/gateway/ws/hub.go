package ws

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Hub tracks connected signaling clients so the server can report them and
// close them all on shutdown.
type Hub struct {
	mu         sync.Mutex
	clients    map[Client]bool
	register   chan Client
	unregister chan Client
	quit       chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
	started    atomic.Bool
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[Client]bool),
		register:   make(chan Client),
		unregister: make(chan Client),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Run serves registrations until Stop. Only the first call runs; Run after
// Stop returns at once.
func (h *Hub) Run() {
	if !h.started.CompareAndSwap(false, true) {
		return
	}
	defer close(h.done)
	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.Info().Str("client_id", client.ID()).Msg("Client registered")

		case client := <-h.unregister:
			h.mu.Lock()
			_, ok := h.clients[client]
			delete(h.clients, client)
			h.mu.Unlock()
			if ok {
				client.Close()
				log.Info().Str("client_id", client.ID()).Msg("Client unregistered")
			}
		}
	}
}

// Register reports false once the hub has stopped; the caller should drop
// the connection.
func (h *Hub) Register(c Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.quit:
		return false
	}
}

func (h *Hub) Unregister(c Client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Stop closes every client and waits for Run to return. It does not block
// when Run was never started.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.quit)
		if h.started.CompareAndSwap(false, true) {
			close(h.done)
		}
	})
	<-h.done
}
