package http

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Wyydra/trickle/internal/adapter/wire"
	"github.com/Wyydra/trickle/internal/core/domain"
	"github.com/Wyydra/trickle/internal/core/port"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Peers are native clients, not browsers.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type WSClient struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex

	subsMu sync.Mutex
	subs   map[string]port.Subscription
}

func (c *WSClient) ID() string {
	return c.id
}

func (c *WSClient) Send(msg wire.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

func (c *WSClient) Close() error {
	return c.conn.Close()
}

func (c *WSClient) addSub(name string, sub port.Subscription) bool {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if _, ok := c.subs[name]; ok {
		return false
	}
	c.subs[name] = sub
	return true
}

func (c *WSClient) removeSub(name string) (port.Subscription, bool) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	sub, ok := c.subs[name]
	delete(c.subs, name)
	return sub, ok
}

func (c *WSClient) cancelSubs() {
	c.subsMu.Lock()
	subs := c.subs
	c.subs = make(map[string]port.Subscription)
	c.subsMu.Unlock()
	for _, sub := range subs {
		sub.Cancel()
	}
}

// ServeWS speaks the wire protocol on one connection. Requests are handled
// in the order they arrive; subscription events are pushed as they happen.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	client := &WSClient{
		id:   uuid.NewString(),
		conn: conn,
		subs: make(map[string]port.Subscription),
	}

	l := log.With().Str("client_id", client.id).Logger()
	l.Info().Msg("New client connected")

	if !h.Hub.Register(client) {
		conn.Close()
		return
	}

	defer func() {
		l.Info().Msg("Client disconnected")
		client.cancelSubs()
		h.Hub.Unregister(client)
		conn.Close()
	}()

	ctx := r.Context()
	for {
		var req wire.Request
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l.Error().Err(err).Msg("Unexpected close error")
			}
			return
		}

		reply := h.dispatch(ctx, l, client, req)
		if err := client.Send(reply); err != nil {
			l.Error().Err(err).Uint64("request_id", req.ID).Msg("Failed to send result")
			return
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, l zerolog.Logger, c *WSClient, req wire.Request) wire.Message {
	if req.Op == wire.OpUnsubscribe {
		if sub, ok := c.removeSub(req.Sub); ok {
			sub.Cancel()
		}
		return wire.Result(req, nil, nil)
	}

	id, err := domain.ParseCallID(req.CallID.String())
	if err != nil {
		return wire.Result(req, nil, err)
	}

	switch req.Op {
	case wire.OpCreate, wire.OpUpdate:
		if req.Record == nil {
			return wire.Result(req, nil, fmt.Errorf("%w: %s without record", wire.ErrBadRequest, req.Op))
		}
		if req.Op == wire.OpCreate {
			err = h.Store.CreateRecord(ctx, id, *req.Record)
		} else {
			err = h.Store.UpdateRecord(ctx, id, *req.Record)
		}
		return wire.Result(req, nil, err)

	case wire.OpRead:
		rec, err := h.Store.ReadRecord(ctx, id)
		if err != nil {
			return wire.Result(req, nil, err)
		}
		return wire.Result(req, &rec, nil)

	case wire.OpAppend:
		if !req.Feed.Valid() {
			return wire.Result(req, nil, fmt.Errorf("%w: unknown feed %q", wire.ErrBadRequest, req.Feed))
		}
		return wire.Result(req, nil, h.Store.AppendToFeed(ctx, id, req.Feed, req.Candidate))

	case wire.OpSubscribeRecord, wire.OpSubscribeFeed:
		return h.subscribe(ctx, l, c, id, req)
	}

	return wire.Result(req, nil, fmt.Errorf("%w: unknown op %q", wire.ErrBadRequest, req.Op))
}

func (h *Handler) subscribe(ctx context.Context, l zerolog.Logger, c *WSClient, id domain.CallID, req wire.Request) wire.Message {
	if req.Sub == "" {
		return wire.Result(req, nil, fmt.Errorf("%w: missing subscription name", wire.ErrBadRequest))
	}
	// Reserve the name so the store never sees a duplicate.
	if !c.addSub(req.Sub, noopSubscription{}) {
		return wire.Result(req, nil, fmt.Errorf("%w: subscription %q already active", wire.ErrBadRequest, req.Sub))
	}

	l = l.With().Str("sub", req.Sub).Logger()
	push := func(msg wire.Message) {
		msg.Sub = req.Sub
		if err := c.Send(msg); err != nil {
			l.Debug().Err(err).Msg("Dropping event for closed client")
		}
	}

	var sub port.Subscription
	var err error
	if req.Op == wire.OpSubscribeRecord {
		sub, err = h.Store.SubscribeRecord(ctx, id, func(rec domain.CallRecord) {
			push(wire.Message{Op: wire.OpRecord, Record: &rec})
		})
	} else {
		if !req.Feed.Valid() {
			c.removeSub(req.Sub)
			return wire.Result(req, nil, fmt.Errorf("%w: unknown feed %q", wire.ErrBadRequest, req.Feed))
		}
		sub, err = h.Store.SubscribeFeedAppends(ctx, id, req.Feed, func(change domain.FeedChange) {
			push(wire.Message{Op: wire.OpFeed, Change: &change})
		})
	}
	if err != nil {
		c.removeSub(req.Sub)
		return wire.Result(req, nil, err)
	}

	c.subsMu.Lock()
	c.subs[req.Sub] = sub
	c.subsMu.Unlock()
	l.Debug().Str("call_id", id.String()).Msg("Subscription opened")
	return wire.Result(req, nil, nil)
}

type noopSubscription struct{}

func (noopSubscription) Cancel() {}
