// Package remote implements port.SignalingStore against a signaling server
// over a websocket.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Wyydra/trickle/internal/adapter/wire"
	"github.com/Wyydra/trickle/internal/core/domain"
	"github.com/Wyydra/trickle/internal/core/port"
	"github.com/Wyydra/trickle/internal/mailbox"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const writeWait = 10 * time.Second

var ErrClosed = errors.New("signaling connection closed")

type Store struct {
	conn   *websocket.Conn
	logger zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	nextSub uint64
	pending map[uint64]chan wire.Message
	subs    map[string]*subscription
	err     error

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to the server's websocket endpoint, e.g.
// ws://localhost:8080/ws.
func Dial(ctx context.Context, url string, header http.Header) (*Store, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	s := &Store{
		conn:    conn,
		logger:  log.With().Str("signaling", url).Logger(),
		pending: make(map[uint64]chan wire.Message),
		subs:    make(map[string]*subscription),
		done:    make(chan struct{}),
	}
	go s.readLoop()

	s.logger.Info().Msg("Connected to signaling server")
	return s, nil
}

func (s *Store) readLoop() {
	defer close(s.done)
	for {
		var msg wire.Message
		if err := s.conn.ReadJSON(&msg); err != nil {
			s.shutdown(err)
			return
		}

		switch msg.Op {
		case wire.OpResult:
			s.mu.Lock()
			ch, ok := s.pending[msg.ID]
			delete(s.pending, msg.ID)
			s.mu.Unlock()
			if ok {
				ch <- msg
			}
		case wire.OpRecord, wire.OpFeed:
			s.mu.Lock()
			sub, ok := s.subs[msg.Sub]
			s.mu.Unlock()
			if ok {
				sub.worker.Post(msg)
			}
		default:
			s.logger.Warn().Str("op", string(msg.Op)).Msg("Ignoring unknown frame")
		}
	}
}

func (s *Store) shutdown(cause error) {
	s.mu.Lock()
	if s.err == nil {
		if websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
			s.err = ErrClosed
		} else {
			s.err = fmt.Errorf("%w: %w", ErrClosed, cause)
		}
	}
	s.pending = make(map[uint64]chan wire.Message)
	subs := s.subs
	s.subs = make(map[string]*subscription)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.worker.Stop()
	}
	s.logger.Debug().Err(cause).Msg("Signaling connection ended")
}

func (s *Store) write(req wire.Request) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(req)
}

func (s *Store) call(ctx context.Context, req wire.Request) (wire.Message, error) {
	reply := make(chan wire.Message, 1)

	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return wire.Message{}, err
	}
	s.nextID++
	req.ID = s.nextID
	s.pending[req.ID] = reply
	s.mu.Unlock()

	if err := s.write(req); err != nil {
		s.forget(req.ID)
		return wire.Message{}, fmt.Errorf("send %s: %w", req.Op, err)
	}

	select {
	case msg := <-reply:
		return msg, msg.Err()
	case <-ctx.Done():
		s.forget(req.ID)
		return wire.Message{}, ctx.Err()
	case <-s.done:
		select {
		case msg := <-reply:
			return msg, msg.Err()
		default:
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		return wire.Message{}, s.err
	}
}

func (s *Store) forget(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Store) CreateRecord(ctx context.Context, id domain.CallID, rec domain.CallRecord) error {
	_, err := s.call(ctx, wire.Request{Op: wire.OpCreate, CallID: id, Record: &rec})
	return err
}

func (s *Store) UpdateRecord(ctx context.Context, id domain.CallID, rec domain.CallRecord) error {
	_, err := s.call(ctx, wire.Request{Op: wire.OpUpdate, CallID: id, Record: &rec})
	return err
}

func (s *Store) ReadRecord(ctx context.Context, id domain.CallID) (domain.CallRecord, error) {
	msg, err := s.call(ctx, wire.Request{Op: wire.OpRead, CallID: id})
	if err != nil {
		return domain.CallRecord{}, err
	}
	if msg.Record == nil {
		return domain.CallRecord{}, nil
	}
	return *msg.Record, nil
}

func (s *Store) AppendToFeed(ctx context.Context, id domain.CallID, feed domain.FeedName, c domain.IceCandidate) error {
	_, err := s.call(ctx, wire.Request{Op: wire.OpAppend, CallID: id, Feed: feed, Candidate: c})
	return err
}

func (s *Store) SubscribeRecord(ctx context.Context, id domain.CallID, onChange func(domain.CallRecord)) (port.Subscription, error) {
	return s.subscribe(ctx, wire.Request{Op: wire.OpSubscribeRecord, CallID: id}, func(msg wire.Message) {
		if msg.Op == wire.OpRecord && msg.Record != nil {
			onChange(*msg.Record)
		}
	})
}

func (s *Store) SubscribeFeedAppends(ctx context.Context, id domain.CallID, feed domain.FeedName, onChange func(domain.FeedChange)) (port.Subscription, error) {
	return s.subscribe(ctx, wire.Request{Op: wire.OpSubscribeFeed, CallID: id, Feed: feed}, func(msg wire.Message) {
		if msg.Op == wire.OpFeed && msg.Change != nil {
			onChange(*msg.Change)
		}
	})
}

// subscribe registers the local handler before the request goes out; the
// server may push the snapshot ahead of its reply.
func (s *Store) subscribe(ctx context.Context, req wire.Request, fn func(wire.Message)) (port.Subscription, error) {
	sub := &subscription{store: s, worker: mailbox.Go(fn)}

	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		sub.worker.Stop()
		return nil, err
	}
	s.nextSub++
	sub.name = "s" + strconv.FormatUint(s.nextSub, 10)
	s.subs[sub.name] = sub
	s.mu.Unlock()

	req.Sub = sub.name
	if _, err := s.call(ctx, req); err != nil {
		s.mu.Lock()
		delete(s.subs, sub.name)
		s.mu.Unlock()
		sub.worker.Stop()
		return nil, err
	}
	return sub, nil
}

// Done is closed once the connection has ended, whether by Close or by the
// server going away. Subscriptions deliver nothing after that.
func (s *Store) Done() <-chan struct{} {
	return s.done
}

// Err reports why the connection ended; nil while it is up.
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the connection and every subscription on it.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")); err != nil {
			s.logger.Debug().Err(err).Msg("Close frame not sent")
		}
		s.writeMu.Unlock()

		// Give the server a moment to echo the close frame.
		select {
		case <-s.done:
		case <-time.After(time.Second):
		}
		s.closeErr = s.conn.Close()
		<-s.done
	})
	return s.closeErr
}

type subscription struct {
	store  *Store
	name   string
	worker *mailbox.Worker[wire.Message]
	once   sync.Once
}

// Cancel stops local delivery at once and tells the server without waiting
// for its reply.
func (sub *subscription) Cancel() {
	sub.once.Do(func() {
		s := sub.store
		s.mu.Lock()
		_, live := s.subs[sub.name]
		delete(s.subs, sub.name)
		s.mu.Unlock()

		sub.worker.Stop()
		if !live {
			return
		}
		if err := s.write(wire.Request{Op: wire.OpUnsubscribe, Sub: sub.name}); err != nil {
			s.logger.Debug().Err(err).Str("sub", sub.name).Msg("Unsubscribe not sent")
		}
	})
}
