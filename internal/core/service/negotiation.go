package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/Wyydra/trickle/internal/core/domain"
	"github.com/Wyydra/trickle/internal/core/port"
	"github.com/Wyydra/trickle/internal/mailbox"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Events handled by the session loop.
type (
	setupCommand struct {
		ctx    context.Context
		callID domain.CallID
		reply  chan error
	}
	recordChanged struct {
		record domain.CallRecord
	}
	remoteCandidate struct {
		candidate domain.IceCandidate
	}
	localCandidate struct {
		candidate *domain.IceCandidate
	}
	connectivityChanged struct {
		state domain.ConnectivityState
	}
)

// NegotiationSession drives one call for one local role. Store
// notifications, transport events and the Start/Join command itself are
// queued onto a single mailbox and handled one at a time, so a remote
// candidate can never reach the transport before the remote description.
type NegotiationSession struct {
	role      domain.Role
	directory *CallDirectory
	store     port.SignalingStore
	transport port.PeerTransport

	ctx    context.Context
	cancel context.CancelFunc

	events    *mailbox.Mailbox[any]
	quit      chan struct{}
	exited    chan struct{}
	started   atomic.Bool
	closeOnce sync.Once
	closeErr  error

	// Owned by the event loop.
	logger                  zerolog.Logger
	channels                domain.Channels
	localDescriptionSet     bool
	remoteDescriptionSet    bool
	pendingRemoteCandidates []domain.IceCandidate
	pendingLocalCandidates  []domain.IceCandidate
	subscriptions           []port.Subscription

	mu        sync.RWMutex
	callID    domain.CallID
	state     domain.State
	err       error
	listeners []func(domain.State)
}

type SessionOption func(*NegotiationSession)

func WithDirectory(d *CallDirectory) SessionOption {
	return func(s *NegotiationSession) {
		s.directory = d
	}
}

func WithLogger(l zerolog.Logger) SessionOption {
	return func(s *NegotiationSession) {
		s.logger = l
	}
}

// NewNegotiationSession takes ownership of transport; Close releases it.
func NewNegotiationSession(role domain.Role, store port.SignalingStore, transport port.PeerTransport, opts ...SessionOption) *NegotiationSession {
	ctx, cancel := context.WithCancel(context.Background())
	s := &NegotiationSession{
		role:      role,
		directory: NewCallDirectory(),
		store:     store,
		transport: transport,
		ctx:       ctx,
		cancel:    cancel,
		events:    mailbox.New[any](),
		quit:      make(chan struct{}),
		exited:    make(chan struct{}),
		logger:    log.Logger,
		state:     domain.StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("role", role.String()).Logger()

	transport.OnLocalCandidate(func(c *domain.IceCandidate) {
		s.events.Post(localCandidate{candidate: c})
	})
	transport.OnConnectivityChange(func(state domain.ConnectivityState) {
		s.events.Post(connectivityChanged{state: state})
	})

	go s.run()
	return s
}

// Start runs the offerer flow for id. It returns once the offer is
// published and the answer and candidate subscriptions are live.
func (s *NegotiationSession) Start(ctx context.Context, id domain.CallID) error {
	if s.role != domain.RoleOfferer {
		return fmt.Errorf("start needs the offerer role, session is %s", s.role)
	}
	return s.submit(ctx, id)
}

// Join runs the answerer flow for id. It returns once the answer is
// published and the offerer's candidate feed is subscribed.
func (s *NegotiationSession) Join(ctx context.Context, id domain.CallID) error {
	if s.role != domain.RoleAnswerer {
		return fmt.Errorf("join needs the answerer role, session is %s", s.role)
	}
	return s.submit(ctx, id)
}

func (s *NegotiationSession) Role() domain.Role {
	return s.role
}

func (s *NegotiationSession) CallID() domain.CallID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.callID
}

func (s *NegotiationSession) State() domain.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Err returns the failure that moved the session to Failed, if any.
func (s *NegotiationSession) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// OnStateChange registers fn for every later transition. Listeners run on
// the session loop: they must not block and must not call Close.
func (s *NegotiationSession) OnStateChange(fn func(domain.State)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Close cancels every subscription, drops buffered candidates, stops the
// session loop and closes the transport. Safe to call more than once.
func (s *NegotiationSession) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		close(s.quit)
		<-s.exited
		s.closeErr = s.transport.Close()
		s.logger.Debug().Msg("Session closed")
	})
	return s.closeErr
}

func (s *NegotiationSession) submit(ctx context.Context, id domain.CallID) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("session already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	reply := make(chan error, 1)
	if !s.events.Post(setupCommand{ctx: ctx, callID: id, reply: reply}) {
		return domain.ErrSessionClosed
	}

	select {
	case err := <-reply:
		return err
	case <-s.exited:
		select {
		case err := <-reply:
			return err
		default:
			return domain.ErrSessionClosed
		}
	}
}

func (s *NegotiationSession) run() {
	defer close(s.exited)
	for {
		select {
		case <-s.quit:
			s.teardown()
			return
		case <-s.events.Notify():
			for _, ev := range s.events.Drain() {
				select {
				case <-s.quit:
					s.teardown()
					return
				default:
				}
				s.handle(ev)
			}
		}
	}
}

func (s *NegotiationSession) handle(ev any) {
	if cmd, ok := ev.(setupCommand); ok {
		cmd.reply <- s.setup(cmd.ctx, cmd.callID)
		return
	}
	if s.State().Terminal() {
		return
	}

	switch ev := ev.(type) {
	case recordChanged:
		s.onRecordChanged(ev.record)
	case remoteCandidate:
		s.onRemoteCandidate(ev.candidate)
	case localCandidate:
		s.onLocalCandidate(ev.candidate)
	case connectivityChanged:
		s.onConnectivityChanged(ev.state)
	}
}

func (s *NegotiationSession) setup(ctx context.Context, id domain.CallID) error {
	if err := s.Err(); err != nil {
		return err
	}

	var err error
	if s.role == domain.RoleOfferer {
		err = s.start(ctx, id)
	} else {
		err = s.join(ctx, id)
	}
	if err != nil {
		return err
	}
	return s.flushLocalCandidates()
}

func (s *NegotiationSession) start(ctx context.Context, id domain.CallID) error {
	if err := s.bind(id); err != nil {
		return err
	}

	offer, err := s.transport.CreateLocalDescription(ctx, domain.SDPTypeOffer)
	if err != nil {
		return s.fail(domain.ErrTransport, domain.StageCreateOffer, err)
	}
	if err := s.transport.SetLocalDescription(offer); err != nil {
		return s.fail(domain.ErrTransport, domain.StageSetLocalDescription, err)
	}
	s.localDescriptionSet = true
	s.setState(domain.StateLocalDescriptionReady)

	if err := s.store.CreateRecord(ctx, s.channels.Record, domain.CallRecord{Offer: &offer}); err != nil {
		if errors.Is(err, domain.ErrRecordExists) {
			return s.fail(domain.ErrCallAlreadyExists, domain.StageCreateRecord, err)
		}
		return s.fail(domain.ErrStore, domain.StageCreateRecord, err)
	}
	s.logger.Info().Msg("Offer published")

	if err := s.watchRecord(ctx); err != nil {
		return err
	}
	if err := s.watchRemoteCandidates(ctx); err != nil {
		return err
	}
	s.setState(domain.StateAwaitingAnswer)
	return nil
}

func (s *NegotiationSession) join(ctx context.Context, id domain.CallID) error {
	if err := s.bind(id); err != nil {
		return err
	}

	rec, err := s.store.ReadRecord(ctx, s.channels.Record)
	switch {
	case errors.Is(err, domain.ErrRecordNotFound):
		return s.fail(domain.ErrOfferNotFound, domain.StageReadRecord, err)
	case err != nil:
		return s.fail(domain.ErrStore, domain.StageReadRecord, err)
	case !rec.HasOffer():
		return s.fail(domain.ErrOfferNotFound, domain.StageReadRecord, nil)
	}

	if err := s.transport.SetRemoteDescription(*rec.Offer); err != nil {
		return s.fail(domain.ErrTransport, domain.StageSetRemoteDescription, err)
	}
	// The state walk reports the offer as applied only after the answer is
	// out; the flag is what gates remote candidates.
	s.remoteDescriptionSet = true

	answer, err := s.transport.CreateLocalDescription(ctx, domain.SDPTypeAnswer)
	if err != nil {
		return s.fail(domain.ErrTransport, domain.StageCreateAnswer, err)
	}
	if err := s.transport.SetLocalDescription(answer); err != nil {
		return s.fail(domain.ErrTransport, domain.StageSetLocalDescription, err)
	}
	s.localDescriptionSet = true
	s.setState(domain.StateLocalDescriptionReady)

	if err := s.store.UpdateRecord(ctx, s.channels.Record, domain.CallRecord{Answer: &answer}); err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			return s.fail(domain.ErrCallRecordMissing, domain.StageWriteAnswer, err)
		}
		return s.fail(domain.ErrStore, domain.StageWriteAnswer, err)
	}
	s.logger.Info().Msg("Answer published")

	if err := s.watchRemoteCandidates(ctx); err != nil {
		return err
	}
	s.setState(domain.StateAwaitingNothing)
	s.setState(domain.StateRemoteDescriptionApplied)
	return nil
}

func (s *NegotiationSession) bind(id domain.CallID) error {
	channels, err := s.directory.Resolve(id, s.role)
	if err != nil {
		return s.fail(domain.ErrInvalidCallID, domain.StageResolve, err)
	}
	s.channels = channels
	s.logger = s.logger.With().Str("call_id", channels.Record.String()).Logger()

	s.mu.Lock()
	s.callID = channels.Record
	s.mu.Unlock()
	return nil
}

func (s *NegotiationSession) watchRecord(ctx context.Context) error {
	sub, err := s.store.SubscribeRecord(ctx, s.channels.Record, func(rec domain.CallRecord) {
		s.events.Post(recordChanged{record: rec})
	})
	if err != nil {
		return s.fail(domain.ErrStore, domain.StageSubscribeRecord, err)
	}
	s.subscriptions = append(s.subscriptions, sub)
	return nil
}

func (s *NegotiationSession) watchRemoteCandidates(ctx context.Context) error {
	sub, err := s.store.SubscribeFeedAppends(ctx, s.channels.Record, s.channels.Remote, func(change domain.FeedChange) {
		if change.Kind != domain.ChangeAdded {
			return
		}
		s.events.Post(remoteCandidate{candidate: change.Candidate})
	})
	if err != nil {
		return s.fail(domain.ErrStore, domain.StageSubscribeFeed, err)
	}
	s.subscriptions = append(s.subscriptions, sub)
	return nil
}

// onRecordChanged applies the first answer the offerer observes; every
// later notification is a no-op.
func (s *NegotiationSession) onRecordChanged(rec domain.CallRecord) {
	if s.role != domain.RoleOfferer || s.remoteDescriptionSet || !rec.HasAnswer() {
		return
	}
	if err := s.transport.SetRemoteDescription(*rec.Answer); err != nil {
		s.fail(domain.ErrTransport, domain.StageApplyAnswer, err)
		return
	}
	s.logger.Info().Msg("Answer applied")
	s.remoteDescriptionApplied()
}

func (s *NegotiationSession) remoteDescriptionApplied() error {
	s.remoteDescriptionSet = true
	s.setState(domain.StateRemoteDescriptionApplied)
	return nil
}

func (s *NegotiationSession) onRemoteCandidate(c domain.IceCandidate) {
	if !s.remoteDescriptionSet {
		s.pendingRemoteCandidates = append(s.pendingRemoteCandidates, c)
		s.logger.Debug().Int("pending", len(s.pendingRemoteCandidates)).Msg("Remote candidate buffered")
		return
	}
	s.addRemoteCandidate(c)
}

// flushRemoteCandidates hands buffered candidates over in arrival order.
func (s *NegotiationSession) flushRemoteCandidates() error {
	pending := s.pendingRemoteCandidates
	s.pendingRemoteCandidates = nil
	if len(pending) > 0 {
		s.logger.Debug().Int("count", len(pending)).Msg("Flushing buffered remote candidates")
	}
	for _, c := range pending {
		if err := s.addRemoteCandidate(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *NegotiationSession) addRemoteCandidate(c domain.IceCandidate) error {
	if err := s.transport.AddRemoteCandidate(c); err != nil {
		return s.fail(domain.ErrTransport, domain.StageAddCandidate, err)
	}
	return nil
}

func (s *NegotiationSession) onLocalCandidate(c *domain.IceCandidate) {
	if c == nil {
		s.logger.Debug().Msg("Local candidate gathering complete")
		return
	}
	if s.channels.Record == "" {
		s.pendingLocalCandidates = append(s.pendingLocalCandidates, *c)
		return
	}
	s.publishLocalCandidate(*c)
}

func (s *NegotiationSession) flushLocalCandidates() error {
	pending := s.pendingLocalCandidates
	s.pendingLocalCandidates = nil
	for _, c := range pending {
		if err := s.publishLocalCandidate(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *NegotiationSession) publishLocalCandidate(c domain.IceCandidate) error {
	if err := s.store.AppendToFeed(s.ctx, s.channels.Record, s.channels.Local, c); err != nil {
		return s.fail(domain.ErrStore, domain.StagePublishCandidate, err)
	}
	return nil
}

func (s *NegotiationSession) onConnectivityChanged(state domain.ConnectivityState) {
	s.logger.Debug().Str("connectivity", string(state)).Msg("Transport connectivity changed")

	switch state {
	case domain.ConnectivityConnected:
		if s.localDescriptionSet && s.remoteDescriptionSet {
			s.setState(domain.StateConnected)
		}
	case domain.ConnectivityFailed:
		s.fail(domain.ErrTransport, domain.StageConnectivity, fmt.Errorf("peer connection %s", state))
	}
}

// fail records the first failure, cancels every subscription and drops
// buffered candidates. Later failures return the first one.
func (s *NegotiationSession) fail(kind error, stage domain.Stage, cause error) error {
	if err := s.Err(); err != nil {
		return err
	}

	nerr := &domain.NegotiationError{Kind: kind, Stage: stage, Err: cause}
	s.cancelSubscriptions()
	s.pendingRemoteCandidates = nil
	s.pendingLocalCandidates = nil

	s.mu.Lock()
	s.err = nerr
	s.mu.Unlock()

	s.logger.Error().Err(nerr).Str("stage", string(stage)).Msg("Negotiation failed")
	s.setState(domain.StateFailed)
	return nerr
}

func (s *NegotiationSession) cancelSubscriptions() {
	for _, sub := range s.subscriptions {
		sub.Cancel()
	}
	s.subscriptions = nil
}

func (s *NegotiationSession) teardown() {
	s.cancelSubscriptions()
	s.pendingRemoteCandidates = nil
	s.pendingLocalCandidates = nil
	s.events.Close()
}

func (s *NegotiationSession) setState(next domain.State) {
	s.mu.Lock()
	prev := s.state
	if prev == next || prev.Terminal() || (next < prev && !next.Terminal()) {
		s.mu.Unlock()
		return
	}
	s.state = next
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	s.logger.Info().Str("from", prev.String()).Str("to", next.String()).Msg("Session state changed")
	for _, fn := range listeners {
		fn(next)
	}
}
