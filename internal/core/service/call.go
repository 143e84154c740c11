package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/Wyydra/trickle/internal/core/domain"
	"github.com/Wyydra/trickle/internal/core/port"
	"github.com/rs/zerolog/log"
)

type sessionKey struct {
	id   domain.CallID
	role domain.Role
}

// CallService backs the two user actions: start a call and join a call.
// Every session gets its own transport from the factory.
type CallService struct {
	directory  *CallDirectory
	store      port.SignalingStore
	transports port.TransportFactory

	mu       sync.Mutex
	sessions map[sessionKey]*NegotiationSession
}

func NewCallService(store port.SignalingStore, transports port.TransportFactory) *CallService {
	return &CallService{
		directory:  NewCallDirectory(),
		store:      store,
		transports: transports,
		sessions:   make(map[sessionKey]*NegotiationSession),
	}
}

// StartCall mints a call id and runs the offerer flow on it. The id is what
// the user shares out of band.
func (s *CallService) StartCall(ctx context.Context) (domain.CallID, *NegotiationSession, error) {
	id := s.directory.CreateCallID()
	sess, err := s.StartCallWithID(ctx, id)
	if err != nil {
		return "", nil, err
	}
	return id, sess, nil
}

// StartCallWithID runs the offerer flow on a caller-chosen id.
func (s *CallService) StartCallWithID(ctx context.Context, id domain.CallID) (*NegotiationSession, error) {
	return s.open(ctx, id, domain.RoleOfferer)
}

// JoinCall runs the answerer flow on a shared id.
func (s *CallService) JoinCall(ctx context.Context, id domain.CallID) (*NegotiationSession, error) {
	return s.open(ctx, id, domain.RoleAnswerer)
}

func (s *CallService) open(ctx context.Context, id domain.CallID, role domain.Role) (*NegotiationSession, error) {
	if _, err := s.directory.Resolve(id, role); err != nil {
		return nil, &domain.NegotiationError{Kind: domain.ErrInvalidCallID, Stage: domain.StageResolve, Err: err}
	}

	key := sessionKey{id: id, role: role}
	if err := s.replaceTerminal(key); err != nil {
		return nil, err
	}

	transport, err := s.transports.NewTransport(ctx)
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}

	// The session adds call_id to its own logger once bound.
	sess := NewNegotiationSession(role, s.store, transport, WithDirectory(s.directory))
	l := log.With().Str("call_id", id.String()).Str("role", role.String()).Logger()

	if role == domain.RoleOfferer {
		err = sess.Start(ctx, id)
	} else {
		err = sess.Join(ctx, id)
	}
	if err != nil {
		if cerr := sess.Close(); cerr != nil {
			l.Warn().Err(cerr).Msg("Failed to close transport after setup error")
		}
		return nil, err
	}

	s.mu.Lock()
	if prev, ok := s.sessions[key]; ok && !prev.State().Terminal() {
		s.mu.Unlock()
		sess.Close()
		return nil, activeError(key)
	}
	s.sessions[key] = sess
	s.mu.Unlock()

	// A session that fails after setup is dropped so the id can be retried.
	sess.OnStateChange(func(st domain.State) {
		if st.Terminal() {
			go s.evict(key, sess)
		}
	})
	if sess.State().Terminal() {
		go s.evict(key, sess)
	}

	l.Info().Msg("Call session opened")
	return sess, nil
}

// replaceTerminal closes a failed session still tracked under key. A live
// session under key is an error.
func (s *CallService) replaceTerminal(key sessionKey) error {
	s.mu.Lock()
	prev, ok := s.sessions[key]
	if ok && !prev.State().Terminal() {
		s.mu.Unlock()
		return activeError(key)
	}
	delete(s.sessions, key)
	s.mu.Unlock()

	if ok {
		if err := prev.Close(); err != nil {
			log.Warn().Err(err).Str("call_id", key.id.String()).Msg("Error closing failed session")
		}
	}
	return nil
}

func (s *CallService) evict(key sessionKey, sess *NegotiationSession) {
	s.mu.Lock()
	if s.sessions[key] == sess {
		delete(s.sessions, key)
	}
	s.mu.Unlock()

	if err := sess.Close(); err != nil {
		log.Warn().Err(err).Str("call_id", key.id.String()).Msg("Error closing failed session")
	}
}

func activeError(key sessionKey) error {
	err := fmt.Errorf("%w: %s for call %s", domain.ErrSessionActive, key.role, key.id)
	if key.role == domain.RoleOfferer {
		return &domain.NegotiationError{Kind: domain.ErrCallAlreadyExists, Stage: domain.StageResolve, Err: err}
	}
	return err
}

func (s *CallService) Session(id domain.CallID, role domain.Role) (*NegotiationSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionKey{id: id, role: role}]
	return sess, ok
}

// LeaveCall ends the local session; the call record stays in the store.
func (s *CallService) LeaveCall(id domain.CallID, role domain.Role) error {
	key := sessionKey{id: id, role: role}
	s.mu.Lock()
	sess, ok := s.sessions[key]
	delete(s.sessions, key)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("no %s session for call %s", role, id)
	}
	return sess.Close()
}

// Close ends every active session.
func (s *CallService) Close() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[sessionKey]*NegotiationSession)
	s.mu.Unlock()

	for key, sess := range sessions {
		if err := sess.Close(); err != nil {
			log.Warn().Err(err).Str("call_id", key.id.String()).Msg("Error closing session")
		}
	}
}
