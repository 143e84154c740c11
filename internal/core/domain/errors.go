package domain

import (
	"errors"
	"fmt"
)

// Negotiation failure kinds.
var (
	ErrInvalidCallID     = errors.New("invalid call id")
	ErrCallAlreadyExists = errors.New("call already exists")
	ErrCallRecordMissing = errors.New("call record missing")
	ErrOfferNotFound     = errors.New("offer not found")
	ErrTransport         = errors.New("transport error")
	ErrStore             = errors.New("store error")
	ErrSessionClosed     = errors.New("session closed")
	ErrSessionActive     = errors.New("session already active")
)

// Signaling store contract.
var (
	ErrRecordExists   = errors.New("record already exists")
	ErrRecordNotFound = errors.New("record not found")
)

// Stage names the step of a negotiation that failed.
type Stage string

const (
	StageResolve              Stage = "resolve"
	StageCreateOffer          Stage = "create-offer"
	StageCreateAnswer         Stage = "create-answer"
	StageSetLocalDescription  Stage = "set-local-description"
	StageSetRemoteDescription Stage = "set-remote-description"
	StageCreateRecord         Stage = "create-record"
	StageReadRecord           Stage = "read-record"
	StageWriteAnswer          Stage = "write-answer"
	StageSubscribeRecord      Stage = "subscribe-record"
	StageSubscribeFeed        Stage = "subscribe-feed"
	StageApplyAnswer          Stage = "apply-answer"
	StageAddCandidate         Stage = "add-candidate"
	StagePublishCandidate     Stage = "publish-candidate"
	StageConnectivity         Stage = "connectivity"
)

// NegotiationError is the single tagged value a failed session reports.
type NegotiationError struct {
	Kind  error
	Stage Stage
	Err   error
}

func (e *NegotiationError) Error() string {
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%s: %v", e.Stage, e.Kind)
	case errors.Is(e.Err, e.Kind):
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	default:
		return fmt.Sprintf("%s: %v: %v", e.Stage, e.Kind, e.Err)
	}
}

func (e *NegotiationError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// StageOf reports the failing stage carried by err, if any.
func StageOf(err error) (Stage, bool) {
	var nerr *NegotiationError
	if errors.As(err, &nerr) {
		return nerr.Stage, true
	}
	return "", false
}
