// Package wire defines the JSON frames exchanged between the signaling
// server and remote store clients over a websocket.
package wire

import (
	"errors"
	"fmt"

	"github.com/Wyydra/trickle/internal/core/domain"
)

type Op string

// Client to server.
const (
	OpCreate          Op = "create"
	OpUpdate          Op = "update"
	OpRead            Op = "read"
	OpAppend          Op = "append"
	OpSubscribeRecord Op = "subscribe_record"
	OpSubscribeFeed   Op = "subscribe_feed"
	OpUnsubscribe     Op = "unsubscribe"
)

// Server to client.
const (
	OpResult Op = "result"
	OpRecord Op = "record"
	OpFeed   Op = "feed"
)

// Request is one client call. ID is echoed back on the matching result;
// Sub names the subscription for subscribe and unsubscribe.
type Request struct {
	ID        uint64              `json:"id"`
	Op        Op                  `json:"op"`
	CallID    domain.CallID       `json:"call_id,omitempty"`
	Feed      domain.FeedName     `json:"feed,omitempty"`
	Record    *domain.CallRecord  `json:"record,omitempty"`
	Candidate domain.IceCandidate `json:"candidate,omitempty"`
	Sub       string              `json:"sub,omitempty"`
}

// Message is a result or a subscription event.
type Message struct {
	Op     Op                 `json:"op"`
	ID     uint64             `json:"id,omitempty"`
	Sub    string             `json:"sub,omitempty"`
	Record *domain.CallRecord `json:"record,omitempty"`
	Change *domain.FeedChange `json:"change,omitempty"`
	Error  *Error             `json:"error,omitempty"`
}

type Code string

const (
	CodeAlreadyExists Code = "already_exists"
	CodeNotFound      Code = "not_found"
	CodeInvalid       Code = "invalid"
	CodeInternal      Code = "internal"
)

type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap maps the code back onto the store sentinels so callers on the far
// side of the socket can use errors.Is as if the store were local.
func (e *Error) Unwrap() error {
	switch e.Code {
	case CodeAlreadyExists:
		return domain.ErrRecordExists
	case CodeNotFound:
		return domain.ErrRecordNotFound
	case CodeInvalid:
		return domain.ErrInvalidCallID
	default:
		return nil
	}
}

// ErrorFrom classifies err for the wire. A nil err gives nil.
func ErrorFrom(err error) *Error {
	if err == nil {
		return nil
	}
	code := CodeInternal
	switch {
	case errors.Is(err, domain.ErrRecordExists):
		code = CodeAlreadyExists
	case errors.Is(err, domain.ErrRecordNotFound):
		code = CodeNotFound
	case errors.Is(err, domain.ErrInvalidCallID), errors.Is(err, ErrBadRequest):
		code = CodeInvalid
	}
	return &Error{Code: code, Message: err.Error()}
}

// ErrBadRequest marks a frame the server could not act on.
var ErrBadRequest = errors.New("bad request")

// Result builds the reply to req.
func Result(req Request, rec *domain.CallRecord, err error) Message {
	return Message{Op: OpResult, ID: req.ID, Record: rec, Error: ErrorFrom(err)}
}

// Err returns the error carried by m, if any.
func (m Message) Err() error {
	if m.Error == nil {
		return nil
	}
	return m.Error
}
