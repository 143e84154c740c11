package domain

import (
	"fmt"

	"github.com/google/uuid"
)

const maxCallIDLength = 128

// CallID names one call record in the signaling store. It is shared out of
// band between participants and is not a secret.
type CallID string

func NewCallID() CallID {
	return CallID(uuid.New().String())
}

// ParseCallID validates a human-entered or received identifier.
func ParseCallID(s string) (CallID, error) {
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCallID)
	}
	if len(s) > maxCallIDLength {
		return "", fmt.Errorf("%w: longer than %d bytes", ErrInvalidCallID, maxCallIDLength)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case (c == '-' || c == '_') && i > 0:
		default:
			return "", fmt.Errorf("%w: unexpected character %q at %d", ErrInvalidCallID, c, i)
		}
	}
	return CallID(s), nil
}

func (id CallID) String() string {
	return string(id)
}
