package service

import (
	"fmt"

	"github.com/Wyydra/trickle/internal/core/domain"
)

// CallDirectory mints call identifiers and maps them to the record and feed
// handles a session needs.
type CallDirectory struct{}

func NewCallDirectory() *CallDirectory {
	return &CallDirectory{}
}

func (d *CallDirectory) CreateCallID() domain.CallID {
	return domain.NewCallID()
}

// Resolve derives the channels for id from role's point of view. The local
// feed is the one this participant appends to.
func (d *CallDirectory) Resolve(id domain.CallID, role domain.Role) (domain.Channels, error) {
	callID, err := domain.ParseCallID(id.String())
	if err != nil {
		return domain.Channels{}, err
	}

	switch role {
	case domain.RoleOfferer:
		return domain.Channels{
			Record: callID,
			Local:  domain.FeedOfferCandidates,
			Remote: domain.FeedAnswerCandidates,
		}, nil
	case domain.RoleAnswerer:
		return domain.Channels{
			Record: callID,
			Local:  domain.FeedAnswerCandidates,
			Remote: domain.FeedOfferCandidates,
		}, nil
	default:
		return domain.Channels{}, fmt.Errorf("%w: unknown role %d", domain.ErrInvalidCallID, int(role))
	}
}
