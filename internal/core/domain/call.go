package domain

type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// SessionDescription is passed through the core unexamined.
type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// IceCandidate is one discovered network path, encoded by the transport.
type IceCandidate string

// CallRecord is the shared document for one call. Offer is written once by
// the offerer, Answer once by the answerer, never before Offer.
type CallRecord struct {
	Offer  *SessionDescription `json:"offer,omitempty"`
	Answer *SessionDescription `json:"answer,omitempty"`
}

func (r CallRecord) HasOffer() bool  { return r.Offer != nil }
func (r CallRecord) HasAnswer() bool { return r.Answer != nil }

// Clone returns a copy that shares no pointers with r.
func (r CallRecord) Clone() CallRecord {
	var c CallRecord
	if r.Offer != nil {
		o := *r.Offer
		c.Offer = &o
	}
	if r.Answer != nil {
		a := *r.Answer
		c.Answer = &a
	}
	return c
}

// Merge overlays the non-nil fields of update onto r.
func (r CallRecord) Merge(update CallRecord) CallRecord {
	out := r.Clone()
	u := update.Clone()
	if u.Offer != nil {
		out.Offer = u.Offer
	}
	if u.Answer != nil {
		out.Answer = u.Answer
	}
	return out
}

type FeedName string

const (
	// FeedOfferCandidates carries offerer→answerer candidates.
	FeedOfferCandidates FeedName = "offerCandidates"
	// FeedAnswerCandidates carries answerer→offerer candidates.
	FeedAnswerCandidates FeedName = "answerCandidates"
)

func (f FeedName) Valid() bool {
	return f == FeedOfferCandidates || f == FeedAnswerCandidates
}

type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

// FeedChange is one notification from a candidate feed subscription.
type FeedChange struct {
	Kind      ChangeKind   `json:"kind"`
	Seq       int64        `json:"seq"`
	Candidate IceCandidate `json:"candidate"`
}

// Channels are the three logical handles a session works with.
type Channels struct {
	Record CallID
	Local  FeedName
	Remote FeedName
}
