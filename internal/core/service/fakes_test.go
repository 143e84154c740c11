package service

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/Wyydra/trickle/internal/core/domain"
	"github.com/Wyydra/trickle/internal/core/port"
)

type feedKey struct {
	id   domain.CallID
	feed domain.FeedName
}

// fakeStore delivers notifications synchronously, inside the writing call.
type fakeStore struct {
	mu         sync.Mutex
	records    map[domain.CallID]domain.CallRecord
	feeds      map[feedKey][]domain.IceCandidate
	recordSubs map[int]recordSub
	feedSubs   map[int]feedSub
	nextSub    int
	ops        []string

	createErr          error
	updateErr          error
	readErr            error
	appendErr          error
	subscribeRecordErr error
	subscribeFeedErr   error
}

type recordSub struct {
	id domain.CallID
	fn func(domain.CallRecord)
}

type feedSub struct {
	key feedKey
	fn  func(domain.FeedChange)
}

type fakeSubscription struct {
	store *fakeStore
	id    int
}

func (s *fakeSubscription) Cancel() {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	delete(s.store.recordSubs, s.id)
	delete(s.store.feedSubs, s.id)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records:    make(map[domain.CallID]domain.CallRecord),
		feeds:      make(map[feedKey][]domain.IceCandidate),
		recordSubs: make(map[int]recordSub),
		feedSubs:   make(map[int]feedSub),
	}
}

func (f *fakeStore) CreateRecord(_ context.Context, id domain.CallID, rec domain.CallRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "create")
	if f.createErr != nil {
		return f.createErr
	}
	if _, ok := f.records[id]; ok {
		return domain.ErrRecordExists
	}
	f.records[id] = rec.Clone()
	f.notifyRecordLocked(id)
	return nil
}

func (f *fakeStore) UpdateRecord(_ context.Context, id domain.CallID, rec domain.CallRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "update")
	if f.updateErr != nil {
		return f.updateErr
	}
	cur, ok := f.records[id]
	if !ok {
		return domain.ErrRecordNotFound
	}
	f.records[id] = cur.Merge(rec)
	f.notifyRecordLocked(id)
	return nil
}

func (f *fakeStore) ReadRecord(_ context.Context, id domain.CallID) (domain.CallRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "read")
	if f.readErr != nil {
		return domain.CallRecord{}, f.readErr
	}
	rec, ok := f.records[id]
	if !ok {
		return domain.CallRecord{}, domain.ErrRecordNotFound
	}
	return rec.Clone(), nil
}

func (f *fakeStore) AppendToFeed(_ context.Context, id domain.CallID, feed domain.FeedName, c domain.IceCandidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "append:"+string(feed))
	if f.appendErr != nil {
		return f.appendErr
	}
	key := feedKey{id: id, feed: feed}
	f.feeds[key] = append(f.feeds[key], c)
	change := domain.FeedChange{Kind: domain.ChangeAdded, Seq: int64(len(f.feeds[key])), Candidate: c}
	for _, sub := range f.feedSubs {
		if sub.key == key {
			sub.fn(change)
		}
	}
	return nil
}

func (f *fakeStore) SubscribeRecord(_ context.Context, id domain.CallID, fn func(domain.CallRecord)) (port.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "subscribe-record")
	if f.subscribeRecordErr != nil {
		return nil, f.subscribeRecordErr
	}
	f.nextSub++
	f.recordSubs[f.nextSub] = recordSub{id: id, fn: fn}
	if rec, ok := f.records[id]; ok {
		fn(rec.Clone())
	}
	return &fakeSubscription{store: f, id: f.nextSub}, nil
}

func (f *fakeStore) SubscribeFeedAppends(_ context.Context, id domain.CallID, feed domain.FeedName, fn func(domain.FeedChange)) (port.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "subscribe-feed:"+string(feed))
	if f.subscribeFeedErr != nil {
		return nil, f.subscribeFeedErr
	}
	key := feedKey{id: id, feed: feed}
	f.nextSub++
	f.feedSubs[f.nextSub] = feedSub{key: key, fn: fn}
	for i, c := range f.feeds[key] {
		fn(domain.FeedChange{Kind: domain.ChangeAdded, Seq: int64(i + 1), Candidate: c})
	}
	return &fakeSubscription{store: f, id: f.nextSub}, nil
}

func (f *fakeStore) notifyRecordLocked(id domain.CallID) {
	rec := f.records[id]
	for _, sub := range f.recordSubs {
		if sub.id == id {
			sub.fn(rec.Clone())
		}
	}
}

// fireRecord redelivers rec to record subscribers without storing it.
func (f *fakeStore) fireRecord(id domain.CallID, rec domain.CallRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.recordSubs {
		if sub.id == id {
			sub.fn(rec.Clone())
		}
	}
}

// fireFeed delivers an arbitrary change to feed subscribers.
func (f *fakeStore) fireFeed(id domain.CallID, feed domain.FeedName, change domain.FeedChange) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.feedSubs {
		if sub.key == (feedKey{id: id, feed: feed}) {
			sub.fn(change)
		}
	}
}

func (f *fakeStore) record(id domain.CallID) (domain.CallRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	return rec.Clone(), ok
}

func (f *fakeStore) feed(id domain.CallID, feed domain.FeedName) []domain.IceCandidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.feeds[feedKey{id: id, feed: feed}])
}

func (f *fakeStore) activeSubscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.recordSubs) + len(f.feedSubs)
}

func (f *fakeStore) opLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.ops)
}

// fakeTransport records every call. When autoConnect is set it reports
// connected as soon as both descriptions are in place.
type fakeTransport struct {
	mu sync.Mutex

	sdp             map[domain.SDPType]string
	localCandidates []domain.IceCandidate
	autoConnect     bool
	errs            map[string]error

	calls              []string
	remoteDescriptions []domain.SessionDescription
	remoteCandidates   []domain.IceCandidate
	localSet           bool
	remoteSet          bool
	connected          bool
	closed             bool

	localFn func(*domain.IceCandidate)
	connFn  func(domain.ConnectivityState)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sdp: map[domain.SDPType]string{
			domain.SDPTypeOffer:  "OFFER_SDP",
			domain.SDPTypeAnswer: "ANSWER_SDP",
		},
		autoConnect: true,
		errs:        make(map[string]error),
	}
}

func (t *fakeTransport) CreateLocalDescription(_ context.Context, kind domain.SDPType) (domain.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, "create-"+string(kind))
	if err := t.errs["create"]; err != nil {
		return domain.SessionDescription{}, err
	}
	return domain.SessionDescription{Type: kind, SDP: t.sdp[kind]}, nil
}

func (t *fakeTransport) SetLocalDescription(desc domain.SessionDescription) error {
	t.mu.Lock()
	t.calls = append(t.calls, "set-local:"+desc.SDP)
	if err := t.errs["set-local"]; err != nil {
		t.mu.Unlock()
		return err
	}
	t.localSet = true
	candidates := slices.Clone(t.localCandidates)
	localFn := t.localFn
	t.mu.Unlock()

	if localFn != nil && len(candidates) > 0 {
		for i := range candidates {
			localFn(&candidates[i])
		}
		localFn(nil)
	}
	t.maybeConnect()
	return nil
}

func (t *fakeTransport) SetRemoteDescription(desc domain.SessionDescription) error {
	t.mu.Lock()
	t.calls = append(t.calls, "set-remote:"+desc.SDP)
	if err := t.errs["set-remote"]; err != nil {
		t.mu.Unlock()
		return err
	}
	t.remoteSet = true
	t.remoteDescriptions = append(t.remoteDescriptions, desc)
	t.mu.Unlock()

	t.maybeConnect()
	return nil
}

func (t *fakeTransport) AddRemoteCandidate(c domain.IceCandidate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, "add-candidate:"+string(c))
	if err := t.errs["add-candidate"]; err != nil {
		return err
	}
	if !t.remoteSet {
		return fmt.Errorf("candidate %s added before remote description", c)
	}
	t.remoteCandidates = append(t.remoteCandidates, c)
	return nil
}

func (t *fakeTransport) OnLocalCandidate(fn func(*domain.IceCandidate)) {
	t.mu.Lock()
	t.localFn = fn
	t.mu.Unlock()
}

func (t *fakeTransport) OnConnectivityChange(fn func(domain.ConnectivityState)) {
	t.mu.Lock()
	t.connFn = fn
	t.mu.Unlock()
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) maybeConnect() {
	t.mu.Lock()
	fire := t.autoConnect && t.localSet && t.remoteSet && !t.connected
	if fire {
		t.connected = true
	}
	connFn := t.connFn
	t.mu.Unlock()

	if fire && connFn != nil {
		connFn(domain.ConnectivityConnected)
	}
}

func (t *fakeTransport) emitConnectivity(state domain.ConnectivityState) {
	t.mu.Lock()
	connFn := t.connFn
	t.mu.Unlock()
	connFn(state)
}

func (t *fakeTransport) callLog() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.calls)
}

func (t *fakeTransport) remoteCandidateLog() []domain.IceCandidate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.remoteCandidates)
}

func (t *fakeTransport) remoteDescriptionLog() []domain.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.remoteDescriptions)
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeFactory struct {
	mu         sync.Mutex
	transports []*fakeTransport
	configure  func(*fakeTransport)
	err        error
}

func (f *fakeFactory) NewTransport(context.Context) (port.PeerTransport, error) {
	if f.err != nil {
		return nil, f.err
	}
	t := newFakeTransport()
	if f.configure != nil {
		f.configure(t)
	}
	f.mu.Lock()
	f.transports = append(f.transports, t)
	f.mu.Unlock()
	return t, nil
}

func (f *fakeFactory) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transports[len(f.transports)-1]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitForState(t *testing.T, s *NegotiationSession, want domain.State) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool {
		return s.State() == want
	})
}

func indexOf(calls []string, want string) int {
	return slices.Index(calls, want)
}

// syncBuffer lets the session loop and the test share a log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
