// Package pion implements the peer transport on pion/webrtc.
package pion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Wyydra/trickle/internal/core/domain"
	"github.com/Wyydra/trickle/internal/core/port"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// DefaultICEServers are public STUN servers used when none are configured.
var DefaultICEServers = []string{
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

const (
	candidatePoolSize   = 10
	defaultPLIInterval  = 3 * time.Second
	remoteTrackBufBytes = 1500
)

// MediaSource supplies the local tracks sent on every new connection.
type MediaSource interface {
	Tracks() ([]webrtc.TrackLocal, error)
}

// RemoteTrackHandler receives inbound media. It runs on its own goroutine
// and owns reading from track until it returns.
type RemoteTrackHandler func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)

type Option func(*Factory)

func WithMediaSource(src MediaSource) Option {
	return func(f *Factory) { f.source = src }
}

func WithRemoteTrackHandler(fn RemoteTrackHandler) Option {
	return func(f *Factory) { f.onTrack = fn }
}

// WithPLIInterval sets how often a keyframe is requested on inbound video.
// Zero disables the periodic request.
func WithPLIInterval(d time.Duration) Option {
	return func(f *Factory) { f.pliInterval = d }
}

// Factory implements port.TransportFactory.
type Factory struct {
	api         *webrtc.API
	config      webrtc.Configuration
	source      MediaSource
	onTrack     RemoteTrackHandler
	pliInterval time.Duration
}

func NewFactory(iceServers []string, opts ...Option) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	s := webrtc.SettingEngine{
		LoggerFactory: NewLoggerFactory(log.Logger),
	}

	if len(iceServers) == 0 {
		iceServers = DefaultICEServers
	}

	f := &Factory{
		api: webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(s)),
		config: webrtc.Configuration{
			ICEServers:           []webrtc.ICEServer{{URLs: iceServers}},
			ICECandidatePoolSize: candidatePoolSize,
		},
		pliInterval: defaultPLIInterval,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

func (f *Factory) NewTransport(ctx context.Context) (port.PeerTransport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	t := &Transport{
		pc:          pc,
		onTrack:     f.onTrack,
		pliInterval: f.pliInterval,
		done:        make(chan struct{}),
	}

	if f.source != nil {
		tracks, err := f.source.Tracks()
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("media source: %w", err)
		}
		for _, track := range tracks {
			if _, err := pc.AddTrack(track); err != nil {
				pc.Close()
				return nil, fmt.Errorf("add track %s: %w", track.ID(), err)
			}
		}
	}

	pc.OnICECandidate(t.handleICECandidate)
	pc.OnConnectionStateChange(t.handleConnectionState)
	pc.OnTrack(t.handleTrack)
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("ice_state", s.String()).Msg("ICE connection state changed")
	})

	return t, nil
}

// Transport implements port.PeerTransport over one PeerConnection.
type Transport struct {
	pc          *webrtc.PeerConnection
	onTrack     RemoteTrackHandler
	pliInterval time.Duration

	mu      sync.Mutex
	onLocal func(*domain.IceCandidate)
	onConn  func(domain.ConnectivityState)

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func toSDPType(kind domain.SDPType) (webrtc.SDPType, error) {
	switch kind {
	case domain.SDPTypeOffer:
		return webrtc.SDPTypeOffer, nil
	case domain.SDPTypeAnswer:
		return webrtc.SDPTypeAnswer, nil
	}
	return webrtc.SDPTypeUnknown, fmt.Errorf("unsupported description type %q", kind)
}

func (t *Transport) CreateLocalDescription(ctx context.Context, kind domain.SDPType) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}

	var desc webrtc.SessionDescription
	var err error
	switch kind {
	case domain.SDPTypeOffer:
		if err := t.ensureMediaSections(); err != nil {
			return domain.SessionDescription{}, err
		}
		desc, err = t.pc.CreateOffer(nil)
	case domain.SDPTypeAnswer:
		desc, err = t.pc.CreateAnswer(nil)
	default:
		_, err = toSDPType(kind)
	}
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return domain.SessionDescription{Type: kind, SDP: desc.SDP}, nil
}

// ensureMediaSections adds receive-only audio and video when nothing will be
// sent, so the offer still carries media sections and ICE has something to
// run on.
func (t *Transport) ensureMediaSections() error {
	if len(t.pc.GetTransceivers()) > 0 {
		return nil
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := t.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

func (t *Transport) SetLocalDescription(desc domain.SessionDescription) error {
	typ, err := toSDPType(desc.Type)
	if err != nil {
		return err
	}
	return t.pc.SetLocalDescription(webrtc.SessionDescription{Type: typ, SDP: desc.SDP})
}

func (t *Transport) SetRemoteDescription(desc domain.SessionDescription) error {
	typ, err := toSDPType(desc.Type)
	if err != nil {
		return err
	}
	return t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: desc.SDP})
}

// AddRemoteCandidate takes the JSON form produced by the remote side's
// OnLocalCandidate.
func (t *Transport) AddRemoteCandidate(c domain.IceCandidate) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(c), &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return t.pc.AddICECandidate(init)
}

func (t *Transport) OnLocalCandidate(fn func(*domain.IceCandidate)) {
	t.mu.Lock()
	t.onLocal = fn
	t.mu.Unlock()
}

func (t *Transport) OnConnectivityChange(fn func(domain.ConnectivityState)) {
	t.mu.Lock()
	t.onConn = fn
	t.mu.Unlock()
}

func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.closeErr = t.pc.Close()
	})
	return t.closeErr
}

func (t *Transport) handleICECandidate(c *webrtc.ICECandidate) {
	t.mu.Lock()
	fn := t.onLocal
	t.mu.Unlock()
	if fn == nil {
		return
	}
	if c == nil {
		fn(nil)
		return
	}

	b, err := json.Marshal(c.ToJSON())
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal candidate")
		return
	}
	candidate := domain.IceCandidate(b)
	fn(&candidate)
}

func connectivityFrom(s webrtc.PeerConnectionState) domain.ConnectivityState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return domain.ConnectivityConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.ConnectivityConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.ConnectivityDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.ConnectivityFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.ConnectivityClosed
	default:
		return domain.ConnectivityNew
	}
}

func (t *Transport) handleConnectionState(s webrtc.PeerConnectionState) {
	t.mu.Lock()
	fn := t.onConn
	t.mu.Unlock()
	if fn != nil {
		fn(connectivityFrom(s))
	}
}

func (t *Transport) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	log.Debug().Str("kind", track.Kind().String()).Str("track_id", track.ID()).Msg("Received remote track")

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go t.requestKeyframes(track)
	}

	if t.onTrack != nil {
		go t.onTrack(track, receiver)
		return
	}
	go drain(track)
}

// requestKeyframes sends a PLI at once and then every pliInterval until the
// transport closes.
func (t *Transport) requestKeyframes(track *webrtc.TrackRemote) {
	sendPLI := func() bool {
		err := t.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
		})
		if err != nil && !errors.Is(err, io.ErrClosedPipe) {
			log.Debug().Err(err).Msg("PLI not sent")
		}
		return err == nil
	}

	if !sendPLI() || t.pliInterval <= 0 {
		return
	}

	ticker := time.NewTicker(t.pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if !sendPLI() {
				return
			}
		}
	}
}

// drain keeps an unhandled track's buffers moving.
func drain(track *webrtc.TrackRemote) {
	buf := make([]byte, remoteTrackBufBytes)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
