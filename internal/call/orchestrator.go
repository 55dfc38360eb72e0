package call

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/classlink/live/internal/protocol"
)

var (
	// ErrPermissionDenied means the user refused camera/microphone access.
	// Recoverable: the call attempt aborts locally, nothing reaches the peer.
	ErrPermissionDenied = errors.New("media permission denied")
	// ErrDeviceUnavailable means no usable capture device was found.
	ErrDeviceUnavailable = errors.New("media device unavailable")
)

// Track is one local media track. SetEnabled flips delivery without
// renegotiation; the peer just receives silence/black frames.
type Track interface {
	Kind() string
	Enabled() bool
	SetEnabled(bool)
	Stop() error
	// RTPTrack exposes the underlying local track for attachment to a peer
	// connection; nil when the track is synthetic (tests, receive-only).
	RTPTrack() webrtc.TrackLocal
}

const (
	TrackKindAudio = "audio"
	TrackKindVideo = "video"
)

// Stream is an acquired local media stream.
type Stream interface {
	Tracks() []Track
}

// MediaSource acquires local audio+video. Acquisition can suspend
// arbitrarily long on user permission; callers pass a context.
type MediaSource interface {
	Acquire(ctx context.Context) (Stream, error)
}

// peerLink is the slice of PeerConnection the orchestrator drives; tests
// substitute a fake.
type peerLink interface {
	AttachLocal(Stream) error
	CreateOffer() (string, error)
	ApplyOfferAndCreateAnswer(sdp string) (string, error)
	ApplyAnswer(sdp string) error
	AddRemoteCandidate(protocol.ICECandidate) error
	Close() error
}

// Orchestrator owns the local media stream and the peer connection for at
// most one live call and guarantees both are released on every exit path.
type Orchestrator struct {
	source  MediaSource
	iceCfg  *ICEConfigClient
	newLink func(servers []webrtc.ICEServer, onICE func(protocol.ICECandidate)) (peerLink, error)

	onCandidate func(protocol.ICECandidate)

	mu     sync.Mutex
	stream Stream
	link   peerLink
}

func NewOrchestrator(source MediaSource, iceCfg *ICEConfigClient) *Orchestrator {
	return &Orchestrator{
		source: source,
		iceCfg: iceCfg,
		newLink: func(servers []webrtc.ICEServer, onICE func(protocol.ICECandidate)) (peerLink, error) {
			return NewPeerConnection(servers, onICE)
		},
	}
}

// OnCandidate registers the sink for locally gathered ICE candidates. Must
// be set before the first call setup.
func (o *Orchestrator) OnCandidate(fn func(protocol.ICECandidate)) {
	o.onCandidate = fn
}

// StartOffer runs the caller-side setup: acquire media, build the peer
// connection, produce the offer. Any failure releases everything acquired so
// far.
func (o *Orchestrator) StartOffer(ctx context.Context) (string, error) {
	link, err := o.setup(ctx)
	if err != nil {
		return "", err
	}
	sdp, err := link.CreateOffer()
	if err != nil {
		o.Teardown()
		return "", err
	}
	return sdp, nil
}

// StartAnswer runs the callee-side setup against the buffered remote offer.
func (o *Orchestrator) StartAnswer(ctx context.Context, offer string) (string, error) {
	link, err := o.setup(ctx)
	if err != nil {
		return "", err
	}
	sdp, err := link.ApplyOfferAndCreateAnswer(offer)
	if err != nil {
		o.Teardown()
		return "", err
	}
	return sdp, nil
}

func (o *Orchestrator) setup(ctx context.Context) (peerLink, error) {
	stream, err := o.source.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	servers := o.iceCfg.Servers(ctx)
	link, err := o.newLink(servers, o.onCandidate)
	if err != nil {
		stopTracks(stream)
		return nil, err
	}
	if err := link.AttachLocal(stream); err != nil {
		stopTracks(stream)
		_ = link.Close()
		return nil, err
	}

	o.mu.Lock()
	o.stream = stream
	o.link = link
	o.mu.Unlock()
	return link, nil
}

// CompleteAnswer finishes caller-side negotiation with the relayed answer.
func (o *Orchestrator) CompleteAnswer(answer string) error {
	o.mu.Lock()
	link := o.link
	o.mu.Unlock()
	if link == nil {
		return errors.New("no live peer connection")
	}
	return link.ApplyAnswer(answer)
}

// AddRemoteCandidate forwards a relayed candidate to the live connection.
// Candidates for an already-ended call are dropped silently.
func (o *Orchestrator) AddRemoteCandidate(msg protocol.ICECandidate) error {
	o.mu.Lock()
	link := o.link
	o.mu.Unlock()
	if link == nil {
		return nil
	}
	return link.AddRemoteCandidate(msg)
}

// ToggleAudio flips the local audio track. Returns the new muted state.
func (o *Orchestrator) ToggleAudio() bool {
	return o.toggle(TrackKindAudio)
}

// ToggleVideo flips the local video track. Returns the new disabled state.
func (o *Orchestrator) ToggleVideo() bool {
	return o.toggle(TrackKindVideo)
}

func (o *Orchestrator) toggle(kind string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	disabled := false
	if o.stream == nil {
		return disabled
	}
	for _, t := range o.stream.Tracks() {
		if t.Kind() != kind {
			continue
		}
		t.SetEnabled(!t.Enabled())
		disabled = !t.Enabled()
	}
	log.Info().Str("module", "call.media").Str("kind", kind).Bool("disabled", disabled).Msg("toggled track")
	return disabled
}

// Teardown stops every local track, closes the peer connection and clears
// all references. Idempotent: every path back to idle calls it, and calling
// it again is a no-op.
func (o *Orchestrator) Teardown() {
	o.mu.Lock()
	stream := o.stream
	link := o.link
	o.stream = nil
	o.link = nil
	o.mu.Unlock()

	if stream != nil {
		stopTracks(stream)
	}
	if link != nil {
		if err := link.Close(); err != nil {
			log.Warn().Err(err).Str("module", "call.media").Msg("peer connection close")
		}
	}
	if stream != nil || link != nil {
		log.Info().Str("module", "call.media").Msg("teardown complete")
	}
}

func stopTracks(s Stream) {
	for _, t := range s.Tracks() {
		if err := t.Stop(); err != nil {
			log.Warn().Err(err).Str("module", "call.media").Str("kind", t.Kind()).Msg("track stop")
		}
	}
}
