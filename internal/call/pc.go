package call

import (
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/classlink/live/internal/protocol"
)

// PeerConnection wraps a pion peer connection for one call session.
//
// Remote candidates arriving before the remote description is set are queued
// and flushed right after SetRemoteDescription completes, so trickled ICE is
// never dropped.
type PeerConnection struct {
	pc    *webrtc.PeerConnection
	onICE func(protocol.ICECandidate)

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	closed    bool
}

func NewPeerConnection(servers []webrtc.ICEServer, onICE func(protocol.ICECandidate)) (*PeerConnection, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(ir))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, err
	}
	c := &PeerConnection{pc: pc, onICE: onICE}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "call.pc").Str("ice_state", s.String()).Msg("ICE state")
	})
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil || c.onICE == nil {
			return
		}
		ci := cand.ToJSON()
		out := protocol.ICECandidate{
			Type:      protocol.KindICECandidate,
			Candidate: ci.Candidate,
		}
		if ci.SDPMid != nil {
			out.SDPMid = *ci.SDPMid
		}
		if ci.SDPMLineIndex != nil {
			out.SDPMLineIndex = *ci.SDPMLineIndex
		}
		c.onICE(out)
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().Str("module", "call.pc").Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).Msg("remote track received")
	})

	return c, nil
}

// AttachLocal adds every local track of the stream to the connection.
func (c *PeerConnection) AttachLocal(s Stream) error {
	for _, t := range s.Tracks() {
		rt := t.RTPTrack()
		if rt == nil {
			continue
		}
		if _, err := c.pc.AddTrack(rt); err != nil {
			return err
		}
	}
	return nil
}

// CreateOffer produces the local offer. Candidates trickle through the
// onICE callback as they are gathered.
func (c *PeerConnection) CreateOffer() (string, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

// ApplyOfferAndCreateAnswer runs the callee side of negotiation.
func (c *PeerConnection) ApplyOfferAndCreateAnswer(sdp string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return "", err
	}
	c.flushPending()
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

// ApplyAnswer completes the caller side of negotiation.
func (c *PeerConnection) ApplyAnswer(sdp string) error {
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := c.pc.SetRemoteDescription(answer); err != nil {
		return err
	}
	c.flushPending()
	return nil
}

// AddRemoteCandidate applies a relayed candidate, buffering it when the
// remote description is not in place yet.
func (c *PeerConnection) AddRemoteCandidate(msg protocol.ICECandidate) error {
	ci := webrtc.ICECandidateInit{Candidate: msg.Candidate}
	if msg.SDPMid != "" {
		mid := msg.SDPMid
		ci.SDPMid = &mid
	}
	idx := msg.SDPMLineIndex
	ci.SDPMLineIndex = &idx

	c.mu.Lock()
	if !c.remoteSet {
		c.pending = append(c.pending, ci)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.pc.AddICECandidate(ci)
}

func (c *PeerConnection) flushPending() {
	c.mu.Lock()
	c.remoteSet = true
	queued := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, ci := range queued {
		if err := c.pc.AddICECandidate(ci); err != nil {
			log.Warn().Err(err).Str("module", "call.pc").Msg("buffered candidate rejected")
		}
	}
}

// PendingCandidates reports how many remote candidates are still buffered.
func (c *PeerConnection) PendingCandidates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *PeerConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.pc.Close()
}
