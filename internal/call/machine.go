package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/classlink/live/internal/core"
	"github.com/classlink/live/internal/domain"
	"github.com/classlink/live/internal/protocol"
)

var (
	// ErrNotIdle means a call attempt was made while another call is live.
	ErrNotIdle = errors.New("call already in progress")
	// ErrNoIncomingCall means accept/reject without a ringing incoming call.
	ErrNoIncomingCall = errors.New("no incoming call")
	// ErrPeerOffline means the callee had no live connection.
	ErrPeerOffline = errors.New("peer is offline")
	// ErrCallRejected means the remote side declined the call.
	ErrCallRejected = errors.New("call rejected")
	// ErrRingTimeout means nobody answered before the ring timeout expired.
	ErrRingTimeout = errors.New("ring timeout")
)

// DefaultRingTimeout bounds how long calling/incoming may ring.
const DefaultRingTimeout = 30 * time.Second

// MediaSession is the slice of the media orchestrator the state machine
// drives. *Orchestrator implements it; tests substitute a fake.
type MediaSession interface {
	StartOffer(ctx context.Context) (string, error)
	StartAnswer(ctx context.Context, offer string) (string, error)
	CompleteAnswer(answer string) error
	AddRemoteCandidate(msg protocol.ICECandidate) error
	ToggleAudio() bool
	ToggleVideo() bool
	Teardown()
	OnCandidate(fn func(protocol.ICECandidate))
}

// Machine is one client's call lifecycle: idle, calling, incoming,
// connected. Every mutation happens under one mutex, so whichever of two
// racing transitions locks first wins and the loser is busy-signaled — the
// check-and-transition is explicitly atomic here because this runs on a
// multi-threaded runtime, not a browser event loop.
type Machine struct {
	media       MediaSession
	send        func(v any) error
	ringTimeout time.Duration
	displayName string
	onState     func(domain.CallState)
	onError     func(error)

	mu           sync.Mutex
	state        domain.CallState
	epoch        int
	peerConn     core.ConnID
	peerUser     domain.UserID
	peerName     string
	pendingOffer string
	pendingLocal []protocol.ICECandidate
	ringTimer    *time.Timer
}

type MachineConfig struct {
	Media       MediaSession
	Send        func(v any) error
	RingTimeout time.Duration
	DisplayName string
	// OnState and OnError are invoked with the machine lock held; they must
	// not call back into the machine.
	OnState func(domain.CallState)
	OnError func(error)
}

func NewMachine(cfg MachineConfig) *Machine {
	m := &Machine{
		media:       cfg.Media,
		send:        cfg.Send,
		ringTimeout: cfg.RingTimeout,
		displayName: cfg.DisplayName,
		onState:     cfg.OnState,
		onError:     cfg.OnError,
		state:       domain.CallStateIdle,
	}
	if m.ringTimeout <= 0 {
		m.ringTimeout = DefaultRingTimeout
	}
	m.media.OnCandidate(m.onLocalCandidate)
	return m
}

func (m *Machine) State() domain.CallState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// PeerName is the display name of the remote party while a call is live.
func (m *Machine) PeerName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peerName
}

// StartCall acquires local media, builds the peer connection and sends the
// offer. The state flips to calling before media acquisition so a
// concurrent incoming call sees busy; a media failure rolls back to idle
// without any signaling sent.
func (m *Machine) StartCall(ctx context.Context, target domain.UserID) error {
	m.mu.Lock()
	if m.state != domain.CallStateIdle {
		m.mu.Unlock()
		return ErrNotIdle
	}
	m.epoch++
	epoch := m.epoch
	m.peerUser = target
	m.setState(domain.CallStateCalling)
	m.mu.Unlock()

	sdp, err := m.media.StartOffer(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch || m.state != domain.CallStateCalling {
		// A disconnect (or anything else) already reset us; discard.
		m.media.Teardown()
		return errors.New("call attempt superseded")
	}
	if err != nil {
		m.toIdleLocked()
		m.fail(err)
		return err
	}

	if err := m.send(protocol.CallInitiate{
		Type:       protocol.KindCallInitiate,
		TargetUser: target,
		SDP:        sdp,
		CallerName: m.displayName,
	}); err != nil {
		m.toIdleLocked()
		return err
	}
	m.startRingTimerLocked(epoch)
	log.Info().Str("module", "call.machine").Str("target", string(target)).Msg("call initiated")
	return nil
}

// HandleIncoming reacts to a relayed offer. Only an idle machine rings;
// anything else auto-rejects with a busy reason so concurrent attempts are
// never queued or merged.
func (m *Machine) HandleIncoming(msg protocol.IncomingCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Busy() {
		log.Info().Str("module", "call.machine").Str("from", string(msg.FromConn)).Msg("busy, auto-rejecting")
		_ = m.send(protocol.CallReject{
			Type:       protocol.KindCallReject,
			TargetConn: msg.FromConn,
			Reason:     protocol.RejectReasonBusy,
		})
		return
	}
	m.epoch++
	m.peerConn = msg.FromConn
	m.peerName = msg.CallerName
	m.pendingOffer = msg.SDP
	m.setState(domain.CallStateIncoming)
	m.startRingTimerLocked(m.epoch)
}

// Accept answers the ringing call. Media acquisition is deferred to this
// point, so a plain reject never touches the devices.
func (m *Machine) Accept(ctx context.Context) error {
	m.mu.Lock()
	if m.state != domain.CallStateIncoming {
		m.mu.Unlock()
		return ErrNoIncomingCall
	}
	epoch := m.epoch
	offer := m.pendingOffer
	m.stopRingTimerLocked()
	m.mu.Unlock()

	sdp, err := m.media.StartAnswer(ctx, offer)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch || m.state != domain.CallStateIncoming {
		m.media.Teardown()
		return errors.New("call ended before accept completed")
	}
	if err != nil {
		m.toIdleLocked()
		m.fail(err)
		return err
	}

	if err := m.send(protocol.CallAccept{
		Type:       protocol.KindCallAccept,
		TargetConn: m.peerConn,
		SDP:        sdp,
	}); err != nil {
		m.toIdleLocked()
		return err
	}
	m.setState(domain.CallStateConnected)
	m.flushLocalCandidatesLocked()
	return nil
}

// Reject declines the ringing call. No media was acquired yet, so nothing
// can leak; teardown runs anyway because every road to idle goes through it.
func (m *Machine) Reject() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != domain.CallStateIncoming {
		return ErrNoIncomingCall
	}
	_ = m.send(protocol.CallReject{
		Type:       protocol.KindCallReject,
		TargetConn: m.peerConn,
	})
	m.toIdleLocked()
	return nil
}

// HandleAccepted completes caller-side negotiation with the callee's answer.
// A stale accept after the call already ended is a no-op: idle is
// authoritative.
func (m *Machine) HandleAccepted(msg protocol.CallAccepted) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != domain.CallStateCalling {
		log.Info().Str("module", "call.machine").Msg("stale call-accepted ignored")
		return
	}
	if err := m.media.CompleteAnswer(msg.SDP); err != nil {
		// Malformed SDP is fatal to this session, never retried.
		log.Error().Err(err).Str("module", "call.machine").Msg("apply answer failed")
		_ = m.send(protocol.CallEnd{Type: protocol.KindCallEnd, TargetConn: msg.FromConn})
		m.toIdleLocked()
		m.fail(err)
		return
	}
	m.peerConn = msg.FromConn
	m.stopRingTimerLocked()
	m.setState(domain.CallStateConnected)
	m.flushLocalCandidatesLocked()
}

// HandleRejected reacts to a remote reject (manual or busy).
func (m *Machine) HandleRejected(msg protocol.CallRejected) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != domain.CallStateCalling {
		return
	}
	m.toIdleLocked()
	if msg.Reason != "" {
		m.fail(fmt.Errorf("%w: %s", ErrCallRejected, msg.Reason))
	} else {
		m.fail(ErrCallRejected)
	}
}

// HandleEnded reacts to a remote hangup in any live state; a stale end on an
// idle machine is a no-op.
func (m *Machine) HandleEnded() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == domain.CallStateIdle {
		return
	}
	m.toIdleLocked()
}

// HandleOffline reacts to the relay's target-offline reply.
func (m *Machine) HandleOffline(msg protocol.UserOffline) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != domain.CallStateCalling {
		return
	}
	m.toIdleLocked()
	m.fail(fmt.Errorf("%w: %s", ErrPeerOffline, msg.TargetUser))
}

// End hangs up locally from any live state, including canceling a still
// ringing outgoing call.
func (m *Machine) End() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == domain.CallStateIdle {
		return
	}
	m.sendEndLocked()
	m.toIdleLocked()
}

// sendEndLocked addresses the hangup by connection when known, falling back
// to the target user for a pre-answer cancel.
func (m *Machine) sendEndLocked() {
	switch {
	case m.peerConn != "":
		_ = m.send(protocol.CallEnd{Type: protocol.KindCallEnd, TargetConn: m.peerConn})
	case m.peerUser != "":
		_ = m.send(protocol.CallEnd{Type: protocol.KindCallEnd, TargetUser: m.peerUser})
	}
}

// HandleTransportDisconnect is the unconditional safety transition: no call
// state survives a lost connection to the relay.
func (m *Machine) HandleTransportDisconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == domain.CallStateIdle {
		// Teardown stays idempotent even when already idle.
		m.media.Teardown()
		return
	}
	m.toIdleLocked()
}

// HandleRemoteCandidate forwards a relayed candidate; candidates for a call
// that no longer exists are dropped.
func (m *Machine) HandleRemoteCandidate(msg protocol.ICECandidate) {
	m.mu.Lock()
	live := m.state != domain.CallStateIdle
	m.mu.Unlock()
	if !live {
		return
	}
	if err := m.media.AddRemoteCandidate(msg); err != nil {
		log.Warn().Err(err).Str("module", "call.machine").Msg("remote candidate rejected")
	}
}

// onLocalCandidate routes locally gathered candidates to the peer. The
// caller does not know the callee's connection identity until call-accepted
// arrives, so early candidates are buffered and flushed then.
func (m *Machine) onLocalCandidate(msg protocol.ICECandidate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == domain.CallStateIdle {
		return
	}
	if m.peerConn == "" {
		m.pendingLocal = append(m.pendingLocal, msg)
		return
	}
	msg.TargetConn = m.peerConn
	_ = m.send(msg)
}

func (m *Machine) flushLocalCandidatesLocked() {
	for _, msg := range m.pendingLocal {
		msg.TargetConn = m.peerConn
		_ = m.send(msg)
	}
	m.pendingLocal = nil
}

func (m *Machine) startRingTimerLocked(epoch int) {
	m.stopRingTimerLocked()
	m.ringTimer = time.AfterFunc(m.ringTimeout, func() { m.onRingTimeout(epoch) })
}

func (m *Machine) stopRingTimerLocked() {
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
}

func (m *Machine) onRingTimeout(epoch int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch || !m.state.Ringing() {
		return
	}
	switch m.state {
	case domain.CallStateCalling:
		m.sendEndLocked()
	case domain.CallStateIncoming:
		_ = m.send(protocol.CallReject{Type: protocol.KindCallReject, TargetConn: m.peerConn})
	}
	m.toIdleLocked()
	m.fail(ErrRingTimeout)
}

// toIdleLocked is the single road back to idle: timer stopped, references
// cleared, media torn down. Teardown itself is idempotent, so overlapping
// exits (reject then disconnect) are safe.
func (m *Machine) toIdleLocked() {
	m.stopRingTimerLocked()
	m.epoch++
	m.peerConn = ""
	m.peerUser = ""
	m.peerName = ""
	m.pendingOffer = ""
	m.pendingLocal = nil
	m.setState(domain.CallStateIdle)
	m.media.Teardown()
}

func (m *Machine) setState(s domain.CallState) {
	if m.state == s {
		return
	}
	m.state = s
	log.Info().Str("module", "call.machine").Str("state", string(s)).Msg("state")
	if m.onState != nil {
		m.onState(s)
	}
}

func (m *Machine) fail(err error) {
	if m.onError != nil {
		m.onError(err)
	}
}
