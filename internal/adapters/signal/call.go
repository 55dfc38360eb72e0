package signal

import (
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/classlink/live/internal/app"
	"github.com/classlink/live/internal/core"
	"github.com/classlink/live/internal/protocol"
)

// handleCallInitiate resolves the callee through presence and forwards the
// offer. An offline target is answered immediately so the caller's state
// machine can fall back to idle.
func (ctl *SignalWSController) handleCallInitiate(cid core.ConnID, c *WsSignalConn, data []byte) {
	var p protocol.CallInitiate
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad call-initiate payload")
		return
	}

	out := protocol.IncomingCall{
		Type:       protocol.KindIncomingCall,
		SDP:        p.SDP,
		FromConn:   cid,
		CallerName: p.CallerName,
	}
	if _, err := ctl.Relay.ToUser(p.TargetUser, protocol.KindIncomingCall, out); err != nil {
		if errors.Is(err, app.ErrTargetOffline) {
			ctl.sendJSON(c, protocol.UserOffline{
				Type:       protocol.KindUserOffline,
				TargetUser: p.TargetUser,
			})
			return
		}
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(cid)).Msg("call-initiate relay")
		return
	}
	log.Info().Str("module", "signal").Str("from", string(cid)).Str("target", string(p.TargetUser)).Msg("call initiated")
}

func (ctl *SignalWSController) handleCallAccept(cid core.ConnID, data []byte) {
	var p protocol.CallAccept
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad call-accept payload")
		return
	}
	out := protocol.CallAccepted{
		Type:     protocol.KindCallAccepted,
		SDP:      p.SDP,
		FromConn: cid,
	}
	if err := ctl.Relay.ToConn(p.TargetConn, protocol.KindCallAccepted, out); err != nil {
		// The caller disconnected between offer and answer. Not fatal.
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(cid)).Msg("call-accept target gone")
	}
}

func (ctl *SignalWSController) handleCallReject(cid core.ConnID, data []byte) {
	var p protocol.CallReject
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad call-reject payload")
		return
	}
	out := protocol.CallRejected{
		Type:   protocol.KindCallRejected,
		Reason: p.Reason,
	}
	if err := ctl.Relay.ToConn(p.TargetConn, protocol.KindCallRejected, out); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(cid)).Msg("call-reject target gone")
	}
}

func (ctl *SignalWSController) handleCallEnd(cid core.ConnID, data []byte) {
	var p protocol.CallEnd
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad call-end payload")
		return
	}
	out := protocol.CallEnded{Type: protocol.KindCallEnded}
	if p.TargetConn != "" {
		if err := ctl.Relay.ToConn(p.TargetConn, protocol.KindCallEnded, out); err != nil {
			log.Warn().Err(err).Str("module", "signal").Str("conn", string(cid)).Msg("call-end target gone")
		}
		return
	}
	if _, err := ctl.Relay.ToUser(p.TargetUser, protocol.KindCallEnded, out); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(cid)).Msg("call-end target offline")
	}
}

func (ctl *SignalWSController) handleCandidate(cid core.ConnID, data []byte) {
	var p protocol.ICECandidate
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad candidate payload")
		return
	}
	target := p.TargetConn
	p.Type = protocol.KindICECandidate
	p.FromConn = cid
	p.TargetConn = ""
	if err := ctl.Relay.ToConn(target, protocol.KindICECandidate, p); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(cid)).Msg("candidate target gone")
	}
}
