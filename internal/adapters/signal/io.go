package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/classlink/live/internal/core"
	"github.com/classlink/live/internal/protocol"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, cid core.ConnID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("conn", string(cid)).Msg("readPump closing")
		cancel()
		c.Close()
		if ctl.Presence.Unregister(cid) {
			ctl.broadcastOnline()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("conn", string(cid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "signal").Str("conn", string(cid)).Msg("readPump read error")
				return
			}
			ctl.handleSignal(cid, c, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(cid core.ConnID, c *WsSignalConn, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}

	switch env.Type {
	case protocol.KindCallInitiate:
		ctl.handleCallInitiate(cid, c, data)
	case protocol.KindCallAccept:
		ctl.handleCallAccept(cid, data)
	case protocol.KindCallReject:
		ctl.handleCallReject(cid, data)
	case protocol.KindCallEnd:
		ctl.handleCallEnd(cid, data)
	case protocol.KindICECandidate:
		ctl.handleCandidate(cid, data)
	case protocol.KindMessage, protocol.KindTyping, protocol.KindReadReceipt, protocol.KindReaction:
		ctl.handleChatEvent(cid, env.Type, data)
	case protocol.KindPing:
		ctl.handlePing(c)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
	}
}

func (ctl *SignalWSController) sendJSON(c *WsSignalConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}

func (ctl *SignalWSController) handlePing(c *WsSignalConn) {
	ctl.sendJSON(c, protocol.Envelope{Type: protocol.KindPong})
}

// broadcastOnline pushes the full online set to every live connection after
// each presence mutation. Consumers treat it as eventually-consistent
// last-known-state.
func (ctl *SignalWSController) broadcastOnline() {
	msg := protocol.OnlineUsers{
		Type:  protocol.KindOnlineUsers,
		Users: ctl.Presence.Online(),
	}
	b, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("onlineUsers marshal")
		return
	}
	for _, sess := range ctl.Presence.Sessions() {
		_ = sess.Signal().TrySend(core.Frame(b))
	}
}
