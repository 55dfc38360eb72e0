package signal

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/classlink/live/internal/core"
	"github.com/classlink/live/internal/domain"
	"github.com/classlink/live/internal/protocol"
)

// handleChatEvent forwards message/typing/read-receipt/reaction events to the
// receiver's current connection. Offline receivers drop the event; durable
// delivery is the REST persistence layer's job, not ours.
func (ctl *SignalWSController) handleChatEvent(cid core.ConnID, kind string, data []byte) {
	receiver, ok := chatReceiver(kind, data)
	if !ok {
		log.Error().Str("module", "signal").Str("kind", kind).Msg("bad chat payload")
		return
	}
	if receiver == "" {
		log.Warn().Str("module", "signal").Str("kind", kind).Msg("chat event without receiver")
		return
	}
	if _, err := ctl.Relay.ToUser(receiver, kind, json.RawMessage(data)); err != nil {
		// Fire-and-forget: the receiver is offline, nothing to do live.
		log.Debug().Err(err).Str("module", "signal").Str("conn", string(cid)).Str("kind", kind).Msg("chat event dropped")
	}
}

func chatReceiver(kind string, data []byte) (domain.UserID, bool) {
	switch kind {
	case protocol.KindMessage:
		var p protocol.ChatMessage
		if err := json.Unmarshal(data, &p); err != nil {
			return "", false
		}
		return p.Receiver, true
	case protocol.KindTyping:
		var p protocol.Typing
		if err := json.Unmarshal(data, &p); err != nil {
			return "", false
		}
		return p.Receiver, true
	case protocol.KindReadReceipt:
		var p protocol.ReadReceipt
		if err := json.Unmarshal(data, &p); err != nil {
			return "", false
		}
		return p.Receiver, true
	case protocol.KindReaction:
		var p protocol.Reaction
		if err := json.Unmarshal(data, &p); err != nil {
			return "", false
		}
		return p.Receiver, true
	}
	return "", false
}
