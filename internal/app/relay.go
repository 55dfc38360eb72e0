package app

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/classlink/live/internal/core"
	"github.com/classlink/live/internal/domain"
)

var (
	// ErrTargetOffline means the user has no live connection. Callers treat
	// it as "peer is offline", not a protocol error.
	ErrTargetOffline = errors.New("target user offline")
	// ErrConnGone means the named connection identity no longer exists.
	ErrConnGone = errors.New("target connection gone")
)

// Relay forwards self-contained signaling and chat payloads between two
// identified connections. It holds no call state across messages: a relay
// restart loses nothing because there was nothing to lose.
type Relay struct {
	Presence *Presence
}

func NewRelay(p *Presence) *Relay {
	return &Relay{Presence: p}
}

// ToUser resolves the target user's current connection and forwards the
// payload. Returns the resolved connection identity on success.
func (r *Relay) ToUser(target domain.UserID, kind string, v any) (core.ConnID, error) {
	cid, sess, ok := r.Presence.LookupUser(target)
	if !ok {
		droppedTotal.WithLabelValues(kind, "offline").Inc()
		return "", fmt.Errorf("%w: %s", ErrTargetOffline, target)
	}
	r.deliver(sess, kind, v)
	return cid, nil
}

// ToConn forwards the payload to a connection identity verbatim.
func (r *Relay) ToConn(target core.ConnID, kind string, v any) error {
	sess, ok := r.Presence.LookupConn(target)
	if !ok {
		droppedTotal.WithLabelValues(kind, "conn_gone").Inc()
		return fmt.Errorf("%w: %s", ErrConnGone, target)
	}
	r.deliver(sess, kind, v)
	return nil
}

// deliver marshals and pushes one frame. A slow consumer drops the frame;
// its own pumps will close the connection if it stays stuck.
func (r *Relay) deliver(sess core.ClientSession, kind string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "app.relay").Str("kind", kind).Msg("marshal")
		return
	}
	if err := sess.Signal().TrySend(core.Frame(b)); err != nil {
		droppedTotal.WithLabelValues(kind, "backpressure").Inc()
		log.Warn().Err(err).Str("module", "app.relay").Str("kind", kind).Msg("dropped frame")
		return
	}
	relayedTotal.WithLabelValues(kind).Inc()
}
