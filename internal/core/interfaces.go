package core

import (
	"errors"

	"github.com/classlink/live/internal/domain"
)

// Frame is a raw serialized signaling payload.
type Frame []byte

// ConnID identifies one live transport connection. It is ephemeral: a
// reconnecting user gets a fresh ConnID while keeping the same domain.UserID.
type ConnID string

var ErrBackpressure = errors.New("backpressure")

// SignalConnection abstracts a system messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// ClientSession binds a user's meta to its transport endpoint.
// This is what the presence registry stores and the relays fan out to.
type ClientSession interface {
	User() *domain.User
	Signal() SignalConnection
}
