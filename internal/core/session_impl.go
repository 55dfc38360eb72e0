package core

import "github.com/classlink/live/internal/domain"

// clientSession implements ClientSession by pairing meta + transport.
type clientSession struct {
	user *domain.User
	conn SignalConnection
}

func NewClientSession(user *domain.User, conn SignalConnection) ClientSession {
	return &clientSession{user: user, conn: conn}
}

func (s *clientSession) User() *domain.User       { return s.user }
func (s *clientSession) Signal() SignalConnection { return s.conn }
