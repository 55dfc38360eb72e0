package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/classlink/live/internal/app"
	"github.com/classlink/live/internal/core"
	"github.com/classlink/live/internal/domain"
)

type SignalWSController struct {
	Presence  *app.Presence
	Relay     *app.Relay
	ReadLimit int64
}

func NewSignalWSController(presence *app.Presence, relay *app.Relay, readLimit int64) *SignalWSController {
	return &SignalWSController{
		Presence:  presence,
		Relay:     relay,
		ReadLimit: readLimit,
	}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request, mints a fresh connection identity and
// registers the user in the presence registry. The stable user identity comes
// from the `uid` query param, falling back to the anonymous client token
// cookie.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	uid := domain.UserID(c.Query("uid"))
	if uid == "" {
		uid = domain.UserID(c.GetString("client_token"))
	}
	name := c.Query("name")

	user, err := domain.NewUser(uid, name)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("bad identity")
		c.Status(http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}

	cid := core.ConnID(uuid.NewString())
	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, 32),
	}
	log.Info().Str("module", "signal").Str("user", string(uid)).Str("conn", string(cid)).Msg("new WS connection")

	sess := core.NewClientSession(user, conn)
	ctl.Presence.Register(cid, sess)
	ctl.broadcastOnline()

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, cid, conn)
}
