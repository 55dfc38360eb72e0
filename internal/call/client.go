package call

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/classlink/live/internal/domain"
	"github.com/classlink/live/internal/protocol"
)

// ClientConfig configures a headless signaling client.
type ClientConfig struct {
	// BaseURL is the http(s) address of the signaling server.
	BaseURL string
	User    *domain.User
	// Media overrides the default capture-backed orchestrator (tests).
	Media       MediaSession
	RingTimeout time.Duration

	OnState       func(domain.CallState)
	OnError       func(error)
	OnOnlineUsers func([]domain.UserID)
	OnChatMessage func(protocol.ChatMessage)
	OnTyping      func(protocol.Typing)
	OnReadReceipt func(protocol.ReadReceipt)
	OnReaction    func(protocol.Reaction)
}

// Client binds the call state machine and media orchestrator to a live
// signaling connection.
type Client struct {
	cfg     ClientConfig
	ws      *websocket.Conn
	writeMu sync.Mutex
	machine *Machine

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to the signaling server and starts the read loop.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.User == nil {
		return nil, domain.ErrUserIDEmpty
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("bad base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/api/ws/signal"
	q := u.Query()
	q.Set("uid", string(cfg.User.ID))
	q.Set("name", cfg.User.DisplayName)
	u.RawQuery = q.Encode()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling server: %w", err)
	}

	c := &Client{
		cfg:  cfg,
		ws:   ws,
		done: make(chan struct{}),
	}

	media := cfg.Media
	if media == nil {
		media = NewOrchestrator(NewCaptureSource(), NewICEConfigClient(cfg.BaseURL+"/api/ice"))
	}
	c.machine = NewMachine(MachineConfig{
		Media:       media,
		Send:        c.sendJSON,
		RingTimeout: cfg.RingTimeout,
		DisplayName: cfg.User.DisplayName,
		OnState:     cfg.OnState,
		OnError:     cfg.OnError,
	})

	go c.readLoop()
	return c, nil
}

// Machine exposes the call state machine for state queries.
func (c *Client) Machine() *Machine { return c.machine }

func (c *Client) StartCall(ctx context.Context, target domain.UserID) error {
	return c.machine.StartCall(ctx, target)
}

func (c *Client) Accept(ctx context.Context) error { return c.machine.Accept(ctx) }
func (c *Client) Reject() error                    { return c.machine.Reject() }
func (c *Client) End()                             { c.machine.End() }

func (c *Client) ToggleAudio() bool { return c.machine.media.ToggleAudio() }
func (c *Client) ToggleVideo() bool { return c.machine.media.ToggleVideo() }

// SendChatMessage relays a message to the receiver's live connection. The
// REST layer is responsible for persisting it; this is live transport only.
func (c *Client) SendChatMessage(receiver domain.UserID, chatID, text string) error {
	return c.sendJSON(protocol.ChatMessage{
		Type:      protocol.KindMessage,
		SenderID:  c.cfg.User.ID,
		Receiver:  receiver,
		ChatID:    chatID,
		Message:   text,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (c *Client) SendTyping(receiver domain.UserID, chatID string, isTyping bool) error {
	return c.sendJSON(protocol.Typing{
		Type:     protocol.KindTyping,
		SenderID: c.cfg.User.ID,
		Receiver: receiver,
		ChatID:   chatID,
		IsTyping: isTyping,
	})
}

func (c *Client) SendReadReceipt(receiver domain.UserID, chatID, messageID string) error {
	return c.sendJSON(protocol.ReadReceipt{
		Type:      protocol.KindReadReceipt,
		ReaderID:  c.cfg.User.ID,
		Receiver:  receiver,
		ChatID:    chatID,
		MessageID: messageID,
	})
}

func (c *Client) SendReaction(receiver domain.UserID, chatID, messageID, emoji string) error {
	return c.sendJSON(protocol.Reaction{
		Type:      protocol.KindReaction,
		SenderID:  c.cfg.User.ID,
		Receiver:  receiver,
		ChatID:    chatID,
		MessageID: messageID,
		Emoji:     emoji,
	})
}

// Close tears the transport down; the read loop then drives the machine to
// idle with full media teardown.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		_ = c.ws.Close()
	})
	<-c.done
}

func (c *Client) sendJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func (c *Client) readLoop() {
	defer func() {
		c.machine.HandleTransportDisconnect()
		close(c.done)
	}()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			log.Info().Err(err).Str("module", "call.client").Msg("signaling connection closed")
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "call.client").Msg("bad json")
		return
	}

	switch env.Type {
	case protocol.KindIncomingCall:
		var p protocol.IncomingCall
		if decode(data, &p) {
			c.machine.HandleIncoming(p)
		}
	case protocol.KindCallAccepted:
		var p protocol.CallAccepted
		if decode(data, &p) {
			c.machine.HandleAccepted(p)
		}
	case protocol.KindCallRejected:
		var p protocol.CallRejected
		if decode(data, &p) {
			c.machine.HandleRejected(p)
		}
	case protocol.KindCallEnded:
		c.machine.HandleEnded()
	case protocol.KindUserOffline:
		var p protocol.UserOffline
		if decode(data, &p) {
			c.machine.HandleOffline(p)
		}
	case protocol.KindICECandidate:
		var p protocol.ICECandidate
		if decode(data, &p) {
			c.machine.HandleRemoteCandidate(p)
		}
	case protocol.KindOnlineUsers:
		var p protocol.OnlineUsers
		if decode(data, &p) && c.cfg.OnOnlineUsers != nil {
			c.cfg.OnOnlineUsers(p.Users)
		}
	case protocol.KindMessage:
		var p protocol.ChatMessage
		if decode(data, &p) && c.cfg.OnChatMessage != nil {
			c.cfg.OnChatMessage(p)
		}
	case protocol.KindTyping:
		var p protocol.Typing
		if decode(data, &p) && c.cfg.OnTyping != nil {
			c.cfg.OnTyping(p)
		}
	case protocol.KindReadReceipt:
		var p protocol.ReadReceipt
		if decode(data, &p) && c.cfg.OnReadReceipt != nil {
			c.cfg.OnReadReceipt(p)
		}
	case protocol.KindReaction:
		var p protocol.Reaction
		if decode(data, &p) && c.cfg.OnReaction != nil {
			c.cfg.OnReaction(p)
		}
	case protocol.KindPong, protocol.KindError:
	default:
		log.Warn().Str("module", "call.client").Str("type", env.Type).Msg("unknown signal")
	}
}

func decode(data []byte, v any) bool {
	if err := json.Unmarshal(data, v); err != nil {
		log.Error().Err(err).Str("module", "call.client").Msg("bad payload")
		return false
	}
	return true
}
