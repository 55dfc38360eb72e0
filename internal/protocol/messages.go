// Package protocol defines the wire messages exchanged over the signaling
// socket. The relay never interprets SDP or ICE payloads; both are carried as
// opaque strings.
package protocol

import (
	"github.com/classlink/live/internal/core"
	"github.com/classlink/live/internal/domain"
)

// Client -> server kinds.
const (
	KindCallInitiate = "call-initiate"
	KindCallAccept   = "call-accept"
	KindCallReject   = "call-reject"
	KindCallEnd      = "call-end"
	KindPing         = "ping"
)

// Server -> client kinds.
const (
	KindIncomingCall = "incoming-call"
	KindCallAccepted = "call-accepted"
	KindCallRejected = "call-rejected"
	KindCallEnded    = "call-ended"
	KindUserOffline  = "user-offline"
	KindOnlineUsers  = "onlineUsers"
	KindPong         = "pong"
	KindError        = "error"
)

// Bidirectional kinds.
const (
	KindICECandidate = "ice-candidate"
	KindMessage      = "message"
	KindTyping       = "typing"
	KindReadReceipt  = "read-receipt"
	KindReaction     = "reaction"
)

// RejectReasonBusy marks an auto-reject sent because the callee was not idle.
const RejectReasonBusy = "busy"

// Envelope carries only the discriminator; handlers re-decode the full
// payload once the kind is known.
type Envelope struct {
	Type string `json:"type"`
}

type CallInitiate struct {
	Type       string        `json:"type"`
	TargetUser domain.UserID `json:"targetUserId"`
	SDP        string        `json:"sdp"`
	CallerName string        `json:"callerName,omitempty"`
}

type IncomingCall struct {
	Type       string      `json:"type"`
	SDP        string      `json:"sdp"`
	FromConn   core.ConnID `json:"fromConnId"`
	CallerName string      `json:"callerName,omitempty"`
}

type CallAccept struct {
	Type       string      `json:"type"`
	TargetConn core.ConnID `json:"targetConnId"`
	SDP        string      `json:"sdp"`
}

type CallAccepted struct {
	Type     string      `json:"type"`
	SDP      string      `json:"sdp"`
	FromConn core.ConnID `json:"fromConnId"`
}

type CallReject struct {
	Type       string      `json:"type"`
	TargetConn core.ConnID `json:"targetConnId"`
	Reason     string      `json:"reason,omitempty"`
}

type CallRejected struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// CallEnd routes by connection identity when known; a caller canceling
// before the callee answered only knows the target user and routes by that.
type CallEnd struct {
	Type       string        `json:"type"`
	TargetConn core.ConnID   `json:"targetConnId,omitempty"`
	TargetUser domain.UserID `json:"targetUserId,omitempty"`
}

type CallEnded struct {
	Type string `json:"type"`
}

// UserOffline tells a caller that its call-initiate could not be routed.
// The caller's state machine treats it as an immediate rejection.
type UserOffline struct {
	Type       string        `json:"type"`
	TargetUser domain.UserID `json:"targetUserId"`
}

type ICECandidate struct {
	Type          string      `json:"type"`
	TargetConn    core.ConnID `json:"targetConnId,omitempty"`
	FromConn      core.ConnID `json:"fromConnId,omitempty"`
	Candidate     string      `json:"candidate"`
	SDPMid        string      `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16      `json:"sdpMLineIndex,omitempty"`
}

type OnlineUsers struct {
	Type  string          `json:"type"`
	Users []domain.UserID `json:"users"`
}

// ChatMessage is the opaque envelope relayed to the receiver's live
// connection. Durable delivery belongs to the REST persistence layer.
type ChatMessage struct {
	Type      string        `json:"type"`
	SenderID  domain.UserID `json:"senderId"`
	Receiver  domain.UserID `json:"receiverId"`
	ChatID    string        `json:"chatId"`
	Message   string        `json:"message"`
	Timestamp int64         `json:"timestamp"`
}

type Typing struct {
	Type     string        `json:"type"`
	SenderID domain.UserID `json:"senderId"`
	Receiver domain.UserID `json:"receiverId"`
	ChatID   string        `json:"chatId"`
	IsTyping bool          `json:"isTyping"`
}

type ReadReceipt struct {
	Type      string        `json:"type"`
	ReaderID  domain.UserID `json:"readerId"`
	Receiver  domain.UserID `json:"receiverId"`
	ChatID    string        `json:"chatId"`
	MessageID string        `json:"messageId"`
}

type Reaction struct {
	Type      string        `json:"type"`
	SenderID  domain.UserID `json:"senderId"`
	Receiver  domain.UserID `json:"receiverId"`
	ChatID    string        `json:"chatId"`
	MessageID string        `json:"messageId"`
	Emoji     string        `json:"emoji"`
}

// ICEServer mirrors the descriptor returned by the ICE configuration
// endpoint.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}
