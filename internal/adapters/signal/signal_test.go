package signal_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	router "github.com/classlink/live/internal/adapters/http"
	signalws "github.com/classlink/live/internal/adapters/signal"
	"github.com/classlink/live/internal/app"
	"github.com/classlink/live/internal/config"
	"github.com/classlink/live/internal/protocol"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{
		Mode:        "test",
		Secret:      "test-secret",
		ReadLimit:   32768,
		RingTimeout: time.Second,
		ICEServers: []config.ICEServer{
			{URLs: []string{"stun:stun.example.org:3478"}},
		},
	}
	presence := app.NewPresence()
	relay := app.NewRelay(presence)
	ctl := signalws.NewSignalWSController(presence, relay, cfg.ReadLimit)
	srv := httptest.NewServer(router.SetupRouter(context.Background(), cfg, ctl))
	t.Cleanup(srv.Close)
	return srv
}

func dialWS(t *testing.T, srv *httptest.Server, uid, name string) *websocket.Conn {
	t.Helper()
	q := url.Values{}
	q.Set("uid", uid)
	q.Set("name", name)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/signal?" + q.Encode()
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// readKind skips unrelated frames (presence broadcasts interleave with
// everything) until a frame of the wanted kind arrives.
func readKind(t *testing.T, ws *websocket.Conn, kind string) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for i := 0; i < 20; i++ {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg["type"] == kind {
			return msg
		}
	}
	t.Fatalf("no %q frame received", kind)
	return nil
}

func readOnlineSet(t *testing.T, ws *websocket.Conn, want ...string) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for i := 0; i < 20; i++ {
		msg := readKind(t, ws, protocol.KindOnlineUsers)
		users, _ := msg["users"].([]any)
		got := make(map[string]bool, len(users))
		for _, u := range users {
			got[u.(string)] = true
		}
		if len(got) == len(want) {
			all := true
			for _, w := range want {
				if !got[w] {
					all = false
				}
			}
			if all {
				return
			}
		}
	}
	t.Fatalf("online set never became %v", want)
}

func sendJSON(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(v))
}

func TestSignal_PresenceBroadcast(t *testing.T) {
	srv := newTestServer(t)

	alice := dialWS(t, srv, "alice", "Alice")
	readOnlineSet(t, alice, "alice")

	bob := dialWS(t, srv, "bob", "Bob")
	readOnlineSet(t, alice, "alice", "bob")
	readOnlineSet(t, bob, "alice", "bob")

	require.NoError(t, bob.Close())
	readOnlineSet(t, alice, "alice")
}

func TestSignal_FullCallFlow(t *testing.T) {
	srv := newTestServer(t)
	alice := dialWS(t, srv, "alice", "Alice")
	bob := dialWS(t, srv, "bob", "Bob")
	readOnlineSet(t, alice, "alice", "bob")

	sendJSON(t, alice, protocol.CallInitiate{
		Type:       protocol.KindCallInitiate,
		TargetUser: "bob",
		SDP:        "offer-sdp",
		CallerName: "Alice",
	})

	incoming := readKind(t, bob, protocol.KindIncomingCall)
	require.Equal(t, "offer-sdp", incoming["sdp"])
	require.Equal(t, "Alice", incoming["callerName"])
	aliceConn := incoming["fromConnId"].(string)
	require.NotEmpty(t, aliceConn)

	sendJSON(t, bob, map[string]any{
		"type":         protocol.KindCallAccept,
		"targetConnId": aliceConn,
		"sdp":          "answer-sdp",
	})
	accepted := readKind(t, alice, protocol.KindCallAccepted)
	require.Equal(t, "answer-sdp", accepted["sdp"])
	bobConn := accepted["fromConnId"].(string)
	require.NotEmpty(t, bobConn)

	// Trickled candidates in both directions.
	sendJSON(t, alice, map[string]any{
		"type":         protocol.KindICECandidate,
		"targetConnId": bobConn,
		"candidate":    "cand-from-alice",
	})
	cand := readKind(t, bob, protocol.KindICECandidate)
	require.Equal(t, "cand-from-alice", cand["candidate"])
	require.Equal(t, aliceConn, cand["fromConnId"])

	sendJSON(t, bob, map[string]any{
		"type":         protocol.KindICECandidate,
		"targetConnId": aliceConn,
		"candidate":    "cand-from-bob",
	})
	cand = readKind(t, alice, protocol.KindICECandidate)
	require.Equal(t, "cand-from-bob", cand["candidate"])

	sendJSON(t, alice, map[string]any{
		"type":         protocol.KindCallEnd,
		"targetConnId": bobConn,
	})
	readKind(t, bob, protocol.KindCallEnded)
}

func TestSignal_OfflineTarget(t *testing.T) {
	srv := newTestServer(t)
	alice := dialWS(t, srv, "alice", "Alice")

	sendJSON(t, alice, protocol.CallInitiate{
		Type:       protocol.KindCallInitiate,
		TargetUser: "ghost",
		SDP:        "offer-sdp",
	})
	offline := readKind(t, alice, protocol.KindUserOffline)
	require.Equal(t, "ghost", offline["targetUserId"])
}

func TestSignal_CancelBeforeAnswerRoutesByUser(t *testing.T) {
	srv := newTestServer(t)
	alice := dialWS(t, srv, "alice", "Alice")
	bob := dialWS(t, srv, "bob", "Bob")
	readOnlineSet(t, alice, "alice", "bob")

	sendJSON(t, alice, protocol.CallInitiate{
		Type:       protocol.KindCallInitiate,
		TargetUser: "bob",
		SDP:        "offer-sdp",
	})
	readKind(t, bob, protocol.KindIncomingCall)

	sendJSON(t, alice, map[string]any{
		"type":         protocol.KindCallEnd,
		"targetUserId": "bob",
	})
	readKind(t, bob, protocol.KindCallEnded)
}

func TestSignal_ChatEventsForwardVerbatim(t *testing.T) {
	srv := newTestServer(t)
	alice := dialWS(t, srv, "alice", "Alice")
	bob := dialWS(t, srv, "bob", "Bob")
	readOnlineSet(t, alice, "alice", "bob")

	sendJSON(t, alice, protocol.ChatMessage{
		Type:      protocol.KindMessage,
		SenderID:  "alice",
		Receiver:  "bob",
		ChatID:    "chat-1",
		Message:   "hello",
		Timestamp: 1700000000000,
	})
	msg := readKind(t, bob, protocol.KindMessage)
	require.Equal(t, "hello", msg["message"])
	require.Equal(t, "chat-1", msg["chatId"])
	require.Equal(t, "alice", msg["senderId"])

	sendJSON(t, bob, protocol.Typing{
		Type: protocol.KindTyping, SenderID: "bob", Receiver: "alice", ChatID: "chat-1", IsTyping: true,
	})
	typing := readKind(t, alice, protocol.KindTyping)
	require.Equal(t, true, typing["isTyping"])

	sendJSON(t, bob, protocol.ReadReceipt{
		Type: protocol.KindReadReceipt, ReaderID: "bob", Receiver: "alice", ChatID: "chat-1", MessageID: "m-1",
	})
	rr := readKind(t, alice, protocol.KindReadReceipt)
	require.Equal(t, "m-1", rr["messageId"])

	sendJSON(t, alice, protocol.Reaction{
		Type: protocol.KindReaction, SenderID: "alice", Receiver: "bob", ChatID: "chat-1", MessageID: "m-1", Emoji: "👍",
	})
	reaction := readKind(t, bob, protocol.KindReaction)
	require.Equal(t, "👍", reaction["emoji"])
}

// An offline chat receiver just drops the event; the connection stays
// healthy for the next message.
func TestSignal_ChatToOfflineReceiverIsDropped(t *testing.T) {
	srv := newTestServer(t)
	alice := dialWS(t, srv, "alice", "Alice")

	sendJSON(t, alice, protocol.ChatMessage{
		Type: protocol.KindMessage, SenderID: "alice", Receiver: "ghost", ChatID: "chat-1", Message: "anyone?",
	})
	sendJSON(t, alice, protocol.Envelope{Type: protocol.KindPing})
	readKind(t, alice, protocol.KindPong)
}

// Forwarding to a connection that vanished must not take the relay down or
// affect routing between other live connections.
func TestSignal_DeadTargetConnectionIsHarmless(t *testing.T) {
	srv := newTestServer(t)
	alice := dialWS(t, srv, "alice", "Alice")
	bob := dialWS(t, srv, "bob", "Bob")
	carol := dialWS(t, srv, "carol", "Carol")
	readOnlineSet(t, alice, "alice", "bob", "carol")

	sendJSON(t, alice, protocol.CallInitiate{
		Type: protocol.KindCallInitiate, TargetUser: "bob", SDP: "offer-sdp",
	})
	incoming := readKind(t, bob, protocol.KindIncomingCall)
	require.NotEmpty(t, incoming["fromConnId"])

	require.NoError(t, bob.Close())
	readOnlineSet(t, alice, "alice", "carol")

	// Stale answer for a disconnected caller-side target: silently dropped.
	sendJSON(t, alice, map[string]any{
		"type":         protocol.KindCallAccept,
		"targetConnId": "no-such-conn",
		"sdp":          "answer-sdp",
	})

	// Unrelated chat between the remaining pair still routes.
	sendJSON(t, alice, protocol.ChatMessage{
		Type: protocol.KindMessage, SenderID: "alice", Receiver: "carol", ChatID: "chat-2", Message: "still here",
	})
	msg := readKind(t, carol, protocol.KindMessage)
	require.Equal(t, "still here", msg["message"])
}

func TestSignal_ReconnectReroutesToFreshConnection(t *testing.T) {
	srv := newTestServer(t)
	bob := dialWS(t, srv, "bob", "Bob")
	aliceOld := dialWS(t, srv, "alice", "Alice")
	readOnlineSet(t, bob, "alice", "bob")

	aliceNew := dialWS(t, srv, "alice", "Alice")
	readOnlineSet(t, aliceNew, "alice", "bob")

	sendJSON(t, bob, protocol.ChatMessage{
		Type: protocol.KindMessage, SenderID: "bob", Receiver: "alice", ChatID: "chat-1", Message: "fresh",
	})
	msg := readKind(t, aliceNew, protocol.KindMessage)
	require.Equal(t, "fresh", msg["message"])

	// The replaced connection gets nothing.
	require.NoError(t, aliceOld.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	for {
		_, data, err := aliceOld.ReadMessage()
		if err != nil {
			break
		}
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		require.NotEqual(t, protocol.KindMessage, env.Type)
	}
}

func TestSignal_ICEEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/ice")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var servers []protocol.ICEServer
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&servers))
	require.Len(t, servers, 1)
	require.Equal(t, []string{"stun:stun.example.org:3478"}, servers[0].URLs)
}

func TestSignal_RejectsOverlongIdentity(t *testing.T) {
	srv := newTestServer(t)
	q := url.Values{}
	q.Set("uid", strings.Repeat("x", 64))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/signal?" + q.Encode()
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	if resp != nil {
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	}
}
