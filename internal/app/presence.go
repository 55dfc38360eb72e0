package app

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/classlink/live/internal/core"
	"github.com/classlink/live/internal/domain"
)

type presenceEntry struct {
	User    domain.UserID
	Conn    core.ConnID
	Session core.ClientSession
}

// Presence is the live mapping userID -> connID. It is the only
// cross-connection shared mutable state on the server and is mutated
// exclusively by the transport connection handlers.
//
// No persistence: a process restart means everyone is offline until they
// reconnect.
type Presence struct {
	mu     sync.RWMutex
	byUser map[domain.UserID]*presenceEntry
	byConn map[core.ConnID]*presenceEntry
}

func NewPresence() *Presence {
	return &Presence{
		byUser: make(map[domain.UserID]*presenceEntry),
		byConn: make(map[core.ConnID]*presenceEntry),
	}
}

// Register binds a user to a fresh connection. A reconnect overwrites the
// prior mapping; the replaced connection stops being routable immediately.
func (p *Presence) Register(cid core.ConnID, sess core.ClientSession) {
	uid := sess.User().ID
	p.mu.Lock()
	if old, ok := p.byUser[uid]; ok {
		delete(p.byConn, old.Conn)
		log.Info().Str("module", "app.presence").Str("user", string(uid)).
			Str("old_conn", string(old.Conn)).Str("conn", string(cid)).
			Msg("reconnect replaced connection")
	}
	e := &presenceEntry{User: uid, Conn: cid, Session: sess}
	p.byUser[uid] = e
	p.byConn[cid] = e
	onlineGauge.Set(float64(len(p.byUser)))
	p.mu.Unlock()
	log.Info().Str("module", "app.presence").Str("user", string(uid)).Str("conn", string(cid)).Msg("registered")
}

// Unregister removes the mapping for a disconnecting connection. The user
// mapping is evicted only when it still points at this connection, so a
// stale disconnect racing a fresh reconnect cannot knock the user offline.
// Returns true when the user actually went offline.
func (p *Presence) Unregister(cid core.ConnID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byConn[cid]
	if !ok {
		return false
	}
	delete(p.byConn, cid)
	cur, ok := p.byUser[e.User]
	if !ok || cur.Conn != cid {
		log.Info().Str("module", "app.presence").Str("conn", string(cid)).Msg("stale disconnect ignored")
		return false
	}
	delete(p.byUser, e.User)
	onlineGauge.Set(float64(len(p.byUser)))
	log.Info().Str("module", "app.presence").Str("user", string(e.User)).Str("conn", string(cid)).Msg("unregistered")
	return true
}

// LookupUser resolves a user's current connection, or absent if offline.
func (p *Presence) LookupUser(uid domain.UserID) (core.ConnID, core.ClientSession, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if e, ok := p.byUser[uid]; ok {
		return e.Conn, e.Session, true
	}
	return "", nil, false
}

// LookupConn resolves a connection identity directly.
func (p *Presence) LookupConn(cid core.ConnID) (core.ClientSession, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if e, ok := p.byConn[cid]; ok {
		return e.Session, true
	}
	return nil, false
}

// Online returns the current online set, sorted for stable output.
func (p *Presence) Online() []domain.UserID {
	p.mu.RLock()
	out := make([]domain.UserID, 0, len(p.byUser))
	for uid := range p.byUser {
		out = append(out, uid)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Sessions snapshots every live session, for presence broadcasts.
func (p *Presence) Sessions() []core.ClientSession {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]core.ClientSession, 0, len(p.byUser))
	for _, e := range p.byUser {
		out = append(out, e.Session)
	}
	return out
}
