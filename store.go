package main

import (
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"
)

// SessionStore holds every live session plus a reverse index from
// connection ID to session ID, so each websocket connection can be mapped
// back to its room. Both maps are guarded by a single mutex; per-session
// state is guarded by each session's own lock.
type SessionStore struct {
	cfg *Config

	mu       sync.RWMutex
	sessions map[string]*Session
	byPlayer map[string]string

	// notify delivers session-originated notices (ticks, deferred master
	// announcements); onReap closes the connections of reaped sessions.
	// Both are wired by the event router.
	notify func(*Session, []notice)
	onReap func(connIDs []string)
}

func newSessionStore(cfg *Config) *SessionStore {
	return &SessionStore{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		byPlayer: make(map[string]string),
	}
}

// startReaper begins idle-session reaping. Called only after the router
// has wired the notify and onReap callbacks, so the reaper goroutine never
// observes them half-published.
func (st *SessionStore) startReaper() {
	if st.cfg.sessionTimeout > 0 {
		go st.reaperLoop()
	}
}

// CreateSession opens a new session with the creator as sole player and
// game master.
func (st *SessionStore) CreateSession(creatorID, username string) (*Session, Player, []notice, error) {
	name := strings.TrimSpace(username)
	if name == "" {
		return nil, Player{}, nil, fmt.Errorf("%w: username must not be empty", errInvalidInput)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.byPlayer[creatorID]; ok {
		return nil, Player{}, nil, fmt.Errorf("%w: already in a session", errInvalidState)
	}

	id := st.newSessionIDLocked()
	sess := newSession(id, creatorID, name, func(s *Session, notices []notice) {
		if st.notify != nil {
			st.notify(s, notices)
		}
	})
	st.sessions[id] = sess
	st.byPlayer[creatorID] = id

	player := Player{ID: creatorID, Username: name}
	notices := []notice{
		unicast(creatorID, SessionCreatedMessage{Event: "session-created", SessionID: id, Player: player}),
	}

	return sess, player, notices, nil
}

// JoinSession adds a player to an existing session still in the waiting
// state.
func (st *SessionStore) JoinSession(sessionID, connID, username string) (*Session, Player, []notice, error) {
	name := strings.TrimSpace(username)
	sid := strings.TrimSpace(sessionID)
	if name == "" || sid == "" {
		return nil, Player{}, nil, fmt.Errorf("%w: session id and username must not be empty", errInvalidInput)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.byPlayer[connID]; ok {
		return nil, Player{}, nil, fmt.Errorf("%w: already in a session", errInvalidState)
	}

	sess, ok := st.sessions[sid]
	if !ok {
		return nil, Player{}, nil, fmt.Errorf("%w: unknown session %q", errNotFound, sid)
	}

	player, notices, err := sess.Join(connID, name)
	if err != nil {
		return nil, Player{}, nil, err
	}
	st.byPlayer[connID] = sid

	return sess, player, notices, nil
}

// Lookup resolves a session ID.
func (st *SessionStore) Lookup(sessionID string) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	sess, ok := st.sessions[strings.TrimSpace(sessionID)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown session %q", errNotFound, sessionID)
	}
	return sess, nil
}

// SessionOf reports which session a connection belongs to, if any.
func (st *SessionStore) SessionOf(connID string) (string, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	sid, ok := st.byPlayer[connID]
	return sid, ok
}

// RemovePlayer drops a connection from its session, destroying the session
// once its last player is gone. It is a no-op for unmapped connections.
// The returned notices, if any, still need to be delivered to the
// remaining players.
func (st *SessionStore) RemovePlayer(connID string) (*Session, []notice) {
	st.mu.Lock()
	defer st.mu.Unlock()

	sid, ok := st.byPlayer[connID]
	if !ok {
		return nil, nil
	}
	delete(st.byPlayer, connID)

	sess, ok := st.sessions[sid]
	if !ok {
		return nil, nil
	}

	notices, empty := sess.Disconnect(connID)
	if empty {
		delete(st.sessions, sid)
		logf(st.cfg, "GAMES: Destroyed empty session %s", sid)
		return nil, nil
	}

	return sess, notices
}

// newSessionIDLocked generates a crypto-random session ID and ensures it
// doesn't collide with existing sessions. Assumes st.mu is held.
func (st *SessionStore) newSessionIDLocked() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	for {
		buf := make([]byte, 6)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, 6)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		id := string(out)

		if _, exists := st.sessions[id]; !exists {
			return id
		}
	}
}

// reaperLoop periodically removes sessions that have been idle longer than
// the configured timeout.
func (st *SessionStore) reaperLoop() {
	ticker := time.NewTicker(st.cfg.sessionTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-st.cfg.sessionTimeout)

		var reaped []string

		st.mu.Lock()
		for id, sess := range st.sessions {
			if !sess.LastActive().Before(cutoff) {
				continue
			}

			delete(st.sessions, id)
			for _, connID := range sess.PlayerIDs() {
				delete(st.byPlayer, connID)
				reaped = append(reaped, connID)
			}
			sess.shutdown()
			logf(st.cfg, "GAMES: Reaped idle session %s", id)
		}
		st.mu.Unlock()

		if len(reaped) > 0 && st.onReap != nil {
			st.onReap(reaped)
		}
	}
}
