package main

import (
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

// ClientMessage is the inbound envelope for every player action.
type ClientMessage struct {
	Action    string `json:"action"`              // "create-session", "join-session", "start-game", "submit-guess"
	Username  string `json:"username,omitempty"`  // create-session / join-session
	SessionID string `json:"sessionId,omitempty"` // join-session / start-game / submit-guess
	Question  string `json:"question,omitempty"`  // start-game
	Answer    string `json:"answer,omitempty"`    // start-game
	Guess     string `json:"guess,omitempty"`     // submit-guess
}

type Client struct {
	conn   *websocket.Conn
	send   chan any
	connID string
}

// EventRouter dispatches inbound actions to session operations and delivers
// the resulting notices over each player's websocket. It holds no game
// state itself, only the connection registry.
type EventRouter struct {
	cfg   *Config
	store *SessionStore

	mu      sync.RWMutex
	clients map[string]*Client // connection ID -> client
}

func newEventRouter(cfg *Config, store *SessionStore) *EventRouter {
	r := &EventRouter{
		cfg:     cfg,
		store:   store,
		clients: make(map[string]*Client),
	}
	store.notify = r.deliver
	store.onReap = r.dropClients
	store.startReaper()
	return r
}

func (r *EventRouter) register(c *Client) {
	r.mu.Lock()
	r.clients[c.connID] = c
	r.mu.Unlock()
}

// deliver fans notices out to their audience: the named connection for
// unicasts, every current session member otherwise.
func (r *EventRouter) deliver(sess *Session, notices []notice) {
	for _, n := range notices {
		if n.target != "" {
			r.sendTo(n.target, n.payload)
			continue
		}
		for _, connID := range sess.PlayerIDs() {
			r.sendTo(connID, n.payload)
		}
	}
}

// sendTo delivers a payload to one connection. Sends and channel closes
// are serialized under the router mutex, so a send can never land on a
// channel another path is closing.
func (r *EventRouter) sendTo(connID string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sendLocked(connID, payload)
}

// sendLocked assumes r.mu is held. A client whose send buffer is full is
// evicted on the spot.
func (r *EventRouter) sendLocked(connID string, payload any) {
	c := r.clients[connID]
	if c == nil {
		return
	}

	select {
	case c.send <- payload:
	default:
		delete(r.clients, connID)
		close(c.send)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	}
}

// dropClients closes the connections of players whose session was reaped.
func (r *EventRouter) dropClients(connIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, connID := range connIDs {
		if c, ok := r.clients[connID]; ok {
			delete(r.clients, connID)
			close(c.send)
			if c.conn != nil {
				_ = c.conn.Close()
			}
		}
	}
}

func (r *EventRouter) sendError(c *Client, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sendLocked(c.connID, ErrorMessage{Event: "error", Kind: errorKind(err), Message: err.Error()})
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, errInvalidInput):
		return "invalid-input"
	case errors.Is(err, errNotFound):
		return "not-found"
	case errors.Is(err, errInvalidState):
		return "invalid-state"
	case errors.Is(err, errUnauthorized):
		return "unauthorized"
	default:
		return "internal"
	}
}

func (r *EventRouter) handleCreate(c *Client, msg ClientMessage) {
	sess, player, notices, err := r.store.CreateSession(c.connID, msg.Username)
	if err != nil {
		r.sendError(c, err)
		return
	}

	logf(r.cfg, "GAMES: Player %q created session %s", player.Username, sess.ID())
	r.deliver(sess, notices)
}

func (r *EventRouter) handleJoin(c *Client, msg ClientMessage) {
	sess, player, notices, err := r.store.JoinSession(msg.SessionID, c.connID, msg.Username)
	if err != nil {
		r.sendError(c, err)
		return
	}

	logf(r.cfg, "GAMES: Player %q joined session %s", player.Username, sess.ID())
	r.deliver(sess, notices)
}

func (r *EventRouter) handleStart(c *Client, msg ClientMessage) {
	sess, err := r.store.Lookup(msg.SessionID)
	if err != nil {
		r.sendError(c, err)
		return
	}

	notices, err := sess.StartGame(c.connID, msg.Question, msg.Answer)
	if err != nil {
		r.sendError(c, err)
		return
	}

	logf(r.cfg, "GAMES: Round started in session %s", sess.ID())
	r.deliver(sess, notices)
}

func (r *EventRouter) handleGuess(c *Client, msg ClientMessage) {
	sess, err := r.store.Lookup(msg.SessionID)
	if err != nil {
		r.sendError(c, err)
		return
	}

	notices, err := sess.SubmitGuess(c.connID, msg.Guess)
	if err != nil {
		r.sendError(c, err)
		return
	}

	r.deliver(sess, notices)
}

func (r *EventRouter) handleDisconnect(c *Client) {
	r.mu.Lock()
	if _, ok := r.clients[c.connID]; ok {
		delete(r.clients, c.connID)
		close(c.send)
	}
	r.mu.Unlock()

	sess, notices := r.store.RemovePlayer(c.connID)
	if sess != nil {
		r.deliver(sess, notices)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// serveWS upgrades the connection, assigns it a fresh connection ID, and
// pumps messages until the peer goes away.
func serveWS(cfg *Config, router *EventRouter) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn:   conn,
			send:   make(chan any, 8),
			connID: uuid.NewString(),
		}

		router.register(client)

		go client.writePump()
		client.readPump(router)
	}
}

func (c *Client) readPump(r *EventRouter) {
	defer func() {
		_ = c.conn.Close()
		r.handleDisconnect(c)
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Action {
		case "create-session":
			r.handleCreate(c, msg)
		case "join-session":
			r.handleJoin(c, msg)
		case "start-game":
			r.handleStart(c, msg)
		case "submit-guess":
			r.handleGuess(c, msg)
		default:
			// ignore unknown actions
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// qrHandler generates a PNG QR code for the current session URL using
// go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	sessionID := ps.ByName("sessionid")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../:sessionid/qr; strip trailing "/qr" to get the session URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

func serveQuizPage(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)

		_, _ = w.Write([]byte(newPage("quizbox", "Connect a quizbox client to the websocket endpoint to play.")))
	}
}

// registerQuizGame sets up routes so that:
//   - $path                    → HTML shell
//   - $path/:sessionid         → HTML shell for a shared session link
//   - $path/:sessionid/qr      → PNG QR code for that session URL
//   - /ws                      → WebSocket carrying all game actions
func registerQuizGame(cfg *Config, path string, mux *httprouter.Router) {
	store := newSessionStore(cfg)
	router := newEventRouter(cfg, store)

	mux.GET(cfg.prefix+path, serveQuizPage(cfg))

	mux.GET(cfg.prefix+path+"/:sessionid", serveQuizPage(cfg))

	mux.GET(cfg.prefix+path+"/:sessionid/qr", qrHandler)

	mux.GET(cfg.prefix+"/ws", serveWS(cfg, router))
}
