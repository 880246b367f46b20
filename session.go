// Quizbox Trivia Game
//
// Players gather in a session identified by a short random token. One player,
// the game master, poses a question/answer pair; everyone else races to guess
// the answer before the round timer runs out. The first correct guess wins
// the round and scores points, and the master role rotates for the next one.
//
// Features:
// - Sessions created on demand, destroyed when the last player leaves
// - The creating player becomes the initial game master
// - Master-only game start with a question/answer pair
// - Case- and whitespace-insensitive answer matching
// - Three guess attempts per player per round
// - 60-second rounds, counted down in one-second ticks
// - +10 points to the round winner, cumulative scoreboard per session
// - Master rotation in join order at round end, wrapping around
// - Immediate master reassignment when the master disconnects
// - New master announced a few seconds after the round result, so clients
//   can render the scoreboard first
// - Random 6-char session IDs via crypto/rand, with server-side collision check
// - Idle sessions auto-reaped after a configurable timeout

package main

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	roundDuration = 60 * time.Second
	tickInterval  = time.Second
	roundSeconds  = int(roundDuration / tickInterval)

	attemptBudget  = 3
	winPoints      = 10
	newMasterDelay = 3 * time.Second
)

// Player is one connection's identity within a session.
type Player struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Score    int    `json:"score"`
}

// ScoreEntry is one scoreboard row in the game-ended notification.
type ScoreEntry struct {
	Username string `json:"username"`
	Score    int    `json:"score"`
}

type sessionStatus int

const (
	statusWaiting sessionStatus = iota
	statusInProgress
	statusFinished
)

// Notifications emitted by the session. Each carries its own "event"
// discriminator so clients can switch on a single field.

type SessionCreatedMessage struct {
	Event     string `json:"event"` // "session-created"
	SessionID string `json:"sessionId"`
	Player    Player `json:"player"`
}

type JoinedSessionMessage struct {
	Event     string `json:"event"` // "joined-session"
	SessionID string `json:"sessionId"`
	Player    Player `json:"player"`
}

type PlayerJoinedMessage struct {
	Event   string   `json:"event"` // "player-joined"
	Players []Player `json:"players"`
}

type GameStartedMessage struct {
	Event    string `json:"event"` // "game-started"
	Question string `json:"question"`
	TimeLeft int    `json:"timeLeft"`
	Attempts int    `json:"attempts"`
}

type TimerUpdateMessage struct {
	Event    string `json:"event"` // "timer-update"
	TimeLeft int    `json:"timeLeft"`
}

type GameEndedMessage struct {
	Event  string       `json:"event"`  // "game-ended"
	Winner *Player      `json:"winner"` // nil when the round timed out
	Answer string       `json:"answer"`
	Scores []ScoreEntry `json:"scores"`
}

type NewMasterMessage struct {
	Event  string `json:"event"` // "new-game-master"
	Master Player `json:"master"`
}

type IncorrectGuessMessage struct {
	Event        string `json:"event"` // "incorrect-guess"
	AttemptsLeft int    `json:"attemptsLeft"`
}

type NoAttemptsLeftMessage struct {
	Event string `json:"event"` // "no-attempts-left"
}

type PlayerLeftMessage struct {
	Event   string   `json:"event"` // "player-left"
	Players []Player `json:"players"`
}

type ErrorMessage struct {
	Event   string `json:"event"` // "error"
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// notice is one outbound notification and its audience. An empty target
// means every connection currently in the session.
type notice struct {
	target  string
	payload any
}

func broadcast(payload any) notice {
	return notice{payload: payload}
}

func unicast(target string, payload any) notice {
	return notice{target: target, payload: payload}
}

// Session is one game room's authoritative state. Every operation,
// including timer ticks, serializes on its mutex; sessions are otherwise
// fully independent of each other.
type Session struct {
	id string

	mu         sync.Mutex
	players    map[string]*Player
	order      []string // connection IDs in join order
	master     string
	status     sessionStatus
	question   string
	answer     string // stored normalized (trimmed, lower-cased)
	attempts   map[string]int
	scores     map[string]int
	timer      *roundTimer
	timeLeft   int
	lastActive time.Time

	// notify delivers notices that arise outside a client request:
	// timer ticks and the deferred new-master announcement.
	notify func(*Session, []notice)

	// Overridable in tests.
	startTimer  func(tick func()) *roundTimer
	masterDelay time.Duration
}

func newSession(id, creatorID, username string, notify func(*Session, []notice)) *Session {
	s := &Session{
		id:          id,
		players:     map[string]*Player{creatorID: {ID: creatorID, Username: username}},
		order:       []string{creatorID},
		master:      creatorID,
		scores:      map[string]int{creatorID: 0},
		lastActive:  time.Now(),
		notify:      notify,
		masterDelay: newMasterDelay,
	}
	s.startTimer = func(tick func()) *roundTimer {
		return newRoundTimer(roundDuration, tickInterval, tick)
	}
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastActive
}

// PlayerIDs returns the connection IDs currently in the session, in join
// order. Used by the router to fan out broadcasts.
func (s *Session) PlayerIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.order)
}

// Join adds a player to a waiting session.
func (s *Session) Join(connID, username string) (Player, []notice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActive = time.Now()

	if s.status != statusWaiting {
		return Player{}, nil, fmt.Errorf("%w: game already started", errInvalidState)
	}

	p := &Player{ID: connID, Username: username}
	s.players[connID] = p
	s.order = append(s.order, connID)
	s.scores[connID] = 0
	s.assertMasterLocked()

	notices := []notice{
		unicast(connID, JoinedSessionMessage{Event: "joined-session", SessionID: s.id, Player: *p}),
		broadcast(PlayerJoinedMessage{Event: "player-joined", Players: s.playersLocked()}),
	}

	return *p, notices, nil
}

// StartGame begins a round. Only the current master may start, at least two
// players must be present, and both question and answer must be non-blank.
func (s *Session) StartGame(requesterID, question, answer string) ([]notice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActive = time.Now()

	if requesterID != s.master {
		return nil, fmt.Errorf("%w: only the game master can start the game", errUnauthorized)
	}
	if s.status != statusWaiting {
		return nil, fmt.Errorf("%w: a round is already in progress", errInvalidState)
	}
	if len(s.players) < 2 {
		return nil, fmt.Errorf("%w: at least two players are required to start", errInvalidState)
	}

	q := strings.TrimSpace(question)
	a := normalizeAnswer(answer)
	if q == "" || a == "" {
		return nil, fmt.Errorf("%w: question and answer must not be empty", errInvalidInput)
	}

	s.question = q
	s.answer = a
	s.status = statusInProgress
	s.timeLeft = roundSeconds
	s.attempts = make(map[string]int, len(s.players))
	for id := range s.players {
		s.attempts[id] = attemptBudget
	}
	s.timer = s.startTimer(s.handleTick)

	return []notice{broadcast(GameStartedMessage{
		Event:    "game-started",
		Question: q,
		TimeLeft: s.timeLeft,
		Attempts: attemptBudget,
	})}, nil
}

// SubmitGuess evaluates one guess. A correct guess ends the round; an
// incorrect one burns an attempt and notifies only the guesser. Running out
// of attempts is informational and never ends the round for the others.
func (s *Session) SubmitGuess(connID, guess string) ([]notice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActive = time.Now()

	if s.status != statusInProgress {
		return nil, fmt.Errorf("%w: no round in progress", errInvalidState)
	}
	if strings.TrimSpace(guess) == "" {
		return nil, fmt.Errorf("%w: guess must not be empty", errInvalidInput)
	}
	if _, ok := s.players[connID]; !ok {
		return nil, fmt.Errorf("%w: player is not part of this session", errNotFound)
	}

	// Guesses are accepted even once attempts run out; the budget is
	// enforced client-side, the server only reports it.
	s.attempts[connID]--

	if normalizeAnswer(guess) == s.answer {
		return s.endRoundLocked(connID), nil
	}

	if s.attempts[connID] <= 0 {
		return []notice{unicast(connID, NoAttemptsLeftMessage{Event: "no-attempts-left"})}, nil
	}

	return []notice{unicast(connID, IncorrectGuessMessage{
		Event:        "incorrect-guess",
		AttemptsLeft: s.attempts[connID],
	})}, nil
}

// Tick is the single entry point for the round timer. It decrements the
// remaining time and ends the round with no winner once it reaches zero.
func (s *Session) Tick() []notice {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != statusInProgress {
		return nil
	}

	s.timeLeft--
	notices := []notice{broadcast(TimerUpdateMessage{Event: "timer-update", TimeLeft: s.timeLeft})}

	if s.timeLeft <= 0 {
		notices = append(notices, s.endRoundLocked("")...)
	}

	return notices
}

func (s *Session) handleTick() {
	notices := s.Tick()
	if len(notices) > 0 && s.notify != nil {
		s.notify(s, notices)
	}
}

// endRoundLocked finishes the current round: stops the timer, scores the
// winner if any, reveals the answer, rotates the master, and returns the
// session to the waiting state. The status guard makes it idempotent, so a
// timeout tick and a near-simultaneous correct guess cannot both fire it.
func (s *Session) endRoundLocked(winnerID string) []notice {
	if s.status != statusInProgress {
		return nil
	}

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	s.status = statusFinished

	var winner *Player
	if winnerID != "" {
		p := s.players[winnerID]
		s.scores[winnerID] += winPoints
		p.Score = s.scores[winnerID]
		cp := *p
		winner = &cp
	}

	ended := GameEndedMessage{
		Event:  "game-ended",
		Winner: winner,
		Answer: s.answer,
		Scores: s.scoreboardLocked(),
	}

	s.master = nextMaster(s.order, s.master)
	s.question = ""
	s.answer = ""
	s.attempts = nil
	s.timeLeft = 0
	s.status = statusWaiting
	s.assertMasterLocked()

	// Announce the next master after a short delay, giving clients time to
	// render the round result first. Fire-and-forget, never cancelled.
	// Disconnects may have emptied the session mid-round, leaving nobody
	// to promote.
	if len(s.players) > 0 {
		next := *s.players[s.master]
		time.AfterFunc(s.masterDelay, func() {
			if s.notify != nil {
				s.notify(s, []notice{broadcast(NewMasterMessage{Event: "new-game-master", Master: next})})
			}
		})
	}

	return []notice{broadcast(ended)}
}

// Disconnect removes a player. It reports whether the session is now empty
// and should be destroyed. A disconnect never ends a round in progress,
// even when the master leaves.
func (s *Session) Disconnect(connID string) ([]notice, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.players[connID]; !ok {
		return nil, false
	}

	s.lastActive = time.Now()

	wasMaster := s.master == connID
	delete(s.players, connID)
	delete(s.attempts, connID)
	s.order = slices.DeleteFunc(s.order, func(id string) bool {
		return id == connID
	})

	if len(s.players) == 0 {
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		// Fold any running round so a tick already past the timer's stop
		// check finds nothing to do.
		s.status = statusWaiting
		s.question = ""
		s.answer = ""
		s.attempts = nil
		s.timeLeft = 0
		return nil, true
	}

	var notices []notice
	if wasMaster {
		// Unlike rotation at round end, disconnect promotes the first
		// remaining player, announced immediately.
		s.master = s.order[0]
		notices = append(notices, broadcast(NewMasterMessage{Event: "new-game-master", Master: *s.players[s.master]}))
	}
	s.assertMasterLocked()

	notices = append(notices, broadcast(PlayerLeftMessage{Event: "player-left", Players: s.playersLocked()}))

	return notices, false
}

// shutdown stops the round timer without touching player state. Used by the
// idle reaper, which discards the whole session afterwards.
func (s *Session) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) playersLocked() []Player {
	players := make([]Player, 0, len(s.order))
	for _, id := range s.order {
		players = append(players, *s.players[id])
	}
	return players
}

func (s *Session) scoreboardLocked() []ScoreEntry {
	scores := make([]ScoreEntry, 0, len(s.order))
	for _, id := range s.order {
		scores = append(scores, ScoreEntry{
			Username: s.players[id].Username,
			Score:    s.scores[id],
		})
	}
	return scores
}

func (s *Session) assertMasterLocked() {
	if len(s.players) == 0 {
		return
	}
	if _, ok := s.players[s.master]; !ok {
		panic("quizbox: game master is not a session player")
	}
}

func normalizeAnswer(answer string) string {
	return strings.ToLower(strings.TrimSpace(answer))
}

// nextMaster picks the player following prev in join order, wrapping around
// to the first. Falls back to the first player when prev is gone.
func nextMaster(order []string, prev string) string {
	if len(order) == 0 {
		return ""
	}
	for i, id := range order {
		if id == prev {
			return order[(i+1)%len(order)]
		}
	}
	return order[0]
}
