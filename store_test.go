package main

import (
	"errors"
	"testing"
	"time"
)

func newTestStore() *SessionStore {
	// A zero session timeout keeps the reaper out of unit tests.
	return newSessionStore(&Config{})
}

func createTestSession(t *testing.T, st *SessionStore, connID, username string) *Session {
	t.Helper()

	sess, _, _, err := st.CreateSession(connID, username)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	sess.startTimer = inertTimer
	sess.masterDelay = time.Millisecond
	return sess
}

func TestCreateSessionRejectsBlankUsername(t *testing.T) {
	st := newTestStore()

	for _, username := range []string{"", "   ", "\t\n"} {
		if _, _, _, err := st.CreateSession("conn-a", username); !errors.Is(err, errInvalidInput) {
			t.Fatalf("username %q: got %v, want invalid input", username, err)
		}
	}
}

func TestCreateSessionRegistersCreatorAsMaster(t *testing.T) {
	st := newTestStore()
	sess := createTestSession(t, st, "conn-alice", " Alice ")

	if sess.ID() == "" {
		t.Fatal("empty session id")
	}

	if sid, ok := st.SessionOf("conn-alice"); !ok || sid != sess.ID() {
		t.Fatalf("SessionOf = %q/%v, want %q", sid, ok, sess.ID())
	}

	if sess.master != "conn-alice" {
		t.Fatalf("master = %q, want creator", sess.master)
	}
	if sess.players["conn-alice"].Username != "Alice" {
		t.Fatalf("username = %q, want trimmed %q", sess.players["conn-alice"].Username, "Alice")
	}
}

func TestJoinSessionValidation(t *testing.T) {
	st := newTestStore()
	sess := createTestSession(t, st, "conn-alice", "Alice")

	cases := []struct {
		name      string
		sessionID string
		username  string
		want      error
	}{
		{"blank username", sess.ID(), "  ", errInvalidInput},
		{"blank session id", "", "Bob", errInvalidInput},
		{"unknown session", "nosuch", "Bob", errNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, _, err := st.JoinSession(tc.sessionID, "conn-bob", tc.username); !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestJoinSessionAfterStartFails(t *testing.T) {
	st := newTestStore()
	sess := createTestSession(t, st, "conn-alice", "Alice")

	if _, _, _, err := st.JoinSession(sess.ID(), "conn-bob", "Bob"); err != nil {
		t.Fatalf("join: %v", err)
	}
	mustStart(t, sess, "conn-alice", "Capital of France?", "paris")

	if _, _, _, err := st.JoinSession(sess.ID(), "conn-carol", "Carol"); !errors.Is(err, errInvalidState) {
		t.Fatalf("join mid-round: got %v, want invalid state", err)
	}

	// The failed joiner must not end up in the reverse index.
	if _, ok := st.SessionOf("conn-carol"); ok {
		t.Fatal("failed join left a reverse index entry")
	}
}

func TestDuplicateMembershipRejected(t *testing.T) {
	st := newTestStore()
	sess := createTestSession(t, st, "conn-alice", "Alice")

	if _, _, _, err := st.CreateSession("conn-alice", "Alice"); !errors.Is(err, errInvalidState) {
		t.Fatalf("second create: got %v, want invalid state", err)
	}
	if _, _, _, err := st.JoinSession(sess.ID(), "conn-alice", "Alice"); !errors.Is(err, errInvalidState) {
		t.Fatalf("rejoin: got %v, want invalid state", err)
	}
}

func TestRemovePlayerDestroysEmptySession(t *testing.T) {
	st := newTestStore()
	sess := createTestSession(t, st, "conn-alice", "Alice")

	if returned, notices := st.RemovePlayer("conn-alice"); returned != nil || notices != nil {
		t.Fatalf("removing last player returned %v/%v, want nil/nil", returned, notices)
	}

	if _, err := st.Lookup(sess.ID()); !errors.Is(err, errNotFound) {
		t.Fatalf("lookup after destroy: got %v, want not found", err)
	}
	if _, ok := st.SessionOf("conn-alice"); ok {
		t.Fatal("reverse index entry survived session destruction")
	}
}

func TestRemovePlayerKeepsSessionWithOthers(t *testing.T) {
	st := newTestStore()
	sess := createTestSession(t, st, "conn-alice", "Alice")
	if _, _, _, err := st.JoinSession(sess.ID(), "conn-bob", "Bob"); err != nil {
		t.Fatalf("join: %v", err)
	}

	returned, notices := st.RemovePlayer("conn-alice")
	if returned != sess {
		t.Fatal("RemovePlayer did not return the surviving session")
	}
	if !hasPayload[PlayerLeftMessage](notices) {
		t.Fatal("no player-left notice for the survivors")
	}

	if _, err := st.Lookup(sess.ID()); err != nil {
		t.Fatalf("session destroyed with a player remaining: %v", err)
	}
}

func TestRemovePlayerIdempotent(t *testing.T) {
	st := newTestStore()

	if sess, notices := st.RemovePlayer("conn-unknown"); sess != nil || notices != nil {
		t.Fatalf("unmapped removal: got %v/%v, want nil/nil", sess, notices)
	}
}

// Full happy-path scenario: Alice hosts, Bob joins and wins on a sloppily
// typed guess, scores update, and the master rotates to Bob.
func TestScenarioAliceAndBob(t *testing.T) {
	st := newTestStore()

	sink := make(chan notice, 64)
	st.notify = func(_ *Session, notices []notice) {
		for _, n := range notices {
			sink <- n
		}
	}

	sess := createTestSession(t, st, "conn-alice", "Alice")
	if _, _, _, err := st.JoinSession(sess.ID(), "conn-bob", "Bob"); err != nil {
		t.Fatalf("join: %v", err)
	}

	mustStart(t, sess, "conn-alice", "Capital of France?", "paris")

	notices, err := sess.SubmitGuess("conn-bob", "PARIS ")
	if err != nil {
		t.Fatalf("guess: %v", err)
	}

	ended := findPayload[GameEndedMessage](t, notices)
	if ended.Winner == nil || ended.Winner.Username != "Bob" {
		t.Fatalf("winner = %+v, want Bob", ended.Winner)
	}
	if ended.Answer != "paris" {
		t.Fatalf("answer = %q, want %q", ended.Answer, "paris")
	}
	for _, entry := range ended.Scores {
		want := 0
		if entry.Username == "Bob" {
			want = 10
		}
		if entry.Score != want {
			t.Fatalf("score for %s = %d, want %d", entry.Username, entry.Score, want)
		}
	}

	deadline := time.After(time.Second)
	for {
		select {
		case n := <-sink:
			msg, ok := n.payload.(NewMasterMessage)
			if !ok {
				continue
			}
			if msg.Master.Username != "Bob" {
				t.Fatalf("deferred master = %q, want Bob", msg.Master.Username)
			}
			return
		case <-deadline:
			t.Fatal("no deferred new-game-master notice")
		}
	}
}

// Same setup, but Bob burns all attempts on wrong guesses and the round
// runs out the clock with no winner.
func TestScenarioTimeoutWithoutWinner(t *testing.T) {
	st := newTestStore()

	sess := createTestSession(t, st, "conn-alice", "Alice")
	if _, _, _, err := st.JoinSession(sess.ID(), "conn-bob", "Bob"); err != nil {
		t.Fatalf("join: %v", err)
	}

	mustStart(t, sess, "conn-alice", "Capital of France?", "paris")

	for i := 0; i < 2; i++ {
		notices, err := sess.SubmitGuess("conn-bob", "london")
		if err != nil {
			t.Fatalf("guess %d: %v", i+1, err)
		}
		if !hasPayload[IncorrectGuessMessage](notices) {
			t.Fatalf("guess %d: no incorrect-guess notice", i+1)
		}
	}

	notices, err := sess.SubmitGuess("conn-bob", "london")
	if err != nil {
		t.Fatalf("third guess: %v", err)
	}
	if !hasPayload[NoAttemptsLeftMessage](notices) {
		t.Fatal("third guess did not report no-attempts-left")
	}

	var ended *GameEndedMessage
	for i := 0; i < 60; i++ {
		for _, n := range sess.Tick() {
			if msg, ok := n.payload.(GameEndedMessage); ok {
				ended = &msg
			}
		}
	}

	if ended == nil {
		t.Fatal("round survived 60 ticks")
	}
	if ended.Winner != nil {
		t.Fatalf("winner = %+v, want none", ended.Winner)
	}
	for _, entry := range ended.Scores {
		if entry.Score != 0 {
			t.Fatalf("score for %s = %d, want 0", entry.Username, entry.Score)
		}
	}
}
