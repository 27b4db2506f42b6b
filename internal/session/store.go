// Package session holds the in-memory registry of in-progress calls and the
// incremental transcript buffer each call accumulates before it is flushed
// to durable storage.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/voxrun/voice-runtime/internal/model"
)

// ErrNotFound is returned when a lookup targets a call ID the store does
// not hold.
var ErrNotFound = fmt.Errorf("session: call not found")

// Store is a thread-safe in-memory registry of active CallSessions, keyed
// by CallID. It holds only the serialisable model.CallSession; runtime I/O
// handles (websocket/RTP connections, STT/TTS streams, the barge-in signal)
// are owned by the pipeline orchestrator and never placed here.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*model.CallSession
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*model.CallSession)}
}

// Put inserts or replaces a session.
func (s *Store) Put(sess *model.CallSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.CallID] = sess
}

// Get returns the session for callID, or ErrNotFound.
func (s *Store) Get(callID string) (*model.CallSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[callID]
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Delete removes a session, e.g. once its call record has been finalised.
func (s *Store) Delete(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, callID)
}

// Len reports the number of active sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Snapshot returns a deep copy of callID's session, safe to hand off for
// serialisation without racing the orchestrator goroutine mutating it.
func (s *Store) Snapshot(callID string) (*model.CallSession, error) {
	s.mu.RLock()
	sess, ok := s.sessions[callID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return sess.Clone(), nil
}

// Update applies fn to callID's session under the store's write lock,
// letting callers perform read-modify-write updates (appending a transcript
// turn, advancing TurnID) without racing concurrent Gets/Snapshots.
func (s *Store) Update(callID string, fn func(*model.CallSession)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[callID]
	if !ok {
		return ErrNotFound
	}
	fn(sess)
	sess.LastActivityAt = time.Now()
	return nil
}

// AppendTurn records one utterance in the session's conversation history,
// keyed by speaker role.
func (s *Store) AppendTurn(callID string, role model.MessageRole, content string) error {
	return s.Update(callID, func(sess *model.CallSession) {
		sess.ConversationHistory = append(sess.ConversationHistory, model.Message{
			Role:    role,
			Content: content,
			Ts:      time.Now(),
		})
		sess.TurnID++
	})
}

// Transcript renders a session's conversation history as a slice of
// model.TranscriptTurn, for call-record persistence.
func Transcript(sess *model.CallSession) []model.TranscriptTurn {
	turns := make([]model.TranscriptTurn, 0, len(sess.ConversationHistory))
	var prevTs time.Time
	for _, msg := range sess.ConversationHistory {
		if msg.Role == model.RoleSystem {
			continue
		}
		speaker := "agent"
		if msg.Role == model.RoleUser {
			speaker = "user"
		}
		durationMS := int64(0)
		if !prevTs.IsZero() {
			durationMS = msg.Ts.Sub(prevTs).Milliseconds()
		}
		turns = append(turns, model.TranscriptTurn{
			Speaker:    speaker,
			Text:       msg.Content,
			Timestamp:  msg.Ts,
			DurationMS: durationMS,
		})
		prevTs = msg.Ts
	}
	return turns
}
