package stream

import (
	"context"
	"strings"
	"sync"
	"time"
)

type State string

const (
	StatePending   State = "pending"
	StateStreaming State = "streaming"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateFailed:
		return true
	}
	return false
}

// Session is one in-flight (or recently terminal) AI response. The driving
// goroutine is the only mutator of the sequence counter and replay ring;
// recovery reads snapshot under the lock.
type Session struct {
	ID             string
	ConversationID string
	// OwnerUserID is the user the response belongs to. Immutable; the
	// owning connection may detach and reattach, the user never changes.
	OwnerUserID string
	CreatedAt   time.Time

	mu          sync.Mutex
	ownerConnID string
	state       State
	nextSeq     uint64
	ring        *replayRing
	summary     strings.Builder
	lastChunkAt time.Time
	endedAt     time.Time

	paused   bool
	resumeCh chan struct{}
	cancel   context.CancelFunc
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Owner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ownerConnID
}

// setOwner reattaches (or detaches, with "") the connection receiving live
// chunks.
func (s *Session) setOwner(connID string) {
	s.mu.Lock()
	s.ownerConnID = connID
	s.mu.Unlock()
}

// attachIfCaughtUp sets the owner only when nothing past lastSeen has been
// emitted. Checking the sequence and switching the owner under one lock
// acquisition is what keeps a replaying caller from racing the emit path:
// either the next chunk is appended after the handover and goes to the new
// owner live, or it is appended before and the caller sees it in the next
// replay snapshot.
func (s *Session) attachIfCaughtUp(connID string, lastSeen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ring.lastSeq() > lastSeen {
		return false
	}
	s.ownerConnID = connID
	return true
}

func (s *Session) LastChunkAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastChunkAt
}

// appendChunk assigns the next sequence, appends to the ring and the
// completed-so-far summary, and flips pending to streaming.
func (s *Session) appendChunk(text string, isFinal, isError bool) Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	c := Chunk{
		SessionID: s.ID,
		Sequence:  s.nextSeq,
		Content:   text,
		IsFinal:   isFinal,
		IsError:   isError,
	}
	s.ring.append(c)
	if !isError {
		s.summary.WriteString(text)
	}
	s.lastChunkAt = time.Now()
	if s.state == StatePending {
		s.state = StateStreaming
	}
	return c
}

func (s *Session) setTerminal(state State) {
	s.mu.Lock()
	if !s.state.Terminal() {
		s.state = state
		s.endedAt = time.Now()
	}
	s.mu.Unlock()
}

func (s *Session) endedBefore(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Terminal() && !s.endedAt.IsZero() && s.endedAt.Before(cutoff)
}

// chunksAfter snapshots the retained chunks with sequence > seq. ok is false
// when the ring no longer reaches back that far.
func (s *Session) chunksAfter(seq uint64) (chunks []Chunk, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.after(seq)
}

// Resync describes the degraded recovery path: the completed-so-far text,
// the last emitted sequence, and whether the session is terminal.
func (s *Session) Resync() (summary string, lastSeq uint64, done bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary.String(), s.ring.lastSeq(), s.state.Terminal()
}

// waitIfPaused blocks until resumed, cancelled, or idle-timed-out. Returns
// nil when the loop may pull the next fragment.
func (s *Session) waitIfPaused(ctx context.Context, idleTimeout time.Duration) error {
	s.mu.Lock()
	if !s.paused {
		s.mu.Unlock()
		return nil
	}
	ch := s.resumeCh
	s.mu.Unlock()

	if idleTimeout <= 0 {
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	timer := time.NewTimer(idleTimeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errIdleTimeout
	}
}
