// Package stream owns the per-response state machines: it pulls fragments
// from the generator, numbers them, buffers a bounded replay window, and
// hands emitted chunks to the delivery layer. Pause, resume, and cancel are
// cooperative; recovery replays from the ring or degrades to a resync.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrSessionNotFound = errors.New("stream session not found")
	ErrSequenceGap     = errors.New("sequence gap: requested chunks no longer buffered")
	ErrGenerator       = errors.New("generator error")

	errIdleTimeout = errors.New("stream idle timeout")
)

type Config struct {
	MaxBufferedChunks int
	IdleTimeout       time.Duration
	RecoveryWindow    time.Duration
	// ChunkDelay paces emission for generators that do not pace themselves.
	ChunkDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxBufferedChunks <= 0 {
		c.MaxBufferedChunks = 256
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.RecoveryWindow <= 0 {
		c.RecoveryWindow = time.Minute
	}
	return c
}

// EmitFunc receives every chunk in sequence order, on the session's driving
// goroutine. Delivery failures are the receiver's concern; the session keeps
// buffering regardless.
type EmitFunc func(s *Session, c Chunk)

// TerminalFunc fires exactly once per session, after it reaches a terminal
// state. errMsg is non-empty only for StateFailed.
type TerminalFunc func(s *Session, state State, errMsg string)

type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	cfg        Config
	emit       EmitFunc
	onTerminal TerminalFunc

	logger zerolog.Logger
}

func NewManager(cfg Config, emit EmitFunc, onTerminal TerminalFunc) *Manager {
	return &Manager{
		sessions:   map[string]*Session{},
		cfg:        cfg.withDefaults(),
		emit:       emit,
		onTerminal: onTerminal,
		logger:     log.With().Str("component", "stream").Logger(),
	}
}

// Start creates a session for one chat turn and spawns its generator pull
// loop. The returned session is already registered and owned by
// ownerConnID.
func (m *Manager) Start(ctx context.Context, conversationID, ownerUserID, ownerConnID string, gen Generator) (*Session, error) {
	if m == nil {
		return nil, errors.New("manager is nil")
	}
	if gen == nil {
		return nil, errors.New("generator is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		OwnerUserID:    ownerUserID,
		CreatedAt:      time.Now(),
		ownerConnID:    ownerConnID,
		state:          StatePending,
		ring:           newReplayRing(m.cfg.MaxBufferedChunks),
		cancel:         cancel,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.logger.Debug().Str("session_id", s.ID).Str("conv_id", conversationID).Msg("stream session started")
	go m.run(runCtx, s, gen)
	return s, nil
}

func (m *Manager) run(ctx context.Context, s *Session, gen Generator) {
	for {
		if err := s.waitIfPaused(ctx, m.cfg.IdleTimeout); err != nil {
			m.finish(s, err)
			return
		}

		pullCtx, cancelPull := context.WithTimeout(ctx, m.cfg.IdleTimeout)
		frag, err := gen.Next(pullCtx)
		cancelPull()
		if err != nil {
			m.finish(s, err)
			return
		}

		if m.cfg.ChunkDelay > 0 {
			select {
			case <-ctx.Done():
				m.finish(s, ctx.Err())
				return
			case <-time.After(m.cfg.ChunkDelay):
			}
		}

		chunk := s.appendChunk(frag.Text, frag.Final, false)
		if m.emit != nil {
			m.emit(s, chunk)
		}
		if frag.Final {
			s.setTerminal(StateCompleted)
			m.logger.Debug().Str("session_id", s.ID).Uint64("chunks", chunk.Sequence).Msg("stream completed")
			if m.onTerminal != nil {
				m.onTerminal(s, StateCompleted, "")
			}
			return
		}
	}
}

// finish classifies a pull-loop error into cancelled or failed. A failed
// session emits one error chunk with the next sequence before going
// terminal, so attached clients are never left hanging.
func (m *Manager) finish(s *Session, cause error) {
	if errors.Is(cause, context.Canceled) || s.State() == StateCancelled {
		s.setTerminal(StateCancelled)
		m.logger.Debug().Str("session_id", s.ID).Msg("stream cancelled")
		if m.onTerminal != nil {
			m.onTerminal(s, StateCancelled, "")
		}
		return
	}

	var msg string
	switch {
	case errors.Is(cause, errIdleTimeout), errors.Is(cause, context.DeadlineExceeded):
		msg = "stream idle timeout"
	default:
		msg = errors.Wrap(ErrGenerator, cause.Error()).Error()
	}
	chunk := s.appendChunk(msg, false, true)
	s.setTerminal(StateFailed)
	m.logger.Warn().Str("session_id", s.ID).Err(cause).Msg("stream failed")
	if m.emit != nil {
		m.emit(s, chunk)
	}
	if m.onTerminal != nil {
		m.onTerminal(s, StateFailed, msg)
	}
}

func (m *Manager) get(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, errors.Wrapf(ErrSessionNotFound, "id %s", sessionID)
	}
	return s, nil
}

// Get looks a session up without touching its state.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	if m == nil {
		return nil, false
	}
	s, err := m.get(sessionID)
	return s, err == nil
}

// Pause suspends the pull loop after the in-flight fragment, if any. Only a
// streaming session can pause.
func (m *Manager) Pause(sessionID string) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateStreaming, StatePending:
		s.paused = true
		s.resumeCh = make(chan struct{})
		s.state = StatePaused
		return nil
	default:
		return errors.Errorf("cannot pause session in state %s", s.state)
	}
}

func (m *Manager) Resume(sessionID string) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePaused {
		return errors.Errorf("cannot resume session in state %s", s.state)
	}
	s.paused = false
	s.state = StateStreaming
	close(s.resumeCh)
	return nil
}

// Cancel transitions the session to cancelled immediately; the generator is
// signalled through its context and may take longer to actually stop.
func (m *Manager) Cancel(sessionID string) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.state.Terminal() {
		state := s.state
		s.mu.Unlock()
		return errors.Errorf("cannot cancel session in state %s", state)
	}
	s.state = StateCancelled
	s.endedAt = time.Now()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Recover returns all buffered chunks with sequence > lastSeen, in order.
// ErrSequenceGap means the ring has already evicted part of the requested
// range and the client must resync instead.
func (m *Manager) Recover(sessionID string, lastSeen uint64) ([]Chunk, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}
	chunks, ok := s.chunksAfter(lastSeen)
	if !ok {
		return nil, errors.Wrapf(ErrSequenceGap, "last_seen %d", lastSeen)
	}
	return chunks, nil
}

// Resync returns the degraded recovery payload for a session whose replay
// window no longer covers the client's gap.
func (m *Manager) Resync(sessionID string) (summary string, lastSeq uint64, done bool, err error) {
	s, err := m.get(sessionID)
	if err != nil {
		return "", 0, false, err
	}
	summary, lastSeq, done = s.Resync()
	return summary, lastSeq, done, nil
}

// AttachIfCaughtUp makes connID the live recipient only when the replay ring
// holds nothing past lastSeen. Callers replaying buffered chunks alternate
// Recover and AttachIfCaughtUp until the handover lands, so a live session
// never emits to the new owner while a replay is still in flight.
func (m *Manager) AttachIfCaughtUp(sessionID, connID string, lastSeen uint64) (bool, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return false, err
	}
	return s.attachIfCaughtUp(connID, lastSeen), nil
}

// Attach makes connID the live recipient of future chunks, unconditionally.
func (m *Manager) Attach(sessionID, connID string) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}
	s.setOwner(connID)
	return nil
}

// Detach clears ownership on every session owned by connID. Sessions keep
// buffering for a later recovery.
func (m *Manager) Detach(connID string) {
	if m == nil || connID == "" {
		return
	}
	m.mu.Lock()
	owned := make([]*Session, 0)
	for _, s := range m.sessions {
		if s.Owner() == connID {
			owned = append(owned, s)
		}
	}
	m.mu.Unlock()
	for _, s := range owned {
		s.setOwner("")
	}
}

func (m *Manager) Count() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// StartEvictionLoop drops terminal sessions once their recovery window has
// passed. Runs until ctx is cancelled.
func (m *Manager) StartEvictionLoop(ctx context.Context) {
	if m == nil {
		return
	}
	interval := m.cfg.RecoveryWindow / 4
	if interval < time.Second {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				m.evictOnce(now)
			}
		}
	}()
}

func (m *Manager) evictOnce(now time.Time) int {
	if now.IsZero() {
		now = time.Now()
	}
	cutoff := now.Add(-m.cfg.RecoveryWindow)

	m.mu.Lock()
	var evicted []string
	for id, s := range m.sessions {
		if s.endedBefore(cutoff) {
			delete(m.sessions, id)
			evicted = append(evicted, id)
		}
	}
	m.mu.Unlock()

	for _, id := range evicted {
		m.logger.Debug().Str("session_id", id).Msg("evicted terminal session past recovery window")
	}
	return len(evicted)
}
