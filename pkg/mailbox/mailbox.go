// Package mailbox holds per-user bounded, TTL'd queues for payloads that
// could not be delivered live. Delivery from the queue is at-most-once: a
// drain clears what it returns.
package mailbox

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type Message struct {
	ID              string
	RecipientUserID string
	Payload         []byte
	EnqueuedAt      time.Time
	TTL             time.Duration
}

func (m Message) Expired(now time.Time) bool {
	return now.After(m.EnqueuedAt.Add(m.TTL))
}

// Mailbox owns the per-user queues and their lock. Overflow policy is
// drop-oldest: freshness wins over completeness.
type Mailbox struct {
	mu         sync.Mutex
	queues     map[string][]Message
	maxSize    int
	defaultTTL time.Duration

	onDrop func(Message)
}

func New(maxSize int, defaultTTL time.Duration) *Mailbox {
	if maxSize <= 0 {
		maxSize = 100
	}
	if defaultTTL <= 0 {
		defaultTTL = 24 * time.Hour
	}
	return &Mailbox{
		queues:     map[string][]Message{},
		maxSize:    maxSize,
		defaultTTL: defaultTTL,
	}
}

// OnDrop registers a callback invoked for each message evicted on overflow.
func (m *Mailbox) OnDrop(cb func(Message)) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.onDrop = cb
	m.mu.Unlock()
}

// Enqueue appends to the recipient's FIFO and returns the message id. A zero
// ttl uses the mailbox default.
func (m *Mailbox) Enqueue(userID string, payload []byte, ttl time.Duration) string {
	if m == nil || userID == "" {
		return ""
	}
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	msg := Message{
		ID:              uuid.NewString(),
		RecipientUserID: userID,
		Payload:         payload,
		EnqueuedAt:      time.Now(),
		TTL:             ttl,
	}

	var dropped *Message
	m.mu.Lock()
	q := m.queues[userID]
	if len(q) >= m.maxSize {
		d := q[0]
		dropped = &d
		q = q[1:]
	}
	m.queues[userID] = append(q, msg)
	cb := m.onDrop
	m.mu.Unlock()

	if dropped != nil {
		log.Warn().Str("component", "mailbox").Str("user_id", userID).
			Str("message_id", dropped.ID).Msg("queue overflow, dropped oldest message")
		if cb != nil {
			cb(*dropped)
		}
	}
	return msg.ID
}

// Drain returns all non-expired messages in enqueue order and clears the
// user's queue. Drained messages are never re-delivered.
func (m *Mailbox) Drain(userID string) []Message {
	if m == nil || userID == "" {
		return nil
	}
	now := time.Now()
	m.mu.Lock()
	q := m.queues[userID]
	delete(m.queues, userID)
	m.mu.Unlock()

	if len(q) == 0 {
		return nil
	}
	out := make([]Message, 0, len(q))
	for _, msg := range q {
		if !msg.Expired(now) {
			out = append(out, msg)
		}
	}
	return out
}

// Len reports the queued count for a user, expired entries included until the
// next sweep.
func (m *Mailbox) Len(userID string) int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[userID])
}

// StartSweep runs the expiry sweep until ctx is cancelled. The sweep bounds
// memory for users that never reconnect.
func (m *Mailbox) StartSweep(ctx context.Context, interval time.Duration) {
	if m == nil || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				m.sweepOnce(now)
			}
		}
	}()
}

func (m *Mailbox) sweepOnce(now time.Time) int {
	if now.IsZero() {
		now = time.Now()
	}
	removed := 0
	m.mu.Lock()
	for userID, q := range m.queues {
		kept := q[:0]
		for _, msg := range q {
			if msg.Expired(now) {
				removed++
				continue
			}
			kept = append(kept, msg)
		}
		if len(kept) == 0 {
			delete(m.queues, userID)
		} else {
			m.queues[userID] = kept
		}
	}
	m.mu.Unlock()
	if removed > 0 {
		log.Debug().Str("component", "mailbox").Int("removed", removed).Msg("swept expired messages")
	}
	return removed
}
