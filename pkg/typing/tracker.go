// Package typing tracks ephemeral per-conversation typing indicators with
// timer-based expiry, so a client that disconnects or stalls mid-type never
// leaves a permanent stale indicator behind.
package typing

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const DefaultTimeout = 5 * time.Second

type key struct {
	conversationID string
	userID         string
}

type state struct {
	startedAt time.Time
	expiresAt time.Time
	timer     *time.Timer
}

// Event is emitted on start, explicit stop, and timer expiry.
type Event struct {
	ConversationID string
	UserID         string
	Typing         bool
}

type Tracker struct {
	mu      sync.Mutex
	states  map[key]*state
	timeout time.Duration
	onEvent func(Event)
}

// NewTracker builds a tracker. onEvent receives start/stop transitions and
// must not block; nil is allowed.
func NewTracker(timeout time.Duration, onEvent func(Event)) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tracker{
		states:  map[key]*state{},
		timeout: timeout,
		onEvent: onEvent,
	}
}

// StartTyping upserts the typing state and refreshes its expiry timer.
func (t *Tracker) StartTyping(conversationID, userID string) {
	if t == nil || conversationID == "" || userID == "" {
		return
	}
	k := key{conversationID, userID}
	now := time.Now()

	t.mu.Lock()
	st := t.states[k]
	fresh := st == nil
	if fresh {
		st = &state{startedAt: now}
		t.states[k] = st
	}
	st.expiresAt = now.Add(t.timeout)
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(t.timeout, func() { t.expire(k) })
	t.mu.Unlock()

	if fresh {
		t.emit(Event{ConversationID: conversationID, UserID: userID, Typing: true})
	}
}

// StopTyping removes the state early. No-op if the user was not typing.
func (t *Tracker) StopTyping(conversationID, userID string) {
	if t == nil {
		return
	}
	k := key{conversationID, userID}
	t.mu.Lock()
	st := t.states[k]
	if st == nil {
		t.mu.Unlock()
		return
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	delete(t.states, k)
	t.mu.Unlock()

	t.emit(Event{ConversationID: conversationID, UserID: userID, Typing: false})
}

func (t *Tracker) expire(k key) {
	t.mu.Lock()
	st := t.states[k]
	// A refresh may have replaced the timer between the fire and the lock.
	if st == nil || time.Now().Before(st.expiresAt) {
		t.mu.Unlock()
		return
	}
	delete(t.states, k)
	t.mu.Unlock()

	log.Debug().Str("component", "typing").Str("conv_id", k.conversationID).
		Str("user_id", k.userID).Msg("typing indicator expired")
	t.emit(Event{ConversationID: k.conversationID, UserID: k.userID, Typing: false})
}

// IsTyping reports whether the user has a live, non-expired indicator.
func (t *Tracker) IsTyping(conversationID, userID string) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.states[key{conversationID, userID}]
	return st != nil && time.Now().Before(st.expiresAt)
}

// TypingUsers lists users currently typing in a conversation.
func (t *Tracker) TypingUsers(conversationID string) []string {
	if t == nil {
		return nil
	}
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for k, st := range t.states {
		if k.conversationID == conversationID && now.Before(st.expiresAt) {
			out = append(out, k.userID)
		}
	}
	return out
}

// StopAll clears every indicator owned by a user, across conversations. Used
// on disconnect of the user's last connection.
func (t *Tracker) StopAll(userID string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	var expired []key
	for k, st := range t.states {
		if k.userID != userID {
			continue
		}
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(t.states, k)
		expired = append(expired, k)
	}
	t.mu.Unlock()

	for _, k := range expired {
		t.emit(Event{ConversationID: k.conversationID, UserID: k.userID, Typing: false})
	}
}

func (t *Tracker) emit(ev Event) {
	if t.onEvent != nil {
		t.onEvent(ev)
	}
}
