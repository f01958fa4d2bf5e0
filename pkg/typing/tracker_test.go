package typing

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func TestStartStopEmitsEvents(t *testing.T) {
	log := &eventLog{}
	tr := NewTracker(time.Second, log.add)

	tr.StartTyping("c1", "u1")
	require.True(t, tr.IsTyping("c1", "u1"))
	require.Equal(t, []string{"u1"}, tr.TypingUsers("c1"))

	// Refresh does not re-announce.
	tr.StartTyping("c1", "u1")

	tr.StopTyping("c1", "u1")
	require.False(t, tr.IsTyping("c1", "u1"))

	events := log.snapshot()
	require.Len(t, events, 2)
	require.True(t, events[0].Typing)
	require.False(t, events[1].Typing)
}

func TestAutoExpiry(t *testing.T) {
	log := &eventLog{}
	tr := NewTracker(50*time.Millisecond, log.add)

	tr.StartTyping("c1", "u1")
	require.Eventually(t, func() bool {
		return !tr.IsTyping("c1", "u1")
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		events := log.snapshot()
		return len(events) == 2 && !events[1].Typing
	}, time.Second, 10*time.Millisecond)
}

func TestRefreshExtendsExpiry(t *testing.T) {
	tr := NewTracker(80*time.Millisecond, nil)

	tr.StartTyping("c1", "u1")
	time.Sleep(50 * time.Millisecond)
	tr.StartTyping("c1", "u1")
	time.Sleep(50 * time.Millisecond)
	require.True(t, tr.IsTyping("c1", "u1"), "refresh must reset the clock")

	require.Eventually(t, func() bool {
		return !tr.IsTyping("c1", "u1")
	}, time.Second, 10*time.Millisecond)
}

func TestStopAllClearsAcrossConversations(t *testing.T) {
	log := &eventLog{}
	tr := NewTracker(time.Minute, log.add)

	tr.StartTyping("c1", "u1")
	tr.StartTyping("c2", "u1")
	tr.StartTyping("c1", "u2")

	tr.StopAll("u1")
	require.False(t, tr.IsTyping("c1", "u1"))
	require.False(t, tr.IsTyping("c2", "u1"))
	require.True(t, tr.IsTyping("c1", "u2"))
}
