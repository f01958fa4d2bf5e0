package connection

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	writes [][]byte
	closed bool
	fail   bool
}

func (s *memSink) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.fail {
		return errors.New("sink closed")
	}
	s.writes = append(s.writes, append([]byte(nil), p...))
	return nil
}

func (s *memSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry(0)
	_, err := r.Register("c1", "u1", "t1", TransportWebSocket, &memSink{})
	require.NoError(t, err)

	_, err = r.Register("c1", "u2", "t1", TransportSSE, &memSink{})
	require.ErrorIs(t, err, ErrDuplicateConnection)
}

func TestRegisterFull(t *testing.T) {
	r := NewRegistry(1)
	_, err := r.Register("c1", "u1", "t1", TransportWebSocket, &memSink{})
	require.NoError(t, err)

	_, err = r.Register("c2", "u1", "t1", TransportWebSocket, &memSink{})
	require.ErrorIs(t, err, ErrRegistryFull)
}

func TestSendErrors(t *testing.T) {
	r := NewRegistry(0)
	require.ErrorIs(t, r.Send("missing", []byte("x")), ErrConnectionNotFound)

	sink := &memSink{}
	_, err := r.Register("c1", "u1", "t1", TransportWebSocket, sink)
	require.NoError(t, err)
	require.NoError(t, r.Send("c1", []byte("x")))
	require.Equal(t, 1, sink.count())
}

func TestSendFailureUnregistersConnection(t *testing.T) {
	r := NewRegistry(0)
	var mu sync.Mutex
	var reasons []CloseReason
	r.OnUnregister(func(_ *Conn, reason CloseReason) {
		mu.Lock()
		reasons = append(reasons, reason)
		mu.Unlock()
	})

	sink := &memSink{}
	_, err := r.Register("c1", "u1", "t1", TransportWebSocket, sink)
	require.NoError(t, err)

	sink.fail = true
	require.ErrorIs(t, r.Send("c1", []byte("x")), ErrTransportClosed)

	// A connection that cannot receive is gone, not half-dead: it must not
	// keep holding presence while its receive path is broken.
	require.Equal(t, 0, r.Count())
	require.True(t, sink.closed)
	require.ErrorIs(t, r.Send("c1", []byte("x")), ErrConnectionNotFound)

	mu.Lock()
	require.Equal(t, []CloseReason{CloseWriteFailed}, reasons)
	mu.Unlock()
}

func TestUnregisterIdempotentAndHook(t *testing.T) {
	r := NewRegistry(0)
	var mu sync.Mutex
	var reasons []CloseReason
	r.OnUnregister(func(_ *Conn, reason CloseReason) {
		mu.Lock()
		reasons = append(reasons, reason)
		mu.Unlock()
	})

	sink := &memSink{}
	_, err := r.Register("c1", "u1", "t1", TransportWebSocket, sink)
	require.NoError(t, err)

	require.True(t, r.Unregister("c1", CloseByClient))
	require.False(t, r.Unregister("c1", CloseByClient))
	require.True(t, sink.closed)
	require.Equal(t, []CloseReason{CloseByClient}, reasons)
}

func TestSendToUserFansOutToAllDevices(t *testing.T) {
	r := NewRegistry(0)
	s1, s2 := &memSink{}, &memSink{}
	_, err := r.Register("c1", "u1", "t1", TransportWebSocket, s1)
	require.NoError(t, err)
	_, err = r.Register("c2", "u1", "t1", TransportSSE, s2)
	require.NoError(t, err)

	require.Equal(t, 2, r.SendToUser("u1", []byte("x")))
	require.Equal(t, 1, s1.count())
	require.Equal(t, 1, s2.count())
	require.Equal(t, 0, r.SendToUser("ghost", []byte("x")))
}

func TestConversationSubscriptions(t *testing.T) {
	r := NewRegistry(0)
	c1, err := r.Register("c1", "u1", "t1", TransportWebSocket, &memSink{})
	require.NoError(t, err)
	c2, err := r.Register("c2", "u2", "t1", TransportWebSocket, &memSink{})
	require.NoError(t, err)

	c1.Subscribe("conv-1")
	c2.Subscribe("conv-1")
	c2.Subscribe("conv-2")

	require.Len(t, r.ConnsForConversation("conv-1"), 2)
	require.Len(t, r.ConnsForConversation("conv-2"), 1)

	c2.Unsubscribe("conv-1")
	require.Len(t, r.ConnsForConversation("conv-1"), 1)
}

func TestReaperTimesOutIdleConnections(t *testing.T) {
	r := NewRegistry(0)
	var mu sync.Mutex
	var reaped []CloseReason
	r.OnUnregister(func(_ *Conn, reason CloseReason) {
		mu.Lock()
		reaped = append(reaped, reason)
		mu.Unlock()
	})

	_, err := r.Register("idle", "u1", "t1", TransportWebSocket, &memSink{})
	require.NoError(t, err)
	busy, err := r.Register("busy", "u2", "t1", TransportWebSocket, &memSink{})
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	busy.Touch()

	n := r.reapOnce(time.Now(), 20*time.Millisecond)
	require.Equal(t, 1, n)
	require.Equal(t, 1, r.Count())
	_, ok := r.Get("busy")
	require.True(t, ok)

	mu.Lock()
	require.Equal(t, []CloseReason{CloseTimeout}, reaped)
	mu.Unlock()
}

func TestConcurrentChurnMatchesNet(t *testing.T) {
	r := NewRegistry(0)
	const total = 1000
	users := []string{"u1", "u2", "u3", "u4", "u5"}

	ids := make([]string, total)
	for i := range ids {
		ids[i] = fmt.Sprintf("conn-%d", i)
	}

	var wg sync.WaitGroup
	keep := make([]bool, total)
	for i := 0; i < total; i++ {
		keep[i] = i%3 == 0
	}
	rand.Shuffle(total, func(i, j int) { keep[i], keep[j] = keep[j], keep[i] })

	perUser := map[string]int{}
	for i := 0; i < total; i++ {
		user := users[i%len(users)]
		if keep[i] {
			perUser[user]++
		}
		wg.Add(1)
		go func(id, user string, keep bool) {
			defer wg.Done()
			_, err := r.Register(id, user, "t1", TransportWebSocket, &memSink{})
			require.NoError(t, err)
			if !keep {
				require.True(t, r.Unregister(id, CloseByClient))
			}
		}(ids[i], user, keep[i])
	}
	wg.Wait()

	want := 0
	for _, n := range perUser {
		want += n
	}
	require.Equal(t, want, r.Count())
	for user, n := range perUser {
		require.Len(t, r.ConnsForUser(user), n, user)
	}
}
