package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/relayd/pkg/auth"
	"github.com/go-go-golems/relayd/pkg/config"
	"github.com/go-go-golems/relayd/pkg/connection"
	"github.com/go-go-golems/relayd/pkg/presence"
	"github.com/go-go-golems/relayd/pkg/stream"
	"github.com/go-go-golems/relayd/pkg/wire"
)

func testConfig() config.Config {
	return config.Config{
		ListenAddr:                ":0",
		HeartbeatInterval:         time.Second,
		MissedHeartbeatsThreshold: 3,
		PresenceLinger:            0,
		TypingTimeout:             150 * time.Millisecond,
		MessageQueueMaxSize:       10,
		MessageTTL:                time.Minute,
		MaxBufferedChunks:         16,
		RecoveryWindow:            time.Minute,
		StreamIdleTimeout:         5 * time.Second,
		DefaultChunkDelay:         0,
		MaxConnections:            100,
	}
}

// fakeSink records every envelope written to a connection. A non-zero delay
// simulates a slow consumer.
type fakeSink struct {
	delay time.Duration

	mu     sync.Mutex
	frames []wire.Envelope
	raw    [][]byte
	fail   bool
}

func (s *fakeSink) Write(p []byte) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errSinkClosed
	}
	var env wire.Envelope
	if err := json.Unmarshal(p, &env); err != nil {
		return err
	}
	s.frames = append(s.frames, env)
	s.raw = append(s.raw, append([]byte(nil), p...))
	return nil
}

func (s *fakeSink) Close() error { return nil }

func (s *fakeSink) byType(t wire.Type) []wire.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []wire.Envelope
	for _, env := range s.frames {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

var errSinkClosed = connection.ErrTransportClosed

func newTestGateway(t *testing.T, cfg config.Config, factory stream.Factory) *Gateway {
	t.Helper()
	if factory == nil {
		factory = stream.EchoFactory
	}
	g, err := New(cfg, Options{
		Authenticator: auth.NewStaticAuthenticator(map[string]auth.Identity{
			"tok-u1": {UserID: "u1", TenantID: "t1"},
			"tok-u2": {UserID: "u2", TenantID: "t1"},
		}),
		Generator: factory,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	t.Cleanup(func() { _ = g.Close() })
	g.Start(ctx)
	return g
}

func attachConn(t *testing.T, g *Gateway, connID, userID string) (*connection.Conn, *fakeSink) {
	t.Helper()
	sink := &fakeSink{}
	conn, err := g.attach(connID, auth.Identity{UserID: userID, TenantID: "t1"}, connection.TransportWebSocket, sink)
	require.NoError(t, err)
	return conn, sink
}

func dispatch(g *Gateway, conn *connection.Conn, env wire.Envelope) {
	g.Dispatch(conn, env.Marshal())
}

func TestChatTurnStreamsSequencedChunks(t *testing.T) {
	factory := func(_ context.Context, _ stream.Request) (stream.Generator, error) {
		return stream.NewScriptedGenerator("hel", "lo ", "world"), nil
	}
	g := newTestGateway(t, testConfig(), factory)
	conn, sink := attachConn(t, g, "c1", "u1")

	dispatch(g, conn, wire.Envelope{Type: wire.TypeChatMessage, ConversationID: "conv", Content: "hi"})

	require.Eventually(t, func() bool {
		chunks := sink.byType(wire.TypeStreamChunk)
		return len(chunks) == 3 && chunks[2].IsFinal
	}, 2*time.Second, 10*time.Millisecond)

	chunks := sink.byType(wire.TypeStreamChunk)
	for i, c := range chunks {
		require.Equal(t, uint64(i+1), c.Sequence)
	}
	require.Equal(t, "hel", chunks[0].Content)
	require.Equal(t, "world", chunks[2].Content)

	// Nothing after the final chunk.
	time.Sleep(50 * time.Millisecond)
	require.Len(t, sink.byType(wire.TypeStreamChunk), 3)
}

func TestHeartbeatEchoes(t *testing.T) {
	g := newTestGateway(t, testConfig(), nil)
	conn, sink := attachConn(t, g, "c1", "u1")

	dispatch(g, conn, wire.NewHeartbeat())
	require.Eventually(t, func() bool {
		return len(sink.byType(wire.TypeHeartbeat)) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestMalformedFrameGetsBadRequest(t *testing.T) {
	g := newTestGateway(t, testConfig(), nil)
	conn, sink := attachConn(t, g, "c1", "u1")

	g.Dispatch(conn, []byte(`{"type":"nonsense"}`))
	require.Eventually(t, func() bool {
		errs := sink.byType(wire.TypeError)
		return len(errs) == 1 && errs[0].Code == wire.CodeBadRequest
	}, time.Second, 10*time.Millisecond)
}

func TestTypingBroadcastReachesPeersNotSelf(t *testing.T) {
	g := newTestGateway(t, testConfig(), nil)
	conn1, sink1 := attachConn(t, g, "c1", "u1")
	conn2, sink2 := attachConn(t, g, "c2", "u2")

	dispatch(g, conn1, wire.Envelope{Type: wire.TypeSubscribe, ConversationID: "conv"})
	dispatch(g, conn2, wire.Envelope{Type: wire.TypeSubscribe, ConversationID: "conv"})

	dispatch(g, conn1, wire.Envelope{Type: wire.TypeTypingStart, ConversationID: "conv"})

	require.Eventually(t, func() bool {
		starts := sink2.byType(wire.TypeTypingStart)
		return len(starts) == 1 && starts[0].UserID == "u1"
	}, 2*time.Second, 10*time.Millisecond)
	require.Empty(t, sink1.byType(wire.TypeTypingStart), "senders do not see their own typing events")

	// With no follow-up the indicator expires on its own.
	require.Eventually(t, func() bool {
		return len(sink2.byType(wire.TypeTypingStop)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMailboxFlushOnReconnect(t *testing.T) {
	g := newTestGateway(t, testConfig(), nil)
	payload := wire.NewStreamChunk("s-old", 7, "tail", true).Marshal()
	g.mailbox.Enqueue("u1", payload, 0)

	_, sink := attachConn(t, g, "c1", "u1")
	require.Eventually(t, func() bool {
		queued := sink.byType(wire.TypeQueuedMessage)
		return len(queued) == 1
	}, time.Second, 10*time.Millisecond)

	queued := sink.byType(wire.TypeQueuedMessage)[0]
	require.NotEmpty(t, queued.MessageID)
	require.JSONEq(t, string(payload), string(queued.Payload))
}

func TestDisconnectThenRecoverReplaysExactlyTheGap(t *testing.T) {
	feed := make(chan stream.Fragment)
	factory := func(_ context.Context, _ stream.Request) (stream.Generator, error) {
		return &chanGenerator{ch: feed}, nil
	}
	g := newTestGateway(t, testConfig(), factory)
	conn1, sink1 := attachConn(t, g, "c1", "u1")

	dispatch(g, conn1, wire.Envelope{Type: wire.TypeChatMessage, ConversationID: "conv", Content: "go"})

	feed <- stream.Fragment{Text: "1"}
	feed <- stream.Fragment{Text: "2"}
	require.Eventually(t, func() bool {
		return len(sink1.byType(wire.TypeStreamChunk)) == 2
	}, 2*time.Second, 10*time.Millisecond)
	sessionID := sink1.byType(wire.TypeStreamChunk)[0].SessionID

	// Client drops after chunk 2; the session keeps buffering.
	require.True(t, g.reg.Unregister("c1", connection.CloseByClient))
	feed <- stream.Fragment{Text: "3"}
	feed <- stream.Fragment{Text: "4"}
	feed <- stream.Fragment{Text: "5", Final: true}

	require.Eventually(t, func() bool {
		s, ok := g.streams.Get(sessionID)
		return ok && s.State() == stream.StateCompleted
	}, 2*time.Second, 10*time.Millisecond)

	conn2, sink2 := attachConn(t, g, "c2", "u1")
	last := uint64(2)
	dispatch(g, conn2, wire.Envelope{Type: wire.TypeStreamRecover, SessionID: sessionID, LastSeenSequence: &last})

	require.Eventually(t, func() bool {
		return len(sink2.byType(wire.TypeStreamChunk)) == 3
	}, 2*time.Second, 10*time.Millisecond)
	chunks := sink2.byType(wire.TypeStreamChunk)
	require.Equal(t, uint64(3), chunks[0].Sequence)
	require.Equal(t, uint64(4), chunks[1].Sequence)
	require.Equal(t, uint64(5), chunks[2].Sequence)
	require.True(t, chunks[2].IsFinal)
	require.Empty(t, sink2.byType(wire.TypeError))
}

func TestRecoveryDuringLiveStreamKeepsOrder(t *testing.T) {
	feed := make(chan stream.Fragment)
	factory := func(_ context.Context, _ stream.Request) (stream.Generator, error) {
		return &chanGenerator{ch: feed}, nil
	}
	g := newTestGateway(t, testConfig(), factory)
	conn1, sink1 := attachConn(t, g, "c1", "u1")

	dispatch(g, conn1, wire.Envelope{Type: wire.TypeChatMessage, ConversationID: "conv", Content: "go"})
	feed <- stream.Fragment{Text: "1"}
	feed <- stream.Fragment{Text: "2"}
	require.Eventually(t, func() bool {
		return len(sink1.byType(wire.TypeStreamChunk)) == 2
	}, 2*time.Second, 10*time.Millisecond)
	sessionID := sink1.byType(wire.TypeStreamChunk)[0].SessionID
	require.True(t, g.reg.Unregister("c1", connection.CloseByClient))

	// Reconnect through a slow sink so the replay is still writing while
	// the session keeps emitting.
	sink2 := &fakeSink{delay: 10 * time.Millisecond}
	conn2, err := g.attach("c2", auth.Identity{UserID: "u1", TenantID: "t1"}, connection.TransportWebSocket, sink2)
	require.NoError(t, err)

	recoverDone := make(chan struct{})
	go func() {
		defer close(recoverDone)
		last := uint64(0)
		g.Dispatch(conn2, wire.Envelope{Type: wire.TypeStreamRecover, SessionID: sessionID, LastSeenSequence: &last}.Marshal())
	}()

	feed <- stream.Fragment{Text: "3"}
	feed <- stream.Fragment{Text: "4"}
	feed <- stream.Fragment{Text: "5", Final: true}
	<-recoverDone

	require.Eventually(t, func() bool {
		chunks := sink2.byType(wire.TypeStreamChunk)
		return len(chunks) == 5 && chunks[4].IsFinal
	}, 2*time.Second, 10*time.Millisecond)

	// Replay and live emission must never interleave out of order: the
	// connection observes every sequence exactly once, strictly increasing.
	chunks := sink2.byType(wire.TypeStreamChunk)
	for i, c := range chunks {
		require.Equal(t, uint64(i+1), c.Sequence)
	}
}

func TestRecoverPastWindowDegradesToResync(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBufferedChunks = 2
	factory := func(_ context.Context, _ stream.Request) (stream.Generator, error) {
		return stream.NewScriptedGenerator("a", "b", "c", "d", "e"), nil
	}
	g := newTestGateway(t, cfg, factory)
	conn, sink := attachConn(t, g, "c1", "u1")

	dispatch(g, conn, wire.Envelope{Type: wire.TypeChatMessage, ConversationID: "conv", Content: "go"})
	require.Eventually(t, func() bool {
		chunks := sink.byType(wire.TypeStreamChunk)
		return len(chunks) == 5 && chunks[4].IsFinal
	}, 2*time.Second, 10*time.Millisecond)
	sessionID := sink.byType(wire.TypeStreamChunk)[0].SessionID

	last := uint64(1)
	dispatch(g, conn, wire.Envelope{Type: wire.TypeStreamRecover, SessionID: sessionID, LastSeenSequence: &last})

	require.Eventually(t, func() bool {
		return len(sink.byType(wire.TypeStreamResync)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	errs := sink.byType(wire.TypeError)
	require.NotEmpty(t, errs)
	require.Equal(t, wire.CodeSequenceGap, errs[0].Code)

	resync := sink.byType(wire.TypeStreamResync)[0]
	require.Equal(t, "abcde", resync.Content)
	require.Equal(t, uint64(5), resync.Sequence)
	require.True(t, resync.IsFinal)
}

func TestRecoverUnknownSessionReportsNotFound(t *testing.T) {
	g := newTestGateway(t, testConfig(), nil)
	conn, sink := attachConn(t, g, "c1", "u1")

	last := uint64(0)
	dispatch(g, conn, wire.Envelope{Type: wire.TypeStreamRecover, SessionID: "ghost", LastSeenSequence: &last})

	require.Eventually(t, func() bool {
		errs := sink.byType(wire.TypeError)
		return len(errs) == 1 && errs[0].Code == wire.CodeSessionNotFound
	}, time.Second, 10*time.Millisecond)
}

func TestPauseResumeCancelOverWire(t *testing.T) {
	feed := make(chan stream.Fragment)
	factory := func(_ context.Context, _ stream.Request) (stream.Generator, error) {
		return &chanGenerator{ch: feed}, nil
	}
	g := newTestGateway(t, testConfig(), factory)
	conn, sink := attachConn(t, g, "c1", "u1")

	dispatch(g, conn, wire.Envelope{Type: wire.TypeChatMessage, ConversationID: "conv", Content: "go"})
	feed <- stream.Fragment{Text: "1"}
	require.Eventually(t, func() bool {
		return len(sink.byType(wire.TypeStreamChunk)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	sessionID := sink.byType(wire.TypeStreamChunk)[0].SessionID

	dispatch(g, conn, wire.Envelope{Type: wire.TypeStreamControl, SessionID: sessionID, Action: wire.ActionPause})
	require.Eventually(t, func() bool {
		s, _ := g.streams.Get(sessionID)
		return s.State() == stream.StatePaused
	}, time.Second, 10*time.Millisecond)

	dispatch(g, conn, wire.Envelope{Type: wire.TypeStreamControl, SessionID: sessionID, Action: wire.ActionResume})
	require.Eventually(t, func() bool {
		s, _ := g.streams.Get(sessionID)
		return s.State() == stream.StateStreaming
	}, time.Second, 10*time.Millisecond)

	dispatch(g, conn, wire.Envelope{Type: wire.TypeStreamControl, SessionID: sessionID, Action: wire.ActionCancel})
	require.Eventually(t, func() bool {
		s, _ := g.streams.Get(sessionID)
		return s.State() == stream.StateCancelled
	}, time.Second, 10*time.Millisecond)
}

func TestIdleSignalMarksAwayUntilActivity(t *testing.T) {
	g := newTestGateway(t, testConfig(), nil)
	conn, _ := attachConn(t, g, "c1", "u1")

	dispatch(g, conn, wire.Envelope{Type: wire.TypePresenceUpdate, Status: "away"})
	require.Eventually(t, func() bool {
		return g.presence.Get("u1").Status == presence.StatusAway
	}, time.Second, 10*time.Millisecond)

	// Any subsequent frame reverses away.
	dispatch(g, conn, wire.NewHeartbeat())
	require.Eventually(t, func() bool {
		return g.presence.Get("u1").Status == presence.StatusOnline
	}, time.Second, 10*time.Millisecond)
}

func TestPresenceOfflineBroadcast(t *testing.T) {
	g := newTestGateway(t, testConfig(), nil)
	conn1, sink1 := attachConn(t, g, "c1", "u1")
	conn2, _ := attachConn(t, g, "c2", "u2")

	dispatch(g, conn1, wire.Envelope{Type: wire.TypeSubscribe, ConversationID: "conv"})
	dispatch(g, conn2, wire.Envelope{Type: wire.TypeSubscribe, ConversationID: "conv"})

	require.True(t, g.reg.Unregister("c2", connection.CloseByClient))

	require.Eventually(t, func() bool {
		for _, env := range sink1.byType(wire.TypePresenceUpdate) {
			if env.UserID == "u2" && env.Status == "offline" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

// chanGenerator feeds fragments from a channel, for tests that need to
// control pacing across the wire.
type chanGenerator struct {
	ch chan stream.Fragment
}

func (g *chanGenerator) Next(ctx context.Context) (stream.Fragment, error) {
	select {
	case f := <-g.ch:
		return f, nil
	case <-ctx.Done():
		return stream.Fragment{}, ctx.Err()
	}
}
