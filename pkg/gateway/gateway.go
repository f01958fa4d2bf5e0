// Package gateway is the delivery façade: it authenticates and registers
// transport sessions, routes inbound envelopes to the owning component, and
// routes chunks and broadcasts back out. It holds connection and session ids,
// never the objects those ids name.
package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/relayd/pkg/auth"
	"github.com/go-go-golems/relayd/pkg/bus"
	"github.com/go-go-golems/relayd/pkg/config"
	"github.com/go-go-golems/relayd/pkg/connection"
	"github.com/go-go-golems/relayd/pkg/history"
	"github.com/go-go-golems/relayd/pkg/mailbox"
	"github.com/go-go-golems/relayd/pkg/metrics"
	"github.com/go-go-golems/relayd/pkg/presence"
	"github.com/go-go-golems/relayd/pkg/stream"
	"github.com/go-go-golems/relayd/pkg/typing"
	"github.com/go-go-golems/relayd/pkg/wire"
)

// Options carries the external collaborators. Zero values get safe defaults
// (nop history, no metrics); Authenticator and Generator are required.
type Options struct {
	Authenticator auth.Authenticator
	Generator     stream.Factory
	History       history.Store
	Metrics       *metrics.Metrics
}

type Gateway struct {
	cfg config.Config

	authn   auth.Authenticator
	factory stream.Factory

	reg      *connection.Registry
	presence *presence.Registry
	typing   *typing.Tracker
	mailbox  *mailbox.Mailbox
	streams  *stream.Manager
	bus      *bus.Bus
	history  history.Store
	metrics  *metrics.Metrics

	fanout *fanout

	// baseCtx bounds session and loop lifetimes; set by Start.
	baseCtx context.Context

	mu sync.Mutex
	// watchCancels holds one presence subscription per user with (recent)
	// connections; userConvs remembers which conversations to notify when
	// the linger finally tips a user offline.
	watchCancels map[string]func()
	userConvs    map[string]map[string]struct{}

	logger zerolog.Logger
}

func New(cfg config.Config, opts Options) (*Gateway, error) {
	if opts.Authenticator == nil {
		return nil, errors.New("authenticator is required")
	}
	if opts.Generator == nil {
		return nil, errors.New("generator factory is required")
	}
	if opts.History == nil {
		opts.History = history.NopStore{}
	}

	b, err := bus.New(bus.Config{
		RedisEnabled: cfg.Redis.Enabled,
		RedisAddr:    cfg.Redis.Addr,
		Group:        cfg.Redis.Group,
		Consumer:     cfg.Redis.Consumer,
	})
	if err != nil {
		return nil, errors.Wrap(err, "build bus")
	}

	g := &Gateway{
		cfg:          cfg,
		authn:        opts.Authenticator,
		factory:      opts.Generator,
		reg:          connection.NewRegistry(cfg.MaxConnections),
		presence:     presence.NewRegistry(cfg.PresenceLinger),
		mailbox:      mailbox.New(cfg.MessageQueueMaxSize, cfg.MessageTTL),
		bus:          b,
		history:      opts.History,
		metrics:      opts.Metrics,
		baseCtx:      context.Background(),
		watchCancels: map[string]func(){},
		userConvs:    map[string]map[string]struct{}{},
		logger:       log.With().Str("component", "gateway").Logger(),
	}
	g.typing = typing.NewTracker(cfg.TypingTimeout, g.onTypingEvent)
	g.streams = stream.NewManager(stream.Config{
		MaxBufferedChunks: cfg.MaxBufferedChunks,
		IdleTimeout:       cfg.StreamIdleTimeout,
		RecoveryWindow:    cfg.RecoveryWindow,
		ChunkDelay:        cfg.DefaultChunkDelay,
	}, g.emitChunk, g.onStreamTerminal)
	g.fanout = newFanout(b, g.reg)

	g.reg.OnUnregister(g.onDisconnect)
	g.mailbox.OnDrop(func(mailbox.Message) { g.metrics.MessageDropped() })
	return g, nil
}

// Start launches the background loops. Must be called once before serving.
func (g *Gateway) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	g.baseCtx = ctx
	g.reg.StartReaper(ctx, g.cfg.HeartbeatInterval, g.cfg.MissedHeartbeatsThreshold)
	g.mailbox.StartSweep(ctx, g.cfg.MessageTTL/4+1)
	g.streams.StartEvictionLoop(ctx)
	g.fanout.startEvictionLoop(ctx, g.cfg.HeartbeatInterval)
}

func (g *Gateway) Close() error {
	return g.bus.Close()
}

// attach registers a freshly authenticated transport session and performs
// the reconnect side effects: presence increment and mailbox flush.
func (g *Gateway) attach(connID string, id auth.Identity, kind connection.TransportKind, sink connection.Sink) (*connection.Conn, error) {
	conn, err := g.reg.Register(connID, id.UserID, id.TenantID, kind, sink)
	if err != nil {
		return nil, err
	}
	g.metrics.ConnectionOpened(string(kind))
	g.presence.ConnOpened(id.UserID)
	g.ensurePresenceWatch(id.UserID)
	g.flushMailbox(conn)
	return conn, nil
}

// flushMailbox delivers queued messages to the reconnecting device before
// any live traffic. At-most-once: a drained message is gone even if this
// write fails.
func (g *Gateway) flushMailbox(conn *connection.Conn) {
	msgs := g.mailbox.Drain(conn.UserID)
	if len(msgs) == 0 {
		return
	}
	for _, msg := range msgs {
		env := wire.NewQueuedMessage(msg.ID, msg.Payload, msg.EnqueuedAt)
		if err := g.reg.Send(conn.ID, env.Marshal()); err != nil {
			g.logger.Warn().Err(err).Str("conn_id", conn.ID).Msg("mailbox flush write failed")
			return
		}
	}
	g.metrics.MessagesDrained(len(msgs))
	g.logger.Debug().Str("user_id", conn.UserID).Int("count", len(msgs)).Msg("mailbox flushed")
}

// onDisconnect runs for every unregistration, whatever the reason. Sessions
// owned by the connection detach and keep buffering for recovery.
func (g *Gateway) onDisconnect(conn *connection.Conn, reason connection.CloseReason) {
	g.metrics.ConnectionClosed(string(reason))
	g.streams.Detach(conn.ID)
	g.rememberConvs(conn.UserID, conn.Subscriptions())
	if len(g.reg.ConnsForUser(conn.UserID)) == 0 {
		g.typing.StopAll(conn.UserID)
	}
	g.presence.ConnClosed(conn.UserID)
}

// ensurePresenceWatch installs one presence subscription per user; the
// callback broadcasts transitions (including the linger-delayed offline) to
// the conversations the user was last seen in.
func (g *Gateway) ensurePresenceWatch(userID string) {
	g.mu.Lock()
	if _, ok := g.watchCancels[userID]; ok {
		g.mu.Unlock()
		return
	}
	cancel := g.presence.Subscribe(userID, func(ev presence.Event) {
		g.broadcastPresence(ev)
		if ev.New == presence.StatusOffline {
			g.dropPresenceWatch(userID)
		}
	})
	g.watchCancels[userID] = cancel
	g.mu.Unlock()
}

func (g *Gateway) dropPresenceWatch(userID string) {
	g.mu.Lock()
	cancel := g.watchCancels[userID]
	delete(g.watchCancels, userID)
	delete(g.userConvs, userID)
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (g *Gateway) rememberConvs(userID string, convs []string) {
	if len(convs) == 0 {
		return
	}
	g.mu.Lock()
	set := g.userConvs[userID]
	if set == nil {
		set = map[string]struct{}{}
		g.userConvs[userID] = set
	}
	for _, c := range convs {
		set[c] = struct{}{}
	}
	g.mu.Unlock()
}

// broadcastPresence fans a status change out to the conversations the user
// currently (or most recently) participates in. Best-effort, not retried.
func (g *Gateway) broadcastPresence(ev presence.Event) {
	convs := map[string]struct{}{}
	for _, conn := range g.reg.ConnsForUser(ev.UserID) {
		for _, c := range conn.Subscriptions() {
			convs[c] = struct{}{}
		}
	}
	g.mu.Lock()
	for c := range g.userConvs[ev.UserID] {
		convs[c] = struct{}{}
	}
	g.mu.Unlock()

	env := wire.NewPresenceUpdate(ev.UserID, string(ev.New)).Marshal()
	for c := range convs {
		if err := g.bus.Publish(c, env); err != nil {
			g.logger.Warn().Err(err).Str("conv_id", c).Msg("presence broadcast failed")
		}
	}
}

func (g *Gateway) onTypingEvent(ev typing.Event) {
	env := wire.NewTypingEvent(ev.ConversationID, ev.UserID, ev.Typing).Marshal()
	if err := g.bus.Publish(ev.ConversationID, env); err != nil {
		g.logger.Warn().Err(err).Str("conv_id", ev.ConversationID).Msg("typing broadcast failed")
	}
}

// Dispatch routes one inbound client frame.
func (g *Gateway) Dispatch(conn *connection.Conn, data []byte) {
	env, err := wire.Decode(data)
	if err != nil {
		g.sendTo(conn.ID, wire.NewError(wire.CodeBadRequest, err.Error()))
		return
	}
	g.reg.Touch(conn.ID)
	g.metrics.FrameIn(string(env.Type))
	g.presence.MarkActive(conn.UserID)

	switch env.Type {
	case wire.TypeHeartbeat:
		g.sendTo(conn.ID, wire.NewHeartbeat())
	case wire.TypeChatMessage:
		g.handleChat(conn, env)
	case wire.TypeTypingStart:
		g.typing.StartTyping(env.ConversationID, conn.UserID)
	case wire.TypeTypingStop:
		g.typing.StopTyping(env.ConversationID, conn.UserID)
	case wire.TypeSubscribe:
		conn.Subscribe(env.ConversationID)
		g.fanout.ensure(g.baseCtx, env.ConversationID)
	case wire.TypeUnsubscribe:
		conn.Unsubscribe(env.ConversationID)
	case wire.TypePresenceUpdate:
		// MarkActive above already reversed a previous away; only the idle
		// signal itself needs handling.
		if env.Status == "away" {
			g.presence.MarkAway(conn.UserID)
		}
	case wire.TypeStreamControl:
		g.handleStreamControl(conn, env)
	case wire.TypeStreamRecover:
		g.handleStreamRecover(conn, env)
	}
}

// handleChat forwards the turn to the response generator and broadcasts the
// message to the conversation's other subscribers.
func (g *Gateway) handleChat(conn *connection.Conn, env wire.Envelope) {
	conn.Subscribe(env.ConversationID)
	g.fanout.ensure(g.baseCtx, env.ConversationID)
	g.typing.StopTyping(env.ConversationID, conn.UserID)

	if err := g.history.AppendMessage(g.baseCtx, env.ConversationID, conn.UserID, history.RoleUser, env.Content); err != nil {
		g.logger.Warn().Err(err).Str("conv_id", env.ConversationID).Msg("history append failed")
	}

	out := env
	out.UserID = conn.UserID
	if err := g.bus.Publish(env.ConversationID, out.Marshal()); err != nil {
		g.logger.Warn().Err(err).Str("conv_id", env.ConversationID).Msg("chat broadcast failed")
	}

	gen, err := g.factory(g.baseCtx, stream.Request{
		ConversationID: env.ConversationID,
		UserID:         conn.UserID,
		TenantID:       conn.TenantID,
		Prompt:         env.Content,
	})
	if err != nil {
		g.logger.Error().Err(err).Str("conv_id", env.ConversationID).Msg("generator construction failed")
		g.sendTo(conn.ID, wire.NewError(wire.CodeStreamFailed, "response generation unavailable"))
		return
	}
	s, err := g.streams.Start(g.baseCtx, env.ConversationID, conn.UserID, conn.ID, gen)
	if err != nil {
		g.sendTo(conn.ID, wire.NewError(wire.CodeStreamFailed, err.Error()))
		return
	}
	g.metrics.SessionStarted()
	g.logger.Debug().Str("session_id", s.ID).Str("conn_id", conn.ID).Msg("chat turn accepted")
}

func (g *Gateway) handleStreamControl(conn *connection.Conn, env wire.Envelope) {
	var err error
	switch env.Action {
	case wire.ActionPause:
		err = g.streams.Pause(env.SessionID)
	case wire.ActionResume:
		err = g.streams.Resume(env.SessionID)
	case wire.ActionCancel:
		err = g.streams.Cancel(env.SessionID)
	}
	if err != nil {
		g.sendTo(conn.ID, streamControlError(env.SessionID, err))
	}
}

func streamControlError(sessionID string, err error) wire.Envelope {
	code := wire.CodeBadRequest
	switch {
	case errors.Is(err, stream.ErrSessionNotFound):
		code = wire.CodeSessionNotFound
	case errors.Is(err, stream.ErrSequenceGap):
		code = wire.CodeSequenceGap
	}
	env := wire.NewError(code, err.Error())
	env.SessionID = sessionID
	return env
}

// handleStreamRecover replays buffered chunks past the client's last seen
// sequence, then reattaches the session to this connection. A gap degrades
// to a stream_resync carrying the completed-so-far text.
func (g *Gateway) handleStreamRecover(conn *connection.Conn, env wire.Envelope) {
	err := g.replayAndAttach(conn, env.SessionID, *env.LastSeenSequence)
	switch {
	case errors.Is(err, stream.ErrSessionNotFound):
		g.metrics.Recovery("session_not_found")
		g.sendTo(conn.ID, streamControlError(env.SessionID, err))
	case errors.Is(err, stream.ErrSequenceGap):
		g.metrics.Recovery("resync")
		g.sendTo(conn.ID, streamControlError(env.SessionID, err))
		g.resync(conn, env.SessionID)
	case err != nil:
		g.logger.Warn().Err(err).Str("conn_id", conn.ID).Msg("recovery replay write failed")
	default:
		g.metrics.Recovery("replayed")
	}
}

// replayAndAttach writes every buffered chunk past lastSeen to the
// connection, then hands live ownership over. On a still-streaming session
// the handover only lands once the replay has caught up with the emit path
// (AttachIfCaughtUp), so the connection observes strictly increasing
// sequences: all replayed chunks first, live chunks after. Chunks emitted
// while the replay is in flight are owned by nobody and picked up by the
// next Recover snapshot.
func (g *Gateway) replayAndAttach(conn *connection.Conn, sessionID string, lastSeen uint64) error {
	for {
		chunks, err := g.streams.Recover(sessionID, lastSeen)
		if err != nil {
			return err
		}
		if len(chunks) == 0 {
			attached, err := g.streams.AttachIfCaughtUp(sessionID, conn.ID, lastSeen)
			if err != nil {
				return err
			}
			if attached {
				return nil
			}
			continue
		}
		for _, c := range chunks {
			if sendErr := g.reg.Send(conn.ID, chunkEnvelope(c).Marshal()); sendErr != nil {
				return sendErr
			}
			g.metrics.ChunkSent()
			lastSeen = c.Sequence
		}
	}
}

// resync is the degraded recovery path: ship the completed-so-far text, then
// catch the connection up from there. A session still producing can move the
// ring past the resync point before the replay lands, in which case the
// resync is retried from the new summary.
func (g *Gateway) resync(conn *connection.Conn, sessionID string) {
	for {
		summary, lastSeq, done, err := g.streams.Resync(sessionID)
		if err != nil {
			return
		}
		g.sendTo(conn.ID, wire.NewStreamResync(sessionID, lastSeq, summary, done))
		err = g.replayAndAttach(conn, sessionID, lastSeq)
		if errors.Is(err, stream.ErrSequenceGap) {
			continue
		}
		if err != nil {
			g.logger.Warn().Err(err).Str("conn_id", conn.ID).Str("session_id", sessionID).Msg("post-resync attach failed")
		}
		return
	}
}

// emitChunk is the stream manager's delivery path, called in sequence order
// on the session's goroutine. A missing or closed owner connection is not an
// error: the session keeps buffering, and only the terminal envelope is
// diverted to the mailbox so a reconnecting client learns the outcome.
func (g *Gateway) emitChunk(s *stream.Session, c stream.Chunk) {
	env := chunkEnvelope(c)
	owner := s.Owner()
	if owner == "" {
		g.queueTerminal(s, c, env)
		return
	}
	if err := g.reg.Send(owner, env.Marshal()); err != nil {
		g.logger.Debug().Err(err).Str("session_id", s.ID).Str("conn_id", owner).Msg("chunk delivery failed, buffering")
		g.queueTerminal(s, c, env)
		return
	}
	g.metrics.ChunkSent()
}

func (g *Gateway) queueTerminal(s *stream.Session, c stream.Chunk, env wire.Envelope) {
	if !c.IsFinal && !c.IsError {
		return
	}
	g.mailbox.Enqueue(s.OwnerUserID, env.Marshal(), 0)
	g.metrics.MessageQueued()
}

func (g *Gateway) onStreamTerminal(s *stream.Session, state stream.State, _ string) {
	g.metrics.SessionFinished(string(state))
	if state == stream.StateCompleted {
		summary, _, _ := s.Resync()
		if err := g.history.AppendMessage(g.baseCtx, s.ConversationID, s.OwnerUserID, history.RoleAssistant, summary); err != nil {
			g.logger.Warn().Err(err).Str("session_id", s.ID).Msg("history append failed")
		}
	}
	// Failed sessions already delivered their terminal error envelope via
	// the error chunk in emitChunk; nothing more to send here.
}

// chunkEnvelope maps an error chunk to the wire error envelope and a normal
// chunk to stream_chunk.
func chunkEnvelope(c stream.Chunk) wire.Envelope {
	if c.IsError {
		env := wire.NewError(wire.CodeStreamFailed, c.Content)
		env.SessionID = c.SessionID
		env.Sequence = c.Sequence
		return env
	}
	return wire.NewStreamChunk(c.SessionID, c.Sequence, c.Content, c.IsFinal)
}

func (g *Gateway) sendTo(connID string, env wire.Envelope) {
	if err := g.reg.Send(connID, env.Marshal()); err != nil {
		g.logger.Debug().Err(err).Str("conn_id", connID).Str("type", string(env.Type)).Msg("send failed")
	}
}

// decodeLoose parses an envelope without inbound validation; used by sinks
// that need to peek at server-emitted frames.
func decodeLoose(data []byte) (wire.Envelope, bool) {
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return wire.Envelope{}, false
	}
	return env, true
}
