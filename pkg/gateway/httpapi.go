package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/relayd/pkg/auth"
	"github.com/go-go-golems/relayd/pkg/connection"
	"github.com/go-go-golems/relayd/pkg/history"
	"github.com/go-go-golems/relayd/pkg/stream"
	"github.com/go-go-golems/relayd/pkg/wire"
)

// Handler mounts every transport and API route.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", g.HandleWS)
	mux.HandleFunc("GET /events", g.HandleSSE)
	mux.HandleFunc("POST /api/chat", g.handleChatPost)
	mux.HandleFunc("GET /api/stream/{session_id}", g.handleStreamGet)
	mux.HandleFunc("POST /api/stream/{session_id}/control", g.handleControlPost)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// handleChatPost submits a chat turn for clients on the plain HTTP
// streaming transport, which cannot carry client-to-server frames. The
// response names the stream session to GET.
func (g *Gateway) handleChatPost(w http.ResponseWriter, r *http.Request) {
	id, err := g.authn.Authenticate(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		httpError(w, http.StatusUnauthorized, wire.CodeUnauthorized, "unauthorized")
		return
	}

	var req struct {
		ConversationID string `json:"conversation_id"`
		Content        string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConversationID == "" || req.Content == "" {
		httpError(w, http.StatusBadRequest, wire.CodeBadRequest, "conversation_id and content are required")
		return
	}

	if err := g.history.AppendMessage(g.baseCtx, req.ConversationID, id.UserID, history.RoleUser, req.Content); err != nil {
		g.logger.Warn().Err(err).Str("conv_id", req.ConversationID).Msg("history append failed")
	}
	env := wire.Envelope{Type: wire.TypeChatMessage, ConversationID: req.ConversationID, Content: req.Content, UserID: id.UserID}
	if err := g.bus.Publish(req.ConversationID, env.Marshal()); err != nil {
		g.logger.Warn().Err(err).Str("conv_id", req.ConversationID).Msg("chat broadcast failed")
	}

	gen, err := g.factory(g.baseCtx, stream.Request{
		ConversationID: req.ConversationID,
		UserID:         id.UserID,
		TenantID:       id.TenantID,
		Prompt:         req.Content,
	})
	if err != nil {
		httpError(w, http.StatusBadGateway, wire.CodeStreamFailed, "response generation unavailable")
		return
	}
	// No live connection owns the session yet; the stream GET attaches.
	s, err := g.streams.Start(g.baseCtx, req.ConversationID, id.UserID, "", gen)
	if err != nil {
		httpError(w, http.StatusInternalServerError, wire.CodeStreamFailed, err.Error())
		return
	}
	g.metrics.SessionStarted()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"session_id": s.ID})
}

// ndjsonSink writes one envelope per line and signals completion when a
// terminal frame passes through, so the HTTP handler can end the response.
type ndjsonSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
	doneCh  chan struct{}
	// onWrite runs after each successful write. The transport has no inbound
	// frames, so delivery itself is the activity signal that keeps the
	// heartbeat reaper away.
	onWrite func()
}

func (s *ndjsonSink) Write(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("ndjson sink closed")
	}
	if _, err := fmt.Fprintf(s.w, "%s\n", payload); err != nil {
		s.closed = true
		return err
	}
	s.flusher.Flush()
	if s.onWrite != nil {
		s.onWrite()
	}
	if env, ok := decodeLoose(payload); ok {
		if env.Type == wire.TypeError || (env.Type == wire.TypeStreamChunk && env.IsFinal) {
			s.signalDone()
		}
	}
	return nil
}

func (s *ndjsonSink) signalDone() {
	select {
	case <-s.doneCh:
	default:
		close(s.doneCh)
	}
}

func (s *ndjsonSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signalDone()
	return nil
}

// handleStreamGet serves one stream session as newline-delimited JSON. The
// transport carries stream_chunk (and terminal error) envelopes only;
// control goes through the control endpoint.
func (g *Gateway) handleStreamGet(w http.ResponseWriter, r *http.Request) {
	id, err := g.authn.Authenticate(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		httpError(w, http.StatusUnauthorized, wire.CodeUnauthorized, "unauthorized")
		return
	}
	sessionID := r.PathValue("session_id")
	if _, ok := g.streams.Get(sessionID); !ok {
		httpError(w, http.StatusNotFound, wire.CodeSessionNotFound, "unknown or evicted session")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	connID := uuid.NewString()
	sink := &ndjsonSink{w: w, flusher: flusher, doneCh: make(chan struct{})}
	sink.onWrite = func() { g.reg.Touch(connID) }
	conn, err := g.attach(connID, id, connection.TransportHTTPStream, sink)
	if err != nil {
		g.logger.Warn().Err(err).Str("user_id", id.UserID).Msg("http stream attach rejected")
		return
	}
	defer g.reg.Unregister(connID, connection.CloseByClient)

	// This transport carries stream envelopes only, so the connection does
	// not subscribe to conversation broadcasts.
	seq := uint64(lastEventID(r))
	g.handleStreamRecover(conn, wire.Envelope{
		Type:             wire.TypeStreamRecover,
		SessionID:        sessionID,
		LastSeenSequence: &seq,
	})

	select {
	case <-r.Context().Done():
	case <-sink.doneCh:
	}
}

// handleControlPost is the out-of-band control path for transports without
// client-to-server frames.
func (g *Gateway) handleControlPost(w http.ResponseWriter, r *http.Request) {
	if _, err := g.authn.Authenticate(r.Context(), auth.TokenFromRequest(r)); err != nil {
		httpError(w, http.StatusUnauthorized, wire.CodeUnauthorized, "unauthorized")
		return
	}
	sessionID := r.PathValue("session_id")

	var req struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, wire.CodeBadRequest, "invalid body")
		return
	}

	var err error
	switch req.Action {
	case wire.ActionPause:
		err = g.streams.Pause(sessionID)
	case wire.ActionResume:
		err = g.streams.Resume(sessionID)
	case wire.ActionCancel:
		err = g.streams.Cancel(sessionID)
	default:
		httpError(w, http.StatusBadRequest, wire.CodeBadRequest, fmt.Sprintf("unknown action %q", req.Action))
		return
	}
	switch {
	case errors.Is(err, stream.ErrSessionNotFound):
		httpError(w, http.StatusNotFound, wire.CodeSessionNotFound, err.Error())
	case err != nil:
		httpError(w, http.StatusConflict, wire.CodeBadRequest, err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func httpError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(wire.NewError(code, message))
}
