package gateway

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/relayd/pkg/auth"
	"github.com/go-go-golems/relayd/pkg/connection"
	"github.com/go-go-golems/relayd/pkg/wire"
)

// sseSink serializes envelopes as SSE events. stream_chunk events carry
// their sequence in the id: field so native EventSource resume
// (Last-Event-ID) lines up with the recovery contract.
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
}

func (s *sseSink) Write(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("sse sink closed")
	}
	if env, ok := decodeLoose(payload); ok && env.Type == wire.TypeStreamChunk {
		if _, err := fmt.Fprintf(s.w, "id: %d\n", env.Sequence); err != nil {
			s.closed = true
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		s.closed = true
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) comment(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("sse sink closed")
	}
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		s.closed = true
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// HandleSSE attaches a server-sent-events connection. SSE is server-to-
// client only; clients drive chat and control through the HTTP API. A
// session_id query parameter plus the Last-Event-ID header (or a
// last_seen query parameter) triggers transparent stream recovery.
func (g *Gateway) HandleSSE(w http.ResponseWriter, r *http.Request) {
	id, err := g.authn.Authenticate(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := &sseSink{w: w, flusher: flusher}
	connID := uuid.NewString()
	conn, err := g.attach(connID, id, connection.TransportSSE, sink)
	if err != nil {
		g.logger.Warn().Err(err).Str("user_id", id.UserID).Msg("sse attach rejected")
		return
	}
	defer g.reg.Unregister(connID, connection.CloseByClient)

	if convID := r.URL.Query().Get("conversation_id"); convID != "" {
		conn.Subscribe(convID)
		g.fanout.ensure(g.baseCtx, convID)
	}
	if sessionID := r.URL.Query().Get("session_id"); sessionID != "" {
		lastSeen := lastEventID(r)
		seq := uint64(lastSeen)
		g.handleStreamRecover(conn, wire.Envelope{
			Type:             wire.TypeStreamRecover,
			SessionID:        sessionID,
			LastSeenSequence: &seq,
		})
	}

	// The client cannot send heartbeats on this transport, so the server
	// keeps the connection alive against the reaper while writes succeed.
	keepalive := time.NewTicker(g.cfg.HeartbeatInterval)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if err := sink.comment("ping"); err != nil {
				return
			}
			g.reg.Touch(connID)
		}
	}
}

func lastEventID(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("last_seen")
	}
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
