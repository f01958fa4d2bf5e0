package connection

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

type TransportKind string

const (
	TransportWebSocket  TransportKind = "websocket"
	TransportSSE        TransportKind = "sse"
	TransportHTTPStream TransportKind = "http_stream"
)

// CloseReason distinguishes a client-initiated close from an authoritative
// heartbeat-timeout disconnect.
type CloseReason string

const (
	CloseByClient    CloseReason = "client"
	CloseTimeout     CloseReason = "timeout"
	CloseShutdown    CloseReason = "shutdown"
	CloseWriteFailed CloseReason = "write_failed"
)

// Sink is the per-connection send path. Implementations wrap a websocket
// write pump, an SSE flusher, or a chunked HTTP writer; Write must be safe to
// call after Close and return ErrTransportClosed.
type Sink interface {
	Write(payload []byte) error
	Close() error
}

// Conn is one live transport session. Owned exclusively by the Registry;
// other components hold its ID only.
type Conn struct {
	ID            string
	UserID        string
	TenantID      string
	Kind          TransportKind
	EstablishedAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
	subs         map[string]struct{}
	sink         Sink
	closed       bool
}

// Touch updates the activity clock. Called on every inbound frame,
// heartbeats included.
func (c *Conn) Touch() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Conn) LastActivity() time.Time {
	if c == nil {
		return time.Time{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Subscribe adds the conversation to this connection's subscription set.
func (c *Conn) Subscribe(conversationID string) {
	if c == nil || conversationID == "" {
		return
	}
	c.mu.Lock()
	c.subs[conversationID] = struct{}{}
	c.mu.Unlock()
}

func (c *Conn) Unsubscribe(conversationID string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	delete(c.subs, conversationID)
	c.mu.Unlock()
}

func (c *Conn) IsSubscribed(conversationID string) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[conversationID]
	return ok
}

func (c *Conn) Subscriptions() []string {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for id := range c.subs {
		out = append(out, id)
	}
	return out
}

// send serializes writes per connection, which is what gives a single
// session-connection pair its in-order delivery guarantee.
func (c *Conn) send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.sink == nil {
		return ErrTransportClosed
	}
	if err := c.sink.Write(payload); err != nil {
		c.closed = true
		return errors.Wrap(ErrTransportClosed, err.Error())
	}
	return nil
}

func (c *Conn) close() {
	c.mu.Lock()
	sink := c.sink
	c.closed = true
	c.mu.Unlock()
	if sink != nil {
		_ = sink.Close()
	}
}
