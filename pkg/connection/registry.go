// Package connection owns the set of live transport sessions and their send
// paths. The registry map and its lock are private; cross-component effects
// of a disconnect (presence decrement, offline broadcast) run through the
// OnUnregister hook.
package connection

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ErrConnectionNotFound  = errors.New("connection not found")
	ErrDuplicateConnection = errors.New("duplicate connection id")
	ErrTransportClosed     = errors.New("transport closed")
	ErrRegistryFull        = errors.New("connection registry full")
)

type Registry struct {
	mu     sync.Mutex
	conns  map[string]*Conn
	byUser map[string]map[string]*Conn

	maxConns int

	onUnregister func(*Conn, CloseReason)
}

// NewRegistry builds a registry. maxConns <= 0 means unlimited.
func NewRegistry(maxConns int) *Registry {
	return &Registry{
		conns:    map[string]*Conn{},
		byUser:   map[string]map[string]*Conn{},
		maxConns: maxConns,
	}
}

// OnUnregister installs the hook fired after a connection leaves the
// registry, for any reason. Fired outside the registry lock.
func (r *Registry) OnUnregister(hook func(*Conn, CloseReason)) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.onUnregister = hook
	r.mu.Unlock()
}

func (r *Registry) Register(id, userID, tenantID string, kind TransportKind, sink Sink) (*Conn, error) {
	if r == nil {
		return nil, errors.New("registry is nil")
	}
	if id == "" || userID == "" {
		return nil, errors.New("connection id and user id are required")
	}
	now := time.Now()
	conn := &Conn{
		ID:            id,
		UserID:        userID,
		TenantID:      tenantID,
		Kind:          kind,
		EstablishedAt: now,
		lastActivity:  now,
		subs:          map[string]struct{}{},
		sink:          sink,
	}

	r.mu.Lock()
	if _, exists := r.conns[id]; exists {
		r.mu.Unlock()
		return nil, errors.Wrapf(ErrDuplicateConnection, "id %s", id)
	}
	if r.maxConns > 0 && len(r.conns) >= r.maxConns {
		r.mu.Unlock()
		return nil, ErrRegistryFull
	}
	r.conns[id] = conn
	if r.byUser[userID] == nil {
		r.byUser[userID] = map[string]*Conn{}
	}
	r.byUser[userID][id] = conn
	r.mu.Unlock()

	log.Debug().Str("component", "connection").Str("conn_id", id).
		Str("user_id", userID).Str("transport", string(kind)).Msg("connection registered")
	return conn, nil
}

// Unregister removes the connection and closes its sink. Idempotent; reports
// whether this call removed it.
func (r *Registry) Unregister(id string, reason CloseReason) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, id)
	if byUser := r.byUser[conn.UserID]; byUser != nil {
		delete(byUser, id)
		if len(byUser) == 0 {
			delete(r.byUser, conn.UserID)
		}
	}
	hook := r.onUnregister
	r.mu.Unlock()

	conn.close()
	log.Debug().Str("component", "connection").Str("conn_id", id).
		Str("reason", string(reason)).Msg("connection unregistered")
	if hook != nil {
		hook(conn, reason)
	}
	return true
}

func (r *Registry) Touch(id string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	conn := r.conns[id]
	r.mu.Unlock()
	conn.Touch()
}

func (r *Registry) Get(id string) (*Conn, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// Send attempts delivery to one connection. A connection whose transport
// rejects a write (including a full send queue, which means the client
// stopped reading) is unregistered on the spot: a half-dead connection that
// keeps heartbeating but cannot receive would otherwise hold presence and
// session ownership forever. Callers see ErrTransportClosed and queue
// instead.
func (r *Registry) Send(id string, payload []byte) error {
	if r == nil {
		return errors.New("registry is nil")
	}
	r.mu.Lock()
	conn, ok := r.conns[id]
	r.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrConnectionNotFound, "id %s", id)
	}
	err := conn.send(payload)
	if err != nil {
		r.Unregister(id, CloseWriteFailed)
	}
	return err
}

// SendToUser fans a payload out to every device of a user. Returns how many
// connections accepted the write; failed ones are unregistered like any
// other failed Send.
func (r *Registry) SendToUser(userID string, payload []byte) int {
	delivered := 0
	for _, conn := range r.ConnsForUser(userID) {
		if err := r.Send(conn.ID, payload); err == nil {
			delivered++
		}
	}
	return delivered
}

func (r *Registry) ConnsForUser(userID string) []*Conn {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Conn, 0, len(r.byUser[userID]))
	for _, conn := range r.byUser[userID] {
		out = append(out, conn)
	}
	return out
}

// ConnsForConversation snapshots the connections subscribed to a
// conversation, any user.
func (r *Registry) ConnsForConversation(conversationID string) []*Conn {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	all := make([]*Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		all = append(all, conn)
	}
	r.mu.Unlock()

	var out []*Conn
	for _, conn := range all {
		if conn.IsSubscribed(conversationID) {
			out = append(out, conn)
		}
	}
	return out
}

func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// StartReaper force-unregisters connections that missed too many heartbeats.
// Runs until ctx is cancelled.
func (r *Registry) StartReaper(ctx context.Context, interval time.Duration, missedThreshold int) {
	if r == nil || interval <= 0 || missedThreshold <= 0 {
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
				r.reapOnce(now, time.Duration(missedThreshold)*interval)
			}
		}
	}()
}

func (r *Registry) reapOnce(now time.Time, cutoff time.Duration) int {
	if now.IsZero() {
		now = time.Now()
	}
	r.mu.Lock()
	stale := make([]string, 0)
	for id, conn := range r.conns {
		if now.Sub(conn.LastActivity()) > cutoff {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		log.Info().Str("component", "connection").Str("conn_id", id).Msg("heartbeat timeout, reaping connection")
		r.Unregister(id, CloseTimeout)
	}
	return len(stale)
}
