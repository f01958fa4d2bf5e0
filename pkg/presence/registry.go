// Package presence tracks per-user online/away/offline status across
// possibly-many concurrent connections. The registry owns its map and lock;
// callers coordinate through method calls only.
package presence

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

type Record struct {
	UserID            string
	Status            Status
	LastSeenAt        time.Time
	ActiveConnections int
}

// Event describes one status transition.
type Event struct {
	UserID string
	Old    Status
	New    Status
	At     time.Time
}

type record struct {
	status      Status
	lastSeen    time.Time
	connCount   int
	lingerTimer *time.Timer
}

// Registry maps users to presence records. A user goes online on the first
// registered connection and offline only after the last connection closes and
// the linger period passes without a reconnect, which absorbs quick
// reconnects without flapping.
type Registry struct {
	mu     sync.Mutex
	users  map[string]*record
	linger time.Duration

	subs      map[string]map[int]func(Event)
	nextSubID int
}

func NewRegistry(linger time.Duration) *Registry {
	return &Registry{
		users:  map[string]*record{},
		linger: linger,
		subs:   map[string]map[int]func(Event){},
	}
}

// ConnOpened records one more active connection for the user. Returns the
// transition event if the user just came online.
func (r *Registry) ConnOpened(userID string) (Event, bool) {
	if r == nil || userID == "" {
		return Event{}, false
	}
	r.mu.Lock()
	rec := r.users[userID]
	if rec == nil {
		rec = &record{status: StatusOffline}
		r.users[userID] = rec
	}
	if rec.lingerTimer != nil {
		rec.lingerTimer.Stop()
		rec.lingerTimer = nil
	}
	rec.connCount++
	rec.lastSeen = time.Now()
	old := rec.status
	if old == StatusOffline {
		rec.status = StatusOnline
	}
	r.mu.Unlock()

	if old == StatusOffline {
		ev := Event{UserID: userID, Old: old, New: StatusOnline, At: time.Now()}
		r.notify(ev)
		return ev, true
	}
	return Event{}, false
}

// ConnClosed records one fewer active connection. When the count reaches zero
// the offline transition is deferred by the linger period; a reconnect within
// the window cancels it.
func (r *Registry) ConnClosed(userID string) {
	if r == nil || userID == "" {
		return
	}
	r.mu.Lock()
	rec := r.users[userID]
	if rec == nil {
		r.mu.Unlock()
		return
	}
	if rec.connCount > 0 {
		rec.connCount--
	}
	rec.lastSeen = time.Now()
	if rec.connCount > 0 || rec.status == StatusOffline {
		r.mu.Unlock()
		return
	}
	if r.linger <= 0 {
		r.markOfflineLocked(userID, rec)
		return
	}
	if rec.lingerTimer != nil {
		rec.lingerTimer.Stop()
	}
	rec.lingerTimer = time.AfterFunc(r.linger, func() { r.lingerExpired(userID) })
	r.mu.Unlock()
}

func (r *Registry) lingerExpired(userID string) {
	r.mu.Lock()
	rec := r.users[userID]
	if rec == nil {
		r.mu.Unlock()
		return
	}
	rec.lingerTimer = nil
	if rec.connCount > 0 || rec.status == StatusOffline {
		r.mu.Unlock()
		return
	}
	r.markOfflineLocked(userID, rec)
}

// markOfflineLocked releases r.mu before fanning out.
func (r *Registry) markOfflineLocked(userID string, rec *record) {
	old := rec.status
	rec.status = StatusOffline
	r.mu.Unlock()
	r.notify(Event{UserID: userID, Old: old, New: StatusOffline, At: time.Now()})
}

// MarkAway records a client-reported idle signal. Only meaningful while the
// user has active connections.
func (r *Registry) MarkAway(userID string) {
	r.transition(userID, StatusOnline, StatusAway)
}

// MarkActive reverses away on any activity.
func (r *Registry) MarkActive(userID string) {
	r.transition(userID, StatusAway, StatusOnline)
}

func (r *Registry) transition(userID string, from, to Status) {
	if r == nil || userID == "" {
		return
	}
	r.mu.Lock()
	rec := r.users[userID]
	if rec == nil || rec.connCount == 0 || rec.status != from {
		r.mu.Unlock()
		return
	}
	rec.status = to
	rec.lastSeen = time.Now()
	r.mu.Unlock()
	r.notify(Event{UserID: userID, Old: from, New: to, At: time.Now()})
}

func (r *Registry) Get(userID string) Record {
	if r == nil {
		return Record{UserID: userID, Status: StatusOffline}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.users[userID]
	if rec == nil {
		return Record{UserID: userID, Status: StatusOffline}
	}
	return Record{
		UserID:            userID,
		Status:            rec.status,
		LastSeenAt:        rec.lastSeen,
		ActiveConnections: rec.connCount,
	}
}

func (r *Registry) OnlineUsers() []string {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.users))
	for id, rec := range r.users {
		if rec.status == StatusOnline || rec.status == StatusAway {
			out = append(out, id)
		}
	}
	return out
}

// Subscribe registers a callback for status transitions of one user. Fan-out
// is best-effort and synchronous; callbacks must not block. The returned
// function removes the subscription.
func (r *Registry) Subscribe(userID string, cb func(Event)) func() {
	if r == nil || userID == "" || cb == nil {
		return func() {}
	}
	r.mu.Lock()
	id := r.nextSubID
	r.nextSubID++
	if r.subs[userID] == nil {
		r.subs[userID] = map[int]func(Event){}
	}
	r.subs[userID][id] = cb
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		if subs := r.subs[userID]; subs != nil {
			delete(subs, id)
			if len(subs) == 0 {
				delete(r.subs, userID)
			}
		}
		r.mu.Unlock()
	}
}

func (r *Registry) notify(ev Event) {
	r.mu.Lock()
	cbs := make([]func(Event), 0, len(r.subs[ev.UserID]))
	for _, cb := range r.subs[ev.UserID] {
		cbs = append(cbs, cb)
	}
	r.mu.Unlock()
	log.Debug().Str("component", "presence").Str("user_id", ev.UserID).
		Str("old", string(ev.Old)).Str("new", string(ev.New)).Msg("presence transition")
	for _, cb := range cbs {
		cb(ev)
	}
}
