// Package presence tracks which users currently hold live realtime
// sessions in this process. State is memory only and starts empty on
// every restart.
package presence

import (
	"sync"
	"time"
)

// Entry is a single live session of a user.
type Entry struct {
	UserID    int64
	SessionID string
	LastSeen  time.Time
}

// Registry maps users to their live sessions. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	byUser    map[int64]map[string]*Entry
	bySession map[string]*Entry
	now       func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		byUser:    make(map[int64]map[string]*Entry),
		bySession: make(map[string]*Entry),
		now:       time.Now,
	}
}

// Register records a session and reports whether it is the user's first.
func (r *Registry) Register(userID int64, sessionID string) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.bySession[sessionID]; ok {
		r.removeLocked(old)
	}
	e := &Entry{UserID: userID, SessionID: sessionID, LastSeen: r.now()}
	sessions, ok := r.byUser[userID]
	if !ok {
		sessions = make(map[string]*Entry)
		r.byUser[userID] = sessions
	}
	first = len(sessions) == 0
	sessions[sessionID] = e
	r.bySession[sessionID] = e
	return first
}

// Unregister drops a session. It returns the owning user and whether that
// was the user's last session; ok is false for unknown sessions.
func (r *Registry) Unregister(sessionID string) (userID int64, last bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.bySession[sessionID]
	if !ok {
		return 0, false, false
	}
	last = r.removeLocked(e)
	return e.UserID, last, true
}

func (r *Registry) removeLocked(e *Entry) (last bool) {
	delete(r.bySession, e.SessionID)
	sessions := r.byUser[e.UserID]
	delete(sessions, e.SessionID)
	if len(sessions) == 0 {
		delete(r.byUser, e.UserID)
		return true
	}
	return false
}

// Touch refreshes the lastSeen of a session.
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.bySession[sessionID]; ok {
		e.LastSeen = r.now()
	}
}

func (r *Registry) IsOnline(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// SessionsFor returns the session ids of a user in no particular order.
func (r *Registry) SessionsFor(userID int64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byUser[userID]))
	for id := range r.byUser[userID] {
		out = append(out, id)
	}
	return out
}

// LastSeen returns the most recent activity across the user's sessions.
func (r *Registry) LastSeen(userID int64) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var latest time.Time
	for _, e := range r.byUser[userID] {
		if e.LastSeen.After(latest) {
			latest = e.LastSeen
		}
	}
	return latest, !latest.IsZero()
}

// OnlineUsers returns the number of users with at least one session.
func (r *Registry) OnlineUsers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
