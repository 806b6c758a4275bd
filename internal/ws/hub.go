package ws

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"hashview/internal/domain"
	"hashview/internal/metrics"
)

const defaultSendBuffer = 64

// Session is one live realtime connection. A user may hold several.
type Session struct {
	ID     string
	UserID int64

	send   chan []byte
	rooms  map[int64]struct{}
	closed bool
}

func newSession(userID int64, buffer int) *Session {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	return &Session{
		ID:     uuid.NewString(),
		UserID: userID,
		send:   make(chan []byte, buffer),
		rooms:  make(map[int64]struct{}),
	}
}

// Hub tracks sessions and conversation rooms. Broadcasts take the write
// lock so every session in a room observes events in the same order.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[int64]map[string]*Session
	rooms    map[int64]map[string]*Session

	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewHub(logger *slog.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		sessions: make(map[string]*Session),
		byUser:   make(map[int64]map[string]*Session),
		rooms:    make(map[int64]map[string]*Session),
		logger:   logger,
		metrics:  m,
	}
}

// Register adds a session.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sessions[s.ID] = s
	if h.byUser[s.UserID] == nil {
		h.byUser[s.UserID] = make(map[string]*Session)
	}
	h.byUser[s.UserID][s.ID] = s
}

// Unregister removes a session from the hub and every room it joined,
// and closes its outbound queue.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(s)
}

func (h *Hub) removeLocked(s *Session) {
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)

	delete(h.sessions, s.ID)
	if set, ok := h.byUser[s.UserID]; ok {
		delete(set, s.ID)
		if len(set) == 0 {
			delete(h.byUser, s.UserID)
		}
	}
	for convID := range s.rooms {
		if room, ok := h.rooms[convID]; ok {
			delete(room, s.ID)
			if len(room) == 0 {
				delete(h.rooms, convID)
			}
		}
	}
	clear(s.rooms)
}

func (h *Hub) Join(s *Session, conversationID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return
	}
	if h.rooms[conversationID] == nil {
		h.rooms[conversationID] = make(map[string]*Session)
	}
	h.rooms[conversationID][s.ID] = s
	s.rooms[conversationID] = struct{}{}
}

func (h *Hub) Leave(s *Session, conversationID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(s.rooms, conversationID)
	if room, ok := h.rooms[conversationID]; ok {
		delete(room, s.ID)
		if len(room) == 0 {
			delete(h.rooms, conversationID)
		}
	}
}

func (h *Hub) InRoom(s *Session, conversationID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := s.rooms[conversationID]
	return ok
}

// enqueueLocked queues payload without blocking. A session whose queue is
// full is dropped; the client reconciles over REST after reconnecting.
func (h *Hub) enqueueLocked(s *Session, payload []byte) bool {
	if s.closed {
		return false
	}
	select {
	case s.send <- payload:
		return true
	default:
		h.logger.Warn("dropping slow realtime session", "session_id", s.ID, "user_id", s.UserID)
		h.metrics.SlowConsumer()
		h.removeLocked(s)
		return false
	}
}

func (h *Hub) encode(ev domain.Event) ([]byte, bool) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encode realtime event", "type", ev.Type, "error", err)
		return nil, false
	}
	return payload, true
}

// BroadcastToRoom sends ev to every session joined to the conversation
// and returns the distinct users reached.
func (h *Hub) BroadcastToRoom(conversationID int64, ev domain.Event) []int64 {
	return h.broadcastToRoom(conversationID, ev, 0)
}

// BroadcastToRoomExcept is BroadcastToRoom skipping all sessions of exceptUserID.
func (h *Hub) BroadcastToRoomExcept(conversationID int64, ev domain.Event, exceptUserID int64) []int64 {
	return h.broadcastToRoom(conversationID, ev, exceptUserID)
}

func (h *Hub) broadcastToRoom(conversationID int64, ev domain.Event, exceptUserID int64) []int64 {
	payload, ok := h.encode(ev)
	if !ok {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	reached := make(map[int64]struct{})
	for _, s := range h.rooms[conversationID] {
		if exceptUserID != 0 && s.UserID == exceptUserID {
			continue
		}
		if h.enqueueLocked(s, payload) {
			reached[s.UserID] = struct{}{}
		}
	}
	return keys(reached)
}

// NotifyOutsideRoom sends ev to sessions of userIDs that have not joined
// the conversation room, so list screens can refresh.
func (h *Hub) NotifyOutsideRoom(conversationID int64, userIDs []int64, ev domain.Event) []int64 {
	payload, ok := h.encode(ev)
	if !ok {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	reached := make(map[int64]struct{})
	for _, uid := range userIDs {
		for _, s := range h.byUser[uid] {
			if _, joined := s.rooms[conversationID]; joined {
				continue
			}
			if h.enqueueLocked(s, payload) {
				reached[uid] = struct{}{}
			}
		}
	}
	return keys(reached)
}

// SendToSession queues ev for a single session.
func (h *Hub) SendToSession(s *Session, ev domain.Event) {
	payload, ok := h.encode(ev)
	if !ok {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.enqueueLocked(s, payload)
}

// BroadcastAll sends ev to every connected session.
func (h *Hub) BroadcastAll(ev domain.Event) {
	payload, ok := h.encode(ev)
	if !ok {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.sessions {
		h.enqueueLocked(s, payload)
	}
}

// SessionCount returns the number of live sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func keys(m map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
