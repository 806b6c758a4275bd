package ws

import (
	"encoding/json"
	"testing"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hashview/internal/domain"
)

func drain(s *Session) []string {
	var types []string
	for {
		select {
		case payload, ok := <-s.send:
			if !ok {
				return types
			}
			var ev domain.Event
			if err := json.Unmarshal(payload, &ev); err == nil {
				types = append(types, ev.Type)
			}
		default:
			return types
		}
	}
}

func TestHub_RoomBroadcastOrderAndReach(t *testing.T) {
	hub := NewHub(slogt.New(t), nil)
	a1, a2, b := newSession(1, 8), newSession(1, 8), newSession(2, 8)
	for _, s := range []*Session{a1, a2, b} {
		hub.Register(s)
	}
	hub.Join(a1, 10)
	hub.Join(b, 10)

	reached := hub.BroadcastToRoom(10, domain.Event{Type: "first"})
	assert.ElementsMatch(t, []int64{1, 2}, reached)
	hub.BroadcastToRoom(10, domain.Event{Type: "second"})

	assert.Equal(t, []string{"first", "second"}, drain(a1))
	assert.Equal(t, []string{"first", "second"}, drain(b))
	assert.Empty(t, drain(a2), "session outside the room gets nothing")

	reached = hub.BroadcastToRoomExcept(10, domain.Event{Type: "typing"}, 1)
	assert.Equal(t, []int64{2}, reached)
	assert.Empty(t, drain(a1))
	assert.Equal(t, []string{"typing"}, drain(b))
}

func TestHub_NotifyOutsideRoom(t *testing.T) {
	hub := NewHub(slogt.New(t), nil)
	inRoom, elsewhere, other := newSession(1, 8), newSession(1, 8), newSession(3, 8)
	for _, s := range []*Session{inRoom, elsewhere, other} {
		hub.Register(s)
	}
	hub.Join(inRoom, 10)

	reached := hub.NotifyOutsideRoom(10, []int64{1, 2}, domain.Event{Type: domain.EventConversationUpdated})
	assert.Equal(t, []int64{1}, reached)
	assert.Empty(t, drain(inRoom))
	assert.Equal(t, []string{domain.EventConversationUpdated}, drain(elsewhere))
	assert.Empty(t, drain(other))
}

func TestHub_DropsSlowConsumer(t *testing.T) {
	hub := NewHub(slogt.New(t), nil)
	slow := newSession(1, 1)
	hub.Register(slow)
	hub.Join(slow, 10)

	assert.Equal(t, []int64{1}, hub.BroadcastToRoom(10, domain.Event{Type: "one"}))
	assert.Empty(t, hub.BroadcastToRoom(10, domain.Event{Type: "two"}))
	assert.Equal(t, 0, hub.SessionCount())
	assert.False(t, hub.InRoom(slow, 10))

	payload, ok := <-slow.send
	require.True(t, ok)
	assert.Contains(t, string(payload), `"one"`)
	_, ok = <-slow.send
	assert.False(t, ok, "queue is closed after eviction")

	hub.Unregister(slow)
}

func TestHub_UnregisterLeavesRooms(t *testing.T) {
	hub := NewHub(slogt.New(t), nil)
	s := newSession(1, 4)
	hub.Register(s)
	hub.Join(s, 10)
	hub.Join(s, 11)

	hub.Unregister(s)
	assert.Equal(t, 0, hub.SessionCount())
	assert.Empty(t, hub.BroadcastToRoom(10, domain.Event{Type: "x"}))
	assert.Empty(t, hub.BroadcastToRoom(11, domain.Event{Type: "x"}))
}
