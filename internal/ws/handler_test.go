package ws_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hashview/internal/domain"
	"hashview/internal/presence"
	"hashview/internal/push"
	"hashview/internal/security"
	"hashview/internal/service"
	"hashview/internal/store/sqlite"
	"hashview/internal/ws"
)

type recordingDeliverer struct {
	mu   sync.Mutex
	sent []push.Notification
}

func (r *recordingDeliverer) Deliver(_ context.Context, n push.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingDeliverer) recipients() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int64
	for _, n := range r.sent {
		ids = append(ids, n.RecipientID)
	}
	return ids
}

type env struct {
	srv      *httptest.Server
	tokens   *security.TokenService
	users    []*domain.User
	convID   int64
	registry *presence.Registry
	pushes   *recordingDeliverer
}

func newEnv(t *testing.T, cfg ws.Config) *env {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, sqlite.Migrate(db))
	t.Cleanup(func() { db.Close() })

	logger := slogt.New(t)
	userRepo := sqlite.NewUserRepo(db)
	convRepo := sqlite.NewConversationRepo(db)
	msgRepo := sqlite.NewMessageRepo(db)

	e := &env{
		tokens:   security.NewTokenService("ws-secret", time.Hour),
		registry: presence.NewRegistry(),
		pushes:   &recordingDeliverer{},
	}
	for i := 0; i < 3; i++ {
		u := &domain.User{
			Name:           fmt.Sprintf("User %c", 'A'+i),
			Email:          fmt.Sprintf("ws%d@example.com", i),
			HashedPassword: "x",
		}
		require.NoError(t, userRepo.Create(context.Background(), u))
		e.users = append(e.users, u)
	}

	enc, err := security.NewEncryptor([]byte("ws-encryption-key"), nil)
	require.NoError(t, err)
	hub := ws.NewHub(logger, nil)
	dispatcher := push.NewDispatcher(e.registry, e.pushes, logger, nil)
	auth := service.NewAuthService(userRepo, e.tokens, security.NewPasswordHasher(4), security.NewMemoryRevoker())
	convs := service.NewConversationService(convRepo, msgRepo, userRepo, enc, hub, logger)
	msgs := service.NewMessageService(convRepo, msgRepo, userRepo, enc, hub, dispatcher, nil, logger)
	users := service.NewUserService(userRepo, sqlite.NewPushTokenRepo(db))

	conv, err := convs.FindOrCreateDirect(context.Background(), e.users[0].ID, e.users[1].ID)
	require.NoError(t, err)
	e.convID = conv.ID

	h := ws.NewHandler(hub, auth, convs, msgs, users, e.registry, nil, logger, cfg)
	e.srv = httptest.NewServer(h)
	t.Cleanup(e.srv.Close)
	return e
}

func (e *env) url() string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http")
}

func (e *env) dial(t *testing.T, user int) *websocket.Conn {
	t.Helper()
	tok, err := e.tokens.CreateForUser(e.users[user].ID)
	require.NoError(t, err)
	c, resp, err := websocket.DefaultDialer.Dial(e.url()+"?token="+tok, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { c.Close() })
	return c
}

type wireEvent struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func emit(t *testing.T, c *websocket.Conn, eventType string, data any) {
	t.Helper()
	require.NoError(t, c.WriteJSON(map[string]any{"type": eventType, "data": data}))
}

// readUntil reads events until match returns true and returns the match
// along with the events skipped on the way.
func readUntil(t *testing.T, c *websocket.Conn, match func(wireEvent) bool) (wireEvent, []wireEvent) {
	t.Helper()
	var skipped []wireEvent
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var ev wireEvent
		require.NoError(t, c.ReadJSON(&ev))
		if match(ev) {
			return ev, skipped
		}
		skipped = append(skipped, ev)
	}
}

func ofType(eventType string) func(wireEvent) bool {
	return func(ev wireEvent) bool { return ev.Type == eventType }
}

func (e *env) join(t *testing.T, c *websocket.Conn) {
	t.Helper()
	emit(t, c, domain.EventJoinConversation, map[string]any{"conversationId": e.convID})
	ev, _ := readUntil(t, c, ofType(domain.EventJoined))
	assert.EqualValues(t, e.convID, ev.Data["conversationId"])
}

func TestHandshakeRequiresValidToken(t *testing.T) {
	e := newEnv(t, ws.Config{})

	_, resp, err := websocket.DefaultDialer.Dial(e.url(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(e.url()+"?token=garbage", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	tok, err := e.tokens.CreateForUser(e.users[0].ID)
	require.NoError(t, err)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+tok)
	c, _, err := websocket.DefaultDialer.Dial(e.url(), header)
	require.NoError(t, err)
	c.Close()
}

func TestSendMessageAndConversationRead(t *testing.T) {
	e := newEnv(t, ws.Config{})
	a, b := e.dial(t, 0), e.dial(t, 1)
	e.join(t, a)
	e.join(t, b)

	emit(t, a, domain.EventSendMessage, map[string]any{"conversationId": e.convID, "text": "hi"})

	for _, c := range []*websocket.Conn{a, b} {
		ev, _ := readUntil(t, c, ofType(domain.EventNewMessage))
		msg := ev.Data["message"].(map[string]any)
		assert.Equal(t, "hi", msg["text"])
		conv := ev.Data["conversation"].(map[string]any)
		unread := conv["unreadCounts"].(map[string]any)
		assert.EqualValues(t, 1, unread[fmt.Sprint(e.users[1].ID)])
		assert.EqualValues(t, 0, unread[fmt.Sprint(e.users[0].ID)])
	}
	assert.Empty(t, e.pushes.recipients(), "online recipients are not pushed")

	emit(t, b, domain.EventMarkConversationRead, map[string]any{"conversationId": e.convID})
	ev, _ := readUntil(t, a, ofType(domain.EventConversationRead))
	assert.EqualValues(t, e.users[1].ID, ev.Data["readBy"])
	unread := ev.Data["unreadCounts"].(map[string]any)
	assert.EqualValues(t, 0, unread[fmt.Sprint(e.users[1].ID)])
}

func TestOfflineParticipantIsPushed(t *testing.T) {
	e := newEnv(t, ws.Config{})
	a := e.dial(t, 0)
	e.join(t, a)

	emit(t, a, domain.EventSendMessage, map[string]any{"conversationId": e.convID, "text": "are you there"})
	readUntil(t, a, ofType(domain.EventNewMessage))
	// Events are handled in order per session, so the push has run once
	// the next event is answered.
	e.join(t, a)

	assert.Equal(t, []int64{e.users[1].ID}, e.pushes.recipients())
}

func TestTypingExcludesSender(t *testing.T) {
	e := newEnv(t, ws.Config{})
	a, b := e.dial(t, 0), e.dial(t, 1)
	e.join(t, a)
	e.join(t, b)

	emit(t, a, domain.EventTypingStart, map[string]any{"conversationId": e.convID})
	ev, _ := readUntil(t, b, ofType(domain.EventUserTyping))
	assert.Equal(t, "User A", ev.Data["userName"])
	assert.EqualValues(t, e.users[0].ID, ev.Data["userId"])

	emit(t, a, domain.EventJoinConversation, e.convID)
	_, skipped := readUntil(t, a, ofType(domain.EventJoined))
	for _, s := range skipped {
		assert.NotEqual(t, domain.EventUserTyping, s.Type)
	}

	emit(t, a, domain.EventTypingStop, map[string]any{"conversationId": e.convID})
	readUntil(t, b, ofType(domain.EventUserStoppedTyping))
}

func TestNonParticipantGetsErrorEvent(t *testing.T) {
	e := newEnv(t, ws.Config{})
	c := e.dial(t, 2)

	emit(t, c, domain.EventJoinConversation, map[string]any{"conversationId": e.convID})
	ev, _ := readUntil(t, c, ofType(domain.EventError))
	assert.Equal(t, "Conversation not found", ev.Data["message"])
	assert.Equal(t, domain.EventJoinConversation, ev.Data["event"])

	emit(t, c, domain.EventSendMessage, map[string]any{"conversationId": e.convID, "text": "let me in"})
	ev, _ = readUntil(t, c, ofType(domain.EventError))
	assert.Equal(t, domain.EventSendMessage, ev.Data["event"])

	emit(t, c, "bogus", nil)
	ev, _ = readUntil(t, c, ofType(domain.EventError))
	assert.Equal(t, "unknown event", ev.Data["message"])
}

func TestUserStatusChange(t *testing.T) {
	e := newEnv(t, ws.Config{})
	a := e.dial(t, 0)
	bID := e.users[1].ID
	isB := func(online bool) func(wireEvent) bool {
		return func(ev wireEvent) bool {
			return ev.Type == domain.EventUserStatusChange &&
				ev.Data["userId"] == float64(bID) && ev.Data["isOnline"] == online
		}
	}

	b := e.dial(t, 1)
	readUntil(t, a, isB(true))
	assert.True(t, e.registry.IsOnline(bID))

	require.NoError(t, b.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	b.Close()
	readUntil(t, a, isB(false))
	assert.False(t, e.registry.IsOnline(bID))
}

func TestInboundRateLimit(t *testing.T) {
	e := newEnv(t, ws.Config{RateLimit: 0.001, RateBurst: 1})
	a := e.dial(t, 0)

	emit(t, a, domain.EventJoinConversation, map[string]any{"conversationId": e.convID})
	emit(t, a, domain.EventJoinConversation, map[string]any{"conversationId": e.convID})

	readUntil(t, a, ofType(domain.EventJoined))
	ev, _ := readUntil(t, a, ofType(domain.EventError))
	assert.Equal(t, "rate limit exceeded", ev.Data["message"])
}
