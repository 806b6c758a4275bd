package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hashview/internal/httpserver"
	"hashview/internal/metrics"
	"hashview/internal/security"
	"hashview/internal/service"
	"hashview/internal/store/sqlite"
	"hashview/internal/ws"
)

type apiResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Errors  []struct {
		Field   string `json:"field"`
		Message string `json:"message"`
	} `json:"errors"`
}

type apiClient struct {
	t   *testing.T
	srv *httptest.Server
}

func newAPI(t *testing.T) *apiClient {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, sqlite.Migrate(db))
	t.Cleanup(func() { db.Close() })

	logger := slogt.New(t)
	userRepo := sqlite.NewUserRepo(db)
	convRepo := sqlite.NewConversationRepo(db)
	msgRepo := sqlite.NewMessageRepo(db)

	enc, err := security.NewEncryptor([]byte("router-test-key"), nil)
	require.NoError(t, err)
	m := metrics.New(prometheus.NewRegistry(), nil)
	hub := ws.NewHub(logger, m)
	auth := service.NewAuthService(userRepo, security.NewTokenService("router-secret", time.Hour), security.NewPasswordHasher(4), nil)
	convs := service.NewConversationService(convRepo, msgRepo, userRepo, enc, hub, logger)
	msgs := service.NewMessageService(convRepo, msgRepo, userRepo, enc, hub, nil, m, logger)
	users := service.NewUserService(userRepo, sqlite.NewPushTokenRepo(db))

	h := httpserver.NewRouter(httpserver.Deps{
		AppName:       "hashview",
		Version:       "test",
		Auth:          auth,
		Users:         users,
		Conversations: convs,
		Messages:      msgs,
		Metrics:       m,
		DB:            db,
		Logger:        logger,
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &apiClient{t: t, srv: srv}
}

func (c *apiClient) do(method, path, token string, body any) (int, apiResponse) {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequestWithContext(context.Background(), method, c.srv.URL+path, &buf)
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.srv.Client().Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	var out apiResponse
	require.NoError(c.t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

type session struct {
	token  string
	userID int64
}

func (c *apiClient) register(name, email string) session {
	c.t.Helper()
	status, res := c.do(http.MethodPost, "/api/auth/register", "", map[string]string{
		"name": name, "email": email, "password": "secret123",
	})
	require.Equal(c.t, http.StatusCreated, status, res.Message)
	var data struct {
		Token string `json:"token"`
		User  struct {
			ID int64 `json:"id"`
		} `json:"user"`
	}
	require.NoError(c.t, json.Unmarshal(res.Data, &data))
	return session{token: data.Token, userID: data.User.ID}
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

type conversationData struct {
	Conversation struct {
		ID          int64  `json:"id"`
		Type        string `json:"type"`
		UnreadCount int    `json:"unreadCount"`
		LastMessage *struct {
			Text string `json:"text"`
		} `json:"lastMessage"`
	} `json:"conversation"`
}

func TestHealthAndMetrics(t *testing.T) {
	api := newAPI(t)

	resp, err := api.srv.Client().Get(api.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = api.srv.Client().Get(api.srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthFlow(t *testing.T) {
	api := newAPI(t)
	alice := api.register("Alice", "alice@example.com")

	t.Run("DuplicateEmail", func(t *testing.T) {
		status, res := api.do(http.MethodPost, "/api/auth/register", "", map[string]string{
			"name": "Alice", "email": "alice@example.com", "password": "secret123",
		})
		assert.Equal(t, http.StatusBadRequest, status)
		assert.False(t, res.Success)
		assert.Equal(t, "User already exists with this email", res.Message)
	})

	t.Run("ValidationErrors", func(t *testing.T) {
		status, res := api.do(http.MethodPost, "/api/auth/register", "", map[string]string{
			"name": "A", "email": "nope", "password": "123",
		})
		assert.Equal(t, http.StatusBadRequest, status)
		fields := map[string]bool{}
		for _, fe := range res.Errors {
			fields[fe.Field] = true
		}
		assert.Equal(t, map[string]bool{"name": true, "email": true, "password": true}, fields)
	})

	t.Run("WrongPassword", func(t *testing.T) {
		status, res := api.do(http.MethodPost, "/api/auth/login", "", map[string]string{
			"email": "alice@example.com", "password": "wrong-password",
		})
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, "Invalid credentials", res.Message)
	})

	t.Run("MissingToken", func(t *testing.T) {
		status, res := api.do(http.MethodGet, "/api/auth/me", "", nil)
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, "No token, authorization denied", res.Message)
	})

	t.Run("MeThenLogout", func(t *testing.T) {
		status, _ := api.do(http.MethodGet, "/api/auth/me", alice.token, nil)
		require.Equal(t, http.StatusOK, status)

		status, _ = api.do(http.MethodPost, "/api/auth/logout", alice.token, nil)
		require.Equal(t, http.StatusOK, status)

		status, res := api.do(http.MethodGet, "/api/auth/me", alice.token, nil)
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, "Token is not valid", res.Message)
	})
}

func TestConversationAndMessageRoutes(t *testing.T) {
	api := newAPI(t)
	alice := api.register("Alice", "alice@example.com")
	bob := api.register("Bob", "bob@example.com")
	mallory := api.register("Mallory", "mallory@example.com")

	status, res := api.do(http.MethodPost, "/api/conversations", alice.token, map[string]int64{"participantId": bob.userID})
	require.Equal(t, http.StatusCreated, status, res.Message)
	conv := decode[conversationData](t, res.Data).Conversation
	assert.Equal(t, "direct", conv.Type)

	// Opening it again from the other side returns the same conversation.
	_, res = api.do(http.MethodPost, "/api/conversations", bob.token, map[string]int64{"participantId": alice.userID})
	assert.Equal(t, conv.ID, decode[conversationData](t, res.Data).Conversation.ID)

	status, res = api.do(http.MethodPost, "/api/messages", alice.token, map[string]any{
		"conversationId": conv.ID, "text": "hello bob",
	})
	require.Equal(t, http.StatusCreated, status, res.Message)
	assert.Equal(t, "Message sent successfully", res.Message)
	sent := decode[struct {
		Message struct {
			ID   int64  `json:"id"`
			Text string `json:"text"`
		} `json:"message"`
	}](t, res.Data).Message
	assert.Equal(t, "hello bob", sent.Text)

	status, res = api.do(http.MethodGet, fmt.Sprintf("/api/conversations/%d", conv.ID), bob.token, nil)
	require.Equal(t, http.StatusOK, status)
	got := decode[conversationData](t, res.Data).Conversation
	assert.Equal(t, 1, got.UnreadCount)
	require.NotNil(t, got.LastMessage)
	assert.Equal(t, "hello bob", got.LastMessage.Text)

	status, res = api.do(http.MethodGet, fmt.Sprintf("/api/messages?conversationId=%d", conv.ID), bob.token, nil)
	require.Equal(t, http.StatusOK, status)
	list := decode[struct {
		Messages []struct {
			Text string `json:"text"`
		} `json:"messages"`
		Pagination struct {
			Total   int  `json:"total"`
			Limit   int  `json:"limit"`
			HasMore bool `json:"hasMore"`
		} `json:"pagination"`
	}](t, res.Data)
	require.Len(t, list.Messages, 1)
	assert.Equal(t, 50, list.Pagination.Limit)
	assert.False(t, list.Pagination.HasMore)

	status, res = api.do(http.MethodPatch, fmt.Sprintf("/api/conversations/%d/read", conv.ID), bob.token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Conversation marked as read", res.Message)

	_, res = api.do(http.MethodGet, fmt.Sprintf("/api/conversations/%d", conv.ID), bob.token, nil)
	assert.Equal(t, 0, decode[conversationData](t, res.Data).Conversation.UnreadCount)

	t.Run("NonParticipantSeesNotFound", func(t *testing.T) {
		status, res := api.do(http.MethodGet, fmt.Sprintf("/api/conversations/%d", conv.ID), mallory.token, nil)
		assert.Equal(t, http.StatusNotFound, status)
		assert.Equal(t, "Conversation not found", res.Message)

		status, _ = api.do(http.MethodPost, "/api/messages", mallory.token, map[string]any{
			"conversationId": conv.ID, "text": "let me in",
		})
		assert.Equal(t, http.StatusNotFound, status)
	})

	t.Run("OutsiderCannotEditOrDelete", func(t *testing.T) {
		path := fmt.Sprintf("/api/messages/%d", sent.ID)
		status, res := api.do(http.MethodPatch, path, mallory.token, map[string]string{"text": "hijack"})
		assert.Equal(t, http.StatusNotFound, status)
		assert.Equal(t, "Message not found", res.Message)

		status, res = api.do(http.MethodDelete, path, mallory.token, nil)
		assert.Equal(t, http.StatusNotFound, status)
		assert.Equal(t, "Message not found", res.Message)

		status, _ = api.do(http.MethodGet, path, alice.token, nil)
		assert.Equal(t, http.StatusOK, status)
	})

	t.Run("OnlySenderEdits", func(t *testing.T) {
		path := fmt.Sprintf("/api/messages/%d", sent.ID)
		status, res := api.do(http.MethodPatch, path, bob.token, map[string]string{"text": "hijack"})
		assert.Equal(t, http.StatusForbidden, status)
		assert.Equal(t, "Access denied", res.Message)

		status, _ = api.do(http.MethodPatch, path, alice.token, map[string]string{"text": "hello again"})
		assert.Equal(t, http.StatusOK, status)
	})

	t.Run("LimitOutOfRange", func(t *testing.T) {
		status, _ := api.do(http.MethodGet, fmt.Sprintf("/api/messages?conversationId=%d&limit=101", conv.ID), bob.token, nil)
		assert.Equal(t, http.StatusBadRequest, status)
		status, _ = api.do(http.MethodGet, "/api/conversations?limit=51", bob.token, nil)
		assert.Equal(t, http.StatusBadRequest, status)
		status, _ = api.do(http.MethodGet, "/api/conversations?page=0", bob.token, nil)
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("EmptyMessageRejected", func(t *testing.T) {
		status, _ := api.do(http.MethodPost, "/api/messages", alice.token, map[string]any{"conversationId": conv.ID})
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("DeleteThenFetch", func(t *testing.T) {
		path := fmt.Sprintf("/api/messages/%d", sent.ID)
		status, _ := api.do(http.MethodDelete, path, alice.token, nil)
		require.Equal(t, http.StatusOK, status)

		status, _ = api.do(http.MethodDelete, path, alice.token, nil)
		assert.Equal(t, http.StatusNotFound, status)
	})

	t.Run("ArchiveHidesConversation", func(t *testing.T) {
		status, _ := api.do(http.MethodDelete, fmt.Sprintf("/api/conversations/%d", conv.ID), alice.token, nil)
		require.Equal(t, http.StatusOK, status)

		_, res := api.do(http.MethodGet, "/api/conversations", bob.token, nil)
		convs := decode[struct {
			Conversations []json.RawMessage `json:"conversations"`
		}](t, res.Data)
		assert.Empty(t, convs.Conversations)
	})
}

func TestPushTokenRoutes(t *testing.T) {
	api := newAPI(t)
	alice := api.register("Alice", "alice@example.com")

	status, res := api.do(http.MethodPost, "/api/users/register-push-token", alice.token, map[string]string{
		"expoPushToken": "not-a-token",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.False(t, res.Success)

	status, _ = api.do(http.MethodPost, "/api/users/register-push-token", alice.token, map[string]string{
		"expoPushToken": "ExponentPushToken[abc123]",
	})
	assert.Equal(t, http.StatusOK, status)

	status, _ = api.do(http.MethodDelete, "/api/users/register-push-token", alice.token, map[string]string{
		"expoPushToken": "ExponentPushToken[abc123]",
	})
	assert.Equal(t, http.StatusOK, status)

	status, res = api.do(http.MethodGet, fmt.Sprintf("/api/users/%d", alice.userID), alice.token, nil)
	require.Equal(t, http.StatusOK, status)
	profile := decode[struct {
		User struct {
			Name string `json:"name"`
		} `json:"user"`
	}](t, res.Data)
	assert.Equal(t, "Alice", profile.User.Name)

	status, _ = api.do(http.MethodGet, "/api/users/9999", alice.token, nil)
	assert.Equal(t, http.StatusNotFound, status)
}
