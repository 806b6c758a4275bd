package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hashview/internal/domain"
	"hashview/internal/retry"
)

type memTokens struct {
	mu     sync.Mutex
	tokens map[int64][]string
}

func (m *memTokens) Add(_ context.Context, userID int64, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[userID] = append(m.tokens[userID], token)
	return nil
}

func (m *memTokens) Remove(_ context.Context, userID int64, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.tokens[userID][:0]
	for _, t := range m.tokens[userID] {
		if t != token {
			out = append(out, t)
		}
	}
	m.tokens[userID] = out
	return nil
}

func (m *memTokens) ListForUser(_ context.Context, userID int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.tokens[userID]...), nil
}

type onlineSet map[int64]bool

func (o onlineSet) IsOnline(id int64) bool { return o[id] }

type recordingDeliverer struct {
	mu    sync.Mutex
	calls []Notification
	fail  map[int64]error
}

func (r *recordingDeliverer) Deliver(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, n)
	return r.fail[n.RecipientID]
}

func fastRetry() retry.Config {
	return retry.Config{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
}

func TestIsExpoPushToken(t *testing.T) {
	assert.True(t, IsExpoPushToken("ExponentPushToken[xxxxxxxxxxxxxxxxxxxxxx]"))
	assert.True(t, IsExpoPushToken("ExpoPushToken[abc]"))
	assert.False(t, IsExpoPushToken("ExponentPushToken[]"))
	assert.False(t, IsExpoPushToken("fcm:abcdef"))
	assert.False(t, IsExpoPushToken(""))
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "hi", Preview(&domain.Message{Text: "hi"}))
	assert.Equal(t, "📷 Image", Preview(&domain.Message{Type: domain.MessageImage}))
	assert.Equal(t, "📎 File", Preview(&domain.Message{Type: domain.MessageFile}))
}

func TestDispatcher_NotifiesOnlyOfflineRecipients(t *testing.T) {
	rec := &recordingDeliverer{}
	d := NewDispatcher(onlineSet{2: true}, rec, slogt.New(t), nil)

	conv := &domain.Conversation{ID: 9, Participants: []int64{1, 2, 3}}
	msg := &domain.Message{ID: 77, ConversationID: 9, SenderID: 1, Text: "hello"}

	attempted := d.NotifyOffline(context.Background(), conv, msg, 1, "Alice")
	assert.Equal(t, []int64{3}, attempted)
	require.Len(t, rec.calls, 1)
	assert.Equal(t, Notification{RecipientID: 3, Title: "Alice", Body: "hello", ConversationID: 9, MessageID: 77}, rec.calls[0])
}

func TestDispatcher_IsolatesFailures(t *testing.T) {
	rec := &recordingDeliverer{fail: map[int64]error{2: errors.New("boom"), 3: domain.ErrNoPushEndpoints}}
	d := NewDispatcher(onlineSet{}, rec, slogt.New(t), nil)

	conv := &domain.Conversation{ID: 1, Participants: []int64{1, 2, 3, 4}}
	msg := &domain.Message{ID: 5, SenderID: 1, Type: domain.MessageImage}

	attempted := d.NotifyOffline(context.Background(), conv, msg, 1, "")
	assert.Equal(t, []int64{2, 3, 4}, attempted)
	require.Len(t, rec.calls, 3)
	for _, c := range rec.calls {
		assert.Equal(t, "📷 Image", c.Body)
		assert.Equal(t, "New message", c.Title)
	}
}

type gatedDeliverer struct {
	release chan struct{}
	mu      sync.Mutex
	errs    []error
}

func (g *gatedDeliverer) Deliver(ctx context.Context, _ Notification) error {
	<-g.release
	g.mu.Lock()
	defer g.mu.Unlock()
	g.errs = append(g.errs, ctx.Err())
	return nil
}

func TestDispatcher_BackgroundDeliveryDoesNotBlockCaller(t *testing.T) {
	gate := &gatedDeliverer{release: make(chan struct{})}
	d := NewDispatcher(onlineSet{}, gate, slogt.New(t), nil, WithBackgroundDelivery())

	ctx, cancel := context.WithCancel(context.Background())
	conv := &domain.Conversation{ID: 3, Participants: []int64{1, 2, 3}}
	msg := &domain.Message{ID: 10, SenderID: 1, Text: "hey"}

	returned := make(chan []int64, 1)
	go func() { returned <- d.NotifyOffline(ctx, conv, msg, 1, "Alice") }()

	select {
	case attempted := <-returned:
		assert.Equal(t, []int64{2, 3}, attempted)
	case <-time.After(2 * time.Second):
		t.Fatal("NotifyOffline waited for the deliverer")
	}

	// The request that triggered the push is already finished.
	cancel()
	close(gate.release)
	d.Wait()

	gate.mu.Lock()
	defer gate.mu.Unlock()
	assert.Equal(t, []error{nil, nil}, gate.errs)
}

func TestDirectDeliverer_SendsAndPrunes(t *testing.T) {
	var got []ExpoMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[
			{"status":"ok","id":"t1"},
			{"status":"error","message":"gone","details":{"error":"DeviceNotRegistered"}}
		]}`))
	}))
	defer srv.Close()

	tokens := &memTokens{tokens: map[int64][]string{
		5: {"ExponentPushToken[live]", "ExponentPushToken[dead]", "not-a-token"},
	}}
	client := NewExpoClient(srv.URL, "secret", slogt.New(t), WithRetryConfig(fastRetry()), WithRateLimit(1000, 10))
	d := NewDirectDeliverer(tokens, client, slogt.New(t))

	err := d.Deliver(context.Background(), Notification{RecipientID: 5, Title: "Bob", Body: "yo", ConversationID: 3, MessageID: 4})
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "ExponentPushToken[live]", got[0].To)
	assert.Equal(t, "Bob", got[0].Title)
	assert.Equal(t, "yo", got[0].Body)
	assert.Equal(t, "default", got[0].Sound)
	assert.Equal(t, "high", got[0].Priority)
	assert.Equal(t, "default", got[0].ChannelID)
	assert.Equal(t, map[string]any{"type": "message", "conversationId": "3", "messageId": "4"}, got[0].Data)

	left, _ := tokens.ListForUser(context.Background(), 5)
	assert.Equal(t, []string{"ExponentPushToken[live]", "not-a-token"}, left)
}

func TestDirectDeliverer_NoTokens(t *testing.T) {
	d := NewDirectDeliverer(&memTokens{tokens: map[int64][]string{}}, NewExpoClient("http://unused", "", nil), slogt.New(t))
	err := d.Deliver(context.Background(), Notification{RecipientID: 1})
	assert.ErrorIs(t, err, domain.ErrNoPushEndpoints)
}

func TestExpoClient_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"status":"ok","id":"a"}]}`))
	}))
	defer srv.Close()

	client := NewExpoClient(srv.URL, "", slogt.New(t), WithRetryConfig(fastRetry()), WithRateLimit(1000, 10))
	tickets, err := client.Send(context.Background(), []ExpoMessage{{To: "ExpoPushToken[a]"}})
	require.NoError(t, err)
	assert.Len(t, tickets, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestExpoClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errors":[{"code":"VALIDATION_ERROR","message":"bad"}]}`))
	}))
	defer srv.Close()

	client := NewExpoClient(srv.URL, "", slogt.New(t), WithRetryConfig(fastRetry()), WithRateLimit(1000, 10))
	_, err := client.Send(context.Background(), []ExpoMessage{{To: "ExpoPushToken[a]"}})
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExpoClient_ChunksLargeBatches(t *testing.T) {
	var sizes []int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch []ExpoMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&batch))
		mu.Lock()
		sizes = append(sizes, len(batch))
		mu.Unlock()
		resp := expoResponse{Data: make([]Ticket, len(batch))}
		for i := range resp.Data {
			resp.Data[i].Status = "ok"
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	msgs := make([]ExpoMessage, 230)
	for i := range msgs {
		msgs[i] = ExpoMessage{To: "ExpoPushToken[x]"}
	}
	client := NewExpoClient(srv.URL, "", slogt.New(t), WithRetryConfig(fastRetry()), WithRateLimit(1000, 10))
	tickets, err := client.Send(context.Background(), msgs)
	require.NoError(t, err)
	assert.Len(t, tickets, 230)
	assert.Equal(t, []int{100, 100, 30}, sizes)
}
