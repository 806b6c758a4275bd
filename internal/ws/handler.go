package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"hashview/internal/domain"
	"hashview/internal/metrics"
	"hashview/internal/presence"
	"hashview/internal/service"
)

// State is the lifecycle stage of a realtime connection.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

type Config struct {
	AllowedOrigins []string
	RateLimit      float64 // inbound events per second per session
	RateBurst      int
	SendBuffer     int
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	EventTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.RateLimit <= 0 {
		c.RateLimit = 10
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 20
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 16 << 10
	}
	if c.EventTimeout <= 0 {
		c.EventTimeout = 15 * time.Second
	}
	return c
}

// Handler upgrades authenticated requests and runs the event loop for
// each realtime session.
type Handler struct {
	hub      *Hub
	auth     *service.AuthService
	convs    *service.ConversationService
	msgs     *service.MessageService
	users    *service.UserService
	presence *presence.Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger
	cfg      Config
	upgrader websocket.Upgrader
}

func NewHandler(
	hub *Hub,
	auth *service.AuthService,
	convs *service.ConversationService,
	msgs *service.MessageService,
	users *service.UserService,
	registry *presence.Registry,
	m *metrics.Metrics,
	logger *slog.Logger,
	cfg Config,
) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Handler{
		hub:      hub,
		auth:     auth,
		convs:    convs,
		msgs:     msgs,
		users:    users,
		presence: registry,
		metrics:  m,
		logger:   logger,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin:  makeCheckOrigin(cfg.AllowedOrigins),
			Subprotocols: []string{"bearer"},
		},
	}
}

func makeCheckOrigin(allowedOrigins []string) func(r *http.Request) bool {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		o := strings.TrimSpace(strings.ToLower(origin))
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		if o != "" {
			allowed[o] = struct{}{}
		}
	}

	return func(r *http.Request) bool {
		origin := strings.TrimSpace(strings.ToLower(r.Header.Get("Origin")))
		// Native mobile clients send no Origin header.
		if origin == "" {
			return true
		}
		if _, ok := allowed[origin]; ok {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return false
		}
		_, ok := allowed[fmt.Sprintf("%s://%s", u.Scheme, u.Host)]
		return ok
	}
}

// extractToken reads the access token from the query string, the
// Authorization header or a "bearer, <token>" subprotocol pair.
func extractToken(r *http.Request) string {
	if tok := strings.TrimSpace(r.URL.Query().Get("token")); tok != "" {
		return tok
	}
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "bearer ") {
		if tok := strings.TrimSpace(authHeader[7:]); tok != "" {
			return tok
		}
	}
	if proto := r.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		parts := strings.Split(proto, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if len(parts) >= 2 && strings.EqualFold(parts[0], "bearer") && parts[1] != "" {
			return parts[1]
		}
	}
	return ""
}

// conn is the per-connection state owned by the read loop.
type conn struct {
	ws      *websocket.Conn
	session *Session
	user    *domain.User
	limiter *rate.Limiter
	state   atomic.Int32
}

func (c *conn) setState(s State) { c.state.Store(int32(s)) }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c := &conn{}
	c.setState(StateConnecting)

	if !h.upgrader.CheckOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	c.setState(StateAuthenticating)
	token := extractToken(r)
	if token == "" {
		http.Error(w, "Authentication error: No token provided", http.StatusUnauthorized)
		return
	}
	user, _, err := h.auth.Authenticate(r.Context(), token)
	if err != nil {
		if !errors.Is(err, domain.ErrUnauthorized) {
			h.logger.Error("realtime authentication failed", "error", err)
		}
		http.Error(w, "Authentication error: Invalid token", http.StatusUnauthorized)
		return
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	c.ws = wsConn
	c.user = user
	c.session = newSession(user.ID, h.cfg.SendBuffer)
	c.limiter = rate.NewLimiter(rate.Limit(h.cfg.RateLimit), h.cfg.RateBurst)

	h.connect(r.Context(), c)
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writePump(c)
	}()
	h.readPump(r.Context(), c)
	h.disconnect(c)
	<-done
}

func (h *Handler) connect(ctx context.Context, c *conn) {
	h.hub.Register(c.session)
	first := h.presence.Register(c.user.ID, c.session.ID)
	c.setState(StateConnected)
	h.metrics.SessionOpened()
	h.logger.Info("realtime session connected",
		"user_id", c.user.ID, "session_id", c.session.ID, "first", first)

	now := time.Now().UTC()
	if err := h.users.TouchLastSeen(ctx, c.user.ID, now); err != nil {
		h.logger.Warn("touch last seen", "user_id", c.user.ID, "error", err)
	}
	if first {
		h.hub.BroadcastAll(statusEvent(c.user.ID, true, now))
	}
}

func (h *Handler) disconnect(c *conn) {
	c.setState(StateDisconnected)
	h.hub.Unregister(c.session)
	_, last, _ := h.presence.Unregister(c.session.ID)
	h.metrics.SessionClosed()
	h.logger.Info("realtime session disconnected",
		"user_id", c.user.ID, "session_id", c.session.ID, "last", last)

	now := time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.EventTimeout)
	defer cancel()
	if err := h.users.TouchLastSeen(ctx, c.user.ID, now); err != nil {
		h.logger.Warn("touch last seen", "user_id", c.user.ID, "error", err)
	}
	if last {
		h.hub.BroadcastAll(statusEvent(c.user.ID, false, now))
	}
}

func statusEvent(userID int64, online bool, at time.Time) domain.Event {
	return domain.Event{
		Type: domain.EventUserStatusChange,
		Data: map[string]any{"userId": userID, "isOnline": online, "lastSeen": at},
	}
}

// writePump drains the session queue. The hub closes the queue on
// unregister or when the session is too slow.
func (h *Handler) writePump(c *conn) {
	ticker := time.NewTicker(h.cfg.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case payload, ok := <-c.session.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (h *Handler) readPump(ctx context.Context, c *conn) {
	c.ws.SetReadLimit(h.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		h.presence.Touch(c.session.ID)
		return c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("realtime read error", "session_id", c.session.ID, "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
		h.presence.Touch(c.session.ID)

		var in inbound
		if err := json.Unmarshal(raw, &in); err != nil || in.Type == "" {
			h.sendError(c, "", "malformed event")
			continue
		}
		if !c.limiter.Allow() {
			h.sendError(c, in.Type, "rate limit exceeded")
			continue
		}
		h.metrics.Event(in.Type)

		evCtx, cancel := context.WithTimeout(ctx, h.cfg.EventTimeout)
		h.dispatch(evCtx, c, in)
		cancel()
	}
}

func (h *Handler) dispatch(ctx context.Context, c *conn, in inbound) {
	var err error
	switch in.Type {
	case domain.EventJoinConversation:
		err = h.onJoin(ctx, c, in.Data)
	case domain.EventLeaveConversation:
		err = h.onLeave(c, in.Data)
	case domain.EventTypingStart, domain.EventTypingStop:
		err = h.onTyping(c, in.Type, in.Data)
	case domain.EventSendMessage:
		err = h.onSendMessage(ctx, c, in.Data)
	case domain.EventMarkMessageRead:
		err = h.onMarkMessageRead(ctx, c, in.Data)
	case domain.EventMarkConversationRead:
		err = h.onMarkConversationRead(ctx, c, in.Data)
	default:
		h.sendError(c, in.Type, "unknown event")
		return
	}
	if err != nil {
		msg := clientMessage(err)
		if msg == internalErrorMessage {
			h.logger.Error("realtime event failed", "type", in.Type, "user_id", c.user.ID, "error", err)
		}
		h.sendError(c, in.Type, msg)
	}
}

type conversationRef struct {
	ConversationID flexibleID `json:"conversationId"`
}

// flexibleID accepts a JSON number or numeric string.
type flexibleID int64

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %q", s)
	}
	*f = flexibleID(id)
	return nil
}

// conversationID accepts either {"conversationId": 1} or a bare id.
func conversationID(data json.RawMessage) (int64, error) {
	var bare flexibleID
	if err := json.Unmarshal(data, &bare); err == nil && bare > 0 {
		return int64(bare), nil
	}
	var ref conversationRef
	if err := json.Unmarshal(data, &ref); err != nil || ref.ConversationID <= 0 {
		return 0, domain.NewValidationError("conversationId", "conversationId is required")
	}
	return int64(ref.ConversationID), nil
}

func (h *Handler) onJoin(ctx context.Context, c *conn, data json.RawMessage) error {
	convID, err := conversationID(data)
	if err != nil {
		return err
	}
	if err := h.convs.CanJoin(ctx, c.user.ID, convID); err != nil {
		return err
	}
	h.hub.Join(c.session, convID)
	h.hub.SendToSession(c.session, domain.Event{
		Type: domain.EventJoined,
		Data: map[string]any{"conversationId": convID},
	})
	return nil
}

func (h *Handler) onLeave(c *conn, data json.RawMessage) error {
	convID, err := conversationID(data)
	if err != nil {
		return err
	}
	h.hub.Leave(c.session, convID)
	return nil
}

func (h *Handler) onTyping(c *conn, eventType string, data json.RawMessage) error {
	convID, err := conversationID(data)
	if err != nil {
		return err
	}
	if !h.hub.InRoom(c.session, convID) {
		return domain.ErrNotParticipant
	}
	payload := map[string]any{"userId": c.user.ID, "conversationId": convID}
	out := domain.EventUserStoppedTyping
	if eventType == domain.EventTypingStart {
		out = domain.EventUserTyping
		payload["userName"] = c.user.Name
	}
	h.hub.BroadcastToRoomExcept(convID, domain.Event{Type: out, Data: payload}, c.user.ID)
	return nil
}

type sendMessagePayload struct {
	ConversationID flexibleID            `json:"conversationId"`
	Text           string                `json:"text"`
	Type           domain.MessageType    `json:"type"`
	MediaURL       *string               `json:"mediaUrl"`
	MediaMetadata  *domain.MediaMetadata `json:"mediaMetadata"`
	ReplyTo        *flexibleID           `json:"replyTo"`
}

func (h *Handler) onSendMessage(ctx context.Context, c *conn, data json.RawMessage) error {
	var p sendMessagePayload
	if err := json.Unmarshal(data, &p); err != nil || p.ConversationID <= 0 {
		return domain.NewValidationError("conversationId", "conversationId is required")
	}
	in := service.SendInput{
		ConversationID: int64(p.ConversationID),
		Text:           p.Text,
		Type:           p.Type,
		MediaURL:       p.MediaURL,
		MediaMetadata:  p.MediaMetadata,
		Transport:      service.TransportRealtime,
	}
	if p.ReplyTo != nil {
		id := int64(*p.ReplyTo)
		in.ReplyTo = &id
	}
	_, err := h.msgs.Send(ctx, c.user.ID, in)
	return err
}

func (h *Handler) onMarkMessageRead(ctx context.Context, c *conn, data json.RawMessage) error {
	var p struct {
		MessageID flexibleID `json:"messageId"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.MessageID <= 0 {
		return domain.NewValidationError("messageId", "messageId is required")
	}
	_, err := h.msgs.MarkRead(ctx, c.user.ID, int64(p.MessageID))
	return err
}

func (h *Handler) onMarkConversationRead(ctx context.Context, c *conn, data json.RawMessage) error {
	convID, err := conversationID(data)
	if err != nil {
		return err
	}
	_, err = h.convs.MarkRead(ctx, c.user.ID, convID)
	return err
}

const internalErrorMessage = "Internal server error"

// clientMessage maps a handler failure to the text sent in an error event.
func clientMessage(err error) string {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		return verr.Error()
	case errors.Is(err, domain.ErrNotParticipant),
		errors.Is(err, domain.ErrInactive):
		return "Conversation not found"
	case errors.Is(err, domain.ErrNotFound):
		return "Not found"
	case errors.Is(err, domain.ErrNotOwner),
		errors.Is(err, domain.ErrAlreadyDeleted),
		errors.Is(err, domain.ErrInvalidContent):
		return err.Error()
	}
	return internalErrorMessage
}

func (h *Handler) sendError(c *conn, eventType, msg string) {
	data := map[string]any{"message": msg}
	if eventType != "" {
		data["event"] = eventType
	}
	h.hub.SendToSession(c.session, domain.Event{Type: domain.EventError, Data: data})
}
