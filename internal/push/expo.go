package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"golang.org/x/time/rate"

	"hashview/internal/retry"
)

// DefaultExpoURL is the public Expo push endpoint.
const DefaultExpoURL = "https://exp.host/--/api/v2/push/send"

// maxChunkSize is the number of messages Expo accepts per request.
const maxChunkSize = 100

var expoTokenPattern = regexp.MustCompile(`^(ExponentPushToken|ExpoPushToken)\[[^\]]+\]$`)

// IsExpoPushToken reports whether token has the shape of an Expo device token.
func IsExpoPushToken(token string) bool {
	return expoTokenPattern.MatchString(token)
}

// ExpoMessage is one entry of an Expo push request.
type ExpoMessage struct {
	To        string         `json:"to"`
	Title     string         `json:"title,omitempty"`
	Body      string         `json:"body,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Sound     string         `json:"sound,omitempty"`
	Priority  string         `json:"priority,omitempty"`
	ChannelID string         `json:"channelId,omitempty"`
}

// Ticket is Expo's per-message receipt.
type Ticket struct {
	Status  string `json:"status"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
	Details struct {
		Error string `json:"error,omitempty"`
	} `json:"details,omitempty"`
}

// DeviceNotRegistered reports whether the ticket says the token is dead.
func (t Ticket) DeviceNotRegistered() bool {
	return t.Status == "error" && t.Details.Error == "DeviceNotRegistered"
}

type expoResponse struct {
	Data   []Ticket `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// Sender delivers push messages to a provider and returns one ticket per
// message, in order.
type Sender interface {
	Send(ctx context.Context, msgs []ExpoMessage) ([]Ticket, error)
}

// ExpoClient talks to the Expo push HTTP API.
type ExpoClient struct {
	url         string
	accessToken string
	httpClient  *http.Client
	limiter     *rate.Limiter
	retryCfg    retry.Config
	logger      *slog.Logger
}

type ExpoOption func(*ExpoClient)

func WithHTTPClient(c *http.Client) ExpoOption {
	return func(e *ExpoClient) { e.httpClient = c }
}

func WithRetryConfig(cfg retry.Config) ExpoOption {
	return func(e *ExpoClient) { e.retryCfg = cfg }
}

// WithRateLimit caps outgoing requests per second.
func WithRateLimit(perSecond float64, burst int) ExpoOption {
	return func(e *ExpoClient) { e.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

func NewExpoClient(url, accessToken string, logger *slog.Logger, opts ...ExpoOption) *ExpoClient {
	if url == "" {
		url = DefaultExpoURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &ExpoClient{
		url:         url,
		accessToken: accessToken,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		limiter:     rate.NewLimiter(rate.Limit(6), 6),
		retryCfg:    retry.DefaultConfig(),
		logger:      logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send splits msgs into chunks and posts each one, retrying transient
// failures. Tickets are returned in message order.
func (c *ExpoClient) Send(ctx context.Context, msgs []ExpoMessage) ([]Ticket, error) {
	tickets := make([]Ticket, 0, len(msgs))
	for start := 0; start < len(msgs); start += maxChunkSize {
		end := start + maxChunkSize
		if end > len(msgs) {
			end = len(msgs)
		}
		chunk := msgs[start:end]

		var chunkTickets []Ticket
		res := retry.Do(ctx, c.retryCfg, c.logger, func(ctx context.Context) error {
			var err error
			chunkTickets, err = c.post(ctx, chunk)
			return err
		})
		if !res.Success {
			return tickets, fmt.Errorf("expo push after %d attempts: %w", res.Attempts, res.LastError)
		}
		tickets = append(tickets, chunkTickets...)
	}
	return tickets, nil
}

func (c *ExpoClient) post(ctx context.Context, chunk []ExpoMessage) ([]Ticket, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(chunk)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("marshal push payload: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("build push request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("push request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read push response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("push provider status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, retry.Permanent(fmt.Errorf("push provider status %d: %s", resp.StatusCode, truncate(string(body), 200)))
	}

	var out expoResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decode push response: %w", err))
	}
	if len(out.Errors) > 0 {
		return nil, retry.Permanent(errors.New(out.Errors[0].Code + ": " + out.Errors[0].Message))
	}
	if len(out.Data) != len(chunk) {
		return nil, retry.Permanent(fmt.Errorf("push provider returned %d tickets for %d messages", len(out.Data), len(chunk)))
	}
	return out.Data, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
