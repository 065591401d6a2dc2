// Package hq delivers shadow events to the head-office sink.
package hq

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pressdesk/backend/internal/domain"
)

const (
	SignatureHeader = "X-Pressdesk-Signature"
	EventIDHeader   = "X-Pressdesk-Event-Id"
)

var ErrRejected = errors.New("hq rejected event")

type Client interface {
	Deliver(ctx context.Context, ev domain.ShadowEvent) (domain.DeliveryReceipt, error)
}

// NoopClient acknowledges every event immediately. It is used when no HQ
// endpoint is configured.
type NoopClient struct {
	Clock func() time.Time
}

func (c NoopClient) Deliver(_ context.Context, _ domain.ShadowEvent) (domain.DeliveryReceipt, error) {
	now := time.Now().UTC()
	if c.Clock != nil {
		now = c.Clock().UTC()
	}
	return domain.DeliveryReceipt{ReceivedAt: now, ProcessedAt: now}, nil
}

type HTTPClient struct {
	endpoint   string
	secret     []byte
	httpClient *http.Client
	now        func() time.Time
}

func NewHTTPClient(endpoint string, secret string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPClient{
		endpoint:   strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		secret:     []byte(secret),
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

type envelope struct {
	ID        string         `json:"id"`
	EventType string         `json:"event_type"`
	BranchID  string         `json:"branch_id,omitempty"`
	Actor     domain.Actor   `json:"actor"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

type ack struct {
	OK          *bool     `json:"ok"`
	Error       string    `json:"error"`
	ReceivedAt  time.Time `json:"received_at"`
	ProcessedAt time.Time `json:"processed_at"`
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret []byte, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is the HMAC of body under secret.
func Verify(secret []byte, body []byte, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	return hmac.Equal([]byte(signature), []byte(Sign(secret, body)))
}

// Deliver POSTs the event as JSON. A 2xx answer with no body, or with a body
// that does not say ok=false, counts as received. Missing receipt times are
// filled with the local clock.
func (c *HTTPClient) Deliver(ctx context.Context, ev domain.ShadowEvent) (domain.DeliveryReceipt, error) {
	body, err := json.Marshal(envelope{
		ID:        ev.ID,
		EventType: ev.EventType,
		BranchID:  ev.BranchID,
		Actor:     ev.Actor,
		Payload:   ev.Payload,
		Timestamp: ev.Timestamp.UTC(),
	})
	if err != nil {
		return domain.DeliveryReceipt{}, fmt.Errorf("encode event %s: %w", ev.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.DeliveryReceipt{}, fmt.Errorf("build hq request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventIDHeader, ev.ID)
	if len(c.secret) > 0 {
		req.Header.Set(SignatureHeader, "sha256="+Sign(c.secret, body))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.DeliveryReceipt{}, fmt.Errorf("post event %s: %w", ev.ID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return domain.DeliveryReceipt{}, fmt.Errorf("read hq response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.DeliveryReceipt{}, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	now := c.now().UTC()
	receipt := domain.DeliveryReceipt{ReceivedAt: now, ProcessedAt: now}
	if len(bytes.TrimSpace(raw)) == 0 {
		return receipt, nil
	}
	var answer ack
	if err := json.Unmarshal(raw, &answer); err != nil {
		return receipt, nil
	}
	if answer.OK != nil && !*answer.OK {
		return domain.DeliveryReceipt{}, fmt.Errorf("%w: %s", ErrRejected, answer.Error)
	}
	if !answer.ReceivedAt.IsZero() {
		receipt.ReceivedAt = answer.ReceivedAt.UTC()
	}
	if !answer.ProcessedAt.IsZero() {
		receipt.ProcessedAt = answer.ProcessedAt.UTC()
	}
	return receipt, nil
}
