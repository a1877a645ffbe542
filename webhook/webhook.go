// Package webhook posts finished company results to an external endpoint.
// Delivery is fire and forget: the run never waits on or fails because of a
// webhook, and every payload carries a unique delivery ID so receivers can
// deduplicate retried posts.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/use-agent/mailgrab/config"
	"github.com/use-agent/mailgrab/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// deliverTimeout bounds one HTTP attempt.
const deliverTimeout = 10 * time.Second

// retryDelays is the pause before each attempt. The first attempt is
// immediate.
var retryDelays = []time.Duration{0, 1 * time.Second, 5 * time.Second, 30 * time.Second}

// Event is the payload posted for one finished company.
type Event struct {
	DeliveryID string               `json:"delivery_id"`
	Event      string               `json:"event"` // "company.completed"
	Timestamp  int64                `json:"timestamp"`
	Result     models.CompanyResult `json:"result"`
}

// Sender delivers events to the configured endpoint. The zero URL disables
// it; a disabled Sender accepts and drops events.
type Sender struct {
	url    string
	secret string
	client *http.Client
	delays []time.Duration
	wg     sync.WaitGroup
}

func New(cfg config.WebhookConfig) *Sender {
	return &Sender{
		url:    cfg.URL,
		secret: cfg.Secret,
		client: &http.Client{Timeout: deliverTimeout},
		delays: retryDelays,
	}
}

// Enabled reports whether an endpoint is configured.
func (s *Sender) Enabled() bool { return s.url != "" }

// Send queues one result for asynchronous delivery with retries.
func (s *Sender) Send(res models.CompanyResult) {
	if !s.Enabled() {
		return
	}
	event := &Event{
		DeliveryID: uuid.NewString(),
		Event:      "company.completed",
		Timestamp:  time.Now().Unix(),
		Result:     res,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.deliverWithRetries(event)
	}()
}

// Flush blocks until all queued deliveries finished or gave up.
func (s *Sender) Flush() { s.wg.Wait() }

func (s *Sender) deliverWithRetries(event *Event) {
	for attempt, delay := range s.delays {
		if delay > 0 {
			time.Sleep(delay)
		}
		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		err := s.Deliver(ctx, event)
		cancel()
		if err == nil {
			slog.Info("webhook delivered",
				"delivery_id", event.DeliveryID,
				"company", event.Result.Company,
				"attempt", attempt+1,
			)
			return
		}
		slog.Warn("webhook delivery failed",
			"delivery_id", event.DeliveryID,
			"company", event.Result.Company,
			"attempt", attempt+1,
			"error", err,
		)
	}
	slog.Error("webhook delivery exhausted all retries",
		"delivery_id", event.DeliveryID,
		"company", event.Result.Company,
	)
}

// Deliver posts one event synchronously. The body is signed with HMAC-SHA256
// when a secret is configured. Header: X-Mailgrab-Signature: sha256=<hex>
func (s *Sender) Deliver(ctx context.Context, event *Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Mailgrab-Webhook/1.0")

	if s.secret != "" {
		mac := hmac.New(sha256.New, []byte(s.secret))
		mac.Write(body)
		sig := hex.EncodeToString(mac.Sum(nil))
		req.Header.Set("X-Mailgrab-Signature", "sha256="+sig)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: deliver: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook: endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
