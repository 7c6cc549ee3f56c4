// Package notify turns accepted change events into delivered notifications.
// Emission idempotence lives in the dedup package; sinks here only deliver.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/juan-silveira/coinage-sub004/internal/domain/model"
	"github.com/juan-silveira/coinage-sub004/internal/metrics"
)

// Notification is the delivered artifact handed to each sink.
type Notification struct {
	ID        uuid.UUID         `json:"id"`
	UserID    string            `json:"user_id"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Emitter delivers a notification to one channel.
type Emitter interface {
	Emit(ctx context.Context, n Notification) error
}

// Render builds the user-facing title and message for a change event.
func Render(event model.ChangeEvent) (title, message string) {
	switch event.Type {
	case model.ChangeIncrease:
		return "Balance increased",
			fmt.Sprintf("%s balance increased by %s (%s -> %s)",
				event.Token, event.Difference, event.Previous, event.New)
	case model.ChangeDecrease:
		return "Balance decreased",
			fmt.Sprintf("%s balance decreased by %s (%s -> %s)",
				event.Token, event.Difference, event.Previous, event.New)
	case model.ChangeNewToken:
		return "New token received",
			fmt.Sprintf("first %s balance observed: %s", event.Token, event.New)
	default:
		return "Balance changed",
			fmt.Sprintf("%s: %s -> %s", event.Token, event.Previous, event.New)
	}
}

// FromEvent assembles a Notification for a change event.
func FromEvent(userID string, network model.Network, event model.ChangeEvent) Notification {
	title, message := Render(event)
	return Notification{
		ID:      uuid.New(),
		UserID:  userID,
		Title:   title,
		Message: message,
		Metadata: map[string]string{
			"token":      event.Token,
			"type":       string(event.Type),
			"difference": event.Difference,
			"network":    string(network),
		},
		CreatedAt: event.DetectedAt,
	}
}

// MultiEmitter fans a notification out to every configured sink. Delivery
// counts as successful when at least one sink accepted it, so the dedup
// mark is not withheld just because a secondary channel is down.
type MultiEmitter struct {
	sinks  []Emitter
	logger *slog.Logger
}

func NewMultiEmitter(logger *slog.Logger, sinks ...Emitter) *MultiEmitter {
	return &MultiEmitter{
		sinks:  sinks,
		logger: logger.With("component", "notifier"),
	}
}

func (m *MultiEmitter) Emit(ctx context.Context, n Notification) error {
	if len(m.sinks) == 0 {
		return nil
	}

	delivered := false
	var firstErr error
	for _, sink := range m.sinks {
		if err := sink.Emit(ctx, n); err != nil {
			m.logger.Warn("notification delivery failed",
				"sink", sinkName(sink), "user", n.UserID, "error", err)
			metrics.NotificationErrors.WithLabelValues(sinkName(sink)).Inc()
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		metrics.NotificationsSent.WithLabelValues(sinkName(sink)).Inc()
		delivered = true
	}
	if delivered {
		return nil
	}
	return firstErr
}

func sinkName(e Emitter) string {
	switch e.(type) {
	case *SlackEmitter:
		return "slack"
	case *WebhookEmitter:
		return "webhook"
	case *NoopEmitter:
		return "noop"
	default:
		return "unknown"
	}
}

// SlackEmitter posts notifications to a Slack incoming webhook as a single
// formatted text message.
type SlackEmitter struct {
	webhookURL string
	client     *http.Client
}

func NewSlackEmitter(webhookURL string) *SlackEmitter {
	return &SlackEmitter{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackEmitter) Emit(ctx context.Context, n Notification) error {
	emoji := ":bell:"
	switch n.Metadata["type"] {
	case string(model.ChangeIncrease):
		emoji = ":chart_with_upward_trend:"
	case string(model.ChangeDecrease):
		emoji = ":chart_with_downward_trend:"
	case string(model.ChangeNewToken):
		emoji = ":new:"
	}

	text := fmt.Sprintf("%s *%s*\n%s", emoji, n.Title, n.Message)
	if len(n.Metadata) > 0 {
		keys := make([]string, 0, len(n.Metadata))
		for k := range n.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		text += "\n"
		for _, k := range keys {
			text += fmt.Sprintf("- *%s*: %s\n", k, n.Metadata[k])
		}
	}

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send slack notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}
	return nil
}

// WebhookEmitter POSTs notifications to an HTTP endpoint, typically the
// surrounding application's notification service, which persists them and
// pushes them to connected clients.
type WebhookEmitter struct {
	url    string
	client *http.Client
}

func NewWebhookEmitter(url string) *WebhookEmitter {
	return &WebhookEmitter{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookEmitter) Emit(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// NoopEmitter swallows notifications. Used when no sinks are configured.
type NoopEmitter struct{}

func (n *NoopEmitter) Emit(_ context.Context, _ Notification) error { return nil }
