package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	contractmq "opsledger/contracts/mq"
	"opsledger/internal/errs"
	"opsledger/internal/model"
	"opsledger/pkg/mq"
	"opsledger/pkg/trace"
	"opsledger/pkg/util"
)

// Sender delivers one notification over one channel. A returned *errs.Error
// with Retryable set asks the dispatcher to back off and try again.
type Sender interface {
	Channel() model.Channel
	Send(ctx context.Context, n *model.Notification, attempt int) error
}

// WebSender is the in-app channel. The stored record is the inbox, so delivery
// succeeds once the notification exists.
type WebSender struct{}

func (WebSender) Channel() model.Channel { return model.ChannelWeb }

func (WebSender) Send(context.Context, *model.Notification, int) error { return nil }

// Publisher is the subset of mq.Publisher the gateway senders use.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// GatewaySender hands email, sms and push deliveries to an external gateway
// over RabbitMQ. A successful publish counts as delivered.
type GatewaySender struct {
	channel model.Channel
	pub     Publisher
}

func NewGatewaySender(channel model.Channel, pub Publisher) *GatewaySender {
	return &GatewaySender{channel: channel, pub: pub}
}

func (s *GatewaySender) Channel() model.Channel { return s.channel }

func (s *GatewaySender) Send(ctx context.Context, n *model.Notification, attempt int) error {
	msg := contractmq.NotificationDeliverPayload{
		NotificationID: n.ID.String(),
		TenantID:       n.TenantID,
		Channel:        string(s.channel),
		RecipientKind:  string(n.Recipient.Kind),
		RecipientID:    n.Recipient.ID,
		Title:          n.Title,
		Message:        n.Message,
		Content:        n.Content,
		Priority:       n.Priority,
		Attempt:        attempt,
		TraceID:        trace.FromContext(ctx),
	}
	if err := s.pub.Publish(ctx, mq.RoutingDeliverPrefix+string(s.channel), msg); err != nil {
		return errs.Delivery(string(s.channel), true, err)
	}
	return nil
}

// ContentWebhookURL is the content key that overrides the default webhook target.
const ContentWebhookURL = "webhook_url"

// WebhookSender POSTs the notification as JSON. 5xx responses and transport
// errors are transient; 4xx responses and a missing target are permanent.
type WebhookSender struct {
	client     *http.Client
	defaultURL string
}

func NewWebhookSender(defaultURL string, timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{client: &http.Client{Timeout: timeout}, defaultURL: defaultURL}
}

func (s *WebhookSender) Channel() model.Channel { return model.ChannelWebhook }

func (s *WebhookSender) target(n *model.Notification) string {
	if u, ok := n.Content[ContentWebhookURL].(string); ok && u != "" {
		return u
	}
	return s.defaultURL
}

func (s *WebhookSender) Send(ctx context.Context, n *model.Notification, attempt int) error {
	url := s.target(n)
	if url == "" {
		return errs.Delivery(string(model.ChannelWebhook), false, fmt.Errorf("no webhook url configured"))
	}
	body, err := json.Marshal(n)
	if err != nil {
		return errs.Delivery(string(model.ChannelWebhook), false, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errs.Delivery(string(model.ChannelWebhook), false, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Notification-Attempt", fmt.Sprint(attempt))
	if id := trace.FromContext(ctx); id != "" {
		req.Header.Set(trace.Header, id)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		retryable, _ := util.IsRetryableError(err)
		return errs.Delivery(string(model.ChannelWebhook), retryable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return errs.Delivery(string(model.ChannelWebhook), true, fmt.Errorf("webhook returned %s", resp.Status))
	case resp.StatusCode >= 400:
		return errs.Delivery(string(model.ChannelWebhook), false, fmt.Errorf("webhook returned %s", resp.Status))
	}
	return nil
}
