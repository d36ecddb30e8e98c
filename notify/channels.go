package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/jobriver/jobriver/core"
)

// ChannelHandler delivers one composed message over one channel.
type ChannelHandler interface {
	Name() core.NotificationChannel
	Send(ctx context.Context, msg *core.NotificationMessage) error
}

// ═══════════════════════════════════════════════════════════════════════════
// Email (SMTP)
// ═══════════════════════════════════════════════════════════════════════════

type emailChannel struct {
	config core.SMTPConfig
}

// NewEmailChannel creates the SMTP email channel. smtp.SendMail upgrades
// to STARTTLS when the server offers it.
func NewEmailChannel(config core.SMTPConfig) ChannelHandler {
	return &emailChannel{config: config}
}

func (c *emailChannel) Name() core.NotificationChannel { return core.ChannelEmail }

func (c *emailChannel) Send(ctx context.Context, msg *core.NotificationMessage) error {
	if c.config.Host == "" {
		return fmt.Errorf("smtp host not configured")
	}
	if msg.Recipient == "" {
		return fmt.Errorf("email recipient missing")
	}

	var body strings.Builder
	fmt.Fprintf(&body, "From: %s\r\n", c.config.From)
	fmt.Fprintf(&body, "To: %s\r\n", msg.Recipient)
	fmt.Fprintf(&body, "Subject: %s\r\n", msg.Subject)
	body.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	body.WriteString(msg.Body)

	addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)
	var auth smtp.Auth
	if c.config.Username != "" {
		auth = smtp.PlainAuth("", c.config.Username, c.config.Password, c.config.Host)
	}
	if err := smtp.SendMail(addr, auth, c.config.From, []string{msg.Recipient}, []byte(body.String())); err != nil {
		return fmt.Errorf("smtp send failed: %w", err)
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Webhook (signed HTTP POST)
// ═══════════════════════════════════════════════════════════════════════════

type webhookChannel struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhookChannel creates the generic webhook channel. Payloads are
// signed with an HMAC-SHA256 hex digest in X-Jobriver-Signature.
func NewWebhookChannel(url, secret string) ChannelHandler {
	return &webhookChannel{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *webhookChannel) Name() core.NotificationChannel { return core.ChannelWebhook }

func (c *webhookChannel) Send(ctx context.Context, msg *core.NotificationMessage) error {
	target := msg.Recipient
	if target == "" {
		target = c.url
	}
	if target == "" {
		return fmt.Errorf("webhook url not configured")
	}

	payload, err := json.Marshal(map[string]interface{}{
		"id":       msg.ID,
		"subject":  msg.Subject,
		"body":     msg.Body,
		"priority": msg.Priority,
		"job_id":   msg.JobID,
		"error_id": msg.ErrorID,
		"sent_at":  time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		mac := hmac.New(sha256.New, []byte(c.secret))
		mac.Write(payload)
		req.Header.Set("X-Jobriver-Signature", hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Slack (incoming webhook)
// ═══════════════════════════════════════════════════════════════════════════

type slackChannel struct {
	webhookURL string
}

// NewSlackChannel creates the Slack channel on an incoming-webhook URL.
func NewSlackChannel(webhookURL string) ChannelHandler {
	return &slackChannel{webhookURL: webhookURL}
}

func (c *slackChannel) Name() core.NotificationChannel { return core.ChannelSlack }

func (c *slackChannel) Send(ctx context.Context, msg *core.NotificationMessage) error {
	url := msg.Recipient
	if url == "" {
		url = c.webhookURL
	}
	if url == "" {
		return fmt.Errorf("slack webhook url not configured")
	}

	attachment := slack.Attachment{
		Color: priorityColor(msg.Priority),
		Title: msg.Subject,
		Text:  msg.Body,
	}
	if msg.JobID != "" {
		attachment.Fields = append(attachment.Fields, slack.AttachmentField{
			Title: "Job", Value: msg.JobID, Short: true,
		})
	}

	err := slack.PostWebhookContext(ctx, url, &slack.WebhookMessage{
		Attachments: []slack.Attachment{attachment},
	})
	if err != nil {
		return fmt.Errorf("slack post failed: %w", err)
	}
	return nil
}

func priorityColor(p core.NotificationPriority) string {
	switch {
	case p >= core.NotifyCritical:
		return "danger"
	case p >= core.NotifyHigh:
		return "warning"
	default:
		return "good"
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Log
// ═══════════════════════════════════════════════════════════════════════════

type logChannel struct {
	logger core.Logger
}

// NewLogChannel creates the always-available structured-log channel.
func NewLogChannel(logger core.Logger) ChannelHandler {
	return &logChannel{logger: logger}
}

func (c *logChannel) Name() core.NotificationChannel { return core.ChannelLog }

func (c *logChannel) Send(ctx context.Context, msg *core.NotificationMessage) error {
	if c.logger == nil {
		return nil
	}
	fields := map[string]interface{}{
		"notification_id": msg.ID,
		"subject":         msg.Subject,
		"body":            msg.Body,
		"job_id":          msg.JobID,
	}
	switch {
	case msg.Priority >= core.NotifyCritical:
		c.logger.Error("Notification", fields)
	case msg.Priority >= core.NotifyHigh:
		c.logger.Warn("Notification", fields)
	default:
		c.logger.Info("Notification", fields)
	}
	return nil
}
