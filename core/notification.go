package core

import "time"

// ═══════════════════════════════════════════════════════════════════════════
// Notification types
// ═══════════════════════════════════════════════════════════════════════════

// NotificationChannel identifies a delivery channel.
type NotificationChannel string

const (
	ChannelEmail   NotificationChannel = "email"
	ChannelWebhook NotificationChannel = "webhook"
	ChannelSlack   NotificationChannel = "slack"
	ChannelLog     NotificationChannel = "log"
)

// NotificationPriority orders messages in the delivery queue.
type NotificationPriority int

const (
	NotifyLow      NotificationPriority = 1
	NotifyMedium   NotificationPriority = 2
	NotifyHigh     NotificationPriority = 3
	NotifyCritical NotificationPriority = 4
	NotifyUrgent   NotificationPriority = 5
)

// NotificationStatus is the delivery state of a single message.
type NotificationStatus string

const (
	NotificationPending   NotificationStatus = "pending"
	NotificationSending   NotificationStatus = "sending"
	NotificationDelivered NotificationStatus = "delivered"
	NotificationFailed    NotificationStatus = "failed"
	NotificationRetrying  NotificationStatus = "retrying"
	NotificationSkipped   NotificationStatus = "skipped"
)

// IsTerminal returns true for delivered, failed and skipped.
func (s NotificationStatus) IsTerminal() bool {
	return s == NotificationDelivered || s == NotificationFailed || s == NotificationSkipped
}

// NotificationRequest describes an alert to compose and deliver.
type NotificationRequest struct {
	// Type tags the request (job_completed, job_failed, escalation, health_alert)
	Type string `json:"type"`

	// Priority orders the message in the delivery queue
	Priority NotificationPriority `json:"priority"`

	// Subject and Body are used directly when TemplateID is empty
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body,omitempty"`

	// TemplateID selects a registered template; Vars fills its placeholders
	TemplateID string            `json:"template_id,omitempty"`
	Vars       map[string]string `json:"vars,omitempty"`

	// Recipients are opaque recipient identifiers (channel-specific)
	Recipients []string `json:"recipients,omitempty"`

	// Channels selects delivery channels; empty means severity-derived
	Channels []NotificationChannel `json:"channels,omitempty"`

	// Severity drives channel selection for error notifications
	Severity ErrorSeverity `json:"severity,omitempty"`

	// JobID and ErrorID link the message to its cause
	JobID   string `json:"job_id,omitempty"`
	ErrorID string `json:"error_id,omitempty"`
}

// NotificationMessage is one composed message bound to a single channel and
// recipient. The notifier exclusively owns these rows.
type NotificationMessage struct {
	ID        string               `json:"id"`
	Channel   NotificationChannel  `json:"channel"`
	Recipient string               `json:"recipient"`
	Priority  NotificationPriority `json:"priority"`
	Subject   string               `json:"subject"`
	Body      string               `json:"body"`
	Status    NotificationStatus   `json:"status"`
	Attempts  int                  `json:"attempts"`
	JobID     string               `json:"job_id,omitempty"`
	ErrorID   string               `json:"error_id,omitempty"`

	ScheduledAt time.Time  `json:"scheduled_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`

	// LastError records the most recent handler failure
	LastError string `json:"last_error,omitempty"`
}

// ChannelsForSeverity is the deterministic channel set for error
// notifications. Log is always included.
func ChannelsForSeverity(severity ErrorSeverity) []NotificationChannel {
	switch severity {
	case SeverityCritical:
		return []NotificationChannel{ChannelEmail, ChannelSlack, ChannelWebhook, ChannelLog}
	case SeverityHigh:
		return []NotificationChannel{ChannelEmail, ChannelSlack, ChannelLog}
	case SeverityMedium:
		return []NotificationChannel{ChannelEmail, ChannelLog}
	default:
		return []NotificationChannel{ChannelLog}
	}
}
