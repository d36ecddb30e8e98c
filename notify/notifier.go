package notify

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/jobriver/jobriver/core"
	"github.com/jobriver/jobriver/telemetry"
)

// rateWindow is the span of the per-recipient sliding window.
const rateWindow = time.Hour

// backoffDelay is the retry curve: min(60 * 2^(attempt-1), 3600) seconds.
func backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	seconds := 60
	for i := 1; i < attempt && seconds < 3600; i++ {
		seconds *= 2
	}
	if seconds > 3600 {
		seconds = 3600
	}
	return time.Duration(seconds) * time.Second
}

// slidingWindow counts sends per (channel, recipient) over the last hour.
type slidingWindow struct {
	stamps []time.Time
}

func (w *slidingWindow) allow(now time.Time, limit int) bool {
	cutoff := now.Add(-rateWindow)
	kept := w.stamps[:0]
	for _, s := range w.stamps {
		if s.After(cutoff) {
			kept = append(kept, s)
		}
	}
	w.stamps = kept
	if len(w.stamps) >= limit {
		return false
	}
	w.stamps = append(w.stamps, now)
	return true
}

// queued wraps a message with its ready time for the delivery heap.
type queued struct {
	msg     *core.NotificationMessage
	readyAt time.Time
}

type messageHeap []*queued

func (h messageHeap) Len() int { return len(h) }
func (h messageHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority > h[j].msg.Priority
	}
	return h[i].readyAt.Before(h[j].readyAt)
}
func (h messageHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *messageHeap) Push(x interface{}) { *h = append(*h, x.(*queued)) }
func (h *messageHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Stats snapshots notifier counters.
type Stats struct {
	Enqueued  int64 `json:"enqueued"`
	Delivered int64 `json:"delivered"`
	Skipped   int64 `json:"skipped"`
	Failed    int64 `json:"failed"`
	Retries   int64 `json:"retries"`
}

// Notifier implements core.NotificationSender: it composes requests into
// per-channel-per-recipient messages and delivers them through a worker
// pool with rate limiting and retry.
type Notifier struct {
	config    *core.NotifyConfig
	logger    core.Logger
	bus       core.EventBus
	templates *templateRegistry

	channelsMu sync.RWMutex
	channels   map[core.NotificationChannel]ChannelHandler
	recipients map[core.NotificationChannel][]string

	queueMu sync.Mutex
	queue   messageHeap
	wake    chan struct{}

	msgMu    sync.RWMutex
	messages map[string]*core.NotificationMessage

	rateMu    sync.Mutex
	windows   map[string]*slidingWindow
	cooldowns map[core.NotificationChannel]*rate.Limiter

	enqueued  atomic.Int64
	delivered atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64
	retries   atomic.Int64

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a notifier with the standard channels wired from config.
// A nil config uses defaults; channels without configuration still exist
// and report their misconfiguration on first use.
func New(config *core.NotifyConfig, bus core.EventBus, logger core.Logger) *Notifier {
	if config == nil {
		c := core.DefaultConfig().Notify
		config = &c
	}
	if bus == nil {
		bus = core.NoOpBus{}
	}
	if logger != nil {
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			logger = cal.WithComponent("notify")
		}
	}

	n := &Notifier{
		config:     config,
		logger:     logger,
		bus:        bus,
		templates:  newTemplateRegistry(),
		channels:   make(map[core.NotificationChannel]ChannelHandler),
		recipients: make(map[core.NotificationChannel][]string),
		wake:       make(chan struct{}, 1),
		messages:   make(map[string]*core.NotificationMessage),
		windows:    make(map[string]*slidingWindow),
		cooldowns:  make(map[core.NotificationChannel]*rate.Limiter),
	}

	n.RegisterChannel(NewEmailChannel(config.SMTP))
	n.RegisterChannel(NewWebhookChannel(config.WebhookURL, config.WebhookSecret))
	n.RegisterChannel(NewSlackChannel(config.SlackWebhookURL))
	n.RegisterChannel(NewLogChannel(logger))
	return n
}

// RegisterChannel installs or replaces a channel handler.
func (n *Notifier) RegisterChannel(handler ChannelHandler) {
	n.channelsMu.Lock()
	n.channels[handler.Name()] = handler
	n.channelsMu.Unlock()
}

// SetRecipients configures the default recipient list for a channel,
// used when a request names none.
func (n *Notifier) SetRecipients(channel core.NotificationChannel, recipients []string) {
	n.channelsMu.Lock()
	n.recipients[channel] = recipients
	n.channelsMu.Unlock()
}

// RegisterTemplate adds a template to the registry.
func (n *Notifier) RegisterTemplate(t *Template) { n.templates.register(t) }

// Start launches the sender workers.
func (n *Notifier) Start(ctx context.Context) error {
	if n.running.Swap(true) {
		return fmt.Errorf("notifier already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	for i := 0; i < n.config.Workers; i++ {
		n.wg.Add(1)
		go n.worker(runCtx)
	}

	if n.logger != nil {
		n.logger.Info("Notifier started", map[string]interface{}{"workers": n.config.Workers})
	}
	return nil
}

// Stop halts the workers. Queued messages stay pending.
func (n *Notifier) Stop(ctx context.Context) error {
	if !n.running.Swap(false) {
		return nil
	}
	if n.cancel != nil {
		n.cancel()
	}

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send implements core.NotificationSender. It composes one message per
// (channel, recipient) pair and returns their IDs. Composition never
// blocks on delivery.
func (n *Notifier) Send(ctx context.Context, req *core.NotificationRequest) ([]string, error) {
	subject, body := req.Subject, req.Body
	if req.TemplateID != "" {
		tmpl, ok := n.templates.get(req.TemplateID)
		if !ok {
			return nil, fmt.Errorf("unknown notification template %q", req.TemplateID)
		}
		var missing []string
		subject, missing = render(tmpl.SubjectTemplate, req.Vars)
		var missingBody []string
		body, missingBody = render(tmpl.BodyTemplate, req.Vars)
		missing = append(missing, missingBody...)
		if len(missing) > 0 && n.logger != nil {
			n.logger.Warn("Template variables missing", map[string]interface{}{
				"template": req.TemplateID,
				"missing":  missing,
			})
		}
	}

	channels := req.Channels
	if len(channels) == 0 {
		channels = core.ChannelsForSeverity(req.Severity)
	}

	priority := req.Priority
	if priority == 0 {
		priority = core.NotifyMedium
	}

	now := time.Now().UTC()
	var ids []string
	for _, channel := range channels {
		for _, recipient := range n.recipientsFor(channel, req.Recipients) {
			msg := &core.NotificationMessage{
				ID:          uuid.NewString(),
				Channel:     channel,
				Recipient:   recipient,
				Priority:    priority,
				Subject:     subject,
				Body:        body,
				Status:      core.NotificationPending,
				JobID:       req.JobID,
				ErrorID:     req.ErrorID,
				ScheduledAt: now,
			}
			n.msgMu.Lock()
			n.messages[msg.ID] = msg
			n.msgMu.Unlock()

			n.enqueue(msg, now)
			ids = append(ids, msg.ID)
		}
	}

	telemetry.Counter("jobriver.notify.requests", "type", req.Type)
	return ids, nil
}

// Message returns the row for one message ID.
func (n *Notifier) Message(id string) (*core.NotificationMessage, bool) {
	n.msgMu.RLock()
	defer n.msgMu.RUnlock()
	msg, ok := n.messages[id]
	if !ok {
		return nil, false
	}
	copied := *msg
	return &copied, true
}

// Stats snapshots the delivery counters.
func (n *Notifier) Stats() Stats {
	return Stats{
		Enqueued:  n.enqueued.Load(),
		Delivered: n.delivered.Load(),
		Skipped:   n.skipped.Load(),
		Failed:    n.failed.Load(),
		Retries:   n.retries.Load(),
	}
}

// QueueDepth reports messages waiting for a worker.
func (n *Notifier) QueueDepth() int {
	n.queueMu.Lock()
	defer n.queueMu.Unlock()
	return len(n.queue)
}

// recipientsFor resolves the recipient list: the request's, then the
// configured defaults, then a single unaddressed message for channels
// that carry their endpoint in config (webhook, slack, log).
func (n *Notifier) recipientsFor(channel core.NotificationChannel, requested []string) []string {
	if len(requested) > 0 {
		return requested
	}
	n.channelsMu.RLock()
	defaults := n.recipients[channel]
	n.channelsMu.RUnlock()
	if len(defaults) > 0 {
		return defaults
	}
	return []string{""}
}

func (n *Notifier) enqueue(msg *core.NotificationMessage, readyAt time.Time) {
	n.queueMu.Lock()
	heap.Push(&n.queue, &queued{msg: msg, readyAt: readyAt})
	n.queueMu.Unlock()
	n.enqueued.Add(1)

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// pop returns the highest-priority ready message and the wait until one
// becomes ready (0 when the queue is empty). A scheduled retry at the
// top of the heap never blocks ready messages behind it.
func (n *Notifier) pop(now time.Time) (*core.NotificationMessage, time.Duration) {
	n.queueMu.Lock()
	defer n.queueMu.Unlock()

	if len(n.queue) == 0 {
		return nil, 0
	}
	if head := n.queue[0]; !head.readyAt.After(now) {
		heap.Pop(&n.queue)
		return head.msg, 0
	}

	best := -1
	var wait time.Duration
	for i, q := range n.queue {
		if q.readyAt.After(now) {
			if d := q.readyAt.Sub(now); wait == 0 || d < wait {
				wait = d
			}
			continue
		}
		if best == -1 || n.queue.Less(i, best) {
			best = i
		}
	}
	if best == -1 {
		return nil, wait
	}
	item := n.queue[best]
	heap.Remove(&n.queue, best)
	return item.msg, 0
}

// ═══════════════════════════════════════════════════════════════════════════
// Delivery
// ═══════════════════════════════════════════════════════════════════════════

func (n *Notifier) worker(ctx context.Context) {
	defer n.wg.Done()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		msg, wait := n.pop(time.Now())
		if msg != nil {
			n.deliver(ctx, msg)
			continue
		}

		if wait <= 0 {
			wait = time.Hour
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-n.wake:
		case <-timer.C:
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, msg *core.NotificationMessage) {
	n.channelsMu.RLock()
	handler, ok := n.channels[msg.Channel]
	n.channelsMu.RUnlock()
	if !ok {
		n.finish(msg, core.NotificationFailed, fmt.Sprintf("no handler for channel %s", msg.Channel))
		return
	}

	// Rate-limited messages are skipped outright, never retried
	if !n.admit(msg.Channel, msg.Recipient) {
		n.skipped.Add(1)
		telemetry.Counter("jobriver.notify.skipped", "channel", string(msg.Channel))
		n.finish(msg, core.NotificationSkipped, "rate limited")
		return
	}

	now := time.Now().UTC()
	n.msgMu.Lock()
	msg.Status = core.NotificationSending
	msg.Attempts++
	msg.SentAt = &now
	n.msgMu.Unlock()

	err := handler.Send(ctx, msg)
	if err == nil {
		n.delivered.Add(1)
		telemetry.Counter("jobriver.notify.delivered", "channel", string(msg.Channel))
		n.msgMu.Lock()
		done := time.Now().UTC()
		msg.Status = core.NotificationDelivered
		msg.DeliveredAt = &done
		n.msgMu.Unlock()
		n.announce(msg)
		return
	}

	n.msgMu.Lock()
	attempts := msg.Attempts
	msg.LastError = err.Error()
	n.msgMu.Unlock()

	if attempts < n.config.MaxRetries {
		delay := backoffDelay(attempts)
		n.retries.Add(1)
		telemetry.Counter("jobriver.notify.retries", "channel", string(msg.Channel))
		if n.logger != nil {
			n.logger.Warn("Notification delivery failed, retrying", map[string]interface{}{
				"notification_id": msg.ID,
				"channel":         string(msg.Channel),
				"attempt":         attempts,
				"delay":           delay.String(),
				"error":           err.Error(),
			})
		}
		n.msgMu.Lock()
		msg.Status = core.NotificationRetrying
		msg.ScheduledAt = time.Now().UTC().Add(delay)
		n.msgMu.Unlock()
		n.enqueue(msg, msg.ScheduledAt)
		return
	}

	n.failed.Add(1)
	telemetry.Counter("jobriver.notify.failed", "channel", string(msg.Channel))
	n.finish(msg, core.NotificationFailed, err.Error())
	n.announce(msg)
}

// admit applies the per-channel cooldown and the per-recipient hourly
// sliding window.
func (n *Notifier) admit(channel core.NotificationChannel, recipient string) bool {
	n.rateMu.Lock()
	defer n.rateMu.Unlock()

	limiter, ok := n.cooldowns[channel]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(n.config.Cooldown), 1)
		n.cooldowns[channel] = limiter
	}
	if !limiter.Allow() {
		return false
	}

	key := string(channel) + "|" + recipient
	window, ok := n.windows[key]
	if !ok {
		window = &slidingWindow{}
		n.windows[key] = window
	}
	return window.allow(time.Now(), n.config.RatePerHour)
}

func (n *Notifier) finish(msg *core.NotificationMessage, status core.NotificationStatus, reason string) {
	n.msgMu.Lock()
	msg.Status = status
	if reason != "" {
		msg.LastError = reason
	}
	n.msgMu.Unlock()
}

// announce emits a delivery outcome event for live observers.
func (n *Notifier) announce(msg *core.NotificationMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = n.bus.Publish(ctx, &core.SyncEvent{
		Type:  core.EventNotificationSent,
		JobID: msg.JobID,
		Payload: map[string]interface{}{
			"notification_id": msg.ID,
			"channel":         string(msg.Channel),
			"status":          string(msg.Status),
			"attempts":        msg.Attempts,
		},
	})
}
