package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobriver/jobriver/core"
)

type fakeChannel struct {
	name core.NotificationChannel
	err  error

	mu   sync.Mutex
	sent []core.NotificationMessage
}

func (c *fakeChannel) Name() core.NotificationChannel { return c.name }

func (c *fakeChannel) Send(ctx context.Context, msg *core.NotificationMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, *msg)
	return nil
}

func (c *fakeChannel) delivered() []core.NotificationMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.NotificationMessage, len(c.sent))
	copy(out, c.sent)
	return out
}

type recordingBus struct {
	mu     sync.Mutex
	events []*core.SyncEvent
}

func (b *recordingBus) Publish(ctx context.Context, event *core.SyncEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *recordingBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func newTestNotifier(t *testing.T, mutate func(c *core.NotifyConfig)) (*Notifier, *recordingBus) {
	t.Helper()

	cfg := core.DefaultConfig().Notify
	cfg.Cooldown = time.Nanosecond
	cfg.Workers = 2
	if mutate != nil {
		mutate(&cfg)
	}

	bus := &recordingBus{}
	n := New(&cfg, bus, nil)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { _ = n.Stop(context.Background()) })
	return n, bus
}

func TestRenderSubstitutesVariables(t *testing.T) {
	out, missing := render("Job {job_id} finished with {count} records", map[string]string{
		"job_id": "job-1",
		"count":  "42",
	})
	assert.Equal(t, "Job job-1 finished with 42 records", out)
	assert.Empty(t, missing)

	out, missing = render("Platform {platform} failed: {message}", map[string]string{
		"platform": "indeed",
	})
	assert.Equal(t, "Platform indeed failed: ", out)
	assert.Equal(t, []string{"message"}, missing)
}

func TestBackoffDelayCurve(t *testing.T) {
	assert.Equal(t, 60*time.Second, backoffDelay(1))
	assert.Equal(t, 120*time.Second, backoffDelay(2))
	assert.Equal(t, 240*time.Second, backoffDelay(3))
	assert.Equal(t, 3600*time.Second, backoffDelay(10))
}

func TestQueueDeliversByPriority(t *testing.T) {
	cfg := core.DefaultConfig().Notify
	n := New(&cfg, nil, nil)

	now := time.Now()
	n.enqueue(&core.NotificationMessage{ID: "low", Priority: core.NotifyLow}, now)
	n.enqueue(&core.NotificationMessage{ID: "medium", Priority: core.NotifyMedium}, now.Add(time.Millisecond))
	n.enqueue(&core.NotificationMessage{ID: "critical", Priority: core.NotifyCritical}, now.Add(2*time.Millisecond))

	// A critical escalation enqueued last still jumps the backlog
	pop := func() string {
		msg, _ := n.pop(now.Add(time.Second))
		require.NotNil(t, msg)
		return msg.ID
	}
	assert.Equal(t, "critical", pop())
	assert.Equal(t, "medium", pop())
	assert.Equal(t, "low", pop())
}

func TestScheduledRetryDoesNotBlockReadyMessages(t *testing.T) {
	cfg := core.DefaultConfig().Notify
	n := New(&cfg, nil, nil)

	now := time.Now()
	n.enqueue(&core.NotificationMessage{ID: "retry", Priority: core.NotifyCritical}, now.Add(time.Minute))
	n.enqueue(&core.NotificationMessage{ID: "ready", Priority: core.NotifyLow}, now)

	msg, _ := n.pop(now)
	require.NotNil(t, msg)
	assert.Equal(t, "ready", msg.ID, "backoff on the retry holds it back, not the queue")

	msg, wait := n.pop(now)
	assert.Nil(t, msg)
	assert.Equal(t, time.Minute, wait)

	msg, _ = n.pop(now.Add(2 * time.Minute))
	require.NotNil(t, msg)
	assert.Equal(t, "retry", msg.ID)
}

func TestSlidingWindow(t *testing.T) {
	w := &slidingWindow{}
	now := time.Now()

	assert.True(t, w.allow(now, 2))
	assert.True(t, w.allow(now, 2))
	assert.False(t, w.allow(now, 2))

	// The window slides: old sends stop counting
	assert.True(t, w.allow(now.Add(rateWindow+time.Minute), 2))
}

func TestSendComposesPerChannelAndRecipient(t *testing.T) {
	n, _ := newTestNotifier(t, nil)
	ch := &fakeChannel{name: core.ChannelEmail}
	n.RegisterChannel(ch)

	ids, err := n.Send(context.Background(), &core.NotificationRequest{
		Type:       "job_completed",
		Priority:   core.NotifyMedium,
		Subject:    "done",
		Body:       "all platforms finished",
		Channels:   []core.NotificationChannel{core.ChannelEmail},
		Recipients: []string{"a@example.com", "b@example.com"},
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	require.Eventually(t, func() bool {
		return len(ch.delivered()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	msg, ok := n.Message(ids[0])
	require.True(t, ok)
	assert.Equal(t, core.NotificationDelivered, msg.Status)
	assert.NotNil(t, msg.DeliveredAt)
	assert.Equal(t, 1, msg.Attempts)
}

func TestTemplateRendering(t *testing.T) {
	n, _ := newTestNotifier(t, nil)
	ch := &fakeChannel{name: core.ChannelLog}
	n.RegisterChannel(ch)

	ids, err := n.Send(context.Background(), &core.NotificationRequest{
		Type:       "job_failed",
		TemplateID: "job_failed",
		Channels:   []core.NotificationChannel{core.ChannelLog},
		Vars: map[string]string{
			"job_id": "job-3",
			"query":  "golang developer",
			"reason": "all platforms exhausted",
		},
	})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	require.Eventually(t, func() bool { return len(ch.delivered()) == 1 }, 2*time.Second, 10*time.Millisecond)
	sent := ch.delivered()[0]
	assert.Equal(t, "Job job-3 failed", sent.Subject)
	assert.Contains(t, sent.Body, "all platforms exhausted")
}

func TestUnknownTemplateRejected(t *testing.T) {
	n, _ := newTestNotifier(t, nil)
	_, err := n.Send(context.Background(), &core.NotificationRequest{TemplateID: "nope"})
	assert.Error(t, err)
}

func TestSeverityDerivedChannels(t *testing.T) {
	n, _ := newTestNotifier(t, nil)

	ids, err := n.Send(context.Background(), &core.NotificationRequest{
		Type:     "error_escalation",
		Subject:  "broken",
		Body:     "details",
		Severity: core.SeverityCritical,
	})
	require.NoError(t, err)
	assert.Len(t, ids, 4, "critical fans out to email, slack, webhook and log")

	channels := make(map[core.NotificationChannel]bool)
	for _, id := range ids {
		msg, ok := n.Message(id)
		require.True(t, ok)
		channels[msg.Channel] = true
	}
	assert.True(t, channels[core.ChannelEmail])
	assert.True(t, channels[core.ChannelSlack])
	assert.True(t, channels[core.ChannelWebhook])
	assert.True(t, channels[core.ChannelLog])
}

func TestRateLimitSkipsExcess(t *testing.T) {
	n, _ := newTestNotifier(t, func(c *core.NotifyConfig) {
		c.RatePerHour = 1
	})
	ch := &fakeChannel{name: core.ChannelEmail}
	n.RegisterChannel(ch)

	var ids []string
	for i := 0; i < 3; i++ {
		got, err := n.Send(context.Background(), &core.NotificationRequest{
			Subject:    "ping",
			Channels:   []core.NotificationChannel{core.ChannelEmail},
			Recipients: []string{"ops@example.com"},
		})
		require.NoError(t, err)
		ids = append(ids, got...)
	}

	require.Eventually(t, func() bool {
		s := n.Stats()
		return s.Delivered+s.Skipped == 3
	}, 2*time.Second, 10*time.Millisecond)

	s := n.Stats()
	assert.Equal(t, int64(1), s.Delivered)
	assert.Equal(t, int64(2), s.Skipped)

	skipped := 0
	for _, id := range ids {
		if msg, ok := n.Message(id); ok && msg.Status == core.NotificationSkipped {
			skipped++
			assert.Equal(t, "rate limited", msg.LastError)
			assert.Zero(t, msg.Attempts, "skipped messages are never attempted")
		}
	}
	assert.Equal(t, 2, skipped)
}

func TestFailureExhaustsRetries(t *testing.T) {
	n, bus := newTestNotifier(t, func(c *core.NotifyConfig) {
		c.MaxRetries = 1
	})
	ch := &fakeChannel{name: core.ChannelEmail, err: assert.AnError}
	n.RegisterChannel(ch)

	ids, err := n.Send(context.Background(), &core.NotificationRequest{
		Subject:    "doomed",
		Channels:   []core.NotificationChannel{core.ChannelEmail},
		Recipients: []string{"ops@example.com"},
	})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	require.Eventually(t, func() bool {
		msg, ok := n.Message(ids[0])
		return ok && msg.Status == core.NotificationFailed
	}, 2*time.Second, 10*time.Millisecond)

	msg, _ := n.Message(ids[0])
	assert.Equal(t, 1, msg.Attempts)
	assert.NotEmpty(t, msg.LastError)
	assert.Equal(t, int64(1), n.Stats().Failed)
	assert.GreaterOrEqual(t, bus.count(), 1, "terminal outcome announced on the bus")
}

func TestFailureSchedulesRetry(t *testing.T) {
	n, _ := newTestNotifier(t, func(c *core.NotifyConfig) {
		c.MaxRetries = 3
	})
	ch := &fakeChannel{name: core.ChannelEmail, err: assert.AnError}
	n.RegisterChannel(ch)

	ids, err := n.Send(context.Background(), &core.NotificationRequest{
		Subject:    "flaky",
		Channels:   []core.NotificationChannel{core.ChannelEmail},
		Recipients: []string{"ops@example.com"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msg, ok := n.Message(ids[0])
		return ok && msg.Status == core.NotificationRetrying
	}, 2*time.Second, 10*time.Millisecond)

	msg, _ := n.Message(ids[0])
	assert.Equal(t, 1, msg.Attempts)
	assert.True(t, msg.ScheduledAt.After(time.Now()), "next attempt scheduled in the future")
	assert.Equal(t, int64(1), n.Stats().Retries)
}

func TestWebhookChannelSignsPayload(t *testing.T) {
	const secret = "test-secret"

	var gotSignature string
	var gotPayload []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get("X-Jobriver-Signature")
		gotPayload, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	ch := NewWebhookChannel(server.URL, secret)
	err := ch.Send(context.Background(), &core.NotificationMessage{
		ID:      "msg-1",
		Subject: "hello",
		Body:    "world",
		JobID:   "job-1",
	})
	require.NoError(t, err)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotPayload)
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), gotSignature)

	var envelope map[string]interface{}
	require.NoError(t, json.Unmarshal(gotPayload, &envelope))
	assert.Equal(t, "msg-1", envelope["id"])
	assert.Equal(t, "hello", envelope["subject"])
	assert.Equal(t, "job-1", envelope["job_id"])
}

func TestWebhookChannelRejectsBadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(server.Close)

	ch := NewWebhookChannel(server.URL, "")
	err := ch.Send(context.Background(), &core.NotificationMessage{ID: "msg-1"})
	assert.ErrorContains(t, err, "502")
}
