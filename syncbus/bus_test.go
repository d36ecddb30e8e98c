package syncbus

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobriver/jobriver/core"
)

func newTestBus(t *testing.T, mutate func(c *core.SyncBusConfig)) *Bus {
	t.Helper()

	cfg := core.DefaultConfig().SyncBus
	cfg.BatchTimeout = 10 * time.Millisecond
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.ClientTimeout = 100 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	bus := New(&cfg, nil)
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() { _ = bus.Stop(context.Background()) })
	return bus
}

func publish(t *testing.T, bus *Bus, event *core.SyncEvent) {
	t.Helper()
	require.NoError(t, bus.Publish(context.Background(), event))
}

func receiveOne(t *testing.T, client *Client) *core.SyncEvent {
	t.Helper()
	select {
	case event := <-client.Receive:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
		return nil
	}
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	bus := newTestBus(t, nil)

	client, err := bus.Subscribe("dashboard", "user-1", []core.EventType{core.EventJobCompleted})
	require.NoError(t, err)

	publish(t, bus, &core.SyncEvent{Type: core.EventJobCompleted, JobID: "job-1"})

	event := receiveOne(t, client)
	assert.Equal(t, core.EventJobCompleted, event.Type)
	assert.Equal(t, "job-1", event.JobID)
	assert.NotEmpty(t, event.ID)
	assert.False(t, event.Timestamp.IsZero())
}

func TestSubscriptionFiltersByType(t *testing.T) {
	bus := newTestBus(t, nil)

	client, err := bus.Subscribe("cli", "", []core.EventType{core.EventJobFailed})
	require.NoError(t, err)

	publish(t, bus, &core.SyncEvent{Type: core.EventJobCompleted, JobID: "other"})
	publish(t, bus, &core.SyncEvent{Type: core.EventJobFailed, JobID: "mine"})

	event := receiveOne(t, client)
	assert.Equal(t, "mine", event.JobID)

	select {
	case extra := <-client.Receive:
		t.Fatalf("unexpected event: %s", extra.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWildcardReceivesEverything(t *testing.T) {
	bus := newTestBus(t, nil)

	client, err := bus.Subscribe("dashboard", "", nil)
	require.NoError(t, err)

	publish(t, bus, &core.SyncEvent{Type: core.EventJobCreated})
	publish(t, bus, &core.SyncEvent{Type: core.EventRetryScheduled})

	seen := map[core.EventType]bool{}
	seen[receiveOne(t, client).Type] = true
	seen[receiveOne(t, client).Type] = true
	assert.True(t, seen[core.EventJobCreated])
	assert.True(t, seen[core.EventRetryScheduled])
}

func TestTargetedDelivery(t *testing.T) {
	bus := newTestBus(t, nil)

	target, err := bus.Subscribe("dashboard", "", nil)
	require.NoError(t, err)
	bystander, err := bus.Subscribe("dashboard", "", nil)
	require.NoError(t, err)

	publish(t, bus, &core.SyncEvent{
		Type:    core.EventNeedsAttention,
		Targets: []string{target.ID},
	})

	assert.Equal(t, core.EventNeedsAttention, receiveOne(t, target).Type)
	select {
	case <-bystander.Receive:
		t.Fatal("targeted event leaked to bystander")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestExpiredEventsDiscarded(t *testing.T) {
	bus := newTestBus(t, nil)

	client, err := bus.Subscribe("cli", "", nil)
	require.NoError(t, err)

	publish(t, bus, &core.SyncEvent{
		Type:      core.EventSubTaskProgress,
		Timestamp: time.Now().Add(-time.Minute),
		TTL:       time.Second,
	})
	publish(t, bus, &core.SyncEvent{Type: core.EventJobCompleted})

	// Only the fresh event arrives
	assert.Equal(t, core.EventJobCompleted, receiveOne(t, client).Type)
	require.Eventually(t, func() bool { return bus.Stats().Expired == 1 }, time.Second, 10*time.Millisecond)
}

func TestPriorityOrderingWithinBatch(t *testing.T) {
	bus := newTestBus(t, func(c *core.SyncBusConfig) {
		// One oversized tick so both events land in the same batch
		c.BatchTimeout = 200 * time.Millisecond
		c.BatchSize = 64
	})

	client, err := bus.Subscribe("dashboard", "", nil)
	require.NoError(t, err)

	publish(t, bus, &core.SyncEvent{Type: core.EventSubTaskProgress, Priority: core.PriorityLow})
	publish(t, bus, &core.SyncEvent{Type: core.EventNeedsAttention, Priority: core.PriorityUrgent})

	assert.Equal(t, core.EventNeedsAttention, receiveOne(t, client).Type)
	assert.Equal(t, core.EventSubTaskProgress, receiveOne(t, client).Type)
}

func TestRateLimitDropsExcess(t *testing.T) {
	bus := newTestBus(t, func(c *core.SyncBusConfig) {
		c.RateLimitPerClient = 5
	})

	client, err := bus.Subscribe("cli", "", nil)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		publish(t, bus, &core.SyncEvent{Type: core.EventSubTaskProgress})
	}

	require.Eventually(t, func() bool {
		s := bus.Stats()
		return s.Delivered+s.DroppedLimited == 50
	}, 2*time.Second, 10*time.Millisecond)

	s := bus.Stats()
	assert.Greater(t, s.DroppedLimited, int64(0), "excess events dropped, not buffered")
	assert.LessOrEqual(t, s.Delivered, int64(10), "burst bounded by the limiter")
	_ = client
}

func TestPublishRejectsWhenQueueFull(t *testing.T) {
	bus := newTestBus(t, func(c *core.SyncBusConfig) {
		c.QueueSize = 1
		// Slow flushing so the queue backs up
		c.BatchTimeout = time.Hour
		c.BatchSize = 1000
	})

	ctx := context.Background()
	var sawFull bool
	for i := 0; i < 10; i++ {
		if err := bus.Publish(ctx, &core.SyncEvent{Type: core.EventJobCreated}); err != nil {
			require.ErrorIs(t, err, core.ErrBusQueueFull)
			sawFull = true
			break
		}
	}
	assert.True(t, sawFull)
}

func TestPublishAfterStop(t *testing.T) {
	cfg := core.DefaultConfig().SyncBus
	bus := New(&cfg, nil)
	require.NoError(t, bus.Start(context.Background()))
	require.NoError(t, bus.Stop(context.Background()))

	err := bus.Publish(context.Background(), &core.SyncEvent{Type: core.EventJobCreated})
	assert.ErrorIs(t, err, core.ErrBusStopped)
}

func TestUnsubscribeRemovesClient(t *testing.T) {
	bus := newTestBus(t, nil)

	client, err := bus.Subscribe("cli", "", nil)
	require.NoError(t, err)
	require.Equal(t, 1, bus.ClientCount())

	require.NoError(t, bus.Unsubscribe(client.ID))
	assert.Zero(t, bus.ClientCount())

	_, ok := <-client.Receive
	assert.False(t, ok, "receive channel closed")

	assert.ErrorIs(t, bus.Unsubscribe(client.ID), core.ErrClientNotFound)
}

func TestHeartbeatEviction(t *testing.T) {
	bus := newTestBus(t, func(c *core.SyncBusConfig) {
		c.HeartbeatInterval = 10 * time.Millisecond
		c.ClientTimeout = 30 * time.Millisecond
	})

	silent, err := bus.Subscribe("cli", "", nil)
	require.NoError(t, err)
	chatty, err := bus.Subscribe("dashboard", "", nil)
	require.NoError(t, err)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = bus.Touch(chatty.ID)
			}
		}
	}()

	require.Eventually(t, func() bool { return bus.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, bus.Touch(silent.ID), core.ErrClientNotFound)
	assert.NoError(t, bus.Touch(chatty.ID))
	assert.Equal(t, int64(1), bus.Stats().Evicted)
}

func TestWebsocketSession(t *testing.T) {
	bus := newTestBus(t, func(c *core.SyncBusConfig) {
		c.HeartbeatInterval = 5 * time.Second
		c.ClientTimeout = 30 * time.Second
	})

	server := httptest.NewServer(Handler(bus, nil))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":        "auth",
		"client_type": "dashboard",
		"user_id":     "user-7",
		"subscribe":   []string{string(core.EventJobCompleted)},
	}))

	var ack map[string]interface{}
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, string(core.EventClientConnect), ack["type"])
	assert.NotEmpty(t, ack["client_id"])
	require.Eventually(t, func() bool { return bus.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	publish(t, bus, &core.SyncEvent{Type: core.EventJobCompleted, JobID: "job-9"})

	var event core.SyncEvent
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, core.EventJobCompleted, event.Type)
	assert.Equal(t, "job-9", event.JobID)

	conn.Close()
	require.Eventually(t, func() bool { return bus.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebsocketRejectsMissingAuth(t *testing.T) {
	bus := newTestBus(t, nil)
	server := httptest.NewServer(Handler(bus, nil))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "chat"}))

	// The server closes without subscribing the client
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, readErr := conn.ReadMessage()
	assert.Error(t, readErr)
	assert.Zero(t, bus.ClientCount())
}
