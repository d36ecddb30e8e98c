// Package syncbus is the live event channel: producers publish typed
// SyncEvents through a bounded queue and a single dispatch loop fans them
// out to subscribed clients, batched and priority ordered.
//
// Subscriber state is private to the bus. Clients subscribe to an
// event-type set (the "*" wildcard delivers everything), receive at most
// their per-client rate, and are evicted when heartbeats stop. Clients
// that need history query the job store instead; the bus keeps no cursor.
package syncbus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/jobriver/jobriver/core"
	"github.com/jobriver/jobriver/telemetry"
)

// Wildcard subscribes a client to every event type.
const Wildcard core.EventType = "*"

// Client is one live consumer. The bus exclusively owns these records;
// transports hold the receive channel and the ID.
type Client struct {
	// ID is the bus-assigned client identifier
	ID string

	// Kind tags the consumer (dashboard, cli, worker)
	Kind string

	// UserTag is an opaque caller-supplied identifier
	UserTag string

	// Receive delivers the client's event stream. Closed on eviction.
	Receive <-chan *core.SyncEvent

	send          chan *core.SyncEvent
	subscriptions map[core.EventType]bool
	limiter       *rate.Limiter

	mu            sync.Mutex
	lastHeartbeat time.Time
	closed        bool
}

// Touch records a heartbeat from the client.
func (c *Client) Touch() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

func (c *Client) expired(timeout time.Duration, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastHeartbeat) > timeout
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// deliver hands the event to the client respecting its rate limit. The
// returned value reports whether the event was accepted.
func (c *Client) deliver(event *core.SyncEvent) bool {
	if !c.limiter.Allow() {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- event:
		return true
	default:
		// Slow consumer: dropping beats unbounded buffering
		return false
	}
}

// Stats is a snapshot of bus counters.
type Stats struct {
	Published      int64 `json:"published"`
	Delivered      int64 `json:"delivered"`
	DroppedLimited int64 `json:"events_dropped"`
	Expired        int64 `json:"expired"`
	RejectedFull   int64 `json:"rejected_full"`
	Clients        int   `json:"clients"`
	Evicted        int64 `json:"evicted"`
}

// Bus implements core.EventBus.
type Bus struct {
	config *core.SyncBusConfig
	logger core.Logger

	queue chan *core.SyncEvent

	mu      sync.RWMutex
	clients map[string]*Client
	index   map[core.EventType]map[string]*Client

	published      atomic.Int64
	delivered      atomic.Int64
	droppedLimited atomic.Int64
	expired        atomic.Int64
	rejectedFull   atomic.Int64
	evicted        atomic.Int64

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a sync bus. A nil config uses defaults.
func New(config *core.SyncBusConfig, logger core.Logger) *Bus {
	if config == nil {
		c := core.DefaultConfig().SyncBus
		config = &c
	}
	if logger != nil {
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			logger = cal.WithComponent("syncbus")
		}
	}

	return &Bus{
		config:  config,
		logger:  logger,
		queue:   make(chan *core.SyncEvent, config.QueueSize),
		clients: make(map[string]*Client),
		index:   make(map[core.EventType]map[string]*Client),
	}
}

// Start launches the dispatch and heartbeat loops.
func (b *Bus) Start(ctx context.Context) error {
	if b.running.Swap(true) {
		return fmt.Errorf("sync bus already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	b.wg.Add(2)
	go b.dispatchLoop(runCtx)
	go b.heartbeatLoop(runCtx)

	if b.logger != nil {
		b.logger.Info("Sync bus started", map[string]interface{}{
			"queue_size":      b.config.QueueSize,
			"batch_size":      b.config.BatchSize,
			"rate_per_client": b.config.RateLimitPerClient,
		})
	}
	return nil
}

// Stop halts dispatch and closes every client channel.
func (b *Bus) Stop(ctx context.Context) error {
	if !b.running.Swap(false) {
		return nil
	}
	if b.cancel != nil {
		b.cancel()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	b.mu.Lock()
	for id, client := range b.clients {
		client.close()
		delete(b.clients, id)
	}
	b.index = make(map[core.EventType]map[string]*Client)
	b.mu.Unlock()
	return nil
}

// Publish implements core.EventBus. Returns ErrBusQueueFull when the
// bounded queue is saturated and ErrBusStopped after Stop.
func (b *Bus) Publish(ctx context.Context, event *core.SyncEvent) error {
	if !b.running.Load() {
		return core.ErrBusStopped
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case b.queue <- event:
		b.published.Add(1)
		telemetry.Counter("jobriver.bus.published", "type", string(event.Type))
		return nil
	default:
		b.rejectedFull.Add(1)
		telemetry.Counter("jobriver.bus.rejected", "reason", "queue_full")
		return fmt.Errorf("queue at %d: %w", cap(b.queue), core.ErrBusQueueFull)
	}
}

// Subscribe registers a client for the given event types. An empty or
// wildcard-containing set delivers everything. The returned client's
// Receive channel carries its stream until Unsubscribe or eviction.
func (b *Bus) Subscribe(kind, userTag string, types []core.EventType) (*Client, error) {
	if !b.running.Load() {
		return nil, core.ErrBusStopped
	}

	subs := make(map[core.EventType]bool, len(types))
	for _, t := range types {
		subs[t] = true
	}
	if len(subs) == 0 {
		subs[Wildcard] = true
	}

	send := make(chan *core.SyncEvent, 256)
	client := &Client{
		ID:            uuid.NewString(),
		Kind:          kind,
		UserTag:       userTag,
		Receive:       send,
		send:          send,
		subscriptions: subs,
		limiter:       rate.NewLimiter(rate.Limit(b.config.RateLimitPerClient), b.config.RateLimitPerClient),
		lastHeartbeat: time.Now(),
	}

	b.mu.Lock()
	b.clients[client.ID] = client
	for t := range subs {
		if b.index[t] == nil {
			b.index[t] = make(map[string]*Client)
		}
		b.index[t][client.ID] = client
	}
	b.mu.Unlock()

	telemetry.Counter("jobriver.bus.connects", "kind", kind)
	if b.logger != nil {
		b.logger.Info("Client subscribed", map[string]interface{}{
			"client_id": client.ID,
			"kind":      kind,
			"types":     len(subs),
		})
	}
	return client, nil
}

// Unsubscribe removes the client from every index and closes its channel.
func (b *Bus) Unsubscribe(clientID string) error {
	b.mu.Lock()
	client, ok := b.clients[clientID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("client %s: %w", clientID, core.ErrClientNotFound)
	}
	b.removeLocked(client)
	b.mu.Unlock()

	client.close()
	if b.logger != nil {
		b.logger.Info("Client unsubscribed", map[string]interface{}{"client_id": clientID})
	}
	return nil
}

// Touch records a heartbeat for the client.
func (b *Bus) Touch(clientID string) error {
	b.mu.RLock()
	client, ok := b.clients[clientID]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("client %s: %w", clientID, core.ErrClientNotFound)
	}
	client.Touch()
	return nil
}

// ClientCount reports the active client count.
func (b *Bus) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Stats snapshots the bus counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published:      b.published.Load(),
		Delivered:      b.delivered.Load(),
		DroppedLimited: b.droppedLimited.Load(),
		Expired:        b.expired.Load(),
		RejectedFull:   b.rejectedFull.Load(),
		Evicted:        b.evicted.Load(),
		Clients:        b.ClientCount(),
	}
}

// removeLocked detaches the client from the maps. Caller holds b.mu.
func (b *Bus) removeLocked(client *Client) {
	delete(b.clients, client.ID)
	for t := range client.subscriptions {
		if set := b.index[t]; set != nil {
			delete(set, client.ID)
			if len(set) == 0 {
				delete(b.index, t)
			}
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Dispatch
// ═══════════════════════════════════════════════════════════════════════════

// dispatchLoop consumes the queue in batches of up to BatchSize, flushing
// partial batches on BatchTimeout, and fans each batch out priority first.
func (b *Bus) dispatchLoop(ctx context.Context) {
	defer b.wg.Done()

	batch := make([]*core.SyncEvent, 0, b.config.BatchSize)
	timer := time.NewTimer(b.config.BatchTimeout)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		b.dispatchBatch(batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case event := <-b.queue:
			batch = append(batch, event)
			if len(batch) >= b.config.BatchSize {
				flush()
			}
		case <-timer.C:
			flush()
			timer.Reset(b.config.BatchTimeout)
		}
	}
}

func (b *Bus) dispatchBatch(batch []*core.SyncEvent) {
	// Stable sort keeps emit order inside a priority class
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].Priority > batch[j].Priority
	})

	now := time.Now()
	for _, event := range batch {
		if event.TTL > 0 && now.Sub(event.Timestamp) > event.TTL {
			b.expired.Add(1)
			telemetry.Counter("jobriver.bus.expired", "type", string(event.Type))
			continue
		}
		b.fanOut(event)
	}
}

// fanOut delivers one event to its target set: the explicit target list
// when present, otherwise every subscriber of its type plus wildcards.
func (b *Bus) fanOut(event *core.SyncEvent) {
	b.mu.RLock()
	var targets []*Client
	if len(event.Targets) > 0 {
		for _, id := range event.Targets {
			if c, ok := b.clients[id]; ok {
				targets = append(targets, c)
			}
		}
	} else {
		seen := make(map[string]bool)
		for _, c := range b.index[event.Type] {
			if !seen[c.ID] {
				seen[c.ID] = true
				targets = append(targets, c)
			}
		}
		for _, c := range b.index[Wildcard] {
			if !seen[c.ID] {
				seen[c.ID] = true
				targets = append(targets, c)
			}
		}
	}
	b.mu.RUnlock()

	for _, client := range targets {
		if client.deliver(event) {
			b.delivered.Add(1)
		} else {
			b.droppedLimited.Add(1)
			telemetry.Counter("jobriver.bus.events_dropped", "kind", client.Kind)
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Heartbeats
// ═══════════════════════════════════════════════════════════════════════════

func (b *Bus) heartbeatLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			b.evictStale(now)
		}
	}
}

func (b *Bus) evictStale(now time.Time) {
	b.mu.Lock()
	var stale []*Client
	for _, client := range b.clients {
		if client.expired(b.config.ClientTimeout, now) {
			stale = append(stale, client)
			b.removeLocked(client)
		}
	}
	b.mu.Unlock()

	for _, client := range stale {
		client.close()
		b.evicted.Add(1)
		telemetry.Counter("jobriver.bus.evictions", "kind", client.Kind)
		if b.logger != nil {
			b.logger.Warn("Client evicted after heartbeat timeout", map[string]interface{}{
				"client_id": client.ID,
				"kind":      client.Kind,
			})
		}
	}
}
