// Package engine implements the client side of the live data subscription
// protocol: batched requests, the subscribe-then-snapshot handshake, tick
// buffering and the hand-off of live subscriptions to the distributor.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"livedata_go/internal/distributor"
	"livedata_go/internal/domain"
	"livedata_go/internal/heartbeat"
	"livedata_go/internal/infra"

	"github.com/google/uuid"
)

// DefaultSnapshotTimeout bounds Snapshot calls made with a non-positive timeout.
const DefaultSnapshotTimeout = 10 * time.Second

// Options configures a Client.
type Options struct {
	// Transport carries requests and tick channels. Required.
	Transport domain.SubscriptionTransport
	// Heartbeats receives the periodic active key list. Nil disables heartbeats.
	Heartbeats domain.HeartbeatTransport
	// Entitlements pre-checks keys before they are requested. Nil allows everything.
	Entitlements domain.EntitlementChecker
	// Metrics is optional.
	Metrics *infra.Metrics

	HeartbeatPeriod time.Duration
	SnapshotTimeout time.Duration
}

type registration struct {
	key      domain.Key
	listener domain.Listener
}

// Client is the subscription coordinator. It owns the pending handle table,
// the live registrations and the tick channel bookkeeping; each Client has its own.
type Client struct {
	transport    domain.SubscriptionTransport
	entitlements domain.EntitlementChecker
	distributor  *distributor.Distributor
	heartbeat    *heartbeat.Sender
	metrics      *infra.Metrics
	opts         Options
	newID        func() string

	ctx    context.Context
	cancel context.CancelFunc

	// startMu serializes starting and stopping tick channels so a batch never
	// requests snapshots on a channel another batch is still starting, and a
	// late stop never tears down a channel that was bound again.
	startMu sync.Mutex

	// mu guards the tables below and every move of a handle between pending and the distributor.
	// It is never held while a listener is called.
	mu          sync.RWMutex
	pending     map[domain.Key]map[*Handle]struct{}
	active      map[registration]*Handle
	bound       map[*Handle]string // handle -> tick channel it holds a reference on
	channelRefs map[string]int
	closed      bool
}

// NewClient creates a coordinator over the given transport.
func NewClient(opts Options) (*Client, error) {
	if opts.Transport == nil {
		return nil, &domain.ConfigError{Field: "transport", Err: errors.New("transport is required")}
	}
	if opts.SnapshotTimeout <= 0 {
		opts.SnapshotTimeout = DefaultSnapshotTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		transport:    opts.Transport,
		entitlements: opts.Entitlements,
		distributor:  distributor.New(),
		metrics:      opts.Metrics,
		opts:         opts,
		newID:        uuid.NewString,
		ctx:          ctx,
		cancel:       cancel,
		pending:      make(map[domain.Key]map[*Handle]struct{}),
		active:       make(map[registration]*Handle),
		bound:        make(map[*Handle]string),
		channelRefs:  make(map[string]int),
	}
	if opts.Heartbeats != nil {
		c.heartbeat = heartbeat.NewSender(c.distributor, opts.Heartbeats, opts.HeartbeatPeriod, opts.Metrics)
	}
	return c, nil
}

// Start launches the heartbeat sender. Subscriptions work without it, but the
// server may expire them.
func (c *Client) Start(ctx context.Context) {
	if c.heartbeat != nil {
		c.heartbeat.Start(ctx)
	}
}

// Close stops heartbeats and fails every pending handle with an internal error.
// Live subscriptions are left to the server's expiry.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	var orphans []*Handle
	for _, set := range c.pending {
		for h := range set {
			orphans = append(orphans, h)
		}
	}
	c.pending = make(map[domain.Key]map[*Handle]struct{})
	c.mu.Unlock()

	c.metrics.AddPending(-len(orphans))
	c.cancel()
	if c.heartbeat != nil {
		c.heartbeat.Stop()
	}
	for _, h := range orphans {
		h.fail(domain.OutcomeInternalError, "client closed")
	}
	slog.Info("Subscription client closed", slog.Int("orphaned", len(orphans)))
}

// Distributor exposes the fan-out table, mainly for inspection.
func (c *Client) Distributor() *distributor.Distributor {
	return c.distributor
}

// ActiveKeys returns the keys with at least one live listener.
func (c *Client) ActiveKeys() []domain.Key {
	return c.distributor.ActiveKeys()
}

// PendingCount returns the number of handles awaiting a response.
func (c *Client) PendingCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, set := range c.pending {
		n += len(set)
	}
	return n
}

// Subscribe requests streaming subscriptions for keys on behalf of user.
// It returns immediately; listener receives exactly one OnResult per distinct
// key, then OnTick for every update of each key that succeeded.
func (c *Client) Subscribe(user domain.User, keys []domain.Key, listener domain.Listener) error {
	if listener == nil {
		return errors.New("subscribe: nil listener")
	}
	handles, err := c.register(user, domain.KindStreaming, uniqueKeys(keys), listener)
	if err != nil {
		return err
	}
	c.goDispatch(user, domain.KindStreaming, handles)
	return nil
}

// Unsubscribe removes listener from keys. A tick channel nothing else uses is
// cancelled asynchronously, and when a key loses its last listener the listener
// is told OnStopped. Keys the listener never had live are ignored.
func (c *Client) Unsubscribe(user domain.User, keys []domain.Key, listener domain.Listener) {
	for _, key := range uniqueKeys(keys) {
		reg := registration{key: key, listener: listener}

		c.mu.Lock()
		h, ok := c.active[reg]
		if !ok {
			c.mu.Unlock()
			continue
		}
		delete(c.active, reg)
		stillActive := c.distributor.RemoveListener(key, h)
		channel := c.unbindLocked(h)
		c.mu.Unlock()

		h.stop()
		slog.Debug("Listener removed",
			slog.String("key", key.String()),
			slog.String("user", user.String()),
			slog.Bool("still_active", stillActive),
		)
		if channel != "" {
			c.stopChannelAsync(channel)
		}
		if !stillActive {
			listener.OnStopped(key)
		}
	}
}

// Snapshot requests one-off images of keys and blocks until every key has
// resolved, timeout elapses or ctx is done. On timeout no partial results are
// returned and the in-flight request is left to resolve late, unobserved.
func (c *Client) Snapshot(ctx context.Context, user domain.User, keys []domain.Key, timeout time.Duration) (map[domain.Key]domain.Result, error) {
	if timeout <= 0 {
		timeout = c.opts.SnapshotTimeout
	}
	keys = uniqueKeys(keys)
	if len(keys) == 0 {
		return map[domain.Key]domain.Result{}, nil
	}

	collector := newSnapshotCollector(len(keys))
	handles, err := c.register(user, domain.KindSnapshot, keys, collector)
	if err != nil {
		return nil, err
	}
	c.goDispatch(user, domain.KindSnapshot, handles)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-collector.done:
		return collector.results(), nil
	case <-timer.C:
		c.metrics.RecordTimeout()
		slog.Warn("Snapshot timed out",
			slog.Int("keys", len(keys)),
			slog.Duration("timeout", timeout),
		)
		return nil, fmt.Errorf("%w after %s (%d keys)", domain.ErrTimeout, timeout, len(keys))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// register creates one handle per key and records them as pending.
func (c *Client) register(user domain.User, kind domain.RequestKind, keys []domain.Key, listener domain.Listener) ([]*Handle, error) {
	handles := make([]*Handle, 0, len(keys))
	for _, key := range keys {
		handles = append(handles, newHandle(key, user, kind, listener, c.metrics))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, domain.ErrClosed
	}
	for _, h := range handles {
		set, ok := c.pending[h.key]
		if !ok {
			set = make(map[*Handle]struct{})
			c.pending[h.key] = set
		}
		set[h] = struct{}{}
	}
	c.metrics.AddPending(len(handles))
	return handles, nil
}

func (c *Client) removePendingLocked(h *Handle) bool {
	set, ok := c.pending[h.key]
	if !ok {
		return false
	}
	if _, ok := set[h]; !ok {
		return false
	}
	delete(set, h)
	if len(set) == 0 {
		delete(c.pending, h.key)
	}
	c.metrics.AddPending(-1)
	return true
}

// onTick routes a tick from a tick channel. Pending streaming handles buffer
// it; live handles registered in the distributor forward it.
func (c *Client) onTick(tick domain.Tick) {
	c.mu.RLock()
	set := c.pending[tick.Key]
	if len(set) == 0 {
		c.mu.RUnlock()
		c.distributor.NotifyListeners(tick)
		return
	}
	holders := make([]*Handle, 0, len(set))
	for h := range set {
		holders = append(holders, h)
	}
	// Both views are taken under the lock so a handle promoted concurrently is seen exactly once.
	live := c.distributor.Listeners(tick.Key)
	c.mu.RUnlock()

	for _, h := range holders {
		h.HoldTick(tick)
	}
	for _, l := range live {
		l.OnTick(tick)
	}
}

func uniqueKeys(keys []domain.Key) []domain.Key {
	seen := make(map[domain.Key]struct{}, len(keys))
	out := make([]domain.Key, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// snapshotCollector counts down the handles of one blocking Snapshot call.
type snapshotCollector struct {
	mu   sync.Mutex
	want int
	got  map[domain.Key]domain.Result
	done chan struct{}
}

func newSnapshotCollector(n int) *snapshotCollector {
	return &snapshotCollector{
		want: n,
		got:  make(map[domain.Key]domain.Result, n),
		done: make(chan struct{}),
	}
}

func (s *snapshotCollector) OnResult(result domain.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.got[result.Key]; dup {
		return
	}
	s.got[result.Key] = result
	if len(s.got) == s.want {
		close(s.done)
	}
}

func (s *snapshotCollector) OnTick(domain.Tick)   {}
func (s *snapshotCollector) OnStopped(domain.Key) {}

func (s *snapshotCollector) results() map[domain.Key]domain.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.Key]domain.Result, len(s.got))
	for k, v := range s.got {
		out[k] = v
	}
	return out
}
