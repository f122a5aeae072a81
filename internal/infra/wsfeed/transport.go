// Package wsfeed is a websocket transport for the subscription client.
package wsfeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"livedata_go/internal/domain"
	"livedata_go/internal/infra"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	maxRetries              = 10
	defaultHandshakeTimeout = 10 * time.Second
	defaultReadTimeout      = 60 * time.Second
)

var (
	errNotConnected = errors.New("not connected")
	errDisconnected = errors.New("connection closed before reply")
)

// Options configures a Transport.
type Options struct {
	URL   string
	Codec Codec // defaults to JSON
	// RequestsPerSecond paces subscribe and entitlement requests; zero means unlimited.
	RequestsPerSecond float64
	Burst             int
	HandshakeTimeout  time.Duration
	ReadTimeout       time.Duration
	Header            http.Header
	Metrics           *infra.Metrics
}

type replyFunc func(env Envelope, err error)

// Transport implements domain.Transport over a single websocket connection
// that is re-established with exponential backoff.
type Transport struct {
	opts    Options
	codec   Codec
	limiter *rate.Limiter

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	ready     chan struct{} // closed while connected

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]replyFunc

	channelsMu sync.RWMutex
	channels   map[string]domain.TickSink

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ domain.Transport = (*Transport)(nil)

// New creates a transport. Call Connect to start the connection loop.
func New(opts Options) *Transport {
	if opts.Codec == nil {
		opts.Codec = JSONCodec{}
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Transport{
		opts:     opts,
		codec:    opts.Codec,
		limiter:  rate.NewLimiter(limit, burst),
		ready:    make(chan struct{}),
		pending:  make(map[string]replyFunc),
		channels: make(map[string]domain.TickSink),
	}
}

// Connect starts the WebSocket connection loop
func (t *Transport) Connect(ctx context.Context) error {
	if t.opts.URL == "" {
		return &domain.ConfigError{Field: "transport.url", Err: errors.New("url is required")}
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go t.connectionLoop(ctx)
	return nil
}

// WaitConnected blocks until the connection is up or ctx is done.
func (t *Transport) WaitConnected(ctx context.Context) error {
	t.mu.RLock()
	ready := t.ready
	t.mu.RUnlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connected reports whether the connection is currently up.
func (t *Transport) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// connectionLoop handles connection and reconnection with exponential backoff
func (t *Transport) connectionLoop(ctx context.Context) {
	defer t.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Transport panic recovered", slog.Any("panic", r))
		}
	}()

	retryCount := 0
	for {
		select {
		case <-ctx.Done():
			slog.Info("Transport connection loop stopped")
			return
		default:
		}

		if err := t.connect(ctx); err != nil {
			slog.Warn("Live data connection failed",
				slog.Any("error", err),
				slog.Int("retry", retryCount),
			)

			delay := infra.CalculateBackoff(retryCount)
			retryCount++
			if retryCount > maxRetries {
				slog.Error("Max retries exceeded, resetting counter")
				retryCount = 0
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		// Connection successful, reset retry counter
		retryCount = 0

		// Read messages until error
		t.readLoop(ctx)
	}
}

func (t *Transport) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: t.opts.HandshakeTimeout}

	conn, _, err := dialer.DialContext(ctx, t.opts.URL, t.opts.Header)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	t.opts.Metrics.IncrementConnections()
	t.mu.Lock()
	t.conn = conn
	t.connected = true
	close(t.ready)
	t.mu.Unlock()

	// Tick channels survive reconnects
	if err := t.restartChannels(); err != nil {
		t.closeConnection()
		return fmt.Errorf("restart channels failed: %w", err)
	}

	slog.Info("Live data transport connected",
		slog.String("url", t.opts.URL),
		slog.String("codec", t.codec.Name()),
	)
	return nil
}

func (t *Transport) restartChannels() error {
	t.channelsMu.RLock()
	ids := make([]string, 0, len(t.channels))
	for id := range t.channels {
		ids = append(ids, id)
	}
	t.channelsMu.RUnlock()

	for _, id := range ids {
		if err := t.send(TypeStartChannel, "", ChannelMessage{Channel: id}); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		t.mu.RLock()
		conn := t.conn
		t.mu.RUnlock()
		if conn == nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(t.opts.ReadTimeout))

		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("Live data read failed", slog.Any("error", err))
			}
			t.closeConnection()
			return
		}
		t.handleMessage(msg)
	}
}

func (t *Transport) handleMessage(msg []byte) {
	env, err := t.codec.Decode(msg)
	if err != nil {
		slog.Warn("Dropping undecodable message", slog.Any("error", err))
		return
	}

	switch env.Type {
	case TypeTick:
		var tm TickMessage
		if err := t.codec.DecodeBody(env.Body, &tm); err != nil {
			slog.Warn("Dropping malformed tick", slog.Any("error", err))
			return
		}
		t.channelsMu.RLock()
		sink, ok := t.channels[tm.Channel]
		t.channelsMu.RUnlock()
		if !ok {
			return // unknown or stopped channel
		}
		sink(tm.Tick)

	case TypeSubscribeResult, TypeEntitlementResult:
		t.reply(env, nil)

	case TypeError:
		var em ErrorMessage
		if err := t.codec.DecodeBody(env.Body, &em); err != nil {
			em.Message = "unreadable error reply"
		}
		t.reply(env, fmt.Errorf("remote error: %s", em.Message))

	default:
		slog.Debug("Ignoring message", slog.String("type", env.Type))
	}
}

func (t *Transport) reply(env Envelope, err error) {
	t.pendingMu.Lock()
	fn, ok := t.pending[env.ID]
	delete(t.pending, env.ID)
	t.pendingMu.Unlock()

	if !ok {
		slog.Warn("Reply for unknown request", slog.String("id", env.ID), slog.String("type", env.Type))
		return
	}
	// Replies may issue further requests; keep the read loop free for ticks.
	go fn(env, err)
}

func (t *Transport) expect(id string, fn replyFunc) {
	t.pendingMu.Lock()
	t.pending[id] = fn
	t.pendingMu.Unlock()
}

func (t *Transport) forget(id string) {
	t.pendingMu.Lock()
	delete(t.pending, id)
	t.pendingMu.Unlock()
}

func (t *Transport) send(msgType, id string, body any) error {
	data, err := t.codec.Encode(msgType, id, body)
	if err != nil {
		return err
	}
	return t.threadSafeWrite(data)
}

func (t *Transport) threadSafeWrite(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil {
		return domain.NewNetworkError("write", errNotConnected)
	}
	if err := t.conn.WriteMessage(t.codec.FrameType(), data); err != nil {
		return &domain.NetworkError{Op: "write", Err: err, Retriable: true}
	}
	return nil
}

func (t *Transport) closeConnection() {
	t.mu.Lock()
	wasConnected := t.connected
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.connected = false
	if wasConnected {
		t.ready = make(chan struct{})
	}
	t.mu.Unlock()

	if wasConnected {
		t.opts.Metrics.DecrementConnections()
	}

	// Outstanding replies will never arrive on this connection.
	t.pendingMu.Lock()
	orphans := t.pending
	t.pending = make(map[string]replyFunc)
	t.pendingMu.Unlock()
	for _, fn := range orphans {
		fn(Envelope{}, &domain.NetworkError{Op: "read", Err: errDisconnected, Retriable: true})
	}
}

// Disconnect stops the connection loop and closes the socket.
func (t *Transport) Disconnect() {
	if t.cancel != nil {
		t.cancel()
	}
	t.closeConnection()
	t.wg.Wait()
}

// ======================================================================================
// domain.SubscriptionTransport
// ======================================================================================

// RequestSubscriptions sends req. onResponse runs once on its own goroutine when
// the reply arrives, or with a NetworkError if the connection drops first.
func (t *Transport) RequestSubscriptions(ctx context.Context, req domain.SubscriptionRequest, onResponse domain.ResponseFunc) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}

	t.expect(req.CorrelationID, func(env Envelope, err error) {
		if err != nil {
			onResponse(domain.SubscriptionResponse{}, err)
			return
		}
		var resp domain.SubscriptionResponse
		if err := t.codec.DecodeBody(env.Body, &resp); err != nil {
			onResponse(domain.SubscriptionResponse{}, fmt.Errorf("decode subscribe_result: %w", err))
			return
		}
		onResponse(resp, nil)
	})

	if err := t.send(TypeSubscribe, req.CorrelationID, req); err != nil {
		t.forget(req.CorrelationID)
		return err
	}
	return nil
}

// StartTickChannel registers sink for channelID. Starting a running channel
// only replaces its sink.
func (t *Transport) StartTickChannel(_ context.Context, channelID string, sink domain.TickSink) error {
	t.channelsMu.Lock()
	_, running := t.channels[channelID]
	t.channels[channelID] = sink
	t.channelsMu.Unlock()
	if running {
		return nil
	}

	if err := t.send(TypeStartChannel, "", ChannelMessage{Channel: channelID}); err != nil {
		t.channelsMu.Lock()
		delete(t.channels, channelID)
		t.channelsMu.Unlock()
		return err
	}
	return nil
}

// StopTickChannel stops delivery locally and asks the server to stop sending.
// Stopping an unknown channel is a no-op.
func (t *Transport) StopTickChannel(_ context.Context, channelID string) error {
	t.channelsMu.Lock()
	_, running := t.channels[channelID]
	delete(t.channels, channelID)
	t.channelsMu.Unlock()
	if !running {
		return nil
	}
	return t.send(TypeStopChannel, "", ChannelMessage{Channel: channelID})
}

// ======================================================================================
// domain.HeartbeatTransport / domain.EntitlementChecker
// ======================================================================================

// SendHeartbeat lists the client's active keys.
func (t *Transport) SendHeartbeat(_ context.Context, keys []domain.Key) error {
	return t.send(TypeHeartbeat, "", HeartbeatMessage{Keys: keys})
}

// CheckEntitlement asks the server which of keys user may access and waits for the answer.
func (t *Transport) CheckEntitlement(ctx context.Context, user domain.User, keys []domain.Key) (map[domain.Key]bool, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	type outcome struct {
		granted []domain.Key
		err     error
	}
	done := make(chan outcome, 1)
	id := uuid.NewString()

	t.expect(id, func(env Envelope, err error) {
		if err != nil {
			done <- outcome{err: err}
			return
		}
		var res EntitlementResult
		if err := t.codec.DecodeBody(env.Body, &res); err != nil {
			done <- outcome{err: fmt.Errorf("decode entitlement_result: %w", err)}
			return
		}
		done <- outcome{granted: res.Granted}
	})

	if err := t.send(TypeEntitlement, id, EntitlementMessage{User: user, Keys: keys}); err != nil {
		t.forget(id)
		return nil, err
	}

	select {
	case out := <-done:
		if out.err != nil {
			return nil, out.err
		}
		allowed := make(map[domain.Key]bool, len(keys))
		for _, k := range keys {
			allowed[k] = false
		}
		for _, k := range out.granted {
			allowed[k] = true
		}
		return allowed, nil
	case <-ctx.Done():
		t.forget(id)
		return nil, ctx.Err()
	}
}
