// Package heartbeat keeps server-side subscription state alive by periodically
// listing the client's active keys.
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"livedata_go/internal/domain"
	"livedata_go/internal/infra"
)

// DefaultPeriod is used when a non-positive period is configured.
const DefaultPeriod = 5 * time.Second

// KeySource reports the keys that currently have listeners.
type KeySource interface {
	ActiveKeys() []domain.Key
}

// Sender pushes the active key set through the transport on a fixed schedule.
// Send failures are logged and never stop the timer.
type Sender struct {
	source    KeySource
	transport domain.HeartbeatTransport
	period    time.Duration
	metrics   *infra.Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSender creates a heartbeat sender. metrics may be nil.
func NewSender(source KeySource, transport domain.HeartbeatTransport, period time.Duration, metrics *infra.Metrics) *Sender {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Sender{
		source:    source,
		transport: transport,
		period:    period,
		metrics:   metrics,
	}
}

// Period returns the heartbeat interval.
func (s *Sender) Period() time.Duration {
	return s.period
}

// Start begins sending heartbeats until ctx is cancelled or Stop is called.
// Calling Start on a running sender is a no-op.
func (s *Sender) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.period)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				slog.Debug("Heartbeat sender stopped")
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// tick sends one scheduled heartbeat. A panicking transport is treated like a
// failed send so the timer keeps running.
func (s *Sender) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.RecordHeartbeat(false)
			slog.Error("Heartbeat panic recovered", slog.Any("panic", r))
		}
	}()
	if err := s.SendOnce(ctx); err != nil {
		slog.Warn("Heartbeat send failed", slog.Any("error", err))
	}
}

// SendOnce sends one heartbeat for the current active keys.
// An empty key set sends nothing.
func (s *Sender) SendOnce(ctx context.Context) error {
	keys := s.source.ActiveKeys()
	if len(keys) == 0 {
		return nil
	}

	if err := s.transport.SendHeartbeat(ctx, keys); err != nil {
		s.metrics.RecordHeartbeat(false)
		return err
	}
	s.metrics.RecordHeartbeat(true)
	slog.Debug("Heartbeat sent", slog.Int("keys", len(keys)))
	return nil
}

// Stop halts the timer and waits for the sending goroutine to exit.
func (s *Sender) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
}
