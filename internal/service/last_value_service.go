package service

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"livedata_go/internal/domain"

	"github.com/shopspring/decimal"
)

// Store persists last values. storage.Storage implements it.
type Store interface {
	domain.LastValueRepository
	AllLastValues() ([]domain.Tick, error)
}

type persistOp struct {
	tick   domain.Tick
	delete bool
}

// LastValueService keeps the latest image of every subscribed key.
// It is a domain.Listener: hand it to Client.Subscribe.
type LastValueService struct {
	mu       sync.RWMutex
	values   map[domain.Key]*domain.Tick
	statuses map[domain.Key]domain.Result

	store    Store
	persistQ chan persistOp
	onUpdate func(domain.Tick)
}

// Option configures a LastValueService.
type Option func(*LastValueService)

// WithStore persists every image change through store.
func WithStore(store Store) Option {
	return func(s *LastValueService) { s.store = store }
}

// WithUpdateHook calls fn with the merged image after every change.
func WithUpdateHook(fn func(domain.Tick)) Option {
	return func(s *LastValueService) { s.onUpdate = fn }
}

// NewLastValueService creates a new LastValueService instance
func NewLastValueService(opts ...Option) *LastValueService {
	s := &LastValueService{
		values:   make(map[domain.Key]*domain.Tick),
		statuses: make(map[domain.Key]domain.Result),
		persistQ: make(chan persistOp, 1000), // 버스트 대응을 위한 충분한 버퍼
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Restore seeds the cache from the store, if one is configured.
func (s *LastValueService) Restore() (int, error) {
	if s.store == nil {
		return 0, nil
	}
	ticks, err := s.store.AllLastValues()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range ticks {
		t := ticks[i]
		s.values[t.Key] = &t
	}
	return len(ticks), nil
}

// StartPersister starts a background goroutine draining image changes into the store.
func (s *LastValueService) StartPersister(ctx context.Context) {
	if s.store == nil {
		return
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case op := <-s.persistQ:
				s.persist(op)
			}
		}
	}()
}

func (s *LastValueService) persist(op persistOp) {
	var err error
	if op.delete {
		err = s.store.DeleteLastValue(op.tick.Key)
	} else {
		err = s.store.SaveLastValue(op.tick)
	}
	if err != nil {
		slog.Warn("Failed to persist last value",
			slog.String("key", op.tick.Key.String()),
			slog.Any("error", err),
		)
	}
}

func (s *LastValueService) enqueue(op persistOp) {
	if s.store == nil {
		return
	}
	select {
	case s.persistQ <- op:
	default: // DROP: the next update rewrites the image
		slog.Warn("Last value persist queue full", slog.String("key", op.tick.Key.String()))
	}
}

// OnResult records the outcome and seeds the image from the snapshot.
func (s *LastValueService) OnResult(result domain.Result) {
	s.mu.Lock()
	s.statuses[result.Key] = result
	if !result.OK() || result.Snapshot == nil {
		s.mu.Unlock()
		if !result.OK() {
			slog.Warn("Subscription rejected",
				slog.String("key", result.Key.String()),
				slog.String("outcome", result.Outcome.String()),
				slog.String("message", result.Message),
			)
		}
		return
	}
	img := result.Snapshot.Clone()
	s.values[result.Key] = &img
	s.mu.Unlock()

	s.changed(img)
}

// OnTick merges tick into the image. A reset replaces it.
func (s *LastValueService) OnTick(tick domain.Tick) {
	s.mu.Lock()
	img := mergeTick(s.values[tick.Key], tick)
	s.values[tick.Key] = img
	out := img.Clone()
	s.mu.Unlock()

	s.changed(out)
}

// OnStopped drops the image of a key that is no longer subscribed.
func (s *LastValueService) OnStopped(key domain.Key) {
	s.mu.Lock()
	delete(s.values, key)
	delete(s.statuses, key)
	s.mu.Unlock()

	s.enqueue(persistOp{tick: domain.Tick{Key: key}, delete: true})
}

func (s *LastValueService) changed(img domain.Tick) {
	s.enqueue(persistOp{tick: img})
	if s.onUpdate != nil {
		s.onUpdate(img)
	}
}

// mergeTick applies tick on top of img. Must be called with lock held
func mergeTick(img *domain.Tick, tick domain.Tick) *domain.Tick {
	if img == nil || tick.IsReset() {
		c := tick.Clone()
		return &c
	}
	if img.Fields == nil {
		img.Fields = make(map[string]decimal.Decimal, len(tick.Fields))
	}
	for name, v := range tick.Fields {
		img.Fields[name] = v
	}
	img.Sequence = tick.Sequence
	if !tick.Timestamp.IsZero() {
		img.Timestamp = tick.Timestamp
	}
	return img
}

// Get returns a copy of the image of key
func (s *LastValueService) Get(key domain.Key) (domain.Tick, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	img, ok := s.values[key]
	if !ok {
		return domain.Tick{}, false
	}
	return img.Clone(), true
}

// Status returns the subscription result recorded for key
func (s *LastValueService) Status(key domain.Key) (domain.Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.statuses[key]
	return r, ok
}

// All returns every image sorted by key
func (s *LastValueService) All() []domain.Tick {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Tick, 0, len(s.values))
	for _, img := range s.values {
		result = append(result, img.Clone())
	}

	// Sort by key for consistent ordering
	sort.Slice(result, func(i, j int) bool {
		return result[i].Key.String() < result[j].Key.String()
	})
	return result
}
