package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"livedata_go/internal/domain"
	"livedata_go/internal/infra"
)

// Phase is the position of a Handle in the subscription handshake.
type Phase int

const (
	PhaseCreated          Phase = iota // request sent, no response yet
	PhaseAwaitingTicks                 // streaming subscription acknowledged, tick channel starting
	PhaseAwaitingSnapshot              // snapshot requested
	PhaseLive                          // resolved successfully, ticks forwarded to the listener
	PhaseResolved                      // terminal
)

// String returns the string representation of Phase
func (p Phase) String() string {
	switch p {
	case PhaseCreated:
		return "CREATED"
	case PhaseAwaitingTicks:
		return "AWAITING_TICKS"
	case PhaseAwaitingSnapshot:
		return "AWAITING_SNAPSHOT"
	case PhaseLive:
		return "LIVE"
	case PhaseResolved:
		return "RESOLVED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the handle has produced its result.
func (p Phase) Terminal() bool {
	return p == PhaseLive || p == PhaseResolved
}

// holding reports whether ticks received in this phase are buffered.
func (p Phase) holding() bool {
	return p == PhaseCreated || p == PhaseAwaitingTicks || p == PhaseAwaitingSnapshot
}

type handleEvent int

const (
	evSubscribed handleEvent = iota + 1
	evSnapshotRequested
	evSucceeded
	evFailed
)

func (e handleEvent) String() string {
	switch e {
	case evSubscribed:
		return "subscribed"
	case evSnapshotRequested:
		return "snapshot-requested"
	case evSucceeded:
		return "succeeded"
	case evFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var errIllegalTransition = errors.New("illegal handle transition")

// next is the handle transition table.
// Snapshot-only handles never pass through PhaseAwaitingTicks and never go live.
func (p Phase) next(kind domain.RequestKind, ev handleEvent) (Phase, error) {
	if p.Terminal() {
		return p, domain.ErrAlreadyResolved
	}
	switch ev {
	case evSubscribed:
		if p == PhaseCreated && kind == domain.KindStreaming {
			return PhaseAwaitingTicks, nil
		}
	case evSnapshotRequested:
		if (p == PhaseCreated && kind == domain.KindSnapshot) || p == PhaseAwaitingTicks {
			return PhaseAwaitingSnapshot, nil
		}
	case evSucceeded:
		if p == PhaseAwaitingSnapshot {
			if kind == domain.KindStreaming {
				return PhaseLive, nil
			}
			return PhaseResolved, nil
		}
	case evFailed:
		return PhaseResolved, nil
	}
	return p, fmt.Errorf("%w: %s on %s %s", errIllegalTransition, ev, kind, p)
}

// playback decides what a new listener sees once the snapshot has arrived.
//
// Without a reset in held, the snapshot seeds the listener and only ticks newer
// than it are released. With resets, the last reset supersedes the snapshot and
// everything before it; the reset and every later tick are released in receipt order.
func playback(snapshot *domain.Tick, held []domain.Tick) (initial *domain.Tick, release []domain.Tick, discarded int) {
	if snapshot == nil {
		return nil, nil, len(held)
	}

	lastReset := -1
	for i := range held {
		if held[i].IsReset() {
			lastReset = i
		}
	}
	if lastReset >= 0 {
		release = append(release, held[lastReset:]...)
		return nil, release, lastReset + 1
	}

	for _, t := range held {
		if t.Sequence > snapshot.Sequence {
			release = append(release, t)
		} else {
			discarded++
		}
	}
	return snapshot, release, discarded
}

// Handle tracks one (key, requester) pair through the handshake.
// Ticks are buffered until the snapshot arrives; a successful streaming handle
// then stays registered with the distributor and forwards ticks to its listener.
// All state is guarded by the handle's own lock, never the client's.
type Handle struct {
	key      domain.Key
	user     domain.User
	kind     domain.RequestKind
	listener domain.Listener
	metrics  *infra.Metrics
	created  time.Time

	mu        sync.Mutex
	phase     Phase
	channelID string
	held      []domain.Tick
	snapshot  *domain.Tick
	resolved  bool
	lastSeq   uint64

	stopped atomic.Bool
}

func newHandle(key domain.Key, user domain.User, kind domain.RequestKind, listener domain.Listener, metrics *infra.Metrics) *Handle {
	return &Handle{
		key:      key,
		user:     user,
		kind:     kind,
		listener: listener,
		metrics:  metrics,
		created:  time.Now(),
		phase:    PhaseCreated,
	}
}

// Key returns the requested key.
func (h *Handle) Key() domain.Key { return h.key }

// Kind returns the request kind.
func (h *Handle) Kind() domain.RequestKind { return h.kind }

// Phase returns the current phase.
func (h *Handle) Phase() Phase {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.phase
}

// ChannelID returns the tick channel bound by a successful streaming response.
func (h *Handle) ChannelID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.channelID
}

func (h *Handle) advanceLocked(ev handleEvent) error {
	next, err := h.phase.next(h.kind, ev)
	if err != nil {
		return err
	}
	h.phase = next
	return nil
}

// markSubscribed records the tick channel of an acknowledged streaming subscription.
func (h *Handle) markSubscribed(channelID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.advanceLocked(evSubscribed); err != nil {
		return err
	}
	h.channelID = channelID
	return nil
}

// markSnapshotRequested moves the handle into the snapshot wait.
func (h *Handle) markSnapshotRequested() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.advanceLocked(evSnapshotRequested)
}

// HoldTick buffers tick until the handle resolves. Once live, the tick is
// forwarded to the listener unless it is older than what was already delivered.
// Ticks reaching a resolved or snapshot-only handle are dropped.
func (h *Handle) HoldTick(tick domain.Tick) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case h.phase.holding():
		if h.kind != domain.KindStreaming {
			return
		}
		h.held = append(h.held, tick)
		h.metrics.RecordTicksHeld(1)
	case h.phase == PhaseLive:
		if h.stopped.Load() {
			return
		}
		if !tick.IsReset() && tick.Sequence <= h.lastSeq {
			return
		}
		h.lastSeq = tick.Sequence
		h.listener.OnTick(tick)
	}
}

// OnTick lets a live handle sit in the distributor in place of its listener.
func (h *Handle) OnTick(tick domain.Tick) {
	h.HoldTick(tick)
}

// HoldSnapshot stores the snapshot for playback.
// A second snapshot before playback is a protocol bug and panics.
func (h *Handle) HoldSnapshot(snapshot domain.Tick) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.phase.Terminal() {
		return domain.ErrAlreadyResolved
	}
	if h.snapshot != nil {
		panic(fmt.Sprintf("HANDLE_DUPLICATE_SNAPSHOT: key=%s seq=%d", h.key, snapshot.Sequence))
	}
	s := snapshot.Clone()
	h.snapshot = &s
	return nil
}

func (h *Handle) takeHeldLocked() (*domain.Tick, []domain.Tick) {
	initial, release, discarded := playback(h.snapshot, h.held)
	h.held = nil
	h.snapshot = nil
	h.metrics.RecordPlayback(len(release), discarded)
	if initial != nil {
		h.lastSeq = initial.Sequence
	}
	return initial, release
}

func (h *Handle) deliverLocked(ticks []domain.Tick) {
	for _, t := range ticks {
		h.lastSeq = t.Sequence
		h.listener.OnTick(t)
	}
}

// Resolve invokes the listener's result callback exactly once.
// Later calls return ErrAlreadyResolved and do nothing.
func (h *Handle) Resolve(result domain.Result) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resolveLocked(result)
}

func (h *Handle) resolveLocked(result domain.Result) error {
	if h.resolved {
		return domain.ErrAlreadyResolved
	}
	h.resolved = true
	if !result.OK() {
		h.phase = PhaseResolved
		h.held = nil
		h.snapshot = nil
	}
	h.metrics.RecordResult(result.Outcome)
	h.metrics.RecordHandshake(time.Since(h.created))
	h.listener.OnResult(result)
	return nil
}

// fail resolves the handle with a failure outcome.
func (h *Handle) fail(outcome domain.Outcome, message string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.advanceLocked(evFailed); err != nil {
		return err
	}
	return h.resolveLocked(domain.Failure(h.key, outcome, message))
}

// finishSnapshot resolves a snapshot-only handle with its held snapshot.
func (h *Handle) finishSnapshot() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.advanceLocked(evSucceeded); err != nil {
		return err
	}
	snap := h.snapshot
	h.snapshot = nil
	h.held = nil
	return h.resolveLocked(domain.Result{Key: h.key, Outcome: domain.OutcomeSuccess, Snapshot: snap})
}

// goLive resolves a streaming handle successfully. promote runs under the
// handle lock so no tick reaches the listener before its result and playback;
// it reports whether the listener was newly registered. An already registered
// listener receives a success result without snapshot and no replay, since it
// is receiving live ticks.
func (h *Handle) goLive(promote func() bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.advanceLocked(evSucceeded); err != nil {
		return err
	}

	fresh := promote()
	initial, release := h.takeHeldLocked()
	if !fresh {
		// The listener already follows live ticks past this image.
		h.phase = PhaseResolved
		initial = nil
		release = nil
	}

	if err := h.resolveLocked(domain.Result{Key: h.key, Outcome: domain.OutcomeSuccess, Snapshot: initial}); err != nil {
		slog.Error("Live handle was already resolved", slog.String("key", h.key.String()))
		return err
	}
	h.deliverLocked(release)
	return nil
}

// stop detaches a live handle from its listener. It does not take the handle
// lock, so it is safe to call from inside a listener callback.
func (h *Handle) stop() {
	h.stopped.Store(true)
}
