package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"livedata_go/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var (
	k1    = domain.NewKey("AAPL", "OG")
	k2    = domain.NewKey("MSFT", "OG")
	alice = domain.User{Name: "alice", Host: "desk-1"}
)

func mkTick(key domain.Key, seq uint64) domain.Tick {
	return domain.Tick{
		Key:      key,
		Sequence: seq,
		Fields:   map[string]decimal.Decimal{"last": decimal.NewFromInt(int64(seq))},
	}
}

type pendingRequest struct {
	req     domain.SubscriptionRequest
	respond domain.ResponseFunc
}

// succeed answers every requested key successfully: streaming requests on
// channel, snapshot requests with snaps (missing keys get sequence 1).
func (p pendingRequest) succeed(channel string, snaps ...domain.Tick) {
	bySnap := make(map[domain.Key]domain.Tick, len(snaps))
	for _, s := range snaps {
		bySnap[s.Key] = s
	}
	resp := domain.SubscriptionResponse{CorrelationID: p.req.CorrelationID}
	for _, k := range p.req.Keys {
		e := domain.KeyResponse{Key: k, Outcome: domain.OutcomeSuccess}
		switch p.req.Kind {
		case domain.KindStreaming:
			e.ChannelID = channel
		case domain.KindSnapshot:
			s, ok := bySnap[k]
			if !ok {
				s = mkTick(k, 1)
			}
			e.Snapshot = &s
		}
		resp.Entries = append(resp.Entries, e)
	}
	p.respond(resp, nil)
}

type fakeTransport struct {
	requests chan pendingRequest

	mu       sync.Mutex
	sinks    map[string]domain.TickSink
	starts   map[string]int
	stops    map[string]int
	startErr error
	reqErr   error

	// stopGate, when set, holds StopTickChannel until closed.
	// stopEntered receives the channel id of each held stop.
	stopGate    chan struct{}
	stopEntered chan string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		requests: make(chan pendingRequest, 64),
		sinks:    make(map[string]domain.TickSink),
		starts:   make(map[string]int),
		stops:    make(map[string]int),
	}
}

func (f *fakeTransport) RequestSubscriptions(_ context.Context, req domain.SubscriptionRequest, onResponse domain.ResponseFunc) error {
	f.mu.Lock()
	err := f.reqErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.requests <- pendingRequest{req: req, respond: onResponse}
	return nil
}

func (f *fakeTransport) StartTickChannel(_ context.Context, channelID string, sink domain.TickSink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.starts[channelID]++
	f.sinks[channelID] = sink
	return nil
}

func (f *fakeTransport) StopTickChannel(_ context.Context, channelID string) error {
	if f.stopGate != nil {
		f.stopEntered <- channelID
		<-f.stopGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops[channelID]++
	delete(f.sinks, channelID)
	return nil
}

func (f *fakeTransport) holdStops() {
	f.stopGate = make(chan struct{})
	f.stopEntered = make(chan string, 8)
}

func (f *fakeTransport) hasSink(channel string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sinks[channel] != nil
}

func (f *fakeTransport) push(t *testing.T, channel string, ticks ...domain.Tick) {
	t.Helper()
	f.mu.Lock()
	sink := f.sinks[channel]
	f.mu.Unlock()
	require.NotNil(t, sink, "channel %s not started", channel)
	for _, tick := range ticks {
		sink(tick)
	}
}

func (f *fakeTransport) next(t *testing.T) pendingRequest {
	t.Helper()
	select {
	case p := <-f.requests:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no request sent")
		return pendingRequest{}
	}
}

func (f *fakeTransport) count(m map[string]int, channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return m[channel]
}

func (f *fakeTransport) startCount(channel string) int { return f.count(f.starts, channel) }
func (f *fakeTransport) stopCount(channel string) int  { return f.count(f.stops, channel) }

type fakeEntitlements struct {
	denied map[domain.Key]bool
	err    error
}

func (f fakeEntitlements) CheckEntitlement(_ context.Context, _ domain.User, keys []domain.Key) (map[domain.Key]bool, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[domain.Key]bool, len(keys))
	for _, k := range keys {
		out[k] = !f.denied[k]
	}
	return out, nil
}

type fakeHeartbeats struct {
	mu   sync.Mutex
	sent [][]domain.Key
}

func (f *fakeHeartbeats) SendHeartbeat(_ context.Context, keys []domain.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, keys)
	return nil
}

func (f *fakeHeartbeats) last() []domain.Key {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

var errBrokerDown = errors.New("broker down")

type event struct {
	kind   string
	result domain.Result
	tick   domain.Tick
	key    domain.Key
}

// recorder is a Listener that keeps every callback in arrival order.
type recorder struct {
	mu  sync.Mutex
	evs []event
}

func newRecorder() *recorder { return &recorder{} }

func (r *recorder) add(e event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, e)
}

func (r *recorder) OnResult(res domain.Result) { r.add(event{kind: "result", result: res}) }
func (r *recorder) OnTick(t domain.Tick)       { r.add(event{kind: "tick", tick: t}) }
func (r *recorder) OnStopped(k domain.Key)     { r.add(event{kind: "stopped", key: k}) }

func (r *recorder) events() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event(nil), r.evs...)
}

func (r *recorder) results() []domain.Result {
	var out []domain.Result
	for _, e := range r.events() {
		if e.kind == "result" {
			out = append(out, e.result)
		}
	}
	return out
}

func (r *recorder) resultFor(key domain.Key) (domain.Result, bool) {
	for _, res := range r.results() {
		if res.Key == key {
			return res, true
		}
	}
	return domain.Result{}, false
}

func (r *recorder) tickSeqs() []uint64 {
	var out []uint64
	for _, e := range r.events() {
		if e.kind == "tick" {
			out = append(out, e.tick.Sequence)
		}
	}
	return out
}

func (r *recorder) stopped() int {
	n := 0
	for _, e := range r.events() {
		if e.kind == "stopped" {
			n++
		}
	}
	return n
}

func (r *recorder) waitResults(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.results()) >= n }, 2*time.Second, 5*time.Millisecond)
}
