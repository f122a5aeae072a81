package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"livedata_go/internal/domain"
	"livedata_go/internal/infra"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, f *fakeTransport, mutate ...func(*Options)) *Client {
	t.Helper()
	opts := Options{Transport: f, Metrics: &infra.Metrics{}}
	for _, m := range mutate {
		m(&opts)
	}
	c, err := NewClient(opts)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

// goLiveOn runs the full handshake for one listener and key on channel.
func goLiveOn(t *testing.T, c *Client, f *fakeTransport, l domain.Listener, key domain.Key, channel string, snapSeq uint64) {
	t.Helper()
	require.NoError(t, c.Subscribe(alice, []domain.Key{key}, l))
	sub := f.next(t)
	require.Equal(t, domain.KindStreaming, sub.req.Kind)
	sub.succeed(channel)
	snap := f.next(t)
	require.Equal(t, domain.KindSnapshot, snap.req.Kind)
	snap.succeed("", mkTick(key, snapSeq))
}

func TestNewClient_RequiresTransport(t *testing.T) {
	_, err := NewClient(Options{})
	var cfgErr *domain.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestClient_SubscribePlaysBackAfterSnapshot(t *testing.T) {
	f := newFakeTransport()
	c := newTestClient(t, f)
	l := newRecorder()

	require.NoError(t, c.Subscribe(alice, []domain.Key{k1}, l))
	sub := f.next(t)
	assert.Equal(t, []domain.Key{k1}, sub.req.Keys)
	assert.Equal(t, alice, sub.req.User)
	assert.NotEmpty(t, sub.req.CorrelationID)
	sub.succeed("c1")

	snap := f.next(t)
	assert.Equal(t, 1, f.startCount("c1"), "tick channel starts before the snapshot request")
	assert.Equal(t, domain.KindSnapshot, snap.req.Kind)

	f.push(t, "c1", mkTick(k1, 5), mkTick(k1, 6), mkTick(k1, 7))
	assert.Empty(t, l.events())

	snap.succeed("", mkTick(k1, 6))

	evs := l.events()
	require.Len(t, evs, 2)
	assert.Equal(t, "result", evs[0].kind)
	assert.True(t, evs[0].result.OK())
	require.NotNil(t, evs[0].result.Snapshot)
	assert.Equal(t, uint64(6), evs[0].result.Snapshot.Sequence)
	assert.Equal(t, []uint64{7}, l.tickSeqs())

	f.push(t, "c1", mkTick(k1, 8))
	assert.Equal(t, []uint64{7, 8}, l.tickSeqs())
	assert.Equal(t, []domain.Key{k1}, c.ActiveKeys())
	assert.Zero(t, c.PendingCount())
}

func TestClient_ResetSupersedesSnapshot(t *testing.T) {
	f := newFakeTransport()
	c := newTestClient(t, f)
	l := newRecorder()

	require.NoError(t, c.Subscribe(alice, []domain.Key{k1}, l))
	f.next(t).succeed("c1")
	snap := f.next(t)
	f.push(t, "c1", mkTick(k1, 9), mkTick(k1, domain.SeqReset), mkTick(k1, 1))
	snap.succeed("", mkTick(k1, 8))

	res, ok := l.resultFor(k1)
	require.True(t, ok)
	assert.True(t, res.OK())
	assert.Nil(t, res.Snapshot)
	assert.Equal(t, []uint64{0, 1}, l.tickSeqs())

	f.push(t, "c1", mkTick(k1, 2))
	assert.Equal(t, []uint64{0, 1, 2}, l.tickSeqs())
}

func TestClient_NoTickLostDuringHandshake(t *testing.T) {
	f := newFakeTransport()
	c := newTestClient(t, f)
	l := newRecorder()

	require.NoError(t, c.Subscribe(alice, []domain.Key{k1}, l))
	f.next(t).succeed("c1")
	snap := f.next(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for seq := uint64(1); seq <= 1000; seq++ {
			f.push(t, "c1", mkTick(k1, seq))
		}
	}()
	snap.succeed("", mkTick(k1, 500))
	<-done

	evs := l.events()
	require.NotEmpty(t, evs)
	assert.Equal(t, "result", evs[0].kind)

	want := make([]uint64, 0, 500)
	for seq := uint64(501); seq <= 1000; seq++ {
		want = append(want, seq)
	}
	assert.Equal(t, want, l.tickSeqs())
}

func TestClient_PartialFailure(t *testing.T) {
	f := newFakeTransport()
	c := newTestClient(t, f)
	l := newRecorder()

	require.NoError(t, c.Subscribe(alice, []domain.Key{k1, k2, k1}, l))
	sub := f.next(t)
	require.ElementsMatch(t, []domain.Key{k1, k2}, sub.req.Keys)
	sub.respond(domain.SubscriptionResponse{
		CorrelationID: sub.req.CorrelationID,
		Entries: []domain.KeyResponse{
			{Key: k1, Outcome: domain.OutcomeSuccess, ChannelID: "c1"},
			{Key: k2, Outcome: domain.OutcomeUnavailable, Message: "unknown ticker"},
		},
	}, nil)

	res, ok := l.resultFor(k2)
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeUnavailable, res.Outcome)
	assert.ErrorIs(t, res.Err(), domain.ErrUnavailable)

	snap := f.next(t)
	assert.Equal(t, []domain.Key{k1}, snap.req.Keys)
	snap.succeed("")

	res, ok = l.resultFor(k1)
	require.True(t, ok)
	assert.True(t, res.OK())
	assert.Len(t, l.results(), 2)
}

func TestClient_SnapshotFailureStopsOnlyItsChannel(t *testing.T) {
	f := newFakeTransport()
	c := newTestClient(t, f)
	l := newRecorder()

	require.NoError(t, c.Subscribe(alice, []domain.Key{k1, k2}, l))
	sub := f.next(t)
	sub.respond(domain.SubscriptionResponse{
		CorrelationID: sub.req.CorrelationID,
		Entries: []domain.KeyResponse{
			{Key: k1, Outcome: domain.OutcomeSuccess, ChannelID: "cA"},
			{Key: k2, Outcome: domain.OutcomeSuccess, ChannelID: "cB"},
		},
	}, nil)

	snap := f.next(t)
	require.ElementsMatch(t, []domain.Key{k1, k2}, snap.req.Keys)
	assert.Equal(t, 1, f.startCount("cA"))
	assert.Equal(t, 1, f.startCount("cB"))

	s1 := mkTick(k1, 2)
	snap.respond(domain.SubscriptionResponse{
		CorrelationID: snap.req.CorrelationID,
		Entries: []domain.KeyResponse{
			{Key: k1, Outcome: domain.OutcomeSuccess, Snapshot: &s1},
			{Key: k2, Outcome: domain.OutcomeUnavailable, Message: "no image"},
		},
	}, nil)

	resA, ok := l.resultFor(k1)
	require.True(t, ok)
	assert.True(t, resA.OK())
	resB, ok := l.resultFor(k2)
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeUnavailable, resB.Outcome)

	require.Eventually(t, func() bool { return f.stopCount("cB") == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, f.stopCount("cA"))

	f.push(t, "cA", mkTick(k1, 3))
	assert.Equal(t, []uint64{3}, l.tickSeqs())
	assert.Equal(t, []domain.Key{k1}, c.ActiveKeys())
}

func TestClient_MalformedResponseFailsBatch(t *testing.T) {
	tests := []struct {
		name   string
		mangle func(req domain.SubscriptionRequest) domain.SubscriptionResponse
	}{
		{"correlation mismatch", func(req domain.SubscriptionRequest) domain.SubscriptionResponse {
			return domain.SubscriptionResponse{CorrelationID: "other", Entries: []domain.KeyResponse{
				{Key: k1, Outcome: domain.OutcomeSuccess, ChannelID: "c1"},
				{Key: k2, Outcome: domain.OutcomeSuccess, ChannelID: "c1"},
			}}
		}},
		{"missing key", func(req domain.SubscriptionRequest) domain.SubscriptionResponse {
			return domain.SubscriptionResponse{CorrelationID: req.CorrelationID, Entries: []domain.KeyResponse{
				{Key: k1, Outcome: domain.OutcomeSuccess, ChannelID: "c1"},
			}}
		}},
		{"unexpected key", func(req domain.SubscriptionRequest) domain.SubscriptionResponse {
			return domain.SubscriptionResponse{CorrelationID: req.CorrelationID, Entries: []domain.KeyResponse{
				{Key: k1, Outcome: domain.OutcomeSuccess, ChannelID: "c1"},
				{Key: k2, Outcome: domain.OutcomeSuccess, ChannelID: "c1"},
				{Key: domain.NewKey("IBM", "OG"), Outcome: domain.OutcomeSuccess, ChannelID: "c1"},
			}}
		}},
		{"success without channel", func(req domain.SubscriptionRequest) domain.SubscriptionResponse {
			return domain.SubscriptionResponse{CorrelationID: req.CorrelationID, Entries: []domain.KeyResponse{
				{Key: k1, Outcome: domain.OutcomeSuccess, ChannelID: "c1"},
				{Key: k2, Outcome: domain.OutcomeSuccess},
			}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeTransport()
			c := newTestClient(t, f)
			l := newRecorder()

			require.NoError(t, c.Subscribe(alice, []domain.Key{k1, k2}, l))
			sub := f.next(t)
			sub.respond(tt.mangle(sub.req), nil)

			results := l.results()
			require.Len(t, results, 2)
			for _, r := range results {
				assert.Equal(t, domain.OutcomeInternalError, r.Outcome)
			}
			assert.Zero(t, f.startCount("c1"))
			assert.Zero(t, c.PendingCount())
		})
	}
}

func TestClient_TransportErrorFailsBatch(t *testing.T) {
	f := newFakeTransport()
	c := newTestClient(t, f)
	l := newRecorder()

	require.NoError(t, c.Subscribe(alice, []domain.Key{k1}, l))
	f.next(t).respond(domain.SubscriptionResponse{}, &domain.NetworkError{Op: "read", Err: errBrokerDown})

	res, ok := l.resultFor(k1)
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeInternalError, res.Outcome)
	assert.Contains(t, res.Message, "broker down")
}

func TestClient_StartChannelFailure(t *testing.T) {
	f := newFakeTransport()
	f.startErr = errBrokerDown
	c := newTestClient(t, f)
	l := newRecorder()

	require.NoError(t, c.Subscribe(alice, []domain.Key{k1}, l))
	f.next(t).succeed("c1")

	res, ok := l.resultFor(k1)
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeInternalError, res.Outcome)
	select {
	case p := <-f.requests:
		t.Fatalf("unexpected %s request after channel failure", p.req.Kind)
	default:
	}
}

func TestClient_EntitlementDenied(t *testing.T) {
	f := newFakeTransport()
	c := newTestClient(t, f, func(o *Options) {
		o.Entitlements = fakeEntitlements{denied: map[domain.Key]bool{k2: true}}
	})
	l := newRecorder()

	require.NoError(t, c.Subscribe(alice, []domain.Key{k1, k2}, l))
	sub := f.next(t)
	assert.Equal(t, []domain.Key{k1}, sub.req.Keys)

	res, ok := l.resultFor(k2)
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeNotAuthorized, res.Outcome)
}

func TestClient_EntitlementErrorFailsBatch(t *testing.T) {
	f := newFakeTransport()
	c := newTestClient(t, f, func(o *Options) {
		o.Entitlements = fakeEntitlements{err: errBrokerDown}
	})
	l := newRecorder()

	require.NoError(t, c.Subscribe(alice, []domain.Key{k1, k2}, l))
	l.waitResults(t, 2)
	for _, r := range l.results() {
		assert.Equal(t, domain.OutcomeInternalError, r.Outcome)
	}
	assert.Empty(t, f.requests)
}

func TestClient_UnsubscribeRefCounting(t *testing.T) {
	f := newFakeTransport()
	c := newTestClient(t, f)
	l1, l2 := newRecorder(), newRecorder()

	goLiveOn(t, c, f, l1, k1, "c1", 1)
	goLiveOn(t, c, f, l2, k1, "c1", 1)
	assert.Equal(t, 1, f.startCount("c1"))

	f.push(t, "c1", mkTick(k1, 2))
	assert.Equal(t, []uint64{2}, l1.tickSeqs())
	assert.Equal(t, []uint64{2}, l2.tickSeqs())

	c.Unsubscribe(alice, []domain.Key{k1}, l1)
	assert.Equal(t, []domain.Key{k1}, c.ActiveKeys())
	assert.Zero(t, l1.stopped())

	f.push(t, "c1", mkTick(k1, 3))
	assert.Equal(t, []uint64{2}, l1.tickSeqs())
	assert.Equal(t, []uint64{2, 3}, l2.tickSeqs())

	c.Unsubscribe(alice, []domain.Key{k1}, l2)
	assert.Empty(t, c.ActiveKeys())
	assert.Equal(t, 1, l2.stopped())
	require.Eventually(t, func() bool { return f.stopCount("c1") == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.stopCount("c1"))
}

func TestClient_ResubscribeDuringPendingStop(t *testing.T) {
	f := newFakeTransport()
	f.holdStops()
	c := newTestClient(t, f)
	l1, l2 := newRecorder(), newRecorder()

	goLiveOn(t, c, f, l1, k1, "c1", 1)
	c.Unsubscribe(alice, []domain.Key{k1}, l1)

	select {
	case ch := <-f.stopEntered:
		require.Equal(t, "c1", ch)
	case <-time.After(2 * time.Second):
		t.Fatal("stop not requested")
	}

	// The server hands the same channel to the next subscriber while the stop is in flight.
	require.NoError(t, c.Subscribe(alice, []domain.Key{k1}, l2))
	sub := f.next(t)
	acked := make(chan struct{})
	go func() {
		defer close(acked)
		sub.succeed("c1")
	}()

	close(f.stopGate)
	snap := f.next(t)
	<-acked
	snap.succeed("", mkTick(k1, 1))

	assert.Equal(t, 1, f.stopCount("c1"))
	assert.Equal(t, 2, f.startCount("c1"))
	require.True(t, f.hasSink("c1"), "live subscription lost its tick channel")
	assert.Equal(t, []domain.Key{k1}, c.ActiveKeys())

	f.push(t, "c1", mkTick(k1, 2))
	assert.Equal(t, []uint64{2}, l2.tickSeqs())
}

func TestClient_UnsubscribeUnknownIsNoop(t *testing.T) {
	f := newFakeTransport()
	c := newTestClient(t, f)
	l := newRecorder()

	c.Unsubscribe(alice, []domain.Key{k1}, l)
	assert.Empty(t, l.events())
	assert.Zero(t, f.stopCount("c1"))
}

func TestClient_UnsubscribeFromCallback(t *testing.T) {
	f := newFakeTransport()
	c := newTestClient(t, f)

	var l *callbackListener
	l = &callbackListener{recorder: newRecorder(), onTick: func(domain.Tick) {
		c.Unsubscribe(alice, []domain.Key{k1}, l)
	}}
	goLiveOn(t, c, f, l, k1, "c1", 1)

	f.push(t, "c1", mkTick(k1, 2), mkTick(k1, 3))
	assert.Equal(t, []uint64{2}, l.tickSeqs())
	assert.Equal(t, 1, l.stopped())
	assert.Empty(t, c.ActiveKeys())
}

type callbackListener struct {
	*recorder
	onTick func(domain.Tick)
}

func (l *callbackListener) OnTick(t domain.Tick) {
	l.recorder.OnTick(t)
	l.onTick(t)
}

func TestClient_ResubscribeSameListener(t *testing.T) {
	f := newFakeTransport()
	c := newTestClient(t, f)
	l := newRecorder()

	goLiveOn(t, c, f, l, k1, "c1", 1)
	f.push(t, "c1", mkTick(k1, 2))

	goLiveOn(t, c, f, l, k1, "c1", 2)
	results := l.results()
	require.Len(t, results, 2)
	assert.True(t, results[1].OK())
	assert.Nil(t, results[1].Snapshot, "an already live listener gets no stale image")
	assert.Len(t, c.Distributor().Listeners(k1), 1)

	f.push(t, "c1", mkTick(k1, 3))
	assert.Equal(t, []uint64{2, 3}, l.tickSeqs(), "no replay and no double delivery")

	c.Unsubscribe(alice, []domain.Key{k1}, l)
	assert.Empty(t, c.ActiveKeys())
	require.Eventually(t, func() bool { return f.stopCount("c1") == 1 }, time.Second, 5*time.Millisecond)
}

func TestClient_Snapshot(t *testing.T) {
	f := newFakeTransport()
	c := newTestClient(t, f)

	type outcome struct {
		res map[domain.Key]domain.Result
		err error
	}
	out := make(chan outcome, 1)
	go func() {
		res, err := c.Snapshot(context.Background(), alice, []domain.Key{k1, k2}, time.Second)
		out <- outcome{res, err}
	}()

	req := f.next(t)
	assert.Equal(t, domain.KindSnapshot, req.req.Kind)
	snap := mkTick(k1, 42)
	req.respond(domain.SubscriptionResponse{
		CorrelationID: req.req.CorrelationID,
		Entries: []domain.KeyResponse{
			{Key: k1, Outcome: domain.OutcomeSuccess, Snapshot: &snap},
			{Key: k2, Outcome: domain.OutcomeNotAuthorized},
		},
	}, nil)

	got := <-out
	require.NoError(t, got.err)
	require.Len(t, got.res, 2)
	require.NotNil(t, got.res[k1].Snapshot)
	assert.Equal(t, uint64(42), got.res[k1].Snapshot.Sequence)
	assert.Equal(t, domain.OutcomeNotAuthorized, got.res[k2].Outcome)
	assert.Empty(t, c.ActiveKeys(), "snapshots never go live")
	assert.Zero(t, f.startCount(""))
}

func TestClient_SnapshotTimeout(t *testing.T) {
	f := newFakeTransport()
	c := newTestClient(t, f)

	start := time.Now()
	res, err := c.Snapshot(context.Background(), alice, []domain.Key{k1, k2}, 100*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Nil(t, res)
	assert.Equal(t, uint64(1), c.metrics.Snapshot().SnapshotTimeouts)

	// The late response still resolves the orphaned handles.
	f.next(t).succeed("")
	assert.Zero(t, c.PendingCount())
}

func TestClient_SnapshotContextCancelled(t *testing.T) {
	f := newFakeTransport()
	c := newTestClient(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Snapshot(ctx, alice, []domain.Key{k1}, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_CloseFailsPending(t *testing.T) {
	f := newFakeTransport()
	c, err := NewClient(Options{Transport: f})
	require.NoError(t, err)
	l := newRecorder()

	require.NoError(t, c.Subscribe(alice, []domain.Key{k1}, l))
	f.next(t)
	c.Close()

	res, ok := l.resultFor(k1)
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeInternalError, res.Outcome)
	assert.Equal(t, "client closed", res.Message)
	assert.ErrorIs(t, c.Subscribe(alice, []domain.Key{k1}, l), domain.ErrClosed)
	c.Close()
}

func TestClient_HeartbeatListsActiveKeys(t *testing.T) {
	f := newFakeTransport()
	hb := &fakeHeartbeats{}
	c := newTestClient(t, f, func(o *Options) {
		o.Heartbeats = hb
		o.HeartbeatPeriod = 10 * time.Millisecond
	})
	c.Start(context.Background())

	goLiveOn(t, c, f, newRecorder(), k1, "c1", 1)
	require.Eventually(t, func() bool {
		keys := hb.last()
		return len(keys) == 1 && keys[0] == k1
	}, time.Second, 5*time.Millisecond)
}

func TestClient_ConcurrentSubscribers(t *testing.T) {
	f := newFakeTransport()
	c := newTestClient(t, f)

	const n = 20
	listeners := make([]*recorder, n)
	for i := range listeners {
		listeners[i] = newRecorder()
		require.NoError(t, c.Subscribe(alice, []domain.Key{k1}, listeners[i]))
	}

	// Subscribe and snapshot requests interleave once responses start flowing.
	var wg sync.WaitGroup
	for i := 0; i < 2*n; i++ {
		p := f.next(t)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p.req.Kind == domain.KindStreaming {
				p.succeed("c1")
				return
			}
			p.succeed("", mkTick(k1, 1))
		}()
	}
	wg.Wait()

	assert.Len(t, c.Distributor().Listeners(k1), n)
	assert.Equal(t, 1, f.startCount("c1"))
	f.push(t, "c1", mkTick(k1, 2))
	for _, l := range listeners {
		assert.Equal(t, []uint64{2}, l.tickSeqs())
	}

	var uw sync.WaitGroup
	for _, l := range listeners {
		uw.Add(1)
		go func(l *recorder) {
			defer uw.Done()
			c.Unsubscribe(alice, []domain.Key{k1}, l)
		}(l)
	}
	uw.Wait()

	assert.Empty(t, c.ActiveKeys())
	stopped := 0
	for _, l := range listeners {
		stopped += l.stopped()
	}
	assert.Equal(t, 1, stopped, "exactly one listener observes the key going inactive")
	require.Eventually(t, func() bool { return f.stopCount("c1") == 1 }, time.Second, 5*time.Millisecond)
}
