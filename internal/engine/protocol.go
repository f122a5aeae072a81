package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"livedata_go/internal/domain"
)

// stopChannelTimeout bounds a best-effort tick channel cancellation.
const stopChannelTimeout = 5 * time.Second

var errMalformedResponse = errors.New("malformed subscription response")

type responseHandler func(req domain.SubscriptionRequest, handles []*Handle, resp domain.SubscriptionResponse, err error)

func (c *Client) goDispatch(user domain.User, kind domain.RequestKind, handles []*Handle) {
	if len(handles) == 0 {
		return
	}
	go c.dispatch(user, kind, handles)
}

// dispatch runs the entitlement pre-check and sends the first request of the handshake.
func (c *Client) dispatch(user domain.User, kind domain.RequestKind, handles []*Handle) {
	handles = c.checkEntitlements(user, handles)
	if len(handles) == 0 {
		return
	}

	switch kind {
	case domain.KindStreaming:
		c.sendRequest(user, domain.KindStreaming, handles, c.onSubscribeResponse)
	case domain.KindSnapshot:
		c.requestSnapshots(user, handles)
	default:
		c.failBatch(handles, fmt.Sprintf("unsupported request kind %s", kind))
	}
}

// checkEntitlements resolves denied keys locally and returns the handles still to be requested.
func (c *Client) checkEntitlements(user domain.User, handles []*Handle) []*Handle {
	if c.entitlements == nil {
		return handles
	}

	allowed, err := c.entitlements.CheckEntitlement(c.ctx, user, handleKeys(handles))
	if err != nil {
		slog.Error("Entitlement check failed",
			slog.String("user", user.String()),
			slog.Any("error", err),
		)
		c.failBatch(handles, "entitlement check failed: "+err.Error())
		return nil
	}

	granted := handles[:0:0]
	for _, h := range handles {
		if allowed[h.key] {
			granted = append(granted, h)
			continue
		}
		c.failAndRelease(h, domain.OutcomeNotAuthorized, fmt.Sprintf("user %s is not entitled to %s", user, h.key))
	}
	return granted
}

func (c *Client) sendRequest(user domain.User, kind domain.RequestKind, handles []*Handle, handler responseHandler) {
	req := domain.SubscriptionRequest{
		CorrelationID: c.newID(),
		User:          user,
		Kind:          kind,
		Keys:          handleKeys(handles),
	}
	c.metrics.RecordRequest()
	slog.Debug("Sending subscription request",
		slog.String("correlation_id", req.CorrelationID),
		slog.String("kind", kind.String()),
		slog.Int("keys", len(req.Keys)),
	)

	err := c.transport.RequestSubscriptions(c.ctx, req, func(resp domain.SubscriptionResponse, err error) {
		handler(req, handles, resp, err)
	})
	if err != nil {
		slog.Error("Subscription request failed",
			slog.String("correlation_id", req.CorrelationID),
			slog.Any("error", err),
		)
		c.failBatch(handles, "request failed: "+err.Error())
	}
}

// onSubscribeResponse handles the streaming acknowledgement: start every tick
// channel first, then ask for snapshots of exactly the keys that succeeded.
func (c *Client) onSubscribeResponse(req domain.SubscriptionRequest, handles []*Handle, resp domain.SubscriptionResponse, err error) {
	defer c.recoverBatch(req, handles)

	entries, ok := c.acceptResponse(req, handles, resp, err)
	if !ok {
		return
	}

	var subscribed []*Handle
	for _, h := range handles {
		entry := entries[h.key]
		if entry.Outcome != domain.OutcomeSuccess {
			c.failAndRelease(h, entry.Outcome, entry.Message)
			continue
		}
		if err := h.markSubscribed(entry.ChannelID); err != nil {
			continue
		}
		subscribed = append(subscribed, h)
	}
	if len(subscribed) == 0 {
		return
	}

	failed := c.bindChannels(subscribed, entries)

	var ready []*Handle
	for _, h := range subscribed {
		if _, ok := failed[h]; ok {
			continue
		}
		if err := h.markSnapshotRequested(); err != nil {
			continue
		}
		ready = append(ready, h)
	}
	if len(ready) > 0 {
		c.sendRequest(req.User, domain.KindSnapshot, ready, c.onSnapshotResponse)
	}
}

// bindChannels takes a channel reference for every handle and starts the
// channels not already in use. Handles whose channel failed to start are
// resolved and returned.
func (c *Client) bindChannels(subscribed []*Handle, entries map[domain.Key]domain.KeyResponse) map[*Handle]struct{} {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	byChannel := make(map[string][]*Handle)
	var order []string
	c.mu.Lock()
	for _, h := range subscribed {
		ch := entries[h.key].ChannelID
		if _, seen := byChannel[ch]; !seen {
			order = append(order, ch)
		}
		byChannel[ch] = append(byChannel[ch], h)
		c.bound[h] = ch
		c.channelRefs[ch]++
	}
	// A channel with references from before this batch is already started.
	var toStart []string
	for _, ch := range order {
		if c.channelRefs[ch] == len(byChannel[ch]) {
			toStart = append(toStart, ch)
		}
	}
	c.mu.Unlock()

	failed := make(map[*Handle]struct{})
	for _, ch := range toStart {
		if err := c.transport.StartTickChannel(c.ctx, ch, c.onTick); err != nil {
			slog.Error("Failed to start tick channel",
				slog.String("channel", ch),
				slog.Any("error", err),
			)
			for _, h := range byChannel[ch] {
				failed[h] = struct{}{}
				c.failAndRelease(h, domain.OutcomeInternalError, "start tick channel: "+err.Error())
			}
		}
	}
	return failed
}

// requestSnapshots starts the handshake of a snapshot-only batch.
func (c *Client) requestSnapshots(user domain.User, handles []*Handle) {
	var ready []*Handle
	for _, h := range handles {
		if err := h.markSnapshotRequested(); err != nil {
			continue
		}
		ready = append(ready, h)
	}
	if len(ready) > 0 {
		c.sendRequest(user, domain.KindSnapshot, ready, c.onSnapshotResponse)
	}
}

// onSnapshotResponse completes the handshake: snapshot-only handles resolve
// with their image, streaming handles play back held ticks and go live.
func (c *Client) onSnapshotResponse(req domain.SubscriptionRequest, handles []*Handle, resp domain.SubscriptionResponse, err error) {
	defer c.recoverBatch(req, handles)

	entries, ok := c.acceptResponse(req, handles, resp, err)
	if !ok {
		return
	}

	for _, h := range handles {
		entry := entries[h.key]
		if entry.Outcome != domain.OutcomeSuccess {
			c.failAndRelease(h, entry.Outcome, entry.Message)
			continue
		}
		if err := h.HoldSnapshot(*entry.Snapshot); err != nil {
			continue
		}

		switch h.kind {
		case domain.KindSnapshot:
			c.mu.Lock()
			c.removePendingLocked(h)
			c.mu.Unlock()
			_ = h.finishSnapshot()
		case domain.KindStreaming:
			c.promote(h)
		}
	}
}

// promote moves a streaming handle from the pending table into the distributor.
// An already registered (key, listener) pair keeps its existing live handle.
func (c *Client) promote(h *Handle) {
	var orphan string
	err := h.goLive(func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.removePendingLocked(h)

		reg := registration{key: h.key, listener: h.listener}
		if _, dup := c.active[reg]; dup {
			orphan = c.unbindLocked(h)
			return false
		}
		c.active[reg] = h
		c.distributor.AddListener(h.key, h)
		return true
	})
	if orphan != "" {
		c.stopChannelAsync(orphan)
	}
	if err != nil && !errors.Is(err, domain.ErrAlreadyResolved) {
		slog.Error("Failed to promote subscription",
			slog.String("key", h.key.String()),
			slog.Any("error", err),
		)
	}
}

// acceptResponse validates a response against its request. Any failure
// resolves the whole batch with an internal error.
func (c *Client) acceptResponse(req domain.SubscriptionRequest, handles []*Handle, resp domain.SubscriptionResponse, err error) (map[domain.Key]domain.KeyResponse, bool) {
	if err != nil {
		slog.Warn("Subscription response failed",
			slog.String("correlation_id", req.CorrelationID),
			slog.Any("error", err),
		)
		c.failBatch(handles, err.Error())
		return nil, false
	}
	entries, err := matchResponse(req, resp)
	if err != nil {
		slog.Error("Rejecting subscription response",
			slog.String("correlation_id", req.CorrelationID),
			slog.Any("error", err),
		)
		c.failBatch(handles, err.Error())
		return nil, false
	}
	return entries, true
}

// matchResponse indexes resp by key and checks it answers req exactly.
func matchResponse(req domain.SubscriptionRequest, resp domain.SubscriptionResponse) (map[domain.Key]domain.KeyResponse, error) {
	if resp.CorrelationID != req.CorrelationID {
		return nil, fmt.Errorf("%w: correlation id %q, expected %q", errMalformedResponse, resp.CorrelationID, req.CorrelationID)
	}

	requested := make(map[domain.Key]struct{}, len(req.Keys))
	for _, k := range req.Keys {
		requested[k] = struct{}{}
	}

	entries := make(map[domain.Key]domain.KeyResponse, len(resp.Entries))
	for _, e := range resp.Entries {
		if _, ok := requested[e.Key]; !ok {
			return nil, fmt.Errorf("%w: unexpected key %s", errMalformedResponse, e.Key)
		}
		if _, dup := entries[e.Key]; dup {
			return nil, fmt.Errorf("%w: duplicate key %s", errMalformedResponse, e.Key)
		}
		if e.Outcome == domain.OutcomeSuccess {
			switch req.Kind {
			case domain.KindStreaming:
				if e.ChannelID == "" {
					return nil, fmt.Errorf("%w: no tick channel for %s", errMalformedResponse, e.Key)
				}
			case domain.KindSnapshot:
				if e.Snapshot == nil {
					return nil, fmt.Errorf("%w: no snapshot for %s", errMalformedResponse, e.Key)
				}
			}
		}
		entries[e.Key] = e
	}
	for k := range requested {
		if _, ok := entries[k]; !ok {
			return nil, fmt.Errorf("%w: missing key %s", errMalformedResponse, k)
		}
	}
	return entries, nil
}

func (c *Client) recoverBatch(req domain.SubscriptionRequest, handles []*Handle) {
	if r := recover(); r != nil {
		slog.Error("Panic while processing subscription response",
			slog.String("correlation_id", req.CorrelationID),
			slog.Any("panic", r),
		)
		c.failBatch(handles, fmt.Sprintf("panic: %v", r))
	}
}

// failBatch resolves every unresolved handle of a batch with an internal error.
func (c *Client) failBatch(handles []*Handle, message string) {
	for _, h := range handles {
		c.failAndRelease(h, domain.OutcomeInternalError, message)
	}
}

// failAndRelease drops h from the pending table, releases its tick channel
// reference and resolves it with outcome.
func (c *Client) failAndRelease(h *Handle, outcome domain.Outcome, message string) {
	c.mu.Lock()
	c.removePendingLocked(h)
	channel := c.unbindLocked(h)
	c.mu.Unlock()

	if channel != "" {
		c.stopChannelAsync(channel)
	}
	if err := h.fail(outcome, message); err == nil {
		slog.Info("Subscription failed",
			slog.String("key", h.key.String()),
			slog.String("channel", h.ChannelID()),
			slog.String("outcome", outcome.String()),
			slog.String("message", message),
		)
	}
}

// unbindLocked drops the channel reference held by h and returns the channel
// if nothing references it anymore.
func (c *Client) unbindLocked(h *Handle) string {
	ch, ok := c.bound[h]
	if !ok {
		return ""
	}
	delete(c.bound, h)
	c.channelRefs[ch]--
	if c.channelRefs[ch] > 0 {
		return ""
	}
	delete(c.channelRefs, ch)
	return ch
}

// stopChannelAsync cancels channel in the background. The stop is serialized
// with bindChannels and skipped if a later subscription has bound the channel
// again, so a live handle never loses its tick channel to a stale stop.
func (c *Client) stopChannelAsync(channel string) {
	go func() {
		c.startMu.Lock()
		defer c.startMu.Unlock()

		c.mu.RLock()
		rebound := c.channelRefs[channel] > 0
		c.mu.RUnlock()
		if rebound {
			slog.Debug("Tick channel rebound, skipping stop", slog.String("channel", channel))
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), stopChannelTimeout)
		defer cancel()
		if err := c.transport.StopTickChannel(ctx, channel); err != nil {
			slog.Warn("Failed to stop tick channel",
				slog.String("channel", channel),
				slog.Any("error", err),
			)
		}
	}()
}

func handleKeys(handles []*Handle) []domain.Key {
	keys := make([]domain.Key, 0, len(handles))
	for _, h := range handles {
		keys = append(keys, h.key)
	}
	return keys
}
