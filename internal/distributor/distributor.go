// Package distributor fans out ticks to the listeners registered for each key.
package distributor

import (
	"sort"
	"sync"

	"livedata_go/internal/domain"
)

// listenerSet holds the listeners of one key.
// Once dead it has been unlinked from the distributor and must not be reused.
type listenerSet struct {
	mu        sync.Mutex
	listeners map[domain.TickListener]struct{}
	dead      bool
}

// Distributor maps each key to the listeners interested in it.
// Mutation is synchronized per key; fan-out iterates over a copy.
type Distributor struct {
	keys sync.Map // domain.Key -> *listenerSet
}

// New creates an empty distributor.
func New() *Distributor {
	return &Distributor{}
}

// AddListener registers listener under key. Adding the same listener twice is a no-op.
// It reports whether the listener was newly added.
func (d *Distributor) AddListener(key domain.Key, listener domain.TickListener) bool {
	for {
		v, _ := d.keys.LoadOrStore(key, &listenerSet{listeners: make(map[domain.TickListener]struct{})})
		set := v.(*listenerSet)

		set.mu.Lock()
		if set.dead {
			// Lost the race with a RemoveListener that emptied the set; retry on a fresh one.
			set.mu.Unlock()
			continue
		}
		_, exists := set.listeners[listener]
		set.listeners[listener] = struct{}{}
		set.mu.Unlock()
		return !exists
	}
}

// RemoveListener unregisters listener and reports whether key still has at least one listener.
// Removing a listener that was never registered is a no-op.
func (d *Distributor) RemoveListener(key domain.Key, listener domain.TickListener) (stillActive bool) {
	v, ok := d.keys.Load(key)
	if !ok {
		return false
	}
	set := v.(*listenerSet)

	set.mu.Lock()
	defer set.mu.Unlock()
	if set.dead {
		return false
	}
	delete(set.listeners, listener)
	if len(set.listeners) > 0 {
		return true
	}
	set.dead = true
	d.keys.CompareAndDelete(key, set)
	return false
}

// HasListener reports whether listener is registered under key.
func (d *Distributor) HasListener(key domain.Key, listener domain.TickListener) bool {
	v, ok := d.keys.Load(key)
	if !ok {
		return false
	}
	set := v.(*listenerSet)

	set.mu.Lock()
	defer set.mu.Unlock()
	_, exists := set.listeners[listener]
	return !set.dead && exists
}

// Listeners returns a copy of the listeners registered under key.
func (d *Distributor) Listeners(key domain.Key) []domain.TickListener {
	v, ok := d.keys.Load(key)
	if !ok {
		return nil
	}
	set := v.(*listenerSet)

	set.mu.Lock()
	defer set.mu.Unlock()
	if set.dead {
		return nil
	}
	out := make([]domain.TickListener, 0, len(set.listeners))
	for l := range set.listeners {
		out = append(out, l)
	}
	return out
}

// NotifyListeners delivers tick to every listener of its key.
// No listeners is a silent no-op: the server may keep pushing briefly after an unsubscribe.
func (d *Distributor) NotifyListeners(tick domain.Tick) int {
	listeners := d.Listeners(tick.Key)
	for _, l := range listeners {
		l.OnTick(tick)
	}
	return len(listeners)
}

// IsActive reports whether key has at least one listener.
func (d *Distributor) IsActive(key domain.Key) bool {
	v, ok := d.keys.Load(key)
	if !ok {
		return false
	}
	set := v.(*listenerSet)

	set.mu.Lock()
	defer set.mu.Unlock()
	return !set.dead && len(set.listeners) > 0
}

// ActiveKeys returns every key with at least one listener, sorted for stable output.
func (d *Distributor) ActiveKeys() []domain.Key {
	var keys []domain.Key
	d.keys.Range(func(k, v any) bool {
		set := v.(*listenerSet)
		set.mu.Lock()
		if !set.dead && len(set.listeners) > 0 {
			keys = append(keys, k.(domain.Key))
		}
		set.mu.Unlock()
		return true
	})
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys
}
