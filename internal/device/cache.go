// Package device maintains the live inventory of output devices, fed by
// helper enumeration events and queried by the API and the orchestrator.
package device

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/broadify/bridge/internal/helper"
	"github.com/broadify/bridge/internal/logger"
)

// ChangeKind labels a cache delta.
type ChangeKind string

const (
	Added   ChangeKind = "added"
	Removed ChangeKind = "removed"
)

// Change is one device arriving or departing.
type Change struct {
	Kind   ChangeKind    `json:"kind"`
	Device helper.Device `json:"device"`
}

// Cache folds enumeration events into the current device set and fans
// deltas out to subscribers. Safe for concurrent use.
type Cache struct {
	mu        sync.RWMutex
	devices   map[string]helper.Device
	listeners []chan Change
	log       zerolog.Logger
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{
		devices: make(map[string]helper.Device),
		log:     *logger.WithComponent("devices"),
	}
}

// Apply folds one helper event into the cache. A snapshot replaces the
// whole set and emits per-device deltas for the difference; add and remove
// events adjust one entry. Other event types are ignored.
func (c *Cache) Apply(ev helper.Event) {
	switch e := ev.(type) {
	case helper.DevicesEvent:
		c.replaceAll(e.Devices)
	case helper.DeviceAddedEvent:
		c.upsert(e.Device)
	case helper.DeviceRemovedEvent:
		c.remove(e.Device)
	case helper.ErrorEvent:
		c.log.Warn().Str("message", e.Message).Msg("Enumeration helper reported an error")
	}
}

func (c *Cache) replaceAll(devices []helper.Device) {
	next := make(map[string]helper.Device, len(devices))
	for _, d := range devices {
		next[d.ID] = d
	}

	c.mu.Lock()
	var changes []Change
	for id, old := range c.devices {
		if _, ok := next[id]; !ok {
			changes = append(changes, Change{Kind: Removed, Device: old})
		}
	}
	for id, d := range next {
		if _, ok := c.devices[id]; !ok {
			changes = append(changes, Change{Kind: Added, Device: d})
		}
	}
	c.devices = next
	c.mu.Unlock()

	for _, ch := range changes {
		c.notify(ch)
	}
	c.log.Debug().Int("devices", len(devices)).Msg("Applied device snapshot")
}

func (c *Cache) upsert(d helper.Device) {
	c.mu.Lock()
	_, existed := c.devices[d.ID]
	c.devices[d.ID] = d
	c.mu.Unlock()

	if !existed {
		c.log.Info().Str("device", d.ID).Str("name", d.DisplayName).Msg("Device connected")
	}
	c.notify(Change{Kind: Added, Device: d})
}

func (c *Cache) remove(d helper.Device) {
	c.mu.Lock()
	stored, existed := c.devices[d.ID]
	delete(c.devices, d.ID)
	c.mu.Unlock()

	if !existed {
		return
	}
	c.log.Info().Str("device", d.ID).Msg("Device disconnected")
	c.notify(Change{Kind: Removed, Device: stored})
}

// Devices returns the current set sorted by ID.
func (c *Cache) Devices() []helper.Device {
	c.mu.RLock()
	out := make([]helper.Device, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, d)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get looks up one device by ID.
func (c *Cache) Get(id string) (helper.Device, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.devices[id]
	return d, ok
}

// Subscribe registers a delta listener. The channel is buffered; a
// subscriber that stops draining loses deltas rather than blocking the
// enumeration stream.
func (c *Cache) Subscribe() chan Change {
	ch := make(chan Change, 16)
	c.mu.Lock()
	c.listeners = append(c.listeners, ch)
	c.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a listener channel.
func (c *Cache) Unsubscribe(ch chan Change) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, listener := range c.listeners {
		if listener == ch {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

func (c *Cache) notify(change Change) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, listener := range c.listeners {
		select {
		case listener <- change:
		default:
			// Subscriber is not draining; drop rather than block.
		}
	}
}
