package directory

import (
	"log/slog"
	"math/rand"
	"sync"

	"rampart/protocol"
)

const noRemovedIndex = ^uint32(0)

type trackerSlot[T any] struct {
	details    ServerDetails
	occupied   bool
	removed    bool // Removal consumed, slot cleanup pending.
	annotation *T
}

type trackerChange struct {
	details ServerDetails
	event   ChangeEvent
}

// Tracker gives one subscriber a serialized view of directory mutations and
// a stable dense index space for per-server annotations of type T.
//
// Events queue in FIFO order until the subscriber drains them with
// GetChange. A slot's identity and annotation survive a ServerRemoved event
// until the subscriber's next GetChange call, giving it exactly one window
// to release whatever the annotation refers to. Leaving the annotation
// non-nil past that window is a contract violation; the tracker logs it and
// clears the slot anyway.
//
// EnqueueChange is safe to call from any goroutine; all other methods are
// meant for the single subscriber.
type Tracker[T any] struct {
	mu               sync.Mutex
	slots            []trackerSlot[T]
	changes          []trackerChange
	lastRemovedIndex uint32
	numServers       int
	changesPending   func()
	logger           *slog.Logger
}

// NewTracker creates a tracker. changesPending, if non-nil, fires after
// every enqueued event; it must not call back into the tracker.
func NewTracker[T any](logger *slog.Logger, changesPending func()) *Tracker[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker[T]{
		lastRemovedIndex: noRemovedIndex,
		changesPending:   changesPending,
		logger:           logger,
	}
}

// EnqueueChange appends a directory mutation to the subscriber's queue.
// For additions the internal slot vector grows to cover the new index, but
// the slot itself is populated only when the subscriber consumes the event.
func (t *Tracker[T]) EnqueueChange(details ServerDetails, event ChangeEvent) {
	t.mu.Lock()
	index := details.ID.Index()
	if event == ServerAdded {
		for uint32(len(t.slots)) <= index {
			t.slots = append(t.slots, trackerSlot[T]{})
		}
	}
	t.changes = append(t.changes, trackerChange{details: details, event: event})
	cb := t.changesPending
	t.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// ChangesPending reports whether any events await consumption.
func (t *Tracker[T]) ChangesPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.changes) > 0
}

// GetChange pops the oldest pending event. The slot belonging to the
// previously handed-out removal is scrubbed first, so a subscriber that
// processes events in a loop has exactly one iteration to act on each
// removal before the slot's identity and annotation vanish.
func (t *Tracker[T]) GetChange() (ServerDetails, ChangeEvent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.lastRemovedIndex != noRemovedIndex {
		slot := &t.slots[t.lastRemovedIndex]
		if slot.annotation != nil {
			t.logger.Warn("tracker subscriber left annotation set past removal",
				"index", t.lastRemovedIndex, "server", slot.details.ID)
		}
		*slot = trackerSlot[T]{}
		t.lastRemovedIndex = noRemovedIndex
	}

	if len(t.changes) == 0 {
		return ServerDetails{}, 0, false
	}
	c := t.changes[0]
	t.changes = t.changes[1:]

	index := c.details.ID.Index()
	switch c.event {
	case ServerAdded:
		slot := &t.slots[index]
		slot.details = c.details
		slot.occupied = true
		slot.removed = false
		slot.annotation = nil
		t.numServers++
	case ServerRemoved:
		if uint32(len(t.slots)) <= index {
			// A removal with no matching addition carries no slot state.
			return c.details, c.event, true
		}
		slot := &t.slots[index]
		slot.details.ID = c.details.ID
		slot.removed = true
		t.lastRemovedIndex = index
		t.numServers--
	}
	return c.details, c.event, true
}

// Size returns the number of servers in the consumed view: additions count
// only once drained, removals stop counting as soon as they are drained.
func (t *Tracker[T]) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.numServers
}

func (t *Tracker[T]) slotFor(id protocol.ServerID) *trackerSlot[T] {
	index := id.Index()
	if uint32(len(t.slots)) <= index {
		return nil
	}
	slot := &t.slots[index]
	if !slot.occupied || !slot.details.ID.Equals(id) {
		return nil
	}
	return slot
}

// Annotation returns the per-server annotation, or ErrUnknownServer if the
// id does not currently occupy its slot (the generation must match).
func (t *Tracker[T]) Annotation(id protocol.ServerID) (*T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot := t.slotFor(id)
	if slot == nil {
		return nil, protocol.ErrUnknownServer
	}
	return slot.annotation, nil
}

// SetAnnotation installs (or clears, with nil) the per-server annotation.
func (t *Tracker[T]) SetAnnotation(id protocol.ServerID, a *T) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot := t.slotFor(id)
	if slot == nil {
		return protocol.ErrUnknownServer
	}
	slot.annotation = a
	return nil
}

// Locator returns the network locator for id, or ErrUnknownServer.
func (t *Tracker[T]) Locator(id protocol.ServerID) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot := t.slotFor(id)
	if slot == nil {
		return "", protocol.ErrUnknownServer
	}
	return slot.details.Locator, nil
}

// Details returns the full directory details for id, or ErrUnknownServer.
func (t *Tracker[T]) Details(id protocol.ServerID) (ServerDetails, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot := t.slotFor(id)
	if slot == nil {
		return ServerDetails{}, protocol.ErrUnknownServer
	}
	return slot.details, nil
}

// RandomWithService picks uniformly at random among present servers whose
// service mask covers services. Returns the invalid id when none match.
func (t *Tracker[T]) RandomWithService(services protocol.ServiceMask) protocol.ServerID {
	t.mu.Lock()
	defer t.mu.Unlock()

	matches := 0
	picked := protocol.InvalidServerID
	for i := range t.slots {
		slot := &t.slots[i]
		if !slot.occupied || slot.removed || !slot.details.Services.Has(services) {
			continue
		}
		matches++
		// Reservoir sample of one keeps the pick uniform in a single pass.
		if rand.Intn(matches) == 0 {
			picked = slot.details.ID
		}
	}
	return picked
}
