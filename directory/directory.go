// Package directory maintains this process's view of the cluster roster:
// which server processes exist, what services they offer, and how to reach
// them. The authoritative copy lives on the coordinator; every server holds
// an eventually consistent copy here and learns of divergence through the
// failure detector.
package directory

import (
	"log/slog"
	"sync"

	"rampart/protocol"
)

// ServerDetails describes one server known to the directory.
type ServerDetails struct {
	ID       protocol.ServerID
	Services protocol.ServiceMask
	Locator  string

	// ExpectedReadMBytesPerSec is the disk bandwidth the server advertised
	// at enlistment. Meaningful only for backups.
	ExpectedReadMBytesPerSec uint32
}

// ChangeEvent tags a directory mutation delivered to a tracker.
type ChangeEvent int

const (
	ServerAdded ChangeEvent = iota
	ServerRemoved
)

// Subscriber receives directory mutations in order. Implemented by Tracker.
type Subscriber interface {
	EnqueueChange(details ServerDetails, event ChangeEvent)
}

type listSlot struct {
	details  ServerDetails
	occupied bool
}

// ServerList is a versioned roster of live servers, indexed densely by the
// index part of their ServerIDs. Mutations fan out to registered trackers;
// the version advances on every authoritative change so staleness can be
// detected by comparing versions across servers.
type ServerList struct {
	mu       sync.Mutex
	version  uint64
	slots    []listSlot
	trackers []Subscriber
	logger   *slog.Logger
}

// NewServerList creates an empty directory view.
func NewServerList(logger *slog.Logger) *ServerList {
	if logger == nil {
		logger = slog.Default()
	}
	return &ServerList{logger: logger}
}

// RegisterTracker subscribes s to future mutations and replays the current
// contents as ServerAdded events so the subscriber starts from a full view.
func (sl *ServerList) RegisterTracker(s Subscriber) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.trackers = append(sl.trackers, s)
	for _, slot := range sl.slots {
		if slot.occupied {
			s.EnqueueChange(slot.details, ServerAdded)
		}
	}
}

// Version returns the directory version of the local view.
func (sl *ServerList) Version() uint64 {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.version
}

// Add records a newly enlisted server and notifies trackers. Adding an id
// whose index is occupied by a different generation implicitly removes the
// old server first; the coordinator reuses indexes only after departure.
func (sl *ServerList) Add(details ServerDetails) error {
	if !details.ID.IsValid() || details.ID.Index() == 0 {
		return protocol.ErrUnknownServer
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.addLocked(details)
	sl.version++
	return nil
}

func (sl *ServerList) addLocked(details ServerDetails) {
	index := details.ID.Index()
	for uint32(len(sl.slots)) <= index {
		sl.slots = append(sl.slots, listSlot{})
	}
	slot := &sl.slots[index]
	if slot.occupied {
		if slot.details.ID.Equals(details.ID) {
			return // Duplicate notification.
		}
		sl.logger.Warn("directory index reused before removal",
			"old", slot.details.ID, "new", details.ID)
		sl.notifyLocked(slot.details, ServerRemoved)
	}
	slot.details = details
	slot.occupied = true
	sl.notifyLocked(details, ServerAdded)
}

// Remove records an authoritative departure and notifies trackers.
func (sl *ServerList) Remove(id protocol.ServerID) error {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if err := sl.removeLocked(id); err != nil {
		return err
	}
	sl.version++
	return nil
}

func (sl *ServerList) removeLocked(id protocol.ServerID) error {
	index := id.Index()
	if uint32(len(sl.slots)) <= index || !sl.slots[index].occupied ||
		!sl.slots[index].details.ID.Equals(id) {
		return protocol.ErrUnknownServer
	}
	details := sl.slots[index].details
	sl.slots[index] = listSlot{}
	sl.notifyLocked(details, ServerRemoved)
	return nil
}

// ApplyFullList replaces the local view with a complete list pushed by the
// coordinator. Servers absent from the push (or flagged out of the cluster)
// are removed; unknown servers are added. The local version jumps to the
// push's version.
func (sl *ServerList) ApplyFullList(version uint64, entries []protocol.ServerEntry) {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	present := make(map[protocol.ServerID]bool, len(entries))
	for _, e := range entries {
		if e.IsInCluster {
			present[e.ServerID] = true
		}
	}
	for _, slot := range sl.slots {
		if slot.occupied && !present[slot.details.ID] {
			_ = sl.removeLocked(slot.details.ID)
		}
	}
	for _, e := range entries {
		if !e.IsInCluster {
			continue
		}
		index := e.ServerID.Index()
		if uint32(len(sl.slots)) > index && sl.slots[index].occupied &&
			sl.slots[index].details.ID.Equals(e.ServerID) {
			continue
		}
		sl.addLocked(DetailsFromEntry(e))
	}
	sl.version = version
}

// Entries snapshots the current roster in wire form, for pushes and replies.
func (sl *ServerList) Entries() (uint64, []protocol.ServerEntry) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	entries := make([]protocol.ServerEntry, 0, len(sl.slots))
	for _, slot := range sl.slots {
		if slot.occupied {
			entries = append(entries, EntryFromDetails(slot.details))
		}
	}
	return sl.version, entries
}

// Size returns the number of servers currently in the view.
func (sl *ServerList) Size() int {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	n := 0
	for _, slot := range sl.slots {
		if slot.occupied {
			n++
		}
	}
	return n
}

func (sl *ServerList) notifyLocked(details ServerDetails, event ChangeEvent) {
	for _, t := range sl.trackers {
		t.EnqueueChange(details, event)
	}
}

// DetailsFromEntry converts a wire entry to directory details. The low half
// of UserData carries the backup's advertised read bandwidth.
func DetailsFromEntry(e protocol.ServerEntry) ServerDetails {
	return ServerDetails{
		ID:                       e.ServerID,
		Services:                 e.Services,
		Locator:                  e.Locator,
		ExpectedReadMBytesPerSec: uint32(e.UserData & 0xFFFFFFFF),
	}
}

// EntryFromDetails converts directory details to wire form.
func EntryFromDetails(d ServerDetails) protocol.ServerEntry {
	return protocol.ServerEntry{
		Services:    d.Services,
		ServerID:    d.ID,
		Locator:     d.Locator,
		UserData:    uint64(d.ExpectedReadMBytesPerSec),
		IsInCluster: true,
	}
}
