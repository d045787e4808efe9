package replica

import (
	"fmt"
	"log/slog"
	"sync"

	"rampart/directory"
	"rampart/protocol"
	"rampart/transport"
)

// Manager creates and tracks replicas of local in-memory segments on remote
// backups. The log opens segments through it, and the manager restores
// durability transparently when backups fail, including mid-write.
//
// Operations issued to the manager and its segments are only queued; actual
// replication happens when Proceed runs the scheduler, and Sync drives
// Proceed until a durability target is met. There must be exactly one
// Manager per log.
type Manager struct {
	// mu protects every structure below, all owned segments, the
	// scheduler, the selector, and the write-RPC admission counter.
	mu sync.Mutex

	masterID    protocol.ServerID
	numReplicas int

	tracker   *directory.Tracker[BackupStats]
	selector  Selector
	scheduler *Scheduler
	opener    transport.SessionOpener

	segments []*ReplicatedSegment

	// openHead is the most recently opened, not yet freed segment; new
	// segments link after it to enforce open-after-close ordering.
	openHead *ReplicatedSegment

	writeRPCsInFlight    int
	maxWriteRPCsInFlight int
	maxRPCPayload        int

	halted bool

	// Counters for the metrics collector.
	openRPCs       uint64
	writeRPCs      uint64
	freeRPCs       uint64
	rereplications uint64

	logger *slog.Logger
}

// Options tunes a Manager. Zero fields other than NumReplicas take the
// production defaults; NumReplicas is used as given, so zero means no
// replicas.
type Options struct {
	NumReplicas          int
	MaxWriteRPCsInFlight int
	PowerOfKChoices      int
	MaxRPCPayload        int

	// Selector overrides the default BackupSelector; used by tests that
	// need deterministic placement.
	Selector Selector
}

// NewManager creates a replica manager for masterID, subscribing to
// serverList for backup membership and reaching backups through opener.
func NewManager(masterID protocol.ServerID, serverList *directory.ServerList,
	opener transport.SessionOpener, opts Options, logger *slog.Logger) *Manager {

	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxWriteRPCsInFlight <= 0 {
		opts.MaxWriteRPCsInFlight = 4
	}
	if opts.MaxRPCPayload <= 0 {
		opts.MaxRPCPayload = protocol.MaxRPCPayload
	}

	m := &Manager{
		masterID:             masterID,
		numReplicas:          opts.NumReplicas,
		scheduler:            NewScheduler(),
		opener:               opener,
		maxWriteRPCsInFlight: opts.MaxWriteRPCsInFlight,
		maxRPCPayload:        opts.MaxRPCPayload,
		logger:               logger,
	}
	m.tracker = directory.NewTracker[BackupStats](logger, nil)

	if opts.Selector != nil {
		m.selector = opts.Selector
	} else {
		sel := NewBackupSelector(m.tracker, opts.PowerOfKChoices, logger)
		sel.onBackupRemoved = m.handleBackupFailureLocked
		m.selector = sel
	}

	serverList.RegisterTracker(m.tracker)
	return m
}

// OpenSegment allocates a ReplicatedSegment for segmentID whose first
// openLen bytes of data are already committed, links it after the previous
// open segment, and schedules replication. It never blocks; the returned
// handle stays valid until Free.
func (m *Manager) OpenSegment(segmentID uint64, data []byte, openLen int) (*ReplicatedSegment, error) {
	if data == nil {
		return nil, fmt.Errorf("replica: nil segment image")
	}
	if openLen < 0 || openLen > len(data) {
		return nil, fmt.Errorf("replica: open length %d outside segment image of %d bytes",
			openLen, len(data))
	}
	if openLen > m.maxRPCPayload {
		return nil, fmt.Errorf("replica: open length %d exceeds rpc payload limit %d",
			openLen, m.maxRPCPayload)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.segments {
		if existing.segmentID == segmentID {
			return nil, fmt.Errorf("replica: segment %d already open", segmentID)
		}
	}

	s := newReplicatedSegment(m, segmentID, data, openLen)
	s.precedingSegment = m.openHead
	m.openHead = s
	m.segments = append(m.segments, s)
	m.scheduler.Schedule(s)

	m.logger.Debug("segment opened for replication",
		"segment", segmentID, "openLen", openLen, "numReplicas", m.numReplicas)
	return s, nil
}

// Proceed makes a pass of replication progress: it folds pending directory
// changes into the selector and runs one scheduler round. It initiates RPCs
// and polls completions but never blocks on I/O.
func (m *Manager) Proceed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proceedLocked()
}

func (m *Manager) proceedLocked() {
	if sel, ok := m.selector.(*BackupSelector); ok {
		sel.ApplyTrackerChanges()
	}
	m.scheduler.Proceed()
}

// ProceedUntilIdle runs scheduler rounds until no task reschedules, for
// callers that need to reach quiescence.
func (m *Manager) ProceedUntilIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for !m.scheduler.IsIdle() {
		m.proceedLocked()
	}
}

// Halt flushes the scheduler once and aborts any Sync callers. Outstanding
// RPCs are abandoned; their results are discarded.
func (m *Manager) Halt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.halted {
		return
	}
	m.proceedLocked()
	m.halted = true
}

// destroyAndFree removes a fully-freed segment. Called by the segment
// itself once every replica reaches FREED; the manager mutex is held.
func (m *Manager) destroyAndFree(s *ReplicatedSegment) {
	s.destroyed = true
	m.scheduler.Unschedule(s)
	for i, seg := range m.segments {
		if seg == s {
			m.segments = append(m.segments[:i], m.segments[i+1:]...)
			break
		}
	}
	// Successors must not wait on a segment that no longer exists.
	for _, seg := range m.segments {
		if seg.precedingSegment == s {
			seg.precedingSegment = s.precedingSegment
		}
	}
	if m.openHead == s {
		m.openHead = s.precedingSegment
	}
	m.logger.Debug("segment freed on all backups", "segment", s.segmentID)
}

// handleBackupFailureLocked invalidates every replica hosted on a removed
// backup across all segments. Runs during tracker-change application, with
// the manager mutex held.
func (m *Manager) handleBackupFailureLocked(id protocol.ServerID) {
	for _, s := range m.segments {
		s.handleBackupFailure(id)
	}
}

func (m *Manager) acquireWriteSlot() bool {
	if m.writeRPCsInFlight >= m.maxWriteRPCsInFlight {
		return false
	}
	m.writeRPCsInFlight++
	return true
}

func (m *Manager) releaseWriteSlot() {
	if m.writeRPCsInFlight == 0 {
		panic("replica: write rpc admission underflow")
	}
	m.writeRPCsInFlight--
}

// sessionFor resolves a backup id to a live session via the tracker's
// locator. The caller holds the manager mutex.
func (m *Manager) sessionFor(id protocol.ServerID) (transport.BackupSession, error) {
	locator, err := m.tracker.Locator(id)
	if err != nil {
		return nil, err
	}
	return m.opener.OpenBackupSession(locator)
}

func (m *Manager) releasePrimary(id protocol.ServerID) {
	if sel, ok := m.selector.(*BackupSelector); ok {
		sel.ReleasePrimary(id)
	}
}

// Stats is a point-in-time snapshot of manager internals for metrics.
type Stats struct {
	OpenSegments      int
	ReplicasByState   map[string]int
	WriteRPCsInFlight int
	OpenRPCs          uint64
	WriteRPCs         uint64
	FreeRPCs          uint64
	Rereplications    uint64
	TrackedServers    int
}

// Snapshot gathers a Stats without disturbing replication.
func (m *Manager) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{
		OpenSegments:      len(m.segments),
		ReplicasByState:   make(map[string]int),
		WriteRPCsInFlight: m.writeRPCsInFlight,
		OpenRPCs:          m.openRPCs,
		WriteRPCs:         m.writeRPCs,
		FreeRPCs:          m.freeRPCs,
		Rereplications:    m.rereplications,
		TrackedServers:    m.tracker.Size(),
	}
	for _, s := range m.segments {
		for _, state := range s.replicaStates() {
			st.ReplicasByState[state.String()]++
		}
	}
	return st
}
