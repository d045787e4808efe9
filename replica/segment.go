package replica

import (
	"errors"
	"time"

	"rampart/protocol"
	"rampart/transport"
)

// replicaState is the per-slot position in the replication state machine.
// Any RPC failure or backup loss regresses a slot to replicaUnassigned and
// replication restarts against a freshly chosen backup.
type replicaState int

const (
	replicaUnassigned replicaState = iota
	replicaOpening
	replicaOpenAcked
	replicaWriting
	replicaWriteAcked
	replicaClosing
	replicaClosed
	replicaFreeing
	replicaFreed
)

func (s replicaState) String() string {
	switch s {
	case replicaUnassigned:
		return "UNASSIGNED"
	case replicaOpening:
		return "OPENING"
	case replicaOpenAcked:
		return "OPEN_ACKED"
	case replicaWriting:
		return "WRITING"
	case replicaWriteAcked:
		return "WRITE_ACKED"
	case replicaClosing:
		return "CLOSING"
	case replicaClosed:
		return "CLOSED"
	case replicaFreeing:
		return "FREEING"
	case replicaFreed:
		return "FREED"
	}
	return "UNKNOWN"
}

// replica tracks one slot's progress against one backup.
type replica struct {
	state    replicaState
	backupID protocol.ServerID
	session  transport.BackupSession

	// cursor is the number of bytes the backup has acknowledged.
	cursor int

	// sentBytes is the byte position the in-flight RPC will reach if it
	// succeeds; sentClose records whether that RPC carries the close flag.
	sentBytes int
	sentClose bool

	// primary marks the slot's role. Slot 0 starts primary; on
	// re-replication after a failure the role is preserved.
	primary bool

	rpc *transport.Call

	// holdsWriteSlot marks that the in-flight RPC occupies one admission
	// slot of the manager's write-RPC cap.
	holdsWriteSlot bool
}

func (r *replica) reset() {
	primary := r.primary
	*r = replica{primary: primary}
	r.backupID = protocol.InvalidServerID
}

// ReplicatedSegment drives replication of a single in-memory log segment
// toward the log's current (committedLength, close) target, advancing each
// replica independently and restarting any replica whose backup fails. One per segment not
// yet freed; owned exclusively by the Manager.
//
// All methods must be called without the manager mutex held; the segment
// acquires it itself. Perform is the exception: the scheduler invokes it
// with the mutex already held.
type ReplicatedSegment struct {
	mgr       *Manager
	segmentID uint64

	// data is the segment's in-memory image, owned by the log. Only the
	// committed prefix is ever read.
	data    []byte
	openLen int

	// queuedBytes is the committed length the log has made eligible for
	// replication. Monotonically non-decreasing.
	queuedBytes int

	// queuedClose, once set, never clears.
	queuedClose bool

	freeQueued bool
	destroyed  bool

	// precedingSegment orders segment opens: no replica of this segment
	// issues an open until the predecessor is durably closed. Cleared once
	// observed closed, or when the predecessor is destroyed.
	precedingSegment *ReplicatedSegment

	replicas []replica
}

func newReplicatedSegment(mgr *Manager, segmentID uint64, data []byte, openLen int) *ReplicatedSegment {
	s := &ReplicatedSegment{
		mgr:       mgr,
		segmentID: segmentID,
		data:      data,
		openLen:   openLen,
		// The open bytes are committed by definition.
		queuedBytes: openLen,
		replicas:    make([]replica, mgr.numReplicas),
	}
	for i := range s.replicas {
		s.replicas[i].reset()
	}
	if len(s.replicas) > 0 {
		s.replicas[0].primary = true
	}
	return s
}

// SegmentID returns the log segment id this segment replicates.
func (s *ReplicatedSegment) SegmentID() uint64 {
	return s.segmentID
}

// Write informs the segment that the log's committed length has advanced.
// The new prefix becomes eligible for replication on the next scheduling
// round. Shrinking the committed length, growing it past the segment image,
// or writing after Close or Free is a caller bug and panics.
func (s *ReplicatedSegment) Write(committedLength int) {
	s.mgr.mu.Lock()
	defer s.mgr.mu.Unlock()

	if s.freeQueued || s.destroyed {
		panic("replica: Write on freed segment")
	}
	if s.queuedClose {
		panic("replica: Write after Close")
	}
	if committedLength > len(s.data) {
		panic("replica: committed length exceeds segment image")
	}
	if committedLength < s.queuedBytes {
		panic("replica: committed length regressed")
	}
	if committedLength == s.queuedBytes {
		return
	}
	s.queuedBytes = committedLength
	s.mgr.scheduler.Schedule(s)
}

// Close marks the segment's image final. Idempotent. Sync afterwards waits
// until every replica reaches CLOSED.
func (s *ReplicatedSegment) Close() {
	s.mgr.mu.Lock()
	defer s.mgr.mu.Unlock()

	if s.freeQueued || s.destroyed {
		panic("replica: Close on freed segment")
	}
	if s.queuedClose {
		return
	}
	s.queuedClose = true
	s.mgr.scheduler.Schedule(s)
}

// Free releases the segment's replicas on all backups and, once every slot
// acknowledges, destroys the segment. Permitted while replicas are
// mid-write; in-flight RPC results are discarded. The handle is invalid
// after Free returns.
func (s *ReplicatedSegment) Free() {
	s.mgr.mu.Lock()
	defer s.mgr.mu.Unlock()

	if s.freeQueued || s.destroyed {
		panic("replica: double Free")
	}
	s.freeQueued = true
	s.mgr.scheduler.Schedule(s)
}

// Sync blocks until every replica has acknowledged at least length bytes
// (and, after Close, until every replica is CLOSED). It cooperatively
// drives the manager's scheduler while waiting, so progress continues even
// when Sync is the only caller. Returns ErrClosed if the manager halts
// while waiting.
func (s *ReplicatedSegment) Sync(length int) error {
	for {
		s.mgr.mu.Lock()
		if s.destroyed || s.freeQueued {
			s.mgr.mu.Unlock()
			return errors.New("replica: Sync on freed segment")
		}
		if length > s.queuedBytes {
			if s.queuedClose {
				// The image is final; there is nothing past it to wait for.
				length = s.queuedBytes
			} else {
				// The caller declares this length committed.
				if length > len(s.data) {
					s.mgr.mu.Unlock()
					panic("replica: sync length exceeds segment image")
				}
				s.queuedBytes = length
				s.mgr.scheduler.Schedule(s)
			}
		}
		s.mgr.proceedLocked()
		synced := s.isSyncedTo(length)
		halted := s.mgr.halted
		s.mgr.mu.Unlock()

		if synced {
			return nil
		}
		if halted {
			return protocol.ErrClosed
		}
		time.Sleep(50 * time.Microsecond)
	}
}

// isSyncedTo reports whether every replica is durable to length under the
// segment's current close target. Caller holds the manager mutex.
func (s *ReplicatedSegment) isSyncedTo(length int) bool {
	for i := range s.replicas {
		r := &s.replicas[i]
		if s.queuedClose {
			if r.state != replicaClosed {
				return false
			}
			continue
		}
		if r.state < replicaOpenAcked || r.state > replicaClosed {
			return false
		}
		if r.cursor < length {
			return false
		}
	}
	return true
}

// isDurablyClosed reports whether the segment is closed on all its
// replicas, which is what releases the successor segment's opens.
func (s *ReplicatedSegment) isDurablyClosed() bool {
	for i := range s.replicas {
		if s.replicas[i].state != replicaClosed {
			return false
		}
	}
	return s.queuedClose || len(s.replicas) == 0
}

// openGateClear reports whether this segment's replicas may issue opens.
func (s *ReplicatedSegment) openGateClear() bool {
	if s.precedingSegment == nil {
		return true
	}
	if s.precedingSegment.isDurablyClosed() {
		s.precedingSegment = nil
		return true
	}
	return false
}

// Perform advances every replica as far as the current RPC results, the
// admission cap, and backup availability allow. Invoked by the scheduler
// with the manager mutex held. Reschedules itself whenever more work
// remains or results are still in flight.
func (s *ReplicatedSegment) Perform() {
	if s.destroyed {
		return
	}
	if s.freeQueued {
		s.performFree()
		return
	}
	for i := range s.replicas {
		s.performReplica(&s.replicas[i])
	}
	if !s.isQuiescent() {
		s.mgr.scheduler.Schedule(s)
	}
}

// isQuiescent reports whether the segment has nothing left to drive: every
// replica has acknowledged the full committed target with no RPC in flight.
func (s *ReplicatedSegment) isQuiescent() bool {
	for i := range s.replicas {
		r := &s.replicas[i]
		if r.rpc != nil {
			return false
		}
		switch {
		case s.queuedClose:
			if r.state != replicaClosed {
				return false
			}
		default:
			if r.state < replicaOpenAcked || r.cursor < s.queuedBytes {
				return false
			}
		}
	}
	return true
}

func (s *ReplicatedSegment) performReplica(r *replica) {
	// Observe any finished RPC first; its result decides the next state.
	if r.rpc != nil {
		if !r.rpc.Ready() {
			return
		}
		s.finishRPC(r)
		if r.rpc != nil || r.state == replicaUnassigned {
			return
		}
	}

	switch r.state {
	case replicaUnassigned:
		s.sendOpen(r)
	case replicaOpenAcked, replicaWriteAcked:
		s.sendWrite(r)
	}
}

// finishRPC folds a completed RPC result into the replica's state.
func (s *ReplicatedSegment) finishRPC(r *replica) {
	err := r.rpc.Err()
	r.rpc = nil
	if r.holdsWriteSlot {
		s.mgr.releaseWriteSlot()
		r.holdsWriteSlot = false
	}

	if err != nil {
		s.handleRPCFailure(r, err)
		return
	}

	switch r.state {
	case replicaOpening:
		r.cursor = r.sentBytes
		r.state = replicaOpenAcked
	case replicaWriting:
		r.cursor = r.sentBytes
		if r.sentClose {
			r.state = replicaClosed
		} else {
			r.state = replicaWriteAcked
		}
	case replicaClosing:
		r.state = replicaClosed
	case replicaFreeing:
		r.state = replicaFreed
	}
}

// handleRPCFailure regresses the replica to UNASSIGNED so a fresh backup is
// chosen and replication restarts from open. The committed length never
// recedes, so the new replica catches up without loss. Backup-side protocol
// errors indicate a state-machine bug; they are logged loudly and recovered
// the same way.
func (s *ReplicatedSegment) handleRPCFailure(r *replica, err error) {
	switch {
	case errors.Is(err, protocol.ErrSegmentAlreadyOpen),
		errors.Is(err, protocol.ErrSegmentNotOpen),
		errors.Is(err, protocol.ErrSegmentOutOfOrder):
		s.mgr.logger.Error("backup rejected replication rpc",
			"segment", s.segmentID, "backup", r.backupID,
			"state", r.state, "err", err)
	default:
		s.mgr.logger.Warn("replication rpc failed, reselecting backup",
			"segment", s.segmentID, "backup", r.backupID,
			"state", r.state, "err", err)
	}
	if r.state == replicaFreeing {
		// The backup either freed the replica or is gone; both are final
		// enough for a free.
		r.state = replicaFreed
		return
	}
	s.mgr.rereplications++
	r.reset()
}

// sendOpen assigns a backup and issues the open RPC carrying the segment's
// first openLen bytes. Throttled by the write-RPC admission cap and gated
// on the predecessor segment's durable close.
func (s *ReplicatedSegment) sendOpen(r *replica) {
	if !s.openGateClear() {
		return
	}
	if !s.mgr.acquireWriteSlot() {
		return
	}

	exclude := s.backupIDs()
	var id protocol.ServerID
	if r.primary {
		id = s.mgr.selector.ChoosePrimary(exclude)
	} else {
		id = s.mgr.selector.ChooseSecondary(exclude)
	}
	if !id.IsValid() {
		// Selector starvation: no eligible backup right now. Yield; the
		// next scheduling round retries.
		s.mgr.releaseWriteSlot()
		return
	}

	session, err := s.mgr.sessionFor(id)
	if err != nil {
		s.mgr.logger.Warn("cannot reach selected backup",
			"segment", s.segmentID, "backup", id, "err", err)
		if r.primary {
			s.mgr.releasePrimary(id)
		}
		s.mgr.releaseWriteSlot()
		return
	}

	r.backupID = id
	r.session = session
	r.sentBytes = s.openLen
	r.sentClose = false
	r.holdsWriteSlot = true
	r.state = replicaOpening
	r.rpc = session.OpenSegment(s.mgr.masterID, s.segmentID, s.data[:s.openLen], r.primary)
	s.mgr.openRPCs++
}

// sendWrite issues the next chunk, capped at the transport payload limit.
// The close flag rides on the write that reaches the final committed byte;
// a close with no outstanding bytes goes out as an empty write.
func (s *ReplicatedSegment) sendWrite(r *replica) {
	remaining := s.queuedBytes - r.cursor
	if remaining == 0 && (!s.queuedClose || r.state == replicaClosing) {
		return
	}
	if !s.mgr.acquireWriteSlot() {
		// Cap saturated: skip this round rather than block.
		return
	}

	chunk := remaining
	if chunk > s.mgr.maxRPCPayload {
		chunk = s.mgr.maxRPCPayload
	}
	closeFlag := s.queuedClose && r.cursor+chunk == s.queuedBytes

	r.sentBytes = r.cursor + chunk
	r.sentClose = closeFlag
	r.holdsWriteSlot = true
	if chunk == 0 {
		r.state = replicaClosing
	} else {
		r.state = replicaWriting
	}
	r.rpc = r.session.WriteSegment(s.mgr.masterID, s.segmentID,
		uint32(r.cursor), s.data[r.cursor:r.cursor+chunk], closeFlag)
	s.mgr.writeRPCs++
}

// performFree drives every replica to FREED, then asks the manager to
// destroy the segment. Frees are not admission-controlled.
func (s *ReplicatedSegment) performFree() {
	for i := range s.replicas {
		r := &s.replicas[i]

		if r.rpc != nil && r.state != replicaFreeing {
			// Abandon whatever was in flight; the result no longer
			// matters. The RPC completes on its own and is discarded.
			r.rpc = nil
			if r.holdsWriteSlot {
				s.mgr.releaseWriteSlot()
				r.holdsWriteSlot = false
			}
		}

		switch r.state {
		case replicaFreed:
			continue
		case replicaFreeing:
			if r.rpc.Ready() {
				s.finishRPC(r)
			}
		case replicaUnassigned:
			r.state = replicaFreed
		default:
			if !r.backupID.IsValid() || r.session == nil {
				r.state = replicaFreed
				continue
			}
			r.state = replicaFreeing
			r.rpc = r.session.FreeSegment(s.mgr.masterID, s.segmentID)
			s.mgr.freeRPCs++
		}
	}

	for i := range s.replicas {
		if s.replicas[i].state != replicaFreed {
			s.mgr.scheduler.Schedule(s)
			return
		}
	}
	s.mgr.destroyAndFree(s)
}

// handleBackupFailure invalidates every replica slot pointing at a removed
// backup, even ones whose RPCs had already succeeded. Caller holds the
// manager mutex.
func (s *ReplicatedSegment) handleBackupFailure(failedID protocol.ServerID) {
	touched := false
	for i := range s.replicas {
		r := &s.replicas[i]
		if !r.backupID.Equals(failedID) {
			continue
		}
		touched = true
		if r.rpc != nil {
			r.rpc = nil
			if r.holdsWriteSlot {
				s.mgr.releaseWriteSlot()
				r.holdsWriteSlot = false
			}
		}
		if r.state == replicaFreeing || s.freeQueued {
			// Nothing left to free on a dead backup.
			r.state = replicaFreed
			r.session = nil
			continue
		}
		s.mgr.logger.Warn("backup holding replica removed from cluster",
			"segment", s.segmentID, "backup", failedID, "state", r.state)
		s.mgr.rereplications++
		r.reset()
	}
	if touched && !s.destroyed {
		s.mgr.scheduler.Schedule(s)
	}
}

// backupIDs returns the backups currently used by any replica of this
// segment; the selector must not pick these again.
func (s *ReplicatedSegment) backupIDs() []protocol.ServerID {
	ids := make([]protocol.ServerID, 0, len(s.replicas))
	for i := range s.replicas {
		if s.replicas[i].backupID.IsValid() {
			ids = append(ids, s.replicas[i].backupID)
		}
	}
	return ids
}

// replicaStates snapshots the per-slot states, for metrics and tests.
func (s *ReplicatedSegment) replicaStates() []replicaState {
	states := make([]replicaState, len(s.replicas))
	for i := range s.replicas {
		states[i] = s.replicas[i].state
	}
	return states
}
