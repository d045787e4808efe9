package replica

import (
	"log/slog"

	"rampart/directory"
	"rampart/protocol"
)

// BackupStats tracks, per backup, what this master has placed there and how
// fast the backup claims it can read it back during recovery. Stored as the
// tracker annotation for every backup entry.
type BackupStats struct {
	// PrimaryReplicaCount is the number of primary replicas this master
	// has stored on the backup.
	PrimaryReplicaCount int

	// ExpectedReadMBytesPerSec is the disk bandwidth the backup advertised
	// at enlistment.
	ExpectedReadMBytesPerSec uint32
}

// ExpectedReadMs estimates how long recovery would take to read this
// master's primary replicas back from the backup, in milliseconds.
func (s *BackupStats) ExpectedReadMs(segmentBytes int) uint64 {
	speed := uint64(s.ExpectedReadMBytesPerSec)
	if speed == 0 {
		speed = 1
	}
	totalBytes := uint64(s.PrimaryReplicaCount) * uint64(segmentBytes)
	return totalBytes * 1000 / (speed * 1024 * 1024)
}

// Selector picks backups for replicas. Substituted in tests to make
// placement deterministic.
type Selector interface {
	ChoosePrimary(exclude []protocol.ServerID) protocol.ServerID
	ChooseSecondary(exclude []protocol.ServerID) protocol.ServerID
}

// maxSelectorAttempts bounds the resampling done while honoring the
// primary-uniqueness constraint before the selector relaxes it.
const maxSelectorAttempts = 100

// BackupSelector selects backups on which to store replicas while obeying
// placement constraints and balancing expected recovery work. Logically
// part of the Manager and called only with its mutex held.
type BackupSelector struct {
	tracker *directory.Tracker[BackupStats]

	// powerOfKChoices is how many eligible candidates are sampled per
	// primary selection; the least-loaded of them wins.
	powerOfKChoices int

	// segmentBytes is the nominal segment size used in read-time
	// estimates. The absolute value is irrelevant; only ratios matter.
	segmentBytes int

	// onBackupRemoved fires for every backup the tracker reports removed,
	// before the tracker slot is scrubbed. Set by the Manager.
	onBackupRemoved func(protocol.ServerID)

	logger *slog.Logger
}

// NewBackupSelector creates a selector over the manager's backup tracker.
func NewBackupSelector(tracker *directory.Tracker[BackupStats], powerOfKChoices int, logger *slog.Logger) *BackupSelector {
	if logger == nil {
		logger = slog.Default()
	}
	if powerOfKChoices <= 0 {
		powerOfKChoices = 5
	}
	return &BackupSelector{
		tracker:         tracker,
		powerOfKChoices: powerOfKChoices,
		segmentBytes:    protocol.MaxSegmentSize,
		logger:          logger,
	}
}

// ApplyTrackerChanges drains pending directory events: added backups get a
// fresh BackupStats annotation seeded with their advertised read speed;
// removed servers have their annotation cleared and are reported to the
// manager so affected replicas can be invalidated.
func (sel *BackupSelector) ApplyTrackerChanges() {
	for {
		details, event, ok := sel.tracker.GetChange()
		if !ok {
			return
		}
		switch event {
		case directory.ServerAdded:
			if !details.Services.Has(protocol.BackupService) {
				continue
			}
			stats := &BackupStats{ExpectedReadMBytesPerSec: details.ExpectedReadMBytesPerSec}
			if err := sel.tracker.SetAnnotation(details.ID, stats); err != nil {
				sel.logger.Warn("backup vanished before annotation", "backup", details.ID)
			}
		case directory.ServerRemoved:
			_ = sel.tracker.SetAnnotation(details.ID, nil)
			if sel.onBackupRemoved != nil {
				sel.onBackupRemoved(details.ID)
			}
		}
	}
}

// ChoosePrimary picks a backup for a primary replica using power-of-k
// choices: sample up to k candidates not in exclude and not already holding
// a primary of this master, then take the one with the smallest expected
// recovery read time. If constrained sampling finds nothing, the
// primary-uniqueness constraint is relaxed with a warning. Returns the
// invalid id only when no backup outside exclude exists; the caller yields
// and retries on a later scheduling round.
func (sel *BackupSelector) ChoosePrimary(exclude []protocol.ServerID) protocol.ServerID {
	sel.ApplyTrackerChanges()

	best := protocol.InvalidServerID
	var bestMs uint64
	var bestSpeed uint32
	sampled := 0
	for attempt := 0; attempt < maxSelectorAttempts && sampled < sel.powerOfKChoices; attempt++ {
		id := sel.tracker.RandomWithService(protocol.BackupService)
		if !id.IsValid() {
			break
		}
		stats, err := sel.tracker.Annotation(id)
		if err != nil || stats == nil || idInList(id, exclude) {
			continue
		}
		if stats.PrimaryReplicaCount > 0 {
			continue
		}
		ms := stats.ExpectedReadMs(sel.segmentBytes)
		if !best.IsValid() || ms < bestMs ||
			(ms == bestMs && stats.ExpectedReadMBytesPerSec > bestSpeed) {
			best, bestMs, bestSpeed = id, ms, stats.ExpectedReadMBytesPerSec
		}
		sampled++
	}

	if !best.IsValid() {
		best, bestMs = sel.leastLoaded(exclude)
		if best.IsValid() {
			sel.logger.Warn("relaxed primary placement constraint",
				"backup", best, "expectedReadMs", bestMs)
		}
	}
	if best.IsValid() {
		if stats, err := sel.tracker.Annotation(best); err == nil && stats != nil {
			stats.PrimaryReplicaCount++
		}
	}
	return best
}

// leastLoaded samples without the primary-uniqueness constraint, keeping
// the candidate with the smallest expected read time.
func (sel *BackupSelector) leastLoaded(exclude []protocol.ServerID) (protocol.ServerID, uint64) {
	best := protocol.InvalidServerID
	var bestMs uint64
	for attempt := 0; attempt < maxSelectorAttempts; attempt++ {
		id := sel.tracker.RandomWithService(protocol.BackupService)
		if !id.IsValid() {
			break
		}
		stats, err := sel.tracker.Annotation(id)
		if err != nil || stats == nil || idInList(id, exclude) {
			continue
		}
		if ms := stats.ExpectedReadMs(sel.segmentBytes); !best.IsValid() || ms < bestMs {
			best, bestMs = id, ms
		}
	}
	return best, bestMs
}

// ChooseSecondary picks a uniform-random backup outside exclude. Secondary
// placement carries no constraint beyond replica disjointness, and no
// stats are updated.
func (sel *BackupSelector) ChooseSecondary(exclude []protocol.ServerID) protocol.ServerID {
	sel.ApplyTrackerChanges()

	for attempt := 0; attempt < maxSelectorAttempts; attempt++ {
		id := sel.tracker.RandomWithService(protocol.BackupService)
		if !id.IsValid() {
			break
		}
		stats, err := sel.tracker.Annotation(id)
		if err != nil || stats == nil || idInList(id, exclude) {
			continue
		}
		return id
	}
	return protocol.InvalidServerID
}

// ReleasePrimary undoes a primary count for a backup whose session could
// not be established; the replica never reached it.
func (sel *BackupSelector) ReleasePrimary(id protocol.ServerID) {
	if stats, err := sel.tracker.Annotation(id); err == nil && stats != nil &&
		stats.PrimaryReplicaCount > 0 {
		stats.PrimaryReplicaCount--
	}
}

func idInList(id protocol.ServerID, list []protocol.ServerID) bool {
	for _, other := range list {
		if id.Equals(other) {
			return true
		}
	}
	return false
}
