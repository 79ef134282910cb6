package consensus

// Defaults for SnapshotPolicy
const (
	DefaultSnapshotLogsSinceLast = 1024
	DefaultMaxAppliedLogToKeep   = 1000
)

// SnapshotPolicy decides when a node snapshots its state machine and how
// much applied log it keeps behind the snapshot. Keeping a tail of applied
// entries lets slightly lagging followers catch up from the log instead of
// receiving a full snapshot.
type SnapshotPolicy struct {
	// SnapshotLogsSinceLast is the number of applied entries since the
	// last snapshot that triggers a new one.
	SnapshotLogsSinceLast uint64

	// MaxAppliedLogToKeep is the number of applied entries retained behind
	// a snapshot. Zero keeps none: the log is compacted right up to the
	// snapshot index.
	MaxAppliedLogToKeep uint64
}

// DefaultSnapshotPolicy returns the policy used when the config does not
// override it.
func DefaultSnapshotPolicy() SnapshotPolicy {
	return SnapshotPolicy{
		SnapshotLogsSinceLast: DefaultSnapshotLogsSinceLast,
		MaxAppliedLogToKeep:   DefaultMaxAppliedLogToKeep,
	}
}

// ShouldSnapshot reports whether a node with the given applied index and
// last snapshot index is due for a snapshot.
func (p SnapshotPolicy) ShouldSnapshot(applied, lastSnapshot uint64) bool {
	if p.SnapshotLogsSinceLast == 0 {
		return false
	}
	return applied-lastSnapshot >= p.SnapshotLogsSinceLast
}

// CompactBefore returns the first index to keep after a snapshot at
// snapshotIndex: every entry below it may be removed from the log.
func (p SnapshotPolicy) CompactBefore(snapshotIndex uint64) uint64 {
	if p.MaxAppliedLogToKeep >= snapshotIndex {
		return 1
	}
	return snapshotIndex - p.MaxAppliedLogToKeep + 1
}
