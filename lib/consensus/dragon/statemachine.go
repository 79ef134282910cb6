package dragon

import (
	"fmt"
	"io"

	"github.com/ValentinKolb/dMeta/lib/meta"
	"github.com/ValentinKolb/dMeta/lib/sm"
	dbsm "github.com/lni/dragonboat/v4/statemachine"
)

// --------------------------------------------------------------------------
// State Machine Adapter
// --------------------------------------------------------------------------

// replicaSM adapts the deterministic metadata state machine to Dragonboat's
// IStateMachine interface. Dragonboat owns the log and snapshots; the
// adapter only translates between wire entries and typed commands.
type replicaSM struct {
	replicaID uint64
	shardID   uint64
	sm        *sm.StateMachine
}

// createStateMachineFactory returns a factory that hands Dragonboat a state
// machine wrapping the given replica. The factory pattern lets the engine
// keep a direct reference to the replica for local reads.
func createStateMachineFactory(machine *sm.StateMachine) func(shardID uint64, replicaID uint64) dbsm.IStateMachine {
	return func(shardID uint64, replicaID uint64) dbsm.IStateMachine {
		return &replicaSM{
			replicaID: replicaID,
			shardID:   shardID,
			sm:        machine,
		}
	}
}

// Update applies one committed entry. The entry payload is a serialized
// meta.LogEntry; the result carries the serialized meta.AppliedState so
// SyncPropose callers get the typed outcome back.
func (r *replicaSM) Update(e dbsm.Entry) (dbsm.Result, error) {
	entry := &meta.LogEntry{}
	if err := entry.Deserialize(e.Cmd); err != nil {
		// A committed entry that cannot be decoded means divergent node
		// versions or log corruption. Fail the node instead of diverging.
		return dbsm.Result{}, fmt.Errorf("decoding committed entry at index %d: %w", e.Index, err)
	}

	res := r.sm.Apply(e.Index, entry)

	result := dbsm.Result{Value: uint64(len(e.Cmd))}
	if res != nil {
		result.Data = res.Serialize()
	}
	return result, nil
}

// Lookup hands out the replica itself; reads go through its typed getters.
func (r *replicaSM) Lookup(_ interface{}) (interface{}, error) {
	return r.sm, nil
}

// SaveSnapshot streams the replica state to the writer.
func (r *replicaSM) SaveSnapshot(w io.Writer, _ dbsm.ISnapshotFileCollection, _ <-chan struct{}) error {
	return r.sm.Save(w)
}

// RecoverFromSnapshot replaces the replica state with the snapshot.
func (r *replicaSM) RecoverFromSnapshot(reader io.Reader, _ []dbsm.SnapshotFile, _ <-chan struct{}) error {
	return r.sm.Load(reader)
}

// Close performs any necessary cleanup.
func (r *replicaSM) Close() error {
	return nil
}
