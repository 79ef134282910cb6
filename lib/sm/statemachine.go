package sm

import (
	"sort"
	"sync"

	"github.com/ValentinKolb/dMeta/lib/meta"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("sm")

// --------------------------------------------------------------------------
// State Machine
// --------------------------------------------------------------------------

// StateMachine is the deterministic core of a dMeta node. All mutation goes
// through Apply, which the consensus engine invokes exactly once per
// committed index and strictly in index order. Two state machines that have
// applied the same log prefix hold bit-identical contents.
//
// Reads (GetKV, GetNode, Nodes, ...) take a shared lock and may run
// concurrently with a single Apply.
type StateMachine struct {
	mu sync.RWMutex

	lastApplied uint64

	// seqGen mints the seq of every applied update. One cluster-wide
	// generator keeps seq values unique and monotonic even when a key is
	// deleted and re-created. It is not reachable through IncrSeq, so user
	// counters never interleave with minted seqs.
	seqGen uint64

	kv    map[string]meta.SeqV
	seqs  map[string]uint64
	nodes map[meta.NodeID]meta.Node

	// txResults caches results by transaction id so that retried entries
	// (same non-zero TxID) return the original result instead of applying
	// twice. The cache is part of the replicated state and is included in
	// snapshots.
	txResults map[uint64][]byte
}

// New creates an empty state machine.
func New() *StateMachine {
	return &StateMachine{
		kv:        make(map[string]meta.SeqV),
		seqs:      make(map[string]uint64),
		nodes:     make(map[meta.NodeID]meta.Node),
		txResults: make(map[uint64][]byte),
	}
}

// --------------------------------------------------------------------------
// Apply Path
// --------------------------------------------------------------------------

// Apply applies a committed entry at the given log index and returns the
// typed result. Entries at or below the last applied index are replays
// (restart catch-up) and are ignored; Apply returns nil for them.
//
// Apply never fails for well-formed committed entries. A rejected write
// precondition is an ordinary successful result with prev == result.
func (s *StateMachine) Apply(index uint64, entry *meta.LogEntry) *meta.AppliedState {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index <= s.lastApplied {
		log.Debugf("ignoring replayed entry at index %d (last applied %d)", index, s.lastApplied)
		return nil
	}
	s.lastApplied = index

	// Idempotent retry: return the cached result without reapplying.
	if entry.TxID != 0 {
		if cached, ok := s.txResults[entry.TxID]; ok {
			res := &meta.AppliedState{}
			if err := res.Deserialize(cached); err == nil {
				return res
			}
		}
	}

	var res *meta.AppliedState
	switch entry.Cmd.Type {
	case meta.CmdUpsertKV:
		res = s.applyUpsertKV(&entry.Cmd)
	case meta.CmdIncrSeq:
		res = s.applyIncrSeq(&entry.Cmd)
	case meta.CmdAddNode:
		res = s.applyAddNode(&entry.Cmd)
	case meta.CmdRemoveNode:
		res = s.applyRemoveNode(&entry.Cmd)
	default:
		// Unknown commands come from a newer node version. Treat as no-op
		// so that older replicas stay in lockstep instead of diverging.
		log.Warningf("unknown command type %d at index %d applied as no-op", entry.Cmd.Type, index)
		res = &meta.AppliedState{Kind: meta.AppliedKV}
	}

	if entry.TxID != 0 {
		s.txResults[entry.TxID] = res.Serialize()
	}
	return res
}

// applyUpsertKV implements the conditional update algorithm: evaluate the
// MatchSeq precondition against the current seq (absent key = seq 0), then
// either mint the next per-key seq and store, or remove the entry.
func (s *StateMachine) applyUpsertKV(cmd *meta.Cmd) *meta.AppliedState {
	var prev *meta.SeqV
	var current uint64
	if v, ok := s.kv[cmd.Key]; ok {
		c := v.Clone()
		prev = &c
		current = v.Seq
	}

	if !cmd.Seq.Match(current) {
		// Precondition not met: no mutation, result mirrors prev.
		return &meta.AppliedState{Kind: meta.AppliedKV, Prev: prev, Result: prev}
	}

	switch cmd.Op.Kind {
	case meta.OpUpdate:
		s.seqGen++
		next := meta.SeqV{
			Seq:  s.seqGen,
			Data: append([]byte(nil), cmd.Op.Value...),
		}
		// The entry codec carries the expiry as a bare uint64 where zero
		// means none, so zero-expiry metadata canonicalizes to no metadata.
		// Otherwise a replica applying the in-memory entry and one replaying
		// the serialized log would disagree on Meta presence.
		if cmd.Meta != nil && cmd.Meta.ExpireAt != 0 {
			m := *cmd.Meta
			next.Meta = &m
		}
		s.kv[cmd.Key] = next
		result := next.Clone()
		return &meta.AppliedState{Kind: meta.AppliedKV, Prev: prev, Result: &result}
	case meta.OpDelete:
		delete(s.kv, cmd.Key)
		return &meta.AppliedState{Kind: meta.AppliedKV, Prev: prev, Result: nil}
	default:
		return &meta.AppliedState{Kind: meta.AppliedKV, Prev: prev, Result: prev}
	}
}

func (s *StateMachine) applyIncrSeq(cmd *meta.Cmd) *meta.AppliedState {
	return &meta.AppliedState{Kind: meta.AppliedSeq, Seq: s.incr(cmd.Key)}
}

// incr allocates the next value of a named counter. Callers hold the write
// lock.
func (s *StateMachine) incr(key string) uint64 {
	next := s.seqs[key] + 1
	s.seqs[key] = next
	return next
}

func (s *StateMachine) applyAddNode(cmd *meta.Cmd) *meta.AppliedState {
	var prev *meta.Node
	if n, ok := s.nodes[cmd.Node.ID]; ok {
		c := n
		prev = &c
	}
	s.nodes[cmd.Node.ID] = cmd.Node
	result := cmd.Node
	return &meta.AppliedState{Kind: meta.AppliedNode, PrevNode: prev, ResultNode: &result}
}

func (s *StateMachine) applyRemoveNode(cmd *meta.Cmd) *meta.AppliedState {
	var prev *meta.Node
	if n, ok := s.nodes[cmd.NodeID]; ok {
		c := n
		prev = &c
		delete(s.nodes, cmd.NodeID)
	}
	return &meta.AppliedState{Kind: meta.AppliedNode, PrevNode: prev, ResultNode: nil}
}

// --------------------------------------------------------------------------
// Read Path
// --------------------------------------------------------------------------

// LastApplied returns the highest log index applied so far.
func (s *StateMachine) LastApplied() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastApplied
}

// GetKV returns the stored value for key. The boolean return value
// indicates whether a value was found.
func (s *StateMachine) GetKV(key string) (meta.SeqV, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.kv[key]
	if !ok {
		return meta.SeqV{}, false
	}
	return v.Clone(), true
}

// GetNode returns the committed descriptor for a node id.
func (s *StateMachine) GetNode(id meta.NodeID) (meta.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	return n, ok
}

// Nodes returns all committed node descriptors sorted by id.
func (s *StateMachine) Nodes() []meta.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]meta.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CurrSeq returns the current value of a named counter without incrementing.
func (s *StateMachine) CurrSeq(key string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seqs[key]
}
