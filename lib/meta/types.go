package meta

import (
	"fmt"
)

// --------------------------------------------------------------------------
// Node Identity
// --------------------------------------------------------------------------

// NodeID uniquely identifies a cluster member. It is assigned once when the
// node first joins (or boots) the cluster and never changes afterwards.
type NodeID uint64

// Node describes a cluster member: its raft transport endpoint and the
// address of its external API. The descriptor is itself committed state -
// every replica holds the address book of the whole cluster.
type Node struct {
	ID       NodeID `json:"id"`
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"` // host:port of the consensus transport
	APIAddr  string `json:"api_addr"` // optional external API address
}

func (n Node) String() string {
	return fmt.Sprintf("node-%d(%s, raft=%s, api=%s)", n.ID, n.Name, n.Endpoint, n.APIAddr)
}

// --------------------------------------------------------------------------
// Stored Value Envelope
// --------------------------------------------------------------------------

// KVMeta is optional metadata attached to a stored value.
type KVMeta struct {
	// ExpireAt is a unix timestamp (seconds) after which the value is
	// considered expired. Zero means no expiration.
	ExpireAt uint64 `json:"expire_at,omitempty"`
}

// SeqV is the envelope every stored value lives in. Seq is the per-key
// version counter used for optimistic concurrency: it increases on every
// applied update of the key and never decreases.
type SeqV struct {
	Seq  uint64  `json:"seq"`
	Data []byte  `json:"data"`
	Meta *KVMeta `json:"meta,omitempty"`
}

func (s SeqV) String() string {
	return fmt.Sprintf("SeqV(seq=%d, %d bytes)", s.Seq, len(s.Data))
}

// Clone returns a deep copy of the envelope.
func (s SeqV) Clone() SeqV {
	c := SeqV{Seq: s.Seq, Data: append([]byte(nil), s.Data...)}
	if s.Meta != nil {
		m := *s.Meta
		c.Meta = &m
	}
	return c
}

// Equal reports whether two SeqV values are byte-for-byte identical.
func (s SeqV) Equal(o SeqV) bool {
	if s.Seq != o.Seq || len(s.Data) != len(o.Data) {
		return false
	}
	for i := range s.Data {
		if s.Data[i] != o.Data[i] {
			return false
		}
	}
	if (s.Meta == nil) != (o.Meta == nil) {
		return false
	}
	if s.Meta != nil && s.Meta.ExpireAt != o.Meta.ExpireAt {
		return false
	}
	return true
}

// --------------------------------------------------------------------------
// Conditional Write Preconditions
// --------------------------------------------------------------------------

// MatchKind enumerates the precondition kinds of a conditional write.
type MatchKind uint8

const (
	MatchKindAny            MatchKind = iota // Write unconditionally.
	MatchKindExact                           // Write only if the current seq equals Seq.
	MatchKindGreaterOrEqual                  // Write only if the current seq is >= Seq.
)

func (k MatchKind) String() string {
	switch k {
	case MatchKindAny:
		return "Any"
	case MatchKindExact:
		return "Exact"
	case MatchKindGreaterOrEqual:
		return "GreaterOrEqual"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(k))
	}
}

// MatchSeq is the precondition under which a conditional write takes effect.
// An absent key has logical seq 0, so MatchExact(0) means "only if absent".
type MatchSeq struct {
	Kind MatchKind
	Seq  uint64
}

// MatchAny returns a precondition that always passes.
func MatchAny() MatchSeq { return MatchSeq{Kind: MatchKindAny} }

// MatchExact returns a precondition that passes only if the current seq
// equals n.
func MatchExact(n uint64) MatchSeq { return MatchSeq{Kind: MatchKindExact, Seq: n} }

// MatchGE returns a precondition that passes only if the current seq is
// greater than or equal to n.
func MatchGE(n uint64) MatchSeq { return MatchSeq{Kind: MatchKindGreaterOrEqual, Seq: n} }

// Match evaluates the precondition against the current seq of a key.
func (m MatchSeq) Match(current uint64) bool {
	switch m.Kind {
	case MatchKindAny:
		return true
	case MatchKindExact:
		return current == m.Seq
	case MatchKindGreaterOrEqual:
		return current >= m.Seq
	default:
		return false
	}
}

func (m MatchSeq) String() string {
	if m.Kind == MatchKindAny {
		return "Any"
	}
	return fmt.Sprintf("%s(%d)", m.Kind, m.Seq)
}

// --------------------------------------------------------------------------
// Value Operation
// --------------------------------------------------------------------------

// OpKind enumerates what an UpsertKV does with the value of a key.
type OpKind uint8

const (
	OpUpdate OpKind = iota // Store a new value.
	OpDelete               // Remove the entry.
)

func (k OpKind) String() string {
	switch k {
	case OpUpdate:
		return "Update"
	case OpDelete:
		return "Delete"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(k))
	}
}

// Operation is the value part of an UpsertKV: either a new value or a
// deletion.
type Operation struct {
	Kind  OpKind
	Value []byte // only meaningful for OpUpdate
}

// Update returns an Operation that stores value.
func Update(value []byte) Operation { return Operation{Kind: OpUpdate, Value: value} }

// Delete returns an Operation that removes the entry.
func Delete() Operation { return Operation{Kind: OpDelete} }
