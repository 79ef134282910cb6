package meta

import (
	"encoding/binary"
	"fmt"
)

// --------------------------------------------------------------------------
// Applied State
// --------------------------------------------------------------------------

// AppliedKind tags the variant of an AppliedState.
type AppliedKind uint8

const (
	AppliedKV   AppliedKind = iota // Result of UpsertKV.
	AppliedSeq                     // Result of IncrSeq.
	AppliedNode                    // Result of AddNode/RemoveNode.
)

// AppliedState is the typed result of applying a command. For KV and Node
// results, Prev is the value before the application and Result the value
// after it. A rejected precondition is not an error: it yields a KV result
// with Prev == Result so callers can detect the no-op.
type AppliedState struct {
	Kind AppliedKind

	// AppliedKV
	Prev   *SeqV
	Result *SeqV

	// AppliedSeq
	Seq uint64

	// AppliedNode
	PrevNode   *Node
	ResultNode *Node
}

// Changed reports whether the application mutated state. For KV results this
// distinguishes an applied write from a rejected precondition.
func (a *AppliedState) Changed() bool {
	switch a.Kind {
	case AppliedKV:
		if (a.Prev == nil) != (a.Result == nil) {
			return true
		}
		if a.Prev == nil {
			return false
		}
		return !a.Prev.Equal(*a.Result)
	case AppliedSeq:
		return true
	case AppliedNode:
		if (a.PrevNode == nil) != (a.ResultNode == nil) {
			return true
		}
		if a.PrevNode == nil {
			return false
		}
		return *a.PrevNode != *a.ResultNode
	default:
		return false
	}
}

func (a *AppliedState) String() string {
	switch a.Kind {
	case AppliedKV:
		return fmt.Sprintf("KV(prev=%v, result=%v)", a.Prev, a.Result)
	case AppliedSeq:
		return fmt.Sprintf("Seq(%d)", a.Seq)
	case AppliedNode:
		return fmt.Sprintf("Node(prev=%v, result=%v)", a.PrevNode, a.ResultNode)
	default:
		return "Unknown"
	}
}

// --------------------------------------------------------------------------
// Binary Codec
//
// AppliedState crosses the consensus engine boundary as the Data field of a
// proposal result, so it needs a stable binary representation just like
// LogEntry.
// --------------------------------------------------------------------------

const (
	flagAbsent  byte = 0
	flagPresent byte = 1
)

func seqVSize(v *SeqV) int {
	if v == nil {
		return 1
	}
	// present + seq + expireAt + dataLen + data
	return 1 + 8 + 8 + 4 + len(v.Data)
}

func putSeqV(buf []byte, off int, v *SeqV) int {
	if v == nil {
		buf[off] = flagAbsent
		return off + 1
	}
	buf[off] = flagPresent
	off++
	binary.BigEndian.PutUint64(buf[off:off+8], v.Seq)
	off += 8
	var expireAt uint64
	if v.Meta != nil {
		expireAt = v.Meta.ExpireAt
	}
	binary.BigEndian.PutUint64(buf[off:off+8], expireAt)
	off += 8
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(v.Data)))
	off += 4
	copy(buf[off:], v.Data)
	return off + len(v.Data)
}

func getSeqV(data []byte, off int) (*SeqV, int, error) {
	if len(data) < off+1 {
		return nil, 0, fmt.Errorf("data too short for seqv flag")
	}
	if data[off] == flagAbsent {
		return nil, off + 1, nil
	}
	off++
	if len(data) < off+8+8+4 {
		return nil, 0, fmt.Errorf("data too short for seqv header")
	}
	v := &SeqV{Seq: binary.BigEndian.Uint64(data[off : off+8])}
	off += 8
	if expireAt := binary.BigEndian.Uint64(data[off : off+8]); expireAt != 0 {
		v.Meta = &KVMeta{ExpireAt: expireAt}
	}
	off += 8
	n := int(binary.BigEndian.Uint32(data[off : off+4]))
	off += 4
	if len(data) < off+n {
		return nil, 0, fmt.Errorf("data too short for seqv data of length %d", n)
	}
	v.Data = make([]byte, n)
	copy(v.Data, data[off:off+n])
	return v, off + n, nil
}

func nodeSize(n *Node) int {
	if n == nil {
		return 1
	}
	return 1 + 8 + 4 + len(n.Name) + 4 + len(n.Endpoint) + 4 + len(n.APIAddr)
}

func putNode(buf []byte, off int, n *Node) int {
	if n == nil {
		buf[off] = flagAbsent
		return off + 1
	}
	buf[off] = flagPresent
	off++
	binary.BigEndian.PutUint64(buf[off:off+8], uint64(n.ID))
	off += 8
	for _, s := range []string{n.Name, n.Endpoint, n.APIAddr} {
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(s)))
		off += 4
		copy(buf[off:], s)
		off += len(s)
	}
	return off
}

func getNode(data []byte, off int) (*Node, int, error) {
	if len(data) < off+1 {
		return nil, 0, fmt.Errorf("data too short for node flag")
	}
	if data[off] == flagAbsent {
		return nil, off + 1, nil
	}
	off++
	if len(data) < off+8 {
		return nil, 0, fmt.Errorf("data too short for node id")
	}
	n := &Node{ID: NodeID(binary.BigEndian.Uint64(data[off : off+8]))}
	off += 8
	fields := make([]string, 3)
	for i := range fields {
		if len(data) < off+4 {
			return nil, 0, fmt.Errorf("data too short for node field length")
		}
		l := int(binary.BigEndian.Uint32(data[off : off+4]))
		off += 4
		if len(data) < off+l {
			return nil, 0, fmt.Errorf("data too short for node field of length %d", l)
		}
		fields[i] = string(data[off : off+l])
		off += l
	}
	n.Name, n.Endpoint, n.APIAddr = fields[0], fields[1], fields[2]
	return n, off, nil
}

// SizeBytes returns the exact number of bytes needed to serialize the result.
func (a *AppliedState) SizeBytes() int {
	switch a.Kind {
	case AppliedKV:
		return 1 + seqVSize(a.Prev) + seqVSize(a.Result)
	case AppliedSeq:
		return 1 + 8
	case AppliedNode:
		return 1 + nodeSize(a.PrevNode) + nodeSize(a.ResultNode)
	default:
		return 1
	}
}

// Serialize serializes the result into a byte array.
func (a *AppliedState) Serialize() []byte {
	buf := make([]byte, a.SizeBytes())
	buf[0] = byte(a.Kind)
	off := 1
	switch a.Kind {
	case AppliedKV:
		off = putSeqV(buf, off, a.Prev)
		putSeqV(buf, off, a.Result)
	case AppliedSeq:
		binary.BigEndian.PutUint64(buf[off:off+8], a.Seq)
	case AppliedNode:
		off = putNode(buf, off, a.PrevNode)
		putNode(buf, off, a.ResultNode)
	}
	return buf
}

// Deserialize extracts all result fields from a byte array.
func (a *AppliedState) Deserialize(data []byte) error {
	if len(data) < 1 {
		return fmt.Errorf("data too short for applied state")
	}
	*a = AppliedState{Kind: AppliedKind(data[0])}
	off := 1
	var err error
	switch a.Kind {
	case AppliedKV:
		if a.Prev, off, err = getSeqV(data, off); err != nil {
			return err
		}
		if a.Result, _, err = getSeqV(data, off); err != nil {
			return err
		}
	case AppliedSeq:
		if len(data) < off+8 {
			return fmt.Errorf("data too short for seq result")
		}
		a.Seq = binary.BigEndian.Uint64(data[off : off+8])
	case AppliedNode:
		if a.PrevNode, off, err = getNode(data, off); err != nil {
			return err
		}
		if a.ResultNode, _, err = getNode(data, off); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown applied state kind %d", data[0])
	}
	return nil
}
