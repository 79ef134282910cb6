package meta

import (
	"encoding/binary"
	"fmt"
)

// --------------------------------------------------------------------------
// Command Types
// --------------------------------------------------------------------------

// CmdType defines the closed set of operations the state machine applies.
type CmdType uint8

const (
	CmdUpsertKV   CmdType = iota // Conditional insert, update or delete of a key.
	CmdIncrSeq                   // Atomic increment of a named counter.
	CmdAddNode                   // Register a node descriptor (join).
	CmdRemoveNode                // Deregister a node descriptor (leave).
)

func (ct CmdType) String() string {
	switch ct {
	case CmdUpsertKV:
		return "UpsertKV"
	case CmdIncrSeq:
		return "IncrSeq"
	case CmdAddNode:
		return "AddNode"
	case CmdRemoveNode:
		return "RemoveNode"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(ct))
	}
}

// Cmd is a single command carried by a log entry. Which fields are used
// depends on Type:
//
//	UpsertKV:   Key, Seq, Op, Meta
//	IncrSeq:    Key
//	AddNode:    Node
//	RemoveNode: NodeID
type Cmd struct {
	Type   CmdType
	Key    string
	Seq    MatchSeq
	Op     Operation
	Meta   *KVMeta
	Node   Node
	NodeID NodeID
}

func (c *Cmd) String() string {
	switch c.Type {
	case CmdUpsertKV:
		return fmt.Sprintf("UpsertKV(key=%q, seq=%s, op=%s)", c.Key, c.Seq, c.Op.Kind)
	case CmdIncrSeq:
		return fmt.Sprintf("IncrSeq(key=%q)", c.Key)
	case CmdAddNode:
		return fmt.Sprintf("AddNode(%s)", c.Node)
	case CmdRemoveNode:
		return fmt.Sprintf("RemoveNode(%d)", c.NodeID)
	default:
		return c.Type.String()
	}
}

// --------------------------------------------------------------------------
// Log Entry
// --------------------------------------------------------------------------

// LogEntry is the unit proposed to the consensus engine. TxID is an optional
// client supplied transaction id (zero means none): retrying a mutating
// request with the same non-zero TxID is idempotent, the state machine
// returns the result of the first application.
type LogEntry struct {
	TxID uint64
	Cmd  Cmd
}

// SizeBytes returns the exact number of bytes needed to serialize the entry.
func (e *LogEntry) SizeBytes() int {
	// Type + TxID
	size := 1 + 8
	switch e.Cmd.Type {
	case CmdUpsertKV:
		// MatchKind + MatchSeq + OpKind + ExpireAt + KeyLen + Key + ValueLen + Value
		size += 1 + 8 + 1 + 8 + 4 + len(e.Cmd.Key) + 4 + len(e.Cmd.Op.Value)
	case CmdIncrSeq:
		size += 4 + len(e.Cmd.Key)
	case CmdAddNode:
		size += 8 + 4 + len(e.Cmd.Node.Name) + 4 + len(e.Cmd.Node.Endpoint) + 4 + len(e.Cmd.Node.APIAddr)
	case CmdRemoveNode:
		size += 8
	}
	return size
}

// Serialize serializes the entry into a byte array with the format:
// 1 byte for the command type,
// 8 bytes for the transaction id (big endian),
// followed by a type specific payload with 4 byte big endian length
// prefixes for all variable length fields.
func (e *LogEntry) Serialize() []byte {
	buf := make([]byte, e.SizeBytes())

	buf[0] = byte(e.Cmd.Type)
	binary.BigEndian.PutUint64(buf[1:9], e.TxID)
	off := 9

	putBytes := func(b []byte) {
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(b)))
		off += 4
		copy(buf[off:], b)
		off += len(b)
	}

	switch e.Cmd.Type {
	case CmdUpsertKV:
		buf[off] = byte(e.Cmd.Seq.Kind)
		off++
		binary.BigEndian.PutUint64(buf[off:off+8], e.Cmd.Seq.Seq)
		off += 8
		buf[off] = byte(e.Cmd.Op.Kind)
		off++
		var expireAt uint64
		if e.Cmd.Meta != nil {
			expireAt = e.Cmd.Meta.ExpireAt
		}
		binary.BigEndian.PutUint64(buf[off:off+8], expireAt)
		off += 8
		putBytes([]byte(e.Cmd.Key))
		putBytes(e.Cmd.Op.Value)
	case CmdIncrSeq:
		putBytes([]byte(e.Cmd.Key))
	case CmdAddNode:
		binary.BigEndian.PutUint64(buf[off:off+8], uint64(e.Cmd.Node.ID))
		off += 8
		putBytes([]byte(e.Cmd.Node.Name))
		putBytes([]byte(e.Cmd.Node.Endpoint))
		putBytes([]byte(e.Cmd.Node.APIAddr))
	case CmdRemoveNode:
		binary.BigEndian.PutUint64(buf[off:off+8], uint64(e.Cmd.NodeID))
		off += 8
	}

	return buf
}

// Deserialize extracts all entry fields from a byte array.
func (e *LogEntry) Deserialize(data []byte) error {
	if len(data) < 9 {
		return fmt.Errorf("data too short for log entry")
	}

	e.Cmd = Cmd{Type: CmdType(data[0])}
	e.TxID = binary.BigEndian.Uint64(data[1:9])
	off := 9

	need := func(n int) error {
		if len(data) < off+n {
			return fmt.Errorf("data too short for %s entry", e.Cmd.Type)
		}
		return nil
	}

	getBytes := func() ([]byte, error) {
		if err := need(4); err != nil {
			return nil, err
		}
		n := int(binary.BigEndian.Uint32(data[off : off+4]))
		off += 4
		if err := need(n); err != nil {
			return nil, err
		}
		b := make([]byte, n)
		copy(b, data[off:off+n])
		off += n
		return b, nil
	}

	switch e.Cmd.Type {
	case CmdUpsertKV:
		if err := need(1 + 8 + 1 + 8); err != nil {
			return err
		}
		e.Cmd.Seq.Kind = MatchKind(data[off])
		off++
		e.Cmd.Seq.Seq = binary.BigEndian.Uint64(data[off : off+8])
		off += 8
		e.Cmd.Op.Kind = OpKind(data[off])
		off++
		expireAt := binary.BigEndian.Uint64(data[off : off+8])
		off += 8
		if expireAt != 0 {
			e.Cmd.Meta = &KVMeta{ExpireAt: expireAt}
		}
		key, err := getBytes()
		if err != nil {
			return err
		}
		e.Cmd.Key = string(key)
		val, err := getBytes()
		if err != nil {
			return err
		}
		if e.Cmd.Op.Kind == OpUpdate {
			e.Cmd.Op.Value = val
		}
	case CmdIncrSeq:
		key, err := getBytes()
		if err != nil {
			return err
		}
		e.Cmd.Key = string(key)
	case CmdAddNode:
		if err := need(8); err != nil {
			return err
		}
		e.Cmd.Node.ID = NodeID(binary.BigEndian.Uint64(data[off : off+8]))
		off += 8
		name, err := getBytes()
		if err != nil {
			return err
		}
		endpoint, err := getBytes()
		if err != nil {
			return err
		}
		apiAddr, err := getBytes()
		if err != nil {
			return err
		}
		e.Cmd.Node.Name = string(name)
		e.Cmd.Node.Endpoint = string(endpoint)
		e.Cmd.Node.APIAddr = string(apiAddr)
	case CmdRemoveNode:
		if err := need(8); err != nil {
			return err
		}
		e.Cmd.NodeID = NodeID(binary.BigEndian.Uint64(data[off : off+8]))
		off += 8
	default:
		return fmt.Errorf("unknown command type %d", data[0])
	}

	return nil
}
