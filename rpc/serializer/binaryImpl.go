package serializer

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/dMeta/rpc/common"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present. The booleans
// (Ok, Forward, LeaderKnown) ride entirely in the flags, they have no
// payload.
const (
	hasBudget  uint16 = 1 << 0
	hasKey     uint16 = 1 << 1
	hasEntry   uint16 = 1 << 2
	hasNodeID  uint16 = 1 << 3
	hasOk      uint16 = 1 << 4
	hasResult  uint16 = 1 << 5
	hasNodes   uint16 = 1 << 6
	hasLeader  uint16 = 1 << 7
	hasKnown   uint16 = 1 << 8
	hasErr     uint16 = 1 << 9
	hasForward uint16 = 1 << 10
)

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	// Calculate total size needed
	totalSize := b.sizeBytes(msg)
	result := make([]byte, totalSize)

	// Write message type
	result[0] = byte(msg.MsgType)

	var flags uint16

	// Set position for writing (after MsgType and flags)
	pos := 3

	putUint32 := func(v uint32) {
		binary.BigEndian.PutUint32(result[pos:pos+4], v)
		pos += 4
	}
	putUint64 := func(v uint64) {
		binary.BigEndian.PutUint64(result[pos:pos+8], v)
		pos += 8
	}
	putBytes := func(data []byte) {
		putUint32(uint32(len(data)))
		copy(result[pos:], data)
		pos += len(data)
	}

	if msg.Budget > 0 {
		flags |= hasBudget
		putUint32(uint32(msg.Budget))
	}
	if msg.Key != "" {
		flags |= hasKey
		putBytes([]byte(msg.Key))
	}
	if msg.Entry != nil {
		flags |= hasEntry
		putBytes(msg.Entry)
	}
	if msg.NodeID > 0 {
		flags |= hasNodeID
		putUint64(msg.NodeID)
	}
	if msg.Ok {
		flags |= hasOk
	}
	if msg.Result != nil {
		flags |= hasResult
		putBytes(msg.Result)
	}
	if msg.Nodes != nil {
		flags |= hasNodes
		putUint32(uint32(len(msg.Nodes)))
		for _, n := range msg.Nodes {
			putUint64(n.ID)
			putBytes([]byte(n.Name))
			putBytes([]byte(n.Endpoint))
			putBytes([]byte(n.APIAddr))
		}
	}
	if msg.Forward {
		flags |= hasForward
	}
	if msg.Leader > 0 {
		flags |= hasLeader
		putUint64(msg.Leader)
	}
	if msg.LeaderKnown {
		flags |= hasKnown
	}
	if msg.Err != "" {
		flags |= hasErr
		putBytes([]byte(msg.Err))
	}

	// Set flags after knowing which fields are present
	binary.BigEndian.PutUint16(result[1:3], flags)

	return result, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	// Check minimum size (MsgType + flags)
	if len(data) < 3 {
		return fmt.Errorf("data too short for message header")
	}

	// Reset the message so absent fields do not keep stale values
	*msg = common.Message{}

	msg.MsgType = common.MessageType(data[0])
	flags := binary.BigEndian.Uint16(data[1:3])

	pos := 3

	getUint32 := func() (uint32, error) {
		if pos+4 > len(data) {
			return 0, fmt.Errorf("data too short for uint32 field")
		}
		v := binary.BigEndian.Uint32(data[pos : pos+4])
		pos += 4
		return v, nil
	}
	getUint64 := func() (uint64, error) {
		if pos+8 > len(data) {
			return 0, fmt.Errorf("data too short for uint64 field")
		}
		v := binary.BigEndian.Uint64(data[pos : pos+8])
		pos += 8
		return v, nil
	}
	getBytes := func() ([]byte, error) {
		n, err := getUint32()
		if err != nil {
			return nil, err
		}
		if pos+int(n) > len(data) {
			return nil, fmt.Errorf("data too short for variable length field")
		}
		out := make([]byte, n)
		copy(out, data[pos:pos+int(n)])
		pos += int(n)
		return out, nil
	}

	var err error

	if flags&hasBudget != 0 {
		var v uint32
		if v, err = getUint32(); err != nil {
			return err
		}
		msg.Budget = int(v)
	}
	if flags&hasKey != 0 {
		var v []byte
		if v, err = getBytes(); err != nil {
			return err
		}
		msg.Key = string(v)
	}
	if flags&hasEntry != 0 {
		if msg.Entry, err = getBytes(); err != nil {
			return err
		}
	}
	if flags&hasNodeID != 0 {
		if msg.NodeID, err = getUint64(); err != nil {
			return err
		}
	}
	msg.Ok = flags&hasOk != 0
	if flags&hasResult != 0 {
		if msg.Result, err = getBytes(); err != nil {
			return err
		}
	}
	if flags&hasNodes != 0 {
		count, err := getUint32()
		if err != nil {
			return err
		}
		msg.Nodes = make([]common.NodeInfo, 0, count)
		for i := uint32(0); i < count; i++ {
			var n common.NodeInfo
			if n.ID, err = getUint64(); err != nil {
				return err
			}
			fields := make([]string, 3)
			for j := range fields {
				v, err := getBytes()
				if err != nil {
					return err
				}
				fields[j] = string(v)
			}
			n.Name, n.Endpoint, n.APIAddr = fields[0], fields[1], fields[2]
			msg.Nodes = append(msg.Nodes, n)
		}
	}
	msg.Forward = flags&hasForward != 0
	if flags&hasLeader != 0 {
		if msg.Leader, err = getUint64(); err != nil {
			return err
		}
	}
	msg.LeaderKnown = flags&hasKnown != 0
	if flags&hasErr != 0 {
		var v []byte
		if v, err = getBytes(); err != nil {
			return err
		}
		msg.Err = string(v)
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// sizeBytes calculates the total size needed for serialization
func (b binarySerializerImpl) sizeBytes(msg common.Message) int {
	// 1 byte for MsgType + 2 bytes for flags
	size := 3

	if msg.Budget > 0 {
		size += 4
	}
	if msg.Key != "" {
		size += 4 + len(msg.Key)
	}
	if msg.Entry != nil {
		size += 4 + len(msg.Entry)
	}
	if msg.NodeID > 0 {
		size += 8
	}
	if msg.Result != nil {
		size += 4 + len(msg.Result)
	}
	if msg.Nodes != nil {
		size += 4
		for _, n := range msg.Nodes {
			size += 8 + 4 + len(n.Name) + 4 + len(n.Endpoint) + 4 + len(n.APIAddr)
		}
	}
	if msg.Leader > 0 {
		size += 8
	}
	if msg.Err != "" {
		size += 4 + len(msg.Err)
	}

	return size
}
