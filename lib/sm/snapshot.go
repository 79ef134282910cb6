package sm

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/ValentinKolb/dMeta/lib/meta"
)

// Constants for the snapshot file format
const (
	magicNum        = "DMETASM\x00" // Snapshot format identifier
	snapshotVersion = 1
)

// --------------------------------------------------------------------------
// Snapshot Save
// --------------------------------------------------------------------------

// Save writes a point-in-time serialization of the state machine to w.
// It holds the read lock for the duration, so it runs concurrently with
// reads but serializes against Apply - the snapshot covers exactly the
// state up to LastApplied at the time of the call.
//
// All maps are written in sorted key order so that two state machines with
// identical contents produce identical snapshot bytes.
func (s *StateMachine) Save(w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bw := bufio.NewWriter(w)

	if _, err := bw.WriteString(magicNum); err != nil {
		return err
	}
	if err := writeUint64(bw, snapshotVersion); err != nil {
		return err
	}
	if err := writeUint64(bw, s.lastApplied); err != nil {
		return err
	}
	if err := writeUint64(bw, s.seqGen); err != nil {
		return err
	}

	// kv namespace
	keys := make([]string, 0, len(s.kv))
	for k := range s.kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if err := writeUint64(bw, uint64(len(keys))); err != nil {
		return err
	}
	for _, k := range keys {
		v := s.kv[k]
		if err := writeBytes(bw, []byte(k)); err != nil {
			return err
		}
		if err := writeUint64(bw, v.Seq); err != nil {
			return err
		}
		var expireAt uint64
		if v.Meta != nil {
			expireAt = v.Meta.ExpireAt
		}
		if err := writeUint64(bw, expireAt); err != nil {
			return err
		}
		if err := writeBytes(bw, v.Data); err != nil {
			return err
		}
	}

	// counters
	seqKeys := make([]string, 0, len(s.seqs))
	for k := range s.seqs {
		seqKeys = append(seqKeys, k)
	}
	sort.Strings(seqKeys)
	if err := writeUint64(bw, uint64(len(seqKeys))); err != nil {
		return err
	}
	for _, k := range seqKeys {
		if err := writeBytes(bw, []byte(k)); err != nil {
			return err
		}
		if err := writeUint64(bw, s.seqs[k]); err != nil {
			return err
		}
	}

	// node registry
	ids := make([]meta.NodeID, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if err := writeUint64(bw, uint64(len(ids))); err != nil {
		return err
	}
	for _, id := range ids {
		n := s.nodes[id]
		if err := writeUint64(bw, uint64(n.ID)); err != nil {
			return err
		}
		for _, f := range []string{n.Name, n.Endpoint, n.APIAddr} {
			if err := writeBytes(bw, []byte(f)); err != nil {
				return err
			}
		}
	}

	// transaction result cache
	txIDs := make([]uint64, 0, len(s.txResults))
	for id := range s.txResults {
		txIDs = append(txIDs, id)
	}
	sort.Slice(txIDs, func(i, j int) bool { return txIDs[i] < txIDs[j] })
	if err := writeUint64(bw, uint64(len(txIDs))); err != nil {
		return err
	}
	for _, id := range txIDs {
		if err := writeUint64(bw, id); err != nil {
			return err
		}
		if err := writeBytes(bw, s.txResults[id]); err != nil {
			return err
		}
	}

	return bw.Flush()
}

// --------------------------------------------------------------------------
// Snapshot Load
// --------------------------------------------------------------------------

// Load replaces the state machine contents with the snapshot read from r.
// A malformed snapshot is a fatal storage error: the caller must refuse to
// serve rather than continue with partial state.
func (s *StateMachine) Load(r io.Reader) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	br := bufio.NewReader(r)

	magic := make([]byte, len(magicNum))
	if _, err := io.ReadFull(br, magic); err != nil {
		return fmt.Errorf("%w: reading snapshot header: %v", meta.ErrStorageCorrupt, err)
	}
	if string(magic) != magicNum {
		return fmt.Errorf("%w: bad snapshot magic", meta.ErrStorageCorrupt)
	}
	version, err := readUint64(br)
	if err != nil {
		return fmt.Errorf("%w: reading snapshot version: %v", meta.ErrStorageCorrupt, err)
	}
	if version != snapshotVersion {
		return fmt.Errorf("%w: unsupported snapshot version %d", meta.ErrStorageCorrupt, version)
	}

	lastApplied, err := readUint64(br)
	if err != nil {
		return fmt.Errorf("%w: %v", meta.ErrStorageCorrupt, err)
	}
	seqGen, err := readUint64(br)
	if err != nil {
		return fmt.Errorf("%w: %v", meta.ErrStorageCorrupt, err)
	}

	kv := make(map[string]meta.SeqV)
	nKV, err := readUint64(br)
	if err != nil {
		return fmt.Errorf("%w: %v", meta.ErrStorageCorrupt, err)
	}
	for i := uint64(0); i < nKV; i++ {
		key, err := readBytes(br)
		if err != nil {
			return fmt.Errorf("%w: %v", meta.ErrStorageCorrupt, err)
		}
		seq, err := readUint64(br)
		if err != nil {
			return fmt.Errorf("%w: %v", meta.ErrStorageCorrupt, err)
		}
		expireAt, err := readUint64(br)
		if err != nil {
			return fmt.Errorf("%w: %v", meta.ErrStorageCorrupt, err)
		}
		data, err := readBytes(br)
		if err != nil {
			return fmt.Errorf("%w: %v", meta.ErrStorageCorrupt, err)
		}
		v := meta.SeqV{Seq: seq, Data: data}
		if expireAt != 0 {
			v.Meta = &meta.KVMeta{ExpireAt: expireAt}
		}
		kv[string(key)] = v
	}

	seqs := make(map[string]uint64)
	nSeq, err := readUint64(br)
	if err != nil {
		return fmt.Errorf("%w: %v", meta.ErrStorageCorrupt, err)
	}
	for i := uint64(0); i < nSeq; i++ {
		key, err := readBytes(br)
		if err != nil {
			return fmt.Errorf("%w: %v", meta.ErrStorageCorrupt, err)
		}
		val, err := readUint64(br)
		if err != nil {
			return fmt.Errorf("%w: %v", meta.ErrStorageCorrupt, err)
		}
		seqs[string(key)] = val
	}

	nodes := make(map[meta.NodeID]meta.Node)
	nNodes, err := readUint64(br)
	if err != nil {
		return fmt.Errorf("%w: %v", meta.ErrStorageCorrupt, err)
	}
	for i := uint64(0); i < nNodes; i++ {
		id, err := readUint64(br)
		if err != nil {
			return fmt.Errorf("%w: %v", meta.ErrStorageCorrupt, err)
		}
		fields := make([]string, 3)
		for j := range fields {
			b, err := readBytes(br)
			if err != nil {
				return fmt.Errorf("%w: %v", meta.ErrStorageCorrupt, err)
			}
			fields[j] = string(b)
		}
		nodes[meta.NodeID(id)] = meta.Node{
			ID:       meta.NodeID(id),
			Name:     fields[0],
			Endpoint: fields[1],
			APIAddr:  fields[2],
		}
	}

	txResults := make(map[uint64][]byte)
	nTx, err := readUint64(br)
	if err != nil {
		return fmt.Errorf("%w: %v", meta.ErrStorageCorrupt, err)
	}
	for i := uint64(0); i < nTx; i++ {
		id, err := readUint64(br)
		if err != nil {
			return fmt.Errorf("%w: %v", meta.ErrStorageCorrupt, err)
		}
		res, err := readBytes(br)
		if err != nil {
			return fmt.Errorf("%w: %v", meta.ErrStorageCorrupt, err)
		}
		txResults[id] = res
	}

	// Only swap in the new state once the whole snapshot parsed cleanly.
	s.lastApplied = lastApplied
	s.seqGen = seqGen
	s.kv = kv
	s.seqs = seqs
	s.nodes = nodes
	s.txResults = txResults
	return nil
}

// --------------------------------------------------------------------------
// Encoding Helpers
// --------------------------------------------------------------------------

func writeUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func writeBytes(w io.Writer, b []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
