package store

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ValentinKolb/dMeta/lib/meta"
	"github.com/lni/dragonboat/v4/logger"
	bolt "go.etcd.io/bbolt"
)

var log = logger.GetLogger("store")

// dbFileName is the single boltdb file holding all durable node state.
const dbFileName = "meta.db"

// Bucket names
var (
	bucketLog      = []byte("log")      // big-endian index -> serialized LogEntry
	bucketState    = []byte("state")    // hard state and snapshot marker keys
	bucketSnapshot = []byte("snapshot") // snapshot payloads keyed by index
)

// Keys in the state bucket
var (
	keyTerm          = []byte("term")
	keyVotedFor      = []byte("voted-for")
	keySnapshotIndex = []byte("snapshot-index")
)

// --------------------------------------------------------------------------
// Store
// --------------------------------------------------------------------------

// Store is the durable per-node storage of a dMeta node: the entry log, the
// hard state (term and vote) and the most recent snapshot. All writes are
// synced before they return, so state acknowledged by a Store method
// survives a crash.
type Store struct {
	db  *bolt.DB
	dir string
}

// Exists reports whether dir already contains a dMeta store. Open uses this
// distinction for open-versus-boot decisions.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, dbFileName))
	return err == nil
}

// Open opens the store in dir, creating the directory and database file if
// needed. The returned store holds an exclusive file lock until Close.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}

	db, err := bolt.Open(filepath.Join(dir, dbFileName), 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketLog, bucketState, bucketSnapshot} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	log.Debugf("opened store at %s", dir)
	return &Store{db: db, dir: dir}, nil
}

// Dir returns the directory the store lives in.
func (s *Store) Dir() string {
	return s.dir
}

// Close releases the database file. The store must not be used afterwards.
func (s *Store) Close() error {
	return s.db.Close()
}

// --------------------------------------------------------------------------
// Hard State
// --------------------------------------------------------------------------

// SaveHardState durably records the current term and vote. It must be
// called before a vote or term change takes effect.
func (s *Store) SaveHardState(term uint64, votedFor meta.NodeID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketState)
		if err := b.Put(keyTerm, u64b(term)); err != nil {
			return err
		}
		return b.Put(keyVotedFor, u64b(uint64(votedFor)))
	})
}

// HardState returns the persisted term and vote. The boolean return value
// is false if no hard state was ever saved.
func (s *Store) HardState() (term uint64, votedFor meta.NodeID, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketState)
		t := b.Get(keyTerm)
		if t == nil {
			return nil
		}
		v := b.Get(keyVotedFor)
		if v == nil {
			return fmt.Errorf("%w: term without vote", meta.ErrStorageCorrupt)
		}
		term = bu64(t)
		votedFor = meta.NodeID(bu64(v))
		ok = true
		return nil
	})
	return term, votedFor, ok, err
}

// --------------------------------------------------------------------------
// Entry Log
// --------------------------------------------------------------------------

// AppendEntry durably appends a log entry at the given index. Appends must
// be contiguous: index must be exactly LastIndex()+1 unless the log is
// empty or was truncated.
func (s *Store) AppendEntry(index uint64, entry *meta.LogEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLog).Put(u64b(index), entry.Serialize())
	})
}

// Entry returns the log entry at index. The boolean return value is false
// if the index is not in the log (never written or compacted away).
func (s *Store) Entry(index uint64) (*meta.LogEntry, bool, error) {
	var entry *meta.LogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketLog).Get(u64b(index))
		if data == nil {
			return nil
		}
		e := &meta.LogEntry{}
		if err := e.Deserialize(data); err != nil {
			return fmt.Errorf("%w: entry %d: %v", meta.ErrStorageCorrupt, index, err)
		}
		entry = e
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return entry, entry != nil, nil
}

// Range calls fn for every stored entry with from <= index <= to, in
// ascending index order. fn returning an error stops the iteration.
func (s *Store) Range(from, to uint64, fn func(index uint64, entry *meta.LogEntry) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLog).Cursor()
		for k, v := c.Seek(u64b(from)); k != nil; k, v = c.Next() {
			index := bu64(k)
			if index > to {
				return nil
			}
			entry := &meta.LogEntry{}
			if err := entry.Deserialize(v); err != nil {
				return fmt.Errorf("%w: entry %d: %v", meta.ErrStorageCorrupt, index, err)
			}
			if err := fn(index, entry); err != nil {
				return err
			}
		}
		return nil
	})
}

// FirstIndex returns the lowest index still in the log, or 0 if the log is
// empty.
func (s *Store) FirstIndex() (uint64, error) {
	var first uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		if k, _ := tx.Bucket(bucketLog).Cursor().First(); k != nil {
			first = bu64(k)
		}
		return nil
	})
	return first, err
}

// LastIndex returns the highest index in the log, or 0 if the log is empty.
func (s *Store) LastIndex() (uint64, error) {
	var last uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		if k, _ := tx.Bucket(bucketLog).Cursor().Last(); k != nil {
			last = bu64(k)
		}
		return nil
	})
	return last, err
}

// TruncateBefore removes all log entries with index < before. It is used
// for compaction after a snapshot covers the removed prefix.
func (s *Store) TruncateBefore(before uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLog).Cursor()
		for k, _ := c.First(); k != nil && bu64(k) < before; k, _ = c.First() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// --------------------------------------------------------------------------
// Snapshots
// --------------------------------------------------------------------------

// SaveSnapshot durably stores a snapshot covering the log up to and
// including index, replacing any older snapshot in the same transaction.
func (s *Store) SaveSnapshot(index uint64, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		snaps := tx.Bucket(bucketSnapshot)

		// Drop superseded snapshots first, keeping the bucket single-entry.
		c := snaps.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.First() {
			if err := c.Delete(); err != nil {
				return err
			}
		}

		if err := snaps.Put(u64b(index), data); err != nil {
			return err
		}
		return tx.Bucket(bucketState).Put(keySnapshotIndex, u64b(index))
	})
}

// Snapshot returns the most recent snapshot and the index it covers. The
// boolean return value is false if no snapshot was ever taken.
func (s *Store) Snapshot() (index uint64, data []byte, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketState).Get(keySnapshotIndex)
		if idx == nil {
			return nil
		}
		index = bu64(idx)
		raw := tx.Bucket(bucketSnapshot).Get(idx)
		if raw == nil {
			return fmt.Errorf("%w: snapshot index %d without payload", meta.ErrStorageCorrupt, index)
		}
		data = append([]byte(nil), raw...)
		ok = true
		return nil
	})
	return index, data, ok, err
}

// --------------------------------------------------------------------------
// Encoding Helpers
// --------------------------------------------------------------------------

// u64b encodes an index as a big-endian key so bolt's byte order matches
// numeric order.
func u64b(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func bu64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
