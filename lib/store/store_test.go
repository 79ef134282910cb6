package store

import (
	"errors"
	"testing"

	"github.com/ValentinKolb/dMeta/lib/meta"
	bolt "go.etcd.io/bbolt"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testEntry(key, val string) *meta.LogEntry {
	return &meta.LogEntry{Cmd: meta.Cmd{
		Type: meta.CmdUpsertKV,
		Key:  key,
		Seq:  meta.MatchAny(),
		Op:   meta.Update([]byte(val)),
	}}
}

func TestExists(t *testing.T) {
	dir := t.TempDir()

	if Exists(dir) {
		t.Errorf("Exists() = true for empty dir")
	}

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if !Exists(dir) {
		t.Errorf("Exists() = false after Open")
	}
}

func TestLogAppendAndRead(t *testing.T) {
	s := openTestStore(t)

	for i := uint64(1); i <= 5; i++ {
		if err := s.AppendEntry(i, testEntry("k", "v")); err != nil {
			t.Fatalf("AppendEntry(%d) error = %v", i, err)
		}
	}

	first, err := s.FirstIndex()
	if err != nil || first != 1 {
		t.Errorf("FirstIndex() = %d, %v, want 1", first, err)
	}
	last, err := s.LastIndex()
	if err != nil || last != 5 {
		t.Errorf("LastIndex() = %d, %v, want 5", last, err)
	}

	entry, ok, err := s.Entry(3)
	if err != nil || !ok {
		t.Fatalf("Entry(3) = %v, %v, %v", entry, ok, err)
	}
	if entry.Cmd.Key != "k" || string(entry.Cmd.Op.Value) != "v" {
		t.Errorf("Entry(3) decoded wrong: %+v", entry)
	}

	if _, ok, _ := s.Entry(6); ok {
		t.Errorf("Entry(6) found for unwritten index")
	}

	var indices []uint64
	err = s.Range(2, 4, func(index uint64, _ *meta.LogEntry) error {
		indices = append(indices, index)
		return nil
	})
	if err != nil {
		t.Fatalf("Range() error = %v", err)
	}
	if len(indices) != 3 || indices[0] != 2 || indices[2] != 4 {
		t.Errorf("Range(2,4) visited %v, want [2 3 4]", indices)
	}
}

func TestLogTruncateBefore(t *testing.T) {
	s := openTestStore(t)

	for i := uint64(1); i <= 10; i++ {
		if err := s.AppendEntry(i, testEntry("k", "v")); err != nil {
			t.Fatalf("AppendEntry(%d) error = %v", i, err)
		}
	}

	if err := s.TruncateBefore(7); err != nil {
		t.Fatalf("TruncateBefore() error = %v", err)
	}

	first, _ := s.FirstIndex()
	if first != 7 {
		t.Errorf("FirstIndex() = %d after truncate, want 7", first)
	}
	last, _ := s.LastIndex()
	if last != 10 {
		t.Errorf("LastIndex() = %d after truncate, want 10", last)
	}
	if _, ok, _ := s.Entry(6); ok {
		t.Errorf("Entry(6) still present after truncate")
	}
	if _, ok, _ := s.Entry(7); !ok {
		t.Errorf("Entry(7) missing after truncate")
	}
}

func TestHardState(t *testing.T) {
	s := openTestStore(t)

	if _, _, ok, err := s.HardState(); err != nil || ok {
		t.Fatalf("HardState() on fresh store = ok=%v err=%v, want none", ok, err)
	}

	if err := s.SaveHardState(3, 42); err != nil {
		t.Fatalf("SaveHardState() error = %v", err)
	}

	term, votedFor, ok, err := s.HardState()
	if err != nil || !ok {
		t.Fatalf("HardState() error = %v, ok = %v", err, ok)
	}
	if term != 3 || votedFor != 42 {
		t.Errorf("HardState() = (%d, %d), want (3, 42)", term, votedFor)
	}

	// Overwrites replace, not accumulate.
	if err := s.SaveHardState(4, 1); err != nil {
		t.Fatalf("SaveHardState() error = %v", err)
	}
	term, votedFor, _, _ = s.HardState()
	if term != 4 || votedFor != 1 {
		t.Errorf("HardState() = (%d, %d), want (4, 1)", term, votedFor)
	}
}

func TestSnapshotReplacesOlder(t *testing.T) {
	s := openTestStore(t)

	if _, _, ok, err := s.Snapshot(); err != nil || ok {
		t.Fatalf("Snapshot() on fresh store = ok=%v err=%v, want none", ok, err)
	}

	if err := s.SaveSnapshot(10, []byte("first")); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}
	if err := s.SaveSnapshot(20, []byte("second")); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}

	index, data, ok, err := s.Snapshot()
	if err != nil || !ok {
		t.Fatalf("Snapshot() error = %v, ok = %v", err, ok)
	}
	if index != 20 || string(data) != "second" {
		t.Errorf("Snapshot() = (%d, %q), want (20, %q)", index, data, "second")
	}
}

// TestDurabilityAcrossReopen closes and reopens the store and checks that
// everything written before survives.
func TestDurabilityAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.AppendEntry(1, testEntry("k", "v")); err != nil {
		t.Fatalf("AppendEntry() error = %v", err)
	}
	if err := s.SaveHardState(2, 7); err != nil {
		t.Fatalf("SaveHardState() error = %v", err)
	}
	if err := s.SaveSnapshot(1, []byte("snap")); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s.Close()

	if _, ok, _ := s.Entry(1); !ok {
		t.Errorf("log entry lost across reopen")
	}
	term, votedFor, ok, _ := s.HardState()
	if !ok || term != 2 || votedFor != 7 {
		t.Errorf("hard state lost across reopen: (%d, %d, %v)", term, votedFor, ok)
	}
	index, data, ok, _ := s.Snapshot()
	if !ok || index != 1 || string(data) != "snap" {
		t.Errorf("snapshot lost across reopen: (%d, %q, %v)", index, data, ok)
	}
}

func TestCorruptEntryDetected(t *testing.T) {
	s := openTestStore(t)

	// Write raw garbage straight into the log bucket.
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLog).Put(u64b(1), []byte{0xff, 0x01})
	})
	if err != nil {
		t.Fatalf("seeding corrupt entry: %v", err)
	}

	if _, _, err := s.Entry(1); !errors.Is(err, meta.ErrStorageCorrupt) {
		t.Errorf("Entry() error = %v, want ErrStorageCorrupt", err)
	}
}
