package sm

import (
	"bytes"
	"testing"

	"github.com/ValentinKolb/dMeta/lib/meta"
)

func upsert(key string, seq meta.MatchSeq, op meta.Operation) *meta.LogEntry {
	return &meta.LogEntry{Cmd: meta.Cmd{Type: meta.CmdUpsertKV, Key: key, Seq: seq, Op: op}}
}

// TestApplyUpsertKVConditional tests the conditional write algorithm:
// a write is applied iff the precondition matches the current seq, and
// result.seq strictly increases only on applied writes.
func TestApplyUpsertKVConditional(t *testing.T) {
	type step struct {
		name        string
		seq         meta.MatchSeq
		op          meta.Operation
		wantChanged bool
		wantSeq     uint64 // seq of result, 0 = deleted/absent
		wantData    string
	}

	steps := []step{
		{"first write with Any", meta.MatchAny(), meta.Update([]byte("a")), true, 1, "a"},
		{"exact match applies", meta.MatchExact(1), meta.Update([]byte("b")), true, 2, "b"},
		{"exact mismatch is no-op", meta.MatchExact(1), meta.Update([]byte("x")), false, 2, "b"},
		{"ge match applies", meta.MatchGE(2), meta.Update([]byte("c")), true, 3, "c"},
		{"ge mismatch is no-op", meta.MatchGE(10), meta.Update([]byte("x")), false, 3, "c"},
		{"delete with exact", meta.MatchExact(3), meta.Delete(), true, 0, ""},
		// seq minting is cluster wide, so the re-created key continues at 4
		{"exact zero matches absent", meta.MatchExact(0), meta.Update([]byte("d")), true, 4, "d"},
	}

	s := New()
	index := uint64(0)

	for _, st := range steps {
		t.Run(st.name, func(t *testing.T) {
			index++
			res := s.Apply(index, upsert("k", st.seq, st.op))
			if res == nil {
				t.Fatalf("Apply returned nil")
			}
			if res.Kind != meta.AppliedKV {
				t.Fatalf("Kind = %v, want AppliedKV", res.Kind)
			}
			if res.Changed() != st.wantChanged {
				t.Errorf("Changed() = %v, want %v", res.Changed(), st.wantChanged)
			}
			got, ok := s.GetKV("k")
			if st.wantSeq == 0 {
				if ok {
					t.Fatalf("expected key deleted, got %v", got)
				}
				return
			}
			if !ok {
				t.Fatalf("expected key present")
			}
			if got.Seq != st.wantSeq {
				t.Errorf("seq = %d, want %d", got.Seq, st.wantSeq)
			}
			if string(got.Data) != st.wantData {
				t.Errorf("data = %q, want %q", got.Data, st.wantData)
			}
		})
	}
}

// TestApplyUpsertKVNoOpResult checks that a rejected precondition reports
// prev == result rather than an error.
func TestApplyUpsertKVNoOpResult(t *testing.T) {
	s := New()

	s.Apply(1, upsert("k", meta.MatchAny(), meta.Update([]byte("v"))))

	res := s.Apply(2, upsert("k", meta.MatchExact(99), meta.Update([]byte("other"))))
	if res.Prev == nil || res.Result == nil {
		t.Fatalf("expected prev and result to be present, got %v", res)
	}
	if !res.Prev.Equal(*res.Result) {
		t.Errorf("prev != result for rejected precondition: %v vs %v", res.Prev, res.Result)
	}
	if res.Changed() {
		t.Errorf("Changed() = true for rejected precondition")
	}

	// Rejected write on an absent key: both sides nil.
	res = s.Apply(3, upsert("missing", meta.MatchExact(5), meta.Update([]byte("x"))))
	if res.Prev != nil || res.Result != nil {
		t.Errorf("expected nil prev/result, got %v", res)
	}
}

// TestApplyIncrSeq mirrors the counter semantics: repeated increments of
// the same generator yield 1,2,3..., independent generators do not
// interfere, and a retried entry with the same txid returns the original
// result.
func TestApplyIncrSeq(t *testing.T) {
	s := New()
	index := uint64(0)

	incr := func(txid uint64, key string) uint64 {
		index++
		res := s.Apply(index, &meta.LogEntry{TxID: txid, Cmd: meta.Cmd{Type: meta.CmdIncrSeq, Key: key}})
		if res == nil || res.Kind != meta.AppliedSeq {
			t.Fatalf("expected Seq result, got %v", res)
		}
		return res.Seq
	}

	cases := []struct {
		name string
		txid uint64
		key  string
		want uint64
	}{
		{"incr on fresh generator", 0, "tables", 1},
		{"incr again", 0, "tables", 2},
		{"incr again", 0, "tables", 3},
		{"independent generator", 0, "dbs", 1},
		{"with txid", 100, "tables", 4},
		{"retry with same txid is idempotent", 100, "tables", 4},
		{"next incr continues", 0, "tables", 5},
	}

	for _, c := range cases {
		if got := incr(c.txid, c.key); got != c.want {
			t.Errorf("%s: seq = %d, want %d", c.name, got, c.want)
		}
	}
}

// TestApplyUpsertKVZeroExpiry checks that metadata with a zero expiry is
// stored the same whether the entry arrives in memory or through the log
// codec (which encodes a zero expiry as no metadata). A mismatch here would
// make a live replica and a restarted one disagree on the stored value.
func TestApplyUpsertKVZeroExpiry(t *testing.T) {
	entry := &meta.LogEntry{Cmd: meta.Cmd{
		Type: meta.CmdUpsertKV,
		Key:  "k",
		Seq:  meta.MatchAny(),
		Op:   meta.Update([]byte("v")),
		Meta: &meta.KVMeta{ExpireAt: 0},
	}}

	live := New()
	live.Apply(1, entry)

	replayed := &meta.LogEntry{}
	if err := replayed.Deserialize(entry.Serialize()); err != nil {
		t.Fatalf("Deserialize() error = %v", err)
	}
	restarted := New()
	restarted.Apply(1, replayed)

	gotLive, _ := live.GetKV("k")
	gotRestarted, _ := restarted.GetKV("k")
	if gotLive.Meta != nil {
		t.Errorf("zero expiry stored as metadata: %+v", gotLive.Meta)
	}
	if !gotLive.Equal(gotRestarted) {
		t.Errorf("state diverges across the codec: %+v vs %+v", gotLive, gotRestarted)
	}

	// A real expiry survives both paths.
	entry.Cmd.Meta = &meta.KVMeta{ExpireAt: 1234}
	entry.Cmd.Key = "lease"
	live.Apply(2, entry)
	got, _ := live.GetKV("lease")
	if got.Meta == nil || got.Meta.ExpireAt != 1234 {
		t.Errorf("expiry lost: %+v", got.Meta)
	}
}

// TestIncrSeqIndependentOfSeqMinting checks that user counters do not share
// state with the generator that mints value seqs, whatever their name.
func TestIncrSeqIndependentOfSeqMinting(t *testing.T) {
	s := New()

	s.Apply(1, upsert("k", meta.MatchAny(), meta.Update([]byte("v"))))

	res := s.Apply(2, &meta.LogEntry{Cmd: meta.Cmd{Type: meta.CmdIncrSeq, Key: "__meta/seq"}})
	if res.Seq != 1 {
		t.Errorf("fresh counter after an upsert: seq = %d, want 1", res.Seq)
	}

	// And the counter does not feed back into minting either.
	res = s.Apply(3, upsert("k2", meta.MatchAny(), meta.Update([]byte("v2"))))
	if res.Result.Seq != 2 {
		t.Errorf("minted seq = %d, want 2", res.Result.Seq)
	}
}

// TestApplyNodeRegistry tests AddNode/RemoveNode including join idempotence
func TestApplyNodeRegistry(t *testing.T) {
	s := New()

	n1 := meta.Node{ID: 1, Name: "node-1", Endpoint: "localhost:63001", APIAddr: "localhost:8081"}

	res := s.Apply(1, &meta.LogEntry{Cmd: meta.Cmd{Type: meta.CmdAddNode, Node: n1}})
	if res.PrevNode != nil {
		t.Errorf("expected no previous node, got %v", res.PrevNode)
	}
	if res.ResultNode == nil || *res.ResultNode != n1 {
		t.Errorf("result = %v, want %v", res.ResultNode, n1)
	}

	// Re-adding the same id updates the descriptor without error.
	n1b := n1
	n1b.Endpoint = "localhost:63099"
	res = s.Apply(2, &meta.LogEntry{Cmd: meta.Cmd{Type: meta.CmdAddNode, Node: n1b}})
	if res.PrevNode == nil || *res.PrevNode != n1 {
		t.Errorf("prev = %v, want %v", res.PrevNode, n1)
	}
	got, ok := s.GetNode(1)
	if !ok || got != n1b {
		t.Errorf("GetNode(1) = %v, want %v", got, n1b)
	}
	if len(s.Nodes()) != 1 {
		t.Errorf("expected exactly one registered node, got %d", len(s.Nodes()))
	}

	res = s.Apply(3, &meta.LogEntry{Cmd: meta.Cmd{Type: meta.CmdRemoveNode, NodeID: 1}})
	if res.PrevNode == nil || res.ResultNode != nil {
		t.Errorf("unexpected remove result: %v", res)
	}
	if _, ok := s.GetNode(1); ok {
		t.Errorf("node still present after remove")
	}

	// Removing an unknown node is a no-op.
	res = s.Apply(4, &meta.LogEntry{Cmd: meta.Cmd{Type: meta.CmdRemoveNode, NodeID: 42}})
	if res.Changed() {
		t.Errorf("removing unknown node should not change state")
	}
}

// TestApplyReplayIgnored tests restart catch-up: entries at or below the
// last applied index are skipped.
func TestApplyReplayIgnored(t *testing.T) {
	s := New()

	s.Apply(1, upsert("k", meta.MatchAny(), meta.Update([]byte("v1"))))
	s.Apply(2, upsert("k", meta.MatchAny(), meta.Update([]byte("v2"))))

	if res := s.Apply(1, upsert("k", meta.MatchAny(), meta.Update([]byte("stale")))); res != nil {
		t.Errorf("replayed entry applied: %v", res)
	}
	if res := s.Apply(2, upsert("k", meta.MatchAny(), meta.Update([]byte("stale")))); res != nil {
		t.Errorf("replayed entry applied: %v", res)
	}

	got, _ := s.GetKV("k")
	if string(got.Data) != "v2" || got.Seq != 2 {
		t.Errorf("state changed by replay: %v", got)
	}
	if s.LastApplied() != 2 {
		t.Errorf("LastApplied = %d, want 2", s.LastApplied())
	}
}

// TestDeterminism applies the same log to two independent state machines
// and checks the snapshots are byte-for-byte identical.
func TestDeterminism(t *testing.T) {
	entries := []*meta.LogEntry{
		{Cmd: meta.Cmd{Type: meta.CmdAddNode, Node: meta.Node{ID: 0, Name: "0", Endpoint: "localhost:63000"}}},
		upsert("a", meta.MatchAny(), meta.Update([]byte("1"))),
		upsert("b", meta.MatchAny(), meta.Update([]byte("2"))),
		{TxID: 9, Cmd: meta.Cmd{Type: meta.CmdIncrSeq, Key: "ids"}},
		upsert("a", meta.MatchExact(1), meta.Update([]byte("3"))),
		upsert("b", meta.MatchExact(42), meta.Update([]byte("nope"))),
		upsert("c", meta.MatchAny(), meta.Update([]byte("4"))),
		upsert("c", meta.MatchGE(1), meta.Delete()),
		{Cmd: meta.Cmd{Type: meta.CmdAddNode, Node: meta.Node{ID: 1, Name: "1", Endpoint: "localhost:63001"}}},
		{Cmd: meta.Cmd{Type: meta.CmdRemoveNode, NodeID: 0}},
	}

	s1, s2 := New(), New()
	for i, e := range entries {
		s1.Apply(uint64(i+1), e)
	}
	// Apply in the same order but through a second instance.
	for i, e := range entries {
		s2.Apply(uint64(i+1), e)
	}

	var b1, b2 bytes.Buffer
	if err := s1.Save(&b1); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := s2.Save(&b2); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if !bytes.Equal(b1.Bytes(), b2.Bytes()) {
		t.Errorf("snapshots differ for identical logs")
	}
}
