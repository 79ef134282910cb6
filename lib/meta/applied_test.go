package meta

import (
	"testing"
)

// TestAppliedStateSerializeDeserialize tests round-trips for every variant
func TestAppliedStateSerializeDeserialize(t *testing.T) {
	tests := []struct {
		name  string
		state AppliedState
	}{
		{
			name: "KV first write",
			state: AppliedState{
				Kind:   AppliedKV,
				Prev:   nil,
				Result: &SeqV{Seq: 1, Data: []byte("v1")},
			},
		},
		{
			name: "KV overwrite",
			state: AppliedState{
				Kind:   AppliedKV,
				Prev:   &SeqV{Seq: 1, Data: []byte("v1")},
				Result: &SeqV{Seq: 2, Data: []byte("v2"), Meta: &KVMeta{ExpireAt: 99}},
			},
		},
		{
			name: "KV delete",
			state: AppliedState{
				Kind: AppliedKV,
				Prev: &SeqV{Seq: 4, Data: []byte{0, 255}},
			},
		},
		{
			name:  "KV rejected precondition",
			state: AppliedState{Kind: AppliedKV},
		},
		{
			name:  "Seq",
			state: AppliedState{Kind: AppliedSeq, Seq: 17},
		},
		{
			name: "Node added",
			state: AppliedState{
				Kind:       AppliedNode,
				ResultNode: &Node{ID: 1, Name: "node-1", Endpoint: "localhost:63001", APIAddr: "localhost:8081"},
			},
		},
		{
			name: "Node removed",
			state: AppliedState{
				Kind:     AppliedNode,
				PrevNode: &Node{ID: 2, Name: "node-2", Endpoint: "localhost:63002"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.state.Serialize()

			if tt.state.SizeBytes() != len(data) {
				t.Errorf("SizeBytes() = %d, but serialized data length = %d",
					tt.state.SizeBytes(), len(data))
			}

			var got AppliedState
			if err := got.Deserialize(data); err != nil {
				t.Fatalf("Deserialize() error = %v", err)
			}

			if got.Kind != tt.state.Kind {
				t.Fatalf("Kind mismatch: got %v, want %v", got.Kind, tt.state.Kind)
			}
			if (got.Prev == nil) != (tt.state.Prev == nil) {
				t.Fatalf("Prev presence mismatch")
			}
			if got.Prev != nil && !got.Prev.Equal(*tt.state.Prev) {
				t.Errorf("Prev mismatch: got %v, want %v", got.Prev, tt.state.Prev)
			}
			if (got.Result == nil) != (tt.state.Result == nil) {
				t.Fatalf("Result presence mismatch")
			}
			if got.Result != nil && !got.Result.Equal(*tt.state.Result) {
				t.Errorf("Result mismatch: got %v, want %v", got.Result, tt.state.Result)
			}
			if got.Seq != tt.state.Seq {
				t.Errorf("Seq mismatch: got %d, want %d", got.Seq, tt.state.Seq)
			}
			if (got.PrevNode == nil) != (tt.state.PrevNode == nil) ||
				(got.PrevNode != nil && *got.PrevNode != *tt.state.PrevNode) {
				t.Errorf("PrevNode mismatch: got %v, want %v", got.PrevNode, tt.state.PrevNode)
			}
			if (got.ResultNode == nil) != (tt.state.ResultNode == nil) ||
				(got.ResultNode != nil && *got.ResultNode != *tt.state.ResultNode) {
				t.Errorf("ResultNode mismatch: got %v, want %v", got.ResultNode, tt.state.ResultNode)
			}
		})
	}
}

// TestAppliedStateChanged tests no-op detection
func TestAppliedStateChanged(t *testing.T) {
	v1 := &SeqV{Seq: 1, Data: []byte("a")}
	v2 := &SeqV{Seq: 2, Data: []byte("b")}

	tests := []struct {
		name  string
		state AppliedState
		want  bool
	}{
		{"KV insert", AppliedState{Kind: AppliedKV, Result: v1}, true},
		{"KV update", AppliedState{Kind: AppliedKV, Prev: v1, Result: v2}, true},
		{"KV delete", AppliedState{Kind: AppliedKV, Prev: v1}, true},
		{"KV rejected on absent key", AppliedState{Kind: AppliedKV}, false},
		{"KV rejected on present key", AppliedState{Kind: AppliedKV, Prev: v1, Result: v1}, false},
		{"Seq always changes", AppliedState{Kind: AppliedSeq, Seq: 1}, true},
		{"Node add", AppliedState{Kind: AppliedNode, ResultNode: &Node{ID: 1}}, true},
		{"Node no-op", AppliedState{Kind: AppliedNode}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.Changed(); got != tt.want {
				t.Errorf("Changed() = %v, want %v", got, tt.want)
			}
		})
	}
}
