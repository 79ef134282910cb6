package common

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/ValentinKolb/dMeta/lib/meta"
)

// TestResponseErrorForwardRoundTrip checks that leader-routing errors stay
// typed across the wire, in particular when no leader is known and the
// message carries no hint fields at all.
func TestResponseErrorForwardRoundTrip(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantFwd    bool
		wantLeader meta.NodeID
		wantKnown  bool
	}{
		{"known leader", &meta.ForwardToLeader{Leader: 7, Known: true}, true, 7, true},
		{"no leader known", &meta.ForwardToLeader{Known: false}, true, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := NewResultResponse(MsgTWrite, nil, tt.err)

			// Round trip through a codec so only wire-visible fields survive.
			data, err := json.Marshal(resp)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			var decoded Message
			if err := json.Unmarshal(data, &decoded); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}

			fwd, ok := meta.AsForwardToLeader(decoded.ResponseError())
			if ok != tt.wantFwd {
				t.Fatalf("AsForwardToLeader() = %v, want %v (err: %v)", ok, tt.wantFwd, decoded.ResponseError())
			}
			if fwd.Leader != tt.wantLeader || fwd.Known != tt.wantKnown {
				t.Errorf("forward = %+v, want leader=%d known=%v", fwd, tt.wantLeader, tt.wantKnown)
			}
		})
	}

	// A plain error must not come back as a routing signal.
	resp := NewResultResponse(MsgTWrite, nil, errors.New("engine stopped"))
	if _, ok := meta.AsForwardToLeader(resp.ResponseError()); ok {
		t.Errorf("plain error reconstructed as forward: %v", resp.ResponseError())
	}
}
