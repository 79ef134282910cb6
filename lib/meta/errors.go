package meta

import (
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Error Taxonomy
// --------------------------------------------------------------------------

// ForwardToLeader signals that the receiving node is not the leader and the
// request should be retried against Leader. It is a routing signal, not a
// business failure. Known is false when no leader is currently known (e.g.
// during an election), in which case the caller should back off and retry.
type ForwardToLeader struct {
	Leader NodeID
	Known  bool
}

func (e *ForwardToLeader) Error() string {
	if !e.Known {
		return "forward to leader: no leader known"
	}
	return fmt.Sprintf("forward to leader: node-%d", e.Leader)
}

// AsForwardToLeader unwraps err into a *ForwardToLeader if it is one.
func AsForwardToLeader(err error) (*ForwardToLeader, bool) {
	var f *ForwardToLeader
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// ErrRetryable marks transient conditions (timeouts, busy consensus engine,
// lost connections). Callers should back off and retry the same logical
// request, using a TxID on mutating entries to stay idempotent.
var ErrRetryable = errors.New("retryable")

// Retryable wraps err so that errors.Is(err, ErrRetryable) holds.
func Retryable(err error) error {
	return fmt.Errorf("%w: %v", ErrRetryable, err)
}

// ErrStorageCorrupt marks fatal local storage errors discovered on open.
// A node must refuse to start on such an error rather than risk divergence.
var ErrStorageCorrupt = errors.New("local storage corrupt")
