package ledger

import (
	"context"
	"time"
)

// Signer signs outgoing messages. The master key signs ordinary requests;
// sweeps are signed by the derived key that owns the deposit address.
type Signer interface {
	Address() string
	Sign(payload []byte) (string, error)
}

// Client exchanges request/response pairs with remote processes. Delivery is
// at-least-once and results for different correlation handles are unordered;
// callers attach idempotency nonces to mutating messages and bound every
// wait with a timeout.
type Client interface {
	// Send submits a signed message and returns its correlation handle.
	Send(ctx context.Context, msg *Message, signer Signer) (txID string, err error)
	// AwaitResult waits up to timeout for the response to txID. There is no
	// cancellation of the remote operation: an expired wait only abandons
	// the local continuation.
	AwaitResult(ctx context.Context, process, txID string, timeout time.Duration) (*Result, error)
	// DryRun evaluates a read-only query without producing a transaction.
	DryRun(ctx context.Context, msg *Message) (*Result, error)
}
