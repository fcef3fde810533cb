// Package transactions implements the client-side durable mutation queue.
// Every user-initiated mutation either commits exactly once server-side or
// deterministically fails with a user-visible error, across disconnects and
// process restarts.
package transactions

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/meridianchat/meridian/internal/protocol"
	"github.com/meridianchat/meridian/internal/realtime"
)

// Kind classifies a transaction for retry policy.
type Kind int

const (
	// KindQuery transactions are side-effect free and always safe to retry.
	KindQuery Kind = iota
	// KindMutation transactions change server state; retries after an ack
	// are governed by MutationConfig.
	KindMutation
)

// MutationConfig tunes a mutation's redelivery behavior.
type MutationConfig struct {
	// RetryAfterAck permits resending after the server acked receipt but a
	// reconnect lost the result. Only safe for idempotent mutations.
	RetryAfterAck bool
}

// Transaction describes one RPC the queue owns end to end. Callbacks may be
// nil; each configured callback runs at most once.
type Transaction struct {
	Method   protocol.RpcMethod
	Kind     Kind
	Mutation MutationConfig
	Input    []byte

	// Optimistic applies the local prediction. Runs synchronously before
	// any network dispatch.
	Optimistic func()
	// Apply consumes the server result. An error here is surfaced to the
	// caller but does not change transaction accounting.
	Apply func(result []byte) error
	// Failed reports terminal failure.
	Failed func(err error)
}

// State is a transaction's queue state.
type State int

const (
	StateQueued State = iota
	StateInflight
	StateSent
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateInflight:
		return "inflight"
	case StateSent:
		return "sent"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Wrapper is a queued transaction with its identity and completion future.
type Wrapper struct {
	ID   uuid.UUID
	Date time.Time
	Tx   *Transaction

	state  State
	done   chan struct{}
	result []byte
	err    error
}

// Await blocks until the transaction resolves or ctx ends.
func (w *Wrapper) Await(ctx context.Context) ([]byte, error) {
	select {
	case <-w.done:
		return w.result, w.err
	case <-ctx.Done():
		return nil, realtime.ErrCancelled
	}
}

// Done is closed when the transaction reaches a terminal state.
func (w *Wrapper) Done() <-chan struct{} { return w.done }
