package sm

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// OpID identifies one asynchronous operation registered with an OpTable:
// a posted send/receive, a flow transfer, or a timer. The job subsystem
// spec.md describes multiplexes all of these into (op_id, status) tuples;
// OpTable is that multiplexer.
type OpID string

type pendingOp struct {
	done chan struct{}
	err  error
}

// OpTable is the thread-safe register/lookup/unregister surface the state
// machine runtime polls against. One table is shared by every SMCB running
// in the same scheduling context.
type OpTable struct {
	mu      sync.Mutex
	pending map[OpID]*pendingOp
}

// NewOpTable constructs an empty op-id table.
func NewOpTable() *OpTable {
	return &OpTable{pending: make(map[OpID]*pendingOp)}
}

// Register allocates a new op id in the pending state, returning the id and
// a completion function the poster calls (exactly once) when the
// underlying job finishes.
func (t *OpTable) Register() (OpID, func(err error)) {
	id := OpID(uuid.New().String())
	op := &pendingOp{done: make(chan struct{})}

	t.mu.Lock()
	t.pending[id] = op
	t.mu.Unlock()

	var once sync.Once
	complete := func(err error) {
		once.Do(func() {
			op.err = err
			close(op.done)
		})
	}
	return id, complete
}

// Test waits up to budget for id to complete. done is false (with nil err)
// on a timeout, per spec.md's COUNT=0-without-error contract.
func (t *OpTable) Test(ctx context.Context, id OpID, budget time.Duration) (done bool, err error) {
	t.mu.Lock()
	op, ok := t.pending[id]
	t.mu.Unlock()
	if !ok {
		return true, nil // unknown id treated as already-reaped/complete
	}

	timer := time.NewTimer(budget)
	defer timer.Stop()

	select {
	case <-op.done:
		t.unregister(id)
		return true, op.err
	case <-ctx.Done():
		return false, nil
	case <-timer.C:
		return false, nil
	}
}

// TestSome waits up to budget for any subset of ids to complete, returning
// the ones that did.
func (t *OpTable) TestSome(ctx context.Context, ids []OpID, budget time.Duration) []OpID {
	deadline := time.Now().Add(budget)
	var completed []OpID

	for _, id := range ids {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			remaining = 0
		}
		done, _ := t.Test(ctx, id, remaining)
		if done {
			completed = append(completed, id)
		}
	}
	return completed
}

// TestContext drains whatever ops in this table are ready within budget,
// without the caller naming ids up front.
func (t *OpTable) TestContext(ctx context.Context, budget time.Duration) []OpID {
	t.mu.Lock()
	ids := make([]OpID, 0, len(t.pending))
	for id := range t.pending {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	return t.TestSome(ctx, ids, budget)
}

// Wait blocks until id completes, looping Test with a generous budget.
func (t *OpTable) Wait(ctx context.Context, id OpID) error {
	for {
		done, err := t.Test(ctx, id, time.Second)
		if done {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (t *OpTable) unregister(id OpID) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}
