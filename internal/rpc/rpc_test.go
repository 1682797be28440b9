package rpc

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/objectfs/pvfs2client/internal/bmi"
	"github.com/objectfs/pvfs2client/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is a deterministic in-memory bmi.Transport for testing
// the message array's retry and cancellation behavior without a real
// wire protocol.
type fakeTransport struct {
	mu         sync.Mutex
	sendFailsN map[bmi.Addr]int // number of remaining Send failures before success
	permanent  map[bmi.Addr]error
	canceled   map[string]bool
	sendCalls  int32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sendFailsN: make(map[bmi.Addr]int),
		permanent:  make(map[bmi.Addr]error),
		canceled:   make(map[string]bool),
	}
}

func (f *fakeTransport) Send(ctx context.Context, addr bmi.Addr, msg bmi.Message) error {
	atomic.AddInt32(&f.sendCalls, 1)

	f.mu.Lock()
	defer f.mu.Unlock()

	if permErr, ok := f.permanent[addr]; ok {
		return permErr
	}
	if n, ok := f.sendFailsN[addr]; ok && n > 0 {
		f.sendFailsN[addr] = n - 1
		return errors.New(errors.CodeTimeout, "faketransport", "simulated timeout")
	}
	return nil
}

func (f *fakeTransport) Receive(ctx context.Context, addr bmi.Addr) (bmi.Message, error) {
	return bmi.Message("ok"), nil
}

func (f *fakeTransport) LookupAddr(ctx context.Context, name string) (bmi.Addr, error) {
	return bmi.Addr(name), nil
}

func (f *fakeTransport) ReverseLookup(ctx context.Context, addr bmi.Addr) (string, error) {
	return string(addr), nil
}

func (f *fakeTransport) Cancel(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled[id] = true
	return nil
}

func fastPolicy() Policy {
	return Policy{JobTimeout: time.Second, RetryLimit: 5, RetryDelay: time.Millisecond}
}

func TestExecuteAllPairsSucceed(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	ma := New(ft, fastPolicy())

	ma.AddPair("tcp://a:1", bmi.Message("req-a"))
	ma.AddPair("tcp://b:1", bmi.Message("req-b"))

	err := ma.Execute(context.Background())
	require.NoError(t, err)

	for _, p := range ma.Pairs() {
		assert.Equal(t, PairDone, p.State)
	}
}

func TestExecuteRetriesTransientError(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	ft.sendFailsN["tcp://a:1"] = 2 // fails twice, succeeds on 3rd attempt

	ma := New(ft, fastPolicy())
	ma.AddPair("tcp://a:1", bmi.Message("req"))

	err := ma.Execute(context.Background())
	require.NoError(t, err)

	pairs := ma.Pairs()
	require.Len(t, pairs, 1)
	assert.Equal(t, PairDone, pairs[0].State)
	assert.Equal(t, 3, pairs[0].Attempts)
}

func TestExecuteFailsFastOnPermanentError(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	ft.permanent["tcp://a:1"] = errors.New(errors.CodeNotFound, "faketransport", "no such handle")

	ma := New(ft, fastPolicy())
	ma.AddPair("tcp://a:1", bmi.Message("req"))

	err := ma.Execute(context.Background())
	require.Error(t, err)

	pairs := ma.Pairs()
	assert.Equal(t, PairFailed, pairs[0].State)
	assert.Equal(t, 1, pairs[0].Attempts, "permanent error must not retry")
}

func TestRetryBoundedByRetryLimit(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	ft.sendFailsN["tcp://a:1"] = 100 // never succeeds

	policy := fastPolicy()
	policy.RetryLimit = 3
	ma := New(ft, policy)
	ma.AddPair("tcp://a:1", bmi.Message("req"))

	err := ma.Execute(context.Background())
	require.Error(t, err)

	pairs := ma.Pairs()
	assert.Equal(t, PairFailed, pairs[0].State)
	assert.Equal(t, policy.RetryLimit+1, pairs[0].Attempts, "no more than retry_limit+1 attempts")
}

func TestCancelIdempotent(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	ma := New(ft, fastPolicy())
	id := ma.AddPair("tcp://a:1", bmi.Message("req"))

	err1 := ma.Cancel(context.Background(), id)
	err2 := ma.Cancel(context.Background(), id)

	require.NoError(t, err1)
	require.NoError(t, err2)

	ma.mu.Lock()
	cancelCount := len(ft.canceled)
	ma.mu.Unlock()
	assert.Equal(t, 1, cancelCount, "transport.Cancel should see one canceled id regardless of caller repeats")
}

func TestCancelBeforeExecuteReportsCanceled(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	ma := New(ft, fastPolicy())
	id := ma.AddPair("tcp://a:1", bmi.Message("req"))

	require.NoError(t, ma.Cancel(context.Background(), id))

	err := ma.Execute(context.Background())
	require.Error(t, err)

	pairs := ma.Pairs()
	assert.Equal(t, PairCanceled, pairs[0].State)
}
