// Package rpc implements the message array layer of spec.md §4.3: a
// parallel batch of request/reply pairs addressed to individual servers,
// retried on transient failure and failed fast on permanent errors, built
// on top of a bmi.Transport.
package rpc

import (
	"context"
	stderr "errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/objectfs/pvfs2client/internal/bmi"
	"github.com/objectfs/pvfs2client/internal/metrics"
	"github.com/objectfs/pvfs2client/pkg/errors"
	"github.com/objectfs/pvfs2client/pkg/retry"
	"github.com/objectfs/pvfs2client/pkg/utils"
)

// Policy is the shared configuration for one message array, mirroring
// the job_timeout_s/retry_limit/retry_delay_ms triple of spec.md §4.3.
type Policy struct {
	JobTimeout        time.Duration
	RetryLimit        int
	RetryDelay        time.Duration
	SchedulingContext string
}

// DefaultPolicy matches spec.md's stated defaults: 30s, 5 retries, 2000ms.
func DefaultPolicy() Policy {
	return Policy{
		JobTimeout: 30 * time.Second,
		RetryLimit: 5,
		RetryDelay: 2000 * time.Millisecond,
	}
}

// PairState is the lifecycle state of one message pair.
type PairState int

const (
	PairPending PairState = iota
	PairSent
	PairDone
	PairFailed
	PairCanceled
)

func (s PairState) String() string {
	switch s {
	case PairPending:
		return "pending"
	case PairSent:
		return "sent"
	case PairDone:
		return "done"
	case PairFailed:
		return "failed"
	case PairCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// MessagePair is one outbound request and its matched inbound reply,
// addressed to a single server.
type MessagePair struct {
	ID       string
	Addr     bmi.Addr
	Request  bmi.Message
	Reply    bmi.Message
	State    PairState
	Err      error
	Attempts int
}

// MessageArray is a batch of message pairs sharing one policy. Pairs
// within a batch have no mutual ordering guarantee; the array never
// reorders a single pair's own send/receive (spec.md §4.3).
type MessageArray struct {
	transport bmi.Transport
	policy    Policy
	retryer   *retry.Retryer
	metrics   *metrics.Collector
	log       *utils.StructuredLogger

	mu       sync.Mutex
	pairs    []*MessagePair
	canceled map[string]bool
}

// SetMetrics attaches a collector this array reports pair retries and
// terminal states to. Nil restores the no-op default.
func (ma *MessageArray) SetMetrics(m *metrics.Collector) {
	ma.mu.Lock()
	ma.metrics = m
	ma.mu.Unlock()
}

// SetLog attaches a logger this array reports retries and terminal pair
// failures to. A nil logger (the default) is silently tolerated.
func (ma *MessageArray) SetLog(l *utils.StructuredLogger) {
	ma.mu.Lock()
	ma.log = l
	ma.mu.Unlock()
}

// New constructs a message array bound to transport, using policy (the
// zero value resolves to DefaultPolicy).
func New(transport bmi.Transport, policy Policy) *MessageArray {
	if policy.JobTimeout <= 0 {
		policy.JobTimeout = DefaultPolicy().JobTimeout
	}
	if policy.RetryLimit <= 0 {
		policy.RetryLimit = DefaultPolicy().RetryLimit
	}
	if policy.RetryDelay <= 0 {
		policy.RetryDelay = DefaultPolicy().RetryDelay
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = policy.RetryLimit + 1
	retryCfg.InitialDelay = policy.RetryDelay
	retryCfg.Multiplier = 1.0 // spec.md's retry_delay_ms is a fixed delay, not exponential
	retryCfg.Jitter = false

	return &MessageArray{
		transport: transport,
		policy:    policy,
		retryer:   retry.New(retryCfg),
		canceled:  make(map[string]bool),
	}
}

// AddPair enqueues a request addressed to addr and returns the pair's id.
func (ma *MessageArray) AddPair(addr bmi.Addr, req bmi.Message) string {
	ma.mu.Lock()
	defer ma.mu.Unlock()

	p := &MessagePair{
		ID:      uuid.New().String(),
		Addr:    addr,
		Request: req,
		State:   PairPending,
	}
	ma.pairs = append(ma.pairs, p)
	return p.ID
}

// Execute posts every pending pair and waits for all of them to reach a
// terminal state. A permanent error on any pair fails the whole batch;
// the caller (normally a state machine action) decides what to do with
// the partial results still recorded on the non-failing pairs.
func (ma *MessageArray) Execute(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, ma.policy.JobTimeout)
	defer cancel()

	ma.mu.Lock()
	pairs := append([]*MessagePair(nil), ma.pairs...)
	ma.mu.Unlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(pairs))

	for _, p := range pairs {
		wg.Add(1)
		go func(p *MessagePair) {
			defer wg.Done()
			errCh <- ma.executePair(ctx, p)
		}(p)
	}

	wg.Wait()
	close(errCh)

	var firstErr error
	for err := range errCh {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (ma *MessageArray) executePair(ctx context.Context, p *MessagePair) error {
	err := ma.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		ma.mu.Lock()
		if ma.canceled[p.ID] {
			ma.mu.Unlock()
			return errors.New(errors.CodeCanceled, "rpc", "pair canceled").WithOperation("execute_pair")
		}
		ma.mu.Unlock()

		p.State = PairSent
		p.Attempts++
		if p.Attempts > 1 {
			ma.metrics.RecordRetry("rpc")
			ma.log.Warn("retrying message pair", map[string]interface{}{"pair_id": p.ID, "addr": string(p.Addr), "attempt": p.Attempts})
		}

		if sendErr := ma.transport.Send(ctx, p.Addr, p.Request); sendErr != nil {
			return wrapTransportErr(sendErr)
		}

		reply, recvErr := ma.transport.Receive(ctx, p.Addr)
		if recvErr != nil {
			return wrapTransportErr(recvErr)
		}

		p.Reply = reply
		return nil
	})

	ma.mu.Lock()
	defer ma.mu.Unlock()

	if ma.canceled[p.ID] {
		p.State = PairCanceled
		p.Err = errors.New(errors.CodeCanceled, "rpc", "canceled")
		ma.metrics.RecordMessagePairState(p.State.String())
		return p.Err
	}

	if err != nil {
		p.State = PairFailed
		p.Err = err
		ma.metrics.RecordMessagePairState(p.State.String())
		ma.log.Error("message pair failed", map[string]interface{}{"pair_id": p.ID, "addr": string(p.Addr), "attempts": p.Attempts, "error": err.Error()})
		return err
	}

	p.State = PairDone
	ma.metrics.RecordMessagePairState(p.State.String())
	return nil
}

// Cancel marks opID canceled. A pair that already completed keeps its
// completion result; one still in flight reports CANCELED once the
// transport unwinds it. Calling Cancel twice for the same id is a no-op
// the second time (spec.md §8's cancellation-idempotence property).
func (ma *MessageArray) Cancel(ctx context.Context, opID string) error {
	ma.mu.Lock()
	if ma.canceled[opID] {
		ma.mu.Unlock()
		return nil
	}
	ma.canceled[opID] = true
	ma.mu.Unlock()

	return ma.transport.Cancel(ctx, opID)
}

// Pairs returns a snapshot of the array's current pair states.
func (ma *MessageArray) Pairs() []MessagePair {
	ma.mu.Lock()
	defer ma.mu.Unlock()

	out := make([]MessagePair, len(ma.pairs))
	for i, p := range ma.pairs {
		out[i] = *p
	}
	return out
}

// wrapTransportErr classifies a raw transport error into the structured
// transient/permanent taxonomy of spec.md §7, if it isn't already one.
func wrapTransportErr(err error) error {
	var pvfsErr *errors.PVFSError
	if stderr.As(err, &pvfsErr) {
		return pvfsErr
	}
	return errors.New(errors.CodeConnection, "rpc", err.Error()).WithCause(err)
}
