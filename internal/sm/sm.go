// Package sm implements the client state-machine runtime of spec.md §4.4:
// a single-threaded cooperative scheduler per scheduling context, driving
// a graph of named states through a transition table keyed by return
// code, with nested state machines (a State's Nested *Machine) run as
// pushed frames on an explicit frame stack.
package sm

import (
	"context"
	"sync"
	"time"

	"github.com/objectfs/pvfs2client/internal/metrics"
	"github.com/objectfs/pvfs2client/pkg/errors"
)

// tickBudget is the per-iteration budget Run gives TestContext between
// deferred steps, matching the millisecond-scale poll loop of spec.md's
// job subsystem.
const tickBudget = 10 * time.Millisecond

// Code is an action function's return code, used to index a state's
// transition table. Terminal completion surfaces the code as the frame's
// result to its caller (or to the SMCB's caller, for the outermost frame).
type Code int

// ActionResult is what an action function returns: whether it completed
// synchronously or deferred on an async job, plus (on completion) the Code
// used to pick the next state.
type ActionResult struct {
	Deferred bool
	Code     Code
}

// Complete builds a synchronous completion result.
func Complete(code Code) ActionResult { return ActionResult{Code: code} }

// Deferred builds a result indicating the action posted an async job and
// should be re-invoked once it completes (the action itself is
// responsible for remembering, via Frame.Locals, what it's waiting on).
func Deferred() ActionResult { return ActionResult{Deferred: true} }

// ActionFunc is one state's work function. It receives the active frame so
// it can read/write frame-local state and reach the shared OpTable via
// Frame.Table.
type ActionFunc func(ctx context.Context, frame *Frame) (ActionResult, error)

// State is one named node in a machine's graph: either an action function
// or a reference to a nested machine (mutually exclusive), plus a
// transition table from return code to next state name.
type State struct {
	Name        string
	Action      ActionFunc
	Nested      *Machine
	Transitions map[Code]string
	Terminal    bool
}

// Machine is a named graph of states plus its entry point. States refer to
// a nested machine through a *Machine pointer; Name labels the machine in
// error details and frame-depth metrics.
type Machine struct {
	Name   string
	States map[string]*State
	Start  string
}

// Frame is one activation of a Machine on the SMCB's stack: the machine
// being run, the name of its current state, and the frame's own local
// values (a nested SM gets a fresh, isolated Locals map).
type Frame struct {
	Machine *Machine
	Current string
	Locals  map[string]interface{}
	Table   *OpTable
}

// SMCB ("state machine control block") is one in-flight operation: a
// stack of frames, the deepest being the one currently executing. Pushing
// a nested machine adds a frame; reaching a terminal state pops it and
// surfaces its result code to the state that pushed it.
type SMCB struct {
	mu      sync.Mutex
	frames  []*Frame
	table   *OpTable
	root    string
	metrics *metrics.Collector
}

// New constructs an SMCB rooted at machine, sharing table with every other
// SMCB in the same scheduling context.
func New(machine *Machine, table *OpTable, locals map[string]interface{}) *SMCB {
	if locals == nil {
		locals = make(map[string]interface{})
	}
	return &SMCB{
		table: table,
		root:  machine.Name,
		frames: []*Frame{{
			Machine: machine,
			Current: machine.Start,
			Locals:  locals,
			Table:   table,
		}},
	}
}

// SetMetrics attaches a collector this SMCB reports its frame stack depth
// to, keyed by the outermost machine's name. Nil restores the no-op
// default.
func (s *SMCB) SetMetrics(m *metrics.Collector) {
	s.mu.Lock()
	s.metrics = m
	s.mu.Unlock()
}

// Push invokes a nested machine as a new frame on top of the stack.
func (s *SMCB) Push(machine *Machine, locals map[string]interface{}) {
	if locals == nil {
		locals = make(map[string]interface{})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, &Frame{
		Machine: machine,
		Current: machine.Start,
		Locals:  locals,
		Table:   s.table,
	})
	s.metrics.UpdateFrameDepth(s.root, len(s.frames))
}

func (s *SMCB) top() *Frame {
	return s.frames[len(s.frames)-1]
}

// Step runs exactly one action invocation of the topmost frame's current
// state. It returns done=true once the outermost frame has reached a
// terminal state, at which point err carries the final result (nil on
// success). A Deferred result leaves the frame's current state unchanged
// so a later Step (after the caller waits on whatever op the action
// registered) re-invokes the same action.
func (s *SMCB) Step(ctx context.Context) (done bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.frames) == 0 {
		return true, nil
	}

	frame := s.top()
	state, ok := frame.Machine.States[frame.Current]
	if !ok {
		return true, errors.New(errors.CodeInternal, "sm", "unknown state").
			WithDetail("machine", frame.Machine.Name).WithDetail("state", frame.Current)
	}

	if state.Nested != nil {
		s.frames = append(s.frames, &Frame{
			Machine: state.Nested,
			Current: state.Nested.Start,
			Locals:  make(map[string]interface{}),
			Table:   s.table,
		})
		s.metrics.UpdateFrameDepth(s.root, len(s.frames))
		return false, nil
	}

	if state.Action == nil {
		return true, errors.New(errors.CodeInternal, "sm", "state has neither action nor nested machine").
			WithDetail("machine", frame.Machine.Name).WithDetail("state", frame.Current)
	}

	result, actionErr := state.Action(ctx, frame)
	if actionErr != nil {
		return s.unwindWithError(actionErr)
	}
	if result.Deferred {
		return false, nil
	}

	if state.Terminal {
		return s.popFrame(result.Code)
	}

	next, ok := state.Transitions[result.Code]
	if !ok {
		return true, errors.New(errors.CodeInternal, "sm", "no transition for return code").
			WithDetail("machine", frame.Machine.Name).WithDetail("state", frame.Current).
			WithDetail("code", int(result.Code))
	}
	frame.Current = next
	return false, nil
}

// popFrame pops the topmost (terminal) frame, surfacing its code to the
// caller frame below it, or returns done=true if it was the outermost
// frame.
func (s *SMCB) popFrame(code Code) (done bool, err error) {
	s.frames = s.frames[:len(s.frames)-1]
	s.metrics.UpdateFrameDepth(s.root, len(s.frames))
	if len(s.frames) == 0 {
		if code != 0 {
			return true, errors.New(errors.CodeInternal, "sm", "terminal non-zero code at outermost frame").
				WithDetail("code", int(code))
		}
		return true, nil
	}

	caller := s.top()
	callerState := caller.Machine.States[caller.Current]
	next, ok := callerState.Transitions[code]
	if !ok {
		return true, errors.New(errors.CodeInternal, "sm", "no transition for nested SM result").
			WithDetail("machine", caller.Machine.Name).WithDetail("state", caller.Current).
			WithDetail("code", int(code))
	}
	caller.Current = next
	return false, nil
}

func (s *SMCB) unwindWithError(err error) (bool, error) {
	s.frames = nil
	return true, err
}

// Run drives Step to completion, waiting on the shared OpTable between
// deferred steps instead of busy-polling.
func (s *SMCB) Run(ctx context.Context) error {
	for {
		done, err := s.Step(ctx)
		if done {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A deferred step without a frame-local op id to wait on would
		// spin; give the scheduler a chance to make progress elsewhere.
		s.table.TestContext(ctx, tickBudget)
	}
}
