package sandbox

import "context"

// The embedded interpreter is driven as an explicit state machine:
//
//	Running -(external call)-> Suspended(Snapshot) -(Resume)-> Running
//	Running -> Terminated(TermOutcome)
//
// Host-side I/O happens only between steps; the interpreter and the host
// never run concurrently within one invocation.

// Snapshot is a suspended execution awaiting an external function result.
// It is consumed exactly once, by Resume.
type Snapshot struct {
	// Name is the external function the interpreted code invoked.
	Name string
	// Args are the positional arguments, converted to Go values.
	Args []any
	// Kwargs is the trailing options bag, if one was passed.
	Kwargs map[string]any

	resume func(value any, rerr *RaiseError) (Event, error)
}

// Resume advances the interpreter with either a return value or a typed
// exception, yielding the next event. Calling Resume twice is a programming
// error.
func (s *Snapshot) Resume(value any, rerr *RaiseError) (Event, error) {
	r := s.resume
	s.resume = nil
	return r(value, rerr)
}

// TermOutcome is the terminal result of one interpreter run, before output
// gating and print accounting are applied by the bridge.
type TermOutcome struct {
	// Value is the run's expression value, if HasValue.
	Value any
	// HasValue reports whether the run ended in an expression value.
	HasValue bool
	// Err is the uncaught failure, nil on success.
	Err *RaiseError
	// IsTimeout marks Err as a wall-clock expiry.
	IsTimeout bool
}

// Event is one step of the state machine: exactly one of Call or Done is
// non-nil.
type Event struct {
	Call *Snapshot
	Done *TermOutcome
}

// Interpreter runs untrusted source under resource limits, suspending
// whenever the code invokes one of the named external functions.
type Interpreter interface {
	// Start begins a run and returns its first event. binds become
	// read-only global values inside the program; printFn receives
	// captured print output; funcs are the external function names to
	// expose. Source defects surface as a Done event with KindSyntax,
	// not as the returned error, which is reserved for host-side setup
	// failures.
	Start(ctx context.Context, source string, limits ResourceLimits, binds map[string]any, printFn func(string), funcs []string) (Event, error)
}
