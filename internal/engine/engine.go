package engine

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// errUnchanged is returned by mutation closures that decided not to touch the
// record, so no side effects fire. Never surfaces to callers.
var errUnchanged = errors.New("unchanged")

// Options configures a coordination engine.
type Options struct {
	Notifier   Notifier      // broadcast hook, may be nil
	Persister  Persister     // durable-write hook, may be nil
	StaleAfter time.Duration // threshold for the staleness diagnostic (default 5m)
}

// Engine coordinates execution of interdependent tasks across independent
// agents. It is a passive coordinator: it runs no workers of its own and is
// driven entirely by concurrent external callers. All public operations are
// safe for concurrent use; operations on the same task id are serialized by
// that task's lock.
type Engine struct {
	store      *Store
	graph      *Graph
	staleAfter time.Duration

	// regMu serializes registrations so that cycle detection always runs
	// against fully committed edges. Registration is not a hot path.
	regMu sync.Mutex
}

// New creates a coordination engine.
func New(opts Options) *Engine {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 5 * time.Minute
	}
	return &Engine{
		store:      NewStore(opts.Notifier, opts.Persister),
		graph:      NewGraph(),
		staleAfter: opts.StaleAfter,
	}
}

// RegisterTask registers a task with its dependency set and returns the
// current metadata immediately; it never waits for completion. Dependencies
// may reference ids not yet registered: those become placeholders that a
// later registration completes.
//
// Returns ErrDuplicateRegistration if the id is already fully registered, and
// ErrCyclicDependency (atomically, with no edges committed) if the dependency
// set would close a cycle.
func (e *Engine) RegisterTask(taskID string, dependencies []string, agentID string, payload any) (Task, error) {
	if taskID == "" {
		return Task{}, fmt.Errorf("task id must not be empty")
	}
	deps := normalizeDeps(dependencies)

	e.regMu.Lock()
	defer e.regMu.Unlock()

	if existing, ok := e.store.Get(taskID); ok {
		// Terminal records are immutable even when they began life as
		// placeholders (an operator may force-complete a stuck placeholder).
		if existing.State.Terminal() {
			return Task{}, fmt.Errorf("%w: %q is already terminal (%s)", ErrDuplicateRegistration, taskID, existing.State)
		}
		if !existing.Placeholder {
			return Task{}, fmt.Errorf("%w: %q", ErrDuplicateRegistration, taskID)
		}
	}

	// Placeholders for forward references are created before the cycle
	// check; ones created for a rejected registration are harmless no-ops.
	for _, depID := range deps {
		e.store.UpsertPlaceholder(depID)
	}

	if err := e.graph.AddEdges(taskID, deps); err != nil {
		return Task{}, err
	}

	e.store.UpsertPlaceholder(taskID)
	snapshot, err := e.store.Mutate(taskID, func(task *Task) error {
		task.Placeholder = false
		task.Dependencies = deps
		task.Payload = payload
		task.RegisteredAt = time.Now()
		if agentID != "" {
			task.AgentID = agentID
		}
		task.State = e.initialState(deps)
		if task.State == StateBlockedByFailure {
			task.blockedAt = time.Now()
		}
		return nil
	})
	if err != nil {
		return Task{}, err
	}

	// Subscribe to each dependency's completion signal. A signal that is
	// already resolved fires the callback immediately on its own goroutine.
	for _, depID := range deps {
		if sig, ok := e.store.Signal(depID); ok {
			sig.Subscribe(func(outcome Outcome) {
				e.onDependencyResolved(taskID, outcome)
			})
		}
	}

	snapshot.Dependents = e.graph.Dependents(taskID)
	return snapshot, nil
}

// initialState classifies a freshly registered task from its dependencies'
// current states. Terminal dependency states are immutable, so this cannot
// race with dependency completion into a wrong answer; at worst a dependency
// resolves concurrently and the subscription promotes the task right after.
func (e *Engine) initialState(deps []string) State {
	satisfied := true
	for _, depID := range deps {
		state, ok := e.store.StateOf(depID)
		if !ok {
			return StatePending
		}
		switch state {
		case StateFailed, StateBlockedByFailure:
			return StateBlockedByFailure
		case StateCompleted, StateForceCompleted:
			// Satisfied so far.
		default:
			satisfied = false
		}
	}
	if satisfied {
		return StateReady
	}
	return StatePending
}

// CanTaskStart reports whether every dependency of the task is COMPLETED or
// FORCE_COMPLETED. Pure query, no mutation. Placeholders are never startable.
func (e *Engine) CanTaskStart(taskID string) (bool, error) {
	task, ok := e.store.Get(taskID)
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrTaskNotFound, taskID)
	}
	if task.Placeholder {
		return false, nil
	}
	return e.depsSatisfied(task.Dependencies), nil
}

// StartTask records an agent's intent to run the task. If the dependencies
// are already satisfied the task transitions to RUNNING synchronously;
// otherwise it parks in BLOCKED and is promoted automatically when the last
// dependency resolves successfully.
//
// Returns ErrInvalidStateTransition if the task is already RUNNING or
// terminal, and ErrDependencyNotSatisfied if a dependency has failed (the
// chain can only be unstuck by a force-complete).
func (e *Engine) StartTask(taskID, agentID string) (Task, error) {
	if existing, ok := e.store.Get(taskID); !ok || existing.Placeholder {
		return Task{}, fmt.Errorf("%w: %q is not registered", ErrTaskNotFound, taskID)
	}

	return e.store.Mutate(taskID, func(task *Task) error {
		switch task.State {
		case StateRunning:
			return fmt.Errorf("%w: task %q is already running", ErrInvalidStateTransition, taskID)
		case StateCompleted, StateFailed, StateForceCompleted:
			return fmt.Errorf("%w: task %q is terminal (%s)", ErrInvalidStateTransition, taskID, task.State)
		case StateBlockedByFailure:
			return fmt.Errorf("%w: task %q is blocked by a failed dependency", ErrDependencyNotSatisfied, taskID)
		}

		task.AgentID = agentID
		if e.depsSatisfied(task.Dependencies) {
			now := time.Now()
			task.State = StateRunning
			task.StartedAt = &now
			return nil
		}

		task.State = StateBlocked
		task.startRequested = true
		if task.blockedAt.IsZero() {
			task.blockedAt = time.Now()
		}
		return nil
	})
}

// CompleteTask transitions RUNNING -> COMPLETED, stores the result, and
// resolves the completion signal so dependents re-evaluate.
func (e *Engine) CompleteTask(taskID string, result any) (Task, error) {
	snapshot, err := e.store.Mutate(taskID, func(task *Task) error {
		if task.State != StateRunning {
			return fmt.Errorf("%w: complete requires RUNNING, task %q is %s", ErrInvalidStateTransition, taskID, task.State)
		}
		now := time.Now()
		task.State = StateCompleted
		task.Result = result
		task.CompletedAt = &now
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	e.resolve(taskID, Outcome{Succeeded: true, Result: result})
	return snapshot, nil
}

// FailTask transitions RUNNING -> FAILED, stores the error payload, and
// propagates BLOCKED_BY_FAILURE to every non-terminal transitive dependent so
// stalled chains stay observable. Failed tasks are terminal; a retry is a new
// task id.
func (e *Engine) FailTask(taskID string, errPayload any) (Task, error) {
	snapshot, err := e.store.Mutate(taskID, func(task *Task) error {
		if task.State != StateRunning {
			return fmt.Errorf("%w: fail requires RUNNING, task %q is %s", ErrInvalidStateTransition, taskID, task.State)
		}
		now := time.Now()
		task.State = StateFailed
		task.Err = errPayload
		task.CompletedAt = &now
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	e.resolve(taskID, Outcome{Succeeded: false, Err: errPayload})
	return snapshot, nil
}

// ForceCompleteTask is the operator override for stuck chains: it moves the
// task to FORCE_COMPLETED from any non-terminal state, bypassing the normal
// guards, and resolves the completion signal as a success. A second call is a
// no-op that returns the original result. Calling it on a task that already
// completed or failed normally returns ErrInvalidStateTransition.
func (e *Engine) ForceCompleteTask(taskID string, result any) (Task, error) {
	forced := false
	snapshot, err := e.store.Mutate(taskID, func(task *Task) error {
		switch task.State {
		case StateForceCompleted:
			return nil // idempotent no-op, original result retained
		case StateCompleted, StateFailed:
			return fmt.Errorf("%w: task %q is terminal (%s)", ErrInvalidStateTransition, taskID, task.State)
		}
		now := time.Now()
		task.State = StateForceCompleted
		task.Result = result
		task.CompletedAt = &now
		// A force-completed placeholder is no longer awaiting registration.
		task.Placeholder = false
		forced = true
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	if forced {
		log.Printf("WARNING: task %q force-completed, bypassing state machine guards", taskID)
		e.resolve(taskID, Outcome{Succeeded: true, Result: result})
	}
	return snapshot, nil
}

// GetTaskMetadata returns a full snapshot of the task, including its derived
// dependents list.
func (e *Engine) GetTaskMetadata(taskID string) (Task, error) {
	task, ok := e.store.Get(taskID)
	if !ok {
		return Task{}, fmt.Errorf("%w: %q", ErrTaskNotFound, taskID)
	}
	task.Dependents = e.graph.Dependents(taskID)
	return task, nil
}

// Chain is the transitive dependency closure of a task.
type Chain struct {
	Ancestors   []string `json:"ancestors"`
	Descendants []string `json:"descendants"`
}

// GetDependencyChain returns the ancestor set (topological order) and the
// descendant set (reverse-topological order) of a task.
func (e *Engine) GetDependencyChain(taskID string) (Chain, error) {
	if _, ok := e.store.Get(taskID); !ok {
		return Chain{}, fmt.Errorf("%w: %q", ErrTaskNotFound, taskID)
	}
	ancestors, descendants, err := e.graph.Chain(taskID)
	if err != nil {
		return Chain{}, err
	}
	return Chain{Ancestors: ancestors, Descendants: descendants}, nil
}

// Signal exposes the task's completion signal, chiefly so callers and tests
// can wait on terminal transitions without polling.
func (e *Engine) Signal(taskID string) (*Signal, bool) {
	return e.store.Signal(taskID)
}

// Validate returns a topological ordering of every task in the graph, as a
// whole-graph diagnostic.
func (e *Engine) Validate() ([]string, error) {
	return e.graph.Order()
}

// resolve fires the task's completion signal. The signal resolves at most
// once; whichever of complete, fail, or force-complete gets there first wins.
func (e *Engine) resolve(taskID string, outcome Outcome) {
	if sig, ok := e.store.Signal(taskID); ok {
		sig.Resolve(outcome)
	}
}

// onDependencyResolved runs on its own goroutine whenever one of the task's
// dependencies reaches a terminal state. The triggering caller has already
// returned; only this dependent's lock is taken here.
func (e *Engine) onDependencyResolved(taskID string, outcome Outcome) {
	if outcome.Succeeded {
		e.promote(taskID)
		return
	}
	e.blockByFailure(taskID)
}

// promote re-evaluates a task after a dependency succeeded: if every
// dependency is now satisfied, a task that already requested start goes
// straight to RUNNING; otherwise it becomes READY.
func (e *Engine) promote(taskID string) {
	_, err := e.store.Mutate(taskID, func(task *Task) error {
		if task.State != StatePending && task.State != StateBlocked {
			return errUnchanged
		}
		if !e.depsSatisfied(task.Dependencies) {
			return errUnchanged
		}
		if task.startRequested {
			now := time.Now()
			task.State = StateRunning
			task.StartedAt = &now
			return nil
		}
		task.State = StateReady
		return nil
	})
	if err != nil && !errors.Is(err, errUnchanged) && !errors.Is(err, ErrTaskNotFound) {
		log.Printf("ERROR: promoting task %q: %v", taskID, err)
	}
}

// blockByFailure moves a task to BLOCKED_BY_FAILURE unless it is already
// terminal or running, then cascades to its own dependents. Each hop runs as
// independent asynchronous work under only that task's lock.
func (e *Engine) blockByFailure(taskID string) {
	_, err := e.store.Mutate(taskID, func(task *Task) error {
		switch task.State {
		case StatePending, StateBlocked, StateReady:
			task.State = StateBlockedByFailure
			if task.blockedAt.IsZero() {
				task.blockedAt = time.Now()
			}
			return nil
		}
		return errUnchanged
	})
	if err != nil {
		if !errors.Is(err, errUnchanged) && !errors.Is(err, ErrTaskNotFound) {
			log.Printf("ERROR: blocking task %q: %v", taskID, err)
		}
		return
	}
	for _, dependentID := range e.graph.Dependents(taskID) {
		go e.blockByFailure(dependentID)
	}
}

// depsSatisfied reports whether every listed dependency is terminal-success.
// Terminal states never change, so once this returns true it stays true.
func (e *Engine) depsSatisfied(deps []string) bool {
	for _, depID := range deps {
		state, ok := e.store.StateOf(depID)
		if !ok {
			return false
		}
		if state != StateCompleted && state != StateForceCompleted {
			return false
		}
	}
	return true
}

// normalizeDeps deduplicates the dependency list, preserving order and
// dropping empty ids. A self-reference is kept so the cycle check rejects it.
func normalizeDeps(deps []string) []string {
	seen := make(map[string]bool, len(deps))
	out := make([]string, 0, len(deps))
	for _, depID := range deps {
		if depID == "" || seen[depID] {
			continue
		}
		seen[depID] = true
		out = append(out, depID)
	}
	return out
}
