package engine

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestEngine() *Engine {
	return New(Options{StaleAfter: time.Minute})
}

// waitForState polls until the task reaches the wanted state or times out.
// Propagation is asynchronous by contract, so tests observe it this way.
func waitForState(t *testing.T, e *Engine, taskID string, want State) Task {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, err := e.GetTaskMetadata(taskID)
		if err == nil && task.State == want {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	task, _ := e.GetTaskMetadata(taskID)
	t.Fatalf("task %q never reached %s (currently %s)", taskID, want, task.State)
	return Task{}
}

// TestRegisterNoDepsIsReady verifies a dependency-free task registers READY.
func TestRegisterNoDepsIsReady(t *testing.T) {
	e := newTestEngine()

	task, err := e.RegisterTask("A", nil, "", nil)
	if err != nil {
		t.Fatalf("RegisterTask: %v", err)
	}
	if task.State != StateReady {
		t.Errorf("expected READY, got %s", task.State)
	}
	if can, _ := e.CanTaskStart("A"); !can {
		t.Error("task with no dependencies should be startable")
	}
}

// TestRegisterDuplicate verifies re-registration of a fully registered task fails.
func TestRegisterDuplicate(t *testing.T) {
	e := newTestEngine()

	if _, err := e.RegisterTask("A", nil, "", nil); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	_, err := e.RegisterTask("A", []string{"B"}, "", nil)
	if !errors.Is(err, ErrDuplicateRegistration) {
		t.Errorf("expected ErrDuplicateRegistration, got %v", err)
	}
}

// TestRegisterCycleRejected covers example scenario 2: A depends on B, then
// B depends on A.
func TestRegisterCycleRejected(t *testing.T) {
	e := newTestEngine()

	if _, err := e.RegisterTask("A", []string{"B"}, "", nil); err != nil {
		t.Fatalf("register A: %v", err)
	}
	_, err := e.RegisterTask("B", []string{"A"}, "", nil)
	if !errors.Is(err, ErrCyclicDependency) {
		t.Fatalf("expected ErrCyclicDependency, got %v", err)
	}

	// B remains a harmless placeholder and can later register acyclically.
	task, err := e.GetTaskMetadata("B")
	if err != nil {
		t.Fatalf("placeholder B should exist: %v", err)
	}
	if !task.Placeholder {
		t.Error("B should still be a placeholder after rejected registration")
	}
	if _, err := e.RegisterTask("B", nil, "", nil); err != nil {
		t.Errorf("B should register fine without the cycle: %v", err)
	}
}

// TestForwardReference verifies registering B before its dependency A creates
// a placeholder that a later real registration completes without duplication.
func TestForwardReference(t *testing.T) {
	e := newTestEngine()

	if _, err := e.RegisterTask("B", []string{"A"}, "", nil); err != nil {
		t.Fatalf("register B: %v", err)
	}

	placeholder, err := e.GetTaskMetadata("A")
	if err != nil {
		t.Fatalf("placeholder A should exist: %v", err)
	}
	if !placeholder.Placeholder || placeholder.State != StatePending {
		t.Errorf("expected PENDING placeholder, got %+v", placeholder)
	}

	if _, err := e.RegisterTask("A", nil, "", nil); err != nil {
		t.Fatalf("real registration of A: %v", err)
	}

	real, _ := e.GetTaskMetadata("A")
	if real.Placeholder {
		t.Error("A should no longer be a placeholder")
	}
	if len(real.Dependents) != 1 || real.Dependents[0] != "B" {
		t.Errorf("expected dependents [B], got %v", real.Dependents)
	}

	// The pre-existing subscription still wires B's promotion.
	if _, err := e.StartTask("B", "agent-b"); err != nil {
		t.Fatalf("start B: %v", err)
	}
	if _, err := e.StartTask("A", "agent-a"); err != nil {
		t.Fatalf("start A: %v", err)
	}
	if _, err := e.CompleteTask("A", nil); err != nil {
		t.Fatalf("complete A: %v", err)
	}
	waitForState(t, e, "B", StateRunning)
}

// TestAutoPromotion covers example scenario 1: start(B) parks it BLOCKED,
// completing A promotes it to RUNNING without a second start call.
func TestAutoPromotion(t *testing.T) {
	e := newTestEngine()

	e.RegisterTask("A", nil, "", nil)
	e.RegisterTask("B", []string{"A"}, "", nil)

	task, err := e.StartTask("B", "agent-b")
	if err != nil {
		t.Fatalf("start B: %v", err)
	}
	if task.State != StateBlocked {
		t.Fatalf("expected B BLOCKED, got %s", task.State)
	}

	e.StartTask("A", "agent-a")
	e.CompleteTask("A", "done")

	promoted := waitForState(t, e, "B", StateRunning)
	if promoted.AgentID != "agent-b" {
		t.Errorf("promotion must keep the requesting agent, got %q", promoted.AgentID)
	}
	if promoted.StartedAt == nil {
		t.Error("promotion must stamp StartedAt")
	}
}

// TestReadyWithoutStartRequest verifies a dependent that never called start
// becomes READY, not RUNNING, when its dependency completes.
func TestReadyWithoutStartRequest(t *testing.T) {
	e := newTestEngine()

	e.RegisterTask("A", nil, "", nil)
	e.RegisterTask("B", []string{"A"}, "", nil)

	e.StartTask("A", "agent-a")
	e.CompleteTask("A", nil)

	waitForState(t, e, "B", StateReady)
}

// TestGatingCorrectness verifies canTaskStart is true iff every dependency is
// COMPLETED or FORCE_COMPLETED.
func TestGatingCorrectness(t *testing.T) {
	e := newTestEngine()

	e.RegisterTask("A", nil, "", nil)
	e.RegisterTask("B", nil, "", nil)
	e.RegisterTask("C", []string{"A", "B"}, "", nil)

	if can, _ := e.CanTaskStart("C"); can {
		t.Error("C should not be startable with pending dependencies")
	}

	e.StartTask("A", "w")
	e.CompleteTask("A", nil)
	if can, _ := e.CanTaskStart("C"); can {
		t.Error("C should not be startable with one pending dependency")
	}

	// Force-complete counts as success for gating.
	e.ForceCompleteTask("B", nil)
	waitForState(t, e, "C", StateReady)
	if can, _ := e.CanTaskStart("C"); !can {
		t.Error("C should be startable once all dependencies are terminal-success")
	}
}

// TestFailurePropagation verifies a failed dependency cascades
// BLOCKED_BY_FAILURE through the whole dependent chain.
func TestFailurePropagation(t *testing.T) {
	e := newTestEngine()

	e.RegisterTask("A", nil, "", nil)
	e.RegisterTask("B", []string{"A"}, "", nil)
	e.RegisterTask("C", []string{"B"}, "", nil)

	e.StartTask("A", "w")
	if _, err := e.FailTask("A", "boom"); err != nil {
		t.Fatalf("fail A: %v", err)
	}

	waitForState(t, e, "B", StateBlockedByFailure)
	waitForState(t, e, "C", StateBlockedByFailure)

	if can, _ := e.CanTaskStart("B"); can {
		t.Error("B must not be startable after its dependency failed")
	}
	_, err := e.StartTask("B", "w")
	if !errors.Is(err, ErrDependencyNotSatisfied) {
		t.Errorf("expected ErrDependencyNotSatisfied, got %v", err)
	}
}

// TestRegisterAfterDependencyFailed covers example scenario 3: registering a
// dependent of an already-failed task lands directly in BLOCKED_BY_FAILURE.
func TestRegisterAfterDependencyFailed(t *testing.T) {
	e := newTestEngine()

	e.RegisterTask("A", nil, "", nil)
	e.StartTask("A", "w")
	e.FailTask("A", "boom")

	task, err := e.RegisterTask("B", []string{"A"}, "", nil)
	if err != nil {
		t.Fatalf("register B: %v", err)
	}
	if task.State != StateBlockedByFailure {
		t.Errorf("expected BLOCKED_BY_FAILURE at registration, got %s", task.State)
	}
}

// TestForceCompleteWhileRunning covers example scenario 4.
func TestForceCompleteWhileRunning(t *testing.T) {
	e := newTestEngine()

	e.RegisterTask("A", nil, "", nil)
	e.StartTask("A", "w")

	task, err := e.ForceCompleteTask("A", map[string]any{"partial": true})
	if err != nil {
		t.Fatalf("force-complete running task: %v", err)
	}
	if task.State != StateForceCompleted {
		t.Errorf("expected FORCE_COMPLETED, got %s", task.State)
	}

	// Normal completion afterwards must be rejected.
	_, err = e.CompleteTask("A", nil)
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("expected ErrInvalidStateTransition after force-complete, got %v", err)
	}
}

// TestForceCompleteUnblocksChain verifies force-completing a
// BLOCKED_BY_FAILURE task counts as success for its own dependents.
func TestForceCompleteUnblocksChain(t *testing.T) {
	e := newTestEngine()

	e.RegisterTask("A", nil, "", nil)
	e.RegisterTask("B", []string{"A"}, "", nil)
	e.RegisterTask("C", []string{"B"}, "", nil)

	e.StartTask("A", "w")
	e.FailTask("A", "boom")
	waitForState(t, e, "B", StateBlockedByFailure)
	waitForState(t, e, "C", StateBlockedByFailure)

	if _, err := e.ForceCompleteTask("B", "overridden"); err != nil {
		t.Fatalf("force-complete B: %v", err)
	}

	// C is already BLOCKED_BY_FAILURE; the override resolves B's signal as a
	// success but C stays parked until it is force-completed itself.
	if can, _ := e.CanTaskStart("C"); !can {
		t.Error("C's dependencies are now terminal-success, gating should pass")
	}
	task, _ := e.GetTaskMetadata("C")
	if task.State != StateBlockedByFailure {
		t.Errorf("C should remain BLOCKED_BY_FAILURE until forced, got %s", task.State)
	}
}

// TestRegisterAfterForceCompletedPlaceholder verifies a placeholder that an
// operator force-completed stays terminal: a later real registration of the
// same id is rejected and the record keeps its state and result.
func TestRegisterAfterForceCompletedPlaceholder(t *testing.T) {
	e := newTestEngine()

	e.RegisterTask("B", []string{"A"}, "", nil)
	if _, err := e.ForceCompleteTask("A", "unstuck"); err != nil {
		t.Fatalf("force-complete placeholder: %v", err)
	}

	_, err := e.RegisterTask("A", nil, "", nil)
	if !errors.Is(err, ErrDuplicateRegistration) {
		t.Fatalf("expected ErrDuplicateRegistration for terminal id, got %v", err)
	}

	task, _ := e.GetTaskMetadata("A")
	if task.State != StateForceCompleted {
		t.Errorf("terminal state must survive registration attempt, got %s", task.State)
	}
	if task.Result != "unstuck" {
		t.Errorf("override result must survive, got %v", task.Result)
	}

	// The override still counts as success for dependents.
	waitForState(t, e, "B", StateReady)
}

// TestForceCompletedPlaceholderStatus verifies a force-completed placeholder
// leaves the placeholder diagnostics: it is neither counted nor flagged stale.
func TestForceCompletedPlaceholderStatus(t *testing.T) {
	e := New(Options{StaleAfter: 10 * time.Millisecond})

	e.RegisterTask("B", []string{"A"}, "", nil)
	if _, err := e.ForceCompleteTask("A", nil); err != nil {
		t.Fatalf("force-complete placeholder: %v", err)
	}
	waitForState(t, e, "B", StateReady)

	time.Sleep(30 * time.Millisecond)

	status := e.SystemStatus()
	if status.Placeholders != 0 {
		t.Errorf("expected 0 placeholders, got %d", status.Placeholders)
	}
	if status.CountsByState["FORCE_COMPLETED"] != 1 {
		t.Errorf("expected 1 FORCE_COMPLETED, got %d", status.CountsByState["FORCE_COMPLETED"])
	}
	for _, stale := range status.StaleTasks {
		if stale.TaskID == "A" {
			t.Errorf("terminal task must not be reported stale: %+v", stale)
		}
	}
}

// TestForceCompleteIdempotent verifies a second force-complete is a no-op
// returning the original result.
func TestForceCompleteIdempotent(t *testing.T) {
	e := newTestEngine()
	e.RegisterTask("A", nil, "", nil)

	first, err := e.ForceCompleteTask("A", "original")
	if err != nil {
		t.Fatalf("first force-complete: %v", err)
	}
	second, err := e.ForceCompleteTask("A", "different")
	if err != nil {
		t.Fatalf("second force-complete must be a no-op: %v", err)
	}
	if second.Result != first.Result || second.Result != "original" {
		t.Errorf("expected original result to stick, got %v", second.Result)
	}
}

// TestAtMostOneTerminalTransition verifies exactly one of complete, fail,
// force-complete wins.
func TestAtMostOneTerminalTransition(t *testing.T) {
	e := newTestEngine()

	e.RegisterTask("A", nil, "", nil)
	e.StartTask("A", "w")
	if _, err := e.CompleteTask("A", "ok"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if _, err := e.FailTask("A", "late"); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("fail after complete: expected ErrInvalidStateTransition, got %v", err)
	}
	if _, err := e.CompleteTask("A", "again"); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("double complete: expected ErrInvalidStateTransition, got %v", err)
	}
	if _, err := e.ForceCompleteTask("A", nil); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("force after complete: expected ErrInvalidStateTransition, got %v", err)
	}
}

// TestInvalidTransitions exercises the state-machine guards.
func TestInvalidTransitions(t *testing.T) {
	e := newTestEngine()
	e.RegisterTask("A", nil, "", nil)

	tests := []struct {
		name    string
		op      func() error
		wantErr error
	}{
		{
			name:    "complete before start",
			op:      func() error { _, err := e.CompleteTask("A", nil); return err },
			wantErr: ErrInvalidStateTransition,
		},
		{
			name:    "fail before start",
			op:      func() error { _, err := e.FailTask("A", nil); return err },
			wantErr: ErrInvalidStateTransition,
		},
		{
			name:    "start unknown task",
			op:      func() error { _, err := e.StartTask("ghost", "w"); return err },
			wantErr: ErrTaskNotFound,
		},
		{
			name:    "complete unknown task",
			op:      func() error { _, err := e.CompleteTask("ghost", nil); return err },
			wantErr: ErrTaskNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.op(); !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	// Double start.
	if _, err := e.StartTask("A", "w"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := e.StartTask("A", "w2"); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("double start: expected ErrInvalidStateTransition, got %v", err)
	}
}

// TestStartPlaceholderNotFound verifies a placeholder cannot be started or
// gated until its real registration arrives.
func TestStartPlaceholderNotFound(t *testing.T) {
	e := newTestEngine()
	e.RegisterTask("B", []string{"A"}, "", nil)

	if _, err := e.StartTask("A", "w"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound for placeholder start, got %v", err)
	}
	if can, _ := e.CanTaskStart("A"); can {
		t.Error("a placeholder must never be startable")
	}
}

// TestDependencyChainQuery verifies the engine-level chain query.
func TestDependencyChainQuery(t *testing.T) {
	e := newTestEngine()
	e.RegisterTask("A", nil, "", nil)
	e.RegisterTask("B", []string{"A"}, "", nil)
	e.RegisterTask("C", []string{"B"}, "", nil)

	chain, err := e.GetDependencyChain("B")
	if err != nil {
		t.Fatalf("GetDependencyChain: %v", err)
	}
	if len(chain.Ancestors) != 1 || chain.Ancestors[0] != "A" {
		t.Errorf("expected ancestors [A], got %v", chain.Ancestors)
	}
	if len(chain.Descendants) != 1 || chain.Descendants[0] != "C" {
		t.Errorf("expected descendants [C], got %v", chain.Descendants)
	}

	if _, err := e.GetDependencyChain("ghost"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

// TestSystemStatusCountsAndStale verifies the aggregate diagnostic view.
func TestSystemStatusCountsAndStale(t *testing.T) {
	e := New(Options{StaleAfter: 10 * time.Millisecond})

	e.RegisterTask("A", nil, "", nil)
	e.RegisterTask("B", []string{"A"}, "", nil)
	e.RegisterTask("C", []string{"missing"}, "", nil) // forward reference
	e.StartTask("C", "w")                             // parks BLOCKED

	e.StartTask("A", "w")
	e.FailTask("A", "boom")
	waitForState(t, e, "B", StateBlockedByFailure)

	// Let the BLOCKED task and the placeholder age past the threshold.
	time.Sleep(30 * time.Millisecond)

	status := e.SystemStatus()
	if status.TotalTasks != 4 { // A, B, C, missing
		t.Errorf("expected 4 tasks, got %d", status.TotalTasks)
	}
	if status.Placeholders != 1 {
		t.Errorf("expected 1 placeholder, got %d", status.Placeholders)
	}
	if status.CountsByState["FAILED"] != 1 {
		t.Errorf("expected 1 FAILED, got %d", status.CountsByState["FAILED"])
	}
	if status.CountsByState["BLOCKED_BY_FAILURE"] != 1 {
		t.Errorf("expected 1 BLOCKED_BY_FAILURE, got %d", status.CountsByState["BLOCKED_BY_FAILURE"])
	}

	stale := make(map[string]bool)
	for _, s := range status.StaleTasks {
		stale[s.TaskID] = true
	}
	for _, id := range []string{"B", "C", "missing"} {
		if !stale[id] {
			t.Errorf("expected %q in stale tasks, got %+v", id, status.StaleTasks)
		}
	}
}

// TestConcurrentIndependentTasks verifies independent task ids proceed fully
// in parallel without interference.
func TestConcurrentIndependentTasks(t *testing.T) {
	e := newTestEngine()
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("task-%d", i)
			if _, err := e.RegisterTask(id, nil, "", nil); err != nil {
				t.Errorf("register %s: %v", id, err)
				return
			}
			if _, err := e.StartTask(id, fmt.Sprintf("agent-%d", i)); err != nil {
				t.Errorf("start %s: %v", id, err)
				return
			}
			if _, err := e.CompleteTask(id, i); err != nil {
				t.Errorf("complete %s: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	status := e.SystemStatus()
	if status.CountsByState["COMPLETED"] != n {
		t.Errorf("expected %d COMPLETED, got %d", n, status.CountsByState["COMPLETED"])
	}
}

// TestConcurrentFanOutPromotion verifies completing one dependency promotes
// many blocked dependents, each under its own lock.
func TestConcurrentFanOutPromotion(t *testing.T) {
	e := newTestEngine()
	const fanOut = 30

	e.RegisterTask("root", nil, "", nil)
	for i := 0; i < fanOut; i++ {
		id := fmt.Sprintf("child-%d", i)
		if _, err := e.RegisterTask(id, []string{"root"}, "", nil); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
		if _, err := e.StartTask(id, "agent"); err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
	}

	e.StartTask("root", "agent-root")
	if _, err := e.CompleteTask("root", nil); err != nil {
		t.Fatalf("complete root: %v", err)
	}

	for i := 0; i < fanOut; i++ {
		waitForState(t, e, fmt.Sprintf("child-%d", i), StateRunning)
	}
}

// TestCompletionSignalWaiters verifies external waiters observe terminal
// transitions through the completion signal without polling.
func TestCompletionSignalWaiters(t *testing.T) {
	e := newTestEngine()
	e.RegisterTask("A", nil, "", nil)

	sig, ok := e.Signal("A")
	if !ok {
		t.Fatal("signal should exist after registration")
	}

	e.StartTask("A", "w")
	e.CompleteTask("A", "payload")

	select {
	case <-sig.Done():
	case <-time.After(time.Second):
		t.Fatal("signal never resolved")
	}
	outcome, _ := sig.Outcome()
	if !outcome.Succeeded || outcome.Result != "payload" {
		t.Errorf("unexpected outcome %+v", outcome)
	}
}
